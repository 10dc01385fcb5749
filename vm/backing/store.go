// Package backing provides the page-addressed backing stores that evicted
// pages are written to.
package backing

import (
	"errors"
	"fmt"

	"github.com/sarchlab/uvmm/vm"
)

// ErrOutOfRange is returned for a slot beyond the end of the store.
var ErrOutOfRange = errors.New("slot out of range")

// ErrShortBuffer is returned when a buffer is not exactly one page.
var ErrShortBuffer = errors.New("buffer is not one page")

// A Store reads and writes whole pages at slot granularity. Slot s occupies
// bytes [s*PageSize, (s+1)*PageSize).
type Store interface {
	ReadPage(slot vm.SlotIndex, buf []byte) error
	WritePage(slot vm.SlotIndex, buf []byte) error
	NumSlots() uint64
	PageSize() uint64
	Close() error
}

type geometry struct {
	numSlots uint64
	pageSize uint64
}

func (g geometry) NumSlots() uint64 {
	return g.numSlots
}

func (g geometry) PageSize() uint64 {
	return g.pageSize
}

func (g geometry) offset(slot vm.SlotIndex, buf []byte) (int64, error) {
	if uint64(slot) >= g.numSlots {
		return 0, fmt.Errorf("slot %d of %d: %w", slot, g.numSlots, ErrOutOfRange)
	}

	if uint64(len(buf)) != g.pageSize {
		return 0, fmt.Errorf("%d bytes for a %d byte page: %w",
			len(buf), g.pageSize, ErrShortBuffer)
	}

	return int64(uint64(slot) * g.pageSize), nil
}
