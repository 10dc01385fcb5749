// Package frame supplies physical frames and binds them to virtual
// addresses. The engine owns all paging decisions; a Provider only hands out
// frames and installs or removes single-page translations.
package frame

import (
	"errors"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/sarchlab/uvmm/vm"
)

// Errors returned by providers.
var (
	ErrUnaligned     = errors.New("address is not page aligned")
	ErrNotReserved   = errors.New("address is outside every reserved range")
	ErrUnknownFrame  = errors.New("frame was not handed out by this provider")
	ErrNotMapped     = errors.New("nothing is mapped at the address")
	ErrBadPageSize   = errors.New("unsupported page size")
	ErrAddressSpace  = errors.New("address space exhausted")
	ErrProviderClose = errors.New("provider is closed")
)

// A Provider reserves frames and binds them to pages of reserved address
// space.
type Provider interface {
	// PageSize returns the frame size in bytes.
	PageSize() uint64

	// ReserveAddressSpace reserves a page-aligned range that Map may bind
	// frames into.
	ReserveAddressSpace(pages uint64) (vm.VAddr, error)

	// Reserve hands out up to count frames. It may return fewer.
	Reserve(count int) ([]vm.FrameNumber, error)

	// Map binds a frame to the page at va, replacing any previous binding.
	Map(va vm.VAddr, fn vm.FrameNumber) error

	// Unmap removes the binding at va.
	Unmap(va vm.VAddr) error

	// Access runs fn on the bytes of the frame bound at va. It returns
	// false, without calling fn, if nothing is bound. The binding cannot
	// change while fn runs.
	Access(va vm.VAddr, fn func(page []byte)) bool

	Close() error
}

const numStripes = 256

type addrRange struct {
	start, end vm.VAddr
}

// bindings tracks which frame is mapped at which page. Map, Unmap and Access
// on the same page are serialized by a striped lock, so an Access never sees
// a frame that has already been unmapped. An Access callback should not call
// back into the provider.
type bindings struct {
	pageSize uint64
	table    *xsync.MapOf[vm.VAddr, vm.FrameNumber]
	stripes  [numStripes]sync.Mutex

	rangesMu sync.RWMutex
	ranges   []addrRange
}

func newBindings(pageSize uint64) *bindings {
	return &bindings{
		pageSize: pageSize,
		table:    xsync.NewMapOf[vm.VAddr, vm.FrameNumber](),
	}
}

func (b *bindings) stripe(va vm.VAddr) *sync.Mutex {
	return &b.stripes[(uint64(va)/b.pageSize)%numStripes]
}

func (b *bindings) addRange(start vm.VAddr, pages uint64) {
	b.rangesMu.Lock()
	defer b.rangesMu.Unlock()

	b.ranges = append(b.ranges, addrRange{
		start: start,
		end:   start + vm.VAddr(pages*b.pageSize),
	})
}

func (b *bindings) checkAddress(va vm.VAddr) error {
	if uint64(va)%b.pageSize != 0 {
		return fmt.Errorf("0x%x: %w", uint64(va), ErrUnaligned)
	}

	b.rangesMu.RLock()
	defer b.rangesMu.RUnlock()

	for _, r := range b.ranges {
		if va >= r.start && va < r.end {
			return nil
		}
	}

	return fmt.Errorf("0x%x: %w", uint64(va), ErrNotReserved)
}

// bind installs a translation through install and records it.
func (b *bindings) bind(
	va vm.VAddr,
	fn vm.FrameNumber,
	install func() error,
) error {
	if err := b.checkAddress(va); err != nil {
		return err
	}

	l := b.stripe(va)
	l.Lock()
	defer l.Unlock()

	if err := install(); err != nil {
		return err
	}

	b.table.Store(va, fn)

	return nil
}

// unbind removes a translation through remove and forgets it.
func (b *bindings) unbind(va vm.VAddr, remove func() error) error {
	if err := b.checkAddress(va); err != nil {
		return err
	}

	l := b.stripe(va)
	l.Lock()
	defer l.Unlock()

	if _, ok := b.table.Load(va); !ok {
		return fmt.Errorf("0x%x: %w", uint64(va), ErrNotMapped)
	}

	if err := remove(); err != nil {
		return err
	}

	b.table.Delete(va)

	return nil
}

func (b *bindings) access(
	va vm.VAddr,
	bytesOf func(va vm.VAddr, fn vm.FrameNumber) []byte,
	fn func(page []byte),
) bool {
	page := vm.VAddr(uint64(va) / b.pageSize * b.pageSize)

	// Exclusive, so two callers never touch the same page at once.
	l := b.stripe(page)
	l.Lock()
	defer l.Unlock()

	frame, ok := b.table.Load(page)
	if !ok {
		return false
	}

	fn(bytesOf(page, frame))

	return true
}

// Bound returns the frame mapped at va.
func (b *bindings) Bound(va vm.VAddr) (vm.FrameNumber, bool) {
	return b.table.Load(va)
}

// NumBound returns the number of pages currently mapped.
func (b *bindings) NumBound() int {
	return b.table.Size()
}
