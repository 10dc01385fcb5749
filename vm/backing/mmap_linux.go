//go:build linux

package backing

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/sarchlab/uvmm/vm"
)

// MmapStore keeps the backing store in a shared file mapping, so page copies
// are plain memory copies and the kernel writes them back lazily.
type MmapStore struct {
	geometry
	file *os.File
	data []byte
}

// NewMmapStore creates the file at path and maps it.
func NewMmapStore(path string, numSlots, pageSize uint64) (*MmapStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening backing file: %w", err)
	}

	size := int(numSlots * pageSize)
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("sizing backing file: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mapping backing file: %w", err)
	}

	return &MmapStore{
		geometry: geometry{numSlots: numSlots, pageSize: pageSize},
		file:     f,
		data:     data,
	}, nil
}

// ReadPage copies a slot into buf.
func (s *MmapStore) ReadPage(slot vm.SlotIndex, buf []byte) error {
	off, err := s.offset(slot, buf)
	if err != nil {
		return err
	}

	copy(buf, s.data[off:off+int64(s.pageSize)])

	return nil
}

// WritePage copies buf into a slot.
func (s *MmapStore) WritePage(slot vm.SlotIndex, buf []byte) error {
	off, err := s.offset(slot, buf)
	if err != nil {
		return err
	}

	copy(s.data[off:off+int64(s.pageSize)], buf)

	return nil
}

// Close unmaps and closes the file.
func (s *MmapStore) Close() error {
	if err := unix.Munmap(s.data); err != nil {
		s.file.Close()
		return fmt.Errorf("unmapping backing file: %w", err)
	}

	return s.file.Close()
}
