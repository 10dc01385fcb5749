package backing

import (
	"github.com/sarchlab/uvmm/vm"
)

// MemoryStore keeps the backing store in a byte slice. Concurrent accesses
// to distinct slots are safe; the engine never touches one slot from two
// threads at once.
type MemoryStore struct {
	geometry
	data []byte
}

// NewMemoryStore allocates a zeroed store.
func NewMemoryStore(numSlots, pageSize uint64) *MemoryStore {
	return &MemoryStore{
		geometry: geometry{numSlots: numSlots, pageSize: pageSize},
		data:     make([]byte, numSlots*pageSize),
	}
}

// ReadPage copies a slot into buf.
func (s *MemoryStore) ReadPage(slot vm.SlotIndex, buf []byte) error {
	off, err := s.offset(slot, buf)
	if err != nil {
		return err
	}

	copy(buf, s.data[off:off+int64(s.pageSize)])

	return nil
}

// WritePage copies buf into a slot.
func (s *MemoryStore) WritePage(slot vm.SlotIndex, buf []byte) error {
	off, err := s.offset(slot, buf)
	if err != nil {
		return err
	}

	copy(s.data[off:off+int64(s.pageSize)], buf)

	return nil
}

// Close releases nothing.
func (s *MemoryStore) Close() error {
	return nil
}
