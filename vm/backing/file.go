package backing

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sarchlab/uvmm/vm"
)

// FileStore keeps the backing store in a regular file, sized up front.
type FileStore struct {
	geometry
	file *os.File
}

// NewFileStore creates or truncates the file at path to hold numSlots pages.
func NewFileStore(path string, numSlots, pageSize uint64) (*FileStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dir, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening backing file: %w", err)
	}

	if err := f.Truncate(int64(numSlots * pageSize)); err != nil {
		f.Close()
		return nil, fmt.Errorf("sizing backing file: %w", err)
	}

	return &FileStore{
		geometry: geometry{numSlots: numSlots, pageSize: pageSize},
		file:     f,
	}, nil
}

// ReadPage reads a slot into buf.
func (s *FileStore) ReadPage(slot vm.SlotIndex, buf []byte) error {
	off, err := s.offset(slot, buf)
	if err != nil {
		return err
	}

	if _, err := s.file.ReadAt(buf, off); err != nil {
		return fmt.Errorf("reading slot %d: %w", slot, err)
	}

	return nil
}

// WritePage writes buf to a slot.
func (s *FileStore) WritePage(slot vm.SlotIndex, buf []byte) error {
	off, err := s.offset(slot, buf)
	if err != nil {
		return err
	}

	if _, err := s.file.WriteAt(buf, off); err != nil {
		return fmt.Errorf("writing slot %d: %w", slot, err)
	}

	return nil
}

// Close closes the file.
func (s *FileStore) Close() error {
	return s.file.Close()
}
