//go:build linux

package frame

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/sarchlab/uvmm/vm"
)

// MemfdProvider backs frames with a memfd file. Frame n is the page at
// offset n*PageSize in the file; binding maps that page into the process at
// a fixed address, and unbinding replaces the mapping with an inaccessible
// anonymous page so the address stays reserved.
type MemfdProvider struct {
	*bindings

	mu        sync.Mutex
	fd        int
	numFrames int
	handedOut int
	ranges    []addrRange
	closed    bool
}

// NewMemfdProvider creates a memfd holding numFrames frames. The page size
// must be a multiple of the host page size.
func NewMemfdProvider(numFrames int, pageSize uint64) (*MemfdProvider, error) {
	host := uint64(os.Getpagesize())
	if pageSize == 0 || pageSize%host != 0 || pageSize&(pageSize-1) != 0 {
		return nil, fmt.Errorf("page size %d with host pages of %d: %w",
			pageSize, host, ErrBadPageSize)
	}

	fd, err := unix.MemfdCreate("uvmm-frames", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("creating memfd: %w", err)
	}

	if err := unix.Ftruncate(fd, int64(uint64(numFrames)*pageSize)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("sizing memfd: %w", err)
	}

	return &MemfdProvider{
		bindings:  newBindings(pageSize),
		fd:        fd,
		numFrames: numFrames,
	}, nil
}

// PageSize returns the frame size.
func (p *MemfdProvider) PageSize() uint64 {
	return p.pageSize
}

// ReserveAddressSpace reserves an inaccessible range of the process address
// space.
func (p *MemfdProvider) ReserveAddressSpace(pages uint64) (vm.VAddr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, ErrProviderClose
	}

	length := uintptr(pages * p.pageSize)

	addr, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		0,
		length,
		unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE,
		^uintptr(0),
		0,
	)
	if errno != 0 {
		return 0, fmt.Errorf("reserving %d pages: %w", pages, errno)
	}

	start := vm.VAddr(addr)
	if uint64(start)%p.pageSize != 0 {
		unix.Syscall(unix.SYS_MUNMAP, addr, length, 0)
		return 0, fmt.Errorf("reservation at 0x%x: %w", addr, ErrUnaligned)
	}

	p.ranges = append(p.ranges, addrRange{start: start, end: start + vm.VAddr(length)})
	p.addRange(start, pages)

	return start, nil
}

// Reserve hands out frames of the memfd.
func (p *MemfdProvider) Reserve(count int) ([]vm.FrameNumber, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrProviderClose
	}

	n := min(count, p.numFrames-p.handedOut)
	frames := make([]vm.FrameNumber, n)

	for i := range frames {
		frames[i] = vm.FrameNumber(p.handedOut + i)
	}

	p.handedOut += n

	return frames, nil
}

// Map maps the frame's file page at va.
func (p *MemfdProvider) Map(va vm.VAddr, fn vm.FrameNumber) error {
	if err := p.checkFrame(fn); err != nil {
		return err
	}

	return p.bind(va, fn, func() error {
		_, _, errno := unix.Syscall6(
			unix.SYS_MMAP,
			uintptr(va),
			uintptr(p.pageSize),
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_SHARED|unix.MAP_FIXED,
			uintptr(p.fd),
			uintptr(uint64(fn)*p.pageSize),
		)
		if errno != 0 {
			return fmt.Errorf("mapping frame %d at 0x%x: %w", fn, uint64(va), errno)
		}

		return nil
	})
}

// Unmap puts an inaccessible page back at va.
func (p *MemfdProvider) Unmap(va vm.VAddr) error {
	return p.unbind(va, func() error {
		_, _, errno := unix.Syscall6(
			unix.SYS_MMAP,
			uintptr(va),
			uintptr(p.pageSize),
			unix.PROT_NONE,
			unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED|unix.MAP_NORESERVE,
			^uintptr(0),
			0,
		)
		if errno != 0 {
			return fmt.Errorf("unmapping 0x%x: %w", uint64(va), errno)
		}

		return nil
	})
}

// Access runs fn on the page mapped at va.
func (p *MemfdProvider) Access(va vm.VAddr, fn func(page []byte)) bool {
	return p.access(va, p.bytesOf, fn)
}

// Close releases every reservation and the memfd.
func (p *MemfdProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true

	for _, r := range p.ranges {
		_, _, errno := unix.Syscall(
			unix.SYS_MUNMAP, uintptr(r.start), uintptr(r.end-r.start), 0)
		if errno != 0 {
			return fmt.Errorf("releasing 0x%x: %w", uint64(r.start), errno)
		}
	}

	return unix.Close(p.fd)
}

func (p *MemfdProvider) checkFrame(fn vm.FrameNumber) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if uint64(fn) >= uint64(p.handedOut) {
		return fmt.Errorf("frame %d: %w", fn, ErrUnknownFrame)
	}

	return nil
}

func (p *MemfdProvider) bytesOf(va vm.VAddr, _ vm.FrameNumber) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(va))), p.pageSize)
}
