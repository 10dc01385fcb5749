package frame

import (
	"fmt"
	"sync"

	"github.com/sarchlab/uvmm/vm"
)

// SimProvider emulates physical memory with a byte arena inside the
// process. Frame numbers start at a configurable base so that the engine
// never relies on frames being numbered from zero.
type SimProvider struct {
	*bindings

	mu        sync.Mutex
	arena     []byte
	firstPFN  vm.FrameNumber
	numFrames int
	handedOut int
	nextVA    vm.VAddr
	closed    bool
}

// SimBuilder builds SimProviders.
type SimBuilder struct {
	pageSize  uint64
	numFrames int
	firstPFN  vm.FrameNumber
	baseVA    vm.VAddr
}

// MakeSimBuilder returns a builder with default parameters.
func MakeSimBuilder() SimBuilder {
	return SimBuilder{
		pageSize:  4096,
		numFrames: 256,
		firstPFN:  0x100,
		baseVA:    0x10000000,
	}
}

// WithPageSize sets the frame size.
func (b SimBuilder) WithPageSize(n uint64) SimBuilder {
	b.pageSize = n
	return b
}

// WithNumFrames sets how many frames the emulated machine has.
func (b SimBuilder) WithNumFrames(n int) SimBuilder {
	b.numFrames = n
	return b
}

// WithFirstFrame sets the number of the first frame.
func (b SimBuilder) WithFirstFrame(fn vm.FrameNumber) SimBuilder {
	b.firstPFN = fn
	return b
}

// WithBaseAddress sets where address space reservations start.
func (b SimBuilder) WithBaseAddress(va vm.VAddr) SimBuilder {
	b.baseVA = va
	return b
}

// Build creates the provider.
func (b SimBuilder) Build() (*SimProvider, error) {
	if b.pageSize == 0 || b.pageSize&(b.pageSize-1) != 0 {
		return nil, fmt.Errorf("page size %d: %w", b.pageSize, ErrBadPageSize)
	}

	if uint64(b.baseVA)%b.pageSize != 0 {
		return nil, fmt.Errorf("base 0x%x: %w", uint64(b.baseVA), ErrUnaligned)
	}

	return &SimProvider{
		bindings:  newBindings(b.pageSize),
		arena:     make([]byte, uint64(b.numFrames)*b.pageSize),
		firstPFN:  b.firstPFN,
		numFrames: b.numFrames,
		nextVA:    b.baseVA,
	}, nil
}

// PageSize returns the frame size.
func (p *SimProvider) PageSize() uint64 {
	return p.pageSize
}

// ReserveAddressSpace hands out the next unused range.
func (p *SimProvider) ReserveAddressSpace(pages uint64) (vm.VAddr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, ErrProviderClose
	}

	start := p.nextVA
	size := vm.VAddr(pages * p.pageSize)

	if start+size < start {
		return 0, ErrAddressSpace
	}

	p.nextVA += size
	p.addRange(start, pages)

	return start, nil
}

// Reserve hands out frames that have not been handed out before.
func (p *SimProvider) Reserve(count int) ([]vm.FrameNumber, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrProviderClose
	}

	n := min(count, p.numFrames-p.handedOut)
	frames := make([]vm.FrameNumber, n)

	for i := range frames {
		frames[i] = p.firstPFN + vm.FrameNumber(p.handedOut+i)
	}

	p.handedOut += n

	return frames, nil
}

// Map binds a frame to a page.
func (p *SimProvider) Map(va vm.VAddr, fn vm.FrameNumber) error {
	if err := p.checkFrame(fn); err != nil {
		return err
	}

	return p.bind(va, fn, func() error { return nil })
}

// Unmap removes the binding of a page.
func (p *SimProvider) Unmap(va vm.VAddr) error {
	return p.unbind(va, func() error { return nil })
}

// Access runs fn on the frame bound at va.
func (p *SimProvider) Access(va vm.VAddr, fn func(page []byte)) bool {
	return p.access(va, p.bytesOf, fn)
}

// Frame returns the bytes of a frame regardless of any binding. It exists
// for inspection in tests and tools.
func (p *SimProvider) Frame(fn vm.FrameNumber) []byte {
	return p.bytesOf(0, fn)
}

// Close makes further reservations fail.
func (p *SimProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true

	return nil
}

func (p *SimProvider) checkFrame(fn vm.FrameNumber) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if fn < p.firstPFN || fn >= p.firstPFN+vm.FrameNumber(p.handedOut) {
		return fmt.Errorf("frame %d: %w", fn, ErrUnknownFrame)
	}

	return nil
}

func (p *SimProvider) bytesOf(_ vm.VAddr, fn vm.FrameNumber) []byte {
	off := uint64(fn-p.firstPFN) * p.pageSize
	return p.arena[off : off+p.pageSize : off+p.pageSize]
}
