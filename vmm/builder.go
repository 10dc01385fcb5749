package vmm

import (
	"fmt"
	"log"
	"log/slog"
	"math/bits"
	"time"

	"github.com/sarchlab/uvmm/notify"
	"github.com/sarchlab/uvmm/vm"
	"github.com/sarchlab/uvmm/vm/backing"
	"github.com/sarchlab/uvmm/vm/frame"
	"github.com/sarchlab/uvmm/vm/pagelist"
	"github.com/sarchlab/uvmm/vm/slot"
)

// A Builder can build memory managers.
type Builder struct {
	numPages          uint64
	numFrames         int
	provider          frame.Provider
	store             backing.Store
	maxWriteBatch     int
	regionSize        uint64
	lowWaterFraction  float64
	slotCacheSize     int
	schedulerInterval time.Duration
	writerInterval    time.Duration
	audit             bool
	logger            *slog.Logger
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		numPages:          1024,
		numFrames:         128,
		maxWriteBatch:     16,
		regionSize:        512,
		lowWaterFraction:  0.25,
		slotCacheSize:     64,
		schedulerInterval: 10 * time.Millisecond,
		writerInterval:    50 * time.Millisecond,
	}
}

// WithNumPages sets the number of virtual pages managed.
func (b Builder) WithNumPages(n uint64) Builder {
	b.numPages = n
	return b
}

// WithNumFrames sets how many frames to ask the provider for.
func (b Builder) WithNumFrames(n int) Builder {
	b.numFrames = n
	return b
}

// WithProvider sets the source of physical frames.
func (b Builder) WithProvider(p frame.Provider) Builder {
	b.provider = p
	return b
}

// WithStore sets the backing store. Its page size must match the provider.
func (b Builder) WithStore(s backing.Store) Builder {
	b.store = s
	return b
}

// WithMaxWriteBatch sets the largest number of pages written in one cycle.
func (b Builder) WithMaxWriteBatch(n int) Builder {
	b.maxWriteBatch = n
	return b
}

// WithRegionSize sets how many PTEs share one lock.
func (b Builder) WithRegionSize(n uint64) Builder {
	b.regionSize = n
	return b
}

// WithLowWaterFraction sets the fraction of frames below which the trim
// worker keeps sweeping.
func (b Builder) WithLowWaterFraction(f float64) Builder {
	b.lowWaterFraction = f
	return b
}

// WithSlotCacheSize sets the capacity of the freed-slot cache.
func (b Builder) WithSlotCacheSize(n int) Builder {
	b.slotCacheSize = n
	return b
}

// WithSchedulerInterval sets the demand scheduler period.
func (b Builder) WithSchedulerInterval(d time.Duration) Builder {
	b.schedulerInterval = d
	return b
}

// WithWriterInterval sets how long the writer sleeps when nothing wakes it.
func (b Builder) WithWriterInterval(d time.Duration) Builder {
	b.writerInterval = d
	return b
}

// WithAudit enables the expensive consistency checks on every list and slot
// operation.
func (b Builder) WithAudit(audit bool) Builder {
	b.audit = audit
	return b
}

// WithLogger sets the logger. The default is slog.Default().
func (b Builder) WithLogger(l *slog.Logger) Builder {
	b.logger = l
	return b
}

// Build reserves frames and address space from the provider and returns a
// manager that is ready to take faults. The workers are not started.
func (b Builder) Build(name string) (*Manager, error) {
	b.mustHaveCollaborators()

	if b.logger == nil {
		b.logger = slog.Default()
	}

	pageSize := b.provider.PageSize()
	if err := b.validate(pageSize); err != nil {
		return nil, err
	}

	m := &Manager{
		name:           name,
		provider:       b.provider,
		store:          b.store,
		pageSize:       pageSize,
		maxWriteBatch:  b.maxWriteBatch,
		schedInterval:  b.schedulerInterval,
		writerInterval: b.writerInterval,
		logger:         b.logger.With("manager", name),
		pagesAvailable: notify.NewPulse(),
		writingNeeded:  notify.NewFlag(),
		trimNeeded:     notify.NewFlag(),
		exit:           notify.NewExit(),
	}

	if err := b.reserveFrames(m); err != nil {
		return nil, err
	}

	if err := b.reserveAddressSpace(m); err != nil {
		return nil, err
	}

	b.createLists(m)

	m.slots = slot.MakeBuilder().
		WithNumSlots(b.store.NumSlots()).
		WithCacheSize(b.slotCacheSize).
		WithAudit(b.audit).
		Build()

	m.lowWater = max(1, int(b.lowWaterFraction*float64(m.frames.Len())))
	m.scheduler = newScheduler(b.maxWriteBatch, b.schedulerInterval)

	return m, nil
}

func (b Builder) mustHaveCollaborators() {
	if b.provider == nil {
		log.Panic("a memory manager needs a frame provider")
	}

	if b.store == nil {
		log.Panic("a memory manager needs a backing store")
	}
}

func (b Builder) validate(pageSize uint64) error {
	switch {
	case pageSize == 0 || pageSize&(pageSize-1) != 0:
		return fmt.Errorf("page size %d: %w", pageSize, ErrBadGeometry)
	case b.store.PageSize() != pageSize:
		return fmt.Errorf("store pages of %d bytes, frames of %d: %w",
			b.store.PageSize(), pageSize, ErrBadGeometry)
	case b.store.NumSlots() == 0:
		return fmt.Errorf("store has no slots: %w", ErrBadGeometry)
	case b.numPages == 0 || b.numFrames <= 0:
		return fmt.Errorf("%d pages over %d frames: %w",
			b.numPages, b.numFrames, ErrBadGeometry)
	case b.maxWriteBatch <= 0 || b.regionSize == 0:
		return fmt.Errorf("write batch %d, region size %d: %w",
			b.maxWriteBatch, b.regionSize, ErrBadGeometry)
	case b.lowWaterFraction <= 0 || b.lowWaterFraction > 1:
		return fmt.Errorf("low-water fraction %g: %w",
			b.lowWaterFraction, ErrBadGeometry)
	case b.schedulerInterval <= 0 || b.writerInterval <= 0:
		return fmt.Errorf("worker intervals must be positive: %w", ErrBadGeometry)
	}

	return nil
}

func (b Builder) reserveFrames(m *Manager) error {
	granted, err := b.provider.Reserve(b.numFrames)
	if err != nil {
		return fmt.Errorf("reserving frames: %w", err)
	}

	if len(granted) == 0 {
		return ErrNoFrames
	}

	if len(granted) < b.numFrames {
		m.logger.Warn("provider granted fewer frames",
			"requested", b.numFrames, "granted", len(granted))
	}

	// A page that is neither resident nor in flight sits in a slot. With
	// every frame in use, one more slot must remain so that a modified page
	// can always be written out.
	if b.numPages >= uint64(len(granted)) &&
		b.store.NumSlots() < b.numPages-uint64(len(granted))+1 {
		return fmt.Errorf("%d slots for %d pages over %d frames: %w",
			b.store.NumSlots(), b.numPages, len(granted), ErrBadGeometry)
	}

	m.frames = vm.NewFrameTable(granted)

	return nil
}

func (b Builder) reserveAddressSpace(m *Manager) error {
	base, err := b.provider.ReserveAddressSpace(b.numPages)
	if err != nil {
		return fmt.Errorf("reserving %d pages: %w", b.numPages, err)
	}

	log2PageSize := uint64(bits.TrailingZeros64(m.pageSize))
	m.pageTable = vm.NewPageTable(base, b.numPages, log2PageSize, b.regionSize, m.frames)

	for _, w := range []struct {
		win   *window
		pages int
	}{
		{&m.readWindow, 1},
		{&m.writeWindow, b.maxWriteBatch},
		{&m.zeroWindow, 1},
	} {
		va, err := b.provider.ReserveAddressSpace(uint64(w.pages))
		if err != nil {
			return fmt.Errorf("reserving a mapping window: %w", err)
		}

		w.win.va = va
		w.win.pages = w.pages
		w.win.pageSize = m.pageSize
	}

	return nil
}

func (b Builder) createLists(m *Manager) {
	m.arena = pagelist.NewArena(m.frames)
	m.free = pagelist.New("free", vm.FrameFree, m.arena, b.audit)
	m.standby = pagelist.New("standby", vm.FrameStandby, m.arena, b.audit)
	m.modified = pagelist.New("modified", vm.FrameModified, m.arena, b.audit)

	for _, fn := range m.frames.Numbers() {
		pfn := m.frames.Lock(fn)
		m.free.PushTail(pfn)
		pfn.Unlock()
	}
}
