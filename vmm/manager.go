// Package vmm implements the user-mode virtual memory manager: the fault
// handler, free-page acquisition, the trim worker, the modified writer and
// the demand scheduler.
package vmm

import (
	"log"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sarchlab/uvmm/hooking"
	"github.com/sarchlab/uvmm/notify"
	"github.com/sarchlab/uvmm/vm"
	"github.com/sarchlab/uvmm/vm/backing"
	"github.com/sarchlab/uvmm/vm/frame"
	"github.com/sarchlab/uvmm/vm/pagelist"
	"github.com/sarchlab/uvmm/vm/slot"
)

// A window is a private range of address space that the manager maps frames
// into when it needs their bytes. Each window is used by one thread at a
// time.
type window struct {
	mu       sync.Mutex
	va       vm.VAddr
	pages    int
	pageSize uint64
}

func (w *window) page(i int) vm.VAddr {
	if i < 0 || i >= w.pages {
		log.Panicf("window page %d outside [0, %d)", i, w.pages)
	}

	return w.va + vm.VAddr(uint64(i)*w.pageSize)
}

type counters struct {
	faults          [4]atomic.Uint64
	retries         atomic.Uint64
	evictions       atomic.Uint64
	reclaims        atomic.Uint64
	pagesWritten    atomic.Uint64
	writesDiscarded atomic.Uint64
	batches         atomic.Uint64
}

// A Manager owns the page table, the frame table and the page lists, and
// resolves faults on the virtual range it manages.
type Manager struct {
	hooking.HookableBase

	name     string
	logger   *slog.Logger
	provider frame.Provider
	store    backing.Store
	pageSize uint64

	pageTable *vm.PageTable
	frames    *vm.FrameTable
	arena     *pagelist.Arena
	free      *pagelist.List
	standby   *pagelist.List
	modified  *pagelist.List
	slots     *slot.Allocator

	readWindow  window
	writeWindow window
	zeroWindow  window

	maxWriteBatch  int
	lowWater       int
	scheduler      *scheduler
	schedInterval  time.Duration
	writerInterval time.Duration

	pagesAvailable *notify.Pulse
	writingNeeded  *notify.Flag
	trimNeeded     *notify.Flag
	exit           *notify.Exit

	startOnce sync.Once
	wg        sync.WaitGroup
	counters  counters
}

// Name returns the name of the manager.
func (m *Manager) Name() string {
	return m.name
}

// Base returns the first address of the managed range.
func (m *Manager) Base() vm.VAddr {
	return m.pageTable.Base()
}

// NumPages returns the number of managed virtual pages.
func (m *Manager) NumPages() uint64 {
	return m.pageTable.NumPages()
}

// PageSize returns the page size in bytes.
func (m *Manager) PageSize() uint64 {
	return m.pageSize
}

// NumFrames returns the number of frames the manager owns.
func (m *Manager) NumFrames() int {
	return m.frames.Len()
}

// VAFor returns the address of a page.
func (m *Manager) VAFor(page vm.PageIndex) vm.VAddr {
	return m.pageTable.VAFor(page)
}

// Start launches the trim worker, the modified writer and the demand
// scheduler. Calling it again has no effect.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.logger.Info("starting workers",
			"frames", m.frames.Len(),
			"pages", m.pageTable.NumPages(),
			"slots", m.slots.NumSlots(),
			"low_water", m.lowWater)

		m.wg.Add(3)

		go m.trimLoop()
		go m.writeLoop()
		go m.scheduleLoop()
	})
}

// Stop signals every worker and every waiting fault to exit, and waits for
// the workers to finish.
func (m *Manager) Stop() {
	m.exit.Close()
	m.wg.Wait()

	m.logger.Info("workers stopped")
}

// Stats is a snapshot of the manager counters.
type Stats struct {
	Frames      int
	Free        int
	Standby     int
	Modified    int
	Active      int
	Slots       uint64
	FreeSlots   int64
	LowWater    int
	WriteTarget int

	FakeFaults      uint64
	NewFaults       uint64
	HardFaults      uint64
	SoftFaults      uint64
	Retries         uint64
	Evictions       uint64
	Reclaims        uint64
	PagesWritten    uint64
	WritesDiscarded uint64
	Batches         uint64
}

// Stats returns the current counters. The list lengths are read without
// locks and may not add up while the manager is busy.
func (m *Manager) Stats() Stats {
	s := Stats{
		Frames:      m.frames.Len(),
		Free:        m.free.Len(),
		Standby:     m.standby.Len(),
		Modified:    m.modified.Len(),
		Slots:       m.slots.NumSlots(),
		FreeSlots:   m.slots.Free(),
		LowWater:    m.lowWater,
		WriteTarget: m.scheduler.Target(),

		FakeFaults:      m.counters.faults[FaultFake].Load(),
		NewFaults:       m.counters.faults[FaultNew].Load(),
		HardFaults:      m.counters.faults[FaultHard].Load(),
		SoftFaults:      m.counters.faults[FaultSoft].Load(),
		Retries:         m.counters.retries.Load(),
		Evictions:       m.counters.evictions.Load(),
		Reclaims:        m.counters.reclaims.Load(),
		PagesWritten:    m.counters.pagesWritten.Load(),
		WritesDiscarded: m.counters.writesDiscarded.Load(),
		Batches:         m.counters.batches.Load(),
	}

	s.Active = s.Frames - s.Free - s.Standby - s.Modified

	return s
}

// available counts the pages that are, or soon will be, reclaimable.
func (m *Manager) available() int {
	return m.free.Len() + m.standby.Len() + m.modified.Len()
}

// reclaimable counts the pages a fault can take right now.
func (m *Manager) reclaimable() int {
	return m.free.Len() + m.standby.Len()
}

func (m *Manager) mustMap(va vm.VAddr, fn vm.FrameNumber) {
	if err := m.provider.Map(va, fn); err != nil {
		log.Panicf("mapping frame %d at 0x%x: %v", fn, uint64(va), err)
	}
}

func (m *Manager) mustUnmap(va vm.VAddr) {
	if err := m.provider.Unmap(va); err != nil {
		log.Panicf("unmapping 0x%x: %v", uint64(va), err)
	}
}

// withFrame maps a frame into a window page, runs fn on its bytes and unmaps
// it again. The caller must hold the window lock.
func (m *Manager) withFrame(va vm.VAddr, fn vm.FrameNumber, f func(page []byte)) {
	m.mustMap(va, fn)

	if !m.provider.Access(va, f) {
		log.Panicf("frame %d vanished from 0x%x", fn, uint64(va))
	}

	m.mustUnmap(va)
}

func (m *Manager) invoke(pos *hooking.HookPos, item interface{}) {
	if m.NumHooks() == 0 {
		return
	}

	m.InvokeHook(hooking.HookCtx{
		Domain: m,
		Pos:    pos,
		Item:   item,
	})
}
