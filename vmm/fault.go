package vmm

import (
	"log"
	"time"

	"github.com/sarchlab/uvmm/vm"
)

type faultResult int

const (
	faultDone faultResult = iota
	faultRetry
	faultWait
)

// HandleFault makes the page holding va resident and mapped. When no frame
// is available it waits for the writer or the trim worker to produce one and
// starts over. It only fails with ErrExiting, once Stop has been called.
func (m *Manager) HandleFault(va vm.VAddr) error {
	page := m.pageTable.PageFor(va)
	start := time.Now()

	for {
		pagesAvailable := m.pagesAvailable.C()

		res, ev, reclaim := m.tryFault(page)
		switch res {
		case faultDone:
			if reclaim != nil {
				m.invoke(HookPosReclaim, *reclaim)
			}

			m.recordFault(ev, start)

			return nil
		case faultRetry:
			m.counters.retries.Add(1)
			continue
		case faultWait:
		}

		m.counters.retries.Add(1)

		select {
		case <-pagesAvailable:
		case <-m.exit.Done():
			return ErrExiting
		}
	}
}

// Access runs fn on the bytes of the page holding va, faulting the page in
// first if needed. fn must not call back into the manager.
func (m *Manager) Access(va vm.VAddr, fn func(page []byte)) error {
	m.pageTable.PageFor(va)

	for {
		if m.provider.Access(va, fn) {
			return nil
		}

		if err := m.HandleFault(va); err != nil {
			return err
		}
	}
}

// tryFault resolves one attempt under the page's PTE lock. The returned events
// are reported by the caller once the lock is dropped, so hooks may call back
// into the manager.
func (m *Manager) tryFault(page vm.PageIndex) (faultResult, FaultEvent, *ReclaimEvent) {
	lk := m.pageTable.Lock(page)
	defer lk.Unlock()

	pte := m.pageTable.Read(page)

	var (
		pfn     *vm.PFN
		kind    FaultKind
		reclaim *ReclaimEvent
	)

	switch pte.Kind() {
	case vm.PTEMemory:
		if pte.Age() != 0 {
			m.pageTable.Write(page, pte.WithAge(0))
		}

		return faultDone, FaultEvent{Page: page, Kind: FaultFake, Frame: pte.Frame()}, nil

	case vm.PTEUntouched:
		var ok bool
		if pfn, reclaim, ok = m.getFreePage(); !ok {
			return faultWait, FaultEvent{}, nil
		}

		kind = FaultNew

	case vm.PTEDisc:
		var ok bool
		if pfn, reclaim, ok = m.getFreePage(); !ok {
			return faultWait, FaultEvent{}, nil
		}

		m.readPage(pte.Slot(), pfn.Number())
		m.slots.Release(pte.Slot())

		kind = FaultHard

	case vm.PTETransition:
		pfn = lk.LockFrame(pte.Frame())

		// Between reading the PTE and locking the frame, the frame may have
		// been written out and handed to another page.
		if m.pageTable.Read(page) != pte {
			pfn.Unlock()
			return faultRetry, FaultEvent{}, nil
		}

		m.unlinkTrimmed(page, pfn)

		kind = FaultSoft
	}

	fn := pfn.Number()

	m.pageTable.Write(page, vm.MemoryPTE(fn, 0))
	pfn.SetState(vm.FrameActive)
	pfn.SetOwner(page)
	m.mustMap(m.pageTable.VAFor(page), fn)
	pfn.Unlock()

	return faultDone, FaultEvent{Page: page, Kind: kind, Frame: fn}, reclaim
}

// unlinkTrimmed takes a trimmed frame back for its page. The caller holds
// the page's PTE lock and the frame lock.
func (m *Manager) unlinkTrimmed(page vm.PageIndex, pfn *vm.PFN) {
	if !pfn.HasOwner || pfn.Owner != page {
		log.Panicf("page %d maps frame %d owned by page %d",
			page, pfn.Number(), pfn.Owner)
	}

	// A writeback holds the frame. Whatever it writes may be stale as soon
	// as the page is mapped again.
	if pfn.RefCount > 0 {
		pfn.Modified = true
	}

	switch m.arena.OwnerOf(pfn.Number()) {
	case m.standby:
		m.standby.Remove(pfn)
		m.slots.Release(pfn.Slot)
		pfn.Slot = 0
	case m.modified:
		m.modified.Remove(pfn)
	case nil:
		if pfn.RefCount == 0 || pfn.State() != vm.FrameModified {
			log.Panicf("trimmed frame %d is %s on no list", pfn.Number(), pfn.State())
		}
	default:
		log.Panicf("trimmed frame %d is on the %s list",
			pfn.Number(), m.arena.OwnerOf(pfn.Number()).Name())
	}
}

func (m *Manager) recordFault(ev FaultEvent, start time.Time) {
	m.counters.faults[ev.Kind].Add(1)

	ev.Duration = time.Since(start)
	m.invoke(HookPosFault, ev)
}

// readPage copies a slot into a frame through the read window.
func (m *Manager) readPage(s vm.SlotIndex, fn vm.FrameNumber) {
	m.readWindow.mu.Lock()
	defer m.readWindow.mu.Unlock()

	m.withFrame(m.readWindow.page(0), fn, func(page []byte) {
		if err := m.store.ReadPage(s, page); err != nil {
			log.Panicf("reading slot %d into frame %d: %v", s, fn, err)
		}
	})
}

// zeroFrame clears a frame through the zero window.
func (m *Manager) zeroFrame(fn vm.FrameNumber) {
	m.zeroWindow.mu.Lock()
	defer m.zeroWindow.mu.Unlock()

	m.withFrame(m.zeroWindow.page(0), fn, func(page []byte) {
		clear(page)
	})
}
