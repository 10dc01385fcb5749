package vmm

import (
	"github.com/sarchlab/uvmm/vm"
)

func (m *Manager) trimLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.exit.Done():
			return
		case <-m.trimNeeded.C():
		}

		m.Trim()
	}
}

// Trim sweeps the page table until the free, standby and modified lists
// together reach the low-water mark, or until no page is resident. Pages on
// the modified list count because the writer is already turning them into
// standby pages.
func (m *Manager) Trim() {
	for !m.exit.Closed() && m.available() < m.lowWater {
		resident, _ := m.Sweep()
		if resident == 0 {
			return
		}
	}
}

// Sweep makes one clock pass over every PTE region. Resident pages at the
// maximum age are unmapped and moved to the modified list; the others get
// one step older. It returns how many resident pages it saw and how many it
// trimmed.
func (m *Manager) Sweep() (resident, trimmed int) {
	var events []TrimEvent

	for r := 0; r < m.pageTable.NumRegions(); r++ {
		var res int
		res, events = m.sweepRegion(r, events[:0])
		resident += res
		trimmed += len(events)

		// Hooks run with the region unlocked.
		for _, ev := range events {
			m.invoke(HookPosTrim, ev)
		}
	}

	if trimmed > 0 {
		m.writingNeeded.Set()
	}

	return resident, trimmed
}

func (m *Manager) sweepRegion(
	region int,
	events []TrimEvent,
) (resident int, trimmed []TrimEvent) {
	lk := m.pageTable.LockRegion(region)
	defer lk.Unlock()

	first, end := m.pageTable.RegionPages(region)
	for page := first; page < end; page++ {
		pte := m.pageTable.Read(page)
		if pte.Kind() != vm.PTEMemory {
			continue
		}

		resident++

		if pte.Age() < vm.MaxAge {
			m.pageTable.Write(page, pte.WithAge(pte.Age()+1))
			continue
		}

		m.trimPage(lk, page, pte.Frame())
		events = append(events, TrimEvent{Page: page, Frame: pte.Frame()})
	}

	return resident, events
}

// trimPage unmaps a resident page and puts its frame on the modified list.
// No data moves; the writer takes it from there.
func (m *Manager) trimPage(lk vm.PTELock, page vm.PageIndex, fn vm.FrameNumber) {
	pfn := lk.LockFrame(fn)
	defer pfn.Unlock()

	m.mustUnmap(m.pageTable.VAFor(page))
	m.pageTable.Write(page, vm.TransitionPTE(fn))
	m.modified.PushTail(pfn)

	m.counters.evictions.Add(1)
}
