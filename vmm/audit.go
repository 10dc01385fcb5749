package vmm

import (
	"fmt"

	"github.com/sarchlab/uvmm/vm"
	"github.com/sarchlab/uvmm/vm/pagelist"
)

// Audit checks that the page table, the frame table, the lists and the slot
// allocator agree with each other. It must only be called while no fault is
// being handled and no worker is running, for example after Stop.
func (m *Manager) Audit() error {
	for _, l := range []*pagelist.List{m.free, m.standby, m.modified} {
		if err := l.Verify(); err != nil {
			return err
		}
	}

	if err := m.auditFrames(); err != nil {
		return err
	}

	return m.auditPages()
}

func (m *Manager) listFor(s vm.FrameState) *pagelist.List {
	switch s {
	case vm.FrameFree:
		return m.free
	case vm.FrameStandby:
		return m.standby
	case vm.FrameModified:
		return m.modified
	}

	return nil
}

func (m *Manager) auditFrames() error {
	counts := map[vm.FrameState]int{}

	for _, fn := range m.frames.Numbers() {
		pfn := m.frames.Lock(fn)
		err := m.auditFrame(pfn)
		counts[pfn.State()]++
		pfn.Unlock()

		if err != nil {
			return err
		}
	}

	if counts[vm.FrameFree] != m.free.Len() ||
		counts[vm.FrameStandby] != m.standby.Len() ||
		counts[vm.FrameModified] != m.modified.Len() {
		return fmt.Errorf("state counts %v disagree with list lengths %d/%d/%d",
			counts, m.free.Len(), m.standby.Len(), m.modified.Len())
	}

	total := counts[vm.FrameFree] + counts[vm.FrameStandby] +
		counts[vm.FrameModified] + counts[vm.FrameActive]
	if total != m.frames.Len() {
		return fmt.Errorf("%d frames accounted for out of %d", total, m.frames.Len())
	}

	return nil
}

func (m *Manager) auditFrame(pfn *vm.PFN) error {
	fn := pfn.Number()

	if pfn.RefCount != 0 || pfn.Modified {
		return fmt.Errorf("frame %d still has a writeback in flight", fn)
	}

	if owner := m.arena.OwnerOf(fn); owner != m.listFor(pfn.State()) {
		return fmt.Errorf("frame %d is %s but linked on %v", fn, pfn.State(), owner)
	}

	var want vm.PTE

	switch pfn.State() {
	case vm.FrameFree:
		return nil
	case vm.FrameActive:
		want = vm.MemoryPTE(fn, 0)
	default:
		want = vm.TransitionPTE(fn)
	}

	if !pfn.HasOwner {
		return fmt.Errorf("%s frame %d has no owner", pfn.State(), fn)
	}

	got := m.pageTable.Read(pfn.Owner)
	if got.Kind() != want.Kind() || got.Frame() != fn {
		return fmt.Errorf("%s frame %d is owned by page %d whose PTE is %s",
			pfn.State(), fn, pfn.Owner, got)
	}

	return nil
}

func (m *Manager) auditPages() error {
	slots := make(map[vm.SlotIndex]vm.PageIndex)
	usedSlots := 0

	for page := vm.PageIndex(0); uint64(page) < m.pageTable.NumPages(); page++ {
		pte := m.pageTable.Read(page)
		va := m.pageTable.VAFor(page)
		mapped := m.provider.Access(va, func([]byte) {})

		switch pte.Kind() {
		case vm.PTEMemory:
			if !mapped {
				return fmt.Errorf("resident page %d is not mapped", page)
			}

			if pfn := m.frames.Get(pte.Frame()); pfn.Owner != page {
				return fmt.Errorf("page %d maps frame %d owned by page %d",
					page, pte.Frame(), pfn.Owner)
			}

			continue
		case vm.PTEDisc:
			if prev, dup := slots[pte.Slot()]; dup {
				return fmt.Errorf("pages %d and %d share slot %d", prev, page, pte.Slot())
			}

			slots[pte.Slot()] = page
			usedSlots++
		case vm.PTETransition:
			pfn := m.frames.Get(pte.Frame())
			if pfn.Owner != page {
				return fmt.Errorf("page %d is in transition on frame %d owned by page %d",
					page, pte.Frame(), pfn.Owner)
			}

			if pfn.State() == vm.FrameStandby {
				usedSlots++
			}
		}

		if mapped {
			return fmt.Errorf("page %d is mapped but its PTE is %s", page, pte)
		}
	}

	if inUse := int64(m.slots.NumSlots()) - m.slots.Free(); inUse != int64(usedSlots) {
		return fmt.Errorf("%d slots in use but %d pages hold one", inUse, usedSlots)
	}

	return nil
}
