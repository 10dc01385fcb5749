package vmm

import (
	"log"

	"github.com/sarchlab/uvmm/vm"
)

// getFreePage returns a locked frame that no page maps. It prefers the free
// list. A standby frame is taken from its page, whose PTE then points at the
// slot holding its data, and is cleared before it is returned along with the
// reclaim to report once the caller drops its locks. Every call wakes the
// trim worker.
//
// The caller may hold a PTE lock, but not the lock of the page whose standby
// frame gets taken. That PTE is rewritten under the frame lock only; a soft
// fault on it re-reads the PTE after locking the frame and notices.
func (m *Manager) getFreePage() (*vm.PFN, *ReclaimEvent, bool) {
	defer m.trimNeeded.Set()

	if pfn, ok := m.free.PopHead(); ok {
		return pfn, nil, true
	}

	pfn, ok := m.standby.PopHead()
	if !ok {
		return nil, nil, false
	}

	ev := m.retarget(pfn)
	m.zeroFrame(pfn.Number())

	return pfn, &ev, true
}

// retarget points the former owner of a standby frame at the frame's slot.
func (m *Manager) retarget(pfn *vm.PFN) ReclaimEvent {
	fn := pfn.Number()

	if !pfn.HasOwner {
		log.Panicf("standby frame %d has no owner", fn)
	}

	page := pfn.Owner
	if pte := m.pageTable.Read(page); pte != vm.TransitionPTE(fn) {
		log.Panicf("standby frame %d owned by page %d whose PTE is %s", fn, page, pte)
	}

	m.pageTable.Write(page, vm.DiscPTE(pfn.Slot))

	m.counters.reclaims.Add(1)
	ev := ReclaimEvent{Page: page, Frame: fn, Slot: pfn.Slot}

	pfn.HasOwner = false
	pfn.Slot = 0

	return ev
}
