package vmm

import (
	"errors"
	"log"
	"time"

	"github.com/sarchlab/uvmm/vm"
	"github.com/sarchlab/uvmm/vm/pagelist"
)

func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		slotAvailable := m.slots.Available().C()

		n, err := m.WriteBatch()
		if errors.Is(err, ErrNoSlot) {
			m.logger.Debug("writer waiting for a slot")

			select {
			case <-slotAvailable:
				continue
			case <-m.exit.Done():
				return
			}
		}

		if n > 0 && m.modified.Len() > 0 && m.reclaimable() < m.lowWater {
			if m.exit.Closed() {
				return
			}

			continue
		}

		select {
		case <-m.exit.Done():
			return
		case <-m.writingNeeded.C():
		case <-time.After(m.writerInterval):
		}
	}
}

// WriteBatch runs one writeback cycle. It reserves slots, takes that many
// frames off the modified list, writes them out and puts the ones that were
// not faulted back in the meantime on the standby list. It returns the
// number of frames that reached standby, or ErrNoSlot if no slot could be
// reserved.
func (m *Manager) WriteBatch() (int, error) {
	target := m.batchTarget()
	if target == 0 {
		return 0, nil
	}

	start := time.Now()

	slots := m.slots.AcquireBatch(target)
	if len(slots) == 0 {
		return 0, ErrNoSlot
	}

	batch := m.modified.BatchPopHead(len(slots), true)
	for _, s := range slots[len(batch):] {
		m.slots.Release(s)
	}

	slots = slots[:len(batch)]
	if len(batch) == 0 {
		return 0, nil
	}

	m.writePages(batch, slots)
	written, discarded := m.finishBatch(batch, slots)

	elapsed := time.Since(start)
	m.scheduler.RecordBatch(elapsed, len(batch))

	m.counters.batches.Add(1)
	m.counters.pagesWritten.Add(uint64(written))
	m.counters.writesDiscarded.Add(uint64(discarded))

	m.logger.Debug("batch written",
		"target", target,
		"written", written,
		"discarded", discarded,
		"duration", elapsed)

	m.invoke(HookPosWriteBatch, WriteBatchEvent{
		Target:    target,
		Written:   written,
		Discarded: discarded,
		Duration:  elapsed,
	})

	return written, nil
}

// batchTarget sizes the next batch. While faults are short of pages the
// writer goes at full speed regardless of the scheduler.
func (m *Manager) batchTarget() int {
	target := m.scheduler.Target()
	if m.reclaimable() < m.lowWater {
		target = m.maxWriteBatch
	}

	return max(0, min(target, m.maxWriteBatch, m.modified.Len()))
}

// writePages maps the batch into the write window and copies every frame to
// its slot. The frames are referenced, not locked, so they may be faulted
// back and changed while this runs.
func (m *Manager) writePages(batch []*vm.PFN, slots []vm.SlotIndex) {
	m.writeWindow.mu.Lock()
	defer m.writeWindow.mu.Unlock()

	for i, pfn := range batch {
		m.mustMap(m.writeWindow.page(i), pfn.Number())
	}

	for i, pfn := range batch {
		va := m.writeWindow.page(i)

		ok := m.provider.Access(va, func(page []byte) {
			if err := m.store.WritePage(slots[i], page); err != nil {
				log.Panicf("writing frame %d to slot %d: %v", pfn.Number(), slots[i], err)
			}
		})
		if !ok {
			log.Panicf("frame %d vanished from the write window", pfn.Number())
		}
	}

	for i := range batch {
		m.mustUnmap(m.writeWindow.page(i))
	}
}

// finishBatch drops the writer's references. Frames faulted back during the
// write keep whatever state the fault gave them and lose the slot; the rest
// move to standby together, while still locked, so that no fault can see a
// half-finished batch.
func (m *Manager) finishBatch(
	batch []*vm.PFN,
	slots []vm.SlotIndex,
) (written, discarded int) {
	done := pagelist.New("written", vm.FrameStandby, m.arena, false)
	locked := make([]*vm.PFN, 0, len(batch))

	for i, pfn := range batch {
		pfn = m.frames.Lock(pfn.Number())
		pfn.RefCount--

		if pfn.RefCount < 0 {
			log.Panicf("frame %d reference count dropped below zero", pfn.Number())
		}

		if pfn.Modified {
			pfn.Modified = false
			pfn.Unlock()
			m.slots.Release(slots[i])

			discarded++

			continue
		}

		pfn.Slot = slots[i]
		done.PushTail(pfn)
		locked = append(locked, pfn)
	}

	m.standby.LinkAllToTail(done)

	for _, pfn := range locked {
		pfn.Unlock()
	}

	if len(locked) > 0 {
		m.pagesAvailable.Broadcast()
	}

	return len(locked), discarded
}
