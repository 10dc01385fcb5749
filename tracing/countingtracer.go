package tracing

import (
	"sync"
	"time"

	"github.com/sarchlab/uvmm/vmm"
)

// CountingTracer keeps the number of events of each kind and the time spent
// resolving faults.
type CountingTracer struct {
	lock sync.Mutex

	faultCount map[vmm.FaultKind]uint64
	faultTime  map[vmm.FaultKind]time.Duration

	trims        uint64
	reclaims     uint64
	batches      uint64
	pagesWritten uint64
	discarded    uint64
}

// NewCountingTracer creates a new CountingTracer.
func NewCountingTracer() *CountingTracer {
	return &CountingTracer{
		faultCount: make(map[vmm.FaultKind]uint64),
		faultTime:  make(map[vmm.FaultKind]time.Duration),
	}
}

// Fault counts a resolved fault.
func (t *CountingTracer) Fault(e vmm.FaultEvent) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.faultCount[e.Kind]++
	t.faultTime[e.Kind] += e.Duration
}

// Trim counts a trimmed page.
func (t *CountingTracer) Trim(_ vmm.TrimEvent) {
	t.lock.Lock()
	t.trims++
	t.lock.Unlock()
}

// WriteBatch counts a writeback cycle and the pages it handled.
func (t *CountingTracer) WriteBatch(e vmm.WriteBatchEvent) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.batches++
	t.pagesWritten += uint64(e.Written)
	t.discarded += uint64(e.Discarded)
}

// Reclaim counts a standby frame given to another page.
func (t *CountingTracer) Reclaim(_ vmm.ReclaimEvent) {
	t.lock.Lock()
	t.reclaims++
	t.lock.Unlock()
}

// FaultCount returns the number of faults of a kind.
func (t *CountingTracer) FaultCount(kind vmm.FaultKind) uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.faultCount[kind]
}

// TotalFaults returns the number of faults of every kind.
func (t *CountingTracer) TotalFaults() uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	var n uint64
	for _, c := range t.faultCount {
		n += c
	}

	return n
}

// AverageFaultTime returns the mean time to resolve a fault of a kind, or
// zero if no such fault was seen.
func (t *CountingTracer) AverageFaultTime(kind vmm.FaultKind) time.Duration {
	t.lock.Lock()
	defer t.lock.Unlock()

	n := t.faultCount[kind]
	if n == 0 {
		return 0
	}

	return t.faultTime[kind] / time.Duration(n)
}

// Trims returns the number of trimmed pages.
func (t *CountingTracer) Trims() uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.trims
}

// Reclaims returns the number of standby frames reassigned.
func (t *CountingTracer) Reclaims() uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.reclaims
}

// Batches returns the number of writeback cycles.
func (t *CountingTracer) Batches() uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.batches
}

// PagesWritten returns the number of pages written to the backing store and
// the number of writes that were thrown away because the page came back.
func (t *CountingTracer) PagesWritten() (written, discarded uint64) {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.pagesWritten, t.discarded
}
