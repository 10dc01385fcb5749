package vmm

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

const (
	availableWindow = 16
	batchWindow     = 8
)

type batchSample struct {
	duration time.Duration
	pages    int
}

// A scheduler turns recent page consumption and recent write cost into a
// batch size for the writer. It only advises; the writer's own low-water
// check overrides it.
type scheduler struct {
	mu       sync.Mutex
	maxBatch int
	interval time.Duration

	available []int
	batches   []batchSample
	target    atomic.Int64
}

func newScheduler(maxBatch int, interval time.Duration) *scheduler {
	s := &scheduler{
		maxBatch: maxBatch,
		interval: interval,
	}

	s.target.Store(int64(maxBatch))

	return s
}

// Target returns the current batch size advice.
func (s *scheduler) Target() int {
	return int(s.target.Load())
}

// RecordBatch adds the cost of a finished batch.
func (s *scheduler) RecordBatch(d time.Duration, pages int) {
	if pages <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.batches = append(s.batches, batchSample{duration: d, pages: pages})
	if len(s.batches) > batchWindow {
		s.batches = s.batches[1:]
	}
}

// Tick samples the reclaimable page count and recomputes the target. It
// reports whether pages will run out before the modified list can be
// drained.
func (s *scheduler) Tick(reclaimable, modified int) (urgent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.available = append(s.available, reclaimable)
	if len(s.available) > availableWindow {
		s.available = s.available[1:]
	}

	target, urgent := s.compute(modified)
	s.target.Store(int64(target))

	return urgent
}

// compute compares the time until reclaimable pages run out with the time
// needed to write out the whole modified list.
func (s *scheduler) compute(modified int) (target int, urgent bool) {
	if modified == 0 {
		return 1, false
	}

	rate := s.consumptionRate()
	if rate <= 0 {
		return 1, false
	}

	current := s.available[len(s.available)-1]
	exhaustIn := float64(current) / rate
	drainIn := float64(modified) * s.costPerPage().Seconds()

	if exhaustIn <= drainIn {
		return s.maxBatch, true
	}

	scaled := int(math.Ceil(float64(s.maxBatch) * drainIn / exhaustIn))

	return max(1, min(scaled, s.maxBatch)), false
}

// consumptionRate returns pages consumed per second over the window.
func (s *scheduler) consumptionRate() float64 {
	if len(s.available) < 2 {
		return 0
	}

	consumed := s.available[0] - s.available[len(s.available)-1]
	span := time.Duration(len(s.available)-1) * s.interval

	return float64(consumed) / span.Seconds()
}

// costPerPage returns the mean write time of one page. Without samples a
// write is assumed to take one scheduler interval.
func (s *scheduler) costPerPage() time.Duration {
	var (
		total time.Duration
		pages int
	)

	for _, b := range s.batches {
		total += b.duration
		pages += b.pages
	}

	if pages == 0 {
		return s.interval
	}

	return total / time.Duration(pages)
}

func (m *Manager) scheduleLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.schedInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.exit.Done():
			return
		case <-ticker.C:
		}

		if m.scheduler.Tick(m.reclaimable(), m.modified.Len()) {
			m.writingNeeded.Set()
		}
	}
}
