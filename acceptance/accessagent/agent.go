// Package accessagent drives a memory manager with random page accesses from
// several goroutines and checks that every page keeps the data last written
// to it.
package accessagent

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sarchlab/uvmm/vm"
)

const headerSize = 16

// Target is the memory an agent accesses.
type Target interface {
	NumPages() uint64
	PageSize() uint64
	VAFor(page vm.PageIndex) vm.VAddr
	Access(va vm.VAddr, fn func(page []byte)) error
}

// Progress receives the number of finished accesses.
type Progress interface {
	IncrementFinished(amount uint64)
}

// Result summarizes a run.
type Result struct {
	Reads      uint64
	Writes     uint64
	Mismatches uint64
	Duration   time.Duration
}

// An Agent issues accesses. Each worker owns the pages whose index is
// congruent to its id, so it always knows what a page should contain.
type Agent struct {
	name         string
	target       Target
	numWorkers   int
	accesses     int
	readFraction float64
	seed         uint64
	progress     Progress
	logger       *slog.Logger

	reads      atomic.Uint64
	writes     atomic.Uint64
	mismatches atomic.Uint64
}

// Name returns the name of the agent.
func (a *Agent) Name() string {
	return a.name
}

// Run starts the workers and waits for them. It stops early when ctx is
// done or when an access fails.
func (a *Agent) Run(ctx context.Context) (Result, error) {
	start := time.Now()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := a.numWorkers
	if uint64(workers) > a.target.NumPages() {
		workers = int(a.target.NumPages())
	}

	for id := 0; id < workers; id++ {
		wg.Add(1)

		go func(w *worker) {
			defer wg.Done()

			if err := w.run(ctx); err != nil {
				errOnce.Do(func() {
					firstErr = err
					cancel()
				})
			}
		}(a.newWorker(id, workers))
	}

	wg.Wait()

	r := Result{
		Reads:      a.reads.Load(),
		Writes:     a.writes.Load(),
		Mismatches: a.mismatches.Load(),
		Duration:   time.Since(start),
	}

	a.logger.Info("access agent finished",
		"reads", r.Reads,
		"writes", r.Writes,
		"mismatches", r.Mismatches,
		"duration", r.Duration)

	return r, firstErr
}

type worker struct {
	agent *Agent
	id    int
	count int
	rng   *rand.Rand
	known map[vm.PageIndex]uint64
}

func (a *Agent) newWorker(id, count int) *worker {
	return &worker{
		agent: a,
		id:    id,
		count: count,
		rng:   rand.New(rand.NewPCG(a.seed, uint64(id))),
		known: make(map[vm.PageIndex]uint64),
	}
}

func (w *worker) run(ctx context.Context) error {
	a := w.agent

	for i := 0; i < a.accesses; i++ {
		if ctx.Err() != nil {
			return nil
		}

		page := w.randomPage()

		var err error
		if w.rng.Float64() < a.readFraction {
			err = w.read(page)
		} else {
			err = w.write(page, uint64(i+1))
		}

		if err != nil {
			return err
		}

		if a.progress != nil {
			a.progress.IncrementFinished(1)
		}
	}

	return nil
}

func (w *worker) randomPage() vm.PageIndex {
	owned := (w.agent.target.NumPages() - uint64(w.id) + uint64(w.count) - 1) /
		uint64(w.count)

	return vm.PageIndex(w.rng.Uint64N(owned)*uint64(w.count) + uint64(w.id))
}

func (w *worker) va(page vm.PageIndex) vm.VAddr {
	offset := w.rng.Uint64N(w.agent.target.PageSize())
	return w.agent.target.VAFor(page) + vm.VAddr(offset)
}

func (w *worker) read(page vm.PageIndex) error {
	a := w.agent
	seq := w.known[page]

	var ok bool

	err := a.target.Access(w.va(page), func(b []byte) {
		ok = verify(b, page, seq)
	})
	if err != nil {
		return err
	}

	a.reads.Add(1)

	if !ok {
		a.mismatches.Add(1)
		a.logger.Warn("page content mismatch", "page", page, "seq", seq)
	}

	return nil
}

func (w *worker) write(page vm.PageIndex, seq uint64) error {
	a := w.agent

	err := a.target.Access(w.va(page), func(b []byte) {
		stamp(b, page, seq)
	})
	if err != nil {
		return err
	}

	a.writes.Add(1)
	w.known[page] = seq

	return nil
}

// stamp fills a page with a pattern derived from the page and a sequence
// number.
func stamp(b []byte, page vm.PageIndex, seq uint64) {
	binary.LittleEndian.PutUint64(b, uint64(page)+1)
	binary.LittleEndian.PutUint64(b[8:], seq)

	fill := byte(seq) ^ byte(page)
	for i := headerSize; i < len(b); i++ {
		b[i] = fill
	}
}

// verify checks a page against the last stamp. A page never written must
// read as zeros.
func verify(b []byte, page vm.PageIndex, seq uint64) bool {
	if seq == 0 {
		for _, v := range b {
			if v != 0 {
				return false
			}
		}

		return true
	}

	if binary.LittleEndian.Uint64(b) != uint64(page)+1 ||
		binary.LittleEndian.Uint64(b[8:]) != seq {
		return false
	}

	fill := byte(seq) ^ byte(page)
	for _, v := range b[headerSize:] {
		if v != fill {
			return false
		}
	}

	return true
}
