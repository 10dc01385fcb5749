package accessagent

import (
	"log"
	"log/slog"
)

// A Builder can build access agents.
type Builder struct {
	target       Target
	numWorkers   int
	accesses     int
	readFraction float64
	seed         uint64
	progress     Progress
	logger       *slog.Logger
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		numWorkers:   4,
		accesses:     1000,
		readFraction: 0.5,
		seed:         1,
	}
}

// WithTarget sets the memory the agent accesses.
func (b Builder) WithTarget(t Target) Builder {
	b.target = t
	return b
}

// WithNumWorkers sets how many goroutines access memory at the same time.
func (b Builder) WithNumWorkers(n int) Builder {
	b.numWorkers = n
	return b
}

// WithAccessesPerWorker sets how many accesses each worker issues.
func (b Builder) WithAccessesPerWorker(n int) Builder {
	b.accesses = n
	return b
}

// WithReadFraction sets the share of accesses that only verify a page.
func (b Builder) WithReadFraction(f float64) Builder {
	b.readFraction = f
	return b
}

// WithSeed sets the seed of the random page choice.
func (b Builder) WithSeed(seed uint64) Builder {
	b.seed = seed
	return b
}

// WithProgress sets where finished accesses are reported.
func (b Builder) WithProgress(p Progress) Builder {
	b.progress = p
	return b
}

// WithLogger sets the logger mismatches are reported to.
func (b Builder) WithLogger(l *slog.Logger) Builder {
	b.logger = l
	return b
}

// Build creates the agent.
func (b Builder) Build(name string) *Agent {
	if b.target == nil {
		log.Panic("access agent needs a target")
	}

	if b.numWorkers <= 0 {
		log.Panicf("access agent needs workers, got %d", b.numWorkers)
	}

	if b.target.PageSize() < headerSize {
		log.Panicf("page size %d is smaller than a stamp", b.target.PageSize())
	}

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Agent{
		name:         name,
		target:       b.target,
		numWorkers:   b.numWorkers,
		accesses:     b.accesses,
		readFraction: b.readFraction,
		seed:         b.seed,
		progress:     b.progress,
		logger:       logger.With("agent", name),
	}
}
