package tracing

import (
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/sarchlab/uvmm/datarecording"
	"github.com/sarchlab/uvmm/vmm"
)

type faultEntry struct {
	ID       string
	Time     float64
	Page     uint64
	Kind     string
	Frame    uint64
	Duration float64
}

type trimEntry struct {
	ID    string
	Time  float64
	Page  uint64
	Frame uint64
}

type writeBatchEntry struct {
	ID        string
	Time      float64
	Target    int
	Written   int
	Discarded int
	Duration  float64
}

type reclaimEntry struct {
	ID    string
	Time  float64
	Page  uint64
	Frame uint64
	Slot  uint64
}

// Table names used by the DBTracer.
const (
	FaultTable      = "faults"
	TrimTable       = "trims"
	WriteBatchTable = "write_batches"
	ReclaimTable    = "reclaims"
)

// DBTracer stores manager events into a database. Times are seconds since
// the tracer was created.
type DBTracer struct {
	mu      sync.Mutex
	backend datarecording.DataRecorder
	start   time.Time
	now     func() time.Time
}

// NewDBTracer creates a new DBTracer and the tables it writes to.
func NewDBTracer(dataRecorder datarecording.DataRecorder) *DBTracer {
	dataRecorder.CreateTable(FaultTable, faultEntry{})
	dataRecorder.CreateTable(TrimTable, trimEntry{})
	dataRecorder.CreateTable(WriteBatchTable, writeBatchEntry{})
	dataRecorder.CreateTable(ReclaimTable, reclaimEntry{})

	t := &DBTracer{
		backend: dataRecorder,
		now:     time.Now,
	}
	t.start = t.now()

	return t
}

func (t *DBTracer) elapsed() float64 {
	return t.now().Sub(t.start).Seconds()
}

// Fault records a resolved fault.
func (t *DBTracer) Fault(e vmm.FaultEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.backend.InsertData(FaultTable, faultEntry{
		ID:       xid.New().String(),
		Time:     t.elapsed(),
		Page:     uint64(e.Page),
		Kind:     e.Kind.String(),
		Frame:    uint64(e.Frame),
		Duration: e.Duration.Seconds(),
	})
}

// Trim records a trimmed page.
func (t *DBTracer) Trim(e vmm.TrimEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.backend.InsertData(TrimTable, trimEntry{
		ID:    xid.New().String(),
		Time:  t.elapsed(),
		Page:  uint64(e.Page),
		Frame: uint64(e.Frame),
	})
}

// WriteBatch records a writeback cycle.
func (t *DBTracer) WriteBatch(e vmm.WriteBatchEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.backend.InsertData(WriteBatchTable, writeBatchEntry{
		ID:        xid.New().String(),
		Time:      t.elapsed(),
		Target:    e.Target,
		Written:   e.Written,
		Discarded: e.Discarded,
		Duration:  e.Duration.Seconds(),
	})
}

// Reclaim records a standby frame given to another page.
func (t *DBTracer) Reclaim(e vmm.ReclaimEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.backend.InsertData(ReclaimTable, reclaimEntry{
		ID:    xid.New().String(),
		Time:  t.elapsed(),
		Page:  uint64(e.Page),
		Frame: uint64(e.Frame),
		Slot:  uint64(e.Slot),
	})
}

// Terminate flushes the buffered records.
func (t *DBTracer) Terminate() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.backend.Flush()
}
