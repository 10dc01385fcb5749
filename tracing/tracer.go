// Package tracing turns the events raised by a memory manager into records.
package tracing

import (
	"github.com/sarchlab/uvmm/vmm"
)

// A Tracer receives the events of a memory manager. Methods may be called
// from several goroutines at once.
type Tracer interface {
	Fault(e vmm.FaultEvent)
	Trim(e vmm.TrimEvent)
	WriteBatch(e vmm.WriteBatchEvent)
	Reclaim(e vmm.ReclaimEvent)
}
