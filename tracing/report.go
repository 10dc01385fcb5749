package tracing

import (
	"context"
	"fmt"

	"github.com/sarchlab/uvmm/datarecording"
	"github.com/sarchlab/uvmm/vmm"
)

// A Summary aggregates a trace database written by a DBTracer.
type Summary struct {
	Faults       map[string]int
	Trims        int
	Reclaims     int
	Batches      int
	PagesWritten int
	Discarded    int
}

// Summarize reads back a trace database.
func Summarize(ctx context.Context, reader datarecording.DataReader) (Summary, error) {
	reader.MapTable(FaultTable, faultEntry{})
	reader.MapTable(WriteBatchTable, writeBatchEntry{})

	s := Summary{Faults: make(map[string]int)}

	for _, kind := range []vmm.FaultKind{
		vmm.FaultFake, vmm.FaultNew, vmm.FaultHard, vmm.FaultSoft,
	} {
		n, err := reader.Count(ctx, FaultTable, datarecording.QueryParams{
			Where: "Kind = ?",
			Args:  []any{kind.String()},
		})
		if err != nil {
			return Summary{}, fmt.Errorf("counting %s faults: %w", kind, err)
		}

		s.Faults[kind.String()] = n
	}

	var err error

	s.Trims, err = reader.Count(ctx, TrimTable, datarecording.QueryParams{})
	if err != nil {
		return Summary{}, fmt.Errorf("counting trims: %w", err)
	}

	s.Reclaims, err = reader.Count(ctx, ReclaimTable, datarecording.QueryParams{})
	if err != nil {
		return Summary{}, fmt.Errorf("counting reclaims: %w", err)
	}

	batches, _, err := reader.Query(ctx, WriteBatchTable, datarecording.QueryParams{})
	if err != nil {
		return Summary{}, fmt.Errorf("reading write batches: %w", err)
	}

	for _, b := range batches {
		e := b.(*writeBatchEntry)
		s.Batches++
		s.PagesWritten += e.Written
		s.Discarded += e.Discarded
	}

	return s, nil
}
