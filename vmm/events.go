package vmm

import (
	"errors"
	"fmt"
	"time"

	"github.com/sarchlab/uvmm/hooking"
	"github.com/sarchlab/uvmm/vm"
)

// Errors returned by the manager.
var (
	// ErrExiting is returned by blocking calls once Stop has been called.
	ErrExiting = errors.New("memory manager is exiting")

	// ErrNoSlot is returned by WriteBatch when no backing-store slot could
	// be reserved.
	ErrNoSlot = errors.New("no backing-store slot available")

	// ErrNoFrames is returned by Build when the provider granted no frame.
	ErrNoFrames = errors.New("no physical frame granted")

	// ErrBadGeometry is returned by Build for an unusable configuration.
	ErrBadGeometry = errors.New("bad memory geometry")
)

// FaultKind tells how a fault was resolved.
type FaultKind int

// The fault kinds.
const (
	FaultFake FaultKind = iota
	FaultNew
	FaultHard
	FaultSoft
)

func (k FaultKind) String() string {
	switch k {
	case FaultFake:
		return "fake"
	case FaultNew:
		return "new"
	case FaultHard:
		return "hard"
	case FaultSoft:
		return "soft"
	}

	return fmt.Sprintf("FaultKind(%d)", int(k))
}

// HookPosFault is triggered when a fault is resolved. The item is a
// FaultEvent. Like the other positions below, it fires with no page table or
// frame lock held.
var HookPosFault = &hooking.HookPos{Name: "Fault"}

// HookPosTrim is triggered when a resident page is trimmed. The item is a
// TrimEvent.
var HookPosTrim = &hooking.HookPos{Name: "Trim"}

// HookPosWriteBatch is triggered after a writeback batch completes. The item
// is a WriteBatchEvent.
var HookPosWriteBatch = &hooking.HookPos{Name: "WriteBatch"}

// HookPosReclaim is triggered when a standby frame is taken away from its
// page. The item is a ReclaimEvent.
var HookPosReclaim = &hooking.HookPos{Name: "Reclaim"}

// A FaultEvent describes a resolved fault.
type FaultEvent struct {
	Page     vm.PageIndex
	Kind     FaultKind
	Frame    vm.FrameNumber
	Duration time.Duration
}

// A TrimEvent describes a page moved from the working set to the modified
// list.
type TrimEvent struct {
	Page  vm.PageIndex
	Frame vm.FrameNumber
}

// A WriteBatchEvent describes one writeback cycle.
type WriteBatchEvent struct {
	Target    int
	Written   int
	Discarded int
	Duration  time.Duration
}

// A ReclaimEvent describes a standby frame reassigned to a new page.
type ReclaimEvent struct {
	Page  vm.PageIndex
	Frame vm.FrameNumber
	Slot  vm.SlotIndex
}
