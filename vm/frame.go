package vm

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
)

// FrameState tells which page list a frame belongs to.
type FrameState uint32

// The frame states. An active frame is mapped by exactly one PTE and is not
// on any list.
const (
	FrameFree FrameState = iota
	FrameStandby
	FrameModified
	FrameActive
)

func (s FrameState) String() string {
	switch s {
	case FrameFree:
		return "free"
	case FrameStandby:
		return "standby"
	case FrameModified:
		return "modified"
	case FrameActive:
		return "active"
	}

	return fmt.Sprintf("FrameState(%d)", uint32(s))
}

// A PFN describes one physical frame.
type PFN struct {
	mu     sync.Mutex
	number FrameNumber
	state  atomic.Uint32

	// The fields below are protected by the frame lock.

	// Owner is the page that maps, or last mapped, the frame. It is only
	// used to retarget that page when the frame is reclaimed.
	Owner    PageIndex
	HasOwner bool

	// Modified is set when the frame is faulted back in while a writeback
	// holds a reference to it, meaning the written copy may be stale.
	Modified bool

	// RefCount counts writebacks in flight for the frame.
	RefCount int32

	// Slot is the backing-store copy of a standby frame.
	Slot SlotIndex
}

// Number returns the frame number of the descriptor.
func (f *PFN) Number() FrameNumber {
	return f.number
}

// State can be read without holding the frame lock. It changes only under
// the frame lock.
func (f *PFN) State() FrameState {
	return FrameState(f.state.Load())
}

// SetState updates the state. The caller must hold the frame lock.
func (f *PFN) SetState(s FrameState) {
	f.state.Store(uint32(s))
}

// SetOwner records the page the frame is mapped to.
func (f *PFN) SetOwner(page PageIndex) {
	f.Owner = page
	f.HasOwner = true
}

// Unlock releases the frame lock.
func (f *PFN) Unlock() {
	f.mu.Unlock()
}

// A FrameTable holds the descriptors of all frames the engine owns. The table
// spans the whole [lowest, highest] frame number range, but descriptors are
// only allocated for frames that were actually granted.
type FrameTable struct {
	lowest, highest FrameNumber
	frames          []*PFN
	numbers         []FrameNumber
}

// NewFrameTable creates descriptors for the granted frames. All frames start
// in the free state.
func NewFrameTable(granted []FrameNumber) *FrameTable {
	if len(granted) == 0 {
		log.Panic("frame table needs at least one frame")
	}

	numbers := make([]FrameNumber, len(granted))
	copy(numbers, granted)
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })

	t := &FrameTable{
		lowest:  numbers[0],
		highest: numbers[len(numbers)-1],
		numbers: numbers,
	}

	if t.highest == NoFrame {
		log.Panicf("frame number 0x%x is reserved", uint64(NoFrame))
	}

	t.frames = make([]*PFN, t.highest-t.lowest+1)
	for _, fn := range numbers {
		i := fn - t.lowest
		if t.frames[i] != nil {
			log.Panicf("frame %d granted twice", fn)
		}

		pfn := &PFN{number: fn}
		pfn.SetState(FrameFree)
		t.frames[i] = pfn
	}

	return t
}

// Lowest returns the smallest frame number in the table.
func (t *FrameTable) Lowest() FrameNumber {
	return t.lowest
}

// Highest returns the largest frame number in the table.
func (t *FrameTable) Highest() FrameNumber {
	return t.highest
}

// Len returns the number of frames owned.
func (t *FrameTable) Len() int {
	return len(t.numbers)
}

// Numbers returns the owned frame numbers in ascending order.
func (t *FrameTable) Numbers() []FrameNumber {
	return t.numbers
}

// Contains tells whether the frame number is one the engine owns.
func (t *FrameTable) Contains(fn FrameNumber) bool {
	if fn < t.lowest || fn > t.highest {
		return false
	}

	return t.frames[fn-t.lowest] != nil
}

// Get returns the descriptor of a frame. Asking for a frame the engine does
// not own is a contract violation.
func (t *FrameTable) Get(fn FrameNumber) *PFN {
	if fn < t.lowest || fn > t.highest {
		log.Panicf("frame %d outside [%d, %d]", fn, t.lowest, t.highest)
	}

	pfn := t.frames[fn-t.lowest]
	if pfn == nil {
		log.Panicf("frame %d is not owned", fn)
	}

	return pfn
}

// FrameFor returns the frame number of a descriptor, checking that the
// descriptor belongs to this table.
func (t *FrameTable) FrameFor(pfn *PFN) FrameNumber {
	if t.Get(pfn.number) != pfn {
		log.Panicf("descriptor of frame %d is not from this table", pfn.number)
	}

	return pfn.number
}

// Lock acquires the frame lock and returns the locked descriptor. Code that
// holds a frame lock must never wait for a PTE lock; use PTELock.LockFrame
// when both are needed.
func (t *FrameTable) Lock(fn FrameNumber) *PFN {
	pfn := t.Get(fn)
	pfn.mu.Lock()

	return pfn
}

// TryLock acquires the frame lock only if it is uncontended.
func (t *FrameTable) TryLock(fn FrameNumber) (*PFN, bool) {
	pfn := t.Get(fn)
	if !pfn.mu.TryLock() {
		return nil, false
	}

	return pfn, true
}
