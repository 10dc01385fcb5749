// Package pagelist implements the free, standby and modified frame lists.
//
// Lists do not own frame records. They link frame numbers through an Arena
// that holds one link per frame, so a frame can be on at most one list at a
// time and membership is a lookup, not a search.
package pagelist

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/sarchlab/uvmm/vm"
)

type link struct {
	prev, next vm.FrameNumber
	owner      *List
}

// An Arena holds the list links of every frame in a frame table.
type Arena struct {
	frames *vm.FrameTable
	links  []link
}

// NewArena creates unlinked entries for every frame in the table.
func NewArena(frames *vm.FrameTable) *Arena {
	a := &Arena{
		frames: frames,
		links:  make([]link, frames.Highest()-frames.Lowest()+1),
	}

	for i := range a.links {
		a.links[i] = link{prev: vm.NoFrame, next: vm.NoFrame}
	}

	return a
}

func (a *Arena) link(fn vm.FrameNumber) *link {
	a.frames.Get(fn)
	return &a.links[fn-a.frames.Lowest()]
}

// OwnerOf returns the list the frame is on, or nil. The caller must hold the
// frame lock.
func (a *Arena) OwnerOf(fn vm.FrameNumber) *List {
	return a.link(fn).owner
}

// A List is a doubly linked list of frames that all share one state.
type List struct {
	mu    sync.Mutex
	name  string
	state vm.FrameState
	arena *Arena
	audit bool

	head, tail vm.FrameNumber
	count      int
	length     atomic.Int64
}

// New creates an empty list whose members are in the given state. With audit
// enabled, every mutation is surrounded by a full consistency check.
func New(name string, state vm.FrameState, arena *Arena, audit bool) *List {
	return &List{
		name:  name,
		state: state,
		arena: arena,
		audit: audit,
		head:  vm.NoFrame,
		tail:  vm.NoFrame,
	}
}

// Name returns the name of the list.
func (l *List) Name() string {
	return l.name
}

// State returns the state shared by the list members.
func (l *List) State() vm.FrameState {
	return l.state
}

// Len returns the number of frames on the list. It does not take the list
// lock, so the value may be stale by the time it is used.
func (l *List) Len() int {
	return int(l.length.Load())
}

// PushTail appends a frame. The caller must hold the frame lock. The frame
// takes the state of the list.
func (l *List) PushTail(pfn *vm.PFN) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.check()
	l.insert(pfn, false)
	l.check()
	l.checkFrame(pfn.Number())
}

// PushHead prepends a frame. The caller must hold the frame lock.
func (l *List) PushHead(pfn *vm.PFN) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.check()
	l.insert(pfn, true)
	l.check()
	l.checkFrame(pfn.Number())
}

// PopHead detaches the first frame whose lock is free and returns it locked.
// Frames held by other threads are skipped. It returns false if no frame
// could be taken.
func (l *List) PopHead() (*vm.PFN, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.check()

	for fn := l.head; fn != vm.NoFrame; fn = l.arena.link(fn).next {
		pfn, ok := l.arena.frames.TryLock(fn)
		if !ok {
			continue
		}

		l.unlink(fn)
		l.check()

		return pfn, true
	}

	return nil, false
}

// BatchPopHead detaches up to n frames from the head of the list, skipping
// frames whose lock is held elsewhere. Without reference mode the frames are
// returned locked. In reference mode each frame gets its reference count
// incremented and is unlocked before returning, so that it can be faulted
// back while the caller works on it.
func (l *List) BatchPopHead(n int, reference bool) []*vm.PFN {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.check()

	var batch []*vm.PFN

	fn := l.head
	for fn != vm.NoFrame && len(batch) < n {
		next := l.arena.link(fn).next

		pfn, ok := l.arena.frames.TryLock(fn)
		if ok {
			l.unlink(fn)

			if reference {
				pfn.RefCount++
				pfn.Unlock()
			}

			batch = append(batch, pfn)
		}

		fn = next
	}

	l.check()

	return batch
}

// Remove unlinks a frame from the middle of the list. The caller must hold
// the frame lock and the frame must be on this list.
func (l *List) Remove(pfn *vm.PFN) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.check()
	l.checkFrame(pfn.Number())

	if l.arena.link(pfn.Number()).owner != l {
		log.Panicf("frame %d is not on the %s list", pfn.Number(), l.name)
	}

	l.unlink(pfn.Number())
	l.check()
}

// LinkAllToTail moves every frame of src to the tail of l, leaving src
// empty. Both lists must share the arena and the state. The caller must make
// sure no other thread uses src, typically because src is private.
func (l *List) LinkAllToTail(src *List) {
	if src == l {
		log.Panicf("cannot splice the %s list onto itself", l.name)
	}

	if src.arena != l.arena || src.state != l.state {
		log.Panicf("cannot splice the %s list onto the %s list", src.name, l.name)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	src.mu.Lock()
	defer src.mu.Unlock()

	l.check()
	src.check()

	if src.count == 0 {
		return
	}

	for fn := src.head; fn != vm.NoFrame; fn = l.arena.link(fn).next {
		l.arena.link(fn).owner = l
	}

	if l.tail == vm.NoFrame {
		l.head = src.head
	} else {
		l.arena.link(l.tail).next = src.head
		l.arena.link(src.head).prev = l.tail
	}

	l.tail = src.tail
	l.setCount(l.count + src.count)

	src.head, src.tail = vm.NoFrame, vm.NoFrame
	src.setCount(0)

	l.check()
	src.check()
}

// Contains tells whether the frame is on the list.
func (l *List) Contains(fn vm.FrameNumber) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.occurrences(fn) > 0
}

// Frames returns the members in list order.
func (l *List) Frames() []vm.FrameNumber {
	l.mu.Lock()
	defer l.mu.Unlock()

	frames := make([]vm.FrameNumber, 0, l.count)
	for fn := l.head; fn != vm.NoFrame; fn = l.arena.link(fn).next {
		frames = append(frames, fn)
	}

	return frames
}

// Audit runs the full consistency check regardless of the audit setting.
func (l *List) Audit() {
	if err := l.Verify(); err != nil {
		log.Panic(err)
	}
}

// Verify runs the full consistency check and reports the first problem.
func (l *List) Verify() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.verify()
}

func (l *List) insert(pfn *vm.PFN, atHead bool) {
	fn := pfn.Number()
	lk := l.arena.link(fn)

	if lk.owner != nil {
		log.Panicf("frame %d is already on the %s list", fn, lk.owner.name)
	}

	lk.owner = l

	switch {
	case l.head == vm.NoFrame:
		lk.prev, lk.next = vm.NoFrame, vm.NoFrame
		l.head, l.tail = fn, fn
	case atHead:
		lk.prev, lk.next = vm.NoFrame, l.head
		l.arena.link(l.head).prev = fn
		l.head = fn
	default:
		lk.prev, lk.next = l.tail, vm.NoFrame
		l.arena.link(l.tail).next = fn
		l.tail = fn
	}

	pfn.SetState(l.state)
	l.setCount(l.count + 1)
}

func (l *List) unlink(fn vm.FrameNumber) {
	lk := l.arena.link(fn)

	if lk.prev == vm.NoFrame {
		l.head = lk.next
	} else {
		l.arena.link(lk.prev).next = lk.next
	}

	if lk.next == vm.NoFrame {
		l.tail = lk.prev
	} else {
		l.arena.link(lk.next).prev = lk.prev
	}

	*lk = link{prev: vm.NoFrame, next: vm.NoFrame}
	l.setCount(l.count - 1)
}

func (l *List) setCount(n int) {
	l.count = n
	l.length.Store(int64(n))
}

func (l *List) check() {
	if !l.audit {
		return
	}

	if err := l.verify(); err != nil {
		log.Panic(err)
	}
}

func (l *List) checkFrame(fn vm.FrameNumber) {
	if !l.audit {
		return
	}

	if n := l.occurrences(fn); n != 1 {
		log.Panicf("frame %d appears %d times on the %s list", fn, n, l.name)
	}
}

func (l *List) occurrences(fn vm.FrameNumber) int {
	n := 0

	for cur := l.head; cur != vm.NoFrame; cur = l.arena.link(cur).next {
		if cur == fn {
			n++
		}
	}

	return n
}

func (l *List) verify() error {
	n := 0
	prev := vm.NoFrame

	for fn := l.head; fn != vm.NoFrame; fn = l.arena.link(fn).next {
		lk := l.arena.link(fn)

		if lk.owner != l {
			return fmt.Errorf("%s list: frame %d is linked but not owned", l.name, fn)
		}

		if lk.prev != prev {
			return fmt.Errorf("%s list: frame %d has a broken back link", l.name, fn)
		}

		if s := l.arena.frames.Get(fn).State(); s != l.state {
			return fmt.Errorf("%s list: frame %d is %s", l.name, fn, s)
		}

		n++
		if n > l.count {
			return fmt.Errorf("%s list: more links than the count of %d", l.name, l.count)
		}

		prev = fn
	}

	if prev != l.tail {
		return fmt.Errorf("%s list: tail does not match the last link", l.name)
	}

	if n != l.count {
		return fmt.Errorf("%s list: %d links but a count of %d", l.name, n, l.count)
	}

	return nil
}
