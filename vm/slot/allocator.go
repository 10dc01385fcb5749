// Package slot allocates page-sized slots in the backing store.
package slot

import (
	"log"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/sarchlab/uvmm/notify"
	"github.com/sarchlab/uvmm/vm"
)

const (
	wordBits = 64
	fullWord = ^uint64(0)
)

// An Allocator tracks backing-store slots in a bitmap. A set bit is a slot
// that is in use or parked in the freed-slot cache. The bitmap is split into
// regions that are scanned round robin, starting from the region that last
// produced a slot.
type Allocator struct {
	numSlots    uint64
	words       []atomic.Uint64
	regionWords int
	numRegions  int
	cursor      atomic.Int64

	cacheMu  sync.Mutex
	cache    []vm.SlotIndex
	cacheCap int

	free      atomic.Int64
	available *notify.Pulse
	audit     bool
}

// A Builder builds slot allocators.
type Builder struct {
	numSlots    uint64
	regionSlots uint64
	cacheSize   int
	audit       bool
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		numSlots:    1024,
		regionSlots: 4096,
		cacheSize:   64,
	}
}

// WithNumSlots sets the number of slots in the backing store.
func (b Builder) WithNumSlots(n uint64) Builder {
	b.numSlots = n
	return b
}

// WithRegionSize sets the number of slots per bitmap region. It is rounded up
// to a whole number of 64-bit words.
func (b Builder) WithRegionSize(n uint64) Builder {
	b.regionSlots = n
	return b
}

// WithCacheSize sets the capacity of the freed-slot cache.
func (b Builder) WithCacheSize(n int) Builder {
	b.cacheSize = n
	return b
}

// WithAudit enables the double-release detector.
func (b Builder) WithAudit(audit bool) Builder {
	b.audit = audit
	return b
}

// Build creates the allocator with every slot free.
func (b Builder) Build() *Allocator {
	if b.numSlots == 0 {
		log.Panic("slot allocator needs at least one slot")
	}

	numWords := int((b.numSlots + wordBits - 1) / wordBits)

	regionWords := int((b.regionSlots + wordBits - 1) / wordBits)
	if regionWords == 0 {
		regionWords = 1
	}

	if regionWords > numWords {
		regionWords = numWords
	}

	a := &Allocator{
		numSlots:    b.numSlots,
		words:       make([]atomic.Uint64, numWords),
		regionWords: regionWords,
		numRegions:  (numWords + regionWords - 1) / regionWords,
		cache:       make([]vm.SlotIndex, 0, b.cacheSize),
		cacheCap:    b.cacheSize,
		available:   notify.NewPulse(),
		audit:       b.audit,
	}

	if tail := b.numSlots % wordBits; tail != 0 {
		a.words[numWords-1].Store(fullWord << tail)
	}

	a.free.Store(int64(b.numSlots))

	return a
}

// NumSlots returns the number of slots managed.
func (a *Allocator) NumSlots() uint64 {
	return a.numSlots
}

// Free returns the number of slots that can still be acquired.
func (a *Allocator) Free() int64 {
	return a.free.Load()
}

// Available is broadcast whenever a slot is released.
func (a *Allocator) Available() *notify.Pulse {
	return a.available
}

// Acquire reserves one slot. It returns false when every slot is in use.
func (a *Allocator) Acquire() (vm.SlotIndex, bool) {
	if s, ok := a.popCache(); ok {
		a.free.Add(-1)
		return s, true
	}

	start := int(a.cursor.Load())
	for i := 0; i < a.numRegions; i++ {
		region := (start + i) % a.numRegions

		s, ok := a.claimInRegion(region)
		if ok {
			a.cursor.Store(int64(region))
			a.free.Add(-1)

			return s, true
		}
	}

	return 0, false
}

// AcquireBatch reserves up to n slots.
func (a *Allocator) AcquireBatch(n int) []vm.SlotIndex {
	slots := make([]vm.SlotIndex, 0, n)

	for len(slots) < n {
		s, ok := a.Acquire()
		if !ok {
			break
		}

		slots = append(slots, s)
	}

	return slots
}

// Release returns a slot. Releasing a slot twice is a contract violation
// that is only detected in audit mode.
func (a *Allocator) Release(s vm.SlotIndex) {
	if uint64(s) >= a.numSlots {
		log.Panicf("slot %d outside [0, %d)", s, a.numSlots)
	}

	if a.audit {
		a.mustBeInUse(s)
	}

	if !a.pushCache(s) {
		word := int(uint64(s) / wordBits)
		a.words[word].And(^(uint64(1) << (uint64(s) % wordBits)))
		a.rewindCursor(word / a.regionWords)
	}

	a.free.Add(1)
	a.available.Broadcast()
}

// claimInRegion takes a whole word with one compare-and-swap. The caller gets
// the lowest free bit; the other free bits go to the cache, and whatever
// does not fit is given back to the bitmap.
func (a *Allocator) claimInRegion(region int) (vm.SlotIndex, bool) {
	first := region * a.regionWords
	end := first + a.regionWords

	if end > len(a.words) {
		end = len(a.words)
	}

	for w := first; w < end; w++ {
		for {
			old := a.words[w].Load()
			if old == fullWord {
				break
			}

			if !a.words[w].CompareAndSwap(old, fullWord) {
				continue
			}

			freed := ^old
			bit := bits.TrailingZeros64(freed)
			freed &^= uint64(1) << bit

			a.stash(w, freed)

			return vm.SlotIndex(uint64(w)*wordBits + uint64(bit)), true
		}
	}

	return 0, false
}

func (a *Allocator) stash(word int, freed uint64) {
	if freed == 0 {
		return
	}

	a.cacheMu.Lock()
	for freed != 0 && len(a.cache) < a.cacheCap {
		bit := bits.TrailingZeros64(freed)
		freed &^= uint64(1) << bit
		a.cache = append(a.cache, vm.SlotIndex(uint64(word)*wordBits+uint64(bit)))
	}
	a.cacheMu.Unlock()

	if freed != 0 {
		a.words[word].And(^freed)
	}
}

func (a *Allocator) popCache() (vm.SlotIndex, bool) {
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()

	if len(a.cache) == 0 {
		return 0, false
	}

	s := a.cache[len(a.cache)-1]
	a.cache = a.cache[:len(a.cache)-1]

	return s, true
}

func (a *Allocator) pushCache(s vm.SlotIndex) bool {
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()

	if len(a.cache) >= a.cacheCap {
		return false
	}

	a.cache = append(a.cache, s)

	return true
}

func (a *Allocator) rewindCursor(region int) {
	for {
		cur := a.cursor.Load()
		if int64(region) >= cur || a.cursor.CompareAndSwap(cur, int64(region)) {
			return
		}
	}
}

func (a *Allocator) mustBeInUse(s vm.SlotIndex) {
	word := a.words[uint64(s)/wordBits].Load()
	if word&(uint64(1)<<(uint64(s)%wordBits)) == 0 {
		log.Panicf("slot %d released but not in use", s)
	}

	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()

	for _, cached := range a.cache {
		if cached == s {
			log.Panicf("slot %d released twice", s)
		}
	}
}
