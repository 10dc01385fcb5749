// Package vm provides the metadata the virtual memory manager keeps for
// virtual pages and physical frames.
package vm

import (
	"fmt"
	"log"
)

// VAddr is a virtual address.
type VAddr uint64

// PageIndex identifies a virtual page, counting from the start of the managed
// virtual address range.
type PageIndex uint64

// FrameNumber identifies a physical frame.
type FrameNumber uint64

// SlotIndex identifies a page-sized slot in the backing store.
type SlotIndex uint64

// NoFrame is never a valid frame number.
const NoFrame = ^FrameNumber(0)

// PTEKind tells which of the formats a PTE currently holds.
type PTEKind uint8

// The PTE formats.
const (
	PTEUntouched PTEKind = iota
	PTEMemory
	PTEDisc
	PTETransition
)

func (k PTEKind) String() string {
	switch k {
	case PTEUntouched:
		return "untouched"
	case PTEMemory:
		return "memory"
	case PTEDisc:
		return "disc"
	case PTETransition:
		return "transition"
	}

	return fmt.Sprintf("PTEKind(%d)", uint8(k))
}

// MaxAge is the age at which a resident page gets trimmed.
const MaxAge = 7

const (
	pteValid      = uint64(1) << 0
	pteOnDisc     = uint64(1) << 1
	pteTransition = uint64(1) << 2
	pteFlagMask   = pteValid | pteOnDisc | pteTransition

	pteAgeShift = 3
	pteAgeMask  = uint64(MaxAge) << pteAgeShift

	ptePayloadShift = 8
	ptePayloadBits  = 48
	ptePayloadMask  = (uint64(1)<<ptePayloadBits - 1) << ptePayloadShift
)

// A PTE is a page table entry. It is a tagged 64-bit word holding one of
// three formats:
//
//   - memory: the page is resident in Frame() and has an Age().
//   - disc: the page lives in backing-store slot Slot().
//   - transition: the page is still in Frame(), but the frame has been
//     trimmed and sits on the standby or modified list.
//
// The zero PTE is a page that has never been touched. PTEs are always read
// and written as a whole word.
type PTE uint64

// MemoryPTE encodes a resident page.
func MemoryPTE(frame FrameNumber, age uint8) PTE {
	if age > MaxAge {
		log.Panicf("age %d exceeds %d", age, MaxAge)
	}

	return PTE(pteValid | uint64(age)<<pteAgeShift | payload(uint64(frame)))
}

// DiscPTE encodes a page that is stored in the backing store.
func DiscPTE(slot SlotIndex) PTE {
	return PTE(pteOnDisc | payload(uint64(slot)))
}

// TransitionPTE encodes a trimmed page whose frame is still resident.
func TransitionPTE(frame FrameNumber) PTE {
	return PTE(pteTransition | payload(uint64(frame)))
}

func payload(v uint64) uint64 {
	if v > ptePayloadMask>>ptePayloadShift {
		log.Panicf("pte payload 0x%x does not fit in %d bits", v, ptePayloadBits)
	}

	return v << ptePayloadShift
}

// Kind decodes the format of the entry. A word whose flag bits do not form
// one of the known formats is corrupted and causes a panic.
func (p PTE) Kind() PTEKind {
	switch uint64(p) & pteFlagMask {
	case 0:
		if p != 0 {
			log.Panicf("corrupted pte 0x%016x", uint64(p))
		}

		return PTEUntouched
	case pteValid:
		return PTEMemory
	case pteOnDisc:
		return PTEDisc
	case pteTransition:
		return PTETransition
	}

	log.Panicf("corrupted pte 0x%016x", uint64(p))

	return PTEUntouched
}

// Frame returns the frame of a memory or transition PTE.
func (p PTE) Frame() FrameNumber {
	kind := p.Kind()
	if kind != PTEMemory && kind != PTETransition {
		log.Panicf("%s pte has no frame", kind)
	}

	return FrameNumber((uint64(p) & ptePayloadMask) >> ptePayloadShift)
}

// Slot returns the backing-store slot of a disc PTE.
func (p PTE) Slot() SlotIndex {
	if p.Kind() != PTEDisc {
		log.Panicf("%s pte has no slot", p.Kind())
	}

	return SlotIndex((uint64(p) & ptePayloadMask) >> ptePayloadShift)
}

// Age returns the clock counter of a memory PTE.
func (p PTE) Age() uint8 {
	if p.Kind() != PTEMemory {
		log.Panicf("%s pte has no age", p.Kind())
	}

	return uint8((uint64(p) & pteAgeMask) >> pteAgeShift)
}

// WithAge returns a copy of a memory PTE with a different age.
func (p PTE) WithAge(age uint8) PTE {
	return MemoryPTE(p.Frame(), age)
}

func (p PTE) String() string {
	switch p.Kind() {
	case PTEMemory:
		return fmt.Sprintf("memory{frame: %d, age: %d}", p.Frame(), p.Age())
	case PTEDisc:
		return fmt.Sprintf("disc{slot: %d}", p.Slot())
	case PTETransition:
		return fmt.Sprintf("transition{frame: %d}", p.Frame())
	}

	return "untouched"
}
