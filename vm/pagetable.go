package vm

import (
	"log"
	"sync"
	"sync/atomic"
)

// A PageTable holds one PTE for every page in a fixed virtual address range.
// PTEs are grouped into regions; all the PTEs of a region share a lock.
type PageTable struct {
	base         VAddr
	log2PageSize uint64
	numPages     uint64
	regionSize   uint64

	entries     []atomic.Uint64
	regionLocks []sync.Mutex
	frames      *FrameTable
}

// NewPageTable creates a page table covering numPages pages starting at
// base. Frame numbers written into the table are checked against frames.
func NewPageTable(
	base VAddr,
	numPages uint64,
	log2PageSize uint64,
	regionSize uint64,
	frames *FrameTable,
) *PageTable {
	if numPages == 0 || regionSize == 0 {
		log.Panic("page table needs pages and a non-zero region size")
	}

	if uint64(base)&(1<<log2PageSize-1) != 0 {
		log.Panicf("base 0x%x is not page aligned", uint64(base))
	}

	numRegions := (numPages + regionSize - 1) / regionSize

	return &PageTable{
		base:         base,
		log2PageSize: log2PageSize,
		numPages:     numPages,
		regionSize:   regionSize,
		entries:      make([]atomic.Uint64, numPages),
		regionLocks:  make([]sync.Mutex, numRegions),
		frames:       frames,
	}
}

// Base returns the first virtual address covered by the table.
func (t *PageTable) Base() VAddr {
	return t.base
}

// PageSize returns the size of a page in bytes.
func (t *PageTable) PageSize() uint64 {
	return 1 << t.log2PageSize
}

// NumPages returns the number of PTEs.
func (t *PageTable) NumPages() uint64 {
	return t.numPages
}

// NumRegions returns the number of PTE lock regions.
func (t *PageTable) NumRegions() int {
	return len(t.regionLocks)
}

// RegionOf returns the region a page belongs to.
func (t *PageTable) RegionOf(page PageIndex) int {
	t.pageMustBeInRange(page)
	return int(uint64(page) / t.regionSize)
}

// RegionPages returns the half-open page range [first, end) of a region.
func (t *PageTable) RegionPages(region int) (first, end PageIndex) {
	if region < 0 || region >= len(t.regionLocks) {
		log.Panicf("region %d outside [0, %d)", region, len(t.regionLocks))
	}

	first = PageIndex(uint64(region) * t.regionSize)
	end = first + PageIndex(t.regionSize)

	if uint64(end) > t.numPages {
		end = PageIndex(t.numPages)
	}

	return first, end
}

// PageFor returns the page that contains the virtual address.
func (t *PageTable) PageFor(va VAddr) PageIndex {
	if va < t.base || uint64(va-t.base)>>t.log2PageSize >= t.numPages {
		log.Panicf("virtual address 0x%x outside the managed range", uint64(va))
	}

	return PageIndex(uint64(va-t.base) >> t.log2PageSize)
}

// VAFor returns the first virtual address of a page.
func (t *PageTable) VAFor(page PageIndex) VAddr {
	t.pageMustBeInRange(page)
	return t.base + VAddr(uint64(page)<<t.log2PageSize)
}

// Read loads a PTE.
func (t *PageTable) Read(page PageIndex) PTE {
	t.pageMustBeInRange(page)
	return PTE(t.entries[page].Load())
}

// Write stores a PTE. Memory and transition PTEs must name a frame the
// engine owns.
func (t *PageTable) Write(page PageIndex, pte PTE) {
	t.pageMustBeInRange(page)

	switch pte.Kind() {
	case PTEMemory, PTETransition:
		if !t.frames.Contains(pte.Frame()) {
			log.Panicf("writing %s to page %d: frame not owned", pte, page)
		}
	}

	t.entries[page].Store(uint64(pte))
}

// Lock acquires the lock of the region holding the page.
func (t *PageTable) Lock(page PageIndex) PTELock {
	return t.LockRegion(t.RegionOf(page))
}

// LockRegion acquires the lock of a region.
func (t *PageTable) LockRegion(region int) PTELock {
	if region < 0 || region >= len(t.regionLocks) {
		log.Panicf("region %d outside [0, %d)", region, len(t.regionLocks))
	}

	t.regionLocks[region].Lock()

	return PTELock{table: t, region: region}
}

func (t *PageTable) pageMustBeInRange(page PageIndex) {
	if uint64(page) >= t.numPages {
		log.Panicf("page %d outside [0, %d)", page, t.numPages)
	}
}

// A PTELock is held while a PTE region is locked. It is the only way to take
// a frame lock while a PTE lock is held, which keeps the lock order fixed:
// PTE region first, frame second.
type PTELock struct {
	table  *PageTable
	region int
}

// Region returns the region the lock protects.
func (l PTELock) Region() int {
	return l.region
}

// Covers tells whether the page belongs to the locked region.
func (l PTELock) Covers(page PageIndex) bool {
	return l.table.RegionOf(page) == l.region
}

// LockFrame acquires a frame lock under the PTE lock.
func (l PTELock) LockFrame(fn FrameNumber) *PFN {
	return l.table.frames.Lock(fn)
}

// Unlock releases the region lock.
func (l PTELock) Unlock() {
	l.table.regionLocks[l.region].Unlock()
}
