package vm

import (
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("PageTable", func() {
	var (
		frames *FrameTable
		table  *PageTable
	)

	BeforeEach(func() {
		frames = NewFrameTable([]FrameNumber{10, 11, 12, 20})
		table = NewPageTable(0x10000000, 1000, 12, 512, frames)
	})

	It("should translate between addresses and pages", func() {
		Expect(table.PageFor(0x10000000)).To(Equal(PageIndex(0)))
		Expect(table.PageFor(0x10001fff)).To(Equal(PageIndex(1)))
		Expect(table.VAFor(999)).To(Equal(VAddr(0x10000000 + 999*4096)))
	})

	It("should round trip every page", func() {
		for p := PageIndex(0); p < 1000; p++ {
			Expect(table.PageFor(table.VAFor(p))).To(Equal(p))
		}
	})

	It("should reject addresses outside the range", func() {
		Expect(func() { table.PageFor(0x0fffffff) }).To(Panic())
		Expect(func() { table.PageFor(0x10000000 + 1000*4096) }).To(Panic())
		Expect(func() { table.VAFor(1000) }).To(Panic())
	})

	It("should group pages into regions", func() {
		Expect(table.NumRegions()).To(Equal(2))
		Expect(table.RegionOf(511)).To(Equal(0))
		Expect(table.RegionOf(512)).To(Equal(1))

		first, end := table.RegionPages(1)
		Expect(first).To(Equal(PageIndex(512)))
		Expect(end).To(Equal(PageIndex(1000)))
	})

	It("should read back what was written", func() {
		table.Write(3, MemoryPTE(11, 2))

		Expect(table.Read(3)).To(Equal(MemoryPTE(11, 2)))
		Expect(table.Read(4).Kind()).To(Equal(PTEUntouched))
	})

	It("should refuse frames it does not own", func() {
		Expect(func() { table.Write(3, MemoryPTE(13, 0)) }).To(Panic())
		Expect(func() { table.Write(3, TransitionPTE(9)) }).To(Panic())
		Expect(func() { table.Write(3, DiscPTE(123456)) }).NotTo(Panic())
	})

	It("should hand out frame locks under the region lock", func() {
		lock := table.Lock(600)
		Expect(lock.Region()).To(Equal(1))
		Expect(lock.Covers(999)).To(BeTrue())
		Expect(lock.Covers(0)).To(BeFalse())

		pfn := lock.LockFrame(20)
		Expect(pfn.Number()).To(Equal(FrameNumber(20)))

		_, ok := frames.TryLock(20)
		Expect(ok).To(BeFalse())

		pfn.Unlock()
		lock.Unlock()
	})

	It("should serialize holders of the same region", func() {
		var wg sync.WaitGroup
		counter := 0

		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(page PageIndex) {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					lock := table.Lock(page)
					counter++
					lock.Unlock()
				}
			}(PageIndex(i))
		}

		wg.Wait()
		Expect(counter).To(Equal(800))
	})
})
