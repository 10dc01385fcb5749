package vm

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("FrameTable", func() {
	var frames *FrameTable

	BeforeEach(func() {
		frames = NewFrameTable([]FrameNumber{40, 32, 33})
	})

	It("should discover the frame number range", func() {
		Expect(frames.Lowest()).To(Equal(FrameNumber(32)))
		Expect(frames.Highest()).To(Equal(FrameNumber(40)))
		Expect(frames.Len()).To(Equal(3))
		Expect(frames.Numbers()).To(Equal([]FrameNumber{32, 33, 40}))
	})

	It("should only commit granted frames", func() {
		Expect(frames.Contains(33)).To(BeTrue())
		Expect(frames.Contains(34)).To(BeFalse())
		Expect(frames.Contains(41)).To(BeFalse())
		Expect(func() { frames.Get(34) }).To(Panic())
		Expect(func() { frames.Get(31) }).To(Panic())
	})

	It("should start every frame free", func() {
		for _, fn := range frames.Numbers() {
			Expect(frames.Get(fn).State()).To(Equal(FrameFree))
		}
	})

	It("should map descriptors back to frame numbers", func() {
		pfn := frames.Get(40)

		Expect(frames.FrameFor(pfn)).To(Equal(FrameNumber(40)))
		Expect(func() { frames.FrameFor(&PFN{number: 40}) }).To(Panic())
	})

	It("should refuse duplicate grants", func() {
		Expect(func() { NewFrameTable([]FrameNumber{1, 1}) }).To(Panic())
		Expect(func() { NewFrameTable(nil) }).To(Panic())
	})

	It("should not try-lock a held frame", func() {
		pfn := frames.Lock(32)

		_, ok := frames.TryLock(32)
		Expect(ok).To(BeFalse())

		pfn.Unlock()

		again, ok := frames.TryLock(32)
		Expect(ok).To(BeTrue())
		again.Unlock()
	})
})
