package vmm

import (
	"bytes"
	"errors"
	"log/slog"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/uvmm/hooking"
	"github.com/sarchlab/uvmm/vm"
	"github.com/sarchlab/uvmm/vm/backing"
	"github.com/sarchlab/uvmm/vm/frame"
)

const testPageSize = 64

func testBuilder() Builder {
	return MakeBuilder().
		WithRegionSize(4).
		WithMaxWriteBatch(4).
		WithSlotCacheSize(4).
		WithAudit(true).
		WithLogger(slog.New(slog.NewTextHandler(GinkgoWriter, nil)))
}

func newSimProvider(frames int) *frame.SimProvider {
	p, err := frame.MakeSimBuilder().
		WithPageSize(testPageSize).
		WithNumFrames(frames).
		Build()
	Expect(err).NotTo(HaveOccurred())

	return p
}

func fill(b byte) []byte {
	return bytes.Repeat([]byte{b}, testPageSize)
}

var _ = Describe("Manager", func() {
	var (
		provider *frame.SimProvider
		store    *backing.MemoryStore
		m        *Manager
	)

	build := func(frames int, pages, slots uint64) {
		provider = newSimProvider(frames)
		store = backing.NewMemoryStore(slots, testPageSize)

		var err error
		m, err = testBuilder().
			WithNumFrames(frames).
			WithNumPages(pages).
			WithProvider(provider).
			WithStore(store).
			Build("VMM")
		Expect(err).NotTo(HaveOccurred())
	}

	va := func(page int) vm.VAddr {
		return m.VAFor(vm.PageIndex(page))
	}

	stamp := func(page int, b byte) {
		Expect(m.Access(va(page), func(p []byte) { copy(p, fill(b)) })).To(Succeed())
	}

	contents := func(page int) []byte {
		var out []byte
		Expect(m.Access(va(page), func(p []byte) {
			out = append([]byte(nil), p...)
		})).To(Succeed())

		return out
	}

	trimAll := func() {
		for i := 0; i <= vm.MaxAge; i++ {
			m.Sweep()
		}
	}

	slotContents := func(s vm.SlotIndex) []byte {
		buf := make([]byte, testPageSize)
		Expect(store.ReadPage(s, buf)).To(Succeed())

		return buf
	}

	AfterEach(func() {
		if m != nil {
			m.Stop()
		}
	})

	Context("when a page is touched for the first time", func() {
		BeforeEach(func() {
			build(4, 16, 16)
		})

		It("should map a frame from the free list", func() {
			first := m.frames.Numbers()[0]

			Expect(m.HandleFault(va(3) + 5)).To(Succeed())

			pte := m.pageTable.Read(3)
			Expect(pte.Kind()).To(Equal(vm.PTEMemory))
			Expect(pte.Frame()).To(Equal(first))
			Expect(pte.Age()).To(BeZero())
			Expect(m.free.Len()).To(Equal(3))
			Expect(m.frames.Get(first).State()).To(Equal(vm.FrameActive))

			bound, ok := provider.Bound(va(3))
			Expect(ok).To(BeTrue())
			Expect(bound).To(Equal(first))

			Expect(m.Stats().NewFaults).To(Equal(uint64(1)))
			Expect(m.Audit()).To(Succeed())
		})

		It("should hand out zeroed pages", func() {
			Expect(contents(0)).To(Equal(fill(0)))
		})

		It("should panic on an address outside the managed range", func() {
			Expect(func() { _ = m.HandleFault(va(15) + testPageSize) }).To(Panic())
			Expect(func() { _ = m.HandleFault(m.Base() - 1) }).To(Panic())
		})
	})

	Context("when a resident page faults again", func() {
		BeforeEach(func() {
			build(4, 16, 16)
			stamp(0, 1)
		})

		It("should only reset the age", func() {
			m.Sweep()
			m.Sweep()
			before := m.pageTable.Read(0)
			Expect(before.Age()).To(Equal(uint8(2)))

			Expect(m.HandleFault(va(0))).To(Succeed())

			Expect(m.pageTable.Read(0)).To(Equal(before.WithAge(0)))
			Expect(m.free.Len()).To(Equal(3))
			Expect(m.standby.Len()).To(BeZero())
			Expect(m.modified.Len()).To(BeZero())
			Expect(m.Stats().FakeFaults).To(Equal(uint64(1)))
		})
	})

	Context("when the trim worker sweeps", func() {
		BeforeEach(func() {
			build(4, 16, 16)
			stamp(0, 1)
		})

		It("should age a page and trim it on the eighth sweep", func() {
			fn := m.pageTable.Read(0).Frame()

			for age := 1; age <= vm.MaxAge; age++ {
				resident, trimmed := m.Sweep()
				Expect(resident).To(Equal(1))
				Expect(trimmed).To(BeZero())
				Expect(m.pageTable.Read(0).Age()).To(Equal(uint8(age)))
			}

			resident, trimmed := m.Sweep()
			Expect(resident).To(Equal(1))
			Expect(trimmed).To(Equal(1))

			Expect(m.pageTable.Read(0)).To(Equal(vm.TransitionPTE(fn)))
			Expect(m.frames.Get(fn).State()).To(Equal(vm.FrameModified))
			Expect(m.modified.Contains(fn)).To(BeTrue())

			_, bound := provider.Bound(va(0))
			Expect(bound).To(BeFalse())
			Expect(m.Stats().Evictions).To(Equal(uint64(1)))
			Expect(m.Audit()).To(Succeed())
		})

		It("should stop trimming once enough pages are available", func() {
			m.Trim()

			Expect(m.pageTable.Read(0).Kind()).To(Equal(vm.PTEMemory))
			Expect(m.pageTable.Read(0).Age()).To(BeZero())
		})

		It("should count modified pages toward the low-water mark", func() {
			stamp(1, 2)
			trimAll()
			stamp(2, 3)
			stamp(3, 4)

			Expect(m.free.Len() + m.standby.Len()).To(BeZero())
			Expect(m.modified.Len()).To(Equal(2))
			Expect(m.Stats().LowWater).To(Equal(1))

			m.Trim()

			for page := 2; page < 4; page++ {
				pte := m.pageTable.Read(vm.PageIndex(page))
				Expect(pte.Kind()).To(Equal(vm.PTEMemory))
				Expect(pte.Age()).To(BeZero())
			}

			Expect(m.modified.Len()).To(Equal(2))
			Expect(m.Stats().Evictions).To(Equal(uint64(2)))
		})
	})

	Context("when the writer runs", func() {
		BeforeEach(func() {
			build(4, 16, 16)

			for page := 0; page < 3; page++ {
				stamp(page, byte(page+1))
			}

			trimAll()
			Expect(m.modified.Len()).To(Equal(3))
		})

		It("should move the whole batch to standby", func() {
			n, err := m.WriteBatch()
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(3))

			Expect(m.standby.Len()).To(Equal(3))
			Expect(m.modified.Len()).To(BeZero())

			seen := map[vm.SlotIndex]bool{}
			for page := 0; page < 3; page++ {
				pte := m.pageTable.Read(vm.PageIndex(page))
				Expect(pte.Kind()).To(Equal(vm.PTETransition))

				pfn := m.frames.Get(pte.Frame())
				Expect(pfn.State()).To(Equal(vm.FrameStandby))
				Expect(seen).NotTo(HaveKey(pfn.Slot))
				seen[pfn.Slot] = true

				Expect(slotContents(pfn.Slot)).To(Equal(fill(byte(page + 1))))
			}

			Expect(m.slots.Free()).To(Equal(int64(13)))
			Expect(m.Stats().PagesWritten).To(Equal(uint64(3)))
			Expect(m.Audit()).To(Succeed())
		})

		It("should give a standby page back on a soft fault", func() {
			_, err := m.WriteBatch()
			Expect(err).NotTo(HaveOccurred())
			fn := m.pageTable.Read(1).Frame()

			Expect(contents(1)).To(Equal(fill(2)))

			Expect(m.pageTable.Read(1)).To(Equal(vm.MemoryPTE(fn, 0)))
			Expect(m.frames.Get(fn).Slot).To(BeZero())
			Expect(m.standby.Len()).To(Equal(2))
			Expect(m.slots.Free()).To(Equal(int64(14)))
			Expect(m.Stats().SoftFaults).To(Equal(uint64(1)))
			Expect(m.Audit()).To(Succeed())
		})

		It("should forget the released slot of a standby page", func() {
			_, err := m.WriteBatch()
			Expect(err).NotTo(HaveOccurred())

			page := -1
			for p := 0; p < 3; p++ {
				pte := m.pageTable.Read(vm.PageIndex(p))
				if m.frames.Get(pte.Frame()).Slot != 0 {
					page = p
					break
				}
			}
			Expect(page).NotTo(Equal(-1))

			fn := m.pageTable.Read(vm.PageIndex(page)).Frame()
			Expect(m.HandleFault(va(page))).To(Succeed())
			Expect(m.frames.Get(fn).Slot).To(BeZero())

			stamp(page, 0x5a)
			trimAll()
			_, err = m.WriteBatch()
			Expect(err).NotTo(HaveOccurred())

			Expect(slotContents(m.frames.Get(fn).Slot)).To(Equal(fill(0x5a)))
			Expect(m.Audit()).To(Succeed())
		})

		It("should give a modified page back on a soft fault", func() {
			Expect(contents(2)).To(Equal(fill(3)))

			Expect(m.modified.Len()).To(Equal(2))
			Expect(m.pageTable.Read(2).Kind()).To(Equal(vm.PTEMemory))
			Expect(m.slots.Free()).To(Equal(int64(16)))
			Expect(m.Audit()).To(Succeed())
		})
	})

	Context("when only standby frames are left", func() {
		BeforeEach(func() {
			build(1, 4, 4)
			stamp(0, 0xaa)
			trimAll()

			n, err := m.WriteBatch()
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))
		})

		It("should reclaim the standby frame and zero it", func() {
			fn := m.frames.Numbers()[0]
			s := m.frames.Get(fn).Slot

			pfn, reclaim, ok := m.getFreePage()
			Expect(ok).To(BeTrue())
			Expect(pfn.Number()).To(Equal(fn))
			Expect(reclaim).To(Equal(&ReclaimEvent{Page: 0, Frame: fn, Slot: s}))

			Expect(m.pageTable.Read(0)).To(Equal(vm.DiscPTE(s)))
			Expect(provider.Frame(fn)).To(Equal(fill(0)))
			Expect(slotContents(s)).To(Equal(fill(0xaa)))
			Expect(m.standby.Len()).To(BeZero())
			Expect(m.Stats().Reclaims).To(Equal(uint64(1)))

			m.free.PushTail(pfn)
			pfn.Unlock()

			Expect(m.Audit()).To(Succeed())
		})

		It("should read a page back from the store on a hard fault", func() {
			Expect(contents(1)).To(Equal(fill(0)))
			stamp(1, 0xbb)
			trimAll()
			_, err := m.WriteBatch()
			Expect(err).NotTo(HaveOccurred())

			Expect(contents(0)).To(Equal(fill(0xaa)))

			Expect(m.pageTable.Read(1).Kind()).To(Equal(vm.PTEDisc))
			Expect(m.Stats().HardFaults).To(Equal(uint64(1)))
			Expect(m.slots.Free()).To(Equal(int64(3)))
			Expect(m.Audit()).To(Succeed())
		})

		It("should retry a soft fault whose frame was reclaimed meanwhile", func() {
			fn := m.frames.Numbers()[0]
			pfn := m.frames.Lock(fn)

			done := make(chan error)
			go func() { done <- m.HandleFault(va(0)) }()

			time.Sleep(20 * time.Millisecond)

			m.standby.Remove(pfn)
			m.retarget(pfn)
			m.zeroFrame(fn)
			m.free.PushTail(pfn)
			pfn.Unlock()

			Eventually(done).Should(Receive(BeNil()))

			Expect(contents(0)).To(Equal(fill(0xaa)))
			Expect(m.Stats().HardFaults).To(Equal(uint64(1)))
			Expect(m.Audit()).To(Succeed())
		})
	})

	Context("when no frame is available", func() {
		BeforeEach(func() {
			build(1, 2, 2)
			stamp(0, 0x11)
		})

		It("should wait until the writer produces a standby frame", func() {
			done := make(chan error)
			go func() {
				done <- m.Access(va(1), func(p []byte) { copy(p, fill(0x22)) })
			}()

			Consistently(done, 50*time.Millisecond).ShouldNot(Receive())

			trimAll()
			_, err := m.WriteBatch()
			Expect(err).NotTo(HaveOccurred())

			Eventually(done).Should(Receive(BeNil()))
			Expect(m.pageTable.Read(0).Kind()).To(Equal(vm.PTEDisc))
			Expect(m.Stats().Retries).NotTo(BeZero())
		})

		It("should give up when the manager stops", func() {
			done := make(chan error)
			go func() { done <- m.HandleFault(va(1)) }()

			Consistently(done, 20*time.Millisecond).ShouldNot(Receive())
			m.Stop()

			Eventually(done).Should(Receive(MatchError(ErrExiting)))
		})
	})

	Context("when the store runs out of slots", func() {
		BeforeEach(func() {
			build(2, 2, 1)
			stamp(0, 1)
			stamp(1, 2)
			trimAll()
		})

		It("should write what it can and then report no slot", func() {
			n, err := m.WriteBatch()
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(1))

			n, err = m.WriteBatch()
			Expect(err).To(MatchError(ErrNoSlot))
			Expect(n).To(BeZero())
			Expect(m.modified.Len()).To(Equal(1))
		})
	})

	Context("with hooks", func() {
		It("should report faults, trims and batches", func() {
			build(4, 16, 16)

			var kinds []FaultKind
			trims, batches := 0, 0

			m.AcceptHook(hooking.HookFunc(func(ctx hooking.HookCtx) {
				Expect(ctx.Domain.Name()).To(Equal("VMM"))

				switch ctx.Pos {
				case HookPosFault:
					kinds = append(kinds, ctx.Item.(FaultEvent).Kind)
				case HookPosTrim:
					trims++
				case HookPosWriteBatch:
					batches++
				}
			}))

			stamp(0, 1)
			Expect(m.HandleFault(va(0))).To(Succeed())
			trimAll()
			_, err := m.WriteBatch()
			Expect(err).NotTo(HaveOccurred())
			stamp(0, 1)

			Expect(kinds).To(Equal([]FaultKind{FaultNew, FaultFake, FaultSoft}))
			Expect(trims).To(Equal(1))
			Expect(batches).To(Equal(1))
		})

		It("should run hooks with the page table unlocked", func() {
			build(4, 16, 16)

			var seen []vm.PTE
			refaulted := false

			m.AcceptHook(hooking.HookFunc(func(ctx hooking.HookCtx) {
				switch ev := ctx.Item.(type) {
				case FaultEvent:
					lk := m.pageTable.Lock(ev.Page)
					seen = append(seen, m.pageTable.Read(ev.Page))
					lk.Unlock()
				case TrimEvent:
					if !refaulted {
						refaulted = true
						Expect(m.HandleFault(va(int(ev.Page)))).To(Succeed())
					}
				}
			}))

			done := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				defer close(done)

				stamp(0, 1)
				trimAll()
			}()
			Eventually(done).Should(BeClosed())

			fn := m.pageTable.Read(0).Frame()
			Expect(seen).To(Equal([]vm.PTE{vm.MemoryPTE(fn, 0), vm.MemoryPTE(fn, 0)}))
			Expect(m.Stats().SoftFaults).To(Equal(uint64(1)))
			Expect(m.modified.Len()).To(BeZero())
			Expect(m.Audit()).To(Succeed())
		})

		It("should report a reclaim after the fault that caused it", func() {
			build(1, 4, 4)
			stamp(0, 0xaa)
			trimAll()
			_, err := m.WriteBatch()
			Expect(err).NotTo(HaveOccurred())

			var order []string
			m.AcceptHook(hooking.HookFunc(func(ctx hooking.HookCtx) {
				switch ev := ctx.Item.(type) {
				case ReclaimEvent:
					lk := m.pageTable.Lock(ev.Page)
					Expect(m.pageTable.Read(ev.Page).Kind()).To(Equal(vm.PTEDisc))
					lk.Unlock()
					order = append(order, "reclaim")
				case FaultEvent:
					order = append(order, ev.Kind.String())
				}
			}))

			done := make(chan struct{})
			go func() {
				defer GinkgoRecover()
				defer close(done)

				Expect(m.HandleFault(va(1))).To(Succeed())
			}()
			Eventually(done).Should(BeClosed())

			Expect(order).To(Equal([]string{"reclaim", "new"}))
		})
	})
})

var _ = Describe("Manager with a failing provider", func() {
	var (
		mockCtrl *gomock.Controller
		provider *MockProvider
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		provider = NewMockProvider(mockCtrl)

		next := vm.VAddr(0x4000)
		provider.EXPECT().PageSize().Return(uint64(testPageSize)).AnyTimes()
		provider.EXPECT().
			ReserveAddressSpace(gomock.Any()).
			DoAndReturn(func(pages uint64) (vm.VAddr, error) {
				va := next
				next += vm.VAddr(pages * testPageSize)
				return va, nil
			}).
			AnyTimes()
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should work with sparse frame numbers", func() {
		provider.EXPECT().Reserve(2).Return([]vm.FrameNumber{9, 7}, nil)

		m, err := testBuilder().
			WithNumFrames(2).
			WithNumPages(8).
			WithProvider(provider).
			WithStore(backing.NewMemoryStore(8, testPageSize)).
			Build("VMM")
		Expect(err).NotTo(HaveOccurred())

		provider.EXPECT().Map(m.VAFor(0), vm.FrameNumber(7)).Return(nil)
		Expect(m.HandleFault(m.VAFor(0))).To(Succeed())
	})

	It("should panic when a frame cannot be mapped", func() {
		provider.EXPECT().Reserve(2).Return([]vm.FrameNumber{7, 9}, nil)

		m, err := testBuilder().
			WithNumFrames(2).
			WithNumPages(8).
			WithProvider(provider).
			WithStore(backing.NewMemoryStore(8, testPageSize)).
			Build("VMM")
		Expect(err).NotTo(HaveOccurred())

		provider.EXPECT().
			Map(m.VAFor(0), vm.FrameNumber(7)).
			Return(errors.New("no such frame"))

		Expect(func() { _ = m.HandleFault(m.VAFor(0)) }).To(Panic())
	})

	It("should refuse to build without frames", func() {
		provider.EXPECT().Reserve(4).Return(nil, nil)

		_, err := testBuilder().
			WithNumFrames(4).
			WithProvider(provider).
			WithStore(backing.NewMemoryStore(1024, testPageSize)).
			Build("VMM")
		Expect(err).To(MatchError(ErrNoFrames))
	})
})

var _ = Describe("Builder", func() {
	It("should reject a store with another page size", func() {
		_, err := testBuilder().
			WithNumFrames(2).
			WithNumPages(4).
			WithProvider(newSimProvider(2)).
			WithStore(backing.NewMemoryStore(4, 2*testPageSize)).
			Build("VMM")
		Expect(err).To(MatchError(ErrBadGeometry))
	})

	It("should reject a store too small to page out to", func() {
		_, err := testBuilder().
			WithNumFrames(2).
			WithNumPages(8).
			WithProvider(newSimProvider(2)).
			WithStore(backing.NewMemoryStore(6, testPageSize)).
			Build("VMM")
		Expect(err).To(MatchError(ErrBadGeometry))
	})

	It("should reject a store without slots", func() {
		_, err := testBuilder().
			WithNumFrames(4).
			WithNumPages(2).
			WithProvider(newSimProvider(4)).
			WithStore(backing.NewMemoryStore(0, testPageSize)).
			Build("VMM")
		Expect(err).To(MatchError(ErrBadGeometry))
	})

	It("should reject a low-water fraction above one", func() {
		_, err := testBuilder().
			WithNumFrames(2).
			WithNumPages(4).
			WithLowWaterFraction(1.5).
			WithProvider(newSimProvider(2)).
			WithStore(backing.NewMemoryStore(4, testPageSize)).
			Build("VMM")
		Expect(err).To(MatchError(ErrBadGeometry))
	})

	It("should accept fewer frames than requested", func() {
		m, err := testBuilder().
			WithNumFrames(8).
			WithNumPages(8).
			WithProvider(newSimProvider(3)).
			WithStore(backing.NewMemoryStore(8, testPageSize)).
			Build("VMM")
		Expect(err).NotTo(HaveOccurred())
		Expect(m.NumFrames()).To(Equal(3))
		Expect(m.free.Len()).To(Equal(3))
	})

	It("should panic without a provider", func() {
		Expect(func() { _, _ = MakeBuilder().Build("VMM") }).To(Panic())
	})
})
