package vmm

import (
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/uvmm/vm"
	"github.com/sarchlab/uvmm/vm/backing"
)

var _ = Describe("Writer", func() {
	var (
		mockCtrl *gomock.Controller
		store    *MockStore
		disk     *backing.MemoryStore
		m        *Manager
		duringIO func()
	)

	va := func(page int) vm.VAddr {
		return m.VAFor(vm.PageIndex(page))
	}

	stamp := func(page int, b byte) {
		Expect(m.Access(va(page), func(p []byte) { copy(p, fill(b)) })).To(Succeed())
	}

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		store = NewMockStore(mockCtrl)
		disk = backing.NewMemoryStore(16, testPageSize)
		duringIO = func() {}

		var once sync.Once

		store.EXPECT().PageSize().Return(uint64(testPageSize)).AnyTimes()
		store.EXPECT().NumSlots().Return(uint64(16)).AnyTimes()
		store.EXPECT().ReadPage(gomock.Any(), gomock.Any()).
			DoAndReturn(disk.ReadPage).AnyTimes()
		store.EXPECT().WritePage(gomock.Any(), gomock.Any()).
			DoAndReturn(func(s vm.SlotIndex, buf []byte) error {
				once.Do(duringIO)
				return disk.WritePage(s, buf)
			}).AnyTimes()

		var err error
		m, err = testBuilder().
			WithNumFrames(4).
			WithNumPages(16).
			WithProvider(newSimProvider(4)).
			WithStore(store).
			Build("VMM")
		Expect(err).NotTo(HaveOccurred())

		for page := 0; page < 3; page++ {
			stamp(page, byte(page+1))
		}

		for i := 0; i <= vm.MaxAge; i++ {
			m.Sweep()
		}
	})

	AfterEach(func() {
		m.Stop()
		mockCtrl.Finish()
	})

	It("should drop the write of a page faulted back mid-write", func() {
		fn := m.pageTable.Read(0).Frame()
		duringIO = func() { stamp(0, 0xee) }

		n, err := m.WriteBatch()
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(2))

		pfn := m.frames.Get(fn)
		Expect(pfn.State()).To(Equal(vm.FrameActive))
		Expect(pfn.Modified).To(BeFalse())
		Expect(pfn.RefCount).To(BeZero())
		Expect(m.arena.OwnerOf(fn)).To(BeNil())

		Expect(m.pageTable.Read(0)).To(Equal(vm.MemoryPTE(fn, 0)))
		Expect(m.standby.Len()).To(Equal(2))
		Expect(m.slots.Free()).To(Equal(int64(14)))
		Expect(m.Stats().WritesDiscarded).To(Equal(uint64(1)))

		var got []byte
		Expect(m.Access(va(0), func(p []byte) { got = append(got, p...) })).To(Succeed())
		Expect(got).To(Equal(fill(0xee)))

		Expect(m.Audit()).To(Succeed())
	})

	It("should leave a page trimmed again mid-write on the modified list", func() {
		fn := m.pageTable.Read(0).Frame()
		duringIO = func() {
			stamp(0, 0xee)

			lk := m.pageTable.Lock(0)
			m.trimPage(lk, 0, fn)
			lk.Unlock()
		}

		n, err := m.WriteBatch()
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(2))

		pfn := m.frames.Get(fn)
		Expect(pfn.State()).To(Equal(vm.FrameModified))
		Expect(pfn.Modified).To(BeFalse())
		Expect(m.modified.Frames()).To(Equal([]vm.FrameNumber{fn}))
		Expect(m.slots.Free()).To(Equal(int64(14)))
		Expect(m.Audit()).To(Succeed())

		n, err = m.WriteBatch()
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(1))

		s := m.frames.Get(fn).Slot
		buf := make([]byte, testPageSize)
		Expect(disk.ReadPage(s, buf)).To(Succeed())
		Expect(buf).To(Equal(fill(0xee)))
	})

	It("should write nothing when nothing is modified", func() {
		_, err := m.WriteBatch()
		Expect(err).NotTo(HaveOccurred())

		n, err := m.WriteBatch()
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(BeZero())
	})
})
