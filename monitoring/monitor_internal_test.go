package monitoring

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/uvmm/vmm"
)

type stubManager struct {
	name  string
	stats vmm.Stats
}

func (s *stubManager) Name() string {
	return s.name
}

func (s *stubManager) Stats() vmm.Stats {
	return s.stats
}

var _ = Describe("Monitor", func() {
	var (
		m      *Monitor
		server *httptest.Server
	)

	get := func(path string) (int, []byte) {
		rsp, err := http.Get(server.URL + path)
		Expect(err).NotTo(HaveOccurred())
		defer rsp.Body.Close()

		body, err := io.ReadAll(rsp.Body)
		Expect(err).NotTo(HaveOccurred())

		return rsp.StatusCode, body
	}

	BeforeEach(func() {
		m = NewMonitor()
		m.RegisterManager(&stubManager{
			name:  "VMM",
			stats: vmm.Stats{Frames: 8, Free: 3, HardFaults: 42},
		})

		server = httptest.NewServer(m.router())
	})

	AfterEach(func() {
		server.Close()
	})

	It("should replace privileged ports with a random one", func() {
		Expect(NewMonitor().WithPortNumber(80).portNumber).To(Equal(0))
		Expect(NewMonitor().WithPortNumber(8080).portNumber).To(Equal(8080))
	})

	It("should list managers", func() {
		code, body := get("/api/list_managers")

		Expect(code).To(Equal(http.StatusOK))
		Expect(body).To(MatchJSON(`["VMM"]`))
	})

	It("should serialize the stats of a manager", func() {
		code, body := get("/api/manager/VMM")

		Expect(code).To(Equal(http.StatusOK))
		Expect(string(body)).To(ContainSubstring("HardFaults"))
		Expect(string(body)).To(ContainSubstring("42"))
	})

	It("should serialize one field", func() {
		req := url.PathEscape(`{"manager":"VMM","field_name":"Frames"}`)
		code, body := get("/api/field/" + req)

		Expect(code).To(Equal(http.StatusOK))
		Expect(string(body)).To(ContainSubstring("8"))
	})

	It("should return 404 for unknown managers", func() {
		code, _ := get("/api/manager/Other")

		Expect(code).To(Equal(http.StatusNotFound))
	})

	It("should report progress bars until they complete", func() {
		bar := m.CreateProgressBar("accesses", 10)
		bar.IncrementInProgress(4)
		bar.MoveInProgressToFinished(3)

		_, body := get("/api/progress")

		var bars []progressSnapshot
		Expect(json.Unmarshal(body, &bars)).To(Succeed())
		Expect(bars).To(HaveLen(1))
		Expect(bars[0].Name).To(Equal("accesses"))
		Expect(bars[0].Finished).To(Equal(uint64(3)))
		Expect(bars[0].InProgress).To(Equal(uint64(1)))

		m.CompleteProgressBar(bar)

		_, body = get("/api/progress")
		Expect(body).To(MatchJSON(`[]`))
	})

	It("should report process resources", func() {
		code, body := get("/api/resource")

		Expect(code).To(Equal(http.StatusOK))

		var rsp resourceRsp
		Expect(json.Unmarshal(body, &rsp)).To(Succeed())
		Expect(rsp.MemorySize).To(BeNumerically(">", 0))
	})

	It("should serve the web page", func() {
		code, body := get("/")

		Expect(code).To(Equal(http.StatusOK))
		Expect(string(body)).To(HavePrefix("<!DOCTYPE html>"))
	})

	It("should start and stop a real server", func() {
		port := m.StartServer()
		Expect(port).To(BeNumerically(">", 0))

		m.StopServer()
	})
})
