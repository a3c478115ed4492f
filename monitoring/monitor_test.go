package monitoring

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/qserver/header"
	"github.com/sarchlab/qserver/server"
	"github.com/sarchlab/qserver/sim/timing"
	"github.com/sarchlab/qserver/transport"
)

type sampleComponent struct {
	name  string
	Level int
}

func (c *sampleComponent) Name() string {
	return c.name
}

type discard struct{}

func (discard) Send(*transport.Datagram) error {
	return nil
}

var _ = Describe("Monitor", func() {
	var (
		m      *Monitor
		engine *timing.SerialEngine
		srv    *server.Comp
	)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		m.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

		return rec
	}

	BeforeEach(func() {
		engine = timing.NewSerialEngine()
		srv = server.MakeBuilder().
			WithEngine(engine).
			WithSender(discard{}).
			Build("Server")

		m = NewMonitor(nil)
		m.profileDuration = 10 * time.Millisecond
		m.RegisterEngine(engine)
		m.RegisterComponent(srv)
		m.RegisterComponent(&sampleComponent{name: "Sample", Level: 3})

		for port := 1; port <= 3; port++ {
			srv.HandleArrival(header.Prepend(header.Record{Kind: header.Request}, nil),
				&net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: port})
		}
	})

	It("should list components", func() {
		rec := get("/api/list_components")

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(MatchJSON(`["Server","Sample"]`))
	})

	It("should report the time", func() {
		rec := get("/api/now")

		Expect(rec.Body.String()).To(MatchJSON(`{"now":0}`))
	})

	It("should pause and continue the engine", func() {
		Expect(get("/api/pause").Code).To(Equal(http.StatusOK))
		Expect(get("/api/continue").Code).To(Equal(http.StatusOK))
	})

	It("should report server stats", func() {
		rec := get("/api/stats/Server")
		Expect(rec.Code).To(Equal(http.StatusOK))

		var stats map[string]any
		Expect(json.Unmarshal(rec.Body.Bytes(), &stats)).To(Succeed())
		Expect(stats["state"]).To(Equal("Running"))
		Expect(stats["received"]).To(BeNumerically("==", 3))
		Expect(stats["sent"]).To(BeNumerically("==", 1))
		Expect(stats["queue_length"]).To(BeNumerically("==", 2))

		Expect(get("/api/stats/Sample").Code).To(Equal(http.StatusNotFound))
	})

	It("should serialize components", func() {
		rec := get("/api/component/Sample")

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.Len()).To(BeNumerically(">", 0))
		Expect(get("/api/component/Nothing").Code).To(Equal(http.StatusNotFound))
	})

	It("should list buffers by level", func() {
		rec := get("/api/hangdetector/buffers?sort=level&limit=5")

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(MatchJSON(
			`[{"buffer":"Server.Buffer","level":2,"cap":0}]`))

		Expect(get("/api/hangdetector/buffers?sort=size").Code).
			To(Equal(http.StatusBadRequest))
		Expect(get("/api/hangdetector/buffers?limit=x").Code).
			To(Equal(http.StatusBadRequest))
	})

	It("should serve buffers and components while arrivals are handled", func() {
		for i := 1; i <= 2000; i++ {
			port := i
			engine.Schedule(timing.NewEventBase(float64(i)*0.001,
				timing.HandlerFunc(func(timing.Event) error {
					srv.HandleArrival(
						header.Prepend(header.Record{Kind: header.Request}, nil),
						&net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: port})
					return nil
				})))
		}
		engine.Schedule(timing.NewEventBase(5,
			timing.HandlerFunc(func(timing.Event) error {
				srv.Stop()
				return nil
			})))

		done := make(chan error, 1)
		go func() {
			done <- engine.Run()
		}()

		for i := 0; i < 200; i++ {
			Expect(get("/api/hangdetector/buffers").Code).To(Equal(http.StatusOK))
			Expect(get("/api/component/Server").Code).To(Equal(http.StatusOK))
		}

		Eventually(done, 10*time.Second).Should(Receive(BeNil()))
		Expect(srv.Stats().Received).To(BeNumerically("==", 2003))
	})

	It("should serialize components while paused", func() {
		Expect(get("/api/pause").Code).To(Equal(http.StatusOK))
		Expect(get("/api/pause").Code).To(Equal(http.StatusOK))
		Expect(get("/api/component/Server").Code).To(Equal(http.StatusOK))
		Expect(get("/api/continue").Code).To(Equal(http.StatusOK))
		Expect(get("/api/continue").Code).To(Equal(http.StatusOK))
	})

	It("should export metrics", func() {
		rec := get("/metrics")

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring(
			`qserver_received_total{server="Server"} 3`))
	})

	It("should track progress bars", func() {
		bar := m.CreateProgressBar("Simulation", 100)
		bar.SetFinished(40)
		bar.IncrementInProgress(2)

		rec := get("/api/progress")

		var bars []map[string]any
		Expect(json.Unmarshal(rec.Body.Bytes(), &bars)).To(Succeed())
		Expect(bars).To(HaveLen(1))
		Expect(bars[0]["finished"]).To(BeNumerically("==", 40))
		Expect(bars[0]["in_progress"]).To(BeNumerically("==", 2))

		m.CompleteProgressBar(bar)
		Expect(get("/api/progress").Body.String()).To(MatchJSON(`[]`))
	})

	It("should report resources", func() {
		rec := get("/api/resource")

		Expect(rec.Code).To(Equal(http.StatusOK))

		var rsp resourceRsp
		Expect(json.Unmarshal(rec.Body.Bytes(), &rsp)).To(Succeed())
		Expect(rsp.MemorySize).To(BeNumerically(">", 0))
	})

	It("should collect a profile", func() {
		Expect(get("/api/profile").Code).To(Equal(http.StatusOK))
	})

	It("should serve on a random port", func() {
		url, err := m.WithPortNumber(80).StartServer()
		Expect(err).NotTo(HaveOccurred())
		defer m.Shutdown(context.Background())

		rsp, err := http.Get(url + "/api/now")
		Expect(err).NotTo(HaveOccurred())
		defer rsp.Body.Close()

		body, err := io.ReadAll(rsp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(body)).To(MatchJSON(`{"now":0}`))
	})
})

var _ = Describe("Buffer selection", func() {
	It("should page through buffers", func() {
		Expect(sortAndSelectBuffers(nil, "level", 10, 5)).To(BeEmpty())
	})
})
