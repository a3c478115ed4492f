package tracing

import (
	"errors"
	"net"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/qserver/client"
	"github.com/sarchlab/qserver/datarecording"
	"github.com/sarchlab/qserver/header"
	"github.com/sarchlab/qserver/server"
	"github.com/sarchlab/qserver/sim/hooking"
	"github.com/sarchlab/qserver/sim/timing"
	"github.com/sarchlab/qserver/transport"
)

type fakeServer struct {
	hooking.HookableBase
	queueLength int
}

func (s *fakeServer) Name() string     { return "Server" }
func (s *fakeServer) QueueLength() int { return s.queueLength }

var _ = Describe("PacketTracer", func() {
	var (
		mockCtrl *gomock.Controller
		backend  *MockDataRecorder
		tracer   *PacketTracer
		domain   *fakeServer
		peer     *net.UDPAddr
		entry    server.QueueEntry
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		backend = NewMockDataRecorder(mockCtrl)
		backend.EXPECT().CreateTable(PacketTable, PacketEntry{}).Return(nil)
		backend.EXPECT().CreateTable(RTTTable, RTTEntry{}).Return(nil)

		var err error
		tracer, err = NewPacketTracer(backend, nil)
		Expect(err).NotTo(HaveOccurred())

		domain = &fakeServer{queueLength: 3}
		CollectTrace(domain, tracer)

		peer = &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 4000}
		entry = server.QueueEntry{
			Payload:     make([]byte, 64),
			Destination: peer,
			ArrivedAt:   1,
		}
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should record arrivals", func() {
		backend.EXPECT().InsertData(PacketTable, PacketEntry{
			Time:        1,
			Server:      "Server",
			Event:       "arrival",
			Peer:        "10.0.0.2:4000",
			Size:        64,
			QueueLength: 3,
		}).Return(nil)

		domain.InvokeHook(hooking.HookCtx{
			Domain: domain, Now: 1, Pos: server.HookPosArrival, Item: entry,
		})
	})

	It("should record departures with their sojourn time", func() {
		backend.EXPECT().InsertData(PacketTable, PacketEntry{
			Time:        3,
			Server:      "Server",
			Event:       "departure",
			Peer:        "10.0.0.2:4000",
			Size:        64,
			QueueLength: 3,
			Sojourn:     2,
		}).Return(nil)

		domain.InvokeHook(hooking.HookCtx{
			Domain: domain,
			Now:    3,
			Pos:    server.HookPosDeparture,
			Item:   entry,
			Detail: server.DepartureDetail{Reply: header.Record{}, Sojourn: 2},
		})
	})

	It("should record announcements", func() {
		upstream := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 276}
		backend.EXPECT().InsertData(PacketTable, PacketEntry{
			Time:        10,
			Server:      "Server",
			Event:       "announce",
			Peer:        "10.0.0.1:276",
			Size:        24,
			QueueLength: 3,
		}).Return(nil)

		domain.InvokeHook(hooking.HookCtx{
			Domain: domain,
			Now:    10,
			Pos:    server.HookPosAnnounce,
			Item:   &transport.Datagram{Payload: make([]byte, 24), Dst: upstream},
		})
	})

	It("should record round trip times", func() {
		backend.EXPECT().InsertData(RTTTable, RTTEntry{
			Time: 5, Client: "Server", RTT: 0.25,
		}).Return(nil)

		domain.InvokeHook(hooking.HookCtx{
			Domain: domain,
			Now:    5,
			Pos:    client.HookPosReply,
			Detail: timing.VTimeInSec(0.25),
		})
	})

	It("should skip hooks outside the window", func() {
		tracer.SetWindow(2, 4)

		domain.InvokeHook(hooking.HookCtx{
			Domain: domain, Now: 1, Pos: server.HookPosArrival, Item: entry,
		})
		domain.InvokeHook(hooking.HookCtx{
			Domain: domain, Now: 5, Pos: server.HookPosArrival, Item: entry,
		})
	})

	It("should survive backend errors", func() {
		backend.EXPECT().InsertData(gomock.Any(), gomock.Any()).
			Return(errors.New("disk full"))

		Expect(func() {
			domain.InvokeHook(hooking.HookCtx{
				Domain: domain, Now: 1, Pos: server.HookPosArrival, Item: entry,
			})
		}).NotTo(Panic())
	})

	It("should refuse to attach twice", func() {
		Expect(func() { CollectTrace(domain, tracer) }).To(Panic())
	})
})

var _ = Describe("Tracing a simulated server", func() {
	It("should store rows in SQLite and track sojourn times", func() {
		recorder, err := datarecording.New(
			filepath.Join(GinkgoT().TempDir(), "trace"), nil)
		Expect(err).NotTo(HaveOccurred())
		defer recorder.Close()

		tracer, err := NewPacketTracer(recorder, nil)
		Expect(err).NotTo(HaveOccurred())

		engine := timing.NewSerialEngine()
		var replies []*transport.Datagram
		srv := server.MakeBuilder().
			WithEngine(engine).
			WithSender(senderFunc(func(d *transport.Datagram) error {
				replies = append(replies, d)
				return nil
			})).
			WithCapacity(88).
			Build("Server")

		sojourn := NewSojournTracer()
		CollectTrace(srv, tracer)
		CollectTrace(srv, sojourn)

		engine.Schedule(timing.NewEventBase(1, timing.HandlerFunc(
			func(timing.Event) error {
				for i := 0; i < 3; i++ {
					srv.HandleArrival(header.Prepend(header.Record{
						SentTime: 1, Kind: header.Request,
					}, []byte("hello")), &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: i})
				}
				return nil
			})))
		engine.Schedule(timing.NewEventBase(50, timing.HandlerFunc(
			func(timing.Event) error {
				srv.Stop()
				return nil
			})))

		Expect(engine.Run()).To(Succeed())
		Expect(recorder.Flush()).To(Succeed())

		var arrivals, departures int
		Expect(recorder.DB().QueryRow(
			"SELECT COUNT(*) FROM packet_trace WHERE Event = 'arrival'",
		).Scan(&arrivals)).To(Succeed())
		Expect(recorder.DB().QueryRow(
			"SELECT COUNT(*) FROM packet_trace WHERE Event = 'departure'",
		).Scan(&departures)).To(Succeed())

		Expect(arrivals).To(Equal(3))
		Expect(departures).To(Equal(3))
		Expect(replies).To(HaveLen(3))
		Expect(sojourn.Count()).To(Equal(uint64(3)))
		Expect(sojourn.Max()).To(BeNumerically(">", 0))
		Expect(sojourn.Mean()).To(BeNumerically("<", sojourn.Max()))
	})
})

type senderFunc func(d *transport.Datagram) error

func (f senderFunc) Send(d *transport.Datagram) error {
	return f(d)
}
