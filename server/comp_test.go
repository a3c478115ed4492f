package server

import (
	"math"
	"math/rand"
	"net"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/qserver/advert"
	"github.com/sarchlab/qserver/header"
	"github.com/sarchlab/qserver/sim/hooking"
	"github.com/sarchlab/qserver/sim/timing"
	"github.com/sarchlab/qserver/transport"
)

type constRand float64

func (r constRand) Float64() float64 {
	return float64(r)
}

type seqRand struct {
	values []float64
	next   int
}

func (r *seqRand) Float64() float64 {
	v := r.values[r.next%len(r.values)]
	r.next++

	return v
}

func at(engine timing.EventScheduler, t timing.VTimeInSec, f func()) {
	engine.Schedule(timing.NewEventBase(t,
		timing.HandlerFunc(func(timing.Event) error {
			f()
			return nil
		})))
}

// request is 11 bytes long: a 6-byte header and a 5-byte body.
func request(sentTime timing.VTimeInSec, body string) []byte {
	return header.Prepend(header.Record{
		SentTime: sentTime,
		Kind:     header.Request,
		Analyzed: header.NotAnalyzed,
	}, []byte(body))
}

func peer(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: port}
}

type sentDatagram struct {
	at    timing.VTimeInSec
	dgram *transport.Datagram
}

var _ = Describe("Server", func() {
	var (
		mockCtrl *gomock.Controller
		sender   *MockSender
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		sender = NewMockSender(mockCtrl)
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	Context("on a serial engine", func() {
		var (
			engine *timing.SerialEngine
			comp   *Comp
			sent   []sentDatagram
		)

		// 88 bit/s serves one 11-byte request per second on average. With
		// u = 0.5 every interval is ln 2 seconds.
		build := func(b Builder) *Comp {
			return b.WithEngine(engine).
				WithSender(sender).
				WithCapacity(88).
				WithRand(constRand(0.5)).
				Build("Server")
		}

		recordSends := func() {
			sender.EXPECT().Send(gomock.Any()).
				DoAndReturn(func(d *transport.Datagram) error {
					sent = append(sent, sentDatagram{at: engine.Now(), dgram: d})
					return nil
				}).AnyTimes()
		}

		BeforeEach(func() {
			engine = timing.NewSerialEngine()
			sent = nil
		})

		It("should reply at the arrival time of the first request", func() {
			recordSends()
			comp = build(MakeBuilder())

			at(engine, 1, func() {
				comp.HandleArrival(request(12.345, "hello"), peer(5000))
			})
			at(engine, 10, comp.Stop)

			Expect(engine.Run()).To(Succeed())

			Expect(sent).To(HaveLen(1))
			Expect(sent[0].at).To(Equal(1.0))
			Expect(sent[0].dgram.Dst).To(Equal(peer(5000)))

			rec, rest, err := header.Strip(sent[0].dgram.Payload)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec).To(Equal(header.Record{
				SentTime: 12.345,
				Kind:     header.Reply,
				Analyzed: header.Analyzed,
			}))
			Expect(string(rest)).To(Equal("hello"))
			Expect(comp.Sent()).To(Equal(uint64(1)))
			Expect(comp.QueueLength()).To(Equal(0))
		})

		It("should reply in arrival order", func() {
			recordSends()
			comp = build(MakeBuilder())

			var sojourns []timing.VTimeInSec
			comp.AcceptHook(hooking.HookFunc(func(ctx hooking.HookCtx) {
				if ctx.Pos == HookPosDeparture {
					sojourns = append(sojourns, ctx.Detail.(DepartureDetail).Sojourn)
				}
			}))

			at(engine, 1, func() {
				for port := 1; port <= 5; port++ {
					comp.HandleArrival(request(1, "hello"), peer(port))
				}
			})
			at(engine, 10, comp.Stop)

			Expect(engine.Run()).To(Succeed())

			Expect(sent).To(HaveLen(5))
			for i, s := range sent {
				Expect(s.dgram.Dst).To(Equal(peer(i + 1)))
				Expect(s.at).To(BeNumerically("~", 1+float64(i)*math.Ln2, 1e-9))
				Expect(sojourns[i]).To(BeNumerically("~", float64(i)*math.Ln2, 1e-9))
			}
		})

		It("should reply to multicast and IPv6 sources", func() {
			recordSends()
			comp = build(MakeBuilder())

			group := &net.UDPAddr{IP: net.ParseIP("ff02::1"), Port: 7}
			at(engine, 1, func() {
				comp.HandleArrival(request(1, "hello"), group)
			})
			at(engine, 2, comp.Stop)

			Expect(engine.Run()).To(Succeed())
			Expect(sent).To(HaveLen(1))
			Expect(sent[0].dgram.Dst).To(Equal(group))
		})

		It("should strip transport tags before buffering", func() {
			recordSends()
			comp = build(MakeBuilder())

			d := &transport.Datagram{Payload: request(1, "hello"), Src: peer(1)}
			d.AddTag("recv-time", 1.0)

			var buffered QueueEntry
			comp.AcceptHook(hooking.HookFunc(func(ctx hooking.HookCtx) {
				if ctx.Pos == HookPosArrival {
					buffered = ctx.Item.(QueueEntry)
				}
			}))

			at(engine, 1, func() { comp.HandleDatagram(d) })
			at(engine, 2, comp.Stop)

			Expect(engine.Run()).To(Succeed())
			Expect(d.Tags).To(BeEmpty())
			Expect(buffered.Payload).To(Equal(request(1, "hello")))
			Expect(buffered.Destination).To(Equal(peer(1)))
			Expect(buffered.ArrivedAt).To(Equal(1.0))
		})

		It("should drop requests with a malformed header", func() {
			sender.EXPECT().Send(gomock.Any()).Times(0)
			comp = build(MakeBuilder().WithCapacity(24))

			var dropErr error
			comp.AcceptHook(hooking.HookFunc(func(ctx hooking.HookCtx) {
				if ctx.Pos == HookPosDrop {
					dropErr = ctx.Detail.(error)
				}
			}))

			at(engine, 1, func() {
				comp.HandleArrival([]byte{1, 2, 3}, peer(1))
			})
			at(engine, 5, comp.Stop)

			Expect(engine.Run()).To(Succeed())
			Expect(comp.Dropped()).To(Equal(uint64(1)))
			Expect(comp.Sent()).To(Equal(uint64(0)))
			Expect(dropErr).To(MatchError(header.ErrMalformedHeader))
		})

		It("should keep serving after a send failure", func() {
			gomock.InOrder(
				sender.EXPECT().Send(gomock.Any()).Return(transport.ErrUnreachable),
				sender.EXPECT().Send(gomock.Any()).Return(nil),
			)
			comp = build(MakeBuilder())

			var failures []error
			comp.AcceptHook(hooking.HookFunc(func(ctx hooking.HookCtx) {
				if ctx.Pos == HookPosSendFailure {
					failures = append(failures, ctx.Detail.(error))
				}
			}))

			at(engine, 1, func() { comp.HandleArrival(request(1, "a"), peer(1)) })
			at(engine, 5, func() { comp.HandleArrival(request(5, "b"), peer(2)) })
			at(engine, 20, comp.Stop)

			Expect(engine.Run()).To(Succeed())
			Expect(comp.SendFailures()).To(Equal(uint64(1)))
			Expect(comp.Sent()).To(Equal(uint64(1)))
			Expect(failures).To(ConsistOf(MatchError(transport.ErrUnreachable)))
		})

		It("should restart a parked departure loop", func() {
			recordSends()
			comp = build(MakeBuilder())

			var rateWhileParked float64
			var pendingWhileParked int

			at(engine, 1, func() { comp.HandleArrival(nil, peer(1)) })
			at(engine, 1.5, func() {
				rateWhileParked = comp.ServiceRate()
				pendingWhileParked = comp.QueueLength()
			})
			at(engine, 2, func() { comp.HandleArrival(request(2, "hello"), peer(2)) })
			at(engine, 10, comp.Stop)

			Expect(engine.Run()).To(Succeed())
			Expect(rateWhileParked).To(Equal(0.0))
			Expect(pendingWhileParked).To(Equal(1))
			Expect(comp.Dropped()).To(Equal(uint64(1)))
			Expect(sent).To(HaveLen(1))
			Expect(sent[0].dgram.Dst).To(Equal(peer(2)))
			Expect(comp.ServiceRate()).To(Equal(2.0))
		})

		It("should announce periodically until stopped", func() {
			recordSends()
			comp = build(MakeBuilder().
				WithUpstream(net.IPv4(10, 0, 0, 1)).
				WithServerAddress(net.IPv4(10, 0, 0, 9)).
				WithNetMask(net.CIDRMask(24, 32)))

			at(engine, 1, func() { comp.HandleArrival(request(1, "hello"), peer(1)) })
			at(engine, 25, comp.Stop)

			Expect(engine.Run()).To(Succeed())

			var adverts []sentDatagram
			for _, s := range sent {
				if s.dgram.Dst.(*net.UDPAddr).Port == advert.Port {
					adverts = append(adverts, s)
				}
			}

			Expect(adverts).To(HaveLen(3))
			for i, a := range adverts {
				Expect(a.at).To(Equal(1 + 10*float64(i)))
				Expect(a.dgram.TTL).To(Equal(AnnounceTTL))
				Expect(a.dgram.Dst).To(Equal(
					&net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: advert.Port}))
			}

			msg, err := advert.Unmarshal(adverts[2].dgram.Payload)
			Expect(err).NotTo(HaveOccurred())
			Expect(msg.Mue).To(Equal(uint32(1)))
			Expect(msg.ServerAddress.Equal(net.IPv4(10, 0, 0, 9))).To(BeTrue())
			Expect(comp.Announcer().Announced()).To(Equal(uint64(3)))
		})

		It("should ignore arrivals after stop", func() {
			recordSends()
			comp = build(MakeBuilder())

			at(engine, 1, func() { comp.HandleArrival(request(1, "a"), peer(1)) })
			at(engine, 2, comp.Stop)
			at(engine, 3, func() { comp.HandleArrival(request(3, "b"), peer(2)) })

			Expect(engine.Run()).To(Succeed())
			Expect(comp.State()).To(Equal(StateStopped))
			Expect(comp.Received()).To(Equal(uint64(1)))
			Expect(comp.QueueLength()).To(Equal(0))
		})
	})

	Context("with a mocked scheduler", func() {
		var (
			scheduler *MockEventScheduler
			now       timing.VTimeInSec
			comp      *Comp
		)

		BeforeEach(func() {
			now = 0
			scheduler = NewMockEventScheduler(mockCtrl)
			scheduler.EXPECT().Now().
				DoAndReturn(func() timing.VTimeInSec { return now }).
				AnyTimes()
		})

		It("should start each loop only once", func() {
			scheduler.EXPECT().
				Schedule(gomock.AssignableToTypeOf(departureEvent{})).
				Times(1)
			scheduler.EXPECT().
				Schedule(gomock.AssignableToTypeOf(announceEvent{})).
				Times(1)
			sender.EXPECT().Send(gomock.Any()).Return(nil).Times(2)

			comp = MakeBuilder().
				WithEngine(scheduler).
				WithSender(sender).
				WithUpstream(net.IPv4(10, 0, 0, 1)).
				Build("Server")

			for i := 0; i < 10; i++ {
				comp.HandleArrival(request(0, "hello"), peer(i))
			}

			Expect(comp.State()).To(Equal(StateRunning))
			Expect(comp.Received()).To(Equal(uint64(10)))
			Expect(comp.QueueLength()).To(Equal(9))
		})

		It("should report a zero arrival rate without arrivals", func() {
			comp = MakeBuilder().
				WithEngine(scheduler).
				WithSender(sender).
				Build("Server")

			Expect(comp.ArrivalRate()).To(Equal(0.0))

			now = 5
			Expect(comp.ArrivalRate()).To(Equal(0.0))
			Expect(comp.ServiceRate()).To(Equal(0.0))
			Expect(comp.Stats()).To(Equal(Stats{State: StateIdle}))
		})

		It("should keep a running mean and an arrival rate", func() {
			scheduler.EXPECT().Schedule(gomock.Any()).AnyTimes()
			sender.EXPECT().Send(gomock.Any()).Return(nil).AnyTimes()

			comp = MakeBuilder().
				WithEngine(scheduler).
				WithSender(sender).
				Build("Server")

			comp.HandleArrival(make([]byte, 100), peer(1))
			Expect(comp.ServiceRate()).To(Equal(12500.0))

			comp.HandleArrival(make([]byte, 300), peer(2))
			comp.HandleArrival(make([]byte, 200), peer(3))
			comp.HandleArrival(make([]byte, 200), peer(4))

			now = 2
			Expect(comp.AvgPacketSize()).To(Equal(200.0))
			Expect(comp.ArrivalRate()).To(Equal(2.0))

			stats := comp.Stats()
			Expect(stats.Received).To(Equal(uint64(4)))
			Expect(stats.ArrivalRate).To(Equal(2.0))
		})

		It("should cancel both timers on stop", func() {
			var scheduled, cancelled []string

			scheduler.EXPECT().Schedule(gomock.Any()).
				Do(func(e timing.Event) { scheduled = append(scheduled, e.ID()) }).
				Times(2)
			scheduler.EXPECT().Cancel(gomock.Any()).
				Do(func(e timing.Event) { cancelled = append(cancelled, e.ID()) }).
				Times(2)
			sender.EXPECT().Send(gomock.Any()).Return(nil).Times(2)

			comp = MakeBuilder().
				WithEngine(scheduler).
				WithSender(sender).
				WithUpstream(net.IPv4(10, 0, 0, 1)).
				Build("Server")

			comp.HandleArrival(request(0, "hello"), peer(1))
			comp.Stop()
			comp.Stop()

			Expect(cancelled).To(ConsistOf(scheduled))
		})
	})

	Context("service time", func() {
		var comp *Comp

		BeforeEach(func() {
			comp = MakeBuilder().
				WithEngine(timing.NewSerialEngine()).
				WithSender(sender).
				WithRand(rand.New(rand.NewSource(42))).
				Build("Server")
		})

		It("should serve 2500 requests per second for 500-byte packets", func() {
			rate := ServiceRate(DefaultCapacity, 500)
			Expect(rate).To(Equal(2500.0))

			const n = 200000
			sum := 0.0
			for i := 0; i < n; i++ {
				sum += comp.drawInterval(rate)
			}

			Expect(sum / n).To(BeNumerically("~", 0.0004, 0.000004))
		})

		It("should redraw a zero uniform sample", func() {
			comp.rand = &seqRand{values: []float64{0, 0, 0.5}}

			Expect(comp.drawInterval(2)).To(BeNumerically("~", math.Ln2/2, 1e-12))
		})

		It("should slow down as packets grow", func() {
			prev := math.Inf(1)
			for size := 1.0; size <= 1500; size++ {
				rate := ServiceRate(DefaultCapacity, size)
				Expect(rate).To(BeNumerically("<", prev))
				prev = rate
			}

			Expect(ServiceRate(DefaultCapacity, 0)).To(Equal(0.0))
		})
	})

	It("should refuse to build without an engine or a sender", func() {
		Expect(func() { MakeBuilder().WithSender(sender).Build("Server") }).
			To(Panic())
		Expect(func() {
			MakeBuilder().WithEngine(timing.NewSerialEngine()).Build("Server")
		}).To(Panic())
		Expect(func() {
			MakeBuilder().
				WithEngine(timing.NewSerialEngine()).
				WithSender(sender).
				WithCapacity(0).
				Build("Server")
		}).To(Panic())
	})
})
