package simnet

import (
	"errors"
	"net"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/qserver/sim/hooking"
	"github.com/sarchlab/qserver/sim/timing"
	"github.com/sarchlab/qserver/transport"
)

type inbox struct {
	engine timing.TimeTeller
	got    []*transport.Datagram
	times  []timing.VTimeInSec
}

func (i *inbox) HandleDatagram(d *transport.Datagram) {
	i.got = append(i.got, d)
	i.times = append(i.times, i.engine.Now())
}

func udpAddr(a, b, c, d byte, port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(a, b, c, d), Port: port}
}

var _ = Describe("Network", func() {
	var (
		engine  *timing.SerialEngine
		network *Network
		mask    net.IPMask
	)

	BeforeEach(func() {
		engine = timing.NewSerialEngine()
		network = MakeBuilder().
			WithEngine(engine).
			WithLatency(0.01).
			Build("Net")
		mask = net.CIDRMask(24, 32)
	})

	It("should deliver unicast datagrams after the latency", func() {
		a := &inbox{engine: engine}
		b := &inbox{engine: engine}
		epA := network.Attach(udpAddr(10, 0, 0, 1, 5000), mask, a)
		network.Attach(udpAddr(10, 0, 0, 2, 9), mask, b)

		payload := []byte("hello")
		Expect(epA.Send(&transport.Datagram{
			Payload: payload,
			Dst:     udpAddr(10, 0, 0, 2, 9),
		})).To(Succeed())
		payload[0] = 'j'

		Expect(engine.Run()).To(Succeed())

		Expect(b.got).To(HaveLen(1))
		Expect(b.got[0].Payload).To(Equal([]byte("hello")))
		Expect(b.got[0].Src.String()).To(Equal("10.0.0.1:5000"))
		Expect(b.times[0]).To(BeNumerically("~", 0.01, 1e-12))

		recvTime, ok := b.got[0].Tag(TagRecvTime)
		Expect(ok).To(BeTrue())
		Expect(recvTime).To(BeNumerically("~", 0.01, 1e-12))
		Expect(a.got).To(BeEmpty())
	})

	It("should report unreachable destinations", func() {
		ep := network.Attach(udpAddr(10, 0, 0, 1, 5000), mask, &inbox{engine: engine})

		err := ep.Send(&transport.Datagram{Dst: udpAddr(10, 0, 0, 9, 9)})

		Expect(errors.Is(err, transport.ErrUnreachable)).To(BeTrue())
	})

	It("should deliver to multicast group members", func() {
		group := net.IPv4(239, 0, 0, 1)
		m1 := &inbox{engine: engine}
		m2 := &inbox{engine: engine}
		outsider := &inbox{engine: engine}

		ep1 := network.Attach(udpAddr(10, 0, 0, 1, 9), mask, m1)
		ep2 := network.Attach(udpAddr(10, 0, 0, 2, 9), mask, m2)
		network.Attach(udpAddr(10, 0, 0, 3, 9), mask, outsider)
		sender := network.Attach(udpAddr(10, 0, 0, 4, 4000), mask, &inbox{engine: engine})

		Expect(ep1.JoinGroup(group)).To(Succeed())
		Expect(ep2.JoinGroup(group)).To(Succeed())
		Expect(ep2.JoinGroup(group)).To(Succeed())
		Expect(ep1.JoinGroup(net.IPv4(10, 0, 0, 5))).NotTo(Succeed())

		Expect(sender.Send(&transport.Datagram{
			Payload: []byte("x"),
			Dst:     &net.UDPAddr{IP: group, Port: 9},
		})).To(Succeed())
		Expect(engine.Run()).To(Succeed())

		Expect(m1.got).To(HaveLen(1))
		Expect(m2.got).To(HaveLen(1))
		Expect(outsider.got).To(BeEmpty())
	})

	It("should keep TTL-1 datagrams inside the sender's subnet", func() {
		near := &inbox{engine: engine}
		far := &inbox{engine: engine}
		sender := network.Attach(udpAddr(10, 0, 0, 1, 9), mask, &inbox{engine: engine})
		network.Attach(udpAddr(10, 0, 0, 254, 276), mask, near)
		network.Attach(udpAddr(10, 0, 1, 254, 276), mask, far)

		Expect(sender.Send(&transport.Datagram{
			Dst: udpAddr(10, 0, 0, 254, 276), TTL: 1,
		})).To(Succeed())
		Expect(sender.Send(&transport.Datagram{
			Dst: udpAddr(10, 0, 1, 254, 276), TTL: 1,
		})).To(Succeed())
		Expect(engine.Run()).To(Succeed())

		Expect(near.got).To(HaveLen(1))
		Expect(far.got).To(BeEmpty())
	})

	It("should drop datagrams to endpoints closed in flight", func() {
		dropped := 0
		network.AcceptHook(hooking.HookFunc(func(ctx hooking.HookCtx) {
			if ctx.Pos == HookPosDrop {
				dropped++
			}
		}))

		dst := &inbox{engine: engine}
		sender := network.Attach(udpAddr(10, 0, 0, 1, 9), mask, &inbox{engine: engine})
		dstEP := network.Attach(udpAddr(10, 0, 0, 2, 9), mask, dst)

		Expect(sender.Send(&transport.Datagram{Dst: dstEP.Addr()})).To(Succeed())
		Expect(dstEP.Close()).To(Succeed())
		Expect(engine.Run()).To(Succeed())

		Expect(dst.got).To(BeEmpty())
		Expect(dropped).To(Equal(1))

		err := dstEP.Send(&transport.Datagram{Dst: sender.Addr()})
		Expect(errors.Is(err, transport.ErrClosed)).To(BeTrue())
	})

	It("should panic when binding an address twice", func() {
		network.Attach(udpAddr(10, 0, 0, 1, 9), mask, &inbox{engine: engine})

		Expect(func() {
			network.Attach(udpAddr(10, 0, 0, 1, 9), mask, &inbox{engine: engine})
		}).To(Panic())
	})
})
