// Package simnet is an in-simulation datagram network. Datagrams are
// delivered as engine events after a fixed one-way latency.
package simnet

import (
	"fmt"
	"net"
	"reflect"
	"sync"

	"github.com/sarchlab/qserver/sim/hooking"
	"github.com/sarchlab/qserver/sim/timing"
	"github.com/sarchlab/qserver/transport"
)

// TagRecvTime is attached to every delivered datagram and holds the
// simulated receive time.
const TagRecvTime = "simnet.recv-time"

// HookPosDeliver marks when a datagram is handed to a receiver.
var HookPosDeliver = &hooking.HookPos{Name: "Simnet Deliver"}

// HookPosDrop marks when a datagram is discarded at delivery time.
var HookPosDrop = &hooking.HookPos{Name: "Simnet Drop"}

type deliverEvent struct {
	*timing.EventBase
	dgram *transport.Datagram
	dst   *Endpoint
}

// Network connects endpoints.
type Network struct {
	hooking.HookableBase

	name    string
	engine  timing.EventScheduler
	latency timing.VTimeInSec

	lock      sync.Mutex
	endpoints map[string]*Endpoint
	groups    map[string][]*Endpoint
}

// Builder builds networks.
type Builder struct {
	engine  timing.EventScheduler
	latency timing.VTimeInSec
}

// MakeBuilder returns a builder with a 1 ms latency.
func MakeBuilder() Builder {
	return Builder{latency: 0.001}
}

// WithEngine sets the engine that delivers datagrams.
func (b Builder) WithEngine(engine timing.EventScheduler) Builder {
	b.engine = engine
	return b
}

// WithLatency sets the one-way latency in seconds.
func (b Builder) WithLatency(latency timing.VTimeInSec) Builder {
	b.latency = latency
	return b
}

// Build creates the network.
func (b Builder) Build(name string) *Network {
	if b.engine == nil {
		panic("simnet: engine is not set")
	}

	if b.latency < 0 {
		panic(fmt.Sprintf("simnet: negative latency %f", b.latency))
	}

	return &Network{
		name:      name,
		engine:    b.engine,
		latency:   b.latency,
		endpoints: make(map[string]*Endpoint),
		groups:    make(map[string][]*Endpoint),
	}
}

// Name returns the name of the network.
func (n *Network) Name() string {
	return n.name
}

// Attach binds an endpoint to addr. The mask, if not nil, defines the local
// subnet that TTL-1 datagrams from this endpoint may reach. Binding an
// address twice panics.
func (n *Network) Attach(
	addr *net.UDPAddr,
	mask net.IPMask,
	recv transport.Receiver,
) *Endpoint {
	n.lock.Lock()
	defer n.lock.Unlock()

	key := addr.String()
	if _, exists := n.endpoints[key]; exists {
		panic("simnet: address " + key + " already bound")
	}

	ep := &Endpoint{
		network: n,
		addr:    addr,
		mask:    mask,
		recv:    recv,
	}
	n.endpoints[key] = ep

	return ep
}

func (n *Network) joinGroup(ep *Endpoint, group net.IP) {
	n.lock.Lock()
	defer n.lock.Unlock()

	key := groupKey(group, ep.addr.Port)
	for _, member := range n.groups[key] {
		if member == ep {
			return
		}
	}

	n.groups[key] = append(n.groups[key], ep)
}

func (n *Network) detach(ep *Endpoint) {
	n.lock.Lock()
	defer n.lock.Unlock()

	delete(n.endpoints, ep.addr.String())

	for key, members := range n.groups {
		kept := members[:0]
		for _, m := range members {
			if m != ep {
				kept = append(kept, m)
			}
		}

		n.groups[key] = kept
	}
}

func groupKey(group net.IP, port int) string {
	return (&net.UDPAddr{IP: group, Port: port}).String()
}

func (n *Network) send(src *Endpoint, d *transport.Datagram) error {
	dst, ok := d.Dst.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("%w: %v is not a UDP address",
			transport.ErrUnreachable, d.Dst)
	}

	receivers := n.resolve(dst)
	if len(receivers) == 0 {
		return fmt.Errorf("%w: %s", transport.ErrUnreachable, dst)
	}

	now := n.engine.Now()
	for _, r := range receivers {
		if r == src && !transport.IsMulticast(dst) {
			continue
		}

		if d.TTL == 1 && !src.sameSubnet(r) {
			continue
		}

		copied := &transport.Datagram{
			Payload: append([]byte(nil), d.Payload...),
			Src:     src.addr,
			Dst:     dst,
			TTL:     d.TTL,
		}

		n.engine.Schedule(deliverEvent{
			EventBase: timing.NewEventBase(now+n.latency, n),
			dgram:     copied,
			dst:       r,
		})
	}

	return nil
}

func (n *Network) resolve(dst *net.UDPAddr) []*Endpoint {
	n.lock.Lock()
	defer n.lock.Unlock()

	if dst.IP.IsMulticast() {
		members := n.groups[groupKey(dst.IP, dst.Port)]
		return append([]*Endpoint(nil), members...)
	}

	if ep, ok := n.endpoints[dst.String()]; ok {
		return []*Endpoint{ep}
	}

	return nil
}

// Handle delivers datagrams.
func (n *Network) Handle(e timing.Event) error {
	switch e := e.(type) {
	case deliverEvent:
		n.deliver(e)
	default:
		panic("simnet: cannot handle event of type " +
			reflect.TypeOf(e).String())
	}

	return nil
}

func (n *Network) deliver(e deliverEvent) {
	ctx := hooking.HookCtx{
		Domain: n,
		Now:    e.Time(),
		Item:   e.dgram,
		Detail: e.dst.addr,
	}

	if e.dst.isClosed() {
		ctx.Pos = HookPosDrop
		n.InvokeHook(ctx)

		return
	}

	e.dgram.AddTag(TagRecvTime, e.Time())

	ctx.Pos = HookPosDeliver
	n.InvokeHook(ctx)

	e.dst.recv.HandleDatagram(e.dgram)
}
