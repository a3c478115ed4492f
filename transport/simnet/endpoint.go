package simnet

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/sarchlab/qserver/transport"
)

// An Endpoint is a bound address on a Network. It implements
// transport.Sender.
type Endpoint struct {
	network *Network
	addr    *net.UDPAddr
	mask    net.IPMask
	recv    transport.Receiver
	closed  atomic.Bool
}

// Addr returns the bound address.
func (ep *Endpoint) Addr() *net.UDPAddr {
	return ep.addr
}

// Send hands d to the network. The payload is copied.
func (ep *Endpoint) Send(d *transport.Datagram) error {
	if ep.isClosed() {
		return fmt.Errorf("%w: %s", transport.ErrClosed, ep.addr)
	}

	return ep.network.send(ep, d)
}

// JoinGroup subscribes the endpoint to a multicast group on its own port.
func (ep *Endpoint) JoinGroup(group net.IP) error {
	if !group.IsMulticast() {
		return fmt.Errorf("simnet: %s is not a multicast address", group)
	}

	ep.network.joinGroup(ep, group)

	return nil
}

// Close unbinds the endpoint. Datagrams in flight to it are dropped.
func (ep *Endpoint) Close() error {
	if ep.closed.Swap(true) {
		return nil
	}

	ep.network.detach(ep)

	return nil
}

func (ep *Endpoint) isClosed() bool {
	return ep.closed.Load()
}

func (ep *Endpoint) sameSubnet(other *Endpoint) bool {
	if ep.mask == nil {
		return true
	}

	return ep.addr.IP.Mask(ep.mask).Equal(other.addr.IP.Mask(ep.mask))
}
