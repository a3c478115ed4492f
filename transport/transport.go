// Package transport defines the datagram contract between the server and the
// networks that carry its packets.
package transport

import (
	"errors"
	"net"
)

var (
	// ErrUnreachable is returned when no endpoint owns the destination.
	ErrUnreachable = errors.New("destination unreachable")

	// ErrClosed is returned when sending on a closed transport.
	ErrClosed = errors.New("transport closed")
)

// A Tag is transport-level metadata attached to a datagram on its way through
// a network. Receivers strip tags before they keep a payload.
type Tag struct {
	Key   string
	Value interface{}
}

// A Datagram is one unit of delivery.
type Datagram struct {
	Payload []byte
	Src     net.Addr
	Dst     net.Addr

	// TTL limits how many hops the datagram may travel. Zero means the
	// network default.
	TTL int

	Tags []Tag
}

// Size returns the payload length in bytes.
func (d *Datagram) Size() int {
	return len(d.Payload)
}

// AddTag attaches a tag.
func (d *Datagram) AddTag(key string, value interface{}) {
	d.Tags = append(d.Tags, Tag{Key: key, Value: value})
}

// Tag returns the value of the first tag with the given key.
func (d *Datagram) Tag(key string) (interface{}, bool) {
	for _, t := range d.Tags {
		if t.Key == key {
			return t.Value, true
		}
	}

	return nil, false
}

// StripTags removes all tags.
func (d *Datagram) StripTags() {
	d.Tags = nil
}

// A Sender sends datagrams. Send is fire-and-forget: a nil error only means
// the datagram was handed to the network.
type Sender interface {
	Send(d *Datagram) error
}

// A Receiver is notified once per inbound datagram.
type Receiver interface {
	HandleDatagram(d *Datagram)
}

// ReceiverFunc adapts a function to the Receiver interface.
type ReceiverFunc func(d *Datagram)

// HandleDatagram calls f(d).
func (f ReceiverFunc) HandleDatagram(d *Datagram) {
	f(d)
}

// IP returns the IP of a UDP or IP address, or nil.
func IP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP
	case *net.IPAddr:
		return a.IP
	default:
		return nil
	}
}

// IsMulticast reports whether addr identifies an IPv4 or IPv6 multicast
// group.
func IsMulticast(addr net.Addr) bool {
	ip := IP(addr)
	return ip != nil && ip.IsMulticast()
}

// IsIPv6 reports whether addr is an IPv6 address.
func IsIPv6(addr net.Addr) bool {
	ip := IP(addr)
	return ip != nil && ip.To4() == nil
}
