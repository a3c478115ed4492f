// Package advert encodes the load advertisement a server periodically sends
// to its upstream router: a routing header followed by one server record
// carrying the service rate (mue), the arrival rate (lambda), and the
// server's address and net mask.
package advert

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
)

// Port is the UDP port upstream routers listen on for advertisements.
const Port = 276

// Size is the encoded size of a Message.
const Size = headerSize + recordSize

const (
	headerSize = 8
	recordSize = 16
)

// ErrMalformed is returned when a buffer does not hold a complete message.
var ErrMalformed = errors.New("malformed advertisement")

// Command identifies the routing message type.
type Command uint8

// CommandSRC marks a server-to-router communication message.
const CommandSRC Command = 0x03

// RouteUpdate tells whether the message carries a route update.
type RouteUpdate uint8

// RouteUpdateNo means the message carries no route update.
const RouteUpdateNo RouteUpdate = 0x00

// TableRequest selects which routing table is requested.
type TableRequest uint8

// TableRequestNone means no table is requested.
const TableRequestNone TableRequest = 0x00

// AuthType selects the authentication scheme.
type AuthType uint8

// AuthPlainText carries the auth data in clear.
const AuthPlainText AuthType = 0x02

// DefaultAuthData is the shared secret servers announce with.
const DefaultAuthData uint32 = 1234

// Message is one advertisement.
type Message struct {
	Command      Command
	RouteUpdate  RouteUpdate
	TableRequest TableRequest
	AuthType     AuthType
	AuthData     uint32

	Mue           uint32
	Lambda        uint32
	ServerAddress net.IP
	NetMask       net.IPMask
}

// New builds a server-to-router message from the current rates. Rates are
// truncated toward zero and clamped to the uint32 range.
func New(
	serviceRate, arrivalRate float64,
	addr net.IP,
	mask net.IPMask,
) Message {
	return Message{
		Command:       CommandSRC,
		RouteUpdate:   RouteUpdateNo,
		TableRequest:  TableRequestNone,
		AuthType:      AuthPlainText,
		AuthData:      DefaultAuthData,
		Mue:           truncate(serviceRate),
		Lambda:        truncate(arrivalRate),
		ServerAddress: addr,
		NetMask:       mask,
	}
}

func truncate(rate float64) uint32 {
	switch {
	case math.IsNaN(rate) || rate <= 0:
		return 0
	case rate >= math.MaxUint32:
		return math.MaxUint32
	default:
		return uint32(rate)
	}
}

// Marshal encodes m. The server address and mask must be IPv4.
func (m Message) Marshal() ([]byte, error) {
	addr := m.ServerAddress.To4()
	if addr == nil && m.ServerAddress != nil {
		return nil, fmt.Errorf("server address %s is not IPv4", m.ServerAddress)
	}

	if addr == nil {
		addr = net.IPv4zero.To4()
	}

	mask := m.NetMask
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}

	if mask == nil {
		mask = net.CIDRMask(0, 32)
	}

	if len(mask) != net.IPv4len {
		return nil, fmt.Errorf("net mask %s is not IPv4", m.NetMask)
	}

	b := make([]byte, Size)
	b[0] = uint8(m.Command)
	b[1] = uint8(m.RouteUpdate)
	b[2] = uint8(m.TableRequest)
	b[3] = uint8(m.AuthType)
	binary.BigEndian.PutUint32(b[4:8], m.AuthData)
	binary.BigEndian.PutUint32(b[8:12], m.Mue)
	binary.BigEndian.PutUint32(b[12:16], m.Lambda)
	copy(b[16:20], addr)
	copy(b[20:24], mask)

	return b, nil
}

// Unmarshal decodes a message produced by Marshal.
func Unmarshal(b []byte) (Message, error) {
	if len(b) < Size {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrMalformed, len(b))
	}

	m := Message{
		Command:       Command(b[0]),
		RouteUpdate:   RouteUpdate(b[1]),
		TableRequest:  TableRequest(b[2]),
		AuthType:      AuthType(b[3]),
		AuthData:      binary.BigEndian.Uint32(b[4:8]),
		Mue:           binary.BigEndian.Uint32(b[8:12]),
		Lambda:        binary.BigEndian.Uint32(b[12:16]),
		ServerAddress: net.IPv4(b[16], b[17], b[18], b[19]).To4(),
		NetMask:       net.IPv4Mask(b[20], b[21], b[22], b[23]),
	}

	if m.Command != CommandSRC {
		return Message{}, fmt.Errorf(
			"%w: unexpected command %d", ErrMalformed, m.Command)
	}

	return m, nil
}
