// Package header encodes the 6-byte metadata record that request and reply
// packets carry in front of their payload.
//
// Layout, network byte order:
//
//	[u32 sent time in ms][u8 kind][u8 analyzed]
package header

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/sarchlab/qserver/sim/timing"
)

// Size is the number of bytes an encoded Record occupies.
const Size = 6

// ErrMalformedHeader is returned when fewer than Size bytes are available.
var ErrMalformedHeader = errors.New("malformed header")

// Kind tells whether a packet is a request or a reply.
type Kind uint8

// Packet kinds.
const (
	Request Kind = 0x01
	Reply   Kind = 0x02
)

func (k Kind) String() string {
	switch k {
	case Request:
		return "Request"
	case Reply:
		return "Reply"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Status tells whether an intermediate node has inspected the packet.
type Status uint8

// Analysis statuses.
const (
	NotAnalyzed Status = 0x00
	Analyzed    Status = 0x01
)

func (s Status) String() string {
	switch s {
	case NotAnalyzed:
		return "NotAnalyzed"
	case Analyzed:
		return "Analyzed"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// Record is the per-packet metadata.
type Record struct {
	SentTime timing.VTimeInSec
	Kind     Kind
	Analyzed Status
}

// AsReply returns the record a server sends back for r: the sent time is
// kept, the kind becomes Reply and the packet is marked analyzed.
func (r Record) AsReply() Record {
	return Record{
		SentTime: r.SentTime,
		Kind:     Reply,
		Analyzed: Analyzed,
	}
}

// ToMillis converts seconds to the wire millisecond count, rounding half up.
// Negative values map to 0 and values beyond the uint32 range saturate.
func ToMillis(sec timing.VTimeInSec) uint32 {
	ms := math.Floor(sec*1000 + 0.5)

	switch {
	case math.IsNaN(ms) || ms <= 0:
		return 0
	case ms >= math.MaxUint32:
		return math.MaxUint32
	default:
		return uint32(ms)
	}
}

// FromMillis converts a wire millisecond count back to seconds.
func FromMillis(ms uint32) timing.VTimeInSec {
	return float64(ms) / 1000.0
}

// Encode serializes r.
func Encode(r Record) [Size]byte {
	var b [Size]byte

	binary.BigEndian.PutUint32(b[0:4], ToMillis(r.SentTime))
	b[4] = uint8(r.Kind)
	b[5] = uint8(r.Analyzed)

	return b
}

// AppendTo appends the encoding of r to dst.
func AppendTo(dst []byte, r Record) []byte {
	b := Encode(r)
	return append(dst, b[:]...)
}

// Decode reads a record from the front of b and returns it with the number of
// bytes consumed.
func Decode(b []byte) (Record, int, error) {
	if len(b) < Size {
		return Record{}, 0, fmt.Errorf(
			"%w: need %d bytes, have %d", ErrMalformedHeader, Size, len(b))
	}

	r := Record{
		SentTime: FromMillis(binary.BigEndian.Uint32(b[0:4])),
		Kind:     Kind(b[4]),
		Analyzed: Status(b[5]),
	}

	return r, Size, nil
}

// Strip decodes the record at the front of payload and returns it together
// with the bytes that follow it.
func Strip(payload []byte) (Record, []byte, error) {
	r, n, err := Decode(payload)
	if err != nil {
		return Record{}, nil, err
	}

	return r, payload[n:], nil
}

// Prepend returns a new slice holding the encoding of r followed by rest.
func Prepend(r Record, rest []byte) []byte {
	out := make([]byte, 0, Size+len(rest))
	out = AppendTo(out, r)

	return append(out, rest...)
}
