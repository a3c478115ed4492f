package server

import (
	"net"

	"github.com/sarchlab/qserver/sim/timing"
)

// A QueueEntry is one buffered request and the address its reply goes to.
type QueueEntry struct {
	Payload     []byte
	Destination net.Addr

	// ArrivedAt is when the request entered the buffer.
	ArrivedAt timing.VTimeInSec
}
