package simulation

import (
	"sync"

	"go.uber.org/zap"

	"github.com/sarchlab/qserver/advert"
	"github.com/sarchlab/qserver/transport"
)

// Upstream stands in for the router servers announce to. It decodes every
// advertisement it receives and keeps the latest one.
type Upstream struct {
	name   string
	logger *zap.Logger

	lock      sync.RWMutex
	received  uint64
	malformed uint64
	last      advert.Message
}

// Name returns the name of the upstream router.
func (u *Upstream) Name() string {
	return u.name
}

// HandleDatagram decodes one advertisement.
func (u *Upstream) HandleDatagram(d *transport.Datagram) {
	m, err := advert.Unmarshal(d.Payload)

	u.lock.Lock()
	defer u.lock.Unlock()

	if err != nil {
		u.malformed++
		u.logger.Debug("malformed advertisement", zap.Error(err))

		return
	}

	u.received++
	u.last = m
}

// Received returns the number of valid advertisements.
func (u *Upstream) Received() uint64 {
	u.lock.RLock()
	defer u.lock.RUnlock()

	return u.received
}

// Malformed returns the number of datagrams that failed to decode.
func (u *Upstream) Malformed() uint64 {
	u.lock.RLock()
	defer u.lock.RUnlock()

	return u.malformed
}

// Last returns the most recent advertisement.
func (u *Upstream) Last() advert.Message {
	u.lock.RLock()
	defer u.lock.RUnlock()

	return u.last
}
