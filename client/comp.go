// Package client drives a server with a Poisson stream of requests and
// measures the round-trip time of the replies.
package client

import (
	"math"
	"net"
	"reflect"
	"sync"

	"go.uber.org/zap"

	"github.com/sarchlab/qserver/header"
	"github.com/sarchlab/qserver/sim/hooking"
	"github.com/sarchlab/qserver/sim/timing"
	"github.com/sarchlab/qserver/transport"
)

// HookPosRequest marks when a request is sent.
var HookPosRequest = &hooking.HookPos{Name: "Client Request"}

// HookPosReply marks when a reply is accepted. The hook detail is the round
// trip time.
var HookPosReply = &hooking.HookPos{Name: "Client Reply"}

// A Rand draws uniform numbers in [0, 1).
type Rand interface {
	Float64() float64
}

type requestEvent struct {
	*timing.EventBase
}

// Comp sends requests and analyzes replies.
type Comp struct {
	hooking.HookableBase

	name        string
	engine      timing.EventScheduler
	sender      transport.Sender
	server      net.Addr
	rate        float64
	payloadSize int
	maxRequests uint64
	rand        Rand
	logger      *zap.Logger

	next    timing.Event
	stopped bool

	lock       sync.RWMutex
	sent       uint64
	failures   uint64
	replies    uint64
	malformed  uint64
	unexpected uint64
	rttSum     float64
	rttMax     float64
}

// Name returns the name of the client.
func (c *Comp) Name() string {
	return c.name
}

// Start schedules the first request one inter-request time from now.
func (c *Comp) Start() {
	if c.next != nil || c.stopped {
		return
	}

	c.arm()
}

// Stop cancels the pending request. Replies are still analyzed.
func (c *Comp) Stop() {
	c.stopped = true

	if c.next != nil {
		c.engine.Cancel(c.next)
		c.next = nil
	}
}

func (c *Comp) arm() {
	u := c.rand.Float64()
	for u <= 0 {
		u = c.rand.Float64()
	}

	c.next = timing.ScheduleAfter(c.engine, -math.Log(u)/c.rate,
		func(t timing.VTimeInSec) timing.Event {
			return requestEvent{timing.NewEventBase(t, c)}
		})
}

// Handle sends a request and arms the next one.
func (c *Comp) Handle(e timing.Event) error {
	switch e := e.(type) {
	case requestEvent:
		c.next = nil
		c.send(e.Time())

		if c.maxRequests > 0 && c.Sent()+c.Failures() >= c.maxRequests {
			c.stopped = true
			return nil
		}

		c.arm()
	default:
		panic("client: cannot handle event of type " +
			reflect.TypeOf(e).String())
	}

	return nil
}

func (c *Comp) send(now timing.VTimeInSec) {
	payload := make([]byte, c.payloadSize)
	copy(payload, header.Prepend(header.Record{
		SentTime: now,
		Kind:     header.Request,
		Analyzed: header.NotAnalyzed,
	}, nil))

	d := &transport.Datagram{Payload: payload, Dst: c.server}

	if err := c.sender.Send(d); err != nil {
		c.lock.Lock()
		c.failures++
		c.lock.Unlock()

		c.logger.Warn("request not sent",
			zap.String("client", c.name), zap.Error(err))

		return
	}

	c.lock.Lock()
	c.sent++
	c.lock.Unlock()

	c.InvokeHook(hooking.HookCtx{
		Domain: c,
		Now:    now,
		Pos:    HookPosRequest,
		Item:   d,
	})
}

// HandleDatagram analyzes a reply.
func (c *Comp) HandleDatagram(d *transport.Datagram) {
	d.StripTags()
	now := c.engine.Now()

	rec, _, err := header.Strip(d.Payload)
	if err != nil {
		c.lock.Lock()
		c.malformed++
		c.lock.Unlock()

		c.logger.Debug("malformed reply",
			zap.String("client", c.name), zap.Error(err))

		return
	}

	if rec.Kind != header.Reply {
		c.lock.Lock()
		c.unexpected++
		c.lock.Unlock()

		c.logger.Debug("unexpected packet kind",
			zap.String("client", c.name), zap.Stringer("kind", rec.Kind))

		return
	}

	rtt := math.Max(now-rec.SentTime, 0)

	c.lock.Lock()
	c.replies++
	c.rttSum += rtt
	c.rttMax = math.Max(c.rttMax, rtt)
	c.lock.Unlock()

	c.InvokeHook(hooking.HookCtx{
		Domain: c,
		Now:    now,
		Pos:    HookPosReply,
		Item:   d,
		Detail: rtt,
	})
}

// Sent returns the number of requests handed to the transport.
func (c *Comp) Sent() uint64 {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.sent
}

// Failures returns the number of requests the transport refused.
func (c *Comp) Failures() uint64 {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.failures
}

// Replies returns the number of replies received.
func (c *Comp) Replies() uint64 {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.replies
}

// Malformed returns the number of packets too short to carry a header.
func (c *Comp) Malformed() uint64 {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.malformed
}

// Unexpected returns the number of packets that were not replies.
func (c *Comp) Unexpected() uint64 {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.unexpected
}

// MeanRTT returns the mean round-trip time, or 0 without replies.
func (c *Comp) MeanRTT() timing.VTimeInSec {
	c.lock.RLock()
	defer c.lock.RUnlock()

	if c.replies == 0 {
		return 0
	}

	return c.rttSum / float64(c.replies)
}

// MaxRTT returns the largest round-trip time seen.
func (c *Comp) MaxRTT() timing.VTimeInSec {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.rttMax
}
