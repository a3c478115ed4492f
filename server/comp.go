// Package server implements a single-queue request/reply node. Requests are
// buffered in arrival order and answered by a departure process whose
// exponential service time follows the capacity and the observed average
// packet size.
package server

import (
	"math"
	"net"
	"reflect"
	"sync"

	"go.uber.org/zap"

	"github.com/sarchlab/qserver/header"
	"github.com/sarchlab/qserver/sim/hooking"
	"github.com/sarchlab/qserver/sim/queueing"
	"github.com/sarchlab/qserver/sim/timing"
	"github.com/sarchlab/qserver/transport"
)

// HookPosArrival marks when a request enters the buffer.
var HookPosArrival = &hooking.HookPos{Name: "Server Arrival"}

// HookPosDeparture marks when a reply is handed to the transport.
var HookPosDeparture = &hooking.HookPos{Name: "Server Departure"}

// HookPosDrop marks when a dequeued request is discarded.
var HookPosDrop = &hooking.HookPos{Name: "Server Drop"}

// HookPosAnnounce marks when a stats advertisement is sent.
var HookPosAnnounce = &hooking.HookPos{Name: "Server Announce"}

// HookPosSendFailure marks when the transport refuses a datagram.
var HookPosSendFailure = &hooking.HookPos{Name: "Server Send Failure"}

// DepartureDetail is the hook detail of HookPosDeparture.
type DepartureDetail struct {
	Reply   header.Record
	Sojourn timing.VTimeInSec
}

// A Rand draws uniform numbers in [0, 1).
type Rand interface {
	Float64() float64
}

type departureEvent struct {
	*timing.EventBase
}

// ServiceRate returns the departures per second that a server with the given
// capacity in bit/s sustains for packets of avgPacketSize bytes. It is 0 when
// the average size is not positive.
func ServiceRate(capacity, avgPacketSize float64) float64 {
	if avgPacketSize <= 0 {
		return 0
	}

	return capacity / (avgPacketSize * 8)
}

// Comp is the queueing server.
//
// Arrivals, departures and announcements run on the engine goroutine. The
// read accessors may be called from any goroutine.
type Comp struct {
	hooking.HookableBase

	name      string
	engine    timing.EventScheduler
	sender    transport.Sender
	rand      Rand
	logger    *zap.Logger
	capacity  float64
	buffer    queueing.Buffer
	announcer *Announcer

	lock          sync.RWMutex
	state         State
	received      uint64
	sent          uint64
	dropped       uint64
	sendFailures  uint64
	queueLength   int
	avgPacketSize float64
	serviceRate   float64

	nextDeparture timing.Event
}

// Name returns the name of the server.
func (c *Comp) Name() string {
	return c.name
}

// Buffer returns the request buffer.
func (c *Comp) Buffer() queueing.Buffer {
	return c.buffer
}

// Announcer returns the stats announcer.
func (c *Comp) Announcer() *Announcer {
	return c.announcer
}

// HandleDatagram accepts a datagram from the transport.
func (c *Comp) HandleDatagram(d *transport.Datagram) {
	d.StripTags()
	c.HandleArrival(d.Payload, d.Src)
}

// HandleArrival buffers a request whose reply goes to src. The first arrival
// starts the departure loop and the announcer.
func (c *Comp) HandleArrival(payload []byte, src net.Addr) {
	now := c.engine.Now()

	c.lock.Lock()
	if c.state == StateStopped {
		c.lock.Unlock()
		c.logger.Debug("ignoring arrival after stop",
			zap.String("from", addrString(src)),
			zap.Int("size", len(payload)))

		return
	}

	n := float64(c.received)
	c.avgPacketSize = (c.avgPacketSize*n + float64(len(payload))) / (n + 1)
	c.received++
	c.queueLength++

	bootstrap := c.state == StateIdle
	if bootstrap {
		c.state = StateRunning
	}
	c.lock.Unlock()

	entry := QueueEntry{Payload: payload, Destination: src, ArrivedAt: now}
	c.buffer.Push(entry)

	c.InvokeHook(hooking.HookCtx{
		Domain: c,
		Now:    now,
		Pos:    HookPosArrival,
		Item:   entry,
	})

	switch {
	case bootstrap:
		c.logger.Info("server started",
			zap.String("server", c.name), zap.Float64("time", now))
		c.serve(now)
		c.announcer.start(now)
	case c.nextDeparture == nil:
		c.serve(now)
	}
}

// Handle runs the departure loop.
func (c *Comp) Handle(e timing.Event) error {
	switch e := e.(type) {
	case departureEvent:
		c.serve(e.Time())
	default:
		panic("server: cannot handle event of type " +
			reflect.TypeOf(e).String())
	}

	return nil
}

// serve is one turn of the departure loop: it serves the head of the buffer
// and arms the next turn. With a zero service rate the loop parks until the
// next arrival.
func (c *Comp) serve(now timing.VTimeInSec) {
	c.nextDeparture = nil

	c.lock.Lock()
	if c.state != StateRunning {
		c.lock.Unlock()
		return
	}

	rate := ServiceRate(c.capacity, c.avgPacketSize)
	c.serviceRate = rate
	pending := c.queueLength
	c.lock.Unlock()

	if rate <= 0 {
		c.logger.Debug("departure loop parked",
			zap.String("server", c.name), zap.Float64("time", now))

		return
	}

	interval := c.drawInterval(rate)

	if pending > 0 {
		c.depart(now)
	}

	if c.State() != StateRunning {
		return
	}

	c.nextDeparture = timing.ScheduleAfter(c.engine, interval,
		func(t timing.VTimeInSec) timing.Event {
			return departureEvent{timing.NewEventBase(t, c)}
		})
}

// drawInterval draws an exponential inter-departure time.
func (c *Comp) drawInterval(rate float64) timing.VTimeInSec {
	u := c.rand.Float64()
	for u <= 0 {
		u = c.rand.Float64()
	}

	return -math.Log(u) / rate
}

func (c *Comp) depart(now timing.VTimeInSec) {
	entry := c.buffer.Pop().(QueueEntry)

	c.lock.Lock()
	c.queueLength--
	c.lock.Unlock()

	req, rest, err := header.Strip(entry.Payload)
	if err != nil {
		c.lock.Lock()
		c.dropped++
		c.lock.Unlock()

		c.logger.Warn("dropping request",
			zap.String("from", addrString(entry.Destination)),
			zap.Int("size", len(entry.Payload)),
			zap.Error(err))

		c.InvokeHook(hooking.HookCtx{
			Domain: c,
			Now:    now,
			Pos:    HookPosDrop,
			Item:   entry,
			Detail: err,
		})

		return
	}

	reply := req.AsReply()
	d := &transport.Datagram{
		Payload: header.Prepend(reply, rest),
		Dst:     entry.Destination,
	}

	if err := c.sender.Send(d); err != nil {
		c.sendFailed(now, d, err)
		return
	}

	c.lock.Lock()
	c.sent++
	c.lock.Unlock()

	c.InvokeHook(hooking.HookCtx{
		Domain: c,
		Now:    now,
		Pos:    HookPosDeparture,
		Item:   entry,
		Detail: DepartureDetail{Reply: reply, Sojourn: now - entry.ArrivedAt},
	})
}

func (c *Comp) sendFailed(
	now timing.VTimeInSec,
	d *transport.Datagram,
	err error,
) {
	c.lock.Lock()
	c.sendFailures++
	c.lock.Unlock()

	c.logger.Warn("send failed",
		zap.String("server", c.name),
		zap.String("to", addrString(d.Dst)),
		zap.Int("size", d.Size()),
		zap.Error(err))

	c.InvokeHook(hooking.HookCtx{
		Domain: c,
		Now:    now,
		Pos:    HookPosSendFailure,
		Item:   d,
		Detail: err,
	})
}

// Stop cancels the departure loop and the announcer. Later arrivals are
// ignored. Stop must run on the engine goroutine or after the engine has
// returned.
func (c *Comp) Stop() {
	c.lock.Lock()
	if c.state == StateStopped {
		c.lock.Unlock()
		return
	}

	c.state = StateStopped
	c.lock.Unlock()

	if c.nextDeparture != nil {
		c.engine.Cancel(c.nextDeparture)
		c.nextDeparture = nil
	}

	c.announcer.stop()

	c.logger.Info("server stopped",
		zap.String("server", c.name),
		zap.Uint64("received", c.Received()),
		zap.Uint64("sent", c.Sent()),
		zap.Int("queue_length", c.QueueLength()))
}

// State returns the lifecycle state.
func (c *Comp) State() State {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.state
}

// ArrivalRate returns the received count divided by the elapsed time, or 0
// before any time has passed.
func (c *Comp) ArrivalRate() float64 {
	now := c.engine.Now()

	c.lock.RLock()
	defer c.lock.RUnlock()

	return arrivalRate(c.received, now)
}

func arrivalRate(received uint64, now timing.VTimeInSec) float64 {
	if now <= 0 {
		return 0
	}

	return float64(received) / now
}

// ServiceRate returns the service rate computed by the latest turn of the
// departure loop.
func (c *Comp) ServiceRate() float64 {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.serviceRate
}

// AvgPacketSize returns the running mean request size in bytes.
func (c *Comp) AvgPacketSize() float64 {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.avgPacketSize
}

// Received returns the number of accepted requests.
func (c *Comp) Received() uint64 {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.received
}

// Sent returns the number of replies handed to the transport.
func (c *Comp) Sent() uint64 {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.sent
}

// Dropped returns the number of requests discarded for a malformed header.
func (c *Comp) Dropped() uint64 {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.dropped
}

// SendFailures returns the number of datagrams the transport refused.
func (c *Comp) SendFailures() uint64 {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.sendFailures
}

// QueueLength returns the number of buffered requests.
func (c *Comp) QueueLength() int {
	c.lock.RLock()
	defer c.lock.RUnlock()

	return c.queueLength
}

// Stats returns all counters and rates at once.
func (c *Comp) Stats() Stats {
	now := c.engine.Now()

	c.lock.RLock()
	defer c.lock.RUnlock()

	return Stats{
		State:         c.state,
		Received:      c.received,
		Sent:          c.sent,
		Dropped:       c.dropped,
		SendFailures:  c.sendFailures,
		QueueLength:   c.queueLength,
		AvgPacketSize: c.avgPacketSize,
		ArrivalRate:   arrivalRate(c.received, now),
		ServiceRate:   c.serviceRate,
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return "<nil>"
	}

	return a.String()
}
