package server

import (
	"net"
	"reflect"

	"go.uber.org/zap"

	"github.com/sarchlab/qserver/advert"
	"github.com/sarchlab/qserver/sim/hooking"
	"github.com/sarchlab/qserver/sim/timing"
	"github.com/sarchlab/qserver/transport"
)

// AnnounceTTL keeps advertisements on the local link.
const AnnounceTTL = 1

// AnnounceDetail is the hook detail of HookPosAnnounce.
type AnnounceDetail struct {
	Message  advert.Message
	Upstream net.Addr
}

type announceEvent struct {
	*timing.EventBase
}

// An Announcer periodically sends the rates of its server upstream.
type Announcer struct {
	comp     *Comp
	engine   timing.EventScheduler
	sender   transport.Sender
	logger   *zap.Logger
	period   timing.VTimeInSec
	upstream *net.UDPAddr
	address  net.IP
	mask     net.IPMask

	next      timing.Event
	announced uint64
}

// Period returns the time between two advertisements.
func (a *Announcer) Period() timing.VTimeInSec {
	return a.period
}

// Upstream returns where advertisements go, or nil if announcing is
// disabled.
func (a *Announcer) Upstream() *net.UDPAddr {
	return a.upstream
}

// Announced returns the number of advertisements handed to the transport.
func (a *Announcer) Announced() uint64 {
	a.comp.lock.RLock()
	defer a.comp.lock.RUnlock()

	return a.announced
}

// Handle sends an advertisement and arms the next one.
func (a *Announcer) Handle(e timing.Event) error {
	switch e := e.(type) {
	case announceEvent:
		a.next = nil
		a.announce(e.Time())
		a.arm()
	default:
		panic("server: announcer cannot handle event of type " +
			reflect.TypeOf(e).String())
	}

	return nil
}

func (a *Announcer) start(now timing.VTimeInSec) {
	if a.upstream == nil {
		a.logger.Info("no upstream configured, not announcing",
			zap.String("server", a.comp.name))

		return
	}

	a.announce(now)
	a.arm()
}

func (a *Announcer) arm() {
	if a.comp.State() != StateRunning {
		return
	}

	a.next = timing.ScheduleAfter(a.engine, a.period,
		func(t timing.VTimeInSec) timing.Event {
			return announceEvent{timing.NewEventBase(t, a)}
		})
}

func (a *Announcer) stop() {
	if a.next != nil {
		a.engine.Cancel(a.next)
		a.next = nil
	}
}

func (a *Announcer) announce(now timing.VTimeInSec) {
	msg := advert.New(
		a.comp.ServiceRate(), a.comp.ArrivalRate(), a.address, a.mask)

	payload, err := msg.Marshal()
	if err != nil {
		a.logger.Error("cannot encode advertisement",
			zap.String("server", a.comp.name), zap.Error(err))

		return
	}

	d := &transport.Datagram{
		Payload: payload,
		Dst:     a.upstream,
		TTL:     AnnounceTTL,
	}

	if err := a.sender.Send(d); err != nil {
		a.comp.sendFailed(now, d, err)
		return
	}

	a.comp.lock.Lock()
	a.announced++
	a.comp.lock.Unlock()

	a.logger.Debug("announced",
		zap.String("server", a.comp.name),
		zap.Uint32("mue", msg.Mue),
		zap.Uint32("lambda", msg.Lambda),
		zap.Stringer("upstream", a.upstream))

	a.comp.InvokeHook(hooking.HookCtx{
		Domain: a.comp,
		Now:    now,
		Pos:    HookPosAnnounce,
		Item:   d,
		Detail: AnnounceDetail{Message: msg, Upstream: a.upstream},
	})
}
