package timing

import (
	"github.com/sarchlab/qserver/sim/hooking"
)

// TimeTeller can be used to get the current time.
type TimeTeller interface {
	Now() VTimeInSec
}

// EventScheduler can be used to schedule future events.
type EventScheduler interface {
	TimeTeller

	// Schedule registers an event to be handled at its time.
	Schedule(e Event)

	// Cancel prevents a scheduled event from being handled. Cancelling an
	// event that has already been handled, or was never scheduled, does
	// nothing.
	Cancel(e Event)
}

// An Engine is a unit that keeps the discrete event simulation run.
type Engine interface {
	hooking.Hookable
	EventScheduler

	// Run will process all the events until the simulation finishes
	Run() error

	// Pause will pause the simulation until continue is called.
	Pause()

	// Continue will continue the paused simulation
	Continue()
}

// ScheduleAfter schedules the event built by build at delay seconds from now
// and returns it, so that the caller can keep it as a cancellation handle.
func ScheduleAfter(
	s EventScheduler,
	delay VTimeInSec,
	build func(t VTimeInSec) Event,
) Event {
	if delay < 0 {
		delay = 0
	}

	evt := build(s.Now() + delay)
	s.Schedule(evt)

	return evt
}
