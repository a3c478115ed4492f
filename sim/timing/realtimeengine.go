package timing

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sarchlab/qserver/sim/hooking"
)

// A RealTimeEngine dispatches events when the wall clock reaches their time.
// Time is measured in seconds since the engine was created. Events are
// handled one at a time on the goroutine that runs the engine, while any
// goroutine may schedule events.
//
// Events scheduled in the past are handled as soon as possible rather than
// rejected, because an external goroutine cannot read Now and schedule
// atomically.
type RealTimeEngine struct {
	hooking.HookableBase

	clock clock.Clock
	start time.Time

	queue   EventQueue
	cancels *cancelSet
	wakeup  chan struct{}
	stop    chan struct{}

	stopOnce sync.Once

	isPaused     bool
	isPausedLock sync.Mutex
	pauseLock    sync.Mutex

	singleRunLock sync.Mutex
}

// NewRealTimeEngine creates a RealTimeEngine that reads time from c. Pass
// clock.New() for the system clock or a clock.Mock in tests.
func NewRealTimeEngine(c clock.Clock) *RealTimeEngine {
	return &RealTimeEngine{
		clock:   c,
		start:   c.Now(),
		queue:   NewEventQueue(),
		cancels: newCancelSet(),
		wakeup:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
}

// Name returns the name of the engine.
func (e *RealTimeEngine) Name() string {
	return "RealTimeEngine"
}

// Now returns the seconds elapsed since the engine was created.
func (e *RealTimeEngine) Now() VTimeInSec {
	return e.clock.Since(e.start).Seconds()
}

// Schedule registers an event. It is safe to call from any goroutine.
func (e *RealTimeEngine) Schedule(evt Event) {
	e.cancels.scheduled(evt)
	e.queue.Push(evt)
	e.notify()
}

// Cancel prevents a scheduled event from being handled.
func (e *RealTimeEngine) Cancel(evt Event) {
	e.cancels.cancel(evt)
	e.notify()
}

func (e *RealTimeEngine) notify() {
	select {
	case e.wakeup <- struct{}{}:
	default:
	}
}

// Run dispatches events until Stop is called.
func (e *RealTimeEngine) Run() error {
	return e.RunContext(context.Background())
}

// RunContext dispatches events until Stop is called or ctx is done. It
// returns ctx.Err() when the context ends the run.
func (e *RealTimeEngine) RunContext(ctx context.Context) error {
	e.singleRunLock.Lock()
	defer e.singleRunLock.Unlock()

	for {
		evt := e.queue.Peek()
		if evt == nil {
			if err := e.waitFor(ctx, nil); err != nil || e.stopped() {
				return err
			}

			continue
		}

		wait := evt.Time() - e.Now()
		if wait > 0 {
			timer := e.clock.Timer(time.Duration(wait * float64(time.Second)))
			err := e.waitFor(ctx, timer.C)
			timer.Stop()

			if err != nil || e.stopped() {
				return err
			}

			continue
		}

		e.pauseLock.Lock()

		evt = e.queue.Pop()
		if evt != nil && e.cancels.popped(evt) {
			dispatch(e, &e.HookableBase, evt)
		}

		e.pauseLock.Unlock()
	}
}

// waitFor blocks until the timer fires, a new event is scheduled, the engine
// is stopped, or ctx is done.
func (e *RealTimeEngine) waitFor(
	ctx context.Context,
	timer <-chan time.Time,
) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stop:
	case <-e.wakeup:
	case <-timer:
	}

	return nil
}

func (e *RealTimeEngine) stopped() bool {
	select {
	case <-e.stop:
		return true
	default:
		return false
	}
}

// Stop makes Run return. Pending events are dropped.
func (e *RealTimeEngine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// Pause prevents the RealTimeEngine to trigger more events. Events whose time
// passes while paused are handled after Continue.
func (e *RealTimeEngine) Pause() {
	e.isPausedLock.Lock()
	defer e.isPausedLock.Unlock()

	if e.isPaused {
		return
	}

	e.pauseLock.Lock()
	e.isPaused = true
}

// Continue allows the RealTimeEngine to trigger more events.
func (e *RealTimeEngine) Continue() {
	e.isPausedLock.Lock()
	defer e.isPausedLock.Unlock()

	if !e.isPaused {
		return
	}

	e.pauseLock.Unlock()
	e.isPaused = false
}
