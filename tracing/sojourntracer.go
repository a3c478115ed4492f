package tracing

import (
	"math"
	"sync"

	"github.com/sarchlab/qserver/server"
	"github.com/sarchlab/qserver/sim/hooking"
	"github.com/sarchlab/qserver/sim/timing"
)

// SojournTracer keeps the mean and maximum time requests spend in a server,
// from arrival to departure. Dropped requests are not counted.
type SojournTracer struct {
	lock  sync.Mutex
	count uint64
	mean  timing.VTimeInSec
	max   timing.VTimeInSec
}

// NewSojournTracer creates a SojournTracer.
func NewSojournTracer() *SojournTracer {
	return &SojournTracer{}
}

// Func updates the statistics on each departure.
func (t *SojournTracer) Func(ctx hooking.HookCtx) {
	if ctx.Pos != server.HookPosDeparture {
		return
	}

	sojourn := ctx.Detail.(server.DepartureDetail).Sojourn

	t.lock.Lock()
	t.mean = (t.mean*float64(t.count) + sojourn) / float64(t.count+1)
	t.max = math.Max(t.max, sojourn)
	t.count++
	t.lock.Unlock()
}

// Count returns the number of departures seen.
func (t *SojournTracer) Count() uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.count
}

// Mean returns the mean sojourn time.
func (t *SojournTracer) Mean() timing.VTimeInSec {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.mean
}

// Max returns the longest sojourn time.
func (t *SojournTracer) Max() timing.VTimeInSec {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.max
}
