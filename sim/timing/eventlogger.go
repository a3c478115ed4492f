package timing

import (
	"reflect"

	"github.com/sarchlab/qserver/sim/hooking"
	"go.uber.org/zap"
)

// EventLogger is an hook that prints the event information
type EventLogger struct {
	logger *zap.Logger
}

// NewEventLogger returns a new EventLogger which will write in to the logger
func NewEventLogger(logger *zap.Logger) *EventLogger {
	h := new(EventLogger)

	h.logger = logger

	return h
}

type named interface {
	Name() string
}

// Func writes the event information into the logger
func (h *EventLogger) Func(ctx hooking.HookCtx) {
	if ctx.Pos != HookPosBeforeEvent {
		return
	}

	evt, ok := ctx.Item.(Event)
	if !ok {
		return
	}

	handlerName := "-"
	if n, ok := evt.Handler().(named); ok {
		handlerName = n.Name()
	}

	h.logger.Debug("event",
		zap.Float64("time", evt.Time()),
		zap.String("type", reflect.TypeOf(evt).String()),
		zap.String("handler", handlerName),
	)
}
