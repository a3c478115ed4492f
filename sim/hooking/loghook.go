package hooking

import (
	"fmt"

	"go.uber.org/zap"
)

// LogHook writes every hook invocation it receives to a zap logger at debug
// level. Positions can be filtered with OnlyAt.
type LogHook struct {
	logger    *zap.Logger
	positions map[*HookPos]bool
}

// NewLogHook returns a LogHook that writes into the logger.
func NewLogHook(logger *zap.Logger) *LogHook {
	return &LogHook{
		logger:    logger,
		positions: make(map[*HookPos]bool),
	}
}

// OnlyAt restricts the hook to the given positions.
func (h *LogHook) OnlyAt(positions ...*HookPos) *LogHook {
	for _, p := range positions {
		h.positions[p] = true
	}

	return h
}

// Func writes the hook context into the logger.
func (h *LogHook) Func(ctx HookCtx) {
	if len(h.positions) > 0 && !h.positions[ctx.Pos] {
		return
	}

	fields := []zap.Field{
		zap.Float64("now", ctx.Now),
		zap.String("pos", ctx.Pos.Name),
		zap.String("item", fmt.Sprintf("%T", ctx.Item)),
	}

	if named, ok := ctx.Domain.(interface{ Name() string }); ok {
		fields = append(fields, zap.String("domain", named.Name()))
	}

	if ctx.Detail != nil {
		fields = append(fields, zap.Any("detail", ctx.Detail))
	}

	h.logger.Debug("hook", fields...)
}
