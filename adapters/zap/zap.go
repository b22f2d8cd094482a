// Package zapadapter bridges go.uber.org/zap to the ratelimiter logging
// interfaces.
package zapadapter

import (
	"go.uber.org/zap"

	"github.com/quotaflow/quotaflow/ratelimiter"
)

// ZapLogger implements ratelimiter.DecisionLogger using zap. Formatted
// messages go through the sugared logger; decisions are emitted with typed
// zap fields, so they stay queryable in structured sinks.
type ZapLogger struct {
	base  *zap.Logger
	sugar *zap.SugaredLogger
}

// New creates a ZapLogger from a zap.Logger. A nil argument falls back to
// zap.NewNop(), which discards all messages.
//
// Example:
//
//	limiter, err := ratelimiter.NewFixedWindow("api", store, 100, time.Minute,
//	    ratelimiter.WithLogger(zapadapter.New(logger)),
//	)
func New(l *zap.Logger) *ZapLogger {
	if l == nil {
		l = zap.NewNop()
	}
	return &ZapLogger{base: l, sugar: l.Sugar()}
}

// Debugf logs a debug-level message.
func (z *ZapLogger) Debugf(format string, args ...interface{}) {
	z.sugar.Debugf(format, args...)
}

// Errorf logs an error-level message.
func (z *ZapLogger) Errorf(format string, args ...interface{}) {
	z.sugar.Errorf(format, args...)
}

// Decision logs one admit/deny outcome with typed fields.
func (z *ZapLogger) Decision(res ratelimiter.Result) {
	z.base.Debug("rate limit decision",
		zap.Bool("allowed", res.Allowed),
		zap.String("key", res.Key),
		zap.Int64("remaining", res.Remaining),
		zap.Int64("limit", res.Limit),
		zap.Time("reset_at", res.ResetAt),
	)
}
