// Package zerologadapter bridges github.com/rs/zerolog to the ratelimiter
// logging interfaces.
package zerologadapter

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quotaflow/quotaflow/ratelimiter"
)

// ZerologLogger implements ratelimiter.DecisionLogger using zerolog.
// Decisions are emitted as zerolog events with typed fields.
type ZerologLogger struct {
	logger zerolog.Logger
}

// New creates a ZerologLogger. A nil argument falls back to zerolog's global
// logger.
func New(l *zerolog.Logger) *ZerologLogger {
	if l == nil {
		l = &log.Logger
	}
	return &ZerologLogger{logger: *l}
}

// Debugf logs a debug-level message.
func (z *ZerologLogger) Debugf(format string, args ...interface{}) {
	z.logger.Debug().Msgf(format, args...)
}

// Errorf logs an error-level message.
func (z *ZerologLogger) Errorf(format string, args ...interface{}) {
	z.logger.Error().Msgf(format, args...)
}

// Decision logs one admit/deny outcome with typed fields.
func (z *ZerologLogger) Decision(res ratelimiter.Result) {
	z.logger.Debug().
		Bool("allowed", res.Allowed).
		Str("key", res.Key).
		Int64("remaining", res.Remaining).
		Int64("limit", res.Limit).
		Time("reset_at", res.ResetAt).
		Msg("rate limit decision")
}
