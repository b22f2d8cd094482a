// Package logadapter bridges the standard library log package to the
// ratelimiter logging interfaces.
package logadapter

import (
	"log"
	"time"

	"github.com/quotaflow/quotaflow/ratelimiter"
)

// StdLogger implements ratelimiter.DecisionLogger on top of a *log.Logger.
// Decisions are rendered as a single key=value line.
type StdLogger struct {
	logger *log.Logger
}

// New creates a StdLogger. A nil argument falls back to log.Default().
func New(l *log.Logger) *StdLogger {
	if l == nil {
		l = log.Default()
	}
	return &StdLogger{logger: l}
}

// Debugf logs a debug-level message.
func (s *StdLogger) Debugf(format string, args ...interface{}) {
	s.logger.Printf("[DEBUG] "+format, args...)
}

// Errorf logs an error-level message.
func (s *StdLogger) Errorf(format string, args ...interface{}) {
	s.logger.Printf("[ERROR] "+format, args...)
}

// Decision logs one admit/deny outcome.
func (s *StdLogger) Decision(res ratelimiter.Result) {
	s.logger.Printf("[DEBUG] rate limit decision key=%s allowed=%t remaining=%d limit=%d reset_at=%s",
		res.Key, res.Allowed, res.Remaining, res.Limit, res.ResetAt.UTC().Format(time.RFC3339))
}
