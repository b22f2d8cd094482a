// Package logrusadapter bridges github.com/sirupsen/logrus to the
// ratelimiter logging interfaces.
package logrusadapter

import (
	"github.com/sirupsen/logrus"

	"github.com/quotaflow/quotaflow/ratelimiter"
)

// LogrusLogger implements ratelimiter.DecisionLogger using logrus.
// Decisions are emitted with logrus fields.
type LogrusLogger struct {
	entry *logrus.Entry
}

// New creates a LogrusLogger. A nil argument falls back to the standard
// logrus logger.
func New(l *logrus.Logger) *LogrusLogger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &LogrusLogger{entry: logrus.NewEntry(l)}
}

// Debugf logs a debug-level message.
func (l *LogrusLogger) Debugf(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

// Errorf logs an error-level message.
func (l *LogrusLogger) Errorf(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}

// Decision logs one admit/deny outcome with logrus fields.
func (l *LogrusLogger) Decision(res ratelimiter.Result) {
	l.entry.WithFields(logrus.Fields{
		"allowed":   res.Allowed,
		"key":       res.Key,
		"remaining": res.Remaining,
		"limit":     res.Limit,
		"reset_at":  res.ResetAt,
	}).Debug("rate limit decision")
}
