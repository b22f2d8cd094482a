package ratelimiter

// Logger is the interface used for logging inside the rate limiter.
//
// Implement this interface to provide your own logging backend, or use one of
// the adapters (adapters/log, adapters/zap, adapters/zerolog, adapters/logrus).
//
// Example:
//
//	type MyLogger struct{}
//	func (l *MyLogger) Debugf(format string, args ...interface{}) { ... }
//	func (l *MyLogger) Errorf(format string, args ...interface{}) { ... }
type Logger interface {
	Debugf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// DecisionLogger is an optional extension of Logger. A logger that also
// implements it receives every admit/deny outcome as a structured record,
// in addition to the formatted Debugf/Errorf messages. The adapter packages
// implement it with their backend's native structured fields (zap fields,
// zerolog events, logrus fields).
type DecisionLogger interface {
	Logger
	Decision(Result)
}

// noopLogger is the default logger; it discards everything, so hot paths
// never need a nil check.
type noopLogger struct{}

func (l *noopLogger) Debugf(format string, args ...interface{}) {}
func (l *noopLogger) Errorf(format string, args ...interface{}) {}
