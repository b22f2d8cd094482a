package ratelimiter

import (
	"time"

	"github.com/quotaflow/quotaflow/internal/clock"
)

// Option configures a limiter at construction time.
//
// Example:
//
//	limiter, err := ratelimiter.NewTokenBucket("api", store, 100, 10,
//	    ratelimiter.WithStateTTL(10*time.Minute),
//	    ratelimiter.WithLogger(myLogger),
//	)
type Option func(*settings)

// settings carries the configuration shared by all limiter kinds.
type settings struct {
	ttl      time.Duration // 0 means the algorithm's default
	failOpen bool
	logger   Logger
	clk      clock.Clock
	onAllow  func(Result)
	onDeny   func(Result)
}

func newSettings(opts ...Option) settings {
	s := settings{
		logger: &noopLogger{},
		clk:    clock.New(),
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// effectiveTTL resolves the configured state TTL against an algorithm's
// default and floor. A user-supplied TTL is never allowed to drop below the
// floor (one window), so live state cannot expire mid-window.
func (s *settings) effectiveTTL(def, floor time.Duration) time.Duration {
	ttl := s.ttl
	if ttl <= 0 {
		ttl = def
	}
	if ttl < floor {
		ttl = floor
	}
	return ttl
}

// WithStateTTL overrides the default TTL applied to stored algorithm state.
// Defaults per algorithm: token bucket 5 minutes, leaky bucket 1 hour, fixed
// window one window, sliding window twice the window. The TTL is clamped so
// it never falls below one window.
func WithStateTTL(ttl time.Duration) Option {
	return func(s *settings) {
		s.ttl = ttl
	}
}

// WithFailOpen makes the limiter admit requests when the backing store is
// unavailable, instead of surfacing ErrStorageUnavailable. The failure is
// still logged. The default is fail-closed.
func WithFailOpen() Option {
	return func(s *settings) {
		s.failOpen = true
	}
}

// WithLogger sets the logger used for recovered corruption and storage
// failures. The default discards all messages.
func WithLogger(l Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithOnAllow registers a callback invoked after every allowed decision.
// Useful for metrics (see adapters/prometheus). The callback runs on the
// caller's goroutine while the per-key section is held; keep it cheap.
func WithOnAllow(fn func(Result)) Option {
	return func(s *settings) {
		s.onAllow = fn
	}
}

// WithOnDeny registers a callback invoked after every denied decision.
func WithOnDeny(fn func(Result)) Option {
	return func(s *settings) {
		s.onDeny = fn
	}
}

// withClock substitutes the time source. Tests use this with a mock clock;
// production code always runs on the real clock.
func withClock(c clock.Clock) Option {
	return func(s *settings) {
		if c != nil {
			s.clk = c
		}
	}
}

// notify dispatches a finished decision to the registered callbacks and,
// when the configured logger understands structured decisions, to the logger
// as well. Shared by all algorithm implementations.
func (s *settings) notify(res Result) {
	if res.Allowed {
		if s.onAllow != nil {
			s.onAllow(res)
		}
	} else if s.onDeny != nil {
		s.onDeny(res)
	}

	if dl, ok := s.logger.(DecisionLogger); ok {
		dl.Decision(res)
	}
}
