package ratelimiter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// FixedWindowLimiter implements the "Fixed Window" rate-limiting algorithm.
//
// Time is divided into tumbling windows of fixed length; each window gets its
// own counter key, so an old window's counter simply expires via TTL and a
// new window starts cold. The algorithm is simple and cheap but exhibits the
// canonical fixed-window edge: up to twice the limit can be observed across a
// window boundary.
//
// Example usage:
//
//	limiter, err := ratelimiter.NewFixedWindow("api", store, 100, time.Minute)
//	result, err := limiter.Allow(ctx, "user:123", 1)
type FixedWindowLimiter struct {
	base
	limit int64
	ttl   time.Duration
}

// NewFixedWindow creates a fixed-window limiter.
//
//   - name: policy name, used in storage keys; must not be blank
//   - store: the storage backend
//   - limit: maximum permits per window; must be > 0
//   - window: window length; must be > 0
func NewFixedWindow(name string, store Store, limit int64, window time.Duration, opts ...Option) (*FixedWindowLimiter, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := validateStore(store); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, &ConfigError{Field: "limit", Value: limit, Reason: "must be > 0", Err: ErrOutOfRange}
	}
	if window <= 0 {
		return nil, &ConfigError{Field: "window", Value: window, Reason: "must be > 0", Err: ErrOutOfRange}
	}

	s := newSettings(opts...)

	return &FixedWindowLimiter{
		base:  newBase(name, store, limit, window, s),
		limit: limit,
		ttl:   s.effectiveTTL(window, window),
	}, nil
}

func (l *FixedWindowLimiter) Algorithm() Algorithm {
	return FixedWindow
}

func (l *FixedWindowLimiter) Parameters() map[string]float64 {
	return nil
}

// Allow increments the current window's counter by permits and admits iff the
// result stays within the limit. The increment is the single atomic decision
// point, so admits from different processes sharing a store are ordered by
// the store's native increment; a result over the limit is refunded and
// denied, which can transiently over-count (a spurious deny at worst, never
// an over-admit).
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string, permits int64) (Result, error) {
	if err := invalidParams(key, permits); err != nil {
		return Result{}, err
	}

	// The section key excludes the window id so local contenders on the
	// same caller key serialize across window boundaries too.
	sectionKey := bucketKey("fixedwindow", l.name, key)
	if err := l.acquire(ctx, sectionKey); err != nil {
		return Result{}, err
	}
	defer l.keys.Release(sectionKey)

	now := l.clk.Now()
	windowID := l.windowIndex(now)
	storageKey := fmt.Sprintf("%s:%d", sectionKey, windowID)

	newCount, err := l.store.Incr(ctx, storageKey, permits, l.ttl)
	if err != nil {
		return l.storeFailed(key, err)
	}

	allowed := newCount <= l.limit
	count := newCount
	if !allowed {
		count = newCount - permits
		if _, derr := l.store.Decr(ctx, storageKey, permits); derr != nil {
			// The refund failing leaves the window over-counted until its
			// TTL elapses; the next window starts clean regardless.
			l.logger.Errorf("refund failed for '%s': %v", storageKey, derr)
		}
	}

	res := l.snapshot(key, allowed, count, windowID, now)
	l.notify(res)
	return res, nil
}

// State reads the current window's counter without touching it. A key that
// has no counter in the current window reports (nil, nil) even if older
// windows still linger in storage.
func (l *FixedWindowLimiter) State(ctx context.Context, key string) (*Result, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	now := l.clk.Now()
	windowID := l.windowIndex(now)
	storageKey := fmt.Sprintf("%s:%d", bucketKey("fixedwindow", l.name, key), windowID)

	raw, err := l.store.Get(ctx, storageKey)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	count, perr := strconv.ParseInt(raw, 10, 64)
	if perr != nil {
		l.logger.Errorf("discarding corrupt counter for '%s': %q", storageKey, raw)
		return nil, nil
	}

	res := l.snapshot(key, count < l.limit, count, windowID, now)
	return &res, nil
}

// windowIndex computes the tumbling window ordinal. The arithmetic runs in
// integer nanoseconds, which matches floor(epoch-seconds / window-seconds)
// for whole-second windows and stays exact below one second.
func (l *FixedWindowLimiter) windowIndex(now time.Time) int64 {
	return now.UnixNano() / l.window.Nanoseconds()
}

func (l *FixedWindowLimiter) snapshot(key string, allowed bool, count, windowID int64, now time.Time) Result {
	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}
	resetAt := time.Unix(0, (windowID+1)*l.window.Nanoseconds())
	return Result{
		Allowed:    allowed,
		Key:        key,
		Limit:      l.limit,
		Remaining:  remaining,
		ResetAt:    resetAt,
		ResetAfter: resetAt.Sub(now),
	}
}
