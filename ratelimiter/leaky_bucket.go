package ratelimiter

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"time"
)

// defaultLeakyBucketTTL covers long drain tails of mostly-idle buckets.
const defaultLeakyBucketTTL = time.Hour

// LeakyBucketLimiter implements the "Leaky Bucket" rate-limiting algorithm.
//
// The bucket level represents pending work: admitting a request adds its
// permits to the level, and the level drains at a constant `leakRate` units
// per second. A request is admitted only if the drained level plus its
// permits fits under the capacity, which smooths traffic to the leak rate
// with no burst beyond the capacity.
//
// Draining is lazy; no background ticker is needed for correctness.
type LeakyBucketLimiter struct {
	base
	capacity int64
	leakRate float64
	ttl      time.Duration
}

type leakyBucketState struct {
	CurrentLevel    float64   `json:"current_level"`
	LastLeakTime    time.Time `json:"last_leak_time"`
	LastRequestTime time.Time `json:"last_request_time"`
}

// NewLeakyBucket creates a leaky-bucket limiter.
//
//   - name: policy name, used in storage keys; must not be blank
//   - store: the storage backend
//   - capacity: maximum pending work the bucket holds; must be > 0
//   - leakRate: units drained per second; must be > 0
func NewLeakyBucket(name string, store Store, capacity int64, leakRate float64, opts ...Option) (*LeakyBucketLimiter, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := validateStore(store); err != nil {
		return nil, err
	}
	if capacity <= 0 {
		return nil, &ConfigError{Field: "capacity", Value: capacity, Reason: "must be > 0", Err: ErrOutOfRange}
	}
	if leakRate <= 0 {
		return nil, &ConfigError{Field: "leak_rate", Value: leakRate, Reason: "must be > 0", Err: ErrOutOfRange}
	}

	s := newSettings(opts...)
	window := durationFromSeconds(float64(capacity) / leakRate)

	return &LeakyBucketLimiter{
		base:     newBase(name, store, capacity, window, s),
		capacity: capacity,
		leakRate: leakRate,
		ttl:      s.effectiveTTL(defaultLeakyBucketTTL, window),
	}, nil
}

func (l *LeakyBucketLimiter) Algorithm() Algorithm {
	return LeakyBucket
}

func (l *LeakyBucketLimiter) Parameters() map[string]float64 {
	return map[string]float64{"capacity": float64(l.capacity), "leak_rate": l.leakRate}
}

// Allow drains the bucket for the elapsed time, then admits iff the drained
// level plus permits fits within the capacity. The drained state is persisted
// on deny as well.
func (l *LeakyBucketLimiter) Allow(ctx context.Context, key string, permits int64) (Result, error) {
	if err := invalidParams(key, permits); err != nil {
		return Result{}, err
	}

	storageKey := bucketKey("leakybucket", l.name, key)
	if err := l.acquire(ctx, storageKey); err != nil {
		return Result{}, err
	}
	defer l.keys.Release(storageKey)

	now := l.clk.Now()
	st, err := l.load(ctx, storageKey, now)
	if err != nil {
		return l.storeFailed(key, err)
	}

	level := st.CurrentLevel
	if now.After(st.LastLeakTime) {
		level = math.Max(0, level-now.Sub(st.LastLeakTime).Seconds()*l.leakRate)
	}

	allowed := level+float64(permits) <= float64(l.capacity)
	lastRequest := st.LastRequestTime
	if allowed {
		level += float64(permits)
		lastRequest = now
	}

	if err := ctx.Err(); err != nil {
		return Result{}, cancelled(err)
	}
	next := leakyBucketState{
		CurrentLevel:    level,
		LastLeakTime:    now.UTC(),
		LastRequestTime: lastRequest.UTC(),
	}
	if err := l.persist(ctx, storageKey, next); err != nil {
		return l.storeFailed(key, err)
	}

	res := l.snapshot(key, allowed, level, now)
	l.notify(res)
	return res, nil
}

// State reports the bucket after a virtual drain at the current instant,
// without persisting anything.
func (l *LeakyBucketLimiter) State(ctx context.Context, key string) (*Result, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	storageKey := bucketKey("leakybucket", l.name, key)
	raw, err := l.store.Get(ctx, storageKey)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var st leakyBucketState
	if uerr := json.Unmarshal([]byte(raw), &st); uerr != nil {
		l.logger.Errorf("discarding corrupt state for '%s': %v", storageKey, uerr)
		return nil, nil
	}

	now := l.clk.Now()
	level := st.CurrentLevel
	if now.After(st.LastLeakTime) {
		level = math.Max(0, level-now.Sub(st.LastLeakTime).Seconds()*l.leakRate)
	}

	res := l.snapshot(key, false, level, now)
	res.Allowed = level+1 <= float64(l.capacity)
	return &res, nil
}

func (l *LeakyBucketLimiter) load(ctx context.Context, storageKey string, now time.Time) (leakyBucketState, error) {
	raw, err := l.store.Get(ctx, storageKey)
	if errors.Is(err, ErrKeyNotFound) {
		return leakyBucketState{LastLeakTime: now}, nil
	}
	if err != nil {
		return leakyBucketState{}, err
	}

	var st leakyBucketState
	if uerr := json.Unmarshal([]byte(raw), &st); uerr != nil {
		l.logger.Errorf("discarding corrupt state for '%s': %v", storageKey, uerr)
		return leakyBucketState{LastLeakTime: now}, nil
	}
	if math.IsNaN(st.CurrentLevel) || st.CurrentLevel < 0 {
		l.logger.Errorf("discarding corrupt level for '%s': %v", storageKey, st.CurrentLevel)
		return leakyBucketState{LastLeakTime: now}, nil
	}
	return st, nil
}

func (l *LeakyBucketLimiter) persist(ctx context.Context, storageKey string, st leakyBucketState) error {
	encoded, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return l.store.Set(ctx, storageKey, string(encoded), l.ttl)
}

// snapshot derives the observable state: remaining capacity and the instant
// the bucket will have fully drained.
func (l *LeakyBucketLimiter) snapshot(key string, allowed bool, level float64, now time.Time) Result {
	resetAt := now.Add(durationFromSeconds(level / l.leakRate))
	return Result{
		Allowed:    allowed,
		Key:        key,
		Limit:      l.capacity,
		Remaining:  remainingPermits(float64(l.capacity) - level),
		ResetAt:    resetAt,
		ResetAfter: resetAt.Sub(now),
	}
}
