package ratelimiter

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"time"
)

// defaultTokenBucketTTL is how long idle bucket state survives in storage.
const defaultTokenBucketTTL = 5 * time.Minute

// TokenBucketLimiter implements the "Token Bucket" rate-limiting algorithm.
//
// The bucket holds up to `capacity` tokens and refills continuously at
// `refillRate` tokens per second. A request consumes `permits` tokens if that
// many are present, which allows bursts up to the capacity while sustaining
// the refill rate. A refill rate of 0 turns the bucket into a one-shot quota
// that never replenishes.
//
// State is stored under `tokenbucket:<caller-key>` with no policy-name
// segment; callers running several token-bucket policies against one shared
// store should put a policy prefix in the key themselves.
//
// Example usage:
//
//	limiter, err := ratelimiter.NewTokenBucket("api", store, 20, 5)
//	result, err := limiter.Allow(ctx, "user:123", 1)
//	if result.Allowed {
//	    // process request
//	}
type TokenBucketLimiter struct {
	base
	capacity   float64
	refillRate float64
	ttl        time.Duration
}

// tokenBucketState is the persisted record. Tokens are stored as a
// locale-independent decimal string that round-trips double precision;
// timestamps marshal as RFC 3339 with nanoseconds.
type tokenBucketState struct {
	Tokens     string    `json:"tokens"`
	LastRefill time.Time `json:"last_refill"`
}

// NewTokenBucket creates a token-bucket limiter.
//
//   - name: policy name, used in storage keys; must not be blank
//   - store: the storage backend
//   - capacity: maximum number of tokens in the bucket; must be > 0
//   - refillRate: tokens added per second; must be >= 0
func NewTokenBucket(name string, store Store, capacity, refillRate float64, opts ...Option) (*TokenBucketLimiter, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := validateStore(store); err != nil {
		return nil, err
	}
	if capacity <= 0 {
		return nil, &ConfigError{Field: "capacity", Value: capacity, Reason: "must be > 0", Err: ErrOutOfRange}
	}
	if refillRate < 0 {
		return nil, &ConfigError{Field: "refill_rate", Value: refillRate, Reason: "must be >= 0", Err: ErrOutOfRange}
	}

	s := newSettings(opts...)
	var window time.Duration
	if refillRate > 0 {
		window = durationFromSeconds(capacity / refillRate)
	}

	return &TokenBucketLimiter{
		base:       newBase(name, store, int64(capacity), window, s),
		capacity:   capacity,
		refillRate: refillRate,
		ttl:        s.effectiveTTL(defaultTokenBucketTTL, window),
	}, nil
}

func (l *TokenBucketLimiter) Algorithm() Algorithm {
	return TokenBucket
}

func (l *TokenBucketLimiter) Parameters() map[string]float64 {
	return map[string]float64{"capacity": l.capacity, "refill_rate": l.refillRate}
}

// Allow refills the bucket for the elapsed time and consumes permits if the
// resulting level covers them. A level exactly equal to permits admits.
func (l *TokenBucketLimiter) Allow(ctx context.Context, key string, permits int64) (Result, error) {
	if err := invalidParams(key, permits); err != nil {
		return Result{}, err
	}

	storageKey := l.storageKey(key)
	if err := l.acquire(ctx, storageKey); err != nil {
		return Result{}, err
	}
	defer l.keys.Release(storageKey)

	now := l.clk.Now()
	level, lastRefill, err := l.load(ctx, storageKey, now)
	if err != nil {
		return l.storeFailed(key, err)
	}

	if now.After(lastRefill) {
		level = math.Min(l.capacity, level+now.Sub(lastRefill).Seconds()*l.refillRate)
	}

	allowed := level >= float64(permits)
	if allowed {
		level -= float64(permits)
	}

	// The refreshed state is persisted on deny as well, so the next call
	// starts from an up-to-date level.
	if err := ctx.Err(); err != nil {
		return Result{}, cancelled(err)
	}
	if err := l.persist(ctx, storageKey, level, now); err != nil {
		return l.storeFailed(key, err)
	}

	res := l.snapshot(key, allowed, level, now)
	l.notify(res)
	return res, nil
}

// State reports the bucket as it would be after a virtual refill at the
// current instant. It does not persist anything and may be momentarily stale
// relative to a concurrent Allow.
func (l *TokenBucketLimiter) State(ctx context.Context, key string) (*Result, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	storageKey := l.storageKey(key)
	raw, err := l.store.Get(ctx, storageKey)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	st, ok := l.decode(storageKey, raw)
	if !ok {
		return nil, nil
	}

	level, perr := strconv.ParseFloat(st.Tokens, 64)
	if perr != nil {
		l.logger.Errorf("discarding corrupt token level for '%s': %q", storageKey, st.Tokens)
		return nil, nil
	}

	now := l.clk.Now()
	current := level
	if now.After(st.LastRefill) {
		current = math.Min(l.capacity, level+now.Sub(st.LastRefill).Seconds()*l.refillRate)
	}

	res := l.snapshotAt(key, current, st.LastRefill, level)
	return &res, nil
}

// storageKey deliberately carries no policy-name segment, so the persisted
// layout stays compatible with other implementations sharing the store.
func (l *TokenBucketLimiter) storageKey(key string) string {
	return "tokenbucket:" + key
}

// load reads and decodes the stored bucket, synthesizing a full bucket for a
// cold or undecodable key. Only genuine storage failures are returned.
func (l *TokenBucketLimiter) load(ctx context.Context, storageKey string, now time.Time) (float64, time.Time, error) {
	raw, err := l.store.Get(ctx, storageKey)
	if errors.Is(err, ErrKeyNotFound) {
		return l.capacity, now, nil
	}
	if err != nil {
		return 0, time.Time{}, err
	}

	st, ok := l.decode(storageKey, raw)
	if !ok {
		return l.capacity, now, nil
	}
	tokens, perr := strconv.ParseFloat(st.Tokens, 64)
	if perr != nil || math.IsNaN(tokens) || tokens < 0 {
		l.logger.Errorf("discarding corrupt token level for '%s': %q", storageKey, st.Tokens)
		return l.capacity, now, nil
	}
	return tokens, st.LastRefill, nil
}

// decode recovers from corrupt entries by treating them as cold; the next
// persist overwrites them, which makes the limiter self-healing against
// format drift.
func (l *TokenBucketLimiter) decode(storageKey, raw string) (tokenBucketState, bool) {
	var st tokenBucketState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		l.logger.Errorf("discarding corrupt state for '%s': %v", storageKey, err)
		return tokenBucketState{}, false
	}
	return st, true
}

func (l *TokenBucketLimiter) persist(ctx context.Context, storageKey string, level float64, now time.Time) error {
	st := tokenBucketState{
		Tokens:     strconv.FormatFloat(level, 'g', -1, 64),
		LastRefill: now.UTC(),
	}
	encoded, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return l.store.Set(ctx, storageKey, string(encoded), l.ttl)
}

func (l *TokenBucketLimiter) snapshot(key string, allowed bool, level float64, now time.Time) Result {
	res := l.snapshotAt(key, level, now, level)
	res.Allowed = allowed
	return res
}

// snapshotAt derives the observable state. The reset instant follows
// lastRefill + (capacity - storedLevel) / refillRate; a zero refill rate
// pushes it out to the representable maximum.
func (l *TokenBucketLimiter) snapshotAt(key string, currentLevel float64, lastRefill time.Time, storedLevel float64) Result {
	var resetAt time.Time
	if currentLevel >= l.capacity {
		resetAt = lastRefill
	} else {
		rate := math.Max(l.refillRate, 1e-9)
		resetAt = lastRefill.Add(durationFromSeconds((l.capacity - storedLevel) / rate))
	}

	return Result{
		Allowed:    currentLevel >= 1,
		Key:        key,
		Limit:      int64(l.capacity),
		Remaining:  remainingPermits(currentLevel),
		ResetAt:    resetAt,
		ResetAfter: resetAt.Sub(l.clk.Now()),
	}
}
