package ratelimiter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/quotaflow/quotaflow/internal/keymutex"
)

// base carries the state shared by every limiter kind: identity, the storage
// backend, the per-key serialization table and the construction-time settings.
// The table is owned by the limiter and released on Close.
type base struct {
	name        string
	store       Store
	keys        *keymutex.Table
	maxRequests int64
	window      time.Duration
	settings
}

func newBase(name string, store Store, maxRequests int64, window time.Duration, s settings) base {
	return base{
		name:        name,
		store:       store,
		keys:        keymutex.New(),
		maxRequests: maxRequests,
		window:      window,
		settings:    s,
	}
}

func (b *base) Name() string          { return b.name }
func (b *base) MaxRequests() int64    { return b.maxRequests }
func (b *base) Window() time.Duration { return b.window }

// Close releases the per-key serialization table. Calls in flight may still
// finish; subsequent Allow calls fail with ErrClosed. State does not use the
// table and keeps reading storage after Close.
func (b *base) Close() error {
	b.keys.Close()
	return nil
}

// acquire enters the per-key section, translating table errors into the
// package taxonomy: a closed table surfaces as ErrClosed, a context error as
// ErrCancelled (with the context's own error still reachable via errors.Is).
func (b *base) acquire(ctx context.Context, key string) error {
	if err := b.keys.Acquire(ctx, key); err != nil {
		if errors.Is(err, keymutex.ErrClosed) {
			return ErrClosed
		}
		return cancelled(err)
	}
	return nil
}

// storeFailed resolves a failed storage round-trip. Cancellation is never
// eligible for fail-open: an abandoned call must not admit. Otherwise
// fail-closed propagates the error and fail-open logs it and admits without
// accounting.
func (b *base) storeFailed(key string, err error) (Result, error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Result{Key: key}, cancelled(err)
	}
	if errors.Is(err, ErrCancelled) {
		return Result{Key: key}, err
	}
	if !b.failOpen {
		return Result{Key: key}, err
	}
	b.logger.Errorf("storage failure for key '%s', admitting fail-open: %v", key, err)
	res := Result{
		Allowed: true,
		Key:     key,
		Limit:   b.maxRequests,
	}
	b.notify(res)
	return res, nil
}

// validateName rejects blank policy names at construction time.
func validateName(name string) error {
	if err := validateKey(name); err != nil {
		return &ConfigError{Field: "name", Value: name, Reason: "must not be blank", Err: ErrInvalidArgument}
	}
	return nil
}

func validateStore(store Store) error {
	if store == nil {
		return &ConfigError{Field: "store", Value: nil, Reason: "store is required", Err: ErrInvalidArgument}
	}
	return nil
}

// durationFromSeconds converts a fractional number of seconds into a
// Duration, clamping at the representable maximum so a near-zero refill rate
// cannot overflow into a negative duration.
func durationFromSeconds(seconds float64) time.Duration {
	if seconds <= 0 {
		return 0
	}
	if seconds >= math.MaxInt64/float64(time.Second) {
		return math.MaxInt64
	}
	return time.Duration(seconds * float64(time.Second))
}

// remainingPermits floors a fractional level into a non-negative permit count.
func remainingPermits(level float64) int64 {
	r := int64(math.Floor(level))
	if r < 0 {
		return 0
	}
	return r
}

func invalidParams(key string, permits int64) error {
	if err := validateKey(key); err != nil {
		return err
	}
	return validatePermits(permits)
}

// bucketKey builds the storage key for record-valued algorithms:
// <algorithm>:<policy-name>:<caller-key>.
func bucketKey(prefix, name, key string) string {
	return fmt.Sprintf("%s:%s:%s", prefix, name, key)
}
