package ratelimiter

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// SlidingWindowLimiter implements a precise rolling-window counter.
//
// State is an ordered list of (timestamp, count) records. Admission sums the
// records inside [now-window, now] and admits iff the sum plus the requested
// permits stays within the limit, so there is no boundary burst. Records are
// retained for twice the window before being pruned; the extra history guards
// against clock drift between nodes sharing a store and keeps late State
// queries meaningful, and is invisible to admission arithmetic.
type SlidingWindowLimiter struct {
	base
	limit int64
	ttl   time.Duration
}

type slidingWindowRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Count     int64     `json:"count"`
}

// slidingWindowState is the persisted record list plus derived fields
// refreshed on every write.
type slidingWindowState struct {
	Entries      []slidingWindowRecord `json:"entries"`
	CurrentCount int64                 `json:"current_count"`
	WindowStart  time.Time             `json:"window_start"`
	WindowEnd    time.Time             `json:"window_end"`
}

// NewSlidingWindow creates a sliding-window limiter.
//
//   - name: policy name, used in storage keys; must not be blank
//   - store: the storage backend
//   - limit: maximum permits per rolling window; must be > 0
//   - window: window length; must be > 0
func NewSlidingWindow(name string, store Store, limit int64, window time.Duration, opts ...Option) (*SlidingWindowLimiter, error) {
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

	return &SlidingWindowLimiter{
		base:  newBase(name, store, limit, window, s),
		limit: limit,
		ttl:   s.effectiveTTL(2*window, window),
	}, nil
}

func (l *SlidingWindowLimiter) Algorithm() Algorithm {
	return SlidingWindow
}

func (l *SlidingWindowLimiter) Parameters() map[string]float64 {
	return nil
}

// Allow counts the records inside the rolling window and appends a new one on
// admit. On deny the pruned list is persisted without a new record, so denied
// permits are never accounted.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string, permits int64) (Result, error) {
	if err := invalidParams(key, permits); err != nil {
		return Result{}, err
	}

	storageKey := bucketKey("slidingwindow", l.name, key)
	if err := l.acquire(ctx, storageKey); err != nil {
		return Result{}, err
	}
	defer l.keys.Release(storageKey)

	now := l.clk.Now()
	entries, err := l.load(ctx, storageKey)
	if err != nil {
		return l.storeFailed(key, err)
	}

	windowStart := now.Add(-l.window)
	current := countWithin(entries, windowStart)

	allowed := current+permits <= l.limit
	if allowed {
		entries = append(entries, slidingWindowRecord{Timestamp: now.UTC(), Count: permits})
		current += permits
	}
	entries = pruneBefore(entries, now.Add(-2*l.window))

	if err := ctx.Err(); err != nil {
		return Result{}, cancelled(err)
	}
	if err := l.persist(ctx, storageKey, entries, current, now); err != nil {
		return l.storeFailed(key, err)
	}

	res := l.snapshot(key, allowed, current, entries, windowStart, now)
	l.notify(res)
	return res, nil
}

// State recounts the stored records against the current instant without
// persisting. A key whose records have all aged past the window still reports
// a snapshot (with full remaining) until the TTL removes it.
func (l *SlidingWindowLimiter) State(ctx context.Context, key string) (*Result, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	storageKey := bucketKey("slidingwindow", l.name, key)
	raw, err := l.store.Get(ctx, storageKey)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var st slidingWindowState
	if uerr := json.Unmarshal([]byte(raw), &st); uerr != nil {
		l.logger.Errorf("discarding corrupt state for '%s': %v", storageKey, uerr)
		return nil, nil
	}

	now := l.clk.Now()
	windowStart := now.Add(-l.window)
	current := countWithin(st.Entries, windowStart)

	res := l.snapshot(key, current < l.limit, current, st.Entries, windowStart, now)
	return &res, nil
}

func (l *SlidingWindowLimiter) load(ctx context.Context, storageKey string) ([]slidingWindowRecord, error) {
	raw, err := l.store.Get(ctx, storageKey)
	if errors.Is(err, ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var st slidingWindowState
	if uerr := json.Unmarshal([]byte(raw), &st); uerr != nil {
		l.logger.Errorf("discarding corrupt state for '%s': %v", storageKey, uerr)
		return nil, nil
	}
	return st.Entries, nil
}

func (l *SlidingWindowLimiter) persist(ctx context.Context, storageKey string, entries []slidingWindowRecord, current int64, now time.Time) error {
	st := slidingWindowState{
		Entries:      entries,
		CurrentCount: current,
		WindowStart:  now.Add(-l.window).UTC(),
		WindowEnd:    now.UTC(),
	}
	encoded, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return l.store.Set(ctx, storageKey, string(encoded), l.ttl)
}

// countWithin sums records with timestamps inside [windowStart, now]. A
// record at exactly windowStart still counts, matching the closed lower edge
// the admission rule rounds with.
func countWithin(entries []slidingWindowRecord, windowStart time.Time) int64 {
	var total int64
	for _, e := range entries {
		if !e.Timestamp.Before(windowStart) {
			total += e.Count
		}
	}
	return total
}

// pruneBefore drops records older than the retention horizon, preserving
// order.
func pruneBefore(entries []slidingWindowRecord, horizon time.Time) []slidingWindowRecord {
	kept := entries[:0]
	for _, e := range entries {
		if !e.Timestamp.Before(horizon) {
			kept = append(kept, e)
		}
	}
	return kept
}

// snapshot derives the observable state. The reset instant is the oldest
// in-window record's timestamp plus the window, the moment that record falls
// out of admission arithmetic.
func (l *SlidingWindowLimiter) snapshot(key string, allowed bool, current int64, entries []slidingWindowRecord, windowStart, now time.Time) Result {
	remaining := l.limit - current
	if remaining < 0 {
		remaining = 0
	}

	resetAt := now
	for _, e := range entries {
		if !e.Timestamp.Before(windowStart) {
			resetAt = e.Timestamp.Add(l.window)
			break
		}
	}

	return Result{
		Allowed:    allowed,
		Key:        key,
		Limit:      l.limit,
		Remaining:  remaining,
		ResetAt:    resetAt,
		ResetAfter: resetAt.Sub(now),
	}
}
