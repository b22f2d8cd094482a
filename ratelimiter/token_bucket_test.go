package ratelimiter

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotaflow/quotaflow/internal/clock"
)

func newTokenBucketForTest(t *testing.T, capacity, refillRate float64, clk clock.Clock) (*TokenBucketLimiter, *testStore) {
	t.Helper()
	s := newTestStore()
	l, err := NewTokenBucket("test", s, capacity, refillRate, withClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, s
}

func TestTokenBucketBurstThenRefill(t *testing.T) {
	clk := clock.NewMockAt(time.Unix(1_700_000_000, 0))
	l, _ := newTokenBucketForTest(t, 5, 10, clk)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := l.Allow(ctx, "user:1", 1)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "burst admit %d", i)
	}

	res, err := l.Allow(ctx, "user:1", 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	// 150ms at 10 tokens/s refills 1.5 tokens.
	clk.Advance(150 * time.Millisecond)
	res, err = l.Allow(ctx, "user:1", 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestTokenBucketIdleRefillsToCapacity(t *testing.T) {
	clk := clock.NewMockAt(time.Unix(1_700_000_000, 0))
	l, _ := newTokenBucketForTest(t, 5, 2, clk)
	ctx := context.Background()

	res, err := l.Allow(ctx, "k", 5)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.EqualValues(t, 0, res.Remaining)

	// capacity/refill = 2.5s of idle fully refills the bucket.
	clk.Advance(3 * time.Second)
	for i := 0; i < 5; i++ {
		res, err = l.Allow(ctx, "k", 1)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "post-idle admit %d", i)
	}
}

func TestTokenBucketPermitsAboveCapacityAlwaysDenied(t *testing.T) {
	clk := clock.NewMockAt(time.Unix(1_700_000_000, 0))
	l, _ := newTokenBucketForTest(t, 5, 2, clk)

	res, err := l.Allow(context.Background(), "k", 6)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	// The failed oversized request must not have consumed anything.
	res, err = l.Allow(context.Background(), "k", 5)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestTokenBucketExactLevelAdmits(t *testing.T) {
	clk := clock.NewMockAt(time.Unix(1_700_000_000, 0))
	l, _ := newTokenBucketForTest(t, 5, 0, clk)
	ctx := context.Background()

	res, err := l.Allow(ctx, "k", 5)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = l.Allow(ctx, "k", 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed, "zero refill never replenishes")
}

func TestTokenBucketConcurrentOneShotQuota(t *testing.T) {
	clk := clock.NewMockAt(time.Unix(1_700_000_000, 0))
	l, _ := newTokenBucketForTest(t, 5, 0, clk)

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.Allow(context.Background(), "shared", 1)
			if err == nil && res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 5, allowed.Load())
}

func TestTokenBucketDistinctKeysIndependent(t *testing.T) {
	clk := clock.NewMockAt(time.Unix(1_700_000_000, 0))
	l, _ := newTokenBucketForTest(t, 3, 0, clk)
	ctx := context.Background()

	res, err := l.Allow(ctx, "k1", 3)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	res, err = l.Allow(ctx, "k1", 1)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	res, err = l.Allow(ctx, "k2", 3)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "saturating k1 must not affect k2")
}

func TestTokenBucketState(t *testing.T) {
	clk := clock.NewMockAt(time.Unix(1_700_000_000, 0))
	l, _ := newTokenBucketForTest(t, 5, 2, clk)
	ctx := context.Background()

	st, err := l.State(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, st, "cold key has no state")

	_, err = l.Allow(ctx, "k", 2)
	require.NoError(t, err)

	st, err = l.State(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "k", st.Key)
	assert.EqualValues(t, 3, st.Remaining)
	assert.EqualValues(t, 5, st.Limit)
	// Two consumed tokens refill in 1s at 2 tokens/s.
	assert.True(t, st.ResetAt.Equal(clk.Now().Add(time.Second)), "reset at %v", st.ResetAt)
}

func TestTokenBucketStateDoesNotMutate(t *testing.T) {
	clk := clock.NewMockAt(time.Unix(1_700_000_000, 0))
	l, s := newTokenBucketForTest(t, 5, 2, clk)
	ctx := context.Background()

	_, err := l.Allow(ctx, "k", 1)
	require.NoError(t, err)
	before, _ := s.get("tokenbucket:k")

	_, err = l.State(ctx, "k")
	require.NoError(t, err)
	after, _ := s.get("tokenbucket:k")
	assert.Equal(t, before, after)
}

func TestTokenBucketSerializedStateRoundTrips(t *testing.T) {
	clk := clock.NewMockAt(time.Unix(1_700_000_000, 123_456_789))
	l, s := newTokenBucketForTest(t, 5, 2.5, clk)

	_, err := l.Allow(context.Background(), "k", 2)
	require.NoError(t, err)

	raw, ok := s.get("tokenbucket:k")
	require.True(t, ok)

	var st tokenBucketState
	require.NoError(t, json.Unmarshal([]byte(raw), &st))
	tokens, err := strconv.ParseFloat(st.Tokens, 64)
	require.NoError(t, err)
	assert.Equal(t, 3.0, tokens)
	assert.Equal(t, time.UTC, st.LastRefill.Location())
	assert.True(t, st.LastRefill.Equal(clk.Now()))
}

func TestTokenBucketCorruptStateTreatedAsCold(t *testing.T) {
	clk := clock.NewMockAt(time.Unix(1_700_000_000, 0))
	l, s := newTokenBucketForTest(t, 5, 2, clk)

	s.put("tokenbucket:k", "{not json")
	res, err := l.Allow(context.Background(), "k", 5)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "corrupt state recovers as a full bucket")

	st, err := l.State(context.Background(), "k")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.EqualValues(t, 0, st.Remaining)
}

func TestTokenBucketInvalidArguments(t *testing.T) {
	clk := clock.NewMockAt(time.Unix(1_700_000_000, 0))
	l, _ := newTokenBucketForTest(t, 5, 2, clk)
	ctx := context.Background()

	_, err := l.Allow(ctx, "  ", 1)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = l.Allow(ctx, "k", 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = l.State(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestTokenBucketConstructorValidation(t *testing.T) {
	s := newTestStore()

	_, err := NewTokenBucket(" ", s, 5, 2)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewTokenBucket("test", nil, 5, 2)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = NewTokenBucket("test", s, 0, 2)
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = NewTokenBucket("test", s, 5, -1)
	assert.ErrorIs(t, err, ErrOutOfRange)

	var cfgErr *ConfigError
	_, err = NewTokenBucket("test", s, -3, 2)
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "capacity", cfgErr.Field)
}

func TestTokenBucketCancelledContext(t *testing.T) {
	clk := clock.NewMockAt(time.Unix(1_700_000_000, 0))
	l, _ := newTokenBucketForTest(t, 5, 2, clk)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Allow(ctx, "k", 1)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTokenBucketClosed(t *testing.T) {
	clk := clock.NewMockAt(time.Unix(1_700_000_000, 0))
	s := newTestStore()
	l, err := NewTokenBucket("test", s, 5, 2, withClock(clk))
	require.NoError(t, err)

	require.NoError(t, l.Close())
	_, err = l.Allow(context.Background(), "k", 1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTokenBucketFailClosedByDefault(t *testing.T) {
	boom := &StorageError{Backend: "test", Op: "get", Err: errors.New("down")}
	l, err := NewTokenBucket("test", &failStore{err: boom}, 5, 2)
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Allow(context.Background(), "k", 1)
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestTokenBucketFailOpen(t *testing.T) {
	boom := &StorageError{Backend: "test", Op: "get", Err: errors.New("down")}
	l, err := NewTokenBucket("test", &failStore{err: boom}, 5, 2, WithFailOpen())
	require.NoError(t, err)
	defer l.Close()

	res, err := l.Allow(context.Background(), "k", 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestTokenBucketDecisionCallbacks(t *testing.T) {
	clk := clock.NewMockAt(time.Unix(1_700_000_000, 0))
	s := newTestStore()

	var allows, denies int
	l, err := NewTokenBucket("test", s, 1, 0,
		withClock(clk),
		WithOnAllow(func(Result) { allows++ }),
		WithOnDeny(func(Result) { denies++ }),
	)
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Allow(context.Background(), "k", 1)
	require.NoError(t, err)
	_, err = l.Allow(context.Background(), "k", 1)
	require.NoError(t, err)

	assert.Equal(t, 1, allows)
	assert.Equal(t, 1, denies)
}

func TestTokenBucketAttributes(t *testing.T) {
	clk := clock.NewMockAt(time.Unix(1_700_000_000, 0))
	l, _ := newTokenBucketForTest(t, 20, 5, clk)

	assert.Equal(t, "test", l.Name())
	assert.Equal(t, TokenBucket, l.Algorithm())
	assert.EqualValues(t, 20, l.MaxRequests())
	assert.Equal(t, 4*time.Second, l.Window())
	assert.Equal(t, map[string]float64{"capacity": 20, "refill_rate": 5}, l.Parameters())
}
