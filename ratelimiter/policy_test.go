package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAlgorithm(t *testing.T) {
	cases := map[string]Algorithm{
		"token_bucket":   TokenBucket,
		"Token-Bucket":   TokenBucket,
		"TOKENBUCKET":    TokenBucket,
		"leaky-bucket":   LeakyBucket,
		"fixed_window":   FixedWindow,
		"Sliding-Window": SlidingWindow,
	}
	for input, want := range cases {
		got, err := ParseAlgorithm(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	_, err := ParseAlgorithm("round-robin")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestNewBuildsEveryAlgorithm(t *testing.T) {
	s := newTestStore()

	for _, algorithm := range []string{"token-bucket", "leaky-bucket", "fixed-window", "sliding-window"} {
		l, err := New(PolicyConfig{
			Name:        "policy",
			Algorithm:   algorithm,
			MaxRequests: 10,
			Window:      time.Minute,
		}, s)
		require.NoError(t, err, algorithm)

		assert.Equal(t, "policy", l.Name())
		assert.EqualValues(t, 10, l.MaxRequests())
		assert.Equal(t, time.Minute, l.Window())

		res, err := l.Allow(context.Background(), "k", 1)
		require.NoError(t, err, algorithm)
		assert.True(t, res.Allowed, algorithm)
		require.NoError(t, l.Close())
	}
}

func TestNewDerivesBucketParameters(t *testing.T) {
	s := newTestStore()

	l, err := New(PolicyConfig{
		Name:        "derived",
		Algorithm:   "token_bucket",
		MaxRequests: 120,
		Window:      time.Minute,
	}, s)
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, map[string]float64{"capacity": 120, "refill_rate": 2}, l.Parameters())
}

func TestNewHonorsExplicitParameters(t *testing.T) {
	s := newTestStore()

	l, err := New(PolicyConfig{
		Name:        "explicit",
		Algorithm:   "token_bucket",
		MaxRequests: 100,
		Window:      time.Minute,
		Parameters: map[string]interface{}{
			"capacity":    20,
			"refill_rate": 0.5,
		},
	}, s)
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, map[string]float64{"capacity": 20, "refill_rate": 0.5}, l.Parameters())
	// The policy's headline attributes still reflect the config.
	assert.EqualValues(t, 100, l.MaxRequests())
	assert.Equal(t, time.Minute, l.Window())
}

func TestNewValidation(t *testing.T) {
	s := newTestStore()

	_, err := New(PolicyConfig{Name: "", Algorithm: "fixed_window", MaxRequests: 1, Window: time.Second}, s)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = New(PolicyConfig{Name: "p", Algorithm: "banana", MaxRequests: 1, Window: time.Second}, s)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = New(PolicyConfig{Name: "p", Algorithm: "fixed_window", MaxRequests: 0, Window: time.Second}, s)
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = New(PolicyConfig{Name: "p", Algorithm: "fixed_window", MaxRequests: 1, Window: 0}, s)
	assert.ErrorIs(t, err, ErrOutOfRange)

	_, err = New(PolicyConfig{Name: "p", Algorithm: "fixed_window", MaxRequests: 1, Window: time.Second}, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = New(PolicyConfig{
		Name: "p", Algorithm: "token_bucket", MaxRequests: 1, Window: time.Second,
		Parameters: map[string]interface{}{"capacity": "a lot"},
	}, s)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = New(PolicyConfig{
		Name: "p", Algorithm: "leaky_bucket", MaxRequests: 1, Window: time.Second,
		Parameters: map[string]interface{}{"leak_rate": -1},
	}, s)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestNewByName(t *testing.T) {
	s := newTestStore()

	l, err := NewByName("byname", "sliding_window", 5, time.Second, nil, s)
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, SlidingWindow, l.Algorithm())
	assert.EqualValues(t, 5, l.MaxRequests())
}

func TestNewFromMap(t *testing.T) {
	s := newTestStore()

	l, err := NewFromMap("frommap", map[string]interface{}{
		"algorithm":    "Fixed-Window",
		"max_requests": 10.0, // JSON numbers decode as float64
		"window":       "30s",
	}, s)
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, FixedWindow, l.Algorithm())
	assert.EqualValues(t, 10, l.MaxRequests())
	assert.Equal(t, 30*time.Second, l.Window())
}

func TestNewFromMapNumericWindow(t *testing.T) {
	s := newTestStore()

	l, err := NewFromMap("seconds", map[string]interface{}{
		"algorithm":    "sliding_window",
		"max_requests": 3,
		"window":       1.5,
		"parameters":   nil,
	}, s)
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, 1500*time.Millisecond, l.Window())
}

func TestNewFromMapValidation(t *testing.T) {
	s := newTestStore()

	_, err := NewFromMap("p", map[string]interface{}{
		"max_requests": 10,
		"window":       "30s",
	}, s)
	assert.ErrorIs(t, err, ErrInvalidArgument, "missing algorithm")

	_, err = NewFromMap("p", map[string]interface{}{
		"algorithm": "fixed_window",
		"window":    "30s",
	}, s)
	assert.ErrorIs(t, err, ErrInvalidArgument, "missing max_requests")

	_, err = NewFromMap("p", map[string]interface{}{
		"algorithm":    "fixed_window",
		"max_requests": 10,
	}, s)
	assert.ErrorIs(t, err, ErrInvalidArgument, "missing window")

	_, err = NewFromMap("p", map[string]interface{}{
		"algorithm":    "fixed_window",
		"max_requests": 10.5,
		"window":       "30s",
	}, s)
	assert.ErrorIs(t, err, ErrInvalidArgument, "fractional max_requests")

	_, err = NewFromMap("p", map[string]interface{}{
		"algorithm":    "fixed_window",
		"max_requests": 10,
		"window":       "soon",
	}, s)
	assert.ErrorIs(t, err, ErrInvalidArgument, "unparseable window")

	_, err = NewFromMap("p", map[string]interface{}{
		"algorithm":    "fixed_window",
		"max_requests": 10,
		"window":       "30s",
		"parameters":   []string{"nope"},
	}, s)
	assert.ErrorIs(t, err, ErrInvalidArgument, "parameters not a map")
}
