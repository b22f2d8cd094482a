package ratelimiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quotaflow/quotaflow/internal/clock"
)

// captureLogger records structured decisions, standing in for the adapter
// packages.
type captureLogger struct {
	mu        sync.Mutex
	decisions []Result
}

func (c *captureLogger) Debugf(format string, args ...interface{}) {}
func (c *captureLogger) Errorf(format string, args ...interface{}) {}

func (c *captureLogger) Decision(res Result) {
	c.mu.Lock()
	c.decisions = append(c.decisions, res)
	c.mu.Unlock()
}

func TestDecisionLoggerReceivesEveryDecision(t *testing.T) {
	clk := clock.NewMockAt(time.Unix(1_700_000_000, 0))
	capture := &captureLogger{}
	s := newTestStore()

	l, err := NewTokenBucket("test", s, 1, 0,
		withClock(clk),
		WithLogger(capture),
	)
	require.NoError(t, err)
	defer l.Close()

	ctx := context.Background()
	_, err = l.Allow(ctx, "k", 1)
	require.NoError(t, err)
	_, err = l.Allow(ctx, "k", 1)
	require.NoError(t, err)

	require.Len(t, capture.decisions, 2)
	assert.True(t, capture.decisions[0].Allowed)
	assert.False(t, capture.decisions[1].Allowed)
	assert.Equal(t, "k", capture.decisions[0].Key)
}

func TestPlainLoggerNeedsNoDecisionMethod(t *testing.T) {
	clk := clock.NewMockAt(time.Unix(1_700_000_000, 0))
	s := newTestStore()

	// A Logger without the Decision extension is still accepted.
	l, err := NewFixedWindow("test", s, 1, time.Minute,
		withClock(clk),
		WithLogger(&noopLogger{}),
	)
	require.NoError(t, err)
	defer l.Close()

	res, err := l.Allow(context.Background(), "k", 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}
