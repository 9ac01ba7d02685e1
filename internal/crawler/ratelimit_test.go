package crawler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterPacesRequests(t *testing.T) {
	t.Parallel()

	l := NewRateLimiter(50*time.Millisecond, 1)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Acquire(ctx))
	}
	// First token is free; the next two wait one interval each.
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestRateLimiterZeroDelayNeverBlocks(t *testing.T) {
	t.Parallel()

	l := NewRateLimiter(0, 1)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Acquire(ctx))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestRateLimiterHonorsContext(t *testing.T) {
	t.Parallel()

	l := NewRateLimiter(time.Minute, 1)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.Acquire(ctx))

	cancel()
	assert.Error(t, l.Acquire(ctx))
}
