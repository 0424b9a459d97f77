package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucket_ConsumesBurstThenBlocks(t *testing.T) {
	b := New(10, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, b.Take(ctx))
	require.NoError(t, b.Take(ctx))

	err := b.Take(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBucket_RefillsOverTime(t *testing.T) {
	b := New(100, 1)
	ctx := context.Background()

	require.NoError(t, b.Take(ctx))

	timeoutCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	assert.NoError(t, b.Take(timeoutCtx), "at 100 rps a token should refill within 100ms")
}

func TestBucket_NonPositiveRPSNeverBlocks(t *testing.T) {
	b := New(0, 1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()

	for i := 0; i < 5; i++ {
		assert.NoError(t, b.Take(ctx))
	}
}
