package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBudgetModes(t *testing.T) {
	assert.Equal(t, "aggressive", NewBudget("aggressive").Status().Mode)
	assert.Equal(t, "conservative", NewBudget("conservative").Status().Mode)
	assert.Equal(t, "balanced", NewBudget("balanced").Status().Mode)
	assert.Equal(t, "balanced", NewBudget("bogus").Status().Mode)
}

func TestBudgetConsumesTokens(t *testing.T) {
	b := NewBudget("balanced")
	before := b.Status().Tokens
	require.NoError(t, b.Acquire(context.Background()))
	require.NoError(t, b.Acquire(context.Background()))
	after := b.Status().Tokens
	assert.Less(t, after, before)
}

func TestBudgetPauseBlocksAcquire(t *testing.T) {
	b := NewBudget("aggressive")
	b.Pause(time.Now().Add(40 * time.Millisecond))
	assert.True(t, b.Paused())

	start := time.Now()
	require.NoError(t, b.Acquire(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.False(t, b.Paused())
}

func TestBudgetPauseCancelable(t *testing.T) {
	b := NewBudget("aggressive")
	b.Pause(time.Now().Add(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBudgetBlocksWhenEmpty(t *testing.T) {
	b := NewBudget("aggressive")
	// Drain the bucket.
	for i := 0; i < int(b.capacity); i++ {
		require.NoError(t, b.Acquire(context.Background()))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	// Aggressive refills 2 tokens/s; 20ms cannot produce one.
	err := b.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
