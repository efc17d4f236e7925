package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osintops/dragnet/internal/faults"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond}
}

func TestDoSucceedsFirstTry(t *testing.T) {
	out, err := Do(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Attempts)
	assert.Zero(t, out.TotalDelay)
}

func TestDoRetriesTemporaryUntilBudget(t *testing.T) {
	calls := 0
	cause := &faults.TemporaryError{Cause: errors.New("flaky")}
	out, err := Do(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		calls++
		return cause
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, faults.KindTemporary, faults.KindOf(err))
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastPolicy(5), func(ctx context.Context) error {
		calls++
		return &faults.PermanentError{Cause: errors.New("bad request")}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRateLimitDoesNotConsumeBudget(t *testing.T) {
	calls := 0
	out, err := Do(context.Background(), fastPolicy(2), func(ctx context.Context) error {
		calls++
		switch calls {
		case 1, 2, 3:
			return &faults.RateLimitedError{RetryAfter: time.Millisecond}
		case 4:
			return &faults.TemporaryError{Cause: errors.New("transient")}
		default:
			return nil
		}
	})
	// Three flood waits plus one temporary failure still leave budget for the
	// successful fifth call.
	require.NoError(t, err)
	assert.Equal(t, 5, calls)
	assert.Equal(t, 5, out.Attempts)
	assert.GreaterOrEqual(t, out.TotalDelay, 3*time.Millisecond)
}

func TestDoDelaysDoubleWithoutJitter(t *testing.T) {
	const base = 20 * time.Millisecond
	calls := 0
	out, err := Do(context.Background(), Policy{MaxAttempts: 4, BaseDelay: base}, func(ctx context.Context) error {
		calls++
		if calls < 4 {
			return &faults.TemporaryError{Cause: errors.New("transient")}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 4, out.Attempts)
	// Three sleeps at base, 2*base, 4*base.
	assert.Equal(t, 7*base, out.TotalDelay)
}

func TestDoJitterStaysWithinOneBase(t *testing.T) {
	const base = 10 * time.Millisecond
	calls := 0
	out, err := Do(context.Background(), Policy{MaxAttempts: 4, BaseDelay: base, Jitter: true}, func(ctx context.Context) error {
		calls++
		if calls < 4 {
			return &faults.TemporaryError{Cause: errors.New("transient")}
		}
		return nil
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, out.TotalDelay, 7*base)
	assert.Less(t, out.TotalDelay, 10*base)
}

func TestDoHonorsContextDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := Do(ctx, fastPolicy(2), func(ctx context.Context) error {
		return &faults.RateLimitedError{RetryAfter: time.Minute}
	})
	assert.ErrorIs(t, err, context.Canceled)
}
