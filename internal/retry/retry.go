// Package retry wraps upstream RPC calls with classified retries. Temporary
// failures back off exponentially against a fixed attempt budget; rate-limit
// responses sleep for the server-advised duration without consuming it.
package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/osintops/dragnet/internal/config"
	"github.com/osintops/dragnet/internal/faults"
	"github.com/osintops/dragnet/internal/metrics"
)

// Policy bounds the retry behavior for one operation.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Jitter      bool
}

// FromConfig builds the default policy from the loaded app config.
func FromConfig() Policy {
	return Policy{
		MaxAttempts: config.AppConfig.RPCRetryMaxAttempts,
		BaseDelay:   config.AppConfig.RPCRetryDelayBase,
		Jitter:      config.AppConfig.RPCRetryJitter,
	}
}

// Outcome reports what a Do call cost.
type Outcome struct {
	// Attempts is the number of times op ran, including rate-limited ones.
	Attempts int
	// TotalDelay is the wall time spent sleeping between attempts.
	TotalDelay time.Duration
}

// Do runs op until it succeeds, the attempt budget is exhausted, or a
// non-retryable error occurs. The last error is returned unwrapped so callers
// can classify it.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) (Outcome, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}

	// Delay k is base * 2^(k-1), plus an additive jitter in [0, base)
	// when enabled.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BaseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	var out Outcome
	failures := 0
	for {
		out.Attempts++
		err := op(ctx)
		if err == nil {
			return out, nil
		}

		if wait, ok := faults.RetryAfter(err); ok {
			// Server-advised waits do not consume the budget.
			metrics.RetryAttempts.WithLabelValues("rate_limited").Inc()
			metrics.FloodWaits.Observe(wait.Seconds())
			if serr := sleep(ctx, wait, &out); serr != nil {
				return out, serr
			}
			continue
		}
		if !faults.IsRetryable(err) {
			return out, err
		}

		failures++
		if failures >= p.MaxAttempts {
			return out, err
		}
		metrics.RetryAttempts.WithLabelValues("temporary").Inc()
		delay := bo.NextBackOff()
		if p.Jitter {
			delay += rand.N(p.BaseDelay)
		}
		if serr := sleep(ctx, delay, &out); serr != nil {
			return out, serr
		}
	}
}

func sleep(ctx context.Context, d time.Duration, out *Outcome) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		out.TotalDelay += d
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
