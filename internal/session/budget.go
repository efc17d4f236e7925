package session

import (
	"context"
	"sync"
	"time"
)

// Budget is the per-session token bucket. Every outbound call consumes one
// token; an empty bucket blocks the caller until refill. A flood-wait pause
// overrides the bucket entirely until its deadline.
type Budget struct {
	mu           sync.Mutex
	tokens       float64
	capacity     float64
	refillPerSec float64
	last         time.Time
	pausedUntil  time.Time
	mode         string

	now func() time.Time
}

// RateStatus is a point-in-time snapshot of a session's budget.
type RateStatus struct {
	Mode        string     `json:"mode"`
	Tokens      float64    `json:"tokens"`
	Capacity    float64    `json:"capacity"`
	PausedUntil *time.Time `json:"paused_until,omitempty"`
}

// NewBudget builds a bucket for the configured rate-limit mode. Unknown modes
// fall back to balanced.
func NewBudget(mode string) *Budget {
	b := &Budget{mode: mode, now: time.Now}
	switch mode {
	case "aggressive":
		b.capacity, b.refillPerSec = 30, 2.0
	case "conservative":
		b.capacity, b.refillPerSec = 10, 0.5
	default:
		b.mode = "balanced"
		b.capacity, b.refillPerSec = 20, 1.0
	}
	b.tokens = b.capacity
	b.last = b.now()
	return b
}

func (b *Budget) refillLocked(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.refillPerSec
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.last = now
	}
}

// Acquire consumes one token, blocking through pauses and empty buckets.
func (b *Budget) Acquire(ctx context.Context) error {
	for {
		b.mu.Lock()
		now := b.now()
		b.refillLocked(now)

		var wait time.Duration
		switch {
		case now.Before(b.pausedUntil):
			wait = b.pausedUntil.Sub(now)
		case b.tokens >= 1:
			b.tokens--
			b.mu.Unlock()
			return nil
		default:
			wait = time.Duration((1 - b.tokens) / b.refillPerSec * float64(time.Second))
		}
		b.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Pause hard-stops the budget until the deadline (server-advised flood wait).
func (b *Budget) Pause(until time.Time) {
	b.mu.Lock()
	if until.After(b.pausedUntil) {
		b.pausedUntil = until
	}
	b.mu.Unlock()
}

// Paused reports whether a flood-wait pause is in effect.
func (b *Budget) Paused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now().Before(b.pausedUntil)
}

// Status snapshots the budget.
func (b *Budget) Status() RateStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.now())
	st := RateStatus{Mode: b.mode, Tokens: b.tokens, Capacity: b.capacity}
	if b.now().Before(b.pausedUntil) {
		t := b.pausedUntil
		st.PausedUntil = &t
	}
	return st
}
