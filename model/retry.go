package model

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy controls how AgentLoop retries failed model calls. The zero
// value is not useful; start from DefaultRetryPolicy and override fields.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// Multiplier grows the delay between consecutive retries.
	Multiplier float64

	// Jitter is the fraction of the computed delay randomized in both
	// directions (0.2 means ±20%).
	Jitter float64

	// MaxDelay caps the computed delay. Server-advised delays are also
	// clamped to it.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the kernel's default backoff: 3 attempts,
// 1s base, doubling, ±20% jitter, capped at 60s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2,
		Jitter:      0.2,
		MaxDelay:    60 * time.Second,
	}
}

// ShouldRetry reports whether err warrants another attempt and the delay to
// wait before it. attempt is 1-based and counts the attempt that just
// failed; no retry is advised once attempt reaches MaxAttempts. A
// server-advised retry-after takes precedence over the computed backoff.
func (p RetryPolicy) ShouldRetry(err error, attempt int) (time.Duration, bool) {
	if err == nil || attempt >= p.MaxAttempts {
		return 0, false
	}
	pe, ok := AsProviderError(err)
	if !ok || !pe.Retryable() {
		return 0, false
	}
	if advised := pe.RetryAfterMs(); advised > 0 {
		d := time.Duration(advised) * time.Millisecond
		if p.MaxDelay > 0 && d > p.MaxDelay {
			d = p.MaxDelay
		}
		return d, true
	}
	return p.backoff(attempt), true
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
	}
	if p.Jitter > 0 {
		d *= 1 + p.Jitter*(2*rand.Float64()-1)
	}
	out := time.Duration(d)
	if p.MaxDelay > 0 && out > p.MaxDelay {
		out = p.MaxDelay
	}
	return out
}

// Sleep waits for d or until ctx is canceled, returning ctx.Err in the
// latter case so callers abort the retry loop on interrupt.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
