package usecases

import (
	"context"
	"time"
)

// RetryPolicy decides whether a failed or timed out run goes back to pending and how long to wait.
type RetryPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// ShouldRetry follows the run rule: retry while attempts made < max retries.
func (p RetryPolicy) ShouldRetry(autoRetry bool, attempts, maxRetries int) bool {
	return autoRetry && attempts < maxRetries
}

// Delay returns base * 2^(attempts-1), capped at Max. attempts is the count already made.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := p.Base
	for i := 1; i < attempts; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// sleepCtx waits d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
