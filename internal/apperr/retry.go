package apperr

import (
	"context"
	"time"
)

const (
	baseDelay = time.Second
	maxDelay  = 10 * time.Second
)

// RetryDelay is how long to wait before retry number attempt (0-based).
// Network failures back off exponentially; everything else waits a flat second.
func RetryDelay(e *AppError, attempt int) time.Duration {
	if e == nil || e.Category != CategoryNetwork {
		return baseDelay
	}
	if attempt < 0 {
		attempt = 0
	}
	d := baseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return d
}

// Retry runs fn until it succeeds, fails with a non-retryable error, or
// maxAttempts is reached. The returned error is always an *AppError carrying
// the number of retries performed.
func Retry(ctx context.Context, c *Classifier, maxAttempts int, fn func(context.Context) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var last *AppError
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		last = c.Classify(err, nil)
		last.RetryCount = attempt
		if !last.Retryable || attempt == maxAttempts-1 {
			break
		}
		timer := time.NewTimer(RetryDelay(last, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return c.Classify(ctx.Err(), map[string]any{"retry_count": attempt + 1})
		case <-timer.C:
		}
	}
	return last
}
