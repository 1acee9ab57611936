package sync

import (
	"context"
	"fmt"
	"time"
)

// withRetry runs fn with exponential backoff: MaxRetries attempts, the
// delay starting at RetryBaseDelay and doubling between attempts.
// Exhausting the attempts surfaces the last error; context cancellation
// aborts the wait.
func (e *Engine) withRetry(ctx context.Context, what string, fn func() error) error {
	delay := e.cfg.RetryBaseDelay
	var err error
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == e.cfg.MaxRetries {
			break
		}
		e.logger.Printf("Warning: %s failed (attempt %d/%d), retrying in %v: %v",
			what, attempt, e.cfg.MaxRetries, delay, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("%s failed after %d attempts: %w", what, e.cfg.MaxRetries, err)
}
