// Package util holds small shared helpers.
package util

import (
	"context"
	"fmt"
	"time"
)

// Retry runs fn up to maxAttempts times with exponential backoff starting at
// baseDelay. It stops early when fn succeeds or ctx is done. The last error
// is returned when all attempts fail.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	var err error
	delay := baseDelay
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("after %d attempts: %w", maxAttempts, err)
}
