package middleware

import (
	"context"
	"time"
)

// SleepFunc suspends the calling goroutine for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// sleepContext waits for d without blocking other goroutines and returns
// ctx.Err() if the context ends first.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
