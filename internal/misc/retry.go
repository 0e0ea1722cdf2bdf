// Package misc holds small cross-cutting helpers.
package misc

import (
	"context"
	"time"
)

// DefaultBackoff is the delay schedule used for startup-time retries, such
// as waiting for a device to show up in adb.
var DefaultBackoff = []time.Duration{
	1 * time.Second,
	3 * time.Second,
	5 * time.Second,
}

// Retry runs op, retrying after each delay in the schedule while
// isRetryable approves the error. The attempt count is len(delays)+1.
// Cancellation wins over the schedule and returns ctx.Err().
func Retry(ctx context.Context, delays []time.Duration, isRetryable func(error) bool, op func() error) error {
	var err error
	for i := 0; ; i++ {
		if err = op(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if i >= len(delays) || !isRetryable(err) {
			return err
		}
		t := time.NewTimer(delays[i])
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
