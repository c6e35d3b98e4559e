// Package retry repeats an operation with a fixed backoff schedule.
package retry

import (
	"context"
	"time"
)

// DefaultDelays is the pause before the second, third and fourth attempt.
var DefaultDelays = []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

// Do calls fn until it succeeds, returns an error retryable rejects, or the
// delays are used up. It returns the last error from fn, or ctx.Err() when
// the context ends during a pause.
func Do(ctx context.Context, delays []time.Duration, retryable func(error) bool, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil || !retryable(err) || attempt >= len(delays) {
			return err
		}

		timer := time.NewTimer(delays[attempt])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
