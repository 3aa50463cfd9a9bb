// Package poll provides the single wait primitive behind every long-running
// provider operation: command completion, instance state, volume state.
package poll

import (
	"context"
	"time"

	"github.com/stratusgg/stratus/pkg/types"
)

// Probe inspects the watched resource once. done=true stops the loop
// successfully; a non-nil error stops it with that error.
type Probe func(ctx context.Context) (done bool, err error)

// Until runs probe at the given interval until it reports done, fails, the
// context is cancelled, or timeout elapses. The first probe runs immediately.
// On deadline it returns a *types.TimeoutError naming op.
func Until(ctx context.Context, op string, interval, timeout time.Duration, probe Probe) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := probe(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return &types.TimeoutError{Op: op, Seconds: int(timeout.Seconds())}
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
