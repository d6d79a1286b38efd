// Package appctx builds contexts for background work that outlives the
// event that triggered it.
package appctx

import (
	"context"
	"time"
)

// Detached returns a context bounded by timeout and cancelled early when
// stop closes. Long-running background operations (worktree git calls,
// child process spawns, store cleanup, manifest fetches) use it so a
// shutdown never waits behind a slow remote.
func Detached(stop <-chan struct{}, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	if stop == nil {
		return ctx, cancel
	}

	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
