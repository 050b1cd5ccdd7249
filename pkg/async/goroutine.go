package async

import (
	"context"
	"time"

	"github.com/padmini/gateway/pkg/observability"
)

// SafeGo executes fn in a goroutine with a timeout and panic recovery.
// Errors and panics are logged, never propagated. The returned channel is
// closed once fn has returned (or panicked).
//
// Use this instead of bare `go func()` for background work that must not crash
// the process.
//
//	async.SafeGo(ctx, logger, 15*time.Second, "token cache warmup", func(ctx context.Context) error {
//	    return cache.Warm(ctx)
//	})
func SafeGo(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) <-chan struct{} {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	done := make(chan struct{})

	go func() {
		defer close(done)

		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		defer observability.RecoverPanic(logger, taskName)

		start := time.Now()
		if err := fn(ctx); err != nil {
			logger.WithError(err).
				WithField("task", taskName).
				WithField("duration_ms", time.Since(start).Milliseconds()).
				Warn("Background task failed")
			return
		}
		logger.WithField("task", taskName).
			WithField("duration_ms", time.Since(start).Milliseconds()).
			Debug("Background task finished")
	}()

	return done
}
