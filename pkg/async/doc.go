// Package async runs background tasks with panic recovery and a deadline.
//
//	done := async.SafeGo(ctx, logger, 15*time.Second, "token cache warmup", func(ctx context.Context) error {
//		return tokens.Warm(ctx)
//	})
//
// Failures are logged through the supplied observability.Logger and never
// reach the caller; wait on the returned channel when completion matters.
package async
