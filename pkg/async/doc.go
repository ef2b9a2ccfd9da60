// Package async provides safe concurrent execution primitives for background tasks.
//
// # Overview
//
// This package handles goroutine lifecycle management with panic recovery,
// timeout enforcement, context cancellation, and structured error logging.
//
// # Key Functions
//
// SafeGo: execute a function in a goroutine with safety features
//
//	async.SafeGo(ctx, 30*time.Second, "session sweep", logger, func(ctx context.Context) error {
//		_, err := service.SweepAbandoned(ctx)
//		return err
//	})
//
// # Use Cases
//
// Scheduled session sweeps, token revocation fan-out, anything fired from a
// request path that must not block or crash it.
package async
