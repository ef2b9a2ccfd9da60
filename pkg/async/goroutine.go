package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/gatekey/gatekey/pkg/observability"
)

// SafeGo executes a function in a goroutine with:
// - Context cancellation support
// - Panic recovery
// - Timeout enforcement
// - Error logging
//
// Use this instead of bare `go func()` for fire-and-forget background work
// so a panic in it cannot take the process down.
//
// Example:
//
//	async.SafeGo(ctx, 30*time.Second, "session sweep", logger, func(ctx context.Context) error {
//	    _, err := service.SweepAbandoned(ctx)
//	    return err
//	})
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, logger *observability.Logger, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(map[string]interface{}{
					"task":  taskName,
					"panic": fmt.Sprintf("%v", r),
					"stack": string(debug.Stack()),
				}).Error("panic in background task")
			}
		}()

		if err := fn(ctx); err != nil {
			logger.WithError(err).WithField("task", taskName).Error("background task failed")
		}
	}()
}

// SafeGoNoError is like SafeGo but for functions that don't return errors.
// Still provides panic recovery and context support.
func SafeGoNoError(parentCtx context.Context, timeout time.Duration, taskName string, logger *observability.Logger, fn func(context.Context)) {
	SafeGo(parentCtx, timeout, taskName, logger, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}
