package worker

import (
	"context"
	"time"

	"wedplan/internal/log"
)

// Every calls fn each interval until ctx is cancelled. Errors are logged and
// the loop keeps going.
func Every(ctx context.Context, interval time.Duration, name string, logger *log.Logger, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				logger.Error("Periodic task failed", "task", name, log.FieldError, err)
			}
		}
	}
}
