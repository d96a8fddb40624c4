package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// WaitReady pings the backend until it answers or maxElapsed passes.
func WaitReady(ctx context.Context, log *slog.Logger, b Backend, maxElapsed time.Duration) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, b.Ping(ctx)
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(maxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("engine: backend not ready", "backend", b.Name(), "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to reach %s backend: %w", b.Name(), err)
	}
	return nil
}
