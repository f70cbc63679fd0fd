package runtime

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
)

func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// Go runs fn on its own goroutine and logs a non-nil result under name.
func Go(ctx context.Context, logger *slog.Logger, name string, fn func(context.Context) error) {
	go func() {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			logger.Error("background task stopped", "task", name, "err", err)
		}
	}()
}
