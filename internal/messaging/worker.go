package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Worker is one adapter run loop. It returns when ctx is cancelled,
// on a fatal transport error, or with ErrCutoff.
type Worker func(ctx context.Context) error

// Supervise runs w until ctx is cancelled, restarting it with backoff
// after errors and panics. ErrCutoff stops the worker for good.
func Supervise(ctx context.Context, name string, w Worker, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("worker", name)

	backoff := time.Second
	const maxBackoff = time.Minute

	for {
		started := time.Now()
		err := runGuarded(ctx, w)

		switch {
		case ctx.Err() != nil:
			log.Info("worker stopped")
			return
		case errors.Is(err, ErrCutoff):
			log.Warn("worker halted by emergency cutoff")
			return
		case err == nil:
			log.Info("worker exited")
			return
		}

		if time.Since(started) > 5*maxBackoff {
			backoff = time.Second
		}
		log.Error("worker failed, restarting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// runGuarded calls w, converting a panic into an error.
func runGuarded(ctx context.Context, w Worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panicked: %v", r)
		}
	}()
	return w(ctx)
}
