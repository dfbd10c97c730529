package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// RestartConfig contains the exponential backoff used to restart a camera
// monitor whose stream session ended.
type RestartConfig struct {
	MaxRestarts int           // 0 restarts forever
	Delay       time.Duration // first delay (default: 1 second)
	MaxDelay    time.Duration // delay cap (default: 30 seconds)
}

// RunFunc runs one monitor attempt until its session ends. It returns nil
// only when ctx was cancelled.
type RunFunc func(ctx context.Context) error

// RunWithRestart calls run until ctx is cancelled, waiting with exponential
// backoff between attempts. Network sessions give up on the first read
// failure, so this is the only place a network camera is reconnected.
//
// Backoff schedule with the defaults: 1s, 2s, 4s, 8s, 16s, 30s, 30s, ...
// An attempt that streamed for longer than MaxDelay resets the schedule.
func RunWithRestart(ctx context.Context, name string, run RunFunc, cfg RestartConfig, restarts *atomic.Uint64) error {
	if cfg.Delay <= 0 {
		cfg.Delay = time.Second
	}
	if cfg.MaxDelay < cfg.Delay {
		cfg.MaxDelay = 30 * time.Second
	}

	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		started := time.Now()
		err := run(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(started) > cfg.MaxDelay {
			attempt = 0
		}
		attempt++

		if cfg.MaxRestarts > 0 && attempt > cfg.MaxRestarts {
			return fmt.Errorf("core: monitor %s exceeded %d restarts: %w", name, cfg.MaxRestarts, err)
		}

		delay := backoff(attempt, cfg)
		slog.Warn("core: monitor stopped, restarting",
			"camera", name,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)

		t := time.NewTimer(delay)
		select {
		case <-t.C:
			if restarts != nil {
				restarts.Add(1)
			}
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

// backoff returns Delay * 2^(attempt-1), capped at MaxDelay.
func backoff(attempt int, cfg RestartConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return cfg.MaxDelay
	}
	d := cfg.Delay * time.Duration(1<<uint(attempt-1))
	if d > cfg.MaxDelay || d <= 0 {
		d = cfg.MaxDelay
	}
	return d
}
