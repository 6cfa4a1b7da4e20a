package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// PollFunc processes one batch and reports how many items it handled.
type PollFunc func(ctx context.Context) (int, error)

// Run calls poll until ctx is done. While poll returns work it is called
// again immediately; an empty or failed poll sleeps for interval first.
// Returns nil once ctx is cancelled.
func Run(ctx context.Context, name string, interval time.Duration, poll PollFunc) error {
	logger := slog.Default().With("worker", name)
	logger.Info("worker started", "interval", interval)
	defer logger.Info("worker stopped")

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("poll failed", "error", err)
		} else if n > 0 {
			logger.Debug("poll processed", "count", n)
			continue
		}

		timer.Reset(interval)
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
	}
}

// ErrNotDrained is returned by Drain when poll still reports work after
// the allowed number of rounds.
var ErrNotDrained = errors.New("queue did not drain")

// Drain calls poll until it reports no work, at most rounds times, and
// returns the total processed. It is the synchronous counterpart of Run.
func Drain(ctx context.Context, rounds int, poll PollFunc) (int, error) {
	total := 0
	for range rounds {
		n, err := poll(ctx)
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
		total += n
	}
	return total, fmt.Errorf("%w after %d rounds", ErrNotDrained, rounds)
}
