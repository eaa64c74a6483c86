package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Replayer copies fallback orders back into the primary store.
type Replayer interface {
	Ping(ctx context.Context) error
	Replay(ctx context.Context) (int, error)
}

// ReplayFallbackOrders moves orders that were written to the fallback file
// while the database was unavailable. It does nothing while the primary is
// still down, so a failing database never empties the fallback file.
// Runs every REPLAY_SCHEDULE tick.
func ReplayFallbackOrders(ctx context.Context, store Replayer, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	start := time.Now()

	if err := store.Ping(ctx); err != nil {
		logger.WarnContext(ctx, "primary store unavailable, skipping fallback replay", "error", err)
		return 0, fmt.Errorf("primary store unavailable: %w", err)
	}

	inserted, err := store.Replay(ctx)
	if err != nil {
		return inserted, fmt.Errorf("failed to replay fallback orders: %w", err)
	}

	logger.InfoContext(ctx, "fallback replay finished", "inserted", inserted, "duration", time.Since(start))
	return inserted, nil
}
