package chat

import (
	"context"
	"log"
	"time"

	"github.com/livetype/relay-chat/internal/metrics"
)

// SweepConfig controls TTL eviction of stored messages.
type SweepConfig struct {
	Interval  time.Duration // how often to sweep
	Retention time.Duration // messages older than this are deleted
}

// DefaultSweepConfig sweeps every 5 minutes and keeps 30 minutes of history.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		Interval:  5 * time.Minute,
		Retention: 30 * time.Minute,
	}
}

// StartSweeper deletes expired messages from store every Interval until ctx
// is cancelled. Errors are logged and the next tick retries.
func StartSweeper(ctx context.Context, store Store, config SweepConfig) {
	ticker := time.NewTicker(config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[chat] sweep loop stopped")
			return
		case now := <-ticker.C:
			sweepOnce(ctx, store, now.Add(-config.Retention))
		}
	}
}

func sweepOnce(ctx context.Context, store Store, cutoff time.Time) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	n, err := store.DeleteBefore(ctx, cutoff)
	if err != nil {
		log.Printf("[chat] sweep failed: %v", err)
		return
	}
	if n > 0 {
		metrics.MessagesSwept.Add(float64(n))
		log.Printf("[chat] sweep: deleted %d messages older than %s", n, cutoff.Format(time.RFC3339))
	}
}
