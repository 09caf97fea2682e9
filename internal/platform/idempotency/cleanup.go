package idempotency

import (
	"context"
	"time"
)

// Janitor periodically removes expired records from stores that do not expire them natively.
type Janitor struct {
	store    Store
	interval time.Duration
	batch    int
	clock    func() time.Time
	logger   Logger
}

// NewJanitor constructs a Janitor. Non-positive intervals disable it.
func NewJanitor(store Store, interval time.Duration, batch int, logger Logger) *Janitor {
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Janitor{store: store, interval: interval, batch: batch, clock: time.Now, logger: logger}
}

// Run sweeps until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	if j == nil || j.store == nil || j.interval <= 0 {
		return
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep drains expired records batch by batch and returns how many were removed.
func (j *Janitor) Sweep(ctx context.Context) int {
	total := 0
	for ctx.Err() == nil {
		removed, err := j.store.CleanupExpired(ctx, j.clock().UTC(), j.batch)
		if err != nil {
			j.logger(ctx, "idempotency.cleanup_failed", map[string]any{"error": err.Error(), "removed": total})
			return total
		}
		total += removed
		if removed == 0 || j.batch <= 0 || removed < j.batch {
			break
		}
	}
	if total > 0 {
		j.logger(ctx, "idempotency.cleanup", map[string]any{"removed": total})
	}
	return total
}
