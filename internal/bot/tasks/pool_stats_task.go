package tasks

import (
	"context"
)

// newPoolStatsTask creates the task that periodically reports how many
// sessions the pool is running.
func newPoolStatsTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "pool_stats")

	return func(ctx context.Context) error {
		log.InfoContext(ctx, "Pool status", "live_sessions", deps.Pool.Size())
		return nil
	}
}
