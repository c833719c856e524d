package tasks

import (
	"context"
	"fmt"
	"time"
)

// newSQLMaintenanceTask creates the task that vacuums and optimizes
// the identity database.
func newSQLMaintenanceTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "sql_maintenance")

	return func(ctx context.Context) error {
		log.InfoContext(ctx, "Starting SQL maintenance")
		startTime := time.Now()

		err := deps.Store.RunSQLMaintenance(ctx)

		duration := time.Since(startTime)
		if err != nil {
			log.ErrorContext(ctx, "SQL maintenance failed", "error", err, "duration", duration)
			return fmt.Errorf("sql maintenance failed: %w", err)
		}

		log.InfoContext(ctx, "SQL maintenance completed", "duration", duration)
		return nil
	}
}
