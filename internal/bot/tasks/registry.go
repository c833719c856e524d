package tasks

import (
	"context"
)

// ScheduledTaskFunc is the signature every scheduled task implements.
// The context comes from the scheduler and should be respected for
// cancellation.
type ScheduledTaskFunc func(ctx context.Context) error

// RegisterAllTasks builds the task registry. Map keys match the task
// names used in the scheduler section of config.yaml.
func RegisterAllTasks(deps TaskDeps) map[string]ScheduledTaskFunc {
	tasks := make(map[string]ScheduledTaskFunc)

	tasks["sql_maintenance"] = newSQLMaintenanceTask(deps)
	tasks["pool_stats"] = newPoolStatsTask(deps)

	deps.Logger.Info("Initialized scheduled tasks", "count", len(tasks))
	return tasks
}
