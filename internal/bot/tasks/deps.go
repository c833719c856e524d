// Package tasks implements the scheduled background tasks and their
// registration.
package tasks

import (
	"log/slog"

	"github.com/edgard/botherd/internal/database"
)

// PoolStats is the minimal view of the bot pool the tasks need.
type PoolStats interface {
	Size() int
}

// TaskDeps contains the dependencies scheduled tasks draw on.
type TaskDeps struct {
	Logger *slog.Logger
	Store  database.Store
	Pool   PoolStats
}
