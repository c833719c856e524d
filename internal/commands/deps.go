// Package commands implements the built-in command handlers and their
// registration.
package commands

import (
	"log/slog"

	"github.com/edgard/botherd/internal/config"
	"github.com/edgard/botherd/internal/gemini"
)

// Deps contains the dependencies command handlers draw on.
// GeminiClient may be nil when no API key is configured; commands
// requiring it fail construction and are skipped by the registry.
type Deps struct {
	Logger       *slog.Logger
	Config       *config.Config
	GeminiClient gemini.Client
}
