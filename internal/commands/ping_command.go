package commands

import (
	"context"
	"fmt"

	"github.com/edgard/botherd/internal/bot"
	"github.com/edgard/botherd/internal/matrix"
)

// pingCommand is the liveness check.
type pingCommand struct{}

func (c *pingCommand) Name() string { return "ping" }

func (c *pingCommand) Execute(ctx context.Context, session *bot.Session, roomID string, event matrix.Event, args string) (bool, error) {
	if err := session.Notice(ctx, roomID, "pong"); err != nil {
		return false, fmt.Errorf("failed to send pong: %w", err)
	}
	return true, nil
}
