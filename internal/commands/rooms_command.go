package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/edgard/botherd/internal/bot"
	"github.com/edgard/botherd/internal/matrix"
)

// roomsCommand reports the rooms the bot is currently a member of.
type roomsCommand struct {
	deps Deps
}

func (c *roomsCommand) Name() string { return "rooms" }

func (c *roomsCommand) Execute(ctx context.Context, session *bot.Session, roomID string, event matrix.Event, args string) (bool, error) {
	rooms, err := session.JoinedRooms(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to query joined rooms: %w", err)
	}

	text := fmt.Sprintf("Joined rooms (%d):\n%s", len(rooms), strings.Join(rooms, "\n"))
	if err := session.Notice(ctx, roomID, text); err != nil {
		return false, fmt.Errorf("failed to send room list: %w", err)
	}
	return true, nil
}
