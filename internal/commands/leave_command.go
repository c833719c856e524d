package commands

import (
	"context"
	"fmt"

	"github.com/edgard/botherd/internal/bot"
	"github.com/edgard/botherd/internal/matrix"
)

// leaveCommand makes the bot leave the room it was invoked in, or a
// room given as argument.
type leaveCommand struct {
	deps Deps
}

func (c *leaveCommand) Name() string { return "leave" }

func (c *leaveCommand) Execute(ctx context.Context, session *bot.Session, roomID string, event matrix.Event, args string) (bool, error) {
	target := roomID
	if args != "" {
		target = args
	}

	if target == roomID {
		// Best effort; the bot is about to lose the ability to post here.
		_ = session.Notice(ctx, roomID, "Goodbye.")
	}

	if err := session.LeaveRoom(ctx, target); err != nil {
		return false, fmt.Errorf("failed to leave room %q: %w", target, err)
	}
	c.deps.Logger.InfoContext(ctx, "Left room on command",
		"room_id", target, "requested_by", event.Sender)
	return true, nil
}
