package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/edgard/botherd/internal/bot"
	"github.com/edgard/botherd/internal/matrix"
)

// chatCommand forwards the message to Gemini and posts the reply. It
// is usually wired as the default command so any non-prefixed message
// in a room becomes a conversation turn.
type chatCommand struct {
	deps Deps
}

func (c *chatCommand) Name() string { return "chat" }

func (c *chatCommand) Execute(ctx context.Context, session *bot.Session, roomID string, event matrix.Event, args string) (bool, error) {
	prompt := strings.TrimSpace(args)
	if prompt == "" {
		return false, nil
	}

	reply, err := c.deps.GeminiClient.Reply(ctx, prompt)
	if err != nil {
		return false, fmt.Errorf("chat reply generation failed: %w", err)
	}

	if err := session.Notice(ctx, roomID, reply); err != nil {
		return false, fmt.Errorf("failed to send chat reply: %w", err)
	}
	return true, nil
}
