package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/edgard/botherd/internal/bot"
	"github.com/edgard/botherd/internal/matrix"
)

// helpCommand lists the configured commands.
type helpCommand struct {
	deps Deps
}

func (c *helpCommand) Name() string { return "help" }

func (c *helpCommand) Execute(ctx context.Context, session *bot.Session, roomID string, event matrix.Event, args string) (bool, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "I am %s. Available commands:\n", session.DisplayName())
	for _, name := range c.deps.Config.Bot.Commands {
		fmt.Fprintf(&sb, "  %s\n", name)
	}
	if dc := c.deps.Config.Bot.DefaultCommand; dc != "" {
		fmt.Fprintf(&sb, "Messages without a command prefix go to %q.", dc)
	}

	if err := session.Notice(ctx, roomID, sb.String()); err != nil {
		return false, fmt.Errorf("failed to send help text: %w", err)
	}
	return true, nil
}
