package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/edgard/botherd/internal/database"
	"github.com/edgard/botherd/internal/matrix"
)

// Command is the capability interface for one bot command. Execute
// returns whether the command actually ran, which feeds the "executed"
// receipt policy.
type Command interface {
	// Name is the token the command is invoked by (without prefix).
	Name() string

	// Execute runs the command against the given session. args is the
	// command argument string (prefix and command name stripped), or
	// the entire original message body when invoked as the default
	// command fallback.
	Execute(ctx context.Context, session *Session, roomID string, event matrix.Event, args string) (bool, error)
}

// CommandFactory constructs one command handler. Factories run once at
// session construction; a factory error removes only that command from
// the registry, never the whole session.
type CommandFactory func() (Command, error)

// buildCommandTable resolves the factory list into a name-keyed command
// table. Per-entry construction failures are logged and skipped.
func buildCommandTable(logger *slog.Logger, factories []CommandFactory) map[string]Command {
	table := make(map[string]Command, len(factories))
	for _, factory := range factories {
		command, err := factory()
		if err != nil {
			logger.Warn("Failed to construct command handler, skipping", "error", err)
			continue
		}
		if _, exists := table[command.Name()]; exists {
			logger.Warn("Duplicate command name, keeping first", "command", command.Name())
			continue
		}
		table[command.Name()] = command
	}
	return table
}

// dispatch runs the command-parsing pipeline for one timeline event.
// Returns whether a command executed. Handler errors and panics are
// contained here: they are logged and reported as "not invoked" so one
// bad event never aborts the rest of the batch.
func (s *Session) dispatch(ctx context.Context, roomID string, event matrix.Event) bool {
	if event.Sender == s.bot.UserID {
		return false
	}
	if !s.senderPermitted(event.Sender) {
		s.logger.DebugContext(ctx, "Sender not permitted, ignoring message",
			"room_id", roomID, "sender", event.Sender)
		return false
	}

	body := event.MessageBody()
	prefix := s.bot.CommandPrefix()
	hasPrefix := strings.HasPrefix(body, prefix)
	if !hasPrefix && s.bot.DefaultCommand == "" {
		return false
	}

	executed := false
	func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.ErrorContext(ctx, "Command handler panicked",
					"room_id", roomID, "event_id", event.EventID, "panic", r)
				executed = false
			}
		}()
		executed = s.invoke(ctx, roomID, event, body, hasPrefix, prefix)
	}()
	return executed
}

func (s *Session) invoke(ctx context.Context, roomID string, event matrix.Event, body string, hasPrefix bool, prefix string) bool {
	stripped := body
	if hasPrefix {
		stripped = body[len(prefix):]
	}

	var name, args string
	fields := strings.Fields(stripped)
	if len(fields) > 0 {
		name = fields[0]
		args = strings.Join(fields[1:], " ")
	}

	command, found := s.commands[name]
	if !found && s.bot.DefaultCommand != "" {
		// The default command receives the entire original body, not
		// the stripped remainder.
		command, found = s.commands[s.bot.DefaultCommand]
		args = body
	}
	if !found {
		if _, err := s.api.SendNotice(ctx, roomID, fmt.Sprintf("Unknown command: %s", name)); err != nil {
			s.logger.WarnContext(ctx, "Failed to send unknown-command notice",
				"room_id", roomID, "command", name, "error", err)
		}
		return false
	}

	executed, err := command.Execute(ctx, s, roomID, event, args)
	if err != nil {
		s.logger.ErrorContext(ctx, "Command execution failed",
			"room_id", roomID, "command", command.Name(), "event_id", event.EventID, "error", err)
		return false
	}
	return executed
}

func (s *Session) senderPermitted(sender string) bool {
	if s.bot.AccessPolicy == database.PolicyOwner {
		return sender == s.bot.Owner
	}
	return true
}
