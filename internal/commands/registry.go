package commands

import (
	"fmt"
	"slices"

	"github.com/edgard/botherd/internal/bot"
)

// Factories resolves the configured command names into the factory
// list each session builds its registry from. Unknown names are logged
// and skipped; the default command is included even when the commands
// list omits it.
func Factories(deps Deps) []bot.CommandFactory {
	available := map[string]bot.CommandFactory{
		"help":  func() (bot.Command, error) { return &helpCommand{deps: deps}, nil },
		"ping":  func() (bot.Command, error) { return &pingCommand{}, nil },
		"rooms": func() (bot.Command, error) { return &roomsCommand{deps: deps}, nil },
		"leave": func() (bot.Command, error) { return &leaveCommand{deps: deps}, nil },
		"chat":  newChatFactory(deps),
	}

	names := slices.Clone(deps.Config.Bot.Commands)
	if dc := deps.Config.Bot.DefaultCommand; dc != "" && !slices.Contains(names, dc) {
		names = append(names, dc)
	}

	factories := make([]bot.CommandFactory, 0, len(names))
	for _, name := range names {
		factory, ok := available[name]
		if !ok {
			deps.Logger.Warn("Unknown command configured, skipping", "command", name)
			continue
		}
		factories = append(factories, factory)
	}
	return factories
}

func newChatFactory(deps Deps) bot.CommandFactory {
	return func() (bot.Command, error) {
		if deps.GeminiClient == nil {
			return nil, fmt.Errorf("chat command requires a configured Gemini API key")
		}
		return &chatCommand{deps: deps}, nil
	}
}
