package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LoadConfig loads and validates configuration from:
// 1. Default values
// 2. The YAML file at configPath
// 3. BOT_* environment variables
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("BOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// A missing config file is fine; defaults plus environment
	// variables may be a complete configuration.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.json", false)

	v.SetDefault("database.path", "botherd.db")

	v.SetDefault("homeserver.server_name", "localhost")
	v.SetDefault("homeserver.request_timeout", 5*time.Minute)

	v.SetDefault("pool.mode", "standalone")
	v.SetDefault("pool.stop_grace_period", 10*time.Second)

	v.SetDefault("bot.display_name", "botherd")
	v.SetDefault("bot.prefix", "!")
	v.SetDefault("bot.commands", []string{"help", "ping", "rooms", "leave"})
	v.SetDefault("bot.poll_timeout", 30*time.Second)
	v.SetDefault("bot.skip_initial_sync", true)
	v.SetDefault("bot.exit_on_empty_rooms", false)
	v.SetDefault("bot.access_policy", "all")
	v.SetDefault("bot.receipt_policy", "read")

	v.SetDefault("gemini.model_name", "gemini-2.0-flash")
	v.SetDefault("gemini.temperature", 1.0)
	v.SetDefault("gemini.max_retries", 2)
	v.SetDefault("gemini.retry_delay_seconds", 5)
}
