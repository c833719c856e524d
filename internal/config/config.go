// Package config manages application configuration from default values,
// a config.yaml file, and BOT_* environment variables.
package config

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// Config defines the application configuration parameters for all
// components of the botherd system: logging, the homeserver connection,
// the bot pool, per-bot defaults, scheduled tasks, and the optional
// Gemini integration backing the chat command.
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Homeserver HomeserverConfig `mapstructure:"homeserver"`
	Pool       PoolConfig       `mapstructure:"pool"`
	Bot        BotDefaults      `mapstructure:"bot"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Gemini     GeminiConfig     `mapstructure:"gemini"`
}

// LoggerConfig controls log output.
type LoggerConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// DatabaseConfig locates the SQLite database holding bot identities.
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// HomeserverConfig describes the homeserver every bot in the pool
// connects to.
type HomeserverConfig struct {
	URL            string        `mapstructure:"url" validate:"required,url"`
	ServerName     string        `mapstructure:"server_name" validate:"required"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"min=1s,max=10m"`
}

// PoolConfig controls the bot pool.
type PoolConfig struct {
	// Mode selects how sessions receive events: "standalone" bots run
	// their own long-poll loop, "appservice" bots are driven by pushed
	// events through Pool.Send.
	Mode string `mapstructure:"mode" validate:"oneof=standalone appservice"`

	// StopGracePeriod bounds how long Stop waits for running session
	// loops to drain.
	StopGracePeriod time.Duration `mapstructure:"stop_grace_period" validate:"min=1s,max=5m"`
}

// BotDefaults are applied to newly provisioned bot identities. Existing
// identities keep whatever was persisted for them.
type BotDefaults struct {
	DisplayName string `mapstructure:"display_name"`

	// Prefix is the command prefix template. The {{display_name}}
	// placeholder expands to the bot's display name.
	Prefix string `mapstructure:"prefix" validate:"required"`

	// DefaultCommand, when set, receives messages that don't start
	// with the prefix. Empty disables the fallback.
	DefaultCommand string `mapstructure:"default_command"`

	// Commands lists the handler names to build into each session's
	// command registry.
	Commands []string `mapstructure:"commands"`

	PollTimeout     time.Duration `mapstructure:"poll_timeout" validate:"min=1s,max=5m"`
	SkipInitialSync bool          `mapstructure:"skip_initial_sync"`
	ExitOnEmpty     bool          `mapstructure:"exit_on_empty_rooms"`

	// AccessPolicy is "all" or "owner".
	AccessPolicy string `mapstructure:"access_policy" validate:"oneof=all owner"`

	// ReceiptPolicy is "read", "executed", or "none".
	ReceiptPolicy string `mapstructure:"receipt_policy" validate:"oneof=read executed none"`
}

// SchedulerConfig holds per-task scheduling settings keyed by task name.
type SchedulerConfig struct {
	Tasks map[string]TaskConfig `mapstructure:"tasks"`
}

// TaskConfig enables a scheduled task and sets its cron schedule.
type TaskConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

// GeminiConfig configures the Gemini client behind the chat command.
// APIKey empty means the chat command is unavailable; the registry logs
// and skips it.
type GeminiConfig struct {
	APIKey            string  `mapstructure:"api_key"`
	ModelName         string  `mapstructure:"model_name"`
	Temperature       float32 `mapstructure:"temperature" validate:"min=0,max=2"`
	SystemInstruction string  `mapstructure:"system_instruction"`
	MaxRetries        int     `mapstructure:"max_retries" validate:"min=0,max=10"`
	RetryDelaySeconds int     `mapstructure:"retry_delay_seconds" validate:"min=1,max=300"`
}

// Validate checks the complete configuration using struct tags.
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}
