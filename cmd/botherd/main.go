// Package main contains the entrypoint for the botherd daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edgard/botherd/internal/bot"
	"github.com/edgard/botherd/internal/bot/tasks"
	"github.com/edgard/botherd/internal/commands"
	"github.com/edgard/botherd/internal/config"
	"github.com/edgard/botherd/internal/database"
	"github.com/edgard/botherd/internal/gemini"
	"github.com/edgard/botherd/internal/logger"
	"github.com/edgard/botherd/internal/matrix"

	_ "modernc.org/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run initializes all application components (config, logger, db,
// homeserver client, pool, scheduler), blocks until shutdown, and
// returns the process exit code.
func run(ctx context.Context) int {
	configPath := flag.String("config", "./config.yaml", "Path to configuration file")
	botName := flag.String("new-bot", "", "Provision a new bot with this localpart at startup")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.NewLogger(cfg.Logger.Level, cfg.Logger.JSON)
	slog.SetDefault(log)
	log.Info("Logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Error("Failed to connect to database", "path", cfg.Database.Path, "error", err)
		return 1
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log)

	var geminiClient gemini.Client
	if cfg.Gemini.APIKey != "" {
		geminiClient, err = gemini.NewClient(ctx, cfg.Gemini, log)
		if err != nil {
			log.Error("Failed to initialize Gemini client", "error", err)
			return 1
		}
	} else {
		log.Info("No Gemini API key configured, chat command unavailable")
	}

	matrixClient, err := matrix.NewClient(matrix.ClientConfig{
		HomeserverURL: cfg.Homeserver.URL,
		HTTPClient:    &http.Client{Timeout: cfg.Homeserver.RequestTimeout},
		Logger:        log,
	})
	if err != nil {
		log.Error("Failed to create homeserver client", "error", err)
		return 1
	}

	pool := bot.NewPool(bot.PoolConfig{
		Logger:     log,
		Store:      store,
		Connector:  bot.NewConnector(matrixClient),
		ServerName: cfg.Homeserver.ServerName,
		Mode:       bot.Mode(cfg.Pool.Mode),
		StopGrace:  cfg.Pool.StopGracePeriod,
		Defaults:   cfg.Bot,
		Commands: commands.Factories(commands.Deps{
			Logger:       log,
			Config:       cfg,
			GeminiClient: geminiClient,
		}),
	})

	taskMap := tasks.RegisterAllTasks(tasks.TaskDeps{
		Logger: log,
		Store:  store,
		Pool:   pool,
	})
	scheduler, err := bot.NewScheduler(log, &cfg.Scheduler, taskMap)
	if err != nil {
		log.Error("Failed to create scheduler", "error", err)
		return 1
	}

	app := bot.NewBot(log, cfg, db, store, pool, scheduler)

	if *botName != "" {
		app.Provision(*botName)
	}

	log.Info("Starting botherd...")
	runErr := app.Run(ctx)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("Stopped due to error", "error", runErr)
		time.Sleep(time.Second)
		return 1
	}

	log.Info("Stopped gracefully.")
	time.Sleep(time.Second)
	return 0
}
