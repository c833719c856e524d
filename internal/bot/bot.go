package bot

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	"github.com/edgard/botherd/internal/config"
	"github.com/edgard/botherd/internal/database"
)

// Bot is the top-level orchestrator. It owns the pool and the
// scheduler and ties their lifecycles together.
type Bot struct {
	logger    *slog.Logger
	cfg       *config.Config
	db        *sqlx.DB
	store     database.Store
	pool      *Pool
	scheduler *Scheduler

	// provision holds localparts of bots to create once the pool is up.
	provision []string
}

// NewBot assembles the orchestrator from its components.
func NewBot(
	logger *slog.Logger,
	cfg *config.Config,
	db *sqlx.DB,
	store database.Store,
	pool *Pool,
	scheduler *Scheduler,
) *Bot {
	return &Bot{
		logger:    logger.With("component", "orchestrator"),
		cfg:       cfg,
		db:        db,
		store:     store,
		pool:      pool,
		scheduler: scheduler,
	}
}

// Provision queues a new bot identity to be created as soon as the
// pool starts. Must be called before Run.
func (b *Bot) Provision(names ...string) {
	b.provision = append(b.provision, names...)
}

// Run starts the pool and the scheduler, then blocks until ctx is
// cancelled or a component fails. Shutdown is graceful: the pool
// drains its sessions within its grace period, the scheduler waits for
// running jobs.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("Starting orchestrator")

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := b.pool.Start(gCtx); err != nil {
			b.logger.Error("Failed to start pool", "error", err)
			return err
		}

		for _, name := range b.provision {
			if _, err := b.pool.StartNewBot(gCtx, name); err != nil {
				b.logger.Error("Failed to provision bot", "name", name, "error", err)
			}
		}

		<-gCtx.Done()
		b.logger.Info("Shutdown signal received, stopping pool")
		b.pool.Stop()
		return nil
	})

	g.Go(func() error {
		if err := b.scheduler.Start(); err != nil {
			b.logger.Error("Failed to start scheduler", "error", err)
			return err
		}

		<-gCtx.Done()
		b.logger.Info("Shutdown signal received, stopping scheduler")
		if err := b.scheduler.Stop(); err != nil {
			b.logger.Error("Error stopping scheduler", "error", err)
		}
		return nil
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Error("Orchestrator stopped due to error", "error", err)
		return err
	}

	b.logger.Info("Orchestrator stopped gracefully")
	return nil
}

// Pool exposes the pool, for event push in appservice deployments.
func (b *Bot) Pool() *Pool {
	return b.pool
}
