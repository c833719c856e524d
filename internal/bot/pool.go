package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/edgard/botherd/internal/config"
	"github.com/edgard/botherd/internal/database"
	"github.com/edgard/botherd/internal/matrix"
)

// Mode selects how pooled sessions receive events.
type Mode string

const (
	// ModeStandalone runs one long-poll sync loop per session.
	ModeStandalone Mode = "standalone"
	// ModeAppservice drives sessions by events pushed through Send.
	ModeAppservice Mode = "appservice"
)

// PoolConfig assembles a Pool.
type PoolConfig struct {
	Logger     *slog.Logger
	Store      database.Store
	Connector  Connector
	ServerName string
	Mode       Mode
	StopGrace  time.Duration
	Defaults   config.BotDefaults
	Commands   []CommandFactory
	OnInit     InitFunc
}

// Pool manages the set of live sessions, keyed by fully-qualified user
// ID. In standalone mode each session runs its own loop on a pool
// goroutine; in appservice mode sessions are passive and Send routes
// pushed events to them. The session map is the pool's only shared
// mutable state and is guarded by mu.
type Pool struct {
	logger    *slog.Logger
	store     database.Store
	connector Connector

	serverName string
	mode       Mode
	stopGrace  time.Duration
	defaults   config.BotDefaults
	commands   []CommandFactory
	onInit     InitFunc

	mu       sync.Mutex
	sessions map[string]*Session

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates an empty pool. Call Start to load persisted
// identities and begin running them.
func NewPool(cfg PoolConfig) *Pool {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stopGrace := cfg.StopGrace
	if stopGrace <= 0 {
		stopGrace = 10 * time.Second
	}
	return &Pool{
		logger:     logger.With("component", "pool"),
		store:      cfg.Store,
		connector:  cfg.Connector,
		serverName: cfg.ServerName,
		mode:       cfg.Mode,
		stopGrace:  stopGrace,
		defaults:   cfg.Defaults,
		commands:   cfg.Commands,
		onInit:     cfg.OnInit,
		sessions:   make(map[string]*Session),
	}
}

// Start loads every persisted identity and brings up a session for
// each, in storage order. A single identity failing to start is logged
// and skipped; it does not abort the rest of the pool.
func (p *Pool) Start(ctx context.Context) error {
	p.runCtx, p.cancel = context.WithCancel(ctx)

	var bots []*database.Bot
	err := p.store.InTransaction(ctx, func(tx database.BotTx) error {
		var err error
		bots, err = tx.FindAll(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to load bot identities: %w", err)
	}

	for _, bot := range bots {
		if _, err := p.launch(ctx, bot); err != nil {
			p.logger.ErrorContext(ctx, "Failed to start session",
				"user_id", bot.UserID, "error", err)
		}
	}

	p.logger.Info("Pool started", "mode", p.mode, "sessions", p.Size())
	return nil
}

// StartNewBot provisions a fresh identity named after the given
// localpart, persists it in the new state, and brings its session up.
// The identity row exists before the session runs, so a crash between
// the two leaves a restartable record rather than an orphaned account.
func (p *Pool) StartNewBot(ctx context.Context, name string) (*Session, error) {
	if p.runCtx == nil {
		return nil, fmt.Errorf("pool is not started")
	}

	userID := fmt.Sprintf("@%s:%s", name, p.serverName)
	displayName := p.defaults.DisplayName
	if displayName == "" {
		displayName = name
	}

	bot := &database.Bot{
		UserID:           userID,
		DisplayName:      displayName,
		State:            database.StateNew,
		AccessPolicy:     database.AccessPolicy(p.defaults.AccessPolicy),
		ReceiptPolicy:    database.ReceiptPolicy(p.defaults.ReceiptPolicy),
		PollTimeoutMS:    p.defaults.PollTimeout.Milliseconds(),
		Prefix:           p.defaults.Prefix,
		DefaultCommand:   p.defaults.DefaultCommand,
		SkipInitialSync:  p.defaults.SkipInitialSync,
		ExitOnEmptyRooms: p.defaults.ExitOnEmpty,
	}

	err := p.store.InTransaction(ctx, func(tx database.BotTx) error {
		exists, err := tx.ExistsByUserID(ctx, userID)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("bot %q already exists", userID)
		}
		saved, err := tx.Save(ctx, bot)
		if err != nil {
			return err
		}
		bot = saved
		return nil
	})
	if err != nil {
		return nil, err
	}

	return p.launch(ctx, bot)
}

// launch registers a session for the identity and starts it according
// to the pool mode. The session removes itself from the map when its
// loop exits, which can happen before launch returns, so callers must
// use the returned session rather than a map lookup.
func (p *Pool) launch(ctx context.Context, bot *database.Bot) (*Session, error) {
	p.mu.Lock()
	if _, ok := p.sessions[bot.UserID]; ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("session for %q already running", bot.UserID)
	}

	session := NewSession(SessionConfig{
		Logger:    p.logger,
		Store:     p.store,
		Connector: p.connector,
		Bot:       bot,
		Commands:  p.commands,
		OnInit:    p.onInit,
	})
	userID := bot.UserID
	session.OnShutdown(func() {
		p.mu.Lock()
		delete(p.sessions, userID)
		p.mu.Unlock()
		p.logger.Info("Session removed from pool", "user_id", userID)
	})
	p.sessions[userID] = session
	p.mu.Unlock()

	switch p.mode {
	case ModeAppservice:
		if err := session.EnsureRegistered(ctx); err != nil {
			p.mu.Lock()
			delete(p.sessions, userID)
			p.mu.Unlock()
			return nil, err
		}
	default:
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			session.Run(p.runCtx)
		}()
	}
	return session, nil
}

// Send routes a pushed event to the first session it concerns. Invite
// events go to the invited session; message events go to a session
// that is a member of the room, with membership queried live. The
// first match receives the event and the scan stops there, so a room
// shared by several pooled bots gets exactly one delivery. Returns
// whether a session accepted the event.
func (p *Pool) Send(ctx context.Context, roomID string, event matrix.Event) bool {
	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.sessions))
	for _, session := range p.sessions {
		sessions = append(sessions, session)
	}
	p.mu.Unlock()

	for _, session := range sessions {
		if p.concerns(ctx, session, roomID, event) {
			return session.ProcessEvent(ctx, roomID, event)
		}
	}
	return false
}

func (p *Pool) concerns(ctx context.Context, session *Session, roomID string, event matrix.Event) bool {
	if event.IsInviteFor(session.UserID()) {
		return true
	}
	rooms, err := session.JoinedRooms(ctx)
	if err != nil {
		p.logger.WarnContext(ctx, "Failed to query membership for routing",
			"user_id", session.UserID(), "error", err)
		return false
	}
	for _, joined := range rooms {
		if joined == roomID {
			return true
		}
	}
	return false
}

// Get returns the live session for a user ID, if any.
func (p *Pool) Get(userID string) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	session, ok := p.sessions[userID]
	return session, ok
}

// Size returns the number of live sessions.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Stop cancels every session loop and waits up to the grace period for
// them to drain. Sessions still running after the deadline are
// abandoned; their deferred shutdown callbacks fire whenever the loop
// finally observes cancellation.
func (p *Pool) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Pool stopped")
	case <-time.After(p.stopGrace):
		p.logger.Warn("Pool stop grace period elapsed with sessions still running",
			"remaining", p.Size())
	}
}
