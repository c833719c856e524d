// Package bot implements the bot session lifecycle state machine, the
// command registry, the pooled multi-bot dispatcher, and the
// orchestration glue binding them to the scheduler.
package bot

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/edgard/botherd/internal/database"
	"github.com/edgard/botherd/internal/matrix"
)

// signal is the transient control value a state handler returns to the
// driving loop. Signals are never persisted.
type signal int

const (
	// signalRun keeps the loop in the current state.
	signalRun signal = iota
	// signalNextState hands control back to the outer state machine.
	signalNextState
	// signalExit terminates the session.
	signalExit
)

const (
	// syncRetryDelay spaces retries after a failed sync call so a dead
	// homeserver doesn't produce a hot loop.
	syncRetryDelay = 1 * time.Second

	// stateRetryDelay spaces retries after a failed state-transition
	// handler. The handler reruns from the last persisted state.
	stateRetryDelay = 5 * time.Second
)

// InitFunc runs once after a session completes registration, before it
// starts processing events.
type InitFunc func(ctx context.Context, session *Session) error

// SessionConfig assembles a Session.
type SessionConfig struct {
	Logger    *slog.Logger
	Store     database.Store
	Connector Connector
	Bot       *database.Bot
	Commands  []CommandFactory
	OnInit    InitFunc
}

// Session binds one bot identity to a live protocol connection and
// drives its lifecycle: new -> registered -> joined -> deleted, with
// the transient exit signal terminating the loop. The session is the
// sole mutator of its identity record; every mutation is persisted
// through one Store.InTransaction call alongside the network calls it
// belongs to.
type Session struct {
	logger    *slog.Logger
	store     database.Store
	connector Connector
	api       API
	bot       *database.Bot
	commands  map[string]Command
	onInit    InitFunc

	// skipTimeline holds room IDs whose next timeline batch is
	// suppressed, cleared per room after one use. Populated when a
	// room changes state out-of-band (pushed invite) so the following
	// sync batch doesn't reprocess it.
	skipTimeline map[string]struct{}

	pushMu sync.Mutex

	shutdownMu        sync.Mutex
	shutdownListeners []func()
	shutdownDone      bool
}

// NewSession creates a session for the given identity. The command
// table is resolved once here; identities that already carry
// credentials get their API handle immediately.
func NewSession(cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "session", "user_id", cfg.Bot.UserID)

	s := &Session{
		logger:       logger,
		store:        cfg.Store,
		connector:    cfg.Connector,
		bot:          cfg.Bot,
		commands:     buildCommandTable(logger, cfg.Commands),
		onInit:       cfg.OnInit,
		skipTimeline: make(map[string]struct{}),
	}
	if cfg.Bot.AccessToken != "" {
		s.api = cfg.Connector.Session(cfg.Bot.UserID, cfg.Bot.AccessToken)
	}
	return s
}

// UserID returns the session's fully-qualified user ID.
func (s *Session) UserID() string {
	return s.bot.UserID
}

// DisplayName returns the bot's configured display name.
func (s *Session) DisplayName() string {
	return s.bot.DisplayName
}

// Notice sends an m.notice message into a room.
func (s *Session) Notice(ctx context.Context, roomID, text string) error {
	_, err := s.api.SendNotice(ctx, roomID, text)
	return err
}

// JoinedRooms returns the rooms the bot is currently a member of,
// queried live from the homeserver.
func (s *Session) JoinedRooms(ctx context.Context) ([]string, error) {
	return s.api.JoinedRooms(ctx)
}

// LeaveRoom leaves a room.
func (s *Session) LeaveRoom(ctx context.Context, roomID string) error {
	return s.api.LeaveRoom(ctx, roomID)
}

// OnShutdown registers a callback invoked exactly once, synchronously
// and in registration order, when the session reaches exit.
func (s *Session) OnShutdown(fn func()) {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()
	s.shutdownListeners = append(s.shutdownListeners, fn)
}

func (s *Session) notifyShutdown() {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()
	if s.shutdownDone {
		return
	}
	s.shutdownDone = true
	for _, fn := range s.shutdownListeners {
		fn()
	}
}

// Run drives the standalone session loop until the lifecycle reaches
// exit or ctx is cancelled. Cancellation is observed at iteration
// boundaries; an in-flight sync call is bounded by its own long-poll
// timeout plus the request context.
func (s *Session) Run(ctx context.Context) {
	defer s.notifyShutdown()
	s.logger.Info("Session starting", "state", s.bot.State)

	for {
		if ctx.Err() != nil {
			s.logger.Info("Session cancelled, exiting", "state", s.bot.State)
			return
		}

		switch s.bot.State {
		case database.StateNew:
			if err := s.handleNew(ctx); err != nil {
				s.logger.ErrorContext(ctx, "Registration step failed, will retry", "error", err)
				if !s.pause(ctx, stateRetryDelay) {
					return
				}
				continue
			}
			s.runInit(ctx)

		case database.StateRegistered, database.StateJoined:
			if sig := s.runSyncLoop(ctx); sig == signalExit {
				s.logger.Info("Session exiting from sync loop", "state", s.bot.State)
				return
			}

		case database.StateDeleted:
			if err := s.handleDeleted(ctx); err != nil {
				s.logger.ErrorContext(ctx, "Deletion step failed, will retry", "error", err)
				if !s.pause(ctx, stateRetryDelay) {
					return
				}
				continue
			}
			s.logger.Info("Session deleted, exiting")
			return

		default:
			s.logger.Error("Unknown session state, exiting", "state", s.bot.State)
			return
		}
	}
}

// EnsureRegistered prepares an application-service session: identities
// still in the new state run the registration step synchronously once,
// then ordinary initialization runs. No loop is started; all further
// activity arrives through ProcessEvent.
func (s *Session) EnsureRegistered(ctx context.Context) error {
	if s.bot.State == database.StateNew {
		if err := s.handleNew(ctx); err != nil {
			return fmt.Errorf("registration failed for %q: %w", s.bot.UserID, err)
		}
	}
	s.runInit(ctx)
	return nil
}

// ProcessEvent is the single-event entry point for application-service
// sessions. Invite events targeted at this identity are accepted (and
// the room's next timeline batch suppressed); message events are
// dispatched through the command pipeline. Returns whether the event
// was handled.
func (s *Session) ProcessEvent(ctx context.Context, roomID string, event matrix.Event) bool {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	switch {
	case event.IsInviteFor(s.bot.UserID):
		if err := s.acceptInvite(ctx, roomID, event.Sender); err != nil {
			s.logger.ErrorContext(ctx, "Failed to accept pushed invite",
				"room_id", roomID, "inviter", event.Sender, "error", err)
			return false
		}
		s.skipTimeline[roomID] = struct{}{}
		return true

	case event.Type == "m.room.message" && s.bot.State == database.StateJoined:
		executed := s.dispatch(ctx, roomID, event)
		if event.OriginServerTS > 0 && s.shouldSendReceipt(executed) {
			if err := s.api.SendReceipt(ctx, roomID, event.EventID); err != nil {
				s.logger.WarnContext(ctx, "Failed to send receipt",
					"room_id", roomID, "event_id", event.EventID, "error", err)
			}
		}
		return true
	}
	return false
}

// handleNew registers the identity with the homeserver: create the
// account, set the display name, upload the message filter, and persist
// the registered state. The network calls and the persistence write
// share one transaction so a crash cannot leave a registered account
// with an unregistered row silently.
//
// Re-execution is safe: an identity that already holds credentials
// skips account creation and only repeats the profile and filter setup.
func (s *Session) handleNew(ctx context.Context) error {
	return s.store.InTransaction(ctx, func(tx database.BotTx) error {
		if s.bot.AccessToken == "" {
			auth, err := s.connector.Register(ctx, s.localpart(), s.bot.DeviceID, s.bot.DisplayName)
			if err != nil {
				return fmt.Errorf("account registration: %w", err)
			}
			s.bot.UserID = auth.UserID
			s.bot.AccessToken = auth.AccessToken
			if auth.DeviceID != "" {
				s.bot.DeviceID = auth.DeviceID
			}
		}
		s.api = s.connector.Session(s.bot.UserID, s.bot.AccessToken)

		if err := s.api.SetDisplayName(ctx, s.bot.DisplayName); err != nil {
			return fmt.Errorf("set display name: %w", err)
		}

		filterID, err := s.api.UploadFilter(ctx)
		if err != nil {
			return fmt.Errorf("filter upload: %w", err)
		}
		s.bot.FilterID = filterID
		s.bot.State = database.StateRegistered

		saved, err := tx.Save(ctx, s.bot)
		if err != nil {
			return err
		}
		s.bot = saved

		s.logger.Info("Bot registered", "filter_id", filterID)
		return nil
	})
}

// handleDeleted deactivates the account server-side and removes the
// persisted identity row, in one transaction.
func (s *Session) handleDeleted(ctx context.Context) error {
	return s.store.InTransaction(ctx, func(tx database.BotTx) error {
		if err := s.api.Deactivate(ctx); err != nil {
			return fmt.Errorf("account deactivation: %w", err)
		}
		return tx.Delete(ctx, s.bot)
	})
}

// runSyncLoop is the long-poll driver for the registered and joined
// states. The cursor is persisted after every successful sync, before
// the response is evaluated, so a crash immediately after the network
// call never loses the position. Returns signalNextState when a step
// handler changed state, signalExit on cancellation.
func (s *Session) runSyncLoop(ctx context.Context) signal {
	for {
		if ctx.Err() != nil {
			return signalExit
		}

		// One throwaway sync to obtain a fresh cursor without
		// replaying full room history on first run.
		if s.bot.SkipInitialSync && !s.bot.NextBatch.Valid {
			response, err := s.api.Sync(ctx, matrix.SyncOptions{Timeout: 0, Filter: s.bot.FilterID})
			if err != nil {
				if ctx.Err() != nil {
					return signalExit
				}
				s.syncFailure(ctx, err)
				continue
			}
			if err := s.persistCursor(ctx, response.NextBatch); err != nil {
				s.logger.ErrorContext(ctx, "Failed to persist initial cursor", "error", err)
				if !s.pause(ctx, syncRetryDelay) {
					return signalExit
				}
			}
			continue
		}

		var since string
		if s.bot.NextBatch.Valid {
			since = s.bot.NextBatch.String
		}
		response, err := s.api.Sync(ctx, matrix.SyncOptions{
			Since:   since,
			Timeout: int(s.bot.PollTimeoutMS),
			Filter:  s.bot.FilterID,
		})
		if err != nil {
			if ctx.Err() != nil {
				return signalExit
			}
			s.syncFailure(ctx, err)
			continue
		}

		if err := s.persistCursor(ctx, response.NextBatch); err != nil {
			s.logger.ErrorContext(ctx, "Failed to persist sync cursor, retrying tick", "error", err)
			if !s.pause(ctx, syncRetryDelay) {
				return signalExit
			}
			continue
		}

		if ctx.Err() != nil {
			return signalExit
		}

		if sig := s.processSync(ctx, response); sig == signalNextState {
			return signalNextState
		}
	}
}

// processSync is the per-tick step function. Dispatches on the current
// persisted state and returns the loop signal.
func (s *Session) processSync(ctx context.Context, response *matrix.SyncResponse) signal {
	switch s.bot.State {
	case database.StateRegistered:
		if s.processInvites(ctx, response) {
			return signalNextState
		}
		return signalRun

	case database.StateJoined:
		// Invites arriving while joined are still accepted; they never
		// re-trigger the registered->joined transition.
		s.processInvites(ctx, response)
		s.processJoinedRooms(ctx, response)
		return s.evaluateMembership(ctx, response)
	}
	return signalRun
}

// processInvites accepts room invites targeted at this identity. Each
// invite is processed independently; the first successful acceptance
// performs the registered->joined transition, later ones in the same
// batch only join. Returns whether the transition happened.
func (s *Session) processInvites(ctx context.Context, response *matrix.SyncResponse) bool {
	transitioned := false
	for roomID, invited := range response.Rooms.Invite {
		var inviter string
		for _, event := range invited.InviteState.Events {
			if event.IsInviteFor(s.bot.UserID) {
				inviter = event.Sender
				break
			}
		}
		if inviter == "" {
			continue
		}

		before := s.bot.State
		if err := s.acceptInvite(ctx, roomID, inviter); err != nil {
			s.logger.ErrorContext(ctx, "Failed to accept invite",
				"room_id", roomID, "inviter", inviter, "error", err)
			continue
		}
		if before == database.StateRegistered && s.bot.State == database.StateJoined {
			transitioned = true
		}
	}
	return transitioned
}

// acceptInvite joins the room and persists the resulting identity
// mutation (owner on first join, the joined state) in one transaction
// with the join call.
func (s *Session) acceptInvite(ctx context.Context, roomID, inviter string) error {
	return s.store.InTransaction(ctx, func(tx database.BotTx) error {
		if _, err := s.api.JoinRoom(ctx, roomID); err != nil {
			return fmt.Errorf("join room %q: %w", roomID, err)
		}

		updated := *s.bot
		if updated.Owner == "" {
			updated.Owner = inviter
		}
		if updated.State == database.StateRegistered {
			updated.State = database.StateJoined
		}

		saved, err := tx.Save(ctx, &updated)
		if err != nil {
			return err
		}
		s.bot = saved

		s.logger.Info("Joined room", "room_id", roomID, "owner", s.bot.Owner)
		return nil
	})
}

// processJoinedRooms dispatches each room's timeline batch. Failures
// are contained per room: one room's bad batch never corrupts another
// room's processing in the same tick.
func (s *Session) processJoinedRooms(ctx context.Context, response *matrix.SyncResponse) {
	for roomID, joined := range response.Rooms.Join {
		if _, skip := s.skipTimeline[roomID]; skip {
			delete(s.skipTimeline, roomID)
			s.logger.DebugContext(ctx, "Suppressing timeline batch for room", "room_id", roomID)
			continue
		}
		s.processTimeline(ctx, roomID, joined.Timeline.Events)
	}
}

// processTimeline runs command dispatch over one room's batch, then
// advances the read receipt to the event with the greatest origin
// server timestamp, subject to the receipt policy. Events without a
// timestamp are still dispatched but never referenced by a receipt.
func (s *Session) processTimeline(ctx context.Context, roomID string, events []matrix.Event) {
	executed := false
	var receiptTarget *matrix.Event

	for i := range events {
		event := &events[i]
		if event.Type != "m.room.message" {
			continue
		}
		if s.dispatch(ctx, roomID, *event) {
			executed = true
		}
		if event.OriginServerTS > 0 &&
			(receiptTarget == nil || event.OriginServerTS > receiptTarget.OriginServerTS) {
			receiptTarget = event
		}
	}

	if receiptTarget == nil || !s.shouldSendReceipt(executed) {
		return
	}
	if err := s.api.SendReceipt(ctx, roomID, receiptTarget.EventID); err != nil {
		s.logger.WarnContext(ctx, "Failed to send receipt",
			"room_id", roomID, "event_id", receiptTarget.EventID, "error", err)
	}
}

func (s *Session) shouldSendReceipt(executed bool) bool {
	switch s.bot.ReceiptPolicy {
	case database.ReceiptNone:
		return false
	case database.ReceiptExecuted:
		return executed
	}
	return true
}

// evaluateMembership transitions the session out of the joined state
// when it no longer belongs to any room. Membership is queried live,
// but only on ticks where the sync response suggests it may have
// changed.
func (s *Session) evaluateMembership(ctx context.Context, response *matrix.SyncResponse) signal {
	if len(response.Rooms.Leave) == 0 && len(response.Rooms.Join) > 0 {
		return signalRun
	}

	rooms, err := s.api.JoinedRooms(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "Failed to query joined rooms", "error", err)
		return signalRun
	}
	if len(rooms) > 0 {
		return signalRun
	}

	next := database.StateRegistered
	if s.bot.ExitOnEmptyRooms {
		next = database.StateDeleted
	}
	err = s.store.InTransaction(ctx, func(tx database.BotTx) error {
		updated := *s.bot
		updated.State = next
		saved, err := tx.Save(ctx, &updated)
		if err != nil {
			return err
		}
		s.bot = saved
		return nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to persist empty-rooms transition", "error", err)
		return signalRun
	}

	s.logger.Info("Bot has no joined rooms, transitioning", "next_state", next)
	return signalNextState
}

// persistCursor stores the sync position.
func (s *Session) persistCursor(ctx context.Context, nextBatch string) error {
	return s.store.InTransaction(ctx, func(tx database.BotTx) error {
		updated := *s.bot
		updated.NextBatch = sql.NullString{String: nextBatch, Valid: true}
		saved, err := tx.Save(ctx, &updated)
		if err != nil {
			return err
		}
		s.bot = saved
		return nil
	})
}

func (s *Session) runInit(ctx context.Context) {
	if s.onInit == nil {
		return
	}
	if err := s.onInit(ctx, s); err != nil {
		s.logger.ErrorContext(ctx, "Session init callback failed", "error", err)
	}
}

func (s *Session) syncFailure(ctx context.Context, err error) {
	s.logger.WarnContext(ctx, "Sync failed, retrying", "error", err)
	// TCP-level failures often poison the HTTP connection pool; drop
	// idle connections so the next attempt opens a fresh socket.
	s.api.CloseIdleConnections()
	s.pause(ctx, syncRetryDelay)
}

func (s *Session) pause(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// localpart strips the leading sigil and server name from the user ID.
func (s *Session) localpart() string {
	localpart := strings.TrimPrefix(s.bot.UserID, "@")
	if idx := strings.Index(localpart, ":"); idx != -1 {
		localpart = localpart[:idx]
	}
	return localpart
}
