package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// BotTx is the DAO surface available inside one transaction. Every
// mutation of a bot identity goes through a BotTx obtained from
// Store.InTransaction, so a network call and its coupled persistence
// write share a single unit of recovery.
type BotTx interface {
	// FindAll retrieves every persisted bot identity in insertion order.
	FindAll(ctx context.Context) ([]*Bot, error)

	// Save inserts or updates a bot identity and returns the canonical
	// persisted copy (with generated ID and timestamps).
	Save(ctx context.Context, bot *Bot) (*Bot, error)

	// Delete removes a bot identity row.
	Delete(ctx context.Context, bot *Bot) error

	// ExistsByUserID reports whether an identity with the given user ID exists.
	ExistsByUserID(ctx context.Context, userID string) (bool, error)
}

// Store defines the interface for database operations. InTransaction is
// the single transactional boundary: the callback runs inside one
// BEGIN/COMMIT, and any error rolls the whole unit back.
type Store interface {
	// Ping checks the database connection.
	Ping(ctx context.Context) error

	// InTransaction runs fn inside one database transaction.
	InTransaction(ctx context.Context, fn func(tx BotTx) error) error

	// RunSQLMaintenance performs database maintenance tasks like VACUUM.
	RunSQLMaintenance(ctx context.Context) error
}

// sqlxStore provides an implementation of the Store interface using sqlx.
type sqlxStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store implementation backed by sqlx.
// It requires a connected sqlx.DB instance and a logger.
func NewStore(db *sqlx.DB, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &sqlxStore{
		db:     db,
		logger: logger.With("component", "store"),
	}
}

// Ping checks the database connection.
func (s *sqlxStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InTransaction runs fn inside one database transaction. The BotTx
// handle passed to fn is only valid for the duration of the call.
func (s *sqlxStore) InTransaction(ctx context.Context, fn func(tx BotTx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to begin transaction", "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if tx != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				if !errors.Is(rollbackErr, sql.ErrTxDone) {
					s.logger.WarnContext(ctx, "Error rolling back transaction", "error", rollbackErr)
				}
			}
		}
	}()

	if err := fn(&botTx{tx: tx, logger: s.logger}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		s.logger.ErrorContext(ctx, "Failed to commit transaction", "error", err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	// Successfully committed, set tx to nil to avoid rollback
	tx = nil
	return nil
}

// RunSQLMaintenance executes a VACUUM command on the SQLite database.
// SQLite requires VACUUM to run outside a transaction.
func (s *sqlxStore) RunSQLMaintenance(ctx context.Context) error {
	if ctx.Err() != nil {
		s.logger.WarnContext(ctx, "Context cancelled or timed out before starting VACUUM", "error", ctx.Err())
		return ctx.Err()
	}

	s.logger.InfoContext(ctx, "Starting database maintenance (VACUUM)...")

	_, err := s.db.ExecContext(ctx, "VACUUM;")
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		s.logger.WarnContext(ctx, "VACUUM operation timed out or was cancelled", "error", err)
		return fmt.Errorf("database maintenance (VACUUM) timed out: %w", err)

	case err != nil:
		s.logger.ErrorContext(ctx, "Database maintenance (VACUUM) failed", "error", err)
		return fmt.Errorf("failed to execute VACUUM: %w", err)
	}

	s.logger.InfoContext(ctx, "Database maintenance (VACUUM) completed successfully")
	return nil
}

// botTx implements BotTx on top of one open sqlx transaction.
type botTx struct {
	tx     *sqlx.Tx
	logger *slog.Logger
}

const botColumns = `id, created_at, updated_at, user_id, access_token, device_id, display_name,
       filter_id, next_batch, owner, state, access_policy, receipt_policy,
       poll_timeout_ms, prefix, default_command, skip_initial_sync, exit_on_empty_rooms`

// FindAll retrieves all bot identities ordered by insertion.
func (t *botTx) FindAll(ctx context.Context) ([]*Bot, error) {
	var bots []*Bot
	query := `SELECT ` + botColumns + ` FROM bots ORDER BY id ASC`

	if err := t.tx.SelectContext(ctx, &bots, query); err != nil {
		t.logger.ErrorContext(ctx, "Error loading bot identities", "error", err)
		return nil, fmt.Errorf("failed to load bot identities: %w", err)
	}

	t.logger.DebugContext(ctx, "Loaded bot identities", "count", len(bots))
	return bots, nil
}

// Save inserts the bot when it has no ID yet, otherwise updates the
// existing row. Returns the canonical persisted copy.
func (t *botTx) Save(ctx context.Context, bot *Bot) (*Bot, error) {
	if bot == nil {
		return nil, fmt.Errorf("cannot save nil bot")
	}

	now := time.Now().UTC()
	bot.UpdatedAt = now
	if bot.CreatedAt.IsZero() {
		bot.CreatedAt = now
	}

	if bot.ID == 0 {
		query := `
			INSERT INTO bots (
				created_at, updated_at, user_id, access_token, device_id, display_name,
				filter_id, next_batch, owner, state, access_policy, receipt_policy,
				poll_timeout_ms, prefix, default_command, skip_initial_sync, exit_on_empty_rooms
			) VALUES (
				:created_at, :updated_at, :user_id, :access_token, :device_id, :display_name,
				:filter_id, :next_batch, :owner, :state, :access_policy, :receipt_policy,
				:poll_timeout_ms, :prefix, :default_command, :skip_initial_sync, :exit_on_empty_rooms
			)
		`
		result, err := t.tx.NamedExecContext(ctx, query, bot)
		if err != nil {
			t.logger.ErrorContext(ctx, "Error inserting bot identity", "user_id", bot.UserID, "error", err)
			return nil, fmt.Errorf("failed to insert bot identity %q: %w", bot.UserID, err)
		}

		id, err := result.LastInsertId()
		if err != nil {
			t.logger.WarnContext(ctx, "Could not retrieve last insert ID after saving bot",
				"user_id", bot.UserID, "error", err)
		} else {
			//nolint:gosec // sqlite rowids fit in uint
			bot.ID = uint(id)
		}

		t.logger.DebugContext(ctx, "Bot identity created", "bot_id", bot.ID, "user_id", bot.UserID)
		return bot, nil
	}

	query := `
		UPDATE bots SET
			updated_at = :updated_at,
			user_id = :user_id,
			access_token = :access_token,
			device_id = :device_id,
			display_name = :display_name,
			filter_id = :filter_id,
			next_batch = :next_batch,
			owner = :owner,
			state = :state,
			access_policy = :access_policy,
			receipt_policy = :receipt_policy,
			poll_timeout_ms = :poll_timeout_ms,
			prefix = :prefix,
			default_command = :default_command,
			skip_initial_sync = :skip_initial_sync,
			exit_on_empty_rooms = :exit_on_empty_rooms
		WHERE id = :id
	`
	result, err := t.tx.NamedExecContext(ctx, query, bot)
	if err != nil {
		t.logger.ErrorContext(ctx, "Error updating bot identity", "bot_id", bot.ID, "error", err)
		return nil, fmt.Errorf("failed to update bot identity %d: %w", bot.ID, err)
	}

	affected, err := result.RowsAffected()
	if err == nil && affected != 1 {
		t.logger.WarnContext(ctx, "Unexpected number of rows affected when saving bot",
			"bot_id", bot.ID, "affected", affected)
	}

	t.logger.DebugContext(ctx, "Bot identity updated", "bot_id", bot.ID, "state", bot.State)
	return bot, nil
}

// Delete removes a bot identity row.
func (t *botTx) Delete(ctx context.Context, bot *Bot) error {
	if bot == nil || bot.ID == 0 {
		return fmt.Errorf("cannot delete unsaved bot")
	}

	result, err := t.tx.ExecContext(ctx, `DELETE FROM bots WHERE id = ?`, bot.ID)
	if err != nil {
		t.logger.ErrorContext(ctx, "Error deleting bot identity", "bot_id", bot.ID, "error", err)
		return fmt.Errorf("failed to delete bot identity %d: %w", bot.ID, err)
	}

	affected, err := result.RowsAffected()
	if err == nil && affected != 1 {
		t.logger.WarnContext(ctx, "Unexpected number of rows affected when deleting bot",
			"bot_id", bot.ID, "affected", affected)
	}

	t.logger.InfoContext(ctx, "Bot identity deleted", "bot_id", bot.ID, "user_id", bot.UserID)
	return nil
}

// ExistsByUserID reports whether an identity with the given user ID exists.
func (t *botTx) ExistsByUserID(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, fmt.Errorf("user_id cannot be empty")
	}

	var exists bool
	err := t.tx.GetContext(ctx, &exists, `SELECT 1 FROM bots WHERE user_id = ? LIMIT 1`, userID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		t.logger.ErrorContext(ctx, "Error checking bot existence", "user_id", userID, "error", err)
		return false, fmt.Errorf("failed to check bot existence for %q: %w", userID, err)
	}
	return true, nil
}
