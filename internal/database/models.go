package database

import (
	"database/sql"
	"strings"
	"time"
)

// State is the persisted lifecycle state of a bot identity. State only
// moves forward through new -> registered -> joined -> deleted; the
// session's own state handlers are the sole writers.
type State string

const (
	StateNew        State = "new"
	StateRegistered State = "registered"
	StateJoined     State = "joined"
	StateDeleted    State = "deleted"
)

// AccessPolicy controls who may trigger a bot's commands.
type AccessPolicy string

const (
	// PolicyAll lets any room member trigger commands.
	PolicyAll AccessPolicy = "all"
	// PolicyOwner restricts commands to the recorded owner.
	PolicyOwner AccessPolicy = "owner"
)

// ReceiptPolicy controls when a bot advances its read receipt after
// processing a room's timeline batch.
type ReceiptPolicy string

const (
	// ReceiptRead acknowledges every processed batch.
	ReceiptRead ReceiptPolicy = "read"
	// ReceiptExecuted acknowledges only batches in which at least one
	// command actually ran.
	ReceiptExecuted ReceiptPolicy = "executed"
	// ReceiptNone never sends receipts.
	ReceiptNone ReceiptPolicy = "none"
)

// Bot is the durable identity record for one bot. The ID is assigned on
// first save and never changes; Owner is set once, on the first room
// join, and is immutable afterwards.
type Bot struct {
	ID        uint      `db:"id"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`

	UserID      string `db:"user_id"`
	AccessToken string `db:"access_token"`
	DeviceID    string `db:"device_id"`
	DisplayName string `db:"display_name"`

	// FilterID is the server-side sync filter, set during registration.
	FilterID string `db:"filter_id"`

	// NextBatch is the resumable sync cursor; NULL until the first
	// successful sync.
	NextBatch sql.NullString `db:"next_batch"`

	Owner string `db:"owner"`

	State         State         `db:"state"`
	AccessPolicy  AccessPolicy  `db:"access_policy"`
	ReceiptPolicy ReceiptPolicy `db:"receipt_policy"`

	PollTimeoutMS    int64  `db:"poll_timeout_ms"`
	Prefix           string `db:"prefix"`
	DefaultCommand   string `db:"default_command"`
	SkipInitialSync  bool   `db:"skip_initial_sync"`
	ExitOnEmptyRooms bool   `db:"exit_on_empty_rooms"`
}

// CommandPrefix expands the prefix template, substituting the
// {{display_name}} placeholder with the bot's display name.
func (b *Bot) CommandPrefix() string {
	return strings.ReplaceAll(b.Prefix, "{{display_name}}", b.DisplayName)
}

// PollTimeout returns the long-poll timeout as a duration.
func (b *Bot) PollTimeout() time.Duration {
	return time.Duration(b.PollTimeoutMS) * time.Millisecond
}
