package bot

import (
	"context"

	"github.com/edgard/botherd/internal/matrix"
)

// API is the authenticated protocol surface a session drives. It is
// satisfied by *matrix.Session; tests substitute fakes.
type API interface {
	UserID() string
	SetDisplayName(ctx context.Context, displayName string) error
	UploadFilter(ctx context.Context) (string, error)
	Sync(ctx context.Context, options matrix.SyncOptions) (*matrix.SyncResponse, error)
	JoinRoom(ctx context.Context, roomIDOrAlias string) (string, error)
	LeaveRoom(ctx context.Context, roomID string) error
	JoinedRooms(ctx context.Context) ([]string, error)
	SendReceipt(ctx context.Context, roomID, eventID string) error
	SendNotice(ctx context.Context, roomID, text string) (string, error)
	Deactivate(ctx context.Context) error
	CloseIdleConnections()
}

// Connector creates accounts and authenticated API handles on one
// homeserver. Satisfied by connectorAdapter over *matrix.Client.
type Connector interface {
	// Register creates a new account and returns its credentials.
	Register(ctx context.Context, username, deviceID, displayName string) (*matrix.AuthResponse, error)

	// Session returns an authenticated API for existing credentials.
	Session(userID, accessToken string) API
}

type connectorAdapter struct {
	client *matrix.Client
}

// NewConnector wraps a matrix.Client as a Connector.
func NewConnector(client *matrix.Client) Connector {
	return &connectorAdapter{client: client}
}

func (c *connectorAdapter) Register(ctx context.Context, username, deviceID, displayName string) (*matrix.AuthResponse, error) {
	return c.client.Register(ctx, username, deviceID, displayName)
}

func (c *connectorAdapter) Session(userID, accessToken string) API {
	return c.client.NewSession(userID, accessToken)
}

var _ API = (*matrix.Session)(nil)
