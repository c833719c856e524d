package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"
)

// Session is an authenticated homeserver session. It wraps a Client
// with an access token for making authenticated API calls. Sessions
// are lightweight and safe for concurrent use.
type Session struct {
	client      *Client
	userID      string
	accessToken string

	// transactionCounter generates unique transaction IDs for idempotent sends.
	transactionCounter atomic.Int64
}

// UserID returns the fully-qualified user ID (e.g., "@alice:example.org").
func (s *Session) UserID() string {
	return s.userID
}

// CloseIdleConnections closes idle HTTP connections in the underlying
// transport's connection pool. Call this after a sync error to force
// the next request onto a fresh TCP connection.
func (s *Session) CloseIdleConnections() {
	s.client.CloseIdleConnections()
}

// WhoAmI validates the access token and returns the user ID.
func (s *Session) WhoAmI(ctx context.Context) (string, error) {
	body, err := s.client.do(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", s.accessToken, nil, nil)
	if err != nil {
		return "", fmt.Errorf("matrix: whoami failed: %w", err)
	}

	var response WhoAmIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("matrix: failed to parse whoami response: %w", err)
	}
	return response.UserID, nil
}

// SetDisplayName sets the display name on the session's own profile.
func (s *Session) SetDisplayName(ctx context.Context, displayName string) error {
	path := "/_matrix/client/v3/profile/" + url.PathEscape(s.userID) + "/displayname"
	_, err := s.client.do(ctx, http.MethodPut, path, s.accessToken, map[string]string{
		"displayname": displayName,
	}, nil)
	if err != nil {
		return fmt.Errorf("matrix: set display name failed: %w", err)
	}
	return nil
}

// UploadFilter uploads a server-side sync filter restricting timeline
// events to m.room.message and returns the filter ID for use in Sync.
func (s *Session) UploadFilter(ctx context.Context) (string, error) {
	filter := map[string]any{
		"room": map[string]any{
			"timeline": map[string]any{
				"types": []string{"m.room.message"},
			},
		},
	}

	path := "/_matrix/client/v3/user/" + url.PathEscape(s.userID) + "/filter"
	body, err := s.client.do(ctx, http.MethodPost, path, s.accessToken, filter, nil)
	if err != nil {
		return "", fmt.Errorf("matrix: filter upload failed: %w", err)
	}

	var response UploadFilterResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("matrix: failed to parse filter response: %w", err)
	}
	return response.FilterID, nil
}

// Sync performs an incremental sync with the homeserver. For an initial
// sync, leave options.Since empty. For long-polling, set
// options.Timeout to the desired server-side hold in milliseconds.
func (s *Session) Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error) {
	query := url.Values{}
	if options.Since != "" {
		query.Set("since", options.Since)
	}
	query.Set("timeout", strconv.Itoa(options.Timeout))
	if options.Filter != "" {
		query.Set("filter", options.Filter)
	}
	query.Set("set_presence", "offline")

	body, err := s.client.do(ctx, http.MethodGet, "/_matrix/client/v3/sync", s.accessToken, nil, query)
	if err != nil {
		return nil, fmt.Errorf("matrix: sync failed: %w", err)
	}

	var response SyncResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("matrix: failed to parse sync response: %w", err)
	}
	return &response, nil
}

// JoinRoom joins a room by ID or alias. Returns the resolved room ID.
func (s *Session) JoinRoom(ctx context.Context, roomIDOrAlias string) (string, error) {
	path := "/_matrix/client/v3/join/" + url.PathEscape(roomIDOrAlias)
	body, err := s.client.do(ctx, http.MethodPost, path, s.accessToken, struct{}{}, nil)
	if err != nil {
		return "", fmt.Errorf("matrix: join room %s failed: %w", roomIDOrAlias, err)
	}

	var response struct {
		RoomID string `json:"room_id"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("matrix: failed to parse join response: %w", err)
	}
	return response.RoomID, nil
}

// LeaveRoom leaves a room by ID.
func (s *Session) LeaveRoom(ctx context.Context, roomID string) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/leave", url.PathEscape(roomID))
	_, err := s.client.do(ctx, http.MethodPost, path, s.accessToken, struct{}{}, nil)
	if err != nil {
		return fmt.Errorf("matrix: leave room %q failed: %w", roomID, err)
	}
	return nil
}

// JoinedRooms returns the list of room IDs the user has joined.
func (s *Session) JoinedRooms(ctx context.Context) ([]string, error) {
	body, err := s.client.do(ctx, http.MethodGet, "/_matrix/client/v3/joined_rooms", s.accessToken, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("matrix: joined rooms failed: %w", err)
	}

	var response JoinedRoomsResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("matrix: failed to parse joined rooms response: %w", err)
	}
	return response.JoinedRooms, nil
}

// SendReceipt advances the session's read receipt in a room to the
// given event.
func (s *Session) SendReceipt(ctx context.Context, roomID, eventID string) error {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/receipt/m.read/%s",
		url.PathEscape(roomID),
		url.PathEscape(eventID),
	)
	_, err := s.client.do(ctx, http.MethodPost, path, s.accessToken, struct{}{}, nil)
	if err != nil {
		return fmt.Errorf("matrix: send receipt in %q failed: %w", roomID, err)
	}
	return nil
}

// SendNotice sends an m.notice message into a room. Uses the idempotent
// PUT with a transaction ID. Returns the event ID.
func (s *Session) SendNotice(ctx context.Context, roomID, text string) (string, error) {
	transactionID := s.nextTransactionID()
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/m.room.message/%s",
		url.PathEscape(roomID),
		url.PathEscape(transactionID),
	)

	body, err := s.client.do(ctx, http.MethodPut, path, s.accessToken, MessageContent{
		MsgType: "m.notice",
		Body:    text,
	}, nil)
	if err != nil {
		return "", fmt.Errorf("matrix: send notice to %q failed: %w", roomID, err)
	}

	var response SendEventResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("matrix: failed to parse send response: %w", err)
	}
	return response.EventID, nil
}

// Deactivate permanently deactivates the session's own account.
func (s *Session) Deactivate(ctx context.Context) error {
	_, err := s.client.do(ctx, http.MethodPost, "/_matrix/client/v3/account/deactivate", s.accessToken, map[string]any{}, nil)
	if err != nil {
		return fmt.Errorf("matrix: account deactivation failed: %w", err)
	}
	return nil
}

// nextTransactionID generates a unique transaction ID for idempotent
// event sending. Unique across restarts via the timestamp component.
func (s *Session) nextTransactionID() string {
	counter := s.transactionCounter.Add(1)
	return fmt.Sprintf("botherd-%d-%d", time.Now().UnixMilli(), counter)
}
