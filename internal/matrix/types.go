package matrix

// AuthResponse is returned by Register.
type AuthResponse struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
}

// Event represents a protocol event from the server.
type Event struct {
	EventID        string         `json:"event_id"`
	Type           string         `json:"type"`
	Sender         string         `json:"sender"`
	OriginServerTS int64          `json:"origin_server_ts"`
	Content        map[string]any `json:"content"`
	RoomID         string         `json:"room_id,omitempty"`
	StateKey       *string        `json:"state_key,omitempty"`
}

// MessageBody extracts the "body" content field, empty if absent.
func (e *Event) MessageBody() string {
	body, _ := e.Content["body"].(string)
	return body
}

// Membership extracts the "membership" content field, empty if absent.
func (e *Event) Membership() string {
	membership, _ := e.Content["membership"].(string)
	return membership
}

// IsInviteFor reports whether the event is a membership invite whose
// state key targets the given user ID.
func (e *Event) IsInviteFor(userID string) bool {
	return e.Type == "m.room.member" &&
		e.Membership() == "invite" &&
		e.StateKey != nil && *e.StateKey == userID
}

// SyncOptions controls the behavior of the /sync endpoint.
type SyncOptions struct {
	// Since is the next_batch token from the previous sync; empty for
	// an initial sync.
	Since string
	// Timeout is the server-side long-poll hold in milliseconds; 0
	// returns immediately.
	Timeout int
	// Filter is a server-side filter ID from UploadFilter.
	Filter string
}

// SyncResponse is the top-level response from /sync.
type SyncResponse struct {
	NextBatch string       `json:"next_batch"`
	Rooms     RoomsSection `json:"rooms"`
}

// RoomsSection contains per-room sync data grouped by membership state.
type RoomsSection struct {
	Join   map[string]JoinedRoom  `json:"join,omitempty"`
	Invite map[string]InvitedRoom `json:"invite,omitempty"`
	Leave  map[string]LeftRoom    `json:"leave,omitempty"`
}

// JoinedRoom contains sync data for a room the user has joined.
type JoinedRoom struct {
	Timeline TimelineSection `json:"timeline"`
	State    StateSection    `json:"state"`
}

// InvitedRoom contains sync data for a room the user was invited to.
type InvitedRoom struct {
	InviteState StateSection `json:"invite_state"`
}

// LeftRoom contains sync data for a room the user has left.
type LeftRoom struct {
	Timeline TimelineSection `json:"timeline"`
	State    StateSection    `json:"state"`
}

// TimelineSection contains timeline events from a sync response.
type TimelineSection struct {
	Events    []Event `json:"events"`
	PrevBatch string  `json:"prev_batch"`
	Limited   bool    `json:"limited"`
}

// StateSection contains state events from a sync response.
type StateSection struct {
	Events []Event `json:"events"`
}

// MessageContent is the content body of an m.room.message event.
type MessageContent struct {
	MsgType string `json:"msgtype"`
	Body    string `json:"body"`
}

// SendEventResponse is returned by SendNotice.
type SendEventResponse struct {
	EventID string `json:"event_id"`
}

// WhoAmIResponse is returned by WhoAmI.
type WhoAmIResponse struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id,omitempty"`
}

// JoinedRoomsResponse is returned by JoinedRooms.
type JoinedRoomsResponse struct {
	JoinedRooms []string `json:"joined_rooms"`
}

// UploadFilterResponse is returned by the filter upload endpoint.
type UploadFilterResponse struct {
	FilterID string `json:"filter_id"`
}

// registerRequest is the request body for account registration.
type registerRequest struct {
	Username                 string    `json:"username"`
	DeviceID                 string    `json:"device_id,omitempty"`
	InitialDeviceDisplayName string    `json:"initial_device_display_name,omitempty"`
	InhibitLogin             bool      `json:"inhibit_login"`
	Auth                     *authData `json:"auth,omitempty"`
}

type authData struct {
	Type    string `json:"type"`
	Session string `json:"session,omitempty"`
}
