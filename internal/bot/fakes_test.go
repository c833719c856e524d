package bot

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/edgard/botherd/internal/database"
	"github.com/edgard/botherd/internal/matrix"
)

// memStore is an in-memory database.Store. Each InTransaction call
// snapshots the table and rolls back on error, mirroring the real
// transactional contract.
type memStore struct {
	mu      sync.Mutex
	bots    map[uint]*database.Bot
	nextID  uint
	txCount int
	failTx  error
}

func newMemStore() *memStore {
	return &memStore{bots: make(map[uint]*database.Bot)}
}

func (s *memStore) Ping(ctx context.Context) error              { return nil }
func (s *memStore) RunSQLMaintenance(ctx context.Context) error { return nil }

func (s *memStore) InTransaction(ctx context.Context, fn func(tx database.BotTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txCount++

	if s.failTx != nil {
		err := s.failTx
		s.failTx = nil
		return err
	}

	snapshot := make(map[uint]*database.Bot, len(s.bots))
	for id, bot := range s.bots {
		copied := *bot
		snapshot[id] = &copied
	}

	if err := fn(&memTx{store: s}); err != nil {
		s.bots = snapshot
		return err
	}
	return nil
}

// byUserID returns the stored row for a user ID, or nil.
func (s *memStore) byUserID(userID string) *database.Bot {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, bot := range s.bots {
		if bot.UserID == userID {
			copied := *bot
			return &copied
		}
	}
	return nil
}

type memTx struct {
	store *memStore
}

func (t *memTx) FindAll(ctx context.Context) ([]*database.Bot, error) {
	ids := make([]uint, 0, len(t.store.bots))
	for id := range t.store.bots {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	bots := make([]*database.Bot, 0, len(ids))
	for _, id := range ids {
		copied := *t.store.bots[id]
		bots = append(bots, &copied)
	}
	return bots, nil
}

func (t *memTx) Save(ctx context.Context, bot *database.Bot) (*database.Bot, error) {
	copied := *bot
	if copied.ID == 0 {
		t.store.nextID++
		copied.ID = t.store.nextID
	}
	stored := copied
	t.store.bots[copied.ID] = &stored
	return &copied, nil
}

func (t *memTx) Delete(ctx context.Context, bot *database.Bot) error {
	if _, ok := t.store.bots[bot.ID]; !ok {
		return fmt.Errorf("bot %d not found", bot.ID)
	}
	delete(t.store.bots, bot.ID)
	return nil
}

func (t *memTx) ExistsByUserID(ctx context.Context, userID string) (bool, error) {
	for _, bot := range t.store.bots {
		if bot.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

type sentNotice struct {
	roomID string
	text   string
}

type sentReceipt struct {
	roomID  string
	eventID string
}

// fakeAPI is an in-memory API implementation. Sync returns the queued
// responses in order; once the queue is drained it calls onSyncDrained
// (tests usually cancel the loop context there) and returns the
// context error.
type fakeAPI struct {
	mu sync.Mutex

	userID        string
	syncQueue     []*matrix.SyncResponse
	syncCalls     []matrix.SyncOptions
	onSyncDrained func()

	notices          []sentNotice
	receipts         []sentReceipt
	joinedRooms      []string
	joinedRoomsCalls int
	joinCalls        []string
	leaveCalls       []string
	displayNames     []string
	deactivated      bool

	joinErr    error
	noticeErr  error
	receiptErr error
	filterErr  error
}

func (a *fakeAPI) UserID() string { return a.userID }

func (a *fakeAPI) SetDisplayName(ctx context.Context, displayName string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.displayNames = append(a.displayNames, displayName)
	return nil
}

func (a *fakeAPI) UploadFilter(ctx context.Context) (string, error) {
	if a.filterErr != nil {
		return "", a.filterErr
	}
	return "filter1", nil
}

func (a *fakeAPI) Sync(ctx context.Context, options matrix.SyncOptions) (*matrix.SyncResponse, error) {
	a.mu.Lock()
	a.syncCalls = append(a.syncCalls, options)
	if len(a.syncQueue) > 0 {
		response := a.syncQueue[0]
		a.syncQueue = a.syncQueue[1:]
		a.mu.Unlock()
		return response, nil
	}
	drained := a.onSyncDrained
	a.mu.Unlock()

	if drained != nil {
		drained()
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (a *fakeAPI) JoinRoom(ctx context.Context, roomIDOrAlias string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.joinErr != nil {
		return "", a.joinErr
	}
	a.joinCalls = append(a.joinCalls, roomIDOrAlias)
	a.joinedRooms = append(a.joinedRooms, roomIDOrAlias)
	return roomIDOrAlias, nil
}

func (a *fakeAPI) LeaveRoom(ctx context.Context, roomID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.leaveCalls = append(a.leaveCalls, roomID)
	for i, joined := range a.joinedRooms {
		if joined == roomID {
			a.joinedRooms = append(a.joinedRooms[:i], a.joinedRooms[i+1:]...)
			break
		}
	}
	return nil
}

func (a *fakeAPI) JoinedRooms(ctx context.Context) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.joinedRoomsCalls++
	return append([]string(nil), a.joinedRooms...), nil
}

func (a *fakeAPI) SendReceipt(ctx context.Context, roomID, eventID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.receiptErr != nil {
		return a.receiptErr
	}
	a.receipts = append(a.receipts, sentReceipt{roomID: roomID, eventID: eventID})
	return nil
}

func (a *fakeAPI) SendNotice(ctx context.Context, roomID, text string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.noticeErr != nil {
		return "", a.noticeErr
	}
	a.notices = append(a.notices, sentNotice{roomID: roomID, text: text})
	return fmt.Sprintf("$notice%d", len(a.notices)), nil
}

func (a *fakeAPI) Deactivate(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deactivated = true
	return nil
}

func (a *fakeAPI) CloseIdleConnections() {}

func (a *fakeAPI) sentNotices() []sentNotice {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]sentNotice(nil), a.notices...)
}

func (a *fakeAPI) sentReceipts() []sentReceipt {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]sentReceipt(nil), a.receipts...)
}

// fakeConnector hands out one fakeAPI for every session.
type fakeConnector struct {
	api         *fakeAPI
	registerErr error

	mu        sync.Mutex
	registers []string
}

func (c *fakeConnector) Register(ctx context.Context, username, deviceID, displayName string) (*matrix.AuthResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registerErr != nil {
		return nil, c.registerErr
	}
	c.registers = append(c.registers, username)
	return &matrix.AuthResponse{
		UserID:      "@" + username + ":test.local",
		AccessToken: "syt_" + username,
		DeviceID:    "DEVICE1",
	}, nil
}

func (c *fakeConnector) Session(userID, accessToken string) API {
	c.api.mu.Lock()
	c.api.userID = userID
	c.api.mu.Unlock()
	return c.api
}

// invite builds a sync response inviting the given user into a room.
func inviteSync(nextBatch, roomID, inviter, invitee string) *matrix.SyncResponse {
	stateKey := invitee
	return &matrix.SyncResponse{
		NextBatch: nextBatch,
		Rooms: matrix.RoomsSection{
			Invite: map[string]matrix.InvitedRoom{
				roomID: {
					InviteState: matrix.StateSection{
						Events: []matrix.Event{{
							Type:     "m.room.member",
							Sender:   inviter,
							Content:  map[string]any{"membership": "invite"},
							StateKey: &stateKey,
						}},
					},
				},
			},
		},
	}
}

// messageSync builds a sync response with message events in one room.
func messageSync(nextBatch, roomID string, events ...matrix.Event) *matrix.SyncResponse {
	return &matrix.SyncResponse{
		NextBatch: nextBatch,
		Rooms: matrix.RoomsSection{
			Join: map[string]matrix.JoinedRoom{
				roomID: {Timeline: matrix.TimelineSection{Events: events}},
			},
		},
	}
}

func message(eventID, sender, body string, ts int64) matrix.Event {
	return matrix.Event{
		EventID:        eventID,
		Type:           "m.room.message",
		Sender:         sender,
		OriginServerTS: ts,
		Content:        map[string]any{"msgtype": "m.text", "body": body},
	}
}
