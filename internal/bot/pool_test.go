package bot

import (
	"context"
	"testing"
	"time"

	"github.com/edgard/botherd/internal/config"
	"github.com/edgard/botherd/internal/database"
	"github.com/edgard/botherd/internal/matrix"
)

func testDefaults() config.BotDefaults {
	return config.BotDefaults{
		Prefix:        "!",
		PollTimeout:   30 * time.Second,
		AccessPolicy:  "all",
		ReceiptPolicy: "read",
	}
}

func newTestPool(t *testing.T, mode Mode, store *memStore, connector *fakeConnector) *Pool {
	t.Helper()
	pool := NewPool(PoolConfig{
		Store:      store,
		Connector:  connector,
		ServerName: "test.local",
		Mode:       mode,
		StopGrace:  2 * time.Second,
		Defaults:   testDefaults(),
	})
	t.Cleanup(pool.Stop)
	return pool
}

func waitFor(t *testing.T, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(message)
}

func TestPoolStartNewBot(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	connector := &fakeConnector{api: &fakeAPI{}}
	pool := newTestPool(t, ModeStandalone, store, connector)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	session, err := pool.StartNewBot(context.Background(), "alice")
	if err != nil {
		t.Fatalf("StartNewBot failed: %v", err)
	}
	if session.UserID() != "@alice:test.local" {
		t.Errorf("unexpected session key: %q", session.UserID())
	}

	if store.byUserID("@alice:test.local") == nil {
		t.Error("identity row must exist before the session runs")
	}
	if _, ok := pool.Get("@alice:test.local"); !ok {
		t.Error("pool must hold the session under the full user ID")
	}

	if _, err := pool.StartNewBot(context.Background(), "alice"); err == nil {
		t.Error("duplicate provisioning must fail")
	}
}

func TestPoolStartLoadsPersistedIdentities(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	seedTx := &memTx{store: store}
	for _, name := range []string{"one", "two"} {
		_, err := seedTx.Save(context.Background(), &database.Bot{
			UserID:      "@" + name + ":test.local",
			AccessToken: "token-" + name,
			State:       database.StateRegistered,
			Prefix:      "!",
		})
		if err != nil {
			t.Fatalf("failed to seed: %v", err)
		}
	}

	connector := &fakeConnector{api: &fakeAPI{}}
	pool := newTestPool(t, ModeAppservice, store, connector)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if pool.Size() != 2 {
		t.Errorf("expected 2 sessions, got %d", pool.Size())
	}
}

func TestPoolRemovesSessionOnExit(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	_, err := (&memTx{store: store}).Save(context.Background(), &database.Bot{
		UserID:      "@doomed:test.local",
		AccessToken: "token",
		State:       database.StateDeleted,
		Prefix:      "!",
	})
	if err != nil {
		t.Fatalf("failed to seed: %v", err)
	}

	connector := &fakeConnector{api: &fakeAPI{}}
	pool := newTestPool(t, ModeStandalone, store, connector)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	waitFor(t, func() bool { return pool.Size() == 0 },
		"session in deleted state must remove itself from the pool")
	if store.byUserID("@doomed:test.local") != nil {
		t.Error("identity row must be removed")
	}
}

func TestPoolLaunchReturnsFastExitingSession(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	connector := &fakeConnector{api: &fakeAPI{}}
	pool := newTestPool(t, ModeStandalone, store, connector)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	bot, err := (&memTx{store: store}).Save(context.Background(), &database.Bot{
		UserID:      "@ephemeral:test.local",
		AccessToken: "token",
		State:       database.StateDeleted,
		Prefix:      "!",
	})
	if err != nil {
		t.Fatalf("failed to seed: %v", err)
	}

	session, err := pool.launch(context.Background(), bot)
	if err != nil {
		t.Fatalf("launch failed: %v", err)
	}
	if session == nil {
		t.Fatal("launch must hand back its session even when the loop exits immediately")
	}
	if session.UserID() != "@ephemeral:test.local" {
		t.Errorf("unexpected session identity: %q", session.UserID())
	}
	waitFor(t, func() bool { return pool.Size() == 0 },
		"deleted-state session must remove itself from the pool")
}

func TestPoolSendRoutesByMembership(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	_, err := (&memTx{store: store}).Save(context.Background(), &database.Bot{
		UserID:      "@member:test.local",
		AccessToken: "token",
		State:       database.StateJoined,
		Owner:       "@owner:test.local",
		Prefix:      "!",
	})
	if err != nil {
		t.Fatalf("failed to seed: %v", err)
	}

	api := &fakeAPI{joinedRooms: []string{"!joined:test.local"}}
	connector := &fakeConnector{api: api}
	pool := newTestPool(t, ModeAppservice, store, connector)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if !pool.Send(context.Background(), "!joined:test.local",
		message("$m1", "@user:test.local", "hello", 100)) {
		t.Error("expected the member session to accept the event")
	}

	if pool.Send(context.Background(), "!other:test.local",
		message("$m2", "@user:test.local", "hello", 200)) {
		t.Error("expected no session to accept an event for an unjoined room")
	}
}

func TestPoolSendDeliversToOneSessionOnly(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	seedTx := &memTx{store: store}
	for _, name := range []string{"first", "second"} {
		_, err := seedTx.Save(context.Background(), &database.Bot{
			UserID:      "@" + name + ":test.local",
			AccessToken: "token-" + name,
			State:       database.StateJoined,
			Owner:       "@owner:test.local",
			Prefix:      "!",
		})
		if err != nil {
			t.Fatalf("failed to seed: %v", err)
		}
	}

	api := &fakeAPI{joinedRooms: []string{"!shared:test.local"}}
	connector := &fakeConnector{api: api}
	pool := NewPool(PoolConfig{
		Store:      store,
		Connector:  connector,
		ServerName: "test.local",
		Mode:       ModeAppservice,
		StopGrace:  2 * time.Second,
		Defaults:   testDefaults(),
		Commands:   []CommandFactory{echoFactory()},
	})
	t.Cleanup(pool.Stop)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if pool.Size() != 2 {
		t.Fatalf("expected 2 sessions, got %d", pool.Size())
	}

	if !pool.Send(context.Background(), "!shared:test.local",
		message("$m1", "@user:test.local", "!echo hi", 100)) {
		t.Fatal("expected a session to accept the event")
	}
	if notices := api.sentNotices(); len(notices) != 1 {
		t.Errorf("a room shared by two bots must get one delivery, got %d replies", len(notices))
	}
}

func TestPoolSendRoutesInviteByStateKey(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	_, err := (&memTx{store: store}).Save(context.Background(), &database.Bot{
		UserID:      "@invitee:test.local",
		AccessToken: "token",
		State:       database.StateRegistered,
		Prefix:      "!",
	})
	if err != nil {
		t.Fatalf("failed to seed: %v", err)
	}

	api := &fakeAPI{}
	connector := &fakeConnector{api: api}
	pool := newTestPool(t, ModeAppservice, store, connector)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	stateKey := "@invitee:test.local"
	invite := matrix.Event{
		Type:     "m.room.member",
		Sender:   "@owner:test.local",
		Content:  map[string]any{"membership": "invite"},
		StateKey: &stateKey,
	}
	if !pool.Send(context.Background(), "!fresh:test.local", invite) {
		t.Fatal("expected invite routed to its session")
	}
	if stored := store.byUserID("@invitee:test.local"); stored.State != database.StateJoined {
		t.Errorf("expected joined state after pushed invite, got %s", stored.State)
	}

	otherKey := "@nobody:test.local"
	stray := matrix.Event{
		Type:     "m.room.member",
		Sender:   "@owner:test.local",
		Content:  map[string]any{"membership": "invite"},
		StateKey: &otherKey,
	}
	if pool.Send(context.Background(), "!fresh:test.local", stray) {
		t.Error("invites for unknown users must not route")
	}
}

func TestPoolStopDrainsSessions(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	_, err := (&memTx{store: store}).Save(context.Background(), &database.Bot{
		UserID:      "@runner:test.local",
		AccessToken: "token",
		State:       database.StateRegistered,
		Prefix:      "!",
	})
	if err != nil {
		t.Fatalf("failed to seed: %v", err)
	}

	connector := &fakeConnector{api: &fakeAPI{}}
	pool := newTestPool(t, ModeStandalone, store, connector)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, func() bool { return pool.Size() == 1 }, "session should be running")

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not drain within the grace period")
	}
}
