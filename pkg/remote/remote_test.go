package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"

	"github.com/NicolasHaas/nexusconsole/pkg/events"
	"github.com/NicolasHaas/nexusconsole/pkg/model"
)

var fixedNow = time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client, err := Dial(context.Background(), "redis://"+s.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client, s
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func rawFor(ref string, expires time.Time) *model.RawSession {
	return &model.RawSession{
		User:      &model.SessionUser{ID: ref, Name: "Remote " + ref},
		IssuedAt:  fixedNow,
		ExpiresAt: expires.UnixMilli(),
	}
}

func TestDialRejectsBadURL(t *testing.T) {
	if _, err := Dial(context.Background(), "://nope"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestSaveAndGetRemoteSession(t *testing.T) {
	client, _ := setupTestRedis(t)
	st := NewSessionStore(client, "").WithClock(func() time.Time { return fixedNow })
	ctx := context.Background()

	got, err := st.GetRemoteSession(ctx)
	if err != nil || got != nil {
		t.Fatalf("empty GetRemoteSession = (%+v, %v), want (nil, nil)", got, err)
	}

	want := rawFor("u2", fixedNow.Add(time.Hour))
	if err := st.SaveRemoteSession(ctx, want); err != nil {
		t.Fatalf("SaveRemoteSession: %v", err)
	}
	got, err = st.GetRemoteSession(ctx)
	if err != nil {
		t.Fatalf("GetRemoteSession: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("session mismatch (-want +got):\n%s", diff)
	}
}

func TestRemoteSessionKeyExpires(t *testing.T) {
	client, s := setupTestRedis(t)
	st := NewSessionStore(client, "").WithClock(func() time.Time { return fixedNow })
	ctx := context.Background()

	if err := st.SaveRemoteSession(ctx, rawFor("u2", fixedNow.Add(time.Minute))); err != nil {
		t.Fatalf("SaveRemoteSession: %v", err)
	}
	if ttl := s.TTL("nexus:remote-session"); ttl != time.Minute {
		t.Fatalf("TTL = %s, want 1m", ttl)
	}

	s.FastForward(2 * time.Minute)

	got, err := st.GetRemoteSession(ctx)
	if err != nil || got != nil {
		t.Fatalf("after expiry GetRemoteSession = (%+v, %v)", got, err)
	}
}

func TestSaveRemoteSessionRejections(t *testing.T) {
	client, _ := setupTestRedis(t)
	st := NewSessionStore(client, "").WithClock(func() time.Time { return fixedNow })
	ctx := context.Background()

	if err := st.SaveRemoteSession(ctx, rawFor("u2", fixedNow.Add(-time.Second))); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expired save error = %v", err)
	}
	if err := st.SaveRemoteSession(ctx, &model.RawSession{}); !errors.Is(err, model.ErrIdentityRefEmpty) {
		t.Fatalf("invalid save error = %v", err)
	}
}

func TestMalformedRemoteSession(t *testing.T) {
	client, s := setupTestRedis(t)
	st := NewSessionStore(client, "")
	if err := s.Set("nexus:remote-session", "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := st.GetRemoteSession(context.Background()); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestSaveAndRevokeAnnounce(t *testing.T) {
	client, _ := setupTestRedis(t)
	st := NewSessionStore(client, "ops").WithClock(func() time.Time { return fixedNow })
	ctx := context.Background()

	pubsub := client.Subscribe(ctx, "ops:remote-auth-changed")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := st.SaveRemoteSession(ctx, rawFor("u2", fixedNow.Add(time.Hour))); err != nil {
		t.Fatalf("SaveRemoteSession: %v", err)
	}
	if err := st.RevokeRemoteSession(ctx); err != nil {
		t.Fatalf("RevokeRemoteSession: %v", err)
	}
	if err := st.RevokeRemoteSession(ctx); err != nil {
		t.Fatalf("revoking an absent session: %v", err)
	}

	var refs []string
	for i := 0; i < 3; i++ {
		rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		msg, err := pubsub.ReceiveMessage(rctx)
		cancel()
		if err != nil {
			t.Fatalf("ReceiveMessage %d: %v", i, err)
		}
		var sig signal
		if err := json.Unmarshal([]byte(msg.Payload), &sig); err != nil {
			t.Fatalf("payload %q: %v", msg.Payload, err)
		}
		refs = append(refs, sig.IdentityRef)
	}
	if diff := cmp.Diff([]string{"u2", "", ""}, refs); diff != "" {
		t.Fatalf("announcements mismatch (-want +got):\n%s", diff)
	}
}

func waitFor(t *testing.T, sub *events.Subscription) events.Event {
	t.Helper()
	select {
	case ev := <-sub.C:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("no event received")
		return events.Event{}
	}
}

func TestBridgeRelaysBetweenProcesses(t *testing.T) {
	client, _ := setupTestRedis(t)
	ctx := context.Background()

	busA, busB := events.New(8), events.New(8)
	bridgeA := NewBridge(client, busA, "", discardLogger())
	bridgeB := NewBridge(client, busB, "", discardLogger())
	if bridgeA.Origin() == bridgeB.Origin() {
		t.Fatalf("bridges share an origin")
	}
	for _, b := range []*Bridge{bridgeA, bridgeB} {
		if err := b.Start(ctx); err != nil {
			t.Fatalf("Start: %v", err)
		}
		t.Cleanup(b.Stop)
	}

	changedA := busA.Subscribe(events.TopicIdentityStoreChanged)
	changedB := busB.Subscribe(events.TopicIdentityStoreChanged)
	defer changedA.Close()
	defer changedB.Close()

	busA.Publish(events.Event{Topic: events.TopicResyncRequested, IdentityRef: "u3"})

	ev := waitFor(t, changedB)
	if ev.Origin != bridgeA.Origin() || ev.IdentityRef != "u3" {
		t.Fatalf("relayed event = %+v", ev)
	}

	// Give A's own echo time to arrive; it must be ignored.
	time.Sleep(100 * time.Millisecond)
	select {
	case ev := <-changedA.C:
		t.Fatalf("bridge re-delivered its own signal: %+v", ev)
	default:
	}
}

func TestBridgeRelaysRemoteAuthChanges(t *testing.T) {
	client, _ := setupTestRedis(t)
	ctx := context.Background()

	bus := events.New(8)
	bridge := NewBridge(client, bus, "", discardLogger())
	if err := bridge.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer bridge.Stop()
	if err := bridge.Start(ctx); !errors.Is(err, ErrBridgeStarted) {
		t.Fatalf("second Start error = %v", err)
	}

	authChanged := bus.Subscribe(events.TopicRemoteAuthChanged)
	defer authChanged.Close()

	st := NewSessionStore(client, "").WithClock(func() time.Time { return fixedNow })
	if err := st.RevokeRemoteSession(ctx); err != nil {
		t.Fatalf("RevokeRemoteSession: %v", err)
	}
	waitFor(t, authChanged)
}

func TestBridgeStopIsIdempotent(t *testing.T) {
	client, _ := setupTestRedis(t)
	bus := events.New(8)
	bridge := NewBridge(client, bus, "", discardLogger())
	if err := bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	bridge.Stop()
	bridge.Stop()
	if n := bus.Subscribers(events.TopicResyncRequested); n != 0 {
		t.Fatalf("Subscribers after Stop = %d, want 0", n)
	}
}
