package security

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/NicolasHaas/nexusconsole/pkg/events"
	"github.com/NicolasHaas/nexusconsole/pkg/model"
	"github.com/NicolasHaas/nexusconsole/pkg/store"
)

var (
	testNow        = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	errUnreachable = errors.New("connection refused")
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRemote struct {
	raw *model.RawSession
	err error
}

func (f *fakeRemote) GetRemoteSession(context.Context) (*model.RawSession, error) {
	return f.raw, f.err
}

type failingLocal struct{}

func (failingLocal) GetLocalSession(context.Context) ([]byte, error) { return nil, errUnreachable }
func (failingLocal) ClearLocalSession(context.Context) error        { return errUnreachable }

type countingReader struct {
	mu    sync.Mutex
	calls int
	ident *model.Identity
	err   error
}

func (c *countingReader) GetIdentity(context.Context, string) (*model.Identity, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.ident, c.err
}

func rawFor(ref string) *model.RawSession {
	return &model.RawSession{User: &model.SessionUser{ID: ref, Name: ref}, IssuedAt: testNow}
}

func setLocal(t *testing.T, st *store.MemoryStore, raw *model.RawSession) {
	t.Helper()
	data, err := json.Marshal(raw)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := st.SetLocalSession(context.Background(), data); err != nil {
		t.Fatalf("SetLocalSession: %v", err)
	}
}

func TestResolveLocalWinsOverRemote(t *testing.T) {
	tests := map[string]struct {
		local      *model.RawSession
		remote     *model.RawSession
		remoteErr  error
		wantRef    string
		wantSource model.SessionSource
	}{
		"local_and_remote":       {local: rawFor("u1"), remote: rawFor("u2"), wantRef: "u1", wantSource: model.SourceLocal},
		"local_only":             {local: rawFor("u1"), wantRef: "u1", wantSource: model.SourceLocal},
		"local_and_remote_error": {local: rawFor("u1"), remoteErr: errUnreachable, wantRef: "u1", wantSource: model.SourceLocal},
		"remote_only":            {remote: rawFor("u2"), wantRef: "u2", wantSource: model.SourceRemote},
		"neither":                {},
		"remote_error":           {remoteErr: errUnreachable},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			st := store.NewMemory()
			if tc.local != nil {
				setLocal(t, st, tc.local)
			}
			r := NewResolver(st, &fakeRemote{raw: tc.remote, err: tc.remoteErr}, discardLogger()).
				WithClock(func() time.Time { return testNow })

			got := r.Resolve(context.Background())
			if tc.wantRef == "" {
				if got != nil {
					t.Fatalf("Resolve() = %+v, want nil", got)
				}
				return
			}
			want := &model.Session{Source: tc.wantSource, IdentityRef: tc.wantRef, Name: tc.wantRef, IssuedAt: testNow}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("Resolve() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestResolveMalformedLocalFallsThrough(t *testing.T) {
	for name, data := range map[string]string{
		"not_json":      "{not json",
		"no_user":       `{"issued_at":"2026-10-15T12:00:00Z"}`,
		"empty_user_id": `{"user":{"id":""}}`,
		"array":         `[1,2,3]`,
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := store.NewMemory()
			if err := st.SetLocalSession(ctx, []byte(data)); err != nil {
				t.Fatalf("SetLocalSession: %v", err)
			}

			r := NewResolver(st, &fakeRemote{raw: rawFor("u2")}, discardLogger())
			got := r.Resolve(ctx)
			if got == nil || got.IdentityRef != "u2" || got.Source != model.SourceRemote {
				t.Fatalf("Resolve() = %+v, want remote u2", got)
			}

			slot, _ := st.GetLocalSession(ctx)
			if slot != nil {
				t.Fatalf("malformed slot was not cleared: %q", slot)
			}

			r = NewResolver(st, nil, discardLogger())
			if got := r.Resolve(ctx); got != nil {
				t.Fatalf("Resolve() without remote = %+v, want nil", got)
			}
		})
	}
}

func TestResolveExpiredLocalIsAbsent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	raw := rawFor("u1")
	raw.ExpiresAt = testNow.Add(-time.Minute).UnixMilli()
	setLocal(t, st, raw)

	r := NewResolver(st, &fakeRemote{raw: rawFor("u2")}, discardLogger()).
		WithClock(func() time.Time { return testNow })
	got := r.Resolve(ctx)
	if got == nil || got.IdentityRef != "u2" {
		t.Fatalf("Resolve() = %+v, want remote u2", got)
	}
	if slot, _ := st.GetLocalSession(ctx); slot != nil {
		t.Fatalf("expired slot was not cleared")
	}
}

func TestResolveLocalStorageFailure(t *testing.T) {
	r := NewResolver(failingLocal{}, &fakeRemote{raw: rawFor("u2")}, discardLogger())
	got := r.Resolve(context.Background())
	if got == nil || got.IdentityRef != "u2" {
		t.Fatalf("Resolve() = %+v, want remote u2", got)
	}
}

func TestEvaluateLazyExpiry(t *testing.T) {
	past := testNow.Add(-24 * time.Hour)
	future := testNow.Add(time.Hour)

	tests := map[string]struct {
		ban  model.BanState
		want model.BanState
	}{
		"not_banned":       {ban: model.BanState{}, want: model.BanState{}},
		"expired":          {ban: model.BanState{Banned: true, Reason: "spam", ExpiresAt: &past}, want: model.BanState{}},
		"future":           {ban: model.BanState{Banned: true, Reason: "spam", ExpiresAt: &future}, want: model.BanState{Banned: true, Reason: "spam", ExpiresAt: &future}},
		"permanent_nil":    {ban: model.BanState{Banned: true, Reason: "toxic"}, want: model.BanState{Banned: true, Reason: "toxic"}},
		"permanent_sentry": {ban: model.BanState{Banned: true, ExpiresAt: &model.PermanentExpiry}, want: model.BanState{Banned: true, ExpiresAt: &model.PermanentExpiry}},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st := store.NewMemory()
			ident := model.Identity{Username: "u5"}
			if err := st.CreateIdentity(ctx, &ident); err != nil {
				t.Fatalf("CreateIdentity: %v", err)
			}
			if err := st.UpdateBanState(ctx, ident.ID, tc.ban); err != nil {
				t.Fatalf("UpdateBanState: %v", err)
			}

			e := NewEvaluator(st, nil, discardLogger()).WithClock(func() time.Time { return testNow })
			if diff := cmp.Diff(tc.want, e.Evaluate(ctx, ident.ID)); diff != "" {
				t.Errorf("Evaluate() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestEvaluateRootBypassesStore(t *testing.T) {
	reader := &countingReader{ident: &model.Identity{ID: "root", Ban: model.BanState{Banned: true}}}
	e := NewEvaluator(reader, []string{"root"}, discardLogger())

	if got := e.Evaluate(context.Background(), "root"); got.Banned {
		t.Fatalf("root identity evaluated as banned")
	}
	if reader.calls != 0 {
		t.Fatalf("store consulted %d times for root identity", reader.calls)
	}
}

func TestEvaluateUnknownAndFailure(t *testing.T) {
	ctx := context.Background()
	if got := NewEvaluator(&countingReader{}, nil, discardLogger()).Evaluate(ctx, "ghost"); got.Banned {
		t.Fatalf("unknown identity evaluated as banned")
	}
	if got := NewEvaluator(&countingReader{err: errUnreachable}, nil, discardLogger()).Evaluate(ctx, "u1"); got.Banned {
		t.Fatalf("store failure evaluated as banned")
	}
}

// Scenario: local u1 not banned, remote u2 banned; the snapshot belongs to u1.
func TestSyncLocalSessionWithItsOwnBanState(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	u1 := model.Identity{ID: "u1", Username: "kaito_admin"}
	u2 := model.Identity{ID: "u2", Username: "shadow_user"}
	for _, ident := range []*model.Identity{&u1, &u2} {
		if err := st.CreateIdentity(ctx, ident); err != nil {
			t.Fatalf("CreateIdentity: %v", err)
		}
	}
	if err := st.UpdateBanState(ctx, "u2", model.BanState{Banned: true, Reason: "spam"}); err != nil {
		t.Fatalf("UpdateBanState: %v", err)
	}
	setLocal(t, st, rawFor("u1"))

	s := NewScheduler(
		NewResolver(st, &fakeRemote{raw: rawFor("u2")}, discardLogger()),
		NewEvaluator(st, nil, discardLogger()),
		nil, discardLogger())

	snap, committed := s.Sync(ctx)
	if !committed {
		t.Fatalf("first Sync did not commit")
	}
	if snap.Session == nil || snap.Session.IdentityRef != "u1" {
		t.Fatalf("session = %+v, want u1", snap.Session)
	}
	if snap.Ban.Banned {
		t.Fatalf("ban state for u1 should not be banned: %+v", snap.Ban)
	}
	if diff := cmp.Diff(snap, s.Snapshot()); diff != "" {
		t.Errorf("Snapshot() mismatch (-want +got):\n%s", diff)
	}
}

// Scenario: u5 banned until yesterday is not suspended.
func TestSyncExpiredBanIsNotSuspended(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	yesterday := time.Now().Add(-24 * time.Hour)
	u5 := model.Identity{ID: "u5", Username: "zero_cool"}
	if err := st.CreateIdentity(ctx, &u5); err != nil {
		t.Fatalf("CreateIdentity: %v", err)
	}
	if err := st.UpdateBanState(ctx, "u5", model.BanState{Banned: true, Reason: "spam", ExpiresAt: &yesterday}); err != nil {
		t.Fatalf("UpdateBanState: %v", err)
	}
	setLocal(t, st, rawFor("u5"))

	s := NewScheduler(NewResolver(st, nil, discardLogger()), NewEvaluator(st, nil, discardLogger()), nil, discardLogger())
	s.Sync(ctx)
	if !s.Snapshot().Authenticated() {
		t.Fatalf("expected an authenticated snapshot")
	}
	if s.Suspended() {
		t.Fatalf("expired ban should not suspend the session")
	}
}

func TestCurrentResyncsWhenBanLapses(t *testing.T) {
	ctx := context.Background()
	clock := testNow
	now := func() time.Time { return clock }

	st := store.NewMemory()
	until := testNow.Add(30 * time.Minute)
	u1 := model.Identity{ID: "u1", Username: "acid_burn"}
	if err := st.CreateIdentity(ctx, &u1); err != nil {
		t.Fatalf("CreateIdentity: %v", err)
	}
	if err := st.UpdateBanState(ctx, "u1", model.BanState{Banned: true, Reason: "spam", ExpiresAt: &until}); err != nil {
		t.Fatalf("UpdateBanState: %v", err)
	}
	setLocal(t, st, rawFor("u1"))

	s := NewScheduler(
		NewResolver(st, nil, discardLogger()).WithClock(now),
		NewEvaluator(st, nil, discardLogger()).WithClock(now),
		nil, discardLogger(),
	).WithClock(now)
	s.Sync(ctx)
	if !s.Suspended() {
		t.Fatalf("u1 should be suspended while the ban is in force")
	}

	clock = testNow.Add(2 * time.Hour)
	if s.Suspended() {
		t.Fatalf("lapsed ban still suspends: %+v", s.Snapshot().Ban)
	}
	before := s.Snapshot().Generation
	snap := s.Current(ctx)
	if snap.Generation <= before || snap.Ban.Banned || snap.Session == nil {
		t.Fatalf("Current() = %+v, want a fresh unbanned snapshot for u1", snap)
	}
	if again := s.Current(ctx); again.Generation != snap.Generation {
		t.Fatalf("fresh snapshot resynced again: generation %d -> %d", snap.Generation, again.Generation)
	}
}

func TestCurrentDropsExpiredSession(t *testing.T) {
	ctx := context.Background()
	clock := testNow
	now := func() time.Time { return clock }

	st := store.NewMemory()
	raw := rawFor("u1")
	raw.ExpiresAt = testNow.Add(time.Hour).UnixMilli()
	setLocal(t, st, raw)

	s := NewScheduler(
		NewResolver(st, nil, discardLogger()).WithClock(now),
		NewEvaluator(st, nil, discardLogger()).WithClock(now),
		nil, discardLogger(),
	).WithClock(now)
	if snap, _ := s.Sync(ctx); snap.Session == nil || !snap.Session.ExpiresAt.Equal(testNow.Add(time.Hour)) {
		t.Fatalf("session = %+v, want expiry carried from the record", snap.Session)
	}

	clock = testNow.Add(2 * time.Hour)
	if snap := s.Current(ctx); snap.Authenticated() {
		t.Fatalf("expired session still authenticated: %+v", snap.Session)
	}
	if data, err := st.GetLocalSession(ctx); err != nil || data != nil {
		t.Fatalf("local slot after expiry = %q, %v", data, err)
	}
}

// flipResolver alternates between identities and makes every other lookup slow.
type flipResolver struct {
	mu sync.Mutex
	n  int
}

func (f *flipResolver) Resolve(context.Context) *model.Session {
	f.mu.Lock()
	f.n++
	n := f.n
	f.mu.Unlock()
	if n%2 == 0 {
		time.Sleep(time.Millisecond)
		return &model.Session{Source: model.SourceLocal, IdentityRef: "A"}
	}
	return &model.Session{Source: model.SourceRemote, IdentityRef: "B"}
}

// taggingEvaluator records which identity a ban state was computed for.
type taggingEvaluator struct{}

func (taggingEvaluator) Evaluate(_ context.Context, ref string) model.BanState {
	if ref == "B" {
		time.Sleep(time.Millisecond)
	}
	return model.BanState{Banned: true, Reason: ref}
}

func TestSyncCommitsSessionAndBanTogether(t *testing.T) {
	ctx := context.Background()
	s := NewScheduler(&flipResolver{}, taggingEvaluator{}, nil, discardLogger())

	var mismatches []string
	var mu sync.Mutex
	check := func(snap model.Snapshot) {
		if snap.Session != nil && snap.Ban.Reason != snap.Session.IdentityRef {
			mu.Lock()
			mismatches = append(mismatches, snap.Session.IdentityRef+"/"+snap.Ban.Reason)
			mu.Unlock()
		}
	}
	unsubscribe := s.Subscribe(check)
	defer unsubscribe()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Sync(ctx)
		}()
		go func() {
			defer wg.Done()
			check(s.Snapshot())
		}()
	}
	wg.Wait()

	if len(mismatches) > 0 {
		t.Fatalf("observed torn snapshots: %v", mismatches)
	}
	if got := s.Syncs(); got != 50 {
		t.Fatalf("Syncs() = %d, want 50", got)
	}
	if s.Snapshot().Generation == 0 {
		t.Fatalf("nothing was committed")
	}
}

func TestSyncOlderGenerationNeverOverwrites(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})
	slow := &gatedResolver{gate: gate}
	s := NewScheduler(slow, taggingEvaluator{}, nil, discardLogger())

	done := make(chan bool)
	go func() {
		_, committed := s.Sync(ctx) // generation 1, blocked
		done <- committed
	}()
	slow.waitBlocked()

	slow.setRef("fresh")
	if _, committed := s.Sync(ctx); !committed { // generation 2
		t.Fatalf("newer sync did not commit")
	}
	close(gate)

	if <-done {
		t.Fatalf("stale sync overwrote a newer snapshot")
	}
	if got := s.Snapshot().Session.IdentityRef; got != "fresh" {
		t.Fatalf("committed identity = %q, want fresh", got)
	}
	if s.Discarded() != 1 {
		t.Fatalf("Discarded() = %d, want 1", s.Discarded())
	}
}

type gatedResolver struct {
	gate    chan struct{}
	mu      sync.Mutex
	ref     string
	blocked chan struct{}
	once    sync.Once
}

func (g *gatedResolver) init() {
	g.once.Do(func() { g.blocked = make(chan struct{}) })
}

func (g *gatedResolver) waitBlocked() {
	g.init()
	<-g.blocked
}

func (g *gatedResolver) setRef(ref string) {
	g.mu.Lock()
	g.ref = ref
	g.mu.Unlock()
}

func (g *gatedResolver) Resolve(context.Context) *model.Session {
	g.init()
	g.mu.Lock()
	ref := g.ref
	first := ref == ""
	g.mu.Unlock()
	if first {
		close(g.blocked)
		<-g.gate
		return &model.Session{IdentityRef: "stale"}
	}
	return &model.Session{IdentityRef: ref}
}

func TestSchedulerReactsToTriggers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.NewMemory()
	bus := events.New(4)
	s := NewScheduler(NewResolver(st, nil, discardLogger()), NewEvaluator(st, nil, discardLogger()), bus, discardLogger())

	commits := make(chan model.Snapshot, 16)
	s.Subscribe(func(snap model.Snapshot) { commits <- snap })

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()
	if err := s.Start(ctx); !errors.Is(err, ErrSchedulerStarted) {
		t.Fatalf("second Start = %v, want ErrSchedulerStarted", err)
	}

	initial := <-commits
	if initial.Authenticated() {
		t.Fatalf("initial snapshot should be unauthenticated")
	}

	setLocal(t, st, rawFor("u1"))
	for _, topic := range []events.Topic{events.TopicResyncRequested, events.TopicIdentityStoreChanged, events.TopicRemoteAuthChanged} {
		bus.Publish(events.Event{Topic: topic})
		select {
		case snap := <-commits:
			if snap.Session == nil || snap.Session.IdentityRef != "u1" {
				t.Fatalf("%s: session = %+v, want u1", topic, snap.Session)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s: no commit after trigger", topic)
		}
	}
}

func TestSchedulerStopReleasesAndBlocksCommits(t *testing.T) {
	ctx := context.Background()
	bus := events.New(4)
	st := store.NewMemory()
	s := NewScheduler(NewResolver(st, nil, discardLogger()), NewEvaluator(st, nil, discardLogger()), bus, discardLogger())

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	before := s.Snapshot()
	s.Stop()
	s.Stop()

	for _, topic := range triggerTopics {
		if n := bus.Subscribers(topic); n != 0 {
			t.Fatalf("%s still has %d subscribers after Stop", topic, n)
		}
	}

	setLocal(t, st, rawFor("u1"))
	if _, committed := s.Sync(ctx); committed {
		t.Fatalf("Sync committed after Stop")
	}
	if diff := cmp.Diff(before, s.Snapshot(), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("snapshot changed after Stop (-want +got):\n%s", diff)
	}
	if err := s.Start(ctx); !errors.Is(err, ErrSchedulerStopped) {
		t.Fatalf("Start after Stop = %v, want ErrSchedulerStopped", err)
	}
}
