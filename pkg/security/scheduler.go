package security

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NicolasHaas/nexusconsole/pkg/events"
	"github.com/NicolasHaas/nexusconsole/pkg/model"
)

var (
	ErrSchedulerStarted = errors.New("security: scheduler already started")
	ErrSchedulerStopped = errors.New("security: scheduler stopped")
)

// triggerTopics are the signals that cause a resync.
var triggerTopics = []events.Topic{
	events.TopicIdentityStoreChanged,
	events.TopicResyncRequested,
	events.TopicRemoteAuthChanged,
}

// SessionResolver resolves the authoritative session.
type SessionResolver interface {
	Resolve(ctx context.Context) *model.Session
}

// BanEvaluator computes effective ban state.
type BanEvaluator interface {
	Evaluate(ctx context.Context, ref string) model.BanState
}

// Scheduler owns the committed {session, ban} snapshot and recomputes it
// whenever a trigger fires on the bus. Overlapping syncs are allowed; a
// commit only lands if it was started after the currently committed one.
type Scheduler struct {
	resolver  SessionResolver
	evaluator BanEvaluator
	bus       *events.Bus
	logger    *slog.Logger
	now       func() time.Time

	snap     atomic.Pointer[model.Snapshot]
	nextGen  atomic.Uint64
	alive    atomic.Bool
	commitMu sync.Mutex

	obsMu     sync.RWMutex
	observers map[int]func(model.Snapshot)
	nextObs   int

	lifeMu  sync.Mutex
	started bool
	sub     *events.Subscription
	wg      sync.WaitGroup

	syncs     atomic.Int64
	discarded atomic.Int64
}

// NewScheduler creates a scheduler with an empty, unauthenticated snapshot.
func NewScheduler(resolver SessionResolver, evaluator BanEvaluator, bus *events.Bus, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		resolver:  resolver,
		evaluator: evaluator,
		bus:       bus,
		logger:    logger,
		now:       time.Now,
		observers: make(map[int]func(model.Snapshot)),
	}
	s.snap.Store(&model.Snapshot{})
	s.alive.Store(true)
	return s
}

// Start subscribes to the trigger topics and runs an initial sync.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if !s.alive.Load() {
		return ErrSchedulerStopped
	}
	if s.started {
		return ErrSchedulerStarted
	}
	s.started = true
	s.sub = s.bus.Subscribe(triggerTopics...)

	s.wg.Add(1)
	go s.loop(ctx, s.sub)

	s.Sync(ctx)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, sub *events.Subscription) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			s.logger.Debug("resync triggered", "topic", ev.Topic, "identity", ev.IdentityRef)
			s.Sync(ctx)
		}
	}
}

// Stop releases the bus subscription and prevents any further commit,
// including commits of syncs that are still in flight. Safe to call twice.
func (s *Scheduler) Stop() {
	s.alive.Store(false)

	s.lifeMu.Lock()
	sub := s.sub
	s.sub = nil
	s.lifeMu.Unlock()

	if sub != nil {
		sub.Close()
	}
	s.wg.Wait()
}

// Sync resolves the session and its ban state and commits them together.
// It returns the resulting snapshot and whether it was committed.
func (s *Scheduler) Sync(ctx context.Context) (model.Snapshot, bool) {
	gen := s.nextGen.Add(1)
	s.syncs.Add(1)

	sess := s.resolver.Resolve(ctx)
	var ban model.BanState
	if sess != nil {
		ban = s.evaluator.Evaluate(ctx, sess.IdentityRef)
	}

	next := &model.Snapshot{
		Session:    sess,
		Ban:        ban,
		Generation: gen,
		ResolvedAt: s.now().UTC(),
	}
	if !s.commit(next) {
		s.discarded.Add(1)
		return *next, false
	}
	return *next, true
}

func (s *Scheduler) commit(next *model.Snapshot) bool {
	s.commitMu.Lock()
	if !s.alive.Load() {
		s.commitMu.Unlock()
		return false
	}
	if cur := s.snap.Load(); cur.Generation >= next.Generation {
		s.commitMu.Unlock()
		return false
	}
	s.snap.Store(next)
	s.commitMu.Unlock()

	s.obsMu.RLock()
	fns := make([]func(model.Snapshot), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.RUnlock()
	for _, fn := range fns {
		fn(*next)
	}
	return true
}

// Snapshot returns the last committed snapshot.
func (s *Scheduler) Snapshot() model.Snapshot {
	return *s.snap.Load()
}

// WithClock replaces the time source used for commit stamps and expiry.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Suspended reports whether the current operator is under a ban that is
// still in force now.
func (s *Scheduler) Suspended() bool {
	return s.Snapshot().Suspended(s.now())
}

// Current returns the committed snapshot, resyncing first when the session
// or the ban has lapsed since it was resolved. No trigger fires when a ban
// or session simply runs out.
func (s *Scheduler) Current(ctx context.Context) model.Snapshot {
	snap := s.Snapshot()
	if !snap.Stale(s.now()) {
		return snap
	}
	s.logger.Debug("snapshot outlived its ban or session, resyncing", "generation", snap.Generation)
	s.Sync(ctx)
	return s.Snapshot()
}

// Subscribe registers fn to be called after every commit and returns a
// function that removes it. Calls may arrive concurrently.
func (s *Scheduler) Subscribe(fn func(model.Snapshot)) (unsubscribe func()) {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

// Syncs returns how many syncs have been run.
func (s *Scheduler) Syncs() int64 { return s.syncs.Load() }

// Discarded returns how many syncs finished without committing.
func (s *Scheduler) Discarded() int64 { return s.discarded.Load() }
