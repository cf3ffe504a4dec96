// Package console wires the Nexus moderation core into a running process:
// stores, signal bus, session scheduler, moderation executor, HTTP admin API
// and the operator terminal.
package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"

	"github.com/NicolasHaas/nexusconsole/pkg/audit"
	"github.com/NicolasHaas/nexusconsole/pkg/auth"
	"github.com/NicolasHaas/nexusconsole/pkg/events"
	"github.com/NicolasHaas/nexusconsole/pkg/metrics"
	"github.com/NicolasHaas/nexusconsole/pkg/model"
	"github.com/NicolasHaas/nexusconsole/pkg/moderation"
	"github.com/NicolasHaas/nexusconsole/pkg/rbac"
	"github.com/NicolasHaas/nexusconsole/pkg/remote"
	"github.com/NicolasHaas/nexusconsole/pkg/security"
	"github.com/NicolasHaas/nexusconsole/pkg/store"
)

var (
	ErrNotAuthenticated = errors.New("console: no operator session")
	ErrSuspended        = errors.New("console: operator is suspended")
	ErrNoConsoleAccess  = errors.New("console: operator has no console access")
)

// Dependencies holds external dependencies for the console.
// Console assumes ownership of Store and Redis and closes them on shutdown.
type Dependencies struct {
	Store  store.DataStore
	Redis  *redis.Client // nil disables the remote session provider and the bridge
	Logger *slog.Logger
	Clock  func() time.Time // defaults to time.Now
}

// Console is one running moderation console process.
type Console struct {
	cfg      Config
	settings Settings
	logger   *slog.Logger

	store     store.DataStore
	bus       *events.Bus
	metrics   *metrics.Metrics
	audit     *audit.Logger
	auth      *auth.Authenticator
	evaluator *security.Evaluator
	scheduler *security.Scheduler
	executor  *moderation.Executor

	redis   *redis.Client
	remote  *remote.SessionStore
	bridge  *remote.Bridge
	httpSrv *http.Server

	now    func() time.Time
	ctx    context.Context
	cancel context.CancelFunc
}

// New wires a console. In demo mode, or when the settings carry no
// credentials, the demo passcodes are hashed and accepted.
func New(cfg Config, settings Settings, deps Dependencies) (*Console, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("console: missing store dependency")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	creds := settings.Credentials
	if len(creds) == 0 {
		demo, err := auth.DemoCredentials(DemoPasscodes...)
		if err != nil {
			return nil, fmt.Errorf("console: demo credentials: %w", err)
		}
		creds = demo
		logger.Warn("no credentials configured, accepting demo passcodes")
	}

	now := deps.Clock
	if now == nil {
		now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Console{
		cfg:      cfg,
		settings: settings,
		logger:   logger,
		store:    deps.Store,
		bus:      events.New(0),
		metrics:  metrics.New(),
		redis:    deps.Redis,
		now:      now,
		ctx:      ctx,
		cancel:   cancel,
	}

	c.audit = audit.New(c.store, c.bus, c.metrics, logger.With("component", "audit"))
	c.auth = auth.New(creds, c.store, c.audit, c.bus, c.metrics, logger.With("component", "auth")).WithClock(now)

	var remoteSrc security.RemoteSource
	if c.redis != nil {
		c.remote = remote.NewSessionStore(c.redis, cfg.RedisNamespace)
		c.bridge = remote.NewBridge(c.redis, c.bus, cfg.RedisNamespace, logger.With("component", "bridge"))
		c.auth.WithRemote(c.remote)
		remoteSrc = c.remote
	}

	resolver := security.NewResolver(c.store, remoteSrc, logger.With("component", "resolver")).WithClock(now)
	c.evaluator = security.NewEvaluator(c.store, settings.Roots, logger.With("component", "evaluator")).WithClock(now)
	c.scheduler = security.NewScheduler(resolver, c.evaluator, c.bus, logger.With("component", "scheduler")).WithClock(now)
	c.executor = moderation.NewExecutor(c.store, c.audit, c.bus, c.metrics, logger.With("component", "moderation")).
		WithRoots(settings.Roots...).WithClock(now)

	c.metrics.Register(metrics.Source{
		Name: "nexus_sync_total", Help: "Snapshot syncs started.", Type: "counter",
		Value: c.scheduler.Syncs,
	})
	c.metrics.Register(metrics.Source{
		Name: "nexus_sync_discarded_total", Help: "Sync results discarded because a newer sync had committed.", Type: "counter",
		Value: c.scheduler.Discarded,
	})
	c.metrics.Register(metrics.Source{
		Name: "nexus_bus_dropped_total", Help: "Signals not delivered to a full subscriber.", Type: "counter",
		Value: c.bus.Dropped,
	})
	c.metrics.Register(metrics.Source{
		Name: "nexus_operator_suspended", Help: "1 while the current operator is under an effective ban.", Type: "gauge",
		Value: func() int64 {
			if c.scheduler.Suspended() {
				return 1
			}
			return 0
		},
	})
	return c, nil
}

// Bus returns the signal bus.
func (c *Console) Bus() *events.Bus { return c.bus }

// Metrics returns the console metrics.
func (c *Console) Metrics() *metrics.Metrics { return c.metrics }

// Scheduler returns the session scheduler.
func (c *Console) Scheduler() *security.Scheduler { return c.scheduler }

// Start seeds the store, starts the bridge and the scheduler. It does not block.
func (c *Console) Start(ctx context.Context) error {
	if n, err := ImportIdentities(ctx, c.store, c.settings.Identities); err != nil {
		return fmt.Errorf("console: seed identities: %w", err)
	} else if n > 0 {
		c.logger.Info("imported identities from settings", "count", n)
	}

	if c.bridge != nil {
		if err := c.bridge.Start(c.ctx); err != nil {
			return fmt.Errorf("console: %w", err)
		}
	}
	if err := c.scheduler.Start(c.ctx); err != nil {
		return fmt.Errorf("console: %w", err)
	}
	if c.cfg.MetricsInterval > 0 {
		c.metrics.StartPeriodicLog(c.cfg.MetricsInterval, c.ctx.Done())
	}
	return nil
}

// Shutdown stops background work and closes owned dependencies.
func (c *Console) Shutdown() {
	c.cancel()
	if c.httpSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.httpSrv.Shutdown(sctx); err != nil {
			c.logger.Warn("http shutdown", "err", err)
		}
		cancel()
	}
	c.scheduler.Stop()
	if c.bridge != nil {
		c.bridge.Stop()
	}
	if c.redis != nil {
		_ = c.redis.Close()
	}
	if err := c.store.Close(); err != nil {
		c.logger.Warn("store close", "err", err)
	}
}

// Login checks passcode, writes the local session and syncs before returning.
func (c *Console) Login(ctx context.Context, passcode string) (model.Snapshot, error) {
	if _, err := c.auth.Login(ctx, passcode); err != nil {
		return c.scheduler.Snapshot(), err
	}
	return c.sync(ctx), nil
}

// Logout signs the current operator out and syncs before returning.
func (c *Console) Logout(ctx context.Context) (model.Snapshot, error) {
	snap := c.Session(ctx)
	if !snap.Authenticated() {
		return snap, ErrNotAuthenticated
	}
	if err := c.auth.Logout(ctx, snap.Session.IdentityRef); err != nil {
		return snap, err
	}
	return c.sync(ctx), nil
}

// Session returns the committed snapshot, resynced first if a ban or the
// session itself ran out since it was resolved.
func (c *Console) Session(ctx context.Context) model.Snapshot {
	return c.scheduler.Current(ctx)
}

// Operator returns the actor for the committed session. It fails when there
// is no session, the operator is suspended, or the operator's role carries
// no console rights.
func (c *Console) Operator(ctx context.Context) (moderation.Actor, model.Snapshot, error) {
	snap := c.Session(ctx)
	if !snap.Authenticated() {
		return moderation.Actor{}, snap, ErrNotAuthenticated
	}
	if snap.Suspended(c.now()) {
		return moderation.Actor{}, snap, ErrSuspended
	}
	actor := c.actorFor(ctx, snap.Session)
	if !rbac.HasPermission(actor.Role, rbac.PermUseConsole) {
		return actor, snap, ErrNoConsoleAccess
	}
	return actor, snap, nil
}

// actorFor takes the higher of the stored identity's role and the role of
// the credential the operator signed in with.
func (c *Console) actorFor(ctx context.Context, sess *model.Session) moderation.Actor {
	actor := moderation.Actor{Ref: sess.IdentityRef, Name: sess.Name, Role: model.RoleUser}
	ident, err := c.store.GetIdentity(ctx, sess.IdentityRef)
	if err != nil {
		c.logger.Warn("operator lookup failed", "identity", sess.IdentityRef, "err", err)
	}
	if ident != nil {
		actor.Role = ident.Role
		if actor.Name == "" {
			actor.Name = ident.Name()
		}
	}
	if sess.Source == model.SourceLocal {
		if cred, ok := c.auth.Credential(sess.IdentityRef); ok && cred.OperatorRole() > actor.Role {
			actor.Role = cred.OperatorRole()
		}
	}
	if c.evaluator.IsRoot(sess.IdentityRef) {
		actor.Role = model.RoleAdmin
	}
	return actor
}

// Moderate runs req for the current operator and syncs before returning.
func (c *Console) Moderate(ctx context.Context, req moderation.Request) (moderation.Result, error) {
	actor, _, err := c.Operator(ctx)
	if err != nil {
		return moderation.Result{}, err
	}
	res, err := c.executor.Execute(ctx, req, actor)
	if err != nil {
		return res, err
	}
	c.sync(ctx)
	return res, nil
}

// Identities lists identities with lazy ban expiry applied.
func (c *Console) Identities(ctx context.Context) ([]model.Identity, error) {
	identities, err := c.store.ListIdentities(ctx)
	if err != nil {
		return nil, fmt.Errorf("console: list identities: %w", err)
	}
	now := c.now()
	for i := range identities {
		identities[i].Ban = identities[i].Ban.Effective(now)
	}
	return identities, nil
}

// Overview is the headline count of the roster and the message log.
type Overview struct {
	Identities  int       `json:"identities"`
	Online      int       `json:"online"`
	Banned      int       `json:"banned"`
	Messages    int64     `json:"messages"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Overview counts identities, online identities, effective bans and messages.
func (c *Console) Overview(ctx context.Context) (Overview, error) {
	identities, err := c.Identities(ctx)
	if err != nil {
		return Overview{}, err
	}
	messages, err := c.store.CountMessages(ctx)
	if err != nil {
		return Overview{}, fmt.Errorf("console: count messages: %w", err)
	}
	return Overview{
		Identities:  len(identities),
		Online:      lo.CountBy(identities, func(i model.Identity) bool { return i.Status == model.StatusOnline }),
		Banned:      lo.CountBy(identities, func(i model.Identity) bool { return i.Ban.Banned }),
		Messages:    messages,
		GeneratedAt: c.now().UTC(),
	}, nil
}

// sync commits a fresh snapshot and returns whatever is committed afterwards.
func (c *Console) sync(ctx context.Context) model.Snapshot {
	c.scheduler.Sync(ctx)
	return c.scheduler.Snapshot()
}
