// Package moderation executes privileged transitions on identities: ban,
// unban, identity deletion and message deletion.
package moderation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/NicolasHaas/nexusconsole/pkg/events"
	"github.com/NicolasHaas/nexusconsole/pkg/metrics"
	"github.com/NicolasHaas/nexusconsole/pkg/model"
	"github.com/NicolasHaas/nexusconsole/pkg/rbac"
	"github.com/NicolasHaas/nexusconsole/pkg/store"
)

// MaxReasonLength bounds the stored ban reason in bytes. Longer reasons are
// cut at the last whole character that fits.
const MaxReasonLength = 256

// Request is one operator-initiated moderation action. It is never persisted.
type Request struct {
	TargetRef    string           `json:"target_ref"`
	Action       model.ActionKind `json:"action"`
	Reason       string           `json:"reason,omitempty"`
	Duration     DurationToken    `json:"duration,omitempty"`
	CustomExpiry *time.Time       `json:"custom_expiry,omitempty"` // used with DurationCustom
	MessageID    string           `json:"message_id,omitempty"`    // used with DELETE_MESSAGE
}

// Actor is the operator performing a request.
type Actor struct {
	Ref  string
	Name string
	Role model.Role
}

func (a Actor) label() string {
	if a.Name != "" {
		return a.Name
	}
	return a.Ref
}

// Result describes a completed action.
type Result struct {
	Action        model.ActionKind    `json:"action"`
	TargetRef     string              `json:"target_ref,omitempty"`
	Ban           model.BanState      `json:"ban"`
	DurationLabel string              `json:"duration_label,omitempty"`
	Clamped       bool                `json:"clamped"` // standard-tier ban narrowed to StandardDuration
	Entry         model.AdminLogEntry `json:"entry"`
}

// Store is the slice of the identity store the executor mutates.
type Store interface {
	GetIdentity(ctx context.Context, ref string) (*model.Identity, error)
	UpdateBanState(ctx context.Context, ref string, state model.BanState) error
	DeleteIdentity(ctx context.Context, ref string) error
	DeleteMessage(ctx context.Context, id string) error
}

// Recorder receives one audit entry per completed action.
type Recorder interface {
	Record(ctx context.Context, entry model.AdminLogEntry)
}

// Executor runs moderation requests.
type Executor struct {
	store    Store
	recorder Recorder
	bus      *events.Bus
	metrics  *metrics.Metrics
	logger   *slog.Logger
	roots    map[string]struct{}
	now      func() time.Time
}

// NewExecutor creates an executor. bus may be nil, in which case no resync is requested.
func NewExecutor(st Store, recorder Recorder, bus *events.Bus, m *metrics.Metrics, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Executor{
		store:    st,
		recorder: recorder,
		bus:      bus,
		metrics:  m,
		logger:   logger,
		roots:    make(map[string]struct{}),
		now:      time.Now,
	}
}

// WithRoots marks identities that can never be banned or deleted.
func (e *Executor) WithRoots(refs ...string) *Executor {
	for _, r := range refs {
		e.roots[r] = struct{}{}
	}
	return e
}

// WithClock replaces the time source used for expiry arithmetic.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// Execute validates and applies req on behalf of actor. On success it
// records an audit entry and requests a resync so that any session of the
// affected identity is re-evaluated.
func (e *Executor) Execute(ctx context.Context, req Request, actor Actor) (Result, error) {
	res, err := e.execute(ctx, req, actor)
	if err != nil {
		e.metrics.RejectedModerations.Add(1)
		e.logger.Info("moderation rejected",
			"action", req.Action,
			"target", req.TargetRef,
			"actor", actor.Ref,
			"err", err,
		)
		return Result{}, err
	}

	e.recorder.Record(ctx, res.Entry)
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Topic:       events.TopicResyncRequested,
			IdentityRef: res.TargetRef,
		})
	}
	return res, nil
}

func (e *Executor) execute(ctx context.Context, req Request, actor Actor) (Result, error) {
	tier := rbac.TierOf(actor.Role)
	if tier == model.TierNone {
		return Result{}, ErrPermissionDenied
	}

	switch req.Action {
	case model.ActionBan:
		return e.ban(ctx, req, actor, tier)
	case model.ActionUnban:
		return e.unban(ctx, req, actor)
	case model.ActionDeleteIdentity:
		return e.deleteIdentity(ctx, req, actor)
	case model.ActionDeleteMessage:
		return e.deleteMessage(ctx, req, actor)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
	}
}

func (e *Executor) ban(ctx context.Context, req Request, actor Actor, tier model.Tier) (Result, error) {
	if errMsg := rbac.RequirePermission(actor.Role, rbac.PermBanIdentity); errMsg != "" {
		return Result{}, fmt.Errorf("%w: %s", ErrPermissionDenied, errMsg)
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return Result{}, ErrMissingReason
	}
	reason = truncateReason(reason)
	tok, err := ParseDuration(string(req.Duration))
	if err != nil {
		return Result{}, err
	}
	expiry, label, clamped, err := banExpiry(tier, tok, req.CustomExpiry, e.now().UTC())
	if err != nil {
		return Result{}, err
	}

	target, err := e.target(ctx, req.TargetRef)
	if err != nil {
		return Result{}, err
	}

	state := model.BanState{Banned: true, Reason: reason, ExpiresAt: &expiry}
	if err := e.store.UpdateBanState(ctx, target.ID, state); err != nil {
		return Result{}, e.storeErr(err)
	}

	e.metrics.BanCount.Add(1)
	if clamped {
		e.metrics.ClampedBans.Add(1)
		e.logger.Debug("ban duration clamped", "requested", tok, "applied", StandardDuration, "actor", actor.Ref)
	}
	return Result{
		Action:        model.ActionBan,
		TargetRef:     target.ID,
		Ban:           state,
		DurationLabel: label,
		Clamped:       clamped,
		Entry: e.entry(actor, model.ActionBan, target.ID,
			fmt.Sprintf("%s terminated access for %s (%s): %s", actor.label(), target.Username, label, reason)),
	}, nil
}

func (e *Executor) unban(ctx context.Context, req Request, actor Actor) (Result, error) {
	if errMsg := rbac.RequirePermission(actor.Role, rbac.PermUnbanIdentity); errMsg != "" {
		return Result{}, fmt.Errorf("%w: %s", ErrPermissionDenied, errMsg)
	}
	target, err := e.target(ctx, req.TargetRef)
	if err != nil {
		return Result{}, err
	}
	if err := e.store.UpdateBanState(ctx, target.ID, model.BanState{}); err != nil {
		return Result{}, e.storeErr(err)
	}

	e.metrics.UnbanCount.Add(1)
	return Result{
		Action:    model.ActionUnban,
		TargetRef: target.ID,
		Entry: e.entry(actor, model.ActionUnban, target.ID,
			fmt.Sprintf("%s reinstated access for %s", actor.label(), target.Username)),
	}, nil
}

func (e *Executor) deleteIdentity(ctx context.Context, req Request, actor Actor) (Result, error) {
	if errMsg := rbac.RequirePermission(actor.Role, rbac.PermDeleteIdentity); errMsg != "" {
		return Result{}, fmt.Errorf("%w: %s", ErrPermissionDenied, errMsg)
	}
	target, err := e.target(ctx, req.TargetRef)
	if err != nil {
		return Result{}, err
	}
	if err := e.store.DeleteIdentity(ctx, target.ID); err != nil {
		return Result{}, e.storeErr(err)
	}

	e.metrics.IdentitiesDeleted.Add(1)
	return Result{
		Action:    model.ActionDeleteIdentity,
		TargetRef: target.ID,
		Entry: e.entry(actor, model.ActionDeleteIdentity, target.ID,
			fmt.Sprintf("%s purged identity %s", actor.label(), target.Username)),
	}, nil
}

func (e *Executor) deleteMessage(ctx context.Context, req Request, actor Actor) (Result, error) {
	if errMsg := rbac.RequirePermission(actor.Role, rbac.PermDeleteMessage); errMsg != "" {
		return Result{}, fmt.Errorf("%w: %s", ErrPermissionDenied, errMsg)
	}
	if strings.TrimSpace(req.MessageID) == "" {
		return Result{}, ErrMessageNotFound
	}
	if err := e.store.DeleteMessage(ctx, req.MessageID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{}, ErrMessageNotFound
		}
		return Result{}, e.storeErr(err)
	}

	e.metrics.MessagesDeleted.Add(1)
	detail := fmt.Sprintf("%s removed message %s", actor.label(), req.MessageID)
	if req.Reason != "" {
		detail += ": " + strings.TrimSpace(req.Reason)
	}
	return Result{
		Action:    model.ActionDeleteMessage,
		TargetRef: req.TargetRef,
		Entry:     e.entry(actor, model.ActionDeleteMessage, req.TargetRef, detail),
	}, nil
}

// target loads the identity a request points at. Root identities are refused
// here, so every action that reaches the store targets a regular identity.
func (e *Executor) target(ctx context.Context, ref string) (*model.Identity, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, ErrIdentityNotFound
	}
	if _, ok := e.roots[ref]; ok {
		return nil, ErrProtectedIdentity
	}
	ident, err := e.store.GetIdentity(ctx, ref)
	if err != nil {
		return nil, e.storeErr(err)
	}
	if ident == nil {
		return nil, ErrIdentityNotFound
	}
	return ident, nil
}

func (e *Executor) storeErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrIdentityNotFound
	}
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}

func (e *Executor) entry(actor Actor, action model.ActionKind, target, detail string) model.AdminLogEntry {
	return model.AdminLogEntry{
		ActorRef:   actor.Ref,
		Action:     action,
		TargetRef:  target,
		Detail:     detail,
		OccurredAt: e.now().UTC(),
	}
}

func truncateReason(reason string) string {
	if len(reason) <= MaxReasonLength {
		return reason
	}
	cut := MaxReasonLength
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
