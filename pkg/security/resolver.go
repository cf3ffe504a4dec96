// Package security resolves the current operator session and keeps the
// committed {session, ban} snapshot in step with the backing stores.
package security

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/NicolasHaas/nexusconsole/pkg/model"
)

// ErrMalformedLocalSession marks a local session slot that could not be decoded
// into a record with an identity reference.
var ErrMalformedLocalSession = errors.New("security: malformed local session")

// LocalSource is the manually issued session slot.
type LocalSource interface {
	GetLocalSession(ctx context.Context) ([]byte, error)
	ClearLocalSession(ctx context.Context) error
}

// RemoteSource is the background-refreshed session held by the auth provider.
// A (nil, nil) return means no remote session.
type RemoteSource interface {
	GetRemoteSession(ctx context.Context) (*model.RawSession, error)
}

// Resolver picks the single authoritative session. A local record always
// wins over a remote one so that a fresh manual login is never overridden by
// a slower remote lookup.
type Resolver struct {
	local  LocalSource
	remote RemoteSource
	now    func() time.Time
	logger *slog.Logger
}

// NewResolver creates a resolver. remote may be nil when no provider is configured.
func NewResolver(local LocalSource, remote RemoteSource, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		local:  local,
		remote: remote,
		now:    time.Now,
		logger: logger,
	}
}

// WithClock replaces the time source used for expiry checks.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Resolve returns the current session, or nil when unauthenticated.
// It never fails: lookup errors are logged and treated as an absent source.
func (r *Resolver) Resolve(ctx context.Context) *model.Session {
	if sess := r.resolveLocal(ctx); sess != nil {
		return sess
	}
	return r.resolveRemote(ctx)
}

func (r *Resolver) resolveLocal(ctx context.Context) *model.Session {
	if r.local == nil {
		return nil
	}
	data, err := r.local.GetLocalSession(ctx)
	if err != nil {
		r.logger.Warn("local session unavailable", "err", err)
		return nil
	}
	if data == nil {
		return nil
	}

	raw, err := decodeRawSession(data)
	if err != nil {
		r.logger.Warn("discarding local session", "err", err)
		r.clearLocal(ctx)
		return nil
	}
	if raw.Expired(r.now()) {
		r.logger.Info("local session expired", "identity", raw.User.ID)
		r.clearLocal(ctx)
		return nil
	}
	return newSession(model.SourceLocal, raw)
}

func (r *Resolver) resolveRemote(ctx context.Context) *model.Session {
	if r.remote == nil {
		return nil
	}
	raw, err := r.remote.GetRemoteSession(ctx)
	if err != nil {
		r.logger.Warn("remote session unavailable", "err", err)
		return nil
	}
	if !raw.Valid() || raw.Expired(r.now()) {
		return nil
	}
	return newSession(model.SourceRemote, raw)
}

func (r *Resolver) clearLocal(ctx context.Context) {
	if err := r.local.ClearLocalSession(ctx); err != nil {
		r.logger.Warn("failed to clear local session", "err", err)
	}
}

func decodeRawSession(data []byte) (*model.RawSession, error) {
	var raw model.RawSession
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Join(ErrMalformedLocalSession, err)
	}
	if !raw.Valid() {
		return nil, ErrMalformedLocalSession
	}
	return &raw, nil
}

// newSession is the only place a model.Session is built.
func newSession(source model.SessionSource, raw *model.RawSession) *model.Session {
	sess := &model.Session{
		Source:      source,
		IdentityRef: raw.User.ID,
		Name:        raw.User.Name,
		Email:       raw.User.Email,
		IssuedAt:    raw.IssuedAt,
	}
	if raw.ExpiresAt > 0 {
		sess.ExpiresAt = time.UnixMilli(raw.ExpiresAt).UTC()
	}
	return sess
}
