// Package auth issues and revokes the console's manually issued operator
// session from a static list of passcode credentials.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/NicolasHaas/nexusconsole/pkg/crypto"
	"github.com/NicolasHaas/nexusconsole/pkg/events"
	"github.com/NicolasHaas/nexusconsole/pkg/metrics"
	"github.com/NicolasHaas/nexusconsole/pkg/model"
)

var (
	ErrInvalidPasscode = errors.New("auth: invalid passcode")
	ErrNoCredentials   = errors.New("auth: no credentials configured")
)

// SessionTTL is how long a passcode login stays valid.
const SessionTTL = time.Hour

// Master operator issued by the built-in demo credentials.
const (
	MasterRef   = "nexus-admin-master"
	MasterName  = "Burak"
	MasterEmail = "master@nexus.admin"
)

// Credential maps one passcode onto the operator identity it signs in as.
type Credential struct {
	PasscodeHash string `yaml:"passcode_hash"`
	IdentityRef  string `yaml:"identity_ref"`
	Name         string `yaml:"name"`
	Email        string `yaml:"email,omitempty"`
	Role         string `yaml:"role"`
}

// OperatorRole returns the credential's role, defaulting to admin when unset.
func (c Credential) OperatorRole() model.Role {
	if c.Role == "" {
		return model.RoleAdmin
	}
	return model.ParseRole(c.Role)
}

// Validate checks that the credential can sign anyone in.
func (c Credential) Validate() error {
	if strings.TrimSpace(c.IdentityRef) == "" {
		return fmt.Errorf("auth: credential for %q: %w", c.Name, model.ErrIdentityRefEmpty)
	}
	if !strings.HasPrefix(c.PasscodeHash, "$argon2id$") {
		return fmt.Errorf("auth: credential for %q: %w", c.IdentityRef, crypto.ErrInvalidHash)
	}
	return nil
}

// DemoCredentials hashes the built-in demo passcodes. All of them sign in as
// the master operator.
func DemoCredentials(passcodes ...string) ([]Credential, error) {
	creds := make([]Credential, 0, len(passcodes))
	for _, p := range passcodes {
		hash, err := crypto.HashPasscode(p)
		if err != nil {
			return nil, err
		}
		creds = append(creds, Credential{
			PasscodeHash: hash,
			IdentityRef:  MasterRef,
			Name:         MasterName,
			Email:        MasterEmail,
			Role:         model.RoleAdmin.String(),
		})
	}
	return creds, nil
}

// LocalSlot is the session slot written on login and cleared on logout.
type LocalSlot interface {
	SetLocalSession(ctx context.Context, raw []byte) error
	ClearLocalSession(ctx context.Context) error
}

// RemoteRevoker drops the remote provider's session on logout.
type RemoteRevoker interface {
	RevokeRemoteSession(ctx context.Context) error
}

// Recorder receives the LOGIN and LOGOUT audit entries.
type Recorder interface {
	Record(ctx context.Context, entry model.AdminLogEntry)
}

// Authenticator checks passcodes and manages the local session slot.
type Authenticator struct {
	creds    []Credential
	local    LocalSlot
	remote   RemoteRevoker
	recorder Recorder
	bus      *events.Bus
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
	ttl      time.Duration
}

// New creates an authenticator. recorder and bus may be nil.
func New(creds []Credential, local LocalSlot, recorder Recorder, bus *events.Bus, m *metrics.Metrics, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Authenticator{
		creds:    append([]Credential(nil), creds...),
		local:    local,
		recorder: recorder,
		bus:      bus,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
		ttl:      SessionTTL,
	}
}

// WithRemote sets the remote session to revoke on logout.
func (a *Authenticator) WithRemote(r RemoteRevoker) *Authenticator {
	a.remote = r
	return a
}

// WithClock replaces the time source used for issue and expiry stamps.
func (a *Authenticator) WithClock(now func() time.Time) *Authenticator {
	a.now = now
	return a
}

// WithTTL overrides SessionTTL.
func (a *Authenticator) WithTTL(ttl time.Duration) *Authenticator {
	if ttl > 0 {
		a.ttl = ttl
	}
	return a
}

// Credential returns the first credential that signs in as ref.
func (a *Authenticator) Credential(ref string) (Credential, bool) {
	for _, c := range a.creds {
		if c.IdentityRef == ref {
			return c, true
		}
	}
	return Credential{}, false
}

// Login verifies passcode and, on success, writes a fresh local session.
func (a *Authenticator) Login(ctx context.Context, passcode string) (*model.RawSession, error) {
	if len(a.creds) == 0 {
		return nil, ErrNoCredentials
	}
	cred, ok := a.match(passcode)
	if !ok {
		a.metrics.FailedLogins.Add(1)
		a.logger.Info("passcode rejected")
		return nil, ErrInvalidPasscode
	}

	now := a.now().UTC()
	raw := &model.RawSession{
		User: &model.SessionUser{
			ID:    cred.IdentityRef,
			Name:  cred.Name,
			Email: cred.Email,
		},
		IssuedAt:  now,
		ExpiresAt: now.Add(a.ttl).UnixMilli(),
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("auth: login: %w", err)
	}
	if err := a.local.SetLocalSession(ctx, data); err != nil {
		return nil, fmt.Errorf("auth: login: %w", err)
	}

	a.metrics.SuccessfulLogins.Add(1)
	a.logger.Info("operator signed in", "identity", cred.IdentityRef)
	a.record(ctx, cred.IdentityRef, model.ActionLogin, fmt.Sprintf("%s signed in with a passcode", labelOf(cred)))
	a.resync(cred.IdentityRef)
	return raw, nil
}

// Logout clears the local slot and revokes the remote session, if any.
// actorRef is the operator being signed out and is used for the audit entry.
func (a *Authenticator) Logout(ctx context.Context, actorRef string) error {
	if err := a.local.ClearLocalSession(ctx); err != nil {
		return fmt.Errorf("auth: logout: %w", err)
	}
	if a.remote != nil {
		if err := a.remote.RevokeRemoteSession(ctx); err != nil {
			a.logger.Warn("remote session revoke failed", "err", err)
		}
	}

	a.metrics.Logouts.Add(1)
	label := actorRef
	if cred, ok := a.Credential(actorRef); ok {
		label = labelOf(cred)
	}
	a.logger.Info("operator signed out", "identity", actorRef)
	a.record(ctx, actorRef, model.ActionLogout, fmt.Sprintf("%s signed out", label))
	a.resync(actorRef)
	return nil
}

// match checks every credential so that timing does not reveal which one matched.
func (a *Authenticator) match(passcode string) (Credential, bool) {
	var (
		found Credential
		ok    bool
	)
	for _, c := range a.creds {
		match, err := crypto.VerifyPasscode(c.PasscodeHash, passcode)
		if err != nil {
			a.logger.Warn("skipping malformed credential", "identity", c.IdentityRef, "err", err)
			continue
		}
		if match && !ok {
			found, ok = c, true
		}
	}
	return found, ok
}

func (a *Authenticator) record(ctx context.Context, actor string, action model.ActionKind, detail string) {
	if a.recorder == nil {
		return
	}
	a.recorder.Record(ctx, model.AdminLogEntry{
		ActorRef:   actor,
		Action:     action,
		Detail:     detail,
		OccurredAt: a.now().UTC(),
	})
}

func (a *Authenticator) resync(ref string) {
	if a.bus == nil {
		return
	}
	a.bus.Publish(events.Event{Topic: events.TopicResyncRequested, IdentityRef: ref})
}

func labelOf(c Credential) string {
	if c.Name != "" {
		return c.Name
	}
	return c.IdentityRef
}
