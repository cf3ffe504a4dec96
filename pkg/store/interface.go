package store

import (
	"context"
	"errors"

	"github.com/NicolasHaas/nexusconsole/pkg/model"
)

// ErrNotFound is returned by mutations that target a record which does not exist.
// Lookups never return it: an absent record is reported as (nil, nil).
var ErrNotFound = errors.New("store: not found")

// DataStore is the narrow persistence contract the console core consumes.
// Implementations are the SQLite table store and the in-memory local fallback
// used in demo mode and tests.
type DataStore interface {
	LocalSessionProvider

	IdentityReadProvider
	IdentityWriteProvider

	AuditReadProvider
	AuditWriteProvider

	MessageReadProvider
	MessageWriteProvider

	// Close closes the underlying storage connection.
	Close() error
}

// LocalSessionProvider holds the manually issued session slot.
type LocalSessionProvider interface {
	// GetLocalSession returns the raw slot contents, or (nil, nil) when empty.
	GetLocalSession(ctx context.Context) ([]byte, error)
	SetLocalSession(ctx context.Context, raw []byte) error
	ClearLocalSession(ctx context.Context) error
}

type IdentityReadProvider interface {
	// GetIdentity retrieves an identity by reference. Returns (nil, nil) if not found.
	GetIdentity(ctx context.Context, ref string) (*model.Identity, error)
	// GetIdentityByUsername matches case-insensitively. Returns (nil, nil) if not found.
	GetIdentityByUsername(ctx context.Context, username string) (*model.Identity, error)
	// ListIdentities returns identities in creation order.
	ListIdentities(ctx context.Context) ([]model.Identity, error)
}

type IdentityWriteProvider interface {
	// CreateIdentity inserts the identity, assigning an ID and CreatedAt when unset.
	CreateIdentity(ctx context.Context, ident *model.Identity) error
	// UpdateBanState overwrites the ban fields. Returns ErrNotFound for unknown refs.
	UpdateBanState(ctx context.Context, ref string, state model.BanState) error
	// DeleteIdentity removes the identity and the messages it sent. Returns ErrNotFound for unknown refs.
	DeleteIdentity(ctx context.Context, ref string) error
}

type AuditReadProvider interface {
	// ListAuditLog returns up to limit entries, newest first.
	ListAuditLog(ctx context.Context, limit int) ([]model.AdminLogEntry, error)
}

type AuditWriteProvider interface {
	// AppendAuditLog stores an entry, assigning ID and OccurredAt when unset.
	AppendAuditLog(ctx context.Context, entry *model.AdminLogEntry) error
}

type MessageReadProvider interface {
	ListMessages(ctx context.Context, filters model.MessageFilters) ([]model.Message, error)
	CountMessages(ctx context.Context) (int64, error)
}

type MessageWriteProvider interface {
	CreateMessage(ctx context.Context, message *model.Message) error
	// DeleteMessage returns ErrNotFound for unknown ids.
	DeleteMessage(ctx context.Context, id string) error
}

// Compile-time checks.
var (
	_ DataStore = (*Store)(nil)
	_ DataStore = (*MemoryStore)(nil)
)
