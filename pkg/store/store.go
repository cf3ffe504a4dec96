// Package store provides SQLite-backed persistence for identities, ban state,
// the audit trail, chat messages and the local session slot, plus an
// in-memory fallback with the same behaviour.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/NicolasHaas/nexusconsole/pkg/model"
)

const (
	// Fixed-width so that ORDER BY on the text column is chronological.
	dbTimeLayout     = "2006-01-02T15:04:05.000000000Z07:00"
	legacyTimeLayout = "2006-01-02 15:04:05"

	localSessionSlot = "local_session"
	defaultLogLimit  = 100
)

// Store provides database access for all console entities.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New opens (or creates) a SQLite database and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}

	ctx := context.Background()

	// Enable WAL mode for better concurrent read performance
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: enable FK: %w", err)
	}
	// Set busy timeout to avoid "database is locked" under concurrency
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set busy_timeout: %w", err)
	}

	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS identities (
		id             TEXT    PRIMARY KEY,
		username       TEXT    NOT NULL UNIQUE COLLATE NOCASE CHECK(length(username) > 0 AND length(username) <= 32),
		display_name   TEXT    NOT NULL DEFAULT '',
		email          TEXT    NOT NULL DEFAULT '',
		status         TEXT    NOT NULL DEFAULT 'offline',
		role           INTEGER NOT NULL DEFAULT 0 CHECK(role >= 0 AND role <= 2),
		banned         INTEGER NOT NULL DEFAULT 0,
		ban_reason     TEXT    NOT NULL DEFAULT '',
		ban_expires_at TEXT,
		created_at     TEXT    NOT NULL
	);

	CREATE TABLE IF NOT EXISTS admin_logs (
		id          TEXT PRIMARY KEY,
		actor_ref   TEXT NOT NULL,
		action      TEXT NOT NULL,
		target_ref  TEXT NOT NULL DEFAULT '',
		detail      TEXT NOT NULL DEFAULT '',
		occurred_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id         TEXT PRIMARY KEY,
		sender_ref TEXT NOT NULL,
		body       TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS local_slots (
		name       TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	if err := s.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version      int
		statements   []string
		ignoreErrors bool
	}{
		{
			version:    1,
			statements: []string{schema},
		},
		{
			version: 2,
			statements: []string{
				"CREATE INDEX IF NOT EXISTS idx_admin_logs_occurred_at ON admin_logs(occurred_at)",
				"CREATE INDEX IF NOT EXISTS idx_messages_sender_ref ON messages(sender_ref)",
			},
			ignoreErrors: true,
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if err := s.execMigration(ctx, stmt, m.ignoreErrors); err != nil {
				return err
			}
		}
		if err := s.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("store: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("store: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("store: read schema version: %w", err)
	}
	return version, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("store: update schema version: %w", err)
	}
	return nil
}

func (s *Store) execMigration(ctx context.Context, stmt string, ignoreErrors bool) error {
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		if ignoreErrors {
			return nil
		}
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t.UTC(), nil
	}
	return time.ParseInLocation(legacyTimeLayout, value, time.UTC)
}

func parseDBTimePtr(value sql.NullString) (*time.Time, error) {
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	t, err := parseDBTime(value.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ---- Local session slot ----

// GetLocalSession returns the raw local session record, or (nil, nil) when the slot is empty.
func (s *Store) GetLocalSession(ctx context.Context) ([]byte, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM local_slots WHERE name = ?", localSessionSlot).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get local session: %w", err)
	}
	return raw, nil
}

// SetLocalSession overwrites the local session slot.
func (s *Store) SetLocalSession(ctx context.Context, raw []byte) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO local_slots (name, value, updated_at) VALUES (?, ?, ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at",
		localSessionSlot, raw, formatDBTime(s.now()))
	if err != nil {
		return fmt.Errorf("store: set local session: %w", err)
	}
	return nil
}

// ClearLocalSession empties the local session slot. Clearing an empty slot is not an error.
func (s *Store) ClearLocalSession(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM local_slots WHERE name = ?", localSessionSlot); err != nil {
		return fmt.Errorf("store: clear local session: %w", err)
	}
	return nil
}

// ---- Identities ----

const identityColumns = "id, username, display_name, email, status, role, banned, ban_reason, ban_expires_at, created_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (*model.Identity, error) {
	var (
		ident     model.Identity
		status    string
		roleInt   int
		bannedInt int
		expiresAt sql.NullString
		createdAt string
	)
	if err := row.Scan(&ident.ID, &ident.Username, &ident.DisplayName, &ident.Email, &status, &roleInt,
		&bannedInt, &ident.Ban.Reason, &expiresAt, &createdAt); err != nil {
		return nil, err
	}
	ident.Status = model.Status(status)
	ident.Role = model.Role(roleInt)
	ident.Ban.Banned = bannedInt != 0
	exp, err := parseDBTimePtr(expiresAt)
	if err != nil {
		return nil, err
	}
	ident.Ban.ExpiresAt = exp
	parsed, err := parseDBTime(createdAt)
	if err != nil {
		return nil, err
	}
	ident.CreatedAt = parsed
	return &ident, nil
}

// CreateIdentity validates and inserts an identity.
func (s *Store) CreateIdentity(ctx context.Context, ident *model.Identity) error {
	if ident.ID == "" {
		ident.ID = uuid.NewString()
	}
	if ident.Status == "" {
		ident.Status = model.StatusOffline
	}
	if err := ident.Validate(); err != nil {
		return fmt.Errorf("store: create identity: %w", err)
	}
	if ident.CreatedAt.IsZero() {
		ident.CreatedAt = s.now()
	}

	var expStr *string
	if ident.Ban.ExpiresAt != nil {
		es := formatDBTime(*ident.Ban.ExpiresAt)
		expStr = &es
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO identities ("+identityColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		ident.ID, ident.Username, ident.DisplayName, ident.Email, string(ident.Status), int(ident.Role),
		boolToInt(ident.Ban.Banned), ident.Ban.Reason, expStr, formatDBTime(ident.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: create identity: %w", err)
	}
	return nil
}

// GetIdentity retrieves an identity by reference.
func (s *Store) GetIdentity(ctx context.Context, ref string) (*model.Identity, error) {
	ident, err := scanIdentity(s.db.QueryRowContext(ctx, "SELECT "+identityColumns+" FROM identities WHERE id = ?", ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get identity: %w", err)
	}
	return ident, nil
}

// GetIdentityByUsername retrieves an identity by username, ignoring case.
func (s *Store) GetIdentityByUsername(ctx context.Context, username string) (*model.Identity, error) {
	ident, err := scanIdentity(s.db.QueryRowContext(ctx, "SELECT "+identityColumns+" FROM identities WHERE username = ? COLLATE NOCASE", username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get identity by username: %w", err)
	}
	return ident, nil
}

// ListIdentities returns all identities in creation order.
func (s *Store) ListIdentities(ctx context.Context) ([]model.Identity, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+identityColumns+" FROM identities ORDER BY created_at, rowid")
	if err != nil {
		return nil, fmt.Errorf("store: list identities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var idents []model.Identity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan identity: %w", err)
		}
		idents = append(idents, *ident)
	}
	return idents, rows.Err()
}

// UpdateBanState overwrites the ban columns of an identity.
func (s *Store) UpdateBanState(ctx context.Context, ref string, state model.BanState) error {
	var expStr *string
	if state.ExpiresAt != nil {
		es := formatDBTime(*state.ExpiresAt)
		expStr = &es
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE identities SET banned = ?, ban_reason = ?, ban_expires_at = ? WHERE id = ?",
		boolToInt(state.Banned), state.Reason, expStr, ref)
	if err != nil {
		return fmt.Errorf("store: update ban state: %w", err)
	}
	return requireAffected(res, "store: update ban state")
}

// DeleteIdentity removes an identity and its messages in one transaction.
func (s *Store) DeleteIdentity(ctx context.Context, ref string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: delete identity: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, "DELETE FROM identities WHERE id = ?", ref)
	if err != nil {
		return fmt.Errorf("store: delete identity: %w", err)
	}
	if err := requireAffected(res, "store: delete identity"); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE sender_ref = ?", ref); err != nil {
		return fmt.Errorf("store: delete identity messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: delete identity: commit: %w", err)
	}
	return nil
}

// ---- Audit log ----

// AppendAuditLog inserts an audit entry. Entries are never updated.
func (s *Store) AppendAuditLog(ctx context.Context, entry *model.AdminLogEntry) error {
	if !entry.Action.Valid() {
		return fmt.Errorf("store: append audit log: unknown action %q", entry.Action)
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO admin_logs (id, actor_ref, action, target_ref, detail, occurred_at) VALUES (?, ?, ?, ?, ?, ?)",
		entry.ID, entry.ActorRef, string(entry.Action), entry.TargetRef, entry.Detail, formatDBTime(entry.OccurredAt))
	if err != nil {
		return fmt.Errorf("store: append audit log: %w", err)
	}
	return nil
}

// ListAuditLog returns up to limit entries, newest first. limit <= 0 uses the default of 100.
func (s *Store) ListAuditLog(ctx context.Context, limit int) ([]model.AdminLogEntry, error) {
	if limit <= 0 {
		limit = defaultLogLimit
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, actor_ref, action, target_ref, detail, occurred_at FROM admin_logs ORDER BY occurred_at DESC, rowid DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("store: list audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []model.AdminLogEntry
	for rows.Next() {
		var e model.AdminLogEntry
		var action, occurredAt string
		if err := rows.Scan(&e.ID, &e.ActorRef, &action, &e.TargetRef, &e.Detail, &occurredAt); err != nil {
			return nil, fmt.Errorf("store: scan audit log: %w", err)
		}
		e.Action = model.ActionKind(action)
		parsed, err := parseDBTime(occurredAt)
		if err != nil {
			return nil, fmt.Errorf("store: scan audit log: %w", err)
		}
		e.OccurredAt = parsed
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ---- Messages ----

func (s *Store) CreateMessage(ctx context.Context, message *model.Message) error {
	if err := message.Validate(); err != nil {
		return fmt.Errorf("store: message failed validation: %w", err)
	}
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO messages (id, sender_ref, body, created_at) VALUES (?, ?, ?, ?)",
		message.ID, message.SenderRef, message.Body, formatDBTime(message.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: create message: %w", err)
	}
	return nil
}

func (s *Store) CountMessages(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM messages").Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count messages: %w", err)
	}
	return n, nil
}

func (s *Store) ListMessages(ctx context.Context, filters model.MessageFilters) ([]model.Message, error) {
	query := `
		SELECT id, sender_ref, body, created_at
		FROM messages
		WHERE (? IS NULL OR sender_ref = ?)
		ORDER BY created_at DESC, rowid DESC
		LIMIT COALESCE(?, 100)
		OFFSET COALESCE(?, 0)
	`

	rows, err := s.db.QueryContext(ctx, query,
		filters.LimitToSenderRef, filters.LimitToSenderRef,
		filters.PageSize,
		filters.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []model.Message
	for rows.Next() {
		var m model.Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.SenderRef, &m.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		parsed, err := parseDBTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		m.CreatedAt = parsed
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("store: delete message: %w", err)
	}
	return requireAffected(res, "store: delete message")
}

func requireAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// IsUniqueViolation reports whether err came from a UNIQUE constraint.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
