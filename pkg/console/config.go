package console

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/nexusconsole/pkg/auth"
	"github.com/NicolasHaas/nexusconsole/pkg/model"
	"github.com/NicolasHaas/nexusconsole/pkg/store"
)

// Config holds console configuration.
type Config struct {
	HTTPAddr        string        // HTTP admin API bind address (empty = disabled)
	DBPath          string        // SQLite database path
	Demo            bool          // in-memory store seeded with demo identities
	SettingsFile    string        // YAML settings: credentials, roots, seed identities
	RedisURL        string        // remote session provider + cross-process signals (empty = disabled)
	RedisNamespace  string        // key and channel prefix
	CORSOrigins     []string      // allowed browser origins for the API
	Terminal        bool          // run the line-oriented operator terminal on stdin
	MetricsInterval time.Duration // periodic metrics log interval (0 = disabled)

	// CLI-only actions (run and exit)
	ExportIdentities bool // export all identities as YAML and exit
	ExportLogs       bool // export the audit trail as YAML and exit
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:        ":9700",
		DBPath:          "nexus.db",
		RedisNamespace:  "nexus",
		MetricsInterval: 60 * time.Second,
	}
}

// DemoPasscodes are accepted in demo mode when the settings carry no credentials.
var DemoPasscodes = []string{"burakaiadmin109", "burakaiadmin345", "burakaiadmin876", "burakisbest"}

// Permanent is the YAML spelling of a ban without expiry.
const Permanent = "permanent"

// IdentityYAML represents an identity in YAML settings and exports.
type IdentityYAML struct {
	ID          string `yaml:"id,omitempty"`
	Username    string `yaml:"username"`
	DisplayName string `yaml:"display_name,omitempty"`
	Email       string `yaml:"email,omitempty"`
	Status      string `yaml:"status,omitempty"`
	Role        string `yaml:"role,omitempty"`
	Banned      bool   `yaml:"banned,omitempty"`
	BanReason   string `yaml:"ban_reason,omitempty"`
	BannedUntil string `yaml:"banned_until,omitempty"` // RFC 3339 or "permanent"
	CreatedAt   string `yaml:"created_at,omitempty"`
}

// Settings is the top-level YAML settings file.
type Settings struct {
	Roots       []string          `yaml:"roots,omitempty"`
	Credentials []auth.Credential `yaml:"credentials,omitempty"`
	Identities  []IdentityYAML    `yaml:"identities,omitempty"`
}

// IdentitiesExport is the top-level YAML for identity export.
type IdentitiesExport struct {
	Identities []IdentityYAML `yaml:"identities"`
}

// LogYAML represents an audit entry in YAML export.
type LogYAML struct {
	ID         string `yaml:"id"`
	ActorRef   string `yaml:"actor_ref"`
	Action     string `yaml:"action"`
	TargetRef  string `yaml:"target_ref,omitempty"`
	Detail     string `yaml:"detail"`
	OccurredAt string `yaml:"occurred_at"`
}

// LogsExport is the top-level YAML for audit trail export.
type LogsExport struct {
	Logs []LogYAML `yaml:"logs"`
}

// DemoSettings returns the built-in demo roster. The master operator is the
// only root.
func DemoSettings() Settings {
	return Settings{
		Roots: []string{auth.MasterRef},
		Identities: []IdentityYAML{
			{ID: auth.MasterRef, Username: "nexus_master", DisplayName: auth.MasterName, Email: auth.MasterEmail, Status: "online", Role: "admin"},
			{ID: "1", Username: "kaito_admin", Email: "kaito@nexus.io", Status: "online", Role: "moderator"},
			{ID: "2", Username: "shadow_user", Email: "shadow@dark.net", Banned: true, BanReason: "Violation of system policies", BannedUntil: "2026-01-01T00:00:00Z"},
			{ID: "3", Username: "beta_tester", Email: "tester@google.com"},
			{ID: "4", Username: "nova_prime", Email: "nova@space.io", Status: "online"},
			{ID: "5", Username: "admin_test", Email: "test@nexus.io"},
			{ID: "6", Username: "zero_cool", Email: "zero@hack.net", Status: "online"},
			{ID: "7", Username: "acid_burn", Email: "acid@hack.net", Status: "online"},
			{ID: "8", Username: "lord_nikon", Email: "nikon@hack.net"},
		},
	}
}

// LoadSettings reads a YAML settings file.
func LoadSettings(path string) (Settings, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI config
	if err != nil {
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}
	return ParseSettings(data)
}

// ParseSettings parses YAML settings and validates the credentials.
func ParseSettings(data []byte) (Settings, error) {
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("parse settings: %w", err)
	}
	for _, c := range s.Credentials {
		if err := c.Validate(); err != nil {
			return Settings{}, err
		}
	}
	return s, nil
}

// ToIdentity converts a YAML entry into a store record.
func (y IdentityYAML) ToIdentity() (*model.Identity, error) {
	ident := &model.Identity{
		ID:          y.ID,
		Username:    y.Username,
		DisplayName: y.DisplayName,
		Email:       y.Email,
		Status:      model.Status(strings.ToLower(y.Status)),
		Role:        model.ParseRole(strings.ToLower(y.Role)),
	}
	if ident.Status != model.StatusOnline {
		ident.Status = model.StatusOffline
	}
	if y.CreatedAt != "" {
		t, err := time.Parse(time.RFC3339, y.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("identity %q: created_at: %w", y.Username, err)
		}
		ident.CreatedAt = t.UTC()
	}
	if y.Banned {
		ident.Ban = model.BanState{Banned: true, Reason: y.BanReason}
		if y.BannedUntil != "" && y.BannedUntil != Permanent {
			t, err := time.Parse(time.RFC3339, y.BannedUntil)
			if err != nil {
				return nil, fmt.Errorf("identity %q: banned_until: %w", y.Username, err)
			}
			t = t.UTC()
			ident.Ban.ExpiresAt = &t
		} else {
			exp := model.PermanentExpiry
			ident.Ban.ExpiresAt = &exp
		}
	}
	return ident, nil
}

// ImportIdentities creates every listed identity whose username is not yet
// taken. Existing identities are left untouched.
func ImportIdentities(ctx context.Context, st store.DataStore, entries []IdentityYAML) (int, error) {
	created := 0
	for _, y := range entries {
		existing, err := st.GetIdentityByUsername(ctx, y.Username)
		if err != nil {
			return created, fmt.Errorf("import identities: %w", err)
		}
		if existing != nil {
			continue
		}
		if y.ID != "" {
			if byID, err := st.GetIdentity(ctx, y.ID); err != nil {
				return created, fmt.Errorf("import identities: %w", err)
			} else if byID != nil {
				continue
			}
		}

		ident, err := y.ToIdentity()
		if err != nil {
			return created, fmt.Errorf("import identities: %w", err)
		}
		if err := st.CreateIdentity(ctx, ident); err != nil {
			slog.Error("failed to create identity from settings", "username", y.Username, "err", err)
			continue
		}
		created++
		slog.Debug("created identity from settings", "username", y.Username, "id", ident.ID)
	}
	return created, nil
}

// ExportIdentitiesYAML exports all identities as YAML. Stored ban flags are
// exported as-is.
func ExportIdentitiesYAML(ctx context.Context, st store.IdentityReadProvider) ([]byte, error) {
	identities, err := st.ListIdentities(ctx)
	if err != nil {
		return nil, err
	}

	export := IdentitiesExport{Identities: []IdentityYAML{}}
	for _, ident := range identities {
		y := IdentityYAML{
			ID:          ident.ID,
			Username:    ident.Username,
			DisplayName: ident.DisplayName,
			Email:       ident.Email,
			Status:      string(ident.Status),
			Role:        ident.Role.String(),
			CreatedAt:   ident.CreatedAt.UTC().Format(time.RFC3339),
		}
		if ident.Ban.Banned {
			y.Banned = true
			y.BanReason = ident.Ban.Reason
			if ident.Ban.Permanent() {
				y.BannedUntil = Permanent
			} else {
				y.BannedUntil = ident.Ban.ExpiresAt.UTC().Format(time.RFC3339)
			}
		}
		export.Identities = append(export.Identities, y)
	}
	return yaml.Marshal(&export)
}

// ExportLogsYAML exports up to limit audit entries, newest first.
func ExportLogsYAML(ctx context.Context, st store.AuditReadProvider, limit int) ([]byte, error) {
	logs, err := st.ListAuditLog(ctx, limit)
	if err != nil {
		return nil, err
	}

	export := LogsExport{Logs: []LogYAML{}}
	for _, l := range logs {
		export.Logs = append(export.Logs, LogYAML{
			ID:         l.ID,
			ActorRef:   l.ActorRef,
			Action:     string(l.Action),
			TargetRef:  l.TargetRef,
			Detail:     l.Detail,
			OccurredAt: l.OccurredAt.UTC().Format(time.RFC3339),
		})
	}
	return yaml.Marshal(&export)
}
