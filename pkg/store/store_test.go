package store_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/NicolasHaas/nexusconsole/pkg/model"
	"github.com/NicolasHaas/nexusconsole/pkg/store"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func NewTestSqlConn(t *testing.T) (*store.Store, error) {
	t.Helper()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	st, err := store.New(dbPath)
	if err != nil {
		return nil, fmt.Errorf("store_test: failed to open db: %w", err)
	}

	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			fmt.Printf("Error closing database: %v\n", err)
		}
	})

	return st, nil
}

// withStores runs fn against both the SQLite and the in-memory implementation.
func withStores(t *testing.T, fn func(t *testing.T, st store.DataStore)) {
	t.Helper()

	t.Run("sqlite", func(t *testing.T) {
		st, err := NewTestSqlConn(t)
		if err != nil {
			t.Fatalf("failed to open test connection: %v", err)
		}
		fn(t, st)
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, store.NewMemory())
	})
}

func TestLocalSessionSlot(t *testing.T) {
	withStores(t, func(t *testing.T, st store.DataStore) {
		ctx := context.Background()

		raw, err := st.GetLocalSession(ctx)
		if err != nil || raw != nil {
			t.Fatalf("GetLocalSession on empty slot = (%q, %v), want (nil, nil)", raw, err)
		}

		if err := st.SetLocalSession(ctx, []byte(`{"user":{"id":"a"}}`)); err != nil {
			t.Fatalf("SetLocalSession: %v", err)
		}
		if err := st.SetLocalSession(ctx, []byte(`{"user":{"id":"b"}}`)); err != nil {
			t.Fatalf("SetLocalSession overwrite: %v", err)
		}
		raw, err = st.GetLocalSession(ctx)
		if err != nil {
			t.Fatalf("GetLocalSession: %v", err)
		}
		if diff := cmp.Diff(`{"user":{"id":"b"}}`, string(raw)); diff != "" {
			t.Errorf("GetLocalSession mismatch (-want +got):\n%s", diff)
		}

		if err := st.ClearLocalSession(ctx); err != nil {
			t.Fatalf("ClearLocalSession: %v", err)
		}
		if err := st.ClearLocalSession(ctx); err != nil {
			t.Fatalf("ClearLocalSession twice: %v", err)
		}
		raw, err = st.GetLocalSession(ctx)
		if err != nil || raw != nil {
			t.Fatalf("GetLocalSession after clear = (%q, %v), want (nil, nil)", raw, err)
		}
	})
}

func TestCreateIdentity(t *testing.T) {
	t.Parallel()

	type tcase struct {
		ident     model.Identity
		expectErr bool
	}

	tcases := map[string]tcase{
		"minimum_required_fields": {
			ident: model.Identity{Username: "shadow_user"},
		},
		"all_fields": {
			ident: model.Identity{
				ID:          "nexus-admin-master",
				Username:    "kaito_admin",
				DisplayName: "Kaito",
				Email:       "kaito@nexus.io",
				Status:      model.StatusOnline,
				Role:        model.RoleAdmin,
			},
		},
		"empty_username": {
			ident:     model.Identity{},
			expectErr: true,
		},
		"invalid_role": {
			ident:     model.Identity{Username: "beta_tester", Role: model.Role(9)},
			expectErr: true,
		},
		"invalid_email": {
			ident:     model.Identity{Username: "beta_tester", Email: "not-an-email"},
			expectErr: true,
		},
	}

	for name, tc := range tcases {
		t.Run(name, func(t *testing.T) {
			withStores(t, func(t *testing.T, st store.DataStore) {
				ctx := context.Background()
				ident := tc.ident
				err := st.CreateIdentity(ctx, &ident)
				if tc.expectErr {
					if err == nil {
						t.Fatalf("expected error, got nil")
					}
					return
				}
				if err != nil {
					t.Fatalf("CreateIdentity: unexpected error: %v", err)
				}
				if ident.ID == "" {
					t.Fatalf("CreateIdentity: expected an assigned ID")
				}

				got, err := st.GetIdentity(ctx, ident.ID)
				if err != nil {
					t.Fatalf("GetIdentity: %v", err)
				}
				want := ident
				if diff := cmp.Diff(&want, got, cmpopts.EquateApproxTime(time.Microsecond)); diff != "" {
					t.Errorf("GetIdentity mismatch (-want +got):\n%s", diff)
				}
			})
		})
	}
}

func TestCreateIdentityDuplicateUsername(t *testing.T) {
	withStores(t, func(t *testing.T, st store.DataStore) {
		ctx := context.Background()
		if err := st.CreateIdentity(ctx, &model.Identity{Username: "nova_prime"}); err != nil {
			t.Fatalf("first create: %v", err)
		}
		if err := st.CreateIdentity(ctx, &model.Identity{Username: "NOVA_PRIME"}); err == nil {
			t.Fatalf("expected duplicate username (case-insensitive) to fail")
		}
	})
}

func TestGetIdentityAbsent(t *testing.T) {
	withStores(t, func(t *testing.T, st store.DataStore) {
		ctx := context.Background()
		got, err := st.GetIdentity(ctx, "missing")
		if err != nil || got != nil {
			t.Fatalf("GetIdentity(missing) = (%v, %v), want (nil, nil)", got, err)
		}
		got, err = st.GetIdentityByUsername(ctx, "missing")
		if err != nil || got != nil {
			t.Fatalf("GetIdentityByUsername(missing) = (%v, %v), want (nil, nil)", got, err)
		}
	})
}

func TestGetIdentityByUsernameIgnoresCase(t *testing.T) {
	withStores(t, func(t *testing.T, st store.DataStore) {
		ctx := context.Background()
		ident := model.Identity{Username: "Zero_Cool"}
		if err := st.CreateIdentity(ctx, &ident); err != nil {
			t.Fatalf("CreateIdentity: %v", err)
		}
		got, err := st.GetIdentityByUsername(ctx, "zero_cool")
		if err != nil {
			t.Fatalf("GetIdentityByUsername: %v", err)
		}
		if got == nil || got.ID != ident.ID {
			t.Fatalf("GetIdentityByUsername = %v, want %s", got, ident.ID)
		}
	})
}

func TestListIdentitiesCreationOrder(t *testing.T) {
	withStores(t, func(t *testing.T, st store.DataStore) {
		ctx := context.Background()
		base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		names := []string{"kaito_admin", "shadow_user", "beta_tester"}
		for i, name := range names {
			ident := model.Identity{Username: name, CreatedAt: base.Add(time.Duration(i) * time.Second)}
			if err := st.CreateIdentity(ctx, &ident); err != nil {
				t.Fatalf("CreateIdentity(%s): %v", name, err)
			}
		}

		idents, err := st.ListIdentities(ctx)
		if err != nil {
			t.Fatalf("ListIdentities: %v", err)
		}
		var got []string
		for _, ident := range idents {
			got = append(got, ident.Username)
		}
		if diff := cmp.Diff(names, got); diff != "" {
			t.Errorf("ListIdentities order mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestUpdateBanState(t *testing.T) {
	withStores(t, func(t *testing.T, st store.DataStore) {
		ctx := context.Background()
		ident := model.Identity{Username: "acid_burn"}
		if err := st.CreateIdentity(ctx, &ident); err != nil {
			t.Fatalf("CreateIdentity: %v", err)
		}

		expiry := time.Date(2026, 10, 16, 12, 30, 15, 123456789, time.UTC)
		want := model.BanState{Banned: true, Reason: "spam", ExpiresAt: &expiry}
		if err := st.UpdateBanState(ctx, ident.ID, want); err != nil {
			t.Fatalf("UpdateBanState: %v", err)
		}
		got, err := st.GetIdentity(ctx, ident.ID)
		if err != nil {
			t.Fatalf("GetIdentity: %v", err)
		}
		if diff := cmp.Diff(want, got.Ban); diff != "" {
			t.Errorf("ban state mismatch (-want +got):\n%s", diff)
		}

		if err := st.UpdateBanState(ctx, ident.ID, model.BanState{}); err != nil {
			t.Fatalf("UpdateBanState lift: %v", err)
		}
		got, _ = st.GetIdentity(ctx, ident.ID)
		if diff := cmp.Diff(model.BanState{}, got.Ban); diff != "" {
			t.Errorf("lifted ban mismatch (-want +got):\n%s", diff)
		}

		err = st.UpdateBanState(ctx, "missing", want)
		if !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("UpdateBanState(missing) = %v, want ErrNotFound", err)
		}
	})
}

func TestDeleteIdentityRemovesMessages(t *testing.T) {
	withStores(t, func(t *testing.T, st store.DataStore) {
		ctx := context.Background()
		victim := model.Identity{Username: "lord_nikon"}
		other := model.Identity{Username: "beta_tester"}
		for _, ident := range []*model.Identity{&victim, &other} {
			if err := st.CreateIdentity(ctx, ident); err != nil {
				t.Fatalf("CreateIdentity: %v", err)
			}
		}
		for _, m := range []model.Message{
			{SenderRef: victim.ID, Body: "first"},
			{SenderRef: victim.ID, Body: "second"},
			{SenderRef: other.ID, Body: "unrelated"},
		} {
			msg := m
			if err := st.CreateMessage(ctx, &msg); err != nil {
				t.Fatalf("CreateMessage: %v", err)
			}
		}

		if err := st.DeleteIdentity(ctx, victim.ID); err != nil {
			t.Fatalf("DeleteIdentity: %v", err)
		}
		if got, _ := st.GetIdentity(ctx, victim.ID); got != nil {
			t.Fatalf("identity still present after delete")
		}
		msgs, err := st.ListMessages(ctx, model.MessageFilters{})
		if err != nil {
			t.Fatalf("ListMessages: %v", err)
		}
		if len(msgs) != 1 || msgs[0].SenderRef != other.ID {
			t.Fatalf("ListMessages after delete = %+v, want only the unrelated message", msgs)
		}

		if err := st.DeleteIdentity(ctx, victim.ID); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("second DeleteIdentity = %v, want ErrNotFound", err)
		}
	})
}

func TestAuditLogNewestFirst(t *testing.T) {
	withStores(t, func(t *testing.T, st store.DataStore) {
		ctx := context.Background()
		base := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
		for i, action := range []model.ActionKind{model.ActionLogin, model.ActionBan, model.ActionUnban} {
			entry := model.AdminLogEntry{
				ActorRef:   "nexus-admin-master",
				Action:     action,
				Detail:     string(action),
				OccurredAt: base.Add(time.Duration(i) * time.Minute),
			}
			if err := st.AppendAuditLog(ctx, &entry); err != nil {
				t.Fatalf("AppendAuditLog: %v", err)
			}
			if entry.ID == "" {
				t.Fatalf("AppendAuditLog: expected assigned ID")
			}
		}

		entries, err := st.ListAuditLog(ctx, 2)
		if err != nil {
			t.Fatalf("ListAuditLog: %v", err)
		}
		var got []model.ActionKind
		for _, e := range entries {
			got = append(got, e.Action)
		}
		want := []model.ActionKind{model.ActionUnban, model.ActionBan}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("ListAuditLog mismatch (-want +got):\n%s", diff)
		}

		if err := st.AppendAuditLog(ctx, &model.AdminLogEntry{Action: "PROMOTE"}); err == nil {
			t.Fatalf("expected unknown action to be rejected")
		}
	})
}

func TestMessages(t *testing.T) {
	withStores(t, func(t *testing.T, st store.DataStore) {
		ctx := context.Background()
		base := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
		sender := "u-1"
		for i := 0; i < 3; i++ {
			msg := model.Message{SenderRef: sender, Body: fmt.Sprintf("msg %d", i), CreatedAt: base.Add(time.Duration(i) * time.Second)}
			if err := st.CreateMessage(ctx, &msg); err != nil {
				t.Fatalf("CreateMessage: %v", err)
			}
		}
		if err := st.CreateMessage(ctx, &model.Message{SenderRef: sender, Body: "  "}); !errors.Is(err, model.ErrMessageBodyEmpty) {
			t.Fatalf("CreateMessage(blank) = %v, want ErrMessageBodyEmpty", err)
		}

		pageSize := int64(2)
		offset := int64(1)
		msgs, err := st.ListMessages(ctx, model.MessageFilters{LimitToSenderRef: &sender, PageSize: &pageSize, Offset: &offset})
		if err != nil {
			t.Fatalf("ListMessages: %v", err)
		}
		var bodies []string
		for _, m := range msgs {
			bodies = append(bodies, m.Body)
		}
		if diff := cmp.Diff([]string{"msg 1", "msg 0"}, bodies); diff != "" {
			t.Errorf("ListMessages mismatch (-want +got):\n%s", diff)
		}

		if err := st.DeleteMessage(ctx, msgs[0].ID); err != nil {
			t.Fatalf("DeleteMessage: %v", err)
		}
		if err := st.DeleteMessage(ctx, msgs[0].ID); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("DeleteMessage twice = %v, want ErrNotFound", err)
		}
		if n, err := st.CountMessages(ctx); err != nil || n != 2 {
			t.Fatalf("CountMessages = (%d, %v), want (2, nil)", n, err)
		}
	})
}

func TestMigrationsAreIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "reopen.db")
	st, err := store.New(dbPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ident := model.Identity{Username: "zero_cool"}
	if err := st.CreateIdentity(context.Background(), &ident); err != nil {
		t.Fatalf("CreateIdentity: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st, err = store.New(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = st.Close() }()
	got, err := st.GetIdentity(context.Background(), ident.ID)
	if err != nil || got == nil {
		t.Fatalf("GetIdentity after reopen = (%v, %v)", got, err)
	}
}
