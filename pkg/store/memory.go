package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NicolasHaas/nexusconsole/pkg/model"
)

// MemoryStore provides an in-memory DataStore implementation for demo mode and tests.
// It mirrors SQLite behavior for validation and error handling.
type MemoryStore struct {
	mu sync.RWMutex

	now func() time.Time

	localSession []byte

	// seq gives every row a monotonic insertion order, standing in for rowid.
	seq int64

	identities map[string]*memoryIdentity
	logs       []memoryLog
	messages   map[string]*memoryMessage
}

type memoryIdentity struct {
	ident model.Identity
	seq   int64
}

type memoryLog struct {
	entry model.AdminLogEntry
	seq   int64
}

type memoryMessage struct {
	msg model.Message
	seq int64
}

// NewMemory creates a MemoryStore using time.Now().UTC().
func NewMemory() *MemoryStore {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock creates a MemoryStore with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		now:        now,
		identities: make(map[string]*memoryIdentity),
		messages:   make(map[string]*memoryMessage),
	}
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) nextSeq() int64 {
	s.seq++
	return s.seq
}

// ---- Local session slot ----

func (s *MemoryStore) GetLocalSession(_ context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.localSession == nil {
		return nil, nil
	}
	return append([]byte(nil), s.localSession...), nil
}

func (s *MemoryStore) SetLocalSession(_ context.Context, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localSession = append([]byte(nil), raw...)
	return nil
}

func (s *MemoryStore) ClearLocalSession(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localSession = nil
	return nil
}

// ---- Identities ----

func copyIdentity(ident model.Identity) *model.Identity {
	if ident.Ban.ExpiresAt != nil {
		exp := *ident.Ban.ExpiresAt
		ident.Ban.ExpiresAt = &exp
	}
	return &ident
}

// CreateIdentity validates and inserts an identity.
func (s *MemoryStore) CreateIdentity(_ context.Context, ident *model.Identity) error {
	if ident.ID == "" {
		ident.ID = uuid.NewString()
	}
	if ident.Status == "" {
		ident.Status = model.StatusOffline
	}
	if err := ident.Validate(); err != nil {
		return fmt.Errorf("store: create identity: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.identities[ident.ID]; exists {
		return fmt.Errorf("store: create identity: constraint failed: UNIQUE constraint failed: identities.id")
	}
	for _, existing := range s.identities {
		if strings.EqualFold(existing.ident.Username, ident.Username) {
			return fmt.Errorf("store: create identity: constraint failed: UNIQUE constraint failed: identities.username")
		}
	}
	if ident.CreatedAt.IsZero() {
		ident.CreatedAt = s.now().UTC()
	}
	s.identities[ident.ID] = &memoryIdentity{ident: *copyIdentity(*ident), seq: s.nextSeq()}
	return nil
}

func (s *MemoryStore) GetIdentity(_ context.Context, ref string) (*model.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.identities[ref]
	if !ok {
		return nil, nil
	}
	return copyIdentity(rec.ident), nil
}

func (s *MemoryStore) GetIdentityByUsername(_ context.Context, username string) (*model.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.identities {
		if strings.EqualFold(rec.ident.Username, username) {
			return copyIdentity(rec.ident), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListIdentities(_ context.Context) ([]model.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := make([]*memoryIdentity, 0, len(s.identities))
	for _, rec := range s.identities {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].ident.CreatedAt.Equal(recs[j].ident.CreatedAt) {
			return recs[i].ident.CreatedAt.Before(recs[j].ident.CreatedAt)
		}
		return recs[i].seq < recs[j].seq
	})
	var out []model.Identity
	for _, rec := range recs {
		out = append(out, *copyIdentity(rec.ident))
	}
	return out, nil
}

func (s *MemoryStore) UpdateBanState(_ context.Context, ref string, state model.BanState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.identities[ref]
	if !ok {
		return fmt.Errorf("store: update ban state: %w", ErrNotFound)
	}
	if state.ExpiresAt != nil {
		exp := state.ExpiresAt.UTC()
		state.ExpiresAt = &exp
	}
	rec.ident.Ban = state
	return nil
}

func (s *MemoryStore) DeleteIdentity(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[ref]; !ok {
		return fmt.Errorf("store: delete identity: %w", ErrNotFound)
	}
	delete(s.identities, ref)
	for id, rec := range s.messages {
		if rec.msg.SenderRef == ref {
			delete(s.messages, id)
		}
	}
	return nil
}

// ---- Audit log ----

func (s *MemoryStore) AppendAuditLog(_ context.Context, entry *model.AdminLogEntry) error {
	if !entry.Action.Valid() {
		return fmt.Errorf("store: append audit log: unknown action %q", entry.Action)
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = s.now().UTC()
	}
	s.logs = append(s.logs, memoryLog{entry: *entry, seq: s.nextSeq()})
	return nil
}

func (s *MemoryStore) ListAuditLog(_ context.Context, limit int) ([]model.AdminLogEntry, error) {
	if limit <= 0 {
		limit = defaultLogLimit
	}
	s.mu.RLock()
	logs := append([]memoryLog(nil), s.logs...)
	s.mu.RUnlock()

	sort.Slice(logs, func(i, j int) bool {
		if !logs[i].entry.OccurredAt.Equal(logs[j].entry.OccurredAt) {
			return logs[i].entry.OccurredAt.After(logs[j].entry.OccurredAt)
		}
		return logs[i].seq > logs[j].seq
	})
	var out []model.AdminLogEntry
	for i := 0; i < len(logs) && i < limit; i++ {
		out = append(out, logs[i].entry)
	}
	return out, nil
}

// ---- Messages ----

func (s *MemoryStore) CreateMessage(_ context.Context, message *model.Message) error {
	if err := message.Validate(); err != nil {
		return fmt.Errorf("store: message failed validation: %w", err)
	}
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if message.CreatedAt.IsZero() {
		message.CreatedAt = s.now().UTC()
	}
	s.messages[message.ID] = &memoryMessage{msg: *message, seq: s.nextSeq()}
	return nil
}

func (s *MemoryStore) CountMessages(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.messages)), nil
}

func (s *MemoryStore) ListMessages(_ context.Context, filters model.MessageFilters) ([]model.Message, error) {
	s.mu.RLock()
	recs := make([]*memoryMessage, 0, len(s.messages))
	for _, rec := range s.messages {
		if filters.LimitToSenderRef != nil && rec.msg.SenderRef != *filters.LimitToSenderRef {
			continue
		}
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].msg.CreatedAt.Equal(recs[j].msg.CreatedAt) {
			return recs[i].msg.CreatedAt.After(recs[j].msg.CreatedAt)
		}
		return recs[i].seq > recs[j].seq
	})

	offset := int64(0)
	if filters.Offset != nil {
		offset = *filters.Offset
	}
	pageSize := int64(100)
	if filters.PageSize != nil {
		pageSize = *filters.PageSize
	}

	var out []model.Message
	for i := offset; i < int64(len(recs)) && i < offset+pageSize; i++ {
		out = append(out, recs[i].msg)
	}
	return out, nil
}

func (s *MemoryStore) DeleteMessage(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[id]; !ok {
		return fmt.Errorf("store: delete message: %w", ErrNotFound)
	}
	delete(s.messages, id)
	return nil
}
