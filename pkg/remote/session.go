// Package remote connects the console to the shared Redis instance that holds
// the remote auth provider's session and carries cross-process signals.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/NicolasHaas/nexusconsole/pkg/model"
)

// DefaultNamespace prefixes every key and channel.
const DefaultNamespace = "nexus"

var ErrSessionExpired = errors.New("remote: session already expired")

// Dial connects to redisURL and checks the connection.
func Dial(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("remote: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("remote: connect to redis: %w", err)
	}
	return client, nil
}

// Channels names the pub/sub channels for a namespace.
type Channels struct {
	IdentityStoreChanged string
	RemoteAuthChanged    string
}

// ChannelsFor returns the channel names used under namespace.
func ChannelsFor(namespace string) Channels {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return Channels{
		IdentityStoreChanged: namespace + ":identity-store-changed",
		RemoteAuthChanged:    namespace + ":remote-auth-changed",
	}
}

// signal is the payload carried on both channels.
type signal struct {
	Origin      string `json:"origin,omitempty"`
	IdentityRef string `json:"identity_ref,omitempty"`
}

// SessionStore holds the remote provider's session record under one TTL'd key.
type SessionStore struct {
	client   *redis.Client
	key      string
	channels Channels
	now      func() time.Time
}

// NewSessionStore creates a session store over an existing client.
func NewSessionStore(client *redis.Client, namespace string) *SessionStore {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &SessionStore{
		client:   client,
		key:      namespace + ":remote-session",
		channels: ChannelsFor(namespace),
		now:      time.Now,
	}
}

// WithClock replaces the time source used to derive key TTLs.
func (s *SessionStore) WithClock(now func() time.Time) *SessionStore {
	s.now = now
	return s
}

// GetRemoteSession returns the stored record, or (nil, nil) when there is none.
func (s *SessionStore) GetRemoteSession(ctx context.Context) (*model.RawSession, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("remote: get session: %w", err)
	}
	var raw model.RawSession
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("remote: decode session: %w", err)
	}
	return &raw, nil
}

// SaveRemoteSession stores raw until its expiry and announces the change.
func (s *SessionStore) SaveRemoteSession(ctx context.Context, raw *model.RawSession) error {
	if !raw.Valid() {
		return fmt.Errorf("remote: save session: %w", model.ErrIdentityRefEmpty)
	}
	var ttl time.Duration
	if raw.ExpiresAt > 0 {
		ttl = time.UnixMilli(raw.ExpiresAt).Sub(s.now())
		if ttl <= 0 {
			return ErrSessionExpired
		}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("remote: encode session: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, ttl).Err(); err != nil {
		return fmt.Errorf("remote: save session: %w", err)
	}
	return s.announce(ctx, raw.User.ID)
}

// RevokeRemoteSession deletes the record. Revoking an absent session is not an error.
func (s *SessionStore) RevokeRemoteSession(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("remote: revoke session: %w", err)
	}
	return s.announce(ctx, "")
}

// Ping checks if Redis is reachable.
func (s *SessionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *SessionStore) announce(ctx context.Context, ref string) error {
	payload, err := json.Marshal(signal{IdentityRef: ref})
	if err != nil {
		return fmt.Errorf("remote: encode signal: %w", err)
	}
	if err := s.client.Publish(ctx, s.channels.RemoteAuthChanged, payload).Err(); err != nil {
		return fmt.Errorf("remote: publish auth change: %w", err)
	}
	return nil
}
