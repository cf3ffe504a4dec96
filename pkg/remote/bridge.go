package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/NicolasHaas/nexusconsole/pkg/events"
)

var ErrBridgeStarted = errors.New("remote: bridge already started")

// Bridge joins the local event bus to the Redis channels shared by every
// console process.
//
// Outbound: local resync-requested is published on the identity-store
// channel, tagged with this process's origin.
// Inbound: foreign identity-store messages become local
// identity-store-changed; remote-auth messages become local
// remote-auth-changed. A process never re-publishes what it receives.
type Bridge struct {
	client   *redis.Client
	bus      *events.Bus
	channels Channels
	origin   string
	logger   *slog.Logger

	mu      sync.Mutex
	started bool
	pubsub  *redis.PubSub
	local   *events.Subscription
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewBridge creates a bridge with a fresh origin id.
func NewBridge(client *redis.Client, bus *events.Bus, namespace string, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		client:   client,
		bus:      bus,
		channels: ChannelsFor(namespace),
		origin:   uuid.NewString(),
		logger:   logger,
	}
}

// Origin identifies this process on the shared channels.
func (b *Bridge) Origin() string { return b.origin }

// Start subscribes to both channels and begins relaying. It returns once the
// Redis subscriptions are confirmed.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return ErrBridgeStarted
	}

	chans := []string{b.channels.IdentityStoreChanged, b.channels.RemoteAuthChanged}
	pubsub := b.client.Subscribe(ctx, chans...)
	for range chans {
		msg, err := pubsub.Receive(ctx)
		if err != nil {
			_ = pubsub.Close()
			return fmt.Errorf("remote: subscribe: %w", err)
		}
		if _, ok := msg.(*redis.Subscription); !ok {
			_ = pubsub.Close()
			return fmt.Errorf("remote: subscribe: unexpected reply %T", msg)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	b.pubsub = pubsub
	b.local = b.bus.Subscribe(events.TopicResyncRequested)
	b.cancel = cancel
	b.started = true

	b.wg.Add(2)
	go b.inbound(pubsub.Channel())
	go b.outbound(ctx, b.local)

	b.logger.Info("redis bridge started", "origin", b.origin, "channels", chans)
	return nil
}

// Stop ends both relays and waits for them. Safe to call more than once.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if !b.started || b.pubsub == nil {
		b.mu.Unlock()
		return
	}
	pubsub, local, cancel := b.pubsub, b.local, b.cancel
	b.pubsub, b.local = nil, nil
	b.mu.Unlock()

	cancel()
	local.Close()
	if err := pubsub.Close(); err != nil {
		b.logger.Debug("pubsub close", "err", err)
	}
	b.wg.Wait()
}

func (b *Bridge) outbound(ctx context.Context, sub *events.Subscription) {
	defer b.wg.Done()
	for ev := range sub.C {
		payload, err := json.Marshal(signal{Origin: b.origin, IdentityRef: ev.IdentityRef})
		if err != nil {
			b.logger.Warn("encode store signal", "err", err)
			continue
		}
		if err := b.client.Publish(ctx, b.channels.IdentityStoreChanged, payload).Err(); err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("publish store signal failed", "err", err)
		}
	}
}

func (b *Bridge) inbound(ch <-chan *redis.Message) {
	defer b.wg.Done()
	for msg := range ch {
		var sig signal
		if err := json.Unmarshal([]byte(msg.Payload), &sig); err != nil {
			b.logger.Warn("dropping malformed signal", "channel", msg.Channel, "err", err)
			continue
		}

		switch msg.Channel {
		case b.channels.IdentityStoreChanged:
			if sig.Origin == b.origin {
				continue
			}
			b.bus.Publish(events.Event{
				Topic:       events.TopicIdentityStoreChanged,
				Origin:      sig.Origin,
				IdentityRef: sig.IdentityRef,
			})
		case b.channels.RemoteAuthChanged:
			b.bus.Publish(events.Event{
				Topic:       events.TopicRemoteAuthChanged,
				Origin:      sig.Origin,
				IdentityRef: sig.IdentityRef,
			})
		}
	}
}
