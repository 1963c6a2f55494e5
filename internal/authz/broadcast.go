package authz

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultInvalidateChannel carries identity ids whose permissions changed.
const DefaultInvalidateChannel = "authz.invalidate"

// invalidateAll is published to bust every engine in every process.
const invalidateAll = "*"

// Invalidator busts held engines for an identity, or for everyone.
type Invalidator interface {
	Invalidate(ctx context.Context, id uuid.UUID) error
	InvalidateAll(ctx context.Context) error
}

// Broadcaster fans permission changes out to every process over Redis pub/sub.
type Broadcaster struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewBroadcaster wires a broadcaster. An empty channel selects DefaultInvalidateChannel.
func NewBroadcaster(client *redis.Client, channel string, logger *slog.Logger) *Broadcaster {
	if channel == "" {
		channel = DefaultInvalidateChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{client: client, channel: channel, logger: logger}
}

// PublishIdentity announces that id's permissions changed.
func (b *Broadcaster) PublishIdentity(ctx context.Context, id uuid.UUID) error {
	return b.publish(ctx, id.String())
}

// PublishAll announces a change affecting every identity, such as a role's
// permission set or a tenant's modules.
func (b *Broadcaster) PublishAll(ctx context.Context) error {
	return b.publish(ctx, invalidateAll)
}

func (b *Broadcaster) publish(ctx context.Context, payload string) error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

// Listen subscribes to the channel and forwards messages to target until ctx
// is cancelled. The subscription is confirmed before Listen returns.
func (b *Broadcaster) Listen(ctx context.Context, target Invalidator) error {
	if b == nil || b.client == nil {
		return nil
	}
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.dispatch(ctx, target, msg.Payload)
			}
		}
	}()
	return nil
}

func (b *Broadcaster) dispatch(ctx context.Context, target Invalidator, payload string) {
	payload = strings.TrimSpace(payload)
	if payload == invalidateAll {
		if err := target.InvalidateAll(ctx); err != nil {
			b.logger.Warn("invalidate all engines", slog.Any("error", err))
		}
		return
	}
	id, err := uuid.Parse(payload)
	if err != nil {
		b.logger.Warn("invalid invalidation payload", slog.String("payload", payload))
		return
	}
	if err := target.Invalidate(ctx, id); err != nil {
		b.logger.Warn("invalidate engine", slog.String("identity_id", id.String()), slog.Any("error", err))
	}
}
