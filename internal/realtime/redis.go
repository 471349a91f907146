package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/lockstep/internal/protocol"
)

const (
	channelPrefix  = "lockstep:entity:"
	channelSuffix  = ":updates"
	channelPattern = channelPrefix + "*" + channelSuffix
)

// UpdatesChannel returns the Redis channel carrying updates of entityID.
func UpdatesChannel(entityID string) string {
	return channelPrefix + entityID + channelSuffix
}

func entityFromChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, channelPrefix) || !strings.HasSuffix(channel, channelSuffix) {
		return "", false
	}
	id := channel[len(channelPrefix) : len(channel)-len(channelSuffix)]
	return id, id != ""
}

// RedisRelay publishes snapshots to Redis and feeds every snapshot any
// process published into a local Hub. With a relay in place, the local hub
// is reached only through Redis so all processes see the same order.
type RedisRelay struct {
	rdb    *redis.Client
	hub    *Hub
	logger *slog.Logger
	ready  chan struct{}
}

// NewRedisRelay creates a relay over rdb feeding hub.
func NewRedisRelay(rdb *redis.Client, hub *Hub, logger *slog.Logger) *RedisRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{rdb: rdb, hub: hub, logger: logger, ready: make(chan struct{})}
}

// Publish sends snap to every process subscribed to the entity.
func (r *RedisRelay) Publish(ctx context.Context, entityID string, snap protocol.Snapshot) error {
	payload, err := json.Marshal(Update{EntityID: entityID, Version: snap.Version, State: snap.State})
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}
	if err := r.rdb.Publish(ctx, UpdatesChannel(entityID), payload).Err(); err != nil {
		return protocol.Wrap(protocol.CodeNetworkFailure, err).ForEntity(entityID)
	}
	return nil
}

// Evict closes local subscriptions of a deleted entity.
func (r *RedisRelay) Evict(entityID string) {
	r.hub.Evict(entityID)
}

// Ready is closed once the pattern subscription is confirmed.
func (r *RedisRelay) Ready() <-chan struct{} {
	return r.ready
}

// Run pattern-subscribes to every entity channel and forwards messages to
// the hub until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.rdb.PSubscribe(ctx, channelPattern)
	defer pubsub.Close()

	// Wait for confirmation so publishes after Ready are not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", channelPattern, err)
	}
	close(r.ready)
	r.logger.Info("realtime relay subscribed", "pattern", channelPattern)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("realtime relay stopping")
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.forward(ctx, msg)
		}
	}
}

func (r *RedisRelay) forward(ctx context.Context, msg *redis.Message) {
	id, ok := entityFromChannel(msg.Channel)
	if !ok {
		r.logger.Warn("ignoring message on unexpected channel", "channel", msg.Channel)
		return
	}
	var u Update
	if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
		r.logger.Warn("failed to decode update", "channel", msg.Channel, "error", err)
		return
	}
	if u.EntityID != id {
		r.logger.Warn("update entity does not match channel", "channel", msg.Channel, "entity", u.EntityID)
		return
	}
	_ = r.hub.Publish(ctx, id, protocol.Snapshot{Version: u.Version, State: u.State})
}
