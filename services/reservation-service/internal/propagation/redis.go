package propagation

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/md-rashed-zaman/slotengine/services/reservation-service/internal/model"
)

const redisChannelPrefix = "granules:"

func RedisChannel(serviceID string) string {
	return redisChannelPrefix + serviceID
}

// RedisBroadcaster publishes committed transitions on granules:<service>.
type RedisBroadcaster struct {
	rdb    redis.UniversalClient
	logger *slog.Logger
}

func NewRedisBroadcaster(rdb redis.UniversalClient, logger *slog.Logger) *RedisBroadcaster {
	return &RedisBroadcaster{rdb: rdb, logger: logger}
}

func (b *RedisBroadcaster) Notify(ctx context.Context, changed []model.Granule) {
	for _, g := range changed {
		payload, err := json.Marshal(model.ChangeOf(g))
		if err != nil {
			b.logger.Error("encode granule change failed", "err", err)
			continue
		}
		if err := b.rdb.Publish(ctx, RedisChannel(g.ServiceID), payload).Err(); err != nil {
			// Subscribers fall back to polling.
			b.logger.Warn("redis publish failed", "err", err, "granule_id", g.ID)
		}
	}
}

// RedisSource feeds the hub from every granules:* channel.
type RedisSource struct {
	rdb    redis.UniversalClient
	hub    *Hub
	logger *slog.Logger
}

func NewRedisSource(rdb redis.UniversalClient, hub *Hub, logger *slog.Logger) *RedisSource {
	return &RedisSource{rdb: rdb, hub: hub, logger: logger}
}

func (s *RedisSource) Run(ctx context.Context) error {
	sub := s.rdb.PSubscribe(ctx, redisChannelPrefix+"*")
	defer func() { _ = sub.Close() }()

	s.logger.Info("redis granule subscription started")
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var c model.GranuleChange
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				s.logger.Warn("invalid granule change on redis", "err", err, "channel", msg.Channel)
				continue
			}
			s.hub.PublishChange(c)
		}
	}
}
