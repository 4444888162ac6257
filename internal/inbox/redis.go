package inbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "rolekeeper:inbox:"

// RedisStore keeps one hash per event that expires after ttl.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisStore{client: client, ttl: ttl}
}

// ConnectRedis accepts either a redis:// URL or a bare host:port.
func ConnectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (s *RedisStore) StartProcessing(ctx context.Context, e Entry) (bool, error) {
	key := redisKeyPrefix + e.EventID
	var status *redis.StringCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, "status", StatusProcessing)
		pipe.HSetNX(ctx, key, "event_type", e.EventType)
		pipe.HSetNX(ctx, key, "subject", e.Subject)
		pipe.HIncrBy(ctx, key, "attempts", 1)
		pipe.Expire(ctx, key, s.ttl)
		status = pipe.HGet(ctx, key, "status")
		return nil
	})
	if err != nil {
		return false, err
	}
	return status.Val() != StatusDone, nil
}

func (s *RedisStore) MarkDone(ctx context.Context, eventID string) error {
	key := redisKeyPrefix + eventID
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "status", StatusDone, "processed_at", time.Now().UTC().Format(time.RFC3339))
		pipe.HDel(ctx, key, "last_error")
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	return err
}

func (s *RedisStore) MarkFailed(ctx context.Context, eventID string, errMsg string) error {
	key := redisKeyPrefix + eventID
	return s.client.HSet(ctx, key, "status", StatusProcessing, "last_error", errMsg).Err()
}
