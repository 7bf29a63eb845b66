package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultHeartbeatKey is the Redis hash holding label -> unix millis.
const DefaultHeartbeatKey = "power:heartbeats"

// upsertScript sets the field only when the new value is strictly greater,
// so the monotonic guard holds under concurrent writers.
var upsertScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur and tonumber(cur) >= tonumber(ARGV[2]) then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// RedisOptions holds connection settings for RedisHeartbeats.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// RedisHeartbeats implements HeartbeatStore on a Redis hash.
type RedisHeartbeats struct {
	client *redis.Client
	key    string
	logger *zap.Logger
}

// NewRedisHeartbeats connects to Redis and verifies the connection.
func NewRedisHeartbeats(ctx context.Context, opts RedisOptions, logger *zap.Logger) (*RedisHeartbeats, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisHeartbeatsFromClient(client, opts.Key, logger), nil
}

// NewRedisHeartbeatsFromClient wraps an existing client. An empty key uses
// DefaultHeartbeatKey.
func NewRedisHeartbeatsFromClient(client *redis.Client, key string, logger *zap.Logger) *RedisHeartbeats {
	if key == "" {
		key = DefaultHeartbeatKey
	}
	return &RedisHeartbeats{
		client: client,
		key:    key,
		logger: logger,
	}
}

// LastSeen returns the last heartbeat for label.
func (s *RedisHeartbeats) LastSeen(ctx context.Context, label string) (time.Time, error) {
	raw, err := s.client.HGet(ctx, s.key, label).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get last seen: %w", err)
	}

	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.logger.Warn("corrupt heartbeat value", zap.String("label", label), zap.String("value", raw))
		return time.Time{}, fmt.Errorf("corrupt heartbeat for %q: %w", label, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// UpsertLastSeen stores ts when it is newer than the stored value.
// Resolution is one millisecond.
func (s *RedisHeartbeats) UpsertLastSeen(ctx context.Context, label string, ts time.Time) (bool, error) {
	applied, err := upsertScript.Run(ctx, s.client, []string{s.key}, label, ts.UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to upsert heartbeat: %w", err)
	}
	return applied == 1, nil
}

// Labels returns every label in the hash, sorted.
func (s *RedisHeartbeats) Labels(ctx context.Context) ([]string, error) {
	labels, err := s.client.HKeys(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list labels: %w", err)
	}
	sort.Strings(labels)
	return labels, nil
}

// Ping checks the Redis connection.
func (s *RedisHeartbeats) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *RedisHeartbeats) Close() error {
	return s.client.Close()
}
