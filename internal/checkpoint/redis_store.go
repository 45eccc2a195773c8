package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/mo"
)

// RedisConfig configures the Redis checkpoint backend.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Key      string        `mapstructure:"key"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// RedisStore keeps the checkpoint document under a single Redis key.
type RedisStore struct {
	client redisClient
	key    string
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg.Key, cfg.TTL)
}

// NewRedisStoreWithClient wraps an existing client (primarily for testing).
func NewRedisStoreWithClient(client redisClient, key string, ttl time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if key == "" {
		key = "catalogsync:checkpoint"
	}
	return &RedisStore{client: client, key: key, ttl: ttl}, nil
}

// Load reads the checkpoint. A missing key yields None.
func (s *RedisStore) Load(ctx context.Context) (mo.Option[Checkpoint], error) {
	raw, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return mo.None[Checkpoint](), nil
	}
	if err != nil {
		return mo.None[Checkpoint](), fmt.Errorf("redis get checkpoint: %w", err)
	}
	cp, err := decode(raw)
	if err != nil {
		return mo.None[Checkpoint](), err
	}
	return mo.Some(cp), nil
}

// Save stores the checkpoint document.
func (s *RedisStore) Save(ctx context.Context, cp Checkpoint) error {
	data, err := encode(cp)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set checkpoint: %w", err)
	}
	return nil
}

// Clear removes the checkpoint key.
func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("redis del checkpoint: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
