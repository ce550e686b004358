package cache

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig captures the connection parameters shared by the cache and the dispatch queue.
type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TLS      bool
	Timeout  time.Duration
}

const defaultRedisTimeout = 5 * time.Second
const redisKeyPrefix = "weddingdesk:"

// NewRedisClient creates a go-redis client and pings it so misconfiguration
// surfaces during application startup.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg.Address = strings.TrimSpace(cfg.Address)
	if cfg.Address == "" {
		return nil, errors.New("redis: address is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRedisTimeout
	}

	opts := &redis.Options{
		Addr:         cfg.Address,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Address, err)
	}
	return client, nil
}

// RedisStore implements Store on top of a shared go-redis client.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore wraps client. Keys are namespaced with the application prefix.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	if client == nil {
		return nil
	}
	return &RedisStore{client: client, prefix: redisKeyPrefix}
}

// IncrementWithTTL increments the supplied key and sets the TTL on first use.
// It returns the current count and the remaining time-to-live.
func (s *RedisStore) IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if window <= 0 {
		window = time.Minute
	}
	prefixed := s.prefixed(key)

	count, err := s.client.Incr(ctx, prefixed).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("redis: incr: %w", err)
	}
	if count == 1 {
		if err := s.client.PExpire(ctx, prefixed, window).Err(); err != nil {
			return 0, 0, fmt.Errorf("redis: pexpire: %w", err)
		}
		return count, window, nil
	}

	ttl, err := s.client.PTTL(ctx, prefixed).Result()
	if err != nil || ttl < 0 {
		return count, window, nil
	}
	return count, ttl, nil
}

// Set stores a value; a non-positive ttl keeps it until deleted.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.prefixed(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set: %w", err)
	}
	return nil
}

// Get retrieves the value associated with a key.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, s.prefixed(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis: get: %w", err)
	}
	return value, true, nil
}

// Delete removes one or more keys, ignoring missing keys.
func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	prefixed := make([]string, 0, len(keys))
	for _, key := range keys {
		prefixed = append(prefixed, s.prefixed(key))
	}
	if err := s.client.Del(ctx, prefixed...).Err(); err != nil {
		return fmt.Errorf("redis: del: %w", err)
	}
	return nil
}

func (s *RedisStore) prefixed(key string) string {
	normalized := normalizeKey(key)
	if strings.HasPrefix(normalized, s.prefix) {
		return normalized
	}
	return s.prefix + normalized
}

func normalizeKey(key string) string {
	return strings.ReplaceAll(strings.TrimSpace(key), " ", "_")
}
