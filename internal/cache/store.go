package cache

import (
	"context"
	"encoding/json"
	"time"
)

// Store represents a shared cache interface used across the application.
type Store interface {
	IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// Pruner is implemented by stores that need expired entries removed explicitly.
type Pruner interface {
	PruneExpired(ctx context.Context) (int64, error)
}

// GetJSON decodes a cached JSON value into dest. A missing key or an
// undecodable value reports found=false.
func GetJSON(ctx context.Context, store Store, key string, dest any) (bool, error) {
	if store == nil {
		return false, nil
	}
	raw, ok, err := store.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		_ = store.Delete(ctx, key)
		return false, nil
	}
	return true, nil
}

// SetJSON encodes value as JSON and stores it with the given TTL.
func SetJSON(ctx context.Context, store Store, key string, value any, ttl time.Duration) error {
	if store == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return store.Set(ctx, key, raw, ttl)
}
