package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"

	"github.com/groviaus/jewellery-software-app/internal/domain"
)

type RedisSettingsCache struct {
	client *redis.Client
}

func NewRedisSettingsCache(addr string, password string, db int) *RedisSettingsCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisSettingsCache{client: client}
}

// InstrumentTracing emits a span per redis command through the global tracer
// provider.
func (c *RedisSettingsCache) InstrumentTracing() error {
	return redisotel.InstrumentTracing(c.client)
}

func (c *RedisSettingsCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisSettingsCache) Close() error {
	return c.client.Close()
}

func (c *RedisSettingsCache) Get(ctx context.Context, ownerID string) (*domain.StoreSettings, bool, error) {
	val, err := c.client.Get(ctx, settingsKey(ownerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var settings domain.StoreSettings
	if err := json.Unmarshal(val, &settings); err != nil {
		return nil, false, err
	}
	return &settings, true, nil
}

func (c *RedisSettingsCache) Set(ctx context.Context, value *domain.StoreSettings, ttl time.Duration) error {
	if value == nil || value.OwnerID == "" {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, settingsKey(value.OwnerID), payload, ttl).Err()
}

func (c *RedisSettingsCache) Invalidate(ctx context.Context, ownerID string) error {
	return c.client.Del(ctx, settingsKey(ownerID)).Err()
}
