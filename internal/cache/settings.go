package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"crashgame/internal/game"
)

const (
	REDIS_KEY_SETTINGS     = "crash:config:settings"
	REDIS_KEY_CRASH_RANGES = "crash:config:ranges"
	DEFAULT_SETTINGS_TTL   = 5 * time.Second
)

// ConfigSource is the store of record for game settings and crash ranges.
type ConfigSource interface {
	game.SettingsProvider
	game.RangeProvider
	UpdateGameSettings(ctx context.Context, settings game.GameSettings) error
}

// SettingsCache keeps settings and crash ranges in Redis for a short TTL
// so bet validation does not hit Postgres on every request.
type SettingsCache struct {
	client *redis.Client
	source ConfigSource
	ttl    time.Duration
}

func NewSettingsCache(client *redis.Client, source ConfigSource, ttl time.Duration) *SettingsCache {
	if ttl <= 0 {
		ttl = DEFAULT_SETTINGS_TTL
	}
	return &SettingsCache{
		client: client,
		source: source,
		ttl:    ttl,
	}
}

func (c *SettingsCache) GameSettings(ctx context.Context) (game.GameSettings, error) {
	return cached(ctx, c, REDIS_KEY_SETTINGS, c.source.GameSettings)
}

func (c *SettingsCache) CrashRanges(ctx context.Context) ([]game.CrashRange, error) {
	return cached(ctx, c, REDIS_KEY_CRASH_RANGES, c.source.CrashRanges)
}

// UpdateGameSettings writes through to the source and drops the cached copy.
func (c *SettingsCache) UpdateGameSettings(ctx context.Context, settings game.GameSettings) error {
	if err := c.source.UpdateGameSettings(ctx, settings); err != nil {
		return err
	}
	if err := c.Invalidate(ctx); err != nil {
		log.Printf("[CACHE] Invalidate after settings update failed: %v", err)
	}
	return nil
}

// Invalidate drops cached values so the next read goes to the source.
func (c *SettingsCache) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, REDIS_KEY_SETTINGS, REDIS_KEY_CRASH_RANGES).Err()
}

func cached[T any](ctx context.Context, c *SettingsCache, key string, fetch func(context.Context) (T, error)) (T, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var value T
		if err := json.Unmarshal(data, &value); err == nil {
			return value, nil
		}
		log.Printf("[CACHE] Discarding unreadable %s", key)
	case !errors.Is(err, redis.Nil):
		log.Printf("[CACHE] Read %s failed: %v", key, err)
	}

	value, err := fetch(ctx)
	if err != nil {
		var zero T
		return zero, err
	}

	if data, err := json.Marshal(value); err == nil {
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			log.Printf("[CACHE] Write %s failed: %v", key, err)
		}
	}
	return value, nil
}
