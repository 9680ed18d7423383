package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"security-monitor/internal/client"
	"security-monitor/internal/util"
)

// ContainmentCache is the Redis-backed containment store. Keys carry the TTL
// for their action kind (a zero TTL means no expiry) so every containment
// effect is self-expiring and survives process restarts.
type ContainmentCache struct {
	client *client.RedisClient
}

func NewContainmentCache(client *client.RedisClient) *ContainmentCache {
	return &ContainmentCache{client: client}
}

func (c *ContainmentCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl); err != nil {
		util.Error("Failed to set containment key",
			zap.String("key", key),
			zap.Duration("ttl", ttl),
			zap.Error(err))
		return fmt.Errorf("failed to set containment key: %w", err)
	}

	util.Debug("Containment key set",
		zap.String("key", key),
		zap.Duration("ttl", ttl))
	return nil
}

func (c *ContainmentCache) Delete(ctx context.Context, keys ...string) error {
	if err := c.client.Del(ctx, keys...); err != nil {
		util.Error("Failed to delete containment keys",
			zap.Strings("keys", keys),
			zap.Error(err))
		return fmt.Errorf("failed to delete containment keys: %w", err)
	}
	return nil
}

func (c *ContainmentCache) Exists(ctx context.Context, key string) (bool, error) {
	exists, err := c.client.Exists(ctx, key)
	if err != nil {
		util.Error("Failed to check containment key",
			zap.String("key", key),
			zap.Error(err))
		return false, fmt.Errorf("failed to check containment key: %w", err)
	}
	return exists, nil
}

// KeysByPrefix scans all keys matching pattern, used for containment-state
// rehydration and the periodic resync.
func (c *ContainmentCache) KeysByPrefix(ctx context.Context, pattern string) ([]string, error) {
	keys, err := c.client.ScanKeys(ctx, pattern)
	if err != nil {
		util.Error("Failed to scan containment keys",
			zap.String("pattern", pattern),
			zap.Error(err))
		return nil, fmt.Errorf("failed to scan containment keys: %w", err)
	}
	return keys, nil
}

// RemainingTTL exposes the key's time to live for the admin/status surface.
func (c *ContainmentCache) RemainingTTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := c.client.TTL(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("failed to read containment key TTL: %w", err)
	}
	return ttl, nil
}
