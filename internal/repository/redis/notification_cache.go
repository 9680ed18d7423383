package redis

import (
	"context"
	"time"

	"go.uber.org/zap"

	"security-monitor/internal/client"
	"security-monitor/internal/util"
)

// NotificationCache rate-limits notifications across processes: one SetNX per
// (alert, channel, destination) key wins the cooldown window, every other
// attempt inside the window is suppressed.
type NotificationCache struct {
	client *client.RedisClient
}

func NewNotificationCache(client *client.RedisClient) *NotificationCache {
	return &NotificationCache{client: client}
}

// Allow reports whether the notification may be sent. On a Redis failure it
// allows the send: a duplicate notification is preferable to a silently
// dropped one.
func (c *NotificationCache) Allow(ctx context.Context, key string, window time.Duration) bool {
	ok, err := c.client.SetNX(ctx, key, "sent", window)
	if err != nil {
		util.Warn("Notification cooldown check failed, allowing send",
			zap.String("key", key),
			zap.Error(err))
		return true
	}
	if !ok {
		util.Debug("Notification suppressed by cooldown",
			zap.String("key", key),
			zap.Duration("window", window))
	}
	return ok
}
