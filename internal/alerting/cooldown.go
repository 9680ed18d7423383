package alerting

import (
	"context"
	"sync"
	"time"
)

// MemoryCooldown is a process-local CooldownLimiter. Used when Redis is not
// available; in a multi-process deployment the Redis-backed limiter should be
// preferred so cooldowns hold across instances.
type MemoryCooldown struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

func NewMemoryCooldown() *MemoryCooldown {
	return &MemoryCooldown{
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

func (c *MemoryCooldown) Allow(_ context.Context, key string, window time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if expiry, ok := c.seen[key]; ok && now.Before(expiry) {
		return false
	}
	c.seen[key] = now.Add(window)

	// Opportunistic cleanup keeps the map bounded without a dedicated sweeper.
	if len(c.seen) > 4096 {
		for k, expiry := range c.seen {
			if now.After(expiry) {
				delete(c.seen, k)
			}
		}
	}
	return true
}
