package response

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"security-monitor/internal/config"
	"security-monitor/internal/util"
)

// ErrStoreUnavailable marks containment writes that failed because the
// external store could not be reached. The underlying store error stays in the
// chain.
var ErrStoreUnavailable = errors.New("containment store unavailable")

// Store key prefixes. The external store is the cross-process source of truth;
// TTLs make every containment effect self-expiring except the password-reset
// flag, which is cleared explicitly.
const (
	blockPrefix      = "block:"
	rateLimitPrefix  = "rate_limit:"
	lockPrefix       = "lock:"
	revokePrefix     = "revoke:"
	mfaPrefix        = "mfa_required:"
	pwResetPrefix    = "force_password_reset:"
	quarantinePrefix = "quarantine:"
)

// Store is the external containment store (Redis in production). Writes are
// idempotent; setting the same key twice is harmless.
type Store interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	KeysByPrefix(ctx context.Context, prefix string) ([]string, error)
}

// Containment owns the blocked-IP, locked-user and revoked-session sets. Each
// is an in-memory set for fast lookup, written through to the store with a TTL
// for durability and restart recovery. Queries fail closed: when the store is
// unreachable on a memory miss, the answer is "not safe".
type Containment struct {
	cfg    config.ResponseConfig
	store  Store
	logger *zap.Logger

	mu              sync.RWMutex
	blockedIPs      map[string]bool
	lockedUsers     map[string]bool
	revokedSessions map[string]bool
}

func NewContainment(cfg config.ResponseConfig, store Store, logger *zap.Logger) *Containment {
	return &Containment{
		cfg:             cfg,
		store:           store,
		logger:          logger,
		blockedIPs:      make(map[string]bool),
		lockedUsers:     make(map[string]bool),
		revokedSessions: make(map[string]bool),
	}
}

// ---------------------------------------------------------------------------
// Mutations (narrowing access; last-writer-wins is safe)

func (c *Containment) BlockIP(ctx context.Context, ip, reason string) error {
	if err := c.storeSet(ctx, blockPrefix+ip, reason, c.cfg.IPBlockTTL); err != nil {
		return err
	}
	c.mu.Lock()
	c.blockedIPs[ip] = true
	c.mu.Unlock()
	return nil
}

func (c *Containment) LockUser(ctx context.Context, userID, reason string) error {
	if err := c.storeSet(ctx, lockPrefix+userID, reason, c.cfg.UserLockTTL); err != nil {
		return err
	}
	c.mu.Lock()
	c.lockedUsers[userID] = true
	c.mu.Unlock()
	return nil
}

func (c *Containment) RevokeSession(ctx context.Context, sessionID, reason string) error {
	if err := c.storeSet(ctx, revokePrefix+sessionID, reason, c.cfg.SessionRevokeTTL); err != nil {
		return err
	}
	c.mu.Lock()
	c.revokedSessions[sessionID] = true
	c.mu.Unlock()
	return nil
}

// RateLimitIP flags an IP for throttling. The enforcing middleware reads the
// key directly, so it is store-only.
func (c *Containment) RateLimitIP(ctx context.Context, ip, reason string) error {
	return c.storeSet(ctx, rateLimitPrefix+ip, reason, c.cfg.RateLimitTTL)
}

// QuarantineData freezes bulk data operations for the target until the key
// expires or an operator clears it.
func (c *Containment) QuarantineData(ctx context.Context, target, reason string) error {
	return c.storeSet(ctx, quarantinePrefix+target, reason, c.cfg.QuarantineTTL)
}

// RequireMFA and ForcePasswordReset have no fast-path query surface here; the
// auth subsystem reads the keys directly, so they are store-only.
func (c *Containment) RequireMFA(ctx context.Context, userID, reason string) error {
	return c.storeSet(ctx, mfaPrefix+userID, reason, c.cfg.MFARequiredTTL)
}

// ForcePasswordReset has no TTL; it stays until explicitly cleared.
func (c *Containment) ForcePasswordReset(ctx context.Context, userID, reason string) error {
	return c.storeSet(ctx, pwResetPrefix+userID, reason, 0)
}

func (c *Containment) ClearPasswordReset(ctx context.Context, userID string) error {
	return c.store.Delete(ctx, pwResetPrefix+userID)
}

// ---------------------------------------------------------------------------
// Administrative widening (separately authorized)

func (c *Containment) UnblockIP(ctx context.Context, ip string) error {
	if err := c.store.Delete(ctx, blockPrefix+ip); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.blockedIPs, ip)
	c.mu.Unlock()
	c.logger.Info("IP unblocked", util.String("ip", ip))
	return nil
}

func (c *Containment) UnlockUser(ctx context.Context, userID string) error {
	if err := c.store.Delete(ctx, lockPrefix+userID); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.lockedUsers, userID)
	c.mu.Unlock()
	c.logger.Info("user unlocked", util.String("user_id", userID))
	return nil
}

// ---------------------------------------------------------------------------
// Query surface for the protected application

func (c *Containment) IsIPBlocked(ctx context.Context, ip string) bool {
	return c.check(ctx, c.blockedIPs, blockPrefix, ip)
}

func (c *Containment) IsUserLocked(ctx context.Context, userID string) bool {
	return c.check(ctx, c.lockedUsers, lockPrefix, userID)
}

func (c *Containment) IsSessionRevoked(ctx context.Context, sessionID string) bool {
	return c.check(ctx, c.revokedSessions, revokePrefix, sessionID)
}

// check consults memory first, then the store on a miss (covers warm restart),
// repopulating memory on a store hit. A store error is an indeterminate check
// and is treated as "not safe".
func (c *Containment) check(ctx context.Context, set map[string]bool, prefix, id string) bool {
	if id == "" {
		return false
	}

	c.mu.RLock()
	hit := set[id]
	c.mu.RUnlock()
	if hit {
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancel()

	exists, err := c.store.Exists(ctx, prefix+id)
	if err != nil {
		c.logger.Warn("containment store unreachable, failing closed",
			util.String("key_prefix", prefix), util.ErrorField(err))
		return true
	}
	if exists {
		c.mu.Lock()
		set[id] = true
		c.mu.Unlock()
	}
	return exists
}

// ---------------------------------------------------------------------------
// Startup recovery and periodic resync

// Rehydrate scans the store's key prefixes and rebuilds all three in-memory
// sets. Called once on startup.
func (c *Containment) Rehydrate(ctx context.Context) error {
	return c.syncFromStore(ctx)
}

// Resync re-syncs memory with the store so entries expired externally are also
// dropped locally. Run on the fixed resync interval.
func (c *Containment) Resync(ctx context.Context) error {
	return c.syncFromStore(ctx)
}

func (c *Containment) syncFromStore(ctx context.Context) error {
	type target struct {
		prefix string
		dest   *map[string]bool
	}
	targets := []target{
		{blockPrefix, &c.blockedIPs},
		{lockPrefix, &c.lockedUsers},
		{revokePrefix, &c.revokedSessions},
	}

	for _, t := range targets {
		keys, err := c.store.KeysByPrefix(ctx, t.prefix+"*")
		if err != nil {
			// Keep the existing in-memory set rather than wiping containment
			// state on a transient store failure.
			c.logger.Error("containment resync failed",
				util.String("prefix", t.prefix), util.ErrorField(err))
			return err
		}

		fresh := make(map[string]bool, len(keys))
		for _, key := range keys {
			fresh[strings.TrimPrefix(key, t.prefix)] = true
		}

		c.mu.Lock()
		*t.dest = fresh
		c.mu.Unlock()
	}

	c.mu.RLock()
	c.logger.Debug("containment state synced",
		util.Int("blocked_ips", len(c.blockedIPs)),
		util.Int("locked_users", len(c.lockedUsers)),
		util.Int("revoked_sessions", len(c.revokedSessions)))
	c.mu.RUnlock()
	return nil
}

func (c *Containment) storeSet(ctx context.Context, key, reason string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	defer cancel()
	if err := c.store.Set(ctx, key, reason, ttl); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// Counts returns the sizes of the three in-memory sets, for statistics.
func (c *Containment) Counts() (blocked, locked, revoked int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blockedIPs), len(c.lockedUsers), len(c.revokedSessions)
}
