package response

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"security-monitor/internal/config"
)

// failingStore errors on every operation, simulating an unreachable Redis.
type failingStore struct{}

var errStoreDown = errors.New("store down")

func (failingStore) Set(context.Context, string, string, time.Duration) error { return errStoreDown }
func (failingStore) Delete(context.Context, ...string) error                  { return errStoreDown }
func (failingStore) Exists(context.Context, string) (bool, error)             { return false, errStoreDown }
func (failingStore) KeysByPrefix(context.Context, string) ([]string, error)   { return nil, errStoreDown }

func testResponseConfig() config.ResponseConfig {
	return config.ResponseConfig{
		IPBlockTTL:       24 * time.Hour,
		RateLimitTTL:     time.Hour,
		UserLockTTL:      24 * time.Hour,
		SessionRevokeTTL: 24 * time.Hour,
		MFARequiredTTL:   7 * 24 * time.Hour,
		QuarantineTTL:    24 * time.Hour,
		ResyncInterval:   time.Minute,
		StoreTimeout:     time.Second,
	}
}

func TestContainmentBlockAndCheck(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := NewContainment(testResponseConfig(), store, zap.NewNop())

	t.Run("block ip", func(t *testing.T) {
		if err := c.BlockIP(ctx, "10.0.0.1", "brute force"); err != nil {
			t.Fatalf("BlockIP: %v", err)
		}
		if !c.IsIPBlocked(ctx, "10.0.0.1") {
			t.Fatal("blocked ip must report blocked")
		}
		if c.IsIPBlocked(ctx, "10.0.0.2") {
			t.Fatal("unrelated ip must not report blocked")
		}
	})

	t.Run("lock user", func(t *testing.T) {
		if err := c.LockUser(ctx, "user-1", "privilege escalation"); err != nil {
			t.Fatalf("LockUser: %v", err)
		}
		if !c.IsUserLocked(ctx, "user-1") {
			t.Fatal("locked user must report locked")
		}
	})

	t.Run("revoke session", func(t *testing.T) {
		if err := c.RevokeSession(ctx, "sess-1", "session hijack"); err != nil {
			t.Fatalf("RevokeSession: %v", err)
		}
		if !c.IsSessionRevoked(ctx, "sess-1") {
			t.Fatal("revoked session must report revoked")
		}
	})

	t.Run("empty id is never contained", func(t *testing.T) {
		if c.IsIPBlocked(ctx, "") || c.IsUserLocked(ctx, "") || c.IsSessionRevoked(ctx, "") {
			t.Fatal("empty identifiers must short-circuit to false")
		}
	})

	t.Run("counts", func(t *testing.T) {
		blocked, locked, revoked := c.Counts()
		if blocked != 1 || locked != 1 || revoked != 1 {
			t.Fatalf("got counts %d/%d/%d, want 1/1/1", blocked, locked, revoked)
		}
	})
}

func TestContainmentAdminWidening(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := NewContainment(testResponseConfig(), store, zap.NewNop())

	if err := c.BlockIP(ctx, "10.0.0.1", "brute force"); err != nil {
		t.Fatalf("BlockIP: %v", err)
	}
	if err := c.UnblockIP(ctx, "10.0.0.1"); err != nil {
		t.Fatalf("UnblockIP: %v", err)
	}
	if c.IsIPBlocked(ctx, "10.0.0.1") {
		t.Fatal("unblocked ip must not report blocked")
	}

	if err := c.LockUser(ctx, "user-1", "hijack"); err != nil {
		t.Fatalf("LockUser: %v", err)
	}
	if err := c.UnlockUser(ctx, "user-1"); err != nil {
		t.Fatalf("UnlockUser: %v", err)
	}
	if c.IsUserLocked(ctx, "user-1") {
		t.Fatal("unlocked user must not report locked")
	}
}

func TestContainmentFailsClosed(t *testing.T) {
	ctx := context.Background()
	c := NewContainment(testResponseConfig(), failingStore{}, zap.NewNop())

	// No memory hit and the store is unreachable: the check is indeterminate
	// and must err on the contained side.
	if !c.IsIPBlocked(ctx, "10.0.0.1") {
		t.Fatal("unreachable store must fail closed for ip checks")
	}
	if !c.IsUserLocked(ctx, "user-1") {
		t.Fatal("unreachable store must fail closed for user checks")
	}
	if !c.IsSessionRevoked(ctx, "sess-1") {
		t.Fatal("unreachable store must fail closed for session checks")
	}

	// Mutations surface the store error to the executor, tagged with the
	// store-unavailable sentinel.
	err := c.BlockIP(ctx, "10.0.0.1", "x")
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("expected store error in the chain, got %v", err)
	}
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected %v in the chain, got %v", ErrStoreUnavailable, err)
	}
}

func TestContainmentMemoryFirst(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := NewContainment(testResponseConfig(), store, zap.NewNop())

	if err := c.BlockIP(ctx, "10.0.0.1", "brute force"); err != nil {
		t.Fatalf("BlockIP: %v", err)
	}

	// Swap in a dead store: the memory hit must still answer without touching it.
	c.store = failingStore{}
	if !c.IsIPBlocked(ctx, "10.0.0.1") {
		t.Fatal("memory hit must not depend on the store")
	}
}

func TestContainmentRehydrate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	// Pre-populate the store as a previous process generation would have.
	if err := store.Set(ctx, "block:10.0.0.9", "carried over", time.Hour); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := store.Set(ctx, "lock:user-9", "carried over", time.Hour); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := store.Set(ctx, "revoke:sess-9", "carried over", time.Hour); err != nil {
		t.Fatalf("seed: %v", err)
	}
	// Unrelated prefixes must not leak into the sets.
	if err := store.Set(ctx, "rate_limit:10.0.0.9", "x", time.Hour); err != nil {
		t.Fatalf("seed: %v", err)
	}

	c := NewContainment(testResponseConfig(), store, zap.NewNop())
	if err := c.Rehydrate(ctx); err != nil {
		t.Fatalf("Rehydrate: %v", err)
	}

	if !c.IsIPBlocked(ctx, "10.0.0.9") || !c.IsUserLocked(ctx, "user-9") || !c.IsSessionRevoked(ctx, "sess-9") {
		t.Fatal("rehydrate must rebuild all three sets from the store")
	}
	blocked, locked, revoked := c.Counts()
	if blocked != 1 || locked != 1 || revoked != 1 {
		t.Fatalf("got counts %d/%d/%d, want 1/1/1", blocked, locked, revoked)
	}
}

func TestContainmentResync(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	c := NewContainment(testResponseConfig(), store, zap.NewNop())

	if err := c.BlockIP(ctx, "10.0.0.1", "brute force"); err != nil {
		t.Fatalf("BlockIP: %v", err)
	}

	t.Run("externally expired entries drop", func(t *testing.T) {
		// The key vanishes from the store (TTL expiry or operator delete).
		if err := store.Delete(ctx, "block:10.0.0.1"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if err := c.Resync(ctx); err != nil {
			t.Fatalf("Resync: %v", err)
		}
		blocked, _, _ := c.Counts()
		if blocked != 0 {
			t.Fatalf("expected expired block to drop from memory, got %d", blocked)
		}
	})

	t.Run("store failure keeps existing state", func(t *testing.T) {
		if err := c.BlockIP(ctx, "10.0.0.2", "brute force"); err != nil {
			t.Fatalf("BlockIP: %v", err)
		}
		c.store = failingStore{}
		if err := c.Resync(ctx); err == nil {
			t.Fatal("expected resync error from failing store")
		}
		blocked, _, _ := c.Counts()
		if blocked != 1 {
			t.Fatal("transient store failure must not wipe containment state")
		}
	})
}

func TestMemoryStoreTTL(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	now := base
	store.now = func() time.Time { return now }

	if err := store.Set(ctx, "block:10.0.0.1", "x", 10*time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := store.Set(ctx, "force_password_reset:user-1", "x", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if ok, _ := store.Exists(ctx, "block:10.0.0.1"); !ok {
		t.Fatal("fresh key must exist")
	}

	now = base.Add(11 * time.Minute)
	if ok, _ := store.Exists(ctx, "block:10.0.0.1"); ok {
		t.Fatal("expired key must not exist")
	}
	if ok, _ := store.Exists(ctx, "force_password_reset:user-1"); !ok {
		t.Fatal("zero-TTL key must never expire")
	}

	keys, err := store.KeysByPrefix(ctx, "force_password_reset:*")
	if err != nil {
		t.Fatalf("KeysByPrefix: %v", err)
	}
	if len(keys) != 1 || keys[0] != "force_password_reset:user-1" {
		t.Fatalf("unexpected keys: %v", keys)
	}
}
