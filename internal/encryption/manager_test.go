package encryption

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"security-monitor/internal/config"
)

func localManager() *Manager {
	return NewManager(&config.Config{
		KMS: config.KMSConfig{Enabled: false},
	}, nil)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := localManager()

	details := map[string]string{
		"reasons":    "activity at hour 3 outside typical active hours",
		"user_agent": "curl/8.4.0",
	}

	payload, keyID, err := m.EncryptDetails(ctx, details)
	if err != nil {
		t.Fatalf("EncryptDetails: %v", err)
	}
	if !strings.HasPrefix(payload, "v1:") {
		t.Fatalf("payload must carry the version prefix, got %q", payload[:8])
	}
	if !strings.HasPrefix(keyID, "local-") {
		t.Fatalf("local mode key id must be local-scoped, got %q", keyID)
	}
	if strings.Contains(payload, "curl") {
		t.Fatal("plaintext must not leak into the payload")
	}

	got, err := m.DecryptDetails(ctx, payload)
	if err != nil {
		t.Fatalf("DecryptDetails: %v", err)
	}
	if len(got) != len(details) {
		t.Fatalf("got %d keys, want %d", len(got), len(details))
	}
	for k, v := range details {
		if got[k] != v {
			t.Fatalf("key %q: got %q, want %q", k, got[k], v)
		}
	}
}

func TestEncryptEmptyDetails(t *testing.T) {
	ctx := context.Background()
	m := localManager()

	payload, keyID, err := m.EncryptDetails(ctx, nil)
	if err != nil || payload != "" || keyID != "" {
		t.Fatalf("empty details must produce empty columns, got %q/%q/%v", payload, keyID, err)
	}

	got, err := m.DecryptDetails(ctx, "")
	if err != nil || got != nil {
		t.Fatalf("empty payload must decrypt to nil, got %v/%v", got, err)
	}
}

func TestDecryptRejectsMalformedPayload(t *testing.T) {
	ctx := context.Background()
	m := localManager()

	cases := []struct {
		name    string
		payload string
	}{
		{"no version", "wrapped:sealed"},
		{"wrong version", "v2:wrapped:sealed"},
		{"bad dek encoding", "v1:!!!:c2VhbGVk"},
		{"bad ciphertext encoding", "v1:d3JhcHBlZA==:!!!"},
		{"truncated ciphertext", "v1:" + mustWrap(t, m) + ":AAAA"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := m.DecryptDetails(ctx, tc.payload); !errors.Is(err, ErrDecryptionFailed) {
				t.Fatalf("expected ErrDecryptionFailed, got %v", err)
			}
		})
	}
}

// mustWrap produces a valid wrapped DEK so only the ciphertext part is at fault.
func mustWrap(t *testing.T, m *Manager) string {
	t.Helper()
	key, err := m.generateLocalKey()
	if err != nil {
		t.Fatalf("generateLocalKey: %v", err)
	}
	return base64.StdEncoding.EncodeToString(key.ciphertext)
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	ctx := context.Background()
	m := localManager()

	payload, _, err := m.EncryptDetails(ctx, map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("EncryptDetails: %v", err)
	}

	// Flip the final base64 character of the sealed blob.
	tampered := payload[:len(payload)-1]
	if strings.HasSuffix(payload, "A") {
		tampered += "B"
	} else {
		tampered += "A"
	}

	if _, err := m.DecryptDetails(ctx, tampered); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed on tampered payload, got %v", err)
	}
}

func TestKeyCache(t *testing.T) {
	ctx := context.Background()
	m := localManager()

	p1, _, err := m.EncryptDetails(ctx, map[string]string{"a": "1"})
	if err != nil {
		t.Fatalf("EncryptDetails: %v", err)
	}
	p2, _, err := m.EncryptDetails(ctx, map[string]string{"b": "2"})
	if err != nil {
		t.Fatalf("EncryptDetails: %v", err)
	}

	// Every payload carries a fresh key, so the encrypt path must not cache:
	// it would grow one entry per persisted event.
	if got := m.CacheSize(); got != 0 {
		t.Fatalf("encrypt path must leave the cache empty, got %d entries", got)
	}

	for _, p := range []string{p1, p1, p2} {
		if _, err := m.DecryptDetails(ctx, p); err != nil {
			t.Fatalf("DecryptDetails: %v", err)
		}
	}
	if got := m.CacheSize(); got != 2 {
		t.Fatalf("expected 2 cached data keys after decrypts, got %d", got)
	}

	m.ClearCache()
	if got := m.CacheSize(); got != 0 {
		t.Fatalf("expected empty cache after clear, got %d", got)
	}
}
