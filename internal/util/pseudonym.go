package util

import (
	"encoding/hex"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// Pseudonymizer maps user identifiers and IPs to stable keyed hashes so that log
// lines stay correlatable without carrying raw PII. The key is per deployment; a
// rotated key breaks correlation with older logs, which is acceptable.
type Pseudonymizer struct {
	key []byte
	mu  sync.RWMutex
}

func NewPseudonymizer(key string) *Pseudonymizer {
	return &Pseudonymizer{key: deriveKey(key)}
}

// blake2b keys are capped at 64 bytes
func deriveKey(key string) []byte {
	if key == "" {
		return nil
	}
	sum := blake2b.Sum256([]byte(key))
	return sum[:]
}

// Mask returns a short stable pseudonym for value. Empty input stays empty so
// optional fields don't turn into noise.
func (p *Pseudonymizer) Mask(value string) string {
	if value == "" {
		return ""
	}
	p.mu.RLock()
	key := p.key
	p.mu.RUnlock()

	h, err := blake2b.New256(key)
	if err != nil {
		// Only reachable with an oversized key, which deriveKey prevents.
		return "masked"
	}
	h.Write([]byte(value))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Rotate swaps the masking key at runtime.
func (p *Pseudonymizer) Rotate(key string) {
	p.mu.Lock()
	p.key = deriveKey(key)
	p.mu.Unlock()
}
