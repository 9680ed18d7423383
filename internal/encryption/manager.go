package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/google/uuid"

	"security-monitor/internal/config"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// Manager envelope-encrypts event detail maps before they reach the event
// history store. Each payload gets a fresh AES-256 data key wrapped by KMS;
// the wrapped key travels inside the ciphertext column so rows decrypt
// standalone. With KMS disabled (development) the data key is stored
// base64-encoded in place of the wrapped blob.
type Manager struct {
	kmsClient *kms.Client
	config    *config.Config
	keyCache  sync.Map // wrapped DEK -> plaintext DEK
}

type dataKey struct {
	plaintext  []byte
	ciphertext []byte
	keyID      string
}

func NewManager(cfg *config.Config, kmsClient *kms.Client) *Manager {
	return &Manager{
		kmsClient: kmsClient,
		config:    cfg,
	}
}

// EncryptDetails serializes and encrypts an event's detail map. Returns the
// ciphertext column value and the key id; both empty when details is empty.
func (m *Manager) EncryptDetails(ctx context.Context, details map[string]string) (string, string, error) {
	if len(details) == 0 {
		return "", "", nil
	}

	plaintext, err := json.Marshal(details)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	key, err := m.generateDataKey(ctx)
	if err != nil {
		return "", "", err
	}

	block, err := aes.NewCipher(key.plaintext)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)

	// The fresh DEK is deliberately not cached: every payload gets its own
	// key, so caching here would grow one entry per persisted event. The
	// cache fills on the decrypt path, where wrapped keys repeat.
	wrappedDEK := base64.StdEncoding.EncodeToString(key.ciphertext)

	// v1:<wrapped-dek>:<nonce+ciphertext>, all base64
	payload := "v1:" + wrappedDEK + ":" + base64.StdEncoding.EncodeToString(sealed)
	return payload, key.keyID, nil
}

// DecryptDetails reverses EncryptDetails.
func (m *Manager) DecryptDetails(ctx context.Context, payload string) (map[string]string, error) {
	if payload == "" {
		return nil, nil
	}

	parts := strings.SplitN(payload, ":", 3)
	if len(parts) != 3 || parts[0] != "v1" {
		return nil, fmt.Errorf("%w: malformed payload", ErrDecryptionFailed)
	}
	wrappedDEK, sealedB64 := parts[1], parts[2]

	plainDEK, err := m.unwrapDataKey(ctx, wrappedDEK)
	if err != nil {
		return nil, err
	}

	sealed, err := base64.StdEncoding.DecodeString(sealedB64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}

	block, err := aes.NewCipher(plainDEK)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	var details map[string]string
	if err := json.Unmarshal(plaintext, &details); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return details, nil
}

func (m *Manager) generateDataKey(ctx context.Context) (*dataKey, error) {
	if !m.config.KMS.Enabled {
		return m.generateLocalKey()
	}

	input := &kms.GenerateDataKeyInput{
		KeyId:   aws.String(m.config.KMS.KeyID),
		KeySpec: types.DataKeySpecAes256,
	}

	result, err := m.kmsClient.GenerateDataKey(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	return &dataKey{
		plaintext:  result.Plaintext,
		ciphertext: result.CiphertextBlob,
		keyID:      m.config.KMS.KeyID,
	}, nil
}

func (m *Manager) generateLocalKey() (*dataKey, error) {
	key := make([]byte, 32) // AES-256
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	// Development only: the "wrapped" key is just the key, base64 encoded
	return &dataKey{
		plaintext:  key,
		ciphertext: []byte(base64.StdEncoding.EncodeToString(key)),
		keyID:      "local-" + uuid.New().String(),
	}, nil
}

func (m *Manager) unwrapDataKey(ctx context.Context, wrappedDEK string) ([]byte, error) {
	if cached, ok := m.keyCache.Load(wrappedDEK); ok {
		return cached.([]byte), nil
	}

	blob, err := base64.StdEncoding.DecodeString(wrappedDEK)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid DEK format", ErrDecryptionFailed)
	}

	var plainDEK []byte
	if m.config.KMS.Enabled {
		result, err := m.kmsClient.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: blob})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to decrypt DEK: %v", ErrDecryptionFailed, err)
		}
		plainDEK = result.Plaintext
	} else {
		plainDEK, err = base64.StdEncoding.DecodeString(string(blob))
		if err != nil {
			return nil, fmt.Errorf("%w: invalid local DEK", ErrDecryptionFailed)
		}
	}

	m.keyCache.Store(wrappedDEK, plainDEK)
	return plainDEK, nil
}

// ClearCache drops all cached data keys.
func (m *Manager) ClearCache() {
	m.keyCache.Range(func(key, _ interface{}) bool {
		m.keyCache.Delete(key)
		return true
	})
}

// CacheSize returns the number of cached data keys.
func (m *Manager) CacheSize() int {
	count := 0
	m.keyCache.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}
