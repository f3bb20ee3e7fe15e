package security

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/argon2"

	"agentdock/internal/domain"
)

const (
	encPrefix = "enc:"
	saltSize  = 16
	keySize   = 32
)

// SecretCipher encrypts secret values at rest with AES-256-GCM. Every value
// carries its own salt; the key is derived from the passphrase with Argon2id.
// Sealed format: "enc:" + base64(salt | nonce | ciphertext).
type SecretCipher struct {
	mu         sync.RWMutex
	passphrase []byte
	zeroized   bool
	keys       *lru.Cache[string, []byte] // salt -> derived key
}

var _ domain.SecretCipher = (*SecretCipher)(nil)

// NewSecretCipher creates a cipher from a passphrase.
func NewSecretCipher(passphrase string) (*SecretCipher, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase must not be empty")
	}
	keys, err := lru.NewWithEvict[string, []byte](256, func(_ string, k []byte) { clear(k) })
	if err != nil {
		return nil, fmt.Errorf("key cache: %w", err)
	}
	return &SecretCipher{passphrase: []byte(passphrase), keys: keys}, nil
}

// Encrypt seals plaintext with a fresh salt and nonce.
func (c *SecretCipher) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	gcm, err := c.aead(salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(salt)
	buf.Write(gcm.Seal(nonce, nonce, []byte(plaintext), nil))
	return encPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decrypt opens a sealed value. Values without the "enc:" prefix are
// returned unchanged.
func (c *SecretCipher) Decrypt(sealed string) (string, error) {
	if !IsEncrypted(sealed) {
		return sealed, nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, encPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: base64 decode: %v", domain.ErrDecryption, err)
	}
	if len(data) < saltSize {
		return "", fmt.Errorf("%w: ciphertext too short", domain.ErrDecryption)
	}

	gcm, err := c.aead(data[:saltSize])
	if err != nil {
		return "", err
	}
	data = data[saltSize:]
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("%w: ciphertext too short", domain.ErrDecryption)
	}
	plaintext, err := gcm.Open(nil, data[:gcm.NonceSize()], data[gcm.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}
	return string(plaintext), nil
}

// Zeroize clears the passphrase and cached keys. Call on shutdown.
func (c *SecretCipher) Zeroize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.passphrase)
	c.zeroized = true
	c.keys.Purge()
}

// IsEncrypted reports whether s is a sealed value.
func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, encPrefix)
}

func (c *SecretCipher) aead(salt []byte) (cipher.AEAD, error) {
	key, err := c.key(salt)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

func (c *SecretCipher) key(salt []byte) ([]byte, error) {
	if k, ok := c.keys.Get(string(salt)); ok {
		return k, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.zeroized {
		return nil, fmt.Errorf("%w: cipher zeroized", domain.ErrEncryption)
	}
	k := argon2.IDKey(c.passphrase, salt, 1, 64*1024, 4, keySize)
	c.keys.Add(string(salt), k)
	return k, nil
}
