package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
)

// Sealer encrypts access tokens for storage. Tokens in the catalog are
// always sealed; the plaintext travels only in API responses.
type Sealer struct {
	key []byte // 32 bytes for AES-256
}

// NewSealer creates a sealer with the given encryption key.
// The key must be 32 bytes for AES-256-GCM.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("sealing key must be 32 bytes for AES-256, got %d", len(key))
	}
	return &Sealer{key: key}, nil
}

// NewSealerFromKey derives the sealing key from the admin API key with
// SHA-256. The same CONTROLLER_API_KEY therefore unlocks the same
// catalog across restarts.
func NewSealerFromKey(apiKey string) (*Sealer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("sealing key source cannot be empty")
	}
	hash := sha256.Sum256([]byte(apiKey))
	return NewSealer(hash[:])
}

// Seal encrypts a token using AES-256-GCM and returns the nonce and
// ciphertext as one base64 string.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", fmt.Errorf("cannot seal empty token")
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts a token sealed with Seal.
func (s *Sealer) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", fmt.Errorf("cannot open empty token")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("failed to decode sealed token: %w", err)
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("sealed token too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt token: %w", err)
	}

	return string(plaintext), nil
}
