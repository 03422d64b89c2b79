package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// sealedPrefix marks a value written by PHIEncryptor. Values without it are
// returned as stored, so rows written before a key was configured stay
// readable.
const sealedPrefix = "enc:"

// FieldCipher encrypts single PHI column values at rest.
type FieldCipher interface {
	Seal(plaintext string) (string, error)
	Open(stored string) (string, error)
}

// PlainCipher stores values unchanged.
type PlainCipher struct{}

func (PlainCipher) Seal(plaintext string) (string, error) { return plaintext, nil }
func (PlainCipher) Open(stored string) (string, error)    { return stored, nil }

// PHIEncryptor provides AES-256-GCM field-level encryption.
type PHIEncryptor struct {
	aead cipher.AEAD
}

// NewPHIEncryptor creates a new PHIEncryptor with the given 32-byte AES-256 key.
func NewPHIEncryptor(key []byte) (*PHIEncryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("phi encryptor: key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("phi encryptor: create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("phi encryptor: create GCM: %w", err)
	}

	return &PHIEncryptor{aead: aead}, nil
}

// NewFieldCipher builds the cipher from a hex-encoded key. An empty key
// disables encryption with a warning.
func NewFieldCipher(hexKey string, logger zerolog.Logger) (FieldCipher, error) {
	if hexKey == "" {
		logger.Warn().Msg("PHI field encryption disabled: PHI_ENCRYPTION_KEY is not set")
		return PlainCipher{}, nil
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("PHI_ENCRYPTION_KEY is not valid hex: %w", err)
	}
	return NewPHIEncryptor(key)
}

// Seal encrypts plaintext and returns the prefixed base64 of nonce+ciphertext.
// The empty string is stored as is.
func (e *PHIEncryptor) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("phi encrypt: generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. Unprefixed values pass through.
func (e *PHIEncryptor) Open(stored string) (string, error) {
	encoded, ok := strings.CutPrefix(stored, sealedPrefix)
	if !ok {
		return stored, nil
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("phi decrypt: base64 decode: %w", err)
	}

	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("phi decrypt: ciphertext too short")
	}
	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("phi decrypt: %w", err)
	}
	return string(plaintext), nil
}
