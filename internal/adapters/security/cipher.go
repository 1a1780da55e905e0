package security

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
)

const sealVersion byte = 1

// FeatureCipher seals feature data with XChaCha20-Poly1305. The template id
// is the associated data. Layout: version | nonce | ciphertext+tag.
type FeatureCipher struct {
	key []byte
}

// NewFeatureCipher accepts a base64 encoded 32-byte key.
func NewFeatureCipher(encodedKey string) (*FeatureCipher, error) {
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("decode feature key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("feature key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &FeatureCipher{key: key}, nil
}

// NewEphemeralFeatureCipher generates a random key. Templates sealed with it
// are unreadable after restart.
func NewEphemeralFeatureCipher() (*FeatureCipher, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return &FeatureCipher{key: key}, nil
}

func (c *FeatureCipher) Seal(templateID uuid.UUID, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), 1+aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := append([]byte{sealVersion}, nonce...)
	return aead.Seal(out, nonce, plaintext, templateID[:]), nil
}

func (c *FeatureCipher) Open(templateID uuid.UUID, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < 1+aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("sealed feature data too short")
	}
	if sealed[0] != sealVersion {
		return nil, fmt.Errorf("unknown seal version %d", sealed[0])
	}
	nonce := sealed[1 : 1+aead.NonceSize()]
	plaintext, err := aead.Open(nil, nonce, sealed[1+aead.NonceSize():], templateID[:])
	if err != nil {
		return nil, fmt.Errorf("open feature data: %w", err)
	}
	return plaintext, nil
}
