package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrSealedSecret is returned when a sealed secret cannot be opened
var ErrSealedSecret = errors.New("sealed secret is corrupt or was sealed with another key")

// Sealer encrypts device secrets at rest with XChaCha20-Poly1305.
// The serial number is bound as additional data so a sealed secret cannot be
// moved to another device row.
type Sealer struct {
	key []byte
}

// NewSealer creates a sealer from a hex encoded 32 byte key
func NewSealer(hexKey string) (*Sealer, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode sealing key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("sealing key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Sealer{key: key}, nil
}

// NewRandomSealer creates a sealer with a throwaway key
func NewRandomSealer() (*Sealer, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return &Sealer{key: key}, nil
}

// Seal encrypts secret for serial; output is nonce followed by ciphertext
func (s *Sealer) Seal(serial, secret string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(secret)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, []byte(secret), []byte(serial)), nil
}

// Open decrypts a sealed secret for serial
func (s *Sealer) Open(serial string, sealed []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return "", ErrSealedSecret
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(serial))
	if err != nil {
		return "", ErrSealedSecret
	}
	return string(plain), nil
}
