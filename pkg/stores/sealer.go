package stores

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

const (
	nonceSize = 24
	keySize   = 32
	saltSize  = 16

	// scrypt cost parameters for deriving the sealing key.
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// ErrSealed is returned when sealed data cannot be opened with the
// configured passphrase.
var ErrSealed = errors.New("sealed data cannot be opened with this passphrase")

// Sealer encrypts secret values at rest with NaCl secretbox.
type Sealer struct {
	key [keySize]byte
}

// NewSealer derives a sealing key from a passphrase and salt.
func NewSealer(passphrase string, salt []byte) (*Sealer, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase is required")
	}
	if len(salt) < saltSize {
		return nil, fmt.Errorf("salt must be at least %d bytes", saltSize)
	}

	derived, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	s := &Sealer{}
	copy(s.key[:], derived)
	return s, nil
}

// NewSalt returns a fresh random salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey returns a 32 byte key for purpose, derived from the sealing key
// with HKDF-SHA256. The sealing key itself is never handed out.
func (s *Sealer) DeriveKey(purpose string) ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, s.key[:], nil, []byte(purpose)), key); err != nil {
		return nil, fmt.Errorf("failed to derive %s key: %w", purpose, err)
	}
	return key, nil
}

// Seal encrypts plaintext. The nonce is prepended to the result.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &s.key), nil
}

// Open decrypts data produced by Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, ErrSealed
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	plaintext, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, ErrSealed
	}
	return plaintext, nil
}

// SealJSON marshals v and seals the result.
func (s *Sealer) SealJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal secret: %w", err)
	}
	return s.Seal(data)
}

// OpenJSON opens sealed data and unmarshals it into v.
func (s *Sealer) OpenJSON(sealed []byte, v any) error {
	data, err := s.Open(sealed)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal secret: %w", err)
	}
	return nil
}
