package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// envelopeVersion identifies the sealing scheme in byte 0 of a sealed
// value, so a future scheme change can coexist with old data during a
// rollout.
const envelopeVersion byte = 1

// sealer AEAD-encrypts refresh/access tokens at rest. There is no
// third-party AEAD wrapper in this project's dependency set; see
// DESIGN.md for why crypto/cipher.AEAD is used directly rather than
// treated as a gap.
type sealer struct {
	aead cipher.AEAD
}

func newSealer(key []byte) (*sealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("auth: encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	return &sealer{aead: aead}, nil
}

// seal produces version || nonce || ciphertext+tag.
func (s *sealer) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("auth: generating nonce: %w", err)
	}

	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+s.aead.Overhead())
	out = append(out, envelopeVersion)
	out = append(out, nonce...)
	out = s.aead.Seal(out, nonce, plaintext, nil)
	return out, nil
}

// open reverses seal. It returns an error for anything but the current
// envelope version — there is exactly one scheme to date.
func (s *sealer) open(sealed []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(sealed) < 1+nonceSize {
		return nil, errors.New("auth: sealed value too short")
	}
	if sealed[0] != envelopeVersion {
		return nil, fmt.Errorf("auth: unsupported envelope version %d", sealed[0])
	}
	nonce := sealed[1 : 1+nonceSize]
	ciphertext := sealed[1+nonceSize:]

	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("auth: decrypting sealed value: %w", err)
	}
	return plaintext, nil
}
