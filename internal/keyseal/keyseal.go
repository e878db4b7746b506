// Package keyseal encrypts custodial signer keys before they are written
// to durable storage (NaCl secretbox: XSalsa20-Poly1305).
package keyseal

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// KeySize is the sealing key size in bytes.
	KeySize   = 32
	nonceSize = 24
)

var (
	ErrInvalidKey = errors.New("keyseal: key must be 32 bytes (64 hex chars)")
	ErrOpen       = errors.New("keyseal: sealed data is corrupt or was sealed with another key")
)

// Sealer seals and opens small secrets with a fixed symmetric key.
type Sealer struct {
	key [KeySize]byte
}

// New creates a Sealer from a raw 32-byte key.
func New(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	s := &Sealer{}
	copy(s.key[:], key)
	return s, nil
}

// FromHex creates a Sealer from a hex-encoded key (with or without 0x).
func FromHex(h string) (*Sealer, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(h), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return New(raw)
}

// Seal returns nonce || secretbox(plaintext).
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("keyseal: nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &s.key), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, ErrOpen
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	out, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, ErrOpen
	}
	return out, nil
}
