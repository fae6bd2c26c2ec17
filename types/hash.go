package types

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HashSize is the expected size of a hash in bytes
const HashSize = 32

// SignatureSize is the expected size of a signature in bytes
const SignatureSize = ed25519.SignatureSize

// PublicKeySize is the expected size of a public key in bytes
const PublicKeySize = ed25519.PublicKeySize

// Hash is a SHA-256 digest identifying a proposal or a message.
type Hash [HashSize]byte

// PublicKey is a validator's committee key.
type PublicKey []byte

// NewHash creates a Hash from bytes, returning error if invalid.
// Use for untrusted input (network, files).
func NewHash(data []byte) (Hash, error) {
	var h Hash
	if len(data) != HashSize {
		return h, fmt.Errorf("hash must be %d bytes, got %d", HashSize, len(data))
	}
	copy(h[:], data)
	return h, nil
}

// MustNewHash creates a Hash, panicking if invalid.
// Use only for trusted internal data.
func MustNewHash(data []byte) Hash {
	h, err := NewHash(data)
	if err != nil {
		panic(err)
	}
	return h
}

// HashBytes computes SHA-256 hash of data
func HashBytes(data []byte) Hash {
	return Hash(sha256.Sum256(data))
}

// IsZero returns true if every byte of the hash is zero
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Bytes returns a copy of the hash as a slice
func (h Hash) Bytes() []byte {
	b := make([]byte, HashSize)
	copy(b, h[:])
	return b
}

// String returns the hex-encoded hash
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns the first 8 hex characters, for logs
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:4])
}

// NewPublicKey creates a PublicKey from bytes, returning error if invalid.
// Copies input data to prevent the caller from modifying internal state.
func NewPublicKey(data []byte) (PublicKey, error) {
	if len(data) != PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", PublicKeySize, len(data))
	}
	copied := make([]byte, PublicKeySize)
	copy(copied, data)
	return PublicKey(copied), nil
}

// MustNewPublicKey creates a PublicKey, panicking if invalid.
func MustNewPublicKey(data []byte) PublicKey {
	p, err := NewPublicKey(data)
	if err != nil {
		panic(err)
	}
	return p
}

// Equal compares two public keys
func (pk PublicKey) Equal(other PublicKey) bool {
	return bytes.Equal(pk, other)
}

// Compare orders public keys by their raw bytes
func (pk PublicKey) Compare(other PublicKey) int {
	return bytes.Compare(pk, other)
}

// String returns the hex-encoded key
func (pk PublicKey) String() string {
	return hex.EncodeToString(pk)
}
