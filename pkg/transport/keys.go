package transport

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeySize is the length of Curve25519 static keys on both sides of the
// channel.
const KeySize = 32

// PublicKey is a peer's static Noise public key.
type PublicKey [KeySize]byte

// PrivateKey is a static Noise private key.
type PrivateKey [KeySize]byte

func (k PublicKey) String() string {
	return hex.EncodeToString(k[:])
}

// PublicKeyFromHex parses the 64-char hex encoding of a public key.
func PublicKeyFromHex(s string) (PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("invalid hex: %s", err)
	}
	if len(raw) != KeySize {
		return PublicKey{}, fmt.Errorf("expected %d bytes, got %d", KeySize, len(raw))
	}
	var key PublicKey
	copy(key[:], raw)
	return key, nil
}

// PublicKey derives the Curve25519 public key of a private key.
func (k PrivateKey) PublicKey() (PublicKey, error) {
	raw, err := curve25519.X25519(k[:], curve25519.Basepoint)
	if err != nil {
		return PublicKey{}, fmt.Errorf("failed to derive public key: %w", err)
	}
	var pub PublicKey
	copy(pub[:], raw)
	return pub, nil
}

// GenerateKey creates a new random private key.
func GenerateKey() (PrivateKey, error) {
	var key PrivateKey
	if _, err := rand.Read(key[:]); err != nil {
		return PrivateKey{}, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}
