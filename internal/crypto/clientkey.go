package crypto

import (
	"crypto/ed25519"
	"fmt"
)

// ClientKey is the key bundle a client presents at registration: a box key
// the relay wraps the session key for, and the key its signatures verify
// under.
type ClientKey struct {
	BoxKey    [32]byte
	VerifyKey ed25519.PublicKey
}

// EncodeClientKey returns base64(boxKey || verifyKey).
func EncodeClientKey(boxKey *[32]byte, verifyKey ed25519.PublicKey) string {
	raw := make([]byte, 0, 32+ed25519.PublicKeySize)
	raw = append(raw, boxKey[:]...)
	raw = append(raw, verifyKey...)
	return B64(raw)
}

// ParseClientKey decodes a bundle produced by EncodeClientKey.
func ParseClientKey(s string) (ClientKey, error) {
	var ck ClientKey
	raw, err := unB64(s)
	if err != nil {
		return ck, fmt.Errorf("decode client key: %w", err)
	}
	if len(raw) != 32+ed25519.PublicKeySize {
		return ck, fmt.Errorf("client key has %d bytes, want %d", len(raw), 32+ed25519.PublicKeySize)
	}
	copy(ck.BoxKey[:], raw[:32])
	ck.VerifyKey = ed25519.PublicKey(append([]byte(nil), raw[32:]...))
	return ck, nil
}
