package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/box"
)

const boxNonceSize = 24

// GenerateBoxKeyPair returns a fresh Curve25519 keypair for NaCl box.
func GenerateBoxKeyPair() (pub, priv *[32]byte, err error) {
	return box.GenerateKey(rand.Reader)
}

// WrapKey seals key for the holder of peer's private key, authenticated by
// priv. The result is base64(nonce || box).
func WrapKey(key []byte, peer, priv *[32]byte) (string, error) {
	var nonce [boxNonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	out := box.Seal(nonce[:], key, &nonce, peer, priv)
	return B64(out), nil
}

// UnwrapKey reverses WrapKey. peer is the sender's public key, priv the
// recipient's private key.
func UnwrapKey(wrapped string, peer, priv *[32]byte) ([]byte, error) {
	raw, err := unB64(wrapped)
	if err != nil {
		return nil, fmt.Errorf("decode wrapped key: %w", err)
	}
	if len(raw) < boxNonceSize+box.Overhead {
		return nil, errors.New("wrapped key too short")
	}
	var nonce [boxNonceSize]byte
	copy(nonce[:], raw[:boxNonceSize])
	key, ok := box.Open(nil, raw[boxNonceSize:], &nonce, peer, priv)
	if !ok {
		return nil, errors.New("wrapped key failed authentication")
	}
	return key, nil
}
