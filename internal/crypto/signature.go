package crypto

import "crypto/ed25519"

// Sign signs msg with priv and returns the base64 signature.
func Sign(priv ed25519.PrivateKey, msg []byte) string {
	return B64(ed25519.Sign(priv, msg))
}

// Verify checks a base64 signature over msg. Malformed signatures do not
// verify.
func Verify(pub ed25519.PublicKey, msg []byte, sig string) bool {
	raw, err := unB64(sig)
	if err != nil || len(raw) != ed25519.SignatureSize || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, raw)
}
