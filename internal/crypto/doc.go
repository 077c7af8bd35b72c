// Package crypto exposes the primitives the relay needs.
//
// Contents
//
//   - Curve25519 box keypairs for the relay and session-key wrapping
//     (GenerateBoxKeyPair, WrapKey, UnwrapKey)
//   - Per-user symmetric session keys and the message cipher
//     (NewSessionKey, Seal, Open)
//   - Ed25519 message signatures (Sign, Verify)
//   - The client key bundle codec (ParseClientKey, EncodeClientKey)
//   - Short public-key fingerprints for logs (Fingerprint) and best-effort
//     wiping of key material (Wipe)
//
// All wire encodings are standard base64.
package crypto
