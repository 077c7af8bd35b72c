// Package keys owns the relay's long-lived box keypair.
package keys

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pliu/wala/internal/crypto"
)

// KeyPair is one generation of the relay keypair.
type KeyPair struct {
	Public    *[32]byte
	Private   *[32]byte
	CreatedAt time.Time
}

// PublicKey returns the base64 public key as announced to clients.
func (kp KeyPair) PublicKey() string {
	return crypto.B64(kp.Public[:])
}

func (kp KeyPair) Fingerprint() string {
	return crypto.Fingerprint(kp.Public[:])
}

type generateFunc func() (pub, priv *[32]byte, err error)

// Authority holds the current relay keypair. Rotate replaces it; a failed
// rotation leaves the previous keypair active.
type Authority struct {
	mu       sync.RWMutex
	current  KeyPair
	generate generateFunc
	log      zerolog.Logger
}

// NewAuthority generates the initial keypair. An error here must stop
// startup: the relay never runs keyless.
func NewAuthority(log zerolog.Logger) (*Authority, error) {
	return newAuthority(log, crypto.GenerateBoxKeyPair)
}

func newAuthority(log zerolog.Logger, gen generateFunc) (*Authority, error) {
	pub, priv, err := gen()
	if err != nil {
		return nil, fmt.Errorf("generate relay keypair: %w", err)
	}
	a := &Authority{
		current:  KeyPair{Public: pub, Private: priv, CreatedAt: time.Now()},
		generate: gen,
		log:      log.With().Str("component", "key-authority").Logger(),
	}
	a.log.Info().Str("fingerprint", a.current.Fingerprint()).Msg("relay keypair generated")
	return a, nil
}

func (a *Authority) Current() KeyPair {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}

func (a *Authority) CurrentPublicKey() string {
	return a.Current().PublicKey()
}

// Rotate generates a new keypair and discards the old one. Session keys
// already issued are independent of the relay keypair and stay valid.
func (a *Authority) Rotate() (KeyPair, error) {
	pub, priv, err := a.generate()
	if err != nil {
		a.log.Error().Err(err).
			Str("fingerprint", a.Current().Fingerprint()).
			Msg("key rotation failed, keeping previous keypair")
		return a.Current(), fmt.Errorf("rotate relay keypair: %w", err)
	}

	a.mu.Lock()
	old := a.current
	a.current = KeyPair{Public: pub, Private: priv, CreatedAt: time.Now()}
	next := a.current
	a.mu.Unlock()

	crypto.Wipe(old.Private[:])
	a.log.Info().
		Str("previous", old.Fingerprint()).
		Str("fingerprint", next.Fingerprint()).
		Msg("relay keypair rotated")
	return next, nil
}
