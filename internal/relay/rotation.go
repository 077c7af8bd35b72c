package relay

import (
	"context"
	"time"
)

// DefaultRotationInterval is how often the relay keypair is replaced.
const DefaultRotationInterval = 30 * time.Minute

// RotateKeys swaps the relay keypair and announces the new public key to
// every open connection. On failure the previous keypair stays active and
// nothing is announced.
func (e *Engine) RotateKeys() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	kp, err := e.keys.Rotate()
	if err != nil {
		e.metrics.KeyRotated(false)
		return err
	}
	e.metrics.KeyRotated(true)

	announce := e.announcement(kp)
	for _, c := range e.conns {
		e.send(c.conn, announce)
	}
	e.log.Info().Str("fingerprint", announce.Fingerprint).Int("connections", len(e.conns)).Msg("announced rotated relay key")
	return nil
}

// RunKeyRotation rotates the relay keypair every interval until ctx is done.
func (e *Engine) RunKeyRotation(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("key rotation stopped")
			return
		case <-ticker.C:
			if err := e.RotateKeys(); err != nil {
				e.log.Error().Err(err).Msg("scheduled key rotation failed")
			}
		}
	}
}
