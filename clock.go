package citadel

import (
	"crypto/rand"
	"io"
	"time"
)

// Clock supplies the current time. All TTL decisions (session expiry,
// view-permission expiry, lockout cooldown) read this single source, never
// caller-supplied timestamps. Injectable for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }

// SecureRandom is the sole source of salts, nonces and session/record
// identifiers. Injectable for deterministic tests.
type SecureRandom interface {
	Bytes(n int) ([]byte, error)
}

type cryptoRandom struct{}

func (cryptoRandom) Bytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// CryptoRandom returns a SecureRandom backed by crypto/rand.
func CryptoRandom() SecureRandom { return cryptoRandom{} }

// randReader adapts a SecureRandom to io.Reader for the envelope sealer.
type randReader struct {
	src SecureRandom
}

func (r randReader) Read(p []byte) (int, error) {
	b, err := r.src.Bytes(len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, b), nil
}

var _ io.Reader = randReader{}
