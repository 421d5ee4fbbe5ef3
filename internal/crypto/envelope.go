package crypto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"southwinds.dev/citadel/internal/misc"
)

var (
	// ErrDecryptionFailed is returned for every authentication failure
	// during Open. A wrong key and a tampered ciphertext are deliberately
	// indistinguishable: same error value, same code path.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrUnsupportedFormat is returned when an envelope carries a format
	// version this build does not understand. No fallback decryption is
	// attempted.
	ErrUnsupportedFormat = errors.New("unsupported envelope format version")

	// ErrMalformedEnvelope is returned when envelope bytes cannot be parsed.
	ErrMalformedEnvelope = errors.New("malformed envelope")
)

// Envelope is the versioned, self-describing container for one encrypted
// secret. It carries everything needed to decrypt except the key material:
// the format version, the PBKDF2 iteration count the record key was derived
// under (zero when the key was derived externally, e.g. the wrapped user
// master key), the nonce and the ciphertext with its appended Poly1305 tag.
//
// Binary layout (version 1):
//
//	[1 byte:  format version]
//	[4 bytes: KDF iteration count (big-endian)]
//	[12 bytes: nonce]
//	[N bytes: ciphertext + 16-byte authentication tag]
//
// The version and iteration bytes are bound to the ciphertext as AEAD
// associated data, so the whole envelope is covered by the tag.
type Envelope struct {
	Version    byte
	Iterations uint32
	Nonce      []byte
	Ciphertext []byte
}

const envelopeHeaderLen = 1 + 4 + chacha20poly1305.NonceSize

// additionalData returns the version byte and iteration count in wire order.
// Seal and Open bind them to the ciphertext as AEAD associated data, so a
// flipped header bit fails authentication even though the header itself is
// stored in the clear.
func additionalData(version byte, iterations uint32) []byte {
	aad := make([]byte, 5)
	aad[0] = version
	binary.BigEndian.PutUint32(aad[1:5], iterations)
	return aad
}

// Seal encrypts plaintext with ChaCha20-Poly1305 under key, drawing a fresh
// nonce from rnd for every call. Nonces are never reused: each Seal generates
// new randomness, and callers generate a new salt per record mutation.
//
// The iterations argument records the PBKDF2 cost the key was derived under
// so that Open-side callers can re-derive it; it does not affect the
// encryption itself.
func Seal(plaintext, key []byte, iterations uint32, rnd io.Reader) (*Envelope, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrWeakParameters)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err = io.ReadFull(rnd, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	aad := additionalData(misc.EnvelopeVersion1, iterations)
	return &Envelope{
		Version:    misc.EnvelopeVersion1,
		Iterations: iterations,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, aad),
	}, nil
}

// Open authenticates and decrypts the envelope with key.
//
// Open fails closed: any bit flip in the header, nonce, ciphertext or tag,
// and any wrong key, yield ErrDecryptionFailed with no partial plaintext.
// Unknown format versions are rejected up front with ErrUnsupportedFormat.
func Open(env *Envelope, key []byte) ([]byte, error) {
	if env.Version != misc.EnvelopeVersion1 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedFormat, env.Version)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, additionalData(env.Version, env.Iterations))
	if err != nil {
		// Deliberately collapse all authentication failures into one
		// error value so callers cannot build a decryption oracle.
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Marshal serializes the envelope into its binary form.
func (e *Envelope) Marshal() []byte {
	out := make([]byte, envelopeHeaderLen+len(e.Ciphertext))
	out[0] = e.Version
	binary.BigEndian.PutUint32(out[1:5], e.Iterations)
	copy(out[5:5+chacha20poly1305.NonceSize], e.Nonce)
	copy(out[envelopeHeaderLen:], e.Ciphertext)
	return out
}

// ParseEnvelope deserializes envelope bytes.
//
// Version dispatch happens here: bytes with an unknown version byte are
// rejected with ErrUnsupportedFormat rather than parsed on a guess, since a
// future version may change the header layout.
func ParseEnvelope(data []byte) (*Envelope, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty data", ErrMalformedEnvelope)
	}
	if data[0] != misc.EnvelopeVersion1 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedFormat, data[0])
	}
	// Minimum: header plus the AEAD overhead of an empty plaintext.
	if len(data) < envelopeHeaderLen+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedEnvelope, len(data))
	}
	env := &Envelope{
		Version:    data[0],
		Iterations: binary.BigEndian.Uint32(data[1:5]),
		Nonce:      make([]byte, chacha20poly1305.NonceSize),
		Ciphertext: make([]byte, len(data)-envelopeHeaderLen),
	}
	copy(env.Nonce, data[5:envelopeHeaderLen])
	copy(env.Ciphertext, data[envelopeHeaderLen:])
	return env, nil
}
