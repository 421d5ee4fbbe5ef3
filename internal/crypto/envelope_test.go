package crypto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"testing"

	"southwinds.dev/citadel/internal/misc"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, misc.KeyLen)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := testKey(t)

	testCases := [][]byte{
		[]byte("p1"),
		[]byte("Special chars: !@#$%^&*()_+{}|"),
		[]byte("Unicode: こんにちは"),
		bytes.Repeat([]byte("long "), 3000),
	}

	for i, tc := range testCases {
		t.Run(fmt.Sprintf("Case_%d", i), func(t *testing.T) {
			env, err := Seal(tc, key, misc.DefaultIterations, rand.Reader)
			if err != nil {
				t.Fatalf("Failed to seal: %v", err)
			}
			if env.Version != misc.EnvelopeVersion1 {
				t.Errorf("Expected version %d, got %d", misc.EnvelopeVersion1, env.Version)
			}
			if env.Iterations != misc.DefaultIterations {
				t.Errorf("Expected iterations %d, got %d", misc.DefaultIterations, env.Iterations)
			}
			if bytes.Contains(env.Ciphertext, tc) {
				t.Error("Ciphertext contains plaintext")
			}

			parsed, err := ParseEnvelope(env.Marshal())
			if err != nil {
				t.Fatalf("Failed to parse envelope: %v", err)
			}
			plaintext, err := Open(parsed, key)
			if err != nil {
				t.Fatalf("Failed to open: %v", err)
			}
			if !bytes.Equal(plaintext, tc) {
				t.Errorf("Decrypted text doesn't match original.\nExpected: %q\nGot: %q", tc, plaintext)
			}
		})
	}
}

func TestSealGeneratesFreshNonce(t *testing.T) {
	key := testKey(t)
	plaintext := []byte("same input")

	first, err := Seal(plaintext, key, misc.DefaultIterations, rand.Reader)
	if err != nil {
		t.Fatalf("Failed to seal: %v", err)
	}
	second, err := Seal(plaintext, key, misc.DefaultIterations, rand.Reader)
	if err != nil {
		t.Fatalf("Failed to seal: %v", err)
	}

	if bytes.Equal(first.Nonce, second.Nonce) {
		t.Error("Nonce reused across Seal calls")
	}
	if bytes.Equal(first.Ciphertext, second.Ciphertext) {
		t.Error("Identical ciphertext for two seals of the same plaintext")
	}
}

func TestOpenWrongKey(t *testing.T) {
	key := testKey(t)
	env, err := Seal([]byte("classified"), key, misc.DefaultIterations, rand.Reader)
	if err != nil {
		t.Fatalf("Failed to seal: %v", err)
	}

	if _, err = Open(env, testKey(t)); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Expected ErrDecryptionFailed, got %v", err)
	}
}

func TestOpenDetectsTampering(t *testing.T) {
	key := testKey(t)
	env, err := Seal([]byte("classified material"), key, misc.DefaultIterations, rand.Reader)
	if err != nil {
		t.Fatalf("Failed to seal: %v", err)
	}
	marshaled := env.Marshal()

	// flip one bit at every position past the version byte; every single
	// flip must fail and must fail identically. The iteration bytes are
	// covered too: the header rides along as AEAD associated data.
	for i := 1; i < len(marshaled); i++ {
		tampered := append([]byte(nil), marshaled...)
		tampered[i] ^= 0x01

		parsed, parseErr := ParseEnvelope(tampered)
		if parseErr != nil {
			t.Fatalf("Position %d: unexpected parse failure: %v", i, parseErr)
		}
		if _, openErr := Open(parsed, key); !errors.Is(openErr, ErrDecryptionFailed) {
			t.Errorf("Position %d: expected ErrDecryptionFailed, got %v", i, openErr)
		}
	}
}

func TestOpenUnsupportedVersion(t *testing.T) {
	key := testKey(t)
	env, err := Seal([]byte("classified"), key, misc.DefaultIterations, rand.Reader)
	if err != nil {
		t.Fatalf("Failed to seal: %v", err)
	}

	env.Version = 2
	if _, err = Open(env, key); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("Expected ErrUnsupportedFormat, got %v", err)
	}

	marshaled := env.Marshal()
	if _, err = ParseEnvelope(marshaled); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("Expected ErrUnsupportedFormat from parse, got %v", err)
	}
}

func TestParseEnvelopeMalformed(t *testing.T) {
	if _, err := ParseEnvelope(nil); !errors.Is(err, ErrMalformedEnvelope) {
		t.Errorf("Expected ErrMalformedEnvelope for empty data, got %v", err)
	}
	short := []byte{misc.EnvelopeVersion1, 0, 0, 0, 1, 9, 9}
	if _, err := ParseEnvelope(short); !errors.Is(err, ErrMalformedEnvelope) {
		t.Errorf("Expected ErrMalformedEnvelope for truncated data, got %v", err)
	}
}

func TestSealRejectsEmptyPlaintext(t *testing.T) {
	if _, err := Seal(nil, testKey(t), misc.DefaultIterations, rand.Reader); !errors.Is(err, ErrWeakParameters) {
		t.Errorf("Expected ErrWeakParameters, got %v", err)
	}
}
