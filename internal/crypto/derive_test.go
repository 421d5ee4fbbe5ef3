package crypto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/awnumar/memguard"

	"southwinds.dev/citadel/internal/misc"
)

func TestDeriveDeterministic(t *testing.T) {
	secret := []byte("master key material")
	salt := []byte("0123456789abcdef")

	first, err := Derive(secret, salt, misc.MinIterations)
	if err != nil {
		t.Fatalf("Failed to derive key: %v", err)
	}
	second, err := Derive(secret, salt, misc.MinIterations)
	if err != nil {
		t.Fatalf("Failed to derive key: %v", err)
	}

	if len(first) != misc.KeyLen {
		t.Errorf("Expected %d-byte key, got %d", misc.KeyLen, len(first))
	}
	if !bytes.Equal(first, second) {
		t.Error("Same inputs produced different keys")
	}
}

func TestDeriveInputsChangeKey(t *testing.T) {
	secret := []byte("master key material")
	salt := []byte("0123456789abcdef")

	base, err := Derive(secret, salt, misc.MinIterations)
	if err != nil {
		t.Fatalf("Failed to derive key: %v", err)
	}

	otherSalt, err := Derive(secret, []byte("fedcba9876543210"), misc.MinIterations)
	if err != nil {
		t.Fatalf("Failed to derive key: %v", err)
	}
	if bytes.Equal(base, otherSalt) {
		t.Error("Different salts produced the same key")
	}

	otherIterations, err := Derive(secret, salt, misc.MinIterations+1)
	if err != nil {
		t.Fatalf("Failed to derive key: %v", err)
	}
	if bytes.Equal(base, otherIterations) {
		t.Error("Different iteration counts produced the same key")
	}
}

func TestDeriveRejectsWeakParameters(t *testing.T) {
	salt := []byte("0123456789abcdef")

	if _, err := Derive(nil, salt, misc.MinIterations); !errors.Is(err, ErrWeakParameters) {
		t.Errorf("Expected ErrWeakParameters for empty secret, got %v", err)
	}
	if _, err := Derive([]byte("secret"), salt, misc.MinIterations-1); !errors.Is(err, ErrWeakParameters) {
		t.Errorf("Expected ErrWeakParameters for low iteration count, got %v", err)
	}
}

func TestDeriveKEK(t *testing.T) {
	secret := []byte("correct horse battery staple")
	salt := memguard.NewEnclave([]byte("0123456789abcdef"))
	params := Argon2Params{Time: 1, Memory: 8 * 1024, Threads: 1}

	first, err := DeriveKEK(secret, salt, params)
	if err != nil {
		t.Fatalf("Failed to derive KEK: %v", err)
	}
	defer first.Destroy()

	salt2 := memguard.NewEnclave([]byte("0123456789abcdef"))
	second, err := DeriveKEK(secret, salt2, params)
	if err != nil {
		t.Fatalf("Failed to derive KEK: %v", err)
	}
	defer second.Destroy()

	if !bytes.Equal(first.Bytes(), second.Bytes()) {
		t.Error("Same inputs produced different KEKs")
	}

	if _, err = DeriveKEK(secret, memguard.NewEnclave([]byte("salt")), Argon2Params{}); !errors.Is(err, ErrWeakParameters) {
		t.Errorf("Expected ErrWeakParameters for zero cost factors, got %v", err)
	}
}
