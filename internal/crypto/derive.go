// Package crypto implements the key derivation and authenticated-encryption
// primitives for the vault. Two derivation paths exist: a memory-hard
// Argon2id derivation that turns a master secret into the key-encryption key,
// and a PBKDF2-SHA256 derivation that turns the user master key into
// per-record keys under a stored, per-record iteration count.
package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"

	"southwinds.dev/citadel/internal/misc"
)

var (
	// ErrWeakParameters is returned when derivation inputs fall below the
	// enforced minimums (empty secret, short salt, low iteration count).
	ErrWeakParameters = errors.New("derivation parameters below minimum")
)

// Argon2Params holds the cost factors for the key-encryption-key derivation.
// They are persisted alongside the user record so that keys wrapped under
// older parameters can still be unwrapped after the policy default rises.
type Argon2Params struct {
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory"`
	Threads uint8  `json:"threads"`
}

// DefaultArgon2Params returns the current policy parameters.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{
		Time:    misc.ArgonTime,
		Memory:  misc.ArgonMemory,
		Threads: misc.ArgonThreads,
	}
}

// Validate checks that the parameters are usable.
func (p Argon2Params) Validate() error {
	if p.Time == 0 || p.Memory == 0 || p.Threads == 0 {
		return fmt.Errorf("%w: argon2 cost factors must be non-zero", ErrWeakParameters)
	}
	return nil
}

// Derive derives a 32-byte record key from secret material and a salt using
// PBKDF2-SHA256 with the given iteration count.
//
// The function is deterministic: identical inputs always produce the same
// key. The iteration count is a first-class, auditable parameter carried in
// every sealed envelope, not a constant, so records sealed under an older
// (weaker) count remain readable while new records use the current policy
// default.
//
// A zero-length secret or an iteration count below the enforced floor is
// rejected with ErrWeakParameters; there is no other error path.
func Derive(secret, salt []byte, iterations uint32) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty secret", ErrWeakParameters)
	}
	if iterations < misc.MinIterations {
		return nil, fmt.Errorf("%w: %d iterations, minimum is %d",
			ErrWeakParameters, iterations, misc.MinIterations)
	}
	return pbkdf2.Key(secret, salt, int(iterations), misc.KeyLen, sha256.New), nil
}

// DeriveKEK derives the key-encryption key from a master secret and salt
// using Argon2id and returns it in a locked buffer. The caller must destroy
// the buffer when done.
func DeriveKEK(secret []byte, saltEnclave *memguard.Enclave, params Argon2Params) (*memguard.LockedBuffer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty secret", ErrWeakParameters)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	saltBuffer, err := saltEnclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open salt enclave: %w", err)
	}
	defer saltBuffer.Destroy()

	// Copy the salt so the enclave buffer can be destroyed before the
	// derivation completes.
	saltBytes := make([]byte, len(saltBuffer.Bytes()))
	copy(saltBytes, saltBuffer.Bytes())
	defer memguard.WipeBytes(saltBytes)

	derived := argon2.IDKey(secret, saltBytes, params.Time, params.Memory, params.Threads, misc.ArgonKeyLen)

	// Protect the derived key immediately, then wipe the unprotected copy.
	protected := memguard.NewBufferFromBytes(derived)
	memguard.WipeBytes(derived)

	return protected, nil
}

// Checksum returns the SHA-256 digest of data as a hex string. Used for
// content versioning in the persistence layer.
func Checksum(data []byte) string {
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%x", hash[:])
}
