// Package persist defines the storage collaborator for the vault core and
// its built-in implementations. The vault treats storage as an opaque
// record store reached through this narrow interface: CRUD by id, atomic
// per key, with optimistic versioning. Everything the vault hands to a
// Store is already encrypted or non-sensitive; no plaintext secret ever
// crosses this boundary.
package persist

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when the requested key does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an expected version does not match the
	// stored version (concurrent modification).
	ErrConflict = errors.New("version conflict")
)

// UserRecord is the persisted state for one vault user.
//
// CredentialHash is a bcrypt hash of the master secret; bcrypt embeds its
// own random salt and cost factor, so the hash is self-describing and
// immutable after creation. WrappedKey is the user master key sealed under
// a key-encryption key derived from the master secret with the Argon2
// parameters stored alongside, so keys wrapped under older parameters can
// still be unwrapped after the policy default rises.
type UserRecord struct {
	ID             string     `json:"id"`
	CredentialHash []byte     `json:"credential_hash"`
	KeySalt        []byte     `json:"key_salt"`
	WrappedKey     []byte     `json:"wrapped_key"`
	KDFTime        uint32     `json:"kdf_time"`
	KDFMemory      uint32     `json:"kdf_memory"`
	KDFThreads     uint8      `json:"kdf_threads"`
	FailedAttempts int        `json:"failed_attempts"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`

	// Version is the optimistic-concurrency token assigned by the store.
	Version string `json:"-"`
}

// SecretRecord is the persisted state for one encrypted secret.
//
// Salt is freshly generated on every mutation and never reused. Envelope
// holds the versioned binary envelope (format version, KDF iteration count,
// nonce, ciphertext + tag) produced by the encryption engine.
type SecretRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Label     string    `json:"label,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	Salt      []byte    `json:"salt"`
	Envelope  []byte    `json:"envelope"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Version string `json:"-"`
}

// Store is the persistence interface consumed by the vault core.
//
// Each operation is atomic for its key. Put operations take the version the
// caller last observed: an empty expectedVersion asserts the record is new,
// a non-empty one asserts it is unchanged since that read. A mismatch
// returns ErrConflict and leaves the stored record untouched.
type Store interface {
	// PutUser creates or replaces a user record and returns the new version.
	PutUser(user *UserRecord, expectedVersion string) (string, error)

	// GetUser loads a user record by id, or ErrNotFound.
	GetUser(userID string) (*UserRecord, error)

	// DeleteUser removes a user record, or ErrNotFound.
	DeleteUser(userID string) error

	// PutSecret creates or replaces a secret record and returns the new version.
	PutSecret(record *SecretRecord, expectedVersion string) (string, error)

	// GetSecret loads a secret record by id, or ErrNotFound.
	GetSecret(recordID string) (*SecretRecord, error)

	// DeleteSecret removes a secret record, or ErrNotFound.
	DeleteSecret(recordID string) error

	// ListSecrets returns all secret records owned by userID. The order is
	// unspecified. Returns an empty slice when the user has no secrets.
	ListSecrets(userID string) ([]*SecretRecord, error)

	// Ping verifies the backend is reachable.
	Ping() error

	// Close releases backend resources.
	Close() error
}
