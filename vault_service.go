package citadel

import (
	"time"

	"southwinds.dev/citadel/audit"
)

// SecretInfo is the metadata view of a stored secret. It never contains
// plaintext; listing is a session-level operation that reveals nothing.
type SecretInfo struct {
	RecordID      string    `json:"record_id"`
	Label         string    `json:"label,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
	FormatVersion byte      `json:"format_version"`
	KDFIterations uint32    `json:"kdf_iterations"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// VaultService is the only surface the vault core exposes outward. All
// other components - authentication, view authorization, the encryption
// engine, the audit trail - are reached through these operations.
//
// Session-holding callers receive plaintext from RevealSecret and are
// responsible for not persisting it.
type VaultService interface {
	// CreateUser provisions an account with the given opaque user id and
	// master secret.
	CreateUser(userID string, masterSecret []byte) error

	// Login verifies the master secret and issues a session.
	Login(userID string, masterSecret []byte) (*Session, error)

	// Logout ends the session and revokes any view permission it holds.
	Logout(sessionID string) error

	// AddSecret seals plaintext into a new record owned by the session's
	// user and returns the record id. Requires an active view permission:
	// sealing needs the user master key, which only a grant holds.
	AddSecret(sessionID, label string, tags []string, plaintext []byte) (string, error)

	// EditSecret replaces a record's plaintext. A fresh salt and nonce are
	// generated; key material is never reused across mutations.
	EditSecret(sessionID, recordID string, plaintext []byte) error

	// DeleteSecret removes a record. Requires an active view permission.
	DeleteSecret(sessionID, recordID string) error

	// ListSecrets returns metadata for the session user's records.
	ListSecrets(sessionID string) ([]SecretInfo, error)

	// RequestView re-verifies the master secret and grants a time-boxed
	// view permission. A zero ttl selects the configured default.
	RequestView(sessionID string, masterSecret []byte, ttl time.Duration) (*ViewPermission, error)

	// RevokeView ends the session's view permission immediately. Called on
	// logout and on any detected loss of exclusive control (screen lock,
	// focus loss). Idempotent.
	RevokeView(sessionID string)

	// RevealSecret decrypts and returns a record's plaintext. Requires a
	// valid session, an active view permission, and ownership of the
	// record.
	RevealSecret(sessionID, recordID string) ([]byte, error)

	// UpgradeSecret re-encrypts a record under the current key-derivation
	// parameters, migrating records sealed under weaker historical
	// settings.
	UpgradeSecret(sessionID, recordID string) error

	// QueryAudit returns audit events for the session's user.
	QueryAudit(sessionID string, options audit.QueryOptions) (audit.QueryResult, error)

	// PurgeAuditBefore removes audit events older than cutoff, preserving
	// all CRITICAL events. Requires an active view permission as the
	// separate authorization for retention cleanup.
	PurgeAuditBefore(sessionID string, cutoff time.Time) (int, error)

	// Close stops background work, destroys key material and releases
	// collaborators. The vault is unusable afterwards.
	Close() error
}
