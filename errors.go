package citadel

import (
	"errors"

	"southwinds.dev/citadel/internal/crypto"
)

// The vault reports every failure as one of the kinds below, matched with
// errors.Is. The kind is precise enough to drive caller behavior (retry,
// re-authenticate, fatal); the message carries secret-free detail only.
var (
	// ErrConfiguration - bad parameters, fatal to the call, not retried.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrAuthentication - wrong master secret. Recoverable; the caller may
	// retry up to the lockout threshold.
	ErrAuthentication = errors.New("authentication failed")

	// ErrAccountLocked - terminal until the lockout cooldown passes.
	// Returned for every attempt while locked, correct secret or not.
	ErrAccountLocked = errors.New("account locked")

	// ErrRateLimited - authentication attempts arriving faster than the
	// configured rate. The caller backs off and retries.
	ErrRateLimited = errors.New("too many authentication attempts")

	// ErrSessionInvalid - expired or revoked session; the caller must
	// re-authenticate.
	ErrSessionInvalid = errors.New("session invalid")

	// ErrAuthorizationDenied - no active view permission; the caller must
	// re-request one.
	ErrAuthorizationDenied = errors.New("view authorization denied")

	// ErrConcurrencyLimit - too many simultaneous reveals; the caller
	// retries after closing one.
	ErrConcurrencyLimit = errors.New("concurrent reveal limit reached")

	// ErrStoreUnavailable - the storage collaborator failed; propagated,
	// never swallowed.
	ErrStoreUnavailable = errors.New("credential store unavailable")

	// ErrWeakParameters - key-derivation inputs below the enforced
	// minimums: bad options, or a stored record whose recorded iteration
	// count has fallen under a later-raised floor. Fatal to the call.
	ErrWeakParameters = crypto.ErrWeakParameters

	// ErrDecryptionFailed - tamper or wrong key. Callers must not surface
	// messaging that distinguishes this from ErrAuthentication.
	ErrDecryptionFailed = crypto.ErrDecryptionFailed

	// ErrUnsupportedFormat - envelope from a future format version; fatal,
	// no fallback decryption is attempted.
	ErrUnsupportedFormat = crypto.ErrUnsupportedFormat
)
