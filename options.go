package citadel

import (
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"southwinds.dev/citadel/internal/crypto"
	"southwinds.dev/citadel/internal/misc"
)

// Options is the single, validated configuration for a Vault. Security
// policy (lockout threshold, TTLs, derivation cost) is fixed at
// construction: there is no runtime mutation of these fields once the
// vault is running, so the security posture at any point in time is
// auditable. Changing policy means constructing a new Vault.
type Options struct {
	// LockoutThreshold is the number of consecutive failed verification
	// attempts after which the account transitions to LOCKED.
	LockoutThreshold int

	// LockoutCooldown is how long a locked account stays locked. Attempts
	// during the cooldown fail regardless of secret correctness and do not
	// extend the lock.
	LockoutCooldown time.Duration

	// SessionTTL bounds how long a login remains valid.
	SessionTTL time.Duration

	// ViewTTL is the default lifetime of a view permission when the grant
	// request does not specify one.
	ViewTTL time.Duration

	// MaxConcurrentReveals caps simultaneously revealed secrets per view
	// permission. Exceeding it fails rather than queuing.
	MaxConcurrentReveals int

	// RecordKeyIterations is the PBKDF2 iteration count for newly sealed
	// records. Existing records keep the count stored in their envelope.
	RecordKeyIterations uint32

	// KEKParams are the Argon2id cost factors for deriving the
	// key-encryption key from the master secret.
	KEKParams crypto.Argon2Params

	// BcryptCost is the cost factor for credential hashes.
	BcryptCost int

	// MinSecretLength is the minimum master secret length accepted at
	// account creation.
	MinSecretLength int

	// LoginRate and LoginBurst throttle authentication attempts per user
	// ahead of the lockout counter. A zero LoginRate disables throttling.
	LoginRate  rate.Limit
	LoginBurst int

	// SweepInterval is the period of the background expiry sweep.
	SweepInterval time.Duration

	// EnableMemoryLock requests best-effort locking of process memory so
	// key material cannot be swapped to disk.
	EnableMemoryLock bool

	// Clock and Random are the injectable time and randomness sources.
	// Nil selects the system implementations.
	Clock  Clock
	Random SecureRandom
}

// DefaultOptions returns the policy defaults.
func DefaultOptions() Options {
	return Options{
		LockoutThreshold:     5,
		LockoutCooldown:      15 * time.Minute,
		SessionTTL:           30 * time.Minute,
		ViewTTL:              60 * time.Second,
		MaxConcurrentReveals: 3,
		RecordKeyIterations:  misc.DefaultIterations,
		KEKParams:            crypto.DefaultArgon2Params(),
		BcryptCost:           bcrypt.DefaultCost,
		MinSecretLength:      12,
		SweepInterval:        30 * time.Second,
	}
}

// Validate checks the options before any cryptographic state is built.
func (o Options) Validate() error {
	if o.LockoutThreshold < 1 {
		return fmt.Errorf("%w: lockout threshold must be at least 1", ErrConfiguration)
	}
	if o.LockoutCooldown <= 0 {
		return fmt.Errorf("%w: lockout cooldown must be positive", ErrConfiguration)
	}
	if o.SessionTTL <= 0 {
		return fmt.Errorf("%w: session TTL must be positive", ErrConfiguration)
	}
	if o.ViewTTL <= 0 {
		return fmt.Errorf("%w: view TTL must be positive", ErrConfiguration)
	}
	if o.MaxConcurrentReveals < 1 {
		return fmt.Errorf("%w: max concurrent reveals must be at least 1", ErrConfiguration)
	}
	if o.RecordKeyIterations < misc.MinIterations {
		return fmt.Errorf("%w: record key iterations %d below minimum %d",
			ErrConfiguration, o.RecordKeyIterations, misc.MinIterations)
	}
	if err := o.KEKParams.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if o.BcryptCost < bcrypt.MinCost || o.BcryptCost > bcrypt.MaxCost {
		return fmt.Errorf("%w: bcrypt cost %d out of range", ErrConfiguration, o.BcryptCost)
	}
	if o.MinSecretLength < 8 {
		return fmt.Errorf("%w: minimum secret length must be at least 8", ErrConfiguration)
	}
	if o.SweepInterval <= 0 {
		return fmt.Errorf("%w: sweep interval must be positive", ErrConfiguration)
	}
	if o.LoginRate > 0 && o.LoginBurst < 1 {
		return fmt.Errorf("%w: login burst must be at least 1 when throttling is enabled", ErrConfiguration)
	}
	return nil
}

// withDefaults fills the injectable collaborators.
func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = SystemClock()
	}
	if o.Random == nil {
		o.Random = CryptoRandom()
	}
	return o
}
