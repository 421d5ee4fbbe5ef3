package misc

const (
	// EnvelopeVersion1 is the current envelope format version.
	EnvelopeVersion1 = 1

	// Argon2id parameters for deriving the key-encryption key from the
	// master secret at account creation and view-grant time.
	ArgonTime    uint32 = 4
	ArgonMemory  uint32 = 128 * 1024
	ArgonThreads uint8  = 4
	ArgonKeyLen  uint32 = 32

	// PBKDF2 parameters for per-record key derivation. The iteration
	// count is a stored, per-record parameter; these are the policy
	// default and the enforced floor.
	DefaultIterations uint32 = 100000
	MinIterations     uint32 = 10000

	// KeyLen is the symmetric key size in bytes for all derived keys.
	KeyLen = 32

	// SaltSize is the size in bytes of freshly generated salts.
	SaltSize = 16

	FilePermissions = 0600 // user read + write
	DirPermissions  = 0700
)
