package citadel

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"southwinds.dev/citadel/audit"
	"southwinds.dev/citadel/internal/crypto"
	"southwinds.dev/citadel/internal/logging"
	"southwinds.dev/citadel/internal/misc"
	"southwinds.dev/citadel/persist"
)

// sessionIDBytes is the entropy of a session identifier.
const sessionIDBytes = 32

// dummyCredentialHash is compared against when a login names an unknown
// user, so the response time does not leak account existence.
var dummyCredentialHash, _ = bcrypt.GenerateFromPassword(
	[]byte("citadel-timing-equalizer"), bcrypt.DefaultCost)

// authManager verifies master secrets, drives the per-user lockout state
// machine and owns the in-memory session table.
//
// Lockout state machine per user: ACTIVE -> LOCKED after LockoutThreshold
// consecutive failures; LOCKED -> ACTIVE automatically once locked_until
// passes, with the failure counter reset. While LOCKED every attempt fails
// with ErrAccountLocked and leaves the counter and the lock deadline
// untouched, so an attacker cannot probe the lock duration.
//
// Locking: the sessions map is guarded by a read-write mutex held only for
// map shape changes and lookups; per-user credential transitions serialize
// on a sharded lock table keyed by user id. Key derivation never runs
// under either.
type authManager struct {
	store persist.Store
	opts  Options
	clock Clock
	rnd   SecureRandom
	rec   *audit.Recorder
	log   logging.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]string // user id -> currently active session id

	userLocks keyedLocks

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	// onSessionEnd is invoked (outside the table lock) whenever a session
	// stops being valid, so the view authorization layer can revoke any
	// permission tied to it.
	onSessionEnd func(sessionID string)
}

func newAuthManager(store persist.Store, opts Options, rec *audit.Recorder, log logging.Logger) *authManager {
	return &authManager{
		store:    store,
		opts:     opts,
		clock:    opts.Clock,
		rnd:      opts.Random,
		rec:      rec,
		log:      log,
		sessions: make(map[string]*Session),
		byUser:   make(map[string]string),
		limiters: make(map[string]*rate.Limiter),
	}
}

// CreateUser provisions a new account: a bcrypt credential hash (which
// embeds its own salt and cost factor), a fresh random user master key,
// and that key wrapped under a KEK derived from the master secret. The
// credential hash is immutable after creation.
func (am *authManager) CreateUser(userID string, secret []byte) error {
	if userID == "" {
		return fmt.Errorf("%w: user id cannot be empty", ErrConfiguration)
	}
	if len(secret) < am.opts.MinSecretLength {
		return fmt.Errorf("%w: master secret must be at least %d bytes",
			ErrConfiguration, am.opts.MinSecretLength)
	}

	unlock := am.userLocks.lock(userID)
	defer unlock()

	credentialHash, err := bcrypt.GenerateFromPassword(secret, am.opts.BcryptCost)
	if err != nil {
		return fmt.Errorf("failed to hash credential: %w", err)
	}

	keySalt, err := am.rnd.Bytes(misc.SaltSize)
	if err != nil {
		return fmt.Errorf("failed to generate key salt: %w", err)
	}
	masterKey, err := am.rnd.Bytes(misc.KeyLen)
	if err != nil {
		return fmt.Errorf("failed to generate user master key: %w", err)
	}
	defer memguard.WipeBytes(masterKey)

	wrapped, err := am.wrapMasterKey(masterKey, secret, keySalt, am.opts.KEKParams)
	if err != nil {
		return err
	}

	user := &persist.UserRecord{
		ID:             userID,
		CredentialHash: credentialHash,
		KeySalt:        keySalt,
		WrappedKey:     wrapped,
		KDFTime:        am.opts.KEKParams.Time,
		KDFMemory:      am.opts.KEKParams.Memory,
		KDFThreads:     am.opts.KEKParams.Threads,
		CreatedAt:      am.clock.Now().UTC(),
	}
	if _, err = am.store.PutUser(user, ""); err != nil {
		if errors.Is(err, persist.ErrConflict) {
			am.rec.Record(audit.Event{
				UserID: userID, Action: audit.ActionUserCreate, Result: audit.ResultFailure,
				Detail: map[string]interface{}{"reason": "user already exists"},
			})
			return fmt.Errorf("%w: user %q already exists", ErrConfiguration, userID)
		}
		am.rec.Record(audit.Event{
			UserID: userID, Action: audit.ActionUserCreate, Result: audit.ResultFailure,
			Detail: map[string]interface{}{"reason": "store error"},
		})
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	am.rec.Record(audit.Event{
		UserID: userID, Action: audit.ActionUserCreate, Result: audit.ResultSuccess,
	})
	return nil
}

// Login verifies the master secret and, on success, issues a new session
// valid for SessionTTL. A newer login supersedes any session the user
// already holds. Every attempt - success, failure, or locked rejection -
// produces exactly one audit event.
func (am *authManager) Login(userID string, secret []byte) (*Session, error) {
	if !am.allowAttempt(userID) {
		am.rec.Record(audit.Event{
			UserID: userID, Action: audit.ActionLogin, Result: audit.ResultDenied,
			Detail: map[string]interface{}{"reason": "rate limited"},
		})
		return nil, ErrRateLimited
	}

	user, err := am.verifyAndAccount(userID, secret, audit.ActionLogin, nil)
	if err != nil {
		return nil, err
	}

	session, err := am.createSession(user.ID)
	if err != nil {
		return nil, err
	}
	am.rec.Record(audit.Event{
		UserID: user.ID, SessionID: session.ID,
		Action: audit.ActionLogin, Result: audit.ResultSuccess,
	})
	return session, nil
}

// Logout deactivates the session. Unknown or already-inactive sessions
// report ErrSessionInvalid.
func (am *authManager) Logout(sessionID string) error {
	session, ok := am.endSession(sessionID)
	if !ok {
		return ErrSessionInvalid
	}
	am.rec.Record(audit.Event{
		UserID: session.UserID, SessionID: sessionID,
		Action: audit.ActionLogout, Result: audit.ResultSuccess,
	})
	return nil
}

// Validate returns a copy of the session if it is active and unexpired.
// An expired-but-not-yet-swept session is invalid on read; the sweep only
// makes expiry observable, it is not needed for correctness.
func (am *authManager) Validate(sessionID string) (*Session, error) {
	now := am.clock.Now()
	am.mu.RLock()
	session, ok := am.sessions[sessionID]
	if !ok || !session.Active || session.expired(now) {
		am.mu.RUnlock()
		return nil, ErrSessionInvalid
	}
	copied := *session
	am.mu.RUnlock()
	return &copied, nil
}

// verifyAndAccount is the verification primitive shared by Login and by
// view-permission grants: it checks the lockout state, compares the secret
// against the stored bcrypt hash, maintains the failure counter, and emits
// exactly one audit event for failure or denial outcomes under the given
// action. Success auditing is left to the caller so the event can carry
// the session or grant context. extraDetail is merged into failure events.
func (am *authManager) verifyAndAccount(userID string, secret []byte, action audit.Action, extraDetail map[string]interface{}) (*persist.UserRecord, error) {
	unlock := am.userLocks.lock(userID)
	defer unlock()

	now := am.clock.Now().UTC()

	user, err := am.store.GetUser(userID)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			// burn comparable time so unknown users are not cheaper to
			// probe than wrong secrets
			_ = bcrypt.CompareHashAndPassword(dummyCredentialHash, secret)
			am.rec.Record(audit.Event{
				UserID: userID, Action: action, Result: audit.ResultFailure,
				Detail: mergeDetail(extraDetail, map[string]interface{}{"reason": "unknown user"}),
			})
			return nil, ErrAuthentication
		}
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	// locked: reject regardless of secret correctness, touch nothing
	if user.LockedUntil != nil && now.Before(*user.LockedUntil) {
		am.rec.Record(audit.Event{
			UserID: userID, Action: audit.ActionLoginLocked, Result: audit.ResultDenied,
			Detail: mergeDetail(extraDetail, map[string]interface{}{
				"locked_until": user.LockedUntil.Format(time.RFC3339),
			}),
		})
		return nil, ErrAccountLocked
	}

	// cooldown has passed: back to ACTIVE with a clean counter
	if user.LockedUntil != nil {
		user.FailedAttempts = 0
		user.LockedUntil = nil
		if user, err = am.saveUser(user); err != nil {
			return nil, err
		}
	}

	if bcrypt.CompareHashAndPassword(user.CredentialHash, secret) != nil {
		user.FailedAttempts++
		detail := map[string]interface{}{"failed_attempts": user.FailedAttempts}
		if user.FailedAttempts >= am.opts.LockoutThreshold {
			lockedUntil := now.Add(am.opts.LockoutCooldown)
			user.LockedUntil = &lockedUntil
			detail["locked_until"] = lockedUntil.Format(time.RFC3339)
		}
		if _, err = am.saveUser(user); err != nil {
			return nil, err
		}
		am.rec.Record(audit.Event{
			UserID: userID, Action: action, Result: audit.ResultFailure,
			Detail: mergeDetail(extraDetail, detail),
		})
		return nil, ErrAuthentication
	}

	if user.FailedAttempts != 0 {
		user.FailedAttempts = 0
		if user, err = am.saveUser(user); err != nil {
			return nil, err
		}
	}
	return user, nil
}

// unwrapMasterKey re-derives the KEK from a verified master secret and
// unwraps the user master key into a protected enclave. Runs without any
// lock held: the inputs are the caller's own copies.
func (am *authManager) unwrapMasterKey(user *persist.UserRecord, secret []byte) (*memguard.Enclave, error) {
	params := crypto.Argon2Params{
		Time:    user.KDFTime,
		Memory:  user.KDFMemory,
		Threads: user.KDFThreads,
	}
	saltEnclave := memguard.NewEnclave(append([]byte(nil), user.KeySalt...))
	kek, err := crypto.DeriveKEK(secret, saltEnclave, params)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key-encryption key: %w", err)
	}
	defer kek.Destroy()

	env, err := crypto.ParseEnvelope(user.WrappedKey)
	if err != nil {
		return nil, err
	}
	masterKey, err := crypto.Open(env, kek.Bytes())
	if err != nil {
		return nil, err
	}
	enclave := memguard.NewEnclave(masterKey)
	memguard.WipeBytes(masterKey)
	return enclave, nil
}

// wrapMasterKey seals the user master key under a KEK derived from the
// master secret with the given parameters.
func (am *authManager) wrapMasterKey(masterKey, secret, keySalt []byte, params crypto.Argon2Params) ([]byte, error) {
	saltEnclave := memguard.NewEnclave(append([]byte(nil), keySalt...))
	kek, err := crypto.DeriveKEK(secret, saltEnclave, params)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key-encryption key: %w", err)
	}
	defer kek.Destroy()

	env, err := crypto.Seal(masterKey, kek.Bytes(), 0, randReader{am.rnd})
	if err != nil {
		return nil, fmt.Errorf("failed to wrap master key: %w", err)
	}
	return env.Marshal(), nil
}

func (am *authManager) createSession(userID string) (*Session, error) {
	idBytes, err := am.rnd.Bytes(sessionIDBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to generate session id: %w", err)
	}
	now := am.clock.Now().UTC()
	session := &Session{
		ID:        hex.EncodeToString(idBytes),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(am.opts.SessionTTL),
		Active:    true,
	}

	var superseded string
	am.mu.Lock()
	if previous, ok := am.byUser[userID]; ok {
		if prev, exists := am.sessions[previous]; exists && prev.Active {
			prev.Active = false
			superseded = previous
		}
	}
	am.sessions[session.ID] = session
	am.byUser[userID] = session.ID
	am.mu.Unlock()

	if superseded != "" && am.onSessionEnd != nil {
		am.onSessionEnd(superseded)
	}
	copied := *session
	return &copied, nil
}

// endSession deactivates a session and fires the end hook. Idempotent:
// the second call for the same id reports false.
func (am *authManager) endSession(sessionID string) (*Session, bool) {
	am.mu.Lock()
	session, ok := am.sessions[sessionID]
	if !ok || !session.Active {
		am.mu.Unlock()
		return nil, false
	}
	session.Active = false
	if am.byUser[session.UserID] == sessionID {
		delete(am.byUser, session.UserID)
	}
	copied := *session
	am.mu.Unlock()

	if am.onSessionEnd != nil {
		am.onSessionEnd(sessionID)
	}
	return &copied, true
}

// sweepSessions flips expired sessions inactive and emits one audit event
// each, so expiry is observable rather than silent. Dead entries older
// than one TTL are dropped from the table.
func (am *authManager) sweepSessions() int {
	now := am.clock.Now()

	am.mu.RLock()
	var expired []string
	for id, session := range am.sessions {
		if session.Active && session.expired(now) {
			expired = append(expired, id)
		}
	}
	am.mu.RUnlock()

	for _, id := range expired {
		session, ok := am.endSession(id)
		if !ok {
			continue
		}
		am.rec.Record(audit.Event{
			UserID: session.UserID, SessionID: id,
			Action: audit.ActionSessionExpire, Result: audit.ResultSuccess,
		})
	}

	// memory hygiene: remove long-dead sessions
	cutoff := now.Add(-am.opts.SessionTTL)
	am.mu.Lock()
	for id, session := range am.sessions {
		if !session.Active && session.ExpiresAt.Before(cutoff) {
			delete(am.sessions, id)
		}
	}
	am.mu.Unlock()

	return len(expired)
}

func (am *authManager) saveUser(user *persist.UserRecord) (*persist.UserRecord, error) {
	version, err := am.store.PutUser(user, user.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	user.Version = version
	return user, nil
}

// allowAttempt consults the per-user login limiter. Stale limiters are
// pruned opportunistically.
func (am *authManager) allowAttempt(userID string) bool {
	if am.opts.LoginRate == 0 {
		return true
	}
	am.limiterMu.Lock()
	defer am.limiterMu.Unlock()
	lim := am.limiters[userID]
	if lim == nil {
		lim = rate.NewLimiter(am.opts.LoginRate, am.opts.LoginBurst)
		am.limiters[userID] = lim
	}
	return lim.Allow()
}

func mergeDetail(extra, base map[string]interface{}) map[string]interface{} {
	if extra == nil {
		return base
	}
	merged := make(map[string]interface{}, len(extra)+len(base))
	for k, v := range extra {
		merged[k] = v
	}
	for k, v := range base {
		merged[k] = v
	}
	return merged
}
