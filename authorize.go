package citadel

import (
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"southwinds.dev/citadel/audit"
	"southwinds.dev/citadel/internal/logging"
)

// ViewPermission describes a time-boxed grant to reveal secret contents
// within a session. It is strictly narrower than the session itself: being
// logged in is not being permitted to view a secret right now.
type ViewPermission struct {
	SessionID            string
	GrantedAt            time.Time
	ExpiresAt            time.Time
	MaxConcurrentReveals int
}

// viewGrant is the live, in-memory state behind a ViewPermission. It is
// never persisted. The user master key lives in a memguard enclave for the
// grant's lifetime and is destroyed the moment the grant ends, however it
// ends.
type viewGrant struct {
	mu            sync.Mutex
	sessionID     string
	userID        string
	grantedAt     time.Time
	expiresAt     time.Time
	maxReveals    int
	activeReveals int
	key           *memguard.Enclave
	revoked       bool
}

// viewAuthz grants, tracks and expires view permissions. At most one
// permission exists per session id; a new grant replaces the old one.
//
// Expiry is lazy: any check performed at or after expires_at both reports
// no permission and triggers the implicit revoke plus its audit event. The
// background sweep exists for memory hygiene only, not correctness.
type viewAuthz struct {
	auth  *authManager
	opts  Options
	clock Clock
	rec   *audit.Recorder
	log   logging.Logger

	mu     sync.RWMutex
	grants map[string]*viewGrant
}

func newViewAuthz(auth *authManager, opts Options, rec *audit.Recorder, log logging.Logger) *viewAuthz {
	return &viewAuthz{
		auth:   auth,
		opts:   opts,
		clock:  opts.Clock,
		rec:    rec,
		log:    log,
		grants: make(map[string]*viewGrant),
	}
}

// Grant re-verifies the master secret - session trust is deliberately not
// enough - and issues a view permission for ttl (the configured default
// when ttl is zero). The expiry deadline derives from a single server-side
// clock read at grant time; caller-supplied timestamps are never trusted.
func (va *viewAuthz) Grant(sessionID string, secret []byte, ttl time.Duration) (*ViewPermission, error) {
	session, err := va.auth.Validate(sessionID)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = va.opts.ViewTTL
	}

	// The re-entered secret goes through the same verification primitive
	// as login: failures count toward lockout and are audited as grant
	// attempts.
	user, err := va.auth.verifyAndAccount(session.UserID, secret, audit.ActionViewGrant,
		map[string]interface{}{"session_id": sessionID})
	if err != nil {
		return nil, err
	}

	// CPU-bound key derivation; no table lock held here.
	keyEnclave, err := va.auth.unwrapMasterKey(user, secret)
	if err != nil {
		return nil, err
	}

	now := va.clock.Now().UTC()
	grant := &viewGrant{
		sessionID:  sessionID,
		userID:     session.UserID,
		grantedAt:  now,
		expiresAt:  now.Add(ttl),
		maxReveals: va.opts.MaxConcurrentReveals,
		key:        keyEnclave,
	}

	va.mu.Lock()
	previous := va.grants[sessionID]
	va.grants[sessionID] = grant
	va.mu.Unlock()
	if previous != nil {
		previous.destroy()
	}

	va.rec.Record(audit.Event{
		UserID: session.UserID, SessionID: sessionID,
		Action: audit.ActionViewGrant, Result: audit.ResultSuccess,
		Detail: map[string]interface{}{"ttl_seconds": int(ttl.Seconds())},
	})

	return &ViewPermission{
		SessionID:            sessionID,
		GrantedAt:            grant.grantedAt,
		ExpiresAt:            grant.expiresAt,
		MaxConcurrentReveals: grant.maxReveals,
	}, nil
}

// HasPermission reports whether the session holds a live view permission.
// A check at or after the deadline performs the implicit revoke.
func (va *viewAuthz) HasPermission(sessionID string) bool {
	_, live := va.liveGrant(sessionID)
	return live
}

// Revoke ends the session's view permission immediately. Idempotent: a
// second revoke is a no-op. The revocation is visible to any permission
// check that starts after this returns.
func (va *viewAuthz) Revoke(sessionID string) {
	va.revoke(sessionID, audit.ActionViewRevoke)
}

// withKey runs fn with the unwrapped user master key while counting an
// active reveal against the grant's ceiling. fn runs without any
// authorization lock held; only the reveal counter transitions are locked.
func (va *viewAuthz) withKey(sessionID string, fn func(masterKey []byte) error) error {
	grant, live := va.liveGrant(sessionID)
	if !live {
		return ErrAuthorizationDenied
	}

	grant.mu.Lock()
	if grant.revoked {
		grant.mu.Unlock()
		return ErrAuthorizationDenied
	}
	if grant.activeReveals >= grant.maxReveals {
		grant.mu.Unlock()
		return fmt.Errorf("%w: %d reveals already active", ErrConcurrencyLimit, grant.maxReveals)
	}
	grant.activeReveals++
	key := grant.key
	grant.mu.Unlock()

	defer func() {
		grant.mu.Lock()
		grant.activeReveals--
		grant.mu.Unlock()
	}()

	buffer, err := key.Open()
	if err != nil {
		// enclave destroyed by a concurrent revoke
		return ErrAuthorizationDenied
	}
	defer buffer.Destroy()

	return fn(buffer.Bytes())
}

// sweep removes expired grants. Correctness does not depend on it - every
// read path expires lazily - this is memory hygiene and prompt audit of
// expiry for idle sessions.
func (va *viewAuthz) sweep() int {
	now := va.clock.Now()

	va.mu.RLock()
	var expired []string
	for id, grant := range va.grants {
		if !now.Before(grant.expiresAt) {
			expired = append(expired, id)
		}
	}
	va.mu.RUnlock()

	for _, id := range expired {
		va.revoke(id, audit.ActionViewExpire)
	}
	return len(expired)
}

// revokeAll ends every grant; used on vault shutdown.
func (va *viewAuthz) revokeAll() {
	va.mu.Lock()
	grants := va.grants
	va.grants = make(map[string]*viewGrant)
	va.mu.Unlock()

	for _, grant := range grants {
		grant.destroy()
	}
}

// liveGrant fetches the grant for sessionID if it is still within its
// deadline, expiring it otherwise.
func (va *viewAuthz) liveGrant(sessionID string) (*viewGrant, bool) {
	va.mu.RLock()
	grant, ok := va.grants[sessionID]
	va.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !va.clock.Now().Before(grant.expiresAt) {
		va.revoke(sessionID, audit.ActionViewExpire)
		return nil, false
	}
	return grant, true
}

func (va *viewAuthz) revoke(sessionID string, action audit.Action) {
	va.mu.Lock()
	grant, ok := va.grants[sessionID]
	if ok {
		delete(va.grants, sessionID)
	}
	va.mu.Unlock()
	if !ok {
		return
	}

	grant.destroy()
	va.rec.Record(audit.Event{
		UserID: grant.userID, SessionID: sessionID,
		Action: action, Result: audit.ResultSuccess,
	})
}

// destroy marks the grant revoked and releases the key enclave reference.
// Reveals already holding an open buffer run to completion on their own
// copy; no new reveal can start.
func (g *viewGrant) destroy() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.revoked {
		return
	}
	g.revoked = true
	g.key = nil
}
