// Package citadel implements a secure credential vault core: master-secret
// authentication with lockout, per-record envelope encryption with
// upgradeable key-derivation parameters, short-lived explicitly
// re-verified view permissions, and a tamper-evident audit trail.
//
// The vault is a synchronous library for a single-process deployment. It
// performs no network or disk I/O of its own; persistence goes through the
// persist.Store collaborator and audit events through an audit sink.
package citadel

import (
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"southwinds.dev/citadel/audit"
	"southwinds.dev/citadel/internal/logging"
	"southwinds.dev/citadel/internal/mem"
	"southwinds.dev/citadel/persist"
)

// closeJoinTimeout bounds the wait for the background sweeper on Close.
const closeJoinTimeout = 5 * time.Second

func init() {
	// ensure interrupts wipe enclaves before the process dies
	memguard.CatchInterrupt()
}

// Vault composes the vault core. Construct with New; the zero value is not
// usable.
type Vault struct {
	opts  Options
	store persist.Store
	rec   *audit.Recorder
	log   logging.Logger
	clock Clock
	rnd   SecureRandom

	auth  *authManager
	authz *viewAuthz

	// recordLocks serializes operations per record id: no two concurrent
	// seal/open/delete ever run against one record. Different records and
	// different users interleave freely.
	recordLocks keyedLocks

	memoryProtection mem.ProtectionLevel

	stop      chan struct{}
	done      chan struct{}
	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// New creates a Vault over the given store and audit sink.
//
// The options are validated up front and frozen: security policy cannot
// change while the vault is running. A nil auditSink disables auditing
// (no-op sink); a nil logger discards diagnostics. Memory locking is
// attempted when requested but the vault remains functional without it.
func New(opts Options, store persist.Store, auditSink audit.Logger, log logging.Logger) (*Vault, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrConfiguration)
	}
	opts = opts.withDefaults()
	if auditSink == nil {
		auditSink = audit.NewNoOpLogger()
	}
	if log == nil {
		log = logging.NewNopLogger()
	}

	if err := store.Ping(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	protection := mem.ProtectionNone
	if opts.EnableMemoryLock {
		level, err := mem.Lock()
		if err != nil {
			log.Warn("memory locking unavailable", "error", err)
		}
		protection = level
	}

	rec := audit.NewRecorder(auditSink, opts.Clock)
	authMgr := newAuthManager(store, opts, rec, log)
	authz := newViewAuthz(authMgr, opts, rec, log)
	authMgr.onSessionEnd = authz.Revoke

	v := &Vault{
		opts:             opts,
		store:            store,
		rec:              rec,
		log:              log,
		clock:            opts.Clock,
		rnd:              opts.Random,
		auth:             authMgr,
		authz:            authz,
		memoryProtection: protection,
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}
	go v.sweeper()
	return v, nil
}

// CreateUser implements VaultService.
func (v *Vault) CreateUser(userID string, masterSecret []byte) error {
	if err := v.checkOpen(); err != nil {
		return err
	}
	return v.auth.CreateUser(userID, masterSecret)
}

// Login implements VaultService.
func (v *Vault) Login(userID string, masterSecret []byte) (*Session, error) {
	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	return v.auth.Login(userID, masterSecret)
}

// Logout implements VaultService.
func (v *Vault) Logout(sessionID string) error {
	if err := v.checkOpen(); err != nil {
		return err
	}
	return v.auth.Logout(sessionID)
}

// RequestView implements VaultService.
func (v *Vault) RequestView(sessionID string, masterSecret []byte, ttl time.Duration) (*ViewPermission, error) {
	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	return v.authz.Grant(sessionID, masterSecret, ttl)
}

// RevokeView implements VaultService.
func (v *Vault) RevokeView(sessionID string) {
	v.authz.Revoke(sessionID)
}

// QueryAudit implements VaultService. Results are scoped to the session's
// own user.
func (v *Vault) QueryAudit(sessionID string, options audit.QueryOptions) (audit.QueryResult, error) {
	if err := v.checkOpen(); err != nil {
		return audit.QueryResult{}, err
	}
	session, err := v.auth.Validate(sessionID)
	if err != nil {
		return audit.QueryResult{}, err
	}
	options.UserID = session.UserID
	result, err := v.rec.Query(options)
	if err != nil {
		return audit.QueryResult{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	v.rec.Record(audit.Event{
		UserID: session.UserID, SessionID: sessionID,
		Action: audit.ActionAuditQuery, Result: audit.ResultSuccess,
		Detail: map[string]interface{}{"matched": result.Filtered},
	})
	return result, nil
}

// PurgeAuditBefore implements VaultService. Retention cleanup is a
// separately authorized operation: it demands an active view permission,
// not just a session. CRITICAL events are preserved regardless of age.
func (v *Vault) PurgeAuditBefore(sessionID string, cutoff time.Time) (int, error) {
	if err := v.checkOpen(); err != nil {
		return 0, err
	}
	session, err := v.auth.Validate(sessionID)
	if err != nil {
		return 0, err
	}
	if !v.authz.HasPermission(sessionID) {
		v.rec.Record(audit.Event{
			UserID: session.UserID, SessionID: sessionID,
			Action: audit.ActionAuditPurge, Result: audit.ResultDenied,
		})
		return 0, ErrAuthorizationDenied
	}
	removed, err := v.rec.PurgeBefore(cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	v.rec.Record(audit.Event{
		UserID: session.UserID, SessionID: sessionID,
		Action: audit.ActionAuditPurge, Result: audit.ResultSuccess,
		Detail: map[string]interface{}{"removed": removed},
	})
	return removed, nil
}

// MemoryProtection reports the protection level achieved at construction.
func (v *Vault) MemoryProtection() mem.ProtectionLevel {
	return v.memoryProtection
}

// Close implements VaultService: cooperative stop of the sweeper with a
// bounded join, revocation of all grants, then collaborator teardown.
func (v *Vault) Close() error {
	var err error
	v.closeOnce.Do(func() {
		v.mu.Lock()
		v.closed = true
		v.mu.Unlock()

		close(v.stop)
		select {
		case <-v.done:
		case <-time.After(closeJoinTimeout):
			v.log.Warn("sweeper did not stop within join timeout")
		}

		v.authz.revokeAll()

		if auditErr := v.rec.Close(); auditErr != nil {
			err = auditErr
		}
		if storeErr := v.store.Close(); storeErr != nil && err == nil {
			err = storeErr
		}
		if v.opts.EnableMemoryLock {
			if unlockErr := mem.Unlock(); unlockErr != nil {
				v.log.Warn("failed to unlock memory", "error", unlockErr)
			}
		}
	})
	return err
}

// sweeper is the single low-priority background task: session expiry,
// view-permission expiry, audit buffer flush. Cancellation is cooperative
// and checked at each iteration boundary; the task never stops
// mid-mutation of a shared table.
func (v *Vault) sweeper() {
	defer close(v.done)
	ticker := time.NewTicker(v.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-v.stop:
			return
		case <-ticker.C:
			expiredSessions := v.auth.sweepSessions()
			expiredGrants := v.authz.sweep()
			if expiredSessions > 0 || expiredGrants > 0 {
				v.log.Debug("expiry sweep",
					"sessions", expiredSessions, "grants", expiredGrants)
			}
			if v.rec.Buffered() > 0 {
				if err := v.rec.Flush(); err != nil {
					v.log.Warn("audit buffer flush failed", "error", err)
				}
			}
		}
	}
}

func (v *Vault) checkOpen() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return fmt.Errorf("%w: vault is closed", ErrConfiguration)
	}
	return nil
}

var _ VaultService = (*Vault)(nil)
