package citadel

import (
	"errors"
	"testing"
	"time"

	"southwinds.dev/citadel/audit"
	"southwinds.dev/citadel/persist"
)

func TestGrantReverifiesSecret(t *testing.T) {
	clk := newFakeClock()
	vault, _ := newTestVault(t, clk)
	if err := vault.CreateUser("alice", aliceSecret); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	session, err := vault.Login("alice", aliceSecret)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	// a valid session is not enough: the wrong secret is rejected
	if _, err = vault.RequestView(session.ID, []byte("wrong-secret-entirely"), 0); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("Expected ErrAuthentication, got %v", err)
	}

	permission, err := vault.RequestView(session.ID, aliceSecret, 0)
	if err != nil {
		t.Fatalf("Grant failed: %v", err)
	}
	if permission.SessionID != session.ID {
		t.Errorf("Permission bound to wrong session %q", permission.SessionID)
	}
	if got := permission.ExpiresAt.Sub(permission.GrantedAt); got != vault.opts.ViewTTL {
		t.Errorf("Expected default TTL %v, got %v", vault.opts.ViewTTL, got)
	}
}

func TestGrantFailuresCountTowardLockout(t *testing.T) {
	clk := newFakeClock()
	vault, _ := newTestVault(t, clk)
	if err := vault.CreateUser("alice", aliceSecret); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	session, err := vault.Login("alice", aliceSecret)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	wrong := []byte("wrong-secret-entirely")
	for i := 0; i < vault.opts.LockoutThreshold; i++ {
		if _, err = vault.RequestView(session.ID, wrong, 0); !errors.Is(err, ErrAuthentication) {
			t.Fatalf("Attempt %d: expected ErrAuthentication, got %v", i+1, err)
		}
	}

	// failed grant attempts locked the account just like failed logins
	if _, err = vault.RequestView(session.ID, aliceSecret, 0); !errors.Is(err, ErrAccountLocked) {
		t.Errorf("Expected ErrAccountLocked, got %v", err)
	}
	if _, err = vault.Login("alice", aliceSecret); !errors.Is(err, ErrAccountLocked) {
		t.Errorf("Expected login to see the same lock, got %v", err)
	}
}

func TestGrantCustomTTL(t *testing.T) {
	clk := newFakeClock()
	vault, _ := newTestVault(t, clk)
	sessionID := grantedSession(t, vault, "alice", aliceSecret)

	permission, err := vault.RequestView(sessionID, aliceSecret, 5*time.Minute)
	if err != nil {
		t.Fatalf("Grant failed: %v", err)
	}
	if got := permission.ExpiresAt.Sub(permission.GrantedAt); got != 5*time.Minute {
		t.Errorf("Expected TTL 5m, got %v", got)
	}
}

func TestGrantReplacesPrevious(t *testing.T) {
	clk := newFakeClock()
	vault, _ := newTestVault(t, clk)
	sessionID := grantedSession(t, vault, "alice", aliceSecret)

	// second grant replaces the first; exactly one permission per session
	if _, err := vault.RequestView(sessionID, aliceSecret, 10*time.Minute); err != nil {
		t.Fatalf("Second grant failed: %v", err)
	}

	vault.authz.mu.RLock()
	count := len(vault.authz.grants)
	grant := vault.authz.grants[sessionID]
	vault.authz.mu.RUnlock()
	if count != 1 {
		t.Errorf("Expected 1 live grant, got %d", count)
	}
	if grant == nil || grant.expiresAt.Sub(grant.grantedAt) != 10*time.Minute {
		t.Error("Replacement grant not in effect")
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	clk := newFakeClock()
	vault, sink := newTestVault(t, clk)
	sessionID := grantedSession(t, vault, "alice", aliceSecret)

	vault.RevokeView(sessionID)
	vault.RevokeView(sessionID)
	vault.RevokeView("never-granted")

	if n := sink.countAction(audit.ActionViewRevoke); n != 1 {
		t.Errorf("Expected 1 view.revoke event, got %d", n)
	}
	if vault.authz.HasPermission(sessionID) {
		t.Error("Permission still reported after revoke")
	}
}

func TestLogoutRevokesView(t *testing.T) {
	clk := newFakeClock()
	vault, sink := newTestVault(t, clk)
	sessionID := grantedSession(t, vault, "alice", aliceSecret)

	if err := vault.Logout(sessionID); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if vault.authz.HasPermission(sessionID) {
		t.Error("View permission survived logout")
	}
	if n := sink.countAction(audit.ActionViewRevoke); n != 1 {
		t.Errorf("Expected 1 view.revoke event from logout, got %d", n)
	}
}

func TestSupersededLoginRevokesView(t *testing.T) {
	clk := newFakeClock()
	vault, _ := newTestVault(t, clk)
	sessionID := grantedSession(t, vault, "alice", aliceSecret)

	if _, err := vault.Login("alice", aliceSecret); err != nil {
		t.Fatalf("Second login failed: %v", err)
	}
	if vault.authz.HasPermission(sessionID) {
		t.Error("View permission survived session supersession")
	}
}

func TestConcurrentRevealCeiling(t *testing.T) {
	clk := newFakeClock()
	opts := testOptions(clk)
	opts.MaxConcurrentReveals = 2
	vault, _ := newTestVaultWith(t, opts, persist.NewMemoryStore())
	sessionID := grantedSession(t, vault, "alice", aliceSecret)

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	done := make(chan error, 2)

	for i := 0; i < 2; i++ {
		go func() {
			done <- vault.authz.withKey(sessionID, func([]byte) error {
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}
	<-started
	<-started

	// both slots held: the next reveal fails rather than queuing
	err := vault.authz.withKey(sessionID, func([]byte) error { return nil })
	if !errors.Is(err, ErrConcurrencyLimit) {
		t.Errorf("Expected ErrConcurrencyLimit, got %v", err)
	}

	close(release)
	for i := 0; i < 2; i++ {
		if err = <-done; err != nil {
			t.Errorf("In-flight reveal failed: %v", err)
		}
	}

	// slots released: reveals work again
	if err = vault.authz.withKey(sessionID, func([]byte) error { return nil }); err != nil {
		t.Errorf("Reveal after release failed: %v", err)
	}
}

func TestSweepExpiresGrants(t *testing.T) {
	clk := newFakeClock()
	vault, sink := newTestVault(t, clk)
	grantedSession(t, vault, "alice", aliceSecret)

	clk.Advance(vault.opts.ViewTTL + time.Second)
	if expired := vault.authz.sweep(); expired != 1 {
		t.Errorf("Expected 1 swept grant, got %d", expired)
	}
	if n := sink.countAction(audit.ActionViewExpire); n != 1 {
		t.Errorf("Expected 1 view.expired event, got %d", n)
	}
}

func TestRevokedGrantDestroysKey(t *testing.T) {
	clk := newFakeClock()
	vault, _ := newTestVault(t, clk)
	sessionID := grantedSession(t, vault, "alice", aliceSecret)

	vault.authz.mu.RLock()
	grant := vault.authz.grants[sessionID]
	vault.authz.mu.RUnlock()

	vault.RevokeView(sessionID)

	grant.mu.Lock()
	defer grant.mu.Unlock()
	if !grant.revoked || grant.key != nil {
		t.Error("Revoked grant must drop its key material")
	}
}
