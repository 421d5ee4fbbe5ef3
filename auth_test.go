package citadel

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"southwinds.dev/citadel/audit"
	"southwinds.dev/citadel/persist"
)

func TestCreateUserValidation(t *testing.T) {
	clk := newFakeClock()
	vault, _ := newTestVault(t, clk)

	if err := vault.CreateUser("", aliceSecret); !errors.Is(err, ErrConfiguration) {
		t.Errorf("Expected ErrConfiguration for empty user id, got %v", err)
	}
	if err := vault.CreateUser("alice", []byte("short")); !errors.Is(err, ErrConfiguration) {
		t.Errorf("Expected ErrConfiguration for short secret, got %v", err)
	}

	if err := vault.CreateUser("alice", aliceSecret); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	if err := vault.CreateUser("alice", aliceSecret); !errors.Is(err, ErrConfiguration) {
		t.Errorf("Expected ErrConfiguration for duplicate user, got %v", err)
	}
}

func TestLoginIssuesSession(t *testing.T) {
	clk := newFakeClock()
	vault, _ := newTestVault(t, clk)
	if err := vault.CreateUser("alice", aliceSecret); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}

	session, err := vault.Login("alice", aliceSecret)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if session.UserID != "alice" || !session.Active {
		t.Errorf("Unexpected session: %+v", session)
	}
	if got := session.ExpiresAt.Sub(session.CreatedAt); got != vault.opts.SessionTTL {
		t.Errorf("Expected session TTL %v, got %v", vault.opts.SessionTTL, got)
	}

	validated, err := vault.auth.Validate(session.ID)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if validated.UserID != "alice" {
		t.Errorf("Validate returned wrong user %q", validated.UserID)
	}
}

func TestLoginWrongSecret(t *testing.T) {
	clk := newFakeClock()
	vault, _ := newTestVault(t, clk)
	if err := vault.CreateUser("alice", aliceSecret); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}

	if _, err := vault.Login("alice", []byte("wrong-secret-entirely")); !errors.Is(err, ErrAuthentication) {
		t.Errorf("Expected ErrAuthentication, got %v", err)
	}
}

func TestLoginUnknownUserIndistinguishable(t *testing.T) {
	clk := newFakeClock()
	vault, _ := newTestVault(t, clk)
	if err := vault.CreateUser("alice", aliceSecret); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}

	_, knownErr := vault.Login("alice", []byte("wrong-secret-entirely"))
	_, unknownErr := vault.Login("mallory", []byte("wrong-secret-entirely"))

	if !errors.Is(knownErr, ErrAuthentication) || !errors.Is(unknownErr, ErrAuthentication) {
		t.Errorf("Both outcomes must be ErrAuthentication, got %v and %v", knownErr, unknownErr)
	}
	if knownErr.Error() != unknownErr.Error() {
		t.Errorf("Error text leaks account existence: %q vs %q", knownErr, unknownErr)
	}
}

func TestLockoutAfterThreshold(t *testing.T) {
	clk := newFakeClock()
	vault, sink := newTestVault(t, clk)
	if err := vault.CreateUser("alice", aliceSecret); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}

	wrong := []byte("wrong-secret-entirely")
	for i := 0; i < vault.opts.LockoutThreshold; i++ {
		if _, err := vault.Login("alice", wrong); !errors.Is(err, ErrAuthentication) {
			t.Fatalf("Attempt %d: expected ErrAuthentication, got %v", i+1, err)
		}
	}

	// locked now: the CORRECT secret is rejected too
	if _, err := vault.Login("alice", aliceSecret); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("Expected ErrAccountLocked with correct secret, got %v", err)
	}
	if n := sink.countAction(audit.ActionLoginLocked); n != 1 {
		t.Errorf("Expected 1 auth.locked event, got %d", n)
	}

	// attempts while locked do not extend the lock
	clk.Advance(vault.opts.LockoutCooldown / 2)
	if _, err := vault.Login("alice", wrong); !errors.Is(err, ErrAccountLocked) {
		t.Fatalf("Expected ErrAccountLocked mid-cooldown, got %v", err)
	}
	clk.Advance(vault.opts.LockoutCooldown/2 + time.Second)

	// cooldown measured from the original lock has passed
	session, err := vault.Login("alice", aliceSecret)
	if err != nil {
		t.Fatalf("Login after cooldown failed: %v", err)
	}
	if session == nil {
		t.Fatal("Expected a session after cooldown")
	}

	// the counter restarted clean: threshold-1 new failures do not lock
	for i := 0; i < vault.opts.LockoutThreshold-1; i++ {
		if _, err = vault.Login("alice", wrong); !errors.Is(err, ErrAuthentication) {
			t.Fatalf("Post-cooldown attempt %d: expected ErrAuthentication, got %v", i+1, err)
		}
	}
	if _, err = vault.Login("alice", aliceSecret); err != nil {
		t.Errorf("Expected login below threshold to succeed, got %v", err)
	}
}

func TestSuccessfulLoginResetsCounter(t *testing.T) {
	clk := newFakeClock()
	vault, _ := newTestVault(t, clk)
	if err := vault.CreateUser("alice", aliceSecret); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}

	wrong := []byte("wrong-secret-entirely")
	for i := 0; i < vault.opts.LockoutThreshold-1; i++ {
		vault.Login("alice", wrong)
	}
	if _, err := vault.Login("alice", aliceSecret); err != nil {
		t.Fatalf("Login below threshold failed: %v", err)
	}

	// after the reset a full threshold of failures is needed to lock again
	for i := 0; i < vault.opts.LockoutThreshold-1; i++ {
		if _, err := vault.Login("alice", wrong); !errors.Is(err, ErrAuthentication) {
			t.Fatalf("Expected ErrAuthentication, got %v", err)
		}
	}
	if _, err := vault.Login("alice", aliceSecret); err != nil {
		t.Errorf("Counter was not reset by the successful login: %v", err)
	}
}

func TestSessionExpiry(t *testing.T) {
	clk := newFakeClock()
	vault, _ := newTestVault(t, clk)
	if err := vault.CreateUser("alice", aliceSecret); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	session, err := vault.Login("alice", aliceSecret)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	clk.Advance(vault.opts.SessionTTL + time.Second)

	if _, err = vault.ListSecrets(session.ID); !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("Expected ErrSessionInvalid after expiry, got %v", err)
	}
	if _, err = vault.RequestView(session.ID, aliceSecret, 0); !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("Expected ErrSessionInvalid for grant on expired session, got %v", err)
	}
}

func TestLogout(t *testing.T) {
	clk := newFakeClock()
	vault, _ := newTestVault(t, clk)
	if err := vault.CreateUser("alice", aliceSecret); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	session, err := vault.Login("alice", aliceSecret)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	if err = vault.Logout(session.ID); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if _, err = vault.ListSecrets(session.ID); !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("Expected ErrSessionInvalid after logout, got %v", err)
	}
	if err = vault.Logout(session.ID); !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("Expected ErrSessionInvalid for repeated logout, got %v", err)
	}
}

func TestNewLoginSupersedesSession(t *testing.T) {
	clk := newFakeClock()
	vault, _ := newTestVault(t, clk)
	if err := vault.CreateUser("alice", aliceSecret); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}

	first, err := vault.Login("alice", aliceSecret)
	if err != nil {
		t.Fatalf("First login failed: %v", err)
	}
	second, err := vault.Login("alice", aliceSecret)
	if err != nil {
		t.Fatalf("Second login failed: %v", err)
	}

	if _, err = vault.ListSecrets(first.ID); !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("Superseded session should be invalid, got %v", err)
	}
	if _, err = vault.ListSecrets(second.ID); err != nil {
		t.Errorf("Current session should be valid: %v", err)
	}
}

func TestLoginRateLimit(t *testing.T) {
	clk := newFakeClock()
	opts := testOptions(clk)
	opts.LoginRate = rate.Limit(0.001)
	opts.LoginBurst = 2
	vault, _ := newTestVaultWith(t, opts, persist.NewMemoryStore())
	if err := vault.CreateUser("alice", aliceSecret); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}

	if _, err := vault.Login("alice", aliceSecret); err != nil {
		t.Fatalf("First login failed: %v", err)
	}
	if _, err := vault.Login("alice", aliceSecret); err != nil {
		t.Fatalf("Second login failed: %v", err)
	}
	if _, err := vault.Login("alice", aliceSecret); !errors.Is(err, ErrRateLimited) {
		t.Errorf("Expected ErrRateLimited on burst exhaustion, got %v", err)
	}
}

func TestSessionSweepEmitsExpiryEvents(t *testing.T) {
	clk := newFakeClock()
	vault, sink := newTestVault(t, clk)
	if err := vault.CreateUser("alice", aliceSecret); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	if _, err := vault.Login("alice", aliceSecret); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	clk.Advance(vault.opts.SessionTTL + time.Second)
	if expired := vault.auth.sweepSessions(); expired != 1 {
		t.Errorf("Expected 1 swept session, got %d", expired)
	}
	if n := sink.countAction(audit.ActionSessionExpire); n != 1 {
		t.Errorf("Expected 1 session.expired event, got %d", n)
	}
}

func TestValidateConcurrentWithSupersedingLogin(t *testing.T) {
	clk := newFakeClock()
	vault, _ := newTestVault(t, clk)
	if err := vault.CreateUser("alice", aliceSecret); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	session, err := vault.Login("alice", aliceSecret)
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	// Validate snapshots the session under the table lock while superseding
	// logins flip the active flag; run both sides hard so the race detector
	// has something to bite on.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			_, _ = vault.auth.Validate(session.ID)
		}
	}()
	for i := 0; i < 20; i++ {
		if _, err := vault.Login("alice", aliceSecret); err != nil {
			t.Errorf("Superseding login %d failed: %v", i, err)
		}
	}
	<-done

	if _, err := vault.auth.Validate(session.ID); !errors.Is(err, ErrSessionInvalid) {
		t.Errorf("Expected superseded session to be invalid, got %v", err)
	}
}
