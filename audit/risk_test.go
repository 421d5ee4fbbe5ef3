package audit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestScoreDeterministic(t *testing.T) {
	first := NewScorer(newFakeClock()).Score(ActionSecretReveal, ResultSuccess, "alice")
	second := NewScorer(newFakeClock()).Score(ActionSecretReveal, ResultSuccess, "alice")
	if first != second {
		t.Errorf("Same inputs scored differently: %d vs %d", first, second)
	}
}

func TestScoreBaseAndResultModifiers(t *testing.T) {
	tests := []struct {
		name   string
		action Action
		result Result
		want   int
	}{
		{"LoginSuccess", ActionLogin, ResultSuccess, 10},
		{"LoginFailure", ActionLogin, ResultFailure, 25},
		{"LockedDenied", ActionLoginLocked, ResultDenied, 80},
		{"RevealSuccess", ActionSecretReveal, ResultSuccess, 30},
		{"PurgeSuccess", ActionAuditPurge, ResultSuccess, 50},
		{"SinkFailureIsCritical", ActionSinkFailure, ResultFailure, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewScorer(newFakeClock()).Score(tt.action, tt.result, "alice")
			if got != tt.want {
				t.Errorf("Score(%s, %s) = %d, want %d", tt.action, tt.result, got, tt.want)
			}
		})
	}
}

func TestScoreEscalatesRepeatedFailures(t *testing.T) {
	clk := newFakeClock()
	scorer := NewScorer(clk)

	// consecutive failures inside the window add 10 each beyond the first
	want := []int{25, 35, 45, 55}
	for i, expected := range want {
		got := scorer.Score(ActionLogin, ResultFailure, "alice")
		if got != expected {
			t.Errorf("Failure %d scored %d, want %d", i+1, got, expected)
		}
		clk.Advance(time.Minute)
	}

	// a different user is unaffected
	if got := scorer.Score(ActionLogin, ResultFailure, "bob"); got != 25 {
		t.Errorf("Unrelated user scored %d, want 25", got)
	}

	// outside the window the history ages out
	clk.Advance(failureWindow + time.Minute)
	if got := scorer.Score(ActionLogin, ResultFailure, "alice"); got != 25 {
		t.Errorf("Post-window failure scored %d, want 25", got)
	}
}

func TestScoreClampedToHundred(t *testing.T) {
	clk := newFakeClock()
	scorer := NewScorer(clk)
	for i := 0; i < 20; i++ {
		got := scorer.Score(ActionLoginLocked, ResultDenied, "alice")
		if got > 100 {
			t.Fatalf("Score %d exceeds 100", got)
		}
	}
	if got := scorer.Score(ActionLoginLocked, ResultDenied, "alice"); got != 100 {
		t.Errorf("Sustained abuse scored %d, want clamp at 100", got)
	}
}

func TestCriticalThreshold(t *testing.T) {
	event := Event{RiskScore: CriticalRiskThreshold}
	if !event.Critical() {
		t.Error("Event at the threshold should be critical")
	}
	event.RiskScore = CriticalRiskThreshold - 1
	if event.Critical() {
		t.Error("Event below the threshold should not be critical")
	}
}
