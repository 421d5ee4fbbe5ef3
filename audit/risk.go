package audit

import (
	"sync"
	"time"
)

// Clock supplies the current time. Injectable so risk scoring is testable
// without wall-clock flakiness.
type Clock interface {
	Now() time.Time
}

// failureWindow is how far back the scorer looks when counting recent
// failures for the same user.
const failureWindow = 10 * time.Minute

// baseRisk maps each action to its baseline score.
var baseRisk = map[Action]int{
	ActionUserCreate:    10,
	ActionLogin:         10,
	ActionLoginLocked:   60,
	ActionLogout:        5,
	ActionSessionExpire: 10,
	ActionViewGrant:     25,
	ActionViewRevoke:    15,
	ActionViewExpire:    15,
	ActionSecretAdd:     20,
	ActionSecretEdit:    25,
	ActionSecretDelete:  35,
	ActionSecretReveal:  30,
	ActionSecretList:    10,
	ActionSecretUpgrade: 20,
	ActionAuditQuery:    10,
	ActionAuditPurge:    50,
	ActionSinkFailure:   95,
}

// Scorer assigns a deterministic risk score in [0, 100] to an event from
// its action, result, and the frequency of recent failures for the same
// user. Repeated failures escalate: each failure inside the window beyond
// the first adds 10 points, so a brute-force pattern crosses the critical
// threshold on its own.
type Scorer struct {
	clock Clock

	mu sync.Mutex
	// recent failure timestamps per user, pruned as they age out
	failures map[string][]time.Time
}

// NewScorer creates a scorer on the given clock.
func NewScorer(clock Clock) *Scorer {
	return &Scorer{
		clock:    clock,
		failures: make(map[string][]time.Time),
	}
}

// Score computes the risk score for an event and records its outcome for
// future frequency escalation. Safe for concurrent use.
func (s *Scorer) Score(action Action, result Result, userID string) int {
	score := baseRisk[action]

	switch result {
	case ResultFailure:
		score += 15
	case ResultDenied:
		score += 20
	}

	now := s.clock.Now()
	if userID != "" {
		s.mu.Lock()
		recent := pruneBefore(s.failures[userID], now.Add(-failureWindow))
		if result == ResultFailure || result == ResultDenied {
			recent = append(recent, now)
			// every failure in the window beyond the first escalates
			score += 10 * (len(recent) - 1)
		}
		if len(recent) > 0 {
			s.failures[userID] = recent
		} else {
			delete(s.failures, userID)
		}
		s.mu.Unlock()
	}

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	return score
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
