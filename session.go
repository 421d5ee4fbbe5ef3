package citadel

import "time"

// Session proves "this caller is authenticated as this user" for a bounded
// time. The id is 32 bytes of secure randomness, hex encoded; it is the
// only token a caller holds, so it must be unguessable.
//
// Sessions live in memory only. A session ends on explicit logout, on
// expiry (detected lazily on read and flipped by the background sweep), or
// when a newer login for the same user supersedes it.
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
	Active    bool
}

// expired reports whether the session has passed its deadline at now.
func (s *Session) expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
