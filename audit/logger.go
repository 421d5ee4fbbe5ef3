// Package audit provides the tamper-evident audit trail for the vault.
// Every security-relevant action produces exactly one Event with a
// deterministic risk score. The Recorder wraps a pluggable sink and
// guarantees that auditing never becomes an availability dependency for
// the vault's primary operations.
package audit

import (
	"fmt"
	"time"
)

// Action identifies the security-relevant operation an event describes.
type Action string

const (
	ActionUserCreate    Action = "user.create"
	ActionLogin         Action = "auth.login"
	ActionLoginLocked   Action = "auth.locked"
	ActionLogout        Action = "auth.logout"
	ActionSessionExpire Action = "session.expired"
	ActionViewGrant     Action = "view.grant"
	ActionViewRevoke    Action = "view.revoke"
	ActionViewExpire    Action = "view.expired"
	ActionSecretAdd     Action = "secret.add"
	ActionSecretEdit    Action = "secret.edit"
	ActionSecretDelete  Action = "secret.delete"
	ActionSecretReveal  Action = "secret.reveal"
	ActionSecretList    Action = "secret.list"
	ActionSecretUpgrade Action = "secret.upgrade"
	ActionAuditQuery    Action = "audit.query"
	ActionAuditPurge    Action = "audit.purge"

	// ActionSinkFailure is the self-referential event raised when the
	// audit sink itself is unavailable.
	ActionSinkFailure Action = "audit.sink_failure"
)

// Result classifies the outcome of the audited operation.
type Result string

const (
	ResultSuccess Result = "SUCCESS"
	ResultFailure Result = "FAILURE"
	ResultDenied  Result = "DENIED"
)

// CriticalRiskThreshold marks the score at or above which an event is
// considered CRITICAL. Critical events survive retention cleanup
// indefinitely.
const CriticalRiskThreshold = 90

// Event is one append-only audit record. Detail must be secret-free:
// sizes, identifiers and error kinds only, never plaintext, keys or
// master secrets.
type Event struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"user_id,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	Action    Action                 `json:"action"`
	Result    Result                 `json:"result"`
	RiskScore int                    `json:"risk_score"`
	Timestamp time.Time              `json:"timestamp"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
}

// Critical reports whether the event must be preserved by retention cleanup.
func (e Event) Critical() bool {
	return e.RiskScore >= CriticalRiskThreshold
}

// Logger is a pluggable audit sink. Implementations must be safe for
// concurrent use. Append failures are handled by the Recorder; sinks
// report them honestly rather than swallowing them.
type Logger interface {
	Append(event Event) error
	Query(options QueryOptions) (QueryResult, error)

	// PurgeBefore deletes events older than cutoff whose risk score is
	// below CriticalRiskThreshold, returning the number removed.
	PurgeBefore(cutoff time.Time) (int, error)

	Close() error
}

// QueryOptions filters audit queries.
type QueryOptions struct {
	UserID    string
	SessionID string
	Action    Action
	Result    Result
	Since     *time.Time
	Until     *time.Time
	MinRisk   int
	Limit     int
}

// QueryResult contains the result of an audit query, newest first.
type QueryResult struct {
	Events     []Event `json:"events"`
	TotalCount int     `json:"total_count"`
	Filtered   int     `json:"filtered"`
	HasMore    bool    `json:"has_more"`
}

// SinkType selects an audit sink implementation.
type SinkType string

const (
	SinkTypeFile   SinkType = "file"
	SinkTypeSQLite SinkType = "sqlite"
	SinkTypeNoOp   SinkType = ""
)

// Config selects and configures an audit sink.
type Config struct {
	Enabled bool                   `json:"enabled"`
	Type    SinkType               `json:"type"`
	Options map[string]interface{} `json:"options"`
}

// NewLogger creates the sink described by config.
func NewLogger(config *Config) (Logger, error) {
	if config == nil || !config.Enabled {
		return &NoOpLogger{}, nil
	}
	switch config.Type {
	case SinkTypeFile:
		return NewFileLogger(config)
	case SinkTypeSQLite:
		return NewSQLiteLogger(config)
	case SinkTypeNoOp:
		return &NoOpLogger{}, nil
	default:
		return nil, fmt.Errorf("unknown audit sink type: %s", config.Type)
	}
}

// matchesFilter applies QueryOptions to a single event.
func matchesFilter(event Event, options QueryOptions) bool {
	if options.UserID != "" && event.UserID != options.UserID {
		return false
	}
	if options.SessionID != "" && event.SessionID != options.SessionID {
		return false
	}
	if options.Action != "" && event.Action != options.Action {
		return false
	}
	if options.Result != "" && event.Result != options.Result {
		return false
	}
	if options.Since != nil && event.Timestamp.Before(*options.Since) {
		return false
	}
	if options.Until != nil && event.Timestamp.After(*options.Until) {
		return false
	}
	if options.MinRisk > 0 && event.RiskScore < options.MinRisk {
		return false
	}
	return true
}
