package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteLogger is a SQLite-backed audit sink for deployments that want
// indexed queries over a long event history.
type SQLiteLogger struct {
	db *sql.DB
}

type SQLiteOptions struct {
	Path string `json:"path"`
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id         TEXT PRIMARY KEY,
	user_id    TEXT,
	session_id TEXT,
	action     TEXT NOT NULL,
	result     TEXT NOT NULL,
	risk_score INTEGER NOT NULL,
	timestamp  TIMESTAMP NOT NULL,
	detail     TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_events(user_id);
CREATE INDEX IF NOT EXISTS idx_audit_time ON audit_events(timestamp);
`

// NewSQLiteLogger opens (and if needed initializes) the audit database.
func NewSQLiteLogger(config *Config) (*SQLiteLogger, error) {
	var opts SQLiteOptions
	if err := parseOptions(config.Options, &opts); err != nil {
		return nil, fmt.Errorf("invalid sqlite logger options: %w", err)
	}
	if opts.Path == "" {
		return nil, fmt.Errorf("path is required for sqlite logger")
	}

	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	if _, err = db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	return &SQLiteLogger{db: db}, nil
}

func (sl *SQLiteLogger) Append(event Event) error {
	var detail []byte
	var err error
	if event.Detail != nil {
		if detail, err = json.Marshal(event.Detail); err != nil {
			return fmt.Errorf("failed to serialize event detail: %w", err)
		}
	}
	_, err = sl.db.Exec(
		`INSERT INTO audit_events (id, user_id, session_id, action, result, risk_score, timestamp, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.UserID, event.SessionID, string(event.Action), string(event.Result),
		event.RiskScore, event.Timestamp.UTC(), string(detail),
	)
	if err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return nil
}

func (sl *SQLiteLogger) Query(options QueryOptions) (QueryResult, error) {
	var conditions []string
	var args []interface{}

	add := func(cond string, arg interface{}) {
		conditions = append(conditions, cond)
		args = append(args, arg)
	}
	if options.UserID != "" {
		add("user_id = ?", options.UserID)
	}
	if options.SessionID != "" {
		add("session_id = ?", options.SessionID)
	}
	if options.Action != "" {
		add("action = ?", string(options.Action))
	}
	if options.Result != "" {
		add("result = ?", string(options.Result))
	}
	if options.Since != nil {
		add("timestamp >= ?", options.Since.UTC())
	}
	if options.Until != nil {
		add("timestamp <= ?", options.Until.UTC())
	}
	if options.MinRisk > 0 {
		add("risk_score >= ?", options.MinRisk)
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := sl.db.QueryRow("SELECT COUNT(*) FROM audit_events").Scan(&total); err != nil {
		return QueryResult{}, fmt.Errorf("failed to count audit events: %w", err)
	}

	query := "SELECT id, user_id, session_id, action, result, risk_score, timestamp, detail FROM audit_events" +
		where + " ORDER BY timestamp DESC"
	hasMore := false
	if options.Limit > 0 {
		// fetch one extra row to detect truncation
		query += fmt.Sprintf(" LIMIT %d", options.Limit+1)
	}

	rows, err := sl.db.Query(query, args...)
	if err != nil {
		return QueryResult{}, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var event Event
		var action, result, detail string
		if err = rows.Scan(&event.ID, &event.UserID, &event.SessionID, &action, &result,
			&event.RiskScore, &event.Timestamp, &detail); err != nil {
			return QueryResult{}, fmt.Errorf("failed to scan audit event: %w", err)
		}
		event.Action = Action(action)
		event.Result = Result(result)
		if detail != "" {
			if err = json.Unmarshal([]byte(detail), &event.Detail); err != nil {
				return QueryResult{}, fmt.Errorf("failed to parse event detail: %w", err)
			}
		}
		events = append(events, event)
	}
	if err = rows.Err(); err != nil {
		return QueryResult{}, fmt.Errorf("failed to read audit events: %w", err)
	}
	if options.Limit > 0 && len(events) > options.Limit {
		events = events[:options.Limit]
		hasMore = true
	}

	return QueryResult{
		Events:     events,
		TotalCount: total,
		Filtered:   len(events),
		HasMore:    hasMore,
	}, nil
}

func (sl *SQLiteLogger) PurgeBefore(cutoff time.Time) (int, error) {
	result, err := sl.db.Exec(
		"DELETE FROM audit_events WHERE timestamp < ? AND risk_score < ?",
		cutoff.UTC(), CriticalRiskThreshold,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge audit events: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged events: %w", err)
	}
	return int(removed), nil
}

func (sl *SQLiteLogger) Close() error {
	return sl.db.Close()
}
