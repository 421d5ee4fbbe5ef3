package audit

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLiteLogger(t *testing.T) *SQLiteLogger {
	t.Helper()
	logger, err := NewSQLiteLogger(&Config{
		Enabled: true,
		Type:    SinkTypeSQLite,
		Options: map[string]interface{}{"path": filepath.Join(t.TempDir(), "audit.db")},
	})
	require.NoError(t, err, "Should open audit database")
	t.Cleanup(func() { logger.Close() })
	return logger
}

func TestSQLiteLoggerAppendAndQuery(t *testing.T) {
	logger := newTestSQLiteLogger(t)
	base := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	events := []Event{
		stampedEvent("e1", "alice", ActionLogin, ResultSuccess, 10, base),
		stampedEvent("e2", "alice", ActionSecretReveal, ResultSuccess, 30, base.Add(time.Minute)),
		stampedEvent("e3", "bob", ActionLogin, ResultFailure, 25, base.Add(2*time.Minute)),
	}
	events[1].Detail = map[string]interface{}{"record_id": "rec-1"}
	for _, event := range events {
		require.NoError(t, logger.Append(event))
	}

	all, err := logger.Query(QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, all.Events, 3)

	alice, err := logger.Query(QueryOptions{UserID: "alice"})
	require.NoError(t, err)
	assert.Len(t, alice.Events, 2)

	reveals, err := logger.Query(QueryOptions{Action: ActionSecretReveal})
	require.NoError(t, err)
	require.Len(t, reveals.Events, 1)
	assert.Equal(t, "rec-1", reveals.Events[0].Detail["record_id"], "Detail should round-trip")

	sinceCutoff := base.Add(90 * time.Second)
	since, err := logger.Query(QueryOptions{Since: &sinceCutoff})
	require.NoError(t, err)
	assert.Len(t, since.Events, 1)

	limited, err := logger.Query(QueryOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited.Events, 2)
	assert.True(t, limited.HasMore)
}

func TestSQLiteLoggerPurgePreservesCritical(t *testing.T) {
	logger := newTestSQLiteLogger(t)
	base := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	require.NoError(t, logger.Append(stampedEvent("old-routine", "alice", ActionLogin, ResultSuccess, 10, base)))
	require.NoError(t, logger.Append(stampedEvent("old-critical", "alice", ActionSinkFailure, ResultFailure, 95, base.Add(time.Minute))))
	require.NoError(t, logger.Append(stampedEvent("new-routine", "alice", ActionLogout, ResultSuccess, 5, base.Add(time.Hour))))

	removed, err := logger.PurgeBefore(base.Add(30 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	result, err := logger.Query(QueryOptions{})
	require.NoError(t, err)
	require.Len(t, result.Events, 2)
	for _, event := range result.Events {
		assert.NotEqual(t, "old-routine", event.ID)
	}
}
