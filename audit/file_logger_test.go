package audit

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileLogger(t *testing.T) (*FileLogger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.log")
	logger, err := NewFileLogger(&Config{
		Enabled: true,
		Type:    SinkTypeFile,
		Options: map[string]interface{}{"file_path": path},
	})
	require.NoError(t, err, "Should create file logger")
	t.Cleanup(func() { logger.Close() })
	return logger, path
}

func stampedEvent(id, userID string, action Action, result Result, risk int, at time.Time) Event {
	return Event{
		ID:        id,
		UserID:    userID,
		Action:    action,
		Result:    result,
		RiskScore: risk,
		Timestamp: at,
	}
}

func TestFileLoggerAppendAndQuery(t *testing.T) {
	logger, path := newTestFileLogger(t)
	base := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	require.NoError(t, logger.Append(stampedEvent("e1", "alice", ActionLogin, ResultSuccess, 10, base)))
	require.NoError(t, logger.Append(stampedEvent("e2", "alice", ActionSecretReveal, ResultSuccess, 30, base.Add(time.Minute))))
	require.NoError(t, logger.Append(stampedEvent("e3", "bob", ActionLogin, ResultFailure, 25, base.Add(2*time.Minute))))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEmpty(t, data, "Events should be persisted to disk")

	all, err := logger.Query(QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, all.TotalCount)
	assert.Len(t, all.Events, 3)
	assert.Equal(t, "e3", all.Events[0].ID, "Newest event should come first")

	alice, err := logger.Query(QueryOptions{UserID: "alice"})
	require.NoError(t, err)
	assert.Len(t, alice.Events, 2)

	failures, err := logger.Query(QueryOptions{Result: ResultFailure})
	require.NoError(t, err)
	assert.Len(t, failures.Events, 1)
	assert.Equal(t, "e3", failures.Events[0].ID)

	risky, err := logger.Query(QueryOptions{MinRisk: 25})
	require.NoError(t, err)
	assert.Len(t, risky.Events, 2)

	limited, err := logger.Query(QueryOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited.Events, 2)
	assert.True(t, limited.HasMore)
}

func TestFileLoggerQuerySurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	config := &Config{
		Enabled: true,
		Type:    SinkTypeFile,
		Options: map[string]interface{}{"file_path": path},
	}

	logger, err := NewFileLogger(config)
	require.NoError(t, err)
	base := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	require.NoError(t, logger.Append(stampedEvent("e1", "alice", ActionLogin, ResultSuccess, 10, base)))
	require.NoError(t, logger.Close())

	reopened, err := NewFileLogger(config)
	require.NoError(t, err)
	defer reopened.Close()

	result, err := reopened.Query(QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, result.Events, 1, "Events written before reopen should survive")
}

func TestFileLoggerPurgePreservesCritical(t *testing.T) {
	logger, _ := newTestFileLogger(t)
	base := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	require.NoError(t, logger.Append(stampedEvent("old-routine", "alice", ActionLogin, ResultSuccess, 10, base)))
	require.NoError(t, logger.Append(stampedEvent("old-critical", "alice", ActionLoginLocked, ResultDenied, 95, base.Add(time.Minute))))
	require.NoError(t, logger.Append(stampedEvent("new-routine", "alice", ActionLogout, ResultSuccess, 5, base.Add(time.Hour))))

	removed, err := logger.PurgeBefore(base.Add(30 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, removed, "Only the old routine event should be purged")

	result, err := logger.Query(QueryOptions{})
	require.NoError(t, err)
	require.Len(t, result.Events, 2)

	ids := []string{result.Events[0].ID, result.Events[1].ID}
	assert.Contains(t, ids, "old-critical", "Critical events survive purge regardless of age")
	assert.Contains(t, ids, "new-routine")
}

func TestFileLoggerSkipsCorruptLines(t *testing.T) {
	logger, path := newTestFileLogger(t)
	base := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	require.NoError(t, logger.Append(stampedEvent("e1", "alice", ActionLogin, ResultSuccess, 10, base)))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString("not json at all\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, logger.Append(stampedEvent("e2", "alice", ActionLogout, ResultSuccess, 5, base.Add(time.Minute))))

	result, err := logger.Query(QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, result.Events, 2, "Corrupt lines are skipped, valid events remain readable")
}

func TestNewLoggerFactory(t *testing.T) {
	sink, err := NewLogger(nil)
	require.NoError(t, err)
	assert.IsType(t, &NoOpLogger{}, sink, "Nil config selects the no-op sink")

	sink, err = NewLogger(&Config{Enabled: false, Type: SinkTypeFile})
	require.NoError(t, err)
	assert.IsType(t, &NoOpLogger{}, sink, "Disabled config selects the no-op sink")

	_, err = NewLogger(&Config{Enabled: true, Type: "carrier-pigeon"})
	assert.Error(t, err)

	_, err = NewLogger(&Config{Enabled: true, Type: SinkTypeFile})
	assert.Error(t, err, "File sink requires file_path")
}
