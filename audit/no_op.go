package audit

import "time"

// NoOpLogger is a no-op sink for when auditing is disabled.
type NoOpLogger struct{}

func NewNoOpLogger() Logger {
	return new(NoOpLogger)
}

func (n *NoOpLogger) Append(event Event) error {
	return nil
}

func (n *NoOpLogger) Query(options QueryOptions) (QueryResult, error) {
	return QueryResult{Events: []Event{}}, nil
}

func (n *NoOpLogger) PurgeBefore(cutoff time.Time) (int, error) {
	return 0, nil
}

func (n *NoOpLogger) Close() error {
	return nil
}
