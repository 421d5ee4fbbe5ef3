package audit

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// maxBufferedEvents bounds the in-memory overflow buffer. When full, the
// oldest non-critical events are dropped first.
const maxBufferedEvents = 4096

// Recorder is the audit logger the vault components talk to. It stamps
// events with an id, timestamp and risk score, then hands them to the
// sink.
//
// Recorder never fails its caller: if the sink is unavailable the event is
// buffered in memory and a single CRITICAL self-referential event about
// the audit failure is raised for the outage. The primary vault operation
// completes or fails on its own merits either way. Buffered events drain
// on the next successful Append or an explicit Flush.
type Recorder struct {
	sink   Logger
	clock  Clock
	scorer *Scorer

	mu       sync.Mutex
	buffer   []Event
	sinkDown bool
}

// NewRecorder wraps sink with risk scoring on the given clock.
func NewRecorder(sink Logger, clock Clock) *Recorder {
	return &Recorder{
		sink:   sink,
		clock:  clock,
		scorer: NewScorer(clock),
	}
}

// Record stamps and persists the event, returning its id. The caller only
// supplies UserID, SessionID, Action, Result and Detail.
func (r *Recorder) Record(event Event) string {
	event.ID = uuid.NewString()
	event.Timestamp = r.clock.Now().UTC()
	event.RiskScore = r.scorer.Score(event.Action, event.Result, event.UserID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.appendLocked(event); err != nil {
		r.bufferLocked(event)
		if !r.sinkDown {
			r.sinkDown = true
			failure := Event{
				ID:        uuid.NewString(),
				Action:    ActionSinkFailure,
				Result:    ResultFailure,
				RiskScore: baseRisk[ActionSinkFailure],
				Timestamp: event.Timestamp,
				Detail: map[string]interface{}{
					"error": err.Error(),
				},
			}
			if r.appendLocked(failure) != nil {
				r.bufferLocked(failure)
			}
		}
	}
	return event.ID
}

// Flush retries buffered events against the sink. Events that still cannot
// be written stay buffered.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for len(r.buffer) > 0 {
		if err := r.sink.Append(r.buffer[0]); err != nil {
			return fmt.Errorf("audit sink still unavailable: %w", err)
		}
		r.buffer = r.buffer[1:]
	}
	r.sinkDown = false
	return nil
}

// Buffered returns the number of events awaiting a reachable sink.
func (r *Recorder) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffer)
}

// Query delegates to the sink.
func (r *Recorder) Query(options QueryOptions) (QueryResult, error) {
	return r.sink.Query(options)
}

// PurgeBefore removes events older than cutoff, preserving all CRITICAL
// events indefinitely. Returns the number of events removed.
func (r *Recorder) PurgeBefore(cutoff time.Time) (int, error) {
	return r.sink.PurgeBefore(cutoff)
}

// Close flushes what it can and closes the sink.
func (r *Recorder) Close() error {
	_ = r.Flush()
	return r.sink.Close()
}

// appendLocked writes through to the sink and clears the outage flag on
// success. Caller holds r.mu.
func (r *Recorder) appendLocked(event Event) error {
	if err := r.sink.Append(event); err != nil {
		return err
	}
	r.sinkDown = false
	return nil
}

// bufferLocked stores an event in the overflow buffer, evicting the oldest
// non-critical event when full. Caller holds r.mu.
func (r *Recorder) bufferLocked(event Event) {
	if len(r.buffer) >= maxBufferedEvents {
		for i, buffered := range r.buffer {
			if !buffered.Critical() {
				r.buffer = append(r.buffer[:i], r.buffer[i+1:]...)
				break
			}
		}
		if len(r.buffer) >= maxBufferedEvents {
			// all critical: drop the oldest regardless
			r.buffer = r.buffer[1:]
		}
	}
	r.buffer = append(r.buffer, event)
}
