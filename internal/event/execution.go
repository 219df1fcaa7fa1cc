package event

import (
	"encoding/json"
	"sync"
	"time"
)

// Event is an immutable record in an execution's append-only log (spec.md §3).
type Event struct {
	Seq        int64           `json:"seq"`
	Type       Type            `json:"type"`
	SourceType SourceType      `json:"source_type"`
	SourceID   string          `json:"source_id"`
	SourceName string          `json:"source_name"`
	Value      json.RawMessage `json:"value,omitempty"`
	Time       time.Time       `json:"time"`
}

// Execution is the top-level durable unit of spec.md §3: one run of a workflow with a
// unique id, input, state, and event log. Execution is the addressable state of a
// single execution in progress — the "context" the replay engine and task runtime
// consult on every call.
type Execution struct {
	mu sync.RWMutex

	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id"`
	WorkflowName   string          `json:"workflow_name"`
	Input          json.RawMessage `json:"input"`
	Output         json.RawMessage `json:"output,omitempty"`
	State          State           `json:"state"`
	CurrentWorker  string          `json:"current_worker,omitempty"`
	events         []Event
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	resumeCursor   int
}

// New creates a fresh execution in the CREATED state.
func New(id, workflowID, workflowName string, input json.RawMessage) *Execution {
	now := time.Now()
	return &Execution{
		ID:           id,
		WorkflowID:   workflowID,
		WorkflowName: workflowName,
		Input:        input,
		State:        StateCreated,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Restore rebuilds an Execution from its persisted fields and event log, for use by the
// storage layer when loading an execution back into memory.
func Restore(id, workflowID, workflowName string, input, output json.RawMessage, state State, currentWorker string, events []Event, createdAt, updatedAt time.Time) *Execution {
	return &Execution{
		ID:            id,
		WorkflowID:    workflowID,
		WorkflowName:  workflowName,
		Input:         input,
		Output:        output,
		State:         state,
		CurrentWorker: currentWorker,
		events:        append([]Event(nil), events...),
		CreatedAt:     createdAt,
		UpdatedAt:     updatedAt,
	}
}

// Append adds an event to the log in program order. It enforces strictly increasing
// sequence numbers and terminal finality (spec.md §8 invariants 3 and 4).
func (e *Execution) Append(evt Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.State.Terminal() {
		return ErrTerminal
	}
	nextSeq := int64(len(e.events)) + 1
	if evt.Seq == 0 {
		evt.Seq = nextSeq
	} else if evt.Seq != nextSeq {
		return ErrCorruptLog
	}
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}
	e.events = append(e.events, evt)
	e.UpdatedAt = evt.Time
	return nil
}

// Events returns the ordered event log. The returned slice must not be mutated.
func (e *Execution) Events() []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Event, len(e.events))
	copy(out, e.events)
	return out
}

// EventsFor returns, in order, the events recorded for a given source id.
func (e *Execution) EventsFor(sourceID string) []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Event
	for _, evt := range e.events {
		if evt.SourceID == sourceID {
			out = append(out, evt)
		}
	}
	return out
}

// SetState applies a state transition, validating it against the machine in spec.md §4.3.
func (e *Execution) SetState(to State) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.State == to {
		return nil
	}
	if !CanTransition(e.State, to) {
		return ErrInvalidTransition
	}
	e.State = to
	e.UpdatedAt = time.Now()
	return nil
}

// SetOutput records the terminal output value (success result or structured error).
func (e *Execution) SetOutput(output json.RawMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Output = output
	e.UpdatedAt = time.Now()
}

// SetCurrentWorker records which worker session currently holds the claim, or clears
// it when workerSessionID is empty.
func (e *Execution) SetCurrentWorker(workerSessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CurrentWorker = workerSessionID
	e.UpdatedAt = time.Now()
}

// CurrentState returns the execution's current state under the read lock.
func (e *Execution) CurrentState() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.State
}

// Snapshot returns copies of the mutable top-level fields, for persistence.
func (e *Execution) Snapshot() (state State, output json.RawMessage, currentWorker string, updatedAt time.Time) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.State, e.Output, e.CurrentWorker, e.UpdatedAt
}

// --- Derived predicates (spec.md §4.1) ---

// HasStarted reports whether a WORKFLOW_STARTED event has been recorded.
func (e *Execution) HasStarted() bool { return e.hasEventType(WorkflowStarted) }

// Succeeded reports whether the execution finished successfully.
func (e *Execution) Succeeded() bool { return e.CurrentState() == StateCompleted }

// Failed reports whether the execution finished in failure.
func (e *Execution) Failed() bool { return e.CurrentState() == StateFailed }

// Paused reports whether the execution is currently paused.
func (e *Execution) Paused() bool { return e.CurrentState() == StatePaused }

// Finished reports whether the execution has reached any terminal state.
func (e *Execution) Finished() bool { return e.CurrentState().Terminal() }

// Cancelling reports whether a cancellation has been requested but not yet completed.
func (e *Execution) Cancelling() bool { return e.CurrentState() == StateCancelling }

// Cancelled reports whether the execution was terminated by cancellation.
func (e *Execution) Cancelled() bool { return e.CurrentState() == StateCancelled }

// Claimed reports whether a worker currently holds the claim.
func (e *Execution) Claimed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.CurrentWorker != ""
}

func (e *Execution) hasEventType(t Type) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, evt := range e.events {
		if evt.Type == t {
			return true
		}
	}
	return false
}

// ResumeCursor returns the cursor's current position into the event log, as moved by
// AdvanceResumeCursor and ResetResumeCursor. The replay driver in internal/replay does
// not read or move it: it finds recorded task results by fingerprint via EventsFor.
func (e *Execution) ResumeCursor() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.resumeCursor
}

// AdvanceResumeCursor moves the resume cursor forward by n events.
func (e *Execution) AdvanceResumeCursor(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resumeCursor += n
}

// ResetResumeCursor rewinds the resume cursor to the start of the log.
func (e *Execution) ResetResumeCursor() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resumeCursor = 0
}
