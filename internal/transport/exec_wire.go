package transport

import (
	"encoding/json"
	"time"

	"github.com/fluxworkflow/flux/internal/event"
)

// execFetchSubject is the request/reply subject a worker uses to pull an execution's
// current snapshot from the server. Unlike the fire-and-forget control subjects, this
// one is a classic NATS request/reply: the worker publishes with a reply inbox and
// blocks on the response.
//
// A worker process never opens the server's execution store directly — bbolt holds an
// exclusive file lock for its one writer process, so "share the database file" is not
// an option once server and worker are separate processes. Fetching by request/reply
// over the same control-plane connection keeps the worker's storage dependency to
// local-only concerns (cache, secrets) while still giving it the execution state it
// needs to drive a claim.
const execFetchSubject = "flux.exec.fetch"

// execWire is the JSON shape an execution snapshot travels in over NATS: the same
// fields internal/storage's execRecord persists, independently declared here so
// transport does not need to import storage.
type execWire struct {
	ID            string          `json:"id"`
	WorkflowID    string          `json:"workflow_id"`
	WorkflowName  string          `json:"workflow_name"`
	Input         json.RawMessage `json:"input"`
	Output        json.RawMessage `json:"output,omitempty"`
	State         event.State     `json:"state"`
	CurrentWorker string          `json:"current_worker,omitempty"`
	Events        []event.Event   `json:"events"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func marshalExecution(exec *event.Execution) ([]byte, error) {
	state, output, currentWorker, updatedAt := exec.Snapshot()
	return json.Marshal(execWire{
		ID: exec.ID, WorkflowID: exec.WorkflowID, WorkflowName: exec.WorkflowName,
		Input: exec.Input, Output: output, State: state, CurrentWorker: currentWorker,
		Events: exec.Events(), CreatedAt: exec.CreatedAt, UpdatedAt: updatedAt,
	})
}

func unmarshalExecution(data []byte) (*event.Execution, error) {
	var w execWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	return event.Restore(w.ID, w.WorkflowID, w.WorkflowName, w.Input, w.Output, w.State, w.CurrentWorker, w.Events, w.CreatedAt, w.UpdatedAt), nil
}
