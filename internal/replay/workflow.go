// Package replay is the workflow runtime of spec.md §4.3: it drives a workflow
// function to a terminal or paused state by re-running it from the start against an
// execution's event log on every claim and resume, relying on the task runtime
// (internal/task) to fast-forward through already-recorded calls without
// re-executing their side effects.
//
// Go has no resumable coroutine a driver could park mid-function and wake up later,
// unlike the source's async/await model — so instead of trying to suspend a
// goroutine across worker restarts, Drive re-executes the workflow function from
// statement one every time, and determinism (guaranteed by fingerprint lookup in
// internal/task) makes the re-run produce the same prefix of calls up to the point
// it needs to do new work. This generalizes the goroutine-per-DAG-node shape of
// services/orchestrator/dag_engine.go's executeDAG into a single re-entrant driver.
package replay

import (
	"encoding/json"

	"github.com/fluxworkflow/flux/internal/event"
)

// Func is a workflow's body: ordinary Go code that calls out to tasks through ctx.
type Func func(ctx *Context, input json.RawMessage) (any, error)

// Workflow pairs a registered name with its body.
type Workflow struct {
	Name string
	Fn   Func
}

// New constructs a Workflow.
func New(name string, fn Func) *Workflow {
	return &Workflow{Name: name, Fn: fn}
}

func appendWorkflowEvent(exec *event.Execution, typ event.Type, sourceID, name string, value json.RawMessage) error {
	return exec.Append(event.Event{
		Type:       typ,
		SourceType: event.SourceWorkflow,
		SourceID:   sourceID,
		SourceName: name,
		Value:      value,
	})
}

type wireError struct {
	Message string `json:"message"`
}

func encodeWorkflowError(err error) json.RawMessage {
	data, marshalErr := json.Marshal(wireError{Message: err.Error()})
	if marshalErr != nil {
		return json.RawMessage(`{"message":"workflow failed"}`)
	}
	return data
}
