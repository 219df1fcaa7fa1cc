package replay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fluxworkflow/flux/internal/event"
	"github.com/fluxworkflow/flux/internal/task"
)

// Driver re-executes a workflow function against an execution's event log, driving
// it to COMPLETED, FAILED, CANCELLED, or PAUSED. A Driver is stateless beyond its
// Runtime reference; the same Driver drives every execution a worker holds.
type Driver struct {
	Runtime *task.Runtime
}

// NewDriver builds a Driver bound to a task runtime.
func NewDriver(runtime *task.Runtime) *Driver {
	return &Driver{Runtime: runtime}
}

// Drive runs wf against exec from the top, per spec.md §4.3's replay algorithm. It
// returns once the execution reaches a terminal state or PAUSED; a non-nil error
// indicates a driver-level failure distinct from the workflow's own recorded
// WORKFLOW_FAILED outcome (e.g. an invariant violation appending to the log).
func (d *Driver) Drive(ctx context.Context, exec *event.Execution, wf *Workflow) (err error) {
	if exec.Cancelling() {
		return d.finishCancelled(exec)
	}

	defer func() {
		if r := recover(); r != nil {
			switch r.(type) {
			case pauseSignal:
				err = exec.SetState(event.StatePaused)
			case cancelSignal:
				err = d.finishCancelled(exec)
			default:
				panic(r)
			}
		}
	}()

	if serr := exec.SetState(event.StateRunning); serr != nil {
		return fmt.Errorf("replay: enter running: %w", serr)
	}
	if !exec.HasStarted() {
		if aerr := appendWorkflowEvent(exec, event.WorkflowStarted, exec.ID, exec.WorkflowName, exec.Input); aerr != nil {
			return fmt.Errorf("replay: append workflow started: %w", aerr)
		}
	}

	wctx := newContext(ctx, exec, d.Runtime)
	result, runErr := wf.Fn(wctx, exec.Input)
	if runErr != nil {
		return d.finishFailed(exec, runErr)
	}
	return d.finishCompleted(exec, result)
}

func (d *Driver) finishCompleted(exec *event.Execution, result any) error {
	out, merr := json.Marshal(result)
	if merr != nil {
		return d.finishFailed(exec, fmt.Errorf("workflow result not JSON-serializable: %w", merr))
	}
	exec.SetOutput(out)
	if aerr := appendWorkflowEvent(exec, event.WorkflowCompleted, exec.ID, exec.WorkflowName, out); aerr != nil {
		return fmt.Errorf("replay: append workflow completed: %w", aerr)
	}
	return exec.SetState(event.StateCompleted)
}

func (d *Driver) finishFailed(exec *event.Execution, workflowErr error) error {
	out := encodeWorkflowError(workflowErr)
	exec.SetOutput(out)
	if aerr := appendWorkflowEvent(exec, event.WorkflowFailed, exec.ID, exec.WorkflowName, out); aerr != nil {
		return fmt.Errorf("replay: append workflow failed: %w", aerr)
	}
	return exec.SetState(event.StateFailed)
}

func (d *Driver) finishCancelled(exec *event.Execution) error {
	if aerr := appendWorkflowEvent(exec, event.WorkflowCancelled, exec.ID, exec.WorkflowName, nil); aerr != nil {
		return fmt.Errorf("replay: append workflow cancelled: %w", aerr)
	}
	return exec.SetState(event.StateCancelled)
}

// Resume records a WORKFLOW_RESUMED event against the execution's single outstanding
// pause (the most recent WORKFLOW_PAUSED event with no matching WORKFLOW_RESUMED),
// and transitions the execution back to RUNNING. Drive must be called again
// afterward for the workflow to actually pick up the payload and continue.
func Resume(exec *event.Execution, payload json.RawMessage) error {
	var pendingFP string
	resumed := map[string]bool{}
	for _, evt := range exec.Events() {
		if evt.SourceType != event.SourceWorkflow {
			continue
		}
		switch evt.Type {
		case event.WorkflowResumed:
			resumed[evt.SourceID] = true
			if evt.SourceID == pendingFP {
				pendingFP = ""
			}
		case event.WorkflowPaused:
			if !resumed[evt.SourceID] {
				pendingFP = evt.SourceID
			}
		}
	}
	if pendingFP == "" {
		return fmt.Errorf("replay: resume: no outstanding pause")
	}
	if err := exec.SetState(event.StateRunning); err != nil {
		return fmt.Errorf("replay: resume: %w", err)
	}
	return exec.Append(event.Event{
		Type:       event.WorkflowResumed,
		SourceType: event.SourceWorkflow,
		SourceID:   pendingFP,
		Value:      payload,
	})
}

// Cancel requests cooperative cancellation: it transitions the execution to
// CANCELLING and records the request. A running Driver observes this at its next
// task boundary; a paused execution is finished as CANCELLED the next time Drive is
// called without ever resuming user code.
func Cancel(exec *event.Execution) error {
	if err := exec.SetState(event.StateCancelling); err != nil {
		return fmt.Errorf("replay: cancel: %w", err)
	}
	return exec.Append(event.Event{
		Type:       event.WorkflowCancelling,
		SourceType: event.SourceWorkflow,
		SourceID:   exec.ID,
	})
}
