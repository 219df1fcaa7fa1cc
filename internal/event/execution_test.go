package event

import "testing"

func TestAppendEnforcesSequenceOrder(t *testing.T) {
	e := New("exec_1", "wf_1", "demo", nil)
	if err := e.Append(Event{Type: WorkflowStarted, SourceType: SourceWorkflow}); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if err := e.Append(Event{Seq: 5, Type: WorkflowCompleted, SourceType: SourceWorkflow}); err != ErrCorruptLog {
		t.Fatalf("expected ErrCorruptLog for out-of-order seq, got %v", err)
	}
}

func TestTerminalStateRejectsFurtherAppends(t *testing.T) {
	e := New("exec_1", "wf_1", "demo", nil)
	if err := e.SetState(StateScheduled); err != nil {
		t.Fatalf("to scheduled: %v", err)
	}
	if err := e.SetState(StateClaimed); err != nil {
		t.Fatalf("to claimed: %v", err)
	}
	if err := e.SetState(StateRunning); err != nil {
		t.Fatalf("to running: %v", err)
	}
	if err := e.SetState(StateCompleted); err != nil {
		t.Fatalf("to completed: %v", err)
	}
	if err := e.Append(Event{Type: WorkflowCompleted, SourceType: SourceWorkflow}); err != ErrTerminal {
		t.Fatalf("expected ErrTerminal after completion, got %v", err)
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	e := New("exec_1", "wf_1", "demo", nil)
	if err := e.SetState(StateRunning); err != ErrInvalidTransition {
		t.Fatalf("expected ErrInvalidTransition jumping CREATED->RUNNING, got %v", err)
	}
}

func TestEventsForFiltersBySource(t *testing.T) {
	e := New("exec_1", "wf_1", "demo", nil)
	_ = e.Append(Event{Type: TaskStarted, SourceType: SourceTask, SourceID: "fp-a"})
	_ = e.Append(Event{Type: TaskStarted, SourceType: SourceTask, SourceID: "fp-b"})
	_ = e.Append(Event{Type: TaskCompleted, SourceType: SourceTask, SourceID: "fp-a"})

	got := e.EventsFor("fp-a")
	if len(got) != 2 {
		t.Fatalf("expected 2 events for fp-a, got %d", len(got))
	}
	for _, evt := range got {
		if evt.SourceID != "fp-a" {
			t.Fatalf("leaked event from another source: %+v", evt)
		}
	}
}

func TestResumeCursorAdvancesAndResets(t *testing.T) {
	e := New("exec_1", "wf_1", "demo", nil)
	e.AdvanceResumeCursor(3)
	if got := e.ResumeCursor(); got != 3 {
		t.Fatalf("expected cursor 3, got %d", got)
	}
	e.ResetResumeCursor()
	if got := e.ResumeCursor(); got != 0 {
		t.Fatalf("expected cursor reset to 0, got %d", got)
	}
}
