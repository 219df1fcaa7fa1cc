package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/fluxworkflow/flux/internal/event"
	"github.com/fluxworkflow/flux/internal/replay"
	"github.com/fluxworkflow/flux/internal/task"
)

type memStore struct {
	mu   sync.Mutex
	execs map[string]*event.Execution
}

func newMemStore() *memStore { return &memStore{execs: make(map[string]*event.Execution)} }

func (s *memStore) put(exec *event.Execution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs[exec.ID] = exec
}

func (s *memStore) GetExecution(id string) (*event.Execution, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[id]
	return exec, ok, nil
}

func (s *memStore) SaveExecution(exec *event.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs[exec.ID] = exec
	return nil
}

type recordingTransport struct {
	mu       sync.Mutex
	acked    []string
	released map[string]string
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{released: make(map[string]string)}
}

func (t *recordingTransport) SendClaimAck(ctx context.Context, executionID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.acked = append(t.acked, executionID)
	return nil
}

func (t *recordingTransport) SendClaimReleased(ctx context.Context, executionID, reason string, exec *event.Execution) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.released[executionID] = reason
	return nil
}

func (t *recordingTransport) releaseReason(id string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.released[id]
	return r, ok
}

func claimedExec(id, name string) *event.Execution {
	exec := event.New(id, "wf_"+id, name, nil)
	_ = exec.SetState(event.StateScheduled)
	_ = exec.SetState(event.StateClaimed)
	return exec
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestAcceptDrivesExecutionToCompletion(t *testing.T) {
	store := newMemStore()
	transport := newRecordingTransport()
	rt := task.NewRuntime(nil, nil, nil)
	driver := replay.NewDriver(rt)

	greet := task.New("greet_task", func(ctx context.Context, in task.Input) (any, error) {
		return "done", nil
	})
	wf := replay.New("simple", func(wctx *replay.Context, input json.RawMessage) (any, error) {
		val, err := wctx.Call(greet, nil, nil)
		if err != nil {
			return nil, err
		}
		var s string
		_ = json.Unmarshal(val, &s)
		return s, nil
	})

	pool := New(Config{SessionID: "sess-1", MaxConcurrency: 2, Driver: driver, Store: store, Transport: transport})
	pool.RegisterWorkflow("simple@v1", wf)

	exec := claimedExec("exec-1", "simple")
	store.put(exec)

	if err := pool.Accept(context.Background(), "exec-1", "simple@v1"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	waitFor(t, func() bool {
		reason, ok := transport.releaseReason("exec-1")
		return ok && reason == "completed"
	})

	saved, _ := store.GetExecution("exec-1")
	if saved.CurrentState() != event.StateCompleted {
		t.Fatalf("expected COMPLETED, got %s", saved.CurrentState())
	}
	if pool.ActiveCount() != 0 {
		t.Fatalf("expected pool to be empty after completion, got %d", pool.ActiveCount())
	}
}

func TestAcceptRejectsUnknownWorkflow(t *testing.T) {
	store := newMemStore()
	transport := newRecordingTransport()
	rt := task.NewRuntime(nil, nil, nil)
	driver := replay.NewDriver(rt)
	pool := New(Config{SessionID: "sess-1", MaxConcurrency: 1, Driver: driver, Store: store, Transport: transport})

	if err := pool.Accept(context.Background(), "exec-1", "missing@v1"); err == nil {
		t.Fatalf("expected error for unregistered workflow")
	}
}

func TestAcceptRejectsBeyondCapacity(t *testing.T) {
	store := newMemStore()
	transport := newRecordingTransport()
	rt := task.NewRuntime(nil, nil, nil)
	driver := replay.NewDriver(rt)

	release := make(chan struct{})
	blocking := task.New("blocking", func(ctx context.Context, in task.Input) (any, error) {
		<-release
		return "ok", nil
	})
	wf := replay.New("blocker", func(wctx *replay.Context, input json.RawMessage) (any, error) {
		return wctx.Call(blocking, nil, nil)
	})

	pool := New(Config{SessionID: "sess-1", MaxConcurrency: 1, Driver: driver, Store: store, Transport: transport})
	pool.RegisterWorkflow("blocker@v1", wf)

	store.put(claimedExec("exec-1", "blocker"))
	store.put(claimedExec("exec-2", "blocker"))

	if err := pool.Accept(context.Background(), "exec-1", "blocker@v1"); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	waitFor(t, func() bool { return pool.ActiveCount() == 1 })

	if err := pool.Accept(context.Background(), "exec-2", "blocker@v1"); err != ErrAtCapacity {
		t.Fatalf("expected ErrAtCapacity, got %v", err)
	}
	close(release)
	waitFor(t, func() bool {
		_, ok := transport.releaseReason("exec-1")
		return ok
	})
}

func TestCancelMarksActiveExecutionCancelling(t *testing.T) {
	store := newMemStore()
	transport := newRecordingTransport()
	rt := task.NewRuntime(nil, nil, nil)
	driver := replay.NewDriver(rt)

	release := make(chan struct{})
	blocking := task.New("blocking", func(ctx context.Context, in task.Input) (any, error) {
		<-release
		return "ok", nil
	})
	wf := replay.New("blocker", func(wctx *replay.Context, input json.RawMessage) (any, error) {
		return wctx.Call(blocking, nil, nil)
	})

	pool := New(Config{SessionID: "sess-1", MaxConcurrency: 1, Driver: driver, Store: store, Transport: transport})
	pool.RegisterWorkflow("blocker@v1", wf)
	store.put(claimedExec("exec-1", "blocker"))

	if err := pool.Accept(context.Background(), "exec-1", "blocker@v1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitFor(t, func() bool { return pool.ActiveCount() == 1 })
	// ActiveCount is set before the pool's goroutine has fetched the execution; Cancel
	// reaches it only once the driver has moved it to RUNNING.
	waitFor(t, func() bool {
		e, _, _ := store.GetExecution("exec-1")
		return e.CurrentState() == event.StateRunning
	})

	if err := pool.Cancel("exec-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	exec, _, _ := store.GetExecution("exec-1")
	if !exec.Cancelling() {
		t.Fatalf("expected execution to be marked cancelling in place")
	}
	close(release)
}

func TestCancelOnInactiveExecutionReturnsError(t *testing.T) {
	store := newMemStore()
	transport := newRecordingTransport()
	rt := task.NewRuntime(nil, nil, nil)
	driver := replay.NewDriver(rt)
	pool := New(Config{SessionID: "sess-1", MaxConcurrency: 1, Driver: driver, Store: store, Transport: transport})

	if err := pool.Cancel("not-active"); err != ErrNotActive {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
}

func TestAcceptRejectsDuplicateActiveExecution(t *testing.T) {
	store := newMemStore()
	transport := newRecordingTransport()
	rt := task.NewRuntime(nil, nil, nil)
	driver := replay.NewDriver(rt)

	release := make(chan struct{})
	blocking := task.New("blocking", func(ctx context.Context, in task.Input) (any, error) {
		<-release
		return "ok", nil
	})
	wf := replay.New("blocker", func(wctx *replay.Context, input json.RawMessage) (any, error) {
		return wctx.Call(blocking, nil, nil)
	})

	pool := New(Config{SessionID: "sess-1", MaxConcurrency: 2, Driver: driver, Store: store, Transport: transport})
	pool.RegisterWorkflow("blocker@v1", wf)
	store.put(claimedExec("exec-1", "blocker"))

	if err := pool.Accept(context.Background(), "exec-1", "blocker@v1"); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	waitFor(t, func() bool { return pool.ActiveCount() == 1 })

	if err := pool.Accept(context.Background(), "exec-1", "blocker@v1"); err != ErrAlreadyActive {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}
	close(release)
}
