package serverapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/fluxworkflow/flux/internal/catalog"
	"github.com/fluxworkflow/flux/internal/event"
	"github.com/fluxworkflow/flux/internal/scheduler"
)

type memStore struct {
	mu    sync.Mutex
	execs map[string]*event.Execution
}

func newMemStore() *memStore { return &memStore{execs: make(map[string]*event.Execution)} }

func (s *memStore) GetExecution(id string) (*event.Execution, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.execs[id]
	return e, ok, nil
}
func (s *memStore) SaveExecution(exec *event.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs[exec.ID] = exec
	return nil
}
func (s *memStore) ListExecutions(workflowName string, limit int) ([]*event.Execution, error) {
	return nil, nil
}

type memCatalog struct {
	mu      sync.Mutex
	entries map[string]catalog.Entry
	latest  map[string]string
}

func newMemCatalog() *memCatalog {
	return &memCatalog{entries: map[string]catalog.Entry{}, latest: map[string]string{}}
}
func (c *memCatalog) Register(entry catalog.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entry.Name+"@"+entry.Version] = entry
	c.latest[entry.Name] = entry.Version
	return nil
}
func (c *memCatalog) Get(name, version string) (catalog.Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name+"@"+version]
	return e, ok, nil
}
func (c *memCatalog) Latest(name string) (catalog.Entry, bool, error) {
	c.mu.Lock()
	v, ok := c.latest[name]
	c.mu.Unlock()
	if !ok {
		return catalog.Entry{}, false, nil
	}
	return c.Get(name, v)
}
func (c *memCatalog) List(name string) ([]catalog.Entry, error) { return nil, nil }

type fakeSched struct {
	mu        sync.Mutex
	scheduled []string
	claims    map[string]string
	fail      bool
}

func (f *fakeSched) Schedule(ctx context.Context, executionID string, entry catalog.Entry, dispatcher scheduler.Dispatcher) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", scheduler.ErrNoEligibleWorker
	}
	f.scheduled = append(f.scheduled, executionID)
	return "sess-1", nil
}

func (f *fakeSched) SessionFor(executionID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sessionID, ok := f.claims[executionID]
	return sessionID, ok
}

type fakeDispatcher struct{}

func (fakeDispatcher) Dispatch(ctx context.Context, sessionID, executionID string) error { return nil }

type fakeCanceller struct {
	mu        sync.Mutex
	cancelled []string
}

func (f *fakeCanceller) Cancel(sessionID, executionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, executionID)
	return nil
}

func newTestServer() (*Server, *memStore, *memCatalog, *fakeSched) {
	store := newMemStore()
	cat := newMemCatalog()
	sched := &fakeSched{claims: map[string]string{}}
	srv := New(Config{Store: store, Catalog: cat, Scheduler: sched, Dispatcher: fakeDispatcher{}, Canceller: &fakeCanceller{}})
	return srv, store, cat, sched
}

func TestHandleRegisterCreatesCatalogEntry(t *testing.T) {
	srv, _, cat, _ := newTestServer()
	body, _ := json.Marshal(catalog.Entry{Name: "greet", Version: "1"})
	req := httptest.NewRequest(http.MethodPost, "/workflows", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if _, found, _ := cat.Get("greet", "1"); !found {
		t.Fatalf("expected entry to be registered")
	}
}

func TestHandleRegisterRejectsMissingName(t *testing.T) {
	srv, _, _, _ := newTestServer()
	body, _ := json.Marshal(catalog.Entry{Version: "1"})
	req := httptest.NewRequest(http.MethodPost, "/workflows", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleRunAsyncReturnsExecutionID(t *testing.T) {
	srv, store, cat, sched := newTestServer()
	_ = cat.Register(catalog.Entry{Name: "greet", Version: "1"})

	req := httptest.NewRequest(http.MethodPost, "/workflows/greet/run/async", bytes.NewReader([]byte(`"World"`)))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["execution_id"] == "" {
		t.Fatalf("expected execution_id in response")
	}
	if _, found, _ := store.GetExecution(resp["execution_id"]); !found {
		t.Fatalf("expected execution to be persisted")
	}
	if len(sched.scheduled) != 1 {
		t.Fatalf("expected one dispatch attempt, got %d", len(sched.scheduled))
	}
}

func TestHandleRunRejectsUnregisteredWorkflow(t *testing.T) {
	srv, _, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/workflows/missing/run/async", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleRunRejectsUnknownMode(t *testing.T) {
	srv, _, cat, _ := newTestServer()
	_ = cat.Register(catalog.Entry{Name: "greet", Version: "1"})
	req := httptest.NewRequest(http.MethodPost, "/workflows/greet/run/parallel-universe", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleStatusReturnsExecutionSnapshot(t *testing.T) {
	srv, store, _, _ := newTestServer()
	exec := event.New("exec-1", "wf_exec-1", "greet", nil)
	store.SaveExecution(exec)

	req := httptest.NewRequest(http.MethodGet, "/workflows/greet/status/exec-1", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var view statusView
	_ = json.Unmarshal(rec.Body.Bytes(), &view)
	if view.ID != "exec-1" || view.State != event.StateCreated {
		t.Fatalf("unexpected view: %+v", view)
	}
}

func TestHandleCancelTransitionsToCancelling(t *testing.T) {
	srv, store, _, _ := newTestServer()
	exec := event.New("exec-1", "wf_exec-1", "greet", nil)
	_ = exec.SetState(event.StateScheduled)
	_ = exec.SetState(event.StateClaimed)
	_ = exec.SetState(event.StateRunning)
	store.SaveExecution(exec)

	req := httptest.NewRequest(http.MethodPost, "/workflows/greet/cancel/exec-1", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	saved, _, _ := store.GetExecution("exec-1")
	if saved.CurrentState() != event.StateCancelling {
		t.Fatalf("expected CANCELLING, got %s", saved.CurrentState())
	}
}

func TestHandleCancelNotifiesClaimingWorker(t *testing.T) {
	store := newMemStore()
	cat := newMemCatalog()
	sched := &fakeSched{claims: map[string]string{"exec-1": "sess-7"}}
	canceller := &fakeCanceller{}
	srv := New(Config{Store: store, Catalog: cat, Scheduler: sched, Dispatcher: fakeDispatcher{}, Canceller: canceller})

	exec := event.New("exec-1", "wf_exec-1", "greet", nil)
	_ = exec.SetState(event.StateScheduled)
	_ = exec.SetState(event.StateClaimed)
	_ = exec.SetState(event.StateRunning)
	store.SaveExecution(exec)

	req := httptest.NewRequest(http.MethodPost, "/workflows/greet/cancel/exec-1", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	canceller.mu.Lock()
	defer canceller.mu.Unlock()
	if len(canceller.cancelled) != 1 || canceller.cancelled[0] != "exec-1" {
		t.Fatalf("expected claiming worker sess-7 to be notified of cancel, got %v", canceller.cancelled)
	}
}

func TestHandleCancelOnMissingExecutionReturnsNotFound(t *testing.T) {
	srv, _, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/workflows/greet/cancel/missing", nil)
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
