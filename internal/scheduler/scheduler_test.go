package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fluxworkflow/flux/internal/catalog"
	"github.com/fluxworkflow/flux/internal/resilience"
)

type memBackend struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemBackend() *memBackend { return &memBackend{data: make(map[string][]byte)} }

func (b *memBackend) WorkerUpsert(sessionID string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[sessionID] = value
	return nil
}
func (b *memBackend) WorkerGet(sessionID string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.data[sessionID]
	return v, ok, nil
}
func (b *memBackend) WorkerDelete(sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, sessionID)
	return nil
}
func (b *memBackend) WorkerList(fn func(sessionID string, value []byte) bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, v := range b.data {
		if !fn(k, v) {
			break
		}
	}
	return nil
}

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []string // "sessionID:executionID"
	fail map[string]bool
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, sessionID, executionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail[sessionID] {
		return errDispatchFailed
	}
	d.sent = append(d.sent, sessionID+":"+executionID)
	return nil
}

var errDispatchFailed = errors.New("dispatch failed")

func entryFor(memBytes int64) catalog.Entry {
	return catalog.Entry{
		Name:    "wf",
		Version: "v1",
		ResourceRequest: catalog.ResourceRequest{
			MemoryBytes: memBytes,
		},
	}
}

func TestScheduleMatchesEligibleWorkerAndClaims(t *testing.T) {
	s := New(newMemBackend(), nil, nil, time.Minute)
	if err := s.Register("sess-1", "worker-1", Resources{MemoryBytes: 1024}, []string{"wf@v1"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	disp := &recordingDispatcher{fail: map[string]bool{}}
	sid, err := s.Schedule(context.Background(), "exec-1", entryFor(512), disp)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if sid != "sess-1" {
		t.Fatalf("expected sess-1, got %s", sid)
	}
	if len(disp.sent) != 1 || disp.sent[0] != "sess-1:exec-1" {
		t.Fatalf("expected one dispatch to sess-1:exec-1, got %v", disp.sent)
	}
}

func TestScheduleRejectsInsufficientResources(t *testing.T) {
	s := New(newMemBackend(), nil, nil, time.Minute)
	_ = s.Register("sess-1", "worker-1", Resources{MemoryBytes: 128}, []string{"wf@v1"})

	disp := &recordingDispatcher{fail: map[string]bool{}}
	if _, err := s.Schedule(context.Background(), "exec-1", entryFor(1024), disp); err != ErrNoEligibleWorker {
		t.Fatalf("expected ErrNoEligibleWorker, got %v", err)
	}
}

func TestScheduleRejectsAlreadyClaimedExecution(t *testing.T) {
	s := New(newMemBackend(), nil, nil, time.Minute)
	_ = s.Register("sess-1", "worker-1", Resources{MemoryBytes: 1024}, []string{"wf@v1"})
	_ = s.Register("sess-2", "worker-2", Resources{MemoryBytes: 1024}, []string{"wf@v1"})

	disp := &recordingDispatcher{fail: map[string]bool{}}
	if _, err := s.Schedule(context.Background(), "exec-1", entryFor(512), disp); err != nil {
		t.Fatalf("first schedule: %v", err)
	}
	if _, err := s.Schedule(context.Background(), "exec-1", entryFor(512), disp); err == nil {
		t.Fatalf("expected second schedule for the same execution to fail")
	}
}

func TestScheduleReleasesClaimWhenDispatchFails(t *testing.T) {
	s := New(newMemBackend(), nil, nil, time.Minute)
	_ = s.Register("sess-1", "worker-1", Resources{MemoryBytes: 1024}, []string{"wf@v1"})

	disp := &recordingDispatcher{fail: map[string]bool{"sess-1": true}}
	if _, err := s.Schedule(context.Background(), "exec-1", entryFor(512), disp); err == nil {
		t.Fatalf("expected dispatch failure to surface")
	}

	disp2 := &recordingDispatcher{fail: map[string]bool{}}
	if _, err := s.Schedule(context.Background(), "exec-1", entryFor(512), disp2); err != nil {
		t.Fatalf("expected claim to be released after failed dispatch, got %v", err)
	}
}

func TestPickPrefersFewestActiveClaimsThenLongestIdle(t *testing.T) {
	now := time.Now()
	busy := &Worker{Name: "busy", ActiveClaims: 3, LastSeen: now}
	idleRecent := &Worker{Name: "idle-recent", ActiveClaims: 0, LastSeen: now}
	idleStale := &Worker{Name: "idle-stale", ActiveClaims: 0, LastSeen: now.Add(-time.Hour)}

	chosen := pick([]*Worker{busy, idleRecent, idleStale}, "exec-1")
	if chosen.Name != "idle-stale" {
		t.Fatalf("expected idle-stale to win (fewest claims, longest idle), got %s", chosen.Name)
	}
}

func TestSweepOffinesStaleWorkersAndReleasesClaims(t *testing.T) {
	s := New(newMemBackend(), nil, nil, 10*time.Millisecond)
	_ = s.Register("sess-1", "worker-1", Resources{MemoryBytes: 1024}, []string{"wf@v1"})

	disp := &recordingDispatcher{fail: map[string]bool{}}
	if _, err := s.Schedule(context.Background(), "exec-1", entryFor(512), disp); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	s.Sweep(context.Background(), nil, disp)

	s.mu.Lock()
	w := s.workers["sess-1"]
	_, stillClaimed := s.claims["exec-1"]
	s.mu.Unlock()

	if w.State != StateOffline {
		t.Fatalf("expected worker to be marked offline, got %s", w.State)
	}
	if stillClaimed {
		t.Fatalf("expected claim to be released when worker went offline")
	}
}

func TestScheduleRateLimitsDispatchAcrossSessions(t *testing.T) {
	s := New(newMemBackend(), nil, nil, time.Minute)
	_ = s.Register("sess-1", "worker-1", Resources{MemoryBytes: 1024}, []string{"wf@v1"})
	_ = s.Register("sess-2", "worker-2", Resources{MemoryBytes: 1024}, []string{"wf@v1"})
	// No refill and a tiny capacity, so the budget exhausts deterministically
	// regardless of how long the surrounding test takes to run.
	s.dispatchLimiter = resilience.NewRateLimiter(2, 0, time.Minute, 100)

	disp := &recordingDispatcher{fail: map[string]bool{}}
	for i := 0; i < 2; i++ {
		execID := fmt.Sprintf("exec-%d", i)
		if _, err := s.Schedule(context.Background(), execID, entryFor(512), disp); err != nil {
			t.Fatalf("attempt %d: expected dispatch within budget to succeed, got %v", i, err)
		}
	}
	if _, err := s.Schedule(context.Background(), "exec-over-budget", entryFor(512), disp); !errors.Is(err, ErrDispatchRateLimited) {
		t.Fatalf("expected ErrDispatchRateLimited once the budget is exhausted, got %v", err)
	}
}

func TestScheduleCircuitBreakerIsPerSession(t *testing.T) {
	s := New(newMemBackend(), nil, nil, time.Minute)
	_ = s.Register("sess-1", "worker-1", Resources{MemoryBytes: 1024}, []string{"wf@v1"})
	_ = s.Register("sess-2", "worker-2", Resources{MemoryBytes: 1024}, []string{"wf@v1"})

	failing := s.breakerFor("sess-1")
	healthy := s.breakerFor("sess-2")
	if failing == healthy {
		t.Fatalf("expected distinct circuit breakers per session")
	}
	if !failing.Allow() || !healthy.Allow() {
		t.Fatalf("expected freshly created breakers to start closed (allowing requests)")
	}
}

func TestHeartbeatBringsWorkerBackOnline(t *testing.T) {
	s := New(newMemBackend(), nil, nil, time.Minute)
	_ = s.Register("sess-1", "worker-1", Resources{MemoryBytes: 1024}, []string{"wf@v1"})
	s.Disconnect("sess-1")

	s.mu.Lock()
	state := s.workers["sess-1"].State
	s.mu.Unlock()
	if state != StateOffline {
		t.Fatalf("expected offline after disconnect, got %s", state)
	}

	s.Heartbeat("sess-1")
	s.mu.Lock()
	state = s.workers["sess-1"].State
	s.mu.Unlock()
	if state != StateOnline {
		t.Fatalf("expected online after heartbeat, got %s", state)
	}
}
