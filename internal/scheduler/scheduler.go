package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fluxworkflow/flux/internal/catalog"
	"github.com/fluxworkflow/flux/internal/resilience"
)

// Backend is the durable key/value surface the scheduler mirrors worker registrations
// through, satisfied by *storage.BoltStore.
type Backend interface {
	WorkerUpsert(sessionID string, value []byte) error
	WorkerGet(sessionID string) ([]byte, bool, error)
	WorkerDelete(sessionID string) error
	WorkerList(fn func(sessionID string, value []byte) bool) error
}

// Dispatcher delivers an ExecutionRequest frame to a claimed worker's session. It is
// implemented by internal/transport; the scheduler only decides WHO, never HOW.
type Dispatcher interface {
	Dispatch(ctx context.Context, sessionID, executionID string) error
}

// ErrNoEligibleWorker is returned when no online worker currently satisfies an
// entry's resource request; the caller should leave the execution SCHEDULED for the
// next sweep rather than treat this as a permanent failure.
var ErrNoEligibleWorker = fmt.Errorf("scheduler: no eligible worker available")

// ErrAlreadyClaimed enforces the optimistic-concurrency rule of spec.md §5: a claim
// insert fails if another claim for the same execution already exists.
var ErrAlreadyClaimed = fmt.Errorf("scheduler: execution already claimed")

// ErrDispatchRateLimited is returned when the scheduler's dispatch-rate budget for
// the current rate-limit window is exhausted; the caller should leave the execution SCHEDULED for a later
// sweep rather than treat this as a permanent failure.
var ErrDispatchRateLimited = fmt.Errorf("scheduler: dispatch rate limit exceeded")

// ErrCircuitOpen is returned when the dispatch circuit breaker for a worker session is
// open because recent dispatch RPCs to it have been failing.
var ErrCircuitOpen = fmt.Errorf("scheduler: dispatch circuit open for session")

type workerRecord struct {
	Name                string    `json:"name"`
	SessionID           string    `json:"session_id"`
	Resources           Resources `json:"resources"`
	RegisteredWorkflows []string  `json:"registered_workflows"`
	LastSeen            time.Time `json:"last_seen"`
}

// Scheduler holds the live view of registered workers and outstanding claims, and
// performs resource-matching dispatch per spec.md §4.4. Unlike
// services/orchestrator/scheduler.go's cron-driven Scheduler, there is no trigger
// registry here: workers and executions are matched on demand (Schedule) and on a
// time.Ticker sweep (Run) rather than on a cron expression, since Flux's scheduler
// reacts to resource availability, not wall-clock schedules — cron-style triggers are
// a Non-goal (see DESIGN.md).
type Scheduler struct {
	mu      sync.Mutex
	workers map[string]*Worker // keyed by session id
	claims  map[string]string  // execution id -> session id

	backend Backend
	catalog *catalog.Store
	logger  *slog.Logger

	livenessTimeout time.Duration

	// dispatchLimiter caps how many dispatch RPCs Schedule may fire across all
	// sessions per window, so a sweep over a large pending backlog cannot flood the
	// control plane. breakers trips per session once its dispatch RPCs start
	// failing, so a worker that is unreachable doesn't keep absorbing claims that
	// will only be released again.
	dispatchLimiter *resilience.RateLimiter
	breakersMu      sync.Mutex
	breakers        map[string]*resilience.CircuitBreaker
}

// New builds a Scheduler. livenessTimeout is how long a worker may go without a
// heartbeat before Sweep marks it offline and releases its claims.
func New(backend Backend, catalogStore *catalog.Store, logger *slog.Logger, livenessTimeout time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		workers:         make(map[string]*Worker),
		claims:          make(map[string]string),
		backend:         backend,
		catalog:         catalogStore,
		logger:          logger,
		livenessTimeout: livenessTimeout,
		dispatchLimiter: resilience.NewRateLimiter(200, 100, time.Second, 500),
		breakers:        make(map[string]*resilience.CircuitBreaker),
	}
}

// breakerFor returns the dispatch circuit breaker for sessionID, creating one on
// first use.
func (s *Scheduler) breakerFor(sessionID string) *resilience.CircuitBreaker {
	s.breakersMu.Lock()
	defer s.breakersMu.Unlock()
	b, ok := s.breakers[sessionID]
	if !ok {
		b = resilience.NewCircuitBreakerAdaptive(30*time.Second, 6, 5, 0.5, 5*time.Second, 2)
		s.breakers[sessionID] = b
	}
	return b
}

// Restore reloads every worker record the backend holds, e.g. after a server
// restart. Workers are restored in StateUnknown until their next heartbeat.
func (s *Scheduler) Restore() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.WorkerList(func(sessionID string, value []byte) bool {
		var rec workerRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			s.logger.Warn("scheduler: skipping unreadable worker record", "session_id", sessionID, "error", err)
			return true
		}
		w := &Worker{
			Name:                rec.Name,
			SessionID:           rec.SessionID,
			Resources:           rec.Resources,
			RegisteredWorkflows: toSet(rec.RegisteredWorkflows),
			State:               StateUnknown,
			LastSeen:            rec.LastSeen,
		}
		s.workers[sessionID] = w
		return true
	})
}

// Register (re-)registers a worker session as online and persists it.
func (s *Scheduler) Register(sessionID, name string, resources Resources, workflows []string) error {
	s.mu.Lock()
	w := &Worker{
		Name:                name,
		SessionID:           sessionID,
		Resources:           resources,
		RegisteredWorkflows: toSet(workflows),
		State:               StateOnline,
		LastSeen:            time.Now(),
	}
	if existing, ok := s.workers[sessionID]; ok {
		w.ActiveClaims = existing.ActiveClaims
	}
	s.workers[sessionID] = w
	s.mu.Unlock()
	return s.persist(w, workflows)
}

func (s *Scheduler) persist(w *Worker, workflows []string) error {
	rec := workerRecord{
		Name: w.Name, SessionID: w.SessionID, Resources: w.Resources,
		RegisteredWorkflows: workflows, LastSeen: w.LastSeen,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("scheduler: marshal worker record: %w", err)
	}
	return s.backend.WorkerUpsert(w.SessionID, data)
}

// Heartbeat refreshes a worker's liveness timestamp and brings it back online if it
// had been marked offline without a new Register call.
func (s *Scheduler) Heartbeat(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[sessionID]; ok {
		w.LastSeen = time.Now()
		w.State = StateOnline
	}
}

// Disconnect marks a worker offline immediately (graceful shutdown), releasing its
// claims so their executions are eligible for re-dispatch on the next sweep.
func (s *Scheduler) Disconnect(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markOffline(sessionID)
}

func (s *Scheduler) markOffline(sessionID string) {
	w, ok := s.workers[sessionID]
	if !ok {
		return
	}
	w.State = StateOffline
	for execID, sid := range s.claims {
		if sid == sessionID {
			delete(s.claims, execID)
			w.ActiveClaims--
		}
	}
}

// TryClaim records sessionID as the exclusive claimant of executionID. It fails with
// ErrAlreadyClaimed if another session already holds the claim, implementing the
// optimistic-concurrency rule of spec.md §5.
func (s *Scheduler) TryClaim(executionID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.claims[executionID]; ok && existing != sessionID {
		return fmt.Errorf("%w: %s held by a different session", ErrAlreadyClaimed, executionID)
	}
	s.claims[executionID] = sessionID
	if w, ok := s.workers[sessionID]; ok {
		w.ActiveClaims++
	}
	return nil
}

// ReleaseClaim drops a claim, e.g. once an execution reaches a terminal state or
// PAUSED, or when a worker disconnects (handled separately by Disconnect).
func (s *Scheduler) ReleaseClaim(executionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessionID, ok := s.claims[executionID]
	if !ok {
		return
	}
	delete(s.claims, executionID)
	if w, ok := s.workers[sessionID]; ok && w.ActiveClaims > 0 {
		w.ActiveClaims--
	}
}

// SessionFor returns the session id currently holding executionID's claim, if any —
// used to route a cancellation request to the one worker actually driving it.
func (s *Scheduler) SessionFor(executionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessionID, ok := s.claims[executionID]
	return sessionID, ok
}

// Match selects the best eligible worker for entry without claiming it, applying the
// resource predicate and tie-break chain of spec.md §4.4. It returns
// ErrNoEligibleWorker if nothing currently qualifies.
func (s *Scheduler) Match(executionID string, entry catalog.Entry) (*Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	eligible := candidates(s.workers, entry)
	w := pick(eligible, executionID)
	if w == nil {
		return nil, ErrNoEligibleWorker
	}
	cp := *w
	return &cp, nil
}

// Schedule matches and claims a worker for executionID in one atomic step (under the
// scheduler's lock, so a concurrent Schedule for the same execution cannot both
// succeed), then asks dispatcher to deliver the ExecutionRequest. The dispatch itself
// is gated by a rate limiter (bounding total dispatch RPC volume) and a per-session
// circuit breaker (tripping on a session whose dispatch RPCs are already failing) so a
// backlog sweep or a partially unreachable worker fleet cannot flood the control
// plane. If dispatch is throttled, breaker-rejected, or fails outright, the claim is
// released so the execution remains eligible for the next sweep, satisfying
// spec.md §4.4's at-least-once dispatch guarantee.
func (s *Scheduler) Schedule(ctx context.Context, executionID string, entry catalog.Entry, dispatcher Dispatcher) (string, error) {
	s.mu.Lock()
	if _, claimed := s.claims[executionID]; claimed {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrAlreadyClaimed, executionID)
	}
	eligible := candidates(s.workers, entry)
	w := pick(eligible, executionID)
	if w == nil {
		s.mu.Unlock()
		return "", ErrNoEligibleWorker
	}
	s.claims[executionID] = w.SessionID
	w.ActiveClaims++
	s.mu.Unlock()

	if !s.dispatchLimiter.Allow() {
		s.ReleaseClaim(executionID)
		return "", ErrDispatchRateLimited
	}

	breaker := s.breakerFor(w.SessionID)
	if !breaker.Allow() {
		s.ReleaseClaim(executionID)
		return "", fmt.Errorf("%w: %s", ErrCircuitOpen, w.SessionID)
	}

	err := dispatcher.Dispatch(ctx, w.SessionID, executionID)
	breaker.RecordResult(err == nil)
	if err != nil {
		s.ReleaseClaim(executionID)
		return "", fmt.Errorf("scheduler: dispatch to %s: %w", w.SessionID, err)
	}
	return w.SessionID, nil
}

// PendingExecution is one execution awaiting a claim, as supplied by the caller
// (backed by storage's ListByState scan in practice) to Sweep.
type PendingExecution struct {
	ExecutionID string
	Entry       catalog.Entry
}

// Sweep performs one liveness check (offlining workers silent past livenessTimeout
// and releasing their claims) followed by one re-match attempt over pending, the
// periodic behavior that replaces the teacher's cron ticks with plain resource
// availability polling. It returns the execution ids it newly dispatched.
func (s *Scheduler) Sweep(ctx context.Context, pending []PendingExecution, dispatcher Dispatcher) []string {
	now := time.Now()
	s.mu.Lock()
	for sessionID, w := range s.workers {
		if w.State == StateOnline && now.Sub(w.LastSeen) > s.livenessTimeout {
			s.markOffline(sessionID)
			s.logger.Warn("scheduler: worker missed liveness deadline, marking offline", "session_id", sessionID, "name", w.Name)
		}
	}
	s.mu.Unlock()

	var dispatched []string
	for _, p := range pending {
		if _, err := s.Schedule(ctx, p.ExecutionID, p.Entry, dispatcher); err == nil {
			dispatched = append(dispatched, p.ExecutionID)
		}
	}
	return dispatched
}

// Run loops Sweep on a time.Ticker until ctx is cancelled. pendingFn is called fresh
// on every tick so the caller can source the current SCHEDULED-but-unclaimed set from
// storage without the scheduler needing to know about execution persistence.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration, pendingFn func() []PendingExecution, dispatcher Dispatcher) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dispatched := s.Sweep(ctx, pendingFn(), dispatcher)
			if len(dispatched) > 0 {
				s.logger.Info("scheduler: sweep dispatched executions", "count", len(dispatched))
			}
		}
	}
}

func toSet(names []string) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out
}
