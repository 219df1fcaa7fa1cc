// Package worker implements the worker-side runtime of spec.md §4.5: a bounded pool
// that drives one claimed execution per goroutine through internal/replay, tracks
// which executions are in flight so a graceful shutdown can release them, and
// surfaces claim acknowledgement/release as plain Go calls the transport layer wraps
// into wire frames.
//
// The pool shape (a bounded goroutine set, one per active unit of work, tracked in a
// map so it can be inspected and torn down) is grounded on
// services/orchestrator/dag_engine.go's concurrency model and
// services/orchestrator/cancellation.go's CancellationManager, generalized from
// per-task cancellation to per-execution claim tracking.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fluxworkflow/flux/internal/event"
	"github.com/fluxworkflow/flux/internal/replay"
)

// ErrNotActive is returned by Cancel when the named execution is not currently being
// driven by this pool (already finished, or claimed by a different worker).
var ErrNotActive = errors.New("worker: execution not active in this pool")

// ErrAtCapacity is returned by Accept when the pool already holds MaxConcurrency
// active executions.
var ErrAtCapacity = errors.New("worker: pool at capacity")

// ErrAlreadyActive is returned by Accept when the execution id is already being
// driven by this pool (a duplicate ExecutionRequest delivery, which the
// at-least-once transport is expected to produce occasionally).
var ErrAlreadyActive = errors.New("worker: execution already active in this pool")

// Store is the surface the pool reads claimed executions from. A worker process has
// no direct access to the server's execution store — bbolt allows only one
// writer-process to hold the file, so this is backed by a request/reply fetch over
// the control connection in production, not a shared database file.
type Store interface {
	GetExecution(id string) (*event.Execution, bool, error)
}

// Transport is how the pool reports claim lifecycle events back to the scheduler.
// internal/transport implements this over the worker's control connection.
// SendClaimReleased carries the driven execution's final snapshot, since that is how
// the server learns the outcome — the worker never writes to the server's store
// directly.
type Transport interface {
	SendClaimAck(ctx context.Context, executionID string) error
	SendClaimReleased(ctx context.Context, executionID, reason string, exec *event.Execution) error
}

// Pool drives claimed executions with bounded concurrency. One Pool is created per
// worker process.
type Pool struct {
	mu     sync.Mutex
	active map[string]context.CancelFunc
	execs  map[string]*event.Execution
	closed bool
	wg     sync.WaitGroup
	sem    chan struct{}

	sessionID string
	driver    *replay.Driver
	store     Store
	workflows map[string]*replay.Workflow
	transport Transport
	logger    *slog.Logger
}

// Config configures a new Pool.
type Config struct {
	SessionID      string
	MaxConcurrency int
	Driver         *replay.Driver
	Store          Store
	Transport      Transport
	Logger         *slog.Logger
}

// New builds a Pool ready to accept claims.
func New(cfg Config) *Pool {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	max := cfg.MaxConcurrency
	if max <= 0 {
		max = 1
	}
	return &Pool{
		active:    make(map[string]context.CancelFunc),
		execs:     make(map[string]*event.Execution),
		sem:       make(chan struct{}, max),
		sessionID: cfg.SessionID,
		driver:    cfg.Driver,
		store:     cfg.Store,
		workflows: make(map[string]*replay.Workflow),
		transport: cfg.Transport,
		logger:    logger,
	}
}

// RegisterWorkflow makes a workflow body available under key "name@version",
// matching internal/catalog's key convention so the caller can pass a catalog key
// straight through from an ExecutionRequest frame.
func (p *Pool) RegisterWorkflow(key string, wf *replay.Workflow) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workflows[key] = wf
}

// Accept claims and begins driving an execution in its own goroutine. It returns
// immediately; the claim is acknowledged asynchronously, and when driving stops the
// execution's snapshot is reported back in a claim_released frame. The pool itself
// persists nothing.
func (p *Pool) Accept(ctx context.Context, executionID, workflowKey string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("worker: pool is shutting down")
	}
	if _, already := p.active[executionID]; already {
		p.mu.Unlock()
		return ErrAlreadyActive
	}
	wf, ok := p.workflows[workflowKey]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("worker: no registered workflow for %q", workflowKey)
	}

	select {
	case p.sem <- struct{}{}:
	default:
		return ErrAtCapacity
	}

	execCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		<-p.sem
		return fmt.Errorf("worker: pool is shutting down")
	}
	p.active[executionID] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run(execCtx, executionID, wf)
	return nil
}

func (p *Pool) run(ctx context.Context, executionID string, wf *replay.Workflow) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.active, executionID)
		delete(p.execs, executionID)
		p.mu.Unlock()
		<-p.sem
	}()

	exec, found, err := p.store.GetExecution(executionID)
	if err != nil || !found {
		p.logger.Error("worker: load claimed execution", "execution_id", executionID, "found", found, "error", err)
		return
	}
	exec.SetCurrentWorker(p.sessionID)
	if exec.CurrentState() == event.StateScheduled {
		_ = exec.SetState(event.StateClaimed)
	}
	p.mu.Lock()
	p.execs[executionID] = exec
	p.mu.Unlock()

	ackCtx, ackCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := p.transport.SendClaimAck(ackCtx, executionID); err != nil {
		p.logger.Warn("worker: claim ack failed, continuing anyway", "execution_id", executionID, "error", err)
	}
	ackCancel()

	driveErr := p.driver.Drive(ctx, exec, wf)

	reason := "completed"
	switch {
	case driveErr != nil:
		reason = "driver_error"
		p.logger.Error("worker: drive failed", "execution_id", executionID, "error", driveErr)
	case exec.CurrentState() == event.StatePaused:
		reason = "paused"
	case ctx.Err() != nil:
		reason = "interrupted"
	}

	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := p.transport.SendClaimReleased(releaseCtx, executionID, reason, exec); err != nil {
		p.logger.Warn("worker: claim release notification failed", "execution_id", executionID, "error", err)
	}
	releaseCancel()
}

// Cancel marks an actively-driven execution cancelling, so the next task boundary
// Context.Call/Pause/Parallel/Pipeline crosses unwinds the workflow function instead
// of starting new work. It is a pure in-memory state change on the execution object
// this goroutine is already holding — the server-side control frame that calls this
// is the only way a worker learns of a cancellation request, since the worker's copy
// of the execution is driven from its own fetched snapshot, not a shared store.
func (p *Pool) Cancel(executionID string) error {
	p.mu.Lock()
	exec, ok := p.execs[executionID]
	p.mu.Unlock()
	if !ok {
		return ErrNotActive
	}
	return replay.Cancel(exec)
}

// ActiveCount returns how many executions this pool is currently driving.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Shutdown stops accepting new claims and waits for in-flight executions to finish,
// up to ctx's deadline. Anything still running when ctx expires has its context
// cancelled — aborting whatever task attempt is in flight via the task runtime's own
// context check — and is reported released so the scheduler can re-dispatch it
// elsewhere; Go has no way to suspend a running goroutine mid-task more gently than
// that, so an execution caught mid-attempt at shutdown may record a failed attempt
// before the next worker picks it back up and retries.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	p.mu.Lock()
	stragglers := make([]context.CancelFunc, 0, len(p.active))
	for _, cancel := range p.active {
		stragglers = append(stragglers, cancel)
	}
	p.mu.Unlock()
	for _, cancel := range stragglers {
		cancel()
	}
	<-done
}
