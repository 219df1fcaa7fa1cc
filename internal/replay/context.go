package replay

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fluxworkflow/flux/internal/event"
	"github.com/fluxworkflow/flux/internal/fingerprint"
	"github.com/fluxworkflow/flux/internal/task"
)

// Context is what a workflow function receives: the handle through which every task
// call, pause, and builtin passes, so that every observable effect is journaled.
type Context struct {
	ctx     context.Context
	exec    *event.Execution
	runtime *task.Runtime

	mu        sync.Mutex
	callIndex int
}

func newContext(ctx context.Context, exec *event.Execution, runtime *task.Runtime) *Context {
	return &Context{ctx: ctx, exec: exec, runtime: runtime}
}

// Context returns the underlying context.Context, for tasks that need it directly
// (HTTP calls, DB queries) without going through Call.
func (c *Context) Context() context.Context { return c.ctx }

// ExecutionID returns the id of the execution this workflow is driving.
func (c *Context) ExecutionID() string { return c.exec.ID }

func (c *Context) nextCallIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.callIndex
	c.callIndex++
	return i
}

// checkCancellation panics with cancelSignal if the execution has been asked to
// cancel, implementing the "next task boundary" cooperative interrupt of spec.md §5.
func (c *Context) checkCancellation() {
	if c.exec.Cancelling() {
		panic(cancelSignal{})
	}
}

// Call invokes a task, assigning it the next call index in program order. This is
// the one path every task call in a workflow function goes through.
func (c *Context) Call(t *task.Task, args []any, kwargs map[string]any) (json.RawMessage, error) {
	c.checkCancellation()
	idx := c.nextCallIndex()
	return c.runtime.Invoke(c.ctx, c.exec, t, idx, args, kwargs)
}

// Pause suspends the workflow under a named checkpoint. On first reach, it records
// WORKFLOW_PAUSED and unwinds the call stack; the execution is left in the PAUSED
// state by the driver. On replay after Resume has recorded a WORKFLOW_RESUMED event
// for this checkpoint, Pause returns the resume payload instead of suspending again.
func (c *Context) Pause(name string) (json.RawMessage, error) {
	c.checkCancellation()
	idx := c.nextCallIndex()
	fp := fingerprint.Of("flux.pause", []any{name}, nil, idx)

	var sawPaused bool
	for _, evt := range c.exec.EventsFor(fp) {
		switch evt.Type {
		case event.WorkflowResumed:
			return evt.Value, nil
		case event.WorkflowPaused:
			sawPaused = true
		}
	}
	if !sawPaused {
		if err := appendWorkflowEvent(c.exec, event.WorkflowPaused, fp, name, nil); err != nil {
			panic(fmt.Sprintf("replay: append pause event: %v", err))
		}
	}
	panic(pauseSignal{name: name, fingerprint: fp})
}

// Invocation is a single task invocation's arguments, used by Parallel and Pipeline to
// describe a fan-out or chain without each caller hand-rolling a slice of closures.
type Invocation struct {
	Task   *task.Task
	Args   []any
	Kwargs map[string]any
}

// Parallel runs every invocation concurrently, serializing their event appends
// through the execution's own lock, and returns results in declaration order
// regardless of completion order (spec.md §5 ordering guarantee). Call indices are
// assigned up front, in declaration order, before any goroutine starts — otherwise
// goroutine scheduling would make the assignment nondeterministic across replays.
func (c *Context) Parallel(calls ...Invocation) ([]json.RawMessage, error) {
	c.checkCancellation()

	indices := make([]int, len(calls))
	for i := range calls {
		indices[i] = c.nextCallIndex()
	}

	type outcome struct {
		val json.RawMessage
		err error
	}
	results := make([]outcome, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call Invocation, idx int) {
			defer wg.Done()
			val, err := c.runtime.Invoke(c.ctx, c.exec, call.Task, idx, call.Args, call.Kwargs)
			results[i] = outcome{val, err}
		}(i, call, indices[i])
	}
	wg.Wait()

	out := make([]json.RawMessage, len(calls))
	var firstErr error
	for i, r := range results {
		out[i] = r.val
		if r.err != nil && firstErr == nil {
			firstErr = r.err
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// Pipeline runs invocations in sequence, appending each stage's decoded result to
// the next stage's positional arguments, and returns the final stage's result.
func (c *Context) Pipeline(calls ...Invocation) (json.RawMessage, error) {
	var prev any
	var hasPrev bool
	var result json.RawMessage
	for _, call := range calls {
		args := call.Args
		if hasPrev {
			args = append(append([]any{}, call.Args...), prev)
		}
		val, err := c.Call(call.Task, args, call.Kwargs)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(val, &prev); err != nil {
			return nil, fmt.Errorf("replay: pipeline stage result not JSON: %w", err)
		}
		hasPrev = true
		result = val
	}
	return result, nil
}

// --- Built-in non-deterministic operations, routed through the task runtime so
// their first execution journals the value and replay reuses it (spec.md §9). ---

var nowTask = task.New("flux.now", func(ctx context.Context, in task.Input) (any, error) {
	return time.Now().UTC().Format(time.RFC3339Nano), nil
})

// Now returns the current time, journaled on first call so replay sees the same
// instant rather than a new one.
func (c *Context) Now() (time.Time, error) {
	val, err := c.Call(nowTask, nil, nil)
	if err != nil {
		return time.Time{}, err
	}
	var s string
	if err := json.Unmarshal(val, &s); err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, s)
}

var randIntTask = task.New("flux.randint", func(ctx context.Context, in task.Input) (any, error) {
	lo, hi := toInt(in.Args[0]), toInt(in.Args[1])
	if hi < lo {
		return nil, fmt.Errorf("flux.randint: max %d below min %d", hi, lo)
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(hi-lo)+1))
	if err != nil {
		return nil, err
	}
	return lo + int(n.Int64()), nil
})

// RandInt returns a journaled random integer in [min, max].
func (c *Context) RandInt(min, max int) (int, error) {
	val, err := c.Call(randIntTask, []any{min, max}, nil)
	if err != nil {
		return 0, err
	}
	var n float64
	if err := json.Unmarshal(val, &n); err != nil {
		return 0, err
	}
	return int(n), nil
}

var uuidTask = task.New("flux.uuid", func(ctx context.Context, in task.Input) (any, error) {
	return uuid.NewString(), nil
})

// UUID returns a journaled unique identifier.
func (c *Context) UUID() (string, error) {
	val, err := c.Call(uuidTask, nil, nil)
	if err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(val, &s); err != nil {
		return "", err
	}
	return s, nil
}

var sleepTask = task.New("flux.sleep", func(ctx context.Context, in task.Input) (any, error) {
	ms := toInt64(in.Args[0])
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
})

// Sleep journals a delay so replay does not sleep again.
func (c *Context) Sleep(d time.Duration) error {
	_, err := c.Call(sleepTask, []any{d.Milliseconds()}, nil)
	return err
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
