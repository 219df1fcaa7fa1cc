package task

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fluxworkflow/flux/internal/event"
)

func newExec() *event.Execution {
	return event.New("exec_1", "wf_1", "demo", nil)
}

func countEvents(exec *event.Execution, sourceID string, typ event.Type) int {
	n := 0
	for _, evt := range exec.EventsFor(sourceID) {
		if evt.Type == typ {
			n++
		}
	}
	return n
}

func TestInvokeSucceedsFirstAttempt(t *testing.T) {
	rt := NewRuntime(nil, nil, nil)
	exec := newExec()
	tk := New("greet", func(ctx context.Context, in Input) (any, error) {
		return "hello", nil
	})

	val, err := rt.Invoke(context.Background(), exec, tk, 0, []any{"world"}, nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	var got string
	if err := json.Unmarshal(val, &got); err != nil || got != "hello" {
		t.Fatalf("unexpected result: %s (%v)", val, err)
	}
}

func TestInvokeRetriesThenSucceeds(t *testing.T) {
	rt := NewRuntime(nil, nil, nil)
	exec := newExec()
	var calls int32
	tk := New("flaky", func(ctx context.Context, in Input) (any, error) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			return nil, errors.New("not yet")
		}
		return "ok", nil
	}).WithOptions(Options{RetryMaxAttempts: 2, RetryDelay: time.Millisecond})

	val, err := rt.Invoke(context.Background(), exec, tk, 0, nil, nil)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	var got string
	_ = json.Unmarshal(val, &got)
	if got != "ok" {
		t.Fatalf("expected ok, got %q", got)
	}

	realFP := exec.Events()[0].SourceID
	if n := countEvents(exec, realFP, event.TaskStarted); n != 3 {
		t.Fatalf("expected 3 TASK_STARTED events, got %d", n)
	}
	if n := countEvents(exec, realFP, event.TaskRetryStarted); n != 2 {
		t.Fatalf("expected 2 TASK_RETRY_STARTED events, got %d", n)
	}
	if n := countEvents(exec, realFP, event.TaskCompleted); n != 1 {
		t.Fatalf("expected 1 TASK_COMPLETED event, got %d", n)
	}
}

func TestInvokeExhaustsRetriesThenFallback(t *testing.T) {
	rt := NewRuntime(nil, nil, nil)
	exec := newExec()
	primary := New("unstable", func(ctx context.Context, in Input) (any, error) {
		return nil, errors.New("boom")
	})
	fallback := New("unstable_fallback", func(ctx context.Context, in Input) (any, error) {
		return "fallback-value", nil
	})
	primary.Options = Options{RetryMaxAttempts: 1, RetryDelay: time.Millisecond, Fallback: fallback}

	val, err := rt.Invoke(context.Background(), exec, primary, 0, nil, nil)
	if err != nil {
		t.Fatalf("expected fallback to succeed, got error: %v", err)
	}
	var got string
	_ = json.Unmarshal(val, &got)
	if got != "fallback-value" {
		t.Fatalf("expected fallback-value, got %q", got)
	}
}

func TestInvokeSurfacesOriginalErrorWhenFallbackFails(t *testing.T) {
	rt := NewRuntime(nil, nil, nil)
	exec := newExec()
	primary := New("unstable", func(ctx context.Context, in Input) (any, error) {
		return nil, errors.New("primary-boom")
	})
	fallback := New("unstable_fallback", func(ctx context.Context, in Input) (any, error) {
		return nil, errors.New("fallback-boom")
	})
	primary.Options = Options{Fallback: fallback}

	_, err := rt.Invoke(context.Background(), exec, primary, 0, nil, nil)
	if err == nil || !errors.Is(err, ErrFailed) {
		t.Fatalf("expected ErrFailed surfacing the original error, got %v", err)
	}
}

func TestInvokeIsIdempotentOnReplay(t *testing.T) {
	rt := NewRuntime(nil, nil, nil)
	exec := newExec()
	var calls int32
	tk := New("countme", func(ctx context.Context, in Input) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "once", nil
	})

	if _, err := rt.Invoke(context.Background(), exec, tk, 0, nil, nil); err != nil {
		t.Fatalf("first invoke: %v", err)
	}
	if _, err := rt.Invoke(context.Background(), exec, tk, 0, nil, nil); err != nil {
		t.Fatalf("replayed invoke: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected task body to run exactly once across replay, ran %d times", calls)
	}
}

func TestInvokeDistinguishesCallsByIndex(t *testing.T) {
	rt := NewRuntime(nil, nil, nil)
	exec := newExec()
	var calls int32
	tk := New("samecall", func(ctx context.Context, in Input) (any, error) {
		return atomic.AddInt32(&calls, 1), nil
	})

	v1, _ := rt.Invoke(context.Background(), exec, tk, 0, []any{"x"}, nil)
	v2, _ := rt.Invoke(context.Background(), exec, tk, 1, []any{"x"}, nil)
	if string(v1) == string(v2) {
		t.Fatalf("expected distinct results for distinct call indices, got %s and %s", v1, v2)
	}
	if calls != 2 {
		t.Fatalf("expected two independent executions, ran %d times", calls)
	}
}

type fakeCache struct {
	store map[string]json.RawMessage
}

func (c *fakeCache) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	v, ok := c.store[key]
	return v, ok, nil
}

func (c *fakeCache) Put(ctx context.Context, key string, value json.RawMessage) error {
	c.store[key] = value
	return nil
}

func TestInvokeUsesCacheAcrossExecutions(t *testing.T) {
	cache := &fakeCache{store: map[string]json.RawMessage{}}
	rt := NewRuntime(nil, cache, nil)
	var calls int32
	tk := New("pure", func(ctx context.Context, in Input) (any, error) {
		atomic.AddInt32(&calls, 1)
		return "cached", nil
	}).WithOptions(Options{Cache: true})

	execA := newExec()
	if _, err := rt.Invoke(context.Background(), execA, tk, 0, nil, nil); err != nil {
		t.Fatalf("first execution: %v", err)
	}

	execB := newExec()
	if _, err := rt.Invoke(context.Background(), execB, tk, 0, nil, nil); err != nil {
		t.Fatalf("second execution: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected task body to run once across both executions, ran %d times", calls)
	}
}

func TestInvokeTimesOutSlowAttempt(t *testing.T) {
	rt := NewRuntime(nil, nil, nil)
	exec := newExec()
	tk := New("slow", func(ctx context.Context, in Input) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}).WithOptions(Options{Timeout: 10 * time.Millisecond})

	_, err := rt.Invoke(context.Background(), exec, tk, 0, nil, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}
