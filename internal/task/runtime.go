package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fluxworkflow/flux/internal/event"
	"github.com/fluxworkflow/flux/internal/fingerprint"
)

// Runtime executes Task calls against an Execution's event log, implementing the
// algorithm of spec.md §4.2: fingerprint lookup, retry with backoff, fallback,
// rollback, caching, and secret/metadata injection. A Runtime is shared across all
// executions a worker drives; it carries no per-call state of its own.
type Runtime struct {
	Secrets SecretStore
	Cache   CacheStore
	Logger  *slog.Logger
}

// NewRuntime builds a Runtime. secrets and cache may be nil if no task in the
// workflow ever requests a secret or opts into caching.
func NewRuntime(secrets SecretStore, cache CacheStore, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{Secrets: secrets, Cache: cache, Logger: logger}
}

// storedRef is the event-log encoding of a result written to OutputStorage: the log
// carries a reference, not the value itself.
type storedRef struct {
	Ref string `json:"$ref"`
}

// Invoke runs one task call identified by (t.Name, args, kwargs, callIndex) against
// exec's event log. If the fingerprint already has a recorded outcome, Invoke returns
// it without re-executing anything — this is what makes replay safe to re-run a
// workflow function from the top on every resume.
func (r *Runtime) Invoke(ctx context.Context, exec *event.Execution, t *Task, callIndex int, args []any, kwargs map[string]any) (json.RawMessage, error) {
	fp := fingerprint.Of(t.Name, args, kwargs, callIndex)
	name := t.displayName(args, kwargs)

	if val, err, done := r.replayOutcome(ctx, t.Options.OutputStorage, exec.EventsFor(fp)); done {
		return val, err
	}

	if t.Options.Cache && r.Cache != nil {
		key := fingerprint.CacheKey(t.Name, args, kwargs)
		if val, hit, err := r.Cache.Get(ctx, key); err == nil && hit {
			r.appendTask(exec, event.TaskStarted, fp, name, nil)
			r.appendTask(exec, event.TaskCompleted, fp, name, val)
			return val, nil
		}
	}

	result, runErr := r.runWithRetries(ctx, exec, t, fp, name, args, kwargs)
	if runErr == nil {
		if t.Options.Cache && r.Cache != nil {
			key := fingerprint.CacheKey(t.Name, args, kwargs)
			_ = r.Cache.Put(ctx, key, result)
		}
		return result, nil
	}

	finalErr := runErr
	var finalResult json.RawMessage

	if t.Options.Fallback != nil {
		r.appendTask(exec, event.TaskFallbackStarted, fp, name, nil)
		fbVal, fbErr := r.Invoke(ctx, exec, t.Options.Fallback, callIndex, args, kwargs)
		if fbErr == nil {
			r.appendTask(exec, event.TaskFallbackComplete, fp, name, fbVal)
			finalResult, finalErr = fbVal, nil
		} else {
			r.appendTask(exec, event.TaskFallbackFailed, fp, name, encodeError(fbErr))
		}
	}

	if finalErr != nil && t.Options.Rollback != nil {
		r.appendTask(exec, event.TaskRollbackStarted, fp, name, nil)
		if _, rbErr := r.Invoke(ctx, exec, t.Options.Rollback, callIndex, args, kwargs); rbErr == nil {
			r.appendTask(exec, event.TaskRollbackComplete, fp, name, nil)
		} else {
			r.appendTask(exec, event.TaskRollbackFailed, fp, name, encodeError(rbErr))
			r.Logger.Warn("task rollback failed", "task", t.Name, "error", rbErr)
		}
	}

	return finalResult, finalErr
}

// replayOutcome scans a fingerprint's recorded events for a terminal outcome so a
// replayed workflow never re-executes a call it already has a result for. It returns
// done=false when the fingerprint has no events yet (first execution of this call).
func (r *Runtime) replayOutcome(ctx context.Context, store OutputStore, events []event.Event) (json.RawMessage, error, bool) {
	var lastFailure json.RawMessage
	for _, evt := range events {
		switch evt.Type {
		case event.TaskCompleted, event.TaskFallbackComplete:
			val, err := dereference(ctx, store, evt.Value)
			return val, err, true
		case event.TaskFailed:
			lastFailure = evt.Value
		}
	}
	if lastFailure != nil {
		return nil, decodeError(lastFailure), true
	}
	return nil, nil, false
}

// runWithRetries runs the attempt loop: one TASK_STARTED per attempt, a
// TASK_RETRY_STARTED between attempts, and a terminal TASK_COMPLETED or TASK_FAILED.
func (r *Runtime) runWithRetries(ctx context.Context, exec *event.Execution, t *Task, fp, name string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     t.Options.RetryDelay,
		RandomizationFactor: 0,
		Multiplier:          t.Options.backoffMultiplierOrDefault(),
		MaxInterval:         365 * 24 * time.Hour,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	bo.Reset()

	var lastErr error
	for attempt := 0; attempt <= t.Options.RetryMaxAttempts; attempt++ {
		r.appendTask(exec, event.TaskStarted, fp, name, nil)

		val, err := r.runAttempt(ctx, t, fp, name, args, kwargs)
		if err == nil {
			caller, eventVal, storeErr := r.materialize(ctx, t.Options.OutputStorage, fp, val)
			if storeErr == nil {
				r.appendTask(exec, event.TaskCompleted, fp, name, eventVal)
				return caller, nil
			}
			lastErr = storeErr
		} else {
			lastErr = err
		}

		if attempt < t.Options.RetryMaxAttempts {
			r.appendTask(exec, event.TaskRetryStarted, fp, name, nil)
			if sleepErr := sleepCtx(ctx, bo.NextBackOff()); sleepErr != nil {
				lastErr = sleepErr
				break
			}
			continue
		}
		break
	}

	r.appendTask(exec, event.TaskFailed, fp, name, encodeError(lastErr))
	return nil, fmt.Errorf("%w: %s: %w", ErrFailed, t.Name, lastErr)
}

// runAttempt runs a single attempt of t.Fn, bounding it with Options.Timeout and
// injecting resolved secrets and call metadata.
func (r *Runtime) runAttempt(ctx context.Context, t *Task, fp, name string, args []any, kwargs map[string]any) (any, error) {
	attemptCtx := ctx
	if t.Options.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, t.Options.Timeout)
		defer cancel()
	}

	in := Input{Args: args, Kwargs: kwargs}
	if len(t.Options.SecretRequests) > 0 {
		if r.Secrets == nil {
			return nil, fmt.Errorf("%w: task %q requests secrets but no secret store is configured", ErrFailed, t.Name)
		}
		secrets, err := r.Secrets.Request(attemptCtx, t.Options.SecretRequests)
		if err != nil {
			return nil, fmt.Errorf("%w: resolving secrets for %q: %v", ErrFailed, t.Name, err)
		}
		in.Secrets = secrets
	}
	if t.Options.Metadata {
		in.Metadata = &Metadata{ID: fp, Name: name}
	}

	type attemptResult struct {
		val any
		err error
	}
	done := make(chan attemptResult, 1)
	go func() {
		val, err := t.Fn(attemptCtx, in)
		done <- attemptResult{val, err}
	}()

	select {
	case <-attemptCtx.Done():
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, t.Name)
		}
		return nil, attemptCtx.Err()
	case res := <-done:
		return res.val, res.err
	}
}

// materialize turns a task body's return value into the value returned to the
// caller and the value recorded in the event log, diverting the latter through
// OutputStorage when configured.
func (r *Runtime) materialize(ctx context.Context, store OutputStore, taskID string, result any) (caller json.RawMessage, eventVal json.RawMessage, err error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: result not JSON-serializable: %v", ErrFailed, err)
	}
	if store == nil {
		return raw, raw, nil
	}
	ref, err := store.Put(ctx, taskID, raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: writing output storage: %v", ErrFailed, err)
	}
	refVal, err := json.Marshal(storedRef{Ref: ref})
	if err != nil {
		return nil, nil, err
	}
	return raw, refVal, nil
}

// dereference resolves an event's recorded value back to the original result,
// following an OutputStorage reference if the task was configured with one.
func dereference(ctx context.Context, store OutputStore, raw json.RawMessage) (json.RawMessage, error) {
	if store == nil || raw == nil {
		return raw, nil
	}
	var ref storedRef
	if err := json.Unmarshal(raw, &ref); err == nil && ref.Ref != "" {
		return store.Get(ctx, ref.Ref)
	}
	return raw, nil
}

func (r *Runtime) appendTask(exec *event.Execution, typ event.Type, sourceID, name string, value json.RawMessage) {
	if err := exec.Append(event.Event{
		Type:       typ,
		SourceType: event.SourceTask,
		SourceID:   sourceID,
		SourceName: name,
		Value:      value,
	}); err != nil {
		// The execution reaching a terminal state mid-task, or an out-of-order
		// sequence, means the driver violated the single-writer invariant above it.
		panic(fmt.Sprintf("task: append to execution log: %v", err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
