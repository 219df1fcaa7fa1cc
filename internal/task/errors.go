package task

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrFailed wraps a task body's error after retries (and fallback, if any) are
// exhausted — spec.md §7 kind 1.
var ErrFailed = errors.New("task: failed")

// ErrTimeout is returned when an attempt exceeds its Options.Timeout — spec.md §7 kind 2.
var ErrTimeout = errors.New("task: attempt timed out")

// wireError is the JSON shape a task failure is recorded as in TASK_FAILED /
// TASK_FALLBACK_FAILED event values, so a replayed execution can reconstruct the
// original error without re-running the task.
type wireError struct {
	Message string `json:"message"`
	Timeout bool   `json:"timeout,omitempty"`
}

func encodeError(err error) json.RawMessage {
	we := wireError{Message: err.Error(), Timeout: errors.Is(err, ErrTimeout)}
	data, marshalErr := json.Marshal(we)
	if marshalErr != nil {
		// err.Error() is always a string; this cannot fail in practice.
		return json.RawMessage(`{"message":"` + marshalErr.Error() + `"}`)
	}
	return data
}

func decodeError(raw json.RawMessage) error {
	var we wireError
	if err := json.Unmarshal(raw, &we); err != nil {
		return fmt.Errorf("%w: %s", ErrFailed, string(raw))
	}
	if we.Timeout {
		return fmt.Errorf("%w: %s", ErrTimeout, we.Message)
	}
	return fmt.Errorf("%w: %s", ErrFailed, we.Message)
}
