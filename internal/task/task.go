package task

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Metadata is injected into a call's Input when Options.Metadata is set, describing
// the call being made without the task body needing the workflow's bookkeeping.
type Metadata struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Input is what a task Func receives for one invocation.
type Input struct {
	Args     []any
	Kwargs   map[string]any
	Secrets  map[string]string
	Metadata *Metadata
}

// Func is the body of a task: the user-supplied logic the runtime wraps with retry,
// timeout, fallback, rollback, and caching.
type Func func(ctx context.Context, in Input) (any, error)

// Task pairs a name with its body and runtime Options.
type Task struct {
	Name    string
	Fn      Func
	Options Options
}

// New constructs a Task with default Options (no retry, no timeout).
func New(name string, fn Func) *Task {
	return &Task{Name: name, Fn: fn}
}

// WithOptions returns a copy of t with Options replaced, for fluent construction.
func (t *Task) WithOptions(opts Options) *Task {
	cp := *t
	cp.Options = opts
	return &cp
}

// displayName resolves Options.Name's {0},{1},...,{key} placeholders against a call's
// arguments, falling back to the task's registered Name when none is set.
func (t *Task) displayName(args []any, kwargs map[string]any) string {
	name := t.Options.Name
	if name == "" {
		return t.Name
	}
	for i, a := range args {
		name = strings.ReplaceAll(name, "{"+strconv.Itoa(i)+"}", fmt.Sprint(a))
	}
	for k, v := range kwargs {
		name = strings.ReplaceAll(name, "{"+k+"}", fmt.Sprint(v))
	}
	return name
}
