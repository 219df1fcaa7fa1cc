// Package fingerprint computes the stable identifier of a single task call within an
// execution, as required by spec.md §3/§9: a deterministic hash of
// (task_name, positional_args, keyword_args, call_index_within_workflow). Two calls
// sharing a fingerprint are the same logical invocation, so the replay engine never
// re-executes the second — it returns the first's recorded result.
//
// Stability is achieved by reusing encoding/json's canonical behavior: struct fields
// are emitted in a fixed (source) order and map keys are always sorted, so a Go map
// passed as keyword args serializes identically regardless of iteration order. This is
// the generalization of DAGEngine.generateCacheKey (sha256 over json.Marshal(task)) to
// an arbitrary args shape plus the call-index disambiguator the DAG engine didn't need.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Of computes the fingerprint for one task call.
func Of(taskName string, args []any, kwargs map[string]any, callIndex int) string {
	payload := struct {
		Task      string         `json:"task"`
		Args      []any          `json:"args"`
		Kwargs    map[string]any `json:"kwargs,omitempty"`
		CallIndex int            `json:"call_index"`
	}{
		Task:      taskName,
		Args:      args,
		Kwargs:    kwargs,
		CallIndex: callIndex,
	}
	// A marshal failure here means the caller passed an unserializable argument, which is
	// a programming error in workflow code, not a runtime condition to recover from.
	data, err := json.Marshal(payload)
	if err != nil {
		panic("fingerprint: args must be JSON-serializable: " + err.Error())
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CacheKey computes the key used by task.Options.Cache for results that must be
// reusable across executions, scoped by task name and argument hash alone (no call
// index — the same logical call anywhere should hit the same cache entry).
func CacheKey(taskName string, args []any, kwargs map[string]any) string {
	payload := struct {
		Task   string         `json:"task"`
		Args   []any          `json:"args"`
		Kwargs map[string]any `json:"kwargs,omitempty"`
	}{Task: taskName, Args: args, Kwargs: kwargs}
	data, err := json.Marshal(payload)
	if err != nil {
		panic("fingerprint: args must be JSON-serializable: " + err.Error())
	}
	sum := sha256.Sum256(data)
	return "cache_" + hex.EncodeToString(sum[:])
}
