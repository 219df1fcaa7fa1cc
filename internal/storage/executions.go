package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/fluxworkflow/flux/internal/event"
)

// execRecord is the on-disk shape of an Execution: event.Execution keeps its event
// log in an unexported field, so storage serializes through this record rather than
// marshaling the type directly.
type execRecord struct {
	ID            string          `json:"id"`
	WorkflowID    string          `json:"workflow_id"`
	WorkflowName  string          `json:"workflow_name"`
	Input         json.RawMessage `json:"input"`
	Output        json.RawMessage `json:"output,omitempty"`
	State         event.State     `json:"state"`
	CurrentWorker string          `json:"current_worker,omitempty"`
	Events        []event.Event   `json:"events"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func toRecord(exec *event.Execution) execRecord {
	state, output, currentWorker, updatedAt := exec.Snapshot()
	return execRecord{
		ID:            exec.ID,
		WorkflowID:    exec.WorkflowID,
		WorkflowName:  exec.WorkflowName,
		Input:         exec.Input,
		Output:        output,
		State:         state,
		CurrentWorker: currentWorker,
		Events:        exec.Events(),
		CreatedAt:     exec.CreatedAt,
		UpdatedAt:     updatedAt,
	}
}

func fromRecord(r execRecord) *event.Execution {
	return event.Restore(r.ID, r.WorkflowID, r.WorkflowName, r.Input, r.Output, r.State, r.CurrentWorker, r.Events, r.CreatedAt, r.UpdatedAt)
}

// SaveExecution persists an execution's full state and event log plus a time-ordered
// secondary index for ListExecutions, both in a single bbolt transaction — the
// atomicity spec.md §8 requires between "append event" and "save state", satisfied
// here by storing the whole execution as one value rather than splitting events and
// state across separate buckets the way services/orchestrator/persistence.go splits
// workflows from their version history.
func (s *BoltStore) SaveExecution(exec *event.Execution) error {
	rec := toRecord(exec)
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal execution: %w", err)
	}
	indexKey := []byte(fmt.Sprintf("%s:%d:%s", rec.WorkflowName, rec.CreatedAt.UnixNano(), rec.ID))

	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketExecutions).Put([]byte(rec.ID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketExecIndex).Put(indexKey, []byte(rec.ID))
	})
}

// GetExecution loads an execution by id.
func (s *BoltStore) GetExecution(id string) (*event.Execution, bool, error) {
	data, found, err := s.get(bucketExecutions, []byte(id))
	if err != nil || !found {
		return nil, found, err
	}
	var rec execRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, fmt.Errorf("unmarshal execution %s: %w", id, err)
	}
	return fromRecord(rec), true, nil
}

// ListByState scans every stored execution and returns those currently in state.
// Used by the scheduler's sweep to find SCHEDULED-but-unclaimed executions; there is
// no secondary index by state since sweeps are periodic and infrequent compared to
// the time-indexed listing ListExecutions serves on every status/history request.
func (s *BoltStore) ListByState(state event.State) ([]*event.Execution, error) {
	var out []*event.Execution
	err := s.forEachPrefix(bucketExecutions, nil, func(_, v []byte) bool {
		var rec execRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return true
		}
		if rec.State == state {
			out = append(out, fromRecord(rec))
		}
		return true
	})
	return out, err
}

// ListExecutions returns up to limit executions for a workflow name, oldest first.
func (s *BoltStore) ListExecutions(workflowName string, limit int) ([]*event.Execution, error) {
	var out []*event.Execution
	prefix := []byte(workflowName + ":")
	err := s.forEachPrefix(bucketExecIndex, prefix, func(_, v []byte) bool {
		if limit > 0 && len(out) >= limit {
			return false
		}
		data, found, err := s.get(bucketExecutions, v)
		if err != nil || !found {
			return true
		}
		var rec execRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return true
		}
		out = append(out, fromRecord(rec))
		return true
	})
	return out, err
}
