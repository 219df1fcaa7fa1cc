// Package blobstore is the output_storage collaborator of spec.md §4.2: when a task's
// OutputStorage option is set, its result is written here instead of inline into the
// event log, and the log carries only a reference.
package blobstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Backend is the durable key/value surface blobstore writes through — satisfied by
// *storage.BoltStore.
type Backend interface {
	BlobPut(key string, value []byte) error
	BlobGet(key string) ([]byte, bool, error)
}

// Store implements task.OutputStore over a Backend.
type Store struct {
	backend Backend
}

// New wraps a Backend as a task.OutputStore.
func New(backend Backend) *Store { return &Store{backend: backend} }

// Put stores value under a fresh reference scoped by taskID, so repeated attempts of
// the same task (retries) never overwrite each other's stored output.
func (s *Store) Put(ctx context.Context, taskID string, value json.RawMessage) (string, error) {
	ref := taskID + "/" + uuid.NewString()
	if err := s.backend.BlobPut(ref, value); err != nil {
		return "", fmt.Errorf("blobstore: put %s: %w", ref, err)
	}
	return ref, nil
}

// Get retrieves a previously stored value by reference.
func (s *Store) Get(ctx context.Context, ref string) (json.RawMessage, error) {
	data, found, err := s.backend.BlobGet(ref)
	if err != nil {
		return nil, fmt.Errorf("blobstore: get %s: %w", ref, err)
	}
	if !found {
		return nil, fmt.Errorf("blobstore: reference %s not found", ref)
	}
	return json.RawMessage(data), nil
}
