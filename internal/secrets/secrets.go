// Package secrets is the secrets store collaborator of spec.md §4.2/§6: a
// key→value oracle the task runtime resolves secret_requests through. Per spec.md
// §9, encryption is the collaborator's own responsibility — Flux treats it as an
// opaque store and passes values through unmodified, the same way
// services/control-plane treats its bootstrap tokens as opaque bearer strings.
package secrets

import (
	"context"
	"fmt"
)

// Backend is the durable key/value surface secrets writes through — satisfied by
// *storage.BoltStore.
type Backend interface {
	SecretGet(name string) ([]byte, bool, error)
	SecretPut(name string, value []byte) error
	SecretDelete(name string) error
	SecretList(fn func(name string, value []byte) bool) error
}

// Store implements task.SecretStore plus the CLI-facing get/put/list/remove/rotate
// surface of spec.md §6.
type Store struct {
	backend Backend
}

// New wraps a Backend as a secrets Store.
func New(backend Backend) *Store { return &Store{backend: backend} }

// Request resolves a batch of secret names for task runtime injection, failing the
// whole call if any name is unknown rather than silently omitting it.
func (s *Store) Request(ctx context.Context, names []string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	for _, name := range names {
		v, found, err := s.backend.SecretGet(name)
		if err != nil {
			return nil, fmt.Errorf("secrets: get %q: %w", name, err)
		}
		if !found {
			return nil, fmt.Errorf("secrets: unknown secret %q", name)
		}
		out[name] = string(v)
	}
	return out, nil
}

// Get returns a single secret's value.
func (s *Store) Get(name string) (string, bool, error) {
	v, found, err := s.backend.SecretGet(name)
	return string(v), found, err
}

// Put creates or overwrites a secret's value.
func (s *Store) Put(name, value string) error {
	return s.backend.SecretPut(name, []byte(value))
}

// List returns every known secret name, values omitted.
func (s *Store) List() ([]string, error) {
	var names []string
	err := s.backend.SecretList(func(name string, _ []byte) bool {
		names = append(names, name)
		return true
	})
	return names, err
}

// Remove deletes a secret.
func (s *Store) Remove(name string) error {
	return s.backend.SecretDelete(name)
}

// Rotate replaces a secret's value. If newValue is empty, rotation fails rather than
// silently wiping the secret — callers must supply the replacement.
func (s *Store) Rotate(name, newValue string) error {
	if newValue == "" {
		return fmt.Errorf("secrets: rotate %q: new value required", name)
	}
	if _, found, err := s.backend.SecretGet(name); err != nil {
		return fmt.Errorf("secrets: rotate %q: %w", name, err)
	} else if !found {
		return fmt.Errorf("secrets: rotate %q: not found", name)
	}
	return s.backend.SecretPut(name, []byte(newValue))
}
