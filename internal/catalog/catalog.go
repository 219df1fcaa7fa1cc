// Package catalog is the durable registry of spec.md §3/§4.4: workflow/task source
// and the resource and secret requirements a worker must satisfy to run it. An entry
// is immutable once registered — the replay engine's determinism guarantee depends
// on a workflow's code never changing under an in-flight execution, so re-registering
// the same (name, version) is rejected rather than silently overwritten, unlike
// services/orchestrator/persistence.go's PutWorkflow, which archives and overwrites.
package catalog

import (
	"encoding/json"
	"fmt"
)

// ResourceRequest describes what a worker must have available to run a workflow,
// matched against a worker's advertised resources by internal/scheduler.
type ResourceRequest struct {
	MemoryBytes      int64    `json:"memory_bytes,omitempty"`
	CPUShares        int64    `json:"cpu_shares,omitempty"`
	RequiresGPU      bool     `json:"requires_gpu,omitempty"`
	RequiredPackages []string `json:"required_packages,omitempty"`
}

// Entry is one registered workflow version.
type Entry struct {
	Name              string          `json:"name"`
	Version           string          `json:"version"`
	Source            json.RawMessage `json:"source"`
	ResourceRequest   ResourceRequest `json:"resource_request"`
	SecretRequests    []string        `json:"secret_requests,omitempty"`
	OutputStorageKind string          `json:"output_storage_kind,omitempty"`
}

func key(name, version string) string { return name + "@" + version }

// latestKey is deliberately outside the "name@" prefix List scans, so the latest
// pointer never shows up as a (malformed) entry in a listing.
func latestKey(name string) string { return "latest\x00" + name }

// Backend is the durable key/value surface catalog writes through — satisfied by
// *storage.BoltStore.
type Backend interface {
	CatalogPut(key string, value []byte) error
	CatalogGet(key string) ([]byte, bool, error)
	CatalogList(prefix string, fn func(key string, value []byte) bool) error
}

// ErrAlreadyRegistered is returned by Register when (name, version) already exists.
var ErrAlreadyRegistered = fmt.Errorf("catalog: entry already registered")

// Store is the catalog's durable registry.
type Store struct {
	backend Backend
}

// New wraps a Backend as a catalog Store.
func New(backend Backend) *Store { return &Store{backend: backend} }

// Register adds a new catalog entry. It fails if (Name, Version) is already present:
// entries are immutable, so fixing a mistake means registering a new version, not
// overwriting this one.
func (s *Store) Register(entry Entry) error {
	k := key(entry.Name, entry.Version)
	if _, found, err := s.backend.CatalogGet(k); err != nil {
		return fmt.Errorf("catalog: check existing entry: %w", err)
	} else if found {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, k)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("catalog: marshal entry: %w", err)
	}
	if err := s.backend.CatalogPut(k, data); err != nil {
		return err
	}
	// "run by name" (spec.md §6) has no version parameter, so the catalog tracks
	// which version is current: whichever was registered most recently.
	return s.backend.CatalogPut(latestKey(entry.Name), []byte(entry.Version))
}

// Latest returns the most recently registered version of name.
func (s *Store) Latest(name string) (Entry, bool, error) {
	version, found, err := s.backend.CatalogGet(latestKey(name))
	if err != nil || !found {
		return Entry{}, found, err
	}
	return s.Get(name, string(version))
}

// Get returns a single registered entry.
func (s *Store) Get(name, version string) (Entry, bool, error) {
	data, found, err := s.backend.CatalogGet(key(name, version))
	if err != nil || !found {
		return Entry{}, found, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("catalog: unmarshal entry %s@%s: %w", name, version, err)
	}
	return entry, true, nil
}

// List returns every registered version of a workflow name, in registration-key
// order. Pass an empty name to list every entry in the catalog.
func (s *Store) List(name string) ([]Entry, error) {
	prefix := ""
	if name != "" {
		prefix = name + "@"
	}
	var out []Entry
	err := s.backend.CatalogList(prefix, func(_ string, value []byte) bool {
		var entry Entry
		if err := json.Unmarshal(value, &entry); err == nil {
			out = append(out, entry)
		}
		return true
	})
	return out, err
}
