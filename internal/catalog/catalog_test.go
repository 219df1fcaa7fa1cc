package catalog

import "testing"

type memBackend struct {
	data map[string][]byte
}

func newMemBackend() *memBackend { return &memBackend{data: map[string][]byte{}} }

func (b *memBackend) CatalogPut(key string, value []byte) error {
	b.data[key] = value
	return nil
}

func (b *memBackend) CatalogGet(key string) ([]byte, bool, error) {
	v, ok := b.data[key]
	return v, ok, nil
}

func (b *memBackend) CatalogList(prefix string, fn func(key string, value []byte) bool) error {
	for k, v := range b.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			if !fn(k, v) {
				return nil
			}
		}
	}
	return nil
}

func TestRegisterRejectsDuplicateVersion(t *testing.T) {
	s := New(newMemBackend())
	entry := Entry{Name: "billing", Version: "1"}
	if err := s.Register(entry); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := s.Register(entry); err == nil {
		t.Fatalf("expected ErrAlreadyRegistered on duplicate (name, version)")
	}
}

func TestGetAndListRoundTrip(t *testing.T) {
	s := New(newMemBackend())
	_ = s.Register(Entry{Name: "billing", Version: "1", ResourceRequest: ResourceRequest{MemoryBytes: 1024}})
	_ = s.Register(Entry{Name: "billing", Version: "2"})
	_ = s.Register(Entry{Name: "other", Version: "1"})

	got, found, err := s.Get("billing", "1")
	if err != nil || !found {
		t.Fatalf("get: found=%v err=%v", found, err)
	}
	if got.ResourceRequest.MemoryBytes != 1024 {
		t.Fatalf("expected resource request to round-trip, got %+v", got.ResourceRequest)
	}

	versions, err := s.List("billing")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected 2 billing versions, got %d", len(versions))
	}
}

func TestLatestTracksMostRecentRegistration(t *testing.T) {
	s := New(newMemBackend())
	_ = s.Register(Entry{Name: "billing", Version: "1"})
	_ = s.Register(Entry{Name: "billing", Version: "2"})

	latest, found, err := s.Latest("billing")
	if err != nil || !found {
		t.Fatalf("latest: found=%v err=%v", found, err)
	}
	if latest.Version != "2" {
		t.Fatalf("expected latest version 2, got %s", latest.Version)
	}

	versions, err := s.List("billing")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected latest pointer to stay out of List results, got %d entries", len(versions))
	}
}
