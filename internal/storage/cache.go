package storage

import (
	"context"
	"encoding/json"
)

// CacheAdapter implements task.CacheStore over the cache bucket, giving
// Options.Cache results durability across process restarts as well as across
// executions.
type CacheAdapter struct {
	store *BoltStore
}

// Cache returns a task.CacheStore-compatible view of the store.
func (s *BoltStore) Cache() *CacheAdapter { return &CacheAdapter{store: s} }

func (c *CacheAdapter) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	return c.store.get(bucketCache, []byte(key))
}

func (c *CacheAdapter) Put(ctx context.Context, key string, value json.RawMessage) error {
	return c.store.put(bucketCache, []byte(key), value)
}
