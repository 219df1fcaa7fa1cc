// Package storage is Flux's persistence layer: a BoltDB-backed store with one bucket
// per entity kind (executions, catalog, workers, cache, secrets, blobs), generalizing
// services/orchestrator/persistence.go's WorkflowStore from a single workflows+executions
// shape to the full set of entities the rest of Flux needs durable storage for.
//
// BoltDB is kept for the same reason the teacher chose it: pure Go, no C dependency,
// and a single mutable file is enough for one server process to own.
package storage

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketExecutions = []byte("executions")
	bucketExecIndex  = []byte("exec_index")
	bucketCatalog    = []byte("catalog")
	bucketWorkers    = []byte("workers")
	bucketCache      = []byte("cache")
	bucketSecrets    = []byte("secrets")
	bucketBlobs      = []byte("blobs")

	allBuckets = [][]byte{
		bucketExecutions, bucketExecIndex, bucketCatalog, bucketWorkers,
		bucketCache, bucketSecrets, bucketBlobs,
	}
)

// BoltStore is Flux's single persistence handle, shared by every package that needs
// durable state: internal/task (cache), internal/secrets, internal/blobstore,
// internal/catalog, internal/scheduler (workers), and this package's own execution
// store.
type BoltStore struct {
	db *bbolt.DB
}

// Open creates (or reopens) the database at dbPath/flux.db, creating every bucket
// Flux needs up front so later code never has to check for a missing bucket.
func Open(dbPath string) (*BoltStore, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		NoGrowSync:   false,
		FreelistType: bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(dbPath+"/flux.db", 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Close releases the underlying database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// put writes a single key in a single bucket inside its own transaction.
func (s *BoltStore) put(bucket, key, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put(key, value)
	})
}

// get reads a single key from a single bucket. found is false when the key is absent.
func (s *BoltStore) get(bucket, key []byte) (value []byte, found bool, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucket).Get(key)
		if v == nil {
			return nil
		}
		found = true
		value = append([]byte(nil), v...)
		return nil
	})
	return value, found, err
}

// delete removes a single key from a single bucket.
func (s *BoltStore) delete(bucket, key []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Delete(key)
	})
}

// forEachPrefix visits every key with the given prefix, in key order, stopping early
// if fn returns false.
func (s *BoltStore) forEachPrefix(bucket, prefix []byte, fn func(key, value []byte) bool) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			if !fn(k, v) {
				break
			}
		}
		return nil
	})
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}
