package storage

// BlobPut/BlobGet/SecretPut/SecretGet/SecretDelete/SecretList/WorkerUpsert/WorkerGet/
// WorkerList/CatalogPut/CatalogGet/CatalogList expose the remaining buckets' generic
// key/value operations to their owning packages (internal/blobstore,
// internal/secrets, internal/scheduler, internal/catalog), which layer
// domain-specific behavior (ref generation, rotation, resource matching, version
// immutability) on top.

func (s *BoltStore) BlobPut(key string, value []byte) error { return s.put(bucketBlobs, []byte(key), value) }

func (s *BoltStore) BlobGet(key string) ([]byte, bool, error) { return s.get(bucketBlobs, []byte(key)) }

func (s *BoltStore) SecretPut(name string, value []byte) error {
	return s.put(bucketSecrets, []byte(name), value)
}

func (s *BoltStore) SecretGet(name string) ([]byte, bool, error) {
	return s.get(bucketSecrets, []byte(name))
}

func (s *BoltStore) SecretDelete(name string) error { return s.delete(bucketSecrets, []byte(name)) }

func (s *BoltStore) SecretList(fn func(name string, value []byte) bool) error {
	return s.forEachPrefix(bucketSecrets, nil, func(k, v []byte) bool { return fn(string(k), v) })
}

func (s *BoltStore) WorkerUpsert(sessionID string, value []byte) error {
	return s.put(bucketWorkers, []byte(sessionID), value)
}

func (s *BoltStore) WorkerGet(sessionID string) ([]byte, bool, error) {
	return s.get(bucketWorkers, []byte(sessionID))
}

func (s *BoltStore) WorkerDelete(sessionID string) error {
	return s.delete(bucketWorkers, []byte(sessionID))
}

func (s *BoltStore) WorkerList(fn func(sessionID string, value []byte) bool) error {
	return s.forEachPrefix(bucketWorkers, nil, func(k, v []byte) bool { return fn(string(k), v) })
}

func (s *BoltStore) CatalogPut(key string, value []byte) error {
	return s.put(bucketCatalog, []byte(key), value)
}

func (s *BoltStore) CatalogGet(key string) ([]byte, bool, error) {
	return s.get(bucketCatalog, []byte(key))
}

func (s *BoltStore) CatalogList(prefix string, fn func(key string, value []byte) bool) error {
	return s.forEachPrefix(bucketCatalog, []byte(prefix), func(k, v []byte) bool { return fn(string(k), v) })
}
