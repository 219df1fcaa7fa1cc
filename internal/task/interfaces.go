package task

import (
	"context"
	"encoding/json"
)

// OutputStore is the narrow collaborator a task's OutputStorage option is invoked
// through. A concrete blobstore implementation satisfies this by signature.
type OutputStore interface {
	Put(ctx context.Context, taskID string, value json.RawMessage) (ref string, err error)
	Get(ctx context.Context, ref string) (json.RawMessage, error)
}

// SecretStore is the narrow collaborator a task's SecretRequests option is resolved
// through. A concrete secrets store implementation satisfies this by signature.
type SecretStore interface {
	Request(ctx context.Context, names []string) (map[string]string, error)
}

// CacheStore is the narrow collaborator a task's Cache option is backed by: results
// keyed by name+argument hash, durable across executions.
type CacheStore interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)
	Put(ctx context.Context, key string, value json.RawMessage) error
}
