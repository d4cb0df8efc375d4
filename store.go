package taskrelay

import "context"

// Item is a versioned value held by a Store.
type Item struct {
	Key     string
	Value   []byte
	Version int64
}

// Store is the key-value collaborator used for task records, idempotency claims and breaker state.
// Versions start at 1 and grow by one on every write of a key.
type Store interface {
	// Get returns the item under key or ErrNotFound.
	Get(ctx context.Context, key string) (Item, error)
	// Set writes value unconditionally and returns the new version.
	Set(ctx context.Context, key string, value []byte) (int64, error)
	// CompareAndSet writes value only when the stored version equals version and returns
	// the new version. Version 0 means the key must not exist. A lost race returns ErrVersionConflict.
	CompareAndSet(ctx context.Context, key string, value []byte, version int64) (int64, error)
}

// Scanner is implemented by stores that can enumerate keys by prefix.
type Scanner interface {
	// Scan calls fn for every item whose key starts with prefix, in key order.
	// An error from fn stops the scan and is returned.
	Scan(ctx context.Context, prefix string, fn func(Item) error) error
}

const (
	taskKeyPrefix    = "task/"
	idemKeyPrefix    = "idem/"
	breakerKeyPrefix = "breaker/"
)

// TaskKey returns the store key of a task record.
func TaskKey(taskID string) string { return taskKeyPrefix + taskID }

// IdempotencyKey returns the store key of an idempotency claim.
func IdempotencyKey(key string) string { return idemKeyPrefix + key }

// BreakerKey returns the store key of a persisted breaker snapshot.
func BreakerKey(name string) string { return breakerKeyPrefix + name }
