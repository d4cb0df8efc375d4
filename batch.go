package taskrelay

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// FetchOptions controls how pending deliveries are selected.
type FetchOptions struct {
	// Topic restricts the fetch to one topic. Empty fetches every topic.
	Topic        string
	BatchSize    int
	MinCreatedAt time.Time
}

// Consumer provides locked batches of queued deliveries.
type Consumer interface {
	// Fetch returns a batch of pending deliveries locked for processing.
	Fetch(ctx context.Context, opts FetchOptions) (Batch, error)
}

// Batch represents a locked set of deliveries fetched for processing.
type Batch interface {
	// Deliveries returns the fetched deliveries in this batch.
	Deliveries() []Delivery
	// Ack marks the provided deliveries as handled.
	Ack(ctx context.Context, ids []uuid.UUID) error
	// Fail records failures and updates retry state for each delivery.
	Fail(ctx context.Context, failures []Failure) error
	// Commit finalizes the batch transaction.
	Commit() error
	// Rollback releases locks without applying any changes.
	Rollback() error
}

// DeadBatch supports immediate dead-lettering of deliveries.
type DeadBatch interface {
	// Dead marks the provided deliveries as non retryable failures.
	Dead(ctx context.Context, failures []Failure) error
}

// PendingCounter provides a total count of pending deliveries.
type PendingCounter interface {
	// PendingCount returns the current number of pending deliveries.
	PendingCount(ctx context.Context) (int, error)
}
