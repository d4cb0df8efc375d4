package mysql

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/velmie/taskrelay"
)

type batch struct {
	tx         *sql.Tx
	queue      *Queue
	deliveries []taskrelay.Delivery
}

// Deliveries returns the entries fetched for this batch.
func (b *batch) Deliveries() []taskrelay.Delivery {
	return b.deliveries
}

// Ack marks the provided entries as delivered.
func (b *batch) Ack(ctx context.Context, ids []uuid.UUID) error {
	return b.queue.ack(ctx, b.tx, ids)
}

// Fail records failures and schedules a delayed redelivery for each entry.
func (b *batch) Fail(ctx context.Context, failures []taskrelay.Failure) error {
	if len(failures) == 0 {
		return nil
	}

	attempts := make(map[uuid.UUID]int, len(b.deliveries))
	for _, d := range b.deliveries {
		attempts[d.ID] = d.Attempts
	}

	return b.queue.fail(ctx, b.tx, attempts, failures)
}

// Dead marks the provided entries as dead.
func (b *batch) Dead(ctx context.Context, failures []taskrelay.Failure) error {
	if len(failures) == 0 {
		return nil
	}

	return b.queue.dead(ctx, b.tx, failures)
}

// Commit finalizes the batch transaction.
func (b *batch) Commit() error {
	return b.tx.Commit()
}

// Rollback releases locks without applying any changes.
func (b *batch) Rollback() error {
	err := b.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}

	return err
}
