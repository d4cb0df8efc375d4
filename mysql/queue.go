package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/velmie/taskrelay"
)

const (
	maxErrorLen       = 1024
	ackFixedArgs      = 2
	placeholderGrowth = 2
)

// Executor allows enqueuing within an existing transaction.
type Executor interface {
	// ExecContext executes a statement with the provided context.
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Queue is a MySQL-backed transport using polling + SKIP LOCKED.
// Publishing inserts a row; subscribing runs a relay over the rows of one topic.
type Queue struct {
	db      *sql.DB
	cfg     Config
	queries queries
	table   string
}

var (
	_ taskrelay.Transport      = (*Queue)(nil)
	_ taskrelay.Consumer       = (*Queue)(nil)
	_ taskrelay.PendingCounter = (*Queue)(nil)
)

// NewQueue constructs a MySQL queue with validated configuration.
func NewQueue(db *sql.DB, opts ...Option) (*Queue, error) {
	if db == nil {
		return nil, ErrDBRequired
	}

	cfg := buildConfig(opts)
	table, err := sanitizeTableName(cfg.Table)
	if err != nil {
		return nil, err
	}

	return &Queue{
		db:      db,
		cfg:     cfg,
		queries: newQueries(table),
		table:   table,
	}, nil
}

// MustNewQueue constructs a MySQL queue or panics on error.
func MustNewQueue(db *sql.DB, opts ...Option) *Queue {
	q, err := NewQueue(db, opts...)
	if err != nil {
		panic(err)
	}

	return q
}

// Publish implements taskrelay.Publisher.
func (q *Queue) Publish(ctx context.Context, topic string, payload []byte) error {
	_, err := q.Enqueue(ctx, q.db, topic, payload)

	return err
}

// Enqueue inserts a queue entry using the provided executor (transaction preferred).
func (q *Queue) Enqueue(ctx context.Context, exec Executor, topic string, payload []byte) (uuid.UUID, error) {
	if exec == nil {
		return uuid.Nil, ErrExecutorRequired
	}
	if topic == "" {
		return uuid.Nil, ErrTopicRequired
	}
	if utf8.RuneCountInString(topic) > maxTopicLen {
		return uuid.Nil, fmt.Errorf("%w: %d characters", ErrTopicTooLong, utf8.RuneCountInString(topic))
	}
	if len(payload) == 0 {
		return uuid.Nil, ErrPayloadRequired
	}

	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("taskrelay mysql: generate id failed: %w", err)
	}

	now := q.cfg.Clock.Now().UTC()
	if _, err := exec.ExecContext(ctx, q.queries.insert, id[:], topic, payload, now, now); err != nil {
		return uuid.Nil, fmt.Errorf("taskrelay mysql: insert failed: %w", err)
	}

	return id, nil
}

// Subscribe implements taskrelay.Subscriber. Entries of topic are handed to handler
// by a relay running until the returned closer is closed or ctx ends.
func (q *Queue) Subscribe(ctx context.Context, topic string, handler taskrelay.DeliveryFunc) (io.Closer, error) {
	if topic == "" {
		return nil, ErrTopicRequired
	}
	if handler == nil {
		return nil, taskrelay.ErrNoHandler
	}

	relay := taskrelay.NewRelay(q, handler,
		taskrelay.WithTopic(topic),
		taskrelay.WithBatchSize(q.cfg.BatchSize),
		taskrelay.WithPollInterval(q.cfg.PollInterval),
		taskrelay.WithHandlerTimeout(q.cfg.HandlerTimeout),
		taskrelay.WithClock(q.cfg.Clock),
		taskrelay.WithLogger(q.cfg.Logger),
		taskrelay.WithMetrics(q.cfg.Metrics),
	)

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		if err := relay.Run(ctx); err != nil {
			q.cfg.Logger.Error("queue subscription stopped", "topic", topic, "err", err)
		}
	}()

	return sub, nil
}

type subscription struct {
	once   sync.Once
	cancel context.CancelFunc
	done   chan struct{}
}

// Close stops the relay and waits for in-flight deliveries.
func (s *subscription) Close() error {
	s.once.Do(s.cancel)
	<-s.done

	return nil
}

// Fetch locks and returns a batch of due entries using READ COMMITTED + SKIP LOCKED.
func (q *Queue) Fetch(ctx context.Context, opts taskrelay.FetchOptions) (taskrelay.Batch, error) {
	if opts.BatchSize <= 0 {
		return nil, taskrelay.ErrInvalidBatchSize
	}

	tx, err := q.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("taskrelay mysql: begin tx failed: %w", err)
	}

	deliveries, err := q.selectBatch(ctx, tx, opts)
	if err != nil {
		rollbackErr := tx.Rollback()

		return nil, errors.Join(err, rollbackErr)
	}
	if len(deliveries) == 0 {
		_ = tx.Rollback()

		return nil, taskrelay.ErrNoDeliveries
	}

	return &batch{tx: tx, queue: q, deliveries: deliveries}, nil
}

func (q *Queue) selectBatch(ctx context.Context, tx *sql.Tx, opts taskrelay.FetchOptions) ([]taskrelay.Delivery, error) {
	args := []any{statusPending, q.cfg.Clock.Now().UTC()}
	if opts.Topic != "" {
		args = append(args, opts.Topic)
	}
	if !opts.MinCreatedAt.IsZero() {
		args = append(args, opts.MinCreatedAt.UTC())
	}
	args = append(args, opts.BatchSize)

	query := q.queries.selectPending[selectVariant(opts.Topic != "", !opts.MinCreatedAt.IsZero())]
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("taskrelay mysql: select failed: %w", err)
	}
	defer rows.Close()

	deliveries := make([]taskrelay.Delivery, 0, opts.BatchSize)
	for rows.Next() {
		var d taskrelay.Delivery
		if err := rows.Scan(&d.ID, &d.Topic, &d.Payload, &d.CreatedAt, &d.Attempts); err != nil {
			return nil, fmt.Errorf("taskrelay mysql: scan failed: %w", err)
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("taskrelay mysql: rows failed: %w", err)
	}

	return deliveries, nil
}

func (q *Queue) ack(ctx context.Context, tx *sql.Tx, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	query := buildAckQuery(q.table, len(ids))
	args := make([]any, 0, len(ids)+ackFixedArgs)
	args = append(args, statusDelivered, q.cfg.Clock.Now().UTC())
	for _, id := range ids {
		args = append(args, id[:])
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("taskrelay mysql: ack update failed: %w", err)
	}

	return nil
}

func (q *Queue) fail(ctx context.Context, tx *sql.Tx, attempts map[uuid.UUID]int, failures []taskrelay.Failure) error {
	now := q.cfg.Clock.Now().UTC()
	for _, failure := range failures {
		availableAt := now.Add(q.cfg.failureDelay(attempts[failure.ID]+1, failure))
		if _, err := tx.ExecContext(
			ctx,
			q.queries.updateFailureOne,
			truncateError(failure.Err),
			availableAt,
			q.cfg.MaxAttempts,
			statusDead,
			statusPending,
			failure.ID[:],
		); err != nil {
			return fmt.Errorf("taskrelay mysql: fail update failed: %w", err)
		}
	}

	return nil
}

func (q *Queue) dead(ctx context.Context, tx *sql.Tx, failures []taskrelay.Failure) error {
	for _, failure := range failures {
		if _, err := tx.ExecContext(
			ctx,
			q.queries.updateDeadOne,
			truncateError(failure.Err),
			statusDead,
			failure.ID[:],
		); err != nil {
			return fmt.Errorf("taskrelay mysql: dead update failed: %w", err)
		}
	}

	return nil
}

// PendingCount returns the number of pending queue rows.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	var count int
	if err := q.db.QueryRowContext(ctx, q.queries.countPending, statusPending).Scan(&count); err != nil {
		return 0, fmt.Errorf("taskrelay mysql: pending count failed: %w", err)
	}

	return count, nil
}

// Stats returns the number of queue rows per delivery status.
func (q *Queue) Stats(ctx context.Context) (map[taskrelay.DeliveryStatus]int, error) {
	rows, err := q.db.QueryContext(ctx, q.queries.countByStatus)
	if err != nil {
		return nil, fmt.Errorf("taskrelay mysql: stats failed: %w", err)
	}
	defer rows.Close()

	stats := map[taskrelay.DeliveryStatus]int{
		taskrelay.DeliveryPending:   0,
		taskrelay.DeliveryDelivered: 0,
		taskrelay.DeliveryDead:      0,
	}
	for rows.Next() {
		var status, count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("taskrelay mysql: stats scan failed: %w", err)
		}
		if s, ok := deliveryStatus(status); ok {
			stats[s] = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("taskrelay mysql: stats rows failed: %w", err)
	}

	return stats, nil
}

func deliveryStatus(code int) (taskrelay.DeliveryStatus, bool) {
	switch code {
	case statusPending:
		return taskrelay.DeliveryPending, true
	case statusDelivered:
		return taskrelay.DeliveryDelivered, true
	case statusDead:
		return taskrelay.DeliveryDead, true
	default:
		return "", false
	}
}

func buildAckQuery(table string, count int) string {
	placeholders := makePlaceholders(count)

	return fmt.Sprintf("UPDATE %s SET status = ?, processed_at = ?, last_error = NULL WHERE id IN (%s)", table, placeholders)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}

	buf := make([]byte, 0, count*placeholderGrowth)
	for i := 0; i < count; i++ {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '?')
	}

	return string(buf)
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	if utf8.RuneCountInString(msg) <= maxErrorLen {
		return msg
	}

	return string([]rune(msg)[:maxErrorLen])
}
