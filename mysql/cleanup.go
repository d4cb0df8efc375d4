package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/velmie/taskrelay"
)

const (
	defaultCleanupLimit      = 10000
	defaultCleanupEvery      = time.Hour
	defaultCleanupLockPrefix = "taskrelay:cleanup:"
)

// CleanupOptions defines which finished rows to delete.
type CleanupOptions struct {
	// Before removes rows older than this timestamp (required).
	Before time.Time
	// Limit caps the number of rows deleted per call and per table (0 uses the default).
	Limit int
	// IncludeDead removes queue rows with status=dead using updated_at for cutoff.
	IncludeDead bool
}

// CleanupResult reports how many rows were removed.
type CleanupResult struct {
	Delivered int64
	Dead      int64
	Tasks     int64
	Claims    int64
}

// CleanupMaintainerConfig controls periodic cleanup.
type CleanupMaintainerConfig struct {
	// Table is the queue table name. Use schema.table for non-default schema.
	Table string
	// KVTable is the key-value table. Empty skips task record cleanup.
	KVTable string
	// Retention removes rows older than now-retention (required).
	Retention time.Duration
	// CheckEvery is the interval between cleanup runs.
	CheckEvery time.Duration
	// Limit caps the number of rows deleted per run (0 uses the default).
	Limit int
	// IncludeDead removes dead queue rows in addition to delivered rows.
	IncludeDead bool
	// LockName is the advisory lock name. Defaults to taskrelay:cleanup:<table>.
	LockName string
	// Clock overrides time source (useful for tests).
	Clock taskrelay.Clock
	// Logger receives warnings about cleanup failures.
	Logger taskrelay.Logger
}

// CleanupMaintainer runs periodic cleanup under a MySQL advisory lock.
type CleanupMaintainer struct {
	queue *Queue
	store *Store
	cfg   CleanupMaintainerConfig
}

// Cleanup removes delivered rows (and optionally dead rows) older than opts.Before.
func (q *Queue) Cleanup(ctx context.Context, opts CleanupOptions) (CleanupResult, error) {
	limit, err := cleanupLimit(opts)
	if err != nil {
		return CleanupResult{}, err
	}

	remaining := limit
	delivered, err := q.cleanupByStatus(ctx, statusDelivered, "processed_at", opts.Before, remaining)
	if err != nil {
		return CleanupResult{}, err
	}
	remaining -= int(delivered)

	var dead int64
	if opts.IncludeDead && remaining > 0 {
		dead, err = q.cleanupByStatus(ctx, statusDead, "updated_at", opts.Before, remaining)
		if err != nil {
			return CleanupResult{}, err
		}
	}

	return CleanupResult{Delivered: delivered, Dead: dead}, nil
}

// Cleanup removes terminal task records and idempotency claims last written before opts.Before.
// Claims must outlive any task that can still be resent with the same key.
func (s *Store) Cleanup(ctx context.Context, opts CleanupOptions) (CleanupResult, error) {
	limit, err := cleanupLimit(opts)
	if err != nil {
		return CleanupResult{}, err
	}

	// #nosec G201 -- table name is internal and sanitized.
	tasks := fmt.Sprintf(
		"DELETE FROM %s WHERE k LIKE ? AND updated_at <= ? "+
			"AND JSON_UNQUOTE(JSON_EXTRACT(v, '$.status')) IN (?, ?, ?) LIMIT ?",
		s.table,
	)
	taskRows, err := s.deleteRows(ctx, tasks,
		taskrelay.TaskKey("%"), opts.Before,
		taskrelay.StatusCompleted, taskrelay.StatusFailed, taskrelay.StatusCancelled,
		limit,
	)
	if err != nil {
		return CleanupResult{}, err
	}

	var claimRows int64
	if remaining := limit - int(taskRows); remaining > 0 {
		// #nosec G201 -- table name is internal and sanitized.
		claims := fmt.Sprintf("DELETE FROM %s WHERE k LIKE ? AND updated_at <= ? LIMIT ?", s.table)
		claimRows, err = s.deleteRows(ctx, claims, taskrelay.IdempotencyKey("%"), opts.Before, remaining)
		if err != nil {
			return CleanupResult{}, err
		}
	}

	return CleanupResult{Tasks: taskRows, Claims: claimRows}, nil
}

func (s *Store) deleteRows(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("taskrelay mysql: cleanup delete failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("taskrelay mysql: cleanup rows failed: %w", err)
	}

	return affected, nil
}

func cleanupLimit(opts CleanupOptions) (int, error) {
	if opts.Before.IsZero() {
		return 0, ErrCleanupBeforeRequired
	}
	if opts.Limit < 0 {
		return 0, ErrCleanupLimitInvalid
	}
	if opts.Limit == 0 {
		return defaultCleanupLimit, nil
	}

	return opts.Limit, nil
}

// NewCleanupMaintainer creates a new cleanup maintainer with defaults applied.
func NewCleanupMaintainer(db *sql.DB, cfg CleanupMaintainerConfig) (*CleanupMaintainer, error) {
	if db == nil {
		return nil, ErrDBRequired
	}
	if cfg.Retention <= 0 {
		return nil, ErrCleanupRetentionInvalid
	}
	if cfg.Clock == nil {
		cfg.Clock = taskrelay.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = taskrelay.NopLogger{}
	}
	if cfg.CheckEvery <= 0 {
		cfg.CheckEvery = defaultCleanupEvery
	}
	if cfg.Limit == 0 {
		cfg.Limit = defaultCleanupLimit
	}
	if cfg.Limit < 0 {
		return nil, ErrCleanupLimitInvalid
	}

	queue, err := NewQueue(db, WithTable(cfg.Table), WithClock(cfg.Clock), WithLogger(cfg.Logger))
	if err != nil {
		return nil, err
	}
	cfg.Table = queue.table

	m := &CleanupMaintainer{queue: queue, cfg: cfg}
	if cfg.KVTable != "" {
		m.store, err = NewStore(db, WithKVTable(cfg.KVTable))
		if err != nil {
			return nil, err
		}
		m.cfg.KVTable = m.store.table
	}
	if m.cfg.LockName == "" {
		m.cfg.LockName = defaultCleanupLockPrefix + cfg.Table
	}

	return m, nil
}

// Run periodically deletes old rows until the context is canceled.
func (m *CleanupMaintainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CheckEvery)
	defer ticker.Stop()

	m.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.runOnce(ctx)
		}
	}
}

func (m *CleanupMaintainer) runOnce(ctx context.Context) {
	res, err := m.Ensure(ctx)
	if err != nil {
		m.cfg.Logger.Warn("taskrelay cleanup failed", "err", err)

		return
	}
	m.cfg.Logger.Debug("taskrelay cleanup finished",
		"delivered", res.Delivered, "dead", res.Dead, "tasks", res.Tasks, "claims", res.Claims)
}

// Ensure executes a single cleanup pass.
func (m *CleanupMaintainer) Ensure(ctx context.Context) (CleanupResult, error) {
	conn, err := m.queue.db.Conn(ctx)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("taskrelay mysql: cleanup conn failed: %w", err)
	}
	defer conn.Close()

	locked, err := m.tryLock(ctx, conn)
	if err != nil {
		return CleanupResult{}, err
	}
	if !locked {
		m.cfg.Logger.Debug("taskrelay cleanup lock held by another session")

		return CleanupResult{}, nil
	}
	defer m.releaseLock(ctx, conn)

	opts := CleanupOptions{
		Before:      m.cfg.Clock.Now().Add(-m.cfg.Retention),
		Limit:       m.cfg.Limit,
		IncludeDead: m.cfg.IncludeDead,
	}
	res, err := m.queue.Cleanup(ctx, opts)
	if err != nil || m.store == nil {
		return res, err
	}

	kv, err := m.store.Cleanup(ctx, opts)
	res.Tasks, res.Claims = kv.Tasks, kv.Claims

	return res, err
}

func (q *Queue) cleanupByStatus(ctx context.Context, status int, tsColumn string, before time.Time, limit int) (int64, error) {
	if limit <= 0 {
		return 0, nil
	}

	// #nosec G201 -- table and column names are internal and sanitized.
	query := fmt.Sprintf(
		"DELETE FROM %s WHERE status = ? AND %s IS NOT NULL AND %s <= ? ORDER BY id LIMIT ?",
		q.table,
		tsColumn,
		tsColumn,
	)
	res, err := q.db.ExecContext(ctx, query, status, before.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("taskrelay mysql: cleanup delete failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("taskrelay mysql: cleanup rows failed: %w", err)
	}

	return affected, nil
}

func (m *CleanupMaintainer) tryLock(ctx context.Context, conn *sql.Conn) (bool, error) {
	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", m.cfg.LockName).Scan(&got); err != nil {
		return false, fmt.Errorf("taskrelay mysql: acquire cleanup lock failed: %w", err)
	}
	if !got.Valid || got.Int64 == 0 {
		return false, nil
	}

	return true, nil
}

func (m *CleanupMaintainer) releaseLock(ctx context.Context, conn *sql.Conn) {
	var released sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", m.cfg.LockName).Scan(&released); err != nil {
		m.cfg.Logger.Warn("taskrelay cleanup release lock failed", "err", err)
	}
}
