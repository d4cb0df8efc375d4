package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mysqldriver "github.com/go-sql-driver/mysql"

	"github.com/velmie/taskrelay"
)

const (
	errDuplicateEntry = 1062
	scanPageSize      = 500
)

// Store is a MySQL-backed taskrelay.Store. Every row carries a version
// column that CompareAndSet checks in its WHERE clause.
type Store struct {
	db      *sql.DB
	cfg     Config
	queries kvQueries
	table   string
}

var (
	_ taskrelay.Store   = (*Store)(nil)
	_ taskrelay.Scanner = (*Store)(nil)
)

// NewStore constructs a key-value store over the configured KV table.
func NewStore(db *sql.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, ErrDBRequired
	}

	cfg := buildConfig(opts)
	table, err := sanitizeTableName(cfg.KVTable)
	if err != nil {
		return nil, err
	}

	return &Store{
		db:      db,
		cfg:     cfg,
		queries: newKVQueries(table),
		table:   table,
	}, nil
}

// Get implements taskrelay.Store.
func (s *Store) Get(ctx context.Context, key string) (taskrelay.Item, error) {
	if key == "" {
		return taskrelay.Item{}, ErrKeyRequired
	}

	item := taskrelay.Item{Key: key}
	err := s.db.QueryRowContext(ctx, s.queries.get, key).Scan(&item.Value, &item.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return taskrelay.Item{}, taskrelay.ErrNotFound
	}
	if err != nil {
		return taskrelay.Item{}, fmt.Errorf("taskrelay mysql: get %q failed: %w", key, err)
	}

	return item, nil
}

// Set implements taskrelay.Store.
func (s *Store) Set(ctx context.Context, key string, value []byte) (int64, error) {
	if err := checkKV(key, value); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("taskrelay mysql: begin tx failed: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.queries.upsert, key, value); err != nil {
		return 0, errors.Join(fmt.Errorf("taskrelay mysql: set %q failed: %w", key, err), tx.Rollback())
	}

	// The upsert holds the row lock, so this reads the version just written.
	var version int64
	if err := tx.QueryRowContext(ctx, s.queries.get, key).Scan(new([]byte), &version); err != nil {
		return 0, errors.Join(fmt.Errorf("taskrelay mysql: read version of %q failed: %w", key, err), tx.Rollback())
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("taskrelay mysql: commit failed: %w", err)
	}

	return version, nil
}

// CompareAndSet implements taskrelay.Store.
func (s *Store) CompareAndSet(ctx context.Context, key string, value []byte, version int64) (int64, error) {
	if err := checkKV(key, value); err != nil {
		return 0, err
	}
	if version < 0 {
		return 0, taskrelay.ErrVersionConflict
	}

	if version == 0 {
		_, err := s.db.ExecContext(ctx, s.queries.insert, key, value)
		if isDuplicateEntry(err) {
			return 0, taskrelay.ErrVersionConflict
		}
		if err != nil {
			return 0, fmt.Errorf("taskrelay mysql: create %q failed: %w", key, err)
		}

		return 1, nil
	}

	res, err := s.db.ExecContext(ctx, s.queries.update, value, key, version)
	if err != nil {
		return 0, fmt.Errorf("taskrelay mysql: update %q failed: %w", key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("taskrelay mysql: update rows failed: %w", err)
	}
	if affected == 0 {
		return 0, taskrelay.ErrVersionConflict
	}

	return version + 1, nil
}

// Delete removes key. A missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrKeyRequired
	}
	if _, err := s.db.ExecContext(ctx, s.queries.delete, key); err != nil {
		return fmt.Errorf("taskrelay mysql: delete %q failed: %w", key, err)
	}

	return nil
}

// Scan implements taskrelay.Scanner. Rows are read in pages ordered by key.
func (s *Store) Scan(ctx context.Context, prefix string, fn func(taskrelay.Item) error) error {
	pattern := likePrefix(prefix)
	after := ""
	for {
		page, err := s.scanPage(ctx, pattern, after)
		if err != nil {
			return err
		}
		for _, item := range page {
			if err := fn(item); err != nil {
				return err
			}
		}
		if len(page) < scanPageSize {
			return nil
		}
		after = page[len(page)-1].Key
	}
}

func (s *Store) scanPage(ctx context.Context, pattern, after string) ([]taskrelay.Item, error) {
	rows, err := s.db.QueryContext(ctx, s.queries.scan, pattern, after, scanPageSize)
	if err != nil {
		return nil, fmt.Errorf("taskrelay mysql: scan failed: %w", err)
	}
	defer rows.Close()

	page := make([]taskrelay.Item, 0, scanPageSize)
	for rows.Next() {
		var item taskrelay.Item
		if err := rows.Scan(&item.Key, &item.Value, &item.Version); err != nil {
			return nil, fmt.Errorf("taskrelay mysql: scan row failed: %w", err)
		}
		page = append(page, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("taskrelay mysql: scan rows failed: %w", err)
	}

	return page, nil
}

// likePrefix escapes LIKE wildcards in prefix and appends %.
func likePrefix(prefix string) string {
	return strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(prefix) + "%"
}

func checkKV(key string, value []byte) error {
	if key == "" {
		return ErrKeyRequired
	}
	if !json.Valid(value) {
		return ErrInvalidValue
	}

	return nil
}

func isDuplicateEntry(err error) bool {
	var myErr *mysqldriver.MySQLError

	return errors.As(err, &myErr) && myErr.Number == errDuplicateEntry
}
