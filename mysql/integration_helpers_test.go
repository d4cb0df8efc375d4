//go:build integration

package mysql_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/velmie/taskrelay"
	"github.com/velmie/taskrelay/internal/testutil"
	"github.com/velmie/taskrelay/mysql"
)

const (
	queueTable = testutil.QueueTable
	kvTable    = testutil.KVTable
)

func startMySQL(t *testing.T, ctx context.Context) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test disabled in short mode")
	}

	return testutil.Start(t, ctx).DB
}

func publishAll(t *testing.T, ctx context.Context, db *sql.DB, q *mysql.Queue, topic string, payloads ...string) []uuid.UUID {
	t.Helper()
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)

	ids := make([]uuid.UUID, 0, len(payloads))
	for _, p := range payloads {
		id, err := q.Enqueue(ctx, tx, topic, []byte(p))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, tx.Commit())

	return ids
}

func collectIDs(deliveries []taskrelay.Delivery) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(deliveries))
	for _, d := range deliveries {
		ids = append(ids, d.ID)
	}
	return ids
}

func countByStatus(t *testing.T, ctx context.Context, db *sql.DB, status int) int {
	t.Helper()
	var count int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+queueTable+" WHERE status = ?", status).Scan(&count)
	require.NoError(t, err)
	return count
}

func fetchStatus(t *testing.T, ctx context.Context, db *sql.DB, id uuid.UUID) (int, int, sql.NullString) {
	t.Helper()
	var (
		status    int
		attempts  int
		lastError sql.NullString
	)
	err := db.QueryRowContext(ctx, "SELECT status, attempt_count, last_error FROM "+queueTable+" WHERE id = ?", id[:]).
		Scan(&status, &attempts, &lastError)
	require.NoError(t, err)

	return status, attempts, lastError
}
