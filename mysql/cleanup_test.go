package mysql

import (
	"context"
	"database/sql"
	"testing"
	"time"
)

func TestNewCleanupMaintainerDefaults(t *testing.T) {
	db := &sql.DB{}
	maintainer, err := NewCleanupMaintainer(db, CleanupMaintainerConfig{
		Table:     "taskrelay_queue",
		KVTable:   "taskrelay_kv",
		Retention: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("expected maintainer, got %v", err)
	}
	if maintainer.cfg.CheckEvery != defaultCleanupEvery {
		t.Fatalf("expected default check interval")
	}
	if maintainer.cfg.Limit != defaultCleanupLimit {
		t.Fatalf("expected default limit")
	}
	if maintainer.cfg.LockName != "taskrelay:cleanup:taskrelay_queue" {
		t.Fatalf("unexpected lock name %q", maintainer.cfg.LockName)
	}
	if maintainer.store == nil {
		t.Fatalf("expected kv store when KVTable is set")
	}
}

func TestNewCleanupMaintainerQueueOnly(t *testing.T) {
	maintainer, err := NewCleanupMaintainer(&sql.DB{}, CleanupMaintainerConfig{Retention: time.Hour})
	if err != nil {
		t.Fatalf("expected maintainer, got %v", err)
	}
	if maintainer.cfg.Table != defaultTable {
		t.Fatalf("expected default table, got %q", maintainer.cfg.Table)
	}
	if maintainer.store != nil {
		t.Fatalf("expected no kv store")
	}
}

func TestNewCleanupMaintainerValidation(t *testing.T) {
	db := &sql.DB{}
	if _, err := NewCleanupMaintainer(nil, CleanupMaintainerConfig{Retention: time.Hour}); err != ErrDBRequired {
		t.Fatalf("expected ErrDBRequired, got %v", err)
	}
	if _, err := NewCleanupMaintainer(db, CleanupMaintainerConfig{Retention: 0}); err != ErrCleanupRetentionInvalid {
		t.Fatalf("expected ErrCleanupRetentionInvalid, got %v", err)
	}
	if _, err := NewCleanupMaintainer(db, CleanupMaintainerConfig{Retention: time.Hour, Limit: -1}); err != ErrCleanupLimitInvalid {
		t.Fatalf("expected ErrCleanupLimitInvalid, got %v", err)
	}
}

func TestCleanupValidatesOptions(t *testing.T) {
	q := &Queue{cfg: Config{}.withDefaults(), table: defaultTable}
	if _, err := q.Cleanup(context.Background(), CleanupOptions{}); err != ErrCleanupBeforeRequired {
		t.Fatalf("expected ErrCleanupBeforeRequired, got %v", err)
	}
	s := &Store{cfg: Config{}.withDefaults(), table: defaultKVTable}
	if _, err := s.Cleanup(context.Background(), CleanupOptions{Before: time.Now(), Limit: -1}); err != ErrCleanupLimitInvalid {
		t.Fatalf("expected ErrCleanupLimitInvalid, got %v", err)
	}
}
