// Command taskrelay-cleanup removes finished rows from the MySQL queue and
// task-record tables.
//
// It wraps mysql.CleanupMaintainer for use in cron/CronJobs when taskrelayd
// itself should not run DELETE statements.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/velmie/taskrelay/config"
	"github.com/velmie/taskrelay/mysql"
	"github.com/velmie/taskrelay/observability"
)

const exitUsage = 2

type options struct {
	dsn         string
	table       string
	kvTable     string
	retention   time.Duration
	checkEvery  time.Duration
	limit       int
	lockName    string
	includeDead bool
	once        bool
	verbose     bool
}

func main() {
	var o options
	flag.StringVar(&o.dsn, "dsn", "", "MySQL DSN, e.g. user:pass@tcp(host:3306)/db?parseTime=true")
	flag.StringVar(&o.table, "table", "taskrelay_queue", "Queue table name")
	flag.StringVar(&o.kvTable, "kv-table", "taskrelay_kv", "Task record table name (empty skips task records)")
	flag.DurationVar(&o.retention, "retention", 0, "Delete rows older than this duration")
	flag.DurationVar(&o.checkEvery, "check-every", time.Hour, "How often to run cleanup")
	flag.IntVar(&o.limit, "limit", 0, "Max rows deleted per run (0 uses default)")
	flag.StringVar(&o.lockName, "lock-name", "", "Advisory lock name (optional)")
	flag.BoolVar(&o.includeDead, "include-dead", false, "Delete dead rows as well")
	flag.BoolVar(&o.once, "once", false, "Run once and exit")
	flag.BoolVar(&o.verbose, "verbose", false, "Enable debug logging")
	flag.Parse()

	if o.dsn == "" {
		fmt.Fprintln(os.Stderr, "dsn is required")
		flag.Usage()
		os.Exit(exitUsage)
	}

	level := "info"
	if o.verbose {
		level = "debug"
	}
	zl, err := observability.NewLogger(config.LogConfig{Level: level, Format: "console", Outputs: []string{"stdout"}})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, o, zl); err != nil {
		zl.Error("cleanup failed", zap.Error(err))
		_ = zl.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, o options, zl *zap.Logger) error {
	db, err := sql.Open("mysql", o.dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	logger := observability.Adapt(zl)
	maintainer, err := mysql.NewCleanupMaintainer(db, mysql.CleanupMaintainerConfig{
		Table:       o.table,
		KVTable:     o.kvTable,
		Retention:   o.retention,
		CheckEvery:  o.checkEvery,
		Limit:       o.limit,
		IncludeDead: o.includeDead,
		LockName:    o.lockName,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("init maintainer: %w", err)
	}

	if o.once {
		result, err := maintainer.Ensure(ctx)
		if err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}
		logger.Info("cleanup done",
			"delivered", result.Delivered,
			"dead", result.Dead,
			"tasks", result.Tasks,
			"claims", result.Claims,
		)

		return nil
	}

	if err := maintainer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run maintainer: %w", err)
	}

	return nil
}
