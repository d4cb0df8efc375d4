// Command taskrelayd runs the task dispatcher, status propagator and HTTP API.
//
// Configuration is read from a YAML file (-config, TASKRELAY_CONFIG or
// ./taskrelay.yaml) with TASKRELAY_* environment overrides.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/velmie/taskrelay/config"
	"github.com/velmie/taskrelay/observability"
)

const exitUsage = 2

func main() {
	var (
		path        string
		printConfig bool
	)
	flag.StringVar(&path, "config", "", "Path to the YAML config file")
	flag.BoolVar(&printConfig, "print-config", false, "Print the effective config and exit")
	flag.Parse()

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}
	if printConfig {
		out, err := config.Dump(cfg)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		_, _ = os.Stdout.Write(out)

		return
	}

	zl, err := observability.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zl); err != nil {
		zl.Error("taskrelayd stopped", zap.Error(err))
		_ = zl.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, zl *zap.Logger) error {
	logger := observability.Adapt(zl)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	logger.Info("taskrelayd starting",
		"sender_id", cfg.SenderID,
		"store", cfg.Store.Driver,
		"transport", cfg.Transport.Kind,
		"codec", cfg.Codec,
	)

	return a.run(ctx)
}
