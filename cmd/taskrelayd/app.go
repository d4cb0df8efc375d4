package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"

	_ "github.com/go-sql-driver/mysql"
	"golang.org/x/sync/errgroup"

	"github.com/velmie/taskrelay"
	"github.com/velmie/taskrelay/api"
	"github.com/velmie/taskrelay/codec"
	"github.com/velmie/taskrelay/config"
	"github.com/velmie/taskrelay/memstore"
	"github.com/velmie/taskrelay/mysql"
	"github.com/velmie/taskrelay/observability"
	"github.com/velmie/taskrelay/push"
	"github.com/velmie/taskrelay/transport/memory"
	"github.com/velmie/taskrelay/transport/zmq"
)

// app holds the wired components of the daemon.
type app struct {
	cfg    *config.Config
	logger taskrelay.Logger

	db         *sql.DB
	store      taskrelay.Store
	transport  taskrelay.Transport
	registry   *taskrelay.Registry
	propagator *taskrelay.Propagator
	watchdog   *taskrelay.Watchdog
	dispatcher *taskrelay.Dispatcher
	liveness   *taskrelay.LivenessTracker
	mux        *taskrelay.Mux
	hub        *push.Hub
	server     *api.Server
	cleanup    *mysql.CleanupMaintainer

	closers []io.Closer
}

func newApp(ctx context.Context, cfg *config.Config, logger taskrelay.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.close()
		}
	}()

	wire, err := codec.NewRegistry().Lookup(cfg.Codec)
	if err != nil {
		return nil, err
	}

	var metrics taskrelay.Metrics = taskrelay.NopMetrics{}
	var metricsHandler http.Handler
	if cfg.Metrics.Enable {
		m, err := observability.NewMetrics(cfg.Metrics.Namespace, nil)
		if err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
		metrics = m
		metricsHandler = m.Handler()
	}

	if err := a.openStore(ctx, metrics); err != nil {
		return nil, err
	}
	if err := a.openTransport(metrics); err != nil {
		return nil, err
	}

	a.registry = taskrelay.NewRegistry(a.store, taskrelay.RegistryConfig{Logger: logger})

	// The watchdog reports expiries through the propagator so subscribers see them.
	a.watchdog = taskrelay.NewWatchdog(taskrelay.StatusUpdaterFunc(func(ctx context.Context, taskID string, u taskrelay.Update) (taskrelay.Record, error) {
		return a.propagator.Apply(ctx, taskID, u)
	}), taskrelay.WatchdogConfig{Interval: cfg.Watchdog.Interval, Logger: logger, Metrics: metrics})

	a.propagator = taskrelay.NewPropagator(a.registry, taskrelay.PropagatorConfig{
		SubscriberBuffer: cfg.Propagator.SubscriberBuffer,
		Lanes:            cfg.Propagator.Lanes,
		DedupeWindow:     cfg.Propagator.DedupeWindow,
		Watchdog:         a.watchdog,
		Logger:           logger,
		Metrics:          metrics,
	})

	if _, err := a.watchdog.Resume(ctx, a.registry); err != nil {
		if !errors.Is(err, taskrelay.ErrScanUnsupported) {
			return nil, err
		}
		logger.Warn("task deadlines are not resumed; the store cannot scan", "driver", cfg.Store.Driver)
	}

	a.dispatcher = taskrelay.NewDispatcher(a.transport, a.registry, taskrelay.DispatcherConfig{
		SenderID:       cfg.SenderID,
		Routes:         cfg.Dispatcher.Routes,
		TopicPrefix:    cfg.Dispatcher.TopicPrefix,
		EventsTopic:    cfg.Dispatcher.EventsTopic,
		ControlTopic:   cfg.Dispatcher.ControlTopic,
		HeartbeatTopic: cfg.Dispatcher.HeartbeatTopic,
		PublishRetries: cfg.Dispatcher.PublishRetries,
		PublishTimeout: cfg.Dispatcher.PublishTimeout,
		Codec:          wire,
		Retry: taskrelay.RetryPolicy{
			InitialInterval:     cfg.Dispatcher.Retry.InitialInterval,
			MaxInterval:         cfg.Dispatcher.Retry.MaxInterval,
			Multiplier:          cfg.Dispatcher.Retry.Multiplier,
			RandomizationFactor: cfg.Dispatcher.Retry.Jitter,
		},
		Breakers: a.breakers(metrics),
		Updater:  a.propagator,
		Watchdog: a.watchdog,
		Logger:   logger,
		Metrics:  metrics,
	})

	a.liveness = taskrelay.NewLivenessTracker(cfg.Liveness.TTL, nil)
	a.mux = taskrelay.NewMux(taskrelay.MuxConfig{Codec: wire, Logger: logger})
	a.propagator.Register(a.mux)
	a.liveness.Register(a.mux)

	localPush := taskrelay.LocalPush(a.propagator)
	a.hub = push.NewHub(a.propagator, localPush, push.HubConfig{Logger: logger})

	opts := []api.Option{
		api.WithPush(localPush),
		api.WithStreamHandler(a.hub),
		api.WithLiveness(a.liveness),
		api.WithLogger(logger),
	}
	if metricsHandler != nil {
		opts = append(opts, api.WithMetricsHandler(cfg.Metrics.Path, metricsHandler))
	}
	a.server = api.NewServer(api.Settings{
		Addr:            cfg.HTTP.Addr,
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		WriteTimeout:    cfg.HTTP.WriteTimeout,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
		AwaitTimeout:    cfg.HTTP.AwaitTimeout,
		SenderID:        cfg.SenderID,
	}, a.dispatcher, a.propagator, opts...)

	if cfg.Cleanup.Enable {
		a.cleanup, err = mysql.NewCleanupMaintainer(a.db, mysql.CleanupMaintainerConfig{
			Table:       cfg.Store.QueueTable,
			KVTable:     cfg.Store.KVTable,
			Retention:   cfg.Cleanup.Retention,
			CheckEvery:  cfg.Cleanup.CheckEvery,
			Limit:       cfg.Cleanup.Limit,
			IncludeDead: cfg.Cleanup.IncludeDead,
			Logger:      logger,
		})
		if err != nil {
			return nil, fmt.Errorf("cleanup: %w", err)
		}
	}

	return a, nil
}

func (a *app) openStore(ctx context.Context, metrics taskrelay.Metrics) error {
	cfg := a.cfg.Store
	if cfg.Driver != "mysql" {
		a.store = memstore.New(memstore.Options{})

		return nil
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	a.db = db
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}

	if cfg.Migrate {
		if err := migrate(ctx, db, cfg.KVTable, cfg.QueueTable); err != nil {
			return err
		}
	}

	store, err := mysql.NewStore(db, mysql.WithKVTable(cfg.KVTable), mysql.WithLogger(a.logger), mysql.WithMetrics(metrics))
	if err != nil {
		return err
	}
	a.store = store

	return nil
}

func migrate(ctx context.Context, db *sql.DB, kvTable, queueTable string) error {
	kv, err := mysql.KVSchema(kvTable)
	if err != nil {
		return err
	}
	queue, err := mysql.QueueSchema(queueTable)
	if err != nil {
		return err
	}
	for _, ddl := range []string{kv, queue} {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	return nil
}

func (a *app) openTransport(metrics taskrelay.Metrics) error {
	cfg := a.cfg.Transport
	switch cfg.Kind {
	case "mysql":
		q, err := mysql.NewQueue(a.db,
			mysql.WithTable(a.cfg.Store.QueueTable),
			mysql.WithPollInterval(cfg.PollInterval),
			mysql.WithBatchSize(cfg.BatchSize),
			mysql.WithMaxAttempts(cfg.MaxAttempts),
			mysql.WithHandlerTimeout(cfg.HandlerTimeout),
			mysql.WithLogger(a.logger),
			mysql.WithMetrics(metrics),
		)
		if err != nil {
			return err
		}
		a.transport = q
	case "zmq":
		t, err := zmq.New(zmq.Config{
			PublishEndpoint:   cfg.ZMQ.PublishEndpoint,
			SubscribeEndpoint: cfg.ZMQ.SubscribeEndpoint,
			MaxAttempts:       cfg.MaxAttempts,
			Logger:            a.logger,
		})
		if err != nil {
			return err
		}
		a.transport = t
		a.closers = append(a.closers, t)
	default:
		t := memory.New(memory.Config{MaxAttempts: cfg.MaxAttempts, Logger: a.logger})
		a.transport = t
		a.closers = append(a.closers, t)
	}

	return nil
}

func (a *app) breakers(metrics taskrelay.Metrics) *taskrelay.BreakerRegistry {
	cfg := a.cfg.Breaker
	overrides := make(map[string]taskrelay.BreakerConfig, len(cfg.Overrides))
	for name, o := range cfg.Overrides {
		overrides[name] = taskrelay.BreakerConfig{
			FailureThreshold: o.FailureThreshold,
			ResetTimeout:     o.ResetTimeout,
			HalfOpenMaxCalls: o.HalfOpenMaxCalls,
			SuccessThreshold: o.SuccessThreshold,
		}
	}

	return taskrelay.NewBreakerRegistry(taskrelay.BreakerRegistryConfig{
		Defaults: taskrelay.BreakerConfig{
			FailureThreshold: cfg.FailureThreshold,
			ResetTimeout:     cfg.ResetTimeout,
			HalfOpenMaxCalls: cfg.HalfOpenMaxCalls,
			SuccessThreshold: cfg.SuccessThreshold,
			Logger:           a.logger,
			Metrics:          metrics,
		},
		Overrides: overrides,
		Store:     a.store,
		Logger:    a.logger,
	})
}

// run serves until ctx is done, then shuts every component down.
func (a *app) run(ctx context.Context) error {
	for _, topic := range []string{a.cfg.Dispatcher.EventsTopic, a.cfg.Dispatcher.HeartbeatTopic} {
		sub, err := a.transport.Subscribe(ctx, topic, a.mux.Deliver)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		a.closers = append([]io.Closer{sub}, a.closers...)
	}
	if err := a.server.Start(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.watchdog.Run(ctx)
	})
	if a.cfg.Transport.Kind == "zmq" && a.cfg.Transport.ZMQ.Bind {
		g.Go(func() error {
			return zmq.RunProxy(ctx, zmq.ProxyConfig{
				FrontendEndpoint: a.cfg.Transport.ZMQ.PublishEndpoint,
				BackendEndpoint:  a.cfg.Transport.ZMQ.SubscribeEndpoint,
				Logger:           a.logger,
			})
		})
	}
	if a.cleanup != nil {
		g.Go(func() error {
			if err := a.cleanup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}

			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info("shutting down")

		return a.server.Shutdown(context.WithoutCancel(ctx))
	})

	err := g.Wait()

	return errors.Join(err, a.close())
}

func (a *app) close() error {
	var errs []error
	if a.hub != nil {
		errs = append(errs, a.hub.Close())
	}
	if a.propagator != nil {
		a.propagator.Close()
	}
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	a.closers = nil
	if a.db != nil {
		errs = append(errs, a.db.Close())
		a.db = nil
	}

	return errors.Join(errs...)
}
