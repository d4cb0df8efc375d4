// Command taskrelay-bench measures task round trips through the dispatcher,
// a transport, an in-process worker and the status propagator.
//
// Each task is sent with Dispatcher.Send and counted once its terminal status
// reaches a propagator subscription. The memory transport needs no setup; the
// mysql transport uses the durable queue and task-record tables.
package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/velmie/taskrelay"
	"github.com/velmie/taskrelay/memstore"
	"github.com/velmie/taskrelay/mysql"
	"github.com/velmie/taskrelay/transport/memory"
)

const (
	defaultTasks        = 10000
	defaultProducers    = 8
	defaultConcurrency  = 64
	defaultPayloadBytes = 256
	defaultTimeout      = 5 * time.Minute

	percentileP50 = 0.50
	percentileP95 = 0.95
	percentileP99 = 0.99

	benchTaskType = "bench"
)

type result struct {
	Transport      string        `json:"transport"`
	Tasks          int           `json:"tasks"`
	Producers      int           `json:"producers"`
	Concurrency    int           `json:"concurrency"`
	PayloadBytes   int           `json:"payload_bytes"`
	Sent           int64         `json:"sent"`
	Completed      int64         `json:"completed"`
	Failed         int64         `json:"failed"`
	Duration       time.Duration `json:"duration"`
	Throughput     float64       `json:"throughput_tasks_per_sec"`
	SendP50Ms      float64       `json:"send_p50_ms"`
	SendP99Ms      float64       `json:"send_p99_ms"`
	LatencyP50Ms   float64       `json:"latency_p50_ms"`
	LatencyP95Ms   float64       `json:"latency_p95_ms"`
	LatencyP99Ms   float64       `json:"latency_p99_ms"`
	LatencyMaxMs   float64       `json:"latency_max_ms"`
	LatencyMeanMs  float64       `json:"latency_mean_ms"`
	LatencySamples int64         `json:"latency_samples"`
	PublishErrors  int64         `json:"publish_errors"`
}

type benchConfig struct {
	transport    string
	dsn          string
	table        string
	kvTable      string
	tasks        int
	producers    int
	concurrency  int
	payloadBytes int
	timeout      time.Duration
	reset        bool
}

func main() {
	var (
		cfg     benchConfig
		jsonOut bool
	)
	flag.StringVar(&cfg.transport, "transport", "memory", "Transport: memory or mysql")
	flag.StringVar(&cfg.dsn, "dsn", "", "MySQL DSN, e.g. user:pass@tcp(host:3306)/db?parseTime=true")
	flag.StringVar(&cfg.table, "table", "taskrelay_bench_queue", "Queue table name (mysql)")
	flag.StringVar(&cfg.kvTable, "kv-table", "taskrelay_bench_kv", "Task record table name (mysql)")
	flag.IntVar(&cfg.tasks, "tasks", defaultTasks, "Number of tasks to send")
	flag.IntVar(&cfg.producers, "producers", defaultProducers, "Concurrent senders")
	flag.IntVar(&cfg.concurrency, "concurrency", defaultConcurrency, "Worker concurrency")
	flag.IntVar(&cfg.payloadBytes, "payload-bytes", defaultPayloadBytes, "Task payload size in bytes")
	flag.DurationVar(&cfg.timeout, "timeout", defaultTimeout, "Give up after this long")
	flag.BoolVar(&cfg.reset, "reset", true, "Drop and recreate the tables (mysql)")
	flag.BoolVar(&jsonOut, "json", false, "Print JSON result")
	flag.Parse()

	if err := validateConfig(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}

	res, err := run(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(res)

		return
	}
	fmt.Printf("transport=%s tasks=%d completed=%d failed=%d duration=%s throughput=%.0f/s\n",
		res.Transport, res.Tasks, res.Completed, res.Failed, res.Duration, res.Throughput)
	fmt.Printf("latency p50=%.2fms p95=%.2fms p99=%.2fms max=%.2fms mean=%.2fms\n",
		res.LatencyP50Ms, res.LatencyP95Ms, res.LatencyP99Ms, res.LatencyMaxMs, res.LatencyMeanMs)
}

func validateConfig(cfg benchConfig) error {
	switch {
	case cfg.transport != "memory" && cfg.transport != "mysql":
		return fmt.Errorf("unknown transport %q", cfg.transport)
	case cfg.transport == "mysql" && cfg.dsn == "":
		return errors.New("dsn is required for the mysql transport")
	case cfg.tasks <= 0:
		return errors.New("tasks must be positive")
	case cfg.producers <= 0:
		return errors.New("producers must be positive")
	case cfg.concurrency <= 0:
		return errors.New("concurrency must be positive")
	case cfg.payloadBytes < 0:
		return errors.New("payload-bytes must not be negative")
	}

	return nil
}

type stack struct {
	store     taskrelay.Store
	transport taskrelay.Transport
	close     func()
}

func openStack(ctx context.Context, cfg benchConfig) (stack, error) {
	if cfg.transport == "memory" {
		t := memory.New(memory.Config{Buffer: cfg.concurrency * 4})

		return stack{
			store:     memstore.New(memstore.Options{}),
			transport: t,
			close:     func() { _ = t.Close() },
		}, nil
	}

	db, err := sql.Open("mysql", cfg.dsn)
	if err != nil {
		return stack{}, fmt.Errorf("open db: %w", err)
	}
	if cfg.reset {
		if err := resetTables(ctx, db, cfg.table, cfg.kvTable); err != nil {
			_ = db.Close()

			return stack{}, err
		}
	}
	store, err := mysql.NewStore(db, mysql.WithKVTable(cfg.kvTable))
	if err != nil {
		_ = db.Close()

		return stack{}, err
	}
	queue, err := mysql.NewQueue(db, mysql.WithTable(cfg.table), mysql.WithPollInterval(10*time.Millisecond))
	if err != nil {
		_ = db.Close()

		return stack{}, err
	}

	return stack{store: store, transport: queue, close: func() { _ = db.Close() }}, nil
}

func resetTables(ctx context.Context, db *sql.DB, queueTable, kvTable string) error {
	queueDDL, err := mysql.QueueSchema(queueTable)
	if err != nil {
		return err
	}
	kvDDL, err := mysql.KVSchema(kvTable)
	if err != nil {
		return err
	}
	// #nosec G201 -- table names were validated by the schema builders above.
	stmts := []string{
		fmt.Sprintf("DROP TABLE IF EXISTS %s", queueTable),
		fmt.Sprintf("DROP TABLE IF EXISTS %s", kvTable),
		queueDDL,
		kvDDL,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reset tables: %w", err)
		}
	}

	return nil
}

func run(cfg benchConfig) (result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	st, err := openStack(ctx, cfg)
	if err != nil {
		return result{}, err
	}
	defer st.close()

	metrics := &benchMetrics{}
	registry := taskrelay.NewRegistry(st.store, taskrelay.RegistryConfig{})
	propagator := taskrelay.NewPropagator(registry, taskrelay.PropagatorConfig{Metrics: metrics})
	defer propagator.Close()
	dispatcher := taskrelay.NewDispatcher(st.transport, registry, taskrelay.DispatcherConfig{
		SenderID: "bench",
		Updater:  propagator,
		Metrics:  metrics,
	})

	mux := taskrelay.NewMux(taskrelay.MuxConfig{})
	propagator.Register(mux)
	events, err := st.transport.Subscribe(ctx, "events", mux.Deliver)
	if err != nil {
		return result{}, err
	}
	defer events.Close()

	handlers := taskrelay.NewHandlerMux()
	handlers.HandleFunc(benchTaskType, func(_ context.Context, task *taskrelay.Task, _ *taskrelay.Reporter) (json.RawMessage, error) {
		return json.RawMessage(fmt.Sprintf(`{"bytes":%d}`, len(task.Payload))), nil
	})
	worker := taskrelay.NewWorker(handlers, dispatcher, taskrelay.WorkerConfig{
		WorkerID:    "bench-worker",
		Concurrency: int64(cfg.concurrency),
		SeenWindow:  cfg.tasks,
	})
	if err := worker.Start(ctx, st.transport, dispatcher.TaskTopic(benchTaskType)); err != nil {
		return result{}, err
	}
	defer func() { _ = worker.Drain(context.Background()) }()

	payload, err := buildPayload(cfg.payloadBytes)
	if err != nil {
		return result{}, err
	}

	var (
		sent, completed, failed atomic.Int64
		latency                 = newLatencyStats()
		sendLatency             = newLatencyStats()
		done                    sync.WaitGroup
		next                    atomic.Int64
		producers               sync.WaitGroup
	)

	start := time.Now()
	for range cfg.producers {
		producers.Add(1)
		go func() {
			defer producers.Done()
			for next.Add(1) <= int64(cfg.tasks) {
				if ctx.Err() != nil {
					return
				}
				task := taskrelay.NewTask("bench", benchTaskType, payload)
				begin := time.Now()

				// Subscribe before sending so a fast worker cannot finish unseen.
				done.Add(1)
				var once sync.Once
				sub := propagator.Subscribe(ctx, task.TaskID(), func(s taskrelay.TaskStatus) {
					if !s.Terminal() {
						return
					}
					once.Do(func() {
						latency.Record(time.Since(begin))
						if s.Status == taskrelay.StatusCompleted {
							completed.Add(1)
						} else {
							failed.Add(1)
						}
						done.Done()
					})
				})

				if _, err := dispatcher.Send(ctx, task); err != nil {
					sub.Close()
					once.Do(func() {
						failed.Add(1)
						done.Done()
					})

					continue
				}
				sendLatency.Record(time.Since(begin))
				sent.Add(1)
			}
		}()
	}
	producers.Wait()

	finished := make(chan struct{})
	go func() {
		done.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		return result{}, fmt.Errorf("timed out with %d of %d tasks finished", completed.Load()+failed.Load(), cfg.tasks)
	}
	elapsed := time.Since(start)

	lat := latency.Snapshot()
	snd := sendLatency.Snapshot()

	return result{
		Transport:      cfg.transport,
		Tasks:          cfg.tasks,
		Producers:      cfg.producers,
		Concurrency:    cfg.concurrency,
		PayloadBytes:   cfg.payloadBytes,
		Sent:           sent.Load(),
		Completed:      completed.Load(),
		Failed:         failed.Load(),
		Duration:       elapsed,
		Throughput:     float64(completed.Load()) / elapsed.Seconds(),
		SendP50Ms:      ms(snd.P50),
		SendP99Ms:      ms(snd.P99),
		LatencyP50Ms:   ms(lat.P50),
		LatencyP95Ms:   ms(lat.P95),
		LatencyP99Ms:   ms(lat.P99),
		LatencyMaxMs:   ms(lat.Max),
		LatencyMeanMs:  ms(lat.Mean),
		LatencySamples: lat.Count,
		PublishErrors:  metrics.publishErrors.Load(),
	}, nil
}

// buildPayload returns a JSON string payload of roughly n bytes.
func buildPayload(n int) (json.RawMessage, error) {
	raw := make([]byte, n/2)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}

	return json.Marshal(fmt.Sprintf("%x", raw))
}

// benchMetrics counts publish errors; everything else is discarded.
type benchMetrics struct {
	taskrelay.NopMetrics
	publishErrors atomic.Int64
}

func (m *benchMetrics) ObservePublish(_ string, _ time.Duration, err error) {
	if err != nil {
		m.publishErrors.Add(1)
	}
}

type latencyStats struct {
	mu      sync.Mutex
	samples []time.Duration
}

func newLatencyStats() *latencyStats {
	return &latencyStats{}
}

func (l *latencyStats) Record(d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	l.samples = append(l.samples, d)
	l.mu.Unlock()
}

func (l *latencyStats) Snapshot() latencySnapshot {
	l.mu.Lock()
	samples := append([]time.Duration(nil), l.samples...)
	l.mu.Unlock()
	if len(samples) == 0 {
		return latencySnapshot{}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	return latencySnapshot{
		P50:   percentile(samples, percentileP50),
		P95:   percentile(samples, percentileP95),
		P99:   percentile(samples, percentileP99),
		Max:   samples[len(samples)-1],
		Mean:  meanDuration(samples),
		Count: int64(len(samples)),
	}
}

type latencySnapshot struct {
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
	Max   time.Duration
	Mean  time.Duration
	Count int64
}

func percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(samples)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(samples) {
		idx = len(samples) - 1
	}

	return samples[idx]
}

func meanDuration(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range samples {
		sum += d
	}

	return sum / time.Duration(len(samples))
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
