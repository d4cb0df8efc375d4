package main

import (
	"testing"
	"time"
)

func TestValidateConfig(t *testing.T) {
	valid := benchConfig{transport: "memory", tasks: 1, producers: 1, concurrency: 1}

	tests := []struct {
		name    string
		mutate  func(*benchConfig)
		wantErr bool
	}{
		{name: "memory", mutate: func(*benchConfig) {}},
		{name: "mysql without dsn", mutate: func(c *benchConfig) { c.transport = "mysql" }, wantErr: true},
		{name: "mysql with dsn", mutate: func(c *benchConfig) { c.transport = "mysql"; c.dsn = "u:p@tcp(db)/x" }},
		{name: "unknown transport", mutate: func(c *benchConfig) { c.transport = "kafka" }, wantErr: true},
		{name: "no tasks", mutate: func(c *benchConfig) { c.tasks = 0 }, wantErr: true},
		{name: "no producers", mutate: func(c *benchConfig) { c.producers = 0 }, wantErr: true},
		{name: "no concurrency", mutate: func(c *benchConfig) { c.concurrency = 0 }, wantErr: true},
		{name: "negative payload", mutate: func(c *benchConfig) { c.payloadBytes = -1 }, wantErr: true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := valid
			test.mutate(&cfg)
			err := validateConfig(cfg)
			if test.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !test.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestLatencyStats(t *testing.T) {
	stats := newLatencyStats()
	if got := stats.Snapshot(); got.Count != 0 {
		t.Fatalf("empty count = %d", got.Count)
	}

	for i := 100; i >= 1; i-- {
		stats.Record(time.Duration(i) * time.Millisecond)
	}
	stats.Record(0)

	snap := stats.Snapshot()
	if snap.Count != 100 {
		t.Fatalf("count = %d, want 100", snap.Count)
	}
	if snap.P50 != 50*time.Millisecond {
		t.Fatalf("p50 = %s", snap.P50)
	}
	if snap.P99 != 99*time.Millisecond {
		t.Fatalf("p99 = %s", snap.P99)
	}
	if snap.Max != 100*time.Millisecond {
		t.Fatalf("max = %s", snap.Max)
	}
	if snap.Mean != 50500*time.Microsecond {
		t.Fatalf("mean = %s", snap.Mean)
	}
}

func TestBuildPayload(t *testing.T) {
	payload, err := buildPayload(64)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	// 32 random bytes hex-encoded inside JSON quotes.
	if len(payload) != 66 {
		t.Fatalf("payload length = %d, want 66", len(payload))
	}
}

func TestRunMemory(t *testing.T) {
	res, err := run(benchConfig{
		transport:    "memory",
		tasks:        200,
		producers:    4,
		concurrency:  8,
		payloadBytes: 32,
		timeout:      30 * time.Second,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Completed != 200 || res.Failed != 0 {
		t.Fatalf("completed=%d failed=%d, want 200/0", res.Completed, res.Failed)
	}
	if res.Sent != 200 {
		t.Fatalf("sent = %d, want 200", res.Sent)
	}
	if res.LatencySamples != 200 {
		t.Fatalf("latency samples = %d", res.LatencySamples)
	}
}
