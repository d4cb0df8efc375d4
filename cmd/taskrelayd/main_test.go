package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/velmie/taskrelay"
	"github.com/velmie/taskrelay/config"
	"github.com/velmie/taskrelay/observability"
)

func startApp(t *testing.T, cfg *config.Config) (*app, string) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	a, err := newApp(ctx, cfg, observability.Adapt(zaptest.NewLogger(t)))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("app did not stop")
		}
	})

	require.Eventually(t, func() bool { return a.server.Addr() != "" }, 2*time.Second, 5*time.Millisecond)

	return a, "http://" + a.server.Addr()
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.HTTP.AwaitTimeout = 5 * time.Second

	return cfg
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}

	return resp.StatusCode
}

func TestDaemonEndToEnd(t *testing.T) {
	a, base := startApp(t, testConfig())

	handlers := taskrelay.NewHandlerMux()
	handlers.HandleFunc("render", func(ctx context.Context, task *taskrelay.Task, r *taskrelay.Reporter) (json.RawMessage, error) {
		if err := r.Progress(ctx, 50); err != nil {
			return nil, err
		}

		return json.RawMessage(`{"frames":24}`), nil
	})
	worker := taskrelay.NewWorker(handlers, a.dispatcher, taskrelay.WorkerConfig{WorkerID: "worker-1"})
	require.NoError(t, worker.Start(context.Background(), a.transport, a.dispatcher.TaskTopic("render")))
	require.NoError(t, worker.Heartbeat(context.Background()))

	resp, err := http.Post(base+"/v1/tasks", "application/json", strings.NewReader(`{"task_type":"render","payload":{"scene":"gen-42"}}`))
	require.NoError(t, err)
	var submitted struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&submitted))
	_ = resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var status taskrelay.TaskStatus
	require.Equal(t, http.StatusOK, getJSON(t, base+"/v1/tasks/"+submitted.TaskID+"?wait=true", &status))
	require.Equal(t, taskrelay.StatusCompleted, status.Status)
	require.JSONEq(t, `{"frames":24}`, string(status.Result))

	require.Eventually(t, func() bool {
		var workers []taskrelay.Liveness
		getJSON(t, base+"/v1/workers", &workers)

		return len(workers) == 1 && workers[0].SenderID == "worker-1"
	}, 2*time.Second, 10*time.Millisecond)

	metrics, err := http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(metrics.Body)
	_ = metrics.Body.Close()
	require.NoError(t, err)
	require.Contains(t, string(body), "taskrelay_")
}

func TestDaemonExpiresTimedOutTasks(t *testing.T) {
	cfg := testConfig()
	cfg.Watchdog.Interval = 20 * time.Millisecond
	_, base := startApp(t, cfg)

	// Nobody consumes tasks.slow, so the task can only end by timing out.
	resp, err := http.Post(base+"/v1/tasks", "application/json", strings.NewReader(`{"task_type":"slow","timeout_seconds":1}`))
	require.NoError(t, err)
	var submitted struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&submitted))
	_ = resp.Body.Close()

	var status taskrelay.TaskStatus
	require.Equal(t, http.StatusOK, getJSON(t, base+"/v1/tasks/"+submitted.TaskID+"?wait=true", &status))
	require.Equal(t, taskrelay.StatusFailed, status.Status)
	require.Contains(t, status.Error, "timed out")
}

func TestNewAppRejectsUnknownCodec(t *testing.T) {
	cfg := testConfig()
	cfg.Codec = "xml"

	_, err := newApp(context.Background(), cfg, taskrelay.NopLogger{})
	require.Error(t, err)
}
