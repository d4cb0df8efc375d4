package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/velmie/taskrelay"
	"github.com/velmie/taskrelay/config"
)

func TestNewLoggerWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "taskrelayd.log")
	logger, err := NewLogger(config.LogConfig{Level: "warn", Format: "json", Outputs: []string{path}})
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("breaker opened", zap.String("breaker", "llm"))
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(data), "hidden")
	require.Contains(t, string(data), `"breaker":"llm"`)
}

func TestNewLoggerRotation(t *testing.T) {
	dir := t.TempDir()
	rotated := filepath.Join(dir, "rotated.log")
	logger, err := NewLogger(config.LogConfig{
		Level:    "debug",
		Format:   "json",
		Outputs:  []string{filepath.Join(dir, "ignored.log")},
		Rotation: config.RotationConfig{Enable: true, Filename: rotated},
	})
	require.NoError(t, err)

	logger.Debug("task accepted", zap.String("task_id", "t1"))
	_ = logger.Sync()

	data, err := os.ReadFile(rotated)
	require.NoError(t, err)
	require.Contains(t, string(data), `"task_id":"t1"`)
}

func TestAdapt(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := Adapt(zap.New(core))

	logger.Debug("fetch", "topic", "events")
	logger.Info("accepted", "task_id", "t1")
	logger.Warn("retrying", "attempt", 2)
	logger.Error("publish failed", "err", errors.New("boom"))

	entries := logs.AllUntimed()
	require.Len(t, entries, 4)
	require.Equal(t, "accepted", entries[1].Message)
	require.Equal(t, "t1", entries[1].ContextMap()["task_id"])
	require.EqualValues(t, 2, entries[2].ContextMap()["attempt"])
	require.Equal(t, zap.ErrorLevel, entries[3].Level)

	Adapt(nil).Info("discarded")
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics("taskrelay", reg)
	require.NoError(t, err)

	m.AddProcessed(3)
	m.AddDead(1)
	m.SetPending(7)
	m.ObserveBatchDuration(20 * time.Millisecond)
	m.ObservePublish("llm", time.Millisecond, nil)
	m.ObservePublish("llm", time.Millisecond, taskrelay.ErrCircuitOpen)
	m.AddSendResult("accepted")
	m.AddSendResult("accepted")
	m.AddBreakerRejected("llm")
	m.SetBreakerState("llm", taskrelay.CircuitOpen)
	m.AddStatusUpdate(taskrelay.StatusCompleted)
	m.AddSubscriberDropped()
	m.AddTaskExpired()

	require.InDelta(t, 3, testutil.ToFloat64(m.processed), 0)
	require.InDelta(t, 7, testutil.ToFloat64(m.pending), 0)
	require.InDelta(t, 2, testutil.ToFloat64(m.sendResults.WithLabelValues("accepted")), 0)
	require.InDelta(t, 2, testutil.ToFloat64(m.breakerState.WithLabelValues("llm")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.statusUpdates.WithLabelValues("completed")), 0)
	require.Equal(t, 2, testutil.CollectAndCount(m.publishDuration))

	_, err = NewMetrics("taskrelay", reg)
	require.Error(t, err, "collectors register only once per registry")
}

func TestMetricsHandler(t *testing.T) {
	m, err := NewMetrics("taskrelay", nil)
	require.NoError(t, err)
	m.AddTaskExpired()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.True(t, strings.Contains(body, "taskrelay_tasks_expired_total 1"))
	require.Contains(t, body, "go_goroutines")
}

func TestPublishOutcome(t *testing.T) {
	require.Equal(t, "ok", publishOutcome(nil))
	require.Equal(t, "circuit_open", publishOutcome(taskrelay.ErrCircuitOpen))
	require.Equal(t, "permanent", publishOutcome(taskrelay.Permanent(errors.New("bad"))))
	require.Equal(t, "error", publishOutcome(errors.New("timeout")))
}
