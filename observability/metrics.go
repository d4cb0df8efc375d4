package observability

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/velmie/taskrelay"
)

// Metrics records taskrelay telemetry in Prometheus collectors.
type Metrics struct {
	gatherer prometheus.Gatherer

	batchDuration    prometheus.Histogram
	processed        prometheus.Counter
	handlerErrors    prometheus.Counter
	retries          prometheus.Counter
	dead             prometheus.Counter
	pending          prometheus.Gauge
	publishDuration  *prometheus.HistogramVec
	sendResults      *prometheus.CounterVec
	breakerRejected  *prometheus.CounterVec
	breakerState     *prometheus.GaugeVec
	statusUpdates    *prometheus.CounterVec
	subscriberDrops  prometheus.Counter
	tasksExpired     prometheus.Counter
}

var _ taskrelay.Metrics = (*Metrics)(nil)

// NewMetrics registers the taskrelay collectors under namespace. A nil
// registry creates a private one with Go and process collectors.
func NewMetrics(namespace string, reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	m := &Metrics{
		gatherer: reg,
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "relay", Name: "batch_duration_seconds",
			Help:    "Time to process one relay batch.",
			Buckets: prometheus.DefBuckets,
		}),
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "delivered_total",
			Help: "Queue entries handed to subscribers successfully.",
		}),
		handlerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "handler_errors_total",
			Help: "Delivery handler errors.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "retries_total",
			Help: "Deliveries scheduled for another attempt.",
		}),
		dead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "dead_total",
			Help: "Dead-lettered deliveries.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "relay", Name: "pending",
			Help: "Pending queue entries.",
		}),
		publishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "dispatcher", Name: "publish_duration_seconds",
			Help:    "Duration of publish attempts by target and outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"target", "outcome"}),
		sendResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatcher", Name: "sends_total",
			Help: "Finished Send calls by outcome.",
		}, []string{"outcome"}),
		breakerRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "breaker", Name: "rejected_total",
			Help: "Calls rejected by an open breaker.",
		}, []string{"breaker"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "breaker", Name: "state",
			Help: "Breaker state: 0 closed, 1 half_open, 2 open.",
		}, []string{"breaker"}),
		statusUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tasks", Name: "status_updates_total",
			Help: "Task status changes by resulting status.",
		}, []string{"status"}),
		subscriberDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "propagator", Name: "subscribers_dropped_total",
			Help: "Status subscribers dropped for falling behind.",
		}),
		tasksExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tasks", Name: "expired_total",
			Help: "Tasks failed by the watchdog.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.batchDuration, m.processed, m.handlerErrors, m.retries, m.dead, m.pending,
		m.publishDuration, m.sendResults, m.breakerRejected, m.breakerState,
		m.statusUpdates, m.subscriberDrops, m.tasksExpired,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveBatchDuration implements taskrelay.Metrics.
func (m *Metrics) ObserveBatchDuration(d time.Duration) { m.batchDuration.Observe(d.Seconds()) }

// AddProcessed implements taskrelay.Metrics.
func (m *Metrics) AddProcessed(n int) { m.processed.Add(float64(n)) }

// AddErrors implements taskrelay.Metrics.
func (m *Metrics) AddErrors(n int) { m.handlerErrors.Add(float64(n)) }

// AddRetries implements taskrelay.Metrics.
func (m *Metrics) AddRetries(n int) { m.retries.Add(float64(n)) }

// AddDead implements taskrelay.Metrics.
func (m *Metrics) AddDead(n int) { m.dead.Add(float64(n)) }

// SetPending implements taskrelay.Metrics.
func (m *Metrics) SetPending(n int) { m.pending.Set(float64(n)) }

// ObservePublish implements taskrelay.Metrics.
func (m *Metrics) ObservePublish(target string, d time.Duration, err error) {
	m.publishDuration.WithLabelValues(target, publishOutcome(err)).Observe(d.Seconds())
}

// AddSendResult implements taskrelay.Metrics.
func (m *Metrics) AddSendResult(outcome string) { m.sendResults.WithLabelValues(outcome).Inc() }

// AddBreakerRejected implements taskrelay.Metrics.
func (m *Metrics) AddBreakerRejected(name string) { m.breakerRejected.WithLabelValues(name).Inc() }

// SetBreakerState implements taskrelay.Metrics.
func (m *Metrics) SetBreakerState(name string, state taskrelay.CircuitState) {
	m.breakerState.WithLabelValues(name).Set(stateValue(state))
}

// AddStatusUpdate implements taskrelay.Metrics.
func (m *Metrics) AddStatusUpdate(status taskrelay.Status) {
	m.statusUpdates.WithLabelValues(string(status)).Inc()
}

// AddSubscriberDropped implements taskrelay.Metrics.
func (m *Metrics) AddSubscriberDropped() { m.subscriberDrops.Inc() }

// AddTaskExpired implements taskrelay.Metrics.
func (m *Metrics) AddTaskExpired() { m.tasksExpired.Inc() }

func publishOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, taskrelay.ErrCircuitOpen):
		return "circuit_open"
	case taskrelay.IsPermanent(err):
		return "permanent"
	default:
		return "error"
	}
}

func stateValue(s taskrelay.CircuitState) float64 {
	switch s {
	case taskrelay.CircuitHalfOpen:
		return 1
	case taskrelay.CircuitOpen:
		return 2
	default:
		return 0
	}
}
