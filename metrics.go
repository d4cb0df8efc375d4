package taskrelay

import "time"

// Metrics captures telemetry from the relay, dispatcher, breakers and propagator.
type Metrics interface {
	// ObserveBatchDuration records the time to process a relay batch.
	ObserveBatchDuration(duration time.Duration)
	// AddProcessed increments the count of delivered queue entries.
	AddProcessed(count int)
	// AddErrors increments the count of delivery handler errors.
	AddErrors(count int)
	// AddRetries increments the count of deliveries scheduled for retry.
	AddRetries(count int)
	// AddDead increments the count of dead-lettered deliveries.
	AddDead(count int)
	// SetPending updates the current pending delivery count.
	SetPending(count int)

	// ObservePublish records one publish attempt to target and its outcome.
	ObservePublish(target string, duration time.Duration, err error)
	// AddSendResult counts finished Send calls by outcome
	// (accepted, duplicate, invalid, circuit_open, exhausted, failed).
	AddSendResult(outcome string)
	// AddBreakerRejected counts calls rejected by an open breaker.
	AddBreakerRejected(name string)
	// SetBreakerState records the state a breaker moved to.
	SetBreakerState(name string, state CircuitState)
	// AddStatusUpdate counts task status changes by the resulting status.
	AddStatusUpdate(status Status)
	// AddSubscriberDropped counts subscribers dropped for falling behind.
	AddSubscriberDropped()
	// AddTaskExpired counts tasks failed by the watchdog.
	AddTaskExpired()
}

// NopMetrics is a no-op metrics recorder.
type NopMetrics struct{}

// ObserveBatchDuration implements Metrics.
func (NopMetrics) ObserveBatchDuration(time.Duration) {}

// AddProcessed implements Metrics.
func (NopMetrics) AddProcessed(int) {}

// AddErrors implements Metrics.
func (NopMetrics) AddErrors(int) {}

// AddRetries implements Metrics.
func (NopMetrics) AddRetries(int) {}

// AddDead implements Metrics.
func (NopMetrics) AddDead(int) {}

// SetPending implements Metrics.
func (NopMetrics) SetPending(int) {}

// ObservePublish implements Metrics.
func (NopMetrics) ObservePublish(string, time.Duration, error) {}

// AddSendResult implements Metrics.
func (NopMetrics) AddSendResult(string) {}

// AddBreakerRejected implements Metrics.
func (NopMetrics) AddBreakerRejected(string) {}

// SetBreakerState implements Metrics.
func (NopMetrics) SetBreakerState(string, CircuitState) {}

// AddStatusUpdate implements Metrics.
func (NopMetrics) AddStatusUpdate(Status) {}

// AddSubscriberDropped implements Metrics.
func (NopMetrics) AddSubscriberDropped() {}

// AddTaskExpired implements Metrics.
func (NopMetrics) AddTaskExpired() {}
