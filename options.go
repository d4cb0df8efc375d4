package taskrelay

import "time"

const (
	defaultBatchSize         = 50
	defaultRelayPollInterval = 50 * time.Millisecond
	defaultRelayWorkers      = 1
	defaultPendingCheck      = 0
)

// RelayConfig defines how the Relay polls and processes queued deliveries.
type RelayConfig struct {
	// Topic restricts the relay to one topic. Empty relays every topic.
	Topic           string
	BatchSize       int
	PollInterval    time.Duration
	Workers         int
	PartitionWindow time.Duration
	Clock           Clock
	// OnSettle observes every delivery that did not settle as a plain ack.
	OnSettle        SettleHook
	Logger          Logger
	Metrics         Metrics
	HandlerTimeout  time.Duration
	PendingInterval time.Duration
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultRelayPollInterval
	}
	if c.Workers <= 0 {
		c.Workers = defaultRelayWorkers
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}
	if c.PendingInterval <= 0 {
		c.PendingInterval = defaultPendingCheck
	}

	return c
}

// RelayOption configures Relay behavior.
type RelayOption func(*RelayConfig)

// WithTopic limits the relay to deliveries of one topic.
func WithTopic(topic string) RelayOption {
	return func(c *RelayConfig) {
		c.Topic = topic
	}
}

// WithBatchSize sets the number of deliveries processed per batch.
func WithBatchSize(size int) RelayOption {
	return func(c *RelayConfig) {
		c.BatchSize = size
	}
}

// WithPollInterval sets the delay between empty polls.
func WithPollInterval(interval time.Duration) RelayOption {
	return func(c *RelayConfig) {
		c.PollInterval = interval
	}
}

// WithWorkers sets the number of concurrent polling workers.
func WithWorkers(count int) RelayOption {
	return func(c *RelayConfig) {
		c.Workers = count
	}
}

// WithPartitionWindow limits polling to deliveries newer than now-window.
func WithPartitionWindow(window time.Duration) RelayOption {
	return func(c *RelayConfig) {
		c.PartitionWindow = window
	}
}

// WithClock sets the Relay clock.
func WithClock(clock Clock) RelayOption {
	return func(c *RelayConfig) {
		c.Clock = clock
	}
}

// WithSettleHook registers a callback for handler errors and the verdict they got.
func WithSettleHook(hook SettleHook) RelayOption {
	return func(c *RelayConfig) {
		c.OnSettle = hook
	}
}

// WithLogger sets the relay logger.
func WithLogger(logger Logger) RelayOption {
	return func(c *RelayConfig) {
		c.Logger = logger
	}
}

// WithMetrics sets the relay metrics recorder.
func WithMetrics(metrics Metrics) RelayOption {
	return func(c *RelayConfig) {
		c.Metrics = metrics
	}
}

// WithHandlerTimeout sets a per-delivery handler timeout.
func WithHandlerTimeout(timeout time.Duration) RelayOption {
	return func(c *RelayConfig) {
		c.HandlerTimeout = timeout
	}
}

// WithPendingInterval sets the minimum interval between pending count samples.
// Use a positive value to enable sampling or zero to keep it disabled.
// The default is disabled.
func WithPendingInterval(interval time.Duration) RelayOption {
	return func(c *RelayConfig) {
		c.PendingInterval = interval
	}
}
