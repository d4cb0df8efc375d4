package mysql

import (
	"time"

	"github.com/velmie/taskrelay"
)

const (
	defaultTable         = "taskrelay_queue"
	defaultKVTable       = "taskrelay_kv"
	defaultMaxAttempts   = 5
	defaultRetryDelay    = time.Second
	defaultMaxRetryDelay = time.Minute
	defaultPollInterval  = 100 * time.Millisecond
	defaultBatchSize     = 50
)

// Config defines MySQL queue and store behavior.
type Config struct {
	// Table is the queue table.
	Table string
	// KVTable holds task records, idempotency claims and breaker snapshots.
	KVTable     string
	MaxAttempts int
	// RetryDelay is the delay before the first redelivery of a failed entry.
	// Each further failure doubles it up to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	// PollInterval and BatchSize tune the relay started by Subscribe.
	PollInterval   time.Duration
	BatchSize      int
	HandlerTimeout time.Duration
	Clock          taskrelay.Clock
	Logger         taskrelay.Logger
	Metrics        taskrelay.Metrics
}

func (c Config) withDefaults() Config {
	if c.Table == "" {
		c.Table = defaultTable
	}
	if c.KVTable == "" {
		c.KVTable = defaultKVTable
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.MaxRetryDelay < c.RetryDelay {
		c.MaxRetryDelay = max(defaultMaxRetryDelay, c.RetryDelay)
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.Clock == nil {
		c.Clock = taskrelay.SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = taskrelay.NopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = taskrelay.NopMetrics{}
	}

	return c
}

// retryDelay returns how long an entry waits after its attempts-th failure.
func (c Config) retryDelay(attempts int) time.Duration {
	delay := c.RetryDelay
	for i := 1; i < attempts && delay < c.MaxRetryDelay; i++ {
		delay *= 2
	}

	return min(delay, c.MaxRetryDelay)
}

// failureDelay is the backoff for a failed entry, stretched to the failure's own
// RetryAfter when that is later.
func (c Config) failureDelay(attempts int, f taskrelay.Failure) time.Duration {
	return max(c.retryDelay(attempts), f.RetryAfter)
}

// Option configures the MySQL queue and store.
type Option func(*Config)

// WithTable sets the queue table name.
func WithTable(name string) Option {
	return func(c *Config) {
		c.Table = name
	}
}

// WithKVTable sets the key-value table name.
func WithKVTable(name string) Option {
	return func(c *Config) {
		c.KVTable = name
	}
}

// WithMaxAttempts sets the retry limit before marking an entry as dead.
func WithMaxAttempts(attempts int) Option {
	return func(c *Config) {
		c.MaxAttempts = attempts
	}
}

// WithRetryDelay sets the initial and maximum redelivery delay.
func WithRetryDelay(initial, maxDelay time.Duration) Option {
	return func(c *Config) {
		c.RetryDelay = initial
		c.MaxRetryDelay = maxDelay
	}
}

// WithPollInterval sets how often Subscribe polls an idle queue.
func WithPollInterval(interval time.Duration) Option {
	return func(c *Config) {
		c.PollInterval = interval
	}
}

// WithBatchSize sets how many entries Subscribe fetches at once.
func WithBatchSize(size int) Option {
	return func(c *Config) {
		c.BatchSize = size
	}
}

// WithHandlerTimeout bounds each handler call made by Subscribe.
func WithHandlerTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.HandlerTimeout = timeout
	}
}

// WithClock sets the time source.
func WithClock(clock taskrelay.Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

// WithLogger sets the logger used by subscriptions and maintenance.
func WithLogger(logger taskrelay.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithMetrics sets the metrics recorder used by subscriptions.
func WithMetrics(metrics taskrelay.Metrics) Option {
	return func(c *Config) {
		c.Metrics = metrics
	}
}

func buildConfig(opts []Option) Config {
	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}

	return cfg.withDefaults()
}
