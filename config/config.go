// Package config loads taskrelayd configuration from YAML and TASKRELAY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "TASKRELAY"

// Config is the root daemon configuration.
type Config struct {
	// SenderID is the agent id the daemon stamps on outbound envelopes.
	SenderID string `mapstructure:"sender_id" yaml:"sender_id"`
	// Codec is the wire codec: json, msgpack or cbor.
	Codec      string           `mapstructure:"codec" yaml:"codec"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	HTTP       HTTPConfig       `mapstructure:"http" yaml:"http"`
	Store      StoreConfig      `mapstructure:"store" yaml:"store"`
	Transport  TransportConfig  `mapstructure:"transport" yaml:"transport"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher" yaml:"dispatcher"`
	Breaker    BreakerConfig    `mapstructure:"breaker" yaml:"breaker"`
	Propagator PropagatorConfig `mapstructure:"propagator" yaml:"propagator"`
	Watchdog   WatchdogConfig   `mapstructure:"watchdog" yaml:"watchdog"`
	Liveness   LivenessConfig   `mapstructure:"liveness" yaml:"liveness"`
	Cleanup    CleanupConfig    `mapstructure:"cleanup" yaml:"cleanup"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`
	// Format: console or json
	Format string `mapstructure:"format" yaml:"format"`
	// Outputs: stdout, stderr or file paths
	Outputs     []string       `mapstructure:"outputs" yaml:"outputs"`
	Rotation    RotationConfig `mapstructure:"rotation" yaml:"rotation"`
	Development bool           `mapstructure:"development" yaml:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable" yaml:"enable"`
	Filename   string `mapstructure:"filename" yaml:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// AwaitTimeout caps how long GET /v1/tasks/{id}?wait=true blocks.
	AwaitTimeout time.Duration `mapstructure:"await_timeout" yaml:"await_timeout"`
}

// StoreConfig selects the key-value store.
type StoreConfig struct {
	// Driver: memory or mysql
	Driver string `mapstructure:"driver" yaml:"driver"`
	// DSN is the MySQL data source name; parseTime=true is required.
	DSN          string `mapstructure:"dsn" yaml:"dsn"`
	KVTable      string `mapstructure:"kv_table" yaml:"kv_table"`
	QueueTable   string `mapstructure:"queue_table" yaml:"queue_table"`
	MaxOpenConns int    `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	// Migrate creates missing tables on startup.
	Migrate bool `mapstructure:"migrate" yaml:"migrate"`
}

// TransportConfig selects the messaging transport.
type TransportConfig struct {
	// Kind: memory, mysql or zmq
	Kind           string        `mapstructure:"kind" yaml:"kind"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	BatchSize      int           `mapstructure:"batch_size" yaml:"batch_size"`
	MaxAttempts    int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	HandlerTimeout time.Duration `mapstructure:"handler_timeout" yaml:"handler_timeout"`
	ZMQ            ZMQConfig     `mapstructure:"zmq" yaml:"zmq"`
}

// ZMQConfig configures the ZeroMQ PUB/SUB transport.
type ZMQConfig struct {
	// PublishEndpoint is the proxy endpoint the PUB socket connects to.
	PublishEndpoint string `mapstructure:"publish_endpoint" yaml:"publish_endpoint"`
	// SubscribeEndpoint is the proxy endpoint SUB sockets connect to.
	SubscribeEndpoint string `mapstructure:"subscribe_endpoint" yaml:"subscribe_endpoint"`
	// Bind runs an embedded proxy bound to both endpoints.
	Bind bool `mapstructure:"bind" yaml:"bind"`
}

// DispatcherConfig tunes outbound publishing.
type DispatcherConfig struct {
	TopicPrefix    string            `mapstructure:"topic_prefix" yaml:"topic_prefix"`
	EventsTopic    string            `mapstructure:"events_topic" yaml:"events_topic"`
	ControlTopic   string            `mapstructure:"control_topic" yaml:"control_topic"`
	HeartbeatTopic string            `mapstructure:"heartbeat_topic" yaml:"heartbeat_topic"`
	Routes         map[string]string `mapstructure:"routes" yaml:"routes"`
	PublishRetries int               `mapstructure:"publish_retries" yaml:"publish_retries"`
	PublishTimeout time.Duration     `mapstructure:"publish_timeout" yaml:"publish_timeout"`
	Retry          RetryConfig       `mapstructure:"retry" yaml:"retry"`
}

// RetryConfig shapes the backoff between task delivery attempts.
type RetryConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
	Multiplier      float64       `mapstructure:"multiplier" yaml:"multiplier"`
	Jitter          float64       `mapstructure:"jitter" yaml:"jitter"`
}

// BreakerConfig holds default breaker settings and per-target overrides.
type BreakerConfig struct {
	FailureThreshold int                         `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	ResetTimeout     time.Duration               `mapstructure:"reset_timeout" yaml:"reset_timeout"`
	HalfOpenMaxCalls int                         `mapstructure:"half_open_max_calls" yaml:"half_open_max_calls"`
	SuccessThreshold int                         `mapstructure:"success_threshold" yaml:"success_threshold"`
	Overrides        map[string]BreakerOverrides `mapstructure:"overrides" yaml:"overrides"`
}

// BreakerOverrides replaces non-zero settings for one target.
type BreakerOverrides struct {
	FailureThreshold int           `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout" yaml:"reset_timeout"`
	HalfOpenMaxCalls int           `mapstructure:"half_open_max_calls" yaml:"half_open_max_calls"`
	SuccessThreshold int           `mapstructure:"success_threshold" yaml:"success_threshold"`
}

// PropagatorConfig tunes status fan-out.
type PropagatorConfig struct {
	SubscriberBuffer int `mapstructure:"subscriber_buffer" yaml:"subscriber_buffer"`
	Lanes            int `mapstructure:"lanes" yaml:"lanes"`
	DedupeWindow     int `mapstructure:"dedupe_window" yaml:"dedupe_window"`
}

// WatchdogConfig tunes task timeout enforcement.
type WatchdogConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

// LivenessConfig tunes heartbeat tracking.
type LivenessConfig struct {
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// CleanupConfig controls in-process removal of finished MySQL rows.
type CleanupConfig struct {
	Enable      bool          `mapstructure:"enable" yaml:"enable"`
	Retention   time.Duration `mapstructure:"retention" yaml:"retention"`
	CheckEvery  time.Duration `mapstructure:"check_every" yaml:"check_every"`
	Limit       int           `mapstructure:"limit" yaml:"limit"`
	IncludeDead bool          `mapstructure:"include_dead" yaml:"include_dead"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enable    bool   `mapstructure:"enable" yaml:"enable"`
	Path      string `mapstructure:"path" yaml:"path"`
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		SenderID: "dispatcher",
		Codec:    "json",
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stdout"},
			Rotation: RotationConfig{
				Filename:   "logs/taskrelayd.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    0,
			ShutdownTimeout: 10 * time.Second,
			AwaitTimeout:    30 * time.Second,
		},
		Store: StoreConfig{
			Driver:       "memory",
			KVTable:      "taskrelay_kv",
			QueueTable:   "taskrelay_queue",
			MaxOpenConns: 16,
		},
		Transport: TransportConfig{
			Kind:         "memory",
			PollInterval: 100 * time.Millisecond,
			BatchSize:    50,
			MaxAttempts:  5,
			ZMQ: ZMQConfig{
				PublishEndpoint:   "tcp://127.0.0.1:5559",
				SubscribeEndpoint: "tcp://127.0.0.1:5560",
			},
		},
		Dispatcher: DispatcherConfig{
			TopicPrefix:    "tasks.",
			EventsTopic:    "events",
			ControlTopic:   "control",
			HeartbeatTopic: "heartbeats",
			Routes:         map[string]string{},
			PublishRetries: 3,
			PublishTimeout: 5 * time.Second,
			Retry: RetryConfig{
				InitialInterval: 200 * time.Millisecond,
				MaxInterval:     10 * time.Second,
				Multiplier:      2,
				Jitter:          0.1,
			},
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
			HalfOpenMaxCalls: 1,
			SuccessThreshold: 1,
			Overrides:        map[string]BreakerOverrides{},
		},
		Propagator: PropagatorConfig{
			SubscriberBuffer: 64,
			Lanes:            64,
			DedupeWindow:     4096,
		},
		Watchdog: WatchdogConfig{Interval: time.Second},
		Liveness: LivenessConfig{TTL: 30 * time.Second},
		Cleanup: CleanupConfig{
			Retention:  7 * 24 * time.Hour,
			CheckEvery: time.Hour,
		},
		Metrics: MetricsConfig{
			Enable:    true,
			Path:      "/metrics",
			Namespace: "taskrelay",
		},
	}
}

// Load reads configuration from path (if non-empty), otherwise it searches
// common locations. Environment variables use the prefix TASKRELAY with `.`
// and `-` replaced by `_`, e.g. TASKRELAY_LOG_LEVEL=debug.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Seed every key so env-only configs work.
	walk(reflect.ValueOf(cfg).Elem(), "", func(key string, val any) {
		v.SetDefault(key, val)
	})

	if path == "" {
		path = os.Getenv(envPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("taskrelay")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".taskrelay"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// MustLoad is Load that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}

	return cfg
}

func (c *Config) validate() error {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch c.Log.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}

	c.Codec = strings.ToLower(strings.TrimSpace(c.Codec))
	switch c.Codec {
	case "json", "msgpack", "cbor":
	default:
		return fmt.Errorf("invalid codec: %q", c.Codec)
	}

	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	switch c.Store.Driver {
	case "memory":
	case "mysql":
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for the mysql driver")
		}
	default:
		return fmt.Errorf("invalid store.driver: %q", c.Store.Driver)
	}

	c.Transport.Kind = strings.ToLower(strings.TrimSpace(c.Transport.Kind))
	switch c.Transport.Kind {
	case "memory":
	case "mysql":
		if c.Store.Driver != "mysql" {
			return errors.New("transport.kind mysql requires store.driver mysql")
		}
	case "zmq":
		if c.Transport.ZMQ.PublishEndpoint == "" || c.Transport.ZMQ.SubscribeEndpoint == "" {
			return errors.New("transport.zmq endpoints are required")
		}
	default:
		return fmt.Errorf("invalid transport.kind: %q", c.Transport.Kind)
	}

	if c.Cleanup.Enable {
		if c.Store.Driver != "mysql" {
			return errors.New("cleanup requires store.driver mysql")
		}
		if c.Cleanup.Retention <= 0 {
			return errors.New("cleanup.retention must be positive")
		}
	}
	if strings.TrimSpace(c.SenderID) == "" {
		return errors.New("sender_id is required")
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	return nil
}

// walk calls fn for every leaf of a config struct with its dotted mapstructure key.
func walk(v reflect.Value, prefix string, fn func(key string, val any)) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		key := field.Tag.Get("mapstructure")
		if key == "" || key == "-" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}

		fv := v.Field(i)
		if fv.Kind() == reflect.Struct {
			walk(fv, key, fn)

			continue
		}
		fn(key, fv.Interface())
	}
}
