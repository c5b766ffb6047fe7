package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/nvmpath/pkg/controller"
	"github.com/cuemby/nvmpath/pkg/log"
	"github.com/cuemby/nvmpath/pkg/multipath"
)

// Config is the host configuration file
type Config struct {
	AdminTimeout      time.Duration `yaml:"admin_timeout"`
	IOTimeout         time.Duration `yaml:"io_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	KeepAliveTimeout  time.Duration `yaml:"keepalive_timeout"`
	KeepAliveFailures int           `yaml:"keepalive_failures"`
	MaxRetries        int           `yaml:"max_retries"`

	IOQueues        int `yaml:"io_queues"`
	IOQueueDepth    int `yaml:"io_queue_depth"`
	AdminQueueDepth int `yaml:"admin_queue_depth"`
	AsyncEventSlots int `yaml:"async_event_slots"`

	MpathIOTimeout     time.Duration `yaml:"mpath_io_timeout"`
	MpathIORetries     int           `yaml:"mpath_io_retries"`
	FailoverInterval   time.Duration `yaml:"failover_interval"`
	FailoverRetryDelay time.Duration `yaml:"failover_retry_delay"`
	ActivationRetries  int           `yaml:"activation_retries"`
	MpathPoolSize      int           `yaml:"mpath_pool_size"`
	PollInterval       time.Duration `yaml:"poll_interval"`

	Workers     int       `yaml:"workers"`
	Log         LogConfig `yaml:"log"`
	MetricsAddr string    `yaml:"metrics_addr"`
}

// LogConfig selects log level and format
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		AdminTimeout:      60 * time.Second,
		IOTimeout:         30 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		KeepAliveTimeout:  5 * time.Second,
		KeepAliveFailures: 1,
		MaxRetries:        5,

		IOQueues:        4,
		IOQueueDepth:    128,
		AdminQueueDepth: 32,
		AsyncEventSlots: 1,

		MpathIOTimeout:     60 * time.Second,
		MpathIORetries:     10,
		FailoverInterval:   60 * time.Second,
		FailoverRetryDelay: time.Second,
		ActivationRetries:  3,
		MpathPoolSize:      4096,
		PollInterval:       time.Second,

		Workers: 4,
		Log:     LogConfig{Level: string(log.InfoLevel)},
	}
}

// Load reads path over the defaults and validates the result
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes YAML from r over the defaults. Unknown keys are errors.
func Parse(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Marshal renders cfg as YAML
func (c Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Validate reports every invalid field
func (c Config) Validate() error {
	var result *multierror.Error

	positive := []struct {
		key   string
		value time.Duration
	}{
		{"admin_timeout", c.AdminTimeout},
		{"io_timeout", c.IOTimeout},
		{"shutdown_timeout", c.ShutdownTimeout},
		{"mpath_io_timeout", c.MpathIOTimeout},
		{"failover_retry_delay", c.FailoverRetryDelay},
		{"poll_interval", c.PollInterval},
	}
	for _, f := range positive {
		if f.value <= 0 {
			result = multierror.Append(result, fmt.Errorf("%s must be positive", f.key))
		}
	}
	if c.KeepAliveTimeout < 0 {
		result = multierror.Append(result, fmt.Errorf("keepalive_timeout must not be negative"))
	}
	if c.FailoverInterval < 0 {
		result = multierror.Append(result, fmt.Errorf("failover_interval must not be negative"))
	}

	atLeast := []struct {
		key   string
		value int
		min   int
	}{
		{"keepalive_failures", c.KeepAliveFailures, 1},
		{"max_retries", c.MaxRetries, 0},
		{"io_queues", c.IOQueues, 1},
		{"io_queue_depth", c.IOQueueDepth, 2},
		{"admin_queue_depth", c.AdminQueueDepth, 2},
		{"async_event_slots", c.AsyncEventSlots, 0},
		{"mpath_io_retries", c.MpathIORetries, 0},
		{"activation_retries", c.ActivationRetries, 0},
		{"mpath_pool_size", c.MpathPoolSize, 1},
		{"workers", c.Workers, 1},
	}
	for _, f := range atLeast {
		if f.value < f.min {
			result = multierror.Append(result, fmt.Errorf("%s must be at least %d, got %d", f.key, f.min, f.value))
		}
	}
	if c.AsyncEventSlots >= c.AdminQueueDepth {
		result = multierror.Append(result, fmt.Errorf("async_event_slots must leave room on the admin queue"))
	}

	if !log.Level(c.Log.Level).Valid() {
		result = multierror.Append(result, fmt.Errorf("unknown log level %q", c.Log.Level))
	}

	if result == nil {
		return nil
	}
	return fmt.Errorf("invalid config: %w", result)
}

// ControllerOptions maps the config onto controller options. Pool,
// Observer, Instance and Release are left for the host to fill.
func (c Config) ControllerOptions() controller.Options {
	return controller.Options{
		AdminTimeout:      c.AdminTimeout,
		IOTimeout:         c.IOTimeout,
		ShutdownTimeout:   c.ShutdownTimeout,
		KeepAlive:         c.KeepAliveTimeout,
		KeepAliveFailures: c.KeepAliveFailures,
		MaxRetries:        c.MaxRetries,
		IOQueues:          c.IOQueues,
		IOQueueDepth:      c.IOQueueDepth,
		AdminQueueDepth:   c.AdminQueueDepth,
		AsyncEventSlots:   c.AsyncEventSlots,
	}
}

// MultipathConfig maps the config onto multipath settings
func (c Config) MultipathConfig() multipath.Config {
	return multipath.Config{
		IOTimeout:         c.MpathIOTimeout,
		IORetries:         c.MpathIORetries,
		FailoverInterval:  c.FailoverInterval,
		RetryDelay:        c.FailoverRetryDelay,
		ActivationRetries: c.ActivationRetries,
		PoolSize:          c.MpathPoolSize,
	}
}

// LoggerConfig maps the config onto logger settings
func (c Config) LoggerConfig() log.Config {
	return log.Config{
		Level:      log.Level(c.Log.Level),
		JSONOutput: c.Log.JSON,
	}
}
