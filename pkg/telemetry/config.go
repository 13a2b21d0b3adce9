package telemetry

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Config is the telemetry configuration of the topology service. The serve
// command derives it from its flags; tests build it from DefaultConfig.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig

	// ResourceAttributes are added to the OpenTelemetry resource.
	ResourceAttributes map[string]string
}

// LoggingConfig configures the zerolog logger.
//
// Output is "stdout", "stderr" or a file path. With EnableSampling set, the
// first SamplingInitial messages of each second are kept and every
// SamplingThereafter-th message after that.
type LoggingConfig struct {
	Level              string
	Format             string
	Output             string
	EnableCaller       bool
	EnableSampling     bool
	SamplingInitial    int
	SamplingThereafter int
	TimeFormat         string
}

// TracingConfig configures the OpenTelemetry tracer. Endpoint and Headers
// only apply to the otlp exporter.
type TracingConfig struct {
	Enabled            bool
	Exporter           string
	Endpoint           string
	SamplingRate       float64
	MaxExportBatchSize int
	ExportTimeout      time.Duration
	Headers            map[string]string
	Insecure           bool
}

// MetricsConfig configures the Prometheus registry and its HTTP endpoint.
// DefaultHistogramBuckets are used for task and configure durations.
type MetricsConfig struct {
	Enabled                 bool
	ListenAddress           string
	Path                    string
	Namespace               string
	DefaultHistogramBuckets []float64
}

// EventsConfig configures the topology event publisher.
type EventsConfig struct {
	Enabled       bool
	BufferSize    int
	FlushInterval time.Duration
	MaxBatchSize  int
	EnableAsync   bool

	// Persist appends every published event to the event store.
	Persist bool
}

var traceExporters = map[string]bool{"otlp": true, "stdout": true, "none": true}

// DefaultConfig returns the configuration used by a plain `topo serve`:
// console logs, no tracing, no metrics endpoint, persisted events.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "topology",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			EnableCaller:       true,
			SamplingInitial:    100,
			SamplingThereafter: 100,
			TimeFormat:         "rfc3339",
		},
		Tracing: TracingConfig{
			Exporter:           "stdout",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            make(map[string]string),
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			ListenAddress: ":9090",
			Path:          "/metrics",
			Namespace:     "topology",
			// Task commands range from sub-second config pushes to
			// multi-minute package installs.
			DefaultHistogramBuckets: []float64{0.05, 0.25, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		Events: EventsConfig{
			Enabled:       true,
			BufferSize:    1000,
			FlushInterval: 5 * time.Second,
			MaxBatchSize:  100,
			EnableAsync:   true,
			Persist:       true,
		},
		ResourceAttributes: make(map[string]string),
	}
}

// ProductionConfig returns DefaultConfig with JSON logs, log sampling and
// sampled OTLP tracing over TLS.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Format = "json"
	cfg.Logging.EnableSampling = true
	cfg.Logging.TimeFormat = "unix"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.SamplingRate = 0.1
	cfg.Tracing.Insecure = false
	return cfg
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}
	if c.ServiceVersion == "" {
		return fmt.Errorf("service version is required")
	}
	if err := c.Logging.validate(); err != nil {
		return err
	}
	if err := c.Tracing.validate(); err != nil {
		return err
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddress == "" {
		return fmt.Errorf("metrics listen address is required when metrics are enabled")
	}
	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got: %d", c.Events.BufferSize)
	}
	return nil
}

func (c LoggingConfig) validate() error {
	if lvl, err := zerolog.ParseLevel(c.Level); err != nil || lvl == zerolog.NoLevel || lvl == zerolog.Disabled {
		return fmt.Errorf("invalid log level: %s", c.Level)
	}
	if c.Format != "console" && c.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Format)
	}
	return nil
}

func (c TracingConfig) validate() error {
	if c.Enabled && !traceExporters[c.Exporter] {
		return fmt.Errorf("invalid trace exporter: %s", c.Exporter)
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.SamplingRate)
	}
	return nil
}
