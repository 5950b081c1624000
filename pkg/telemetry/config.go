package telemetry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config groups the telemetry settings of one buildcache process.
type Config struct {
	ServiceName    string `validate:"required"`
	ServiceVersion string `validate:"required"`
	// Environment is reported as deployment.environment on traces.
	Environment string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level  string `validate:"oneof=trace debug info warn error fatal"`
	Format string `validate:"oneof=console json"`
	// Output is stdout, stderr or a file path.
	Output       string
	EnableCaller bool
	// TimeFormat is unix, unixms or rfc3339.
	TimeFormat string
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled  bool
	Exporter string `validate:"omitempty,oneof=otlp stdout none"`
	// Endpoint is the OTLP gRPC collector address.
	Endpoint           string
	SamplingRate       float64 `validate:"gte=0,lte=1"`
	MaxExportBatchSize int     `validate:"gte=0"`
	ExportTimeout      time.Duration
	Headers            map[string]string
	Insecure           bool
}

// MetricsConfig configures the Prometheus registry.
type MetricsConfig struct {
	Enabled bool
	// ListenAddress serves Path over HTTP. Empty keeps metrics in-process.
	ListenAddress           string
	Path                    string
	Namespace               string
	DefaultHistogramBuckets []float64
}

// EventsConfig configures the session event publisher.
type EventsConfig struct {
	Enabled     bool
	BufferSize  int `validate:"required_if=Enabled true,gte=0"`
	EnableAsync bool
}

// DefaultConfig is used for interactive runs: console logs on stderr,
// in-process metrics and synchronous events, no tracing.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "buildcache",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging:        LoggingConfig{Level: "info", Format: "console", Output: "stderr", TimeFormat: "rfc3339"},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            map[string]string{},
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			Path:                    "/metrics",
			Namespace:               "buildcache",
			DefaultHistogramBuckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		Events: EventsConfig{Enabled: true, BufferSize: 1000},
	}
}

// CIConfig switches to JSON logs and, when endpoint is set, sampled OTLP traces.
func CIConfig(endpoint string) *Config {
	cfg := DefaultConfig()
	cfg.Environment = "ci"
	cfg.Logging.Format = "json"
	cfg.Logging.TimeFormat = "unixms"
	cfg.Tracing.Enabled = endpoint != ""
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.Endpoint = endpoint
	cfg.Tracing.SamplingRate = 0.1
	return cfg
}

var configValidator = validator.New()

// Validate reports every invalid field.
func (c *Config) Validate() error {
	err := configValidator.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: invalid value %v (%s)", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Value(), fe.Tag()))
	}
	return fmt.Errorf("invalid telemetry config: %s", strings.Join(msgs, "; "))
}
