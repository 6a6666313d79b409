package observability

import (
	"context"
	stderrors "errors"
	"time"
)

// Config configures the OTLP HTTP exporters.
type Config struct {
	Enabled        bool          `yaml:"enabled" mapstructure:"enabled"`
	ServiceName    string        `yaml:"service_name" mapstructure:"service_name"`
	ServiceVersion string        `yaml:"service_version" mapstructure:"service_version"`
	Environment    string        `yaml:"environment" mapstructure:"environment"`
	Endpoint       string        `yaml:"endpoint" mapstructure:"endpoint" validate:"required_if=Enabled true"`
	Insecure       bool          `yaml:"insecure" mapstructure:"insecure"`
	SampleRate     float64       `yaml:"sample_rate" mapstructure:"sample_rate" validate:"gte=0,lte=1"`
	Interval       time.Duration `yaml:"interval" mapstructure:"interval" validate:"gte=0"`
}

// DefaultConfig returns sensible defaults for development.
func DefaultConfig(serviceName string) Config {
	return Config{
		ServiceName:    serviceName,
		ServiceVersion: "1.0.0",
		Environment:    "development",
		Endpoint:       "localhost:4318",
		Insecure:       true,
		SampleRate:     1.0,
		Interval:       15 * time.Second,
	}
}

// ApplyDefaults fills unset fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig(c.ServiceName)
	if c.ServiceVersion == "" {
		c.ServiceVersion = d.ServiceVersion
	}
	if c.Environment == "" {
		c.Environment = d.Environment
	}
	if c.Endpoint == "" {
		c.Endpoint = d.Endpoint
	}
	if c.Interval == 0 {
		c.Interval = d.Interval
	}
}

// Init installs the global meter and tracer providers. The returned function
// flushes and shuts both down.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	mp, err := InitMeter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	tp, err := InitTracer(ctx, cfg)
	if err != nil {
		_ = mp.Shutdown(ctx)
		return nil, err
	}
	return func(ctx context.Context) error {
		return stderrors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
