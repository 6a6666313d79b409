package server

import (
	"fmt"
	"time"

	"github.com/kbukum/flowkit/validation"
)

// Config holds HTTP server configuration.
//
//	http:
//	  host: 0.0.0.0
//	  port: 8080
type Config struct {
	Host         string        `yaml:"host" mapstructure:"host"`
	Port         int           `yaml:"port" mapstructure:"port" validate:"gte=0,lte=65535"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" validate:"gte=0"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" validate:"gte=0"`
	// MaxStreams bounds concurrent HTTP/2 streams per connection.
	MaxStreams uint32 `yaml:"max_streams" mapstructure:"max_streams"`
}

// ApplyDefaults sets default values for unset fields. WriteTimeout stays
// zero-safe for event streams, which clear their own write deadline.
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 15 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.MaxStreams == 0 {
		c.MaxStreams = 250
	}
}

// Validate checks the struct tags.
func (c *Config) Validate() error {
	return validation.Validate(c)
}

// Addr returns host:port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
