package main

import (
	"fmt"
	"time"

	"github.com/kbukum/flowkit/config"
	"github.com/kbukum/flowkit/observability"
	"github.com/kbukum/flowkit/pipeline"
	"github.com/kbukum/flowkit/scheduler"
	"github.com/kbukum/flowkit/server"
	"github.com/kbukum/flowkit/validation"
)

// AppConfig is the flowdemo configuration, loaded from
// cmd/flowdemo/config.yml and FLOWDEMO_* environment variables.
type AppConfig struct {
	config.ServiceConfig `yaml:",inline" mapstructure:",squash"`

	HTTP          server.Config        `yaml:"http" mapstructure:"http"`
	Schedulers    scheduler.Config     `yaml:"schedulers" mapstructure:"schedulers"`
	Flow          pipeline.FlowConfig  `yaml:"flow" mapstructure:"flow"`
	Hub           pipeline.HubConfig   `yaml:"hub" mapstructure:"hub"`
	Observability observability.Config `yaml:"observability" mapstructure:"observability"`
	Quotes        QuotesConfig         `yaml:"quotes" mapstructure:"quotes"`
}

// QuotesConfig drives the sample quote feed.
type QuotesConfig struct {
	Symbols  []string      `yaml:"symbols" mapstructure:"symbols" validate:"min=1"`
	Interval time.Duration `yaml:"interval" mapstructure:"interval" validate:"gt=0"`
	Pool     string        `yaml:"pool" mapstructure:"pool" validate:"required"`
	Window   int           `yaml:"window" mapstructure:"window" validate:"gte=1"`
}

// ApplyDefaults fills every section.
func (c *AppConfig) ApplyDefaults() {
	c.ServiceConfig.ApplyDefaults()
	c.HTTP.ApplyDefaults()
	if len(c.Schedulers.Pools) == 0 {
		c.Schedulers.Pools = []scheduler.PoolConfig{{Name: "compute"}}
	}
	c.Schedulers.ApplyDefaults()
	c.Flow.ApplyDefaults()
	if c.Hub.Name == "" {
		c.Hub.Name = "quotes"
	}
	if c.Hub.Policy == "" {
		c.Hub.Policy = "replay"
		c.Hub.History = 32
	}
	c.Hub.ApplyDefaults()
	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = c.Name
	}
	c.Observability.ApplyDefaults()
	if len(c.Quotes.Symbols) == 0 {
		c.Quotes.Symbols = []string{"ACME", "GLOBX", "INITECH"}
	}
	if c.Quotes.Interval == 0 {
		c.Quotes.Interval = 250 * time.Millisecond
	}
	if c.Quotes.Pool == "" {
		c.Quotes.Pool = "compute"
	}
	if c.Quotes.Window == 0 {
		c.Quotes.Window = 16
	}
}

// Validate checks every section.
func (c *AppConfig) Validate() error {
	if err := c.ServiceConfig.Validate(); err != nil {
		return err
	}
	checks := []struct {
		name string
		fn   func() error
	}{
		{"http", c.HTTP.Validate},
		{"schedulers", c.Schedulers.Validate},
		{"flow", c.Flow.Validate},
		{"hub", c.Hub.Validate},
		{"quotes", func() error { return validation.Validate(&c.Quotes) }},
	}
	for _, ch := range checks {
		if err := ch.fn(); err != nil {
			return fmt.Errorf("%s: %w", ch.name, err)
		}
	}
	return nil
}
