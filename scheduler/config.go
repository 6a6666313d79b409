package scheduler

import (
	"fmt"

	"github.com/kbukum/flowkit/validation"
)

// DefaultQueueSize is the per-worker queue capacity when none is configured.
const DefaultQueueSize = 1024

// PoolConfig sizes one named pool.
type PoolConfig struct {
	Name      string `yaml:"name" mapstructure:"name" validate:"required"`
	Workers   int    `yaml:"workers" mapstructure:"workers" validate:"gte=1,lte=4096"`
	QueueSize int    `yaml:"queue_size" mapstructure:"queue_size" validate:"gte=1"`
}

// ApplyDefaults fills an unset queue size and worker count.
func (c *PoolConfig) ApplyDefaults() {
	if c.Workers == 0 {
		c.Workers = 1
	}
	if c.QueueSize == 0 {
		c.QueueSize = DefaultQueueSize
	}
}

// Validate checks the struct tags.
func (c *PoolConfig) Validate() error {
	return validation.Validate(c)
}

// Config lists the pools an application runs.
//
//	schedulers:
//	  pools:
//	    - name: io
//	      workers: 8
//	    - name: compute
//	      workers: 4
//	      queue_size: 256
type Config struct {
	Pools []PoolConfig `yaml:"pools" mapstructure:"pools" validate:"dive"`
}

// ApplyDefaults applies defaults to every pool.
func (c *Config) ApplyDefaults() {
	for i := range c.Pools {
		c.Pools[i].ApplyDefaults()
	}
}

// Validate checks every pool and rejects duplicate names.
func (c *Config) Validate() error {
	if err := validation.Validate(c); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Pools))
	for _, p := range c.Pools {
		if seen[p.Name] {
			return fmt.Errorf("schedulers.pools: duplicate pool name %q", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}
