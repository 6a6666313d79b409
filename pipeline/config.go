package pipeline

import (
	"context"
	"fmt"

	"github.com/kbukum/flowkit/errors"
	"github.com/kbukum/flowkit/resilience"
	"github.com/kbukum/flowkit/validation"
)

// FlowConfig holds defaults read by operators when they are subscribed.
// Attach it with WithConfig.
//
//	flow:
//	  flatmap_concurrency: 256
//	  inner_prefetch: 32
//	  publish_prefetch: 256
//	  low_tide_percent: 75
type FlowConfig struct {
	FlatMapConcurrency int                    `yaml:"flatmap_concurrency" mapstructure:"flatmap_concurrency" validate:"gte=1"`
	InnerPrefetch      int                    `yaml:"inner_prefetch" mapstructure:"inner_prefetch" validate:"gte=1"`
	PublishPrefetch    int                    `yaml:"publish_prefetch" mapstructure:"publish_prefetch" validate:"gte=1"`
	LowTidePercent     int                    `yaml:"low_tide_percent" mapstructure:"low_tide_percent" validate:"gte=1,lte=100"`
	Retry              resilience.RetryConfig `yaml:"retry" mapstructure:"retry"`
}

// DefaultFlowConfig returns the built-in stage defaults.
func DefaultFlowConfig() FlowConfig {
	cfg := FlowConfig{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero fields.
func (c *FlowConfig) ApplyDefaults() {
	if c.FlatMapConcurrency == 0 {
		c.FlatMapConcurrency = 256
	}
	if c.InnerPrefetch == 0 {
		c.InnerPrefetch = 32
	}
	if c.PublishPrefetch == 0 {
		c.PublishPrefetch = 256
	}
	if c.LowTidePercent == 0 {
		c.LowTidePercent = 75
	}
	c.Retry.ApplyDefaults()
}

// Validate checks the struct tags.
func (c *FlowConfig) Validate() error {
	return validation.Validate(c)
}

// replenish returns how many items a queue stage of the given prefetch
// consumes before it requests that many again.
func (c FlowConfig) replenish(prefetch int64) int64 {
	if prefetch == Unbounded {
		return Unbounded
	}
	limit := prefetch * int64(c.LowTidePercent) / 100
	if limit < 1 {
		limit = 1
	}
	return limit
}

// HubConfig describes a Hub in configuration files.
//
//	hubs:
//	  - name: ticks
//	    policy: replay
//	    history: 16
//	    overflow: drop_oldest
type HubConfig struct {
	Name       string `yaml:"name" mapstructure:"name" validate:"required"`
	Policy     string `yaml:"policy" mapstructure:"policy" validate:"oneof=unicast multicast replay cache"`
	History    int    `yaml:"history" mapstructure:"history" validate:"gte=0"`
	SlotBuffer int    `yaml:"slot_buffer" mapstructure:"slot_buffer" validate:"gte=1"`
	Overflow   string `yaml:"overflow" mapstructure:"overflow" validate:"oneof=drop_oldest drop_latest fail_slot"`
}

// DefaultSlotBuffer is the per-subscriber queue capacity of a multicast hub.
const DefaultSlotBuffer = 256

// ApplyDefaults fills zero fields.
func (c *HubConfig) ApplyDefaults() {
	if c.Policy == "" {
		c.Policy = "multicast"
	}
	if c.SlotBuffer == 0 {
		c.SlotBuffer = DefaultSlotBuffer
	}
	if c.Overflow == "" {
		c.Overflow = DropOldest.String()
	}
}

// Validate checks the struct tags and that replay policies keep history.
func (c *HubConfig) Validate() error {
	if err := validation.Validate(c); err != nil {
		return err
	}
	if (c.Policy == "replay" || c.Policy == "cache") && c.History < 1 {
		return errors.InvalidInput("history", fmt.Sprintf("hub %s: policy %s needs history >= 1", c.Name, c.Policy))
	}
	return nil
}

// HubPolicy returns the sharing policy named by the config.
func (c *HubConfig) HubPolicy() HubPolicy {
	switch c.Policy {
	case "unicast":
		return Unicast()
	case "replay":
		return Replay(c.History)
	case "cache":
		return Cache(c.History)
	default:
		return Multicast()
	}
}

// OverflowAction returns the configured overflow action.
func (c *HubConfig) OverflowAction() OverflowAction {
	switch c.Overflow {
	case DropLatest.String():
		return DropLatest
	case FailSlot.String():
		return FailSlot
	default:
		return DropOldest
	}
}

// invalidFlow returns a Flow that fails every subscriber with err.
func invalidFlow[T any](stage string, err error) *Flow[T] {
	fault := NewFault(stage, err)
	return newFlow(stage, func(_ context.Context, _ string, sub Subscriber[T]) {
		errorOnSubscribe(sub, fault)
	})
}
