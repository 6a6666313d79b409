package pipeline

import (
	"context"

	"github.com/zoobzio/clockz"

	"github.com/kbukum/flowkit/observability"
)

type ctxKey int

const (
	configKey ctxKey = iota
	metricsKey
	clockKey
	resumeKey
)

// WithConfig attaches stage defaults to ctx. Operators read them when they
// are subscribed.
func WithConfig(ctx context.Context, cfg FlowConfig) context.Context {
	cfg.ApplyDefaults()
	return context.WithValue(ctx, configKey, cfg)
}

// ConfigFrom returns the FlowConfig attached to ctx, or the defaults.
func ConfigFrom(ctx context.Context) FlowConfig {
	if cfg, ok := ctx.Value(configKey).(FlowConfig); ok {
		return cfg
	}
	return DefaultFlowConfig()
}

// WithMetrics attaches flow instruments used by recovery stages.
func WithMetrics(ctx context.Context, m *observability.FlowMetrics) context.Context {
	return context.WithValue(ctx, metricsKey, m)
}

func metricsFrom(ctx context.Context) *observability.FlowMetrics {
	m, _ := ctx.Value(metricsKey).(*observability.FlowMetrics)
	return m
}

// WithClock overrides the clock used by time-based stages.
func WithClock(ctx context.Context, clock clockz.Clock) context.Context {
	return context.WithValue(ctx, clockKey, clock)
}

// WithClock returns a Flow whose upstream stages use clock instead of the
// one attached to the subscription context.
func (f *Flow[T]) WithClock(clock clockz.Clock) *Flow[T] {
	return f.WithValue(clockKey, clock)
}

func clockFrom(ctx context.Context) clockz.Clock {
	if c, ok := ctx.Value(clockKey).(clockz.Clock); ok && c != nil {
		return c
	}
	return clockz.RealClock
}

// resumeHook decides whether a fault raised by a user function is skipped.
type resumeHook func(*Fault) bool

func withResume(ctx context.Context, fn resumeHook) context.Context {
	return context.WithValue(ctx, resumeKey, fn)
}

// tryResume consults the hook installed by a downstream Resume policy.
// Stages that run user functions call it before failing.
func tryResume(ctx context.Context, f *Fault) bool {
	fn, _ := ctx.Value(resumeKey).(resumeHook)
	return fn != nil && fn(f)
}

// WithValue returns a Flow whose upstream stages see key/val in their
// subscription context.
func (f *Flow[T]) WithValue(key, val any) *Flow[T] {
	return newFlow(f.name, func(ctx context.Context, _ string, sub Subscriber[T]) {
		f.Subscribe(context.WithValue(ctx, key, val), sub)
	})
}
