package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/kbukum/flowkit/logger"
)

// InitMeter initializes the OpenTelemetry meter provider.
// Returns a MeterProvider that should be shut down on application exit.
func InitMeter(ctx context.Context, cfg Config) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}

	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}

	readerOpts := []sdkmetric.PeriodicReaderOption{}
	if cfg.Interval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(cfg.Interval))
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, readerOpts...)),
		sdkmetric.WithResource(newResource(cfg)),
	)
	otel.SetMeterProvider(mp)

	logger.Info("meter initialized", logger.Fields(
		"service", cfg.ServiceName,
		"endpoint", cfg.Endpoint,
		"interval", cfg.Interval.String(),
	))
	return mp, nil
}

// Meter returns a named meter from the global provider.
func Meter(name string) metric.Meter {
	return otel.Meter(name)
}

// Attribute keys attached to flow instruments.
const (
	AttrStage     = "stage"
	AttrCode      = "code"
	AttrHub       = "hub"
	AttrAction    = "action"
	AttrScheduler = "scheduler"
	AttrPolicy    = "policy"
)

// FlowMetrics holds the instruments recorded by pipelines, hubs, schedulers
// and recovery policies.
type FlowMetrics struct {
	items          metric.Int64Counter
	faults         metric.Int64Counter
	completions    metric.Int64Counter
	hubOverflow    metric.Int64Counter
	hubSubscribers metric.Int64UpDownCounter
	schedTasks     metric.Int64Counter
	schedRejected  metric.Int64Counter
	recoveries     metric.Int64Counter
}

// NewFlowMetrics creates the flow instruments on the given meter.
func NewFlowMetrics(meter metric.Meter) (*FlowMetrics, error) {
	m := &FlowMetrics{}
	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
	}{
		{&m.items, "flow.items", "Items delivered past an instrumented stage"},
		{&m.faults, "flow.faults", "Error signals observed at an instrumented stage"},
		{&m.completions, "flow.completions", "Complete signals observed at an instrumented stage"},
		{&m.hubOverflow, "hub.overflow", "Items dropped or slots failed by a hub overflow policy"},
		{&m.schedTasks, "scheduler.tasks", "Tasks executed by scheduler workers"},
		{&m.schedRejected, "scheduler.rejected", "Tasks rejected because a worker queue was full"},
		{&m.recoveries, "governor.recoveries", "Faults handled by a recovery policy"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("creating %s counter: %w", c.name, err)
		}
		*c.target = counter
	}

	subscribers, err := meter.Int64UpDownCounter("hub.subscribers",
		metric.WithDescription("Live subscriber slots per hub"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating hub.subscribers gauge: %w", err)
	}
	m.hubSubscribers = subscribers
	return m, nil
}

// RecordItem counts one item passing stage.
func (m *FlowMetrics) RecordItem(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.items.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrStage, stage)))
}

// RecordFault counts one Error signal at stage.
func (m *FlowMetrics) RecordFault(ctx context.Context, stage, code string) {
	if m == nil {
		return
	}
	m.faults.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrStage, stage),
		attribute.String(AttrCode, code),
	))
}

// RecordComplete counts one Complete signal at stage.
func (m *FlowMetrics) RecordComplete(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.completions.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrStage, stage)))
}

// RecordOverflow counts an overflow action taken by hub.
func (m *FlowMetrics) RecordOverflow(ctx context.Context, hub, action string) {
	if m == nil {
		return
	}
	m.hubOverflow.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrHub, hub),
		attribute.String(AttrAction, action),
	))
}

// RecordSubscribers adjusts the live slot count of hub by delta.
func (m *FlowMetrics) RecordSubscribers(ctx context.Context, hub string, delta int64) {
	if m == nil {
		return
	}
	m.hubSubscribers.Add(ctx, delta, metric.WithAttributes(attribute.String(AttrHub, hub)))
}

// RecordTask counts a task executed on scheduler.
func (m *FlowMetrics) RecordTask(ctx context.Context, scheduler string) {
	if m == nil {
		return
	}
	m.schedTasks.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrScheduler, scheduler)))
}

// RecordRejected counts a task rejected by scheduler.
func (m *FlowMetrics) RecordRejected(ctx context.Context, scheduler string) {
	if m == nil {
		return
	}
	m.schedRejected.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrScheduler, scheduler)))
}

// RecordRecovery counts a fault handled by policy at stage.
func (m *FlowMetrics) RecordRecovery(ctx context.Context, stage, policy string) {
	if m == nil {
		return
	}
	m.recoveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrStage, stage),
		attribute.String(AttrPolicy, policy),
	))
}
