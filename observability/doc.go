// Package observability wires OpenTelemetry tracing and metrics into flowkit.
//
// Exporters:
//
//	cfg := observability.DefaultConfig("flowdemo")
//	shutdown, err := observability.Init(ctx, cfg)
//	defer shutdown(ctx)
//
// Stream instruments:
//
//	metrics, err := observability.NewFlowMetrics(observability.Meter("flowkit"))
//	metrics.RecordItem(ctx, "enrich")
//
// All FlowMetrics methods accept a nil receiver, so engine code records
// unconditionally and callers opt in by passing metrics.
package observability
