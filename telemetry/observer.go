// Package telemetry records tool discovery and invocation signals into OpenTelemetry.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/mxgoai/mxgo-core/toolset"
)

// ToolObserver implements toolset.Observer on top of a meter and an optional tracer.
type ToolObserver struct {
	tracer trace.Tracer

	invocations metric.Int64Counter
	discoveries metric.Int64Counter
	tools       metric.Int64Gauge
	latency     metric.Float64Histogram
}

// NewToolObserver creates a tool observer bound to the provided meter and tracer. tracer may
// be nil to record metrics only.
func NewToolObserver(meter metric.Meter, tracer trace.Tracer) (*ToolObserver, error) {
	invocations, err := meter.Int64Counter(
		"mxgo.mcp.tool.invocations",
		metric.WithDescription("Number of MCP tool invocations"),
	)
	if err != nil {
		return nil, err
	}
	discoveries, err := meter.Int64Counter(
		"mxgo.mcp.server.discoveries",
		metric.WithDescription("Number of MCP server discovery attempts"),
	)
	if err != nil {
		return nil, err
	}
	tools, err := meter.Int64Gauge(
		"mxgo.mcp.server.tools",
		metric.WithDescription("Number of tools discovered on an MCP server"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram(
		"mxgo.mcp.latency",
		metric.WithDescription("MCP invocation and discovery latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &ToolObserver{
		tracer:      tracer,
		invocations: invocations,
		discoveries: discoveries,
		tools:       tools,
		latency:     latency,
	}, nil
}

// ObserveInvoke records one invocation result.
func (o *ToolObserver) ObserveInvoke(ctx context.Context, observation toolset.InvokeObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tool_name", observation.Tool),
		attribute.String("server", observation.Server),
		attribute.String("transport", observation.Transport),
		attribute.Bool("success", observation.Success),
	}
	if observation.ErrorKind != "" {
		attrs = append(attrs, attribute.String("error_kind", observation.ErrorKind))
	}

	options := metric.WithAttributes(attrs...)
	o.invocations.Add(ctx, 1, options)
	o.latency.Record(ctx, observation.Duration.Seconds(), metric.WithAttributes(
		attribute.String("operation", "invoke"),
		attribute.String("server", observation.Server),
	))

	o.span(ctx, "mcp.tool.invoke", observation.Start, observation.Duration, attrs, observation.ErrorKind)
}

// ObserveDiscovery records the outcome of opening one server.
func (o *ToolObserver) ObserveDiscovery(ctx context.Context, observation toolset.DiscoveryObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("server", observation.Server),
		attribute.String("transport", observation.Transport),
		attribute.Bool("success", observation.Err == nil),
	}

	o.discoveries.Add(ctx, 1, metric.WithAttributes(attrs...))
	o.latency.Record(ctx, observation.Duration.Seconds(), metric.WithAttributes(
		attribute.String("operation", "discover"),
		attribute.String("server", observation.Server),
	))
	if observation.Err == nil {
		o.tools.Record(ctx, int64(observation.Tools), metric.WithAttributes(
			attribute.String("server", observation.Server),
		))
	}

	var errMsg string
	if observation.Err != nil {
		errMsg = observation.Err.Error()
	}
	spanAttrs := append(attrs, attribute.Int("tools", observation.Tools))
	o.span(ctx, "mcp.server.discover", observation.Start, observation.Duration, spanAttrs, errMsg)
}

// span emits a span covering an operation that already happened.
func (o *ToolObserver) span(ctx context.Context, name string, start time.Time, d time.Duration, attrs []attribute.KeyValue, errMsg string) {
	if o.tracer == nil {
		return
	}
	if start.IsZero() {
		start = time.Now().Add(-d)
	}

	_, span := o.tracer.Start(ctx, name,
		trace.WithTimestamp(start),
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	if errMsg != "" {
		span.SetStatus(codes.Error, errMsg)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(start.Add(d)))
}

var _ toolset.Observer = (*ToolObserver)(nil)
