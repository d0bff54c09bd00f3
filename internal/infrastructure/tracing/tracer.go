// Package tracing reports graph runs to OpenTelemetry: one span per run and
// one child span per vertex build.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/flowgraph/dataflow/internal/core/graph"
)

// InstrumentationName is the tracer name spans are recorded under.
const InstrumentationName = "github.com/flowgraph/dataflow"

// ErrRunInProgress is returned by StartTracers while another run is traced.
var ErrRunInProgress = errors.New("tracer already tracing a run")

// Tracer implements graph.Tracer on top of an OpenTelemetry provider.
// One Tracer follows one graph run at a time.
type Tracer struct {
	tracer trace.Tracer

	mu      sync.Mutex
	runCtx  context.Context
	runSpan trace.Span
}

var _ graph.Tracer = (*Tracer)(nil)

// New creates a Tracer. A nil provider records nothing.
func New(tp trace.TracerProvider) *Tracer {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Tracer{tracer: tp.Tracer(InstrumentationName)}
}

// StartTracers opens the run span.
func (t *Tracer) StartTracers(ctx context.Context, run graph.TraceRun) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.runSpan != nil {
		return ErrRunInProgress
	}
	t.runCtx, t.runSpan = t.tracer.Start(ctx, "dataflow.Run",
		trace.WithAttributes(
			attribute.String("run.id", run.RunID),
			attribute.String("run.name", run.RunName),
			attribute.String("flow.id", run.FlowID),
		),
	)
	return nil
}

// EndTracers closes the run span with the run outcome.
func (t *Tracer) EndTracers(_ context.Context, outputs map[string]any, err error) {
	t.mu.Lock()
	span := t.runSpan
	t.runSpan, t.runCtx = nil, nil
	t.mu.Unlock()
	if span == nil {
		return
	}

	span.SetAttributes(attribute.StringSlice("run.outputs", slices.Sorted(maps.Keys(outputs))))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// StartVertex opens a vertex span under the run span. The returned func ends
// it, recording err when set.
func (t *Tracer) StartVertex(ctx context.Context, vertexID, vertexType string) (context.Context, func(error)) {
	t.mu.Lock()
	parent := t.runSpan
	t.mu.Unlock()
	if parent != nil {
		ctx = trace.ContextWithSpan(ctx, parent)
	}

	ctx, span := t.tracer.Start(ctx, vertexID,
		trace.WithAttributes(
			attribute.String("vertex.id", vertexID),
			attribute.String("vertex.type", vertexType),
		),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// SetOutputs records the output names produced by a vertex on its span.
func (t *Tracer) SetOutputs(ctx context.Context, _ string, outputs map[string]any) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.StringSlice("vertex.outputs", slices.Sorted(maps.Keys(outputs))))
}

// AddLog attaches a build log to the vertex span as an event.
func (t *Tracer) AddLog(ctx context.Context, vertexID string, log graph.Log) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("vertex.log", trace.WithAttributes(
		attribute.String("vertex.id", vertexID),
		attribute.String("log.name", log.Name),
		attribute.String("log.type", log.Type),
		attribute.String("log.message", log.Message),
	))
}

// ProviderConfig selects the exporter behind NewProvider.
type ProviderConfig struct {
	ServiceName    string
	ServiceVersion string
	// Exporter is "stdout" or "none".
	Exporter string
	// Writer receives stdout spans; nil means os.Stdout.
	Writer io.Writer
}

// NewProvider builds an SDK tracer provider. The caller owns Shutdown.
func NewProvider(cfg ProviderConfig) (*sdktrace.TracerProvider, error) {
	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}

	switch cfg.Exporter {
	case "", "none":
	case "stdout":
		exOpts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
		if cfg.Writer != nil {
			exOpts = append(exOpts, stdouttrace.WithWriter(cfg.Writer))
		}
		exporter, err := stdouttrace.New(exOpts...)
		if err != nil {
			return nil, fmt.Errorf("create exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
	return sdktrace.NewTracerProvider(opts...), nil
}
