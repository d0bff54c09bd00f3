package dataflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowgraph/dataflow/internal/app/dto"
	"github.com/flowgraph/dataflow/internal/app/usecases"
	"github.com/flowgraph/dataflow/internal/components"
	"github.com/flowgraph/dataflow/internal/config"
	"github.com/flowgraph/dataflow/internal/core/cache"
	"github.com/flowgraph/dataflow/internal/core/events"
	"github.com/flowgraph/dataflow/internal/core/flow"
	"github.com/flowgraph/dataflow/internal/core/graph"
	"github.com/flowgraph/dataflow/internal/infrastructure/logging"
	"github.com/flowgraph/dataflow/internal/infrastructure/metrics"
	"github.com/flowgraph/dataflow/internal/infrastructure/tracing"
	"github.com/flowgraph/dataflow/pkg/serialization"
	"github.com/flowgraph/dataflow/pkg/validation"
)

// Re-export the types callers handle.
type (
	Graph             = graph.Graph
	Payload           = graph.Payload
	Result            = graph.Result
	RunOptions        = graph.RunOptions
	Flow              = flow.Flow
	FlowFilter        = flow.Filter
	ExecutionRequest  = dto.ExecutionRequest
	ExecutionConfig   = dto.ExecutionConfig
	ExecutionResponse = dto.ExecutionResponse
	StepResult        = dto.StepResult
)

// Version is reported by the CLI and the server.
var Version = "dev"

// Runtime owns every collaborator of the engine for one process.
type Runtime struct {
	cfg        *config.Config
	logger     *logrus.Logger
	registry   *components.Registry
	cache      cache.Service
	flows      flow.Repository
	serializer *serialization.Serializer
	metrics    *metrics.Collector
	provider   *sdktrace.TracerProvider
	executor   *usecases.DefaultFlowExecutor
	closers    []func() error
}

// Option customises New.
type Option func(*options)

type options struct {
	logger   *logrus.Logger
	metrics  *metrics.Collector
	handlers func(executionID string) []events.Handler
}

// WithLogger replaces the logger built from the config.
func WithLogger(l *logrus.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records runs into c.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// WithEventHandlers attaches build event handlers to every execution.
func WithEventHandlers(fn func(executionID string) []events.Handler) Option {
	return func(o *options) { o.handlers = fn }
}

// New builds a runtime from cfg. Close releases what it opened.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	rt := &Runtime{cfg: cfg, logger: o.logger, metrics: o.metrics}
	if rt.logger == nil {
		l, err := logging.New(cfg.Log)
		if err != nil {
			return nil, err
		}
		rt.logger = l
	}

	ser, err := cfg.Serialization.Serializer()
	if err != nil {
		return nil, fmt.Errorf("serializer: %w", err)
	}
	rt.serializer = ser

	if rt.cache, err = OpenCache(ctx, cfg.Cache); err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	if rt.cache != nil {
		rt.closers = append(rt.closers, rt.cache.Close)
	}

	flows, closeFlows, err := OpenFlows(ctx, cfg.Store, ser)
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("flow store: %w", err)
	}
	rt.flows = flows
	rt.closers = append(rt.closers, closeFlows)

	if cfg.Tracing.Exporter != "none" {
		tp, err := tracing.NewProvider(tracing.ProviderConfig{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: Version,
			Exporter:       cfg.Tracing.Exporter,
		})
		if err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("tracing: %w", err)
		}
		rt.provider = tp
		rt.closers = append(rt.closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return tp.Shutdown(ctx)
		})
	}

	rt.registry = components.NewRegistry(components.Deps{
		OpenAI:      newOpenAIClient(cfg.OpenAI),
		Model:       cfg.OpenAI.Model,
		Temperature: cfg.OpenAI.Temperature,
		Shared:      rt.cache,
	})

	execOpts := usecases.Options{
		Resolver:         rt.registry,
		Flows:            rt.flows,
		Logger:           rt.logger,
		Serializer:       ser,
		PersistSnapshots: cfg.Engine.PersistSnapshots,
		StreamBuffer:     cfg.Engine.StreamBuffer,
		EventHandlers:    o.handlers,
	}
	if rt.provider != nil {
		execOpts.Tracer = func() graph.Tracer { return tracing.New(rt.provider) }
	}
	if rt.cache != nil {
		execOpts.Cache = rt.cache
	}
	if rt.metrics != nil {
		execOpts.Metrics = rt.metrics
	}
	rt.executor = usecases.NewDefaultFlowExecutor(execOpts)
	return rt, nil
}

// NewDefault builds an in-memory runtime with the default configuration.
func NewDefault() *Runtime {
	cfg := config.Default()
	rt, err := New(context.Background(), cfg, WithLogger(logging.Discard()))
	if err != nil {
		// the default configuration only opens in-memory backends
		panic(err)
	}
	return rt
}

// Config returns the configuration the runtime was built from.
func (rt *Runtime) Config() *config.Config { return rt.cfg }

// Logger returns the runtime logger.
func (rt *Runtime) Logger() *logrus.Logger { return rt.logger }

// Registry returns the component registry; register custom node types on it.
func (rt *Runtime) Registry() *components.Registry { return rt.registry }

// Flows returns the flow store.
func (rt *Runtime) Flows() flow.Repository { return rt.flows }

// Executor returns the flow executor.
func (rt *Runtime) Executor() *usecases.DefaultFlowExecutor { return rt.executor }

// Metrics returns the collector passed to WithMetrics, or nil.
func (rt *Runtime) Metrics() *metrics.Collector { return rt.metrics }

// TracerProvider returns the provider spans are exported through, or nil
// when tracing is off.
func (rt *Runtime) TracerProvider() trace.TracerProvider {
	if rt.provider == nil {
		return nil
	}
	return rt.provider
}

// Layers validates a payload document and returns its topological layers
// and cycle vertices.
func (rt *Runtime) Layers(data []byte, maxIterations int) ([][]string, []string, error) {
	dump, err := graph.ParsePayload(data)
	if err != nil {
		return nil, nil, err
	}
	err = validation.ValidatePayload(dump.Data, validation.PayloadOptions{
		Types:         rt.registry,
		MaxIterations: maxIterations,
	})
	if err != nil {
		return nil, nil, err
	}
	g, err := rt.Load(data)
	if err != nil {
		return nil, nil, err
	}
	if _, err := g.SortVertices("", ""); err != nil {
		return nil, nil, err
	}
	return g.Layers(), g.CycleVertices(), nil
}

// Load builds a graph from a JSON payload document, wired to the runtime.
func (rt *Runtime) Load(data []byte) (*Graph, error) {
	return graph.Load(data, graph.Config{
		Resolver:     rt.registry,
		Cache:        rt.graphCache(),
		Logger:       rt.logger,
		Serializer:   rt.serializer,
		StreamBuffer: rt.cfg.Engine.StreamBuffer,
	})
}

// SaveFlow parses a payload document and stores it under id.
func (rt *Runtime) SaveFlow(ctx context.Context, id string, data []byte) (*Flow, error) {
	dump, err := graph.ParsePayload(data)
	if err != nil {
		return nil, err
	}
	f := flow.FromDump(id, dump)
	if err := rt.flows.Save(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

// Run executes req, applying the configured iteration bound when the request
// has none.
func (rt *Runtime) Run(ctx context.Context, req *ExecutionRequest) (*ExecutionResponse, error) {
	rt.applyDefaults(req)
	return rt.executor.Execute(ctx, req)
}

// Stream executes req one vertex at a time, calling onStep for each.
func (rt *Runtime) Stream(ctx context.Context, req *ExecutionRequest, onStep func(StepResult) error) (*ExecutionResponse, error) {
	rt.applyDefaults(req)
	return rt.executor.Stream(ctx, req, onStep)
}

// Resume continues the run persisted for flowID.
func (rt *Runtime) Resume(ctx context.Context, flowID string) (*ExecutionResponse, error) {
	return rt.executor.Resume(ctx, flowID, nil)
}

// Close releases the cache, the flow store and the tracer provider.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

func (rt *Runtime) applyDefaults(req *ExecutionRequest) {
	if req.Config.MaxIterations == 0 {
		req.Config.MaxIterations = rt.cfg.Engine.MaxIterations
	}
	if req.Config.Timeout == 0 {
		req.Config.Timeout = rt.cfg.Server.RequestTimeout
	}
}

func (rt *Runtime) graphCache() graph.Cache {
	if rt.cache == nil {
		return nil
	}
	return rt.cache
}

// newOpenAIClient returns nil when no key is configured.
func newOpenAIClient(cfg config.OpenAIConfig) *openai.Client {
	if cfg.APIKey == "" {
		return nil
	}
	c := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		c.BaseURL = cfg.BaseURL
	}
	return openai.NewClientWithConfig(c)
}
