package usecases

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/flowgraph/dataflow/internal/app/dto"
	"github.com/flowgraph/dataflow/internal/core/cache"
	"github.com/flowgraph/dataflow/internal/core/events"
	"github.com/flowgraph/dataflow/internal/core/graph"
	"github.com/flowgraph/dataflow/internal/infrastructure/logging"
	"github.com/flowgraph/dataflow/pkg/serialization"
	"github.com/flowgraph/dataflow/pkg/validation"
)

// Options wires the executor to the engine collaborators. Only Resolver is
// required.
type Options struct {
	Resolver   graph.Resolver
	Flows      FlowRepository
	Cache      graph.Cache
	Metrics    graph.Metrics
	Logger     logrus.FieldLogger
	Serializer *serialization.Serializer

	// PersistSnapshots stores the graph after every vertex so Resume can
	// pick the run up. Requires Cache.
	PersistSnapshots bool
	StreamBuffer     int

	// Tracer returns the tracer for one run; tracers hold per-run state.
	Tracer func() graph.Tracer
	// EventHandlers returns the handlers that receive the build events of
	// one execution.
	EventHandlers func(executionID string) []events.Handler
}

// DefaultFlowExecutor implements the FlowExecutor interface
// PRINCIPLES:
// - KISS: the graph does the scheduling, the executor only drives it
// - SRP: request validation, bookkeeping and result shaping
type DefaultFlowExecutor struct {
	opts       Options
	logger     logrus.FieldLogger
	executions map[string]*execution
	mu         sync.RWMutex
}

type execution struct {
	resp    dto.ExecutionResponse
	cancel  context.CancelFunc
	stopped bool
}

// NewDefaultFlowExecutor creates a new flow executor with dependencies
func NewDefaultFlowExecutor(opts Options) *DefaultFlowExecutor {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &DefaultFlowExecutor{
		opts:       opts,
		logger:     logger,
		executions: make(map[string]*execution),
	}
}

// Execute runs a flow with the given request
func (e *DefaultFlowExecutor) Execute(ctx context.Context, req *dto.ExecutionRequest) (*dto.ExecutionResponse, error) {
	return e.execute(ctx, req, nil)
}

// Stream runs a flow in stream mode and hands every step to onStep as soon
// as it is built.
func (e *DefaultFlowExecutor) Stream(ctx context.Context, req *dto.ExecutionRequest, onStep StepFunc) (*dto.ExecutionResponse, error) {
	req.Config.Mode = dto.ModeStream
	return e.execute(ctx, req, onStep)
}

func (e *DefaultFlowExecutor) execute(ctx context.Context, req *dto.ExecutionRequest, onStep StepFunc) (*dto.ExecutionResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if e.opts.Resolver == nil {
		return nil, fmt.Errorf("%w: no component resolver", dto.ErrInvalidConfig)
	}

	dump, flowID, err := e.loadFlow(ctx, req)
	if err != nil {
		return nil, err
	}

	// Validate before building the graph to fail fast
	if req.Config.ValidateFlow {
		checker, _ := e.opts.Resolver.(validation.TypeChecker)
		err := validation.ValidatePayload(dump.Data, validation.PayloadOptions{
			Types:         checker,
			MaxIterations: req.Config.MaxIterations,
		})
		if err != nil {
			return nil, fmt.Errorf("flow validation failed: %w", err)
		}
	}

	executionID := uuid.NewString()
	ex, cleanup := e.register(executionID, flowID)
	defer cleanup()

	cfg, stopEvents := e.graphConfig(executionID, flowID)
	defer stopEvents()
	cfg.Name = dump.Name
	cfg.Description = dump.Description
	cfg.EndpointName = dump.EndpointName

	g, err := graph.FromPayload(dump.Data, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build graph: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, req.Config.Timeout)
	defer cancel()
	e.setCancel(ex, cancel)

	log := e.logger.WithFields(logrus.Fields{"execution_id": executionID, "flow_id": flowID, "mode": req.Config.Mode})
	log.Debug("execution started")

	if req.Config.Mode == dto.ModeStream {
		err = e.runStream(runCtx, g, ex, g.Start(runCtx, req.RunOptions()), onStep)
	} else {
		var results []*graph.VertexBuildResult
		results, err = g.Process(runCtx, req.RunOptions())
		for _, r := range results {
			e.addStep(ex, g, r)
		}
	}
	return e.finish(ex, g, err, log)
}

// Resume loads the snapshot persisted for flowID and runs whatever is left
// of its queue.
func (e *DefaultFlowExecutor) Resume(ctx context.Context, flowID string, req *dto.ExecutionRequest) (*dto.ExecutionResponse, error) {
	if e.opts.Cache == nil {
		return nil, fmt.Errorf("%w: resume requires a cache", dto.ErrInvalidConfig)
	}
	if req == nil {
		req = &dto.ExecutionRequest{}
	}
	req.FlowID = flowID
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	executionID := uuid.NewString()
	ex, cleanup := e.register(executionID, flowID)
	defer cleanup()

	cfg, stopEvents := e.graphConfig(executionID, flowID)
	defer stopEvents()

	g, err := graph.LoadSnapshot(ctx, e.opts.Cache, flowID, cfg)
	if errors.Is(err, cache.ErrMiss) {
		return nil, fmt.Errorf("%w: %s", dto.ErrNothingToResume, flowID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, req.Config.Timeout)
	defer cancel()
	e.setCancel(ex, cancel)

	log := e.logger.WithFields(logrus.Fields{"execution_id": executionID, "flow_id": flowID, "mode": "resume"})
	log.WithField("queue", g.Queue()).Debug("execution resumed")

	results, err := g.Run(runCtx)
	for _, r := range results {
		e.addStep(ex, g, r)
	}
	return e.finish(ex, g, err, log)
}

// Stop cancels a running execution
func (e *DefaultFlowExecutor) Stop(_ context.Context, executionID string) error {
	e.mu.Lock()
	ex, exists := e.executions[executionID]
	if !exists {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", dto.ErrExecutionNotFound, executionID)
	}
	ex.stopped = true
	cancel := ex.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// GetStatus returns the progress of a running execution
func (e *DefaultFlowExecutor) GetStatus(_ context.Context, executionID string) (*dto.ExecutionResponse, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	ex, exists := e.executions[executionID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", dto.ErrExecutionNotFound, executionID)
	}
	resp := ex.resp
	resp.Steps = slices.Clone(ex.resp.Steps)
	resp.Duration = time.Since(resp.StartTime)
	return &resp, nil
}

// Running returns the ids of executions in flight.
func (e *DefaultFlowExecutor) Running() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Sorted(maps.Keys(e.executions))
}

func (e *DefaultFlowExecutor) loadFlow(ctx context.Context, req *dto.ExecutionRequest) (*graph.Dump, string, error) {
	if req.Payload != nil {
		return &graph.Dump{Data: *req.Payload, Name: req.FlowID}, req.FlowID, nil
	}
	if e.opts.Flows == nil {
		return nil, "", fmt.Errorf("%w: no flow repository to load %q from", dto.ErrMissingFlow, req.FlowID)
	}
	f, err := e.opts.Flows.Get(ctx, req.FlowID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load flow: %w", err)
	}
	dump := f.Dump()
	return &dump, f.ID, nil
}

// graphConfig builds the per-run engine configuration. The returned func
// flushes the run's event manager.
func (e *DefaultFlowExecutor) graphConfig(executionID, flowID string) (graph.Config, func()) {
	cfg := graph.Config{
		FlowID:           flowID,
		Resolver:         e.opts.Resolver,
		Metrics:          e.opts.Metrics,
		Logger:           e.logger.WithField("execution_id", executionID),
		Serializer:       e.opts.Serializer,
		PersistSnapshots: e.opts.PersistSnapshots,
		StreamBuffer:     e.opts.StreamBuffer,
	}
	if e.opts.Cache != nil {
		cfg.Cache = e.opts.Cache
	}
	if e.opts.Tracer != nil {
		cfg.Tracer = e.opts.Tracer()
	}

	stop := func() {}
	if e.opts.EventHandlers != nil {
		m := events.New(executionID, 0)
		for _, h := range e.opts.EventHandlers(executionID) {
			m.AddHandler(h)
		}
		m.Start()
		cfg.Events = m
		stop = m.Stop
	}
	return cfg, stop
}

func (e *DefaultFlowExecutor) runStream(ctx context.Context, g *graph.Graph, ex *execution, s *graph.Stream, onStep StepFunc) error {
	for item := range s.Results() {
		if item.Err != nil {
			return item.Err
		}
		r, ok := item.Result.(*graph.VertexBuildResult)
		if !ok {
			continue
		}
		step := e.addStep(ex, g, r)
		if onStep == nil {
			continue
		}
		if err := onStep(step); err != nil {
			s.Stop()
			return fmt.Errorf("%w: %w", dto.ErrStreamingCancelled, err)
		}
	}
	// a cancelled stream closes without an error item
	return ctx.Err()
}

func (e *DefaultFlowExecutor) register(executionID, flowID string) (*execution, func()) {
	ex := &execution{resp: dto.ExecutionResponse{
		ExecutionID: executionID,
		FlowID:      flowID,
		Status:      dto.ExecutionStatusRunning,
		StartTime:   time.Now(),
		Steps:       make([]dto.StepResult, 0),
	}}

	e.mu.Lock()
	e.executions[executionID] = ex
	e.mu.Unlock()

	return ex, func() {
		e.mu.Lock()
		delete(e.executions, executionID)
		e.mu.Unlock()
	}
}

func (e *DefaultFlowExecutor) setCancel(ex *execution, cancel context.CancelFunc) {
	e.mu.Lock()
	ex.cancel = cancel
	e.mu.Unlock()
}

func (e *DefaultFlowExecutor) addStep(ex *execution, g *graph.Graph, r *graph.VertexBuildResult) dto.StepResult {
	var vertexType string
	if v, err := g.GetVertex(r.VertexID); err == nil {
		vertexType = v.Type
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	step := dto.NewStepResult(len(ex.resp.Steps)+1, vertexType, r)
	ex.resp.Steps = append(ex.resp.Steps, step)
	ex.resp.RunID = g.RunID()
	return step
}

func (e *DefaultFlowExecutor) finish(ex *execution, g *graph.Graph, err error, log logrus.FieldLogger) (*dto.ExecutionResponse, error) {
	e.mu.Lock()
	resp := ex.resp
	stopped := ex.stopped
	e.mu.Unlock()

	resp.RunID = g.RunID()
	resp.EndTime = time.Now()
	resp.Duration = resp.EndTime.Sub(resp.StartTime)
	resp.Outputs = collectOutputs(g)

	switch {
	case err == nil:
		resp.Status = dto.ExecutionStatusCompleted
	case stopped && errors.Is(err, context.Canceled):
		resp.Status = dto.ExecutionStatusStopped
	case errors.Is(err, context.DeadlineExceeded):
		err = fmt.Errorf("%w: %w", dto.ErrExecutionTimeout, err)
		resp.Status = dto.ExecutionStatusFailed
	default:
		resp.Status = dto.ExecutionStatusFailed
	}
	if err != nil {
		resp.Error = err.Error()
	}

	log.WithFields(logrus.Fields{
		"status":   resp.Status,
		"steps":    len(resp.Steps),
		"duration": resp.Duration,
	}).Info("execution finished")

	return &resp, err
}

// collectOutputs returns the outputs of every built output vertex.
func collectOutputs(g *graph.Graph) map[string]map[string]any {
	out := make(map[string]map[string]any)
	for _, v := range g.Vertices() {
		if v.IsOutput && v.Built() {
			out[v.ID] = v.Result().Outputs
		}
	}
	return out
}
