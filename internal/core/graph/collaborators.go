package graph

import (
	"context"
	"time"
)

// Buildable is the plug-in point for vertex logic.
type Buildable interface {
	Build(ctx context.Context, req *BuildRequest) (Result, error)
}

// BuildFunc adapts a function to Buildable.
type BuildFunc func(ctx context.Context, req *BuildRequest) (Result, error)

// Build calls f.
func (f BuildFunc) Build(ctx context.Context, req *BuildRequest) (Result, error) {
	return f(ctx, req)
}

// Resolver maps a node type discriminator to its Buildable.
type Resolver interface {
	Resolve(nodeType string) (Buildable, error)
}

// Controller is the slice of the graph that a running vertex may steer.
type Controller interface {
	MarkBranch(vertexID string, state State, outputName string) error
	ExcludeBranchConditionally(sourceID, outputName string) error
	ActivateStateVertices(name, callerID string) error
}

// Cache stores vertex results and graph snapshots. Get must return an error
// matching cache.ErrMiss when nothing is stored.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, data []byte) error
}

// Log is a structured build log entry.
type Log struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Type    string `json:"type"`
	Trace   string `json:"trace,omitempty"`
}

// LogType values
const (
	LogInfo  = "info"
	LogError = "error"
)

// TraceRun identifies the run handed to a Tracer.
type TraceRun struct {
	RunID   string
	RunName string
	FlowID  string
}

// Tracer receives run and vertex lifecycle notifications.
type Tracer interface {
	StartTracers(ctx context.Context, run TraceRun) error
	EndTracers(ctx context.Context, outputs map[string]any, err error)
	StartVertex(ctx context.Context, vertexID, vertexType string) (context.Context, func(error))
	SetOutputs(ctx context.Context, vertexID string, outputs map[string]any)
	AddLog(ctx context.Context, vertexID string, log Log)
}

// EventManager receives per-vertex build events and streamed tokens.
type EventManager interface {
	OnBuildStart(ctx context.Context, vertexID string)
	OnBuildEnd(ctx context.Context, vertexID string, result Result, err error)
	OnBuildLog(ctx context.Context, vertexID string, log Log)
	OnToken(ctx context.Context, vertexID, token string)
}

// Metrics records engine measurements.
type Metrics interface {
	VertexBuilt(vertexType, status string, d time.Duration)
	CacheLookup(hit bool)
	BatchScheduled(size int)
	RunFinished(mode string, d time.Duration, err error)
}

type noopTracer struct{}

func (noopTracer) StartTracers(context.Context, TraceRun) error { return nil }
func (noopTracer) EndTracers(context.Context, map[string]any, error) {}
func (noopTracer) SetOutputs(context.Context, string, map[string]any) {}
func (noopTracer) AddLog(context.Context, string, Log) {}
func (noopTracer) StartVertex(ctx context.Context, _, _ string) (context.Context, func(error)) {
	return ctx, func(error) {}
}

type noopEvents struct{}

func (noopEvents) OnBuildStart(context.Context, string) {}
func (noopEvents) OnBuildEnd(context.Context, string, Result, error) {}
func (noopEvents) OnBuildLog(context.Context, string, Log) {}
func (noopEvents) OnToken(context.Context, string, string) {}

type noopMetrics struct{}

func (noopMetrics) VertexBuilt(string, string, time.Duration) {}
func (noopMetrics) CacheLookup(bool) {}
func (noopMetrics) BatchScheduled(int) {}
func (noopMetrics) RunFinished(string, time.Duration, error) {}
