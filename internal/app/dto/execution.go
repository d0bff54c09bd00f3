// Package dto holds the request and response types of the flow use cases.
package dto

import (
	"fmt"
	"time"

	"github.com/flowgraph/dataflow/internal/core/graph"
)

// Execution modes
const (
	ModeBatch  = "batch"
	ModeStream = "stream"
)

// ExecutionRequest represents a request to execute a flow
type ExecutionRequest struct {
	// FlowID names a stored flow. With Payload set it only scopes caching.
	FlowID  string          `json:"flow_id"`
	Payload *graph.Payload  `json:"payload,omitempty"`
	Inputs  map[string]any  `json:"inputs,omitempty"`
	Context map[string]any  `json:"context,omitempty"`
	Config  ExecutionConfig `json:"config"`
}

// ExecutionConfig contains configuration for flow execution
type ExecutionConfig struct {
	Mode          string        `json:"mode"`
	StartVertexID string        `json:"start_vertex_id,omitempty"`
	StopVertexID  string        `json:"stop_vertex_id,omitempty"`
	MaxIterations int           `json:"max_iterations"`
	Timeout       time.Duration `json:"timeout"`
	// ValidateFlow checks the payload before building the graph.
	ValidateFlow bool `json:"validate_flow"`
}

// ExecutionResponse represents the response from flow execution
type ExecutionResponse struct {
	ExecutionID string          `json:"execution_id"`
	FlowID      string          `json:"flow_id"`
	RunID       string          `json:"run_id"`
	Status      ExecutionStatus `json:"status"`
	// Outputs maps each built output vertex to its outputs.
	Outputs   map[string]map[string]any `json:"outputs"`
	Steps     []StepResult              `json:"steps"`
	StartTime time.Time                 `json:"start_time"`
	EndTime   time.Time                 `json:"end_time"`
	Duration  time.Duration             `json:"duration"`
	Error     string                    `json:"error,omitempty"`
}

// ExecutionStatus represents the status of flow execution
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusStopped   ExecutionStatus = "stopped"
)

// StepResult represents the result of building a single vertex
type StepResult struct {
	StepNumber    int            `json:"step_number"`
	VertexID      string         `json:"vertex_id"`
	VertexType    string         `json:"vertex_type"`
	Outputs       map[string]any `json:"outputs,omitempty"`
	Artifacts     map[string]any `json:"artifacts,omitempty"`
	CacheHit      bool           `json:"cache_hit"`
	Iteration     int            `json:"iteration,omitempty"`
	NextVertexIDs []string       `json:"next_vertex_ids,omitempty"`
	Duration      time.Duration  `json:"duration"`
	Status        StepStatus     `json:"status"`
}

// StepStatus represents the status of a single step
type StepStatus string

const (
	StepStatusCompleted StepStatus = "completed"
	StepStatusCached    StepStatus = "cached"
)

// NewStepResult converts an engine result.
func NewStepResult(step int, vertexType string, r *graph.VertexBuildResult) StepResult {
	status := StepStatusCompleted
	if r.CacheHit {
		status = StepStatusCached
	}
	return StepResult{
		StepNumber:    step,
		VertexID:      r.VertexID,
		VertexType:    vertexType,
		Outputs:       r.Result.Outputs,
		Artifacts:     r.Result.Artifacts,
		CacheHit:      r.CacheHit,
		Iteration:     r.Iteration,
		NextVertexIDs: r.NextVertexIDs,
		Duration:      r.Duration,
		Status:        status,
	}
}

// Validate validates the execution request and fills defaults
func (req *ExecutionRequest) Validate() error {
	if req.FlowID == "" && req.Payload == nil {
		return ErrMissingFlow
	}
	switch req.Config.Mode {
	case "":
		req.Config.Mode = ModeBatch
	case ModeBatch, ModeStream:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, req.Config.Mode)
	}
	if req.Config.StartVertexID != "" && req.Config.StopVertexID != "" {
		return fmt.Errorf("%w: start and stop vertex are exclusive", ErrInvalidConfig)
	}
	if req.Config.MaxIterations < 0 {
		return fmt.Errorf("%w: negative max iterations", ErrInvalidConfig)
	}
	if req.Config.Timeout <= 0 {
		req.Config.Timeout = 5 * time.Minute // Default timeout
	}
	return nil
}

// RunOptions converts the request into engine options.
func (req *ExecutionRequest) RunOptions() graph.RunOptions {
	return graph.RunOptions{
		StartVertexID: req.Config.StartVertexID,
		StopVertexID:  req.Config.StopVertexID,
		Inputs:        req.Inputs,
		Context:       req.Context,
		MaxIterations: req.Config.MaxIterations,
	}
}
