package usecases

import (
	"context"

	"github.com/flowgraph/dataflow/internal/app/dto"
	"github.com/flowgraph/dataflow/internal/core/flow"
)

// FlowRepository is the read side of flow storage the executor needs.
// PRINCIPLES:
// - ISP: executors only look flows up
// - DIP: satisfied by every flow.Repository adapter
type FlowRepository interface {
	Get(ctx context.Context, id string) (*flow.Flow, error)
}

// StepFunc receives every vertex result of a streamed execution. Returning
// an error stops the run.
type StepFunc func(step dto.StepResult) error

// FlowExecutor defines the interface for executing flows
// PRINCIPLES:
// - SRP: Single responsibility for flow execution orchestration
// - DIP: Depends on abstractions, not concretions
type FlowExecutor interface {
	// Execute runs a flow in the mode named by the request
	Execute(ctx context.Context, req *dto.ExecutionRequest) (*dto.ExecutionResponse, error)

	// Stream runs a flow one vertex at a time, reporting each step
	Stream(ctx context.Context, req *dto.ExecutionRequest, onStep StepFunc) (*dto.ExecutionResponse, error)

	// Resume continues the run persisted for a flow
	Resume(ctx context.Context, flowID string, req *dto.ExecutionRequest) (*dto.ExecutionResponse, error)

	// Stop halts a running execution
	Stop(ctx context.Context, executionID string) error

	// GetStatus returns the current status of an execution
	GetStatus(ctx context.Context, executionID string) (*dto.ExecutionResponse, error)
}

var _ FlowExecutor = (*DefaultFlowExecutor)(nil)
var _ FlowRepository = (flow.Repository)(nil)
