package dto

import "errors"

// Execution errors
var (
	ErrMissingFlow        = errors.New("flow ID or payload is required")
	ErrInvalidConfig      = errors.New("invalid execution configuration")
	ErrExecutionFailed    = errors.New("flow execution failed")
	ErrExecutionTimeout   = errors.New("flow execution timeout")
	ErrExecutionNotFound  = errors.New("execution not found")
	ErrNothingToResume    = errors.New("no snapshot to resume from")
	ErrStreamingCancelled = errors.New("step consumer stopped the run")
)
