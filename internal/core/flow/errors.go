package flow

import "errors"

var (
	ErrInvalidFlowID = errors.New("invalid flow ID")
	ErrEmptyPayload  = errors.New("flow payload has no nodes")
	ErrFlowNotFound  = errors.New("flow not found")

	// Filter validation errors
	ErrInvalidLimit     = errors.New("limit cannot be negative")
	ErrInvalidOffset    = errors.New("offset cannot be negative")
	ErrInvalidTimeRange = errors.New("invalid time range: since is after before")
)
