package graph

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Domain errors
var (
	// Lookup errors
	ErrVertexNotFound = errors.New("vertex not found")
	ErrEdgeNotFound   = errors.New("edge not found")

	// Construction errors
	ErrNilVertex       = errors.New("vertex cannot be nil")
	ErrInvalidVertexID = errors.New("invalid vertex ID")
	ErrDuplicateVertex = errors.New("duplicate vertex ID")
	ErrNilEdge         = errors.New("edge cannot be nil")
	ErrInvalidEdge     = errors.New("edge requires source and target")
	ErrInvalidPayload  = errors.New("invalid graph payload")
	ErrUnknownState    = errors.New("unknown vertex state")

	// Execution errors
	ErrNotPrepared           = errors.New("graph has not been prepared")
	ErrStartAndStop          = errors.New("start and stop vertex cannot both be set")
	ErrMaxIterationsRequired = errors.New("cyclic graph requires max iterations")
	ErrMaxIterationsReached  = errors.New("max iterations reached")
	ErrNoBuilder             = errors.New("vertex has no builder")
)

// BuildError is returned when a vertex fails to build. Trace holds the
// formatted stack of the failure.
type BuildError struct {
	VertexID    string
	DisplayName string
	Message     string
	Trace       string
	Err         error
}

func (e *BuildError) Error() string {
	name := e.VertexID
	if e.DisplayName != "" && e.DisplayName != e.VertexID {
		name = fmt.Sprintf("%s (%s)", e.DisplayName, e.VertexID)
	}
	return fmt.Sprintf("build %s: %s", name, e.Message)
}

func (e *BuildError) Unwrap() error { return e.Err }

// newBuildError wraps err, capturing a stack unless err already carries one.
func newBuildError(v *Vertex, err error) *BuildError {
	var be *BuildError
	if errors.As(err, &be) {
		return be
	}
	type stackTracer interface{ StackTrace() pkgerrors.StackTrace }
	var st stackTracer
	if !errors.As(err, &st) {
		err = pkgerrors.WithStack(err)
	}
	return &BuildError{
		VertexID:    v.ID,
		DisplayName: v.DisplayName,
		Message:     err.Error(),
		Trace:       fmt.Sprintf("%+v", err),
		Err:         err,
	}
}

// panicError converts a recovered builder panic into an error with a stack.
func panicError(r any) error {
	if err, ok := r.(error); ok {
		return pkgerrors.Wrap(err, "panic")
	}
	return pkgerrors.Errorf("panic: %v", r)
}
