package validation

import (
	"errors"
	"fmt"

	coregraph "github.com/flowgraph/dataflow/internal/core/graph"
)

// ErrUnboundedCycle is returned for a cyclic payload validated without an
// iteration bound.
var ErrUnboundedCycle = errors.New("cyclic graph requires max iterations")

// TypeChecker reports whether a node type can be built.
type TypeChecker interface {
	CanResolve(nodeType string) bool
}

// PayloadOptions controls optional payload checks.
type PayloadOptions struct {
	// Types rejects node types it cannot resolve.
	Types TypeChecker
	// MaxIterations is the bound the payload will run with. Cyclic payloads
	// are rejected when it is zero, unless AllowUnboundedCycles is set.
	MaxIterations        int
	AllowUnboundedCycles bool
}

// ValidatePayload validates the structure of p and reports every problem
// found as ValidationErrors. Cycle checks run only on a structurally valid
// payload.
func ValidatePayload(p coregraph.Payload, opts ...PayloadOptions) error {
	var cfg PayloadOptions
	if len(opts) > 0 {
		cfg = opts[0]
	}

	doc := NewPayloadDoc(p)
	if err := ValidateStruct(doc); err != nil {
		return err
	}

	var errs ValidationErrors
	if cfg.Types != nil {
		for i, n := range doc.Nodes {
			if !cfg.Types.CanResolve(n.Type) {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("nodes[%d].type", i),
					Value:   n.Type,
					Message: "unknown component type",
				})
			}
		}
	}
	if len(errs) > 0 {
		return errs
	}

	if cfg.MaxIterations <= 0 && !cfg.AllowUnboundedCycles {
		g, err := coregraph.FromPayload(p, coregraph.Config{})
		if err != nil {
			return err
		}
		if g.IsCyclic() {
			return fmt.Errorf("%w: %v", ErrUnboundedCycle, g.CycleVertices())
		}
	}
	return nil
}
