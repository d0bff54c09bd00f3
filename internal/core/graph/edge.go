package graph

import "fmt"

// SourceHandle names the output of the source vertex an edge reads.
type SourceHandle struct {
	ID          string   `json:"id,omitempty"`
	Name        string   `json:"name"`
	DataType    string   `json:"dataType,omitempty"`
	OutputTypes []string `json:"output_types,omitempty"`
}

// TargetHandle names the input field of the target vertex an edge feeds.
type TargetHandle struct {
	ID         string   `json:"id,omitempty"`
	FieldName  string   `json:"fieldName"`
	InputTypes []string `json:"inputTypes,omitempty"`
	Type       string   `json:"type,omitempty"`
}

// Edge is a directed dependency that also carries a value from one output of
// Source into one input field of Target. Edges are not modified after they
// are added; the owning graph flags the ones that lie on a cycle.
type Edge struct {
	ID           string
	Source       string
	Target       string
	SourceHandle SourceHandle
	TargetHandle TargetHandle

	cycle bool
	// payload handle strings, kept for dumps
	rawSource string
	rawTarget string
}

// NewEdge builds an edge feeding source's output into target's field.
func NewEdge(source, target, output, field string) *Edge {
	return &Edge{
		Source:       source,
		Target:       target,
		SourceHandle: SourceHandle{ID: source, Name: output},
		TargetHandle: TargetHandle{ID: target, FieldName: field},
	}
}

// Validate ensures the edge names both endpoints.
func (e *Edge) Validate() error {
	if e.Source == "" || e.Target == "" {
		return ErrInvalidEdge
	}
	if e.ID == "" {
		e.ID = fmt.Sprintf("edge-%s-%s-%s-%s", e.Source, e.SourceHandle.Name, e.Target, e.TargetHandle.FieldName)
	}
	return nil
}

// Key identifies an edge structurally. Two edges with the same key are the
// same wiring.
func (e *Edge) Key() string {
	return e.Source + "\x00" + e.SourceHandle.Name + "\x00" + e.Target + "\x00" + e.TargetHandle.FieldName
}

// IsCycle reports whether either endpoint lies on a cycle. Cycle edges never
// block forward progress permanently and disable result caching of the target.
func (e *Edge) IsCycle() bool { return e.cycle }

func (e *Edge) String() string {
	return fmt.Sprintf("%s.%s -> %s.%s", e.Source, e.SourceHandle.Name, e.Target, e.TargetHandle.FieldName)
}
