package validation

import (
	"fmt"

	"github.com/flowgraph/dataflow/internal/core/graph"
)

// PayloadDoc is the validated view of a graph payload.
type PayloadDoc struct {
	Nodes []NodeDoc `json:"nodes" validate:"required,min=1,dive"`
	Edges []EdgeDoc `json:"edges" validate:"dive"`
}

// NodeDoc is one node of a PayloadDoc.
type NodeDoc struct {
	ID   string `json:"id" validate:"required,vertex_id"`
	Type string `json:"type" validate:"required"`
}

// EdgeDoc is one edge of a PayloadDoc.
type EdgeDoc struct {
	Source string `json:"source" validate:"required,vertex_id"`
	Target string `json:"target" validate:"required,vertex_id"`
	Output string `json:"output" validate:"required"`
	Field  string `json:"field" validate:"required"`
}

// NewPayloadDoc extracts the validated view of p.
func NewPayloadDoc(p graph.Payload) *PayloadDoc {
	doc := &PayloadDoc{
		Nodes: make([]NodeDoc, 0, len(p.Nodes)),
		Edges: make([]EdgeDoc, 0, len(p.Edges)),
	}
	for _, n := range p.Nodes {
		nodeType := n.Data.Type
		if nodeType == "" {
			nodeType = n.Type
		}
		doc.Nodes = append(doc.Nodes, NodeDoc{ID: n.ID, Type: nodeType})
	}
	for _, e := range p.Edges {
		doc.Edges = append(doc.Edges, EdgeDoc{
			Source: e.Source,
			Target: e.Target,
			Output: e.Data.SourceHandle.Name,
			Field:  e.Data.TargetHandle.FieldName,
		})
	}
	return doc
}

// Validate checks id uniqueness and edge endpoints.
func (d *PayloadDoc) Validate() error {
	var errs ValidationErrors

	ids := make(map[string]bool, len(d.Nodes))
	for i, n := range d.Nodes {
		if ids[n.ID] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("nodes[%d].id", i),
				Value:   n.ID,
				Message: "duplicate node ID",
			})
		}
		ids[n.ID] = true
	}

	for i, e := range d.Edges {
		if !ids[e.Source] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("edges[%d].source", i),
				Value:   e.Source,
				Message: "source node does not exist",
			})
		}
		if !ids[e.Target] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("edges[%d].target", i),
				Value:   e.Target,
				Message: "target node does not exist",
			})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// RunRequest is the body of a run request.
type RunRequest struct {
	FlowID string `json:"flow_id" validate:"omitempty,max=200"`
	// Payload is used when FlowID does not name a stored flow.
	Payload *graph.Payload `json:"payload,omitempty" validate:"required_without=FlowID"`
	Inputs  map[string]any `json:"inputs,omitempty"`
	// Context seeds the run context shared by every vertex.
	Context map[string]any `json:"context,omitempty"`
	// Mode is "batch" (default) or "stream".
	Mode          string `json:"mode,omitempty" validate:"omitempty,oneof=batch stream"`
	StartVertexID string `json:"start_vertex_id,omitempty" validate:"omitempty,vertex_id,excluded_with=StopVertexID"`
	StopVertexID  string `json:"stop_vertex_id,omitempty" validate:"omitempty,vertex_id"`
	MaxIterations int    `json:"max_iterations,omitempty" validate:"gte=0,lte=10000"`
}
