// Package flow holds stored flow definitions: a named payload that can be
// loaded into a graph and run by id.
package flow

import (
	"strings"
	"time"

	"github.com/flowgraph/dataflow/internal/core/graph"
)

// Flow is a saved graph payload and its metadata.
type Flow struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Description  string        `json:"description,omitempty"`
	EndpointName string        `json:"endpoint_name,omitempty"`
	Tags         []string      `json:"tags,omitempty"`
	Payload      graph.Payload `json:"data"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// FromDump builds a flow from a parsed payload document. The name falls back
// to the id.
func FromDump(id string, d *graph.Dump) *Flow {
	f := &Flow{
		ID:           id,
		Name:         d.Name,
		Description:  d.Description,
		EndpointName: d.EndpointName,
		Payload:      d.Data,
	}
	if f.Name == "" {
		f.Name = id
	}
	return f
}

// Dump returns the flow as a payload document.
func (f *Flow) Dump() graph.Dump {
	return graph.Dump{
		Data:         f.Payload,
		Name:         f.Name,
		Description:  f.Description,
		EndpointName: f.EndpointName,
	}
}

// Validate ensures flow integrity.
func (f *Flow) Validate() error {
	if strings.TrimSpace(f.ID) == "" || strings.ContainsAny(f.ID, " /\t\n") {
		return ErrInvalidFlowID
	}
	if len(f.Payload.Nodes) == 0 {
		return ErrEmptyPayload
	}
	return nil
}

// HasTags reports whether the flow carries every tag in tags.
func (f *Flow) HasTags(tags []string) bool {
	for _, want := range tags {
		found := false
		for _, t := range f.Tags {
			if t == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Touch stamps UpdatedAt, and CreatedAt on first save.
func (f *Flow) Touch(now time.Time) {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
}
