package components

import (
	"context"
	"fmt"
	"slices"

	"github.com/flowgraph/dataflow/internal/core/graph"
)

// buildNotify stores "input_value" in the run context under "context_key",
// appending when "append" is set, and re-arms every listener on that key.
func buildNotify(_ context.Context, req *graph.BuildRequest) (graph.Result, error) {
	key := req.String("context_key")
	if key == "" {
		return graph.Result{}, fmt.Errorf("%w: context_key", ErrMissingParam)
	}

	value := req.Param("input_value")
	if asBool(req.Param("append")) {
		var list []any
		if prev, ok := req.Run.Get(key); ok {
			list = slices.Clone(asList(prev))
		}
		value = append(list, value)
	}
	req.Run.Set(key, value)

	if err := req.Graph.ActivateStateVertices(key, req.Vertex.ID); err != nil {
		return graph.Result{}, err
	}
	return graph.Result{Outputs: map[string]any{"value": value}}, nil
}

// buildListen publishes the run context value under "context_key". A key
// that was never written yields nil.
func buildListen(_ context.Context, req *graph.BuildRequest) (graph.Result, error) {
	key := req.String("context_key")
	if key == "" {
		return graph.Result{}, fmt.Errorf("%w: context_key", ErrMissingParam)
	}
	value, _ := req.Run.Get(key)
	return graph.Result{Outputs: map[string]any{"value": value}}, nil
}
