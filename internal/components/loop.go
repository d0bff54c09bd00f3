package components

import (
	"context"
	"slices"

	"github.com/flowgraph/dataflow/internal/core/graph"
)

// Loop outputs
const (
	OutputItem = "item"
	OutputDone = "done"
)

// loopState is kept in the run context under the vertex id. A restored
// snapshot hands it back as a generic map.
type loopState struct {
	RunID      string `json:"run_id" msgpack:"run_id"`
	Index      int    `json:"index" msgpack:"index"`
	Aggregated []any  `json:"aggregated" msgpack:"aggregated"`
}

func decodeLoopState(v any) (loopState, bool) {
	switch s := v.(type) {
	case loopState:
		return s, true
	case map[string]any:
		runID, _ := s["run_id"].(string)
		return loopState{
			RunID:      runID,
			Index:      asInt(s["index"], 0),
			Aggregated: asList(s["aggregated"]),
		}, true
	default:
		return loopState{}, false
	}
}

// buildLoop walks "data" one element per build. While elements remain it
// publishes the next one on "item" and excludes the "done" branch; the body
// feeds its result back into "item", which is aggregated. Once exhausted it
// publishes the aggregated results on "done" and excludes the body.
func buildLoop(_ context.Context, req *graph.BuildRequest) (graph.Result, error) {
	key := "loop:" + req.Vertex.ID
	state := loopState{RunID: req.RunID}
	if prev, ok := req.Run.Get(key); ok {
		if s, ok := decodeLoopState(prev); ok && s.RunID == req.RunID {
			state = s
		}
	}
	if state.Index > 0 {
		if item, ok := req.Params[OutputItem]; ok {
			state.Aggregated = append(slices.Clone(state.Aggregated), item)
		}
	}

	data := asList(req.Param("data"))
	if state.Index < len(data) {
		item := data[state.Index]
		state.Index++
		req.Run.Set(key, state)
		if err := req.Graph.ExcludeBranchConditionally(req.Vertex.ID, OutputDone); err != nil {
			return graph.Result{}, err
		}
		return graph.Result{
			Outputs:   map[string]any{OutputItem: item},
			Artifacts: map[string]any{"index": state.Index - 1},
		}, nil
	}

	req.Run.Set(key, state)
	if err := req.Graph.ExcludeBranchConditionally(req.Vertex.ID, OutputItem); err != nil {
		return graph.Result{}, err
	}
	done := state.Aggregated
	if done == nil {
		done = []any{}
	}
	return graph.Result{Outputs: map[string]any{OutputDone: done}}, nil
}
