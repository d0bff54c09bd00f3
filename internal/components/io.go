package components

import (
	"context"

	"github.com/flowgraph/dataflow/internal/core/graph"
)

// input publishes the caller-supplied "input_value", falling back to the
// static param of the same name.
type input struct {
	output string
}

func (c input) Build(_ context.Context, req *graph.BuildRequest) (graph.Result, error) {
	value, ok := req.Inputs["input_value"]
	if !ok {
		value = req.Param("input_value")
	}
	sender := req.String("sender")
	if sender == "" {
		sender = "User"
	}
	return graph.Result{
		Outputs:   map[string]any{c.output: asString(value)},
		Artifacts: map[string]any{"sender": sender},
	}, nil
}

// output republishes "input_value" so callers can read the flow's answer.
type output struct {
	output string
	sender string
}

func (c output) Build(_ context.Context, req *graph.BuildRequest) (graph.Result, error) {
	res := graph.Result{Outputs: map[string]any{c.output: asString(req.Param("input_value"))}}
	if c.sender != "" {
		sender := req.String("sender")
		if sender == "" {
			sender = c.sender
		}
		res.Artifacts = map[string]any{"sender": sender}
	}
	return res, nil
}
