package components

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/flowgraph/dataflow/internal/core/graph"
)

// Router outputs
const (
	OutputTrue  = "true_result"
	OutputFalse = "false_result"
)

// buildRouter compares "input_text" with "match_text" and publishes
// "message" (or the input text) on the matching output. The other output's
// branch is excluded for the rest of the pass.
func buildRouter(_ context.Context, req *graph.BuildRequest) (graph.Result, error) {
	text := req.String("input_text")
	match := req.String("match_text")
	operator := req.String("operator")
	if operator == "" {
		operator = "equals"
	}

	ok, err := compare(text, match, operator, asBool(req.Param("case_sensitive")))
	if err != nil {
		return graph.Result{}, err
	}

	message := text
	if _, set := req.Params["message"]; set {
		message = req.String("message")
	}

	taken, skipped := OutputTrue, OutputFalse
	if !ok {
		taken, skipped = OutputFalse, OutputTrue
	}
	if err := req.Graph.ExcludeBranchConditionally(req.Vertex.ID, skipped); err != nil {
		return graph.Result{}, err
	}
	return graph.Result{
		Outputs:   map[string]any{taken: message},
		Artifacts: map[string]any{"condition": ok},
	}, nil
}

func compare(text, match, operator string, caseSensitive bool) (bool, error) {
	if !caseSensitive && operator != "regex" {
		text, match = strings.ToLower(text), strings.ToLower(match)
	}
	switch operator {
	case "equals":
		return text == match, nil
	case "not_equals":
		return text != match, nil
	case "contains":
		return strings.Contains(text, match), nil
	case "starts_with":
		return strings.HasPrefix(text, match), nil
	case "ends_with":
		return strings.HasSuffix(text, match), nil
	case "regex":
		re, err := regexp.Compile(match)
		if err != nil {
			return false, fmt.Errorf("router pattern: %w", err)
		}
		return re.MatchString(text), nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownOperator, operator)
	}
}
