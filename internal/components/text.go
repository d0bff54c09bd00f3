package components

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/flowgraph/dataflow/internal/core/graph"
)

var promptVariable = regexp.MustCompile(`\{(\w+)\}`)

// buildPrompt fills {name} placeholders of "template" from the params of the
// same name. Doubled braces escape a literal brace.
func buildPrompt(_ context.Context, req *graph.BuildRequest) (graph.Result, error) {
	template := req.String("template")
	if template == "" {
		return graph.Result{}, fmt.Errorf("%w: template", ErrMissingParam)
	}

	escaped := strings.NewReplacer("{{", "\x00", "}}", "\x01").Replace(template)
	var missing []string
	filled := promptVariable.ReplaceAllStringFunc(escaped, func(m string) string {
		name := m[1 : len(m)-1]
		if _, ok := req.Params[name]; !ok {
			missing = append(missing, name)
			return m
		}
		return req.String(name)
	})
	if len(missing) > 0 {
		return graph.Result{}, fmt.Errorf("%w: %s", ErrMissingVariable, strings.Join(missing, ", "))
	}
	filled = strings.NewReplacer("\x00", "{", "\x01", "}").Replace(filled)

	return graph.Result{Outputs: map[string]any{"prompt": filled}}, nil
}

// buildConcat joins every value delivered to "inputs" with "separator".
func buildConcat(_ context.Context, req *graph.BuildRequest) (graph.Result, error) {
	sep, ok := req.Params["separator"].(string)
	if !ok {
		sep = "\n"
	}
	var parts []string
	switch val := req.Param("inputs").(type) {
	case []any:
		for _, p := range val {
			parts = append(parts, asString(p))
		}
	case nil:
	default:
		parts = append(parts, asString(val))
	}
	return graph.Result{Outputs: map[string]any{"text": strings.Join(parts, sep)}}, nil
}
