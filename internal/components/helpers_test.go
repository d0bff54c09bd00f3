package components

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowgraph/dataflow/internal/core/graph"
)

type flow struct {
	payload graph.Payload
}

func (f *flow) node(id, nodeType string, params map[string]any, outputs ...graph.Output) *flow {
	template := make(map[string]any, len(params))
	for k, v := range params {
		template[k] = map[string]any{"value": v}
	}
	f.payload.Nodes = append(f.payload.Nodes, graph.Node{
		ID: id,
		Data: graph.NodeData{
			ID:   id,
			Type: nodeType,
			Node: graph.NodeBody{Template: template, Outputs: outputs},
		},
	})
	return f
}

func (f *flow) edge(source, output, target, field string) *flow {
	f.payload.Edges = append(f.payload.Edges, graph.EdgeData{
		Source: source,
		Target: target,
		Data: graph.EdgeHandles{
			SourceHandle: graph.SourceHandle{ID: source, Name: output},
			TargetHandle: graph.TargetHandle{ID: target, FieldName: field},
		},
	})
	return f
}

func (f *flow) build(t *testing.T, reg *Registry) *graph.Graph {
	t.Helper()
	g, err := graph.FromPayload(f.payload, graph.Config{Resolver: reg})
	require.NoError(t, err)
	return g
}

func run(t *testing.T, g *graph.Graph, opts graph.RunOptions) map[string]graph.Result {
	t.Helper()
	results, err := g.Process(context.Background(), opts)
	require.NoError(t, err)
	out := make(map[string]graph.Result, len(results))
	for _, r := range results {
		out[r.VertexID] = r.Result
	}
	return out
}

func builtIDs(results []*graph.VertexBuildResult) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.VertexID
	}
	return ids
}

// request builds a standalone build request for vertex-level tests.
func request(t *testing.T, nodeType string, params map[string]any) (*graph.BuildRequest, *graph.Graph) {
	t.Helper()
	g := graph.New(graph.Config{})
	v := graph.NewVertex("v1", nodeType, nil)
	require.NoError(t, g.AddVertex(v))
	return &graph.BuildRequest{
		Vertex: v,
		Params: params,
		RunID:  "run-1",
		Run:    graph.NewRunContext(nil),
		Graph:  g,
	}, g
}
