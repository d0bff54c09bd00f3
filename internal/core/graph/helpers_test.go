package graph

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowgraph/dataflow/internal/core/cache"
)

// recorder counts builds per vertex and echoes the vertex id on "out".
type recorder struct {
	mu     sync.Mutex
	calls  map[string]int
	params map[string]map[string]any
}

func newRecorder() *recorder {
	return &recorder{calls: make(map[string]int), params: make(map[string]map[string]any)}
}

func (r *recorder) builder() Buildable {
	return BuildFunc(func(_ context.Context, req *BuildRequest) (Result, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls[req.Vertex.ID]++
		r.params[req.Vertex.ID] = req.Params
		return Result{Outputs: map[string]any{"out": req.Vertex.ID}}, nil
	})
}

func (r *recorder) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

func (r *recorder) paramsOf(id string) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.params[id]
}

// Resolve lets a recorder serve as the resolver of payload-built graphs.
func (r *recorder) Resolve(string) (Buildable, error) { return r.builder(), nil }

// buildGraph wires "out" of each source into "in_<source>" of each target.
func buildGraph(t *testing.T, cfg Config, rec *recorder, ids []string, edges [][2]string) *Graph {
	t.Helper()
	g := New(cfg)
	for _, id := range ids {
		require.NoError(t, g.AddVertex(NewVertex(id, "Test", rec.builder())))
	}
	for _, e := range edges {
		_, err := g.Connect(e[0], "out", e[1], "in_"+e[0])
		require.NoError(t, err)
	}
	return g
}

func diamond(t *testing.T, rec *recorder) *Graph {
	return buildGraph(t, Config{}, rec,
		[]string{"A", "B", "C", "D"},
		[][2]string{{"A", "B"}, {"A", "C"}, {"B", "D"}, {"C", "D"}})
}

func ids(results []*VertexBuildResult) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.VertexID)
	}
	return out
}

// mapCache is an in-process Cache.
type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
	gets int
}

func newMapCache() *mapCache { return &mapCache{data: make(map[string][]byte)} }

func (c *mapCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	v, ok := c.data[key]
	if !ok {
		return nil, cache.ErrMiss
	}
	return v, nil
}

func (c *mapCache) Set(_ context.Context, key string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = data
	return nil
}

func (c *mapCache) has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.data[key]
	return ok
}

// eventLog records what the graph reports to its event manager.
type eventLog struct {
	mu     sync.Mutex
	starts []string
	logs   []Log
	tokens []string
}

func (e *eventLog) OnBuildStart(_ context.Context, id string) {
	e.mu.Lock()
	e.starts = append(e.starts, id)
	e.mu.Unlock()
}

func (e *eventLog) OnBuildEnd(context.Context, string, Result, error) {}

func (e *eventLog) OnBuildLog(_ context.Context, _ string, l Log) {
	e.mu.Lock()
	e.logs = append(e.logs, l)
	e.mu.Unlock()
}

func (e *eventLog) OnToken(_ context.Context, _ string, token string) {
	e.mu.Lock()
	e.tokens = append(e.tokens, token)
	e.mu.Unlock()
}
