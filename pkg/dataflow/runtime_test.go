package dataflow

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgraph/dataflow/internal/config"
	"github.com/flowgraph/dataflow/internal/core/events"
	"github.com/flowgraph/dataflow/internal/infrastructure/logging"
	"github.com/flowgraph/dataflow/internal/infrastructure/metrics"
)

const chatFlow = `{
  "name": "chat",
  "data": {
    "nodes": [
      {"id": "In", "data": {"type": "ChatInput", "node": {}}},
      {"id": "P", "data": {"type": "Prompt", "node": {"template": {"template": {"value": "Say {q}"}}}}},
      {"id": "Out", "data": {"type": "ChatOutput", "node": {}}}
    ],
    "edges": [
      {"source": "In", "target": "P", "data": {"sourceHandle": {"id": "In", "name": "message"}, "targetHandle": {"id": "P", "fieldName": "q"}}},
      {"source": "P", "target": "Out", "data": {"sourceHandle": {"id": "P", "name": "prompt"}, "targetHandle": {"id": "Out", "fieldName": "input_value"}}}
    ]
  }
}`

func TestRuntime_LoadAndProcess(t *testing.T) {
	rt := NewDefault()
	defer rt.Close()

	g, err := rt.Load([]byte(chatFlow))
	require.NoError(t, err)
	assert.Equal(t, []string{"In", "P", "Out"}, g.VertexIDs())

	results, err := g.Process(context.Background(), RunOptions{Inputs: map[string]any{"input_value": "hi"}})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "Say hi", results[2].Result.Outputs["message"])
}

func TestRuntime_SavedFlow(t *testing.T) {
	ctx := context.Background()
	collector := events.NewCollector()
	m := metrics.New(false)
	rt, err := New(ctx, config.Default(),
		WithLogger(logging.Discard()),
		WithMetrics(m),
		WithEventHandlers(func(string) []events.Handler { return []events.Handler{collector} }),
	)
	require.NoError(t, err)
	defer rt.Close()

	f, err := rt.SaveFlow(ctx, "chat", []byte(chatFlow))
	require.NoError(t, err)
	assert.Equal(t, "chat", f.Name)

	resp, err := rt.Run(ctx, &ExecutionRequest{FlowID: "chat", Inputs: map[string]any{"input_value": "yes"}})
	require.NoError(t, err)
	assert.Equal(t, "Say yes", resp.Outputs["Out"]["message"])
	assert.Equal(t, 1, collector.Builds("P"))
	assert.Same(t, m, rt.Metrics())

	var steps []string
	_, err = rt.Stream(ctx, &ExecutionRequest{FlowID: "chat"}, func(s StepResult) error {
		steps = append(steps, s.VertexID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"In", "P", "Out"}, steps)

	flows, err := rt.Flows().List(ctx, FlowFilter{})
	require.NoError(t, err)
	assert.Len(t, flows, 1)
}

func TestRuntime_SQLiteBackends(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Cache = config.CacheConfig{Backend: "sqlite", DSN: filepath.Join(dir, "cache.db"), TableName: "vertex_cache"}
	cfg.Store = config.StoreConfig{Backend: "sqlite", DSN: filepath.Join(dir, "flows.db"), TableName: "flows"}
	cfg.Engine.PersistSnapshots = true

	rt, err := New(ctx, cfg, WithLogger(logging.Discard()))
	require.NoError(t, err)

	_, err = rt.SaveFlow(ctx, "chat", []byte(chatFlow))
	require.NoError(t, err)
	_, err = rt.Run(ctx, &ExecutionRequest{FlowID: "chat"})
	require.NoError(t, err)

	// the finished run was persisted, so resuming has nothing left to build
	resp, err := rt.Resume(ctx, "chat")
	require.NoError(t, err)
	assert.Empty(t, resp.Steps)
	require.NoError(t, rt.Close())

	// a fresh runtime sees the stored flow
	rt, err = New(ctx, cfg, WithLogger(logging.Discard()))
	require.NoError(t, err)
	defer rt.Close()
	got, err := rt.Flows().Get(ctx, "chat")
	require.NoError(t, err)
	assert.Len(t, got.Payload.Nodes, 3)
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"invalid config", func(c *config.Config) { c.Cache.Backend = "redis" }},
		{"bad tracing exporter", func(c *config.Config) { c.Tracing.Exporter = "jaeger" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			_, err := New(context.Background(), cfg, WithLogger(logging.Discard()))
			assert.Error(t, err)
		})
	}
}

func TestOpenCache_None(t *testing.T) {
	c, err := OpenCache(context.Background(), config.CacheConfig{Backend: "none"})
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestRuntime_Layers(t *testing.T) {
	rt := NewDefault()
	defer rt.Close()

	layers, cycle, err := rt.Layers([]byte(chatFlow), 0)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"In"}, {"P"}, {"Out"}}, layers)
	assert.Empty(t, cycle)
	assert.Nil(t, rt.TracerProvider())

	_, _, err = rt.Layers([]byte(`{"nodes": [{"id": "X", "data": {"type": "Teleport"}}]}`), 0)
	assert.Error(t, err)
}
