package graph

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgraph/dataflow/internal/core/cache"
)

func TestProcess_Diamond(t *testing.T) {
	rec := newRecorder()
	g := diamond(t, rec)

	results, err := g.Process(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B", "C", "D"}, ids(results))
	for _, id := range []string{"A", "B", "C", "D"} {
		assert.Equal(t, 1, rec.count(id), id)
	}
	assert.Equal(t, "C", rec.paramsOf("D")["in_C"])
	assert.Equal(t, []string{"B", "C"}, results[0].NextVertexIDs)
}

func TestProcess_RunsBatchConcurrently(t *testing.T) {
	var inFlight, peak atomic.Int32
	slow := BuildFunc(func(ctx context.Context, req *BuildRequest) (Result, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return Result{Outputs: map[string]any{"out": req.Vertex.ID}}, nil
	})

	g := New(Config{})
	for _, id := range []string{"root", "a", "b", "c"} {
		require.NoError(t, g.AddVertex(NewVertex(id, "Test", slow)))
	}
	for _, id := range []string{"a", "b", "c"} {
		_, err := g.Connect("root", "out", id, "in")
		require.NoError(t, err)
	}

	_, err := g.Process(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(3), peak.Load())
}

func TestProcess_FailureCancelsBatch(t *testing.T) {
	events := &eventLog{}
	g := New(Config{Events: events})
	ok := BuildFunc(func(context.Context, *BuildRequest) (Result, error) {
		return Result{Outputs: map[string]any{"out": 1}}, nil
	})
	failing := BuildFunc(func(context.Context, *BuildRequest) (Result, error) {
		return Result{}, errors.New("model unavailable")
	})
	waiting := BuildFunc(func(ctx context.Context, _ *BuildRequest) (Result, error) {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(5 * time.Second):
			return Result{}, nil
		}
	})
	require.NoError(t, g.AddVertex(NewVertex("A", "Test", ok)))
	require.NoError(t, g.AddVertex(NewVertex("B", "Failing", failing)))
	require.NoError(t, g.AddVertex(NewVertex("C", "Waiting", waiting)))
	require.NoError(t, g.AddVertex(NewVertex("D", "Test", ok)))
	for _, e := range [][2]string{{"A", "B"}, {"A", "C"}, {"B", "D"}, {"C", "D"}} {
		_, err := g.Connect(e[0], "out", e[1], "in_"+e[0])
		require.NoError(t, err)
	}

	started := time.Now()
	results, err := g.Process(context.Background(), RunOptions{})
	require.Error(t, err)
	assert.Less(t, time.Since(started), 5*time.Second)

	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "B", be.VertexID)
	assert.Contains(t, be.Message, "model unavailable")
	assert.NotEmpty(t, be.Trace)
	assert.Equal(t, []string{"A"}, ids(results))

	v, _ := g.GetVertex("D")
	assert.False(t, v.Built())

	events.mu.Lock()
	defer events.mu.Unlock()
	require.NotEmpty(t, events.logs)
	assert.Equal(t, LogError, events.logs[0].Type)
}

func TestProcess_BuilderPanicBecomesBuildError(t *testing.T) {
	g := New(Config{})
	require.NoError(t, g.AddVertex(NewVertex("boom", "Test", BuildFunc(func(context.Context, *BuildRequest) (Result, error) {
		panic("nil template")
	}))))

	_, err := g.Process(context.Background(), RunOptions{})
	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "boom", be.VertexID)
	assert.Contains(t, be.Message, "nil template")
}

func TestProcess_NoBuilder(t *testing.T) {
	g := New(Config{})
	require.NoError(t, g.AddVertex(NewVertex("bare", "Test", nil)))

	_, err := g.Process(context.Background(), RunOptions{})
	assert.ErrorIs(t, err, ErrNoBuilder)
}

func TestProcess_CollectsParamsFromEdges(t *testing.T) {
	rec := newRecorder()
	g := buildGraph(t, Config{}, rec, []string{"A", "B", "C"}, nil)
	c, _ := g.GetVertex("C")
	c.Params["static"] = "kept"
	c.Params["items"] = "overwritten"
	_, err := g.Connect("A", "out", "C", "items")
	require.NoError(t, err)
	_, err = g.Connect("B", "out", "C", "items")
	require.NoError(t, err)

	_, err = g.Process(context.Background(), RunOptions{})
	require.NoError(t, err)

	params := rec.paramsOf("C")
	assert.Equal(t, "kept", params["static"])
	assert.Equal(t, []any{"A", "B"}, params["items"])
	assert.Equal(t, "overwritten", c.Params["items"])
}

func TestProcess_InputsReachInputVertices(t *testing.T) {
	var seen map[string]any
	g := New(Config{})
	in := NewVertex("in", "ChatInput", BuildFunc(func(_ context.Context, req *BuildRequest) (Result, error) {
		seen = req.Inputs
		return Result{Outputs: map[string]any{"message": req.Inputs["input_value"]}}, nil
	}))
	in.IsInput = true
	require.NoError(t, g.AddVertex(in))

	results, err := g.Process(context.Background(), RunOptions{Inputs: map[string]any{"input_value": "hello"}})
	require.NoError(t, err)
	assert.Equal(t, "hello", seen["input_value"])
	assert.Equal(t, "hello", results[0].Result.Outputs["message"])
}

func TestProcess_StartAndStopVertex(t *testing.T) {
	chain := []string{"A", "B", "C", "D"}
	edges := [][2]string{{"A", "B"}, {"B", "C"}, {"C", "D"}}

	tests := []struct {
		name  string
		opts  RunOptions
		built []string
	}{
		{name: "stop at C", opts: RunOptions{StopVertexID: "C"}, built: []string{"A", "B", "C"}},
		{name: "start at B", opts: RunOptions{StartVertexID: "B"}, built: []string{"B", "C", "D"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newRecorder()
			g := buildGraph(t, Config{}, rec, chain, edges)
			results, err := g.Process(context.Background(), tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.built, ids(results))
		})
	}
}

func TestProcess_StopVertexSkipsOtherBranches(t *testing.T) {
	rec := newRecorder()
	g := buildGraph(t, Config{}, rec, []string{"A", "B", "C", "S"},
		[][2]string{{"A", "B"}, {"A", "S"}, {"B", "C"}, {"S", "C"}})

	results, err := g.Process(context.Background(), RunOptions{StopVertexID: "S"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "S"}, ids(results))
	assert.Zero(t, rec.count("B"))
}

func TestProcess_CycleRequiresMaxIterations(t *testing.T) {
	rec := newRecorder()
	g := buildGraph(t, Config{}, rec, []string{"A", "B"}, [][2]string{{"A", "B"}, {"B", "A"}})

	_, err := g.Process(context.Background(), RunOptions{})
	assert.ErrorIs(t, err, ErrMaxIterationsRequired)
	assert.Zero(t, rec.count("A"))

	for _, err := range g.Iterate(context.Background(), RunOptions{}) {
		assert.ErrorIs(t, err, ErrMaxIterationsRequired)
	}
}

func TestProcess_CycleIsBounded(t *testing.T) {
	rec := newRecorder()
	g := buildGraph(t, Config{}, rec, []string{"A", "B"}, [][2]string{{"A", "B"}, {"B", "A"}})

	results, err := g.Process(context.Background(), RunOptions{MaxIterations: 3})
	assert.ErrorIs(t, err, ErrMaxIterationsReached)
	assert.Equal(t, []string{"A", "B", "A", "B", "A", "B"}, ids(results))
	assert.Equal(t, 3, rec.count("A"))
	assert.Equal(t, 3, rec.count("B"))
}

func TestStart_CycleIsBounded(t *testing.T) {
	rec := newRecorder()
	g := buildGraph(t, Config{}, rec, []string{"A", "B"}, [][2]string{{"A", "B"}, {"B", "A"}})

	results, err := g.Start(context.Background(), RunOptions{MaxIterations: 3}).Collect()
	assert.ErrorIs(t, err, ErrMaxIterationsReached)
	require.Len(t, results, 6)
	for i, r := range results {
		assert.Equal(t, i/2+1, r.Iteration, r.VertexID)
	}
	assert.LessOrEqual(t, g.BuildCount("A"), 3)
	assert.LessOrEqual(t, g.BuildCount("B"), 3)
}

func TestIterate(t *testing.T) {
	rec := newRecorder()
	g := diamond(t, rec)

	var order []string
	var finished bool
	for res, err := range g.Iterate(context.Background(), RunOptions{}) {
		require.NoError(t, err)
		switch r := res.(type) {
		case *VertexBuildResult:
			order = append(order, r.VertexID)
		case Finish:
			finished = true
		}
	}

	assert.True(t, finished)
	assert.Equal(t, []string{"A", "B", "C", "D"}, order)
}

func TestIterate_EarlyBreak(t *testing.T) {
	rec := newRecorder()
	g := diamond(t, rec)

	for res := range g.Iterate(context.Background(), RunOptions{}) {
		assert.Equal(t, "A", res.(*VertexBuildResult).VertexID)
		break
	}
	assert.Equal(t, 1, rec.count("A"))
	assert.Zero(t, rec.count("B"))
}

func TestStep_RequiresPrepare(t *testing.T) {
	g := diamond(t, newRecorder())
	_, err := g.Step(context.Background())
	assert.ErrorIs(t, err, ErrNotPrepared)
	_, err = g.Run(context.Background())
	assert.ErrorIs(t, err, ErrNotPrepared)
}

func TestStep_FinishWhenDrained(t *testing.T) {
	g := buildGraph(t, Config{}, newRecorder(), []string{"only"}, nil)
	require.NoError(t, g.Prepare(RunOptions{}))

	res, err := g.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "only", res.(*VertexBuildResult).VertexID)

	res, err = g.Step(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Finish{}, res)
}

func TestStream_Stop(t *testing.T) {
	rec := newRecorder()
	g := buildGraph(t, Config{StreamBuffer: 1}, rec, []string{"A", "B"}, [][2]string{{"A", "B"}, {"B", "A"}})

	s := g.Start(context.Background(), RunOptions{MaxIterations: 1000})
	item := <-s.Results()
	require.NoError(t, item.Err)
	s.Stop()

	_, open := <-s.Results()
	assert.False(t, open)
	assert.Less(t, rec.count("A"), 1000)
}

func TestStream_ContextCancel(t *testing.T) {
	g := buildGraph(t, Config{}, newRecorder(), []string{"A", "B"}, [][2]string{{"A", "B"}, {"B", "A"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.Start(ctx, RunOptions{MaxIterations: 5}).Collect()
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
}

func TestProcess_FrozenVerticesUseCache(t *testing.T) {
	store := newMapCache()
	newFlow := func(t *testing.T, rec *recorder) *Graph {
		g := buildGraph(t, Config{FlowID: "flow-1", Cache: store}, rec,
			[]string{"A", "B", "L"}, [][2]string{{"A", "B"}, {"B", "L"}})
		for _, v := range g.Vertices() {
			v.Frozen = true
		}
		l, _ := g.GetVertex("L")
		l.IsLoop = true
		return g
	}

	rec := newRecorder()
	g := newFlow(t, rec)
	_, err := g.Process(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.True(t, store.has(cache.VertexKey("flow-1", "A")))
	assert.False(t, store.has(cache.VertexKey("flow-1", "L")))

	t.Run("same graph keeps built results", func(t *testing.T) {
		results, err := g.Process(context.Background(), RunOptions{})
		require.NoError(t, err)
		assert.Equal(t, 1, rec.count("A"))
		assert.Equal(t, 1, rec.count("B"))
		assert.Equal(t, 2, rec.count("L"))
		assert.True(t, results[0].CacheHit)
	})

	t.Run("fresh graph restores from cache", func(t *testing.T) {
		warm := newRecorder()
		g2 := newFlow(t, warm)
		results, err := g2.Process(context.Background(), RunOptions{})
		require.NoError(t, err)

		assert.Zero(t, warm.count("A"))
		assert.Zero(t, warm.count("B"))
		assert.Equal(t, 1, warm.count("L"))
		assert.Equal(t, []string{"A", "B", "L"}, ids(results))
		assert.True(t, results[1].CacheHit)
		assert.Equal(t, "B", results[1].Result.Outputs["out"])
		assert.Equal(t, "B", warm.paramsOf("L")["in_B"])
	})
}

func TestProcess_CycleEdgeTargetsAreNotCached(t *testing.T) {
	store := newMapCache()
	g := buildGraph(t, Config{FlowID: "f", Cache: store}, newRecorder(),
		[]string{"In", "A", "B"}, [][2]string{{"In", "A"}, {"A", "B"}, {"B", "A"}})

	_, err := g.Process(context.Background(), RunOptions{MaxIterations: 2})
	assert.ErrorIs(t, err, ErrMaxIterationsReached)
	assert.True(t, store.has(cache.VertexKey("f", "In")))
	assert.False(t, store.has(cache.VertexKey("f", "A")))
	assert.False(t, store.has(cache.VertexKey("f", "B")))
}

type failingTracer struct {
	noopTracer
	vertices atomic.Int32
}

func (f *failingTracer) StartTracers(context.Context, TraceRun) error {
	return errors.New("collector unreachable")
}

func (f *failingTracer) StartVertex(ctx context.Context, _, _ string) (context.Context, func(error)) {
	f.vertices.Add(1)
	return ctx, func(error) {}
}

func TestProcess_TracerFailureDoesNotFailRun(t *testing.T) {
	tracer := &failingTracer{}
	g := buildGraph(t, Config{Tracer: tracer}, newRecorder(), []string{"A", "B"}, [][2]string{{"A", "B"}})

	results, err := g.Process(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Zero(t, tracer.vertices.Load())
}

func TestBuildRequest_Token(t *testing.T) {
	events := &eventLog{}
	g := New(Config{Events: events})
	require.NoError(t, g.AddVertex(NewVertex("llm", "Test", BuildFunc(func(ctx context.Context, req *BuildRequest) (Result, error) {
		for _, tok := range []string{"hel", "lo"} {
			req.Token(ctx, tok)
		}
		return Result{Outputs: map[string]any{"text": "hello"}}, nil
	}))))

	_, err := g.Process(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"hel", "lo"}, events.tokens)
	assert.Equal(t, []string{"llm"}, events.starts)
}

func TestReset(t *testing.T) {
	rec := newRecorder()
	g := diamond(t, rec)
	_, err := g.Process(context.Background(), RunOptions{})
	require.NoError(t, err)

	g.Reset()
	for _, v := range g.Vertices() {
		assert.False(t, v.Built())
	}
	_, err = g.Step(context.Background())
	assert.ErrorIs(t, err, ErrNotPrepared)
}
