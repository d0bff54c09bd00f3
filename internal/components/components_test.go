package components

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgraph/dataflow/internal/adapters/cache/memory"
	"github.com/flowgraph/dataflow/internal/core/graph"
)

func TestChatPipeline(t *testing.T) {
	g := (&flow{}).
		node("In", TypeChatInput, nil).
		node("P", TypePrompt, map[string]any{"template": "Answer {question} in {lang}. {{literal}}", "lang": "Go"}).
		node("Out", TypeChatOutput, nil).
		edge("In", "message", "P", "question").
		edge("P", "prompt", "Out", "input_value").
		build(t, NewRegistry(Deps{}))

	res := run(t, g, graph.RunOptions{Inputs: map[string]any{"input_value": "why"}})

	assert.Equal(t, "why", res["In"].Outputs["message"])
	assert.Equal(t, "User", res["In"].Artifacts["sender"])
	assert.Equal(t, "Answer why in Go. {literal}", res["Out"].Outputs["message"])
	assert.Equal(t, "Machine", res["Out"].Artifacts["sender"])
}

func TestTextInput_FallsBackToParam(t *testing.T) {
	g := (&flow{}).
		node("In", TypeTextInput, map[string]any{"input_value": "static"}).
		node("Out", TypeTextOutput, nil).
		edge("In", "text", "Out", "input_value").
		build(t, NewRegistry(Deps{}))

	res := run(t, g, graph.RunOptions{})
	assert.Equal(t, "static", res["Out"].Outputs["text"])
	assert.Nil(t, res["Out"].Artifacts)
}

func TestPrompt_MissingVariable(t *testing.T) {
	tests := []struct {
		name    string
		params  map[string]any
		wantErr error
	}{
		{"no template", map[string]any{}, ErrMissingParam},
		{"unset variable", map[string]any{"template": "hi {who}"}, ErrMissingVariable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := request(t, TypePrompt, tt.params)
			_, err := buildPrompt(context.Background(), req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestConcat_CollectsEveryEdge(t *testing.T) {
	g := (&flow{}).
		node("A", TypeTextInput, map[string]any{"input_value": "a"}).
		node("B", TypeTextInput, map[string]any{"input_value": "b"}).
		node("C", TypeConcat, map[string]any{"separator": "+"}).
		edge("A", "text", "C", "inputs").
		edge("B", "text", "C", "inputs").
		build(t, NewRegistry(Deps{}))

	res := run(t, g, graph.RunOptions{})
	assert.Equal(t, "a+b", res["C"].Outputs["text"])
}

func TestCompare(t *testing.T) {
	tests := []struct {
		text, match, op string
		caseSensitive   bool
		want            bool
		wantErr         bool
	}{
		{"Hello", "hello", "equals", false, true, false},
		{"Hello", "hello", "equals", true, false, false},
		{"Hello", "world", "not_equals", false, true, false},
		{"Hello world", "O W", "contains", false, true, false},
		{"Hello", "he", "starts_with", false, true, false},
		{"Hello", "LO", "ends_with", false, true, false},
		{"order-42", `^order-\d+$`, "regex", false, true, false},
		{"x", "(", "regex", false, false, true},
		{"x", "x", "between", false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.op+"/"+tt.text, func(t *testing.T) {
			got, err := compare(tt.text, tt.match, tt.op, tt.caseSensitive)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func routedFlow(t *testing.T) *graph.Graph {
	return (&flow{}).
		node("In", TypeChatInput, nil).
		node("R", TypeConditionalRouter, map[string]any{"match_text": "yes", "operator": "equals"}).
		node("Yes", TypeChatOutput, nil).
		node("No", TypeChatOutput, nil).
		edge("In", "message", "R", "input_text").
		edge("R", OutputTrue, "Yes", "input_value").
		edge("R", OutputFalse, "No", "input_value").
		build(t, NewRegistry(Deps{}))
}

func TestConditionalRouter_TakesOneBranch(t *testing.T) {
	tests := []struct {
		input    string
		built    string
		excluded string
	}{
		{"yes", "Yes", "No"},
		{"nope", "No", "Yes"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			g := routedFlow(t)
			results, err := g.Process(context.Background(), graph.RunOptions{Inputs: map[string]any{"input_value": tt.input}})
			require.NoError(t, err)

			ids := builtIDs(results)
			assert.Contains(t, ids, tt.built)
			assert.NotContains(t, ids, tt.excluded)
			assert.Equal(t, []string{tt.excluded}, g.ExcludedVertices())
		})
	}
}

func TestConditionalRouter_DecisionChangesBetweenRuns(t *testing.T) {
	g := routedFlow(t)

	_, err := g.Process(context.Background(), graph.RunOptions{Inputs: map[string]any{"input_value": "yes"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"No"}, g.ExcludedVertices())

	results, err := g.Process(context.Background(), graph.RunOptions{Inputs: map[string]any{"input_value": "no"}})
	require.NoError(t, err)
	assert.Contains(t, builtIDs(results), "No")
	assert.Equal(t, []string{"Yes"}, g.ExcludedVertices())
}

func loopFlow(t *testing.T, data any) *graph.Graph {
	return loopPayload(data).build(t, NewRegistry(Deps{}))
}

func loopPayload(data any) *flow {
	return (&flow{}).
		node("In", TypeTextInput, map[string]any{"input_value": "ignored"}).
		node("L", TypeLoop, map[string]any{"data": data},
			graph.Output{Name: OutputItem, AllowsLoop: true},
			graph.Output{Name: OutputDone},
		).
		node("Body", TypePrompt, map[string]any{"template": "<{x}>"}).
		node("Out", TypeTextOutput, nil).
		edge("In", "text", "L", "trigger").
		edge("L", OutputItem, "Body", "x").
		edge("Body", "prompt", "L", OutputItem).
		edge("L", OutputDone, "Out", "input_value")
}

func TestLoop_AggregatesBody(t *testing.T) {
	g := loopFlow(t, []any{"a", "b", "c"})
	require.True(t, g.IsCyclic())

	results, err := g.Process(context.Background(), graph.RunOptions{MaxIterations: 10})
	require.NoError(t, err)

	assert.Equal(t, 4, g.BuildCount("L"))
	assert.Equal(t, 3, g.BuildCount("Body"))
	out, err := g.GetVertex("Out")
	require.NoError(t, err)
	assert.Equal(t, "<a>\n<b>\n<c>", out.Result().Outputs["text"])
	assert.Equal(t, "Out", results[len(results)-1].VertexID)
}

func TestLoop_EmptyData(t *testing.T) {
	g := loopFlow(t, []any{})
	results, err := g.Process(context.Background(), graph.RunOptions{MaxIterations: 3})
	require.NoError(t, err)
	assert.NotContains(t, builtIDs(results), "Body")
	assert.Equal(t, []any{}, results[len(results)-2].Result.Outputs[OutputDone])
}

func TestLoop_BoundedByMaxIterations(t *testing.T) {
	g := loopFlow(t, []any{"a", "b", "c"})
	_, err := g.Process(context.Background(), graph.RunOptions{MaxIterations: 2})
	assert.ErrorIs(t, err, graph.ErrMaxIterationsReached)

	_, err = g.Process(context.Background(), graph.RunOptions{})
	assert.ErrorIs(t, err, graph.ErrMaxIterationsRequired)
}

func TestLoop_RestartsEachRun(t *testing.T) {
	g := loopFlow(t, "x\ny")
	for range 2 {
		_, err := g.Process(context.Background(), graph.RunOptions{MaxIterations: 5})
		require.NoError(t, err)
		out, err := g.GetVertex("Out")
		require.NoError(t, err)
		assert.Equal(t, "<x>\n<y>", out.Result().Outputs["text"])
	}
}

func TestLoop_ResumesMidway(t *testing.T) {
	ctx := context.Background()
	store := memory.New(memory.Config{})
	t.Cleanup(func() { _ = store.Close() })
	cfg := graph.Config{
		FlowID:           "loop",
		Resolver:         NewRegistry(Deps{}),
		Cache:            store,
		PersistSnapshots: true,
	}

	g, err := graph.FromPayload(loopPayload([]any{"a", "b", "c"}).payload, cfg)
	require.NoError(t, err)
	require.NoError(t, g.Prepare(graph.RunOptions{MaxIterations: 10}))

	var first []string
	for range 4 {
		res, err := g.Step(ctx)
		require.NoError(t, err)
		first = append(first, res.(*graph.VertexBuildResult).VertexID)
	}
	require.Equal(t, []string{"In", "L", "Body", "L"}, first)

	resumed, err := graph.LoadSnapshot(ctx, store, "loop", cfg)
	require.NoError(t, err)
	results, err := resumed.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"Body", "L", "Body", "L", "Out"}, builtIDs(results))
	assert.Equal(t, 3, resumed.BuildCount("Body"))
	assert.Equal(t, 4, resumed.BuildCount("L"))
	out, err := resumed.GetVertex("Out")
	require.NoError(t, err)
	assert.Equal(t, "<a>\n<b>\n<c>", out.Result().Outputs["text"])
}

func TestDecodeLoopState(t *testing.T) {
	tests := []struct {
		name   string
		in     any
		want   loopState
		wantOK bool
	}{
		{
			name:   "struct",
			in:     loopState{RunID: "r", Index: 2, Aggregated: []any{"a"}},
			want:   loopState{RunID: "r", Index: 2, Aggregated: []any{"a"}},
			wantOK: true,
		},
		{
			name:   "decoded msgpack map",
			in:     map[string]any{"run_id": "r", "index": int8(2), "aggregated": []any{"a"}},
			want:   loopState{RunID: "r", Index: 2, Aggregated: []any{"a"}},
			wantOK: true,
		},
		{
			name:   "decoded json map",
			in:     map[string]any{"run_id": "r", "index": float64(1)},
			want:   loopState{RunID: "r", Index: 1},
			wantOK: true,
		},
		{
			name: "foreign value",
			in:   "nope",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := decodeLoopState(tt.in)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNotifyListen(t *testing.T) {
	g := (&flow{}).
		node("In", TypeChatInput, nil).
		node("N", TypeNotify, map[string]any{"context_key": "answer"}).
		node("L", TypeListen, map[string]any{"context_key": "answer"}).
		node("Out", TypeChatOutput, nil).
		edge("In", "message", "N", "input_value").
		edge("L", "value", "Out", "input_value").
		build(t, NewRegistry(Deps{}))

	_, err := g.Process(context.Background(), graph.RunOptions{Inputs: map[string]any{"input_value": "42"}})
	require.NoError(t, err)

	assert.Equal(t, 2, g.BuildCount("L"))
	out, err := g.GetVertex("Out")
	require.NoError(t, err)
	assert.Equal(t, "42", out.Result().Outputs["message"])
}

func TestNotify_Append(t *testing.T) {
	req, _ := request(t, TypeNotify, map[string]any{"context_key": "log", "append": true, "input_value": "a"})
	_, err := buildNotify(context.Background(), req)
	require.NoError(t, err)
	req.Params["input_value"] = "b"
	res, err := buildNotify(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, []any{"a", "b"}, res.Outputs["value"])
	stored, _ := req.Run.Get("log")
	assert.Equal(t, []any{"a", "b"}, stored)
}

func TestStateComponents_RequireKey(t *testing.T) {
	for name, build := range map[string]graph.BuildFunc{"notify": buildNotify, "listen": buildListen} {
		t.Run(name, func(t *testing.T) {
			req, _ := request(t, name, map[string]any{})
			_, err := build(context.Background(), req)
			assert.ErrorIs(t, err, ErrMissingParam)
		})
	}
}
