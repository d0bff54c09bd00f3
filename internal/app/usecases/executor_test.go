package usecases

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	memcache "github.com/flowgraph/dataflow/internal/adapters/cache/memory"
	flowmem "github.com/flowgraph/dataflow/internal/adapters/repository/memory"
	"github.com/flowgraph/dataflow/internal/app/dto"
	"github.com/flowgraph/dataflow/internal/components"
	"github.com/flowgraph/dataflow/internal/core/events"
	"github.com/flowgraph/dataflow/internal/core/flow"
	"github.com/flowgraph/dataflow/internal/core/graph"
	"github.com/flowgraph/dataflow/pkg/validation"
)

type payloadBuilder struct {
	p graph.Payload
}

func (b *payloadBuilder) node(id, nodeType string, params map[string]any) *payloadBuilder {
	template := make(map[string]any, len(params))
	for k, v := range params {
		template[k] = map[string]any{"value": v}
	}
	b.p.Nodes = append(b.p.Nodes, graph.Node{
		ID:   id,
		Data: graph.NodeData{ID: id, Type: nodeType, Node: graph.NodeBody{Template: template}},
	})
	return b
}

func (b *payloadBuilder) edge(source, output, target, field string) *payloadBuilder {
	b.p.Edges = append(b.p.Edges, graph.EdgeData{
		Source: source,
		Target: target,
		Data: graph.EdgeHandles{
			SourceHandle: graph.SourceHandle{ID: source, Name: output},
			TargetHandle: graph.TargetHandle{ID: target, FieldName: field},
		},
	})
	return b
}

func chatPayload() *graph.Payload {
	b := (&payloadBuilder{}).
		node("In", components.TypeChatInput, nil).
		node("P", components.TypePrompt, map[string]any{"template": "Answer {question}"}).
		node("Out", components.TypeChatOutput, nil).
		edge("In", "message", "P", "question").
		edge("P", "prompt", "Out", "input_value")
	return &b.p
}

func stepIDs(steps []dto.StepResult) []string {
	ids := make([]string, len(steps))
	for i, s := range steps {
		ids[i] = s.VertexID
	}
	return ids
}

func TestDefaultFlowExecutor_Execute(t *testing.T) {
	ctx := context.Background()
	exec := NewDefaultFlowExecutor(Options{Resolver: components.NewRegistry(components.Deps{})})

	resp, err := exec.Execute(ctx, &dto.ExecutionRequest{
		Payload: chatPayload(),
		Inputs:  map[string]any{"input_value": "why"},
	})
	require.NoError(t, err)

	assert.Equal(t, dto.ExecutionStatusCompleted, resp.Status)
	assert.NotEmpty(t, resp.ExecutionID)
	assert.NotEmpty(t, resp.RunID)
	assert.Equal(t, []string{"In", "P", "Out"}, stepIDs(resp.Steps))
	assert.Equal(t, 1, resp.Steps[0].StepNumber)
	assert.Equal(t, components.TypePrompt, resp.Steps[1].VertexType)
	assert.Equal(t, dto.StepStatusCompleted, resp.Steps[2].Status)
	assert.Equal(t, map[string]map[string]any{"Out": {"message": "Answer why"}}, resp.Outputs)
	assert.Empty(t, exec.Running())
}

func TestDefaultFlowExecutor_StoredFlow(t *testing.T) {
	ctx := context.Background()
	repo := flowmem.NewFlowRepository(nil)
	require.NoError(t, repo.Save(ctx, &flow.Flow{ID: "chat", Payload: *chatPayload()}))

	exec := NewDefaultFlowExecutor(Options{Resolver: components.NewRegistry(components.Deps{}), Flows: repo})

	resp, err := exec.Execute(ctx, &dto.ExecutionRequest{FlowID: "chat", Inputs: map[string]any{"input_value": "how"}})
	require.NoError(t, err)
	assert.Equal(t, "chat", resp.FlowID)
	assert.Equal(t, "Answer how", resp.Outputs["Out"]["message"])

	_, err = exec.Execute(ctx, &dto.ExecutionRequest{FlowID: "missing"})
	assert.ErrorIs(t, err, flow.ErrFlowNotFound)
}

func TestDefaultFlowExecutor_RequestErrors(t *testing.T) {
	reg := components.NewRegistry(components.Deps{})
	cyclic := (&payloadBuilder{}).
		node("A", components.TypeConcat, nil).
		node("B", components.TypeConcat, nil).
		edge("A", "text", "B", "inputs").
		edge("B", "text", "A", "inputs")
	unknown := (&payloadBuilder{}).node("X", "Teleport", nil)

	tests := []struct {
		name    string
		opts    Options
		req     *dto.ExecutionRequest
		wantErr error
	}{
		{
			name:    "no flow",
			opts:    Options{Resolver: reg},
			req:     &dto.ExecutionRequest{},
			wantErr: dto.ErrMissingFlow,
		},
		{
			name:    "flow id without repository",
			opts:    Options{Resolver: reg},
			req:     &dto.ExecutionRequest{FlowID: "chat"},
			wantErr: dto.ErrMissingFlow,
		},
		{
			name:    "start and stop",
			opts:    Options{Resolver: reg},
			req:     &dto.ExecutionRequest{Payload: chatPayload(), Config: dto.ExecutionConfig{StartVertexID: "In", StopVertexID: "Out"}},
			wantErr: dto.ErrInvalidConfig,
		},
		{
			name:    "no resolver",
			req:     &dto.ExecutionRequest{Payload: chatPayload()},
			wantErr: dto.ErrInvalidConfig,
		},
		{
			name:    "unbounded cycle",
			opts:    Options{Resolver: reg},
			req:     &dto.ExecutionRequest{Payload: &cyclic.p, Config: dto.ExecutionConfig{ValidateFlow: true}},
			wantErr: validation.ErrUnboundedCycle,
		},
		{
			name:    "cycle without bound at run time",
			opts:    Options{Resolver: reg},
			req:     &dto.ExecutionRequest{Payload: &cyclic.p},
			wantErr: graph.ErrMaxIterationsRequired,
		},
		{
			name:    "unknown component at build time",
			opts:    Options{Resolver: reg},
			req:     &dto.ExecutionRequest{Payload: &unknown.p},
			wantErr: components.ErrUnknownComponent,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDefaultFlowExecutor(tt.opts).Execute(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	t.Run("unknown component at validation", func(t *testing.T) {
		_, err := NewDefaultFlowExecutor(Options{Resolver: reg}).Execute(context.Background(),
			&dto.ExecutionRequest{Payload: &unknown.p, Config: dto.ExecutionConfig{ValidateFlow: true}})
		var verrs validation.ValidationErrors
		require.ErrorAs(t, err, &verrs)
		assert.Equal(t, "nodes[0].type", verrs[0].Field)
	})
}

func TestDefaultFlowExecutor_Stream(t *testing.T) {
	collector := events.NewCollector()
	exec := NewDefaultFlowExecutor(Options{
		Resolver:      components.NewRegistry(components.Deps{}),
		EventHandlers: func(string) []events.Handler { return []events.Handler{collector} },
	})

	var seen []string
	resp, err := exec.Stream(context.Background(), &dto.ExecutionRequest{
		Payload: chatPayload(),
		Inputs:  map[string]any{"input_value": "what"},
	}, func(step dto.StepResult) error {
		seen = append(seen, step.VertexID)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"In", "P", "Out"}, seen)
	assert.Equal(t, seen, stepIDs(resp.Steps))
	assert.Equal(t, 1, resp.Steps[0].Iteration)
	assert.Equal(t, "Answer what", resp.Outputs["Out"]["message"])
	assert.Equal(t, 1, collector.Builds("Out"))
}

func TestDefaultFlowExecutor_StreamCallbackStops(t *testing.T) {
	exec := NewDefaultFlowExecutor(Options{Resolver: components.NewRegistry(components.Deps{})})
	stop := errors.New("enough")

	resp, err := exec.Stream(context.Background(), &dto.ExecutionRequest{Payload: chatPayload()},
		func(dto.StepResult) error { return stop })

	assert.ErrorIs(t, err, dto.ErrStreamingCancelled)
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, dto.ExecutionStatusFailed, resp.Status)
	assert.Equal(t, []string{"In"}, stepIDs(resp.Steps))
}

// blockingRegistry adds a "Block" component that waits for cancellation.
func blockingRegistry(started chan<- struct{}) *components.Registry {
	reg := components.NewRegistry(components.Deps{})
	var once sync.Once
	reg.Register("Block", graph.BuildFunc(func(ctx context.Context, _ *graph.BuildRequest) (graph.Result, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return graph.Result{}, ctx.Err()
	}))
	return reg
}

func TestDefaultFlowExecutor_Stop(t *testing.T) {
	started := make(chan struct{})
	exec := NewDefaultFlowExecutor(Options{Resolver: blockingRegistry(started)})
	b := (&payloadBuilder{}).
		node("In", components.TypeTextInput, map[string]any{"input_value": "x"}).
		node("Wait", "Block", nil).
		edge("In", "text", "Wait", "input_value")

	type outcome struct {
		resp *dto.ExecutionResponse
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := exec.Execute(context.Background(), &dto.ExecutionRequest{Payload: &b.p})
		done <- outcome{resp, err}
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("Block never started")
	}
	running := exec.Running()
	require.Len(t, running, 1)

	status, err := exec.GetStatus(context.Background(), running[0])
	require.NoError(t, err)
	assert.Equal(t, dto.ExecutionStatusRunning, status.Status)

	require.NoError(t, exec.Stop(context.Background(), running[0]))
	out := <-done
	assert.ErrorIs(t, out.err, context.Canceled)
	assert.Equal(t, dto.ExecutionStatusStopped, out.resp.Status)

	assert.ErrorIs(t, exec.Stop(context.Background(), running[0]), dto.ErrExecutionNotFound)
	_, err = exec.GetStatus(context.Background(), running[0])
	assert.ErrorIs(t, err, dto.ErrExecutionNotFound)
}

func TestDefaultFlowExecutor_Timeout(t *testing.T) {
	exec := NewDefaultFlowExecutor(Options{Resolver: blockingRegistry(make(chan struct{}))})
	b := (&payloadBuilder{}).node("Wait", "Block", nil)

	resp, err := exec.Execute(context.Background(), &dto.ExecutionRequest{
		Payload: &b.p,
		Config:  dto.ExecutionConfig{Timeout: 20 * time.Millisecond},
	})
	assert.ErrorIs(t, err, dto.ErrExecutionTimeout)
	assert.Equal(t, dto.ExecutionStatusFailed, resp.Status)
}

func TestDefaultFlowExecutor_Resume(t *testing.T) {
	ctx := context.Background()
	store := memcache.New(memcache.Config{})
	defer store.Close()

	var calls atomic.Int32
	reg := components.NewRegistry(components.Deps{})
	reg.Register("Flaky", graph.BuildFunc(func(_ context.Context, req *graph.BuildRequest) (graph.Result, error) {
		if calls.Add(1) == 1 {
			return graph.Result{}, errors.New("transient")
		}
		return graph.Result{Outputs: map[string]any{"text": req.String("input_value")}}, nil
	}))
	exec := NewDefaultFlowExecutor(Options{Resolver: reg, Cache: store, PersistSnapshots: true})

	b := (&payloadBuilder{}).
		node("In", components.TypeTextInput, nil).
		node("F", "Flaky", nil).
		node("Out", components.TypeTextOutput, nil).
		edge("In", "text", "F", "input_value").
		edge("F", "text", "Out", "input_value")

	resp, err := exec.Execute(ctx, &dto.ExecutionRequest{
		FlowID:  "flaky",
		Payload: &b.p,
		Inputs:  map[string]any{"input_value": "again"},
	})
	require.Error(t, err)
	assert.Equal(t, dto.ExecutionStatusFailed, resp.Status)
	assert.Equal(t, []string{"In"}, stepIDs(resp.Steps))

	resumed, err := exec.Resume(ctx, "flaky", nil)
	require.NoError(t, err)
	assert.Equal(t, dto.ExecutionStatusCompleted, resumed.Status)
	assert.Equal(t, []string{"F", "Out"}, stepIDs(resumed.Steps))
	assert.Equal(t, resp.RunID, resumed.RunID)
	assert.Equal(t, "again", resumed.Outputs["Out"]["text"])

	_, err = exec.Resume(ctx, "never-ran", nil)
	assert.ErrorIs(t, err, dto.ErrNothingToResume)

	_, err = NewDefaultFlowExecutor(Options{Resolver: reg}).Resume(ctx, "flaky", nil)
	assert.ErrorIs(t, err, dto.ErrInvalidConfig)
}
