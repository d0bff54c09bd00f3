package events

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgraph/dataflow/internal/core/graph"
)

func TestManager_DispatchesInOrder(t *testing.T) {
	ctx := context.Background()
	m := New("run-1", 0)
	collector := NewCollector()
	m.AddHandler(collector)
	m.Start()

	m.OnBuildStart(ctx, "llm")
	m.OnToken(ctx, "llm", "hel")
	m.OnToken(ctx, "llm", "lo")
	m.OnBuildEnd(ctx, "llm", graph.Result{Outputs: map[string]any{"text": "hello"}}, nil)
	m.Stop()

	got := collector.Events()
	require.Len(t, got, 4)
	types := make([]Type, 0, len(got))
	for _, e := range got {
		types = append(types, e.Type)
		assert.Equal(t, "run-1", e.RunID)
		assert.False(t, e.Timestamp.IsZero())
	}
	assert.Equal(t, []Type{TypeBuildStart, TypeToken, TypeToken, TypeBuildEnd}, types)
	assert.Equal(t, []string{"hel", "lo"}, collector.Tokens("llm"))
	assert.Equal(t, 1, collector.Builds("llm"))
	assert.Equal(t, map[string]any{"text": "hello"}, got[3].Data)
}

func TestManager_BuildFailure(t *testing.T) {
	m := New("run-1", 4)
	collector := NewCollector()
	m.AddHandler(collector)
	m.Start()

	m.OnBuildLog(context.Background(), "v", graph.Log{Name: "v", Message: "boom", Type: graph.LogError})
	m.OnBuildEnd(context.Background(), "v", graph.Result{}, errors.New("boom"))
	m.Stop()

	got := collector.Events()
	require.Len(t, got, 2)
	assert.Equal(t, TypeLog, got[0].Type)
	assert.Equal(t, "boom", got[1].Error)
	assert.Nil(t, got[1].Data)
}

func TestManager_DropsWhenFull(t *testing.T) {
	m := New("run", 1)
	collector := NewCollector()
	m.AddHandler(collector)

	for range 3 {
		m.Emit(Event{Type: TypeBuildStart, VertexID: "a"})
	}
	assert.Equal(t, int64(2), m.Dropped())

	m.Start()
	m.Stop()
	assert.Len(t, collector.Events(), 1)

	m.Emit(Event{Type: TypeBuildStart})
	assert.Equal(t, int64(3), m.Dropped())
}

func TestManager_StopWithoutStart(t *testing.T) {
	m := New("run", 1)
	m.Stop()
	m.Stop()
	m.Start()
	m.Emit(Event{Type: TypeToken})
	assert.Equal(t, int64(1), m.Dropped())
}

func TestManager_CountsHandlerErrors(t *testing.T) {
	m := New("run", 0)
	m.AddHandler(HandlerFunc(func(Event) error { return errors.New("sink down") }))
	m.Start()
	m.Emit(Event{Type: TypeLog})
	m.Emit(Event{Type: TypeLog})
	m.Stop()
	assert.Equal(t, int64(2), m.HandlerErrors())
}

func TestCallbackHandler(t *testing.T) {
	h := NewCallbackHandler()
	var seen []string
	h.On(TypeToken, func(e Event) error {
		seen = append(seen, e.Data.(string))
		return nil
	})

	require.NoError(t, h.HandleEvent(Event{Type: TypeToken, Data: "a"}))
	require.NoError(t, h.HandleEvent(Event{Type: TypeBuildStart}))
	assert.Equal(t, []string{"a"}, seen)
}

func TestLogHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetLevel(logrus.DebugLevel)
	logger.SetFormatter(&logrus.JSONFormatter{})
	h := &LogHandler{Logger: logger}

	tests := []struct {
		name  string
		event Event
		want  string
	}{
		{name: "start", event: Event{Type: TypeBuildStart, VertexID: "a"}, want: `"vertex_id":"a"`},
		{name: "failure", event: Event{Type: TypeBuildEnd, VertexID: "b", Error: "boom"}, want: `"level":"error"`},
		{name: "token below level", event: Event{Type: TypeToken, VertexID: "c", Data: "x"}, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			require.NoError(t, h.HandleEvent(tt.event))
			if tt.want == "" {
				assert.Empty(t, buf.String())
				return
			}
			assert.Contains(t, buf.String(), tt.want)
		})
	}
}
