package validation

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgraph/dataflow/internal/core/graph"
)

func payload(nodes []string, edges ...[2]string) graph.Payload {
	var p graph.Payload
	for _, id := range nodes {
		p.Nodes = append(p.Nodes, graph.Node{ID: id, Data: graph.NodeData{Type: "Prompt"}})
	}
	for _, e := range edges {
		p.Edges = append(p.Edges, graph.EdgeData{
			Source: e[0],
			Target: e[1],
			Data: graph.EdgeHandles{
				SourceHandle: graph.SourceHandle{Name: "out"},
				TargetHandle: graph.TargetHandle{FieldName: "in"},
			},
		})
	}
	return p
}

type types map[string]bool

func (t types) CanResolve(nodeType string) bool { return t[nodeType] }

func TestValidationErrors(t *testing.T) {
	errs := ValidationErrors{
		{Field: "name", Value: "", Message: "field is required"},
		{Field: "age", Value: -1, Message: "must be positive"},
	}

	expected := "validation error on field 'name': field is required (got: ); validation error on field 'age': must be positive (got: -1)"
	assert.Equal(t, expected, errs.Error())
	assert.Equal(t, "no validation errors", ValidationErrors{}.Error())
}

func TestValidatePayload(t *testing.T) {
	tests := []struct {
		name      string
		payload   graph.Payload
		opts      PayloadOptions
		wantField string
		wantErr   error
	}{
		{name: "valid", payload: payload([]string{"a", "b"}, [2]string{"a", "b"})},
		{name: "empty", payload: graph.Payload{}, wantField: "nodes"},
		{name: "bad id", payload: payload([]string{"a b"}), wantField: "nodes[0].id"},
		{name: "duplicate id", payload: payload([]string{"a", "a"}), wantField: "nodes[1].id"},
		{name: "missing source", payload: payload([]string{"a"}, [2]string{"x", "a"}), wantField: "edges[0].source"},
		{name: "missing target", payload: payload([]string{"a"}, [2]string{"a", "x"}), wantField: "edges[0].target"},
		{
			name:      "unknown type",
			payload:   payload([]string{"a"}),
			opts:      PayloadOptions{Types: types{"ChatInput": true}},
			wantField: "nodes[0].type",
		},
		{
			name:    "unbounded cycle",
			payload: payload([]string{"a", "b"}, [2]string{"a", "b"}, [2]string{"b", "a"}),
			wantErr: ErrUnboundedCycle,
		},
		{
			name:    "bounded cycle",
			payload: payload([]string{"a", "b"}, [2]string{"a", "b"}, [2]string{"b", "a"}),
			opts:    PayloadOptions{MaxIterations: 3},
		},
		{
			name:    "cycle allowed",
			payload: payload([]string{"a"}, [2]string{"a", "a"}),
			opts:    PayloadOptions{AllowUnboundedCycles: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePayload(tt.payload, tt.opts)
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.wantField != "":
				var errs ValidationErrors
				require.True(t, errors.As(err, &errs), "got %v", err)
				var fields []string
				for _, e := range errs {
					fields = append(fields, e.Field)
				}
				assert.Contains(t, fields, tt.wantField)
			default:
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateStruct_RunRequest(t *testing.T) {
	p := payload([]string{"a"})
	tests := []struct {
		name    string
		req     RunRequest
		wantErr bool
	}{
		{"flow id", RunRequest{FlowID: "f1"}, false},
		{"inline payload", RunRequest{Payload: &p, Mode: "stream"}, false},
		{"neither", RunRequest{}, true},
		{"bad mode", RunRequest{FlowID: "f1", Mode: "turbo"}, true},
		{"start and stop", RunRequest{FlowID: "f1", StartVertexID: "a", StopVertexID: "b"}, true},
		{"negative iterations", RunRequest{FlowID: "f1", MaxIterations: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStruct(&tt.req)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMarshalValidationErrors_RoundTrip(t *testing.T) {
	errs := ValidationErrors{{Field: "nodes[0].id", Value: "a b", Message: "bad"}}
	data, err := MarshalValidationErrors(errs)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"count":1`)

	back, err := UnmarshalValidationErrors(data)
	require.NoError(t, err)
	assert.Equal(t, "nodes[0].id", back[0].Field)
}

func TestBindJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/run", BindJSON[RunRequest](), func(c *gin.Context) {
		req, ok := Validated[RunRequest](c)
		require.True(t, ok)
		c.String(http.StatusOK, req.FlowID)
	})

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantBody string
	}{
		{"valid", `{"flow_id":"f1"}`, http.StatusOK, "f1"},
		{"invalid json", `{`, http.StatusBadRequest, "invalid JSON"},
		{"invalid fields", `{"mode":"turbo"}`, http.StatusBadRequest, `"count":2`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/run", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantBody)
		})
	}
}
