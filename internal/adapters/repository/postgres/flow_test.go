package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowgraph/dataflow/internal/core/flow"
	"github.com/flowgraph/dataflow/internal/core/graph"
)

func testFlow(id string, tags ...string) *flow.Flow {
	return &flow.Flow{
		ID:   id,
		Name: id,
		Tags: tags,
		Payload: graph.Payload{
			Nodes: []graph.Node{{ID: "in", Data: graph.NodeData{Type: "TextInput"}}},
		},
	}
}

func TestFlowRepository(t *testing.T) {
	dsn := os.Getenv("DATAFLOW_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("DATAFLOW_TEST_PG_DSN not set")
	}
	ctx := context.Background()

	r, err := Connect(ctx, dsn, nil)
	require.NoError(t, err)
	defer r.Close()
	r.WithTableName("flows_test")
	require.NoError(t, r.CreateTables(ctx))
	for _, id := range []string{"pg-a", "pg-b"} {
		_ = r.Delete(ctx, id)
	}

	require.NoError(t, r.Save(ctx, testFlow("pg-a", "pg-test")))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, r.Save(ctx, testFlow("pg-b", "pg-test", "second")))

	got, err := r.Get(ctx, "pg-a")
	require.NoError(t, err)
	assert.Equal(t, []string{"pg-test"}, got.Tags)
	assert.Len(t, got.Payload.Nodes, 1)

	flows, err := r.List(ctx, flow.Filter{Tags: []string{"pg-test"}})
	require.NoError(t, err)
	require.Len(t, flows, 2)
	assert.Equal(t, "pg-b", flows[0].ID)

	flows, err = r.List(ctx, flow.Filter{Tags: []string{"second"}, Limit: 5})
	require.NoError(t, err)
	require.Len(t, flows, 1)

	require.NoError(t, r.Delete(ctx, "pg-a"))
	_, err = r.Get(ctx, "pg-a")
	assert.ErrorIs(t, err, flow.ErrFlowNotFound)
	require.NoError(t, r.Delete(ctx, "pg-b"))
}

func TestFlowRepository_BuildListQuery(t *testing.T) {
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewFlowRepository(nil, nil)

	tests := []struct {
		name     string
		filter   flow.Filter
		wantSQL  string
		wantArgs int
	}{
		{
			name:    "no filter",
			wantSQL: "SELECT " + columns + " FROM flows WHERE 1=1 ORDER BY updated_at DESC, id ASC",
		},
		{
			name:     "tags and paging",
			filter:   flow.Filter{Tags: []string{"prod"}, Limit: 10, Offset: 20},
			wantSQL:  "SELECT " + columns + " FROM flows WHERE 1=1 AND tags @> $1 ORDER BY updated_at DESC, id ASC LIMIT $2 OFFSET $3",
			wantArgs: 3,
		},
		{
			name:     "since",
			filter:   flow.Filter{Since: &since},
			wantSQL:  "SELECT " + columns + " FROM flows WHERE 1=1 AND updated_at >= $1 ORDER BY updated_at DESC, id ASC",
			wantArgs: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args := r.buildListQuery(tt.filter)
			assert.Equal(t, tt.wantSQL, query)
			assert.Len(t, args, tt.wantArgs)
		})
	}
}

func TestFlowRepository_Errors(t *testing.T) {
	ctx := context.Background()
	r := NewFlowRepository(nil, nil)

	_, err := r.Get(ctx, "")
	assert.ErrorIs(t, err, flow.ErrInvalidFlowID)
	assert.ErrorIs(t, r.Delete(ctx, ""), flow.ErrInvalidFlowID)
	assert.ErrorIs(t, r.Save(ctx, &flow.Flow{ID: "x"}), flow.ErrEmptyPayload)
	_, err = r.List(ctx, flow.Filter{Limit: -1})
	assert.ErrorIs(t, err, flow.ErrInvalidLimit)
	r.Close()
}
