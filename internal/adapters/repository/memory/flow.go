// Package memory provides an in-process flow.Repository.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/flowgraph/dataflow/internal/core/flow"
	"github.com/flowgraph/dataflow/pkg/serialization"
)

// FlowRepository implements flow.Repository with a map of encoded flows.
// Flows are stored serialized so callers never share mutable payload maps
// with the repository.
type FlowRepository struct {
	mu         sync.RWMutex
	flows      map[string][]byte
	serializer *serialization.Serializer
	now        func() time.Time
}

// NewFlowRepository creates an empty repository. A nil serializer selects
// serialization.Default.
func NewFlowRepository(serializer *serialization.Serializer) *FlowRepository {
	if serializer == nil {
		serializer = serialization.Default()
	}
	return &FlowRepository{
		flows:      make(map[string][]byte),
		serializer: serializer,
		now:        time.Now,
	}
}

// Save validates, stamps and stores f.
func (r *FlowRepository) Save(_ context.Context, f *flow.Flow) error {
	if f == nil {
		return flow.ErrInvalidFlowID
	}
	if err := f.Validate(); err != nil {
		return fmt.Errorf("flow validation failed: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.flows[f.ID]; ok && f.CreatedAt.IsZero() {
		var old flow.Flow
		if err := r.serializer.Unmarshal(prev, &old); err == nil {
			f.CreatedAt = old.CreatedAt
		}
	}
	f.Touch(r.now())

	data, err := r.serializer.Marshal(f)
	if err != nil {
		return fmt.Errorf("flow serialization failed: %w", err)
	}
	r.flows[f.ID] = data
	return nil
}

// Get returns a copy of the stored flow.
func (r *FlowRepository) Get(_ context.Context, id string) (*flow.Flow, error) {
	r.mu.RLock()
	data, ok := r.flows[id]
	r.mu.RUnlock()
	if !ok {
		return nil, flow.ErrFlowNotFound
	}
	return r.decode(data)
}

// List returns matching flows, most recently updated first.
func (r *FlowRepository) List(_ context.Context, filter flow.Filter) ([]*flow.Flow, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	all := make([]*flow.Flow, 0, len(r.flows))
	for _, data := range r.flows {
		f, err := r.decode(data)
		if err != nil {
			r.mu.RUnlock()
			return nil, err
		}
		if filter.Matches(f) {
			all = append(all, f)
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(all, func(a, b *flow.Flow) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return filter.Page(all), nil
}

// Delete removes a flow.
func (r *FlowRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.flows[id]; !ok {
		return flow.ErrFlowNotFound
	}
	delete(r.flows, id)
	return nil
}

// Len returns the number of stored flows.
func (r *FlowRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.flows)
}

func (r *FlowRepository) decode(data []byte) (*flow.Flow, error) {
	var f flow.Flow
	if err := r.serializer.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("flow deserialization failed: %w", err)
	}
	return &f, nil
}
