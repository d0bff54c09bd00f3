// Package events fans graph build notifications out to handlers on a
// dedicated goroutine.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowgraph/dataflow/internal/core/graph"
)

// Type names an event kind.
type Type string

const (
	TypeBuildStart Type = "build_start"
	TypeBuildEnd   Type = "build_end"
	TypeLog        Type = "log"
	TypeToken      Type = "token"
)

// Event is one notification emitted while a graph runs.
type Event struct {
	Type      Type      `json:"type"`
	VertexID  string    `json:"vertex_id"`
	RunID     string    `json:"run_id,omitempty"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler processes events. Handlers run on the dispatch goroutine, one
// event at a time.
type Handler interface {
	HandleEvent(event Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(Event) error

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(e Event) error { return f(e) }

// Manager buffers events and dispatches them to its handlers. Emitting never
// blocks: when the buffer is full the event is dropped and counted.
type Manager struct {
	runID string

	hmu      sync.RWMutex
	handlers []Handler

	mu      sync.RWMutex
	events  chan Event
	started bool
	closed  bool
	done    chan struct{}

	dropped atomic.Int64
	failed  atomic.Int64
}

var _ graph.EventManager = (*Manager)(nil)

// New creates a manager tagging its events with runID. A buffer <= 0
// defaults to 1000.
func New(runID string, buffer int) *Manager {
	if buffer <= 0 {
		buffer = 1000
	}
	return &Manager{
		runID:  runID,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
}

// AddHandler registers h for every later dispatched event.
func (m *Manager) AddHandler(h Handler) {
	m.hmu.Lock()
	defer m.hmu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Start launches the dispatch goroutine. Events emitted before Start wait
// in the buffer.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.closed {
		return
	}
	m.started = true

	go func() {
		defer close(m.done)
		for event := range m.events {
			m.hmu.RLock()
			for _, h := range m.handlers {
				if err := h.HandleEvent(event); err != nil {
					m.failed.Add(1)
				}
			}
			m.hmu.RUnlock()
		}
	}()
}

// Stop closes the buffer and waits until every buffered event has been
// dispatched. Later events are dropped.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.events)
	started := m.started
	m.mu.Unlock()

	if started {
		<-m.done
	}
}

// Emit enqueues e, stamping run id and time when unset.
func (m *Manager) Emit(e Event) {
	if e.RunID == "" {
		e.RunID = m.runID
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		m.dropped.Add(1)
		return
	}
	select {
	case m.events <- e:
	default:
		m.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded.
func (m *Manager) Dropped() int64 { return m.dropped.Load() }

// HandlerErrors returns how many handler calls failed.
func (m *Manager) HandlerErrors() int64 { return m.failed.Load() }

func (m *Manager) OnBuildStart(_ context.Context, vertexID string) {
	m.Emit(Event{Type: TypeBuildStart, VertexID: vertexID})
}

func (m *Manager) OnBuildEnd(_ context.Context, vertexID string, result graph.Result, err error) {
	e := Event{Type: TypeBuildEnd, VertexID: vertexID, Data: result.Outputs}
	if err != nil {
		e.Error = err.Error()
		e.Data = nil
	}
	m.Emit(e)
}

func (m *Manager) OnBuildLog(_ context.Context, vertexID string, log graph.Log) {
	m.Emit(Event{Type: TypeLog, VertexID: vertexID, Data: log})
}

func (m *Manager) OnToken(_ context.Context, vertexID, token string) {
	m.Emit(Event{Type: TypeToken, VertexID: vertexID, Data: token})
}
