package events

import (
	"slices"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogHandler writes events to a logrus logger. Token events are logged at
// trace level, failures at error.
type LogHandler struct {
	Logger logrus.FieldLogger
}

func (h *LogHandler) HandleEvent(e Event) error {
	entry := h.Logger.WithFields(logrus.Fields{
		"event":     string(e.Type),
		"vertex_id": e.VertexID,
		"run_id":    e.RunID,
	})
	switch {
	case e.Error != "":
		entry.WithField("error", e.Error).Error("vertex build failed")
	case e.Type == TypeToken:
		entry.WithField("token", e.Data).Trace("token")
	default:
		entry.Debug(string(e.Type))
	}
	return nil
}

// Collector keeps every event it sees, in dispatch order.
type Collector struct {
	mu     sync.RWMutex
	events []Event
	counts map[Type]int
	builds map[string]int
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		counts: make(map[Type]int),
		builds: make(map[string]int),
	}
}

func (c *Collector) HandleEvent(e Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	c.counts[e.Type]++
	if e.Type == TypeBuildStart {
		c.builds[e.VertexID]++
	}
	return nil
}

// Events returns a copy of the collected events.
func (c *Collector) Events() []Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.events)
}

// Count returns how many events of type t were seen.
func (c *Collector) Count(t Type) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counts[t]
}

// Builds returns how many times vertexID started building.
func (c *Collector) Builds(vertexID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.builds[vertexID]
}

// Tokens returns the streamed tokens of vertexID joined in order.
func (c *Collector) Tokens(vertexID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for _, e := range c.events {
		if e.Type == TypeToken && e.VertexID == vertexID {
			if s, ok := e.Data.(string); ok {
				out = append(out, s)
			}
		}
	}
	return out
}

// CallbackHandler runs a callback registered for the event type.
type CallbackHandler struct {
	mu        sync.RWMutex
	callbacks map[Type]func(Event) error
}

// NewCallbackHandler creates a handler with no callbacks.
func NewCallbackHandler() *CallbackHandler {
	return &CallbackHandler{callbacks: make(map[Type]func(Event) error)}
}

// On registers fn for t, replacing any earlier callback.
func (h *CallbackHandler) On(t Type, fn func(Event) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callbacks[t] = fn
}

func (h *CallbackHandler) HandleEvent(e Event) error {
	h.mu.RLock()
	fn, ok := h.callbacks[e.Type]
	h.mu.RUnlock()
	if ok {
		return fn(e)
	}
	return nil
}
