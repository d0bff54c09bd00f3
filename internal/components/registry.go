// Package components holds the built-in vertex logic and the registry that
// resolves a payload node type to it.
package components

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sashabaranov/go-openai"

	"github.com/flowgraph/dataflow/internal/core/cache"
	"github.com/flowgraph/dataflow/internal/core/graph"
)

// Errors
var (
	ErrUnknownComponent = errors.New("unknown component type")
	ErrMissingParam     = errors.New("missing parameter")
	ErrMissingVariable  = errors.New("prompt variable has no value")
	ErrUnknownOperator  = errors.New("unknown router operator")
	ErrNoClient         = errors.New("openai client not configured")
	ErrUnknownModel     = errors.New("model not offered by provider")
)

// Node types
const (
	TypeChatInput         = "ChatInput"
	TypeTextInput         = "TextInput"
	TypeChatOutput        = "ChatOutput"
	TypeTextOutput        = "TextOutput"
	TypePrompt            = "Prompt"
	TypeConcat            = "Concat"
	TypeConditionalRouter = "ConditionalRouter"
	TypeLoop              = "Loop"
	TypeNotify            = "Notify"
	TypeListen            = "Listen"
	TypeOpenAIChat        = "OpenAIChat"
)

// Deps are the services shared by every component of a registry.
type Deps struct {
	// OpenAI is required by OpenAIChat vertices only.
	OpenAI *openai.Client
	// Model and Temperature are the OpenAIChat defaults.
	Model       string
	Temperature float32
	// Shared caches expensive lookups across all vertices of the same type.
	Shared cache.Service
}

// Registry maps node types to their Buildable and implements graph.Resolver.
// PRINCIPLES:
// - OCP: new node types are registered, not switched on
// - DIP: shared services arrive through Deps instead of package state
type Registry struct {
	mu         sync.RWMutex
	components map[string]graph.Buildable
}

var _ graph.Resolver = (*Registry)(nil)

// NewRegistry creates a registry holding every built-in component.
func NewRegistry(deps Deps) *Registry {
	r := &Registry{components: make(map[string]graph.Buildable)}

	r.Register(TypeChatInput, input{output: "message"})
	r.Register(TypeTextInput, input{output: "text"})
	r.Register(TypeChatOutput, output{output: "message", sender: "Machine"})
	r.Register(TypeTextOutput, output{output: "text"})
	r.Register(TypePrompt, graph.BuildFunc(buildPrompt))
	r.Register(TypeConcat, graph.BuildFunc(buildConcat))
	r.Register(TypeConditionalRouter, graph.BuildFunc(buildRouter))
	r.Register(TypeLoop, graph.BuildFunc(buildLoop))
	r.Register(TypeNotify, graph.BuildFunc(buildNotify))
	r.Register(TypeListen, graph.BuildFunc(buildListen))
	r.Register(TypeOpenAIChat, newOpenAIChat(deps))

	return r
}

// Register adds or replaces the component for nodeType.
func (r *Registry) Register(nodeType string, b graph.Buildable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components[nodeType] = b
}

// Resolve returns the component registered for nodeType.
func (r *Registry) Resolve(nodeType string) (graph.Buildable, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.components[nodeType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownComponent, nodeType)
	}
	return b, nil
}

// CanResolve reports whether nodeType is registered.
func (r *Registry) CanResolve(nodeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.components[nodeType]
	return ok
}

// Types returns the registered node types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.components))
	for t := range r.components {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
