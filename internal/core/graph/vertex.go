package graph

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/sirupsen/logrus"
)

// State is the manual scheduling state of a vertex.
type State string

const (
	StateActive   State = "ACTIVE"
	StateInactive State = "INACTIVE"
)

// ParseState validates a state name.
func ParseState(s string) (State, error) {
	switch State(s) {
	case StateActive, StateInactive:
		return State(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownState, s)
	}
}

// Kind selects the vertex behaviour chosen from the node type.
type Kind string

const (
	// KindComponent is an ordinary computation vertex.
	KindComponent Kind = "component"
	// KindState listens on a run context key and is re-run when it changes.
	KindState Kind = "state"
	// KindInterface is a chat/text input or output vertex.
	KindInterface Kind = "interface"
)

// Output declares one named output of a vertex.
type Output struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name,omitempty"`
	Types       []string `json:"types,omitempty"`
	Method      string   `json:"method,omitempty"`
	AllowsLoop  bool     `json:"allows_loop,omitempty"`
}

// Result is what a build produces: named outputs read by downstream edges
// and free-form artifacts for callers.
type Result struct {
	Outputs   map[string]any `json:"outputs,omitempty"`
	Artifacts map[string]any `json:"artifacts,omitempty"`
}

// Output returns the value of a named output.
func (r Result) Output(name string) (any, bool) {
	v, ok := r.Outputs[name]
	return v, ok
}

// Vertex is one schedulable unit of computation.
// Configuration fields are set before the vertex joins a graph; run state is
// only changed by the graph and guarded by the vertex's own lock.
type Vertex struct {
	ID          string
	Type        string
	DisplayName string
	Kind        Kind
	// Params is the static key/value configuration of the vertex.
	Params  map[string]any
	Outputs []Output

	IsInput  bool
	IsOutput bool
	IsState  bool
	IsLoop   bool
	Frozen   bool
	ParentID string

	Builder Buildable

	node  *Node
	graph *Graph

	mu     sync.RWMutex
	state  State
	built  bool
	result Result
}

// NewVertex creates an active component vertex.
func NewVertex(id, nodeType string, builder Buildable) *Vertex {
	return &Vertex{
		ID:          id,
		Type:        nodeType,
		DisplayName: nodeType,
		Kind:        KindComponent,
		Params:      make(map[string]any),
		Builder:     builder,
		state:       StateActive,
	}
}

// Validate ensures vertex integrity.
func (v *Vertex) Validate() error {
	if v.ID == "" {
		return ErrInvalidVertexID
	}
	if v.Params == nil {
		v.Params = make(map[string]any)
	}
	if v.Kind == "" {
		v.Kind = KindComponent
	}
	if v.state == "" {
		v.state = StateActive
	}
	return nil
}

// State returns the manual scheduling state.
func (v *Vertex) State() State {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state
}

// SetState changes the manual scheduling state.
func (v *Vertex) SetState(s State) {
	v.mu.Lock()
	v.state = s
	v.mu.Unlock()
}

// IsActive reports whether the vertex may be scheduled.
func (v *Vertex) IsActive() bool { return v.State() == StateActive }

// Built reports whether the vertex holds a result from this run.
func (v *Vertex) Built() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.built
}

// Result returns the last build result.
func (v *Vertex) Result() Result {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.result
}

// Artifacts returns the artifacts of the last build.
func (v *Vertex) Artifacts() map[string]any { return v.Result().Artifacts }

// Reset drops the build result so the next build runs the builder again.
func (v *Vertex) Reset() {
	v.mu.Lock()
	v.built = false
	v.result = Result{}
	v.mu.Unlock()
}

func (v *Vertex) restore(built bool, result Result) {
	v.mu.Lock()
	v.built = built
	v.result = result
	v.mu.Unlock()
}

// Param returns a static parameter.
func (v *Vertex) Param(name string) (any, bool) {
	val, ok := v.Params[name]
	return val, ok
}

// StringParam returns a static parameter as a string, or "".
func (v *Vertex) StringParam(name string) string {
	s, _ := v.Params[name].(string)
	return s
}

// SuccessorIDs returns the ids of vertices this vertex feeds.
func (v *Vertex) SuccessorIDs() []string {
	if v.graph == nil {
		return nil
	}
	return v.graph.Successors(v.ID)
}

// PredecessorIDs returns the ids of vertices feeding this vertex.
func (v *Vertex) PredecessorIDs() []string {
	if v.graph == nil {
		return nil
	}
	return v.graph.Predecessors(v.ID)
}

// Build runs the builder and stores its result. A frozen vertex that is
// already built keeps its result, unless it is a loop vertex.
func (v *Vertex) Build(ctx context.Context, req *BuildRequest) (err error) {
	if v.Frozen && !v.IsLoop && v.Built() {
		return nil
	}
	if v.Builder == nil {
		return newBuildError(v, ErrNoBuilder)
	}
	defer func() {
		if r := recover(); r != nil {
			err = newBuildError(v, panicError(r))
		}
	}()

	res, err := v.Builder.Build(ctx, req)
	if err != nil {
		return newBuildError(v, err)
	}
	v.restore(true, res)
	return nil
}

// BuildRequest is everything a Buildable sees of the running graph.
type BuildRequest struct {
	Vertex *Vertex
	// Params holds the static params overlaid with values delivered by
	// incoming edges, keyed by target field name.
	Params map[string]any
	// Inputs carries caller-supplied inputs; only set for input vertices.
	Inputs map[string]any
	RunID  string
	Run    *RunContext
	Events EventManager
	Graph  Controller
	Logger logrus.FieldLogger
}

// Param returns a resolved parameter.
func (r *BuildRequest) Param(name string) any { return r.Params[name] }

// String returns a resolved parameter formatted as a string.
func (r *BuildRequest) String(name string) string {
	switch val := r.Params[name].(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

// Token streams a token for this vertex to the event manager.
func (r *BuildRequest) Token(ctx context.Context, token string) {
	r.Events.OnToken(ctx, r.Vertex.ID, token)
}

func cloneParams(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	maps.Copy(out, in)
	return out
}
