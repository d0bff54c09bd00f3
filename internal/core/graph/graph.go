// Package graph is the dataflow engine: it owns vertices and edges, derives
// the adjacency maps, detects cycles, layers the graph topologically and
// runs it either in concurrent batches or one vertex at a time.
package graph

import (
	"io"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/flowgraph/dataflow/internal/core/runnable"
	"github.com/flowgraph/dataflow/pkg/serialization"
)

// Config wires a graph to its collaborators. Every collaborator is optional.
type Config struct {
	ID           string
	FlowID       string
	Name         string
	Description  string
	EndpointName string

	Resolver   Resolver
	Cache      Cache
	Tracer     Tracer
	Events     EventManager
	Metrics    Metrics
	Logger     logrus.FieldLogger
	Serializer *serialization.Serializer

	// PersistSnapshots stores a snapshot of the graph in Cache under FlowID
	// after every completed vertex.
	PersistSnapshots bool
	// StreamBuffer bounds the channel returned by Start.
	StreamBuffer int
}

// Graph is one logical flow. A graph may be run many times but is driven by
// a single run at a time.
type Graph struct {
	cfg    Config
	logger logrus.FieldLogger

	vertices map[string]*Vertex
	order    []string
	edges    []*Edge
	edgeKeys map[string]*Edge

	predecessorMap map[string][]string
	successorMap   map[string][]string
	inDegreeMap    map[string]int
	parentChildMap map[string][]string

	cycles *cycleInfo

	// mu guards the frontier: manager, queue, exclusions and run counters.
	mu            sync.Mutex
	manager       *runnable.Manager
	queue         []string
	verticesToRun map[string]struct{}
	firstLayer    []string
	layers        [][]string
	exclusions    map[string]map[string]struct{}
	// activated holds the listeners each state caller re-armed.
	activated     map[string][]string
	buildCounts   map[string]int
	stopVertexID  string
	prepared      bool
	inputs        map[string]any
	maxIterations int
	runs          int
	runID         string
	tracer        Tracer

	run *RunContext
}

// New creates an empty graph.
func New(cfg Config) *Graph {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noopTracer{}
	}
	if cfg.Events == nil {
		cfg.Events = noopEvents{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Serializer == nil {
		cfg.Serializer = serialization.Default()
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 16
	}
	logger := cfg.Logger
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}

	return &Graph{
		cfg:            cfg,
		logger:         logger.WithField("graph_id", cfg.ID),
		vertices:       make(map[string]*Vertex),
		edgeKeys:       make(map[string]*Edge),
		predecessorMap: make(map[string][]string),
		successorMap:   make(map[string][]string),
		inDegreeMap:    make(map[string]int),
		parentChildMap: make(map[string][]string),
		manager:        runnable.New(),
		verticesToRun:  make(map[string]struct{}),
		exclusions:     make(map[string]map[string]struct{}),
		buildCounts:    make(map[string]int),
		tracer:         cfg.Tracer,
		run:            NewRunContext(nil),
	}
}

// ID returns the graph id.
func (g *Graph) ID() string { return g.cfg.ID }

// FlowID returns the flow id used as snapshot cache key.
func (g *Graph) FlowID() string { return g.cfg.FlowID }

// Name returns the graph name.
func (g *Graph) Name() string { return g.cfg.Name }

// Context returns the run-scoped blackboard.
func (g *Graph) Context() *RunContext { return g.run }

// Runs returns how many times the graph has been prepared for a run.
func (g *Graph) Runs() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.runs
}

// RunID returns the id of the current run.
func (g *Graph) RunID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.runID
}

// AddVertex adds v to the graph.
func (g *Graph) AddVertex(v *Vertex) error {
	if v == nil {
		return ErrNilVertex
	}
	if err := v.Validate(); err != nil {
		return err
	}
	if _, exists := g.vertices[v.ID]; exists {
		return ErrDuplicateVertex
	}
	v.graph = g
	g.vertices[v.ID] = v
	g.order = append(g.order, v.ID)
	g.inDegreeMap[v.ID] = 0
	if v.ParentID != "" {
		g.parentChildMap[v.ParentID] = append(g.parentChildMap[v.ParentID], v.ID)
	}
	g.cycles = nil
	return nil
}

// AddEdge adds e and returns the stored edge. Adding an edge with the same
// key as an existing one returns the existing edge without counting it again.
func (g *Graph) AddEdge(e *Edge) (*Edge, error) {
	if e == nil {
		return nil, ErrNilEdge
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if _, ok := g.vertices[e.Source]; !ok {
		return nil, vertexNotFound(e.Source)
	}
	if _, ok := g.vertices[e.Target]; !ok {
		return nil, vertexNotFound(e.Target)
	}
	if existing, ok := g.edgeKeys[e.Key()]; ok {
		return existing, nil
	}

	g.edges = append(g.edges, e)
	g.edgeKeys[e.Key()] = e
	g.addAdjacency(e)
	g.cycles = nil
	return e, nil
}

// Connect is shorthand for AddEdge(NewEdge(...)).
func (g *Graph) Connect(source, output, target, field string) (*Edge, error) {
	return g.AddEdge(NewEdge(source, target, output, field))
}

func (g *Graph) addAdjacency(e *Edge) {
	if !slices.Contains(g.predecessorMap[e.Target], e.Source) {
		g.predecessorMap[e.Target] = append(g.predecessorMap[e.Target], e.Source)
	}
	if !slices.Contains(g.successorMap[e.Source], e.Target) {
		g.successorMap[e.Source] = append(g.successorMap[e.Source], e.Target)
	}
	// every distinct wiring counts, even between the same two vertices
	g.inDegreeMap[e.Target]++
}

// AddComponent embeds every vertex and edge of sub into g. Embedded vertices
// without a parent are attached to parentID when it is set.
func (g *Graph) AddComponent(parentID string, sub *Graph) error {
	if parentID != "" {
		if _, ok := g.vertices[parentID]; !ok {
			return vertexNotFound(parentID)
		}
	}
	for _, id := range sub.order {
		if _, exists := g.vertices[id]; exists {
			return ErrDuplicateVertex
		}
	}
	for _, id := range sub.order {
		v := sub.vertices[id].clone()
		if v.ParentID == "" {
			v.ParentID = parentID
		}
		if err := g.AddVertex(v); err != nil {
			return err
		}
	}
	for _, e := range sub.edges {
		if _, err := g.AddEdge(e.clone()); err != nil {
			return err
		}
	}
	return nil
}

// RemoveVertex deletes a vertex and every edge touching it.
func (g *Graph) RemoveVertex(id string) error {
	if _, ok := g.vertices[id]; !ok {
		return vertexNotFound(id)
	}
	delete(g.vertices, id)
	g.order = slices.DeleteFunc(g.order, func(s string) bool { return s == id })
	g.edges = slices.DeleteFunc(g.edges, func(e *Edge) bool { return e.Source == id || e.Target == id })
	g.rebuildAdjacency()
	g.cycles = nil
	return nil
}

func (g *Graph) rebuildAdjacency() {
	clear(g.edgeKeys)
	clear(g.predecessorMap)
	clear(g.successorMap)
	clear(g.inDegreeMap)
	clear(g.parentChildMap)
	for _, id := range g.order {
		g.inDegreeMap[id] = 0
		if p := g.vertices[id].ParentID; p != "" {
			g.parentChildMap[p] = append(g.parentChildMap[p], id)
		}
	}
	for _, e := range g.edges {
		g.edgeKeys[e.Key()] = e
		g.addAdjacency(e)
	}
}

// GetVertex returns the vertex with id.
func (g *Graph) GetVertex(id string) (*Vertex, error) {
	v, ok := g.vertices[id]
	if !ok {
		return nil, vertexNotFound(id)
	}
	return v, nil
}

// GetEdge returns the first edge from source to target.
func (g *Graph) GetEdge(source, target string) (*Edge, error) {
	for _, e := range g.edges {
		if e.Source == source && e.Target == target {
			return e, nil
		}
	}
	return nil, &LookupError{Kind: "edge", ID: source + " -> " + target, Err: ErrEdgeNotFound}
}

// Vertices returns the vertices in insertion order.
func (g *Graph) Vertices() []*Vertex {
	out := make([]*Vertex, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.vertices[id])
	}
	return out
}

// VertexIDs returns the vertex ids in insertion order.
func (g *Graph) VertexIDs() []string { return slices.Clone(g.order) }

// Edges returns the edges in insertion order.
func (g *Graph) Edges() []*Edge { return slices.Clone(g.edges) }

// Predecessors returns the distinct vertices feeding id.
func (g *Graph) Predecessors(id string) []string { return slices.Clone(g.predecessorMap[id]) }

// Successors returns the distinct vertices fed by id.
func (g *Graph) Successors(id string) []string { return slices.Clone(g.successorMap[id]) }

// InDegree returns the number of distinct wirings into id.
func (g *Graph) InDegree(id string) int { return g.inDegreeMap[id] }

// PredecessorMap returns a copy of the predecessor adjacency.
func (g *Graph) PredecessorMap() map[string][]string { return cloneAdjacency(g.predecessorMap) }

// SuccessorMap returns a copy of the successor adjacency.
func (g *Graph) SuccessorMap() map[string][]string { return cloneAdjacency(g.successorMap) }

// InDegreeMap returns a copy of the in-degree map.
func (g *Graph) InDegreeMap() map[string]int {
	out := make(map[string]int, len(g.inDegreeMap))
	for k, v := range g.inDegreeMap {
		out[k] = v
	}
	return out
}

// ParentChildMap returns a copy of the parent to children map.
func (g *Graph) ParentChildMap() map[string][]string { return cloneAdjacency(g.parentChildMap) }

// incoming returns the edges into id in insertion order.
func (g *Graph) incoming(id string) []*Edge {
	var out []*Edge
	for _, e := range g.edges {
		if e.Target == id {
			out = append(out, e)
		}
	}
	return out
}

// outgoing returns the edges out of id in insertion order.
func (g *Graph) outgoing(id string) []*Edge {
	var out []*Edge
	for _, e := range g.edges {
		if e.Source == id {
			out = append(out, e)
		}
	}
	return out
}

// Descendants returns every vertex reachable from id, sorted.
func (g *Graph) Descendants(id string) []string {
	seen := map[string]struct{}{id: {}}
	stack := slices.Clone(g.successorMap[id])
	var out []string
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
		stack = append(stack, g.successorMap[n]...)
	}
	sort.Strings(out)
	return out
}

// Ancestors returns every vertex id can be reached from, sorted.
func (g *Graph) Ancestors(id string) []string {
	seen := map[string]struct{}{id: {}}
	stack := slices.Clone(g.predecessorMap[id])
	var out []string
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
		stack = append(stack, g.predecessorMap[n]...)
	}
	sort.Strings(out)
	return out
}

// LookupError reports an unknown vertex or edge reference.
type LookupError struct {
	Kind string
	ID   string
	Err  error
}

func (e *LookupError) Error() string { return e.Kind + " " + e.ID + ": " + e.Err.Error() }

func (e *LookupError) Unwrap() error { return e.Err }

func vertexNotFound(id string) error {
	return &LookupError{Kind: "vertex", ID: id, Err: ErrVertexNotFound}
}

func cloneAdjacency(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = slices.Clone(v)
	}
	return out
}

func (v *Vertex) clone() *Vertex {
	c := &Vertex{
		ID:          v.ID,
		Type:        v.Type,
		DisplayName: v.DisplayName,
		Kind:        v.Kind,
		Params:      cloneParams(v.Params),
		Outputs:     slices.Clone(v.Outputs),
		IsInput:     v.IsInput,
		IsOutput:    v.IsOutput,
		IsState:     v.IsState,
		IsLoop:      v.IsLoop,
		Frozen:      v.Frozen,
		ParentID:    v.ParentID,
		Builder:     v.Builder,
		node:        v.node,
		state:       v.State(),
	}
	c.built = v.Built()
	c.result = v.Result()
	return c
}

func (e *Edge) clone() *Edge {
	c := *e
	c.SourceHandle.OutputTypes = slices.Clone(e.SourceHandle.OutputTypes)
	c.TargetHandle.InputTypes = slices.Clone(e.TargetHandle.InputTypes)
	return &c
}
