package graph

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/flowgraph/dataflow/internal/core/cache"
	"github.com/flowgraph/dataflow/internal/core/runnable"
	"github.com/flowgraph/dataflow/pkg/serialization"
)

// Snapshot captures a graph mid-run: structure, derived maps, per-vertex run
// state and the scheduler frontier. Build result values are shared with the
// graph, not deep-copied.
type Snapshot struct {
	ID           string `json:"id"`
	FlowID       string `json:"flow_id,omitempty"`
	Name         string `json:"name,omitempty"`
	Description  string `json:"description,omitempty"`
	EndpointName string `json:"endpoint_name,omitempty"`

	Payload        Payload                   `json:"payload"`
	Vertices       map[string]VertexSnapshot `json:"vertices"`
	PredecessorMap map[string][]string       `json:"predecessor_map"`
	SuccessorMap   map[string][]string       `json:"successor_map"`
	InDegreeMap    map[string]int            `json:"in_degree_map"`
	ParentChildMap map[string][]string       `json:"parent_child_map"`
	CycleVertices  []string                  `json:"cycle_vertices"`
	LoopBackEdges  [][2]string               `json:"loop_back_edges"`

	Manager       runnable.State      `json:"manager"`
	Prepared      bool                `json:"prepared"`
	Queue         []string            `json:"queue"`
	VerticesToRun []string            `json:"vertices_to_run"`
	Layers        [][]string          `json:"layers"`
	Exclusions    map[string][]string `json:"exclusions"`
	Activated     map[string][]string `json:"activated"`
	BuildCounts   map[string]int      `json:"build_counts"`
	StopVertexID  string              `json:"stop_vertex_id,omitempty"`
	MaxIterations int                 `json:"max_iterations"`
	Inputs        map[string]any      `json:"inputs,omitempty"`
	Runs          int                 `json:"runs"`
	RunID         string              `json:"run_id,omitempty"`
	Context       map[string]any      `json:"context,omitempty"`
}

// VertexSnapshot is the run state of one vertex.
type VertexSnapshot struct {
	State  State  `json:"state"`
	Built  bool   `json:"built"`
	Frozen bool   `json:"frozen"`
	Result Result `json:"result"`
}

// Snapshot captures the graph.
func (g *Graph) Snapshot() *Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshotLocked()
}

func (g *Graph) snapshotLocked() *Snapshot {
	s := &Snapshot{
		ID:             g.cfg.ID,
		FlowID:         g.cfg.FlowID,
		Name:           g.cfg.Name,
		Description:    g.cfg.Description,
		EndpointName:   g.cfg.EndpointName,
		Payload:        g.Payload(),
		Vertices:       make(map[string]VertexSnapshot, len(g.vertices)),
		PredecessorMap: cloneAdjacency(g.predecessorMap),
		SuccessorMap:   cloneAdjacency(g.successorMap),
		InDegreeMap:    maps.Clone(g.inDegreeMap),
		ParentChildMap: cloneAdjacency(g.parentChildMap),
		CycleVertices:  g.CycleVertices(),
		LoopBackEdges:  g.LoopBackEdges(),
		Manager:        g.manager.ToState(),
		Prepared:       g.prepared,
		Queue:          g.pendingLocked(),
		VerticesToRun:  slices.Sorted(maps.Keys(g.verticesToRun)),
		Exclusions:     make(map[string][]string, len(g.exclusions)),
		Activated:      cloneLists(g.activated),
		BuildCounts:    maps.Clone(g.buildCounts),
		StopVertexID:   g.stopVertexID,
		MaxIterations:  g.maxIterations,
		Inputs:         maps.Clone(g.inputs),
		Runs:           g.runs,
		RunID:          g.runID,
		Context:        g.run.Values(),
	}
	for _, l := range g.layers {
		s.Layers = append(s.Layers, slices.Clone(l))
	}
	for id, v := range g.vertices {
		s.Vertices[id] = VertexSnapshot{State: v.State(), Built: v.Built(), Frozen: v.Frozen, Result: v.Result()}
	}
	for src, set := range g.exclusions {
		s.Exclusions[src] = slices.Sorted(maps.Keys(set))
	}
	return s
}

// pendingLocked is the queue plus every vertex scheduled but not finished.
// Inside a batch those only live in the manager, so a snapshot taken there
// still resumes them.
func (g *Graph) pendingLocked() []string {
	out := slices.Clone(g.queue)
	for _, id := range g.manager.BeingRun() {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// Restore rebuilds a graph from a snapshot. Builders are resolved through
// cfg.Resolver; identity fields left empty in cfg come from the snapshot.
// The adjacency maps and cycle metadata are taken as captured.
func Restore(s *Snapshot, cfg Config) (*Graph, error) {
	if cfg.ID == "" {
		cfg.ID = s.ID
	}
	if cfg.FlowID == "" {
		cfg.FlowID = s.FlowID
	}
	if cfg.Name == "" {
		cfg.Name = s.Name
	}
	if cfg.Description == "" {
		cfg.Description = s.Description
	}
	if cfg.EndpointName == "" {
		cfg.EndpointName = s.EndpointName
	}
	g := New(cfg)

	for i := range s.Payload.Nodes {
		v, err := g.vertexFromNode(s.Payload.Nodes[i])
		if err != nil {
			return nil, err
		}
		if err := v.Validate(); err != nil {
			return nil, err
		}
		if _, dup := g.vertices[v.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateVertex, v.ID)
		}
		v.graph = g
		if vs, ok := s.Vertices[v.ID]; ok {
			v.state = vs.State
			v.Frozen = vs.Frozen
			v.built = vs.Built
			v.result = vs.Result
		}
		g.vertices[v.ID] = v
		g.order = append(g.order, v.ID)
	}
	for _, ed := range s.Payload.Edges {
		e := edgeFromData(ed)
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if _, ok := g.vertices[e.Source]; !ok {
			return nil, vertexNotFound(e.Source)
		}
		if _, ok := g.vertices[e.Target]; !ok {
			return nil, vertexNotFound(e.Target)
		}
		g.edges = append(g.edges, e)
		g.edgeKeys[e.Key()] = e
	}

	g.predecessorMap = cloneAdjacency(s.PredecessorMap)
	g.successorMap = cloneAdjacency(s.SuccessorMap)
	g.inDegreeMap = maps.Clone(s.InDegreeMap)
	if g.inDegreeMap == nil {
		g.inDegreeMap = make(map[string]int)
	}
	g.parentChildMap = cloneAdjacency(s.ParentChildMap)

	info := &cycleInfo{vertices: make(map[string]struct{}), backEdges: make(map[[2]string]struct{})}
	for _, id := range s.CycleVertices {
		info.vertices[id] = struct{}{}
	}
	for _, p := range s.LoopBackEdges {
		info.backEdges[p] = struct{}{}
	}
	for _, e := range g.edges {
		_, src := info.vertices[e.Source]
		_, dst := info.vertices[e.Target]
		e.cycle = src || dst
	}
	g.cycles = info

	g.manager = runnable.FromState(s.Manager)
	g.prepared = s.Prepared
	g.queue = slices.Clone(s.Queue)
	for _, id := range s.VerticesToRun {
		g.verticesToRun[id] = struct{}{}
	}
	for _, l := range s.Layers {
		g.layers = append(g.layers, slices.Clone(l))
	}
	if len(g.layers) > 0 {
		g.firstLayer = slices.Clone(g.layers[0])
	}
	for src, ids := range s.Exclusions {
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		g.exclusions[src] = set
	}
	g.activated = cloneLists(s.Activated)
	maps.Copy(g.buildCounts, s.BuildCounts)
	g.stopVertexID = s.StopVertexID
	g.maxIterations = s.MaxIterations
	g.inputs = maps.Clone(s.Inputs)
	g.runs = s.Runs
	g.runID = s.RunID
	g.run = NewRunContext(s.Context)
	return g, nil
}

// Clone returns an independent copy of the graph sharing its collaborators.
func (g *Graph) Clone() (*Graph, error) {
	return Restore(g.Snapshot(), g.cfg)
}

// MarshalSnapshot encodes a snapshot with the configured serializer.
func (g *Graph) MarshalSnapshot() ([]byte, error) {
	return g.cfg.Serializer.Marshal(g.Snapshot())
}

// UnmarshalSnapshot decodes data produced by MarshalSnapshot and restores it.
func UnmarshalSnapshot(data []byte, cfg Config) (*Graph, error) {
	ser := cfg.Serializer
	if ser == nil {
		ser = serialization.Default()
	}
	var s Snapshot
	if err := ser.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return Restore(&s, cfg)
}

// LoadSnapshot restores the snapshot cached under flowID.
func LoadSnapshot(ctx context.Context, c Cache, flowID string, cfg Config) (*Graph, error) {
	data, err := c.Get(ctx, cache.GraphKey(flowID))
	if err != nil {
		return nil, err
	}
	if cfg.Cache == nil {
		cfg.Cache = c
	}
	if cfg.FlowID == "" {
		cfg.FlowID = flowID
	}
	return UnmarshalSnapshot(data, cfg)
}

// persistSnapshotLocked stores the graph under its flow id. Failures are
// logged; a run never fails because a snapshot could not be written.
func (g *Graph) persistSnapshotLocked(ctx context.Context) {
	if g.cfg.Cache == nil || g.cfg.FlowID == "" {
		return
	}
	data, err := g.cfg.Serializer.Marshal(g.snapshotLocked())
	if err != nil {
		g.logger.WithError(err).Warn("snapshot encode failed")
		return
	}
	if err := g.cfg.Cache.Set(ctx, cache.GraphKey(g.cfg.FlowID), data); err != nil {
		g.logger.WithError(err).Warn("snapshot write failed")
	}
}

func cloneLists(in map[string][]string) map[string][]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = slices.Clone(v)
	}
	return out
}
