package graph

import (
	"maps"
	"slices"
	"sort"

	"github.com/google/uuid"
)

// RunOptions controls one pass over the graph.
type RunOptions struct {
	// StartVertexID runs only the vertex and its descendants.
	StartVertexID string
	// StopVertexID runs only the vertex and its ancestors.
	StopVertexID string
	// Inputs is handed to input vertices.
	Inputs map[string]any
	// Context seeds the run context.
	Context map[string]any
	// MaxIterations caps how many times any single vertex may build in the
	// pass. Required for cyclic graphs; zero means unbounded.
	MaxIterations int
}

// SortVertices marks every vertex active, layers the graph and arms the
// scheduler. It returns the first layer.
func (g *Graph) SortVertices(startID, stopID string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.sortLocked(startID, stopID); err != nil {
		return nil, err
	}
	return slices.Clone(g.firstLayer), nil
}

// Prepare sorts the graph and starts a new run.
func (g *Graph) Prepare(opts RunOptions) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.sortLocked(opts.StartVertexID, opts.StopVertexID); err != nil {
		return err
	}
	g.runs++
	g.runID = uuid.NewString()
	g.inputs = maps.Clone(opts.Inputs)
	g.maxIterations = opts.MaxIterations
	for k, v := range opts.Context {
		g.run.Set(k, v)
	}
	return nil
}

// FirstLayer returns the vertices scheduled first by the last sort.
func (g *Graph) FirstLayer() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.firstLayer)
}

// Layers returns the full layered order computed by the last sort. Every
// vertex appears after all of its non-cycle predecessors.
func (g *Graph) Layers() [][]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([][]string, len(g.layers))
	for i, l := range g.layers {
		out[i] = slices.Clone(l)
	}
	return out
}

func (g *Graph) sortLocked(startID, stopID string) error {
	if startID != "" && stopID != "" {
		return ErrStartAndStop
	}
	for _, id := range []string{startID, stopID} {
		if id == "" {
			continue
		}
		if _, ok := g.vertices[id]; !ok {
			return vertexNotFound(id)
		}
	}

	for _, v := range g.vertices {
		v.SetState(StateActive)
	}
	info := g.cycleData()

	toRun := g.selectVerticesToRun(startID, stopID)
	g.layers = g.layer(toRun)
	g.firstLayer = nil
	if len(g.layers) > 0 {
		g.firstLayer = slices.Clone(g.layers[0])
	}

	preds := make(map[string][]string, len(toRun))
	for id := range toRun {
		for _, p := range g.predecessorMap[id] {
			if _, ok := toRun[p]; ok {
				preds[id] = append(preds[id], p)
			}
		}
	}
	var loopBack [][2]string
	for pair := range info.backEdges {
		_, src := toRun[pair[0]]
		_, dst := toRun[pair[1]]
		if src && dst {
			loopBack = append(loopBack, pair)
		}
	}

	g.manager.Reset()
	g.manager.BuildRunMap(preds, slices.Sorted(maps.Keys(toRun)))
	g.manager.SetCycleVertices(slices.Sorted(maps.Keys(info.vertices)))
	g.manager.SetLoopBackEdges(loopBack)

	g.verticesToRun = toRun
	g.stopVertexID = stopID
	clear(g.exclusions)
	clear(g.buildCounts)
	g.activated = nil
	g.queue = slices.Clone(g.firstLayer)
	for _, id := range g.queue {
		g.manager.AddToVerticesBeingRun(id)
	}
	g.prepared = true
	return nil
}

func (g *Graph) selectVerticesToRun(startID, stopID string) map[string]struct{} {
	var ids []string
	switch {
	case stopID != "":
		ids = append(g.Ancestors(stopID), stopID)
	case startID != "":
		ids = append(g.Descendants(startID), startID)
	default:
		ids = g.order
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// layer runs Kahn's algorithm over toRun, ignoring loop-back edges and edges
// from outside the set. Each wiring counts separately toward in-degree.
func (g *Graph) layer(toRun map[string]struct{}) [][]string {
	inDegree := make(map[string]int, len(toRun))
	for id := range toRun {
		inDegree[id] = 0
	}
	for _, e := range g.edges {
		if _, ok := toRun[e.Target]; !ok {
			continue
		}
		if _, ok := toRun[e.Source]; !ok {
			continue
		}
		if g.isBackEdge(e.Source, e.Target) {
			continue
		}
		inDegree[e.Target]++
	}

	var current []string
	for id, d := range inDegree {
		if d == 0 {
			current = append(current, id)
		}
	}
	g.sortFirstLayer(current)

	var layers [][]string
	placed := 0
	for len(current) > 0 {
		layers = append(layers, current)
		placed += len(current)
		var next []string
		for _, id := range current {
			for _, e := range g.edges {
				if e.Source != id {
					continue
				}
				if _, ok := inDegree[e.Target]; !ok || g.isBackEdge(e.Source, e.Target) {
					continue
				}
				inDegree[e.Target]--
				if inDegree[e.Target] == 0 {
					next = append(next, e.Target)
				}
			}
		}
		sort.Strings(next)
		current = next
	}

	if placed < len(toRun) {
		// only reachable if cycle metadata is stale; keep every vertex visible
		var rest []string
		for id, d := range inDegree {
			if d > 0 {
				rest = append(rest, id)
			}
		}
		sort.Strings(rest)
		layers = append(layers, rest)
	}
	return layers
}

// sortFirstLayer puts input vertices first, then orders by id.
func (g *Graph) sortFirstLayer(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := g.vertices[ids[i]].IsInput, g.vertices[ids[j]].IsInput
		if a != b {
			return a
		}
		return ids[i] < ids[j]
	})
}

// checkIterationBound fails fast when a cyclic graph has no bound.
func (g *Graph) checkIterationBound(maxIterations int) error {
	if maxIterations <= 0 && g.IsCyclic() {
		return ErrMaxIterationsRequired
	}
	return nil
}
