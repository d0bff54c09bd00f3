package graph

import "sort"

type cycleInfo struct {
	vertices  map[string]struct{}
	backEdges map[[2]string]struct{}
}

// cycleData computes cycle metadata on first use after a structural change.
func (g *Graph) cycleData() *cycleInfo {
	if g.cycles != nil {
		return g.cycles
	}
	info := &cycleInfo{
		vertices:  g.stronglyConnectedCycles(),
		backEdges: g.backEdges(),
	}
	for _, e := range g.edges {
		_, src := info.vertices[e.Source]
		_, dst := info.vertices[e.Target]
		e.cycle = src || dst
	}
	g.cycles = info
	return info
}

// CycleVertices returns the vertices lying on at least one cycle, sorted.
func (g *Graph) CycleVertices() []string {
	info := g.cycleData()
	out := make([]string, 0, len(info.vertices))
	for id := range info.vertices {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsCyclic reports whether the graph contains a cycle.
func (g *Graph) IsCyclic() bool { return len(g.cycleData().vertices) > 0 }

// IsCycleVertex reports whether id lies on a cycle.
func (g *Graph) IsCycleVertex(id string) bool {
	_, ok := g.cycleData().vertices[id]
	return ok
}

// LoopBackEdges returns the (source, target) pairs that close a cycle when
// the graph is walked depth first from its entry vertices.
func (g *Graph) LoopBackEdges() [][2]string {
	info := g.cycleData()
	out := make([][2]string, 0, len(info.backEdges))
	for p := range info.backEdges {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}

func (g *Graph) isBackEdge(source, target string) bool {
	_, ok := g.cycleData().backEdges[[2]string{source, target}]
	return ok
}

// stronglyConnectedCycles runs Tarjan's algorithm and keeps components that
// form a cycle: more than one vertex, or a single vertex with a self edge.
func (g *Graph) stronglyConnectedCycles() map[string]struct{} {
	var (
		index   int
		stack   []string
		onStack = make(map[string]bool)
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		result  = make(map[string]struct{})
	)

	var connect func(v string)
	connect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g.successorMap[v] {
			if _, seen := indices[w]; !seen {
				connect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] != indices[v] {
			return
		}
		var component []string
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w] = false
			component = append(component, w)
			if w == v {
				break
			}
		}
		if len(component) > 1 || g.hasSelfEdge(v) {
			for _, w := range component {
				result[w] = struct{}{}
			}
		}
	}

	for _, id := range g.order {
		if _, seen := indices[id]; !seen {
			connect(id)
		}
	}
	return result
}

func (g *Graph) hasSelfEdge(id string) bool {
	for _, s := range g.successorMap[id] {
		if s == id {
			return true
		}
	}
	return false
}

// backEdges walks depth first from every entry vertex (in-degree zero) and
// then from anything left unvisited, both in insertion order.
func (g *Graph) backEdges() map[[2]string]struct{} {
	const (
		white = iota
		grey
		black
	)
	colour := make(map[string]int, len(g.order))
	back := make(map[[2]string]struct{})

	var visit func(v string)
	visit = func(v string) {
		colour[v] = grey
		for _, w := range g.successorMap[v] {
			switch colour[w] {
			case white:
				visit(w)
			case grey:
				back[[2]string{v, w}] = struct{}{}
			}
		}
		colour[v] = black
	}

	for _, id := range g.order {
		if g.inDegreeMap[id] == 0 && colour[id] == white {
			visit(id)
		}
	}
	for _, id := range g.order {
		if colour[id] == white {
			visit(id)
		}
	}
	return back
}
