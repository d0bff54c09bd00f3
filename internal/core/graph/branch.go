package graph

import (
	"slices"
	"sort"
	"strings"
)

// MarkVertex sets the state of a single vertex. An inactive vertex leaves
// the run queue; reactivating it queues it again when it is runnable.
func (g *Graph) MarkVertex(id string, state State) error {
	v, err := g.GetVertex(id)
	if err != nil {
		return err
	}
	if _, err := ParseState(string(state)); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	v.SetState(state)
	if state == StateInactive {
		g.unschedule(id)
	}
	g.recomputePending([]string{id})
	if state == StateActive {
		g.reschedule([]string{id})
	}
	return nil
}

// MarkAll sets the state of every vertex.
func (g *Graph) MarkAll(state State) error {
	for _, id := range g.order {
		if err := g.MarkVertex(id, state); err != nil {
			return err
		}
	}
	return nil
}

// MarkBranch changes the state of a branch. With outputName set the branch
// starts at the children fed by that output and vertexID keeps its state;
// otherwise vertexID is included.
//
// Activation reaches every descendant. Deactivation stops at vertices that
// still have an incoming edge from outside the branch, so independent paths
// keep running.
func (g *Graph) MarkBranch(vertexID string, state State, outputName string) error {
	if _, err := g.GetVertex(vertexID); err != nil {
		return err
	}
	if _, err := ParseState(string(state)); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	var branch []string
	if state == StateInactive {
		branch = g.dominatedBranch(vertexID, outputName, outputName == "")
	} else {
		branch = g.reachableBranch(vertexID, outputName)
	}
	for _, id := range branch {
		g.vertices[id].SetState(state)
		if state == StateInactive {
			g.unschedule(id)
		}
	}
	g.recomputePending(branch)
	if state == StateActive {
		g.reschedule(branch)
	}
	return nil
}

// ExcludeBranchConditionally records the descendants of sourceID reached
// through outputName as excluded for this pass. The set replaces whatever
// sourceID excluded before, so a routing vertex that changes its decision
// releases the branch it picked last time.
func (g *Graph) ExcludeBranchConditionally(sourceID, outputName string) error {
	if _, err := g.GetVertex(sourceID); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	previous := g.exclusions[sourceID]
	branch := g.dominatedBranch(sourceID, outputName, false)
	excluded := make(map[string]struct{}, len(branch))
	for _, id := range branch {
		excluded[id] = struct{}{}
		g.unschedule(id)
	}
	g.exclusions[sourceID] = excluded

	affected := slices.Clone(branch)
	for id := range previous {
		affected = append(affected, id)
	}
	g.recomputePending(affected)
	return nil
}

// ClearExclusions drops the exclusions recorded by sourceID.
func (g *Graph) ClearExclusions(sourceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	previous := g.exclusions[sourceID]
	delete(g.exclusions, sourceID)
	var affected []string
	for id := range previous {
		affected = append(affected, id)
	}
	g.recomputePending(affected)
	sort.Strings(affected)
	g.reschedule(affected)
}

// ExcludedVertices returns the union of every exclusion set, sorted.
func (g *Graph) ExcludedVertices() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	seen := make(map[string]struct{})
	for _, set := range g.exclusions {
		for id := range set {
			seen[id] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ActivateStateVertices re-arms every state vertex listening on a context key
// containing name, except the caller and vertices sharing its display name.
// The listeners and their downstream closure become active and unbuilt; the
// listeners are queued once the caller completes.
func (g *Graph) ActivateStateVertices(name, callerID string) error {
	caller, err := g.GetVertex(callerID)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	pending := make(map[string][]string)
	var widened []string
	for _, id := range g.order {
		v := g.vertices[id]
		if !v.IsState || id == callerID || v.DisplayName == caller.DisplayName {
			continue
		}
		key := v.StringParam("context_key")
		if key == "" || !strings.Contains(key, name) {
			continue
		}

		closure := append([]string{id}, g.Descendants(id)...)
		inClosure := make(map[string]struct{}, len(closure))
		for _, c := range closure {
			inClosure[c] = struct{}{}
		}
		for _, c := range closure {
			cv := g.vertices[c]
			cv.SetState(StateActive)
			if !cv.Frozen {
				cv.Reset()
			}
			g.manager.ForgetRan(c)
			var preds []string
			if c != id {
				for _, p := range g.predecessorMap[c] {
					if _, ok := inClosure[p]; ok {
						preds = append(preds, p)
					}
				}
			}
			pending[c] = preds
			g.verticesToRun[c] = struct{}{}
			widened = append(widened, c)
		}
		if g.activated == nil {
			g.activated = make(map[string][]string)
		}
		if !slices.Contains(g.activated[callerID], id) {
			g.activated[callerID] = append(g.activated[callerID], id)
		}
	}
	g.manager.UpdateRunState(pending, widened)
	return nil
}

// reachableBranch returns the branch rooted at root, sorted. With output set,
// only children fed by that output start the walk and root is left out.
func (g *Graph) reachableBranch(root, output string) []string {
	visited := map[string]struct{}{root: {}}
	var stack, out []string
	if output == "" {
		out = append(out, root)
		stack = slices.Clone(g.successorMap[root])
	} else {
		stack = g.childrenVia(root, output)
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := visited[n]; ok {
			continue
		}
		visited[n] = struct{}{}
		out = append(out, n)
		stack = append(stack, g.successorMap[n]...)
	}
	sort.Strings(out)
	return out
}

// dominatedBranch returns the vertices fed only through root's output: a
// vertex joins once every incoming edge, loop-back edges aside, comes from
// root through output or from a vertex already in the branch.
func (g *Graph) dominatedBranch(root, output string, includeRoot bool) []string {
	in := make(map[string]struct{})
	if includeRoot {
		in[root] = struct{}{}
	}
	fromRoot := func(e *Edge) bool {
		return e.Source == root && (includeRoot || output == "" || e.SourceHandle.Name == output)
	}

	for changed := true; changed; {
		changed = false
		candidates := g.childrenVia(root, output)
		if includeRoot || output == "" {
			candidates = slices.Clone(g.successorMap[root])
		}
		for id := range in {
			candidates = append(candidates, g.successorMap[id]...)
		}
		sort.Strings(candidates)
		for _, c := range slices.Compact(candidates) {
			if _, ok := in[c]; ok || c == root {
				continue
			}
			if g.fedOnlyBy(c, in, fromRoot) {
				in[c] = struct{}{}
				changed = true
			}
		}
	}

	out := make([]string, 0, len(in))
	for id := range in {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (g *Graph) fedOnlyBy(id string, in map[string]struct{}, fromRoot func(*Edge) bool) bool {
	for _, e := range g.incoming(id) {
		if g.isBackEdge(e.Source, e.Target) {
			continue
		}
		if _, ok := in[e.Source]; ok {
			continue
		}
		if fromRoot(e) {
			continue
		}
		return false
	}
	return true
}

func (g *Graph) childrenVia(root, output string) []string {
	var out []string
	for _, e := range g.outgoing(root) {
		if output == "" || e.SourceHandle.Name == output {
			if !slices.Contains(out, e.Target) {
				out = append(out, e.Target)
			}
		}
	}
	return out
}

// recomputePending resets the blockers of ids and their successors to the
// predecessors that can still run in this pass. Callers hold g.mu.
func (g *Graph) recomputePending(ids []string) {
	targets := make(map[string]struct{})
	for _, id := range ids {
		targets[id] = struct{}{}
		for _, s := range g.successorMap[id] {
			targets[s] = struct{}{}
		}
	}
	pending := make(map[string][]string, len(targets))
	for id := range targets {
		if _, ok := g.verticesToRun[id]; !ok {
			continue
		}
		var preds []string
		for _, p := range g.predecessorMap[id] {
			if _, ok := g.verticesToRun[p]; !ok {
				continue
			}
			if !g.vertices[p].IsActive() || g.isExcluded(p) || g.manager.HasRan(p) {
				continue
			}
			preds = append(preds, p)
		}
		pending[id] = preds
	}
	g.manager.UpdateRunState(pending, nil)
}

// unschedule drops id from the queue and the executing set. Callers hold g.mu.
func (g *Graph) unschedule(id string) {
	g.queue = slices.DeleteFunc(g.queue, func(q string) bool { return q == id })
	g.manager.RemoveFromVerticesBeingRun(id)
}

// reschedule queues the ids that are still due in this pass and became
// runnable again. Callers hold g.mu.
func (g *Graph) reschedule(ids []string) {
	if !g.prepared {
		return
	}
	for _, id := range ids {
		if !g.manager.InVerticesToRun(id) || g.manager.HasRan(id) || !g.isRunnable(id) {
			continue
		}
		g.manager.AddToVerticesBeingRun(id)
		g.queue = append(g.queue, id)
	}
}

func (g *Graph) isExcluded(id string) bool {
	for _, set := range g.exclusions {
		if _, ok := set[id]; ok {
			return true
		}
	}
	return false
}
