// Package runnable tracks the scheduling frontier of a dataflow run: which
// vertices still wait on predecessors, which are executing, and which a
// completed vertex unblocks.
package runnable

import (
	"slices"
	"sort"
)

// Manager holds the frontier bookkeeping for one graph run.
// PRINCIPLES:
// - SRP: knows nothing about vertices beyond their ids
// - The owning graph serializes access; Manager itself is not goroutine safe
type Manager struct {
	runPredecessors map[string][]string
	runMap          map[string][]string
	verticesToRun   map[string]struct{}
	beingRun        map[string]struct{}
	ranAtLeastOnce  map[string]struct{}
	cycleVertices   map[string]struct{}
	// loopBack[target] holds sources whose edge into target closes a cycle.
	loopBack map[string]map[string]struct{}
}

// New creates an empty manager.
func New() *Manager {
	return &Manager{
		runPredecessors: make(map[string][]string),
		runMap:          make(map[string][]string),
		verticesToRun:   make(map[string]struct{}),
		beingRun:        make(map[string]struct{}),
		ranAtLeastOnce:  make(map[string]struct{}),
		cycleVertices:   make(map[string]struct{}),
		loopBack:        make(map[string]map[string]struct{}),
	}
}

// Reset clears all state, keeping the allocated maps.
func (m *Manager) Reset() {
	clear(m.runPredecessors)
	clear(m.runMap)
	clear(m.verticesToRun)
	clear(m.beingRun)
	clear(m.ranAtLeastOnce)
	clear(m.cycleVertices)
	clear(m.loopBack)
}

// BuildRunMap replaces the pending predecessor lists with predecessors and
// derives the inverse run map. Only vertices in verticesToRun are tracked.
func (m *Manager) BuildRunMap(predecessors map[string][]string, verticesToRun []string) {
	clear(m.runPredecessors)
	clear(m.verticesToRun)
	for _, id := range verticesToRun {
		m.verticesToRun[id] = struct{}{}
	}
	for id, preds := range predecessors {
		m.runPredecessors[id] = slices.Clone(preds)
	}
	m.rebuildRunMap()
}

// UpdateRunState merges predecessors into the pending lists, widens the set
// of vertices to run and rebuilds the run map.
func (m *Manager) UpdateRunState(predecessors map[string][]string, verticesToRun []string) {
	for id, preds := range predecessors {
		m.runPredecessors[id] = slices.Clone(preds)
	}
	for _, id := range verticesToRun {
		m.verticesToRun[id] = struct{}{}
	}
	m.rebuildRunMap()
}

func (m *Manager) rebuildRunMap() {
	clear(m.runMap)
	for id, preds := range m.runPredecessors {
		for _, p := range preds {
			if !slices.Contains(m.runMap[p], id) {
				m.runMap[p] = append(m.runMap[p], id)
			}
		}
	}
	for p := range m.runMap {
		sort.Strings(m.runMap[p])
	}
}

// SetCycleVertices records the vertices that lie on a cycle.
func (m *Manager) SetCycleVertices(ids []string) {
	clear(m.cycleVertices)
	for _, id := range ids {
		m.cycleVertices[id] = struct{}{}
	}
}

// SetLoopBackEdges records edges (source -> target) that close a cycle.
func (m *Manager) SetLoopBackEdges(pairs [][2]string) {
	clear(m.loopBack)
	for _, p := range pairs {
		src, dst := p[0], p[1]
		if m.loopBack[dst] == nil {
			m.loopBack[dst] = make(map[string]struct{})
		}
		m.loopBack[dst][src] = struct{}{}
	}
}

// IsVertexRunnable reports whether id may be scheduled now. Conditional
// exclusion is the caller's concern.
func (m *Manager) IsVertexRunnable(id string, active, loop bool) bool {
	if !active && !loop {
		return false
	}
	if _, running := m.beingRun[id]; running {
		return false
	}
	if _, ok := m.verticesToRun[id]; !ok {
		return false
	}
	return m.ArePredecessorsFulfilled(id)
}

// ArePredecessorsFulfilled reports whether nothing pending blocks id. A
// loop-back predecessor does not block the first run of its target.
func (m *Manager) ArePredecessorsFulfilled(id string) bool {
	_, ranOnce := m.ranAtLeastOnce[id]
	for _, p := range m.runPredecessors[id] {
		if _, running := m.beingRun[p]; running {
			return false
		}
		if !ranOnce && m.isLoopBack(p, id) {
			continue
		}
		return false
	}
	return true
}

func (m *Manager) isLoopBack(source, target string) bool {
	_, ok := m.loopBack[target][source]
	return ok
}

// IsCycleVertex reports whether id lies on a cycle.
func (m *Manager) IsCycleVertex(id string) bool {
	_, ok := m.cycleVertices[id]
	return ok
}

// AddToVerticesBeingRun marks id as executing.
func (m *Manager) AddToVerticesBeingRun(id string) {
	m.beingRun[id] = struct{}{}
}

// RemoveFromVerticesBeingRun clears the executing mark of id.
func (m *Manager) RemoveFromVerticesBeingRun(id string) {
	delete(m.beingRun, id)
}

// IsBeingRun reports whether id is executing or queued.
func (m *Manager) IsBeingRun(id string) bool {
	_, ok := m.beingRun[id]
	return ok
}

// MarkRan records that id completed at least once in this pass.
func (m *Manager) MarkRan(id string) {
	m.ranAtLeastOnce[id] = struct{}{}
}

// HasRan reports whether id completed at least once in this pass.
func (m *Manager) HasRan(id string) bool {
	_, ok := m.ranAtLeastOnce[id]
	return ok
}

// ForgetRan clears the completion mark of id.
func (m *Manager) ForgetRan(id string) {
	delete(m.ranAtLeastOnce, id)
}

// RemoveVertexFromRunnables is called when id completes: it leaves the
// executing set and stops blocking its dependents.
func (m *Manager) RemoveVertexFromRunnables(id string) {
	m.RemoveFromVerticesBeingRun(id)
	m.RemoveFromPredecessors(id)
}

// RemoveFromPredecessors deletes id from the pending list of every vertex
// it unblocks.
func (m *Manager) RemoveFromPredecessors(id string) {
	for _, dependent := range m.runMap[id] {
		m.runPredecessors[dependent] = slices.DeleteFunc(m.runPredecessors[dependent], func(p string) bool {
			return p == id
		})
	}
}

// ResetPredecessors sets the pending list of id, used to re-arm cycle
// vertices after they complete.
func (m *Manager) ResetPredecessors(id string, preds []string) {
	m.runPredecessors[id] = slices.Clone(preds)
	for _, p := range preds {
		if !slices.Contains(m.runMap[p], id) {
			m.runMap[p] = append(m.runMap[p], id)
			sort.Strings(m.runMap[p])
		}
	}
}

// AddVertexToRun widens the set of vertices this pass may schedule.
func (m *Manager) AddVertexToRun(id string) {
	m.verticesToRun[id] = struct{}{}
}

// InVerticesToRun reports whether id belongs to the current pass.
func (m *Manager) InVerticesToRun(id string) bool {
	_, ok := m.verticesToRun[id]
	return ok
}

// PendingPredecessors returns a copy of the vertices still blocking id.
func (m *Manager) PendingPredecessors(id string) []string {
	return slices.Clone(m.runPredecessors[id])
}

// Unblocks returns a copy of the vertices waiting on id.
func (m *Manager) Unblocks(id string) []string {
	return slices.Clone(m.runMap[id])
}

// BeingRun returns the executing vertex ids, sorted.
func (m *Manager) BeingRun() []string {
	return sortedKeys(m.beingRun)
}

// State is the serializable form of a Manager.
type State struct {
	RunPredecessors map[string][]string `json:"run_predecessors" msgpack:"run_predecessors"`
	RunMap          map[string][]string `json:"run_map" msgpack:"run_map"`
	VerticesToRun   []string            `json:"vertices_to_run" msgpack:"vertices_to_run"`
	BeingRun        []string            `json:"vertices_being_run" msgpack:"vertices_being_run"`
	RanAtLeastOnce  []string            `json:"ran_at_least_once" msgpack:"ran_at_least_once"`
	CycleVertices   []string            `json:"cycle_vertices" msgpack:"cycle_vertices"`
	LoopBackEdges   [][2]string         `json:"loop_back_edges" msgpack:"loop_back_edges"`
}

// ToState captures the manager without sharing memory with it.
func (m *Manager) ToState() State {
	s := State{
		RunPredecessors: cloneMap(m.runPredecessors),
		RunMap:          cloneMap(m.runMap),
		VerticesToRun:   sortedKeys(m.verticesToRun),
		BeingRun:        sortedKeys(m.beingRun),
		RanAtLeastOnce:  sortedKeys(m.ranAtLeastOnce),
		CycleVertices:   sortedKeys(m.cycleVertices),
	}
	for dst, sources := range m.loopBack {
		for src := range sources {
			s.LoopBackEdges = append(s.LoopBackEdges, [2]string{src, dst})
		}
	}
	sort.Slice(s.LoopBackEdges, func(i, j int) bool {
		a, b := s.LoopBackEdges[i], s.LoopBackEdges[j]
		if a[0] != b[0] {
			return a[0] < b[0]
		}
		return a[1] < b[1]
	})
	return s
}

// FromState rebuilds a manager from a captured State.
func FromState(s State) *Manager {
	m := New()
	m.runPredecessors = cloneMap(s.RunPredecessors)
	m.runMap = cloneMap(s.RunMap)
	for _, id := range s.VerticesToRun {
		m.verticesToRun[id] = struct{}{}
	}
	for _, id := range s.BeingRun {
		m.beingRun[id] = struct{}{}
	}
	for _, id := range s.RanAtLeastOnce {
		m.ranAtLeastOnce[id] = struct{}{}
	}
	m.SetCycleVertices(s.CycleVertices)
	m.SetLoopBackEdges(s.LoopBackEdges)
	return m
}

func cloneMap(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = slices.Clone(v)
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
