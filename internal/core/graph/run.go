package graph

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/flowgraph/dataflow/internal/core/cache"
)

// StepResult is either a *VertexBuildResult or Finish.
type StepResult interface {
	stepResult()
}

// Finish marks the end of a run.
type Finish struct{}

func (Finish) stepResult() {}

// VertexBuildResult reports one completed vertex.
type VertexBuildResult struct {
	VertexID string        `json:"vertex_id"`
	Result   Result        `json:"result"`
	Valid    bool          `json:"valid"`
	CacheHit bool          `json:"cache_hit"`
	Duration time.Duration `json:"duration"`
	// Iteration counts builds of this vertex in the current pass.
	Iteration     int      `json:"iteration"`
	NextVertexIDs []string `json:"next_vertex_ids"`
}

func (*VertexBuildResult) stepResult() {}

// Process runs the whole graph in batches. Every vertex of a batch builds in
// its own goroutine; the first failure cancels the rest of the batch and is
// returned. Results are returned in batch order.
func (g *Graph) Process(ctx context.Context, opts RunOptions) ([]*VertexBuildResult, error) {
	if err := g.checkIterationBound(opts.MaxIterations); err != nil {
		return nil, err
	}
	if err := g.Prepare(opts); err != nil {
		return nil, err
	}
	return g.Run(ctx)
}

// Run drains the prepared queue in batches.
func (g *Graph) Run(ctx context.Context) (results []*VertexBuildResult, err error) {
	started := time.Now()
	g.startTracing(ctx)
	defer func() {
		g.endTracing(ctx, err)
		g.cfg.Metrics.RunFinished("batch", time.Since(started), err)
	}()

	g.mu.Lock()
	if !g.prepared {
		g.mu.Unlock()
		return nil, ErrNotPrepared
	}
	batch := g.queue
	g.queue = nil
	g.mu.Unlock()

	for len(batch) > 0 {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		batch, err = g.admit(batch)
		if err != nil {
			return results, err
		}
		if len(batch) == 0 {
			break
		}
		g.cfg.Metrics.BatchScheduled(len(batch))

		built := make([]*VertexBuildResult, len(batch))
		eg, gctx := errgroup.WithContext(ctx)
		for i, id := range batch {
			eg.Go(func() error {
				res, err := g.buildVertex(gctx, id)
				if err != nil {
					return err
				}
				res.NextVertexIDs = g.completeVertex(gctx, id)
				built[i] = res
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return appendBuilt(results, built), err
		}

		results = appendBuilt(results, built)
		var next []string
		for _, res := range built {
			next = append(next, res.NextVertexIDs...)
		}
		// Vertices reactivated while the batch ran.
		g.mu.Lock()
		next = append(next, g.queue...)
		g.queue = nil
		g.mu.Unlock()
		sort.Strings(next)
		batch = slices.Compact(next)
	}
	return results, nil
}

func appendBuilt(results, built []*VertexBuildResult) []*VertexBuildResult {
	for _, r := range built {
		if r != nil {
			results = append(results, r)
		}
	}
	return results
}

// admit drops ids that were deactivated or excluded after being scheduled
// and counts a build for the rest.
func (g *Graph) admit(batch []string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := batch[:0:0]
	for _, id := range batch {
		v := g.vertices[id]
		if g.isExcluded(id) || (!v.IsActive() && !v.IsLoop) {
			g.manager.RemoveFromVerticesBeingRun(id)
			continue
		}
		if g.maxIterations > 0 && g.buildCounts[id] >= g.maxIterations {
			return nil, ErrMaxIterationsReached
		}
		out = append(out, id)
	}
	for _, id := range out {
		g.buildCounts[id]++
	}
	return out, nil
}

// Step builds the next queued vertex and queues whatever it unblocks. It
// returns Finish once the queue is empty.
func (g *Graph) Step(ctx context.Context) (StepResult, error) {
	g.mu.Lock()
	if !g.prepared {
		g.mu.Unlock()
		return nil, ErrNotPrepared
	}
	var id string
	for id == "" && len(g.queue) > 0 {
		head := g.queue[0]
		g.queue = g.queue[1:]
		v := g.vertices[head]
		if g.isExcluded(head) || (!v.IsActive() && !v.IsLoop) {
			g.manager.RemoveFromVerticesBeingRun(head)
			continue
		}
		id = head
	}
	if id == "" {
		g.mu.Unlock()
		return Finish{}, nil
	}
	if g.maxIterations > 0 && g.buildCounts[id] >= g.maxIterations {
		g.queue = append([]string{id}, g.queue...)
		g.mu.Unlock()
		return nil, ErrMaxIterationsReached
	}
	g.buildCounts[id]++
	iteration := g.buildCounts[id]
	g.mu.Unlock()

	res, err := g.buildVertex(ctx, id)
	if err != nil {
		return nil, err
	}
	next := g.completeVertex(ctx, id)

	g.mu.Lock()
	g.queue = append(g.queue, next...)
	g.mu.Unlock()

	res.Iteration = iteration
	res.NextVertexIDs = next
	return res, nil
}

// Iterate prepares the graph and yields one result per built vertex, then
// Finish. A failed run yields the error instead of Finish.
func (g *Graph) Iterate(ctx context.Context, opts RunOptions) iter.Seq2[StepResult, error] {
	return func(yield func(StepResult, error) bool) {
		if err := g.checkIterationBound(opts.MaxIterations); err != nil {
			yield(nil, err)
			return
		}
		if err := g.Prepare(opts); err != nil {
			yield(nil, err)
			return
		}

		started := time.Now()
		var runErr error
		g.startTracing(ctx)
		defer func() {
			g.endTracing(ctx, runErr)
			g.cfg.Metrics.RunFinished("step", time.Since(started), runErr)
		}()

		for {
			if runErr = ctx.Err(); runErr != nil {
				yield(nil, runErr)
				return
			}
			res, err := g.Step(ctx)
			if err != nil {
				runErr = err
				yield(nil, err)
				return
			}
			if !yield(res, nil) {
				return
			}
			if _, done := res.(Finish); done {
				return
			}
		}
	}
}

// StreamItem is one element delivered by a Stream.
type StreamItem struct {
	Result StepResult
	Err    error
}

// Stream delivers step results produced by a dedicated goroutine.
type Stream struct {
	items  chan StreamItem
	cancel context.CancelFunc
	done   chan struct{}
}

// Start runs Iterate on its own goroutine and forwards every result over a
// bounded channel, so callers can consume the run without driving it.
func (g *Graph) Start(ctx context.Context, opts RunOptions) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		items:  make(chan StreamItem, g.cfg.StreamBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		defer close(s.items)
		for res, err := range g.Iterate(ctx, opts) {
			select {
			case s.items <- StreamItem{Result: res, Err: err}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return s
}

// Results is closed after Finish, an error, or Stop.
func (s *Stream) Results() <-chan StreamItem { return s.items }

// Stop cancels the run and waits for the producing goroutine to exit.
func (s *Stream) Stop() {
	s.cancel()
	for range s.items {
	}
	<-s.done
}

// Collect drains the stream. It returns the vertex results seen and the
// first error, if any.
func (s *Stream) Collect() ([]*VertexBuildResult, error) {
	defer s.cancel()
	var out []*VertexBuildResult
	for item := range s.items {
		if item.Err != nil {
			return out, item.Err
		}
		if r, ok := item.Result.(*VertexBuildResult); ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// buildVertex builds id, short-circuiting frozen vertices through the cache.
func (g *Graph) buildVertex(ctx context.Context, id string) (*VertexBuildResult, error) {
	v := g.vertices[id]
	started := time.Now()
	log := g.logger.WithFields(logrus.Fields{
		"vertex_id": id,
		"run_id":    g.RunID(),
		"flow_id":   g.cfg.FlowID,
	})
	tracer := g.activeTracer()
	ctx, endSpan := tracer.StartVertex(ctx, id, v.Type)
	g.cfg.Events.OnBuildStart(ctx, id)
	log.Debug("building vertex")

	hit := v.Frozen && !v.IsLoop && v.Built()
	if !hit && v.Frozen && !v.IsLoop {
		hit = g.restoreFromCache(ctx, v, log)
	}

	var err error
	if !hit {
		err = v.Build(ctx, g.buildRequest(v, log))
	}
	if err != nil {
		var be *BuildError
		if !errors.As(err, &be) {
			be = newBuildError(v, err)
			err = be
		}
		entry := Log{Name: id, Message: be.Message, Type: LogError, Trace: be.Trace}
		g.cfg.Events.OnBuildLog(ctx, id, entry)
		tracer.AddLog(ctx, id, entry)
		log.WithError(err).Error("vertex build failed")
		g.cfg.Metrics.VertexBuilt(v.Type, "error", time.Since(started))
		g.cfg.Events.OnBuildEnd(ctx, id, Result{}, err)
		endSpan(err)
		return nil, err
	}

	res := v.Result()
	if !hit {
		g.storeInCache(ctx, v, log)
	}
	status := "built"
	if hit {
		status = "cached"
	}
	tracer.SetOutputs(ctx, id, res.Outputs)
	g.cfg.Metrics.VertexBuilt(v.Type, status, time.Since(started))
	g.cfg.Events.OnBuildEnd(ctx, id, res, nil)
	endSpan(nil)
	log.WithField("cache_hit", hit).Debug("vertex built")

	return &VertexBuildResult{
		VertexID: id,
		Result:   res,
		Valid:    true,
		CacheHit: hit,
		Duration: time.Since(started),
	}, nil
}

// buildRequest resolves params: static params first, then one value per
// incoming edge from a built, runnable source. Several edges into the same
// field collect into a slice in edge order.
func (g *Graph) buildRequest(v *Vertex, log logrus.FieldLogger) *BuildRequest {
	g.mu.Lock()
	runID := g.runID
	inputs := g.inputs
	skip := make(map[string]bool)
	for _, e := range g.incoming(v.ID) {
		src := g.vertices[e.Source]
		skip[e.Source] = g.isExcluded(e.Source) || !src.IsActive()
	}
	g.mu.Unlock()

	params := cloneParams(v.Params)
	fed := make(map[string]bool)
	for _, e := range g.incoming(v.ID) {
		src := g.vertices[e.Source]
		if skip[e.Source] || !src.Built() {
			continue
		}
		val, ok := src.Result().Output(e.SourceHandle.Name)
		if !ok {
			continue
		}
		field := e.TargetHandle.FieldName
		switch {
		case !fed[field]:
			params[field] = val
			fed[field] = true
		default:
			if list, ok := params[field].(collected); ok {
				params[field] = append(list, val)
			} else {
				params[field] = collected{params[field], val}
			}
		}
	}
	for field, val := range params {
		if list, ok := val.(collected); ok {
			params[field] = []any(list)
		}
	}

	req := &BuildRequest{
		Vertex: v,
		Params: params,
		RunID:  runID,
		Run:    g.run,
		Events: g.cfg.Events,
		Graph:  g,
		Logger: log,
	}
	if v.IsInput {
		req.Inputs = inputs
	}
	return req
}

type collected []any

// completeVertex updates the frontier after id finished and returns the
// vertices it unblocked, already marked as being run.
func (g *Graph) completeVertex(ctx context.Context, id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.manager.MarkRan(id)
	g.manager.RemoveVertexFromRunnables(id)
	if g.manager.IsCycleVertex(id) {
		g.manager.ResetPredecessors(id, g.cyclePredecessors(id))
	}

	next := g.findNextRunnable(g.successorMap[id])
	next = slices.DeleteFunc(next, func(n string) bool { return n == id })
	if g.stopVertexID != "" && slices.Contains(next, g.stopVertexID) {
		next = []string{g.stopVertexID}
	}
	for _, n := range next {
		g.manager.AddToVerticesBeingRun(n)
	}

	for _, a := range g.activated[id] {
		if !g.manager.IsBeingRun(a) && !slices.Contains(next, a) {
			g.manager.AddToVerticesBeingRun(a)
			next = append(next, a)
		}
	}
	delete(g.activated, id)

	if g.cfg.PersistSnapshots {
		g.persistSnapshotLocked(ctx)
	}
	return next
}

func (g *Graph) cyclePredecessors(id string) []string {
	var out []string
	for _, p := range g.predecessorMap[id] {
		if _, ok := g.verticesToRun[p]; ok && g.manager.IsCycleVertex(p) {
			out = append(out, p)
		}
	}
	return out
}

// findNextRunnable returns the successors that can run now. A successor that
// cannot is searched through its pending predecessors, so vertices unblocked
// indirectly are found too.
func (g *Graph) findNextRunnable(successors []string) []string {
	found := make(map[string]struct{})
	visited := make(map[string]struct{})
	for _, s := range slices.Sorted(slices.Values(successors)) {
		if g.isRunnable(s) {
			found[s] = struct{}{}
			continue
		}
		g.findRunnablePredecessors(s, visited, found)
	}
	out := make([]string, 0, len(found))
	for id := range found {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (g *Graph) findRunnablePredecessors(id string, visited, found map[string]struct{}) {
	for _, p := range g.manager.PendingPredecessors(id) {
		if _, seen := visited[p]; seen {
			continue
		}
		visited[p] = struct{}{}
		if g.isRunnable(p) {
			found[p] = struct{}{}
			continue
		}
		g.findRunnablePredecessors(p, visited, found)
	}
}

// isRunnable combines the two pruning mechanisms: a vertex runs only if it is
// not conditionally excluded and the manager accepts it. Callers hold g.mu.
func (g *Graph) isRunnable(id string) bool {
	if g.isExcluded(id) {
		return false
	}
	v := g.vertices[id]
	return g.manager.IsVertexRunnable(id, v.IsActive(), v.IsLoop)
}

// IsVertexRunnable reports whether id could be scheduled right now.
func (g *Graph) IsVertexRunnable(id string) (bool, error) {
	if _, err := g.GetVertex(id); err != nil {
		return false, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.isRunnable(id), nil
}

// Queue returns the pending run queue.
func (g *Graph) Queue() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.queue)
}

// BuildCount returns how often id built in the current pass.
func (g *Graph) BuildCount(id string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.buildCounts[id]
}

// Reset drops every build result and the prepared run.
func (g *Graph) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, v := range g.vertices {
		v.Reset()
	}
	g.manager.Reset()
	g.queue = nil
	g.prepared = false
	clear(g.exclusions)
	clear(g.buildCounts)
	g.activated = nil
}

func (g *Graph) activeTracer() Tracer {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tracer
}

func (g *Graph) startTracing(ctx context.Context) {
	g.mu.Lock()
	run := TraceRun{RunID: g.runID, RunName: g.cfg.Name, FlowID: g.cfg.FlowID}
	g.tracer = g.cfg.Tracer
	g.mu.Unlock()

	if err := g.cfg.Tracer.StartTracers(ctx, run); err != nil {
		g.logger.WithError(err).Warn("tracing unavailable, continuing without it")
		g.mu.Lock()
		g.tracer = noopTracer{}
		g.mu.Unlock()
	}
}

func (g *Graph) endTracing(ctx context.Context, err error) {
	outputs := make(map[string]any)
	for _, v := range g.Vertices() {
		if v.IsOutput && v.Built() {
			outputs[v.ID] = v.Result().Outputs
		}
	}
	g.activeTracer().EndTracers(ctx, outputs, err)
}

type cachedVertex struct {
	Built  bool   `json:"built"`
	Result Result `json:"result"`
}

func (g *Graph) cacheScope() string {
	if g.cfg.FlowID != "" {
		return g.cfg.FlowID
	}
	return g.cfg.ID
}

func (g *Graph) restoreFromCache(ctx context.Context, v *Vertex, log logrus.FieldLogger) bool {
	if g.cfg.Cache == nil {
		return false
	}
	data, err := g.cfg.Cache.Get(ctx, cache.VertexKey(g.cacheScope(), v.ID))
	if errors.Is(err, cache.ErrMiss) {
		g.cfg.Metrics.CacheLookup(false)
		return false
	}
	if err != nil {
		log.WithError(err).Warn("cache read failed, building instead")
		g.cfg.Metrics.CacheLookup(false)
		return false
	}
	var entry cachedVertex
	if err := g.cfg.Serializer.Unmarshal(data, &entry); err != nil {
		log.WithError(err).Warn("cached vertex unreadable, building instead")
		g.cfg.Metrics.CacheLookup(false)
		return false
	}
	g.cfg.Metrics.CacheLookup(true)
	v.restore(entry.Built, entry.Result)
	return entry.Built
}

// storeInCache writes the result of v unless v is a loop vertex or fed by a
// cycle edge.
func (g *Graph) storeInCache(ctx context.Context, v *Vertex, log logrus.FieldLogger) {
	if g.cfg.Cache == nil || v.IsLoop {
		return
	}
	for _, e := range g.incoming(v.ID) {
		if e.IsCycle() {
			return
		}
	}
	data, err := g.cfg.Serializer.Marshal(cachedVertex{Built: v.Built(), Result: v.Result()})
	if err != nil {
		log.WithError(err).Warn("vertex result not cacheable")
		return
	}
	if err := g.cfg.Cache.Set(ctx, cache.VertexKey(g.cacheScope(), v.ID), data); err != nil {
		log.WithError(err).Warn("cache write failed")
	}
}
