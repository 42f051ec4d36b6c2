package sorter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"

	"github.com/gekko3d/gsplat/splatrt/rt/core"
	"github.com/gekko3d/gsplat/splatrt/rt/octree"
)

// Logger is the subset of the application logger the engine writes to.
type Logger interface {
	Debugf(format string, args ...any)
	Warnf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...any) {}
func (nopLogger) Warnf(string, ...any)  {}

type Config struct {
	Kernel      Kernel
	BucketCount int
	// SharedMemory asks for an Arena instead of copying arrays per message.
	SharedMemory bool
	// SharedMemoryAllowed reports whether the host permits shared mode. Nil allows it.
	SharedMemoryAllowed func() bool
	// Distances moves distance computation out of the worker, e.g. to the GPU.
	Distances DistanceComputer
	// Cull limits full sorts, and so the draw order, to splats in octree
	// leaves that intersect the view frustum. It needs a tree.
	Cull   bool
	Logger Logger
}

func DefaultConfig() Config {
	return Config{Kernel: KernelIntegerSerial, BucketCount: DefaultBucketCount}
}

type Stats struct {
	FullSorts    uint64
	PartialSorts uint64
	Skipped      uint64
	// Dropped counts results discarded for a stale generation or request.
	Dropped    uint64
	Failed     uint64
	FenceWaits uint64
	LastSort   time.Duration
	// Culled is the number of splats the last full sort left out.
	Culled int
}

type flight struct {
	id         uint64
	generation uint64
	slots      []int
	count      int
	done       chan struct{}
}

// Engine keeps the draw order of a scene current. Update is called once per
// frame and never blocks on sorting; results arrive from the worker and
// replace the order as they complete.
type Engine struct {
	cfg    Config
	log    Logger
	worker *Worker
	arena  *Arena

	collected chan struct{}

	mu         sync.Mutex
	closed     bool
	hasScene   bool
	generation uint64
	nextID     uint64
	sched      Scheduler
	inFlight   *flight
	splats     int
	render     []uint32
	inRender   []bool
	order      []uint32
	version    uint64
	tree       *octree.Tree
	stats      Stats

	fence         Fence
	fenceView     mgl32.Mat4
	fenceFraction float32
	fencePos      mgl32.Vec3
	fencePlanes   [6]mgl32.Vec4

	mark     []bool
	subset   []uint32
	received []uint32
	visible  []uint32
}

// NewEngine starts the sort worker. A kernel that cannot be initialized
// returns a *WorkerInitError.
func NewEngine(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.BucketCount == 0 {
		cfg.BucketCount = DefaultBucketCount
	}
	e := &Engine{cfg: cfg, log: cfg.Logger, collected: make(chan struct{})}
	if e.log == nil {
		e.log = nopLogger{}
	}
	if cfg.SharedMemory {
		if cfg.SharedMemoryAllowed == nil || cfg.SharedMemoryAllowed() {
			e.arena = NewArena()
		} else {
			e.log.Warnf("shared memory not permitted, using copy mode")
		}
	}
	w, err := StartWorker(ctx, WorkerConfig{Kernel: cfg.Kernel, BucketCount: cfg.BucketCount, Arena: e.arena})
	if err != nil {
		return nil, err
	}
	e.worker = w
	e.log.Debugf("%s kernel, %d buckets, shared=%t", cfg.Kernel, cfg.BucketCount, e.arena != nil)
	go e.collect()
	return e, nil
}

// Shared reports whether the engine runs in shared mode.
func (e *Engine) Shared() bool {
	return e.arena != nil
}

// SetScene waits for any in-flight sort, then replaces the scene. renderIndexes
// is the initial draw order; tree may be nil and may be replaced later with SetTree.
func (e *Engine) SetScene(ctx context.Context, centers []float32, renderIndexes []uint32, tree *octree.Tree) error {
	if err := e.lockIdle(ctx); err != nil {
		return err
	}
	defer e.mu.Unlock()
	if e.closed || e.inFlight != nil {
		return ErrEngineClosed
	}
	n := len(centers) / 3
	for _, idx := range renderIndexes {
		if int(idx) >= n {
			return fmt.Errorf("sorter: render index %d out of range %d", idx, n)
		}
	}

	e.generation++
	e.splats = n
	e.render = append(e.render[:0], renderIndexes...)
	e.inRender = grow(e.inRender, n)
	clear(e.inRender)
	for _, idx := range renderIndexes {
		e.inRender[idx] = true
	}
	e.order = append(e.order[:0], renderIndexes...)
	e.version++
	e.tree = tree
	e.fence = nil
	e.sched.Reset()
	e.hasScene = true

	if e.cfg.Distances != nil {
		if err := e.cfg.Distances.SetCenters(centers); err != nil {
			return fmt.Errorf("sorter: distance computer: %w", err)
		}
	}
	if e.arena != nil {
		e.arena.WriteCenters(OwnerHost, centers)
	}
	return e.worker.SetCenters(e.generation, centers)
}

// lockIdle waits until no sort is in flight and returns with mu held. A sort
// queued by Update between the wait and the lock sends it back to waiting.
// If the worker has stopped, it returns with the flight still set.
func (e *Engine) lockIdle(ctx context.Context) error {
	for {
		if err := e.Wait(ctx); err != nil {
			return err
		}
		e.mu.Lock()
		if e.inFlight == nil || e.closed || e.workerStopped() {
			return nil
		}
		e.mu.Unlock()
	}
}

func (e *Engine) workerStopped() bool {
	select {
	case <-e.collected:
		return true
	default:
		return false
	}
}

// SetTree swaps the octree used for culling and partial sort subsets. A new
// tree schedules a full sort on the next Update.
func (e *Engine) SetTree(tree *octree.Tree) {
	e.mu.Lock()
	e.tree = tree
	if tree != nil && e.fence == nil {
		e.sched.Reset()
	}
	e.mu.Unlock()
}

// Update schedules a sort for cam when the engine is idle.
func (e *Engine) Update(cam *core.Camera) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || !e.hasScene || e.inFlight != nil {
		return
	}
	if e.arena != nil && !e.arena.Holds(OwnerHost) {
		return
	}

	if e.fence == nil {
		fraction, ok := e.sched.Next(cam.ViewDirection(), cam.Position)
		if !ok {
			e.stats.Skipped++
			return
		}
		if e.cfg.Distances == nil {
			e.dispatch(cam.View, cam.Position, cam.Frustum(), fraction, nil)
			return
		}
		fence, err := e.cfg.Distances.Compute(cam.View)
		if err != nil {
			e.log.Warnf("distance pass: %v", err)
			e.sched.Reset()
			return
		}
		e.fence, e.fenceView, e.fencePos, e.fenceFraction = fence, cam.View, cam.Position, fraction
		e.fencePlanes = cam.Frustum()
	}

	if !e.fence.Ready() {
		e.stats.FenceWaits++
		return
	}
	fence := e.fence
	e.fence = nil
	dist, err := fence.Distances()
	if err != nil {
		e.log.Warnf("distance readback: %v", err)
		e.sched.Reset()
		return
	}
	e.dispatch(e.fenceView, e.fencePos, e.fencePlanes, e.fenceFraction, dist)
}

// dispatch sends one request. Called with mu held.
func (e *Engine) dispatch(view mgl32.Mat4, pos mgl32.Vec3, planes [6]mgl32.Vec4, fraction float32, dist []float32) {
	var slots []int
	indexes := e.render
	if fraction < 1 {
		indexes, slots = e.partialSubset(pos, fraction)
		if len(indexes) == 0 {
			e.stats.Skipped++
			return
		}
	} else {
		if e.cfg.Cull && e.tree != nil {
			indexes = e.visibleIndexes(planes)
		}
		e.stats.Culled = len(e.render) - len(indexes)
		if len(indexes) == 0 {
			e.order = e.order[:0]
			e.version++
			e.stats.FullSorts++
			return
		}
	}

	e.nextID++
	f := &flight{id: e.nextID, generation: e.generation, slots: slots, count: len(indexes), done: make(chan struct{})}
	req := SortRequest{Generation: e.generation, RequestID: f.id, View: view, Indexes: indexes, Distances: dist}
	if e.arena != nil {
		e.arena.WriteRequest(OwnerHost, indexes, dist)
		e.arena.Transfer(OwnerHost, OwnerWorker)
	}
	if err := e.worker.Sort(req); err != nil {
		if e.arena != nil {
			// The worker never received the request.
			e.arena.Transfer(OwnerWorker, OwnerHost)
		}
		e.log.Warnf("queue sort: %v", err)
		return
	}
	e.inFlight = f
}

// visibleIndexes collects the render indexes held by octree leaves that
// intersect the frustum. Called with mu held.
func (e *Engine) visibleIndexes(planes [6]mgl32.Vec4) []uint32 {
	e.visible = e.visible[:0]
	for _, leaf := range e.tree.VisibleLeaves(planes) {
		for _, idx := range leaf.Indexes {
			if int(idx) < len(e.inRender) && e.inRender[idx] {
				e.visible = append(e.visible, idx)
			}
		}
	}
	return e.visible
}

// partialSubset picks the splats to re-sort and the slots they occupy in the
// current order. With a tree the nearest leaves win; without one the tail of
// the order, which holds the nearest splats.
func (e *Engine) partialSubset(pos mgl32.Vec3, fraction float32) ([]uint32, []int) {
	n := len(e.order)
	want := int(math32.Ceil(fraction * float32(n)))
	slots := make([]int, 0, want)
	e.subset = e.subset[:0]

	if e.tree == nil {
		for s := n - want; s < n; s++ {
			slots = append(slots, s)
			e.subset = append(e.subset, e.order[s])
		}
		return e.subset, slots
	}

	e.mark = grow(e.mark, e.splats)
	clear(e.mark)
	for _, idx := range e.tree.Prioritize(pos, fraction) {
		if int(idx) < len(e.mark) {
			e.mark[idx] = true
		}
	}
	for s, idx := range e.order {
		if e.mark[idx] {
			slots = append(slots, s)
			e.subset = append(e.subset, idx)
		}
	}
	return e.subset, slots
}

func (e *Engine) collect() {
	defer close(e.collected)
	for r := range e.worker.Results() {
		e.apply(r)
	}
}

func (e *Engine) apply(r Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	f := e.inFlight
	if f == nil || f.id != r.RequestID {
		e.stats.Dropped++
		return
	}
	defer func() {
		e.inFlight = nil
		close(f.done)
	}()

	if r.Generation != e.generation || f.generation != e.generation {
		e.stats.Dropped++
		e.log.Debugf("dropped result of generation %d, current %d", r.Generation, e.generation)
		return
	}
	if r.Canceled {
		e.stats.Dropped++
		return
	}
	if r.Err != nil {
		e.stats.Failed++
		e.log.Warnf("sort %d: %v", r.RequestID, r.Err)
		return
	}

	order := r.Order
	if e.arena != nil {
		e.received = e.arena.ReadOrder(OwnerHost, e.received)
		order = e.received
	}
	if f.slots == nil {
		if len(order) != f.count {
			e.stats.Failed++
			return
		}
		e.order = append(e.order[:0], order...)
		e.stats.FullSorts++
	} else {
		if len(order) != len(f.slots) {
			e.stats.Failed++
			return
		}
		for i, s := range f.slots {
			e.order[s] = order[i]
		}
		e.stats.PartialSorts++
	}
	e.version++
	e.stats.LastSort = r.Elapsed
}

// Order returns a copy of the current draw order, farthest splat first.
func (e *Engine) Order() []uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]uint32(nil), e.order...)
}

// OrderInto copies the current order into dst and returns it with the order
// version. The version changes whenever a sort result is applied.
func (e *Engine) OrderInto(dst []uint32) ([]uint32, uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append(dst[:0], e.order...), e.version
}

func (e *Engine) Version() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.version
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Busy reports whether a sort is in flight.
func (e *Engine) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight != nil
}

// Wait blocks until no sort is in flight.
func (e *Engine) Wait(ctx context.Context) error {
	for {
		e.mu.Lock()
		f, closed := e.inFlight, e.closed
		e.mu.Unlock()
		if f == nil || closed {
			return nil
		}
		select {
		case <-f.done:
		case <-e.collected:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Sort runs a full sort for cam and waits for it.
func (e *Engine) Sort(ctx context.Context, cam *core.Camera) error {
	if err := e.Wait(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	e.sched.Reset()
	e.fence = nil
	e.mu.Unlock()
	e.Update(cam)
	return e.Wait(ctx)
}

// Close stops the worker. No result is applied after Close returns.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	f := e.inFlight
	e.inFlight = nil
	e.mu.Unlock()

	e.worker.Close()
	<-e.collected
	if f != nil {
		close(f.done)
	}
}
