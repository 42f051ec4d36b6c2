package sorter

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekko3d/gsplat/splatrt/rt/core"
	"github.com/gekko3d/gsplat/splatrt/rt/octree"
)

func randomCenters(n int, seed int64) []float32 {
	r := rand.New(rand.NewSource(seed))
	out := make([]float32, n*3)
	for i := range out {
		out[i] = r.Float32()*40 - 20
	}
	return out
}

func identityOrder(n int) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = uint32(i)
	}
	return out
}

func depth(centers []float32, view mgl32.Mat4, i uint32) float32 {
	row := ViewRow(view)
	c := centers[i*3 : i*3+3]
	return -(row[0]*c[0] + row[1]*c[1] + row[2]*c[2] + row[3])
}

// assertBackToFront checks order is non-increasing in depth, allowing one
// counting sort bucket of slack.
func assertBackToFront(t *testing.T, centers []float32, view mgl32.Mat4, order []uint32) {
	t.Helper()
	lo, hi := float32(math.MaxFloat32), float32(-math.MaxFloat32)
	for _, i := range order {
		d := depth(centers, view, i)
		lo, hi = min(lo, d), max(hi, d)
	}
	tol := (hi-lo)/float32(DefaultBucketCount-1)*1.01 + 0.1
	for k := 1; k < len(order); k++ {
		prev, cur := depth(centers, view, order[k-1]), depth(centers, view, order[k])
		if cur > prev+tol {
			t.Fatalf("order[%d]=%d depth %f follows depth %f", k, order[k], cur, prev)
		}
	}
}

func assertPermutation(t *testing.T, order []uint32, n int) {
	t.Helper()
	seen := make([]bool, n)
	require.Len(t, order, n)
	for _, i := range order {
		require.Less(t, int(i), n)
		require.False(t, seen[i], "index %d repeated", i)
		seen[i] = true
	}
}

func TestKernelsSortBackToFront(t *testing.T) {
	const n = 40000
	centers := randomCenters(n, 1)
	view := mgl32.LookAtV(mgl32.Vec3{30, 10, 25}, mgl32.Vec3{}, mgl32.Vec3{0, 1, 0})

	for _, variant := range []Kernel{KernelIntegerSerial, KernelIntegerParallel, KernelFloatSerial, KernelFloatParallel} {
		t.Run(variant.String(), func(t *testing.T) {
			k, err := newKernel(variant, DefaultBucketCount)
			require.NoError(t, err)
			k.setCenters(centers)
			out := make([]uint32, n)
			require.NoError(t, k.run(context.Background(), ViewRow(view), identityOrder(n), nil, out))
			assertPermutation(t, out, n)
			assertBackToFront(t, centers, view, out)
		})
	}
}

func TestKernelPrecomputedDistances(t *testing.T) {
	centers := randomCenters(500, 2)
	view := mgl32.LookAtV(mgl32.Vec3{0, 0, 50}, mgl32.Vec3{}, mgl32.Vec3{0, 1, 0})
	cpu := &CPUDistanceComputer{}
	require.NoError(t, cpu.SetCenters(centers))
	fence, err := cpu.Compute(view)
	require.NoError(t, err)
	require.True(t, fence.Ready())
	dist, err := fence.Distances()
	require.NoError(t, err)

	for _, variant := range []Kernel{KernelIntegerSerial, KernelFloatSerial} {
		k, err := newKernel(variant, DefaultBucketCount)
		require.NoError(t, err)
		k.setCenters(centers)
		// A view that disagrees with the distances proves they were used.
		other := mgl32.LookAtV(mgl32.Vec3{0, 0, -50}, mgl32.Vec3{}, mgl32.Vec3{0, 1, 0})
		out := make([]uint32, 500)
		require.NoError(t, k.run(context.Background(), ViewRow(other), identityOrder(500), dist, out))
		assertBackToFront(t, centers, view, out)
	}
}

func TestCountingSortStableTies(t *testing.T) {
	s := countingSort{counts: make([]uint32, 16)}
	indexes := []uint32{7, 3, 9, 1}
	out := make([]uint32, 4)

	s.sortInt([]int32{5, 5, 5, 5}, indexes, out)
	assert.Equal(t, indexes, out)

	s.sortFloat([]float32{1, 3, 1, 3}, indexes, out)
	assert.Equal(t, []uint32{3, 1, 7, 9}, out)
}

func TestKernelRejectsBadIndex(t *testing.T) {
	k, err := newKernel(KernelFloatSerial, 8)
	require.NoError(t, err)
	k.setCenters([]float32{0, 0, 0})
	err = k.run(context.Background(), mgl32.Vec4{0, 0, 1, 0}, []uint32{4}, nil, make([]uint32, 1))
	assert.Error(t, err)
}

func TestSchedulerPlans(t *testing.T) {
	forward := mgl32.Vec3{0, 0, -1}
	tests := []struct {
		name  string
		dot   float32
		moved float32
		want  []float32
	}{
		{"still", 1, 0, nil},
		{"small move", 1, 0.5, nil},
		{"translation", 1, 2, []float32{1}},
		{"slight turn", 0.983, 0, []float32{0.5, 1}},
		{"medium turn", 0.7, 0, []float32{1.0 / 3, 2.0 / 3, 1}},
		{"large turn", 0.6, 0, []float32{0.125, 1.0 / 3, 0.75, 1}},
		{"about face", -1, 0, []float32{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s Scheduler
			f, ok := s.Next(forward, mgl32.Vec3{})
			require.True(t, ok)
			require.Equal(t, float32(1), f)

			sin := math32.Sqrt(max(0, 1-tt.dot*tt.dot))
			dir := mgl32.Vec3{sin, 0, -tt.dot}
			pos := mgl32.Vec3{tt.moved, 0, 0}
			var got []float32
			for i := 0; i < 8; i++ {
				f, ok := s.Next(dir, pos)
				if !ok {
					break
				}
				got = append(got, f)
			}
			require.Len(t, got, len(tt.want))
			for i := range got {
				assert.InDelta(t, tt.want[i], got[i], 1e-6)
			}
		})
	}
}

func TestHandoffOwnership(t *testing.T) {
	a := NewArena()
	assert.True(t, a.Holds(OwnerHost))
	a.WriteCenters(OwnerHost, []float32{1, 2, 3})
	a.WriteRequest(OwnerHost, []uint32{0}, nil)

	assert.Panics(t, func() { a.Transfer(OwnerWorker, OwnerHost) })
	assert.Panics(t, func() { a.Order(OwnerHost, 1) })

	a.Transfer(OwnerHost, OwnerWorker)
	assert.Panics(t, func() { a.WriteRequest(OwnerHost, nil, nil) })
	centers, indexes, dist := a.Inputs(OwnerWorker)
	assert.Equal(t, []float32{1, 2, 3}, centers)
	assert.Equal(t, []uint32{0}, indexes)
	assert.Nil(t, dist)
	a.Order(OwnerWorker, 1)[0] = 0
	assert.Panics(t, func() { a.ReadOrder(OwnerHost, nil) })

	a.Transfer(OwnerWorker, OwnerHost)
	assert.Equal(t, []uint32{0}, a.ReadOrder(OwnerHost, nil))
}

func TestWorkerInitError(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"unknown kernel", Config{Kernel: Kernel(42)}},
		{"one bucket", Config{Kernel: KernelFloatSerial, BucketCount: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := NewEngine(context.Background(), tt.cfg)
			assert.Nil(t, e)
			var initErr *WorkerInitError
			require.True(t, errors.As(err, &initErr))
			assert.Equal(t, tt.cfg.Kernel, initErr.Kernel)
		})
	}
}

func TestWorkerCancelsStaleGeneration(t *testing.T) {
	w, err := StartWorker(context.Background(), WorkerConfig{Kernel: KernelFloatSerial, BucketCount: 64})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.SetCenters(1, randomCenters(10, 3)))
	require.NoError(t, w.SetCenters(2, randomCenters(10, 4)))
	require.NoError(t, w.Sort(SortRequest{Generation: 1, RequestID: 1, View: mgl32.Ident4(), Indexes: identityOrder(10)}))
	require.NoError(t, w.Sort(SortRequest{Generation: 2, RequestID: 2, View: mgl32.Ident4(), Indexes: identityOrder(10)}))

	stale := <-w.Results()
	assert.True(t, stale.Canceled)
	assert.Nil(t, stale.Order)
	fresh := <-w.Results()
	assert.False(t, fresh.Canceled)
	assert.Equal(t, uint64(2), fresh.RequestID)
	assertPermutation(t, fresh.Order, 10)

	w.Close()
	assert.ErrorIs(t, w.Sort(SortRequest{}), ErrEngineClosed)
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	if cfg.BucketCount == 0 {
		cfg.BucketCount = DefaultBucketCount
	}
	e, err := NewEngine(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func TestEngineSortModes(t *testing.T) {
	const n = 5000
	centers := randomCenters(n, 5)
	cam := core.NewPerspectiveCamera(mgl32.Vec3{0, 5, 60}, mgl32.Vec3{}, mgl32.Vec3{0, 1, 0}, mgl32.DegToRad(60), 1, 0.1, 500)

	tests := []struct {
		name   string
		cfg    Config
		shared bool
	}{
		{"copy integer", Config{Kernel: KernelIntegerSerial}, false},
		{"copy float parallel", Config{Kernel: KernelFloatParallel}, false},
		{"shared integer", Config{Kernel: KernelIntegerSerial, SharedMemory: true}, true},
		{"shared refused", Config{Kernel: KernelIntegerSerial, SharedMemory: true, SharedMemoryAllowed: func() bool { return false }}, false},
		{"cpu distances", Config{Kernel: KernelFloatSerial, Distances: &CPUDistanceComputer{}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, tt.cfg)
			assert.Equal(t, tt.shared, e.Shared())
			require.NoError(t, e.SetScene(context.Background(), centers, identityOrder(n), nil))
			require.NoError(t, e.Sort(context.Background(), cam))

			order := e.Order()
			assertPermutation(t, order, n)
			assertBackToFront(t, centers, cam.View, order)
			assert.Equal(t, uint64(1), e.Stats().FullSorts)
		})
	}
}

func TestEngineRenderSubset(t *testing.T) {
	centers := randomCenters(100, 6)
	render := []uint32{90, 10, 50, 20}
	cam := core.NewPerspectiveCamera(mgl32.Vec3{0, 0, 60}, mgl32.Vec3{}, mgl32.Vec3{0, 1, 0}, 1, 1, 0.1, 500)

	e := newTestEngine(t, Config{Kernel: KernelFloatSerial})
	require.NoError(t, e.SetScene(context.Background(), centers, render, nil))
	assert.Equal(t, render, e.Order())
	require.NoError(t, e.Sort(context.Background(), cam))
	order := e.Order()
	assert.ElementsMatch(t, render, order)
	assertBackToFront(t, centers, cam.View, order)

	assert.Error(t, e.SetScene(context.Background(), centers, []uint32{100}, nil))
}

// A slight turn (view direction dot 0.983) re-sorts half of the splats once,
// then catches up with a full sort.
func TestEnginePartialThenCatchUp(t *testing.T) {
	for _, withTree := range []bool{false, true} {
		name := "tail"
		if withTree {
			name = "tree"
		}
		t.Run(name, func(t *testing.T) {
			const n = 4000
			ctx := context.Background()
			centers := randomCenters(n, 7)
			var tree *octree.Tree
			if withTree {
				var err error
				tree, err = octree.Build(ctx, centers, octree.BuildOptions{MaxDepth: 6, MaxCentersPerNode: 64})
				require.NoError(t, err)
			}
			e := newTestEngine(t, Config{Kernel: KernelIntegerSerial})
			require.NoError(t, e.SetScene(ctx, centers, identityOrder(n), tree))

			eye := mgl32.Vec3{0, 0, 60}
			cam := core.NewPerspectiveCamera(eye, eye.Add(mgl32.Vec3{0, 0, -1}), mgl32.Vec3{0, 1, 0}, 1, 1, 0.1, 500)
			e.Update(cam)
			require.NoError(t, e.Wait(ctx))
			require.Equal(t, uint64(1), e.Stats().FullSorts)
			before := e.Order()

			cos := float32(0.983)
			turned := mgl32.Vec3{math32.Sqrt(1 - cos*cos), 0, -cos}
			cam.LookAt(eye, eye.Add(turned), mgl32.Vec3{0, 1, 0})
			require.InDelta(t, cos, cam.ViewDirection().Dot(mgl32.Vec3{0, 0, -1}), 1e-4)

			e.Update(cam)
			require.NoError(t, e.Wait(ctx))
			st := e.Stats()
			assert.Equal(t, uint64(1), st.PartialSorts)
			assert.Equal(t, uint64(1), st.FullSorts)

			partial := e.Order()
			assertPermutation(t, partial, n)
			changed := 0
			for i := range partial {
				if partial[i] != before[i] {
					changed++
				}
			}
			assert.LessOrEqual(t, changed, n*3/4)

			e.Update(cam)
			require.NoError(t, e.Wait(ctx))
			st = e.Stats()
			assert.Equal(t, uint64(1), st.PartialSorts)
			assert.Equal(t, uint64(2), st.FullSorts)
			assertBackToFront(t, centers, cam.View, e.Order())

			e.Update(cam)
			assert.False(t, e.Busy())
			assert.Equal(t, uint64(1), e.Stats().Skipped)
		})
	}
}

func TestEngineDropsStaleResult(t *testing.T) {
	e := newTestEngine(t, Config{Kernel: KernelFloatSerial})
	require.NoError(t, e.SetScene(context.Background(), randomCenters(4, 8), identityOrder(4), nil))
	require.NoError(t, e.SetScene(context.Background(), randomCenters(4, 9), identityOrder(4), nil))

	e.mu.Lock()
	f := &flight{id: 99, generation: 1, done: make(chan struct{})}
	e.inFlight = f
	e.mu.Unlock()

	e.apply(Result{Generation: 1, RequestID: 99, Order: []uint32{3, 2, 1, 0}})
	assert.Equal(t, identityOrder(4), e.Order())
	assert.Equal(t, uint64(1), e.Stats().Dropped)
	assert.False(t, e.Busy())
	select {
	case <-f.done:
	default:
		t.Fatal("flight not released")
	}
}

type manualFence struct {
	ready atomic.Bool
	dist  []float32
}

func (f *manualFence) Ready() bool                   { return f.ready.Load() }
func (f *manualFence) Distances() ([]float32, error) { return f.dist, nil }

type manualComputer struct {
	cpu   CPUDistanceComputer
	fence *manualFence
}

func (c *manualComputer) SetCenters(centers []float32) error { return c.cpu.SetCenters(centers) }

func (c *manualComputer) Compute(view mgl32.Mat4) (Fence, error) {
	f, err := c.cpu.Compute(view)
	if err != nil {
		return nil, err
	}
	dist, _ := f.Distances()
	c.fence = &manualFence{dist: dist}
	return c.fence, nil
}

func TestEngineWaitsForFence(t *testing.T) {
	centers := randomCenters(200, 10)
	dc := &manualComputer{}
	e := newTestEngine(t, Config{Kernel: KernelFloatSerial, Distances: dc})
	require.NoError(t, e.SetScene(context.Background(), centers, identityOrder(200), nil))
	cam := core.NewPerspectiveCamera(mgl32.Vec3{0, 0, 60}, mgl32.Vec3{}, mgl32.Vec3{0, 1, 0}, 1, 1, 0.1, 500)

	e.Update(cam)
	e.Update(cam)
	assert.False(t, e.Busy())
	assert.Equal(t, uint64(2), e.Stats().FenceWaits)

	dc.fence.ready.Store(true)
	e.Update(cam)
	require.NoError(t, e.Wait(context.Background()))
	assert.Equal(t, uint64(1), e.Stats().FullSorts)
	assertBackToFront(t, centers, cam.View, e.Order())
}

func TestEngineClose(t *testing.T) {
	e := newTestEngine(t, Config{Kernel: KernelIntegerSerial})
	require.NoError(t, e.SetScene(context.Background(), randomCenters(50000, 11), identityOrder(50000), nil))
	cam := core.NewPerspectiveCamera(mgl32.Vec3{0, 0, 60}, mgl32.Vec3{}, mgl32.Vec3{0, 1, 0}, 1, 1, 0.1, 500)
	e.Update(cam)

	e.Close()
	e.Close()
	version := e.Version()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.Wait(ctx))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, version, e.Version())
	assert.ErrorIs(t, e.SetScene(ctx, nil, nil, nil), ErrEngineClosed)
	e.Update(cam)
	assert.False(t, e.Busy())
}

func TestEngineSetSceneWhileUpdating(t *testing.T) {
	const n = 2000
	centers := randomCenters(n, 12)
	e := newTestEngine(t, Config{Kernel: KernelIntegerSerial})
	require.NoError(t, e.SetScene(context.Background(), centers, identityOrder(n), nil))

	// Opposite views force a full sort on every frame.
	cams := []*core.Camera{
		core.NewPerspectiveCamera(mgl32.Vec3{0, 0, 60}, mgl32.Vec3{}, mgl32.Vec3{0, 1, 0}, 1, 1, 0.1, 500),
		core.NewPerspectiveCamera(mgl32.Vec3{0, 0, -60}, mgl32.Vec3{}, mgl32.Vec3{0, 1, 0}, 1, 1, 0.1, 500),
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			e.Update(cams[i%2])
		}
	}()

	for i := 0; i < 50; i++ {
		require.NoError(t, e.SetScene(context.Background(), centers, identityOrder(n), nil))
	}
	close(stop)
	<-done
}

func TestEngineKeepsTokenWhenQueueFails(t *testing.T) {
	const n = 100
	e := newTestEngine(t, Config{Kernel: KernelIntegerSerial, SharedMemory: true})
	require.True(t, e.Shared())
	require.NoError(t, e.SetScene(context.Background(), randomCenters(n, 13), identityOrder(n), nil))

	e.worker.Close()
	cam := core.NewPerspectiveCamera(mgl32.Vec3{0, 0, 60}, mgl32.Vec3{}, mgl32.Vec3{0, 1, 0}, 1, 1, 0.1, 500)
	require.NotPanics(t, func() { e.Update(cam) })
	assert.True(t, e.arena.Holds(OwnerHost))
	assert.False(t, e.Busy())

	back := core.NewPerspectiveCamera(mgl32.Vec3{0, 0, -60}, mgl32.Vec3{}, mgl32.Vec3{0, 1, 0}, 1, 1, 0.1, 500)
	require.NotPanics(t, func() { e.Update(back) })
	var err error
	require.NotPanics(t, func() {
		err = e.SetScene(context.Background(), randomCenters(n, 14), identityOrder(n), nil)
	})
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestEngineCullsOffFrustumLeaves(t *testing.T) {
	const n = 400
	ctx := context.Background()
	centers := randomCenters(n, 15)
	// The second half sits far to the side of the first camera.
	for i := n / 2; i < n; i++ {
		centers[i*3] += 300
	}
	tree, err := octree.Build(ctx, centers, octree.BuildOptions{MaxDepth: 6, MaxCentersPerNode: 16})
	require.NoError(t, err)

	front := core.NewPerspectiveCamera(mgl32.Vec3{0, 0, 60}, mgl32.Vec3{}, mgl32.Vec3{0, 1, 0}, 1, 1, 0.1, 500)
	side := core.NewPerspectiveCamera(mgl32.Vec3{300, 0, 60}, mgl32.Vec3{300, 0, 0}, mgl32.Vec3{0, 1, 0}, 1, 1, 0.1, 500)

	tests := []struct {
		name string
		cull bool
		cam  *core.Camera
		want []uint32
	}{
		{"front", true, front, identityOrder(n / 2)},
		{"side", true, side, identityOrder(n)[n/2:]},
		{"disabled", false, front, identityOrder(n)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, Config{Kernel: KernelFloatSerial, Cull: tt.cull})
			require.NoError(t, e.SetScene(ctx, centers, identityOrder(n), tree))
			require.NoError(t, e.Sort(ctx, tt.cam))

			order := e.Order()
			assert.ElementsMatch(t, tt.want, order)
			assertBackToFront(t, centers, tt.cam.View, order)
			assert.Equal(t, n-len(tt.want), e.Stats().Culled)
		})
	}
}

func TestEngineCullingFollowsCamera(t *testing.T) {
	const n = 200
	ctx := context.Background()
	centers := randomCenters(n, 16)
	for i := n / 2; i < n; i++ {
		centers[i*3] += 300
	}
	tree, err := octree.Build(ctx, centers, octree.BuildOptions{MaxDepth: 6, MaxCentersPerNode: 16})
	require.NoError(t, err)

	e := newTestEngine(t, Config{Kernel: KernelIntegerSerial, Cull: true})
	require.NoError(t, e.SetScene(ctx, centers, identityOrder(n), nil))
	cam := core.NewPerspectiveCamera(mgl32.Vec3{0, 0, 60}, mgl32.Vec3{}, mgl32.Vec3{0, 1, 0}, 1, 1, 0.1, 500)
	require.NoError(t, e.Sort(ctx, cam))
	assert.Len(t, e.Order(), n, "nothing is culled without a tree")

	e.SetTree(tree)
	e.Update(cam)
	require.NoError(t, e.Wait(ctx))
	assert.ElementsMatch(t, identityOrder(n/2), e.Order())

	// Looking away from everything leaves an empty order.
	cam.LookAt(mgl32.Vec3{0, 0, 60}, mgl32.Vec3{0, 0, 120}, mgl32.Vec3{0, 1, 0})
	e.Update(cam)
	require.NoError(t, e.Wait(ctx))
	assert.Empty(t, e.Order())

	cam.LookAt(mgl32.Vec3{300, 0, 60}, mgl32.Vec3{300, 0, 0}, mgl32.Vec3{0, 1, 0})
	require.NoError(t, e.Sort(ctx, cam))
	assert.ElementsMatch(t, identityOrder(n)[n/2:], e.Order())
}
