package gsplat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/go-gl/mathgl/mgl32"
	"golang.org/x/sync/errgroup"

	"github.com/gekko3d/gsplat/splatrt/rt/app"
	"github.com/gekko3d/gsplat/splatrt/rt/codec"
	"github.com/gekko3d/gsplat/splatrt/rt/core"
	"github.com/gekko3d/gsplat/splatrt/rt/gpu"
	"github.com/gekko3d/gsplat/splatrt/rt/loaders"
	"github.com/gekko3d/gsplat/splatrt/rt/sorter"
)

const (
	downloadChunk = 64 * 1024
	// minPartialStep is the fewest new splats that trigger a partial rebuild
	// while a progressive load runs.
	minPartialStep = 16 * 1024
)

type ViewerOption func(*Viewer)

func WithLogger(l Logger) ViewerOption {
	return func(v *Viewer) { v.log = l }
}

func WithFetcher(f Fetcher) ViewerOption {
	return func(v *Viewer) { v.fetcher = f }
}

func WithProfiler(p *app.Profiler) ViewerOption {
	return func(v *Viewer) { v.profiler = p }
}

// WithDevice renders into targets of format. It also enables the GPU
// distance pass when gpu_accelerated_sort is set.
func WithDevice(device *wgpu.Device, format wgpu.TextureFormat) ViewerOption {
	return func(v *Viewer) { v.device, v.format = device, format }
}

// WithSharedMemoryCheck lets the host refuse shared sort memory.
func WithSharedMemoryCheck(allowed func() bool) ViewerOption {
	return func(v *Viewer) { v.sharedAllowed = allowed }
}

type sceneEntry struct {
	id     SceneId
	path   string
	opts   SceneOptions
	buffer *codec.SplatBuffer
	// shown is the splat count of the last partial rebuild.
	shown int
}

// Viewer loads splat scenes, keeps their draw order sorted for the camera
// passed to Update and draws them when a device is attached.
type Viewer struct {
	opts          Options
	log           Logger
	loadLog       Logger
	treeLog       Logger
	fetcher       Fetcher
	profiler      *app.Profiler
	device        *wgpu.Device
	format        wgpu.TextureFormat
	sharedAllowed func() bool

	ctx    context.Context
	cancel context.CancelFunc
	loads  sync.WaitGroup

	mu       sync.Mutex
	disposed bool

	// sceneMu serializes scene mutations, progressive appends and frames.
	sceneMu  sync.Mutex
	scenes   []*sceneEntry
	partial  *sceneEntry
	mesh     *SplatMesh
	engine   *sorter.Engine
	distance *gpu.DistancePass

	order        []uint32
	orderVersion uint64
	viewport     mgl32.Vec2
}

func NewViewer(opts Options, vopts ...ViewerOption) (*Viewer, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	v := &Viewer{opts: opts, viewport: mgl32.Vec2{1, 1}}
	for _, o := range vopts {
		o(v)
	}
	if v.log == nil {
		v.log = NewDefaultLogger("gsplat", opts.Debug)
	}
	v.loadLog = Component(v.log, "load")
	v.treeLog = Component(v.log, "octree")
	if v.fetcher == nil {
		v.fetcher = DefaultFetcher{}
	}
	if v.profiler == nil {
		v.profiler = app.NewProfiler()
	}
	v.ctx, v.cancel = context.WithCancel(context.Background())

	cfg := opts.sorterConfig(Component(v.log, "sorter"))
	cfg.SharedMemoryAllowed = v.sharedAllowed
	if v.device != nil && opts.GPUAcceleratedSort {
		dp, err := gpu.NewDistancePass(v.device)
		if err != nil {
			v.log.Warnf("gpu distance pass unavailable, sorting on the cpu: %v", err)
		} else {
			v.distance = dp
			cfg.Distances = dp
		}
	}
	engine, err := sorter.NewEngine(v.ctx, cfg)
	if err != nil {
		v.cancel()
		if v.distance != nil {
			v.distance.Release()
		}
		return nil, fmt.Errorf("gsplat: start sorter: %w", err)
	}
	v.engine = engine

	v.mesh = NewSplatMesh(MeshOptions{
		DynamicScene:             opts.DynamicScene,
		SHDegree:                 opts.SphericalHarmonicsDegree,
		AlphaThreshold:           uint8(opts.SplatAlphaRemovalThreshold),
		HalfPrecisionCovariances: opts.HalfPrecisionCovariances,
		PointCloudMode:           opts.PointCloudMode,
		Antialiased:              opts.Antialiased,
		SplatScale:               opts.SplatScale,
		Tree:                     opts.buildOptions(),
	})
	if v.device != nil {
		v.mesh.AttachDevice(v.device, v.format)
	}
	v.log.Debugf("viewer ready: kernel=%s shared=%t gpu=%t", cfg.Kernel, engine.Shared(), v.device != nil)
	return v, nil
}

func (v *Viewer) isDisposed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.disposed
}

// beginLoad registers a download. The returned context ends with ctx or
// when the viewer is disposed.
func (v *Viewer) beginLoad(ctx context.Context) (context.Context, func(), error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.disposed {
		return nil, nil, ErrDisposed
	}
	v.loads.Add(1)
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(v.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
		v.loads.Done()
	}, nil
}

func (v *Viewer) loadError(ctx context.Context, path string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s: %w", ErrAborted, path, ctx.Err())
	}
	return fmt.Errorf("gsplat: load %s: %w", path, err)
}

func (v *Viewer) loaderName(path string, so SceneOptions) string {
	if so.Format != loaders.FormatUnknown {
		return "scene." + so.Format.String()
	}
	return path
}

func (v *Viewer) alphaThreshold(so SceneOptions) int {
	if so.SplatAlphaRemovalThreshold > 0 {
		return so.SplatAlphaRemovalThreshold
	}
	return v.opts.SplatAlphaRemovalThreshold
}

// download streams path through write, reporting progress to so.OnProgress.
func (v *Viewer) download(ctx context.Context, rc io.Reader, size int64, so SceneOptions, write func([]byte) error) error {
	buf := make([]byte, downloadChunk)
	var read int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := rc.Read(buf)
		if n > 0 {
			read += int64(n)
			if werr := write(buf[:n]); werr != nil {
				return werr
			}
			if so.OnProgress != nil && size > 0 {
				so.OnProgress(float32(read)/float32(size)*100, StageDownloading)
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (v *Viewer) fetch(ctx context.Context, e *sceneEntry) (*codec.SplatBuffer, error) {
	rc, size, err := v.fetcher.Fetch(ctx, e.path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var data bytes.Buffer
	if size > 0 {
		data.Grow(int(size))
	}
	err = v.download(ctx, rc, size, e.opts, func(b []byte) error {
		data.Write(b)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if e.opts.OnProgress != nil {
		e.opts.OnProgress(100, StageProcessing)
	}
	lo := v.opts.loadOptions(v.alphaThreshold(e.opts))
	buf, err := loaders.Load(ctx, data.Bytes(), v.loaderName(e.path, e.opts), lo)
	if err != nil {
		return nil, err
	}
	v.loadLog.Debugf("%s: %d bytes, %d splats", e.path, data.Len(), buf.SplatCount())
	return buf, nil
}

// fetchProgressive shows the scene while it downloads. Each chunk is decoded
// under sceneMu so partial rebuilds never race the loader's appends.
func (v *Viewer) fetchProgressive(ctx context.Context, e *sceneEntry) (*codec.SplatBuffer, error) {
	rc, size, err := v.fetcher.Fetch(ctx, e.path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	lo := v.opts.loadOptions(v.alphaThreshold(e.opts))
	lo.ExpectedSize = max(size, 0)
	pl := loaders.NewProgressiveLoader(v.loaderName(e.path, e.opts), lo, func(p loaders.Progress) {
		v.showPartial(ctx, e, p)
	})
	err = v.download(ctx, rc, size, e.opts, func(b []byte) error {
		v.sceneMu.Lock()
		defer v.sceneMu.Unlock()
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := pl.Write(b)
		return err
	})
	if err != nil {
		return nil, err
	}

	v.sceneMu.Lock()
	defer v.sceneMu.Unlock()
	return pl.Finish()
}

func partialStep(total int) int {
	if total <= 0 {
		return minPartialStep
	}
	return max(total/20, minPartialStep)
}

// showPartial runs with sceneMu held.
func (v *Viewer) showPartial(ctx context.Context, e *sceneEntry, p loaders.Progress) {
	if ctx.Err() != nil || p.Buffer == nil || p.Loaded == 0 {
		return
	}
	if !p.Done && p.Loaded-e.shown < partialStep(p.Total) {
		return
	}
	e.shown = p.Loaded
	e.buffer = p.Buffer
	v.partial = e
	v.loadLog.Debugf("%s: showing %d of %d splats", e.path, p.Loaded, p.Total)
	if err := v.rebuildLocked(ctx); err != nil {
		v.loadLog.Warnf("partial rebuild of %s: %v", e.path, err)
	}
}

func (v *Viewer) dropPartial(e *sceneEntry) {
	v.sceneMu.Lock()
	defer v.sceneMu.Unlock()
	if v.partial != e {
		return
	}
	v.partial = nil
	if v.isDisposed() {
		return
	}
	if err := v.rebuildLocked(v.ctx); err != nil {
		v.loadLog.Warnf("restore scenes after failed load: %v", err)
	}
}

// rebuildLocked rebuilds the mesh from every scene and hands the new centers
// to the sorter. The octree follows once its build finishes.
func (v *Viewer) rebuildLocked(ctx context.Context) error {
	defer v.profiler.Scope("rebuild")()
	entries := slices.Clone(v.scenes)
	if v.partial != nil {
		entries = append(entries, v.partial)
	}
	buffers := make([]*codec.SplatBuffer, len(entries))
	opts := make([]SceneOptions, len(entries))
	for i, e := range entries {
		buffers[i], opts[i] = e.buffer, e.opts
	}
	if err := v.mesh.Build(buffers, opts); err != nil {
		return err
	}
	if err := v.engine.SetScene(ctx, v.mesh.Centers(), v.mesh.RenderIndexes(), nil); err != nil {
		return err
	}
	v.orderVersion = 0
	if v.device != nil {
		if err := v.mesh.Upload(); err != nil {
			return err
		}
		v.mesh.UploadOrder(v.mesh.RenderIndexes())
	}
	v.profiler.SetCount("splats", v.mesh.SplatCount())
	v.log.Debugf("rebuilt mesh: %d scenes, %d splats", len(entries), v.mesh.SplatCount())
	return nil
}

// commit adds loaded scenes. On failure the previous scenes are restored.
func (v *Viewer) commit(ctx context.Context, entries []*sceneEntry) error {
	v.sceneMu.Lock()
	defer v.sceneMu.Unlock()
	if v.isDisposed() {
		return ErrDisposed
	}
	prev := v.scenes
	v.scenes = append(slices.Clone(prev), entries...)
	v.partial = nil
	if err := v.rebuildLocked(ctx); err != nil {
		v.scenes = prev
		if rerr := v.rebuildLocked(v.ctx); rerr != nil {
			v.log.Errorf("restore scenes: %v", rerr)
		}
		return err
	}
	return nil
}

// AddSplatScene downloads and adds one scene. With progressive_load the
// scene renders while it streams in. A failed load leaves the existing
// scenes untouched.
func (v *Viewer) AddSplatScene(ctx context.Context, path string, so SceneOptions) (SceneId, error) {
	ctx, done, err := v.beginLoad(ctx)
	if err != nil {
		return "", err
	}
	defer done()

	e := &sceneEntry{id: makeSceneId(), path: path, opts: so}
	var buf *codec.SplatBuffer
	if v.opts.ProgressiveLoad {
		buf, err = v.fetchProgressive(ctx, e)
	} else {
		buf, err = v.fetch(ctx, e)
	}
	if err != nil {
		v.dropPartial(e)
		v.loadLog.Warnf("%s: %v", path, err)
		return "", v.loadError(ctx, path, err)
	}
	e.buffer = buf
	if err := v.commit(ctx, []*sceneEntry{e}); err != nil {
		if errors.Is(err, ErrDisposed) {
			return "", err
		}
		return "", v.loadError(ctx, path, err)
	}
	if so.OnProgress != nil {
		so.OnProgress(100, StageDone)
	}
	v.log.Infof("added scene %s (%s): %d splats", e.id, path, buf.SplatCount())
	return e.id, nil
}

// AddSplatScenes downloads several scenes concurrently and adds them in one
// rebuild. Scenes are never shown progressively here. If any load fails none
// are added.
func (v *Viewer) AddSplatScenes(ctx context.Context, paths []string, opts []SceneOptions) ([]SceneId, error) {
	if opts != nil && len(opts) != len(paths) {
		return nil, fmt.Errorf("gsplat: %d scene options for %d paths", len(opts), len(paths))
	}
	ctx, done, err := v.beginLoad(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	entries := make([]*sceneEntry, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	for i, path := range paths {
		e := &sceneEntry{id: makeSceneId(), path: path}
		if opts != nil {
			e.opts = opts[i]
		}
		entries[i] = e
		g.Go(func() error {
			buf, err := v.fetch(gctx, e)
			if err != nil {
				return v.loadError(gctx, e.path, err)
			}
			e.buffer = buf
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrAborted, ctx.Err())
		}
		return nil, err
	}
	if err := v.commit(ctx, entries); err != nil {
		return nil, err
	}
	ids := make([]SceneId, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids, nil
}

func (v *Viewer) sceneIndex(id SceneId) int {
	return slices.IndexFunc(v.scenes, func(e *sceneEntry) bool { return e.id == id })
}

func (v *Viewer) RemoveSplatScene(id SceneId) error {
	return v.RemoveSplatScenes([]SceneId{id})
}

func (v *Viewer) RemoveSplatScenes(ids []SceneId) error {
	v.sceneMu.Lock()
	defer v.sceneMu.Unlock()
	if v.isDisposed() {
		return ErrDisposed
	}
	kept := make([]*sceneEntry, 0, len(v.scenes))
	removed := 0
	for _, e := range v.scenes {
		if slices.Contains(ids, e.id) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if removed != len(ids) {
		return ErrSceneNotFound
	}
	v.scenes = kept
	return v.rebuildLocked(v.ctx)
}

// SetSceneTransform moves a loaded scene. The current draw order is kept as
// the starting point of the next sort.
func (v *Viewer) SetSceneTransform(id SceneId, t core.Transform) error {
	v.sceneMu.Lock()
	defer v.sceneMu.Unlock()
	if v.isDisposed() {
		return ErrDisposed
	}
	i := v.sceneIndex(id)
	if i < 0 {
		return ErrSceneNotFound
	}
	e := v.scenes[i]
	e.opts.Position, e.opts.Rotation, e.opts.Scale = t.Position, t.Rotation, t.Scale
	if err := v.mesh.SetSceneTransform(i, t); err != nil {
		return err
	}
	order := v.engine.Order()
	if len(order) != len(v.mesh.RenderIndexes()) {
		order = v.mesh.RenderIndexes()
	}
	if err := v.engine.SetScene(v.ctx, v.mesh.Centers(), order, nil); err != nil {
		return err
	}
	if v.device != nil {
		return v.mesh.Upload()
	}
	return nil
}

func (v *Viewer) SceneIds() []SceneId {
	v.sceneMu.Lock()
	defer v.sceneMu.Unlock()
	ids := make([]SceneId, len(v.scenes))
	for i, e := range v.scenes {
		ids[i] = e.id
	}
	return ids
}

func (v *Viewer) SplatCount() int {
	v.sceneMu.Lock()
	defer v.sceneMu.Unlock()
	return v.mesh.SplatCount()
}

func (v *Viewer) SetViewport(width, height int) {
	v.sceneMu.Lock()
	v.viewport = mgl32.Vec2{float32(max(width, 1)), float32(max(height, 1))}
	v.sceneMu.Unlock()
}

func (v *Viewer) SetSplatScale(s float32) {
	v.sceneMu.Lock()
	v.mesh.SetSplatScale(s)
	v.sceneMu.Unlock()
}

// Update advances sorting for cam. It never waits for a sort; a frame that
// lands during a scene mutation is skipped.
func (v *Viewer) Update(cam *core.Camera) {
	if v.isDisposed() {
		return
	}
	if !v.sceneMu.TryLock() {
		return
	}
	defer v.sceneMu.Unlock()
	defer v.profiler.Scope("update")()

	if tree, ok := v.mesh.PollTree(); ok {
		v.engine.SetTree(tree)
		v.treeLog.Debugf("ready: %d nodes, %d splats", tree.NodeCount, tree.SplatCount)
	}
	v.engine.Update(cam)
	order, version := v.engine.OrderInto(v.order)
	v.order = order
	if version != v.orderVersion {
		v.orderVersion = version
		v.mesh.UploadOrder(order)
	}
	v.profiler.SetCount("rendered", len(order))
}

// Render draws the scenes into pass. It is a no-op without a device.
func (v *Viewer) Render(pass *wgpu.RenderPassEncoder, cam *core.Camera) error {
	v.sceneMu.Lock()
	defer v.sceneMu.Unlock()
	if v.isDisposed() {
		return ErrDisposed
	}
	return v.mesh.Render(pass, cam, v.viewport)
}

// Raycast returns the nearest splat hit by the ray and the scene it belongs to.
func (v *Viewer) Raycast(origin, dir mgl32.Vec3) (SceneId, RaycastHit, bool) {
	v.sceneMu.Lock()
	defer v.sceneMu.Unlock()
	hit, ok := v.mesh.Raycast(origin, dir)
	if !ok || hit.Scene >= len(v.scenes) {
		return "", hit, false
	}
	return v.scenes[hit.Scene].id, hit, true
}

// Order copies the current back to front draw order.
func (v *Viewer) Order() []uint32 {
	return v.engine.Order()
}

func (v *Viewer) SortStats() sorter.Stats {
	return v.engine.Stats()
}

func (v *Viewer) Profiler() *app.Profiler {
	return v.profiler
}

// Dispose cancels downloads and tree builds and stops the sorter. No sort
// result is applied after Dispose returns.
func (v *Viewer) Dispose() {
	v.mu.Lock()
	if v.disposed {
		v.mu.Unlock()
		return
	}
	v.disposed = true
	v.mu.Unlock()

	v.cancel()
	v.loads.Wait()

	v.sceneMu.Lock()
	defer v.sceneMu.Unlock()
	v.engine.Close()
	v.mesh.Dispose()
	if v.distance != nil {
		v.distance.Release()
	}
	v.log.Debugf("viewer disposed")
}
