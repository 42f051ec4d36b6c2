package gsplat

import (
	"context"
	"fmt"
	"sort"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"

	"github.com/gekko3d/gsplat/splatrt/rt/codec"
	"github.com/gekko3d/gsplat/splatrt/rt/core"
	"github.com/gekko3d/gsplat/splatrt/rt/gpu"
	"github.com/gekko3d/gsplat/splatrt/rt/loaders"
	"github.com/gekko3d/gsplat/splatrt/rt/octree"
)

type SceneId string

func makeSceneId() SceneId {
	return SceneId(uuid.NewString())
}

// SceneOptions places one splat scene and controls how it is loaded.
type SceneOptions struct {
	Position mgl32.Vec3
	// Rotation defaults to identity when left zero.
	Rotation mgl32.Quat
	// Scale defaults to 1 on every axis when left zero.
	Scale mgl32.Vec3

	// SplatAlphaRemovalThreshold overrides the viewer option when positive.
	SplatAlphaRemovalThreshold int
	// Format skips detection when the path has no usable extension.
	Format loaders.Format
	// OnProgress receives download progress in percent and the load stage.
	OnProgress func(percent float32, stage LoadStage)
}

type LoadStage int

const (
	StageDownloading LoadStage = iota
	StageProcessing
	StageDone
)

func (s LoadStage) String() string {
	switch s {
	case StageDownloading:
		return "downloading"
	case StageProcessing:
		return "processing"
	case StageDone:
		return "done"
	}
	return fmt.Sprintf("LoadStage(%d)", int(s))
}

func (o SceneOptions) Transform() core.Transform {
	t := core.NewTransform()
	t.Position = o.Position
	if o.Rotation != (mgl32.Quat{}) {
		t.Rotation = o.Rotation.Normalize()
	}
	if o.Scale != (mgl32.Vec3{}) {
		t.Scale = o.Scale
	}
	return t
}

type MeshOptions struct {
	// DynamicScene keeps scene transforms out of the packed data so they can
	// change every frame without a repack.
	DynamicScene             bool
	SHDegree                 int
	AlphaThreshold           uint8
	HalfPrecisionCovariances bool
	PointCloudMode           bool
	Antialiased              bool
	SplatScale               float32
	Tree                     octree.BuildOptions
}

type meshScene struct {
	buffer *codec.SplatBuffer
	// count is the buffer's splat count when packed; a progressive buffer
	// keeps growing after that.
	count     int
	transform core.Transform
}

// SplatMesh merges the splat buffers of all scenes into one global index
// space. Splat i of scene s has global index GlobalIndex(s, i).
type SplatMesh struct {
	opts    MeshOptions
	variant gpu.MaterialVariant

	scenes  []meshScene
	offsets []int
	count   int

	packed  *gpu.PackedSplats
	centers []float32
	render  []uint32

	builder *octree.Builder
	pending *octree.Pending
	tree    *octree.Tree

	gpu *meshGPU
}

func NewSplatMesh(opts MeshOptions) *SplatMesh {
	if opts.SplatScale <= 0 {
		opts.SplatScale = 1
	}
	if opts.Tree.MaxDepth == 0 {
		opts.Tree = octree.DefaultBuildOptions()
	}
	return &SplatMesh{
		opts:    opts,
		variant: gpu.SelectVariant(opts.PointCloudMode, opts.Antialiased),
		builder: octree.NewBuilder(),
	}
}

// Build replaces the mesh contents with one scene per buffer. Raycasts test
// every splat until the new tree finishes building.
func (m *SplatMesh) Build(buffers []*codec.SplatBuffer, scenes []SceneOptions) error {
	if len(buffers) != len(scenes) {
		return fmt.Errorf("gsplat: %d buffers for %d scene options", len(buffers), len(scenes))
	}
	m.scenes = m.scenes[:0]
	for i, b := range buffers {
		m.scenes = append(m.scenes, meshScene{buffer: b, transform: scenes[i].Transform()})
	}
	m.variant = gpu.SelectVariant(m.opts.PointCloudMode, m.opts.Antialiased)
	m.repack()
	m.startTree()
	return nil
}

func (m *SplatMesh) sceneMatrix(i int) *mgl32.Mat4 {
	t := m.scenes[i].transform
	if t.IsIdentity() {
		return nil
	}
	mat := t.ObjectToWorld()
	return &mat
}

func (m *SplatMesh) repack() {
	sources := make([]gpu.PackSource, len(m.scenes))
	for i, s := range m.scenes {
		m.scenes[i].count = s.buffer.SplatCount()
		sources[i] = gpu.PackSource{Buffer: s.buffer, SceneIndex: uint32(i)}
		if !m.opts.DynamicScene {
			sources[i].Transform = m.sceneMatrix(i)
		}
	}
	m.packed = gpu.PackSplats(sources, gpu.PackOptions{
		SHDegree:                 m.opts.SHDegree,
		AlphaThreshold:           m.opts.AlphaThreshold,
		HalfPrecisionCovariances: m.opts.HalfPrecisionCovariances,
	})
	m.offsets = m.packed.Offsets
	m.count = m.packed.Count

	m.centers = make([]float32, m.count*3)
	for i := range m.scenes {
		m.fillCenters(i)
	}
	m.render = m.render[:0]
	for i, c := range m.packed.Colors {
		if c>>24 != 0 {
			m.render = append(m.render, uint32(i))
		}
	}
}

func (m *SplatMesh) fillCenters(scene int) {
	s := m.scenes[scene]
	s.buffer.FillCenterArray(m.centers, m.sceneMatrix(scene), 0, s.count, m.offsets[scene])
}

// startTree replaces any unfinished build, whose centers are stale.
func (m *SplatMesh) startTree() {
	if m.pending != nil {
		m.pending.Cancel()
		m.pending = nil
	}
	m.tree = nil
	opts := m.opts.Tree
	colors := m.packed.Colors
	opts.Include = func(i int) bool { return colors[i]>>24 != 0 }
	m.pending = m.builder.Start(m.centers, opts)
}

// PollTree installs a finished tree build. It never blocks.
func (m *SplatMesh) PollTree() (*octree.Tree, bool) {
	if m.pending == nil {
		return m.tree, false
	}
	select {
	case <-m.pending.Done():
	default:
		return m.tree, false
	}
	tree, err := m.pending.Wait(context.Background())
	m.pending = nil
	if err != nil {
		return m.tree, false
	}
	m.tree = tree
	return tree, true
}

// WaitTree blocks until the pending tree build settles.
func (m *SplatMesh) WaitTree(ctx context.Context) (*octree.Tree, error) {
	if m.pending == nil {
		return m.tree, nil
	}
	tree, err := m.pending.Wait(ctx)
	if err != nil {
		return nil, err
	}
	m.pending = nil
	m.tree = tree
	return tree, nil
}

func (m *SplatMesh) Tree() *octree.Tree {
	return m.tree
}

// SetSceneTransform moves scene i. Dynamic meshes only recompute centers;
// static meshes repack with the new transform baked in.
func (m *SplatMesh) SetSceneTransform(i int, t core.Transform) error {
	if i < 0 || i >= len(m.scenes) {
		return fmt.Errorf("gsplat: scene index %d out of range %d", i, len(m.scenes))
	}
	m.scenes[i].transform = t
	if m.opts.DynamicScene {
		m.fillCenters(i)
	} else {
		m.repack()
	}
	m.startTree()
	return nil
}

func (m *SplatMesh) SceneTransform(i int) core.Transform {
	return m.scenes[i].transform
}

// Transforms returns one object to world matrix per scene for the dynamic
// shader path.
func (m *SplatMesh) Transforms() []mgl32.Mat4 {
	out := make([]mgl32.Mat4, len(m.scenes))
	for i, s := range m.scenes {
		out[i] = s.transform.ObjectToWorld()
	}
	return out
}

func (m *SplatMesh) SceneCount() int {
	return len(m.scenes)
}

func (m *SplatMesh) SplatCount() int {
	return m.count
}

// Locate maps a global splat index to its scene and local index.
func (m *SplatMesh) Locate(global int) (scene, local int, ok bool) {
	if global < 0 || global >= m.count {
		return 0, 0, false
	}
	scene = sort.Search(len(m.offsets), func(i int) bool { return m.offsets[i] > global }) - 1
	return scene, global - m.offsets[scene], true
}

func (m *SplatMesh) GlobalIndex(scene, local int) int {
	return m.offsets[scene] + local
}

// Centers is xyz per splat in world space.
func (m *SplatMesh) Centers() []float32 {
	return m.centers
}

// RenderIndexes lists splats that survive the alpha threshold.
func (m *SplatMesh) RenderIndexes() []uint32 {
	return m.render
}

func (m *SplatMesh) Packed() *gpu.PackedSplats {
	return m.packed
}

func (m *SplatMesh) Variant() gpu.MaterialVariant {
	return m.variant
}

func (m *SplatMesh) SplatScale() float32 {
	return m.opts.SplatScale
}

func (m *SplatMesh) SetSplatScale(s float32) {
	m.opts.SplatScale = s
}

func (m *SplatMesh) UpdateUniforms(cam *core.Camera, viewport mgl32.Vec2) gpu.Uniforms {
	flags := m.variant.Flags()
	if m.opts.DynamicScene {
		flags |= gpu.FlagDynamic
	}
	shDegree := 0
	if m.packed != nil {
		shDegree = m.packed.SHDegree
		if m.packed.Half {
			flags |= gpu.FlagHalfCovariance
		}
	}
	return gpu.Uniforms{
		View:       cam.View,
		Projection: cam.Projection,
		CameraPos:  cam.Position,
		SplatScale: m.opts.SplatScale,
		Viewport:   viewport,
		Focal:      cam.FocalLength(viewport),
		SHDegree:   uint32(shDegree),
		Flags:      flags,
		SplatCount: uint32(m.count),
	}
}

type RaycastHit struct {
	Scene    int
	Local    int
	Global   int
	Point    mgl32.Vec3
	Distance float32
}

// Raycast intersects the ray with each splat's one sigma ellipsoid. Leaves
// are visited nearest first once a tree exists, otherwise every splat is tested.
func (m *SplatMesh) Raycast(origin, dir mgl32.Vec3) (RaycastHit, bool) {
	if m.count == 0 || dir.Len() == 0 {
		return RaycastHit{}, false
	}
	dir = dir.Normalize()
	best := RaycastHit{Distance: math32.Inf(1)}
	if m.tree == nil {
		for _, idx := range m.render {
			m.testSplat(int(idx), origin, dir, &best)
		}
	} else {
		for _, h := range m.tree.Raycast(origin, dir) {
			if h.Distance > best.Distance {
				break
			}
			for _, idx := range h.Node.Indexes {
				m.testSplat(int(idx), origin, dir, &best)
			}
		}
	}
	if math32.IsInf(best.Distance, 1) {
		return RaycastHit{}, false
	}
	return best, true
}

const minRaycastScale = 1e-7

func (m *SplatMesh) testSplat(global int, origin, dir mgl32.Vec3, best *RaycastHit) {
	scene, local, _ := m.Locate(global)
	b := m.scenes[scene].buffer
	scale, rot := b.GetSplatScaleAndRotation(local, m.sceneMatrix(scene))
	center := mgl32.Vec3{m.centers[global*3], m.centers[global*3+1], m.centers[global*3+2]}
	for a := 0; a < 3; a++ {
		scale[a] = max(math32.Abs(scale[a])*m.opts.SplatScale, minRaycastScale)
	}

	inv := rot.Conjugate()
	o := inv.Rotate(origin.Sub(center))
	d := inv.Rotate(dir)
	o = mgl32.Vec3{o[0] / scale[0], o[1] / scale[1], o[2] / scale[2]}
	d = mgl32.Vec3{d[0] / scale[0], d[1] / scale[1], d[2] / scale[2]}

	a := d.Dot(d)
	bq := o.Dot(d)
	c := o.Dot(o) - 1
	disc := bq*bq - a*c
	if disc < 0 {
		return
	}
	sq := math32.Sqrt(disc)
	t := (-bq - sq) / a
	if t < 0 {
		t = (-bq + sq) / a
	}
	if t < 0 || t >= best.Distance {
		return
	}
	*best = RaycastHit{
		Scene:    scene,
		Local:    local,
		Global:   global,
		Point:    origin.Add(dir.Mul(t)),
		Distance: t,
	}
}

// Dispose cancels tree builds. The mesh must not be built again.
func (m *SplatMesh) Dispose() {
	m.builder.Dispose()
	m.pending = nil
	m.releaseGPU()
}
