package gpu

import (
	"context"
	"encoding/binary"
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekko3d/gsplat/splatrt/rt/codec"
)

func testBuffer(t *testing.T, n, deg int, offset mgl32.Vec3) *codec.SplatBuffer {
	t.Helper()
	arr := codec.NewSplatArray(deg)
	for i := 0; i < n; i++ {
		s := codec.Splat{
			Center:   offset.Add(mgl32.Vec3{float32(i), float32(i % 3), 0}),
			Scale:    mgl32.Vec3{0.1, 0.2, 0.3},
			Rotation: mgl32.QuatIdent(),
			Color:    [4]uint8{uint8(i), 20, 30, uint8(10 + i)},
		}
		if k := codec.SHComponentCount(deg); k > 0 {
			s.SH = make([]float32, k)
			for j := range s.SH {
				s.SH[j] = 0.1
			}
		}
		arr.Add(s)
	}
	opts := codec.DefaultGeneratorOptions()
	opts.CompressionLevel = codec.Level0
	opts.AlphaThreshold = 0
	buf, err := codec.Generate(context.Background(), arr, opts)
	require.NoError(t, err)
	return buf
}

func TestPackSplatsOffsetsAndTransforms(t *testing.T) {
	a := testBuffer(t, 5, 1, mgl32.Vec3{})
	b := testBuffer(t, 3, 2, mgl32.Vec3{100, 0, 0})
	move := mgl32.Translate3D(0, 10, 0)

	p := PackSplats([]PackSource{
		{Buffer: a, SceneIndex: 0},
		{Buffer: b, Transform: &move, SceneIndex: 1},
	}, PackOptions{SHDegree: 2, AlphaThreshold: 12})

	require.Equal(t, 8, p.Count)
	assert.Equal(t, []int{0, 5}, p.Offsets)
	assert.Equal(t, 1, p.SHDegree, "degree is capped by the lowest scene")
	assert.Len(t, p.SH, 8*codec.SHComponentCount(1))
	assert.Len(t, p.Covariances, 8*6)
	assert.Nil(t, p.CovariancesHalf)

	for i := 0; i < 5; i++ {
		want := a.GetSplatCenter(i, nil)
		got := mgl32.Vec3{p.Centers[i*4], p.Centers[i*4+1], p.Centers[i*4+2]}
		assert.Equal(t, want, got)
		assert.Equal(t, uint32(0), p.SceneIndex(i))
	}
	for i := 0; i < 3; i++ {
		want := b.GetSplatCenter(i, &move)
		k := 5 + i
		got := mgl32.Vec3{p.Centers[k*4], p.Centers[k*4+1], p.Centers[k*4+2]}
		assert.InDelta(t, want[1], got[1], 1e-5)
		assert.Equal(t, uint32(1), p.SceneIndex(k))
	}

	for i := 0; i < 5; i++ {
		c := a.GetSplatColor(i)
		var rgba [4]uint8
		binary.LittleEndian.PutUint32(rgba[:], p.Colors[i])
		if c[3] < 12 {
			c[3] = 0
		}
		assert.Equal(t, c, rgba)
	}
}

func TestPackSplatsHalfCovariances(t *testing.T) {
	buf := testBuffer(t, 4, 0, mgl32.Vec3{})
	full := PackSplats([]PackSource{{Buffer: buf}}, PackOptions{})
	half := PackSplats([]PackSource{{Buffer: buf}}, PackOptions{HalfPrecisionCovariances: true})

	require.Len(t, half.CovariancesHalf, 4*3)
	got := UnpackHalves(half.CovariancesHalf, 4*6)
	for i, v := range full.Covariances {
		assert.InDelta(t, v, got[i], 1e-3)
	}
	assert.Empty(t, full.SH)
}

func TestPackHalvesOddLength(t *testing.T) {
	words := PackHalves([]float32{1, -2, 0.5})
	require.Len(t, words, 2)
	assert.Equal(t, []float32{1, -2, 0.5}, UnpackHalves(words, 3))
}

func TestUniformsLayout(t *testing.T) {
	u := Uniforms{
		View:       mgl32.Translate3D(1, 2, 3),
		Projection: mgl32.Ident4(),
		CameraPos:  mgl32.Vec3{4, 5, 6},
		SplatScale: 1.5,
		Viewport:   mgl32.Vec2{800, 600},
		Focal:      mgl32.Vec2{700, 700},
		SHDegree:   2,
		Flags:      FlagPointCloud | FlagDynamic,
		SplatCount: 42,
	}
	b := u.Bytes()
	require.Len(t, b, UniformsSize)
	f := func(off int) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(b[off:])) }

	assert.Equal(t, float32(3), f(14*4), "view translation z")
	assert.Equal(t, float32(1), f(64))
	assert.Equal(t, float32(6), f(136))
	assert.Equal(t, float32(1.5), f(140))
	assert.Equal(t, float32(600), f(148))
	assert.Equal(t, float32(700), f(156))
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(b[160:]))
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(b[164:]))
	assert.Equal(t, uint32(42), binary.LittleEndian.Uint32(b[168:]))
}

func TestTransformsBytes(t *testing.T) {
	b := TransformsBytes(nil)
	require.Len(t, b, 64)
	assert.Equal(t, float32(1), math.Float32frombits(binary.LittleEndian.Uint32(b[0:])))
	assert.Equal(t, float32(1), math.Float32frombits(binary.LittleEndian.Uint32(b[60:])))

	b = TransformsBytes([]mgl32.Mat4{mgl32.Ident4(), mgl32.Translate3D(7, 0, 0)})
	require.Len(t, b, 128)
	assert.Equal(t, float32(7), math.Float32frombits(binary.LittleEndian.Uint32(b[64+12*4:])))
}

func TestMaterialVariants(t *testing.T) {
	tests := []struct {
		pointCloud, antialiased bool
		want                    MaterialVariant
		entry                   string
		flags                   uint32
	}{
		{false, false, VariantStandard, "fs_standard", 0},
		{true, false, VariantPointCloud, "fs_point_cloud", FlagPointCloud},
		{false, true, VariantAntialiased, "fs_antialiased", FlagAntialiased},
		{true, true, VariantPointCloudAntialiased, "fs_point_cloud_aa", FlagPointCloud | FlagAntialiased},
	}
	for _, tt := range tests {
		v := SelectVariant(tt.pointCloud, tt.antialiased)
		assert.Equal(t, tt.want, v)
		assert.Equal(t, tt.entry, v.FragmentEntryPoint())
		assert.Equal(t, tt.flags, v.Flags())
	}
	assert.Equal(t, "vs_main_half", VertexEntryPoint(true))
	assert.Equal(t, "vs_main", VertexEntryPoint(false))
}

func TestDistanceParams(t *testing.T) {
	view := mgl32.LookAtV(mgl32.Vec3{0, 0, 10}, mgl32.Vec3{}, mgl32.Vec3{0, 1, 0})
	b := distanceParams(view, 9)
	require.Len(t, b, 32)
	f := func(off int) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(b[off:])) }
	// -(row . origin + w) is the distance from the eye to the origin.
	assert.InDelta(t, 10, -f(12), 1e-5)
	assert.Equal(t, uint32(9), binary.LittleEndian.Uint32(b[16:]))
}
