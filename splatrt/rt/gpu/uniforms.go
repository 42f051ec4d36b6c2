package gpu

import (
	"encoding/binary"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

const UniformsSize = 176

const (
	FlagPointCloud uint32 = 1 << iota
	FlagDynamic
	FlagHalfCovariance
	FlagAntialiased
)

// Uniforms matches the WGSL SplatUniforms struct.
//
//	view:        mat4x4<f32>  0
//	proj:        mat4x4<f32>  64
//	camera_pos:  vec4<f32>    128 (w = splat scale)
//	viewport:    vec2<f32>    144
//	focal:       vec2<f32>    152
//	sh_degree:   u32          160
//	flags:       u32          164
//	splat_count: u32          168
type Uniforms struct {
	View       mgl32.Mat4
	Projection mgl32.Mat4
	CameraPos  mgl32.Vec3
	SplatScale float32
	Viewport   mgl32.Vec2
	Focal      mgl32.Vec2
	SHDegree   uint32
	Flags      uint32
	SplatCount uint32
}

func (u Uniforms) Bytes() []byte {
	buf := make([]byte, UniformsSize)
	putF := func(off int, v float32) {
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(v))
	}
	for i, v := range u.View {
		putF(i*4, v)
	}
	for i, v := range u.Projection {
		putF(64+i*4, v)
	}
	putF(128, u.CameraPos[0])
	putF(132, u.CameraPos[1])
	putF(136, u.CameraPos[2])
	putF(140, u.SplatScale)
	putF(144, u.Viewport[0])
	putF(148, u.Viewport[1])
	putF(152, u.Focal[0])
	putF(156, u.Focal[1])
	binary.LittleEndian.PutUint32(buf[160:], u.SHDegree)
	binary.LittleEndian.PutUint32(buf[164:], u.Flags)
	binary.LittleEndian.PutUint32(buf[168:], u.SplatCount)
	return buf
}

// TransformsBytes packs one mat4x4<f32> per scene.
func TransformsBytes(transforms []mgl32.Mat4) []byte {
	buf := make([]byte, max(len(transforms), 1)*64)
	for k, m := range transforms {
		for i, v := range m {
			binary.LittleEndian.PutUint32(buf[k*64+i*4:], math.Float32bits(v))
		}
	}
	if len(transforms) == 0 {
		id := mgl32.Ident4()
		for i, v := range id {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
		}
	}
	return buf
}
