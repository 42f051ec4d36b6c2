package gpu

import (
	"encoding/binary"
	"math"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/x448/float16"

	"github.com/gekko3d/gsplat/splatrt/rt/codec"
)

// PackSource is one scene's buffer and where its splats go.
type PackSource struct {
	Buffer *codec.SplatBuffer
	// Transform is baked into the packed data when set.
	Transform  *mgl32.Mat4
	SceneIndex uint32
}

type PackOptions struct {
	SHDegree                 int
	AlphaThreshold           uint8
	HalfPrecisionCovariances bool
}

// PackedSplats holds the storage buffer contents for a set of scenes. Splat i
// of scene s lands at the scene's offset plus i.
type PackedSplats struct {
	Count    int
	SHDegree int
	Half     bool

	// Centers is vec4 per splat: xyz and the scene index bits in w.
	Centers []float32
	// Covariances is 6 floats per splat, or 3 words of packed halves when Half.
	Covariances     []float32
	CovariancesHalf []uint32
	// Colors is one rgba8 word per splat.
	Colors []uint32
	SH     []float32

	Offsets []int
}

// PackSplats decodes every source into GPU layout.
func PackSplats(sources []PackSource, opts PackOptions) *PackedSplats {
	total := 0
	p := &PackedSplats{SHDegree: opts.SHDegree, Half: opts.HalfPrecisionCovariances}
	for _, s := range sources {
		p.Offsets = append(p.Offsets, total)
		total += s.Buffer.SplatCount()
		p.SHDegree = min(p.SHDegree, s.Buffer.SHDegree())
	}
	p.Count = total

	p.Centers = make([]float32, total*4)
	cov := make([]float32, total*6)
	rgba := make([]uint8, total*4)
	shN := codec.SHComponentCount(p.SHDegree)
	p.SH = make([]float32, total*shN)

	xyz := make([]float32, 0)
	for k, s := range sources {
		n := s.Buffer.SplatCount()
		off := p.Offsets[k]
		if cap(xyz) < n*3 {
			xyz = make([]float32, n*3)
		}
		xyz = xyz[:n*3]
		s.Buffer.FillCenterArray(xyz, s.Transform, 0, n, 0)
		w := math.Float32frombits(s.SceneIndex)
		for i := 0; i < n; i++ {
			copy(p.Centers[(off+i)*4:], xyz[i*3:i*3+3])
			p.Centers[(off+i)*4+3] = w
		}
		s.Buffer.FillCovarianceArray(cov, s.Transform, 0, n, off)
		s.Buffer.FillColorArray(rgba, opts.AlphaThreshold, 0, n, off)
		if shN > 0 {
			s.Buffer.FillSHArray(p.SH, p.SHDegree, s.Transform, 0, n, off)
		}
	}

	p.Colors = make([]uint32, total)
	for i := range p.Colors {
		p.Colors[i] = binary.LittleEndian.Uint32(rgba[i*4:])
	}
	if p.Half {
		p.CovariancesHalf = PackHalves(cov)
	} else {
		p.Covariances = cov
	}
	return p
}

// SceneIndex returns the scene slot stored with splat i.
func (p *PackedSplats) SceneIndex(i int) uint32 {
	return math.Float32bits(p.Centers[i*4+3])
}

// PackHalves packs pairs of floats into words the way WGSL pack2x16float does.
func PackHalves(v []float32) []uint32 {
	out := make([]uint32, (len(v)+1)/2)
	for i := range out {
		lo := uint32(float16.Fromfloat32(v[i*2]).Bits())
		var hi uint32
		if i*2+1 < len(v) {
			hi = uint32(float16.Fromfloat32(v[i*2+1]).Bits())
		}
		out[i] = lo | hi<<16
	}
	return out
}

// UnpackHalves reverses PackHalves for n values.
func UnpackHalves(words []uint32, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		w := words[i/2]
		if i%2 == 1 {
			w >>= 16
		}
		out[i] = float16.Frombits(uint16(w)).Float32()
	}
	return out
}

func float32Bytes(v []float32) []byte {
	out := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func uint32Bytes(v []uint32) []byte {
	out := make([]byte, len(v)*4)
	for i, u := range v {
		binary.LittleEndian.PutUint32(out[i*4:], u)
	}
	return out
}
