package codec

import (
	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
)

const (
	// SHC0 is the zeroth order spherical harmonics constant used to turn a DC
	// coefficient into a base color.
	SHC0 = 0.28209479177387814

	MaxSHDegree = 2
)

// SHComponentCount returns the number of SH floats stored per splat for a degree.
func SHComponentCount(degree int) int {
	switch degree {
	case 1:
		return 9
	case 2:
		return 24
	default:
		return 0
	}
}

// SHCoefficientsPerChannel returns the number of SH coefficients per color channel.
func SHCoefficientsPerChannel(degree int) int {
	return SHComponentCount(degree) / 3
}

// Splat is one anisotropic gaussian. SH is coefficient-major: coefficient k
// keeps its r,g,b values at 3k, 3k+1, 3k+2.
type Splat struct {
	Center   mgl32.Vec3
	Scale    mgl32.Vec3
	Rotation mgl32.Quat
	Color    [4]uint8
	SH       []float32
}

func (s Splat) Opacity() uint8 {
	return s.Color[3]
}

// SplatArray is the uncompressed working set produced by the format loaders.
type SplatArray struct {
	SHDegree int
	Splats   []Splat
}

func NewSplatArray(shDegree int) *SplatArray {
	return &SplatArray{SHDegree: shDegree}
}

func (a *SplatArray) Count() int {
	return len(a.Splats)
}

func (a *SplatArray) Add(s Splat) {
	a.Splats = append(a.Splats, s)
}

// FilterAlpha drops every splat whose opacity is below threshold.
func (a *SplatArray) FilterAlpha(threshold uint8) {
	if threshold == 0 {
		return
	}
	kept := a.Splats[:0]
	for _, s := range a.Splats {
		if s.Color[3] >= threshold {
			kept = append(kept, s)
		}
	}
	a.Splats = kept
}

// Bounds returns the AABB of all splat centers.
func (a *SplatArray) Bounds() (mgl32.Vec3, mgl32.Vec3) {
	inf := math32.Inf(1)
	minB := mgl32.Vec3{inf, inf, inf}
	maxB := mgl32.Vec3{-inf, -inf, -inf}
	for _, s := range a.Splats {
		for i := 0; i < 3; i++ {
			minB[i] = math32.Min(minB[i], s.Center[i])
			maxB[i] = math32.Max(maxB[i], s.Center[i])
		}
	}
	return minB, maxB
}

// Centroid is the mean splat center, used as the stored scene center.
func (a *SplatArray) Centroid() mgl32.Vec3 {
	var sum [3]float64
	for _, s := range a.Splats {
		sum[0] += float64(s.Center[0])
		sum[1] += float64(s.Center[1])
		sum[2] += float64(s.Center[2])
	}
	n := float64(len(a.Splats))
	if n == 0 {
		return mgl32.Vec3{}
	}
	return mgl32.Vec3{float32(sum[0] / n), float32(sum[1] / n), float32(sum[2] / n)}
}

// SHRange returns the min and max SH coefficient present, or ok=false if none.
func (a *SplatArray) SHRange() (lo, hi float32, ok bool) {
	lo, hi = math32.Inf(1), math32.Inf(-1)
	for _, s := range a.Splats {
		for _, v := range s.SH {
			lo = math32.Min(lo, v)
			hi = math32.Max(hi, v)
			ok = true
		}
	}
	return lo, hi, ok
}

// ColorFromDC converts a zeroth order SH coefficient into an 8-bit color channel.
func ColorFromDC(dc float32) uint8 {
	return ClampUnitToByte(0.5 + SHC0*dc)
}

// ClampUnitToByte maps [0,1] to [0,255] with rounding and clamping.
func ClampUnitToByte(v float32) uint8 {
	v = math32.Floor(v*255 + 0.5)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// Sigmoid is the logistic function applied to raw opacity values.
func Sigmoid(v float32) float32 {
	return 1 / (1 + math32.Exp(-v))
}

// CanonicalRotation normalizes q and flips it so W is non-negative.
// q and -q encode the same rotation.
func CanonicalRotation(q mgl32.Quat) mgl32.Quat {
	l := q.Len()
	if l == 0 {
		return mgl32.QuatIdent()
	}
	q = q.Scale(1 / l)
	if q.W < 0 {
		q = q.Scale(-1)
	}
	return q
}

// ReconstructW rebuilds the scalar part of a unit quaternion with W >= 0.
func ReconstructW(x, y, z float32) float32 {
	s := 1 - x*x - y*y - z*z
	if s <= 0 {
		return 0
	}
	return math32.Sqrt(s)
}
