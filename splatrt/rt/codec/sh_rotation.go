package codec

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// Real SH basis constants for bands 1 and 2, matching the rasterizer's evaluation.
const (
	shC1 = 0.4886025119029199
)

var shC2 = [5]float64{
	1.0925484305920792,
	-1.0925484305920792,
	0.31539156525252005,
	-1.0925484305920792,
	0.5462742152960396,
}

func evalBand1(n [3]float64) [3]float64 {
	x, y, z := n[0], n[1], n[2]
	return [3]float64{-shC1 * y, shC1 * z, -shC1 * x}
}

func evalBand2(n [3]float64) [5]float64 {
	x, y, z := n[0], n[1], n[2]
	return [5]float64{
		shC2[0] * x * y,
		shC2[1] * y * z,
		shC2[2] * (2*z*z - x*x - y*y),
		shC2[3] * x * z,
		shC2[4] * (x*x - y*y),
	}
}

// Sample directions per band. The band basis evaluated at these directions is invertible.
var (
	band1Dirs = [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	band2Dirs = [5][3]float64{
		{math.Sqrt2 / 2, math.Sqrt2 / 2, 0},
		{0, math.Sqrt2 / 2, math.Sqrt2 / 2},
		{math.Sqrt2 / 2, 0, math.Sqrt2 / 2},
		{1, 0, 0},
		{0, 0, 1},
	}

	band1Inv = invertBand1()
	band2Inv = invertBand2()
)

func invertBand1() [][]float64 {
	a := make([][]float64, 3)
	for k, d := range band1Dirs {
		v := evalBand1(d)
		a[k] = v[:]
	}
	return invert(a)
}

func invertBand2() [][]float64 {
	a := make([][]float64, 5)
	for k, d := range band2Dirs {
		v := evalBand2(d)
		a[k] = v[:]
	}
	return invert(a)
}

// invert returns the inverse of a square matrix by Gauss-Jordan elimination
// with partial pivoting. Singular input panics.
func invert(a [][]float64) [][]float64 {
	n := len(a)
	m := make([][]float64, n)
	for i := range a {
		m[i] = make([]float64, 2*n)
		copy(m[i], a[i])
		m[i][n+i] = 1
	}
	for c := 0; c < n; c++ {
		p := c
		for r := c + 1; r < n; r++ {
			if math.Abs(m[r][c]) > math.Abs(m[p][c]) {
				p = r
			}
		}
		if math.Abs(m[p][c]) < 1e-12 {
			panic("codec: singular SH sample matrix")
		}
		m[c], m[p] = m[p], m[c]
		inv := 1 / m[c][c]
		for k := range m[c] {
			m[c][k] *= inv
		}
		for r := 0; r < n; r++ {
			if r == c || m[r][c] == 0 {
				continue
			}
			f := m[r][c]
			for k := range m[r] {
				m[r][k] -= f * m[c][k]
			}
		}
	}
	out := make([][]float64, n)
	for i := range m {
		out[i] = m[i][n:]
	}
	return out
}

// SHRotator rotates band 1 and band 2 SH coefficients. A function f expressed
// in the basis becomes f(R^T n) after rotation.
type SHRotator struct {
	band1 [3][3]float32
	band2 [5][5]float32
}

func NewSHRotator(rot mgl32.Mat3) *SHRotator {
	rt := rot.Transpose()
	apply := func(d [3]float64) [3]float64 {
		v := rt.Mul3x1(mgl32.Vec3{float32(d[0]), float32(d[1]), float32(d[2])})
		return [3]float64{float64(v[0]), float64(v[1]), float64(v[2])}
	}

	r := &SHRotator{}
	var b1 [3][3]float64
	for k, d := range band1Dirs {
		b1[k] = evalBand1(apply(d))
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var s float64
			for k := 0; k < 3; k++ {
				s += band1Inv[i][k] * b1[k][j]
			}
			r.band1[i][j] = float32(s)
		}
	}

	var b2 [5][5]float64
	for k, d := range band2Dirs {
		b2[k] = evalBand2(apply(d))
	}
	for i := 0; i < 5; i++ {
		for j := 0; j < 5; j++ {
			var s float64
			for k := 0; k < 5; k++ {
				s += band2Inv[i][k] * b2[k][j]
			}
			r.band2[i][j] = float32(s)
		}
	}
	return r
}

// Rotate transforms coefficient-major rgb coefficients in place. coeffs holds
// the non-DC coefficients for the given degree.
func (r *SHRotator) Rotate(coeffs []float32, degree int) {
	if degree < 1 || len(coeffs) < SHComponentCount(1) {
		return
	}
	for ch := 0; ch < 3; ch++ {
		var in [3]float32
		for j := 0; j < 3; j++ {
			in[j] = coeffs[j*3+ch]
		}
		for i := 0; i < 3; i++ {
			var s float32
			for j := 0; j < 3; j++ {
				s += r.band1[i][j] * in[j]
			}
			coeffs[i*3+ch] = s
		}
	}
	if degree < 2 || len(coeffs) < SHComponentCount(2) {
		return
	}
	for ch := 0; ch < 3; ch++ {
		var in [5]float32
		for j := 0; j < 5; j++ {
			in[j] = coeffs[(3+j)*3+ch]
		}
		for i := 0; i < 5; i++ {
			var s float32
			for j := 0; j < 5; j++ {
				s += r.band2[i][j] * in[j]
			}
			coeffs[(3+i)*3+ch] = s
		}
	}
}

// EvalSH evaluates one color channel of the non-DC SH terms in direction n.
func EvalSH(coeffs []float32, degree, channel int, n mgl32.Vec3) float32 {
	d := [3]float64{float64(n[0]), float64(n[1]), float64(n[2])}
	var s float64
	if degree >= 1 {
		b := evalBand1(d)
		for j := 0; j < 3; j++ {
			s += b[j] * float64(coeffs[j*3+channel])
		}
	}
	if degree >= 2 {
		b := evalBand2(d)
		for j := 0; j < 5; j++ {
			s += b[j] * float64(coeffs[(3+j)*3+channel])
		}
	}
	return float32(s)
}
