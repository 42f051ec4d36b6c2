package sorter

import (
	"github.com/go-gl/mathgl/mgl32"
)

// Fence signals when asynchronously computed distances can be read.
type Fence interface {
	Ready() bool
	// Distances returns one view depth per scene splat. Call only once Ready.
	Distances() ([]float32, error)
}

// DistanceComputer produces per-splat view depths outside the sort worker,
// typically on the GPU. Compute must not block on the result.
type DistanceComputer interface {
	SetCenters(centers []float32) error
	Compute(view mgl32.Mat4) (Fence, error)
}

// CPUDistanceComputer computes distances synchronously. It returns fences
// that are already signaled.
type CPUDistanceComputer struct {
	centers []float32
}

func (c *CPUDistanceComputer) SetCenters(centers []float32) error {
	c.centers = append(c.centers[:0], centers...)
	return nil
}

func (c *CPUDistanceComputer) Compute(view mgl32.Mat4) (Fence, error) {
	row := ViewRow(view)
	n := len(c.centers) / 3
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		p := c.centers[i*3 : i*3+3]
		out[i] = -(row[0]*p[0] + row[1]*p[1] + row[2]*p[2] + row[3])
	}
	return ReadyFence(out), nil
}

// ReadyFence wraps distances that are already available.
type ReadyFence []float32

func (f ReadyFence) Ready() bool                    { return true }
func (f ReadyFence) Distances() ([]float32, error) { return f, nil }
