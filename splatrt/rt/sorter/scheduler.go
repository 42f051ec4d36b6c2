package sorter

import "github.com/go-gl/mathgl/mgl32"

const (
	// SkipDot and SkipDistance bound the camera change that needs no sort.
	SkipDot      = 0.99
	SkipDistance = 1.0
)

// Scheduler decides per frame whether to sort and how much of the scene to
// re-sort. It compares the camera with the one of the last full sort.
type Scheduler struct {
	lastDir mgl32.Vec3
	lastPos mgl32.Vec3
	hasLast bool
	pending []float32
}

// partialPlan returns the fractions to sort for a view direction change,
// nil for a full sort.
func partialPlan(dot float32) []float32 {
	switch {
	case dot > 0.8:
		return []float32{0.5}
	case dot > 0.65:
		return []float32{1.0 / 3, 2.0 / 3}
	case dot > 0.55:
		return []float32{0.125, 1.0 / 3, 0.75}
	}
	return nil
}

// Next returns the fraction of the scene to sort this frame, 1 for a full
// sort. ok is false when no sort is needed.
func (s *Scheduler) Next(dir, pos mgl32.Vec3) (fraction float32, ok bool) {
	if len(s.pending) > 0 {
		fraction, s.pending = s.pending[0], s.pending[1:]
		if fraction >= 1 {
			s.markFull(dir, pos)
		}
		return fraction, true
	}
	if !s.hasLast {
		s.markFull(dir, pos)
		return 1, true
	}

	dot := s.lastDir.Dot(dir)
	moved := s.lastPos.Sub(pos).Len()
	if dot > SkipDot {
		if moved < SkipDistance {
			return 0, false
		}
		s.markFull(dir, pos)
		return 1, true
	}
	plan := partialPlan(dot)
	if plan == nil {
		s.markFull(dir, pos)
		return 1, true
	}
	s.pending = append(append(s.pending[:0], plan[1:]...), 1)
	return plan[0], true
}

// Reset forgets the last full sort so the next frame sorts everything.
func (s *Scheduler) Reset() {
	s.hasLast = false
	s.pending = s.pending[:0]
}

// Pending reports how many passes are queued from the current plan.
func (s *Scheduler) Pending() int {
	return len(s.pending)
}

func (s *Scheduler) markFull(dir, pos mgl32.Vec3) {
	s.lastDir, s.lastPos, s.hasLast = dir, pos, true
	s.pending = s.pending[:0]
}
