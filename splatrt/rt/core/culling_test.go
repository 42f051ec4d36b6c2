package core

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
)

func TestFrustumCulling(t *testing.T) {
	// Camera at origin looking down -Z, 90 deg FOV, near 1, far 100
	cam := NewPerspectiveCamera(mgl32.Vec3{0, 0, 0}, mgl32.Vec3{0, 0, -1}, mgl32.Vec3{0, 1, 0},
		mgl32.DegToRad(90), 1.0, 1.0, 100.0)
	planes := cam.Frustum()

	tests := []struct {
		name     string
		aabbMin  mgl32.Vec3
		aabbMax  mgl32.Vec3
		expected bool
	}{
		{"inside", mgl32.Vec3{-1, -1, -10}, mgl32.Vec3{1, 1, -5}, true},
		{"left", mgl32.Vec3{-20, -1, -10}, mgl32.Vec3{-15, 1, -5}, false},
		{"right", mgl32.Vec3{15, -1, -10}, mgl32.Vec3{20, 1, -5}, false},
		{"behind", mgl32.Vec3{-1, -1, 2}, mgl32.Vec3{1, 1, 5}, false},
		{"far", mgl32.Vec3{-1, -1, -200}, mgl32.Vec3{1, 1, -150}, false},
		{"intersecting left plane", mgl32.Vec3{-15, -1, -10}, mgl32.Vec3{-5, 1, -5}, true},
		{"encompassing", mgl32.Vec3{-1000, -1000, -1000}, mgl32.Vec3{1000, 1000, 1000}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, AABBInFrustum([2]mgl32.Vec3{tc.aabbMin, tc.aabbMax}, planes))
		})
	}

	assert.True(t, PointInFrustum(mgl32.Vec3{0, 0, -50}, planes))
	assert.False(t, PointInFrustum(mgl32.Vec3{0, 0, 50}, planes))
}

func TestFrustumOrtho(t *testing.T) {
	cam := NewOrthographicCamera(mgl32.Vec3{0, 0, 0}, mgl32.Vec3{0, 0, -1}, mgl32.Vec3{0, 1, 0}, 10, 1, 0, 20)
	planes := cam.Frustum()

	assert.True(t, AABBInFrustum([2]mgl32.Vec3{{-1, -1, -6}, {1, 1, -4}}, planes))
	// Far is 20 units down -Z.
	assert.False(t, AABBInFrustum([2]mgl32.Vec3{{-1, -1, -26}, {1, 1, -24}}, planes))
}

func TestRayAABB(t *testing.T) {
	box := [2]mgl32.Vec3{{-1, -1, -1}, {1, 1, 1}}
	tests := []struct {
		name   string
		origin mgl32.Vec3
		dir    mgl32.Vec3
		hit    bool
		dist   float32
	}{
		{"front", mgl32.Vec3{0, 0, 5}, mgl32.Vec3{0, 0, -1}, true, 4},
		{"inside", mgl32.Vec3{0, 0, 0}, mgl32.Vec3{1, 0, 0}, true, 0},
		{"away", mgl32.Vec3{0, 0, 5}, mgl32.Vec3{0, 0, 1}, false, 0},
		{"parallel miss", mgl32.Vec3{0, 3, 5}, mgl32.Vec3{0, 0, -1}, false, 0},
		{"diagonal", mgl32.Vec3{-3, -3, 0}, mgl32.Vec3{1, 1, 0}.Normalize(), true, 2 * 1.4142135},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d, ok := RayAABB(tc.origin, tc.dir, box)
			assert.Equal(t, tc.hit, ok)
			if ok {
				assert.InDelta(t, tc.dist, d, 1e-4)
			}
		})
	}
}

func TestCameraViewDirection(t *testing.T) {
	cam := NewPerspectiveCamera(mgl32.Vec3{1, 2, 3}, mgl32.Vec3{1, 2, -7}, mgl32.Vec3{0, 1, 0}, 1, 1, 0.1, 100)
	dir := cam.ViewDirection()
	assert.InDelta(t, 0, dir[0], 1e-6)
	assert.InDelta(t, 0, dir[1], 1e-6)
	assert.InDelta(t, -1, dir[2], 1e-6)

	f := cam.FocalLength(mgl32.Vec2{800, 600})
	assert.InDelta(t, 400*cam.Projection.At(0, 0), f[0], 1e-3)
}

func TestTransformInverse(t *testing.T) {
	tr := Transform{
		Position: mgl32.Vec3{1, -2, 3},
		Rotation: mgl32.QuatRotate(0.8, mgl32.Vec3{0, 1, 0}),
		Scale:    mgl32.Vec3{2, 2, 2},
	}
	m := tr.WorldToObject().Mul4(tr.ObjectToWorld())
	id := mgl32.Ident4()
	for i := range m {
		assert.InDelta(t, id[i], m[i], 1e-5)
	}
	assert.True(t, NewTransform().IsIdentity())
	assert.False(t, tr.IsIdentity())
}
