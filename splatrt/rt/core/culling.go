package core

import (
	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
)

// AABBInFrustum reports whether a box is at least partially inside all six planes.
func AABBInFrustum(aabb [2]mgl32.Vec3, planes [6]mgl32.Vec4) bool {
	for i := 0; i < 6; i++ {
		plane := planes[i]
		// Normals point inside: test the corner furthest along the normal.
		var p mgl32.Vec3
		for a := 0; a < 3; a++ {
			if plane[a] > 0 {
				p[a] = aabb[1][a]
			} else {
				p[a] = aabb[0][a]
			}
		}
		if plane[0]*p[0]+plane[1]*p[1]+plane[2]*p[2]+plane[3] < 0 {
			return false
		}
	}
	return true
}

// PointInFrustum reports whether p is inside all six planes.
func PointInFrustum(p mgl32.Vec3, planes [6]mgl32.Vec4) bool {
	for _, pl := range planes {
		if pl[0]*p[0]+pl[1]*p[1]+pl[2]*p[2]+pl[3] < 0 {
			return false
		}
	}
	return true
}

// RayAABB intersects a ray with a box using the slab method. It returns the
// entry distance (0 when the origin is inside) and whether the ray hits.
func RayAABB(origin, dir mgl32.Vec3, aabb [2]mgl32.Vec3) (float32, bool) {
	tmin := math32.Inf(-1)
	tmax := math32.Inf(1)
	for a := 0; a < 3; a++ {
		if dir[a] == 0 {
			if origin[a] < aabb[0][a] || origin[a] > aabb[1][a] {
				return 0, false
			}
			continue
		}
		inv := 1 / dir[a]
		t0 := (aabb[0][a] - origin[a]) * inv
		t1 := (aabb[1][a] - origin[a]) * inv
		if t0 > t1 {
			t0, t1 = t1, t0
		}
		tmin = math32.Max(tmin, t0)
		tmax = math32.Min(tmax, t1)
		if tmax < tmin {
			return 0, false
		}
	}
	if tmax < 0 {
		return 0, false
	}
	return math32.Max(tmin, 0), true
}
