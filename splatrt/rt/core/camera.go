package core

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// Camera is the host-supplied view the splat pipeline sorts and culls against.
type Camera struct {
	Position   mgl32.Vec3
	View       mgl32.Mat4
	Projection mgl32.Mat4

	FovY   float32
	Aspect float32
	Near   float32
	Far    float32

	Orthographic bool
	// OrthoHalfHeight is the half extent of the view volume in orthographic mode.
	OrthoHalfHeight float32
}

func NewPerspectiveCamera(eye, target, up mgl32.Vec3, fovY, aspect, near, far float32) *Camera {
	c := &Camera{FovY: fovY, Aspect: aspect, Near: near, Far: far}
	c.LookAt(eye, target, up)
	c.UpdateProjection()
	return c
}

func NewOrthographicCamera(eye, target, up mgl32.Vec3, halfHeight, aspect, near, far float32) *Camera {
	c := &Camera{Aspect: aspect, Near: near, Far: far, Orthographic: true, OrthoHalfHeight: halfHeight}
	c.LookAt(eye, target, up)
	c.UpdateProjection()
	return c
}

func (c *Camera) LookAt(eye, target, up mgl32.Vec3) {
	c.Position = eye
	c.View = mgl32.LookAtV(eye, target, up)
}

func (c *Camera) UpdateProjection() {
	if c.Orthographic {
		h := c.OrthoHalfHeight
		w := h * c.Aspect
		c.Projection = mgl32.Ortho(-w, w, -h, h, c.Near, c.Far)
		return
	}
	c.Projection = mgl32.Perspective(c.FovY, c.Aspect, c.Near, c.Far)
}

func (c *Camera) ViewProj() mgl32.Mat4 {
	return c.Projection.Mul4(c.View)
}

// ViewDirection is the unit forward vector in world space.
func (c *Camera) ViewDirection() mgl32.Vec3 {
	v := mgl32.Vec3{-c.View.At(2, 0), -c.View.At(2, 1), -c.View.At(2, 2)}
	if l := v.Len(); l > 0 {
		return v.Mul(1 / l)
	}
	return mgl32.Vec3{0, 0, -1}
}

// FocalLength returns the focal length in pixels for a viewport size.
func (c *Camera) FocalLength(viewport mgl32.Vec2) mgl32.Vec2 {
	return mgl32.Vec2{
		viewport[0] * c.Projection.At(0, 0) * 0.5,
		viewport[1] * c.Projection.At(1, 1) * 0.5,
	}
}

func (c *Camera) Frustum() [6]mgl32.Vec4 {
	return ExtractFrustum(c.ViewProj())
}

// ExtractFrustum extracts the 6 planes of the frustum from the view-projection matrix.
// Returns planes in order: Left, Right, Bottom, Top, Near, Far.
// Plane is Ax + By + Cz + D = 0 with the normal pointing inside.
func ExtractFrustum(vp mgl32.Mat4) [6]mgl32.Vec4 {
	row := func(r int) mgl32.Vec4 {
		return mgl32.Vec4{vp.At(r, 0), vp.At(r, 1), vp.At(r, 2), vp.At(r, 3)}
	}
	r0, r1, r2, r3 := row(0), row(1), row(2), row(3)

	planes := [6]mgl32.Vec4{
		r3.Add(r0),
		r3.Sub(r0),
		r3.Add(r1),
		r3.Sub(r1),
		// OpenGL-style -1..1 depth
		r3.Add(r2),
		r3.Sub(r2),
	}

	for i := 0; i < 6; i++ {
		length := float32(math.Sqrt(float64(planes[i][0]*planes[i][0] + planes[i][1]*planes[i][1] + planes[i][2]*planes[i][2])))
		if length > 0 {
			planes[i] = planes[i].Mul(1.0 / length)
		}
	}
	return planes
}
