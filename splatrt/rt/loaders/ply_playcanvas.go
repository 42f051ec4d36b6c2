package loaders

import (
	"fmt"
	"math"

	"github.com/chewxy/math32"
	"github.com/gekko3d/gsplat/splatrt/rt/codec"
	"github.com/go-gl/mathgl/mgl32"
)

const playCanvasChunkSize = 256

type playCanvasChunk struct {
	minPos, maxPos     mgl32.Vec3
	minScale, maxScale mgl32.Vec3
	minColor, maxColor mgl32.Vec3
	hasColor           bool
}

// playCanvasDecoder handles the compressed PLY layout: per-chunk ranges plus
// 32-bit packed position, rotation, scale and color per vertex.
type playCanvasDecoder struct {
	chunkElem *plyElement
	shElem    *plyElement
	chunks    []playCanvasChunk

	position, rotation, scale, color *plyProperty
	shProps                          []*plyProperty
	shPer                            int
	shDegree                         int
}

func newPlayCanvasDecoder(h *plyHeader, vertex *plyElement) (*playCanvasDecoder, error) {
	d := &playCanvasDecoder{chunkElem: h.element("chunk"), shElem: h.element("sh")}
	d.position = vertex.prop("packed_position")
	d.rotation = vertex.prop("packed_rotation")
	d.scale = vertex.prop("packed_scale")
	d.color = vertex.prop("packed_color")
	if d.position == nil || d.rotation == nil || d.scale == nil || d.color == nil {
		return nil, plyError("compressed vertex is missing packed properties")
	}
	need := (vertex.count + playCanvasChunkSize - 1) / playCanvasChunkSize
	if d.chunkElem.count < need {
		return nil, plyError("%d chunks for %d vertices", d.chunkElem.count, vertex.count)
	}
	for _, n := range []string{"min_x", "min_y", "min_z", "max_x", "max_y", "max_z",
		"min_scale_x", "min_scale_y", "min_scale_z", "max_scale_x", "max_scale_y", "max_scale_z"} {
		if d.chunkElem.prop(n) == nil {
			return nil, plyError("chunk has no %q property", n)
		}
	}
	if d.shElem != nil {
		if d.shElem.count != vertex.count {
			return nil, plyError("sh element has %d rows for %d vertices", d.shElem.count, vertex.count)
		}
		for i := 0; ; i++ {
			p := d.shElem.prop(fmt.Sprintf("f_rest_%d", i))
			if p == nil {
				break
			}
			d.shProps = append(d.shProps, p)
		}
		d.shPer = len(d.shProps) / 3
		d.shDegree = shDegreeForRest(d.shPer)
	}
	return d, nil
}

func (d *playCanvasDecoder) loadDeps(data []byte) error {
	if len(data) < d.chunkElem.end() || (d.shElem != nil && len(data) < d.shElem.end()) {
		return ErrIncomplete
	}
	e := d.chunkElem
	vec := func(row []byte, x, y, z string) mgl32.Vec3 {
		return mgl32.Vec3{float32(e.prop(x).read(row)), float32(e.prop(y).read(row)), float32(e.prop(z).read(row))}
	}
	hasColor := e.prop("min_r") != nil && e.prop("max_r") != nil
	d.chunks = make([]playCanvasChunk, e.count)
	for i := range d.chunks {
		row := e.row(data, i)
		c := &d.chunks[i]
		c.minPos = vec(row, "min_x", "min_y", "min_z")
		c.maxPos = vec(row, "max_x", "max_y", "max_z")
		c.minScale = vec(row, "min_scale_x", "min_scale_y", "min_scale_z")
		c.maxScale = vec(row, "max_scale_x", "max_scale_y", "max_scale_z")
		if hasColor {
			c.hasColor = true
			c.minColor = vec(row, "min_r", "min_g", "min_b")
			c.maxColor = vec(row, "max_r", "max_g", "max_b")
		}
	}
	return nil
}

func unpackUnorm(v uint32, bits uint) float32 {
	m := uint32(1)<<bits - 1
	return float32(v&m) / float32(m)
}

// unpack111011 splits a 32-bit value into 11, 10 and 11 bit unit floats.
func unpack111011(v uint32) mgl32.Vec3 {
	return mgl32.Vec3{unpackUnorm(v>>21, 11), unpackUnorm(v>>11, 10), unpackUnorm(v, 11)}
}

func unpack8888(v uint32) [4]float32 {
	return [4]float32{unpackUnorm(v>>24, 8), unpackUnorm(v>>16, 8), unpackUnorm(v>>8, 8), unpackUnorm(v, 8)}
}

// unpackRotation decodes 2 bits of largest-component index and three 10-bit
// components. Components are in w,x,y,z order.
func unpackRotation(v uint32) mgl32.Quat {
	norm := float32(1.0 / (math.Sqrt2 * 0.5))
	a := (unpackUnorm(v>>20, 10) - 0.5) * norm
	b := (unpackUnorm(v>>10, 10) - 0.5) * norm
	c := (unpackUnorm(v, 10) - 0.5) * norm
	m := math32.Sqrt(math32.Max(0, 1-(a*a+b*b+c*c)))
	var q [4]float32
	switch v >> 30 {
	case 0:
		q = [4]float32{m, a, b, c}
	case 1:
		q = [4]float32{a, m, b, c}
	case 2:
		q = [4]float32{a, b, m, c}
	default:
		q = [4]float32{a, b, c, m}
	}
	return mgl32.Quat{W: q[0], V: mgl32.Vec3{q[1], q[2], q[3]}}
}

func lerp3(a, b, t mgl32.Vec3) mgl32.Vec3 {
	return mgl32.Vec3{a[0] + (b[0]-a[0])*t[0], a[1] + (b[1]-a[1])*t[1], a[2] + (b[2]-a[2])*t[2]}
}

// decodeSHByte maps an 8-bit SH value to [-4, 4] with exact endpoints.
func decodeSHByte(n uint8) float32 {
	switch n {
	case 0:
		return -4
	case 255:
		return 4
	}
	return (float32(n)+0.5)/256*8 - 4
}

func (d *playCanvasDecoder) decode(data []byte, i int, row []byte, out *codec.Splat) {
	ch := &d.chunks[i/playCanvasChunkSize]
	out.Center = lerp3(ch.minPos, ch.maxPos, unpack111011(d.position.readUint32(row)))
	s := lerp3(ch.minScale, ch.maxScale, unpack111011(d.scale.readUint32(row)))
	out.Scale = mgl32.Vec3{math32.Exp(s[0]), math32.Exp(s[1]), math32.Exp(s[2])}
	out.Rotation = codec.CanonicalRotation(unpackRotation(d.rotation.readUint32(row)))

	c := unpack8888(d.color.readUint32(row))
	if ch.hasColor {
		rgb := lerp3(ch.minColor, ch.maxColor, mgl32.Vec3{c[0], c[1], c[2]})
		c[0], c[1], c[2] = rgb[0], rgb[1], rgb[2]
	}
	out.Color = [4]uint8{codec.ClampUnitToByte(c[0]), codec.ClampUnitToByte(c[1]), codec.ClampUnitToByte(c[2]), codec.ClampUnitToByte(c[3])}

	per := codec.SHCoefficientsPerChannel(d.shDegree)
	if per == 0 {
		out.SH = nil
		return
	}
	if cap(out.SH) >= per*3 {
		out.SH = out.SH[:per*3]
	} else {
		out.SH = make([]float32, per*3)
	}
	shRow := d.shElem.row(data, i)
	for cc := 0; cc < 3; cc++ {
		for k := 0; k < per; k++ {
			out.SH[k*3+cc] = decodeSHByte(uint8(d.shProps[cc*d.shPer+k].read(shRow)))
		}
	}
}
