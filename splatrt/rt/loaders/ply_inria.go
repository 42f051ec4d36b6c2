package loaders

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/gekko3d/gsplat/splatrt/rt/codec"
	"github.com/go-gl/mathgl/mgl32"
)

// plyField reads one logical vertex attribute, resolving codebook indices
// when the vertex stores an integer index into a codebook column.
type plyField struct {
	prop     *plyProperty
	codebook []float32
	cbProp   *plyProperty
}

func (f *plyField) ok() bool {
	return f.prop != nil
}

func (f *plyField) value(row []byte, def float32) float32 {
	if f.prop == nil {
		return def
	}
	if f.cbProp != nil {
		i := int(f.prop.read(row))
		if i < 0 || i >= len(f.codebook) {
			return 0
		}
		return f.codebook[i]
	}
	return float32(f.prop.read(row))
}

type inriaDecoder struct {
	codebook *plyElement

	pos      [3]plyField
	scale    [3]plyField
	rot      [4]plyField
	dc       [3]plyField
	rgb      [3]plyField
	opacity  plyField
	rest     []plyField
	restPer  int
	shDegree int
}

func newINRIADecoder(h *plyHeader, vertex *plyElement) (*inriaDecoder, error) {
	d := &inriaDecoder{codebook: h.element("codebook_centers")}
	bind := func(f *plyField, name string) {
		f.prop = vertex.prop(name)
		if f.prop != nil && d.codebook != nil && f.prop.typ.integer() {
			f.cbProp = d.codebook.prop(name)
		}
	}
	for i, n := range []string{"x", "y", "z"} {
		bind(&d.pos[i], n)
		if !d.pos[i].ok() {
			return nil, plyError("vertex has no %q property", n)
		}
	}
	for i := 0; i < 3; i++ {
		bind(&d.scale[i], fmt.Sprintf("scale_%d", i))
		bind(&d.dc[i], fmt.Sprintf("f_dc_%d", i))
	}
	for i, n := range []string{"red", "green", "blue"} {
		bind(&d.rgb[i], n)
	}
	for i := 0; i < 4; i++ {
		bind(&d.rot[i], fmt.Sprintf("rot_%d", i))
	}
	bind(&d.opacity, "opacity")

	for i := 0; ; i++ {
		var f plyField
		bind(&f, fmt.Sprintf("f_rest_%d", i))
		if !f.ok() {
			break
		}
		d.rest = append(d.rest, f)
	}
	d.restPer = len(d.rest) / 3
	d.shDegree = shDegreeForRest(d.restPer)
	return d, nil
}

func (d *inriaDecoder) fields() []*plyField {
	out := []*plyField{&d.opacity}
	for i := range d.pos {
		out = append(out, &d.pos[i], &d.scale[i], &d.dc[i], &d.rgb[i])
	}
	for i := range d.rot {
		out = append(out, &d.rot[i])
	}
	for i := range d.rest {
		out = append(out, &d.rest[i])
	}
	return out
}

// loadDeps reads codebook columns once the codebook element is complete.
func (d *inriaDecoder) loadDeps(data []byte) error {
	if d.codebook == nil {
		return nil
	}
	if len(data) < d.codebook.end() {
		return ErrIncomplete
	}
	cols := map[string][]float32{}
	for _, f := range d.fields() {
		if f.cbProp == nil {
			continue
		}
		col, ok := cols[f.cbProp.name]
		if !ok {
			col = make([]float32, d.codebook.count)
			for i := range col {
				col[i] = float32(f.cbProp.read(d.codebook.row(data, i)))
			}
			cols[f.cbProp.name] = col
		}
		f.codebook = col
	}
	return nil
}

func (d *inriaDecoder) decode(row []byte, out *codec.Splat) {
	for a := 0; a < 3; a++ {
		out.Center[a] = d.pos[a].value(row, 0)
		if d.scale[a].ok() {
			out.Scale[a] = math32.Exp(d.scale[a].value(row, 0))
		} else {
			out.Scale[a] = 0.01
		}
		switch {
		case d.dc[a].ok():
			out.Color[a] = codec.ColorFromDC(d.dc[a].value(row, 0))
		case d.rgb[a].ok():
			out.Color[a] = uint8(math32.Min(255, math32.Max(0, d.rgb[a].value(row, 0))))
		default:
			out.Color[a] = 255
		}
	}
	if d.opacity.ok() {
		out.Color[3] = codec.ClampUnitToByte(codec.Sigmoid(d.opacity.value(row, 0)))
	} else {
		out.Color[3] = 255
	}
	q := mgl32.Quat{
		W: d.rot[0].value(row, 1),
		V: mgl32.Vec3{d.rot[1].value(row, 0), d.rot[2].value(row, 0), d.rot[3].value(row, 0)},
	}
	if l := q.Len(); l > 0 {
		out.Rotation = q.Scale(1 / l)
	} else {
		out.Rotation = mgl32.QuatIdent()
	}

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
	for c := 0; c < 3; c++ {
		for k := 0; k < per; k++ {
			out.SH[k*3+c] = d.rest[c*d.restPer+k].value(row, 0)
		}
	}
}
