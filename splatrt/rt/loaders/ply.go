package loaders

import (
	"bytes"
	"encoding/binary"
	"math"
	"strconv"
	"strings"

	"github.com/gekko3d/gsplat/splatrt/rt/codec"
)

const maxPLYHeaderBytes = 1 << 16

type plyScalar int

const (
	plyInt8 plyScalar = iota
	plyUint8
	plyInt16
	plyUint16
	plyInt32
	plyUint32
	plyFloat32
	plyFloat64
)

var plyScalarNames = map[string]plyScalar{
	"char": plyInt8, "int8": plyInt8,
	"uchar": plyUint8, "uint8": plyUint8,
	"short": plyInt16, "int16": plyInt16,
	"ushort": plyUint16, "uint16": plyUint16,
	"int": plyInt32, "int32": plyInt32,
	"uint": plyUint32, "uint32": plyUint32,
	"float": plyFloat32, "float32": plyFloat32,
	"double": plyFloat64, "float64": plyFloat64,
}

func (t plyScalar) size() int {
	switch t {
	case plyInt8, plyUint8:
		return 1
	case plyInt16, plyUint16:
		return 2
	case plyInt32, plyUint32, plyFloat32:
		return 4
	}
	return 8
}

func (t plyScalar) integer() bool {
	return t != plyFloat32 && t != plyFloat64
}

type plyProperty struct {
	name   string
	typ    plyScalar
	offset int
}

func (p *plyProperty) read(row []byte) float64 {
	b := row[p.offset:]
	switch p.typ {
	case plyInt8:
		return float64(int8(b[0]))
	case plyUint8:
		return float64(b[0])
	case plyInt16:
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case plyUint16:
		return float64(binary.LittleEndian.Uint16(b))
	case plyInt32:
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case plyUint32:
		return float64(binary.LittleEndian.Uint32(b))
	case plyFloat32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}

func (p *plyProperty) readUint32(row []byte) uint32 {
	if p.typ == plyUint32 || p.typ == plyInt32 {
		return binary.LittleEndian.Uint32(row[p.offset:])
	}
	return uint32(p.read(row))
}

type plyElement struct {
	name    string
	count   int
	props   []plyProperty
	rowSize int
	offset  int
}

func (e *plyElement) prop(name string) *plyProperty {
	for i := range e.props {
		if e.props[i].name == name {
			return &e.props[i]
		}
	}
	return nil
}

func (e *plyElement) end() int {
	return e.offset + e.count*e.rowSize
}

func (e *plyElement) row(data []byte, i int) []byte {
	off := e.offset + i*e.rowSize
	return data[off : off+e.rowSize]
}

type plyHeader struct {
	elements []*plyElement
	size     int
	// end is the byte size of the whole file the header describes.
	end int
}

func (h *plyHeader) element(name string) *plyElement {
	for _, e := range h.elements {
		if e.name == name {
			return e
		}
	}
	return nil
}

func plyError(reason string, args ...any) error {
	return codec.NewFormatError("ply", reason, args...)
}

// parsePLYHeader parses the ASCII header up to end_header and lays out the
// binary element blocks that follow it.
func parsePLYHeader(data []byte) (*plyHeader, error) {
	end := bytes.Index(data, []byte("end_header"))
	if end < 0 {
		if len(data) > maxPLYHeaderBytes {
			return nil, plyError("no end_header within %d bytes", maxPLYHeaderBytes)
		}
		return nil, ErrIncomplete
	}
	nl := bytes.IndexByte(data[end:], '\n')
	if nl < 0 {
		return nil, ErrIncomplete
	}
	h := &plyHeader{size: end + nl + 1}

	lines := strings.Split(strings.ReplaceAll(string(data[:end]), "\r", ""), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "ply" {
		return nil, plyError("missing ply magic")
	}
	var cur *plyElement
	sawFormat := false
	for _, line := range lines[1:] {
		f := strings.Fields(line)
		if len(f) == 0 {
			continue
		}
		switch f[0] {
		case "comment", "obj_info":
		case "format":
			if len(f) < 2 || f[1] != "binary_little_endian" {
				return nil, plyError("unsupported format %q", strings.Join(f[1:], " "))
			}
			sawFormat = true
		case "element":
			if len(f) != 3 {
				return nil, plyError("bad element line %q", line)
			}
			n, err := strconv.Atoi(f[2])
			if err != nil || n < 0 {
				return nil, plyError("bad element count %q", f[2])
			}
			cur = &plyElement{name: f[1], count: n}
			h.elements = append(h.elements, cur)
		case "property":
			if cur == nil {
				return nil, plyError("property before element")
			}
			if len(f) >= 2 && f[1] == "list" {
				return nil, plyError("list property in element %q is not supported", cur.name)
			}
			if len(f) != 3 {
				return nil, plyError("bad property line %q", line)
			}
			t, ok := plyScalarNames[f[1]]
			if !ok {
				return nil, plyError("unknown property type %q", f[1])
			}
			cur.props = append(cur.props, plyProperty{name: f[2], typ: t, offset: cur.rowSize})
			cur.rowSize += t.size()
		default:
			return nil, plyError("unexpected header line %q", line)
		}
	}
	if !sawFormat {
		return nil, plyError("missing format line")
	}
	off := h.size
	for _, e := range h.elements {
		if e.count > 0 && e.rowSize == 0 {
			return nil, plyError("element %q has %d rows and no properties", e.name, e.count)
		}
		if e.count > (math.MaxInt-off)/max(1, e.rowSize) {
			return nil, plyError("element %q: %d rows of %d bytes overflow", e.name, e.count, e.rowSize)
		}
		e.offset = off
		off += e.count * e.rowSize
	}
	h.end = off
	return h, nil
}

type plyVariant int

const (
	plyINRIAV1 plyVariant = iota
	plyINRIAV2
	plyPlayCanvas
)

func detectPLYVariant(h *plyHeader) plyVariant {
	if v := h.element("vertex"); v != nil && h.element("chunk") != nil && v.prop("packed_position") != nil {
		return plyPlayCanvas
	}
	if h.element("codebook_centers") != nil {
		return plyINRIAV2
	}
	return plyINRIAV1
}

// plySource decodes binary little endian PLY files in the INRIA v1, INRIA v2
// codebook and PlayCanvas compressed layouts.
type plySource struct {
	header  *plyHeader
	variant plyVariant
	vertex  *plyElement
	deps    []*plyElement

	depsLoaded bool
	inria      *inriaDecoder
	pc         *playCanvasDecoder
}

func (s *plySource) Format() Format    { return FormatPLY }
func (s *plySource) Progressive() bool { return true }

func (s *plySource) DecodeHeader(data []byte) (Header, error) {
	h, err := parsePLYHeader(data)
	if err != nil {
		return Header{}, err
	}
	s.header = h
	s.variant = detectPLYVariant(h)
	s.vertex = h.element("vertex")
	if s.vertex == nil {
		return Header{}, plyError("no vertex element")
	}
	s.deps = s.deps[:0]
	for _, e := range h.elements {
		switch e.name {
		case "chunk", "sh", "codebook_centers":
			s.deps = append(s.deps, e)
		}
	}

	switch s.variant {
	case plyPlayCanvas:
		s.pc, err = newPlayCanvasDecoder(h, s.vertex)
		if err != nil {
			return Header{}, err
		}
		return Header{SplatCount: s.vertex.count, SHDegree: s.pc.shDegree, Size: int64(h.end)}, nil
	default:
		s.inria, err = newINRIADecoder(h, s.vertex)
		if err != nil {
			return Header{}, err
		}
		return Header{SplatCount: s.vertex.count, SHDegree: s.inria.shDegree, Size: int64(h.end)}, nil
	}
}

// AvailableRecords is zero until every element the vertex rows depend on is complete.
func (s *plySource) AvailableRecords(data []byte) int {
	for _, d := range s.deps {
		if len(data) < d.end() {
			return 0
		}
	}
	if len(data) < s.vertex.offset {
		return 0
	}
	return min(s.vertex.count, (len(data)-s.vertex.offset)/max(1, s.vertex.rowSize))
}

func (s *plySource) DecodeRecordRange(data []byte, from, to int, out []codec.Splat) error {
	if to > s.AvailableRecords(data) {
		return ErrIncomplete
	}
	if !s.depsLoaded {
		var err error
		if s.pc != nil {
			err = s.pc.loadDeps(data)
		} else {
			err = s.inria.loadDeps(data)
		}
		if err != nil {
			return err
		}
		s.depsLoaded = true
	}
	for i := from; i < to; i++ {
		row := s.vertex.row(data, i)
		if s.pc != nil {
			s.pc.decode(data, i, row, &out[i-from])
		} else {
			s.inria.decode(row, &out[i-from])
		}
	}
	return nil
}

// shDegreeForRest maps the per-channel f_rest coefficient count to a degree, capped at codec.MaxSHDegree.
func shDegreeForRest(perChannel int) int {
	switch {
	case perChannel >= 8:
		return 2
	case perChannel >= 3:
		return 1
	}
	return 0
}
