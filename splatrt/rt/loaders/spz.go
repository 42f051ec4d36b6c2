package loaders

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/chewxy/math32"
	"github.com/gekko3d/gsplat/splatrt/rt/codec"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/klauspost/compress/gzip"
	"github.com/x448/float16"
)

const (
	spzMagic      = 0x5053474e
	spzHeaderSize = 16
	spzColorScale = 0.15

	// SPZWriteVersion is the version WriteSPZ emits.
	SPZWriteVersion        = 2
	spzWriteFractionalBits = 12
)

type spzHeader struct {
	version        uint32
	numPoints      uint32
	shDegree       uint8
	fractionalBits uint8
	flags          uint8
}

// spzCoefficients is the per-channel SH coefficient count stored for a file degree.
func spzCoefficients(degree uint8) int {
	switch degree {
	case 1:
		return 3
	case 2:
		return 8
	case 3:
		return 15
	}
	return 0
}

func spzError(reason string, args ...any) error {
	return codec.NewFormatError("spz", reason, args...)
}

// spzSource decodes gzip-wrapped SPZ files. The attribute-major layout only
// decodes once the stream is complete.
type spzSource struct {
	raw    []byte
	rawLen int
	hdr    spzHeader

	posOff, alphaOff, colorOff, scaleOff, rotOff, shOff int
	rotBytes, shPer                                     int
}

func (s *spzSource) Format() Format    { return FormatSPZ }
func (s *spzSource) Progressive() bool { return false }

func (s *spzSource) inflate(data []byte) error {
	if s.raw != nil && s.rawLen == len(data) {
		return nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return ErrIncomplete
		}
		return spzError("gzip: %v", err)
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrIncomplete
		}
		return spzError("gzip: %v", err)
	}
	s.raw, s.rawLen = raw, len(data)
	return nil
}

func (s *spzSource) DecodeHeader(data []byte) (Header, error) {
	if err := s.inflate(data); err != nil {
		return Header{}, err
	}
	raw := s.raw
	if len(raw) < spzHeaderSize {
		return Header{}, spzError("truncated header")
	}
	if m := binary.LittleEndian.Uint32(raw); m != spzMagic {
		return Header{}, spzError("bad magic %#x", m)
	}
	h := spzHeader{
		version:        binary.LittleEndian.Uint32(raw[4:]),
		numPoints:      binary.LittleEndian.Uint32(raw[8:]),
		shDegree:       raw[12],
		fractionalBits: raw[13],
		flags:          raw[14],
	}
	if h.version < 1 || h.version > 3 {
		return Header{}, spzError("unsupported version %d", h.version)
	}
	if h.shDegree > 3 {
		return Header{}, spzError("unsupported SH degree %d", h.shDegree)
	}
	s.hdr = h

	n := int(h.numPoints)
	posBytes := 9
	if h.version == 1 {
		posBytes = 6
	}
	s.rotBytes = 3
	if h.version >= 3 {
		s.rotBytes = 4
	}
	s.shPer = spzCoefficients(h.shDegree)
	s.posOff = spzHeaderSize
	s.alphaOff = s.posOff + n*posBytes
	s.colorOff = s.alphaOff + n
	s.scaleOff = s.colorOff + n*3
	s.rotOff = s.scaleOff + n*3
	s.shOff = s.rotOff + n*s.rotBytes
	if end := s.shOff + n*s.shPer*3; len(raw) < end {
		return Header{}, spzError("payload %d bytes, expected %d", len(raw), end)
	}
	return Header{SplatCount: n, SHDegree: min(int(h.shDegree), codec.MaxSHDegree)}, nil
}

func (s *spzSource) AvailableRecords(data []byte) int {
	if s.raw == nil || s.rawLen != len(data) {
		return 0
	}
	return int(s.hdr.numPoints)
}

func (s *spzSource) DecodeRecordRange(data []byte, from, to int, out []codec.Splat) error {
	if to > s.AvailableRecords(data) {
		return ErrIncomplete
	}
	raw := s.raw
	deg := min(int(s.hdr.shDegree), codec.MaxSHDegree)
	per := codec.SHCoefficientsPerChannel(deg)
	fixed := float32(int32(1) << s.hdr.fractionalBits)

	for i := from; i < to; i++ {
		sp := &out[i-from]
		if s.hdr.version == 1 {
			p := raw[s.posOff+i*6:]
			for a := 0; a < 3; a++ {
				sp.Center[a] = float16.Frombits(binary.LittleEndian.Uint16(p[a*2:])).Float32()
			}
		} else {
			p := raw[s.posOff+i*9:]
			for a := 0; a < 3; a++ {
				v := int32(p[a*3]) | int32(p[a*3+1])<<8 | int32(p[a*3+2])<<16
				if v&0x800000 != 0 {
					v |= -1 << 24
				}
				sp.Center[a] = float32(v) / fixed
			}
		}

		sp.Color[3] = raw[s.alphaOff+i]
		for a := 0; a < 3; a++ {
			dc := (float32(raw[s.colorOff+i*3+a])/255 - 0.5) / spzColorScale
			sp.Color[a] = codec.ColorFromDC(dc)
			sp.Scale[a] = math32.Exp(float32(raw[s.scaleOff+i*3+a])/16 - 10)
		}

		r := raw[s.rotOff+i*s.rotBytes:]
		if s.rotBytes == 3 {
			x := float32(r[0])/127.5 - 1
			y := float32(r[1])/127.5 - 1
			z := float32(r[2])/127.5 - 1
			sp.Rotation = codec.CanonicalRotation(mgl32.Quat{W: codec.ReconstructW(x, y, z), V: mgl32.Vec3{x, y, z}})
		} else {
			sp.Rotation = codec.CanonicalRotation(unpackSmallestThree(binary.LittleEndian.Uint32(r)))
		}

		if per == 0 {
			sp.SH = nil
			continue
		}
		sp.SH = make([]float32, per*3)
		sh := raw[s.shOff+i*s.shPer*3:]
		for k := 0; k < per; k++ {
			for c := 0; c < 3; c++ {
				sp.SH[k*3+c] = (float32(sh[k*3+c]) - 128) / 128
			}
		}
	}
	return nil
}

// unpackSmallestThree decodes the 32-bit rotation of SPZ v3: the top 2 bits
// index the largest component, the rest hold three 9-bit magnitudes with a
// sign bit each, stored x,y,z,w from the highest index down.
func unpackSmallestThree(comp uint32) mgl32.Quat {
	const mask = 1<<9 - 1
	largest := int(comp >> 30)
	var q [4]float32
	var sum float32
	for i := 3; i >= 0; i-- {
		if i == largest {
			continue
		}
		mag := comp & mask
		neg := (comp >> 9) & 1
		comp >>= 10
		q[i] = math.Sqrt2 / 2 * float32(mag) / mask
		if neg == 1 {
			q[i] = -q[i]
		}
		sum += q[i] * q[i]
	}
	q[largest] = math32.Sqrt(math32.Max(0, 1-sum))
	return mgl32.Quat{W: q[3], V: mgl32.Vec3{q[0], q[1], q[2]}}
}

func quantByte(v float32) uint8 {
	return uint8(math32.Max(0, math32.Min(255, math32.Floor(v+0.5))))
}

// WriteSPZ encodes splats as a version 2 SPZ stream.
func WriteSPZ(w io.Writer, arr *codec.SplatArray) error {
	n := len(arr.Splats)
	deg := uint8(arr.SHDegree)
	per := spzCoefficients(deg)

	raw := make([]byte, spzHeaderSize, spzHeaderSize+n*(9+1+3+3+3+per*3))
	binary.LittleEndian.PutUint32(raw[0:], spzMagic)
	binary.LittleEndian.PutUint32(raw[4:], SPZWriteVersion)
	binary.LittleEndian.PutUint32(raw[8:], uint32(n))
	raw[12] = deg
	raw[13] = spzWriteFractionalBits

	fixed := float32(int32(1) << spzWriteFractionalBits)
	for _, s := range arr.Splats {
		for a := 0; a < 3; a++ {
			v := int32(math32.Floor(s.Center[a]*fixed + 0.5))
			raw = append(raw, byte(v), byte(v>>8), byte(v>>16))
		}
	}
	for _, s := range arr.Splats {
		raw = append(raw, s.Color[3])
	}
	for _, s := range arr.Splats {
		for a := 0; a < 3; a++ {
			dc := (float32(s.Color[a])/255 - 0.5) / codec.SHC0
			raw = append(raw, quantByte((dc*spzColorScale+0.5)*255))
		}
	}
	for _, s := range arr.Splats {
		for a := 0; a < 3; a++ {
			raw = append(raw, quantByte((math32.Log(math32.Max(s.Scale[a], 1e-30))+10)*16))
		}
	}
	for _, s := range arr.Splats {
		q := codec.CanonicalRotation(s.Rotation)
		for a := 0; a < 3; a++ {
			raw = append(raw, quantByte((q.V[a]+1)*127.5))
		}
	}
	for _, s := range arr.Splats {
		for k := 0; k < per; k++ {
			for c := 0; c < 3; c++ {
				var v float32
				if k*3+c < len(s.SH) {
					v = s.SH[k*3+c]
				}
				raw = append(raw, quantByte(v*128+128))
			}
		}
	}

	zw := gzip.NewWriter(w)
	if _, err := zw.Write(raw); err != nil {
		return fmt.Errorf("spz: %w", err)
	}
	return zw.Close()
}
