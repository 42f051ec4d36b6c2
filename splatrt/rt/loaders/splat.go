package loaders

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"

	"github.com/chewxy/math32"
	"github.com/gekko3d/gsplat/splatrt/rt/codec"
	"github.com/go-gl/mathgl/mgl32"
)

// SplatRowBytes is the size of one .splat record.
const SplatRowBytes = 32

// splatSource decodes the headerless .splat layout: 3 f32 center, 3 f32
// linear scale, rgba bytes, rotation bytes w,x,y,z mapped by (q*128)+128.
type splatSource struct{}

func (splatSource) Format() Format    { return FormatSplat }
func (splatSource) Progressive() bool { return true }

func (splatSource) DecodeHeader(data []byte) (Header, error) {
	return Header{SplatCount: -1}, nil
}

func (splatSource) AvailableRecords(data []byte) int {
	return len(data) / SplatRowBytes
}

func (splatSource) DecodeRecordRange(data []byte, from, to int, out []codec.Splat) error {
	if to*SplatRowBytes > len(data) {
		return ErrIncomplete
	}
	for i := from; i < to; i++ {
		row := data[i*SplatRowBytes : (i+1)*SplatRowBytes]
		s := &out[i-from]
		for a := 0; a < 3; a++ {
			s.Center[a] = math.Float32frombits(binary.LittleEndian.Uint32(row[a*4:]))
			s.Scale[a] = math.Float32frombits(binary.LittleEndian.Uint32(row[12+a*4:]))
		}
		copy(s.Color[:], row[24:28])
		q := mgl32.Quat{
			W: (float32(row[28]) - 128) / 128,
			V: mgl32.Vec3{(float32(row[29]) - 128) / 128, (float32(row[30]) - 128) / 128, (float32(row[31]) - 128) / 128},
		}
		s.Rotation = codec.CanonicalRotation(q)
		s.SH = nil
	}
	return nil
}

func encodeRotationByte(v float32) uint8 {
	return uint8(math32.Max(0, math32.Min(255, math32.Floor(v*128+128+0.5))))
}

// WriteSplat encodes splats in the .splat layout. SH coefficients are dropped.
func WriteSplat(w io.Writer, splats []codec.Splat) error {
	bw := bufio.NewWriter(w)
	var row [SplatRowBytes]byte
	for i := range splats {
		s := &splats[i]
		for a := 0; a < 3; a++ {
			binary.LittleEndian.PutUint32(row[a*4:], math.Float32bits(s.Center[a]))
			binary.LittleEndian.PutUint32(row[12+a*4:], math.Float32bits(s.Scale[a]))
		}
		copy(row[24:28], s.Color[:])
		q := codec.CanonicalRotation(s.Rotation)
		row[28] = encodeRotationByte(q.W)
		row[29] = encodeRotationByte(q.V[0])
		row[30] = encodeRotationByte(q.V[1])
		row[31] = encodeRotationByte(q.V[2])
		if _, err := bw.Write(row[:]); err != nil {
			return err
		}
	}
	return bw.Flush()
}
