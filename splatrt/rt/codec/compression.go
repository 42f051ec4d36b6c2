package codec

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/x448/float16"
)

type CompressionLevel uint16

const (
	// Level0 stores float32 everywhere.
	Level0 CompressionLevel = iota
	// Level1 stores 16-bit bucket offsets for centers and half floats for
	// scale, rotation and SH.
	Level1
	// Level2 is Level1 with 8-bit SH quantized over the scene SH range.
	Level2
)

const (
	DefaultBlockSize  = 5.0
	DefaultBucketSize = 256

	DefaultMinSHCoeff = -1.5
	DefaultMaxSHCoeff = 1.5

	// BucketEntryBytes is the size of one bucket table entry: center + first splat index.
	BucketEntryBytes = 16
)

func (l CompressionLevel) Valid() bool {
	return l <= Level2
}

func (l CompressionLevel) String() string {
	switch l {
	case Level0:
		return "level0"
	case Level1:
		return "level1"
	case Level2:
		return "level2"
	}
	return fmt.Sprintf("level(%d)", uint16(l))
}

// ComponentLayout describes the byte size of every record component at a level.
type ComponentLayout struct {
	CenterBytes      int
	ScaleBytes       int
	RotationBytes    int
	ColorBytes       int
	SHComponentBytes int
	ScaleRange       uint32
}

var componentLayouts = [3]ComponentLayout{
	{CenterBytes: 12, ScaleBytes: 12, RotationBytes: 16, ColorBytes: 4, SHComponentBytes: 4, ScaleRange: 1},
	{CenterBytes: 6, ScaleBytes: 6, RotationBytes: 6, ColorBytes: 4, SHComponentBytes: 2, ScaleRange: 32767},
	{CenterBytes: 6, ScaleBytes: 6, RotationBytes: 6, ColorBytes: 4, SHComponentBytes: 1, ScaleRange: 32767},
}

func (l CompressionLevel) Layout() ComponentLayout {
	return componentLayouts[l]
}

// Stride returns the bytes per splat record for a level and SH degree.
func Stride(level CompressionLevel, shDegree int) int {
	c := level.Layout()
	return c.CenterBytes + c.ScaleBytes + c.RotationBytes + c.ColorBytes + SHComponentCount(shDegree)*c.SHComponentBytes
}

// recordLayout holds per-section offsets of each component inside a record.
type recordLayout struct {
	ComponentLayout
	stride         int
	scaleOffset    int
	rotationOffset int
	colorOffset    int
	shOffset       int
	shCount        int
}

func newRecordLayout(level CompressionLevel, shDegree int) recordLayout {
	c := level.Layout()
	r := recordLayout{ComponentLayout: c}
	r.scaleOffset = c.CenterBytes
	r.rotationOffset = r.scaleOffset + c.ScaleBytes
	r.colorOffset = r.rotationOffset + c.RotationBytes
	r.shOffset = r.colorOffset + c.ColorBytes
	r.shCount = SHComponentCount(shDegree)
	r.stride = r.shOffset + r.shCount*c.SHComponentBytes
	return r
}

func toHalf(v float32) uint16 {
	return float16.Fromfloat32(v).Bits()
}

func fromHalf(bits uint16) float32 {
	return float16.Frombits(bits).Float32()
}

// quantizeOffset encodes x relative to a bucket center into [0, 2*scaleRange].
func quantizeOffset(x, bucketCenter, factor float32, scaleRange uint32) uint16 {
	q := math32.Floor((x-bucketCenter)*factor+0.5) + float32(scaleRange)
	if q < 0 {
		return 0
	}
	if hi := float32(2 * scaleRange); q > hi {
		return uint16(hi)
	}
	return uint16(q)
}

func dequantizeOffset(q uint16, bucketCenter, factor float32, scaleRange uint32) float32 {
	return (float32(q)-float32(scaleRange))/factor + bucketCenter
}

// quantizeSH maps v into a byte over [lo, hi].
func quantizeSH(v, lo, hi float32) uint8 {
	r := hi - lo
	if r <= 0 {
		return 0
	}
	q := math32.Floor((v-lo)/r*255 + 0.5)
	if q < 0 {
		return 0
	}
	if q > 255 {
		return 255
	}
	return uint8(q)
}

func dequantizeSH(q uint8, lo, hi float32) float32 {
	return lo + float32(q)/255*(hi-lo)
}

// compressionFactor is the multiplier turning a metric offset into quantized steps.
func compressionFactor(blockSize float32, scaleRange uint32) float32 {
	return float32(scaleRange) / (blockSize * 0.5)
}
