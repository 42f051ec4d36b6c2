package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

const (
	Magic = "KSPL"

	VersionMajor = 1
	VersionMinor = 0

	HeaderSizeBytes        = 128
	SectionHeaderSizeBytes = 64
)

// ErrCapacityExceeded is returned when an append would overflow a preallocated section.
var ErrCapacityExceeded = errors.New("splat buffer capacity exceeded")

// FormatError reports a malformed or unrecognized file.
type FormatError struct {
	Format string
	Reason string
}

func (e *FormatError) Error() string {
	if e.Format == "" {
		return "format error: " + e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Format, e.Reason)
}

func NewFormatError(format, reason string, args ...any) *FormatError {
	return &FormatError{Format: format, Reason: fmt.Sprintf(reason, args...)}
}

// Header is the main SplatBuffer header.
type Header struct {
	VersionMajor     uint8
	VersionMinor     uint8
	MaxSectionCount  uint32
	SectionCount     uint32
	MaxSplatCount    uint32
	SplatCount       uint32
	CompressionLevel CompressionLevel
	SceneCenter      mgl32.Vec3
	MinSHCoeff       float32
	MaxSHCoeff       float32
}

func (h *Header) Encode(buf []byte) {
	copy(buf[0:4], Magic)
	buf[4] = h.VersionMajor
	buf[5] = h.VersionMinor
	binary.LittleEndian.PutUint32(buf[8:], h.MaxSectionCount)
	binary.LittleEndian.PutUint32(buf[12:], h.SectionCount)
	binary.LittleEndian.PutUint32(buf[16:], h.MaxSplatCount)
	binary.LittleEndian.PutUint32(buf[20:], h.SplatCount)
	binary.LittleEndian.PutUint16(buf[24:], uint16(h.CompressionLevel))
	putVec3(buf[28:], h.SceneCenter)
	binary.LittleEndian.PutUint32(buf[40:], math.Float32bits(h.MinSHCoeff))
	binary.LittleEndian.PutUint32(buf[44:], math.Float32bits(h.MaxSHCoeff))
}

// DecodeHeader parses the main header. It fails on a truncated or foreign header.
func DecodeHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HeaderSizeBytes {
		return h, NewFormatError("ksplat", "truncated header: %d of %d bytes", len(buf), HeaderSizeBytes)
	}
	if string(buf[0:4]) != Magic {
		return h, NewFormatError("ksplat", "bad magic %q", buf[0:4])
	}
	h.VersionMajor = buf[4]
	h.VersionMinor = buf[5]
	if h.VersionMajor != VersionMajor {
		return h, NewFormatError("ksplat", "unsupported version %d.%d", h.VersionMajor, h.VersionMinor)
	}
	h.MaxSectionCount = binary.LittleEndian.Uint32(buf[8:])
	h.SectionCount = binary.LittleEndian.Uint32(buf[12:])
	h.MaxSplatCount = binary.LittleEndian.Uint32(buf[16:])
	h.SplatCount = binary.LittleEndian.Uint32(buf[20:])
	h.CompressionLevel = CompressionLevel(binary.LittleEndian.Uint16(buf[24:]))
	h.SceneCenter = getVec3(buf[28:])
	h.MinSHCoeff = math.Float32frombits(binary.LittleEndian.Uint32(buf[40:]))
	h.MaxSHCoeff = math.Float32frombits(binary.LittleEndian.Uint32(buf[44:]))

	if !h.CompressionLevel.Valid() {
		return h, NewFormatError("ksplat", "unknown compression level %d", h.CompressionLevel)
	}
	if h.SectionCount > h.MaxSectionCount {
		return h, NewFormatError("ksplat", "section count %d exceeds max %d", h.SectionCount, h.MaxSectionCount)
	}
	if h.SplatCount > h.MaxSplatCount {
		return h, NewFormatError("ksplat", "splat count %d exceeds max %d", h.SplatCount, h.MaxSplatCount)
	}
	return h, nil
}

// SectionHeader describes one preallocated section.
type SectionHeader struct {
	SplatCount       uint32
	MaxSplatCount    uint32
	BucketSize       uint32
	BucketCount      uint32
	MaxBucketCount   uint32
	BucketBlockSize  float32
	ScaleRange       uint32
	SHDegree         uint16
	StorageSizeBytes uint32
}

func (s *SectionHeader) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], s.SplatCount)
	binary.LittleEndian.PutUint32(buf[4:], s.MaxSplatCount)
	binary.LittleEndian.PutUint32(buf[8:], s.BucketSize)
	binary.LittleEndian.PutUint32(buf[12:], s.BucketCount)
	binary.LittleEndian.PutUint32(buf[16:], s.MaxBucketCount)
	binary.LittleEndian.PutUint32(buf[20:], math.Float32bits(s.BucketBlockSize))
	binary.LittleEndian.PutUint32(buf[24:], s.ScaleRange)
	binary.LittleEndian.PutUint16(buf[28:], s.SHDegree)
	binary.LittleEndian.PutUint32(buf[32:], s.StorageSizeBytes)
}

func DecodeSectionHeader(buf []byte) (SectionHeader, error) {
	var s SectionHeader
	if len(buf) < SectionHeaderSizeBytes {
		return s, NewFormatError("ksplat", "truncated section header")
	}
	s.SplatCount = binary.LittleEndian.Uint32(buf[0:])
	s.MaxSplatCount = binary.LittleEndian.Uint32(buf[4:])
	s.BucketSize = binary.LittleEndian.Uint32(buf[8:])
	s.BucketCount = binary.LittleEndian.Uint32(buf[12:])
	s.MaxBucketCount = binary.LittleEndian.Uint32(buf[16:])
	s.BucketBlockSize = math.Float32frombits(binary.LittleEndian.Uint32(buf[20:]))
	s.ScaleRange = binary.LittleEndian.Uint32(buf[24:])
	s.SHDegree = binary.LittleEndian.Uint16(buf[28:])
	s.StorageSizeBytes = binary.LittleEndian.Uint32(buf[32:])
	if s.SplatCount > s.MaxSplatCount {
		return s, NewFormatError("ksplat", "section splat count %d exceeds max %d", s.SplatCount, s.MaxSplatCount)
	}
	if s.BucketCount > s.MaxBucketCount {
		return s, NewFormatError("ksplat", "bucket count %d exceeds max %d", s.BucketCount, s.MaxBucketCount)
	}
	if s.SHDegree > MaxSHDegree {
		return s, NewFormatError("ksplat", "unsupported SH degree %d", s.SHDegree)
	}
	return s, nil
}

// storageSize is the byte size of a section's bucket table plus records.
// It is computed in 64 bits so that header values near the uint32 limit
// cannot wrap around.
func storageSize(level CompressionLevel, shDegree int, maxSplats, maxBuckets uint32) uint64 {
	return uint64(maxBuckets)*BucketEntryBytes + uint64(maxSplats)*uint64(Stride(level, shDegree))
}

func putVec3(buf []byte, v mgl32.Vec3) {
	binary.LittleEndian.PutUint32(buf[0:], math.Float32bits(v[0]))
	binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(v[1]))
	binary.LittleEndian.PutUint32(buf[8:], math.Float32bits(v[2]))
}

func getVec3(buf []byte) mgl32.Vec3 {
	return mgl32.Vec3{
		math.Float32frombits(binary.LittleEndian.Uint32(buf[0:])),
		math.Float32frombits(binary.LittleEndian.Uint32(buf[4:])),
		math.Float32frombits(binary.LittleEndian.Uint32(buf[8:])),
	}
}

func putF32(buf []byte, v float32) {
	binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
}

func getF32(buf []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(buf))
}
