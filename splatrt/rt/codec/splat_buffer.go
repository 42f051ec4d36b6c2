package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
)

type section struct {
	header        SectionHeader
	offset        int
	bucketsOffset int
	recordsOffset int
	firstSplat    int
	layout        recordLayout
	factor        float32
}

// SplatBuffer is the fixed-layout container for a set of splats at one
// compression level. The backing byte slice is the canonical .ksplat file.
type SplatBuffer struct {
	data     []byte
	header   Header
	sections []section
}

// SectionConfig sizes one preallocated section.
type SectionConfig struct {
	MaxSplatCount  int
	MaxBucketCount int
	BucketSize     int
	BlockSize      float32
}

// BufferConfig describes an empty buffer to allocate.
type BufferConfig struct {
	CompressionLevel CompressionLevel
	SHDegree         int
	SceneCenter      mgl32.Vec3
	MinSHCoeff       float32
	MaxSHCoeff       float32
	Sections         []SectionConfig
}

// NewEmptySplatBuffer allocates every section up front so later appends never reallocate.
func NewEmptySplatBuffer(cfg BufferConfig) (*SplatBuffer, error) {
	if !cfg.CompressionLevel.Valid() {
		return nil, fmt.Errorf("invalid compression level %d", cfg.CompressionLevel)
	}
	if cfg.SHDegree < 0 || cfg.SHDegree > MaxSHDegree {
		return nil, fmt.Errorf("invalid SH degree %d", cfg.SHDegree)
	}
	if len(cfg.Sections) == 0 {
		return nil, fmt.Errorf("splat buffer needs at least one section")
	}
	if cfg.MinSHCoeff == 0 && cfg.MaxSHCoeff == 0 {
		cfg.MinSHCoeff, cfg.MaxSHCoeff = DefaultMinSHCoeff, DefaultMaxSHCoeff
	}

	headers := make([]SectionHeader, len(cfg.Sections))
	total := HeaderSizeBytes + len(cfg.Sections)*SectionHeaderSizeBytes
	maxSplats := 0
	for i, sc := range cfg.Sections {
		if sc.BucketSize <= 0 {
			sc.BucketSize = DefaultBucketSize
		}
		if sc.BlockSize <= 0 {
			sc.BlockSize = DefaultBlockSize
		}
		if sc.MaxBucketCount <= 0 {
			sc.MaxBucketCount = max(1, sc.MaxSplatCount)
		}
		h := SectionHeader{
			MaxSplatCount:   uint32(sc.MaxSplatCount),
			BucketSize:      uint32(sc.BucketSize),
			MaxBucketCount:  uint32(sc.MaxBucketCount),
			BucketBlockSize: sc.BlockSize,
			ScaleRange:      cfg.CompressionLevel.Layout().ScaleRange,
			SHDegree:        uint16(cfg.SHDegree),
		}
		size := storageSize(cfg.CompressionLevel, cfg.SHDegree, h.MaxSplatCount, h.MaxBucketCount)
		if size > math.MaxUint32 {
			return nil, fmt.Errorf("section %d: %d bytes: %w", i, size, ErrCapacityExceeded)
		}
		h.StorageSizeBytes = uint32(size)
		headers[i] = h
		total += int(h.StorageSizeBytes)
		maxSplats += sc.MaxSplatCount
	}

	data := make([]byte, total)
	hdr := Header{
		VersionMajor:     VersionMajor,
		VersionMinor:     VersionMinor,
		MaxSectionCount:  uint32(len(headers)),
		SectionCount:     uint32(len(headers)),
		MaxSplatCount:    uint32(maxSplats),
		CompressionLevel: cfg.CompressionLevel,
		SceneCenter:      cfg.SceneCenter,
		MinSHCoeff:       cfg.MinSHCoeff,
		MaxSHCoeff:       cfg.MaxSHCoeff,
	}
	hdr.Encode(data)
	for i := range headers {
		headers[i].Encode(data[HeaderSizeBytes+i*SectionHeaderSizeBytes:])
	}
	return wrap(data, hdr, headers), nil
}

// NewProgressiveSplatBuffer allocates a single section sized for maxSplatCount
// appends. Every splat may open its own bucket in the worst case.
func NewProgressiveSplatBuffer(maxSplatCount int, level CompressionLevel, shDegree int, blockSize float32, bucketSize int) (*SplatBuffer, error) {
	return NewEmptySplatBuffer(BufferConfig{
		CompressionLevel: level,
		SHDegree:         shDegree,
		Sections: []SectionConfig{{
			MaxSplatCount:  maxSplatCount,
			MaxBucketCount: max(1, maxSplatCount),
			BucketSize:     bucketSize,
			BlockSize:      blockSize,
		}},
	})
}

// NewSplatBuffer parses a complete .ksplat byte slice without copying it.
func NewSplatBuffer(data []byte) (*SplatBuffer, error) {
	hdr, sections, total, err := ParseLayout(data)
	if err != nil {
		return nil, err
	}
	if len(data) < total {
		return nil, NewFormatError("ksplat", "truncated section data: %d of %d bytes", len(data), total)
	}
	return wrap(data[:total], hdr, sections), nil
}

// ParseLayout decodes the main and section headers and reports the total byte
// size the buffer needs. Record bytes beyond the headers may still be missing.
func ParseLayout(data []byte) (Header, []SectionHeader, int, error) {
	hdr, err := DecodeHeader(data)
	if err != nil {
		return hdr, nil, 0, err
	}
	need := uint64(HeaderSizeBytes) + uint64(hdr.MaxSectionCount)*SectionHeaderSizeBytes
	if uint64(len(data)) < need {
		return hdr, nil, 0, NewFormatError("ksplat", "truncated section headers: %d of %d bytes", len(data), need)
	}
	sections := make([]SectionHeader, hdr.SectionCount)
	total := need
	var splats uint64
	for i := range sections {
		sh, err := DecodeSectionHeader(data[HeaderSizeBytes+i*SectionHeaderSizeBytes:])
		if err != nil {
			return hdr, nil, 0, err
		}
		want := storageSize(hdr.CompressionLevel, int(sh.SHDegree), sh.MaxSplatCount, sh.MaxBucketCount)
		if uint64(sh.StorageSizeBytes) != want {
			return hdr, nil, 0, NewFormatError("ksplat", "section %d storage %d, expected %d", i, sh.StorageSizeBytes, want)
		}
		if hdr.CompressionLevel != Level0 {
			if sh.BucketBlockSize <= 0 {
				return hdr, nil, 0, NewFormatError("ksplat", "section %d has no bucket block size", i)
			}
			if sh.BucketSize == 0 {
				return hdr, nil, 0, NewFormatError("ksplat", "section %d has zero bucket size", i)
			}
			if minBuckets := (uint64(sh.SplatCount) + uint64(sh.BucketSize) - 1) / uint64(sh.BucketSize); uint64(sh.BucketCount) < minBuckets {
				return hdr, nil, 0, NewFormatError("ksplat", "section %d has %d buckets for %d splats", i, sh.BucketCount, sh.SplatCount)
			}
		}
		sections[i] = sh
		splats += uint64(sh.SplatCount)
		total += want
	}
	if splats != uint64(hdr.SplatCount) {
		return hdr, nil, 0, NewFormatError("ksplat", "sections hold %d splats, header claims %d", splats, hdr.SplatCount)
	}
	if total > math.MaxInt {
		return hdr, nil, 0, NewFormatError("ksplat", "storage of %d bytes is too large", total)
	}
	return hdr, sections, int(total), nil
}

// WrapLayout builds a buffer over data using headers that were already parsed.
// Section splat counts start at zero and are raised with SetSectionSplatCount.
func WrapLayout(data []byte, hdr Header, sections []SectionHeader) *SplatBuffer {
	hdr.SplatCount = 0
	hs := make([]SectionHeader, len(sections))
	copy(hs, sections)
	for i := range hs {
		hs[i].SplatCount = 0
	}
	return wrap(data, hdr, hs)
}

func wrap(data []byte, hdr Header, headers []SectionHeader) *SplatBuffer {
	b := &SplatBuffer{data: data, header: hdr, sections: make([]section, len(headers))}
	off := HeaderSizeBytes + int(hdr.MaxSectionCount)*SectionHeaderSizeBytes
	for i, h := range headers {
		s := &b.sections[i]
		s.header = h
		s.offset = off
		s.bucketsOffset = off
		s.recordsOffset = off + int(h.MaxBucketCount)*BucketEntryBytes
		s.layout = newRecordLayout(hdr.CompressionLevel, int(h.SHDegree))
		if h.BucketBlockSize > 0 {
			s.factor = compressionFactor(h.BucketBlockSize, h.ScaleRange)
		}
		off += int(h.StorageSizeBytes)
	}
	b.reindex()
	return b
}

func (b *SplatBuffer) reindex() {
	first := 0
	for i := range b.sections {
		b.sections[i].firstSplat = first
		first += int(b.sections[i].header.SplatCount)
	}
	b.header.SplatCount = uint32(first)
	binary.LittleEndian.PutUint32(b.data[20:], b.header.SplatCount)
}

// Bytes returns the canonical .ksplat encoding. It aliases the buffer's memory.
func (b *SplatBuffer) Bytes() []byte {
	return b.data
}

func (b *SplatBuffer) Header() Header {
	return b.header
}

func (b *SplatBuffer) SplatCount() int {
	return int(b.header.SplatCount)
}

func (b *SplatBuffer) MaxSplatCount() int {
	return int(b.header.MaxSplatCount)
}

func (b *SplatBuffer) CompressionLevel() CompressionLevel {
	return b.header.CompressionLevel
}

func (b *SplatBuffer) SceneCenter() mgl32.Vec3 {
	return b.header.SceneCenter
}

func (b *SplatBuffer) SectionCount() int {
	return len(b.sections)
}

func (b *SplatBuffer) Section(i int) SectionHeader {
	return b.sections[i].header
}

// SHDegree is the lowest SH degree over all sections.
func (b *SplatBuffer) SHDegree() int {
	d := MaxSHDegree
	for _, s := range b.sections {
		d = min(d, int(s.header.SHDegree))
	}
	if len(b.sections) == 0 {
		return 0
	}
	return d
}

// SetSectionSplatCount raises the visible count of a section, used when
// .ksplat bytes arrive progressively. The count never exceeds the section max.
func (b *SplatBuffer) SetSectionSplatCount(i, count int) error {
	s := &b.sections[i]
	if count < 0 || uint32(count) > s.header.MaxSplatCount {
		return fmt.Errorf("section %d: count %d: %w", i, count, ErrCapacityExceeded)
	}
	s.header.SplatCount = uint32(count)
	binary.LittleEndian.PutUint32(b.data[HeaderSizeBytes+i*SectionHeaderSizeBytes:], s.header.SplatCount)
	b.reindex()
	return nil
}

// SectionRecordsRange returns the absolute byte range holding section i's records.
func (b *SplatBuffer) SectionRecordsRange(i int) (start, stride int) {
	s := &b.sections[i]
	return s.recordsOffset, s.layout.stride
}

func (b *SplatBuffer) locate(i int) (*section, int) {
	if i < 0 || i >= int(b.header.SplatCount) {
		panic(fmt.Sprintf("splat index %d out of range [0,%d)", i, b.header.SplatCount))
	}
	si := sort.Search(len(b.sections), func(k int) bool {
		s := &b.sections[k]
		return s.firstSplat+int(s.header.SplatCount) > i
	})
	s := &b.sections[si]
	return s, i - s.firstSplat
}

func (s *section) record(data []byte, local int) []byte {
	off := s.recordsOffset + local*s.layout.stride
	return data[off : off+s.layout.stride]
}

func (s *section) bucket(data []byte, k int) (mgl32.Vec3, int) {
	off := s.bucketsOffset + k*BucketEntryBytes
	return getVec3(data[off:]), int(binary.LittleEndian.Uint32(data[off+12:]))
}

func (s *section) putBucket(data []byte, k int, center mgl32.Vec3, start int) {
	off := s.bucketsOffset + k*BucketEntryBytes
	putVec3(data[off:], center)
	binary.LittleEndian.PutUint32(data[off+12:], uint32(start))
}

// bucketFor finds the bucket holding local splat index j.
func (s *section) bucketFor(data []byte, j int) int {
	n := int(s.header.BucketCount)
	k := sort.Search(n, func(k int) bool {
		_, start := s.bucket(data, k)
		return start > j
	})
	return max(k-1, 0)
}

func (b *SplatBuffer) decodeCenter(s *section, rec []byte, bucketCenter mgl32.Vec3) mgl32.Vec3 {
	if b.header.CompressionLevel == Level0 {
		return getVec3(rec)
	}
	r := s.header.ScaleRange
	return mgl32.Vec3{
		dequantizeOffset(binary.LittleEndian.Uint16(rec[0:]), bucketCenter[0], s.factor, r),
		dequantizeOffset(binary.LittleEndian.Uint16(rec[2:]), bucketCenter[1], s.factor, r),
		dequantizeOffset(binary.LittleEndian.Uint16(rec[4:]), bucketCenter[2], s.factor, r),
	}
}

func (b *SplatBuffer) decodeScaleRotation(s *section, rec []byte) (mgl32.Vec3, mgl32.Quat) {
	so, ro := s.layout.scaleOffset, s.layout.rotationOffset
	if b.header.CompressionLevel == Level0 {
		return getVec3(rec[so:]), mgl32.Quat{W: getF32(rec[ro:]), V: getVec3(rec[ro+4:])}
	}
	scale := mgl32.Vec3{
		fromHalf(binary.LittleEndian.Uint16(rec[so:])),
		fromHalf(binary.LittleEndian.Uint16(rec[so+2:])),
		fromHalf(binary.LittleEndian.Uint16(rec[so+4:])),
	}
	x := fromHalf(binary.LittleEndian.Uint16(rec[ro:]))
	y := fromHalf(binary.LittleEndian.Uint16(rec[ro+2:]))
	z := fromHalf(binary.LittleEndian.Uint16(rec[ro+4:]))
	q := mgl32.Quat{W: ReconstructW(x, y, z), V: mgl32.Vec3{x, y, z}}
	return scale, q.Normalize()
}

func (b *SplatBuffer) decodeSH(s *section, rec []byte, out []float32) {
	n := min(len(out), s.layout.shCount)
	base := rec[s.layout.shOffset:]
	switch b.header.CompressionLevel {
	case Level0:
		for k := 0; k < n; k++ {
			out[k] = getF32(base[k*4:])
		}
	case Level1:
		for k := 0; k < n; k++ {
			out[k] = fromHalf(binary.LittleEndian.Uint16(base[k*2:]))
		}
	case Level2:
		lo, hi := b.header.MinSHCoeff, b.header.MaxSHCoeff
		for k := 0; k < n; k++ {
			out[k] = dequantizeSH(base[k], lo, hi)
		}
	}
	for k := n; k < len(out); k++ {
		out[k] = 0
	}
}

func (b *SplatBuffer) encode(s *section, rec []byte, sp *Splat, bucketCenter mgl32.Vec3) {
	l := s.layout
	switch b.header.CompressionLevel {
	case Level0:
		putVec3(rec, sp.Center)
		putVec3(rec[l.scaleOffset:], sp.Scale)
		putF32(rec[l.rotationOffset:], sp.Rotation.W)
		putVec3(rec[l.rotationOffset+4:], sp.Rotation.V)
	default:
		r := s.header.ScaleRange
		for a := 0; a < 3; a++ {
			binary.LittleEndian.PutUint16(rec[a*2:], quantizeOffset(sp.Center[a], bucketCenter[a], s.factor, r))
			binary.LittleEndian.PutUint16(rec[l.scaleOffset+a*2:], toHalf(sp.Scale[a]))
		}
		q := CanonicalRotation(sp.Rotation)
		for a := 0; a < 3; a++ {
			binary.LittleEndian.PutUint16(rec[l.rotationOffset+a*2:], toHalf(q.V[a]))
		}
	}
	copy(rec[l.colorOffset:l.colorOffset+4], sp.Color[:])

	base := rec[l.shOffset:]
	for k := 0; k < l.shCount; k++ {
		var v float32
		if k < len(sp.SH) {
			v = sp.SH[k]
		}
		switch b.header.CompressionLevel {
		case Level0:
			putF32(base[k*4:], v)
		case Level1:
			binary.LittleEndian.PutUint16(base[k*2:], toHalf(v))
		case Level2:
			base[k] = quantizeSH(v, b.header.MinSHCoeff, b.header.MaxSHCoeff)
		}
	}
}

func cellOf(p mgl32.Vec3, blockSize float32) [3]int32 {
	return [3]int32{
		int32(math32.Floor(p[0] / blockSize)),
		int32(math32.Floor(p[1] / blockSize)),
		int32(math32.Floor(p[2] / blockSize)),
	}
}

func cellCenter(c [3]int32, blockSize float32) mgl32.Vec3 {
	return mgl32.Vec3{
		(float32(c[0]) + 0.5) * blockSize,
		(float32(c[1]) + 0.5) * blockSize,
		(float32(c[2]) + 0.5) * blockSize,
	}
}

// appendToSection writes one record, opening a new bucket when the current
// one is full or the splat lies in a different block cell. Only the section
// header is updated; callers reindex.
func (b *SplatBuffer) appendToSection(s *section, si int, sp *Splat) error {
	h := &s.header
	if h.SplatCount >= h.MaxSplatCount {
		return ErrCapacityExceeded
	}
	local := int(h.SplatCount)
	cell := cellOf(sp.Center, h.BucketBlockSize)

	needBucket := h.BucketCount == 0
	var center mgl32.Vec3
	if !needBucket {
		var start int
		center, start = s.bucket(b.data, int(h.BucketCount)-1)
		needBucket = local-start >= int(h.BucketSize) || cellOf(center, h.BucketBlockSize) != cell
	}
	if needBucket {
		if h.BucketCount >= h.MaxBucketCount {
			return ErrCapacityExceeded
		}
		center = cellCenter(cell, h.BucketBlockSize)
		s.putBucket(b.data, int(h.BucketCount), center, local)
		h.BucketCount++
	}

	b.encode(s, s.record(b.data, local), sp, center)
	h.SplatCount++
	h.Encode(b.data[HeaderSizeBytes+si*SectionHeaderSizeBytes:])
	return nil
}

// AppendSplats writes splats after the current last splat, filling sections in order.
func (b *SplatBuffer) AppendSplats(splats []Splat) error {
	defer b.reindex()
	si := 0
	for k := range splats {
		for si < len(b.sections) && b.sections[si].header.SplatCount >= b.sections[si].header.MaxSplatCount {
			si++
		}
		if si == len(b.sections) {
			return fmt.Errorf("append %d of %d: %w", k, len(splats), ErrCapacityExceeded)
		}
		if err := b.appendToSection(&b.sections[si], si, &splats[k]); err != nil {
			return fmt.Errorf("append %d of %d: %w", k, len(splats), err)
		}
	}
	return nil
}

func (b *SplatBuffer) setSceneCenter(c mgl32.Vec3) {
	b.header.SceneCenter = c
	putVec3(b.data[28:], c)
}

// GetSplatCenter decodes the center of splat i, optionally transformed.
func (b *SplatBuffer) GetSplatCenter(i int, transform *mgl32.Mat4) mgl32.Vec3 {
	s, local := b.locate(i)
	var bc mgl32.Vec3
	if b.header.CompressionLevel != Level0 {
		bc, _ = s.bucket(b.data, s.bucketFor(b.data, local))
	}
	c := b.decodeCenter(s, s.record(b.data, local), bc)
	if transform != nil {
		c = transform.Mul4x1(c.Vec4(1)).Vec3()
	}
	return c
}

// GetSplatScaleAndRotation decodes scale and rotation of splat i. A transform
// contributes its rotation and per-axis scale.
func (b *SplatBuffer) GetSplatScaleAndRotation(i int, transform *mgl32.Mat4) (mgl32.Vec3, mgl32.Quat) {
	s, local := b.locate(i)
	scale, rot := b.decodeScaleRotation(s, s.record(b.data, local))
	if transform != nil {
		scale, rot = applyScaleRotation(transform, scale, rot)
	}
	return scale, rot
}

func (b *SplatBuffer) GetSplatColor(i int) [4]uint8 {
	s, local := b.locate(i)
	rec := s.record(b.data, local)
	var c [4]uint8
	copy(c[:], rec[s.layout.colorOffset:s.layout.colorOffset+4])
	return c
}

// GetSplatSH fills out with the SH coefficients of splat i. Coefficients the
// buffer does not store are zeroed.
func (b *SplatBuffer) GetSplatSH(i int, out []float32, transform *mgl32.Mat4) {
	s, local := b.locate(i)
	b.decodeSH(s, s.record(b.data, local), out)
	if transform != nil && len(out) > 0 {
		NewSHRotator(RotationOf(*transform)).Rotate(out, degreeForCount(len(out)))
	}
}

// GetSplat decodes every attribute of splat i.
func (b *SplatBuffer) GetSplat(i int) Splat {
	s, local := b.locate(i)
	rec := s.record(b.data, local)
	var bc mgl32.Vec3
	if b.header.CompressionLevel != Level0 {
		bc, _ = s.bucket(b.data, s.bucketFor(b.data, local))
	}
	sp := Splat{Center: b.decodeCenter(s, rec, bc)}
	sp.Scale, sp.Rotation = b.decodeScaleRotation(s, rec)
	copy(sp.Color[:], rec[s.layout.colorOffset:s.layout.colorOffset+4])
	if s.layout.shCount > 0 {
		sp.SH = make([]float32, s.layout.shCount)
		b.decodeSH(s, rec, sp.SH)
	}
	return sp
}

// forEach walks splats [from,to) in order, tracking the bucket center so
// that bulk fills avoid per-splat bucket searches.
func (b *SplatBuffer) forEach(from, to int, fn func(k int, s *section, rec []byte, bucketCenter mgl32.Vec3)) {
	if from >= to {
		return
	}
	if to > b.SplatCount() {
		panic(fmt.Sprintf("splat range [%d,%d) exceeds count %d", from, to, b.SplatCount()))
	}
	compressed := b.header.CompressionLevel != Level0
	i := from
	for i < to {
		s, local := b.locate(i)
		end := min(to, s.firstSplat+int(s.header.SplatCount))
		bk := -1
		nextStart := 0
		var bc mgl32.Vec3
		if compressed {
			bk = s.bucketFor(b.data, local)
			bc, _ = s.bucket(b.data, bk)
			nextStart = int(^uint(0) >> 1)
			if bk+1 < int(s.header.BucketCount) {
				_, nextStart = s.bucket(b.data, bk+1)
			}
		}
		for ; i < end; i, local = i+1, local+1 {
			if compressed && local >= nextStart {
				bk++
				bc, _ = s.bucket(b.data, bk)
				nextStart = int(^uint(0) >> 1)
				if bk+1 < int(s.header.BucketCount) {
					_, nextStart = s.bucket(b.data, bk+1)
				}
			}
			fn(i-from, s, s.record(b.data, local), bc)
		}
	}
}

// FillCenterArray writes 3 floats per splat of [from,to) starting at splat slot destOffset.
func (b *SplatBuffer) FillCenterArray(out []float32, transform *mgl32.Mat4, from, to, destOffset int) {
	b.forEach(from, to, func(k int, s *section, rec []byte, bc mgl32.Vec3) {
		c := b.decodeCenter(s, rec, bc)
		if transform != nil {
			c = transform.Mul4x1(c.Vec4(1)).Vec3()
		}
		o := (destOffset + k) * 3
		out[o], out[o+1], out[o+2] = c[0], c[1], c[2]
	})
}

// FillScaleRotationArray writes 3 scale floats and 4 rotation floats (w,x,y,z)
// per splat. Either output may be nil.
func (b *SplatBuffer) FillScaleRotationArray(scales, rotations []float32, transform *mgl32.Mat4, from, to, destOffset int) {
	b.forEach(from, to, func(k int, s *section, rec []byte, _ mgl32.Vec3) {
		scale, rot := b.decodeScaleRotation(s, rec)
		if transform != nil {
			scale, rot = applyScaleRotation(transform, scale, rot)
		}
		if scales != nil {
			o := (destOffset + k) * 3
			scales[o], scales[o+1], scales[o+2] = scale[0], scale[1], scale[2]
		}
		if rotations != nil {
			o := (destOffset + k) * 4
			rotations[o], rotations[o+1], rotations[o+2], rotations[o+3] = rot.W, rot.V[0], rot.V[1], rot.V[2]
		}
	})
}

// FillCovarianceArray writes the 6 upper triangular entries (xx,xy,xz,yy,yz,zz)
// of each splat's 3D covariance.
func (b *SplatBuffer) FillCovarianceArray(out []float32, transform *mgl32.Mat4, from, to, destOffset int) {
	var t3 *mgl32.Mat3
	if transform != nil {
		m := transform.Mat3()
		t3 = &m
	}
	b.forEach(from, to, func(k int, s *section, rec []byte, _ mgl32.Vec3) {
		scale, rot := b.decodeScaleRotation(s, rec)
		cov := Covariance(scale, rot, t3)
		copy(out[(destOffset+k)*6:], cov[:])
	})
}

// FillColorArray writes rgba bytes; splats under alphaThreshold get zero alpha.
func (b *SplatBuffer) FillColorArray(out []uint8, alphaThreshold uint8, from, to, destOffset int) {
	b.forEach(from, to, func(k int, s *section, rec []byte, _ mgl32.Vec3) {
		o := (destOffset + k) * 4
		copy(out[o:o+4], rec[s.layout.colorOffset:s.layout.colorOffset+4])
		if out[o+3] < alphaThreshold {
			out[o+3] = 0
		}
	})
}

// FillSHArray writes SHComponentCount(outDegree) floats per splat, rotating
// the coefficients by the transform's rotation when one is given.
func (b *SplatBuffer) FillSHArray(out []float32, outDegree int, transform *mgl32.Mat4, from, to, destOffset int) {
	n := SHComponentCount(outDegree)
	if n == 0 {
		return
	}
	var rot *SHRotator
	if transform != nil {
		rot = NewSHRotator(RotationOf(*transform))
	}
	b.forEach(from, to, func(k int, s *section, rec []byte, _ mgl32.Vec3) {
		dst := out[(destOffset+k)*n : (destOffset+k+1)*n]
		b.decodeSH(s, rec, dst)
		if rot != nil {
			rot.Rotate(dst, outDegree)
		}
	})
}

// Covariance returns the upper triangle of R*S*S^T*R^T, optionally conjugated by t.
func Covariance(scale mgl32.Vec3, rot mgl32.Quat, t *mgl32.Mat3) [6]float32 {
	m := rot.Normalize().Mat4().Mat3().Mul3(mgl32.Diag3(scale))
	if t != nil {
		m = t.Mul3(m)
	}
	sigma := m.Mul3(m.Transpose())
	return [6]float32{
		sigma.At(0, 0), sigma.At(0, 1), sigma.At(0, 2),
		sigma.At(1, 1), sigma.At(1, 2), sigma.At(2, 2),
	}
}

// RotationOf extracts the rotation part of an affine transform by normalizing its basis columns.
func RotationOf(m mgl32.Mat4) mgl32.Mat3 {
	r := m.Mat3()
	for c := 0; c < 3; c++ {
		col := mgl32.Vec3{r[c*3], r[c*3+1], r[c*3+2]}
		if l := col.Len(); l > 0 {
			col = col.Mul(1 / l)
		}
		r[c*3], r[c*3+1], r[c*3+2] = col[0], col[1], col[2]
	}
	return r
}

func applyScaleRotation(t *mgl32.Mat4, scale mgl32.Vec3, rot mgl32.Quat) (mgl32.Vec3, mgl32.Quat) {
	m := t.Mat3()
	for a := 0; a < 3; a++ {
		scale[a] *= mgl32.Vec3{m[a*3], m[a*3+1], m[a*3+2]}.Len()
	}
	tr := mgl32.Mat4ToQuat(RotationOf(*t).Mat4())
	return scale, tr.Mul(rot).Normalize()
}

func degreeForCount(n int) int {
	switch {
	case n >= SHComponentCount(2):
		return 2
	case n >= SHComponentCount(1):
		return 1
	}
	return 0
}
