package loaders

import (
	"io"

	"github.com/gekko3d/gsplat/splatrt/rt/codec"
)

// ksplatSource exposes the canonical SplatBuffer encoding as a Source. Sections
// fill in order, so a prefix of the file holds a prefix of the splats.
type ksplatSource struct {
	hdr      codec.Header
	sections []codec.SectionHeader
	total    int
	view     *codec.SplatBuffer
	viewLen  int
}

func (s *ksplatSource) Format() Format    { return FormatKSplat }
func (s *ksplatSource) Progressive() bool { return true }

func (s *ksplatSource) DecodeHeader(data []byte) (Header, error) {
	if len(data) < codec.HeaderSizeBytes {
		return Header{}, ErrIncomplete
	}
	hdr, err := codec.DecodeHeader(data)
	if err != nil {
		return Header{}, err
	}
	if len(data) < codec.HeaderSizeBytes+int(hdr.MaxSectionCount)*codec.SectionHeaderSizeBytes {
		return Header{}, ErrIncomplete
	}
	hdr, sections, total, err := codec.ParseLayout(data)
	if err != nil {
		return Header{}, err
	}
	s.hdr, s.sections, s.total = hdr, sections, total
	deg := codec.MaxSHDegree
	for _, sh := range sections {
		deg = min(deg, int(sh.SHDegree))
	}
	if len(sections) == 0 {
		deg = 0
	}
	return Header{SplatCount: int(hdr.SplatCount), SHDegree: deg, Size: int64(total)}, nil
}

// Layout returns the parsed headers and the full byte size of the file.
func (s *ksplatSource) Layout() (codec.Header, []codec.SectionHeader, int) {
	return s.hdr, s.sections, s.total
}

// sectionCounts returns how many records of each section are fully present in n bytes.
func (s *ksplatSource) sectionCounts(n int) []int {
	counts := make([]int, len(s.sections))
	off := codec.HeaderSizeBytes + int(s.hdr.MaxSectionCount)*codec.SectionHeaderSizeBytes
	for i, sh := range s.sections {
		stride := codec.Stride(s.hdr.CompressionLevel, int(sh.SHDegree))
		records := off + int(sh.MaxBucketCount)*codec.BucketEntryBytes
		if n >= records {
			counts[i] = min(int(sh.SplatCount), (n-records)/stride)
		}
		if counts[i] < int(sh.SplatCount) {
			break
		}
		off += int(sh.StorageSizeBytes)
	}
	return counts
}

func (s *ksplatSource) AvailableRecords(data []byte) int {
	total := 0
	for _, c := range s.sectionCounts(len(data)) {
		total += c
	}
	return total
}

// applyCounts raises the visible counts of buf to what n bytes contain.
func (s *ksplatSource) applyCounts(buf *codec.SplatBuffer, n int) error {
	for i, c := range s.sectionCounts(n) {
		if err := buf.SetSectionSplatCount(i, c); err != nil {
			return err
		}
	}
	return nil
}

func (s *ksplatSource) DecodeRecordRange(data []byte, from, to int, out []codec.Splat) error {
	if to > s.AvailableRecords(data) {
		return ErrIncomplete
	}
	if s.view == nil || s.viewLen != len(data) {
		padded := make([]byte, s.total)
		copy(padded, data)
		s.view, s.viewLen = codec.WrapLayout(padded, s.hdr, s.sections), len(data)
		if err := s.applyCounts(s.view, len(data)); err != nil {
			return err
		}
	}
	for i := from; i < to; i++ {
		out[i-from] = s.view.GetSplat(i)
	}
	return nil
}

// WriteKSplat writes the canonical encoding of buf.
func WriteKSplat(w io.Writer, buf *codec.SplatBuffer) error {
	_, err := w.Write(buf.Bytes())
	return err
}
