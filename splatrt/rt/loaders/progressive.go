package loaders

import (
	"errors"
	"fmt"

	"github.com/gekko3d/gsplat/splatrt/rt/codec"
)

const progressiveBatch = 4096

// Progress describes the state of a ProgressiveLoader after a write.
type Progress struct {
	// Buffer is the partially filled buffer, nil until the header is known.
	Buffer *codec.SplatBuffer
	Loaded int
	// Total is the expected splat count before alpha filtering, -1 if unknown.
	Total int
	Bytes int64
	Done  bool
}

// ProgressiveLoader decodes a file as it arrives. Records split across write
// boundaries are held until complete, so the final buffer does not depend on
// how the bytes were chunked.
type ProgressiveLoader struct {
	name       string
	opts       LoadOptions
	onProgress func(Progress)

	data     []byte
	format   Format
	src      Source
	hdr      Header
	headerOK bool
	decoded  int
	copied   int
	buf      *codec.SplatBuffer
	scratch  []codec.Splat
	kept     []codec.Splat
	finished bool
}

// NewProgressiveLoader returns a loader for a file called name. onProgress may be nil.
func NewProgressiveLoader(name string, opts LoadOptions, onProgress func(Progress)) *ProgressiveLoader {
	l := &ProgressiveLoader{name: name, opts: opts, onProgress: onProgress}
	if opts.ExpectedSize > 0 {
		l.data = make([]byte, 0, opts.ExpectedSize)
	}
	return l
}

func (l *ProgressiveLoader) Format() Format {
	return l.format
}

// Write appends p and decodes every record it completes.
func (l *ProgressiveLoader) Write(p []byte) (int, error) {
	if l.finished {
		return 0, errors.New("progressive loader: write after finish")
	}
	l.data = append(l.data, p...)

	if l.src == nil {
		if len(l.data) < SniffLen {
			return len(p), nil
		}
		l.format = Sniff(l.data, l.name)
		src, err := NewSource(l.format)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", l.name, err)
		}
		l.src = src
	}
	if !l.src.Progressive() {
		return len(p), nil
	}
	if err := l.advance(); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (l *ProgressiveLoader) advance() error {
	if !l.headerOK {
		hdr, err := l.src.DecodeHeader(l.data)
		if errors.Is(err, ErrIncomplete) {
			return nil
		}
		if err != nil {
			return err
		}
		if l.opts.ExpectedSize > 0 && hdr.Size > l.opts.ExpectedSize {
			return codec.NewFormatError(l.format.String(), "header describes %d bytes, expected %d", hdr.Size, l.opts.ExpectedSize)
		}
		if hdr.SplatCount < 0 && l.format == FormatSplat && l.opts.ExpectedSize > 0 {
			hdr.SplatCount = int(l.opts.ExpectedSize / SplatRowBytes)
		}
		l.hdr, l.headerOK = hdr, true
		if hdr.SplatCount < 0 {
			return nil
		}
		if err := l.allocate(hdr.SplatCount); err != nil {
			return err
		}
	}
	if l.buf == nil {
		return nil
	}

	if l.format == FormatKSplat {
		dst := l.buf.Bytes()
		n := min(len(l.data), len(dst))
		if n > l.copied {
			copy(dst[l.copied:n], l.data[l.copied:n])
			l.copied = n
		}
		if err := l.src.(*ksplatSource).applyCounts(l.buf, n); err != nil {
			return err
		}
		l.report(false)
		return nil
	}

	avail := min(l.src.AvailableRecords(l.data), l.hdr.SplatCount)
	if avail <= l.decoded {
		return nil
	}
	for l.decoded < avail {
		to := min(avail, l.decoded+progressiveBatch)
		if err := l.appendRange(l.decoded, to); err != nil {
			return err
		}
		l.decoded = to
	}
	l.report(false)
	return nil
}

func (l *ProgressiveLoader) allocate(count int) error {
	if l.format == FormatKSplat {
		ks := l.src.(*ksplatSource)
		hdr, sections, total := ks.Layout()
		data := make([]byte, total)
		l.buf = codec.WrapLayout(data, hdr, sections)
		return nil
	}
	buf, err := codec.NewProgressiveSplatBuffer(count, l.opts.CompressionLevel, l.opts.shDegree(l.hdr.SHDegree), l.opts.BlockSize, l.opts.BucketSize)
	if err != nil {
		return err
	}
	l.buf = buf
	return nil
}

func (l *ProgressiveLoader) appendRange(from, to int) error {
	n := to - from
	if cap(l.scratch) < n {
		l.scratch = make([]codec.Splat, n)
	}
	out := l.scratch[:n]
	if err := l.src.DecodeRecordRange(l.data, from, to, out); err != nil {
		return err
	}
	l.kept = l.kept[:0]
	for i := range out {
		if out[i].Color[3] >= l.opts.AlphaThreshold {
			l.kept = append(l.kept, out[i])
		}
	}
	return l.buf.AppendSplats(l.kept)
}

func (l *ProgressiveLoader) report(done bool) {
	if l.onProgress == nil {
		return
	}
	total := -1
	if l.headerOK {
		total = l.hdr.SplatCount
	}
	loaded := 0
	if l.buf != nil {
		loaded = l.buf.SplatCount()
	}
	l.onProgress(Progress{Buffer: l.buf, Loaded: loaded, Total: total, Bytes: int64(len(l.data)), Done: done})
}

// Finish decodes anything still pending and returns the final buffer. The
// file must be complete.
func (l *ProgressiveLoader) Finish() (*codec.SplatBuffer, error) {
	if l.finished {
		return l.buf, nil
	}
	l.finished = true
	if l.src == nil {
		f := Sniff(l.data, l.name)
		src, err := NewSource(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", l.name, err)
		}
		l.format, l.src = f, src
	}

	if !l.headerOK {
		hdr, err := completeHeader(l.src, l.data)
		if err != nil {
			return nil, err
		}
		l.hdr, l.headerOK = hdr, true
	}

	if l.format == FormatKSplat {
		if l.buf == nil {
			if err := l.allocate(l.hdr.SplatCount); err != nil {
				return nil, err
			}
		}
		if err := l.advance(); err != nil {
			return nil, err
		}
		if l.buf.SplatCount() < l.hdr.SplatCount {
			return nil, codec.NewFormatError("ksplat", "truncated: %d of %d splats", l.buf.SplatCount(), l.hdr.SplatCount)
		}
		l.report(true)
		return l.buf, nil
	}

	avail := l.src.AvailableRecords(l.data)
	if l.hdr.SplatCount < 0 || (l.format == FormatSplat && l.hdr.SplatCount != avail) {
		if len(l.data)%SplatRowBytes != 0 {
			return nil, codec.NewFormatError("splat", "size %d is not a multiple of %d", len(l.data), SplatRowBytes)
		}
		if l.buf != nil && avail > l.hdr.SplatCount {
			return nil, codec.NewFormatError("splat", "%d records exceed expected %d", avail, l.hdr.SplatCount)
		}
		l.hdr.SplatCount = avail
	}
	if avail < l.hdr.SplatCount {
		return nil, codec.NewFormatError(l.format.String(), "truncated: %d of %d records", avail, l.hdr.SplatCount)
	}
	if l.buf == nil {
		if err := l.allocate(l.hdr.SplatCount); err != nil {
			return nil, err
		}
	}
	for l.decoded < l.hdr.SplatCount {
		to := min(l.hdr.SplatCount, l.decoded+progressiveBatch)
		if err := l.appendRange(l.decoded, to); err != nil {
			return nil, err
		}
		l.decoded = to
	}
	l.report(true)
	return l.buf, nil
}
