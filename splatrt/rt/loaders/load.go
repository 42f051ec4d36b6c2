package loaders

import (
	"context"
	"errors"
	"fmt"

	"github.com/gekko3d/gsplat/splatrt/rt/codec"
)

// LoadOptions controls how a decoded file is packed into a SplatBuffer.
type LoadOptions struct {
	CompressionLevel codec.CompressionLevel
	// SHDegree caps the stored degree; -1 keeps the file's degree.
	SHDegree       int
	AlphaThreshold uint8
	BlockSize      float32
	BucketSize     int
	SectionSize    int
	// ExpectedSize is the total file size when known (for example from
	// Content-Length); it lets headerless formats load progressively.
	ExpectedSize int64
}

func DefaultLoadOptions() LoadOptions {
	return LoadOptions{
		CompressionLevel: codec.Level1,
		SHDegree:         -1,
		AlphaThreshold:   1,
		BlockSize:        codec.DefaultBlockSize,
		BucketSize:       codec.DefaultBucketSize,
	}
}

func (o LoadOptions) generatorOptions() codec.GeneratorOptions {
	return codec.GeneratorOptions{
		CompressionLevel: o.CompressionLevel,
		SHDegree:         o.SHDegree,
		AlphaThreshold:   o.AlphaThreshold,
		BlockSize:        o.BlockSize,
		BucketSize:       o.BucketSize,
		SectionSize:      o.SectionSize,
	}
}

func (o LoadOptions) shDegree(file int) int {
	if o.SHDegree >= 0 && o.SHDegree < file {
		return o.SHDegree
	}
	return file
}

// completeHeader decodes the header of a file that is entirely in memory.
func completeHeader(src Source, data []byte) (Header, error) {
	hdr, err := src.DecodeHeader(data)
	if errors.Is(err, ErrIncomplete) {
		return hdr, codec.NewFormatError(src.Format().String(), "truncated header")
	}
	return hdr, err
}

// LoadArray decodes a whole file into an uncompressed SplatArray.
func LoadArray(data []byte, name string) (*codec.SplatArray, error) {
	f := Sniff(data, name)
	src, err := NewSource(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	hdr, err := completeHeader(src, data)
	if err != nil {
		return nil, err
	}
	if hdr.Size > int64(len(data)) {
		return nil, codec.NewFormatError(f.String(), "truncated: header describes %d bytes, have %d", hdr.Size, len(data))
	}
	avail := src.AvailableRecords(data)
	n := hdr.SplatCount
	if n < 0 {
		n = avail
		if f == FormatSplat && len(data)%SplatRowBytes != 0 {
			return nil, codec.NewFormatError("splat", "size %d is not a multiple of %d", len(data), SplatRowBytes)
		}
	}
	if avail < n {
		return nil, codec.NewFormatError(f.String(), "truncated: %d of %d records", avail, n)
	}
	arr := codec.NewSplatArray(hdr.SHDegree)
	arr.Splats = make([]codec.Splat, n)
	if err := src.DecodeRecordRange(data, 0, n, arr.Splats); err != nil {
		return nil, err
	}
	return arr, nil
}

// Load decodes a whole file into a SplatBuffer. A .ksplat file is used as is.
func Load(ctx context.Context, data []byte, name string, opts LoadOptions) (*codec.SplatBuffer, error) {
	if Sniff(data, name) == FormatKSplat {
		return codec.NewSplatBuffer(data)
	}
	arr, err := LoadArray(data, name)
	if err != nil {
		return nil, err
	}
	return codec.Generate(ctx, arr, opts.generatorOptions())
}

// Convert turns any supported file into .ksplat bytes.
func Convert(ctx context.Context, data []byte, name string, opts LoadOptions) ([]byte, error) {
	buf, err := Load(ctx, data, name, opts)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
