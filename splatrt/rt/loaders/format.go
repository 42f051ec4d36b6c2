package loaders

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"

	"github.com/gekko3d/gsplat/splatrt/rt/codec"
)

type Format int

const (
	FormatUnknown Format = iota
	FormatPLY
	FormatSplat
	FormatKSplat
	FormatSPZ
)

func (f Format) String() string {
	switch f {
	case FormatPLY:
		return "ply"
	case FormatSplat:
		return "splat"
	case FormatKSplat:
		return "ksplat"
	case FormatSPZ:
		return "spz"
	}
	return "unknown"
}

var (
	// ErrIncomplete means more bytes are required before the header can be decoded.
	ErrIncomplete = errors.New("incomplete data")
	// ErrUnknownFormat means neither the leading bytes nor the file name identify a format.
	ErrUnknownFormat = errors.New("unknown splat file format")
)

// SniffLen is the number of leading bytes Sniff looks at.
const SniffLen = 4

// Sniff identifies a format from the first bytes of a file, falling back to
// the extension of name.
func Sniff(head []byte, name string) Format {
	switch {
	case bytes.HasPrefix(head, []byte("ply\n")), bytes.HasPrefix(head, []byte("ply\r\n")):
		return FormatPLY
	case bytes.HasPrefix(head, []byte(codec.Magic)):
		return FormatKSplat
	case len(head) >= 2 && head[0] == 0x1f && head[1] == 0x8b:
		return FormatSPZ
	}
	return FormatFromName(name)
}

// FormatFromName maps a file extension to a format. Query strings are ignored.
func FormatFromName(name string) Format {
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".ply":
		return FormatPLY
	case ".splat":
		return FormatSplat
	case ".ksplat":
		return FormatKSplat
	case ".spz":
		return FormatSPZ
	}
	return FormatUnknown
}

// Header is what a Source learns from the start of a file.
type Header struct {
	// SplatCount is the number of records, or -1 when only the total size can tell.
	SplatCount int
	SHDegree   int
	// Size is the file size in bytes the header implies, 0 when it does not say.
	Size int64
}

// Source decodes one file format. Implementations keep per-file state and are
// not safe for concurrent use.
type Source interface {
	Format() Format
	// Progressive reports whether records can be decoded before the file is complete.
	Progressive() bool
	// DecodeHeader returns ErrIncomplete while data is too short and a
	// *codec.FormatError when the file is malformed.
	DecodeHeader(data []byte) (Header, error)
	// AvailableRecords reports how many leading records data fully contains.
	AvailableRecords(data []byte) int
	// DecodeRecordRange decodes records [from,to) into out[0:to-from].
	DecodeRecordRange(data []byte, from, to int, out []codec.Splat) error
}

// NewSource returns a fresh decoder for f.
func NewSource(f Format) (Source, error) {
	switch f {
	case FormatPLY:
		return &plySource{}, nil
	case FormatSplat:
		return splatSource{}, nil
	case FormatSPZ:
		return &spzSource{}, nil
	case FormatKSplat:
		return &ksplatSource{}, nil
	}
	return nil, ErrUnknownFormat
}
