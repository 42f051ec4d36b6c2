package loaders

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/chewxy/math32"
	"github.com/gekko3d/gsplat/splatrt/rt/codec"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomArray(seed int64, n, deg int) *codec.SplatArray {
	rng := rand.New(rand.NewSource(seed))
	arr := codec.NewSplatArray(deg)
	for i := 0; i < n; i++ {
		q := codec.CanonicalRotation(mgl32.Quat{
			W: rng.Float32()*2 - 1,
			V: mgl32.Vec3{rng.Float32()*2 - 1, rng.Float32()*2 - 1, rng.Float32()*2 - 1},
		})
		s := codec.Splat{
			Center:   mgl32.Vec3{rng.Float32()*20 - 10, rng.Float32()*20 - 10, rng.Float32()*20 - 10},
			Scale:    mgl32.Vec3{0.05 + rng.Float32(), 0.05 + rng.Float32(), 0.05 + rng.Float32()},
			Rotation: q,
			Color:    [4]uint8{uint8(rng.Intn(256)), uint8(rng.Intn(256)), uint8(rng.Intn(256)), uint8(rng.Intn(256))},
		}
		if k := codec.SHComponentCount(deg); k > 0 {
			s.SH = make([]float32, k)
			for j := range s.SH {
				s.SH[j] = rng.Float32() - 0.5
			}
		}
		arr.Add(s)
	}
	return arr
}

func assertRotation(t *testing.T, want, got mgl32.Quat, eps float64) {
	t.Helper()
	d := math32.Abs(want.Normalize().Dot(got.Normalize()))
	assert.InDelta(t, 1, d, eps)
}

func TestSniff(t *testing.T) {
	tests := []struct {
		head []byte
		name string
		want Format
	}{
		{[]byte("ply\nformat"), "scene.bin", FormatPLY},
		{[]byte("ply\r\nformat"), "", FormatPLY},
		{[]byte("KSPL\x01"), "x.ply", FormatKSplat},
		{[]byte{0x1f, 0x8b, 0x08}, "", FormatSPZ},
		{[]byte{1, 2, 3, 4}, "garden.splat", FormatSplat},
		{[]byte{1, 2, 3, 4}, "https://host/garden.SPLAT?v=2", FormatSplat},
		{nil, "a.ksplat", FormatKSplat},
		{nil, "a.spz", FormatSPZ},
		{[]byte{1, 2, 3, 4}, "a.obj", FormatUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Sniff(tt.head, tt.name), "%q %s", tt.head, tt.name)
	}
}

func TestPLYRoundTrip(t *testing.T) {
	for deg := 0; deg <= 2; deg++ {
		t.Run(fmt.Sprintf("sh%d", deg), func(t *testing.T) {
			arr := randomArray(int64(deg), 50, deg)
			var b bytes.Buffer
			require.NoError(t, WritePLY(&b, arr))

			got, err := LoadArray(b.Bytes(), "out.ply")
			require.NoError(t, err)
			require.Equal(t, deg, got.SHDegree)
			require.Len(t, got.Splats, len(arr.Splats))
			for i, want := range arr.Splats {
				g := got.Splats[i]
				assert.Equal(t, want.Center, g.Center)
				for a := 0; a < 4; a++ {
					assert.InDelta(t, want.Color[a], g.Color[a], 1)
				}
				for a := 0; a < 3; a++ {
					assert.InDelta(t, want.Scale[a], g.Scale[a], float64(want.Scale[a])*1e-5)
				}
				assertRotation(t, want.Rotation, g.Rotation, 1e-6)
				assert.Equal(t, want.SH, g.SH)
			}
		})
	}
}

func TestPLYRejectsUnsupported(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"ascii", "ply\nformat ascii 1.0\nelement vertex 1\nproperty float x\nend_header\n"},
		{"big endian", "ply\nformat binary_big_endian 1.0\nelement vertex 1\nproperty float x\nend_header\n"},
		{"list", "ply\nformat binary_little_endian 1.0\nelement vertex 1\nproperty list uchar int idx\nend_header\n"},
		{"no vertex", "ply\nformat binary_little_endian 1.0\nelement face 0\nproperty float x\nend_header\n"},
		{"no position", "ply\nformat binary_little_endian 1.0\nelement vertex 0\nproperty float q\nend_header\n"},
		{"overflowing count", "ply\nformat binary_little_endian 1.0\nelement vertex 9223372036854775807\nproperty float x\nproperty float y\nproperty float z\nend_header\n"},
		{"rows without properties", "ply\nformat binary_little_endian 1.0\nelement face 5\nelement vertex 0\nproperty float x\nproperty float y\nproperty float z\nend_header\n"},
		{"count beyond data", "ply\nformat binary_little_endian 1.0\nelement vertex 1000000000\nproperty float x\nproperty float y\nproperty float z\nend_header\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadArray([]byte(tt.header), "a.ply")
			var fe *codec.FormatError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, "ply", fe.Format)
		})
	}
}

func TestProgressivePLYCountBeyondExpectedSize(t *testing.T) {
	header := "ply\nformat binary_little_endian 1.0\nelement vertex 1000000000\nproperty float x\nproperty float y\nproperty float z\nend_header\n"
	data := append([]byte(header), make([]byte, 12)...)
	opts := DefaultLoadOptions()
	opts.ExpectedSize = int64(len(data))

	l := NewProgressiveLoader("big.ply", opts, nil)
	_, err := l.Write(data)
	var fe *codec.FormatError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "ply", fe.Format)
	assert.Contains(t, fe.Reason, "header describes")
}

func TestPLYHeaderIncomplete(t *testing.T) {
	src := &plySource{}
	_, err := src.DecodeHeader([]byte("ply\nformat binary_little_endian 1.0\nelement vert"))
	assert.ErrorIs(t, err, ErrIncomplete)
}

func putF32(b *bytes.Buffer, vs ...float32) {
	for _, v := range vs {
		binary.Write(b, binary.LittleEndian, math.Float32bits(v))
	}
}

func TestINRIAV2Codebook(t *testing.T) {
	header := strings.Join([]string{
		"ply",
		"format binary_little_endian 1.0",
		"element vertex 2",
		"property float x", "property float y", "property float z",
		"property uchar scale_0", "property uchar scale_1", "property uchar scale_2",
		"property float opacity",
		"element codebook_centers 2",
		"property float scale_0", "property float scale_1", "property float scale_2",
		"end_header",
	}, "\n") + "\n"
	var b bytes.Buffer
	b.WriteString(header)
	putF32(&b, 1, 2, 3)
	b.Write([]byte{0, 1, 0})
	putF32(&b, 0)
	putF32(&b, 4, 5, 6)
	b.Write([]byte{1, 1, 1})
	putF32(&b, 0)
	vertexEnd := b.Len()
	putF32(&b, 0, 0, 0)
	putF32(&b, float32(math.Log(2)), float32(math.Log(3)), float32(math.Log(4)))
	data := b.Bytes()

	src := &plySource{}
	hdr, err := src.DecodeHeader(data)
	require.NoError(t, err)
	assert.Equal(t, 2, hdr.SplatCount)
	assert.Equal(t, plyINRIAV2, src.variant)
	assert.Zero(t, src.AvailableRecords(data[:vertexEnd]), "codebook must be complete first")
	assert.Equal(t, 2, src.AvailableRecords(data))

	out := make([]codec.Splat, 2)
	require.NoError(t, src.DecodeRecordRange(data, 0, 2, out))
	assert.InDelta(t, 1, out[0].Scale[0], 1e-5)
	assert.InDelta(t, 3, out[0].Scale[1], 1e-5)
	assert.InDelta(t, 1, out[0].Scale[2], 1e-5)
	assert.InDelta(t, 4, out[1].Scale[2], 1e-5)
	assert.Equal(t, mgl32.Vec3{4, 5, 6}, out[1].Center)
	assert.Equal(t, uint8(128), out[1].Color[3])
	assert.Equal(t, mgl32.QuatIdent(), out[0].Rotation)
}

func TestPlayCanvasCompressed(t *testing.T) {
	var b bytes.Buffer
	b.WriteString(strings.Join([]string{
		"ply",
		"format binary_little_endian 1.0",
		"element chunk 1",
		"property float min_x", "property float min_y", "property float min_z",
		"property float max_x", "property float max_y", "property float max_z",
		"property float min_scale_x", "property float min_scale_y", "property float min_scale_z",
		"property float max_scale_x", "property float max_scale_y", "property float max_scale_z",
		"element vertex 2",
		"property uint packed_position", "property uint packed_rotation",
		"property uint packed_scale", "property uint packed_color",
		"element sh 2",
	}, "\n") + "\n")
	for i := 0; i < 9; i++ {
		fmt.Fprintf(&b, "property uchar f_rest_%d\n", i)
	}
	b.WriteString("end_header\n")
	putF32(&b, -1, -2, -3, 1, 2, 3, -2, -2, -2, 0, 0, 0)

	identity := uint32(0)<<30 | 511<<20 | 511<<10 | 511
	rows := [][4]uint32{
		{0, identity, 0, 0xff0000ff},
		{0xffffffff, identity, 0xffffffff, 0x00ff0080},
	}
	vertexStart := b.Len()
	for _, r := range rows {
		for _, v := range r {
			binary.Write(&b, binary.LittleEndian, v)
		}
	}
	vertexEnd := b.Len()
	for i := 0; i < 2; i++ {
		for k := 0; k < 9; k++ {
			if i == 0 {
				b.WriteByte(0)
			} else {
				b.WriteByte(255)
			}
		}
	}
	data := b.Bytes()

	src := &plySource{}
	hdr, err := src.DecodeHeader(data)
	require.NoError(t, err)
	assert.Equal(t, plyPlayCanvas, src.variant)
	assert.Equal(t, 1, hdr.SHDegree)
	assert.Less(t, vertexStart, vertexEnd)
	assert.Zero(t, src.AvailableRecords(data[:vertexEnd]), "sh element must be complete first")

	out := make([]codec.Splat, 2)
	require.NoError(t, src.DecodeRecordRange(data, 0, 2, out))

	assert.Equal(t, mgl32.Vec3{-1, -2, -3}, out[0].Center)
	assert.True(t, out[1].Center.ApproxEqual(mgl32.Vec3{1, 2, 3}))
	assert.InDelta(t, math.Exp(-2), out[0].Scale[0], 1e-6)
	assert.InDelta(t, 1, out[1].Scale[0], 1e-6)
	assert.Equal(t, [4]uint8{255, 0, 0, 255}, out[0].Color)
	assert.Equal(t, [4]uint8{0, 255, 0, 128}, out[1].Color)
	assertRotation(t, mgl32.QuatIdent(), out[0].Rotation, 1e-5)
	require.Len(t, out[0].SH, 9)
	assert.Equal(t, float32(-4), out[0].SH[0])
	assert.Equal(t, float32(4), out[1].SH[8])
	assert.InDelta(t, -3.953125, decodeSHByte(1), 1e-6)
}

func TestSplatRoundTrip(t *testing.T) {
	arr := randomArray(5, 40, 0)
	var b bytes.Buffer
	require.NoError(t, WriteSplat(&b, arr.Splats))
	assert.Equal(t, 40*SplatRowBytes, b.Len())

	got, err := LoadArray(b.Bytes(), "x.splat")
	require.NoError(t, err)
	require.Len(t, got.Splats, 40)
	for i, want := range arr.Splats {
		assert.Equal(t, want.Center, got.Splats[i].Center)
		assert.Equal(t, want.Scale, got.Splats[i].Scale)
		assert.Equal(t, want.Color, got.Splats[i].Color)
		assertRotation(t, want.Rotation, got.Splats[i].Rotation, 2e-3)
	}

	_, err = LoadArray(b.Bytes()[:33], "x.splat")
	var fe *codec.FormatError
	assert.ErrorAs(t, err, &fe)
}

func TestSPZRoundTrip(t *testing.T) {
	arr := randomArray(6, 30, 1)
	var b bytes.Buffer
	require.NoError(t, WriteSPZ(&b, arr))
	assert.Equal(t, FormatSPZ, Sniff(b.Bytes(), ""))

	got, err := LoadArray(b.Bytes(), "")
	require.NoError(t, err)
	require.Equal(t, 1, got.SHDegree)
	require.Len(t, got.Splats, 30)
	for i, want := range arr.Splats {
		g := got.Splats[i]
		for a := 0; a < 3; a++ {
			assert.InDelta(t, want.Center[a], g.Center[a], 1.0/4096)
			assert.InDelta(t, want.Color[a], g.Color[a], 2)
			assert.InDelta(t, want.Scale[a], g.Scale[a], float64(want.Scale[a])*0.04)
		}
		assert.Equal(t, want.Color[3], g.Color[3])
		assertRotation(t, want.Rotation, g.Rotation, 2e-2)
		for k := range want.SH {
			assert.InDelta(t, want.SH[k], g.SH[k], 1.0/128)
		}
	}
}

// packSmallestThree mirrors the SPZ v3 rotation encoding.
func packSmallestThree(q [4]float32) uint32 {
	largest := 0
	for i := 1; i < 4; i++ {
		if math32.Abs(q[i]) > math32.Abs(q[largest]) {
			largest = i
		}
	}
	if q[largest] < 0 {
		for i := range q {
			q[i] = -q[i]
		}
	}
	comp := uint32(largest)
	for i := 0; i < 4; i++ {
		if i == largest {
			continue
		}
		neg := uint32(0)
		if q[i] < 0 {
			neg = 1
		}
		mag := uint32(math32.Floor(math32.Abs(q[i])/(math.Sqrt2/2)*511 + 0.5))
		comp = comp<<10 | neg<<9 | mag
	}
	return comp
}

func TestSPZVersion3Rotation(t *testing.T) {
	want := mgl32.QuatRotate(1.1, mgl32.Vec3{0.3, -0.8, 0.2}.Normalize())
	raw := make([]byte, spzHeaderSize)
	binary.LittleEndian.PutUint32(raw[0:], spzMagic)
	binary.LittleEndian.PutUint32(raw[4:], 3)
	binary.LittleEndian.PutUint32(raw[8:], 1)
	raw[13] = 12
	raw = append(raw, 0, 0x10, 0, 0, 0, 0, 0, 0, 0) // x = 1.0
	raw = append(raw, 200)
	raw = append(raw, 128, 128, 128)
	raw = append(raw, 160, 160, 160)
	raw = binary.LittleEndian.AppendUint32(raw, packSmallestThree([4]float32{want.V[0], want.V[1], want.V[2], want.W}))

	var b bytes.Buffer
	zw := gzip.NewWriter(&b)
	_, err := zw.Write(raw)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	got, err := LoadArray(b.Bytes(), "a.spz")
	require.NoError(t, err)
	require.Len(t, got.Splats, 1)
	s := got.Splats[0]
	assert.Equal(t, mgl32.Vec3{1, 0, 0}, s.Center)
	assert.Equal(t, uint8(200), s.Color[3])
	assert.InDelta(t, 1, s.Scale[0], 1e-6)
	assertRotation(t, want, s.Rotation, 1e-4)
}

func TestSPZRejectsBadMagic(t *testing.T) {
	var b bytes.Buffer
	zw := gzip.NewWriter(&b)
	zw.Write(make([]byte, 32))
	zw.Close()
	_, err := LoadArray(b.Bytes(), "a.spz")
	var fe *codec.FormatError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "spz", fe.Format)
}

func feed(t *testing.T, data []byte, name string, chunks int, opts LoadOptions) (*codec.SplatBuffer, []Progress) {
	t.Helper()
	var events []Progress
	l := NewProgressiveLoader(name, opts, func(p Progress) { events = append(events, p) })
	step := (len(data) + chunks - 1) / chunks
	for off := 0; off < len(data); off += step {
		n, err := l.Write(data[off:min(len(data), off+step)])
		require.NoError(t, err)
		require.Equal(t, min(len(data), off+step)-off, n)
	}
	buf, err := l.Finish()
	require.NoError(t, err)
	return buf, events
}

func TestProgressiveDeterminism(t *testing.T) {
	arr := randomArray(9, 3000, 2)
	var ply, spl, spz bytes.Buffer
	require.NoError(t, WritePLY(&ply, arr))
	require.NoError(t, WriteSplat(&spl, arr.Splats))
	require.NoError(t, WriteSPZ(&spz, arr))
	ks, err := Load(context.Background(), ply.Bytes(), "a.ply", DefaultLoadOptions())
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"a.ply", ply.Bytes()},
		{"a.splat", spl.Bytes()},
		{"a.spz", spz.Bytes()},
		{"a.ksplat", ks.Bytes()},
	}
	for _, tt := range tests {
		for _, level := range []codec.CompressionLevel{codec.Level0, codec.Level2} {
			t.Run(fmt.Sprintf("%s_%s", tt.name, level), func(t *testing.T) {
				opts := DefaultLoadOptions()
				opts.CompressionLevel = level
				opts.AlphaThreshold = 20
				opts.ExpectedSize = int64(len(tt.data))

				one, _ := feed(t, tt.data, tt.name, 1, opts)
				many, events := feed(t, tt.data, tt.name, 1000, opts)
				assert.Equal(t, one.Bytes(), many.Bytes())
				assert.Greater(t, one.SplatCount(), 0)

				require.NotEmpty(t, events)
				assert.True(t, events[len(events)-1].Done)
				for i := 1; i < len(events); i++ {
					assert.GreaterOrEqual(t, events[i].Loaded, events[i-1].Loaded)
				}
			})
		}
	}
}

func TestProgressiveAlphaFilter(t *testing.T) {
	arr := randomArray(10, 500, 0)
	var b bytes.Buffer
	require.NoError(t, WriteSplat(&b, arr.Splats))
	opts := DefaultLoadOptions()
	opts.AlphaThreshold = 128
	buf, _ := feed(t, b.Bytes(), "a.splat", 7, opts)

	want := 0
	for _, s := range arr.Splats {
		if s.Color[3] >= 128 {
			want++
		}
	}
	assert.Equal(t, want, buf.SplatCount())
}

func TestProgressiveTruncated(t *testing.T) {
	arr := randomArray(11, 100, 0)
	var b bytes.Buffer
	require.NoError(t, WritePLY(&b, arr))
	l := NewProgressiveLoader("a.ply", DefaultLoadOptions(), nil)
	_, err := l.Write(b.Bytes()[:b.Len()-10])
	require.NoError(t, err)
	_, err = l.Finish()
	var fe *codec.FormatError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe.Reason, "truncated")
}

func TestConvertProducesKSplat(t *testing.T) {
	arr := randomArray(12, 200, 1)
	var b bytes.Buffer
	require.NoError(t, WritePLY(&b, arr))
	opts := DefaultLoadOptions()
	opts.AlphaThreshold = 0
	out, err := Convert(context.Background(), b.Bytes(), "a.ply", opts)
	require.NoError(t, err)
	assert.Equal(t, FormatKSplat, Sniff(out, ""))

	buf, err := codec.NewSplatBuffer(out)
	require.NoError(t, err)
	assert.Equal(t, 200, buf.SplatCount())
	assert.Equal(t, 1, buf.SHDegree())

	var w bytes.Buffer
	require.NoError(t, WriteKSplat(&w, buf))
	assert.Equal(t, out, w.Bytes())
}
