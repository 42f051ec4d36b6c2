package loaders

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/chewxy/math32"
	"github.com/gekko3d/gsplat/splatrt/rt/codec"
)

// logit inverts Sigmoid for opacities in (0,1).
func logit(p float32) float32 {
	p = math32.Min(math32.Max(p, 1e-6), 1-1e-6)
	return math32.Log(p / (1 - p))
}

// WritePLY encodes splats as a binary little endian INRIA v1 PLY.
func WritePLY(w io.Writer, arr *codec.SplatArray) error {
	per := codec.SHCoefficientsPerChannel(arr.SHDegree)
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "ply\nformat binary_little_endian 1.0\nelement vertex %d\n", len(arr.Splats))
	props := []string{"x", "y", "z", "f_dc_0", "f_dc_1", "f_dc_2"}
	for i := 0; i < per*3; i++ {
		props = append(props, fmt.Sprintf("f_rest_%d", i))
	}
	props = append(props, "opacity", "scale_0", "scale_1", "scale_2", "rot_0", "rot_1", "rot_2", "rot_3")
	for _, p := range props {
		fmt.Fprintf(bw, "property float %s\n", p)
	}
	bw.WriteString("end_header\n")

	row := make([]byte, len(props)*4)
	for _, s := range arr.Splats {
		vals := row[:0]
		put := func(v float32) {
			vals = binary.LittleEndian.AppendUint32(vals, math.Float32bits(v))
		}
		put(s.Center[0])
		put(s.Center[1])
		put(s.Center[2])
		for c := 0; c < 3; c++ {
			put((float32(s.Color[c])/255 - 0.5) / codec.SHC0)
		}
		for c := 0; c < 3; c++ {
			for k := 0; k < per; k++ {
				var v float32
				if k*3+c < len(s.SH) {
					v = s.SH[k*3+c]
				}
				put(v)
			}
		}
		put(logit(float32(s.Color[3]) / 255))
		for a := 0; a < 3; a++ {
			put(math32.Log(math32.Max(s.Scale[a], 1e-30)))
		}
		put(s.Rotation.W)
		put(s.Rotation.V[0])
		put(s.Rotation.V[1])
		put(s.Rotation.V[2])
		if _, err := bw.Write(vals); err != nil {
			return err
		}
	}
	return bw.Flush()
}
