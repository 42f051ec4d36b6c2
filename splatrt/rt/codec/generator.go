package codec

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"
)

// GeneratorOptions controls how a SplatArray is packed into a SplatBuffer.
type GeneratorOptions struct {
	CompressionLevel CompressionLevel
	// SHDegree caps the stored degree; -1 keeps the array's degree.
	SHDegree       int
	AlphaThreshold uint8
	BlockSize      float32
	BucketSize     int
	// SectionSize splits the splats into sections of at most this many splats. 0 keeps one section.
	SectionSize int
	// MinSHCoeff and MaxSHCoeff override the level 2 SH range when both are set.
	MinSHCoeff float32
	MaxSHCoeff float32
}

func DefaultGeneratorOptions() GeneratorOptions {
	return GeneratorOptions{
		CompressionLevel: Level1,
		SHDegree:         -1,
		AlphaThreshold:   1,
		BlockSize:        DefaultBlockSize,
		BucketSize:       DefaultBucketSize,
	}
}

// Generate packs array into a new SplatBuffer. Splats are grouped by block
// cell so each bucket covers a single cell. Sections are encoded concurrently.
func Generate(ctx context.Context, array *SplatArray, opts GeneratorOptions) (*SplatBuffer, error) {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.BucketSize <= 0 {
		opts.BucketSize = DefaultBucketSize
	}
	deg := array.SHDegree
	if opts.SHDegree >= 0 && opts.SHDegree < deg {
		deg = opts.SHDegree
	}

	splats := make([]Splat, 0, len(array.Splats))
	for _, s := range array.Splats {
		if s.Color[3] >= opts.AlphaThreshold {
			splats = append(splats, s)
		}
	}

	cells := make([][3]int32, len(splats))
	order := make([]int, len(splats))
	for i := range splats {
		cells[i] = cellOf(splats[i].Center, opts.BlockSize)
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ca, cb := cells[order[a]], cells[order[b]]
		if ca[0] != cb[0] {
			return ca[0] < cb[0]
		}
		if ca[1] != cb[1] {
			return ca[1] < cb[1]
		}
		return ca[2] < cb[2]
	})

	var chunks [][]int
	if opts.SectionSize > 0 && len(order) > opts.SectionSize {
		for start := 0; start < len(order); start += opts.SectionSize {
			chunks = append(chunks, order[start:min(len(order), start+opts.SectionSize)])
		}
	} else {
		chunks = [][]int{order}
	}

	cfg := BufferConfig{
		CompressionLevel: opts.CompressionLevel,
		SHDegree:         deg,
		MinSHCoeff:       opts.MinSHCoeff,
		MaxSHCoeff:       opts.MaxSHCoeff,
	}
	if cfg.MinSHCoeff == 0 && cfg.MaxSHCoeff == 0 {
		if lo, hi, ok := (&SplatArray{Splats: splats}).SHRange(); ok && hi > lo {
			cfg.MinSHCoeff, cfg.MaxSHCoeff = lo, hi
		}
	}
	for _, chunk := range chunks {
		cfg.Sections = append(cfg.Sections, SectionConfig{
			MaxSplatCount:  len(chunk),
			MaxBucketCount: max(1, countBuckets(chunk, cells, opts.BucketSize)),
			BucketSize:     opts.BucketSize,
			BlockSize:      opts.BlockSize,
		})
	}

	buf, err := NewEmptySplatBuffer(cfg)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	for si, chunk := range chunks {
		g.Go(func() error {
			s := &buf.sections[si]
			for k, idx := range chunk {
				if k%4096 == 0 {
					if err := gctx.Err(); err != nil {
						return err
					}
				}
				if err := buf.appendToSection(s, si, &splats[idx]); err != nil {
					return fmt.Errorf("section %d: %w", si, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	buf.reindex()
	buf.setSceneCenter((&SplatArray{Splats: splats}).Centroid())
	return buf, nil
}

// countBuckets simulates bucket assignment over cell-sorted indexes.
func countBuckets(chunk []int, cells [][3]int32, bucketSize int) int {
	n := 0
	fill := 0
	var cur [3]int32
	for k, idx := range chunk {
		if k == 0 || fill >= bucketSize || cells[idx] != cur {
			n++
			fill = 0
			cur = cells[idx]
		}
		fill++
	}
	return n
}
