package sorter

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"github.com/go-gl/mathgl/mgl32"
	"golang.org/x/sync/errgroup"
)

// Kernel selects how distances are computed and sorted. The variant is fixed
// when the worker starts.
type Kernel int

const (
	KernelIntegerSerial Kernel = iota
	KernelIntegerParallel
	KernelFloatSerial
	KernelFloatParallel
)

// DefaultBucketCount is the number of counting sort buckets.
const DefaultBucketCount = 65536

// DistanceScale is the fixed-point factor applied to centers and the view row
// in integer mode.
const DistanceScale = 1000

// minParallelChunk keeps tiny scenes on one goroutine.
const minParallelChunk = 16384

// SelectKernel maps the integer and parallel options to a variant.
func SelectKernel(integer, parallel bool) Kernel {
	switch {
	case integer && parallel:
		return KernelIntegerParallel
	case integer:
		return KernelIntegerSerial
	case parallel:
		return KernelFloatParallel
	default:
		return KernelFloatSerial
	}
}

func (k Kernel) Integer() bool {
	return k == KernelIntegerSerial || k == KernelIntegerParallel
}

func (k Kernel) Parallel() bool {
	return k == KernelIntegerParallel || k == KernelFloatParallel
}

func (k Kernel) String() string {
	switch k {
	case KernelIntegerSerial:
		return "integer"
	case KernelIntegerParallel:
		return "integer-parallel"
	case KernelFloatSerial:
		return "float"
	case KernelFloatParallel:
		return "float-parallel"
	}
	return fmt.Sprintf("Kernel(%d)", int(k))
}

// ViewRow returns the third row of a view matrix. Dotting it with a world
// position (w=1) gives the view space z, so -z grows with distance.
func ViewRow(view mgl32.Mat4) mgl32.Vec4 {
	return mgl32.Vec4{view.At(2, 0), view.At(2, 1), view.At(2, 2), view.At(2, 3)}
}

func quantize(v float32) int32 {
	return int32(math.Round(float64(v) * DistanceScale))
}

// kernel owns the scratch arrays of one worker.
type kernel struct {
	variant Kernel
	workers int

	centers    []float32
	intCenters []int32

	intDist   []int32
	floatDist []float32
	sort      countingSort
}

func newKernel(variant Kernel, bucketCount int) (*kernel, error) {
	switch variant {
	case KernelIntegerSerial, KernelIntegerParallel, KernelFloatSerial, KernelFloatParallel:
	default:
		return nil, fmt.Errorf("unknown kernel %s", variant)
	}
	if bucketCount < 2 {
		return nil, fmt.Errorf("bucket count %d must be at least 2", bucketCount)
	}
	k := &kernel{variant: variant, workers: 1}
	if variant.Parallel() {
		k.workers = runtime.GOMAXPROCS(0)
	}
	k.sort.counts = make([]uint32, bucketCount)
	return k, nil
}

// setCenters replaces the scene. centers is xyz per splat and is not retained.
func (k *kernel) setCenters(centers []float32) {
	if k.variant.Integer() {
		k.intCenters = k.intCenters[:0]
		for _, c := range centers {
			k.intCenters = append(k.intCenters, quantize(c))
		}
		k.centers = nil
		return
	}
	k.centers = append(k.centers[:0], centers...)
	k.intCenters = nil
}

func (k *kernel) splatCount() int {
	if k.variant.Integer() {
		return len(k.intCenters) / 3
	}
	return len(k.centers) / 3
}

// run sorts indexes back to front and writes the result to out. precomputed,
// when set, holds one distance per splat of the scene.
func (k *kernel) run(ctx context.Context, row mgl32.Vec4, indexes []uint32, precomputed []float32, out []uint32) error {
	n := len(indexes)
	for _, idx := range indexes {
		if int(idx) >= k.splatCount() {
			return fmt.Errorf("splat index %d out of range %d", idx, k.splatCount())
		}
	}
	if precomputed != nil && len(precomputed) < k.splatCount() {
		return fmt.Errorf("%d precomputed distances for %d splats", len(precomputed), k.splatCount())
	}

	if k.variant.Integer() {
		k.intDist = grow(k.intDist, n)
		if err := k.parallel(ctx, n, func(from, to int) {
			if precomputed != nil {
				for i := from; i < to; i++ {
					k.intDist[i] = quantize(precomputed[indexes[i]])
				}
				return
			}
			intDistances(k.intDist[from:to], k.intCenters, indexes[from:to], row)
		}); err != nil {
			return err
		}
		k.sort.sortInt(k.intDist[:n], indexes, out)
		return nil
	}

	k.floatDist = grow(k.floatDist, n)
	if err := k.parallel(ctx, n, func(from, to int) {
		if precomputed != nil {
			for i := from; i < to; i++ {
				k.floatDist[i] = precomputed[indexes[i]]
			}
			return
		}
		floatDistances(k.floatDist[from:to], k.centers, indexes[from:to], row)
	}); err != nil {
		return err
	}
	k.sort.sortFloat(k.floatDist[:n], indexes, out)
	return nil
}

// parallel splits [0,n) over the kernel's goroutines.
func (k *kernel) parallel(ctx context.Context, n int, fn func(from, to int)) error {
	if k.workers <= 1 || n < 2*minParallelChunk {
		fn(0, n)
		return ctx.Err()
	}
	chunk := max((n+k.workers-1)/k.workers, minParallelChunk)
	g, gctx := errgroup.WithContext(ctx)
	for from := 0; from < n; from += chunk {
		from, to := from, min(from+chunk, n)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fn(from, to)
			return nil
		})
	}
	return g.Wait()
}

func intDistances(dst []int32, centers []int32, indexes []uint32, row mgl32.Vec4) {
	rx, ry, rz := int64(quantize(row[0])), int64(quantize(row[1])), int64(quantize(row[2]))
	rw := int64(quantize(row[3]))
	for i, idx := range indexes {
		c := centers[idx*3 : idx*3+3]
		z := (rx*int64(c[0])+ry*int64(c[1])+rz*int64(c[2]))/DistanceScale + rw
		dst[i] = int32(-z)
	}
}

func floatDistances(dst []float32, centers []float32, indexes []uint32, row mgl32.Vec4) {
	for i, idx := range indexes {
		c := centers[idx*3 : idx*3+3]
		dst[i] = -(row[0]*c[0] + row[1]*c[1] + row[2]*c[2] + row[3])
	}
}

func grow[T any](s []T, n int) []T {
	if cap(s) < n {
		return make([]T, n)
	}
	return s[:n]
}

// countingSort orders by distance, farthest first, keeping input order for
// equal buckets.
type countingSort struct {
	counts []uint32
}

func (s *countingSort) buckets() int {
	return len(s.counts)
}

func (s *countingSort) sortInt(dist []int32, indexes []uint32, out []uint32) {
	if len(dist) == 0 {
		return
	}
	lo, hi := dist[0], dist[0]
	for _, d := range dist {
		lo = min(lo, d)
		hi = max(hi, d)
	}
	span := int64(hi) - int64(lo)
	last := int64(s.buckets() - 1)
	bucket := func(d int32) int {
		if span == 0 {
			return int(last)
		}
		return int(last - (int64(d)-int64(lo))*last/span)
	}
	s.scatter(len(dist), func(i int) int { return bucket(dist[i]) }, indexes, out)
}

func (s *countingSort) sortFloat(dist []float32, indexes []uint32, out []uint32) {
	if len(dist) == 0 {
		return
	}
	lo, hi := dist[0], dist[0]
	for _, d := range dist {
		lo = min(lo, d)
		hi = max(hi, d)
	}
	span := float64(hi) - float64(lo)
	last := s.buckets() - 1
	bucket := func(d float32) int {
		if span == 0 {
			return last
		}
		b := int((float64(d) - float64(lo)) * float64(last) / span)
		return last - min(max(b, 0), last)
	}
	s.scatter(len(dist), func(i int) int { return bucket(dist[i]) }, indexes, out)
}

// scatter places indexes[i] by bucket(i); bucket 0 comes first.
func (s *countingSort) scatter(n int, bucket func(int) int, indexes []uint32, out []uint32) {
	clear(s.counts)
	for i := 0; i < n; i++ {
		s.counts[bucket(i)]++
	}
	var sum uint32
	for b, c := range s.counts {
		s.counts[b] = sum
		sum += c
	}
	for i := 0; i < n; i++ {
		b := bucket(i)
		out[s.counts[b]] = indexes[i]
		s.counts[b]++
	}
}
