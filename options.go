package gsplat

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gekko3d/gsplat/splatrt/rt/codec"
	"github.com/gekko3d/gsplat/splatrt/rt/loaders"
	"github.com/gekko3d/gsplat/splatrt/rt/octree"
	"github.com/gekko3d/gsplat/splatrt/rt/sorter"
)

// Options configures a Viewer. Fields left out of a yaml file keep their
// DefaultOptions values.
type Options struct {
	CompressionLevel           int     `yaml:"compression_level"`
	SphericalHarmonicsDegree   int     `yaml:"spherical_harmonics_degree"`
	BlockSize                  float32 `yaml:"block_size"`
	BucketSize                 int     `yaml:"bucket_size"`
	SectionSize                int     `yaml:"section_size"`
	SplatAlphaRemovalThreshold int     `yaml:"splat_alpha_removal_threshold"`

	ProgressiveLoad bool `yaml:"progressive_load"`

	SharedMemoryForWorkers bool `yaml:"shared_memory_for_workers"`
	IntegerBasedSort       bool `yaml:"integer_based_sort"`
	GPUAcceleratedSort     bool `yaml:"gpu_accelerated_sort"`
	ParallelSort           bool `yaml:"parallel_sort"`
	SortBucketCount        int  `yaml:"sort_bucket_count"`
	FrustumCulling         bool `yaml:"frustum_culling"`

	OctreeMaxDepth          int `yaml:"octree_max_depth"`
	OctreeMaxCentersPerNode int `yaml:"octree_max_centers_per_node"`

	DynamicScene             bool    `yaml:"dynamic_scene"`
	PointCloudMode           bool    `yaml:"point_cloud_mode"`
	Antialiased              bool    `yaml:"antialiased"`
	HalfPrecisionCovariances bool    `yaml:"half_precision_covariances"`
	SplatScale               float32 `yaml:"splat_scale"`

	Debug bool `yaml:"debug"`
}

func DefaultOptions() Options {
	return Options{
		CompressionLevel:           int(codec.Level1),
		BlockSize:                  codec.DefaultBlockSize,
		BucketSize:                 codec.DefaultBucketSize,
		SplatAlphaRemovalThreshold: 1,
		IntegerBasedSort:           true,
		SortBucketCount:            sorter.DefaultBucketCount,
		FrustumCulling:             true,
		OctreeMaxDepth:             octree.DefaultMaxDepth,
		OctreeMaxCentersPerNode:    octree.DefaultMaxCentersPerNode,
		SplatScale:                 1,
	}
}

// LoadOptions reads a yaml options file over DefaultOptions.
func LoadOptions(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, err
	}
	opts, err := ParseOptions(data)
	if err != nil {
		return Options{}, fmt.Errorf("%s: %w", path, err)
	}
	return opts, nil
}

func ParseOptions(data []byte) (Options, error) {
	opts := DefaultOptions()
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return Options{}, err
	}
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

func (o Options) Validate() error {
	switch {
	case o.CompressionLevel < 0 || !codec.CompressionLevel(o.CompressionLevel).Valid():
		return fmt.Errorf("compression_level %d out of range 0..2", o.CompressionLevel)
	case o.SphericalHarmonicsDegree < 0 || o.SphericalHarmonicsDegree > 2:
		return fmt.Errorf("spherical_harmonics_degree %d out of range 0..2", o.SphericalHarmonicsDegree)
	case o.BlockSize <= 0:
		return fmt.Errorf("block_size must be positive, got %g", o.BlockSize)
	case o.BucketSize <= 0:
		return fmt.Errorf("bucket_size must be positive, got %d", o.BucketSize)
	case o.SectionSize < 0:
		return fmt.Errorf("section_size must not be negative, got %d", o.SectionSize)
	case o.SplatAlphaRemovalThreshold < 0 || o.SplatAlphaRemovalThreshold > 255:
		return fmt.Errorf("splat_alpha_removal_threshold %d out of range 0..255", o.SplatAlphaRemovalThreshold)
	case o.SortBucketCount < 2:
		return fmt.Errorf("sort_bucket_count must be at least 2, got %d", o.SortBucketCount)
	case o.OctreeMaxDepth < 1:
		return fmt.Errorf("octree_max_depth must be at least 1, got %d", o.OctreeMaxDepth)
	case o.OctreeMaxCentersPerNode < 1:
		return fmt.Errorf("octree_max_centers_per_node must be at least 1, got %d", o.OctreeMaxCentersPerNode)
	case o.SplatScale <= 0:
		return fmt.Errorf("splat_scale must be positive, got %g", o.SplatScale)
	}
	return nil
}

func (o Options) loadOptions(alphaThreshold int) loaders.LoadOptions {
	lo := loaders.DefaultLoadOptions()
	lo.CompressionLevel = codec.CompressionLevel(o.CompressionLevel)
	lo.SHDegree = o.SphericalHarmonicsDegree
	lo.AlphaThreshold = uint8(alphaThreshold)
	lo.BlockSize = o.BlockSize
	lo.BucketSize = o.BucketSize
	lo.SectionSize = o.SectionSize
	return lo
}

func (o Options) sorterConfig(logger Logger) sorter.Config {
	return sorter.Config{
		Kernel:       sorter.SelectKernel(o.IntegerBasedSort, o.ParallelSort),
		BucketCount:  o.SortBucketCount,
		SharedMemory: o.SharedMemoryForWorkers,
		Cull:         o.FrustumCulling,
		Logger:       logger,
	}
}

func (o Options) buildOptions() octree.BuildOptions {
	return octree.BuildOptions{
		MaxDepth:          o.OctreeMaxDepth,
		MaxCentersPerNode: o.OctreeMaxCentersPerNode,
	}
}
