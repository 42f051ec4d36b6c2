package octree

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/gekko3d/gsplat/splatrt/rt/core"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomCenters(seed int64, n int, extent float32) []float32 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]float32, n*3)
	for i := range out {
		out[i] = (rng.Float32()*2 - 1) * extent
	}
	return out
}

func center(centers []float32, i uint32) mgl32.Vec3 {
	return mgl32.Vec3{centers[i*3], centers[i*3+1], centers[i*3+2]}
}

func TestBuildContainmentAndMembership(t *testing.T) {
	centers := randomCenters(1, 20000, 50)
	tree, err := Build(context.Background(), centers, BuildOptions{MaxDepth: 6, MaxCentersPerNode: 100})
	require.NoError(t, err)
	assert.Equal(t, 20000, tree.SplatCount)

	seen := make([]int, 20000)
	for _, leaf := range tree.Leaves() {
		assert.LessOrEqual(t, leaf.Depth, 6)
		for _, i := range leaf.Indexes {
			seen[i]++
			assert.True(t, leaf.Contains(center(centers, i)), "splat %d outside leaf %d", i, leaf.ID)
		}
	}
	for i, n := range seen {
		assert.Equal(t, 1, n, "splat %d in %d leaves", i, n)
	}

	tree.Visit(func(n *Node) bool {
		if !n.IsLeaf() {
			assert.Len(t, n.Children, 8)
			assert.Empty(t, n.Indexes)
		}
		return true
	})
}

func TestBuildStopsAtMaxDepth(t *testing.T) {
	// Identical centers never separate.
	centers := make([]float32, 3*50)
	tree, err := Build(context.Background(), centers, BuildOptions{MaxDepth: 3, MaxCentersPerNode: 10})
	require.NoError(t, err)
	leaves := tree.Leaves()
	require.Len(t, leaves, 1)
	assert.Equal(t, 3, leaves[0].Depth)
	assert.Len(t, leaves[0].Indexes, 50)
}

func TestBuildInclude(t *testing.T) {
	centers := randomCenters(2, 1000, 10)
	tree, err := Build(context.Background(), centers, BuildOptions{Include: func(i int) bool { return i%2 == 0 }})
	require.NoError(t, err)
	assert.Equal(t, 500, tree.SplatCount)
	for _, l := range tree.Leaves() {
		for _, i := range l.Indexes {
			assert.Zero(t, i%2)
		}
	}
}

func TestBuildEmpty(t *testing.T) {
	tree, err := Build(context.Background(), nil, DefaultBuildOptions())
	require.NoError(t, err)
	assert.Empty(t, tree.Leaves())
	assert.True(t, tree.Root.IsLeaf())
}

func TestRaycastNearestFirst(t *testing.T) {
	centers := []float32{
		0, 0, -10,
		0, 0, -20,
		0, 0, -30,
		5, 5, 5,
	}
	tree, err := Build(context.Background(), centers, BuildOptions{MaxDepth: 4, MaxCentersPerNode: 1})
	require.NoError(t, err)

	hits := tree.Raycast(mgl32.Vec3{0, 0, 10}, mgl32.Vec3{0, 0, -1})
	require.NotEmpty(t, hits)
	for i := 1; i < len(hits); i++ {
		assert.LessOrEqual(t, hits[i-1].Distance, hits[i].Distance)
	}
	var found []uint32
	for _, h := range hits {
		found = append(found, h.Node.Indexes...)
	}
	assert.Subset(t, found, []uint32{0, 1, 2})
}

func TestVisibleLeaves(t *testing.T) {
	centers := []float32{
		0, 0, -10,
		0, 0, 10,
	}
	tree, err := Build(context.Background(), centers, BuildOptions{MaxDepth: 2, MaxCentersPerNode: 1})
	require.NoError(t, err)
	cam := core.NewPerspectiveCamera(mgl32.Vec3{0, 0, 0}, mgl32.Vec3{0, 0, -1}, mgl32.Vec3{0, 1, 0}, mgl32.DegToRad(60), 1, 0.1, 100)

	var visible []uint32
	for _, l := range tree.VisibleLeaves(cam.Frustum()) {
		visible = append(visible, l.Indexes...)
	}
	assert.Contains(t, visible, uint32(0))
	assert.NotContains(t, visible, uint32(1))
}

func TestPrioritize(t *testing.T) {
	centers := randomCenters(3, 4000, 20)
	tree, err := Build(context.Background(), centers, BuildOptions{MaxDepth: 5, MaxCentersPerNode: 50})
	require.NoError(t, err)

	pos := mgl32.Vec3{20, 20, 20}
	subset := tree.Prioritize(pos, 0.25)
	assert.GreaterOrEqual(t, len(subset), 1000)
	assert.Less(t, len(subset), 4000)

	leaves := tree.LeavesByDistance(pos)
	for i := 1; i < len(leaves); i++ {
		assert.LessOrEqual(t, leaves[i-1].Center.Sub(pos).Len(), leaves[i].Center.Sub(pos).Len()+1e-4)
	}
}

func TestBuilderAsync(t *testing.T) {
	b := NewBuilder()
	defer b.Dispose()
	p := b.Start(randomCenters(4, 5000, 10), DefaultBuildOptions())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tree, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5000, tree.SplatCount)
}

func TestBuilderDisposeCancels(t *testing.T) {
	b := NewBuilder()
	pending := []*Pending{
		b.Start(randomCenters(5, 200000, 100), BuildOptions{MaxDepth: 8, MaxCentersPerNode: 1}),
		b.Start(randomCenters(6, 1000, 100), DefaultBuildOptions()),
	}
	b.Dispose()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, p := range pending {
		tree, err := p.Wait(ctx)
		assert.ErrorIs(t, err, ErrBuildCanceled)
		assert.Nil(t, tree)
	}

	tree, err := b.Start(randomCenters(7, 10, 1), DefaultBuildOptions()).Wait(ctx)
	assert.ErrorIs(t, err, ErrBuildCanceled)
	assert.Nil(t, tree)
}

func TestPendingCancel(t *testing.T) {
	b := NewBuilder()
	defer b.Dispose()
	slow := b.Start(randomCenters(8, 200000, 100), BuildOptions{MaxDepth: 8, MaxCentersPerNode: 1})
	next := b.Start(randomCenters(9, 1000, 100), DefaultBuildOptions())
	slow.Cancel()
	slow.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tree, err := slow.Wait(ctx)
	if err == nil {
		// The build beat the cancel.
		assert.Equal(t, 200000, tree.SplatCount)
	} else {
		assert.ErrorIs(t, err, ErrBuildCanceled)
		assert.Nil(t, tree)
	}

	tree, err = next.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1000, tree.SplatCount)
}
