package octree

import (
	"context"
	"errors"
	"sort"

	"github.com/chewxy/math32"
	"github.com/gekko3d/gsplat/splatrt/rt/core"
	"github.com/go-gl/mathgl/mgl32"
)

const (
	DefaultMaxDepth          = 8
	DefaultMaxCentersPerNode = 1000
)

var ErrBuildCanceled = errors.New("octree build canceled")

// Node is one octant. Interior nodes have exactly 8 children; leaves hold the
// global indexes of the splats whose centers fall inside them.
type Node struct {
	Min, Max mgl32.Vec3
	Center   mgl32.Vec3
	Depth    int
	ID       int
	Children []*Node
	Indexes  []uint32
}

func (n *Node) IsLeaf() bool {
	return len(n.Children) == 0
}

func (n *Node) Bounds() [2]mgl32.Vec3 {
	return [2]mgl32.Vec3{n.Min, n.Max}
}

// Contains reports whether p lies inside the node's closed box.
func (n *Node) Contains(p mgl32.Vec3) bool {
	for a := 0; a < 3; a++ {
		if p[a] < n.Min[a] || p[a] > n.Max[a] {
			return false
		}
	}
	return true
}

type BuildOptions struct {
	MaxDepth          int
	MaxCentersPerNode int
	// Include filters splats out of the tree, for example by opacity. Nil keeps all.
	Include func(i int) bool
}

func DefaultBuildOptions() BuildOptions {
	return BuildOptions{MaxDepth: DefaultMaxDepth, MaxCentersPerNode: DefaultMaxCentersPerNode}
}

// Tree is an immutable SplatTree. A rebuilt tree replaces the old one wholesale.
type Tree struct {
	Root       *Node
	NodeCount  int
	SplatCount int
	leaves     []*Node
}

// Build partitions centers (x,y,z triples) top-down into octants.
func Build(ctx context.Context, centers []float32, opts BuildOptions) (*Tree, error) {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.MaxCentersPerNode <= 0 {
		opts.MaxCentersPerNode = DefaultMaxCentersPerNode
	}
	n := len(centers) / 3
	idx := make([]uint32, 0, n)
	inf := math32.Inf(1)
	minB := mgl32.Vec3{inf, inf, inf}
	maxB := mgl32.Vec3{-inf, -inf, -inf}
	for i := 0; i < n; i++ {
		if opts.Include != nil && !opts.Include(i) {
			continue
		}
		idx = append(idx, uint32(i))
		for a := 0; a < 3; a++ {
			minB[a] = math32.Min(minB[a], centers[i*3+a])
			maxB[a] = math32.Max(maxB[a], centers[i*3+a])
		}
	}
	if len(idx) == 0 {
		minB, maxB = mgl32.Vec3{}, mgl32.Vec3{}
	}

	t := &Tree{SplatCount: len(idx)}
	b := &treeBuilder{ctx: ctx, centers: centers, opts: opts, tree: t}
	root, err := b.build(minB, maxB, idx, 0)
	if err != nil {
		return nil, err
	}
	t.Root = root
	return t, nil
}

type treeBuilder struct {
	ctx     context.Context
	centers []float32
	opts    BuildOptions
	tree    *Tree
}

func (b *treeBuilder) build(minB, maxB mgl32.Vec3, idx []uint32, depth int) (*Node, error) {
	if err := b.ctx.Err(); err != nil {
		return nil, err
	}
	node := &Node{
		Min:    minB,
		Max:    maxB,
		Center: minB.Add(maxB).Mul(0.5),
		Depth:  depth,
		ID:     b.tree.NodeCount,
	}
	b.tree.NodeCount++

	if len(idx) < b.opts.MaxCentersPerNode || depth >= b.opts.MaxDepth {
		node.Indexes = idx
		b.tree.leaves = append(b.tree.leaves, node)
		return node, nil
	}

	var buckets [8][]uint32
	for _, i := range idx {
		o := b.octant(node.Center, i)
		buckets[o] = append(buckets[o], i)
	}
	node.Children = make([]*Node, 8)
	for o := 0; o < 8; o++ {
		cmin, cmax := node.Min, node.Center
		for a := 0; a < 3; a++ {
			if o&(1<<a) != 0 {
				cmin[a], cmax[a] = node.Center[a], node.Max[a]
			}
		}
		child, err := b.build(cmin, cmax, buckets[o], depth+1)
		if err != nil {
			return nil, err
		}
		node.Children[o] = child
	}
	return node, nil
}

// octant selects the child by comparing each axis against the node center with >=.
func (b *treeBuilder) octant(center mgl32.Vec3, i uint32) int {
	o := 0
	for a := 0; a < 3; a++ {
		if b.centers[int(i)*3+a] >= center[a] {
			o |= 1 << a
		}
	}
	return o
}

// Leaves returns every leaf that holds at least one splat.
func (t *Tree) Leaves() []*Node {
	out := make([]*Node, 0, len(t.leaves))
	for _, l := range t.leaves {
		if len(l.Indexes) > 0 {
			out = append(out, l)
		}
	}
	return out
}

// Visit walks the tree depth first. Returning false skips a node's children.
func (t *Tree) Visit(fn func(n *Node) bool) {
	var walk func(n *Node)
	walk = func(n *Node) {
		if !fn(n) {
			return
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	if t.Root != nil {
		walk(t.Root)
	}
}

// VisibleLeaves returns non-empty leaves whose boxes intersect the frustum.
func (t *Tree) VisibleLeaves(planes [6]mgl32.Vec4) []*Node {
	var out []*Node
	t.Visit(func(n *Node) bool {
		if !core.AABBInFrustum(n.Bounds(), planes) {
			return false
		}
		if n.IsLeaf() && len(n.Indexes) > 0 {
			out = append(out, n)
		}
		return true
	})
	return out
}

type Hit struct {
	Node     *Node
	Distance float32
}

// Raycast returns the non-empty leaves hit by the ray, nearest first.
func (t *Tree) Raycast(origin, dir mgl32.Vec3) []Hit {
	var hits []Hit
	t.Visit(func(n *Node) bool {
		d, ok := core.RayAABB(origin, dir, n.Bounds())
		if !ok {
			return false
		}
		if n.IsLeaf() && len(n.Indexes) > 0 {
			hits = append(hits, Hit{Node: n, Distance: d})
		}
		return true
	})
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	return hits
}

// LeavesByDistance returns non-empty leaves ordered by center distance to pos, nearest first.
func (t *Tree) LeavesByDistance(pos mgl32.Vec3) []*Node {
	leaves := t.Leaves()
	dist := make(map[*Node]float32, len(leaves))
	for _, l := range leaves {
		dist[l] = l.Center.Sub(pos).LenSqr()
	}
	sort.SliceStable(leaves, func(i, j int) bool { return dist[leaves[i]] < dist[leaves[j]] })
	return leaves
}

// Prioritize collects splat indexes from the leaves nearest pos until at
// least fraction of the tree's splats are included.
func (t *Tree) Prioritize(pos mgl32.Vec3, fraction float32) []uint32 {
	want := int(math32.Ceil(fraction * float32(t.SplatCount)))
	out := make([]uint32, 0, want)
	for _, l := range t.LeavesByDistance(pos) {
		if len(out) >= want {
			break
		}
		out = append(out, l.Indexes...)
	}
	return out
}
