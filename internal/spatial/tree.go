// Package spatial provides neighbour search over planar points and the
// k-nearest-neighbour weights used for spatial lags.
package spatial

import (
	"math"
	"slices"

	"github.com/twpayne/go-geom"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// node is a point tagged with its position in the caller's slice.
type node struct {
	x, y float64
	i    int
}

func (p node) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(node)
	if d == 0 {
		return p.x - q.x
	}
	return p.y - q.y
}

func (p node) Dims() int { return 2 }

// Distance is the squared euclidean distance.
func (p node) Distance(c kdtree.Comparable) float64 {
	q := c.(node)
	dx, dy := p.x-q.x, p.y-q.y
	return dx*dx + dy*dy
}

type nodes []node

func (p nodes) Index(i int) kdtree.Comparable         { return p[i] }
func (p nodes) Len() int                              { return len(p) }
func (p nodes) Pivot(d kdtree.Dim) int                { return plane{Dim: d, nodes: p}.Pivot() }
func (p nodes) Slice(start, end int) kdtree.Interface { return p[start:end] }

// plane sorts nodes along one dimension for median partitioning.
type plane struct {
	kdtree.Dim
	nodes
}

func (p plane) Less(i, j int) bool {
	if p.Dim == 0 {
		return p.nodes[i].x < p.nodes[j].x
	}
	return p.nodes[i].y < p.nodes[j].y
}
func (p plane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	p.nodes = p.nodes[start:end]
	return p
}
func (p plane) Swap(i, j int) { p.nodes[i], p.nodes[j] = p.nodes[j], p.nodes[i] }

// Tree is an immutable 2-d tree. Queries are safe for concurrent use.
type Tree struct {
	tree *kdtree.Tree
	n    int
}

// NewTree indexes coords; query results refer to positions in coords.
func NewTree(coords []geom.Coord) *Tree {
	pts := make(nodes, len(coords))
	for i, c := range coords {
		pts[i] = node{x: c.X(), y: c.Y(), i: i}
	}
	t := &Tree{n: len(coords)}
	if len(pts) > 0 {
		t.tree = kdtree.New(pts, false)
	}
	return t
}

// Len returns the number of indexed points.
func (t *Tree) Len() int { return t.n }

// Within returns the positions of every point at euclidean distance <= r of
// (x, y), in ascending order.
func (t *Tree) Within(x, y, r float64) []int {
	if t.tree == nil {
		return nil
	}
	q := node{x: x, y: y, i: -1}
	r2 := r * r
	// Widen the keeper radius slightly and filter exactly below so the
	// boundary is always inclusive.
	keep := kdtree.NewDistKeeper(math.Nextafter(r2, math.Inf(1)))
	t.tree.NearestSet(keep, q)

	out := make([]int, 0, keep.Len())
	for _, cd := range keep.Heap {
		n, ok := cd.Comparable.(node)
		if !ok || q.Distance(n) > r2 {
			continue
		}
		out = append(out, n.i)
	}
	slices.Sort(out)
	return out
}

// Neighbour is a search hit.
type Neighbour struct {
	Index    int
	Distance float64
}

// Nearest returns the k nearest points to (x, y), excluding position self
// (pass -1 to keep all), ordered by distance then position.
func (t *Tree) Nearest(x, y float64, k, self int) []Neighbour {
	if t.tree == nil || k <= 0 {
		return nil
	}
	q := node{x: x, y: y, i: -1}

	// Ask for extra candidates so ties at the k-th distance and the excluded
	// point can both be resolved by position.
	want := min(k+1, t.n)
	var hits []Neighbour
	for {
		keep := kdtree.NewNKeeper(want)
		t.tree.NearestSet(keep, q)
		hits = hits[:0]
		for _, cd := range keep.Heap {
			n, ok := cd.Comparable.(node)
			if !ok || n.i == self {
				continue
			}
			hits = append(hits, Neighbour{Index: n.i, Distance: math.Sqrt(q.Distance(n))})
		}
		slices.SortFunc(hits, func(a, b Neighbour) int {
			if a.Distance != b.Distance {
				if a.Distance < b.Distance {
					return -1
				}
				return 1
			}
			return a.Index - b.Index
		})
		// Done when every point is in, or the farthest kept candidate is
		// strictly beyond the k-th so no tie can be cut arbitrarily.
		if want >= t.n || len(hits) > k && hits[len(hits)-1].Distance > hits[k-1].Distance {
			break
		}
		want = min(want*2, t.n)
	}
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
