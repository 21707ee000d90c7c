package grid

import (
	"math"
	"slices"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"
)

// Index answers point-in-cell queries with a uniform bucket grid over the
// cell bounding boxes.
type Index struct {
	g          *Grid
	minX, minY float64
	bucket     float64
	cols, rows int
	buckets    [][]int32
	boxes      []box
}

type box struct{ minX, minY, maxX, maxY float64 }

func (b box) contains(x, y float64) bool {
	return x >= b.minX && x <= b.maxX && y >= b.minY && y <= b.maxY
}

// NewIndex builds an index sized so each bucket holds about one cell.
func NewIndex(g *Grid) *Index {
	idx := &Index{g: g, boxes: make([]box, g.Len())}
	if g.Len() == 0 {
		return idx
	}

	var sumW, sumH float64
	for i, c := range g.Cells() {
		b := c.Polygon.Bounds()
		idx.boxes[i] = box{b.Min(0), b.Min(1), b.Max(0), b.Max(1)}
		sumW += b.Max(0) - b.Min(0)
		sumH += b.Max(1) - b.Min(1)
	}

	bounds := g.Bounds()
	idx.minX, idx.minY = bounds.Min(0), bounds.Min(1)
	idx.bucket = math.Max(sumW, sumH) / float64(g.Len())
	if idx.bucket <= 0 {
		idx.bucket = 1
	}
	idx.cols = int((bounds.Max(0)-idx.minX)/idx.bucket) + 1
	idx.rows = int((bounds.Max(1)-idx.minY)/idx.bucket) + 1
	idx.buckets = make([][]int32, idx.cols*idx.rows)

	for i, b := range idx.boxes {
		c0, r0 := idx.bucketOf(b.minX, b.minY)
		c1, r1 := idx.bucketOf(b.maxX, b.maxY)
		for r := r0; r <= r1; r++ {
			for c := c0; c <= c1; c++ {
				k := r*idx.cols + c
				idx.buckets[k] = append(idx.buckets[k], int32(i))
			}
		}
	}
	return idx
}

func (idx *Index) bucketOf(x, y float64) (int, int) {
	c := int((x - idx.minX) / idx.bucket)
	r := int((y - idx.minY) / idx.bucket)
	return min(max(c, 0), idx.cols-1), min(max(r, 0), idx.rows-1)
}

// Locate returns the ids of every cell whose closed polygon contains the
// point, in canonical order. A point on a shared edge or corner belongs to
// all cells that share it.
func (idx *Index) Locate(x, y float64) []string {
	if len(idx.buckets) == 0 || math.IsNaN(x) || math.IsNaN(y) {
		return nil
	}

	// A point on a bucket boundary may belong to cells registered only in
	// the neighbouring bucket, so look one bucket either side.
	c, r := idx.bucketOf(x, y)
	var hits []int
	seen := make(map[int32]struct{}, 4)
	for dr := -1; dr <= 1; dr++ {
		for dc := -1; dc <= 1; dc++ {
			cc, rr := c+dc, r+dr
			if cc < 0 || rr < 0 || cc >= idx.cols || rr >= idx.rows {
				continue
			}
			for _, i := range idx.buckets[rr*idx.cols+cc] {
				if _, ok := seen[i]; ok {
					continue
				}
				seen[i] = struct{}{}
				if !idx.boxes[i].contains(x, y) {
					continue
				}
				if inPolygon(idx.g.cells[i].Polygon, x, y) {
					hits = append(hits, int(i))
				}
			}
		}
	}

	if len(hits) == 0 {
		return nil
	}
	slices.Sort(hits)
	ids := make([]string, len(hits))
	for j, i := range hits {
		ids[j] = idx.g.cells[i].ID
	}
	return ids
}

// inPolygon tests the closed shell; points inside a hole or on its
// boundary are outside.
func inPolygon(p *geom.Polygon, x, y float64) bool {
	coord := geom.Coord{x, y}
	if !xy.IsPointInRing(geom.XY, coord, p.LinearRing(0).FlatCoords()) {
		return false
	}
	for i := 1; i < p.NumLinearRings(); i++ {
		if xy.IsPointInRing(geom.XY, coord, p.LinearRing(i).FlatCoords()) {
			return false
		}
	}
	return true
}
