// Package aggregate attributes establishment points to grid cells.
package aggregate

import (
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/nearshore-cli/internal/cluster"
	"github.com/sells-group/nearshore-cli/internal/establishment"
	"github.com/sells-group/nearshore-cli/internal/grid"
	"github.com/sells-group/nearshore-cli/internal/panel"
)

// CellCounts holds one count per grid cell, aligned with the grid's
// canonical order. Every cell is present.
type CellCounts struct {
	IDs    []string
	Counts []int
	// Outside is the number of points that fell in no cell.
	Outside int
}

// Flag returns 1 when cell i has a positive count.
func (c CellCounts) Flag(i int) int {
	if c.Counts[i] > 0 {
		return 1
	}
	return 0
}

// Total returns the sum of all counts.
func (c CellCounts) Total() int {
	var n int
	for _, v := range c.Counts {
		n += v
	}
	return n
}

// Aggregator attributes points to the cells they intersect.
type Aggregator struct {
	g   *grid.Grid
	idx *grid.Index
	pos map[string]int
}

// New indexes g for aggregation.
func New(g *grid.Grid) *Aggregator {
	pos := make(map[string]int, g.Len())
	for i, id := range g.IDs() {
		pos[id] = i
	}
	return &Aggregator{g: g, idx: grid.NewIndex(g), pos: pos}
}

// count adds one to every cell each selected point intersects.
func (a *Aggregator) count(pts []establishment.Point, keep func(i int) bool) CellCounts {
	out := CellCounts{IDs: a.g.IDs(), Counts: make([]int, a.g.Len())}
	for i, p := range pts {
		if !keep(i) {
			continue
		}
		ids := a.idx.Locate(p.X, p.Y)
		if len(ids) == 0 {
			out.Outside++
			continue
		}
		for _, id := range ids {
			out.Counts[a.pos[id]]++
		}
	}
	return out
}

// Clusters counts the clustered (non-noise) points per cell.
func (a *Aggregator) Clusters(pts []establishment.Point, labels []int) (CellCounts, error) {
	if len(pts) != len(labels) {
		return CellCounts{}, eris.Errorf("aggregate: %d points but %d labels", len(pts), len(labels))
	}
	out := a.count(pts, func(i int) bool { return labels[i] != cluster.Noise })
	if out.Outside > 0 {
		zap.L().Warn("aggregate: clustered points outside the grid", zap.Int("points", out.Outside))
	}
	return out, nil
}

// Sectors counts all points per cell for each requested sector. Points of
// other sectors are ignored.
func (a *Aggregator) Sectors(pts []establishment.Point, sectors []string) map[string]CellCounts {
	out := make(map[string]CellCounts, len(sectors))
	bySector := make([]string, len(pts))
	for i, p := range pts {
		bySector[i] = p.Sector()
	}
	for _, s := range sectors {
		out[s] = a.count(pts, func(i int) bool { return bySector[i] == s })
		if out[s].Outside > 0 {
			zap.L().Warn("aggregate: points outside the grid",
				zap.String("sector", s),
				zap.Int("points", out[s].Outside),
			)
		}
	}
	return out
}

// ClusterFrame turns one year's cluster counts into cluster_n_{year} and
// is_cluster_{year} columns. A year with no clusters still gets both
// columns, all zero.
func ClusterFrame(year int, c CellCounts) (*panel.Frame, error) {
	f, err := panel.NewFrame(c.IDs)
	if err != nil {
		return nil, err
	}
	n, err := f.AddColumn(panel.Column{Variable: panel.ClusterCount, Year: year}, panel.Integer)
	if err != nil {
		return nil, err
	}
	flag, err := f.AddColumn(panel.Column{Variable: panel.ClusterFlag, Year: year}, panel.Integer)
	if err != nil {
		return nil, err
	}
	for i, v := range c.Counts {
		n[i] = float64(v)
		flag[i] = float64(c.Flag(i))
	}
	return f, nil
}

// SectorFrame turns one year's sector counts into count_{sector}_{year}
// columns in the order of sectors.
func SectorFrame(year int, sectors []string, counts map[string]CellCounts, ids []string) (*panel.Frame, error) {
	f, err := panel.NewFrame(ids)
	if err != nil {
		return nil, err
	}
	for _, s := range sectors {
		v, err := f.AddColumn(panel.Column{Variable: panel.Count, Sector: s, Year: year}, panel.Integer)
		if err != nil {
			return nil, err
		}
		c, ok := counts[s]
		if !ok {
			continue
		}
		for i, n := range c.Counts {
			v[i] = float64(n)
		}
	}
	return f, nil
}
