// Package grid models the master grid of square cells every panel is keyed on.
package grid

import (
	"slices"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"

	"github.com/sells-group/nearshore-cli/internal/keys"
)

// ErrDuplicateID is returned when two cells share a grid_id.
var ErrDuplicateID = eris.New("grid: duplicate grid_id")

// Cell is one tile of the master grid.
type Cell struct {
	ID       string
	Polygon  *geom.Polygon
	Centroid geom.Coord
}

// Grid is an immutable set of cells in canonical id order.
type Grid struct {
	cells  []Cell
	byID   map[string]int
	bounds *geom.Bounds
}

// New builds a grid from cells. Ids are normalized and must be unique; the
// cells are reordered into canonical id order (numeric ids compare as numbers).
func New(cells []Cell) (*Grid, error) {
	g := &Grid{
		cells:  make([]Cell, 0, len(cells)),
		byID:   make(map[string]int, len(cells)),
		bounds: geom.NewBounds(geom.XY),
	}
	for _, c := range cells {
		c.ID = keys.ID(c.ID)
		if c.ID == "" {
			return nil, eris.New("grid: cell without grid_id")
		}
		if c.Polygon == nil {
			return nil, eris.Errorf("grid: cell %s has no geometry", c.ID)
		}
		if _, dup := g.byID[c.ID]; dup {
			return nil, eris.Wrapf(ErrDuplicateID, "grid_id %s", c.ID)
		}
		g.byID[c.ID] = -1
		if c.Centroid == nil {
			centroid, err := xy.Centroid(c.Polygon)
			if err != nil {
				return nil, eris.Wrapf(err, "grid: centroid of cell %s", c.ID)
			}
			c.Centroid = centroid
		}
		g.bounds.Extend(c.Polygon)
		g.cells = append(g.cells, c)
	}

	slices.SortFunc(g.cells, func(a, b Cell) int { return CompareIDs(a.ID, b.ID) })
	for i, c := range g.cells {
		g.byID[c.ID] = i
	}
	return g, nil
}

// CompareIDs orders grid ids numerically when both parse as integers, and
// lexically otherwise.
func CompareIDs(a, b string) int {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	switch {
	case aerr == nil && berr == nil:
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	case aerr == nil:
		return -1
	case berr == nil:
		return 1
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Len returns the number of cells.
func (g *Grid) Len() int { return len(g.cells) }

// IDs returns the canonical key set.
func (g *Grid) IDs() []string {
	ids := make([]string, len(g.cells))
	for i, c := range g.cells {
		ids[i] = c.ID
	}
	return ids
}

// Cells returns the cells in canonical order. The slice must not be modified.
func (g *Grid) Cells() []Cell { return g.cells }

// Cell looks up a cell by id.
func (g *Grid) Cell(id string) (Cell, bool) {
	i, ok := g.byID[keys.ID(id)]
	if !ok {
		return Cell{}, false
	}
	return g.cells[i], true
}

// Bounds returns the extent of all cells.
func (g *Grid) Bounds() *geom.Bounds { return g.bounds.Clone() }
