package grid

import (
	"math"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"
)

// maxGeneratedCells bounds Generate so a unit mix-up (degrees vs metres) fails fast.
const maxGeneratedCells = 5_000_000

// Generate tiles bounds with square cells of the given size in map units.
// Cells are numbered from 1 in row-major order starting at the south-west
// corner; the last row and column may extend past the bounds.
func Generate(bounds *geom.Bounds, cellSize float64) (*Grid, error) {
	if cellSize <= 0 {
		return nil, eris.New("grid: cell size must be positive")
	}
	if bounds == nil || bounds.IsEmpty() {
		return nil, eris.New("grid: empty bounds")
	}

	minX, minY := bounds.Min(0), bounds.Min(1)
	cols := int(math.Ceil((bounds.Max(0) - minX) / cellSize))
	rows := int(math.Ceil((bounds.Max(1) - minY) / cellSize))
	cols = max(cols, 1)
	rows = max(rows, 1)
	if cols*rows > maxGeneratedCells {
		return nil, eris.Errorf("grid: %dx%d cells exceeds limit of %d", cols, rows, maxGeneratedCells)
	}

	cells := make([]Cell, 0, cols*rows)
	id := 1
	for r := range rows {
		y := minY + float64(r)*cellSize
		for c := range cols {
			x := minX + float64(c)*cellSize
			cells = append(cells, Cell{
				ID:       strconv.Itoa(id),
				Polygon:  Rect(x, y, x+cellSize, y+cellSize),
				Centroid: geom.Coord{x + cellSize/2, y + cellSize/2},
			})
			id++
		}
	}

	zap.L().Info("generated grid cells",
		zap.Float64("cell_size", cellSize),
		zap.Int("cols", cols),
		zap.Int("rows", rows),
		zap.Int("count", len(cells)),
	)
	return New(cells)
}
