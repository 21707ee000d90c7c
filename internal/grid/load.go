package grid

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/sells-group/nearshore-cli/internal/gpkg"
	"github.com/sells-group/nearshore-cli/internal/tabular"
)

// IDColumn is the attribute holding the stable cell identifier.
const IDColumn = "grid_id"

// Load reads a grid from a GeoPackage (.gpkg) or a bounding-box CSV.
func Load(ctx context.Context, path, layer string) (*Grid, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gpkg":
		return LoadGeoPackage(ctx, path, layer)
	case ".csv":
		return LoadCSV(ctx, path)
	default:
		return nil, eris.Errorf("grid: unsupported grid file %s", path)
	}
}

// LoadGeoPackage reads cells from a GeoPackage layer with a grid_id attribute.
// MultiPolygon cells use their first polygon.
func LoadGeoPackage(ctx context.Context, path, layer string) (*Grid, error) {
	db, err := gpkg.Open(path)
	if err != nil {
		return nil, err
	}
	defer db.Close() //nolint:errcheck

	l, err := db.Layer(ctx, layer)
	if err != nil {
		return nil, err
	}

	var cells []Cell
	var skipped int
	err = db.Features(ctx, l, func(f gpkg.Feature) error {
		poly := asPolygon(f.Geometry)
		if poly == nil {
			skipped++
			return nil
		}
		id := f.String(IDColumn)
		if id == "" {
			return eris.Errorf("grid: feature %d in %s has no %s", f.FID, l.Name, IDColumn)
		}
		cells = append(cells, Cell{ID: id, Polygon: poly})
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "grid: read %s", path)
	}

	if skipped > 0 {
		zap.L().Warn("grid: cells without polygon geometry skipped",
			zap.String("path", path),
			zap.Int("skipped", skipped),
		)
	}

	g, err := New(cells)
	if err != nil {
		return nil, eris.Wrapf(err, "grid: load %s", path)
	}
	zap.L().Info("grid loaded", zap.String("path", path), zap.String("layer", l.Name), zap.Int("cells", g.Len()))
	return g, nil
}

func asPolygon(g geom.T) *geom.Polygon {
	switch t := g.(type) {
	case *geom.Polygon:
		return t
	case *geom.MultiPolygon:
		if t.NumPolygons() == 0 {
			return nil
		}
		return t.Polygon(0)
	default:
		return nil
	}
}

// LoadCSV reads axis-aligned cells from grid_id,x_min,y_min,x_max,y_max.
func LoadCSV(ctx context.Context, path string) (*Grid, error) {
	tbl, err := tabular.ReadCSV(ctx, path, tabular.CSVOptions{})
	if err != nil {
		return nil, err
	}
	idx, err := tbl.Require(IDColumn, "x_min", "y_min", "x_max", "y_max")
	if err != nil {
		return nil, eris.Wrapf(err, "grid: %s", path)
	}

	cells := make([]Cell, 0, len(tbl.Rows))
	for n, row := range tbl.Rows {
		var box [4]float64
		for j := range box {
			v, err := strconv.ParseFloat(tabular.Cell(row, idx[j+1]), 64)
			if err != nil {
				return nil, eris.Wrapf(err, "grid: %s row %d", path, n+2)
			}
			box[j] = v
		}
		cells = append(cells, Cell{
			ID:      tabular.Cell(row, idx[0]),
			Polygon: Rect(box[0], box[1], box[2], box[3]),
		})
	}

	g, err := New(cells)
	if err != nil {
		return nil, eris.Wrapf(err, "grid: load %s", path)
	}
	zap.L().Info("grid loaded", zap.String("path", path), zap.Int("cells", g.Len()))
	return g, nil
}

// Rect returns the closed counter-clockwise ring of an axis-aligned box.
func Rect(minX, minY, maxX, maxY float64) *geom.Polygon {
	return geom.NewPolygonFlat(geom.XY, []float64{
		minX, minY,
		maxX, minY,
		maxX, maxY,
		minX, maxY,
		minX, minY,
	}, []int{10})
}

// WriteCSV writes the bounding box of every cell in canonical order.
func WriteCSV(path string, g *Grid) error {
	rows := make([][]string, 0, g.Len())
	for _, c := range g.Cells() {
		b := c.Polygon.Bounds()
		rows = append(rows, []string{
			c.ID,
			formatCoord(b.Min(0)), formatCoord(b.Min(1)),
			formatCoord(b.Max(0)), formatCoord(b.Max(1)),
		})
	}
	return tabular.WriteCSV(path, []string{IDColumn, "x_min", "y_min", "x_max", "y_max"}, rows)
}

// WriteGeoPackage writes the grid as a polygon layer with an integer-or-text grid_id.
func WriteGeoPackage(ctx context.Context, path, layer string, srsID int32, g *Grid) error {
	db, err := gpkg.Create(ctx, path)
	if err != nil {
		return err
	}

	features := make([]gpkg.Feature, 0, g.Len())
	for _, c := range g.Cells() {
		features = append(features, gpkg.Feature{
			Geometry:   c.Polygon,
			Attributes: map[string]any{IDColumn: c.ID},
		})
	}
	if err := db.WriteLayer(ctx, layer, "POLYGON", srsID,
		[]gpkg.ColumnDef{{Name: IDColumn, Type: "TEXT"}}, features); err != nil {
		db.Close() //nolint:errcheck
		return err
	}
	return db.Close()
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
