// Package establishment loads the yearly DENUE manufacturing establishment points.
package establishment

import (
	"context"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/sells-group/nearshore-cli/internal/gpkg"
	"github.com/sells-group/nearshore-cli/internal/keys"
	"github.com/sells-group/nearshore-cli/internal/tabular"
)

// Point is one establishment observation in projected metric coordinates.
type Point struct {
	X, Y float64
	Rama string
	Year int
}

// Sector returns the two-digit sector group of the point's rama.
func (p Point) Sector() string { return keys.Sector(p.Rama) }

// Options selects the attribute columns of a point file.
type Options struct {
	Layer      string
	RamaColumn string // codigo_act for DENUE exports
	XColumn    string // CSV only
	YColumn    string // CSV only
	Encoding   string // CSV only
}

func (o Options) withDefaults() Options {
	if o.RamaColumn == "" {
		o.RamaColumn = "codigo_act"
	}
	if o.XColumn == "" {
		o.XColumn = "x"
	}
	if o.YColumn == "" {
		o.YColumn = "y"
	}
	return o
}

// Load reads the points of one year from a GeoPackage or CSV file.
func Load(ctx context.Context, path string, year int, opts Options) ([]Point, error) {
	opts = opts.withDefaults()
	var (
		pts     []Point
		skipped int
		err     error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gpkg":
		pts, skipped, err = loadGeoPackage(ctx, path, year, opts)
	case ".csv":
		pts, skipped, err = loadCSV(ctx, path, year, opts)
	default:
		return nil, eris.Errorf("establishment: unsupported point file %s", path)
	}
	if err != nil {
		return nil, err
	}

	log := zap.L().With(zap.String("component", "establishment"), zap.Int("year", year))
	if skipped > 0 {
		log.Warn("points without coordinates skipped", zap.String("path", path), zap.Int("skipped", skipped))
	}
	log.Info("points loaded", zap.String("path", path), zap.Int("points", len(pts)))
	return pts, nil
}

func loadGeoPackage(ctx context.Context, path string, year int, opts Options) ([]Point, int, error) {
	db, err := gpkg.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer db.Close() //nolint:errcheck

	layer, err := db.Layer(ctx, opts.Layer)
	if err != nil {
		return nil, 0, err
	}

	var (
		pts     []Point
		skipped int
	)
	err = db.Features(ctx, layer, func(f gpkg.Feature) error {
		x, y, ok := pointXY(f.Geometry)
		if !ok {
			skipped++
			return nil
		}
		pts = append(pts, Point{X: x, Y: y, Rama: keys.ID(f.String(opts.RamaColumn)), Year: year})
		return nil
	})
	if err != nil {
		return nil, 0, eris.Wrapf(err, "establishment: read %s", path)
	}
	return pts, skipped, nil
}

func pointXY(g geom.T) (float64, float64, bool) {
	var c geom.Coord
	switch t := g.(type) {
	case *geom.Point:
		if t.Empty() {
			return 0, 0, false
		}
		c = t.Coords()
	case *geom.MultiPoint:
		if t.NumPoints() == 0 {
			return 0, 0, false
		}
		c = t.Point(0).Coords()
	default:
		return 0, 0, false
	}
	if math.IsNaN(c.X()) || math.IsNaN(c.Y()) {
		return 0, 0, false
	}
	return c.X(), c.Y(), true
}

func loadCSV(ctx context.Context, path string, year int, opts Options) ([]Point, int, error) {
	tbl, err := tabular.ReadCSV(ctx, path, tabular.CSVOptions{Encoding: opts.Encoding})
	if err != nil {
		return nil, 0, err
	}
	idx, err := tbl.Require(opts.XColumn, opts.YColumn)
	if err != nil {
		return nil, 0, eris.Wrapf(err, "establishment: %s", path)
	}
	ramaIdx := tbl.Column(opts.RamaColumn)
	if ramaIdx < 0 {
		ramaIdx = tbl.Column("rama")
	}

	pts := make([]Point, 0, len(tbl.Rows))
	var skipped int
	for _, row := range tbl.Rows {
		x, xerr := strconv.ParseFloat(tabular.Cell(row, idx[0]), 64)
		y, yerr := strconv.ParseFloat(tabular.Cell(row, idx[1]), 64)
		if xerr != nil || yerr != nil || math.IsNaN(x) || math.IsNaN(y) {
			skipped++
			continue
		}
		pts = append(pts, Point{X: x, Y: y, Rama: keys.ID(tabular.Cell(row, ramaIdx)), Year: year})
	}
	return pts, skipped, nil
}

// WriteCSV writes points as x,y,rama.
func WriteCSV(path string, pts []Point) error {
	rows := make([][]string, len(pts))
	for i, p := range pts {
		rows[i] = []string{
			strconv.FormatFloat(p.X, 'f', -1, 64),
			strconv.FormatFloat(p.Y, 'f', -1, 64),
			p.Rama,
		}
	}
	return tabular.WriteCSV(path, []string{"x", "y", "rama"}, rows)
}

// Path expands the {year} placeholder of a point file template.
func Path(template string, year int) string {
	return strings.ReplaceAll(template, "{year}", strconv.Itoa(year))
}
