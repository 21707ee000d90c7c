// Package boundary loads municipality boundaries for one administrative
// vintage and answers point-in-municipality queries.
package boundary

import (
	"context"
	"math"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"
	"go.uber.org/zap"

	"github.com/sells-group/nearshore-cli/internal/gpkg"
	"github.com/sells-group/nearshore-cli/internal/keys"
)

// DefaultKeyField is the INEGI state+municipality code attribute.
const DefaultKeyField = "CVEGEO"

// Municipality is one boundary polygon set. Rings are tested with even-odd
// parity, so holes and multi-part municipalities need no orientation.
type Municipality struct {
	Key   string
	Rings [][]float64
	minX  float64
	minY  float64
	maxX  float64
	maxY  float64
}

func newMunicipality(key string, rings [][]float64) Municipality {
	m := Municipality{
		Key:   key,
		Rings: rings,
		minX:  math.Inf(1),
		minY:  math.Inf(1),
		maxX:  math.Inf(-1),
		maxY:  math.Inf(-1),
	}
	for _, r := range rings {
		for i := 0; i+1 < len(r); i += 2 {
			m.minX = min(m.minX, r[i])
			m.maxX = max(m.maxX, r[i])
			m.minY = min(m.minY, r[i+1])
			m.maxY = max(m.maxY, r[i+1])
		}
	}
	return m
}

// Contains reports whether (x, y) lies inside the municipality. Points on
// an outer edge are inside.
func (m Municipality) Contains(x, y float64) bool {
	if x < m.minX || x > m.maxX || y < m.minY || y > m.maxY {
		return false
	}
	p := geom.Coord{x, y}
	inside := false
	for _, r := range m.Rings {
		if xy.IsPointInRing(geom.XY, p, r) {
			inside = !inside
		}
	}
	return inside
}

// Set is the municipalities of one vintage in key order.
type Set struct {
	Vintage        string
	Municipalities []Municipality
}

// Bounds returns the extent of every ring in the set.
func (s *Set) Bounds() *geom.Bounds {
	b := geom.NewBounds(geom.XY)
	for _, m := range s.Municipalities {
		for _, r := range m.Rings {
			b.Extend(geom.NewLinearRingFlat(geom.XY, r))
		}
	}
	return b
}

// Locate returns the key of the first municipality, in key order, that
// contains (x, y).
func (s *Set) Locate(x, y float64) (string, bool) {
	for _, m := range s.Municipalities {
		if m.Contains(x, y) {
			return m.Key, true
		}
	}
	return "", false
}

// Options configures boundary loading.
type Options struct {
	KeyField string
	Width    int
	Layer    string // GeoPackage only
}

// Load reads a boundary file (.shp or .gpkg) for vintage.
func Load(ctx context.Context, path, vintage string, opts Options) (*Set, error) {
	if opts.KeyField == "" {
		opts.KeyField = DefaultKeyField
	}
	if opts.Width == 0 {
		opts.Width = keys.MunicipalityWidth
	}

	var (
		munis   []Municipality
		skipped int
		err     error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".shp":
		munis, skipped, err = loadShapefile(path, opts)
	case ".gpkg":
		munis, skipped, err = loadGeoPackage(ctx, path, opts)
	default:
		return nil, eris.Errorf("boundary: unsupported boundary file %s", path)
	}
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(munis, func(a, b Municipality) int { return strings.Compare(a.Key, b.Key) })

	log := zap.L().With(zap.String("component", "boundary"), zap.String("vintage", vintage))
	if skipped > 0 {
		log.Warn("boundary records without key or polygon skipped", zap.String("path", path), zap.Int("skipped", skipped))
	}
	log.Info("boundaries loaded", zap.String("path", path), zap.Int("municipalities", len(munis)))
	return &Set{Vintage: vintage, Municipalities: munis}, nil
}

func loadShapefile(path string, opts Options) ([]Municipality, int, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, 0, eris.Wrapf(err, "boundary: open shapefile %s", path)
	}
	defer func() { _ = reader.Close() }()

	keyIdx := -1
	for i, f := range reader.Fields() {
		name := strings.TrimRight(f.String(), "\x00")
		if strings.EqualFold(name, opts.KeyField) {
			keyIdx = i
			break
		}
	}
	if keyIdx < 0 {
		return nil, 0, eris.Errorf("boundary: %s has no %s field", path, opts.KeyField)
	}

	var (
		munis   []Municipality
		skipped int
	)
	for reader.Next() {
		_, shape := reader.Shape()
		key := keys.Municipality(strings.TrimRight(reader.Attribute(keyIdx), "\x00"), opts.Width)
		poly, ok := shape.(*shp.Polygon)
		if !ok || key == "" {
			skipped++
			continue
		}
		rings := shapeRings(poly)
		if len(rings) == 0 {
			skipped++
			continue
		}
		munis = append(munis, newMunicipality(key, rings))
	}
	return munis, skipped, nil
}

// shapeRings splits a shapefile polygon into flat XY rings, one per part.
func shapeRings(p *shp.Polygon) [][]float64 {
	var rings [][]float64
	for i := int32(0); i < p.NumParts; i++ {
		start := p.Parts[i]
		end := int32(len(p.Points))
		if i+1 < p.NumParts {
			end = p.Parts[i+1]
		}
		if end-start < 3 {
			continue
		}
		flat := make([]float64, 0, 2*(end-start))
		for j := start; j < end; j++ {
			flat = append(flat, p.Points[j].X, p.Points[j].Y)
		}
		rings = append(rings, flat)
	}
	return rings
}

func loadGeoPackage(ctx context.Context, path string, opts Options) ([]Municipality, int, error) {
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
		munis   []Municipality
		skipped int
	)
	err = db.Features(ctx, layer, func(f gpkg.Feature) error {
		key := keys.Municipality(f.String(opts.KeyField), opts.Width)
		rings := geometryRings(f.Geometry)
		if key == "" || len(rings) == 0 {
			skipped++
			return nil
		}
		munis = append(munis, newMunicipality(key, rings))
		return nil
	})
	if err != nil {
		return nil, 0, eris.Wrapf(err, "boundary: read %s", path)
	}
	return munis, skipped, nil
}

func geometryRings(g geom.T) [][]float64 {
	var rings [][]float64
	addPolygon := func(p *geom.Polygon) {
		for i := 0; i < p.NumLinearRings(); i++ {
			rings = append(rings, p.LinearRing(i).FlatCoords())
		}
	}
	switch t := g.(type) {
	case *geom.Polygon:
		addPolygon(t)
	case *geom.MultiPolygon:
		for i := 0; i < t.NumPolygons(); i++ {
			addPolygon(t.Polygon(i))
		}
	}
	return rings
}
