// Package spatialkey maps grid cells to the municipality that contains them
// under each boundary vintage.
package spatialkey

import (
	"context"
	"path/filepath"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/nearshore-cli/internal/boundary"
	"github.com/sells-group/nearshore-cli/internal/gpkg"
	"github.com/sells-group/nearshore-cli/internal/grid"
	"github.com/sells-group/nearshore-cli/internal/keys"
	"github.com/sells-group/nearshore-cli/internal/tabular"
)

// ColumnPrefix prefixes the per-vintage key columns (CVEGEO_2020).
const ColumnPrefix = "CVEGEO_"

// Table holds, per vintage, the municipality key of each grid cell. An
// empty key means the cell could not be assigned.
type Table struct {
	ids      []string
	vintages []string
	keys     map[string]map[string]string // vintage -> grid_id -> key
}

// New returns an empty table over grid ids and vintages.
func New(ids, vintages []string) *Table {
	t := &Table{
		ids:      append([]string(nil), ids...),
		vintages: append([]string(nil), vintages...),
		keys:     make(map[string]map[string]string, len(vintages)),
	}
	for _, v := range vintages {
		t.keys[v] = make(map[string]string, len(ids))
	}
	return t
}

// Vintages returns the vintages of the table.
func (t *Table) Vintages() []string { return t.vintages }

// IDs returns the grid ids of the table.
func (t *Table) IDs() []string { return t.ids }

// Set records the key of a grid cell for a vintage.
func (t *Table) Set(gridID, vintage, key string) {
	m, ok := t.keys[vintage]
	if !ok {
		m = make(map[string]string)
		t.keys[vintage] = m
		t.vintages = append(t.vintages, vintage)
	}
	m[gridID] = key
}

// Lookup returns the normalized municipality key of gridID under vintage.
// It reports false when the vintage is unknown or the cell is unassigned.
func (t *Table) Lookup(gridID, vintage string) (string, bool) {
	m, ok := t.keys[vintage]
	if !ok {
		return "", false
	}
	k := m[gridID]
	return k, k != ""
}

// Build assigns each cell's centroid to the municipality containing it, per
// vintage. Cells outside every municipality are left unassigned and counted.
func Build(g *grid.Grid, sets []*boundary.Set) *Table {
	vintages := make([]string, len(sets))
	for i, s := range sets {
		vintages[i] = s.Vintage
	}
	t := New(g.IDs(), vintages)

	for _, s := range sets {
		var unassigned int
		for _, c := range g.Cells() {
			key, ok := s.Locate(c.Centroid.X(), c.Centroid.Y())
			if !ok {
				unassigned++
			}
			t.Set(c.ID, s.Vintage, key)
		}
		if unassigned > 0 {
			zap.L().Warn("spatialkey: cells outside every municipality",
				zap.String("vintage", s.Vintage),
				zap.Int("cells", unassigned),
			)
		}
		zap.L().Info("spatialkey: vintage assigned",
			zap.String("vintage", s.Vintage),
			zap.Int("cells", g.Len()-unassigned),
		)
	}
	return t
}

// WriteCSV writes grid_id and one CVEGEO_{vintage} column per vintage.
func (t *Table) WriteCSV(path string) error {
	header := []string{grid.IDColumn}
	for _, v := range t.vintages {
		header = append(header, ColumnPrefix+v)
	}
	rows := make([][]string, len(t.ids))
	for i, id := range t.ids {
		row := []string{id}
		for _, v := range t.vintages {
			row = append(row, t.keys[v][id])
		}
		rows[i] = row
	}
	return eris.Wrap(tabular.WriteCSV(path, header, rows), "spatialkey: write")
}

// Load reads a key table from a CSV file or from the attribute table of a
// GeoPackage layer (the joined grid). Every CVEGEO_{vintage} column is
// loaded and its keys normalized to width.
func Load(ctx context.Context, path, layer string, width int) (*Table, error) {
	var (
		header []string
		rows   [][]string
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		tbl, err := tabular.ReadCSV(ctx, path, tabular.CSVOptions{})
		if err != nil {
			return nil, eris.Wrap(err, "spatialkey: read")
		}
		header, rows = tbl.Header, tbl.Rows
	case ".gpkg":
		var err error
		header, rows, err = readGeoPackage(ctx, path, layer)
		if err != nil {
			return nil, err
		}
	default:
		return nil, eris.Errorf("spatialkey: unsupported key file %s", path)
	}
	return fromRows(path, header, rows, width)
}

func fromRows(path string, header []string, rows [][]string, width int) (*Table, error) {
	idIdx := -1
	var vintages []string
	var cols []int
	for j, h := range header {
		switch {
		case strings.EqualFold(h, grid.IDColumn):
			idIdx = j
		case strings.HasPrefix(strings.ToUpper(h), ColumnPrefix):
			vintages = append(vintages, h[len(ColumnPrefix):])
			cols = append(cols, j)
		}
	}
	if idIdx < 0 {
		return nil, eris.Errorf("spatialkey: %s has no %s column", path, grid.IDColumn)
	}
	if len(vintages) == 0 {
		return nil, eris.Errorf("spatialkey: %s has no %s* columns", path, ColumnPrefix)
	}

	ids := make([]string, 0, len(rows))
	seen := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		id := keys.ID(tabular.Cell(r, idIdx))
		if _, dup := seen[id]; dup {
			return nil, eris.Errorf("spatialkey: %s repeats grid_id %s", path, id)
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	t := New(ids, vintages)
	for i, r := range rows {
		for n, j := range cols {
			t.Set(ids[i], vintages[n], keys.Municipality(tabular.Cell(r, j), width))
		}
	}
	return t, nil
}

func readGeoPackage(ctx context.Context, path, layer string) ([]string, [][]string, error) {
	db, err := gpkg.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer db.Close() //nolint:errcheck

	l, err := db.Layer(ctx, layer)
	if err != nil {
		return nil, nil, err
	}

	var header []string
	var rows [][]string
	err = db.Features(ctx, l, func(f gpkg.Feature) error {
		if header == nil {
			for k := range f.Attributes {
				header = append(header, k)
			}
			slices.Sort(header)
		}
		row := make([]string, len(header))
		for j, h := range header {
			row[j] = gpkg.FormatValue(f.Attributes[h])
		}
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return nil, nil, eris.Wrapf(err, "spatialkey: read %s", path)
	}
	return header, rows, nil
}
