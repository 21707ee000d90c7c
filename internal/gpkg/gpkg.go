// Package gpkg reads and writes OGC GeoPackage feature layers using modernc.org/sqlite.
package gpkg

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// applicationID is the GeoPackage magic stored in PRAGMA application_id ("GPKG").
const applicationID = 0x47504B47

// Layer describes a feature table registered in gpkg_contents.
type Layer struct {
	Name           string
	GeometryColumn string
	GeometryType   string
	SRSID          int32
}

// Feature is one row of a feature table.
type Feature struct {
	FID        int64
	Geometry   geom.T
	Attributes map[string]any
}

// String returns the named attribute rendered as a string, or "" when absent.
func (f Feature) String(name string) string {
	for k, v := range f.Attributes {
		if strings.EqualFold(k, name) {
			return FormatValue(v)
		}
	}
	return ""
}

// FormatValue renders a SQLite column value as text. Integral floats print without a fraction.
func FormatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

// DB is an open GeoPackage.
type DB struct {
	db   *sql.DB
	path string
}

// Open opens an existing GeoPackage read-only.
func Open(path string) (*DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, eris.Wrapf(err, "gpkg: stat %s", path)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrapf(err, "gpkg: open %s", path)
	}
	return &DB{db: db, path: path}, nil
}

// Create creates a new, empty GeoPackage, replacing any file at path.
func Create(ctx context.Context, path string) (*DB, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, eris.Wrapf(err, "gpkg: remove %s", path)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrapf(err, "gpkg: create %s", path)
	}
	for _, stmt := range []string{
		fmt.Sprintf("PRAGMA application_id = %d", applicationID),
		"PRAGMA user_version = 10300",
		metadataSchema,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrap(err, "gpkg: initialise metadata tables")
		}
	}
	return &DB{db: db, path: path}, nil
}

// Close closes the underlying database.
func (d *DB) Close() error {
	return d.db.Close()
}

const metadataSchema = `
CREATE TABLE gpkg_spatial_ref_sys (
	srs_name                 TEXT NOT NULL,
	srs_id                   INTEGER NOT NULL PRIMARY KEY,
	organization             TEXT NOT NULL,
	organization_coordsys_id INTEGER NOT NULL,
	definition               TEXT NOT NULL,
	description              TEXT
);

INSERT INTO gpkg_spatial_ref_sys VALUES
	('Undefined cartesian SRS', -1, 'NONE', -1, 'undefined', 'undefined cartesian coordinate reference system'),
	('Undefined geographic SRS', 0, 'NONE', 0, 'undefined', 'undefined geographic coordinate reference system');

CREATE TABLE gpkg_contents (
	table_name  TEXT NOT NULL PRIMARY KEY,
	data_type   TEXT NOT NULL,
	identifier  TEXT UNIQUE,
	description TEXT DEFAULT '',
	last_change DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	min_x       DOUBLE,
	min_y       DOUBLE,
	max_x       DOUBLE,
	max_y       DOUBLE,
	srs_id      INTEGER REFERENCES gpkg_spatial_ref_sys(srs_id)
);

CREATE TABLE gpkg_geometry_columns (
	table_name         TEXT NOT NULL,
	column_name        TEXT NOT NULL,
	geometry_type_name TEXT NOT NULL,
	srs_id             INTEGER NOT NULL,
	z                  TINYINT NOT NULL,
	m                  TINYINT NOT NULL,
	CONSTRAINT pk_geom_cols PRIMARY KEY (table_name, column_name)
);
`

// Layers lists the feature layers of the GeoPackage ordered by name.
func (d *DB) Layers(ctx context.Context) ([]Layer, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT c.table_name, g.column_name, g.geometry_type_name, g.srs_id
		FROM gpkg_contents c
		JOIN gpkg_geometry_columns g ON g.table_name = c.table_name
		WHERE c.data_type = 'features'
		ORDER BY c.table_name`)
	if err != nil {
		return nil, eris.Wrapf(err, "gpkg: list layers in %s", d.path)
	}
	defer rows.Close() //nolint:errcheck

	var layers []Layer
	for rows.Next() {
		var l Layer
		if err := rows.Scan(&l.Name, &l.GeometryColumn, &l.GeometryType, &l.SRSID); err != nil {
			return nil, eris.Wrap(err, "gpkg: scan layer")
		}
		layers = append(layers, l)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "gpkg: iterate layers")
	}
	return layers, nil
}

// Layer resolves a layer by name. An empty name selects the only layer, or
// the first one in name order when there are several.
func (d *DB) Layer(ctx context.Context, name string) (Layer, error) {
	layers, err := d.Layers(ctx)
	if err != nil {
		return Layer{}, err
	}
	if len(layers) == 0 {
		return Layer{}, eris.Errorf("gpkg: %s has no feature layers", d.path)
	}
	if name == "" {
		if len(layers) > 1 {
			zap.L().Debug("gpkg: several layers, using the first",
				zap.String("path", d.path),
				zap.String("layer", layers[0].Name),
				zap.Int("layers", len(layers)),
			)
		}
		return layers[0], nil
	}
	// Only names registered in gpkg_contents are ever interpolated into SQL.
	for _, l := range layers {
		if l.Name == name {
			return l, nil
		}
	}
	return Layer{}, eris.Errorf("gpkg: layer %q not found in %s", name, d.path)
}

// Features streams every row of a layer to fn in fid order.
func (d *DB) Features(ctx context.Context, layer Layer, fn func(Feature) error) error {
	rows, err := d.db.QueryContext(ctx, fmt.Sprintf(`SELECT * FROM %s ORDER BY rowid`, quoteIdent(layer.Name)))
	if err != nil {
		return eris.Wrapf(err, "gpkg: query layer %s", layer.Name)
	}
	defer rows.Close() //nolint:errcheck

	cols, err := rows.Columns()
	if err != nil {
		return eris.Wrap(err, "gpkg: columns")
	}

	var skipped int
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return eris.Wrapf(err, "gpkg: scan %s", layer.Name)
		}

		f := Feature{Attributes: make(map[string]any, len(cols))}
		for i, c := range cols {
			switch {
			case strings.EqualFold(c, layer.GeometryColumn):
				blob, ok := values[i].([]byte)
				if !ok || len(blob) == 0 {
					continue
				}
				g, err := DecodeGeometry(blob)
				if err != nil {
					skipped++
					continue
				}
				f.Geometry = g
			case strings.EqualFold(c, "fid"):
				if id, ok := values[i].(int64); ok {
					f.FID = id
				}
			default:
				f.Attributes[c] = values[i]
			}
		}

		if err := fn(f); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return eris.Wrapf(err, "gpkg: iterate %s", layer.Name)
	}

	if skipped > 0 {
		zap.L().Warn("gpkg: undecodable geometries",
			zap.String("layer", layer.Name),
			zap.Int("skipped", skipped),
		)
	}
	return nil
}

// ColumnDef declares an attribute column of a new layer.
type ColumnDef struct {
	Name string
	Type string // SQLite type: TEXT, INTEGER, REAL
}

// WriteLayer creates a feature table and inserts the features in one transaction.
// Attribute values are looked up in Feature.Attributes by column name.
func (d *DB) WriteLayer(ctx context.Context, name, geometryType string, srsID int32, columns []ColumnDef, features []Feature) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "gpkg: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	if srsID > 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO gpkg_spatial_ref_sys VALUES (?, ?, 'EPSG', ?, 'undefined', '')`,
			fmt.Sprintf("EPSG:%d", srsID), srsID, srsID,
		); err != nil {
			return eris.Wrap(err, "gpkg: register srs")
		}
	}

	defs := []string{"fid INTEGER PRIMARY KEY AUTOINCREMENT", "geom " + geometryType}
	names := []string{"geom"}
	for _, c := range columns {
		defs = append(defs, quoteIdent(c.Name)+" "+c.Type)
		names = append(names, quoteIdent(c.Name))
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE %s (%s)`, quoteIdent(name), strings.Join(defs, ", "))); err != nil {
		return eris.Wrapf(err, "gpkg: create table %s", name)
	}

	minX, minY, maxX, maxY := extent(features)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO gpkg_contents (table_name, data_type, identifier, min_x, min_y, max_x, max_y, srs_id)
		 VALUES (?, 'features', ?, ?, ?, ?, ?, ?)`,
		name, name, minX, minY, maxX, maxY, srsID,
	); err != nil {
		return eris.Wrap(err, "gpkg: register contents")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO gpkg_geometry_columns VALUES (?, 'geom', ?, ?, 0, 0)`,
		name, geometryType, srsID,
	); err != nil {
		return eris.Wrap(err, "gpkg: register geometry column")
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ")
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		quoteIdent(name), strings.Join(names, ", "), placeholders))
	if err != nil {
		return eris.Wrap(err, "gpkg: prepare insert")
	}
	defer stmt.Close() //nolint:errcheck

	for i, f := range features {
		args := make([]any, 0, len(names))
		var blob []byte
		if f.Geometry != nil {
			blob, err = EncodeGeometry(f.Geometry, srsID)
			if err != nil {
				return eris.Wrapf(err, "gpkg: encode feature %d", i)
			}
		}
		args = append(args, blob)
		for _, c := range columns {
			args = append(args, f.Attributes[c.Name])
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return eris.Wrapf(err, "gpkg: insert feature %d", i)
		}
	}

	return eris.Wrap(tx.Commit(), "gpkg: commit")
}

func extent(features []Feature) (minX, minY, maxX, maxY float64) {
	first := true
	for _, f := range features {
		if f.Geometry == nil {
			continue
		}
		b := f.Geometry.Bounds()
		if first {
			minX, minY, maxX, maxY = b.Min(0), b.Min(1), b.Max(0), b.Max(1)
			first = false
			continue
		}
		minX = min(minX, b.Min(0))
		minY = min(minY, b.Min(1))
		maxX = max(maxX, b.Max(0))
		maxY = max(maxY, b.Max(1))
	}
	return minX, minY, maxX, maxY
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
