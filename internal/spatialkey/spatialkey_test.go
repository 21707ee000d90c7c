package spatialkey

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/nearshore-cli/internal/boundary"
	"github.com/sells-group/nearshore-cli/internal/gpkg"
	"github.com/sells-group/nearshore-cli/internal/grid"
)

func TestBuild(t *testing.T) {
	g, err := grid.Generate(geom.NewBounds(geom.XY).Set(0, 0, 20, 20), 10)
	require.NoError(t, err)

	// Municipality 01001 covers the bottom row; nothing covers the top row in 2010.
	bottom := boundary.Municipality{Key: "01001", Rings: [][]float64{{0, 0, 20, 0, 20, 10, 0, 10, 0, 0}}}
	all := boundary.Municipality{Key: "01002", Rings: [][]float64{{0, 0, 20, 0, 20, 20, 0, 20, 0, 0}}}
	sets := []*boundary.Set{
		loadSet(t, "2010", bottom),
		loadSet(t, "2020", all),
	}

	tbl := Build(g, sets)
	assert.Equal(t, []string{"2010", "2020"}, tbl.Vintages())

	key, ok := tbl.Lookup("1", "2010")
	require.True(t, ok)
	assert.Equal(t, "01001", key)

	_, ok = tbl.Lookup("3", "2010")
	assert.False(t, ok)

	key, ok = tbl.Lookup("3", "2020")
	require.True(t, ok)
	assert.Equal(t, "01002", key)

	_, ok = tbl.Lookup("1", "1990")
	assert.False(t, ok)
}

// loadSet round-trips municipalities through a GeoPackage so they carry the
// bounding boxes Load computes.
func loadSet(t *testing.T, vintage string, munis ...boundary.Municipality) *boundary.Set {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "mun_"+vintage+".gpkg")
	db, err := gpkg.Create(ctx, path)
	require.NoError(t, err)
	var features []gpkg.Feature
	for _, m := range munis {
		features = append(features, gpkg.Feature{
			Geometry:   geom.NewPolygonFlat(geom.XY, m.Rings[0], []int{len(m.Rings[0])}),
			Attributes: map[string]any{"CVEGEO": m.Key},
		})
	}
	require.NoError(t, db.WriteLayer(ctx, "mun", "POLYGON", 6372, []gpkg.ColumnDef{{Name: "CVEGEO", Type: "TEXT"}}, features))
	require.NoError(t, db.Close())

	set, err := boundary.Load(ctx, path, vintage, boundary.Options{})
	require.NoError(t, err)
	return set
}

func TestCSVRoundTrip(t *testing.T) {
	tbl := New([]string{"1", "2"}, []string{"2010", "2020"})
	tbl.Set("1", "2010", "01001")
	tbl.Set("2", "2020", "19039")

	path := filepath.Join(t.TempDir(), "keys.csv")
	require.NoError(t, tbl.WriteCSV(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "grid_id,CVEGEO_2010,CVEGEO_2020\n1,01001,\n2,,19039\n", string(raw))

	got, err := Load(context.Background(), path, "", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, got.IDs())
	key, ok := got.Lookup("2", "2020")
	require.True(t, ok)
	assert.Equal(t, "19039", key)
}

func TestLoad_NormalizesKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.csv")
	require.NoError(t, os.WriteFile(path, []byte("grid_id,CVEGEO_2015,CVEGEO_2025\n7.0,1001.0,nan\n8,1,2001\n"), 0o644))

	tbl, err := Load(context.Background(), path, "", 5)
	require.NoError(t, err)

	key, ok := tbl.Lookup("7", "2015")
	require.True(t, ok)
	assert.Equal(t, "01001", key)

	key, ok = tbl.Lookup("8", "2015")
	require.True(t, ok)
	assert.Equal(t, "00001", key)

	_, ok = tbl.Lookup("7", "2025")
	assert.False(t, ok)
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name, body, msg string
	}{
		{"no grid id", "id,CVEGEO_2010\n1,1\n", "grid_id"},
		{"no key columns", "grid_id,x\n1,1\n", "CVEGEO_"},
		{"duplicate", "grid_id,CVEGEO_2010\n1,1\n1.0,2\n", "repeats"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".csv")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o644))
			_, err := Load(context.Background(), path, "", 5)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestLoad_GeoPackageAttributes(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "grid_joined.gpkg")
	db, err := gpkg.Create(ctx, path)
	require.NoError(t, err)
	require.NoError(t, db.WriteLayer(ctx, "grid", "POLYGON", 6372,
		[]gpkg.ColumnDef{{Name: "grid_id", Type: "INTEGER"}, {Name: "CVEGEO_2020", Type: "REAL"}},
		[]gpkg.Feature{
			{Geometry: grid.Rect(0, 0, 1, 1), Attributes: map[string]any{"grid_id": int64(4), "CVEGEO_2020": 9002.0}},
		}))
	require.NoError(t, db.Close())

	tbl, err := Load(ctx, path, "", 5)
	require.NoError(t, err)
	key, ok := tbl.Lookup("4", "2020")
	require.True(t, ok)
	assert.Equal(t, "09002", key)
}
