package boundary

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"

	"github.com/sells-group/nearshore-cli/internal/gpkg"
)

func squarePart(x0, y0, size float64) []shp.Point {
	return []shp.Point{
		{X: x0, Y: y0}, {X: x0, Y: y0 + size}, {X: x0 + size, Y: y0 + size}, {X: x0 + size, Y: y0}, {X: x0, Y: y0},
	}
}

// writeShapefile writes one polygon per key; each polygon is a list of parts.
func writeShapefile(t *testing.T, path string, keys []string, polys [][][]shp.Point) {
	t.Helper()
	w, err := shp.Create(path, shp.POLYGON)
	require.NoError(t, err)
	require.NoError(t, w.SetFields([]shp.Field{shp.StringField("CVEGEO", 5)}))
	for i, parts := range polys {
		p := shp.Polygon(*shp.NewPolyLine(parts))
		n := w.Write(&p)
		require.NoError(t, w.WriteAttribute(int(n), 0, keys[i]))
	}
	w.Close()

	// go-shp names the attribute file "<base>dbf" without the dot.
	base := strings.TrimSuffix(path, ".shp")
	if _, err := os.Stat(base + "dbf"); err == nil {
		require.NoError(t, os.Rename(base+"dbf", base+".dbf"))
	}
	require.FileExists(t, base+".dbf")
}

func TestLoadShapefile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mun_2020.shp")
	writeShapefile(t, path, []string{"19039", "1001"}, [][][]shp.Point{
		{squarePart(10, 0, 10)},
		// Municipality with a hole: outer 0..10, hole 4..6.
		{squarePart(0, 0, 10), squarePart(4, 4, 2)},
	})

	set, err := Load(context.Background(), path, "2020", Options{})
	require.NoError(t, err)
	require.Len(t, set.Municipalities, 2)
	assert.Equal(t, "01001", set.Municipalities[0].Key, "keys normalized and sorted")
	assert.Equal(t, "2020", set.Vintage)

	tests := []struct {
		name string
		x, y float64
		want string
		ok   bool
	}{
		{"first", 1, 1, "01001", true},
		{"second", 15, 5, "19039", true},
		{"in hole", 5, 5, "", false},
		{"shared edge takes first key", 10, 5, "01001", true},
		{"outside", 30, 30, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := set.Locate(tt.x, tt.y)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSet_Bounds(t *testing.T) {
	set := &Set{Municipalities: []Municipality{
		newMunicipality("01001", [][]float64{{0, 0, 10, 0, 10, 10, 0, 10, 0, 0}}),
		newMunicipality("01002", [][]float64{{10, -5, 30, -5, 30, 5, 10, 5, 10, -5}}),
	}}
	b := set.Bounds()
	assert.Equal(t, []float64{0, -5}, []float64{b.Min(0), b.Min(1)})
	assert.Equal(t, []float64{30, 10}, []float64{b.Max(0), b.Max(1)})

	assert.True(t, (&Set{}).Bounds().IsEmpty())
}

func TestLoadShapefile_MissingKeyField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mun.shp")
	writeShapefile(t, path, []string{"1"}, [][][]shp.Point{{squarePart(0, 0, 1)}})
	_, err := Load(context.Background(), path, "2010", Options{KeyField: "CVE_MUN"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CVE_MUN")
}

func TestLoadShapefile_KeyFieldFromAttributes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mun_2010.shp")
	writeShapefile(t, path, []string{"9002"}, [][][]shp.Point{{squarePart(0, 0, 1)}})

	set, err := Load(context.Background(), path, "2010", Options{})
	require.NoError(t, err)
	require.Len(t, set.Municipalities, 1)
	assert.Equal(t, "09002", set.Municipalities[0].Key)
}

func TestLoadGeoPackage(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "mun_2015.gpkg")
	db, err := gpkg.Create(ctx, path)
	require.NoError(t, err)

	mp := geom.NewMultiPolygon(geom.XY)
	require.NoError(t, mp.Push(geom.NewPolygonFlat(geom.XY, []float64{0, 0, 1, 0, 1, 1, 0, 1, 0, 0}, []int{10})))
	require.NoError(t, mp.Push(geom.NewPolygonFlat(geom.XY, []float64{5, 5, 6, 5, 6, 6, 5, 6, 5, 5}, []int{10})))
	require.NoError(t, db.WriteLayer(ctx, "municipios", "MULTIPOLYGON", 6372,
		[]gpkg.ColumnDef{{Name: "CVEGEO", Type: "INTEGER"}},
		[]gpkg.Feature{{Geometry: mp, Attributes: map[string]any{"CVEGEO": int64(2004)}}}))
	require.NoError(t, db.Close())

	set, err := Load(ctx, path, "2015", Options{})
	require.NoError(t, err)
	key, ok := set.Locate(5.5, 5.5)
	require.True(t, ok)
	assert.Equal(t, "02004", key)
	_, ok = set.Locate(3, 3)
	assert.False(t, ok)
}

func TestLoad_Unsupported(t *testing.T) {
	_, err := Load(context.Background(), "mun.kml", "2010", Options{})
	require.Error(t, err)
}
