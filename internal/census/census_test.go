package census

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/nearshore-cli/internal/tabular"
)

const sample = `rama,cve_mun,year,value_added,labor_total,wages_total,machinery,computers
3361,1001.0,2008,100,10,5,50,1
3363,1001,2008,50,5,,25,0
3111,1001,2008,7,1,1,1,0
3361,19039,2023,200,20,10,80,2
3361,19039,1999,1,1,1,1,1
3361,,2008,9,9,9,9,9
`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "census.csv")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	d, err := Load(context.Background(), writeSample(t), Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultVariables, d.Variables)
	require.Len(t, d.Records, 5, "row without municipality dropped")

	assert.Equal(t, Record{Rama: "3361", Municipality: "01001", Year: 2008, Values: []float64{100, 10, 5, 50, 1}}, d.Records[0])
	assert.Equal(t, 0.0, d.Records[1].Values[2], "missing wages count as zero")
	assert.Equal(t, "33", d.Records[0].Sector())
}

func TestLoad_MissingColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.csv")
	require.NoError(t, os.WriteFile(path, []byte("rama,cve_mun,year,value_added\n"), 0o644))
	_, err := Load(context.Background(), path, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "labor_total")
}

func TestLoad_Latin1(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.csv")
	body := "rama,cve_mun,year,value_added,nota\n3361,1,2008,1,Aguascalientes \xe9\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	d, err := Load(context.Background(), path, Options{Variables: []string{"value_added"}, Encoding: "latin1"})
	require.NoError(t, err)
	require.Len(t, d.Records, 1)
	assert.Equal(t, "00001", d.Records[0].Municipality)
}

func TestLoad_Workbook(t *testing.T) {
	path := filepath.Join(t.TempDir(), "censo.xlsx")
	require.NoError(t, tabular.WriteXLSX(path,
		tabular.Sheet{Name: "Notas", Header: []string{"fuente"}, Rows: [][]string{{"INEGI"}}},
		tabular.Sheet{
			Name:   "Datos",
			Header: []string{"rama", "cve_mun", "year", "value_added"},
			Rows: [][]string{
				{"3361", "1001", "2008", "100"},
				{"3363", "19039", "2023", "40.5"},
			},
		},
	))

	d, err := Load(context.Background(), path, Options{Variables: []string{"value_added"}, Sheet: "Datos"})
	require.NoError(t, err)
	require.Len(t, d.Records, 2)
	assert.Equal(t, Record{Rama: "3361", Municipality: "01001", Year: 2008, Values: []float64{100}}, d.Records[0])
	assert.Equal(t, "19039", d.Records[1].Municipality)
	assert.InDelta(t, 40.5, d.Records[1].Values[0], 1e-9)

	_, err = Load(context.Background(), path, Options{Variables: []string{"value_added"}})
	require.Error(t, err, "first sheet has no census columns")
	assert.Contains(t, err.Error(), "rama")
}

func TestAggregate(t *testing.T) {
	d, err := Load(context.Background(), writeSample(t), Options{})
	require.NoError(t, err)

	tot := Aggregate(d, DefaultYearMap)
	assert.Equal(t, 1, tot.Unmapped)
	assert.Equal(t, 3, tot.Len())

	v, ok := tot.Get(2010, "01001", "33")
	require.True(t, ok)
	assert.Equal(t, []float64{150, 15, 5, 75, 1}, v)

	v, ok = tot.Get(2025, "19039", "33")
	require.True(t, ok)
	assert.Equal(t, 200.0, v[0])

	_, ok = tot.Get(2010, "01001", "32")
	assert.False(t, ok)

	assert.Equal(t, []Key{
		{Year: 2010, Municipality: "01001", Sector: "31"},
		{Year: 2010, Municipality: "01001", Sector: "33"},
		{Year: 2025, Municipality: "19039", Sector: "33"},
	}, tot.Keys())
}
