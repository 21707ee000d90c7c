package dasymetric

import (
	"context"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/nearshore-cli/internal/census"
	"github.com/sells-group/nearshore-cli/internal/panel"
	"github.com/sells-group/nearshore-cli/internal/spatialkey"
)

func counts(t *testing.T, ids []string, year int, bySector map[string][]float64) *panel.Frame {
	t.Helper()
	f, err := panel.NewFrame(ids)
	require.NoError(t, err)
	for _, s := range []string{"31", "32", "33"} {
		vals, ok := bySector[s]
		if !ok {
			continue
		}
		v, err := f.AddColumn(panel.Column{Variable: panel.Count, Sector: s, Year: year}, panel.Integer)
		require.NoError(t, err)
		copy(v, vals)
	}
	return f
}

// totals builds census totals from "year,mun,rama,value_added" lines with
// the other variables set to value_added / 10.
func totals(t *testing.T, lines ...string) *census.Totals {
	t.Helper()
	var b strings.Builder
	b.WriteString("rama,cve_mun,year,value_added,labor_total,wages_total,machinery,computers\n")
	for _, l := range lines {
		p := strings.Split(l, ",")
		va, err := strconv.ParseFloat(p[3], 64)
		require.NoError(t, err)
		tenth := strconv.FormatFloat(va/10, 'g', -1, 64)
		b.WriteString(strings.Join([]string{p[2], p[1], p[0], p[3], tenth, tenth, tenth, tenth}, ",") + "\n")
	}
	path := filepath.Join(t.TempDir(), "census.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	d, err := census.Load(context.Background(), path, census.Options{})
	require.NoError(t, err)
	return census.Aggregate(d, map[int]int{2010: 2010})
}

func keyTable(ids []string, vintage string, muns ...string) *spatialkey.Table {
	kt := spatialkey.New(ids, []string{vintage})
	for i, id := range ids {
		kt.Set(id, vintage, muns[i])
	}
	return kt
}

func value(t *testing.T, f *panel.Frame, key, variable, sector string) float64 {
	t.Helper()
	v, ok := f.Value(key, panel.Column{Variable: variable, Sector: sector, Year: 2010})
	require.True(t, ok, "%s %s_%s", key, variable, sector)
	return v
}

func TestRedistribute_SplitsByCount(t *testing.T) {
	ids := []string{"A", "B", "C", "D"}
	in := Input{
		Year:     2010,
		Vintage:  "2010",
		Keys:     ids,
		Counts:   counts(t, ids, 2010, map[string][]float64{"33": {2, 0, 1, 3}}),
		Sectors:  []string{"33"},
		KeyTable: keyTable(ids, "2010", "01001", "01001", "01002", "01002"),
		Totals:   totals(t, "2010,01001,3361,1000", "2010,1002,3363,400"),
	}
	res, err := Redistribute(in)
	require.NoError(t, err)
	require.NoError(t, res.Check())

	assert.Equal(t, 1000.0, value(t, res.Frame, "A", "value_added", "33"))
	assert.Equal(t, 0.0, value(t, res.Frame, "B", "value_added", "33"))
	assert.Equal(t, 100.0, value(t, res.Frame, "C", "value_added", "33"))
	assert.Equal(t, 300.0, value(t, res.Frame, "D", "value_added", "33"))
	assert.Equal(t, 0.75, value(t, res.Frame, "D", panel.Weight, "33"))
	assert.Equal(t, 30.0, value(t, res.Frame, "D", "machinery", "33"))

	assert.Equal(t, []panel.Column{
		{Variable: "value_added", Sector: "33", Year: 2010},
		{Variable: "labor_total", Sector: "33", Year: 2010},
		{Variable: "wages_total", Sector: "33", Year: 2010},
		{Variable: "machinery", Sector: "33", Year: 2010},
		{Variable: "computers", Sector: "33", Year: 2010},
		{Variable: panel.Weight, Sector: "33", Year: 2010},
	}, res.Frame.Columns())
}

func TestRedistribute_ZeroEstablishments(t *testing.T) {
	ids := []string{"A", "B"}
	res, err := Redistribute(Input{
		Year:     2010,
		Vintage:  "2010",
		Keys:     ids,
		Counts:   counts(t, ids, 2010, map[string][]float64{"31": {0, 0}}),
		Sectors:  []string{"31"},
		KeyTable: keyTable(ids, "2010", "01001", "01001"),
		Totals:   totals(t, "2010,01001,3111,500"),
	})
	require.NoError(t, err)
	require.NoError(t, res.Check())

	for _, c := range res.Frame.Columns() {
		v, _ := res.Frame.Values(c)
		assert.Equal(t, []float64{0, 0}, v, c.Name())
	}
	require.Len(t, res.Groups, 1)
	assert.Equal(t, 0.0, res.Groups[0].WeightSum)
}

func TestRedistribute_MissingCensusAndCounts(t *testing.T) {
	ids := []string{"A", "B"}
	res, err := Redistribute(Input{
		Year:     2010,
		Vintage:  "2010",
		Keys:     ids,
		Counts:   counts(t, ids, 2010, map[string][]float64{"31": {1, 1}}),
		Sectors:  []string{"31", "32"},
		KeyTable: keyTable(ids, "2010", "01001", "01001"),
		Totals:   totals(t, "2010,09002,3111,500"),
	})
	require.NoError(t, err)
	require.NoError(t, res.Check())

	assert.Equal(t, 1, res.MissingTotals)
	assert.Equal(t, []string{"32"}, res.MissingCounts)
	assert.Equal(t, 1, res.Orphaned)

	// Weights still hold; values default to zero; sector 32 columns exist.
	assert.Equal(t, 0.5, value(t, res.Frame, "A", panel.Weight, "31"))
	assert.Equal(t, 0.0, value(t, res.Frame, "A", "value_added", "31"))
	assert.Equal(t, 0.0, value(t, res.Frame, "B", "value_added", "32"))
}

func TestRedistribute_UnresolvedCellsExcluded(t *testing.T) {
	ids := []string{"A", "B", "C"}
	res, err := Redistribute(Input{
		Year:     2010,
		Vintage:  "2010",
		Keys:     ids,
		Counts:   counts(t, ids, 2010, map[string][]float64{"33": {1, 5, 1}}),
		Sectors:  []string{"33"},
		KeyTable: keyTable(ids, "2010", "01001", "", "01001"),
		Totals:   totals(t, "2010,01001,3361,90"),
	})
	require.NoError(t, err)
	require.NoError(t, res.Check())

	assert.Equal(t, []string{"B"}, res.Unresolved)
	assert.Equal(t, []string{"A", "C"}, res.Frame.Keys())
	assert.Equal(t, 45.0, value(t, res.Frame, "A", "value_added", "33"))
	assert.Equal(t, 45.0, value(t, res.Frame, "C", "value_added", "33"))
}

func TestRedistribute_WrongVintageUnresolved(t *testing.T) {
	ids := []string{"A"}
	res, err := Redistribute(Input{
		Year:     2010,
		Vintage:  "2020",
		Keys:     ids,
		Counts:   counts(t, ids, 2010, map[string][]float64{"33": {1}}),
		Sectors:  []string{"33"},
		KeyTable: keyTable(ids, "2010", "01001"),
		Totals:   totals(t, "2010,01001,3361,90"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, res.Unresolved)
	assert.Equal(t, 0, res.Frame.Len())
}

func TestRedistribute_ConservationRandomized(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 9))
	const cells = 500
	ids := make([]string, cells)
	muns := make([]string, cells)
	c33 := make([]float64, cells)
	for i := range ids {
		ids[i] = strconv.Itoa(i + 1)
		muns[i] = "0100" + strconv.Itoa(r.IntN(7))
		c33[i] = float64(r.IntN(40))
	}
	var lines []string
	for m := range 7 {
		lines = append(lines, "2010,0100"+strconv.Itoa(m)+",3361,"+strconv.FormatFloat(r.Float64()*1e9, 'f', 3, 64))
	}

	res, err := Redistribute(Input{
		Year:     2010,
		Vintage:  "2010",
		Keys:     ids,
		Counts:   counts(t, ids, 2010, map[string][]float64{"33": c33}),
		Sectors:  []string{"33"},
		KeyTable: keyTable(ids, "2010", muns...),
		Totals:   totals(t, lines...),
	})
	require.NoError(t, err)

	d := res.Deviations()
	assert.LessOrEqual(t, d.Weight, WeightTolerance)
	assert.LessOrEqual(t, d.Value, ValueTolerance)
	require.NoError(t, res.Check())
}

func TestRedistribute_RequiresInputs(t *testing.T) {
	_, err := Redistribute(Input{Year: 2010})
	require.Error(t, err)
}

func TestCheck_Fails(t *testing.T) {
	res := &Result{Year: 2015, Groups: []Group{{Count: 3, WeightSum: 0.9}}}
	err := res.Check()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weights")

	res = &Result{Year: 2015, Groups: []Group{{Count: 3, WeightSum: 1, HasTotals: true, Totals: []float64{100}, Distributed: []float64{90}}}}
	err = res.Check()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "values")
}
