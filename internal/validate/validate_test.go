package validate

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/nearshore-cli/internal/census"
)

func rec(rama, mun string, year int, va float64) census.Record {
	return census.Record{Rama: rama, Municipality: mun, Year: year, Values: []float64{va, 1}}
}

func data() *census.Data {
	return &census.Data{
		Variables: []string{"value_added", "labor_total"},
		Records: []census.Record{
			// Older year is ignored.
			rec("3361", "01001", 2018, 1e9),
			rec("3363", "01001", 2023, 60),
			rec("3361", "01001", 2023, 20),
			rec("3399", "01001", 2023, 20),
			rec("3363", "02002", 2023, 120),
			rec("3344", "02002", 2023, 1),
			rec("3399", "02002", 2023, 79),
			rec("3399", "03003", 2023, 100),
			// Other sectors never count.
			rec("3111", "03003", 2023, 5000),
		},
	}
}

func TestRun(t *testing.T) {
	rep, err := Run(data(), "33", DefaultRamas)
	require.NoError(t, err)

	assert.Equal(t, 2023, rep.Year)
	assert.Equal(t, 3, rep.Municipalities)
	require.Len(t, rep.Results, 3, "3364 and 3359 are absent")

	// Sector total 400: auto parts 180 (45%), assembly 20 (5%), semis 1 (0.25%).
	assert.Equal(t, "3363", rep.Results[0].Rama.Code)
	assert.InDelta(t, 45, rep.Results[0].Share, 1e-9)
	assert.Equal(t, Dominant, rep.Results[0].Verdict)
	assert.Equal(t, "3361", rep.Results[1].Rama.Code)
	assert.Equal(t, Niche, rep.Results[1].Verdict)
	assert.Equal(t, "3344", rep.Results[2].Rama.Code)
	assert.Equal(t, Minor, rep.Results[2].Verdict)

	// Municipal totals (100, 200, 100) against each rama.
	assert.InDelta(t, math.Sqrt(3)/2, rep.Results[0].Correlation, 1e-12)
	assert.InDelta(t, -0.5, rep.Results[1].Correlation, 1e-12)
	assert.InDelta(t, 1, rep.Results[2].Correlation, 1e-12)
}

func TestRun_Errors(t *testing.T) {
	_, err := Run(&census.Data{Variables: []string{"labor_total"}}, "33", DefaultRamas)
	require.Error(t, err)

	_, err = Run(data(), "32", DefaultRamas)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sector 32")
}

func TestVerdict(t *testing.T) {
	assert.Equal(t, Dominant, Verdict(10.01))
	assert.Equal(t, Niche, Verdict(10))
	assert.Equal(t, Niche, Verdict(1.5))
	assert.Equal(t, Minor, Verdict(1))
	assert.Equal(t, Minor, Verdict(math.NaN()))
}

func TestWrite(t *testing.T) {
	rep, err := Run(data(), "33", DefaultRamas)
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "validation.csv")
	require.NoError(t, rep.Write(path, filepath.Join(dir, "validation.xlsx")))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Rama_Code,Industry_Name,Correlation_with_Sec33,National_Share_Pct,Verdict\n"+
		"3363,Auto Parts,0.866,45,Dominant Driver\n"+
		"3361,Auto Assembly,-0.5,5,Niche/Emerging\n"+
		"3344,Semiconductors & Components,1,0.25,Minor\n", string(raw))
}
