// Package validate checks how well a two-digit sector stands in for its
// high-technology ramas, using census value added by municipality.
package validate

import (
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/sells-group/nearshore-cli/internal/census"
	"github.com/sells-group/nearshore-cli/internal/tabular"
)

// Rama is a target industry.
type Rama struct {
	Code string `mapstructure:"code" yaml:"code"`
	Name string `mapstructure:"name" yaml:"name"`
}

// DefaultRamas are the nearshoring target industries of sector 33.
var DefaultRamas = []Rama{
	{Code: "3361", Name: "Auto Assembly"},
	{Code: "3363", Name: "Auto Parts"},
	{Code: "3364", Name: "Aerospace"},
	{Code: "3344", Name: "Semiconductors & Components"},
	{Code: "3359", Name: "Electrical Equipment"},
}

// Verdicts by national share.
const (
	Dominant = "Dominant Driver"
	Niche    = "Niche/Emerging"
	Minor    = "Minor"
)

// Verdict classifies a national share in percent.
func Verdict(share float64) string {
	switch {
	case share > 10:
		return Dominant
	case share > 1:
		return Niche
	}
	return Minor
}

// Result is one rama's proxy statistics.
type Result struct {
	Rama        Rama
	Correlation float64 // Pearson, across municipalities
	Share       float64 // percent of the sector's national value added
	Verdict     string
}

// Report is the validation outcome for one sector and survey year.
type Report struct {
	Sector         string
	Year           int
	Municipalities int
	Results        []Result
}

// Run compares each rama's municipal value added with the sector total in
// the latest survey year present for the sector. Ramas absent from that year
// are skipped. Results are ordered by share, largest first.
func Run(d *census.Data, sector string, ramas []Rama) (*Report, error) {
	va := slices.Index(d.Variables, "value_added")
	if va < 0 {
		return nil, eris.New("validate: census data has no value_added")
	}

	year := math.MinInt
	for _, r := range d.Records {
		if strings.HasPrefix(r.Rama, sector) && r.Year > year {
			year = r.Year
		}
	}
	if year == math.MinInt {
		return nil, eris.Errorf("validate: no census records for sector %s", sector)
	}

	// Municipal totals for the sector and each rama; municipalities are
	// indexed in first-seen order.
	index := make(map[string]int)
	var total []float64
	byRama := make(map[string][]float64)
	for _, r := range d.Records {
		if r.Year != year || !strings.HasPrefix(r.Rama, sector) {
			continue
		}
		i, ok := index[r.Municipality]
		if !ok {
			i = len(total)
			index[r.Municipality] = i
			total = append(total, 0)
			for k, v := range byRama {
				byRama[k] = append(v, 0)
			}
		}
		v := r.Values[va]
		total[i] += v
		col, ok := byRama[r.Rama]
		if !ok {
			col = make([]float64, len(total))
			byRama[r.Rama] = col
		}
		col[i] += v
	}

	rep := &Report{Sector: sector, Year: year, Municipalities: len(total)}
	national := sum(total)
	var skipped []string
	for _, rama := range ramas {
		col, ok := byRama[rama.Code]
		if !ok {
			skipped = append(skipped, rama.Code)
			continue
		}
		share := math.NaN()
		if national != 0 {
			share = sum(col) / national * 100
		}
		rep.Results = append(rep.Results, Result{
			Rama:        rama,
			Correlation: stat.Correlation(total, col, nil),
			Share:       share,
			Verdict:     Verdict(share),
		})
	}
	slices.SortStableFunc(rep.Results, func(a, b Result) int {
		switch {
		case a.Share > b.Share:
			return -1
		case a.Share < b.Share:
			return 1
		}
		return 0
	})

	log := zap.L().With(zap.String("component", "validate"), zap.String("sector", sector), zap.Int("year", year))
	if len(skipped) > 0 {
		log.Warn("ramas absent from the census year", zap.Strings("ramas", skipped))
	}
	log.Info("validated sector proxy", zap.Int("municipalities", rep.Municipalities), zap.Int("ramas", len(rep.Results)))
	return rep, nil
}

func sum(x []float64) float64 {
	var s float64
	for _, v := range x {
		s += v
	}
	return s
}

// Sheet renders the report as a table.
func (r *Report) Sheet() tabular.Sheet {
	s := tabular.Sheet{
		Name:   "Validation",
		Header: []string{"Rama_Code", "Industry_Name", "Correlation_with_Sec" + r.Sector, "National_Share_Pct", "Verdict"},
	}
	for _, res := range r.Results {
		s.Rows = append(s.Rows, []string{
			res.Rama.Code,
			res.Rama.Name,
			round(res.Correlation, 4),
			round(res.Share, 2),
			res.Verdict,
		})
	}
	return s
}

func round(v float64, places int) string {
	if math.IsNaN(v) {
		return ""
	}
	p := math.Pow(10, float64(places))
	return strconv.FormatFloat(math.Round(v*p)/p, 'f', -1, 64)
}

// Write saves the report as CSV and, when xlsxPath is set, as a workbook.
func (r *Report) Write(csvPath, xlsxPath string) error {
	s := r.Sheet()
	if err := tabular.WriteCSV(csvPath, s.Header, s.Rows); err != nil {
		return eris.Wrap(err, "validate: write table")
	}
	if xlsxPath != "" {
		if err := tabular.WriteXLSX(xlsxPath, s); err != nil {
			return eris.Wrap(err, "validate: write workbook")
		}
	}
	return nil
}
