// Package census loads INEGI economic census records and aggregates them to
// municipality totals per analysis year and sector.
package census

import (
	"context"
	"math"
	"slices"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/nearshore-cli/internal/keys"
	"github.com/sells-group/nearshore-cli/internal/tabular"
)

// DefaultVariables are the economic quantities redistributed to the grid.
var DefaultVariables = []string{"value_added", "labor_total", "wages_total", "machinery", "computers"}

// DefaultYearMap maps census survey years to the analysis years they stand in for.
var DefaultYearMap = map[int]int{
	2008: 2010,
	2013: 2015,
	2018: 2019,
	2023: 2025,
}

// Record is one census row: a rama in a municipality in a survey year.
type Record struct {
	Rama         string
	Municipality string
	Year         int
	Values       []float64 // aligned with the loaded variables
}

// Sector returns the two-digit sector group of the record's rama.
func (r Record) Sector() string { return keys.Sector(r.Rama) }

// Data is a loaded census file.
type Data struct {
	Variables []string
	Records   []Record
}

// Options configures census loading.
type Options struct {
	Variables []string
	Encoding  string
	Sheet     string // worksheet of an .xlsx census; empty means the first
	KeyWidth  int
}

// Load reads census records with columns rama, cve_mun, year and the
// variables from a CSV or XLSX file. Empty or non-numeric values count as
// zero and are logged.
func Load(ctx context.Context, path string, opts Options) (*Data, error) {
	if len(opts.Variables) == 0 {
		opts.Variables = DefaultVariables
	}
	if opts.KeyWidth == 0 {
		opts.KeyWidth = keys.MunicipalityWidth
	}

	tbl, err := tabular.ReadTable(ctx, path, opts.Sheet, tabular.CSVOptions{Encoding: opts.Encoding})
	if err != nil {
		return nil, eris.Wrap(err, "census: read")
	}
	idx, err := tbl.Require(append([]string{"rama", "cve_mun", "year"}, opts.Variables...)...)
	if err != nil {
		return nil, eris.Wrapf(err, "census: %s", path)
	}

	d := &Data{Variables: append([]string(nil), opts.Variables...)}
	var badValues, badKeys int
	for n, row := range tbl.Rows {
		year, err := strconv.Atoi(keys.ID(tabular.Cell(row, idx[2])))
		if err != nil {
			return nil, eris.Wrapf(err, "census: %s row %d year", path, n+2)
		}
		mun := keys.Municipality(tabular.Cell(row, idx[1]), opts.KeyWidth)
		if mun == "" {
			badKeys++
			continue
		}
		rec := Record{
			Rama:         keys.ID(tabular.Cell(row, idx[0])),
			Municipality: mun,
			Year:         year,
			Values:       make([]float64, len(opts.Variables)),
		}
		for v := range opts.Variables {
			x, err := strconv.ParseFloat(tabular.Cell(row, idx[3+v]), 64)
			if err != nil || math.IsNaN(x) || math.IsInf(x, 0) {
				badValues++
				continue
			}
			rec.Values[v] = x
		}
		d.Records = append(d.Records, rec)
	}

	log := zap.L().With(zap.String("component", "census"), zap.String("path", path))
	if badKeys > 0 {
		log.Warn("census rows without municipality dropped", zap.Int("rows", badKeys))
	}
	if badValues > 0 {
		log.Warn("census values missing or non-numeric, counted as zero", zap.Int("values", badValues))
	}
	log.Info("census loaded", zap.Int("records", len(d.Records)))
	return d, nil
}

// Key identifies one municipality total.
type Key struct {
	Year         int
	Municipality string
	Sector       string
}

// Totals are census sums by analysis year, municipality and sector.
type Totals struct {
	Variables []string
	groups    map[Key][]float64
	// Unmapped counts records whose survey year has no analysis year.
	Unmapped int
}

// Get returns the totals of one group.
func (t *Totals) Get(year int, municipality, sector string) ([]float64, bool) {
	v, ok := t.groups[Key{Year: year, Municipality: municipality, Sector: sector}]
	return v, ok
}

// Keys returns the group keys in (year, municipality, sector) order.
func (t *Totals) Keys() []Key {
	out := make([]Key, 0, len(t.groups))
	for k := range t.groups {
		out = append(out, k)
	}
	slices.SortFunc(out, func(a, b Key) int {
		if a.Year != b.Year {
			return a.Year - b.Year
		}
		if a.Municipality != b.Municipality {
			if a.Municipality < b.Municipality {
				return -1
			}
			return 1
		}
		switch {
		case a.Sector < b.Sector:
			return -1
		case a.Sector > b.Sector:
			return 1
		}
		return 0
	})
	return out
}

// Len returns the number of groups.
func (t *Totals) Len() int { return len(t.groups) }

// Aggregate sums records by (analysis year, municipality, sector). Records
// whose survey year is not in yearMap are dropped and counted.
func Aggregate(d *Data, yearMap map[int]int) *Totals {
	t := &Totals{Variables: d.Variables, groups: make(map[Key][]float64)}
	for _, r := range d.Records {
		year, ok := yearMap[r.Year]
		if !ok {
			t.Unmapped++
			continue
		}
		k := Key{Year: year, Municipality: r.Municipality, Sector: r.Sector()}
		sums, ok := t.groups[k]
		if !ok {
			sums = make([]float64, len(d.Variables))
			t.groups[k] = sums
		}
		for v, x := range r.Values {
			sums[v] += x
		}
	}

	if t.Unmapped > 0 {
		zap.L().Warn("census: records with unmapped survey year dropped",
			zap.Int("records", t.Unmapped),
		)
	}
	return t
}
