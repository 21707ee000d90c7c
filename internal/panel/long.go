package panel

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

// LongRow is one (grid_id, year) observation.
type LongRow struct {
	GridID string
	Year   int
	Values []float64
}

// Long is the panel reshaped to one row per grid cell and year, with
// variables named by column stem (count_33, is_cluster, ...).
type Long struct {
	Variables []string
	Rows      []LongRow
	index     map[string]int
}

// Var returns the position of a variable or -1.
func (l *Long) Var(name string) int {
	if l.index == nil {
		l.index = make(map[string]int, len(l.Variables))
		for i, v := range l.Variables {
			l.index[v] = i
		}
	}
	if i, ok := l.index[name]; ok {
		return i
	}
	return -1
}

// ToLong reshapes f for the given years. Year-suffixed columns become
// variables named by their stem; columns without a year are repeated on
// every row; change columns are left out. A stem with no column for some
// year reads as zero on that year's rows, and is logged.
func ToLong(f *Frame, years []int) (*Long, error) {
	if len(years) == 0 {
		return nil, eris.New("panel: reshape needs at least one year")
	}

	l := &Long{}
	stems := make(map[string]int)
	byYear := make(map[int]map[int][]float64) // year -> variable -> values
	for _, c := range f.cols {
		if c.BaseYear != 0 {
			continue
		}
		if c.Year != 0 && !slices.Contains(years, c.Year) {
			continue
		}
		stem := c.Stem()
		v, ok := stems[stem]
		if !ok {
			v = len(l.Variables)
			stems[stem] = v
			l.Variables = append(l.Variables, stem)
		}
		vals, _ := f.Values(c)
		if c.Year == 0 {
			for _, y := range years {
				setLong(byYear, y, v, vals)
			}
			continue
		}
		setLong(byYear, c.Year, v, vals)
	}

	var missing int
	l.Rows = make([]LongRow, 0, f.Len()*len(years))
	for i, key := range f.keys {
		for _, y := range years {
			row := LongRow{GridID: key, Year: y, Values: make([]float64, len(l.Variables))}
			for v := range l.Variables {
				vals, ok := byYear[y][v]
				if !ok {
					if i == 0 {
						missing++
					}
					continue
				}
				row.Values[v] = vals[i]
			}
			l.Rows = append(l.Rows, row)
		}
	}

	if missing > 0 {
		zap.L().Info("panel: variables absent for some years read as zero",
			zap.Int("variable_years", missing),
		)
	}
	return l, nil
}

func setLong(m map[int]map[int][]float64, year, v int, vals []float64) {
	if m[year] == nil {
		m[year] = make(map[int][]float64)
	}
	m[year][v] = vals
}

// WriteCSV writes grid_id, year and the variables.
func (l *Long) WriteCSV(path string) error {
	header := append([]string{KeyColumn, "year"}, l.Variables...)
	rows := make([][]string, len(l.Rows))
	for i, r := range l.Rows {
		row := make([]string, 0, len(header))
		row = append(row, r.GridID, strconv.Itoa(r.Year))
		for _, v := range r.Values {
			row = append(row, strconv.FormatFloat(v, 'g', -1, 64))
		}
		rows[i] = row
	}
	if err := tabular.WriteCSV(path, header, rows); err != nil {
		return eris.Wrap(err, "panel: write long")
	}
	return nil
}

// ReadLongCSV reads a file written by Long.WriteCSV. Empty and NaN cells
// read as zero.
func ReadLongCSV(ctx context.Context, path string) (*Long, error) {
	tbl, err := tabular.ReadCSV(ctx, path, tabular.CSVOptions{})
	if err != nil {
		return nil, eris.Wrap(err, "panel: read long")
	}
	idx, err := tbl.Require(KeyColumn, "year")
	if err != nil {
		return nil, eris.Wrapf(err, "panel: %s", path)
	}

	l := &Long{}
	var cols []int
	for j, h := range tbl.Header {
		if j == idx[0] || j == idx[1] {
			continue
		}
		l.Variables = append(l.Variables, h)
		cols = append(cols, j)
	}

	var empty int
	l.Rows = make([]LongRow, 0, len(tbl.Rows))
	for n, row := range tbl.Rows {
		year, err := strconv.Atoi(keys.ID(tabular.Cell(row, idx[1])))
		if err != nil {
			return nil, eris.Wrapf(err, "panel: %s row %d year", path, n+2)
		}
		r := LongRow{GridID: keys.ID(tabular.Cell(row, idx[0])), Year: year, Values: make([]float64, len(cols))}
		for v, j := range cols {
			cell := tabular.Cell(row, j)
			if cell == "" {
				empty++
				continue
			}
			x, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, eris.Wrapf(err, "panel: %s row %d column %s", path, n+2, l.Variables[v])
			}
			if math.IsNaN(x) {
				empty++
				continue
			}
			r.Values[v] = x
		}
		l.Rows = append(l.Rows, r)
	}

	if empty > 0 {
		zap.L().Warn("panel: empty cells read as zero", zap.String("path", path), zap.Int("cells", empty))
	}
	return l, nil
}
