package panel

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/nearshore-cli/internal/keys"
	"github.com/sells-group/nearshore-cli/internal/tabular"
)

// KeyColumn is the first column of every panel file.
const KeyColumn = "grid_id"

// FormatValue renders a value for its column kind.
func FormatValue(v float64, kind Kind) string {
	if kind == Integer {
		return strconv.FormatInt(int64(v), 10)
	}
	s := strconv.FormatFloat(v, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		// Keep whole floats recognisable as Float when read back.
		s += ".0"
	}
	return s
}

// WriteCSV writes the frame with grid_id first and columns in insertion order.
func WriteCSV(path string, f *Frame) error {
	header := make([]string, 0, len(f.cols)+1)
	header = append(header, KeyColumn)
	for _, c := range f.cols {
		header = append(header, c.Name())
	}

	rows := make([][]string, len(f.keys))
	for i, key := range f.keys {
		row := make([]string, 0, len(header))
		row = append(row, key)
		for j := range f.cols {
			row = append(row, FormatValue(f.values[j][i], f.kinds[j]))
		}
		rows[i] = row
	}
	if err := tabular.WriteCSV(path, header, rows); err != nil {
		return eris.Wrap(err, "panel: write")
	}
	return nil
}

// ReadCSV reads a panel file. Column kinds are inferred: a column whose
// cells are all written without a fraction or exponent is Integer. Empty
// and NaN cells are read as zero and counted.
func ReadCSV(ctx context.Context, path string) (*Frame, error) {
	tbl, err := tabular.ReadCSV(ctx, path, tabular.CSVOptions{})
	if err != nil {
		return nil, eris.Wrap(err, "panel: read")
	}
	keyIdx := tbl.Column(KeyColumn)
	if keyIdx < 0 {
		return nil, eris.Errorf("panel: %s has no %s column", path, KeyColumn)
	}

	ids := make([]string, len(tbl.Rows))
	for i, row := range tbl.Rows {
		ids[i] = keys.ID(tabular.Cell(row, keyIdx))
		if ids[i] == "" {
			return nil, eris.Errorf("panel: %s row %d has an empty %s", path, i+2, KeyColumn)
		}
	}
	f, err := NewFrame(ids)
	if err != nil {
		return nil, eris.Wrapf(err, "panel: %s", path)
	}

	var empty int
	for j, name := range tbl.Header {
		if j == keyIdx {
			continue
		}
		col, err := ParseColumn(name)
		if err != nil {
			return nil, eris.Wrapf(err, "panel: %s", path)
		}

		vals := make([]float64, len(tbl.Rows))
		integer := true
		for i, row := range tbl.Rows {
			cell := tabular.Cell(row, j)
			if cell == "" {
				empty++
				continue
			}
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, eris.Wrapf(err, "panel: %s row %d column %s", path, i+2, name)
			}
			if math.IsNaN(v) {
				empty++
				continue
			}
			if strings.ContainsAny(cell, ".eE") {
				integer = false
			}
			vals[i] = v
		}

		kind := Float
		if integer {
			kind = Integer
		}
		dst, err := f.AddColumn(col, kind)
		if err != nil {
			return nil, eris.Wrapf(err, "panel: %s", path)
		}
		copy(dst, vals)
	}

	if empty > 0 {
		zap.L().Warn("panel: empty cells read as zero",
			zap.String("path", path),
			zap.Int("cells", empty),
		)
	}
	return f, nil
}
