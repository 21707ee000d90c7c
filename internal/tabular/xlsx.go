package tabular

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// Sheet is one worksheet of an exported workbook.
type Sheet struct {
	Name   string
	Header []string
	Rows   [][]string
}

// WriteXLSX writes the sheets to a new workbook at path. Cells that parse as
// numbers are stored as numbers so the tables stay sortable in Excel.
func WriteXLSX(path string, sheets ...Sheet) error {
	if len(sheets) == 0 {
		return eris.New("xlsx: no sheets to write")
	}

	f := xlsx.NewFile()
	for _, s := range sheets {
		sheet, err := f.AddSheet(s.Name)
		if err != nil {
			return eris.Wrapf(err, "xlsx: add sheet %q", s.Name)
		}
		writeRow(sheet.AddRow(), s.Header)
		for _, r := range s.Rows {
			writeRow(sheet.AddRow(), r)
		}
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "xlsx: save %s", path)
	}
	return nil
}

// ReadXLSX reads a sheet by name (or the first sheet) and returns all rows as string slices.
func ReadXLSX(path, sheetName string) ([][]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}

	var sheet *xlsx.Sheet
	if sheetName != "" {
		s, ok := f.Sheet[sheetName]
		if !ok {
			return nil, eris.Errorf("xlsx: sheet %q not found", sheetName)
		}
		sheet = s
	} else {
		if len(f.Sheets) == 0 {
			return nil, eris.Errorf("xlsx: %s has no sheets", path)
		}
		sheet = f.Sheets[0]
	}

	rows := make([][]string, 0, len(sheet.Rows))
	for _, row := range sheet.Rows {
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		rows = append(rows, cells)
	}
	return rows, nil
}

// ReadTable reads a header-first table from a CSV or, by extension, an
// XLSX workbook. sheet selects the worksheet; empty means the first.
func ReadTable(ctx context.Context, path, sheet string, opts CSVOptions) (*Table, error) {
	if !strings.EqualFold(filepath.Ext(path), ".xlsx") {
		return ReadCSV(ctx, path, opts)
	}
	rows, err := ReadXLSX(path, sheet)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, eris.Errorf("xlsx: %s has no header row", path)
	}
	t := &Table{Header: rows[0]}
	for _, r := range rows[1:] {
		for i := range r {
			r[i] = strings.TrimSpace(r[i])
		}
		t.Rows = append(t.Rows, r)
	}
	return t, nil
}

func writeRow(row *xlsx.Row, values []string) {
	for _, v := range values {
		cell := row.AddCell()
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cell.SetFloat(f)
			continue
		}
		cell.SetString(v)
	}
}
