package tabular

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectRows(t *testing.T, rowCh <-chan []string, errCh <-chan error) ([][]string, error) {
	t.Helper()
	var rows [][]string
	for row := range rowCh {
		rows = append(rows, row)
	}
	for err := range errCh {
		if err != nil {
			return rows, err
		}
	}
	return rows, nil
}

func TestStreamCSV_Basic(t *testing.T) {
	input := "a,b,c\n1,2,3\n4,5,6\n"
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(input), CSVOptions{})
	rows, err := collectRows(t, rowCh, errCh)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"a", "b", "c"}, rows[0])
	assert.Equal(t, []string{"4", "5", "6"}, rows[2])
}

func TestStreamCSV_WithHeader(t *testing.T) {
	input := "grid_id,count\n1,2\n2,0\n"
	headerCh := make(chan []string, 1)

	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(input), CSVOptions{
		HasHeader: true,
		HeaderCh:  headerCh,
	})
	rows, err := collectRows(t, rowCh, errCh)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"grid_id", "count"}, <-headerCh)
}

func TestStreamCSV_Latin1(t *testing.T) {
	// "Querétaro" with é encoded as 0xE9.
	input := []byte("name\nQuer\xe9taro\n")
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader(string(input)), CSVOptions{
		HasHeader: true,
		Encoding:  "latin1",
	})
	rows, err := collectRows(t, rowCh, errCh)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Querétaro", rows[0][0])
}

func TestStreamCSV_UnsupportedEncoding(t *testing.T) {
	rowCh, errCh := StreamCSV(context.Background(), strings.NewReader("a\n"), CSVOptions{Encoding: "ebcdic"})
	_, err := collectRows(t, rowCh, errCh)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported encoding")
}

func TestReadWriteCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	require.NoError(t, WriteCSV(path, []string{"grid_id", "Value"}, [][]string{{"1", "10"}, {"2", ""}}))

	tbl, err := ReadCSV(context.Background(), path, CSVOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"grid_id", "Value"}, tbl.Header)
	assert.Len(t, tbl.Rows, 2)
	assert.Equal(t, 1, tbl.Column("value"))
	assert.Equal(t, -1, tbl.Column("missing"))

	idx, err := tbl.Require("grid_id", "value")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, idx)

	_, err = tbl.Require("rama")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"rama"`)
}

func TestReadCSV_BOMAndEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bom.csv")
	require.NoError(t, os.WriteFile(path, []byte("\ufeffgrid_id,x\n7,1.5\n"), 0o644))

	tbl, err := ReadCSV(context.Background(), path, CSVOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, tbl.Column("grid_id"))

	empty := filepath.Join(dir, "empty.csv")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	_, err = ReadCSV(context.Background(), empty, CSVOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no header row")
}

func TestCell(t *testing.T) {
	assert.Equal(t, "b", Cell([]string{"a", "b"}, 1))
	assert.Equal(t, "", Cell([]string{"a"}, 3))
	assert.Equal(t, "", Cell([]string{"a"}, -1))
}

func TestWriteReadXLSX(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tables.xlsx")
	err := WriteXLSX(path, Sheet{
		Name:   "Table 1",
		Header: []string{"variable", "coeff"},
		Rows:   [][]string{{"X_Cluster", "0.25"}},
	})
	require.NoError(t, err)

	rows, err := ReadXLSX(path, "Table 1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "X_Cluster", rows[1][0])

	_, err = ReadXLSX(path, "missing")
	require.Error(t, err)
}

func TestReadTable(t *testing.T) {
	dir := t.TempDir()
	xlsxPath := filepath.Join(dir, "t.XLSX")
	require.NoError(t, WriteXLSX(xlsxPath, Sheet{Name: "S", Header: []string{"a", "b"}, Rows: [][]string{{"x ", "2"}}}))

	tbl, err := ReadTable(context.Background(), xlsxPath, "", CSVOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, tbl.Header)
	assert.Equal(t, [][]string{{"x", "2"}}, tbl.Rows)
	assert.Equal(t, 1, tbl.Column("B"))

	csvPath := filepath.Join(dir, "t.csv")
	require.NoError(t, WriteCSV(csvPath, []string{"a"}, [][]string{{"1"}}))
	tbl, err = ReadTable(context.Background(), csvPath, "ignored", CSVOptions{})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"1"}}, tbl.Rows)

	_, err = ReadTable(context.Background(), xlsxPath, "missing", CSVOptions{})
	require.Error(t, err)
}

func TestWriteXLSX_NoSheets(t *testing.T) {
	err := WriteXLSX(filepath.Join(t.TempDir(), "x.xlsx"))
	require.Error(t, err)
}
