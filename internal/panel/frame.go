package panel

import (
	"math"

	"github.com/rotisserie/eris"
)

var (
	// ErrUnknownKey is returned when a grid_id is not a row of the frame.
	ErrUnknownKey = eris.New("panel: unknown grid_id")
	// ErrDuplicateKey is returned when a key set repeats a grid_id.
	ErrDuplicateKey = eris.New("panel: duplicate grid_id")
	// ErrColumnExists is returned when a column would be added twice.
	ErrColumnExists = eris.New("panel: column already exists")
)

// Kind is the storage kind of a column at the file boundary.
type Kind int

const (
	// Float columns are written with full precision.
	Float Kind = iota
	// Integer columns hold counts and flags and are written without decimals.
	Integer
)

// Frame is a table of float64 columns keyed by grid_id, with rows in a
// fixed key order.
type Frame struct {
	keys   []string
	rows   map[string]int
	cols   []Column
	kinds  []Kind
	byCol  map[Column]int
	values [][]float64
}

// NewFrame returns an empty frame over keys, in the given order.
func NewFrame(keys []string) (*Frame, error) {
	f := &Frame{
		keys:  append([]string(nil), keys...),
		rows:  make(map[string]int, len(keys)),
		byCol: make(map[Column]int),
	}
	for i, k := range f.keys {
		if _, dup := f.rows[k]; dup {
			return nil, eris.Wrapf(ErrDuplicateKey, "grid_id %s", k)
		}
		f.rows[k] = i
	}
	return f, nil
}

// Len returns the number of rows.
func (f *Frame) Len() int { return len(f.keys) }

// Keys returns the row keys in order. The slice must not be modified.
func (f *Frame) Keys() []string { return f.keys }

// Columns returns the columns in insertion order.
func (f *Frame) Columns() []Column { return append([]Column(nil), f.cols...) }

// Row returns the position of key.
func (f *Frame) Row(key string) (int, bool) {
	i, ok := f.rows[key]
	return i, ok
}

// Kind returns the kind of column c.
func (f *Frame) Kind(c Column) Kind {
	if j, ok := f.byCol[c]; ok {
		return f.kinds[j]
	}
	return Float
}

// AddColumn appends a zero-filled column and returns its values for the
// caller to fill in row order.
func (f *Frame) AddColumn(c Column, kind Kind) ([]float64, error) {
	if _, ok := f.byCol[c]; ok {
		return nil, eris.Wrapf(ErrColumnExists, "%s", c.Name())
	}
	v := make([]float64, len(f.keys))
	f.byCol[c] = len(f.cols)
	f.cols = append(f.cols, c)
	f.kinds = append(f.kinds, kind)
	f.values = append(f.values, v)
	return v, nil
}

// Values returns the values of column c in row order.
func (f *Frame) Values(c Column) ([]float64, bool) {
	j, ok := f.byCol[c]
	if !ok {
		return nil, false
	}
	return f.values[j], true
}

// Set assigns the value of column c at key. Integer columns round to the
// nearest whole number.
func (f *Frame) Set(key string, c Column, v float64) error {
	i, ok := f.rows[key]
	if !ok {
		return eris.Wrapf(ErrUnknownKey, "grid_id %s", key)
	}
	j, ok := f.byCol[c]
	if !ok {
		return eris.Errorf("panel: no column %s", c.Name())
	}
	if f.kinds[j] == Integer {
		v = math.Round(v)
	}
	f.values[j][i] = v
	return nil
}

// Value returns the value of column c at key.
func (f *Frame) Value(key string, c Column) (float64, bool) {
	i, ok := f.rows[key]
	if !ok {
		return 0, false
	}
	j, ok := f.byCol[c]
	if !ok {
		return 0, false
	}
	return f.values[j][i], true
}

// Years returns the distinct years of the frame's columns in first-seen order.
func (f *Frame) Years() []int {
	seen := make(map[int]struct{})
	var out []int
	for _, c := range f.cols {
		if c.Year == 0 || c.BaseYear != 0 {
			continue
		}
		if _, ok := seen[c.Year]; ok {
			continue
		}
		seen[c.Year] = struct{}{}
		out = append(out, c.Year)
	}
	return out
}
