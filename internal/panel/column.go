// Package panel holds grid-keyed wide tables and the joins that build the master panel.
package panel

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// Column identifies a panel column by what it measures rather than by its
// flattened name. A column with BaseYear set is a change between BaseYear
// and Year.
type Column struct {
	Variable string
	Sector   string
	Year     int
	BaseYear int
}

// Name flattens the column to its CSV header:
// {variable}_{sector}_{year}, {variable}_{year}, or for changes
// {variable}[_{sector}]_{yy}_{yy}. Columns without a year keep the bare
// variable (with sector when set).
func (c Column) Name() string {
	var b strings.Builder
	b.WriteString(c.Variable)
	if c.Sector != "" {
		b.WriteByte('_')
		b.WriteString(c.Sector)
	}
	switch {
	case c.BaseYear != 0:
		fmt.Fprintf(&b, "_%02d_%02d", c.BaseYear%100, c.Year%100)
	case c.Year != 0:
		fmt.Fprintf(&b, "_%d", c.Year)
	}
	return b.String()
}

// Stem is the name without the year part, used as the variable name of the
// long panel.
func (c Column) Stem() string {
	return Column{Variable: c.Variable, Sector: c.Sector}.Name()
}

func (c Column) String() string { return c.Name() }

// ParseColumn inverts Name. A trailing four-digit token is the year; two
// trailing two-digit tokens are a change between years of this century.
// A two-digit numeric token just before the year part is the sector.
func ParseColumn(name string) (Column, error) {
	parts := strings.Split(strings.TrimSpace(name), "_")
	if len(parts) == 0 || parts[0] == "" {
		return Column{}, eris.Errorf("panel: empty column name")
	}

	var c Column
	n := len(parts)
	switch {
	case n >= 3 && isDigits(parts[n-1], 2) && isDigits(parts[n-2], 2):
		base, _ := strconv.Atoi(parts[n-2])
		year, _ := strconv.Atoi(parts[n-1])
		c.BaseYear, c.Year = 2000+base, 2000+year
		parts = parts[:n-2]
	case n >= 2 && isDigits(parts[n-1], 4):
		c.Year, _ = strconv.Atoi(parts[n-1])
		parts = parts[:n-1]
	}

	if n := len(parts); n >= 2 && isDigits(parts[n-1], 2) {
		c.Sector = parts[n-1]
		parts = parts[:n-1]
	}
	c.Variable = strings.Join(parts, "_")
	if c.Variable == "" {
		return Column{}, eris.Errorf("panel: column %q has no variable", name)
	}
	return c, nil
}

func isDigits(s string, width int) bool {
	if len(s) != width {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Variables of the panel.
const (
	ClusterCount  = "cluster_n"
	ClusterFlag   = "is_cluster"
	ClusterGrowth = "cluster_growth"
	Count         = "count"
	Weight        = "weight"
	Growth        = "growth"
)
