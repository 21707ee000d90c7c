// Package dasymetric distributes municipality census totals to grid cells in
// proportion to each cell's share of the municipality's establishments.
package dasymetric

import (
	"math"
	"slices"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/nearshore-cli/internal/census"
	"github.com/sells-group/nearshore-cli/internal/panel"
	"github.com/sells-group/nearshore-cli/internal/spatialkey"
)

// Tolerances of the conservation checks.
const (
	WeightTolerance = 1e-9
	ValueTolerance  = 1e-6
)

// Input is everything one analysis year's redistribution needs.
type Input struct {
	Year int
	// Vintage selects the boundary vintage column of the key table.
	Vintage string
	// Keys is the canonical grid key set.
	Keys []string
	// Counts holds count_{sector}_{year} for the year.
	Counts   *panel.Frame
	Sectors  []string
	KeyTable *spatialkey.Table
	Totals   *census.Totals
}

// Group is the outcome for one municipality and sector.
type Group struct {
	Municipality string
	Sector       string
	Cells        int
	Count        float64
	// HasTotals is false when the census had no entry for the group.
	HasTotals   bool
	Totals      []float64
	WeightSum   float64
	Distributed []float64
}

// Result is one year's redistribution.
type Result struct {
	Year int
	// Frame has a row per resolved cell with {variable}_{sector}_{year} and
	// weight_{sector}_{year} columns.
	Frame *panel.Frame
	// Unresolved lists cells with no municipality under the vintage; they
	// are excluded from Frame.
	Unresolved []string
	// MissingTotals counts groups with establishments but no census entry.
	MissingTotals int
	// MissingCounts lists sectors without a count column for the year.
	MissingCounts []string
	// Orphaned counts census groups of the year whose municipality has no
	// grid cell; their totals are not distributed.
	Orphaned int
	Groups   []Group
}

// Redistribute runs the weighting for every (municipality, sector) of one year.
func Redistribute(in Input) (*Result, error) {
	if in.Counts == nil || in.KeyTable == nil || in.Totals == nil {
		return nil, eris.New("dasymetric: counts, key table and census totals are required")
	}
	log := zap.L().With(
		zap.String("component", "dasymetric"),
		zap.Int("year", in.Year),
		zap.String("vintage", in.Vintage),
	)

	res := &Result{Year: in.Year}

	// Resolve each canonical cell to its municipality, in canonical order.
	var resolved []string
	var members []string // municipalities in first-seen order
	cells := make(map[string][]int)
	for _, id := range in.Keys {
		mun, ok := in.KeyTable.Lookup(id, in.Vintage)
		if !ok {
			res.Unresolved = append(res.Unresolved, id)
			continue
		}
		if _, seen := cells[mun]; !seen {
			members = append(members, mun)
		}
		cells[mun] = append(cells[mun], len(resolved))
		resolved = append(resolved, id)
	}
	if len(res.Unresolved) > 0 {
		log.Warn("cells without municipality key excluded", zap.Int("cells", len(res.Unresolved)))
	}

	f, err := panel.NewFrame(resolved)
	if err != nil {
		return nil, eris.Wrap(err, "dasymetric: frame")
	}
	res.Frame = f

	var absentRows int
	for _, sector := range in.Sectors {
		counts := make([]float64, len(resolved))
		src, ok := in.Counts.Values(panel.Column{Variable: panel.Count, Sector: sector, Year: in.Year})
		if !ok {
			res.MissingCounts = append(res.MissingCounts, sector)
		} else {
			for i, id := range resolved {
				r, ok := in.Counts.Row(id)
				if !ok {
					absentRows++
					continue
				}
				counts[i] = src[r]
			}
		}

		outs := make([][]float64, len(in.Totals.Variables))
		for v, name := range in.Totals.Variables {
			col, err := f.AddColumn(panel.Column{Variable: name, Sector: sector, Year: in.Year}, panel.Float)
			if err != nil {
				return nil, eris.Wrap(err, "dasymetric: add column")
			}
			outs[v] = col
		}
		weights, err := f.AddColumn(panel.Column{Variable: panel.Weight, Sector: sector, Year: in.Year}, panel.Float)
		if err != nil {
			return nil, eris.Wrap(err, "dasymetric: add column")
		}

		for _, mun := range members {
			g := distribute(mun, sector, in, cells[mun], counts, weights, outs)
			if g.Count > 0 && !g.HasTotals {
				res.MissingTotals++
			}
			res.Groups = append(res.Groups, g)
		}
	}

	for _, k := range in.Totals.Keys() {
		if k.Year == in.Year && cells[k.Municipality] == nil && slices.Contains(in.Sectors, k.Sector) {
			res.Orphaned++
		}
	}
	if res.Orphaned > 0 {
		log.Warn("census totals for municipalities without grid cells", zap.Int("groups", res.Orphaned))
	}
	if len(res.MissingCounts) > 0 {
		log.Warn("no establishment counts for sectors, distributed values are zero",
			zap.Strings("sectors", res.MissingCounts))
	}
	if absentRows > 0 {
		log.Warn("cells absent from the count panel read as zero establishments", zap.Int("cells", absentRows))
	}
	if res.MissingTotals > 0 {
		log.Warn("municipality-sectors without census totals, distributed values are zero",
			zap.Int("groups", res.MissingTotals))
	}
	log.Info("redistributed",
		zap.Int("cells", len(resolved)),
		zap.Int("municipalities", len(members)),
		zap.Int("groups", len(res.Groups)),
	)
	return res, nil
}

// distribute fills the weights and values of one municipality-sector.
func distribute(mun, sector string, in Input, rows []int, counts, weights []float64, outs [][]float64) Group {
	g := Group{Municipality: mun, Sector: sector, Cells: len(rows)}
	for _, i := range rows {
		g.Count += counts[i]
	}

	totals, ok := in.Totals.Get(in.Year, mun, sector)
	g.HasTotals = ok
	g.Totals = make([]float64, len(in.Totals.Variables))
	if ok {
		copy(g.Totals, totals)
	}
	g.Distributed = make([]float64, len(g.Totals))

	if g.Count == 0 {
		// No establishments: every weight and value stays zero.
		return g
	}
	for _, i := range rows {
		w := counts[i] / g.Count
		weights[i] = w
		g.WeightSum += w
		for v := range outs {
			x := g.Totals[v] * w
			outs[v][i] = x
			g.Distributed[v] += x
		}
	}
	return g
}

// Deviation is the worst conservation error of a result.
type Deviation struct {
	Weight float64
	Value  float64 // relative
}

// Deviations measures how far weights and distributed values stray from
// exact conservation. Groups with no establishments or no census entry are
// skipped; their values are zero by construction.
func (r *Result) Deviations() Deviation {
	var d Deviation
	for _, g := range r.Groups {
		if g.Count == 0 {
			continue
		}
		d.Weight = math.Max(d.Weight, math.Abs(g.WeightSum-1))
		if !g.HasTotals {
			continue
		}
		for v, total := range g.Totals {
			diff := math.Abs(g.Distributed[v] - total)
			if total != 0 {
				diff /= math.Abs(total)
			}
			d.Value = math.Max(d.Value, diff)
		}
	}
	return d
}

// Check returns an error when conservation fails beyond tolerance.
func (r *Result) Check() error {
	d := r.Deviations()
	if d.Weight > WeightTolerance {
		return eris.Errorf("dasymetric: year %d weights sum off by %g", r.Year, d.Weight)
	}
	if d.Value > ValueTolerance {
		return eris.Errorf("dasymetric: year %d distributed values off by %g relative", r.Year, d.Value)
	}
	return nil
}
