package regress

import (
	"context"
	"math"
	"slices"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/sells-group/nearshore-cli/internal/grid"
	"github.com/sells-group/nearshore-cli/internal/keys"
	"github.com/sells-group/nearshore-cli/internal/panel"
	"github.com/sells-group/nearshore-cli/internal/spatial"
	"github.com/sells-group/nearshore-cli/internal/tabular"
)

// Regressor names.
const (
	Intercept     = "Intercept"
	XUSATrend     = "X_USA_Trend"
	XCDMXTrend    = "X_CDMX_Trend"
	XPortTrend    = "X_Port_Trend"
	XCluster      = "X_Cluster"
	WXCluster     = "W_X_Cluster"
	yearDummyStem = "year_"
)

// Design is a regression problem: outcome, regressors and cluster labels.
type Design struct {
	Names  []string
	X      *mat.Dense
	Y      []float64
	Groups []string // nil for unclustered standard errors
}

func (d *Design) check() (n, k int, err error) {
	if d == nil || d.X == nil {
		return 0, 0, eris.New("regress: empty design")
	}
	n, k = d.X.Dims()
	if n != len(d.Y) {
		return 0, 0, eris.Errorf("regress: %d rows with %d outcomes", n, len(d.Y))
	}
	if d.Groups != nil && len(d.Groups) != n {
		return 0, 0, eris.Errorf("regress: %d rows with %d cluster labels", n, len(d.Groups))
	}
	if n <= k {
		return 0, 0, eris.Errorf("regress: %d observations for %d regressors", n, k)
	}
	return n, k, nil
}

// Drop returns a copy of d without the named regressor.
func (d *Design) Drop(name string) *Design {
	j := slices.Index(d.Names, name)
	if j < 0 {
		return d
	}
	n, k := d.X.Dims()
	x := mat.NewDense(n, k-1, nil)
	for i := range n {
		src := d.X.RawRowView(i)
		dst := x.RawRowView(i)
		copy(dst, src[:j])
		copy(dst[j:], src[j+1:])
	}
	return &Design{
		Names:  slices.Delete(slices.Clone(d.Names), j, j+1),
		X:      x,
		Y:      d.Y,
		Groups: d.Groups,
	}
}

// Site holds the time-invariant covariates of a grid cell.
type Site struct {
	DistUSA  float64 // km
	DistCDMX float64 // km
	DistPort float64 // km
	X, Y     float64
	HasCoord bool
}

// Sites maps grid ids to their covariates.
type Sites map[string]Site

// Site covariate columns.
const (
	DistUSAColumn  = "dist_usa_km"
	DistCDMXColumn = "dist_cdmx_km"
	DistPortColumn = "dist_port_km"
	XCoordColumn   = "x_coord"
	YCoordColumn   = "y_coord"
)

// LoadSites reads grid_id and the distance columns, plus x_coord and
// y_coord when present. A file with one row per cell and year is accepted;
// the first row of each cell wins.
func LoadSites(ctx context.Context, path string) (Sites, error) {
	tbl, err := tabular.ReadCSV(ctx, path, tabular.CSVOptions{})
	if err != nil {
		return nil, eris.Wrap(err, "regress: read sites")
	}
	idx, err := tbl.Require(panel.KeyColumn, DistUSAColumn, DistCDMXColumn, DistPortColumn)
	if err != nil {
		return nil, eris.Wrapf(err, "regress: %s", path)
	}
	xc, yc := tbl.Column(XCoordColumn), tbl.Column(YCoordColumn)
	hasCoord := xc >= 0 && yc >= 0

	sites := make(Sites)
	var bad int
	for n, row := range tbl.Rows {
		id := keys.ID(tabular.Cell(row, idx[0]))
		if _, seen := sites[id]; seen {
			continue
		}
		var s Site
		vals := []*float64{&s.DistUSA, &s.DistCDMX, &s.DistPort}
		cols := idx[1:]
		if hasCoord {
			vals = append(vals, &s.X, &s.Y)
			cols = append(slices.Clone(cols), xc, yc)
		}
		ok := true
		for v, j := range cols {
			x, err := strconv.ParseFloat(tabular.Cell(row, j), 64)
			if err != nil || math.IsNaN(x) {
				ok = false
				break
			}
			*vals[v] = x
		}
		if !ok {
			bad++
			zap.L().Debug("regress: site row skipped", zap.Int("row", n+2))
			continue
		}
		s.HasCoord = hasCoord
		sites[id] = s
	}
	if bad > 0 {
		zap.L().Warn("regress: site rows with missing covariates skipped",
			zap.String("path", path), zap.Int("rows", bad))
	}
	return sites, nil
}

// SitesFromLong takes the covariates from a long panel that carries them.
func SitesFromLong(l *panel.Long) (Sites, error) {
	cols := []int{l.Var(DistUSAColumn), l.Var(DistCDMXColumn), l.Var(DistPortColumn)}
	for i, c := range cols {
		if c < 0 {
			return nil, eris.Errorf("regress: long panel has no %s column",
				[]string{DistUSAColumn, DistCDMXColumn, DistPortColumn}[i])
		}
	}
	xc, yc := l.Var(XCoordColumn), l.Var(YCoordColumn)

	sites := make(Sites)
	for _, r := range l.Rows {
		if _, seen := sites[r.GridID]; seen {
			continue
		}
		s := Site{DistUSA: r.Values[cols[0]], DistCDMX: r.Values[cols[1]], DistPort: r.Values[cols[2]]}
		if xc >= 0 && yc >= 0 {
			s.X, s.Y, s.HasCoord = r.Values[xc], r.Values[yc], true
		}
		sites[r.GridID] = s
	}
	return sites, nil
}

// WithCentroids sets every site's coordinates to its grid cell centroid.
func (s Sites) WithCentroids(g *grid.Grid) Sites {
	var missing int
	for id, site := range s {
		c, ok := g.Cell(id)
		if !ok {
			missing++
			continue
		}
		site.X, site.Y, site.HasCoord = c.Centroid.X(), c.Centroid.Y(), true
		s[id] = site
	}
	if missing > 0 {
		zap.L().Warn("regress: sites not in grid keep their coordinates", zap.Int("sites", missing))
	}
	return s
}

// Options configures design construction.
type Options struct {
	Sector    string
	TrendBase int
	// KNN is the neighbour count of the cluster spatial lag; 0 leaves it out.
	KNN int
	// Cluster requests grid-cell clustered standard errors.
	Cluster bool
}

// rows resolves the long rows that have site covariates.
func rows(l *panel.Long, sites Sites) []panel.LongRow {
	out := make([]panel.LongRow, 0, len(l.Rows))
	var dropped int
	for _, r := range l.Rows {
		if _, ok := sites[r.GridID]; !ok {
			dropped++
			continue
		}
		out = append(out, r)
	}
	if dropped > 0 {
		zap.L().Warn("regress: panel rows without site covariates dropped", zap.Int("rows", dropped))
	}
	return out
}

// clusterVar finds the cluster flag: is_cluster_{sector} when the panel has
// per-sector flags, else is_cluster.
func clusterVar(l *panel.Long, sector string) (int, error) {
	if i := l.Var(panel.ClusterFlag + "_" + sector); i >= 0 {
		return i, nil
	}
	if i := l.Var(panel.ClusterFlag); i >= 0 {
		return i, nil
	}
	return -1, eris.Errorf("regress: long panel has no %s column", panel.ClusterFlag)
}

func requireVar(l *panel.Long, name string) (int, error) {
	i := l.Var(name)
	if i < 0 {
		return -1, eris.Errorf("regress: long panel has no %s column", name)
	}
	return i, nil
}

// Counts builds the establishment count design: count_{sector} on the
// distance-trend interactions, the cluster flag, its spatial lag when
// opts.KNN > 0 and year effects.
func Counts(l *panel.Long, sites Sites, opts Options) (*Design, error) {
	yv, err := requireVar(l, panel.Count+"_"+opts.Sector)
	if err != nil {
		return nil, err
	}
	cv, err := clusterVar(l, opts.Sector)
	if err != nil {
		return nil, err
	}
	rs := rows(l, sites)

	var lag []float64
	if opts.KNN > 0 {
		lag, err = clusterLag(rs, sites, cv, opts.KNN)
		if err != nil {
			return nil, err
		}
	}

	y := make([]float64, len(rs))
	for i, r := range rs {
		y[i] = r.Values[yv]
	}
	return build(rs, sites, cv, lag, y, opts), nil
}

// Intensity builds the capital intensity design over active cells:
// ln(machinery/labor + 1) for rows with establishments and positive labor.
func Intensity(l *panel.Long, sites Sites, opts Options) (*Design, error) {
	nv, err := requireVar(l, panel.Count+"_"+opts.Sector)
	if err != nil {
		return nil, err
	}
	kv, err := requireVar(l, "machinery_"+opts.Sector)
	if err != nil {
		return nil, err
	}
	lv, err := requireVar(l, "labor_total_"+opts.Sector)
	if err != nil {
		return nil, err
	}
	cv, err := clusterVar(l, opts.Sector)
	if err != nil {
		return nil, err
	}

	var active []panel.LongRow
	var y []float64
	var noLabor int
	for _, r := range rows(l, sites) {
		if r.Values[nv] <= 0 {
			continue
		}
		if r.Values[lv] == 0 {
			noLabor++
			continue
		}
		active = append(active, r)
		y = append(y, math.Log(r.Values[kv]/r.Values[lv]+1))
	}
	if noLabor > 0 {
		zap.L().Info("regress: active cells without labor dropped", zap.Int("rows", noLabor))
	}
	return build(active, sites, cv, nil, y, opts), nil
}

// build lays out the regressors: intercept, year effects (first year is the
// reference), the trend interactions, the cluster flag and its lag.
func build(rs []panel.LongRow, sites Sites, cv int, lag, y []float64, opts Options) *Design {
	var years []int
	for _, r := range rs {
		if !slices.Contains(years, r.Year) {
			years = append(years, r.Year)
		}
	}
	slices.Sort(years)

	names := []string{Intercept}
	if len(years) > 1 {
		for _, yr := range years[1:] {
			names = append(names, yearDummyStem+strconv.Itoa(yr))
		}
	}
	names = append(names, XUSATrend, XCDMXTrend, XPortTrend, XCluster)
	if lag != nil {
		names = append(names, WXCluster)
	}

	d := &Design{Names: names, Y: y}
	if len(rs) == 0 {
		return d
	}
	d.X = mat.NewDense(len(rs), len(names), nil)
	if opts.Cluster {
		d.Groups = make([]string, len(rs))
	}
	for i, r := range rs {
		s := sites[r.GridID]
		trend := float64(r.Year - opts.TrendBase)
		row := d.X.RawRowView(i)
		row[0] = 1
		j := 1
		for _, yr := range years[1:] {
			if r.Year == yr {
				row[j] = 1
			}
			j++
		}
		row[j] = s.DistUSA / 100 * trend
		row[j+1] = s.DistCDMX / 100 * trend
		row[j+2] = s.DistPort / 100 * trend
		row[j+3] = r.Values[cv]
		if lag != nil {
			row[j+4] = lag[i]
		}
		if d.Groups != nil {
			d.Groups[i] = r.GridID
		}
	}
	return d
}

// clusterLag returns, per row, the mean cluster flag of the cell's k nearest
// cells in the same year. Cells are the distinct grid ids of rs.
func clusterLag(rs []panel.LongRow, sites Sites, cv, k int) ([]float64, error) {
	pos := make(map[string]int)
	var coords []geom.Coord
	for _, r := range rs {
		if _, ok := pos[r.GridID]; ok {
			continue
		}
		s := sites[r.GridID]
		if !s.HasCoord {
			return nil, eris.Errorf("regress: cell %s has no coordinates for the spatial lag", r.GridID)
		}
		pos[r.GridID] = len(coords)
		coords = append(coords, geom.Coord{s.X, s.Y})
	}
	w, err := spatial.KNN(coords, k)
	if err != nil {
		return nil, eris.Wrap(err, "regress: spatial weights")
	}

	byYear := make(map[int][]float64)
	for _, r := range rs {
		x, ok := byYear[r.Year]
		if !ok {
			x = make([]float64, len(coords))
			byYear[r.Year] = x
		}
		x[pos[r.GridID]] = r.Values[cv]
	}
	lags := make(map[int][]float64, len(byYear))
	for yr, x := range byYear {
		if lags[yr], err = w.Lag(x); err != nil {
			return nil, eris.Wrap(err, "regress: spatial lag")
		}
	}

	out := make([]float64, len(rs))
	for i, r := range rs {
		out[i] = lags[r.Year][pos[r.GridID]]
	}
	return out, nil
}
