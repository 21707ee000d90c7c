package pipeline

import (
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/sells-group/nearshore-cli/internal/aggregate"
	"github.com/sells-group/nearshore-cli/internal/boundary"
	"github.com/sells-group/nearshore-cli/internal/census"
	"github.com/sells-group/nearshore-cli/internal/cluster"
	"github.com/sells-group/nearshore-cli/internal/config"
	"github.com/sells-group/nearshore-cli/internal/dasymetric"
	"github.com/sells-group/nearshore-cli/internal/db"
	"github.com/sells-group/nearshore-cli/internal/establishment"
	"github.com/sells-group/nearshore-cli/internal/grid"
	"github.com/sells-group/nearshore-cli/internal/panel"
	"github.com/sells-group/nearshore-cli/internal/publish"
	"github.com/sells-group/nearshore-cli/internal/regress"
	"github.com/sells-group/nearshore-cli/internal/spatialkey"
	"github.com/sells-group/nearshore-cli/internal/validate"
)

// Output file names, relative to the output directory.
const (
	ClustersFile      = "mexico_dbscan_clusters.csv"
	SectorsFile       = "mexico_panel_sectoral.csv"
	MasterFile        = "FINAL_MEXICO_MANUFACTURING_PANEL.csv"
	KeysFile          = "grid_municipality_keys.csv"
	FinalFile         = "FINAL_FULL_SPATIAL_ECONOMIC_PANEL.csv"
	LongFile          = "mexico_manufacturing_panel_long.csv"
	Table1File        = "Table_1_Regression_Results_Final"
	Table2File        = "Table_2_Capital_Intensity"
	ValidationFile    = "Appendix_Validation_Table"
	ManifestFile      = "manifest.yaml"
	redistributedFile = "redistributed_{year}.csv"
)

// RedistributedFile names the redistribution output of one year.
func RedistributedFile(year int) string {
	return strings.ReplaceAll(redistributedFile, "{year}", strconv.Itoa(year))
}

// Output describes what a stage wrote.
type Output struct {
	Path    string
	Rows    int
	Columns int
}

func frameOutput(path string, f *panel.Frame) Output {
	return Output{Path: path, Rows: f.Len(), Columns: len(f.Columns())}
}

func pointOptions(cfg config.Config) establishment.Options {
	return establishment.Options{
		Layer:      cfg.Establishments.Layer,
		RamaColumn: cfg.Establishments.RamaColumn,
		XColumn:    cfg.Establishments.XColumn,
		YColumn:    cfg.Establishments.YColumn,
		Encoding:   cfg.Establishments.Encoding,
	}
}

func loadGrid(ctx context.Context, stage string, cfg config.Config) (*grid.Grid, error) {
	path := cfg.Paths.Input(cfg.Paths.Grid)
	g, err := grid.Load(ctx, path, cfg.Paths.GridLayer)
	if err != nil {
		return nil, fail(stage, path, err)
	}
	return g, nil
}

// loadPoints returns the year's establishments and the file they came from.
func loadPoints(ctx context.Context, stage string, cfg config.Config, year int) ([]establishment.Point, string, error) {
	path := establishment.Path(cfg.Paths.Input(cfg.Paths.Points), year)
	pts, err := establishment.Load(ctx, path, year, pointOptions(cfg))
	if err != nil {
		return nil, path, fail(stage, path, err)
	}
	return pts, path, nil
}

func readFrame(ctx context.Context, stage, path string) (*panel.Frame, error) {
	f, err := panel.ReadCSV(ctx, path)
	if err != nil {
		return nil, fail(stage, path, err)
	}
	return f, nil
}

func writeFrame(stage, path string, f *panel.Frame) (Output, error) {
	if err := panel.WriteCSV(path, f); err != nil {
		return Output{}, fail(stage, path, err)
	}
	return frameOutput(path, f), nil
}

func ensureOutputDir(cfg config.Config) error {
	return eris.Wrap(os.MkdirAll(cfg.Paths.OutputDir, 0o755), "pipeline: create output dir")
}

// Clusters runs density clustering on every year's points and writes the
// per-cell cluster counts and flags, one pair of columns per year.
func Clusters(ctx context.Context, cfg config.Config) (Output, error) {
	const stage = config.StageClusters
	if err := prepare(stage, cfg); err != nil {
		return Output{}, err
	}
	g, err := loadGrid(ctx, stage, cfg)
	if err != nil {
		return Output{}, err
	}
	agg := aggregate.New(g)
	params := cluster.Params{
		Epsilon:    cfg.Cluster.Epsilon,
		MinSamples: cfg.Cluster.MinSamples,
		Workers:    cfg.Cluster.Workers,
	}

	frames := make([]*panel.Frame, 0, len(cfg.Panel.Years))
	for _, year := range cfg.Panel.Years {
		pts, path, err := loadPoints(ctx, stage, cfg, year)
		if err != nil {
			return Output{}, err
		}
		coords := make([]geom.Coord, len(pts))
		for i, p := range pts {
			coords[i] = geom.Coord{p.X, p.Y}
		}
		labels, err := cluster.DBSCAN(ctx, coords, params)
		if err != nil {
			return Output{}, fail(stage, path, eris.Wrapf(err, "year %d", year))
		}
		s := cluster.Summary(labels)
		zap.L().Info("pipeline: clusters detected",
			zap.Int("year", year),
			zap.Int("points", s.Points),
			zap.Int("clusters", s.Clusters),
			zap.Int("clustered", s.Clustered),
			zap.Int("noise", s.Noise),
		)

		counts, err := agg.Clusters(pts, labels)
		if err != nil {
			return Output{}, fail(stage, path, err)
		}
		zap.L().Debug("pipeline: cluster cells",
			zap.Int("year", year),
			zap.Int("cells", len(counts.Counts)),
			zap.Int("cell_hits", counts.Total()),
			zap.Int("outside", counts.Outside),
		)
		f, err := aggregate.ClusterFrame(year, counts)
		if err != nil {
			return Output{}, fail(stage, path, err)
		}
		frames = append(frames, f)
	}

	path := cfg.Paths.Output(ClustersFile)
	out, err := panel.Merge(g.IDs(), frames...)
	if err != nil {
		return Output{}, fail(stage, path, err)
	}
	return writeFrame(stage, path, out)
}

// Sectors counts every establishment per cell, sector and year. These
// counts are the redistribution weights.
func Sectors(ctx context.Context, cfg config.Config) (Output, error) {
	const stage = config.StageSectors
	if err := prepare(stage, cfg); err != nil {
		return Output{}, err
	}
	g, err := loadGrid(ctx, stage, cfg)
	if err != nil {
		return Output{}, err
	}
	agg := aggregate.New(g)

	frames := make([]*panel.Frame, 0, len(cfg.Panel.Years))
	for _, year := range cfg.Panel.Years {
		pts, path, err := loadPoints(ctx, stage, cfg, year)
		if err != nil {
			return Output{}, err
		}
		counts := agg.Sectors(pts, cfg.Panel.Sectors)
		f, err := aggregate.SectorFrame(year, cfg.Panel.Sectors, counts, g.IDs())
		if err != nil {
			return Output{}, fail(stage, path, err)
		}
		frames = append(frames, f)
	}

	path := cfg.Paths.Output(SectorsFile)
	out, err := panel.Merge(g.IDs(), frames...)
	if err != nil {
		return Output{}, fail(stage, path, err)
	}
	return writeFrame(stage, path, out)
}

// Merge joins the cluster and sector panels onto the canonical grid.
func Merge(ctx context.Context, cfg config.Config) (Output, error) {
	const stage = config.StageMerge
	if err := prepare(stage, cfg); err != nil {
		return Output{}, err
	}
	g, err := loadGrid(ctx, stage, cfg)
	if err != nil {
		return Output{}, err
	}
	clusters, err := readFrame(ctx, stage, cfg.Paths.Output(ClustersFile))
	if err != nil {
		return Output{}, err
	}
	sectors, err := readFrame(ctx, stage, cfg.Paths.Output(SectorsFile))
	if err != nil {
		return Output{}, err
	}
	path := cfg.Paths.Output(MasterFile)
	out, err := panel.Merge(g.IDs(), clusters, sectors)
	if err != nil {
		return Output{}, fail(stage, path, err)
	}
	return writeFrame(stage, path, out)
}

// Keys writes the grid-to-municipality key table: normalized from
// paths.keys when set, otherwise built from the boundary vintages the
// panel years use.
func Keys(ctx context.Context, cfg config.Config) (Output, error) {
	const stage = config.StageKeys
	if err := prepare(stage, cfg); err != nil {
		return Output{}, err
	}
	width := cfg.Panel.KeyWidth

	var t *spatialkey.Table
	if cfg.Paths.Keys != "" {
		path := cfg.Paths.Input(cfg.Paths.Keys)
		var err error
		if t, err = spatialkey.Load(ctx, path, cfg.Paths.GridLayer, width); err != nil {
			return Output{}, fail(stage, path, err)
		}
	} else {
		g, err := loadGrid(ctx, stage, cfg)
		if err != nil {
			return Output{}, err
		}
		var sets []*boundary.Set
		for _, vintage := range vintages(cfg) {
			path := cfg.Paths.Input(cfg.Paths.Boundaries[vintage])
			s, err := boundary.Load(ctx, path, vintage, boundary.Options{
				KeyField: cfg.Boundary.KeyField,
				Width:    width,
				Layer:    cfg.Boundary.Layer,
			})
			if err != nil {
				return Output{}, fail(stage, path, err)
			}
			sets = append(sets, s)
		}
		t = spatialkey.Build(g, sets)
	}

	path := cfg.Paths.Output(KeysFile)
	if err := t.WriteCSV(path); err != nil {
		return Output{}, fail(stage, path, err)
	}
	return Output{Path: path, Rows: len(t.IDs()), Columns: len(t.Vintages())}, nil
}

// vintages returns the distinct boundary vintages of the panel years in
// year order.
func vintages(cfg config.Config) []string {
	var out []string
	seen := make(map[string]bool)
	for _, y := range cfg.Panel.Years {
		v, ok := cfg.Vintage(y)
		if !ok || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// Redistribute distributes the census totals of every panel year to grid
// cells and writes one file per year. Conservation is checked before a
// year's file is written.
func Redistribute(ctx context.Context, cfg config.Config) (Output, error) {
	const stage = config.StageRedistribute
	if err := prepare(stage, cfg); err != nil {
		return Output{}, err
	}

	censusPath := cfg.Paths.Input(cfg.Paths.Census)
	data, err := census.Load(ctx, censusPath, census.Options{
		Variables: cfg.Census.Variables,
		Encoding:  cfg.Census.Encoding,
		Sheet:     cfg.Census.Sheet,
		KeyWidth:  cfg.Panel.KeyWidth,
	})
	if err != nil {
		return Output{}, fail(stage, censusPath, err)
	}
	yearMap, err := cfg.Census.AnalysisYears()
	if err != nil {
		return Output{}, fail(stage, "", err)
	}
	totals := census.Aggregate(data, yearMap)

	keyPath := cfg.Paths.Output(KeysFile)
	table, err := spatialkey.Load(ctx, keyPath, "", cfg.Panel.KeyWidth)
	if err != nil {
		return Output{}, fail(stage, keyPath, err)
	}
	counts, err := readFrame(ctx, stage, cfg.Paths.Output(SectorsFile))
	if err != nil {
		return Output{}, err
	}

	var out Output
	for _, year := range cfg.Panel.Years {
		vintage, _ := cfg.Vintage(year)
		path := cfg.Paths.Output(RedistributedFile(year))
		res, err := dasymetric.Redistribute(dasymetric.Input{
			Year:     year,
			Vintage:  vintage,
			Keys:     counts.Keys(),
			Counts:   counts,
			Sectors:  cfg.Panel.Sectors,
			KeyTable: table,
			Totals:   totals,
		})
		if err != nil {
			return Output{}, fail(stage, path, err)
		}
		if err := res.Check(); err != nil {
			return Output{}, fail(stage, path, err)
		}
		written, err := writeFrame(stage, path, res.Frame)
		if err != nil {
			return Output{}, err
		}
		out.Path = written.Path
		out.Rows = max(out.Rows, written.Rows)
		out.Columns += written.Columns
	}
	return out, nil
}

// Assemble joins the master panel and every year's redistribution onto the
// canonical grid and adds the growth columns.
func Assemble(ctx context.Context, cfg config.Config) (Output, error) {
	const stage = config.StageAssemble
	if err := prepare(stage, cfg); err != nil {
		return Output{}, err
	}
	g, err := loadGrid(ctx, stage, cfg)
	if err != nil {
		return Output{}, err
	}
	master, err := readFrame(ctx, stage, cfg.Paths.Output(MasterFile))
	if err != nil {
		return Output{}, err
	}
	frames := []*panel.Frame{master}
	for _, year := range cfg.Panel.Years {
		f, err := readFrame(ctx, stage, cfg.Paths.Output(RedistributedFile(year)))
		if err != nil {
			return Output{}, err
		}
		frames = append(frames, f)
	}

	path := cfg.Paths.Output(FinalFile)
	final, err := panel.Assemble(g.IDs(), frames...)
	if err != nil {
		return Output{}, fail(stage, path, err)
	}
	if s := cfg.Panel.GrowthSector; s != "" {
		base, target := cfg.Panel.GrowthBase, cfg.Panel.GrowthTarget
		if _, err := panel.AddGrowth(final, panel.ClusterGrowth, panel.ClusterCount, "", base, target); err != nil {
			return Output{}, fail(stage, path, err)
		}
		if _, err := panel.AddGrowth(final, panel.Growth, panel.Count, s, base, target); err != nil {
			return Output{}, fail(stage, path, err)
		}
	}
	return writeFrame(stage, path, final)
}

// Reshape writes the final panel in long form, one row per cell and year.
func Reshape(ctx context.Context, cfg config.Config) (Output, error) {
	const stage = config.StageReshape
	if err := prepare(stage, cfg); err != nil {
		return Output{}, err
	}
	finalPath := cfg.Paths.Output(FinalFile)
	final, err := readFrame(ctx, stage, finalPath)
	if err != nil {
		return Output{}, err
	}
	long, err := panel.ToLong(final, cfg.Panel.Years)
	if err != nil {
		return Output{}, fail(stage, finalPath, err)
	}
	path := cfg.Paths.Output(LongFile)
	if err := long.WriteCSV(path); err != nil {
		return Output{}, fail(stage, path, err)
	}
	return Output{Path: path, Rows: len(long.Rows), Columns: len(long.Variables)}, nil
}

// Regress fits the establishment count models (Table 1) and the capital
// intensity model (Table 2) on the long panel.
func Regress(ctx context.Context, cfg config.Config) (Output, error) {
	const stage = config.StageRegress
	if err := prepare(stage, cfg); err != nil {
		return Output{}, err
	}
	longPath := cfg.Paths.Output(LongFile)
	long, err := panel.ReadLongCSV(ctx, longPath)
	if err != nil {
		return Output{}, fail(stage, longPath, err)
	}
	var sites regress.Sites
	if cfg.Paths.Exogenous == "" {
		// Covariates travel with the panel when no site file is configured.
		if sites, err = regress.SitesFromLong(long); err != nil {
			return Output{}, fail(stage, longPath, err)
		}
	} else {
		sitePath := cfg.Paths.Input(cfg.Paths.Exogenous)
		if sites, err = regress.LoadSites(ctx, sitePath); err != nil {
			return Output{}, fail(stage, sitePath, err)
		}
	}
	if cfg.Paths.Grid != "" {
		g, err := loadGrid(ctx, stage, cfg)
		if err != nil {
			return Output{}, err
		}
		sites = sites.WithCentroids(g)
	}

	opts := regress.Options{
		Sector:    cfg.Regress.Sector,
		TrendBase: cfg.Regress.TrendBase,
		KNN:       cfg.Regress.KNN,
		Cluster:   cfg.Regress.Cluster,
	}
	counts, err := regress.Counts(long, sites, opts)
	if err != nil {
		return Output{}, fail(stage, longPath, err)
	}
	base := counts.Drop(regress.WXCluster)

	ols, err := regress.FitOLS(base)
	if err != nil {
		return Output{}, fail(stage, longPath, eris.Wrap(err, "ols"))
	}
	pois, err := regress.FitPoisson(base)
	if err != nil {
		return Output{}, fail(stage, longPath, eris.Wrap(err, "poisson"))
	}
	cols := []regress.Column{{Label: "(1) OLS", Model: ols}, {Label: "(2) Poisson", Model: pois}}
	if opts.KNN > 0 {
		spatial, err := regress.FitPoisson(counts)
		if err != nil {
			return Output{}, fail(stage, longPath, eris.Wrap(err, "spatial poisson"))
		}
		cols = append(cols, regress.Column{Label: "(3) Spatial Poisson", Model: spatial})
	}

	t1 := cfg.Paths.Output(Table1File)
	if err := regress.Write(regress.Comparison(cols), t1+".csv", t1+".xlsx"); err != nil {
		return Output{}, fail(stage, t1+".csv", err)
	}

	intensity, err := regress.Intensity(long, sites, regress.Options{
		Sector:    opts.Sector,
		TrendBase: opts.TrendBase,
		Cluster:   opts.Cluster,
	})
	if err != nil {
		return Output{}, fail(stage, longPath, err)
	}
	capital, err := regress.FitOLS(intensity)
	if err != nil {
		return Output{}, fail(stage, longPath, eris.Wrap(err, "capital intensity"))
	}
	t2 := cfg.Paths.Output(Table2File)
	if err := regress.Write(regress.Coefficients(capital), t2+".csv", t2+".xlsx"); err != nil {
		return Output{}, fail(stage, t2+".csv", err)
	}

	zap.L().Info("pipeline: models fitted",
		zap.Int("observations", ols.N),
		zap.Int("active_observations", capital.N),
		zap.Int("poisson_iterations", pois.Iterations),
	)
	return Output{Path: t1 + ".csv", Rows: ols.N, Columns: len(cols)}, nil
}

// Validate checks how well the configured sector proxies the target ramas.
func Validate(ctx context.Context, cfg config.Config) (Output, error) {
	const stage = config.StageValidate
	if err := prepare(stage, cfg); err != nil {
		return Output{}, err
	}
	path := cfg.Paths.Input(cfg.Paths.Census)
	data, err := census.Load(ctx, path, census.Options{
		Variables: cfg.Census.Variables,
		Encoding:  cfg.Census.Encoding,
		Sheet:     cfg.Census.Sheet,
		KeyWidth:  cfg.Panel.KeyWidth,
	})
	if err != nil {
		return Output{}, fail(stage, path, err)
	}

	ramas := make([]validate.Rama, len(cfg.Validation.Ramas))
	for i, r := range cfg.Validation.Ramas {
		ramas[i] = validate.Rama{Code: r.Code, Name: r.Name}
	}
	report, err := validate.Run(data, cfg.Validation.Sector, ramas)
	if err != nil {
		return Output{}, fail(stage, path, err)
	}

	out := cfg.Paths.Output(ValidationFile)
	if err := report.Write(out+".csv", out+".xlsx"); err != nil {
		return Output{}, fail(stage, out+".csv", err)
	}
	return Output{Path: out + ".csv", Rows: len(report.Results), Columns: 5}, nil
}

// Publish copies the final panel into Postgres in long form.
func Publish(ctx context.Context, cfg config.Config, pool db.Pool) (Output, error) {
	const stage = config.StagePublish
	if err := cfg.Validate(stage); err != nil {
		return Output{}, fail(stage, "", err)
	}
	path := cfg.Paths.Output(FinalFile)
	final, err := readFrame(ctx, stage, path)
	if err != nil {
		return Output{}, err
	}
	n, err := publish.Publish(ctx, pool, final, publish.Options{
		Schema:    cfg.Publish.Schema,
		Table:     cfg.Publish.Table,
		Mode:      cfg.Publish.Mode,
		BatchSize: cfg.Publish.BatchSize,
	})
	if err != nil {
		return Output{}, fail(stage, path, err)
	}
	return Output{Path: cfg.Publish.Schema + "." + cfg.Publish.Table, Rows: int(n), Columns: len(publish.Columns)}, nil
}

// prepare validates the stage configuration and creates the output
// directory.
func prepare(stage string, cfg config.Config) error {
	if err := cfg.Validate(stage); err != nil {
		return fail(stage, "", err)
	}
	if err := ensureOutputDir(cfg); err != nil {
		return fail(stage, cfg.Paths.OutputDir, err)
	}
	return nil
}
