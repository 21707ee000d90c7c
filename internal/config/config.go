package config

import (
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ErrMissing reports a configuration key a stage needs but that is unset.
var ErrMissing = eris.New("config: missing required key")

// Config holds the full application configuration.
type Config struct {
	Paths          PathsConfig         `yaml:"paths" mapstructure:"paths"`
	Establishments EstablishmentConfig `yaml:"establishments" mapstructure:"establishments"`
	Boundary       BoundaryConfig      `yaml:"boundary" mapstructure:"boundary"`
	Cluster        ClusterConfig       `yaml:"cluster" mapstructure:"cluster"`
	Panel          PanelConfig         `yaml:"panel" mapstructure:"panel"`
	Census         CensusConfig        `yaml:"census" mapstructure:"census"`
	Vintages       map[string]string   `yaml:"vintages" mapstructure:"vintages"`
	Regress        RegressConfig       `yaml:"regress" mapstructure:"regress"`
	Validation     ValidateConfig      `yaml:"validate" mapstructure:"validate"`
	Publish        PublishConfig       `yaml:"publish" mapstructure:"publish"`
	Log            LogConfig           `yaml:"log" mapstructure:"log"`
}

// PathsConfig locates inputs and outputs. Relative input paths resolve
// against DataDir.
type PathsConfig struct {
	DataDir   string `yaml:"data_dir" mapstructure:"data_dir"`
	OutputDir string `yaml:"output_dir" mapstructure:"output_dir"`
	Grid      string `yaml:"grid" mapstructure:"grid"`
	GridLayer string `yaml:"grid_layer" mapstructure:"grid_layer"`
	// Points is a template with a {year} placeholder.
	Points string `yaml:"points" mapstructure:"points"`
	// Boundaries maps boundary vintage to a shapefile or GeoPackage.
	Boundaries map[string]string `yaml:"boundaries" mapstructure:"boundaries"`
	// Keys is an existing grid-to-municipality key table; when empty the
	// keys stage builds one from Boundaries.
	Keys      string `yaml:"keys" mapstructure:"keys"`
	Census    string `yaml:"census" mapstructure:"census"`
	// Exogenous holds per-cell distance covariates; when empty regress
	// reads them from the long panel.
	Exogenous string `yaml:"exogenous" mapstructure:"exogenous"`
	Ledger    string `yaml:"ledger" mapstructure:"ledger"`
}

// Input resolves an input path against DataDir.
func (p PathsConfig) Input(path string) string {
	if path == "" || filepath.IsAbs(path) || p.DataDir == "" {
		return path
	}
	return filepath.Join(p.DataDir, path)
}

// Output places a file name in OutputDir.
func (p PathsConfig) Output(name string) string {
	return filepath.Join(p.OutputDir, name)
}

// EstablishmentConfig describes the point files.
type EstablishmentConfig struct {
	Layer      string `yaml:"layer" mapstructure:"layer"`
	RamaColumn string `yaml:"rama_column" mapstructure:"rama_column"`
	XColumn    string `yaml:"x_column" mapstructure:"x_column"`
	YColumn    string `yaml:"y_column" mapstructure:"y_column"`
	Encoding   string `yaml:"encoding" mapstructure:"encoding"`
}

// BoundaryConfig describes the municipality boundary files.
type BoundaryConfig struct {
	KeyField string `yaml:"key_field" mapstructure:"key_field"`
	Layer    string `yaml:"layer" mapstructure:"layer"`
}

// ClusterConfig sets the density clustering parameters.
type ClusterConfig struct {
	Epsilon    float64 `yaml:"epsilon" mapstructure:"epsilon"`
	MinSamples int     `yaml:"min_samples" mapstructure:"min_samples"`
	Workers    int     `yaml:"workers" mapstructure:"workers"`
}

// PanelConfig sets the analysis years, sectors and growth columns.
type PanelConfig struct {
	Years        []int    `yaml:"years" mapstructure:"years"`
	Sectors      []string `yaml:"sectors" mapstructure:"sectors"`
	KeyWidth     int      `yaml:"key_width" mapstructure:"key_width"`
	GrowthBase   int      `yaml:"growth_base" mapstructure:"growth_base"`
	GrowthTarget int      `yaml:"growth_target" mapstructure:"growth_target"`
	GrowthSector string   `yaml:"growth_sector" mapstructure:"growth_sector"`
}

// CensusConfig describes the census file.
type CensusConfig struct {
	// YearMap maps survey year to analysis year.
	YearMap   map[string]int `yaml:"year_map" mapstructure:"year_map"`
	Encoding  string         `yaml:"encoding" mapstructure:"encoding"`
	Sheet     string         `yaml:"sheet" mapstructure:"sheet"`
	Variables []string       `yaml:"variables" mapstructure:"variables"`
}

// RegressConfig configures the coefficient tables.
type RegressConfig struct {
	Sector    string `yaml:"sector" mapstructure:"sector"`
	KNN       int    `yaml:"knn" mapstructure:"knn"`
	TrendBase int    `yaml:"trend_base" mapstructure:"trend_base"`
	Cluster   bool   `yaml:"cluster" mapstructure:"cluster"`
}

// Rama is a target industry for proxy validation.
type Rama struct {
	Code string `yaml:"code" mapstructure:"code"`
	Name string `yaml:"name" mapstructure:"name"`
}

// ValidateConfig configures the sector proxy validation.
type ValidateConfig struct {
	Sector string `yaml:"sector" mapstructure:"sector"`
	Ramas  []Rama `yaml:"ramas" mapstructure:"ramas"`
}

// PublishConfig configures the Postgres export.
type PublishConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Schema      string `yaml:"schema" mapstructure:"schema"`
	Table       string `yaml:"table" mapstructure:"table"`
	Mode        string `yaml:"mode" mapstructure:"mode"`
	BatchSize   int    `yaml:"batch_size" mapstructure:"batch_size"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads config.yaml from the working directory (or file, when set),
// applies NEARSHORE_* environment overrides and fills defaults.
func Load(file string) (*Config, error) {
	v := viper.New()

	// Config file
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("NEARSHORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("paths.data_dir", "")
	v.SetDefault("paths.output_dir", "output")
	v.SetDefault("paths.grid", "")
	v.SetDefault("paths.grid_layer", "")
	v.SetDefault("paths.points", "")
	v.SetDefault("paths.keys", "")
	v.SetDefault("paths.census", "")
	v.SetDefault("paths.exogenous", "")
	v.SetDefault("paths.ledger", "nearshore.db")
	v.SetDefault("establishments.rama_column", "codigo_act")
	v.SetDefault("establishments.x_column", "x")
	v.SetDefault("establishments.y_column", "y")
	v.SetDefault("establishments.encoding", "utf-8")
	v.SetDefault("boundary.key_field", "CVEGEO")
	v.SetDefault("cluster.epsilon", 1500.0)
	v.SetDefault("cluster.min_samples", 10)
	v.SetDefault("cluster.workers", 0)
	v.SetDefault("panel.years", []int{2010, 2015, 2019, 2025})
	v.SetDefault("panel.sectors", []string{"31", "32", "33"})
	v.SetDefault("panel.key_width", 5)
	v.SetDefault("panel.growth_base", 2010)
	v.SetDefault("panel.growth_target", 2025)
	v.SetDefault("panel.growth_sector", "33")
	v.SetDefault("census.year_map", map[string]int{"2008": 2010, "2013": 2015, "2018": 2019, "2023": 2025})
	v.SetDefault("census.encoding", "utf-8")
	v.SetDefault("census.sheet", "")
	v.SetDefault("census.variables", []string{"value_added", "labor_total", "wages_total", "machinery", "computers"})
	v.SetDefault("vintages", map[string]string{"2010": "2010", "2015": "2015", "2019": "2020", "2025": "2025"})
	v.SetDefault("regress.sector", "33")
	v.SetDefault("regress.knn", 8)
	v.SetDefault("regress.trend_base", 2010)
	v.SetDefault("regress.cluster", true)
	v.SetDefault("validate.sector", "33")
	v.SetDefault("validate.ramas", []map[string]string{
		{"code": "3361", "name": "Auto Assembly"},
		{"code": "3363", "name": "Auto Parts"},
		{"code": "3364", "name": "Aerospace"},
		{"code": "3344", "name": "Semiconductors & Components"},
		{"code": "3359", "name": "Electrical Equipment"},
	})
	v.SetDefault("publish.database_url", "")
	v.SetDefault("publish.schema", "nearshore")
	v.SetDefault("publish.table", "panel")
	v.SetDefault("publish.mode", "replace")
	v.SetDefault("publish.batch_size", 50000)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional unless named)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || file != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// AnalysisYears returns YearMap keyed by integer survey year.
func (c CensusConfig) AnalysisYears() (map[int]int, error) {
	out := make(map[int]int, len(c.YearMap))
	for k, v := range c.YearMap {
		year, err := strconv.Atoi(k)
		if err != nil {
			return nil, eris.Wrapf(err, "config: census.year_map key %q", k)
		}
		out[year] = v
	}
	return out, nil
}

// Vintage returns the boundary vintage of an analysis year.
func (c *Config) Vintage(year int) (string, bool) {
	v, ok := c.Vintages[strconv.Itoa(year)]
	return v, ok && v != ""
}

// Stage names accepted by Validate.
const (
	StageClusters     = "clusters"
	StageSectors      = "sectors"
	StageMerge        = "merge"
	StageKeys         = "keys"
	StageRedistribute = "redistribute"
	StageAssemble     = "assemble"
	StageReshape      = "reshape"
	StageRegress      = "regress"
	StageValidate     = "validate"
	StagePublish      = "publish"
)

// Validate checks the keys a stage needs.
func (c *Config) Validate(stage string) error {
	missing := func(key string) error { return eris.Wrapf(ErrMissing, "%s for stage %s", key, stage) }

	if c.Paths.OutputDir == "" {
		return missing("paths.output_dir")
	}
	if len(c.Panel.Years) == 0 {
		return missing("panel.years")
	}

	switch stage {
	case StageClusters, StageSectors:
		if c.Paths.Points == "" {
			return missing("paths.points")
		}
		if !strings.Contains(c.Paths.Points, "{year}") {
			return eris.Errorf("config: paths.points %q has no {year} placeholder", c.Paths.Points)
		}
		if c.Paths.Grid == "" {
			return missing("paths.grid")
		}
		if stage == StageClusters && (c.Cluster.Epsilon <= 0 || c.Cluster.MinSamples <= 0) {
			return eris.Errorf("config: cluster.epsilon and cluster.min_samples must be positive")
		}
		if stage == StageSectors && len(c.Panel.Sectors) == 0 {
			return missing("panel.sectors")
		}
	case StageKeys:
		if c.Paths.Keys != "" {
			return nil
		}
		if c.Paths.Grid == "" {
			return missing("paths.grid")
		}
		for _, y := range c.Panel.Years {
			v, ok := c.Vintage(y)
			if !ok {
				return missing("vintages." + strconv.Itoa(y))
			}
			if c.Paths.Boundaries[v] == "" {
				return missing("paths.boundaries." + v)
			}
		}
	case StageRedistribute:
		if c.Paths.Census == "" {
			return missing("paths.census")
		}
		if len(c.Census.YearMap) == 0 {
			return missing("census.year_map")
		}
		for _, y := range c.Panel.Years {
			if _, ok := c.Vintage(y); !ok {
				return missing("vintages." + strconv.Itoa(y))
			}
		}
	case StageMerge, StageAssemble, StageReshape:
		if stage != StageReshape && c.Paths.Grid == "" {
			return missing("paths.grid")
		}
		if stage == StageAssemble && c.Panel.GrowthSector != "" &&
			(!slices.Contains(c.Panel.Years, c.Panel.GrowthBase) || !slices.Contains(c.Panel.Years, c.Panel.GrowthTarget)) {
			return eris.Errorf("config: panel.growth_base and panel.growth_target must be panel years")
		}
	case StageRegress:
		if c.Regress.Sector == "" {
			return missing("regress.sector")
		}
	case StageValidate:
		if c.Paths.Census == "" {
			return missing("paths.census")
		}
		if len(c.Validation.Ramas) == 0 {
			return missing("validate.ramas")
		}
	case StagePublish:
		if c.Publish.DatabaseURL == "" {
			return missing("publish.database_url")
		}
	default:
		return eris.Errorf("config: unknown stage %q", stage)
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
