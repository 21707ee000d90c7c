// Package pipeline chains the panel stages. Every stage reads persisted
// files and writes a new one, so a run can resume from any stage whose
// inputs are unchanged.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/nearshore-cli/internal/config"
	"github.com/sells-group/nearshore-cli/internal/db"
	"github.com/sells-group/nearshore-cli/internal/establishment"
	"github.com/sells-group/nearshore-cli/internal/ledger"
)

// StageError names the stage, and the file when one is involved, of a
// failure.
type StageError struct {
	Stage string
	File  string
	Err   error
}

func (e *StageError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("pipeline: stage %s: %s: %v", e.Stage, e.File, e.Err)
	}
	return fmt.Sprintf("pipeline: stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// fail wraps err as a StageError unless it already is one.
func fail(stage, file string, err error) error {
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{Stage: stage, File: file, Err: err}
}

// Recorder persists run and stage history.
type Recorder interface {
	CreateRun(ctx context.Context) (*ledger.Run, error)
	FinishRun(ctx context.Context, runID string, status ledger.Status) error
	StartStage(ctx context.Context, runID, name, fingerprint string) (*ledger.Stage, error)
	CompleteStage(ctx context.Context, stageID, output string, rows, columns int) error
	SkipStage(ctx context.Context, stageID, output string) error
	FailStage(ctx context.Context, stageID string, cause error) error
	Done(ctx context.Context, name, fingerprint string) (*ledger.Stage, error)
}

// RunOptions selects what a run does beyond the panel stages.
type RunOptions struct {
	// Resume skips stages completed earlier with the same fingerprint whose
	// output still exists.
	Resume bool
	// Analysis adds the regress and validate stages.
	Analysis bool
	// Pool, when set, adds the publish stage.
	Pool db.Pool
}

// Step is one stage in a manifest.
type Step struct {
	Stage       string        `yaml:"stage"`
	Status      ledger.Status `yaml:"status"`
	Output      string        `yaml:"output,omitempty"`
	Rows        int           `yaml:"rows"`
	Columns     int           `yaml:"columns"`
	Fingerprint string        `yaml:"fingerprint,omitempty"`
	DurationMS  int64         `yaml:"duration_ms"`
	Error       string        `yaml:"error,omitempty"`
}

// Manifest summarizes a run.
type Manifest struct {
	RunID      string        `yaml:"run_id"`
	Status     ledger.Status `yaml:"status"`
	StartedAt  time.Time     `yaml:"started_at"`
	FinishedAt time.Time     `yaml:"finished_at"`
	Years      []int         `yaml:"years"`
	Sectors    []string      `yaml:"sectors"`
	Steps      []Step        `yaml:"steps"`
}

// stage is one runnable step: its fingerprint parameters, the files it
// reads and the work itself.
type stage struct {
	name   string
	params func(cfg config.Config) any
	inputs func(cfg config.Config) []string
	run    func(ctx context.Context, cfg config.Config) (Output, error)
}

// Pipeline runs the stages against one configuration.
type Pipeline struct {
	cfg config.Config
	rec Recorder
}

// New creates a Pipeline recording into rec.
func New(cfg config.Config, rec Recorder) *Pipeline {
	return &Pipeline{cfg: cfg, rec: rec}
}

func pointInputs(cfg config.Config) []string {
	out := []string{cfg.Paths.Input(cfg.Paths.Grid)}
	for _, y := range cfg.Panel.Years {
		out = append(out, establishment.Path(cfg.Paths.Input(cfg.Paths.Points), y))
	}
	return out
}

func outputs(names ...string) func(cfg config.Config) []string {
	return func(cfg config.Config) []string {
		out := make([]string, len(names))
		for i, n := range names {
			out[i] = cfg.Paths.Output(n)
		}
		return out
	}
}

func (p *Pipeline) stages(opts RunOptions) []stage {
	s := []stage{
		{
			name:   config.StageClusters,
			params: func(c config.Config) any { return []any{c.Cluster.Epsilon, c.Cluster.MinSamples, c.Panel.Years, c.Establishments} },
			inputs: pointInputs,
			run:    Clusters,
		},
		{
			name:   config.StageSectors,
			params: func(c config.Config) any { return []any{c.Panel.Years, c.Panel.Sectors, c.Establishments} },
			inputs: pointInputs,
			run:    Sectors,
		},
		{
			name:   config.StageMerge,
			params: func(c config.Config) any { return c.Paths.Grid },
			inputs: outputs(ClustersFile, SectorsFile),
			run:    Merge,
		},
		{
			name:   config.StageKeys,
			params: func(c config.Config) any { return []any{c.Vintages, c.Boundary, c.Panel.KeyWidth} },
			inputs: func(c config.Config) []string {
				if c.Paths.Keys != "" {
					return []string{c.Paths.Input(c.Paths.Keys)}
				}
				in := []string{c.Paths.Input(c.Paths.Grid)}
				for _, v := range vintages(c) {
					in = append(in, c.Paths.Input(c.Paths.Boundaries[v]))
				}
				return in
			},
			run: Keys,
		},
		{
			name:   config.StageRedistribute,
			params: func(c config.Config) any { return []any{c.Census, c.Vintages, c.Panel.Years, c.Panel.Sectors} },
			inputs: func(c config.Config) []string {
				return append(outputs(KeysFile, SectorsFile)(c), c.Paths.Input(c.Paths.Census))
			},
			run: Redistribute,
		},
		{
			name:   config.StageAssemble,
			params: func(c config.Config) any { return c.Panel },
			inputs: func(c config.Config) []string {
				in := outputs(MasterFile)(c)
				for _, y := range c.Panel.Years {
					in = append(in, c.Paths.Output(RedistributedFile(y)))
				}
				return in
			},
			run: Assemble,
		},
		{
			name:   config.StageReshape,
			params: func(c config.Config) any { return c.Panel.Years },
			inputs: outputs(FinalFile),
			run:    Reshape,
		},
	}
	if opts.Analysis {
		s = append(s,
			stage{
				name:   config.StageRegress,
				params: func(c config.Config) any { return c.Regress },
				inputs: func(c config.Config) []string {
					in := outputs(LongFile)(c)
					if c.Paths.Exogenous != "" {
						in = append(in, c.Paths.Input(c.Paths.Exogenous))
					}
					return in
				},
				run: Regress,
			},
			stage{
				name:   config.StageValidate,
				params: func(c config.Config) any { return c.Validation },
				inputs: func(c config.Config) []string { return []string{c.Paths.Input(c.Paths.Census)} },
				run:    Validate,
			},
		)
	}
	if opts.Pool != nil {
		pool := opts.Pool
		s = append(s, stage{
			name:   config.StagePublish,
			params: func(c config.Config) any { return []any{c.Publish.Schema, c.Publish.Table, c.Publish.Mode} },
			inputs: outputs(FinalFile),
			run: func(ctx context.Context, c config.Config) (Output, error) {
				return Publish(ctx, c, pool)
			},
		})
	}
	return s
}

// Run executes the stages in order, stopping at the first failure, and
// writes the run manifest to the output directory.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (*Manifest, error) {
	run, err := p.rec.CreateRun(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}
	log := zap.L().With(zap.String("component", "pipeline"), zap.String("run_id", run.ID))
	log.Info("pipeline: run started", zap.Bool("resume", opts.Resume))

	m := &Manifest{
		RunID:     run.ID,
		Status:    ledger.StatusRunning,
		StartedAt: time.Now().UTC(),
		Years:     p.cfg.Panel.Years,
		Sectors:   p.cfg.Panel.Sectors,
	}

	var runErr error
	for _, s := range p.stages(opts) {
		if err := ctx.Err(); err != nil {
			runErr = eris.Wrap(err, "pipeline: cancelled")
			break
		}
		step, err := p.step(ctx, run.ID, s, opts.Resume, log)
		m.Steps = append(m.Steps, step)
		if err != nil {
			runErr = err
			break
		}
	}

	m.Status = ledger.StatusComplete
	if runErr != nil {
		m.Status = ledger.StatusFailed
	}
	m.FinishedAt = time.Now().UTC()
	if err := p.rec.FinishRun(ctx, run.ID, m.Status); err != nil {
		log.Warn("pipeline: failed to finish run", zap.Error(err))
	}
	if err := WriteManifest(p.cfg.Paths.Output(ManifestFile), m); err != nil {
		log.Warn("pipeline: failed to write manifest", zap.Error(err))
	}

	if runErr != nil {
		log.Error("pipeline: run failed", zap.Error(runErr))
		return m, runErr
	}
	log.Info("pipeline: run complete", zap.Int("stages", len(m.Steps)))
	return m, nil
}

// step runs or skips one stage and records it.
func (p *Pipeline) step(ctx context.Context, runID string, s stage, resume bool, log *zap.Logger) (Step, error) {
	step := Step{Stage: s.name}
	start := time.Now()

	if err := p.cfg.Validate(s.name); err != nil {
		step.Status = ledger.StatusFailed
		err = fail(s.name, "", err)
		step.Error = err.Error()
		return step, err
	}
	inputs := s.inputs(p.cfg)
	for _, in := range inputs {
		if _, err := os.Stat(in); err != nil {
			step.Status = ledger.StatusFailed
			err = fail(s.name, in, eris.Wrap(err, "input missing"))
			step.Error = err.Error()
			return step, err
		}
	}
	params, err := yaml.Marshal(s.params(p.cfg))
	if err != nil {
		return step, fail(s.name, "", eris.Wrap(err, "encode parameters"))
	}
	fp, err := ledger.Fingerprint(string(params), inputs...)
	if err != nil {
		return step, fail(s.name, "", err)
	}
	step.Fingerprint = fp

	if resume {
		done, err := p.rec.Done(ctx, s.name, fp)
		if err != nil {
			log.Warn("pipeline: ledger lookup failed", zap.String("stage", s.name), zap.Error(err))
		}
		if done != nil && exists(done.Output) {
			rec, err := p.rec.StartStage(ctx, runID, s.name, fp)
			if err == nil {
				err = p.rec.SkipStage(ctx, rec.ID, done.Output)
			}
			if err != nil {
				log.Warn("pipeline: failed to record skipped stage", zap.String("stage", s.name), zap.Error(err))
			}
			step.Status = ledger.StatusSkipped
			step.Output, step.Rows, step.Columns = done.Output, done.Rows, done.Columns
			log.Info("pipeline: stage unchanged, skipped", zap.String("stage", s.name))
			return step, nil
		}
	}

	rec, err := p.rec.StartStage(ctx, runID, s.name, fp)
	if err != nil {
		step.Status = ledger.StatusFailed
		err = fail(s.name, "", eris.Wrap(err, "record stage"))
		step.Error = err.Error()
		return step, err
	}

	out, runErr := s.run(ctx, p.cfg)
	step.DurationMS = time.Since(start).Milliseconds()
	if runErr != nil {
		runErr = fail(s.name, "", runErr)
		step.Status = ledger.StatusFailed
		step.Error = runErr.Error()
		if err := p.rec.FailStage(ctx, rec.ID, runErr); err != nil {
			log.Warn("pipeline: failed to record stage failure", zap.String("stage", s.name), zap.Error(err))
		}
		log.Error("pipeline: stage failed",
			zap.String("stage", s.name),
			zap.Int64("duration_ms", step.DurationMS),
			zap.Error(runErr),
		)
		return step, runErr
	}

	step.Status = ledger.StatusComplete
	step.Output, step.Rows, step.Columns = out.Path, out.Rows, out.Columns
	if err := p.rec.CompleteStage(ctx, rec.ID, out.Path, out.Rows, out.Columns); err != nil {
		log.Warn("pipeline: failed to record stage completion", zap.String("stage", s.name), zap.Error(err))
	}
	log.Info("pipeline: stage complete",
		zap.String("stage", s.name),
		zap.String("output", out.Path),
		zap.Int("rows", out.Rows),
		zap.Int("columns", out.Columns),
		zap.Int64("duration_ms", step.DurationMS),
	)
	return step, nil
}

// exists reports whether a stage output is still on disk. Outputs that are
// not files, such as a published table, never count as present.
func exists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}

// WriteManifest writes m as YAML.
func WriteManifest(path string, m *Manifest) error {
	b, err := yaml.Marshal(m)
	if err != nil {
		return eris.Wrap(err, "pipeline: encode manifest")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrap(err, "pipeline: create manifest dir")
	}
	return eris.Wrap(os.WriteFile(path, b, 0o644), "pipeline: write manifest")
}

// ReadManifest reads a manifest written by WriteManifest.
func ReadManifest(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: read manifest")
	}
	var m Manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, eris.Wrap(err, "pipeline: decode manifest")
	}
	return &m, nil
}
