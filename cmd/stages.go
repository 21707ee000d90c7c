package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/nearshore-cli/internal/config"
	"github.com/sells-group/nearshore-cli/internal/pipeline"
)

type stageFunc func(ctx context.Context, cfg config.Config) (pipeline.Output, error)

// stageCommand builds a command that runs one pipeline stage on its own.
func stageCommand(name, short, long string, run stageFunc) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Long:  long,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out, err := run(ctx, *cfg)
			if err != nil {
				return err
			}
			zap.L().Info("stage complete",
				zap.String("command", name),
				zap.String("output", out.Path),
				zap.Int("rows", out.Rows),
				zap.Int("columns", out.Columns),
			)
			fmt.Fprintf(os.Stdout, "%s: wrote %s (%d rows, %d columns)\n", name, out.Path, out.Rows, out.Columns)
			return nil
		},
	}
}

var stageCmds = []*cobra.Command{
	stageCommand(config.StageClusters, "Detect establishment clusters per year",
		"Runs DBSCAN on every panel year's points and writes per-cell cluster counts and flags.",
		pipeline.Clusters),
	stageCommand(config.StageSectors, "Count establishments per cell and sector",
		"Writes count_{sector}_{year} for every grid cell, the weights of the redistribution.",
		pipeline.Sectors),
	stageCommand(config.StageMerge, "Merge cluster and sector panels onto the grid",
		"Left-joins the cluster and sector panels onto the canonical grid key set.",
		pipeline.Merge),
	stageCommand(config.StageKeys, "Build the grid-to-municipality key table",
		"Assigns every cell centroid to a municipality per boundary vintage, or normalizes paths.keys.",
		pipeline.Keys),
	stageCommand(config.StageRedistribute, "Redistribute census totals to grid cells",
		"Splits each municipality-sector total across its cells in proportion to establishment counts.",
		pipeline.Redistribute),
	stageCommand(config.StageAssemble, "Assemble the final spatial economic panel",
		"Joins the master panel and every year's redistribution and adds the growth columns.",
		pipeline.Assemble),
	stageCommand(config.StageReshape, "Reshape the final panel to one row per cell and year",
		"Writes the long panel the regressions read.",
		pipeline.Reshape),
	stageCommand(config.StageRegress, "Estimate the coefficient tables",
		"Fits the establishment count models (Table 1) and the capital intensity model (Table 2).",
		pipeline.Regress),
	stageCommand(config.StageValidate, "Validate the sector proxy against target ramas",
		"Correlates municipal sector totals with each target rama and reports national shares.",
		pipeline.Validate),
}

func init() {
	rootCmd.AddCommand(stageCmds...)
}
