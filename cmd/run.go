package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/nearshore-cli/internal/db"
	"github.com/sells-group/nearshore-cli/internal/ledger"
	"github.com/sells-group/nearshore-cli/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the panel stages in order",
	Long: "Runs clusters, sectors, merge, keys, redistribute, assemble and reshape, recording every stage " +
		"in the ledger. With --resume, stages whose inputs and parameters are unchanged are skipped.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		resume, _ := cmd.Flags().GetBool("resume")
		analysis, _ := cmd.Flags().GetBool("analysis")
		publish, _ := cmd.Flags().GetBool("publish")

		l, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer l.Close() //nolint:errcheck

		opts := pipeline.RunOptions{Resume: resume, Analysis: analysis}
		if publish {
			pool, err := db.Connect(ctx, cfg.Publish.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			opts.Pool = pool
		}

		m, err := pipeline.New(*cfg, l).Run(ctx, opts)
		if m != nil {
			formatSteps(os.Stdout, m.Steps)
		}
		return err
	},
}

// openLedger opens and migrates the stage ledger.
func openLedger(ctx context.Context) (*ledger.Ledger, error) {
	if cfg.Paths.Ledger == "" {
		return nil, eris.New("paths.ledger is required")
	}
	l, err := ledger.Open(cfg.Paths.Ledger)
	if err != nil {
		return nil, err
	}
	if err := l.Migrate(ctx); err != nil {
		l.Close() //nolint:errcheck
		return nil, err
	}
	return l, nil
}

func init() {
	runCmd.Flags().Bool("resume", false, "skip stages completed with unchanged inputs")
	runCmd.Flags().Bool("analysis", false, "also run the regress and validate stages")
	runCmd.Flags().Bool("publish", false, "also copy the final panel into Postgres")
	rootCmd.AddCommand(runCmd)
}
