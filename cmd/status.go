package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/nearshore-cli/internal/ledger"
	"github.com/sells-group/nearshore-cli/internal/pipeline"
)

// lastManifest is the --manifest value that selects the output directory's manifest.
const lastManifest = "last"

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show recent runs, or the stages of one run",
	Long: `Show recent runs from the ledger, or the stages of one run.

With --manifest, print the manifest written by the last run in the output
directory (or the manifest file given) instead of reading the ledger.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if path, _ := cmd.Flags().GetString("manifest"); path != "" {
			if path == lastManifest {
				path = cfg.Paths.Output(pipeline.ManifestFile)
			}
			return showManifest(os.Stdout, path)
		}

		l, err := openLedger(ctx)
		if err != nil {
			return err
		}
		defer l.Close() //nolint:errcheck

		if len(args) == 1 {
			stages, err := l.Stages(ctx, args[0])
			if err != nil {
				return eris.Wrap(err, "status")
			}
			if len(stages) == 0 {
				fmt.Fprintln(os.Stderr, "No stages found.")
				return nil
			}
			formatStages(os.Stdout, stages)
			return nil
		}

		limit, _ := cmd.Flags().GetInt("limit")
		runs, err := l.Runs(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "status")
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}
		formatRuns(os.Stdout, runs)
		return nil
	},
}

func init() {
	statusCmd.Flags().Int("limit", 20, "max number of runs to display")
	statusCmd.Flags().String("manifest", "", "print a run manifest file instead of the ledger")
	statusCmd.Flags().Lookup("manifest").NoOptDefVal = lastManifest
	rootCmd.AddCommand(statusCmd)
}

// formatRuns writes a tabular list of runs to out.
func formatRuns(out io.Writer, runs []ledger.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t------\t-------\t--------")
	for _, r := range runs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			r.ID,
			r.Status,
			r.CreatedAt.Format("2006-01-02 15:04"),
			r.UpdatedAt.Sub(r.CreatedAt).Round(time.Second),
		)
	}
	_ = w.Flush()
}

// formatStages writes the stages of one run to out.
func formatStages(out io.Writer, stages []ledger.Stage) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STAGE\tSTATUS\tROWS\tCOLUMNS\tOUTPUT\tERROR")
	_, _ = fmt.Fprintln(w, "-----\t------\t----\t-------\t------\t-----")
	for _, s := range stages {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			s.Name, s.Status, s.Rows, s.Columns, s.Output, truncate(s.Error, 60))
	}
	_ = w.Flush()
}

// formatSteps writes the steps of a finished run to out.
func formatSteps(out io.Writer, steps []pipeline.Step) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STAGE\tSTATUS\tROWS\tCOLUMNS\tDURATION")
	for _, s := range steps {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
			s.Stage, s.Status, s.Rows, s.Columns, (time.Duration(s.DurationMS) * time.Millisecond).String())
	}
	_ = w.Flush()
}

// showManifest prints the summary and steps of a run manifest.
func showManifest(out io.Writer, path string) error {
	m, err := pipeline.ReadManifest(path)
	if err != nil {
		return eris.Wrap(err, "status")
	}
	_, _ = fmt.Fprintf(out, "Run %s: %s (%s, years %v)\n",
		m.RunID, m.Status, m.FinishedAt.Sub(m.StartedAt).Round(time.Second), m.Years)
	formatSteps(out, m.Steps)
	for _, s := range m.Steps {
		if s.Error != "" {
			_, _ = fmt.Fprintf(out, "%s: %s\n", s.Stage, s.Error)
		}
	}
	return nil
}

// truncate shortens s to n characters for compact display.
func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
