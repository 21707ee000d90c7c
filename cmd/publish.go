package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sells-group/nearshore-cli/internal/config"
	"github.com/sells-group/nearshore-cli/internal/db"
	"github.com/sells-group/nearshore-cli/internal/pipeline"
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Copy the final panel into Postgres",
	Long:  "Writes every cell of the final panel to {schema}.{table} as grid_id, variable, value rows.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		applyPublishFlags(cmd)
		if err := cfg.Validate(config.StagePublish); err != nil {
			return err
		}
		pool, err := db.Connect(ctx, cfg.Publish.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()

		out, err := pipeline.Publish(ctx, *cfg, pool)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "publish: wrote %d rows to %s\n", out.Rows, out.Path)
		return nil
	},
}

// applyPublishFlags lets flags override the publish section of the config.
func applyPublishFlags(cmd *cobra.Command) {
	if v, _ := cmd.Flags().GetString("mode"); v != "" {
		cfg.Publish.Mode = v
	}
	if v, _ := cmd.Flags().GetString("table"); v != "" {
		cfg.Publish.Table = v
	}
}

func init() {
	publishCmd.Flags().String("mode", "", "replace or upsert (default from config)")
	publishCmd.Flags().String("table", "", "target table (default from config)")
	rootCmd.AddCommand(publishCmd)
}
