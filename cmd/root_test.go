package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/nearshore-cli/internal/grid"
	"github.com/sells-group/nearshore-cli/internal/ledger"
	"github.com/sells-group/nearshore-cli/internal/pipeline"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{
		"grid-gen", "clusters", "sectors", "merge", "keys", "redistribute",
		"assemble", "reshape", "regress", "validate", "publish", "run", "status",
	}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "nearshore-cli", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
	require.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
}

func TestRunCommand_Flags(t *testing.T) {
	for _, name := range []string{"resume", "analysis", "publish"} {
		flag := runCmd.Flags().Lookup(name)
		require.NotNil(t, flag, "run command should have --%s flag", name)
		assert.Equal(t, "false", flag.DefValue)
	}
}

func TestGridGenCommand_Flags(t *testing.T) {
	flag := gridGenCmd.Flags().Lookup("cell-size")
	require.NotNil(t, flag)
	assert.Equal(t, "5000", flag.DefValue)
}

func TestParseBounds(t *testing.T) {
	b, err := parseBounds("0, 10, 100,200")
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 10, 100, 200}, []float64{b.Min(0), b.Min(1), b.Max(0), b.Max(1)})

	for _, bad := range []string{"", "1,2,3", "a,b,c,d", "10,0,0,10"} {
		_, err := parseBounds(bad)
		assert.Error(t, err, bad)
	}
}

func TestGridGen_WritesCSV(t *testing.T) {
	dir := t.TempDir()
	conf := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(conf, []byte("log:\n  level: error\n"), 0o644))
	out := filepath.Join(dir, "grid.csv")

	rootCmd.SetArgs([]string{"--config", conf, "grid-gen", "--bounds", "0,0,10000,5000", "--cell-size", "5000", "--out", out})
	require.NoError(t, rootCmd.Execute())

	g, err := grid.LoadCSV(t.Context(), out)
	require.NoError(t, err)
	assert.Equal(t, 2, g.Len())
}

func TestFormatRuns(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	var buf bytes.Buffer
	formatRuns(&buf, []ledger.Run{{
		ID:        "abc12345-6789-0000-0000-000000000000",
		Status:    ledger.StatusComplete,
		CreatedAt: now,
		UpdatedAt: now.Add(90 * time.Second),
	}})

	output := buf.String()
	assert.Contains(t, output, "STATUS")
	assert.Contains(t, output, "abc12345-6789")
	assert.Contains(t, output, "complete")
	assert.Contains(t, output, "2025-06-15 10:30")
	assert.Contains(t, output, "1m30s")
}

func TestFormatStages(t *testing.T) {
	var buf bytes.Buffer
	formatStages(&buf, []ledger.Stage{
		{Name: "clusters", Status: ledger.StatusComplete, Rows: 4, Columns: 2, Output: "out/clusters.csv"},
		{Name: "keys", Status: ledger.StatusFailed, Error: "pipeline: stage keys: boundary file missing"},
	})

	output := buf.String()
	assert.Contains(t, output, "clusters")
	assert.Contains(t, output, "out/clusters.csv")
	assert.Contains(t, output, "boundary file missing")
}

func TestFormatSteps(t *testing.T) {
	var buf bytes.Buffer
	formatSteps(&buf, []pipeline.Step{
		{Stage: "merge", Status: ledger.StatusSkipped, Rows: 4, Columns: 5, DurationMS: 1500},
	})
	assert.Contains(t, buf.String(), "merge")
	assert.Contains(t, buf.String(), "skipped")
	assert.Contains(t, buf.String(), "1.5s")
}

func TestShowManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), pipeline.ManifestFile)
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, pipeline.WriteManifest(path, &pipeline.Manifest{
		RunID:      "run-1",
		Status:     ledger.StatusFailed,
		StartedAt:  start,
		FinishedAt: start.Add(90 * time.Second),
		Years:      []int{2010, 2025},
		Steps: []pipeline.Step{
			{Stage: "clusters", Status: ledger.StatusComplete, Rows: 4, Columns: 4},
			{Stage: "sectors", Status: ledger.StatusFailed, Error: "points_2025.csv missing"},
		},
	}))

	var buf bytes.Buffer
	require.NoError(t, showManifest(&buf, path))
	out := buf.String()
	assert.Contains(t, out, "Run run-1: failed (1m30s, years [2010 2025])")
	assert.Contains(t, out, "clusters")
	assert.Contains(t, out, "sectors: points_2025.csv missing")

	require.Error(t, showManifest(&buf, filepath.Join(t.TempDir(), "none.yaml")))
}

func TestStatusManifestFlag(t *testing.T) {
	f := statusCmd.Flags().Lookup("manifest")
	require.NotNil(t, f)
	assert.Equal(t, "", f.DefValue)
	assert.Equal(t, lastManifest, f.NoOptDefVal)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
