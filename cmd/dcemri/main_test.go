package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"dcemri/pkg/config"
	"dcemri/pkg/phantom"
	"dcemri/pkg/store"
)

func runApp(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(append([]string{"dcemri"}, args...))
	require.NoError(t, err, out.String())
	return out.String()
}

func TestConfigInit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	out := runApp(t, "--config", path, "config", "init")
	require.Contains(t, out, path)
	_, err := os.Stat(path)
	require.NoError(t, err)

	// Refuses to overwrite without --force
	app := newApp()
	app.Writer = &bytes.Buffer{}
	require.Error(t, app.Run([]string{"dcemri", "--config", path, "config", "init"}))
	runApp(t, "--config", path, "config", "init", "--force")

	runApp(t, "--config", path, "config", "init", "--format", "toml")
	cfg, err := config.LoadConfig(filepath.Join(dir, "config.toml"))
	require.NoError(t, err)
	require.Equal(t, config.DefaultConfig().AIF.Method, cfg.AIF.Method)
}

func TestPhantomRunAndRuns(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping CLI pipeline test in short mode")
	}
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Processing.Workers = 2
	cfg.AIF.MinRegionVoxels = phantom.RegionThreshold
	cfg.Output.Plots = false
	cfg.Output.MetricsFile = filepath.Join(dir, "metrics", "dcemri.prom")
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, config.SaveConfig(cfg, cfgPath))
	dbPath := filepath.Join(dir, "db", "runs.db")

	phantomDir := filepath.Join(dir, "phantom")
	out := runApp(t, "--config", cfgPath, "phantom", "--out", phantomDir)
	require.Contains(t, out, "Phantom written")
	for _, name := range []string{"series/series.yaml", "series/series.bin", "mask/slice_000.png", "aif.csv", "truth.yaml"} {
		_, err := os.Stat(filepath.Join(phantomDir, name))
		require.NoError(t, err, name)
	}

	resultDir := filepath.Join(dir, "result")
	out = runApp(t, "--config", cfgPath, "--db", dbPath, "run",
		"--raw", filepath.Join(phantomDir, "series"),
		"--mask", filepath.Join(phantomDir, "mask"),
		"--out", resultDir)
	require.Contains(t, out, "Whole-tumor fit")
	require.Contains(t, out, "ktrans")
	_, err := os.Stat(filepath.Join(resultDir, "summary.yaml"))
	require.NoError(t, err)
	_, err = os.Stat(cfg.Output.MetricsFile)
	require.NoError(t, err)

	// fit reuses the phantom AIF
	out = runApp(t, "--config", cfgPath, "--db", dbPath, "fit",
		"--raw", filepath.Join(phantomDir, "series"),
		"--mask", filepath.Join(phantomDir, "mask"),
		"--aif", filepath.Join(phantomDir, "aif.csv"),
		"--out", filepath.Join(dir, "fit"))
	require.Contains(t, out, "AIF method: file")

	aifPath := filepath.Join(dir, "aif", "estimated.csv")
	out = runApp(t, "--config", cfgPath, "aif", "--raw", filepath.Join(phantomDir, "series"), "--out", aifPath)
	require.Contains(t, out, "Candidate regions: 1")
	_, err = os.Stat(aifPath)
	require.NoError(t, err)

	db, err := store.Open(dbPath)
	require.NoError(t, err)
	runs, err := db.ListRuns(context.Background(), "PHANTOM", 0)
	require.NoError(t, err)
	require.NoError(t, db.Close())
	require.Len(t, runs, 2)

	out = runApp(t, "--config", cfgPath, "--db", dbPath, "runs", "list", "--patient", "PHANTOM")
	require.Contains(t, out, runs[0].ID)
	require.Contains(t, out, runs[1].ID)

	out = runApp(t, "--config", cfgPath, "--db", dbPath, "runs", "show", runs[1].ID)
	require.Contains(t, out, "deterministic")

	runApp(t, "--config", cfgPath, "--db", dbPath, "runs", "delete", runs[1].ID)
	out = runApp(t, "--config", cfgPath, "--db", dbPath, "runs", "list")
	require.NotContains(t, out, runs[1].ID)
}

func TestPhantomConfigRunsWithDefaults(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping CLI pipeline test in short mode")
	}
	dir := t.TempDir()
	phantomDir := filepath.Join(dir, "phantom")

	out := runApp(t, "--config", filepath.Join(dir, "missing.yaml"), "phantom", "--out", phantomDir)
	cfgPath := filepath.Join(phantomDir, "config.yaml")
	require.Contains(t, out, "--config "+cfgPath)

	cfg, err := config.LoadConfig(cfgPath)
	require.NoError(t, err)
	require.Equal(t, phantom.RegionThreshold, cfg.AIF.MinRegionVoxels)
	require.Equal(t, config.ModeAbsolute, cfg.Concentration.Mode)

	out = runApp(t, "--config", cfgPath, "--db", filepath.Join(dir, "runs.db"), "run",
		"--raw", filepath.Join(phantomDir, "series"),
		"--mask", filepath.Join(phantomDir, "mask"),
		"--out", filepath.Join(dir, "result"))
	require.Contains(t, out, "Whole-tumor fit")
}

func TestRunRequiresOneSeriesSource(t *testing.T) {
	dir := t.TempDir()
	app := newApp()
	app.Writer = &bytes.Buffer{}
	app.ErrWriter = &bytes.Buffer{}
	err := app.Run([]string{"dcemri", "--config", filepath.Join(dir, "none.yaml"),
		"run", "--mask", dir, "--out", dir})
	require.Error(t, err)
	require.Contains(t, err.Error(), "exactly one of --series and --raw")
}
