package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VladMinzatu/minidump-stackwalker/internal/config"
	"github.com/VladMinzatu/minidump-stackwalker/internal/minidump"
	"github.com/VladMinzatu/minidump-stackwalker/internal/minidump/minidumptest"
)

func writeDump(t *testing.T, dir, name string) string {
	t.Helper()
	ctx, err := minidump.NewContext(minidump.ArchAMD64)
	require.NoError(t, err)
	require.True(t, ctx.Set("rip", 0x401010))
	require.True(t, ctx.Set("rsp", 0x7000))

	raw := minidumptest.New().
		SystemInfo(minidump.ArchAMD64, minidump.PlatformLinux).
		Modules(minidumptest.Module{Base: 0x400000, Size: 0x10000, Name: "/usr/bin/app", BuildID: []byte{1, 2, 3, 4}}).
		Threads(minidumptest.Thread{ID: 1, Context: ctx}).
		Exception(1, 11, 0xdead, ctx).
		Bytes()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return path
}

func run(t *testing.T, args ...string) error {
	t.Helper()
	_, err := runWithLog(t, args...)
	return err
}

// runWithLog runs the command and returns what it logged.
func runWithLog(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var logs bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetErr(&logs)
	err := cmd.ExecuteContext(context.Background())
	return logs.String(), err
}

func TestProcessCommand(t *testing.T) {
	dir := t.TempDir()
	dump := writeDump(t, dir, "crash.dmp")
	out := filepath.Join(dir, "report.txt")
	metrics := filepath.Join(dir, "metrics.prom")

	require.NoError(t, run(t, "process", dump,
		"--output", out,
		"--symbols-path", filepath.Join(dir, "symbols"),
		"--cache-dir", filepath.Join(dir, "cache"),
		"--metrics-file", metrics,
	))

	report, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(report), "Crash reason:  SIGSEGV")
	assert.Contains(t, string(report), " 0  app+0x1010\n")

	prom, err := os.ReadFile(metrics)
	require.NoError(t, err)
	assert.Contains(t, string(prom), "stackwalk_symbol_fetch_duration_seconds")
}

func TestBatchCommandDefaultsToFolded(t *testing.T) {
	dir := t.TempDir()
	a := writeDump(t, dir, "a.dmp")
	b := writeDump(t, dir, "b.dmp")
	out := filepath.Join(dir, "stacks.folded")

	require.NoError(t, run(t, "batch", a, b, "--workers", "2", "--output", out))

	folded, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "app+0x1010 2\n", string(folded))
}

func TestBatchCommandReportsFailures(t *testing.T) {
	dir := t.TempDir()
	good := writeDump(t, dir, "good.dmp")
	out := filepath.Join(dir, "stacks.folded")

	logs, err := runWithLog(t, "batch", good, filepath.Join(dir, "missing.dmp"), "--output", out)
	assert.ErrorContains(t, err, "1 of 2 dumps failed")
	assert.Contains(t, logs, "Batch incomplete")
	assert.Contains(t, logs, "1 of 2 dumps failed")

	folded, readErr := os.ReadFile(out)
	require.NoError(t, readErr)
	assert.Equal(t, "app+0x1010 1\n", string(folded))
}

func TestBatchRejectsSingleDumpFormats(t *testing.T) {
	dir := t.TempDir()
	dump := writeDump(t, dir, "a.dmp")
	assert.Error(t, run(t, "batch", dump, "--format", "text"))
}

func TestFlagsOverrideConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stackwalk.yaml")
	require.NoError(t, os.WriteFile(path, []byte("output:\n  format: pprof\nworkers: 2\n"), 0o644))

	cfg, err := loadConfig(&options{configPath: path, format: "otlp", workers: 6})
	require.NoError(t, err)
	assert.Equal(t, "otlp", cfg.Output.Format)
	assert.Equal(t, 6, cfg.Workers)

	_, err = loadConfig(&options{configPath: path, format: "svg"})
	assert.Error(t, err)
}

func TestWriteOutputReportsErrors(t *testing.T) {
	cfg := config.Default()
	cfg.Output.Format = "html"
	out := filepath.Join(t.TempDir(), "report")
	assert.ErrorContains(t, writeOutput(cfg, &options{output: out}, nil), "unknown format")

	assert.Error(t, writeOutput(config.Default(), &options{output: filepath.Join(t.TempDir(), "missing", "report")}, nil))
}
