package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1024, cfg.WalkerConfig().MaxFrames)
	assert.Equal(t, 40, cfg.WalkerConfig().MaxScanWords)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stackwalk.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
symbols:
  paths: [/srv/symbols]
  urls: [https://symbols.example.com/]
  cache_dir: /var/cache/symbols
  http_timeout: 5s
unwind:
  max_scan_words: 64
  pac_mask: 0xffffffffffff
output:
  format: pprof
workers: 8
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"/srv/symbols"}, cfg.Symbols.Paths)
	assert.Equal(t, []string{"https://symbols.example.com/"}, cfg.Symbols.URLs)
	assert.Equal(t, "/var/cache/symbols", cfg.Symbols.CacheDir)
	assert.Equal(t, 5*time.Second, cfg.Symbols.HTTPTimeout)
	assert.Equal(t, 3, cfg.Symbols.HTTPRetries, "unset keys keep their defaults")
	assert.Equal(t, 64, cfg.Unwind.MaxScanWords)
	assert.Equal(t, 1024, cfg.Unwind.MaxFrames)
	assert.Equal(t, uint64(0xffffffffffff), cfg.WalkerConfig().PACMask)
	assert.Equal(t, "pprof", cfg.Output.Format)
	assert.Equal(t, 8, cfg.Workers)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("workers: [1, 2"), 0o644))
	_, err = Load(bad)
	assert.Error(t, err)

	invalid := filepath.Join(t.TempDir(), "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("output:\n  format: html\nworkers: 0\n"), 0o644))
	_, err = Load(invalid)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "output.format")
	assert.Contains(t, err.Error(), "workers must be > 0")
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		"STACKWALK_SYMBOL_PATHS": "/a" + string(os.PathListSeparator) + "/b",
		"STACKWALK_SYMBOL_URLS":  "https://one https://two",
		"STACKWALK_CACHE_DIR":    "/cache",
		"STACKWALK_WORKERS":      "not a number",
	}
	applyEnv(&cfg, func(k string) string { return env[k] })

	assert.Equal(t, []string{"/a", "/b"}, cfg.Symbols.Paths)
	assert.Equal(t, []string{"https://one", "https://two"}, cfg.Symbols.URLs)
	assert.Equal(t, "/cache", cfg.Symbols.CacheDir)
	assert.Equal(t, 4, cfg.Workers, "unparsable numbers are ignored")
}

func TestValidateTempDirNeedsCache(t *testing.T) {
	cfg := Default()
	cfg.Symbols.TempDir = "/tmp/sym"
	assert.ErrorContains(t, cfg.Validate(), "temp_dir")
}
