// Package config loads stackwalker settings from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/VladMinzatu/minidump-stackwalker/internal/stackwalker"
)

type Config struct {
	Symbols SymbolsConfig `yaml:"symbols"`
	Unwind  UnwindConfig  `yaml:"unwind"`
	Output  OutputConfig  `yaml:"output"`
	// Workers bounds how many dumps a batch processes at once.
	Workers int `yaml:"workers"`
}

type SymbolsConfig struct {
	// Paths are local symbol stores laid out as name/id/name.sym.
	Paths []string `yaml:"paths"`
	URLs  []string `yaml:"urls"`
	// CacheDir keeps downloaded symbol files; empty disables the cache.
	CacheDir string `yaml:"cache_dir"`
	// TempDir holds in-flight cache writes. It must be on the same
	// filesystem as CacheDir for publishing to be atomic.
	TempDir        string        `yaml:"temp_dir"`
	MemoryEntries  int           `yaml:"memory_entries"`
	HTTPTimeout    time.Duration `yaml:"http_timeout"`
	HTTPRetries    int           `yaml:"http_retries"`
	HTTPBackoff    time.Duration `yaml:"http_backoff"`
	RequestsPerSec float64       `yaml:"requests_per_second"`
}

type UnwindConfig struct {
	MaxFrames    int    `yaml:"max_frames"`
	MaxScanWords int    `yaml:"max_scan_words"`
	PACMask      uint64 `yaml:"pac_mask"`
}

type OutputConfig struct {
	// Format is one of text, pprof, otlp or folded.
	Format  string `yaml:"format"`
	Threads string `yaml:"threads"`
}

var formats = []string{"text", "pprof", "otlp", "folded"}

func Default() Config {
	return Config{
		Symbols: SymbolsConfig{
			MemoryEntries:  64,
			HTTPTimeout:    30 * time.Second,
			HTTPRetries:    3,
			HTTPBackoff:    500 * time.Millisecond,
			RequestsPerSec: 10,
		},
		Unwind: UnwindConfig{
			MaxFrames:    stackwalker.DefaultMaxFrames,
			MaxScanWords: stackwalker.DefaultMaxScanWords,
		},
		Output: OutputConfig{
			Format:  "text",
			Threads: "all",
		},
		Workers: 4,
	}
}

// Load reads the YAML file at path over the defaults, then applies
// STACKWALK_* environment overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	applyEnv(&cfg, os.Getenv)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("STACKWALK_SYMBOL_PATHS"); v != "" {
		cfg.Symbols.Paths = strings.Split(v, string(os.PathListSeparator))
	}
	if v := getenv("STACKWALK_SYMBOL_URLS"); v != "" {
		cfg.Symbols.URLs = strings.Fields(v)
	}
	if v := getenv("STACKWALK_CACHE_DIR"); v != "" {
		cfg.Symbols.CacheDir = v
	}
	if v := getenv("STACKWALK_TEMP_DIR"); v != "" {
		cfg.Symbols.TempDir = v
	}
	if v := getenv("STACKWALK_WORKERS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Workers = i
		}
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.Workers <= 0 {
		errs = append(errs, errors.New("workers must be > 0"))
	}
	if c.Unwind.MaxFrames <= 0 {
		errs = append(errs, errors.New("unwind.max_frames must be > 0"))
	}
	if c.Unwind.MaxScanWords <= 0 {
		errs = append(errs, errors.New("unwind.max_scan_words must be > 0"))
	}
	if c.Symbols.MemoryEntries <= 0 {
		errs = append(errs, errors.New("symbols.memory_entries must be > 0"))
	}
	if c.Symbols.HTTPRetries < 0 {
		errs = append(errs, errors.New("symbols.http_retries must be >= 0"))
	}
	if c.Symbols.RequestsPerSec < 0 {
		errs = append(errs, errors.New("symbols.requests_per_second must be >= 0"))
	}
	if c.Symbols.TempDir != "" && c.Symbols.CacheDir == "" {
		errs = append(errs, errors.New("symbols.temp_dir needs symbols.cache_dir"))
	}
	if !contains(formats, c.Output.Format) {
		errs = append(errs, fmt.Errorf("output.format %q is not one of %s", c.Output.Format, strings.Join(formats, ", ")))
	}
	if c.Output.Threads != "all" && c.Output.Threads != "requesting" {
		errs = append(errs, fmt.Errorf("output.threads %q is not all or requesting", c.Output.Threads))
	}
	return errors.Join(errs...)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// WalkerConfig returns the unwinder limits.
func (c *Config) WalkerConfig() stackwalker.Config {
	return stackwalker.Config{
		MaxFrames:    c.Unwind.MaxFrames,
		MaxScanWords: c.Unwind.MaxScanWords,
		PACMask:      c.Unwind.PACMask,
	}
}
