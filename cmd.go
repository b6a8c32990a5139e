package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/VladMinzatu/minidump-stackwalker/internal/config"
	"github.com/VladMinzatu/minidump-stackwalker/internal/exporter"
	"github.com/VladMinzatu/minidump-stackwalker/internal/minidump"
	"github.com/VladMinzatu/minidump-stackwalker/internal/processor"
	"github.com/VladMinzatu/minidump-stackwalker/internal/symbols"
)

type options struct {
	configPath  string
	verbose     bool
	format      string
	threads     string
	output      string
	symbolPaths []string
	symbolURLs  []string
	cacheDir    string
	workers     int
	extraInfo   string
	metricsFile string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "stackwalk",
		Short:         "Produce stack traces from minidump crash reports",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if opts.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&opts.configPath, "config", "", "YAML config file")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging and registers for every frame")
	f.StringVar(&opts.format, "format", "", "output format: text, pprof, otlp or folded")
	f.StringVar(&opts.threads, "threads", "", "threads to export: all or requesting")
	f.StringVarP(&opts.output, "output", "o", "", "output file (default stdout)")
	f.StringSliceVar(&opts.symbolPaths, "symbols-path", nil, "local symbol directory (repeatable)")
	f.StringSliceVar(&opts.symbolURLs, "symbols-url", nil, "symbol server URL (repeatable)")
	f.StringVar(&opts.cacheDir, "cache-dir", "", "directory for downloaded symbols")
	f.StringVar(&opts.metricsFile, "metrics-file", "", "write Prometheus metrics to this file on exit")

	process := &cobra.Command{
		Use:   "process <minidump>",
		Short: "Walk every thread of one minidump",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcess(cmd.Context(), opts, args[0])
		},
	}
	process.Flags().StringVar(&opts.extraInfo, "extra-info", "", "JSON crash annotations (thread names, module signatures)")

	batch := &cobra.Command{
		Use:   "batch <minidump>...",
		Short: "Walk many minidumps in parallel and aggregate their stacks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(cmd.Context(), opts, args)
		},
	}
	batch.Flags().IntVar(&opts.workers, "workers", 0, "dumps processed at once")

	root.AddCommand(process, batch)
	return root
}

// loadConfig applies command line flags over the config file.
func loadConfig(opts *options) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return cfg, err
	}
	if opts.format != "" {
		cfg.Output.Format = opts.format
	}
	if opts.threads != "" {
		cfg.Output.Threads = opts.threads
	}
	if len(opts.symbolPaths) > 0 {
		cfg.Symbols.Paths = opts.symbolPaths
	}
	if len(opts.symbolURLs) > 0 {
		cfg.Symbols.URLs = opts.symbolURLs
	}
	if opts.cacheDir != "" {
		cfg.Symbols.CacheDir = opts.cacheDir
	}
	if opts.workers != 0 {
		cfg.Workers = opts.workers
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid flags: %w", err)
	}
	return cfg, nil
}

// symbolStack builds what every Store of a run shares.
type symbolStack struct {
	cache   *symbols.DiskCache
	fetcher symbols.Fetcher
	metrics *symbols.Metrics
}

func newSymbolStack(cfg config.Config, metrics *symbols.Metrics) (*symbolStack, error) {
	s := &symbolStack{metrics: metrics}
	if cfg.Symbols.CacheDir != "" {
		cache, err := symbols.NewDiskCache(cfg.Symbols.CacheDir, cfg.Symbols.TempDir, cfg.Symbols.MemoryEntries, metrics)
		if err != nil {
			return nil, err
		}
		s.cache = cache
	}

	var fetchers symbols.MultiFetcher
	if len(cfg.Symbols.Paths) > 0 {
		fetchers = append(fetchers, &symbols.DirFetcher{Roots: cfg.Symbols.Paths})
	}
	if len(cfg.Symbols.URLs) > 0 {
		var limiter *rate.Limiter
		if cfg.Symbols.RequestsPerSec > 0 {
			limiter = rate.NewLimiter(rate.Limit(cfg.Symbols.RequestsPerSec), 1)
		}
		fetchers = append(fetchers, &symbols.HTTPFetcher{
			URLs:         cfg.Symbols.URLs,
			Client:       &http.Client{Timeout: cfg.Symbols.HTTPTimeout},
			MaxRetries:   cfg.Symbols.HTTPRetries,
			RetryBackoff: cfg.Symbols.HTTPBackoff,
			Limiter:      limiter,
			UserAgent:    "minidump-stackwalker",
		})
	}
	s.fetcher = fetchers
	return s, nil
}

func (s *symbolStack) newStore() processor.SymbolProvider {
	return symbols.NewStore(s.cache, s.fetcher, s.metrics)
}

func threadSelection(cfg config.Config) exporter.ThreadSelection {
	if cfg.Output.Threads == "requesting" {
		return exporter.Requesting
	}
	return exporter.All
}

func runProcess(ctx context.Context, opts *options, path string) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return fail("Failed to load config", err)
	}
	metrics, reg, err := newMetrics(opts.metricsFile)
	if err != nil {
		return err
	}
	stack, err := newSymbolStack(cfg, metrics)
	if err != nil {
		return fail("Failed to initialise symbol cache", err)
	}

	pOpts := processor.Options{Walker: cfg.WalkerConfig()}
	if opts.extraInfo != "" {
		extra, err := processor.LoadExtraInfo(opts.extraInfo)
		if err != nil {
			return fail("Failed to load extra info", err, "path", opts.extraInfo)
		}
		pOpts.Extra = extra
	}

	d, err := minidump.Open(path)
	if err != nil {
		return fail("Failed to open minidump", err, "path", path)
	}
	defer d.Close()

	start := time.Now()
	state, err := processor.Process(ctx, d, stack.newStore(), pOpts)
	if err != nil {
		return fail("Failed to process minidump", err, "path", path)
	}
	slog.Debug("Processed minidump", "path", path, "threads", len(state.Threads), "duration", time.Since(start))

	if err := writeOutput(cfg, opts, []*processor.ProcessState{state}); err != nil {
		return fail("Failed to write output", err)
	}
	return writeMetrics(opts.metricsFile, reg)
}

func runBatch(ctx context.Context, opts *options, paths []string) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return fail("Failed to load config", err)
	}
	if opts.format == "" && cfg.Output.Format == "text" {
		cfg.Output.Format = "folded"
	}
	if cfg.Output.Format == "text" || cfg.Output.Format == "otlp" {
		return fail("Unsupported batch format", fmt.Errorf("format %q describes a single dump; use pprof or folded", cfg.Output.Format))
	}
	metrics, reg, err := newMetrics(opts.metricsFile)
	if err != nil {
		return err
	}
	stack, err := newSymbolStack(cfg, metrics)
	if err != nil {
		return fail("Failed to initialise symbol cache", err)
	}

	b, err := processor.NewBatch(cfg.Workers, stack.newStore, processor.Options{Walker: cfg.WalkerConfig()})
	if err != nil {
		return fail("Failed to create batch", err)
	}

	runID := uuid.New()
	slog.Info("Starting batch", "run", runID, "dumps", len(paths), "workers", cfg.Workers)
	var states []*processor.ProcessState
	failed := 0
	for res := range b.Run(ctx, paths) {
		if res.Err != nil {
			failed++
			slog.Warn("Failed to process minidump", "run", runID, "path", res.Path, "error", res.Err)
			continue
		}
		slog.Debug("Processed minidump", "run", runID, "path", res.Path, "crash_reason", res.State.CrashReason, "duration", res.Duration)
		states = append(states, res.State)
	}
	slog.Info("Finished batch", "run", runID, "processed", len(states), "failed", failed)
	if err := ctx.Err(); err != nil {
		return fail("Batch interrupted", err)
	}

	if err := writeOutput(cfg, opts, states); err != nil {
		return fail("Failed to write output", err)
	}
	if err := writeMetrics(opts.metricsFile, reg); err != nil {
		return err
	}
	if failed > 0 {
		return fail("Batch incomplete", fmt.Errorf("%d of %d dumps failed", failed, len(paths)), "run", runID)
	}
	return nil
}

// writeOutput writes states to the output file, or stdout when none is set.
func writeOutput(cfg config.Config, opts *options, states []*processor.ProcessState) error {
	if opts.output == "" {
		return writeFormat(os.Stdout, cfg, opts.verbose, states)
	}
	f, err := os.Create(opts.output)
	if err != nil {
		return err
	}
	if err := writeFormat(f, cfg, opts.verbose, states); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeFormat(w io.Writer, cfg config.Config, verbose bool, states []*processor.ProcessState) error {
	which := threadSelection(cfg)
	switch cfg.Output.Format {
	case "text":
		return exporter.WriteText(w, states[0], verbose)
	case "otlp":
		data := exporter.BuildOltpProfile(states[0], which, func() uint64 { return uint64(time.Now().UnixNano()) })
		return exporter.WriteOltp(data, w)
	case "pprof":
		p, err := exporter.BuildPprofProfile(states, which)
		if err != nil {
			return err
		}
		return exporter.WriteProfileGzip(p, w)
	case "folded":
		return exporter.WriteFoldedStacks(exporter.BuildFoldedStacks(states, which), w)
	}
	return fmt.Errorf("unknown format %q", cfg.Output.Format)
}

// newMetrics registers the symbol metrics with a fresh registry when a
// metrics file was requested.
func newMetrics(path string) (*symbols.Metrics, *prometheus.Registry, error) {
	metrics := symbols.NewMetrics()
	if path == "" {
		return metrics, nil, nil
	}
	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg, "stackwalk"); err != nil {
		return nil, nil, fail("Failed to register metrics", err)
	}
	return metrics, reg, nil
}

func writeMetrics(path string, reg *prometheus.Registry) error {
	if reg == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, reg); err != nil {
		return fail("Failed to write metrics", err, "path", path)
	}
	return nil
}

// fail logs msg with err and returns err for cobra to turn into the exit
// status.
func fail(msg string, err error, args ...any) error {
	slog.Error(msg, append(args, "error", err)...)
	return err
}
