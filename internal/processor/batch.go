package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/VladMinzatu/minidump-stackwalker/internal/minidump"
)

// ProviderFactory returns the symbol provider for one dump. Providers are
// per dump so their stats describe that dump; they should share one
// symbols.DiskCache.
type ProviderFactory func() SymbolProvider

type Result struct {
	Path     string
	State    *ProcessState
	Err      error
	Duration time.Duration
}

// Batch processes independent dumps in parallel.
type Batch struct {
	workers     int
	newProvider ProviderFactory
	opts        Options
}

func NewBatch(workers int, newProvider ProviderFactory, opts Options) (*Batch, error) {
	if workers <= 0 {
		return nil, errors.New("invalid workers; must be > 0")
	}
	if newProvider == nil {
		newProvider = func() SymbolProvider { return nil }
	}
	return &Batch{workers: workers, newProvider: newProvider, opts: opts}, nil
}

// Run processes every path and streams one Result per dump, in completion
// order. The channel is closed once all dumps are done. Cancelling ctx stops
// dumps that have not started; a dump already being unwound runs to the
// end.
func (b *Batch) Run(ctx context.Context, paths []string) <-chan Result {
	out := make(chan Result, b.workers)
	go func() {
		defer close(out)
		g, ctx := errgroup.WithContext(ctx)
		g.SetLimit(b.workers)
		for _, path := range paths {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				res := b.processFile(ctx, path)
				select {
				case out <- res:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
		}
		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("Batch stopped early", "error", err)
		}
	}()
	return out
}

func (b *Batch) processFile(ctx context.Context, path string) Result {
	start := time.Now()
	res := Result{Path: path}
	d, err := minidump.Open(path)
	if err != nil {
		res.Err = fmt.Errorf("opening %s: %w", path, err)
		return res
	}
	defer func() {
		if err := d.Close(); err != nil {
			slog.Warn("Failed to close minidump", "path", path, "error", err)
		}
	}()

	res.State, res.Err = Process(ctx, d, b.newProvider(), b.opts)
	res.Duration = time.Since(start)
	if res.Err != nil {
		slog.Warn("Failed to process minidump", "path", path, "error", res.Err)
	}
	return res
}
