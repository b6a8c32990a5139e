package symbols

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Module is the view of a loaded module the store needs. *minidump.Module
// satisfies it.
type Module interface {
	CodeFile() string
	CodeID() string
	DebugFile() string
	DebugID() string
	BaseAddress() uint64
	Size() uint64
}

// Provider resolves absolute addresses inside modules. The stackwalker and
// the processor depend on this rather than on Store.
type Provider interface {
	Resolve(ctx context.Context, m Module, addr uint64) Resolution
	UnwindRule(ctx context.Context, m Module, addr uint64) (*UnwindRule, bool)
}

// SymbolStats records how the symbols of one module were obtained.
type SymbolStats struct {
	DebugFile   string
	DebugID     string
	FromCache   bool
	Fetched     bool
	Uncached    bool
	LoadFailed  bool
	Corrupt     bool
	NoSymbols   bool
	ParseErrors int
	SymbolURL   string
}

type moduleEntry struct {
	ready chan struct{}
	file  *SymbolFile
	kind  Kind // failure kind when file is nil
	stats SymbolStats
}

// Store resolves addresses against the symbol files of a dump's modules.
// Every module is loaded at most once per Store; a failed load is
// remembered and reported for every later lookup in that module.
type Store struct {
	cache   *DiskCache
	fetcher Fetcher
	metrics *Metrics

	mu      sync.Mutex
	modules map[ModuleIdentity]*moduleEntry
}

// NewStore creates a store. cache may be nil, in which case fetched files
// are only kept for the lifetime of the store.
func NewStore(cache *DiskCache, fetcher Fetcher, metrics *Metrics) *Store {
	return &Store{
		cache:   cache,
		fetcher: fetcher,
		metrics: metrics,
		modules: make(map[ModuleIdentity]*moduleEntry),
	}
}

func identityOf(m Module) ModuleIdentity {
	return ModuleIdentity{
		CodeFile:  m.CodeFile(),
		CodeID:    m.CodeID(),
		DebugFile: m.DebugFile(),
		DebugID:   m.DebugID(),
	}
}

func (s *Store) entry(ctx context.Context, m Module) *moduleEntry {
	id := identityOf(m)
	s.mu.Lock()
	e, ok := s.modules[id]
	if !ok {
		e = &moduleEntry{ready: make(chan struct{})}
		s.modules[id] = e
	}
	s.mu.Unlock()
	if ok {
		<-e.ready
		return e
	}
	s.load(ctx, id, e)
	close(e.ready)
	return e
}

func (s *Store) load(ctx context.Context, id ModuleIdentity, e *moduleEntry) {
	e.stats = SymbolStats{DebugFile: id.DebugFile, DebugID: id.DebugID}

	var (
		sf  *SymbolFile
		src Source
		err error
	)
	if s.cache != nil {
		sf, src, err = s.cache.Load(ctx, id, s.fetcher)
	} else {
		sf, err = fetchAndParse(ctx, id, s.fetcher, s.metrics)
		src = SourceFetchedUncached
	}

	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound):
		e.kind = KindNoSymbols
		e.stats.NoSymbols = true
		slog.Debug("No symbols for module", "module", id.CodeFile, "debug_file", id.DebugFile, "debug_id", id.DebugID)
		return
	case errors.Is(err, ErrCorrupt):
		e.kind = KindCorrupt
		e.stats.Corrupt = true
		slog.Warn("Corrupt symbol file", "module", id.CodeFile, "error", err)
		return
	default:
		e.kind = KindLoadFailed
		e.stats.LoadFailed = true
		slog.Warn("Failed to load symbols", "module", id.CodeFile, "error", err)
		return
	}

	e.file = sf
	e.stats.ParseErrors = sf.ParseErrors
	e.stats.SymbolURL = sf.URL
	switch src {
	case SourceCache:
		e.stats.FromCache = true
	case SourceFetched:
		e.stats.Fetched = true
	case SourceFetchedUncached:
		e.stats.Fetched = true
		e.stats.Uncached = true
	}
}

// Resolve looks up an absolute address inside m.
func (s *Store) Resolve(ctx context.Context, m Module, addr uint64) Resolution {
	e := s.entry(ctx, m)
	var r Resolution
	switch {
	case e.file == nil:
		r = Resolution{Kind: e.kind}
	case addr < m.BaseAddress():
		r = Resolution{Kind: KindNoCoverage}
	default:
		r = e.file.Lookup(addr - m.BaseAddress())
	}
	s.metrics.RecordLookup(r.Kind)
	return r
}

// UnwindRule returns the unwind program covering an absolute address
// inside m.
func (s *Store) UnwindRule(ctx context.Context, m Module, addr uint64) (*UnwindRule, bool) {
	e := s.entry(ctx, m)
	if e.file == nil || addr < m.BaseAddress() {
		return nil, false
	}
	return e.file.UnwindRule(addr - m.BaseAddress())
}

// Stats returns the load outcome of every module touched so far, keyed by
// code file.
func (s *Store) Stats() map[string]SymbolStats {
	s.mu.Lock()
	entries := make(map[ModuleIdentity]*moduleEntry, len(s.modules))
	for id, e := range s.modules {
		entries[id] = e
	}
	s.mu.Unlock()

	out := make(map[string]SymbolStats, len(entries))
	for id, e := range entries {
		<-e.ready
		out[id.CodeFile] = e.stats
	}
	return out
}

// StatsFor returns the load outcome of m, if it has been looked up.
func (s *Store) StatsFor(m Module) (SymbolStats, bool) {
	s.mu.Lock()
	e, ok := s.modules[identityOf(m)]
	s.mu.Unlock()
	if !ok {
		return SymbolStats{}, false
	}
	<-e.ready
	return e.stats, true
}
