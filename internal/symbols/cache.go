package symbols

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Source tells where a loaded symbol file came from.
type Source uint8

const (
	SourceCache Source = iota
	SourceFetched
	// SourceFetchedUncached: fetched, but publishing to the cache failed.
	SourceFetchedUncached
)

// ErrPublish wraps failures to move a finished temp file into the cache.
var ErrPublish = errors.New("publishing symbol file failed")

// DiskCache stores parsed symbol files under
// <root>/<debug_file>/<DEBUG_ID>/<name>.sym. Entries are written to a
// private temp file and renamed into place, so readers only ever see
// complete files and concurrent writers of one entry each succeed with the
// last rename winning.
type DiskCache struct {
	root    string
	tmpDir  string
	memo    *lru.Cache[string, *SymbolFile]
	group   singleflight.Group
	metrics *Metrics
}

// NewDiskCache creates the root and temp directories. tmpDir defaults to
// <root>/tmp so the rename stays on one filesystem; capacity bounds the
// number of parsed files kept in memory.
func NewDiskCache(root, tmpDir string, capacity int, metrics *Metrics) (*DiskCache, error) {
	if tmpDir == "" {
		tmpDir = filepath.Join(root, "tmp")
	}
	for _, dir := range []string{root, tmpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
	}
	if capacity <= 0 {
		capacity = 64
	}
	memo, err := lru.New[string, *SymbolFile](capacity)
	if err != nil {
		return nil, err
	}
	return &DiskCache{root: root, tmpDir: tmpDir, memo: memo, metrics: metrics}, nil
}

// Path returns the final location of the entry for id.
func (c *DiskCache) Path(id ModuleIdentity) (string, error) {
	rel, err := id.relPath()
	if err != nil {
		return "", err
	}
	return filepath.Join(c.root, filepath.FromSlash(rel)), nil
}

// Get reads and parses the cached entry. A missing entry is reported with
// fs.ErrNotExist.
func (c *DiskCache) Get(id ModuleIdentity) (*SymbolFile, error) {
	p, err := c.Path(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

// Put serializes sf and publishes it atomically. Errors wrapping
// ErrPublish mean the file was written but could not be moved into place.
func (c *DiskCache) Put(id ModuleIdentity, sf *SymbolFile) error {
	final, err := c.Path(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return fmt.Errorf("create cache entry directory: %w", err)
	}

	tmpPath := filepath.Join(c.tmpDir, uuid.NewString()+".sym.tmp")
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := sf.WriteTo(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("write symbol file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync symbol file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close symbol file: %w", err)
	}
	if err := os.Rename(tmpPath, final); err != nil {
		return fmt.Errorf("%w: %v", ErrPublish, err)
	}
	success = true
	return nil
}

// Load returns the symbol file for id from memory, disk or fetcher, in
// that order. Concurrent loads of one entry share a single fetch.
func (c *DiskCache) Load(ctx context.Context, id ModuleIdentity, fetcher Fetcher) (*SymbolFile, Source, error) {
	key := id.String()
	if sf, ok := c.memo.Get(key); ok {
		c.metrics.RecordCacheHit()
		return sf, SourceCache, nil
	}
	type result struct {
		sf  *SymbolFile
		src Source
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		if sf, ok := c.memo.Get(key); ok {
			return result{sf, SourceCache}, nil
		}
		sf, err := c.Get(id)
		switch {
		case err == nil:
			c.metrics.RecordCacheHit()
			c.memo.Add(key, sf)
			return result{sf, SourceCache}, nil
		case errors.Is(err, fs.ErrNotExist):
		case errors.Is(err, ErrCorrupt):
			slog.Warn("Ignoring unreadable cache entry", "module", key, "error", err)
		default:
			return nil, err
		}
		c.metrics.RecordCacheMiss()

		sf, err = fetchAndParse(ctx, id, fetcher, c.metrics)
		if err != nil {
			return nil, err
		}
		src := SourceFetched
		if err := c.Put(id, sf); err != nil {
			c.metrics.RecordPublishFailure()
			slog.Warn("Using symbols without caching them", "module", key, "error", err)
			src = SourceFetchedUncached
		}
		c.memo.Add(key, sf)
		return result{sf, src}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	r := v.(result)
	return r.sf, r.src, nil
}

func fetchAndParse(ctx context.Context, id ModuleIdentity, fetcher Fetcher, metrics *Metrics) (*SymbolFile, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	start := time.Now()
	res, err := fetcher.Fetch(ctx, id)
	metrics.RecordFetch(time.Since(start))
	if err != nil {
		return nil, err
	}
	sf, err := Parse(bytes.NewReader(res.Data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", id, err)
	}
	if res.URL != "" && sf.URL == "" {
		sf.URL = res.URL
	}
	return sf, nil
}
