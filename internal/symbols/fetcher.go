package symbols

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned by fetchers when no source has symbols for a
// module.
var ErrNotFound = errors.New("symbols not found")

// ModuleIdentity is what symbol lookups are keyed on.
type ModuleIdentity struct {
	CodeFile  string
	CodeID    string
	DebugFile string
	DebugID   string
}

func (id ModuleIdentity) String() string {
	return id.DebugFile + "/" + id.DebugID
}

// relPath returns "<debug_file>/<DEBUG_ID>/<name>.sym", the layout shared
// by breakpad symbol stores and the disk cache.
func (id ModuleIdentity) relPath() (string, error) {
	if id.DebugFile == "" || id.DebugID == "" {
		return "", fmt.Errorf("%w: module has no debug identity", ErrNotFound)
	}
	for _, part := range []string{id.DebugFile, id.DebugID} {
		if part == "." || part == ".." || strings.ContainsAny(part, `/\`) {
			return "", fmt.Errorf("invalid path component %q", part)
		}
	}
	name := id.DebugFile
	if ext := path.Ext(name); strings.EqualFold(ext, ".pdb") {
		name = strings.TrimSuffix(name, ext)
	}
	return path.Join(id.DebugFile, strings.ToUpper(id.DebugID), name+".sym"), nil
}

// Fetched is symbol file content as returned by a fetcher.
type Fetched struct {
	Data []byte
	// URL is set when the data came from a remote server.
	URL string
}

// Fetcher obtains raw symbol files. Implementations return ErrNotFound
// when the module has no symbols anywhere; any other error means the
// lookup itself failed.
type Fetcher interface {
	Fetch(ctx context.Context, id ModuleIdentity) (*Fetched, error)
}

// DirFetcher reads symbol files from local breakpad symbol trees.
type DirFetcher struct {
	Roots []string
}

func (d *DirFetcher) Fetch(ctx context.Context, id ModuleIdentity) (*Fetched, error) {
	rel, err := id.relPath()
	if err != nil {
		return nil, err
	}
	for _, root := range d.Roots {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := filepath.Join(root, filepath.FromSlash(rel))
		data, err := os.ReadFile(p)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}
		slog.Debug("Found local symbols", "module", id.DebugFile, "path", p)
		return &Fetched{Data: data}, nil
	}
	return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
}

// MultiFetcher asks each fetcher in turn and returns the first hit. If no
// fetcher has the symbols but one of them failed, the failure is returned
// instead of ErrNotFound.
type MultiFetcher []Fetcher

func (m MultiFetcher) Fetch(ctx context.Context, id ModuleIdentity) (*Fetched, error) {
	var errs []error
	for _, f := range m {
		res, err := f.Fetch(ctx, id)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
}
