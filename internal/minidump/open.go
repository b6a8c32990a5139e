package minidump

import (
	"fmt"
	"log/slog"
	"os"
)

// Open maps the file at path read-only and parses it. The mapping is
// released by Close.
func Open(path string) (*Dump, error) {
	data, release, err := mapFile(path)
	if err != nil {
		slog.Debug("Falling back to reading minidump into memory", "path", path, "error", err)
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		release = nil
	}
	d, err := Read(data)
	if err != nil {
		if release != nil {
			_ = release()
		}
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	d.release = release
	return d, nil
}
