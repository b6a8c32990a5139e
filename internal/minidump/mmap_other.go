//go:build !unix

package minidump

import "errors"

func mapFile(path string) ([]byte, func() error, error) {
	return nil, nil, errors.New("mmap not supported on this platform")
}
