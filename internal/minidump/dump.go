// Package minidump reads the stream directory of a minidump crash snapshot
// and exposes typed, zero-copy views of the streams the stack walker needs.
//
// A Dump owns the raw file bytes; every view returned by it slices into that
// arena, so views must not outlive the Dump they came from.
package minidump

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrNotMinidump      = errors.New("not a minidump")
	ErrCorruptDirectory = errors.New("minidump stream directory is unreadable")
	ErrStreamNotPresent = errors.New("stream not present")
)

// CorruptStreamError reports a stream whose directory entry or records point
// outside the file. It only affects that stream.
type CorruptStreamError struct {
	Type   StreamType
	Reason string
}

func (e *CorruptStreamError) Error() string {
	return fmt.Sprintf("corrupt %s stream: %s", e.Type, e.Reason)
}

type Header struct {
	Signature     uint32
	Version       uint32
	StreamCount   uint32
	DirectoryRVA  uint32
	Checksum      uint32
	TimeDateStamp uint32
	Flags         uint64
}

func (h Header) Time() time.Time {
	return time.Unix(int64(h.TimeDateStamp), 0).UTC()
}

type DirectoryEntry struct {
	Type     StreamType
	Location Location
}

type Dump struct {
	Header    Header
	Directory []DirectoryEntry

	order   binary.ByteOrder
	data    []byte
	streams map[StreamType]int
	release func() error

	sysOnce sync.Once
	sys     *SystemInfo
	sysErr  error
}

// Read parses the header and the stream directory of data. Only a missing
// or unreadable header/directory is fatal; problems inside individual
// streams surface when that stream is requested.
func Read(data []byte) (*Dump, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: file is %d bytes", ErrNotMinidump, len(data))
	}
	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(data) == signature:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(data) == signature:
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: bad signature %#x", ErrNotMinidump, binary.LittleEndian.Uint32(data))
	}

	c := newCursor(data, order, 0, "reading header")
	h := Header{
		Signature:     c.u32(),
		Version:       c.u32(),
		StreamCount:   c.u32(),
		DirectoryRVA:  c.u32(),
		Checksum:      c.u32(),
		TimeDateStamp: c.u32(),
		Flags:         c.u64(),
	}
	if c.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotMinidump, c.err)
	}
	if h.Version&0xffff != formatVersion {
		return nil, fmt.Errorf("%w: bad version %#x", ErrNotMinidump, h.Version)
	}

	if uint64(h.DirectoryRVA)+uint64(h.StreamCount)*directorySize > uint64(len(data)) {
		return nil, fmt.Errorf("%w: %d entries at %#x exceed file size %#x", ErrCorruptDirectory, h.StreamCount, h.DirectoryRVA, len(data))
	}

	d := &Dump{
		Header:    h,
		Directory: make([]DirectoryEntry, 0, h.StreamCount),
		order:     order,
		data:      data,
		streams:   make(map[StreamType]int, h.StreamCount),
	}
	c = newCursor(data, order, int(h.DirectoryRVA), "reading stream directory")
	for i := uint32(0); i < h.StreamCount; i++ {
		e := DirectoryEntry{Type: StreamType(c.u32()), Location: c.location()}
		if c.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptDirectory, c.err)
		}
		d.Directory = append(d.Directory, e)
		if e.Type == UnusedStream {
			continue
		}
		if _, dup := d.streams[e.Type]; dup {
			slog.Debug("Ignoring duplicate stream", "type", e.Type, "index", i)
			continue
		}
		d.streams[e.Type] = len(d.Directory) - 1
	}
	return d, nil
}

// ByteOrder returns the byte order the dump was written in.
func (d *Dump) ByteOrder() binary.ByteOrder { return d.order }

// Size returns the size of the underlying file.
func (d *Dump) Size() int { return len(d.data) }

// Close releases the backing storage when the dump was opened with Open.
func (d *Dump) Close() error {
	if d.release == nil {
		return nil
	}
	err := d.release()
	d.release = nil
	d.data = nil
	return err
}

// Stream returns the raw bytes of a stream. Absence is reported with
// ErrStreamNotPresent; a directory entry pointing outside the file yields a
// *CorruptStreamError.
func (d *Dump) Stream(t StreamType) ([]byte, error) {
	idx, ok := d.streams[t]
	if !ok {
		return nil, fmt.Errorf("%s: %w", t, ErrStreamNotPresent)
	}
	loc := d.Directory[idx].Location
	raw, ok := span(d.data, loc)
	if !ok {
		return nil, &CorruptStreamError{Type: t, Reason: fmt.Sprintf("location %#x+%#x exceeds file size %#x", loc.RVA, loc.DataSize, len(d.data))}
	}
	return raw, nil
}

// HasStream reports whether the directory lists the stream type.
func (d *Dump) HasStream(t StreamType) bool {
	_, ok := d.streams[t]
	return ok
}

// UnknownStreams lists directory entries whose type the reader does not
// understand, in directory order.
func (d *Dump) UnknownStreams() []DirectoryEntry {
	var unknown []DirectoryEntry
	for _, e := range d.Directory {
		if !e.Type.Known() {
			unknown = append(unknown, e)
		}
	}
	return unknown
}

// streamCursor positions a cursor at the start of stream t. Reads past the
// stream's declared size fail instead of running into the next stream.
func (d *Dump) streamCursor(t StreamType) (*cursor, []byte, error) {
	raw, err := d.Stream(t)
	if err != nil {
		return nil, nil, err
	}
	loc := d.Directory[d.streams[t]].Location
	return newCursor(d.data[:loc.End()], d.order, int(loc.RVA), fmt.Sprintf("reading %s stream", t)), raw, nil
}

func (d *Dump) corrupt(t StreamType, err error) error {
	return &CorruptStreamError{Type: t, Reason: err.Error()}
}

// pointerSize falls back to 64 bit when the system info stream is missing.
func (d *Dump) pointerSize() int {
	sys, err := d.SystemInfo()
	if err != nil {
		return 8
	}
	if n := sys.Arch.PointerSize(); n != 0 {
		return n
	}
	return 8
}

func isNotPresent(err error) bool {
	return errors.Is(err, ErrStreamNotPresent)
}
