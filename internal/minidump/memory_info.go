package minidump

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
)

const (
	memCommit  = 0x1000
	memReserve = 0x2000
	memFree    = 0x10000

	pageNoAccess         = 0x01
	pageExecute          = 0x10
	pageExecuteRead      = 0x20
	pageExecuteReadWrite = 0x40
	pageExecuteWriteCopy = 0x80
	pageReadWrite        = 0x04
	pageWriteCopy        = 0x08
	pageGuard            = 0x100
)

// MemoryInfo is one entry of the Windows memory info stream.
type MemoryInfo struct {
	Base              uint64
	AllocationBase    uint64
	AllocationProtect uint32
	RegionSize        uint64
	State             uint32
	Protect           uint32
	Type              uint32
}

func (d *Dump) MemoryInfoList() ([]MemoryInfo, error) {
	c, raw, err := d.streamCursor(MemoryInfoListStream)
	if err != nil {
		return nil, err
	}
	start := c.off
	headerLen := c.u32()
	entryLen := c.u32()
	count := c.u64()
	if c.err != nil {
		return nil, d.corrupt(MemoryInfoListStream, c.err)
	}
	if entryLen < memInfoSize || count > uint64(len(raw))/uint64(entryLen) ||
		uint64(headerLen)+count*uint64(entryLen) > uint64(len(raw)) {
		return nil, &CorruptStreamError{Type: MemoryInfoListStream, Reason: fmt.Sprintf("%d entries of %d bytes do not fit %d bytes", count, entryLen, len(raw))}
	}
	infos := make([]MemoryInfo, 0, count)
	for i := uint64(0); i < count; i++ {
		c.off = start + int(headerLen) + int(i)*int(entryLen)
		info := MemoryInfo{
			Base:              c.u64(),
			AllocationBase:    c.u64(),
			AllocationProtect: c.u32(),
		}
		c.skip(4)
		info.RegionSize = c.u64()
		info.State = c.u32()
		info.Protect = c.u32()
		info.Type = c.u32()
		if c.err != nil {
			return nil, d.corrupt(MemoryInfoListStream, c.err)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// MapRegion is one line of a /proc/<pid>/maps dump.
type MapRegion struct {
	Start, End uint64
	Offset     uint64
	Perms      string
	Path       string
}

// LinuxMaps parses the /proc/self/maps text captured by breakpad writers.
// Malformed lines are logged and skipped.
func (d *Dump) LinuxMaps() ([]MapRegion, error) {
	raw, err := d.Stream(LinuxMapsStream)
	if err != nil {
		return nil, err
	}
	return ParseMaps(raw), nil
}

func ParseMaps(raw []byte) []MapRegion {
	var regions []MapRegion
	s := bufio.NewScanner(bytes.NewReader(raw))
	for s.Scan() {
		line := s.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		entry, err := parseMapEntry(line)
		if err != nil {
			slog.Warn("Failed to parse map entry", "line", line, "error", err)
			continue
		}
		regions = append(regions, entry)
	}
	return regions
}

// Example format:
//
//	55d4b2000000-55d4b2021000 r--p 00000000 08:01 131073 /usr/bin/myprog
func parseMapEntry(line string) (MapRegion, error) {
	parts := strings.Fields(line)
	if len(parts) < 5 {
		return MapRegion{}, fmt.Errorf("not enough fields: %d in line %q", len(parts), line)
	}
	addr := parts[0]
	perms := parts[1]
	off := parts[2]
	// The path may contain spaces.
	var path string
	if len(parts) >= 6 {
		path = strings.Join(parts[5:], " ")
	}
	se := strings.SplitN(addr, "-", 2)
	if len(se) != 2 {
		return MapRegion{}, fmt.Errorf("invalid address range format in line %q", line)
	}
	start, err1 := strconv.ParseUint(se[0], 16, 64)
	end, err2 := strconv.ParseUint(se[1], 16, 64)
	offv, err3 := strconv.ParseUint(off, 16, 64)
	if err := errors.Join(err1, err2, err3); err != nil {
		return MapRegion{}, fmt.Errorf("failed to parse numeric fields in line %q: %w", line, err)
	}
	if end < start || len(perms) < 3 {
		return MapRegion{}, fmt.Errorf("invalid region in line %q", line)
	}
	return MapRegion{Start: start, End: end, Offset: offv, Perms: perms, Path: path}, nil
}

// Region is the permission and state of an address range, whichever stream
// it came from.
type Region struct {
	Base       uint64
	Size       uint64
	Readable   bool
	Writable   bool
	Executable bool
	// Free marks released or reserved address space.
	Free bool
	Path string
}

func (r *Region) End() uint64 { return r.Base + r.Size }

func (r *Region) Contains(addr uint64) bool {
	return addr >= r.Base && addr-r.Base < r.Size
}

// UnifiedMemoryInfo answers permission queries from either the Windows
// memory info stream or the Linux maps stream.
type UnifiedMemoryInfo struct {
	Source  StreamType
	Regions []Region
}

func NewUnifiedMemoryInfo(source StreamType, regions []Region) *UnifiedMemoryInfo {
	sort.SliceStable(regions, func(i, j int) bool { return regions[i].Base < regions[j].Base })
	return &UnifiedMemoryInfo{Source: source, Regions: regions}
}

// UnifiedMemoryInfo prefers the memory info stream and falls back to the
// maps stream. ErrStreamNotPresent is returned when neither is usable.
func (d *Dump) UnifiedMemoryInfo() (*UnifiedMemoryInfo, error) {
	infos, err := d.MemoryInfoList()
	if err == nil {
		regions := make([]Region, 0, len(infos))
		for _, in := range infos {
			regions = append(regions, regionFromMemoryInfo(in))
		}
		return NewUnifiedMemoryInfo(MemoryInfoListStream, regions), nil
	}
	if !isNotPresent(err) {
		slog.Warn("Ignoring memory info stream", "error", err)
	}
	maps, err := d.LinuxMaps()
	if err != nil {
		if isNotPresent(err) {
			return nil, fmt.Errorf("memory info: %w", ErrStreamNotPresent)
		}
		return nil, err
	}
	regions := make([]Region, 0, len(maps))
	for _, m := range maps {
		regions = append(regions, regionFromMap(m))
	}
	return NewUnifiedMemoryInfo(LinuxMapsStream, regions), nil
}

func regionFromMemoryInfo(in MemoryInfo) Region {
	r := Region{Base: in.Base, Size: in.RegionSize, Free: in.State != memCommit}
	p := in.Protect &^ (pageGuard | 0x200 | 0x400)
	switch p {
	case pageExecute:
		r.Executable = true
	case pageExecuteRead:
		r.Executable, r.Readable = true, true
	case pageExecuteReadWrite, pageExecuteWriteCopy:
		r.Executable, r.Readable, r.Writable = true, true, true
	case pageReadWrite, pageWriteCopy:
		r.Readable, r.Writable = true, true
	case pageNoAccess:
	default:
		r.Readable = true
	}
	if r.Free {
		r.Readable, r.Writable, r.Executable = false, false, false
	}
	return r
}

func regionFromMap(m MapRegion) Region {
	return Region{
		Base:       m.Start,
		Size:       m.End - m.Start,
		Readable:   m.Perms[0] == 'r',
		Writable:   m.Perms[1] == 'w',
		Executable: m.Perms[2] == 'x',
		Path:       m.Path,
	}
}

// InfoAtAddress returns the region containing addr, or nil.
func (u *UnifiedMemoryInfo) InfoAtAddress(addr uint64) *Region {
	if u == nil {
		return nil
	}
	i := sort.Search(len(u.Regions), func(i int) bool { return u.Regions[i].Base > addr })
	if i == 0 {
		return nil
	}
	if r := &u.Regions[i-1]; r.Contains(addr) {
		return r
	}
	return nil
}

// IsExecutable reports whether addr is mapped executable.
func (u *UnifiedMemoryInfo) IsExecutable(addr uint64) bool {
	r := u.InfoAtAddress(addr)
	return r != nil && r.Executable && !r.Free
}
