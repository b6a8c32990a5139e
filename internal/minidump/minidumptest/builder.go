// Package minidumptest assembles synthetic minidumps in memory for tests.
package minidumptest

import (
	"encoding/binary"
	"slices"
	"unicode/utf16"

	"github.com/VladMinzatu/minidump-stackwalker/internal/minidump"
)

const headerSize = 32

type dirEntry struct {
	t   minidump.StreamType
	loc minidump.Location
}

// byteOrder is satisfied by binary.LittleEndian and binary.BigEndian.
type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

// Builder lays out blobs after the header and writes the stream directory
// last, so streams can reference blobs appended before them.
type Builder struct {
	order     byteOrder
	buf       []byte
	dir       []dirEntry
	timestamp uint32
	version   uint32
}

func New() *Builder {
	return &Builder{order: binary.LittleEndian, buf: make([]byte, headerSize), version: 0xa793}
}

func NewBigEndian() *Builder {
	b := New()
	b.order = binary.BigEndian
	return b
}

func (b *Builder) Order() binary.ByteOrder { return b.order }

func (b *Builder) Timestamp(t uint32) *Builder {
	b.timestamp = t
	return b
}

// Append stores raw bytes, 4 byte aligned, and returns their location.
func (b *Builder) Append(data []byte) minidump.Location {
	for len(b.buf)%4 != 0 {
		b.buf = append(b.buf, 0)
	}
	loc := minidump.Location{DataSize: uint32(len(data)), RVA: uint32(len(b.buf))}
	b.buf = append(b.buf, data...)
	return loc
}

// String appends a MINIDUMP_STRING and returns its RVA.
func (b *Builder) String(s string) uint32 {
	units := utf16.Encode([]rune(s))
	w := b.writer()
	w.u32(uint32(len(units) * 2))
	for _, u := range units {
		w.u16(u)
	}
	w.u16(0)
	return b.Append(w.buf).RVA
}

func (b *Builder) AddStream(t minidump.StreamType, data []byte) *Builder {
	loc := b.Append(data)
	b.dir = append(b.dir, dirEntry{t: t, loc: loc})
	return b
}

// AddBrokenStream adds a directory entry pointing at an arbitrary location.
func (b *Builder) AddBrokenStream(t minidump.StreamType, rva, size uint32) *Builder {
	b.dir = append(b.dir, dirEntry{t: t, loc: minidump.Location{DataSize: size, RVA: rva}})
	return b
}

func (b *Builder) SystemInfo(arch minidump.CPUArch, platform minidump.PlatformID) *Builder {
	csd := b.String("")
	w := b.writer()
	w.u16(uint16(arch))
	w.u16(6) // level
	w.u16(0) // revision
	w.u8(4)  // processors
	w.u8(1)  // product type
	w.u32(10)
	w.u32(0)
	w.u32(19041)
	w.u32(uint32(platform))
	w.u32(csd)
	w.u16(0)
	w.u16(0)
	w.bytes([]byte("GenuineIntel"))
	w.zero(12)
	return b.AddStream(minidump.SystemInfoStream, w.buf)
}

type Module struct {
	Base      uint64
	Size      uint32
	Name      string
	DebugFile string
	// GUID and Age build an RSDS CodeView record; BuildID builds a BpEL one.
	GUID      [16]byte
	Age       uint32
	BuildID   []byte
	Timestamp uint32
}

func (b *Builder) Modules(mods ...Module) *Builder {
	type pending struct {
		name uint32
		cv   minidump.Location
	}
	refs := make([]pending, len(mods))
	for i, m := range mods {
		refs[i].name = b.String(m.Name)
		cv := b.writer()
		if m.BuildID != nil {
			cv.u32(0x4270454c)
			cv.bytes(m.BuildID)
		} else {
			cv.u32(0x53445352)
			cv.bytes(m.GUID[:])
			cv.u32(m.Age)
			cv.bytes(append([]byte(m.DebugFile), 0))
		}
		refs[i].cv = b.Append(cv.buf)
	}
	w := b.writer()
	w.u32(uint32(len(mods)))
	for i, m := range mods {
		w.u64(m.Base)
		w.u32(m.Size)
		w.u32(0)
		w.u32(m.Timestamp)
		w.u32(refs[i].name)
		w.zero(52)
		w.location(refs[i].cv)
		w.location(minidump.Location{})
		w.zero(16)
	}
	return b.AddStream(minidump.ModuleListStream, w.buf)
}

type Thread struct {
	ID        uint32
	Context   *minidump.Context
	StackBase uint64
	Stack     []byte
}

func (b *Builder) Threads(threads ...Thread) *Builder {
	stacks := make([]minidump.Location, len(threads))
	contexts := make([]minidump.Location, len(threads))
	for i, t := range threads {
		if t.Stack != nil {
			stacks[i] = b.Append(t.Stack)
		}
		if t.Context != nil {
			contexts[i] = b.Append(t.Context.Encode(b.order))
		}
	}
	w := b.writer()
	w.u32(uint32(len(threads)))
	for i, t := range threads {
		w.u32(t.ID)
		w.zero(12)
		w.u64(0) // teb
		w.u64(t.StackBase)
		w.location(stacks[i])
		w.location(contexts[i])
	}
	return b.AddStream(minidump.ThreadListStream, w.buf)
}

type Region struct {
	Base uint64
	Data []byte
}

func (b *Builder) Memory(regions ...Region) *Builder {
	locs := make([]minidump.Location, len(regions))
	for i, r := range regions {
		locs[i] = b.Append(r.Data)
	}
	w := b.writer()
	w.u32(uint32(len(regions)))
	for i, r := range regions {
		w.u64(r.Base)
		w.location(locs[i])
	}
	return b.AddStream(minidump.MemoryListStream, w.buf)
}

func (b *Builder) MemoryInfo(infos ...minidump.MemoryInfo) *Builder {
	w := b.writer()
	w.u32(16)
	w.u32(48)
	w.u64(uint64(len(infos)))
	for _, in := range infos {
		w.u64(in.Base)
		w.u64(in.AllocationBase)
		w.u32(in.AllocationProtect)
		w.u32(0)
		w.u64(in.RegionSize)
		w.u32(in.State)
		w.u32(in.Protect)
		w.u32(in.Type)
		w.u32(0)
	}
	return b.AddStream(minidump.MemoryInfoListStream, w.buf)
}

func (b *Builder) ThreadNames(names map[uint32]string) *Builder {
	ids := make([]uint32, 0, len(names))
	for id := range names {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	rvas := make([]uint32, len(ids))
	for i, id := range ids {
		rvas[i] = b.String(names[id])
	}
	w := b.writer()
	w.u32(uint32(len(ids)))
	for i, id := range ids {
		w.u32(id)
		w.u64(uint64(rvas[i]))
	}
	return b.AddStream(minidump.ThreadNamesStream, w.buf)
}

func (b *Builder) UnloadedModules(mods ...Module) *Builder {
	names := make([]uint32, len(mods))
	for i, m := range mods {
		names[i] = b.String(m.Name)
	}
	w := b.writer()
	w.u32(12)
	w.u32(24)
	w.u32(uint32(len(mods)))
	for i, m := range mods {
		w.u64(m.Base)
		w.u32(m.Size)
		w.u32(0)
		w.u32(m.Timestamp)
		w.u32(names[i])
	}
	return b.AddStream(minidump.UnloadedModuleListStream, w.buf)
}

func (b *Builder) LinuxMaps(text string) *Builder {
	return b.AddStream(minidump.LinuxMapsStream, []byte(text))
}

func (b *Builder) Exception(threadID, code uint32, address uint64, ctx *minidump.Context) *Builder {
	var loc minidump.Location
	if ctx != nil {
		loc = b.Append(ctx.Encode(b.order))
	}
	w := b.writer()
	w.u32(threadID)
	w.u32(0)
	w.u32(code)
	w.u32(0)
	w.u64(0)
	w.u64(address)
	w.u32(0)
	w.u32(0)
	w.zero(15 * 8)
	w.location(loc)
	return b.AddStream(minidump.ExceptionStream, w.buf)
}

func (b *Builder) BreakpadInfo(dumpThread, requestingThread uint32) *Builder {
	w := b.writer()
	w.u32(0x3)
	w.u32(dumpThread)
	w.u32(requestingThread)
	return b.AddStream(minidump.BreakpadInfoStream, w.buf)
}

func (b *Builder) MiscInfo(pid, createTime uint32) *Builder {
	w := b.writer()
	w.u32(24)
	w.u32(0x3)
	w.u32(pid)
	w.u32(createTime)
	w.u32(0)
	w.u32(0)
	return b.AddStream(minidump.MiscInfoStream, w.buf)
}

// Bytes writes the directory and the header and returns the finished dump.
func (b *Builder) Bytes() []byte {
	w := b.writer()
	for _, e := range b.dir {
		w.u32(uint32(e.t))
		w.location(e.loc)
	}
	dirLoc := b.Append(w.buf)

	h := b.writer()
	h.u32(0x504d444d)
	h.u32(b.version)
	h.u32(uint32(len(b.dir)))
	h.u32(dirLoc.RVA)
	h.u32(0)
	h.u32(b.timestamp)
	h.u64(0)
	copy(b.buf, h.buf)
	return append([]byte(nil), b.buf...)
}

type writer struct {
	order byteOrder
	buf   []byte
}

func (b *Builder) writer() *writer { return &writer{order: b.order} }

func (w *writer) u8(v uint8)     { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16)   { w.buf = w.order.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32)   { w.buf = w.order.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64)   { w.buf = w.order.AppendUint64(w.buf, v) }
func (w *writer) bytes(p []byte) { w.buf = append(w.buf, p...) }
func (w *writer) zero(n int)     { w.buf = append(w.buf, make([]byte, n)...) }
func (w *writer) location(l minidump.Location) {
	w.u32(l.DataSize)
	w.u32(l.RVA)
}
