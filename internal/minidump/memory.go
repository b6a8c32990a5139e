package minidump

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Memory is a captured range of process memory. Data aliases the dump
// arena.
type Memory struct {
	Base  uint64
	Data  []byte
	order binary.ByteOrder
}

func NewMemory(base uint64, data []byte, order binary.ByteOrder) *Memory {
	return &Memory{Base: base, Data: data, order: order}
}

func (m *Memory) Size() uint64 { return uint64(len(m.Data)) }

func (m *Memory) End() uint64 { return m.Base + m.Size() }

// Contains reports whether [addr, addr+n) lies entirely inside the region.
func (m *Memory) Contains(addr uint64, n uint64) bool {
	if m == nil || addr < m.Base {
		return false
	}
	off := addr - m.Base
	return off <= m.Size() && n <= m.Size()-off
}

func (m *Memory) slice(addr uint64, n uint64) ([]byte, bool) {
	if !m.Contains(addr, n) {
		return nil, false
	}
	off := addr - m.Base
	return m.Data[off : off+n], true
}

func (m *Memory) ReadU32(addr uint64) (uint32, bool) {
	b, ok := m.slice(addr, 4)
	if !ok {
		return 0, false
	}
	return m.order.Uint32(b), true
}

func (m *Memory) ReadU64(addr uint64) (uint64, bool) {
	b, ok := m.slice(addr, 8)
	if !ok {
		return 0, false
	}
	return m.order.Uint64(b), true
}

// ReadPointer reads a word of the given width (4 or 8 bytes).
func (m *Memory) ReadPointer(addr uint64, width int) (uint64, bool) {
	if width == 4 {
		v, ok := m.ReadU32(addr)
		return uint64(v), ok
	}
	return m.ReadU64(addr)
}

func (m *Memory) String() string {
	return fmt.Sprintf("[%#x-%#x)", m.Base, m.End())
}

// MemoryList holds the captured regions of a MemoryList or Memory64List
// stream, sorted by base address.
type MemoryList struct {
	Regions []*Memory
}

func newMemoryList(regions []*Memory) *MemoryList {
	sort.SliceStable(regions, func(i, j int) bool { return regions[i].Base < regions[j].Base })
	return &MemoryList{Regions: regions}
}

// MemoryAtAddress returns the region containing addr, or nil.
func (l *MemoryList) MemoryAtAddress(addr uint64) *Memory {
	if l == nil {
		return nil
	}
	i := sort.Search(len(l.Regions), func(i int) bool { return l.Regions[i].Base > addr })
	if i == 0 {
		return nil
	}
	if r := l.Regions[i-1]; r.Contains(addr, 1) {
		return r
	}
	return nil
}

// MemoryList merges the 32 bit and 64 bit memory list streams. Either may be
// absent; ErrStreamNotPresent is returned only when both are.
func (d *Dump) MemoryList() (*MemoryList, error) {
	var regions []*Memory
	r32, err32 := d.memoryList32()
	if err32 == nil {
		regions = append(regions, r32...)
	}
	r64, err64 := d.memoryList64()
	if err64 == nil {
		regions = append(regions, r64...)
	}
	if err32 != nil && err64 != nil {
		if isNotPresent(err32) {
			return nil, err64
		}
		return nil, err32
	}
	return newMemoryList(regions), nil
}

func (d *Dump) memoryList32() ([]*Memory, error) {
	c, raw, err := d.streamCursor(MemoryListStream)
	if err != nil {
		return nil, err
	}
	count := c.u32()
	if c.err != nil {
		return nil, d.corrupt(MemoryListStream, c.err)
	}
	if err := checkListSize(MemoryListStream, len(raw), count, memDescSize, c); err != nil {
		return nil, err
	}
	regions := make([]*Memory, 0, count)
	for i := uint32(0); i < count; i++ {
		start := c.u64()
		loc := c.location()
		if c.err != nil {
			return nil, d.corrupt(MemoryListStream, c.err)
		}
		data, ok := span(d.data, loc)
		if !ok {
			return nil, &CorruptStreamError{Type: MemoryListStream, Reason: fmt.Sprintf("region %d at %#x+%#x outside file", i, loc.RVA, loc.DataSize)}
		}
		regions = append(regions, NewMemory(start, data, d.order))
	}
	return regions, nil
}

func (d *Dump) memoryList64() ([]*Memory, error) {
	c, _, err := d.streamCursor(Memory64ListStream)
	if err != nil {
		return nil, err
	}
	count := c.u64()
	rva := c.u64()
	if c.err != nil {
		return nil, d.corrupt(Memory64ListStream, c.err)
	}
	if count > uint64(len(d.data))/memDescSize {
		return nil, &CorruptStreamError{Type: Memory64ListStream, Reason: fmt.Sprintf("%d regions cannot fit the file", count)}
	}
	regions := make([]*Memory, 0, count)
	for i := uint64(0); i < count; i++ {
		start := c.u64()
		size := c.u64()
		if c.err != nil {
			return nil, d.corrupt(Memory64ListStream, c.err)
		}
		if rva > uint64(len(d.data)) || size > uint64(len(d.data))-rva {
			return nil, &CorruptStreamError{Type: Memory64ListStream, Reason: fmt.Sprintf("region %d at %#x+%#x outside file", i, rva, size)}
		}
		regions = append(regions, NewMemory(start, d.data[rva:rva+size], d.order))
		rva += size
	}
	return regions, nil
}
