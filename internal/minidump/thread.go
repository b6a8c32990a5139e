package minidump

import (
	"fmt"
)

type Thread struct {
	ID            uint32
	SuspendCount  uint32
	PriorityClass uint32
	Priority      uint32
	TEB           uint64
	StackStart    uint64
	Stack         Location
	ContextLoc    Location
}

type ThreadList struct {
	Threads []Thread
}

func (l *ThreadList) ByID(id uint32) *Thread {
	for i := range l.Threads {
		if l.Threads[i].ID == id {
			return &l.Threads[i]
		}
	}
	return nil
}

func (d *Dump) ThreadList() (*ThreadList, error) {
	c, raw, err := d.streamCursor(ThreadListStream)
	if err != nil {
		return nil, err
	}
	count := c.u32()
	if c.err != nil {
		return nil, d.corrupt(ThreadListStream, c.err)
	}
	if err := checkListSize(ThreadListStream, len(raw), count, threadSize, c); err != nil {
		return nil, err
	}
	l := &ThreadList{Threads: make([]Thread, 0, count)}
	for i := uint32(0); i < count; i++ {
		c.ctx = fmt.Sprintf("reading thread %d", i)
		t := Thread{
			ID:            c.u32(),
			SuspendCount:  c.u32(),
			PriorityClass: c.u32(),
			Priority:      c.u32(),
			TEB:           c.u64(),
			StackStart:    c.u64(),
			Stack:         c.location(),
			ContextLoc:    c.location(),
		}
		if c.err != nil {
			return nil, d.corrupt(ThreadListStream, c.err)
		}
		l.Threads = append(l.Threads, t)
	}
	return l, nil
}

// ThreadContext decodes the register state captured for t.
func (d *Dump) ThreadContext(t *Thread) (*Context, error) {
	if t.ContextLoc.DataSize == 0 {
		return nil, fmt.Errorf("thread %d has no context", t.ID)
	}
	return d.Context(t.ContextLoc)
}

// ThreadStack returns the captured stack of t. Writers that store the stack
// only in the memory list leave the descriptor empty; the region containing
// the stack pointer is used instead.
func (d *Dump) ThreadStack(t *Thread, sp uint64, mem *MemoryList) *Memory {
	if t.Stack.DataSize > 0 {
		if data, ok := span(d.data, t.Stack); ok {
			return NewMemory(t.StackStart, data, d.order)
		}
	}
	if m := mem.MemoryAtAddress(t.StackStart); m != nil && t.StackStart != 0 {
		return m
	}
	return mem.MemoryAtAddress(sp)
}

// ThreadNames maps thread ids to the names recorded by the dump writer.
func (d *Dump) ThreadNames() (map[uint32]string, error) {
	c, raw, err := d.streamCursor(ThreadNamesStream)
	if err != nil {
		return nil, err
	}
	count := c.u32()
	if c.err != nil {
		return nil, d.corrupt(ThreadNamesStream, c.err)
	}
	if uint64(count) > uint64(len(raw)-4)/threadNameSize {
		return nil, &CorruptStreamError{Type: ThreadNamesStream, Reason: fmt.Sprintf("%d entries do not fit in %d bytes", count, len(raw))}
	}
	names := make(map[uint32]string, count)
	for i := uint32(0); i < count; i++ {
		id := c.u32()
		rva := c.u64()
		if c.err != nil {
			return nil, d.corrupt(ThreadNamesStream, c.err)
		}
		if rva > 0xffffffff {
			continue
		}
		if name, err := readString(d.data, d.order, uint32(rva)); err == nil {
			names[id] = name
		}
	}
	return names, nil
}
