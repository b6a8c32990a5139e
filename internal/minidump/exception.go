package minidump

import (
	"fmt"
	"time"
)

type Exception struct {
	ThreadID   uint32
	Code       uint32
	Flags      uint32
	Record     uint64
	Address    uint64
	Parameters []uint64
	ContextLoc Location
}

func (d *Dump) Exception() (*Exception, error) {
	c, raw, err := d.streamCursor(ExceptionStream)
	if err != nil {
		return nil, err
	}
	if len(raw) < exceptionSize {
		return nil, &CorruptStreamError{Type: ExceptionStream, Reason: fmt.Sprintf("stream is %d bytes", len(raw))}
	}
	e := &Exception{ThreadID: c.u32()}
	c.skip(4)
	e.Code = c.u32()
	e.Flags = c.u32()
	e.Record = c.u64()
	e.Address = c.u64()
	n := c.u32()
	c.skip(4)
	var params [15]uint64
	for i := range params {
		params[i] = c.u64()
	}
	e.ContextLoc = c.location()
	if c.err != nil {
		return nil, d.corrupt(ExceptionStream, c.err)
	}
	e.Parameters = params[:min(int(n), len(params))]
	return e, nil
}

// ExceptionContext decodes the register state at the time of the exception,
// or returns nil if the stream carries none.
func (d *Dump) ExceptionContext(e *Exception) (*Context, error) {
	if e.ContextLoc.DataSize == 0 {
		return nil, nil
	}
	return d.Context(e.ContextLoc)
}

const (
	miscInfoProcessID    = 0x1
	miscInfoProcessTimes = 0x2
)

type MiscInfo struct {
	Flags             uint32
	ProcessID         uint32
	ProcessCreateTime uint32
}

// PID returns the process id if the writer recorded one.
func (m *MiscInfo) PID() (uint32, bool) {
	return m.ProcessID, m.Flags&miscInfoProcessID != 0
}

func (m *MiscInfo) CreateTime() (time.Time, bool) {
	if m.Flags&miscInfoProcessTimes == 0 {
		return time.Time{}, false
	}
	return time.Unix(int64(m.ProcessCreateTime), 0).UTC(), true
}

func (d *Dump) MiscInfo() (*MiscInfo, error) {
	c, _, err := d.streamCursor(MiscInfoStream)
	if err != nil {
		return nil, err
	}
	c.skip(4) // size of info
	m := &MiscInfo{Flags: c.u32(), ProcessID: c.u32(), ProcessCreateTime: c.u32()}
	if c.err != nil {
		return nil, d.corrupt(MiscInfoStream, c.err)
	}
	return m, nil
}

const (
	breakpadDumpThreadValid       = 0x1
	breakpadRequestingThreadValid = 0x2
)

// BreakpadInfo identifies the thread that wrote the dump and the thread
// that asked for it.
type BreakpadInfo struct {
	Validity           uint32
	DumpThreadID       uint32
	RequestingThreadID uint32
}

func (b *BreakpadInfo) DumpThread() (uint32, bool) {
	return b.DumpThreadID, b.Validity&breakpadDumpThreadValid != 0
}

func (b *BreakpadInfo) RequestingThread() (uint32, bool) {
	return b.RequestingThreadID, b.Validity&breakpadRequestingThreadValid != 0
}

func (d *Dump) BreakpadInfo() (*BreakpadInfo, error) {
	c, _, err := d.streamCursor(BreakpadInfoStream)
	if err != nil {
		return nil, err
	}
	b := &BreakpadInfo{Validity: c.u32(), DumpThreadID: c.u32(), RequestingThreadID: c.u32()}
	if c.err != nil {
		return nil, d.corrupt(BreakpadInfoStream, c.err)
	}
	return b, nil
}
