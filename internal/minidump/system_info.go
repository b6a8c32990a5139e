package minidump

import (
	"fmt"
	"strings"
)

type SystemInfo struct {
	Arch               CPUArch
	ProcessorLevel     uint16
	ProcessorRevision  uint16
	NumberOfProcessors uint8
	ProductType        uint8
	MajorVersion       uint32
	MinorVersion       uint32
	BuildNumber        uint32
	Platform           PlatformID
	CSDVersion         string
	SuiteMask          uint16
	// VendorID is only populated for x86 family processors.
	VendorID string
}

// SystemInfo parses the system info stream. The result is cached since the
// architecture drives every context and pointer-width decision.
func (d *Dump) SystemInfo() (*SystemInfo, error) {
	d.sysOnce.Do(func() {
		d.sys, d.sysErr = d.readSystemInfo()
	})
	return d.sys, d.sysErr
}

func (d *Dump) readSystemInfo() (*SystemInfo, error) {
	c, raw, err := d.streamCursor(SystemInfoStream)
	if err != nil {
		return nil, err
	}
	if len(raw) < systemInfoSize-24 {
		return nil, &CorruptStreamError{Type: SystemInfoStream, Reason: fmt.Sprintf("stream is %d bytes", len(raw))}
	}
	s := &SystemInfo{
		Arch:               CPUArch(c.u16()),
		ProcessorLevel:     c.u16(),
		ProcessorRevision:  c.u16(),
		NumberOfProcessors: c.u8(),
		ProductType:        c.u8(),
		MajorVersion:       c.u32(),
		MinorVersion:       c.u32(),
		BuildNumber:        c.u32(),
		Platform:           PlatformID(c.u32()),
	}
	csdRVA := c.u32()
	s.SuiteMask = c.u16()
	c.skip(2)
	if c.err != nil {
		return nil, d.corrupt(SystemInfoStream, c.err)
	}
	if (s.Arch == ArchX86 || s.Arch == ArchAMD64) && len(raw) >= systemInfoSize {
		s.VendorID = cString(c.bytes(12))
	}
	if csdRVA != 0 {
		// The service pack string is cosmetic; a bad RVA does not spoil the stream.
		if v, err := readString(d.data, d.order, csdRVA); err == nil {
			s.CSDVersion = v
		}
	}
	return s, nil
}

// OS returns a short operating system name.
func (s *SystemInfo) OS() string {
	return s.Platform.String()
}

// OSVersion formats major.minor.build followed by the service pack string.
func (s *SystemInfo) OSVersion() string {
	v := fmt.Sprintf("%d.%d.%d", s.MajorVersion, s.MinorVersion, s.BuildNumber)
	if s.CSDVersion != "" {
		v += " " + s.CSDVersion
	}
	return strings.TrimSpace(v)
}

// CPU returns the processor family as used in breakpad MODULE records.
func (s *SystemInfo) CPU() string {
	switch s.Arch {
	case ArchAMD64:
		return "x86_64"
	case ArchX86:
		return "x86"
	}
	return s.Arch.String()
}
