package minidump

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

const (
	cvSignaturePDB70 = 0x53445352 // 'RSDS'
	cvSignaturePDB20 = 0x3031424e // 'NB10'
	cvSignatureELF   = 0x4270454c // 'BpEL'
)

// CodeView carries the debug identity parsed from a module's CodeView record.
type CodeView struct {
	Signature uint32
	// DebugID is the breakpad style identifier: GUID (or signature) and age
	// as upper case hex.
	DebugID   string
	DebugFile string
	// BuildID holds the raw ELF build id for 'BpEL' records.
	BuildID []byte
}

type FixedFileInfo struct {
	Signature        uint32
	StructVersion    uint32
	FileVersionHi    uint32
	FileVersionLo    uint32
	ProductVersionHi uint32
	ProductVersionLo uint32
	FileFlagsMask    uint32
	FileFlags        uint32
	FileOS           uint32
	FileType         uint32
	FileSubtype      uint32
	FileDateHi       uint32
	FileDateLo       uint32
}

// Version formats the file version as a.b.c.d when the fixed file info is
// present.
func (v FixedFileInfo) Version() string {
	if v.Signature != 0xfeef04bd {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d.%d", v.FileVersionHi>>16, v.FileVersionHi&0xffff, v.FileVersionLo>>16, v.FileVersionLo&0xffff)
}

type Module struct {
	Base          uint64
	ImageSize     uint64
	Checksum      uint32
	TimeDateStamp uint32
	// Name is the code file path as recorded by the dump writer.
	Name        string
	VersionInfo FixedFileInfo
	CodeView    CodeView
	// CertSubject is the code signing subject, when known.
	CertSubject string
}

func (m *Module) BaseAddress() uint64 { return m.Base }
func (m *Module) Size() uint64        { return m.ImageSize }

// End returns the first address past the module, saturating at the top of
// the address space.
func (m *Module) End() uint64 {
	end := m.Base + m.ImageSize
	if end < m.Base {
		return ^uint64(0)
	}
	return end
}

func (m *Module) Contains(addr uint64) bool {
	return addr >= m.Base && addr < m.End()
}

func (m *Module) CodeFile() string { return m.Name }

func (m *Module) CodeID() string {
	if len(m.CodeView.BuildID) > 0 {
		return hex.EncodeToString(m.CodeView.BuildID)
	}
	if m.TimeDateStamp == 0 && m.ImageSize == 0 {
		return ""
	}
	return fmt.Sprintf("%08X%x", m.TimeDateStamp, m.ImageSize)
}

func (m *Module) DebugFile() string {
	if m.CodeView.DebugFile != "" {
		return basename(m.CodeView.DebugFile)
	}
	return basename(m.Name)
}

func (m *Module) DebugID() string { return m.CodeView.DebugID }

func (m *Module) String() string {
	return fmt.Sprintf("%s [%#x-%#x) %s", basename(m.Name), m.Base, m.End(), m.DebugID())
}

// basename strips both unix and windows directory separators.
func basename(p string) string {
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}

type ModuleList struct {
	Modules []Module
	// byBase indexes Modules sorted by base address.
	byBase []int
}

func NewModuleList(modules []Module) *ModuleList {
	l := &ModuleList{Modules: modules, byBase: make([]int, len(modules))}
	for i := range l.byBase {
		l.byBase[i] = i
	}
	sort.SliceStable(l.byBase, func(i, j int) bool {
		return modules[l.byBase[i]].Base < modules[l.byBase[j]].Base
	})
	return l
}

// ModuleAtAddress returns the tightest module whose range contains addr.
// Overlapping ranges only happen in corrupt dumps; ties on size go to the
// lowest base, then to stream order.
func (l *ModuleList) ModuleAtAddress(addr uint64) *Module {
	if l == nil {
		return nil
	}
	// Candidates are all modules with Base <= addr.
	n := sort.Search(len(l.byBase), func(i int) bool { return l.Modules[l.byBase[i]].Base > addr })
	var best *Module
	for i := 0; i < n; i++ {
		m := &l.Modules[l.byBase[i]]
		if !m.Contains(addr) {
			continue
		}
		if best == nil || m.ImageSize < best.ImageSize {
			best = m
		}
	}
	return best
}

// MainModule is the first module in the stream, conventionally the
// executable.
func (l *ModuleList) MainModule() *Module {
	if l == nil || len(l.Modules) == 0 {
		return nil
	}
	return &l.Modules[0]
}

// HighestAddress returns the end of the topmost module, or 0 if empty.
func (l *ModuleList) HighestAddress() uint64 {
	var end uint64
	if l == nil {
		return 0
	}
	for i := range l.Modules {
		if e := l.Modules[i].End(); e > end {
			end = e
		}
	}
	return end
}

// ModuleList parses the module list stream.
func (d *Dump) ModuleList() (*ModuleList, error) {
	c, raw, err := d.streamCursor(ModuleListStream)
	if err != nil {
		return nil, err
	}
	count := c.u32()
	if c.err != nil {
		return nil, d.corrupt(ModuleListStream, c.err)
	}
	if err := checkListSize(ModuleListStream, len(raw), count, moduleSize, c); err != nil {
		return nil, err
	}

	modules := make([]Module, 0, count)
	for i := uint32(0); i < count; i++ {
		c.ctx = fmt.Sprintf("reading module list entry %d", i)
		m := Module{
			Base:          c.u64(),
			ImageSize:     uint64(c.u32()),
			Checksum:      c.u32(),
			TimeDateStamp: c.u32(),
		}
		nameRVA := c.u32()
		m.VersionInfo = readFixedFileInfo(c)
		cvLoc := c.location()
		c.location() // misc record
		c.skip(16)   // reserved
		if c.err != nil {
			return nil, d.corrupt(ModuleListStream, c.err)
		}
		name, err := readString(d.data, d.order, nameRVA)
		if err != nil {
			return nil, &CorruptStreamError{Type: ModuleListStream, Reason: fmt.Sprintf("module %d name: %v", i, err)}
		}
		m.Name = name
		if cv, ok := span(d.data, cvLoc); ok && len(cv) >= 4 {
			m.CodeView = parseCodeView(cv, d.order)
		}
		modules = append(modules, m)
	}
	return NewModuleList(modules), nil
}

// checkListSize validates a count-prefixed list and skips the 4 bytes of
// padding some writers emit after the count.
func checkListSize(t StreamType, size int, count uint32, entrySize int, c *cursor) error {
	want := 4 + uint64(count)*uint64(entrySize)
	switch uint64(size) {
	case want:
	case want + 4:
		c.skip(4)
	default:
		if uint64(size) < want {
			return &CorruptStreamError{Type: t, Reason: fmt.Sprintf("%d entries need %d bytes, stream has %d", count, want, size)}
		}
	}
	return nil
}

func readFixedFileInfo(c *cursor) FixedFileInfo {
	return FixedFileInfo{
		Signature:        c.u32(),
		StructVersion:    c.u32(),
		FileVersionHi:    c.u32(),
		FileVersionLo:    c.u32(),
		ProductVersionHi: c.u32(),
		ProductVersionLo: c.u32(),
		FileFlagsMask:    c.u32(),
		FileFlags:        c.u32(),
		FileOS:           c.u32(),
		FileType:         c.u32(),
		FileSubtype:      c.u32(),
		FileDateHi:       c.u32(),
		FileDateLo:       c.u32(),
	}
}

func parseCodeView(raw []byte, order binary.ByteOrder) CodeView {
	cv := CodeView{Signature: order.Uint32(raw)}
	switch cv.Signature {
	case cvSignaturePDB70:
		if len(raw) < 24 {
			break
		}
		age := order.Uint32(raw[20:])
		cv.DebugID = formatGUID(raw[4:20], order) + fmt.Sprintf("%X", age)
		cv.DebugFile = cString(raw[24:])
	case cvSignaturePDB20:
		if len(raw) < 16 {
			break
		}
		sig := order.Uint32(raw[8:])
		age := order.Uint32(raw[12:])
		cv.DebugID = fmt.Sprintf("%08X%X", sig, age)
		cv.DebugFile = cString(raw[16:])
	case cvSignatureELF:
		cv.BuildID = bytes.Clone(raw[4:])
		// The debug id is the first 16 build id bytes read as a little
		// endian GUID, with age zero.
		guid := make([]byte, 16)
		copy(guid, cv.BuildID)
		cv.DebugID = formatGUID(guid, binary.LittleEndian) + "0"
	}
	return cv
}

func formatGUID(b []byte, order binary.ByteOrder) string {
	return fmt.Sprintf("%08X%04X%04X%s", order.Uint32(b), order.Uint16(b[4:]), order.Uint16(b[6:]), strings.ToUpper(hex.EncodeToString(b[8:16])))
}

type UnloadedModule struct {
	Base          uint64
	ImageSize     uint64
	Checksum      uint32
	TimeDateStamp uint32
	Name          string
}

func (m *UnloadedModule) Contains(addr uint64) bool {
	return addr >= m.Base && addr-m.Base < m.ImageSize
}

type UnloadedModuleList struct {
	Modules []UnloadedModule
}

// ModulesAtAddress returns every unloaded module overlapping addr; unloaded
// ranges are allowed to overlap each other and loaded modules.
func (l *UnloadedModuleList) ModulesAtAddress(addr uint64) []*UnloadedModule {
	if l == nil {
		return nil
	}
	var out []*UnloadedModule
	for i := range l.Modules {
		if l.Modules[i].Contains(addr) {
			out = append(out, &l.Modules[i])
		}
	}
	return out
}

func (d *Dump) UnloadedModuleList() (*UnloadedModuleList, error) {
	c, raw, err := d.streamCursor(UnloadedModuleListStream)
	if err != nil {
		return nil, err
	}
	start := c.off
	headerLen := c.u32()
	entryLen := c.u32()
	count := c.u32()
	if c.err != nil {
		return nil, d.corrupt(UnloadedModuleListStream, c.err)
	}
	if entryLen < 24 || uint64(headerLen)+uint64(count)*uint64(entryLen) > uint64(len(raw)) {
		return nil, &CorruptStreamError{Type: UnloadedModuleListStream, Reason: fmt.Sprintf("%d entries of %d bytes do not fit %d bytes", count, entryLen, len(raw))}
	}
	l := &UnloadedModuleList{Modules: make([]UnloadedModule, 0, count)}
	for i := uint32(0); i < count; i++ {
		c.off = start + int(headerLen) + int(i)*int(entryLen)
		m := UnloadedModule{
			Base:          c.u64(),
			ImageSize:     uint64(c.u32()),
			Checksum:      c.u32(),
			TimeDateStamp: c.u32(),
		}
		nameRVA := c.u32()
		if c.err != nil {
			return nil, d.corrupt(UnloadedModuleListStream, c.err)
		}
		if name, err := readString(d.data, d.order, nameRVA); err == nil {
			m.Name = name
		}
		l.Modules = append(l.Modules, m)
	}
	return l, nil
}
