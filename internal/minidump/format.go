package minidump

import "fmt"

const (
	signature      = 0x504d444d // 'MDMP'
	formatVersion  = 0xa793
	headerSize     = 32
	directorySize  = 12
	locationSize   = 8
	moduleSize     = 108
	threadSize     = 48
	memDescSize    = 16
	memInfoSize    = 48
	exceptionSize  = 168
	systemInfoSize = 56
	threadNameSize = 12
)

type StreamType uint32

const (
	UnusedStream             StreamType = 0
	ThreadListStream         StreamType = 3
	ModuleListStream         StreamType = 4
	MemoryListStream         StreamType = 5
	ExceptionStream          StreamType = 6
	SystemInfoStream         StreamType = 7
	ThreadExListStream       StreamType = 8
	Memory64ListStream       StreamType = 9
	CommentStreamA           StreamType = 10
	CommentStreamW           StreamType = 11
	HandleDataStream         StreamType = 12
	FunctionTableStream      StreamType = 13
	UnloadedModuleListStream StreamType = 14
	MiscInfoStream           StreamType = 15
	MemoryInfoListStream     StreamType = 16
	ThreadInfoListStream     StreamType = 17
	HandleOperationStream    StreamType = 18
	TokenStream              StreamType = 19
	ThreadNamesStream        StreamType = 24

	// Breakpad extensions.
	BreakpadInfoStream    StreamType = 0x47670001
	AssertionInfoStream   StreamType = 0x47670002
	LinuxCPUInfoStream    StreamType = 0x47670003
	LinuxProcStatusStream StreamType = 0x47670004
	LinuxLSBReleaseStream StreamType = 0x47670005
	LinuxCmdLineStream    StreamType = 0x47670006
	LinuxEnvironStream    StreamType = 0x47670007
	LinuxAuxvStream       StreamType = 0x47670008
	LinuxMapsStream       StreamType = 0x47670009
	LinuxDSODebugStream   StreamType = 0x4767000A

	CrashpadInfoStream StreamType = 0x43500001
)

var streamNames = map[StreamType]string{
	UnusedStream:             "Unused",
	ThreadListStream:         "ThreadList",
	ModuleListStream:         "ModuleList",
	MemoryListStream:         "MemoryList",
	ExceptionStream:          "Exception",
	SystemInfoStream:         "SystemInfo",
	ThreadExListStream:       "ThreadExList",
	Memory64ListStream:       "Memory64List",
	CommentStreamA:           "CommentA",
	CommentStreamW:           "CommentW",
	HandleDataStream:         "HandleData",
	FunctionTableStream:      "FunctionTable",
	UnloadedModuleListStream: "UnloadedModuleList",
	MiscInfoStream:           "MiscInfo",
	MemoryInfoListStream:     "MemoryInfoList",
	ThreadInfoListStream:     "ThreadInfoList",
	HandleOperationStream:    "HandleOperationList",
	TokenStream:              "Token",
	ThreadNamesStream:        "ThreadNames",
	BreakpadInfoStream:       "BreakpadInfo",
	AssertionInfoStream:      "AssertionInfo",
	LinuxCPUInfoStream:       "LinuxCpuInfo",
	LinuxProcStatusStream:    "LinuxProcStatus",
	LinuxLSBReleaseStream:    "LinuxLsbRelease",
	LinuxCmdLineStream:       "LinuxCmdLine",
	LinuxEnvironStream:       "LinuxEnviron",
	LinuxAuxvStream:          "LinuxAuxv",
	LinuxMapsStream:          "LinuxMaps",
	LinuxDSODebugStream:      "LinuxDsoDebug",
	CrashpadInfoStream:       "CrashpadInfo",
}

func (t StreamType) String() string {
	if name, ok := streamNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%#x)", uint32(t))
}

// Known reports whether the reader understands the stream type. Unknown
// streams are skipped, never treated as errors.
func (t StreamType) Known() bool {
	_, ok := streamNames[t]
	return ok
}

// CPUArch is the ProcessorArchitecture field of the system info stream.
type CPUArch uint16

const (
	ArchX86      CPUArch = 0
	ArchMIPS     CPUArch = 1
	ArchPPC      CPUArch = 3
	ArchARM      CPUArch = 5
	ArchIA64     CPUArch = 6
	ArchAMD64    CPUArch = 9
	ArchARM64    CPUArch = 12
	ArchSPARC    CPUArch = 0x8001
	ArchPPC64    CPUArch = 0x8002
	ArchARM64Old CPUArch = 0x8003
	ArchMIPS64   CPUArch = 0x8004
	ArchUnknown  CPUArch = 0xffff
)

func (a CPUArch) String() string {
	switch a {
	case ArchX86:
		return "x86"
	case ArchMIPS:
		return "mips"
	case ArchPPC:
		return "ppc"
	case ArchARM:
		return "arm"
	case ArchIA64:
		return "ia64"
	case ArchAMD64:
		return "amd64"
	case ArchARM64, ArchARM64Old:
		return "arm64"
	case ArchSPARC:
		return "sparc"
	case ArchPPC64:
		return "ppc64"
	case ArchMIPS64:
		return "mips64"
	}
	return fmt.Sprintf("unknown(%#x)", uint16(a))
}

// PointerSize returns the address width in bytes, or 0 for architectures
// the reader has no register layout for.
func (a CPUArch) PointerSize() int {
	switch a {
	case ArchX86, ArchARM, ArchMIPS, ArchPPC:
		return 4
	case ArchAMD64, ArchARM64, ArchARM64Old, ArchPPC64, ArchMIPS64, ArchIA64, ArchSPARC:
		return 8
	}
	return 0
}

type PlatformID uint32

const (
	PlatformWin32s  PlatformID = 0
	PlatformWin32   PlatformID = 1
	PlatformWin32NT PlatformID = 2
	PlatformWin32CE PlatformID = 3
	PlatformUnix    PlatformID = 0x8000
	PlatformMacOS   PlatformID = 0x8101
	PlatformIOS     PlatformID = 0x8102
	PlatformLinux   PlatformID = 0x8201
	PlatformSolaris PlatformID = 0x8202
	PlatformAndroid PlatformID = 0x8203
	PlatformPS3     PlatformID = 0x8204
	PlatformNaCl    PlatformID = 0x8205
	PlatformFuchsia PlatformID = 0x8206
)

func (p PlatformID) String() string {
	switch p {
	case PlatformWin32s, PlatformWin32, PlatformWin32NT, PlatformWin32CE:
		return "Windows NT"
	case PlatformUnix:
		return "Unix"
	case PlatformMacOS:
		return "Mac OS X"
	case PlatformIOS:
		return "iOS"
	case PlatformLinux:
		return "Linux"
	case PlatformSolaris:
		return "Solaris"
	case PlatformAndroid:
		return "Android"
	case PlatformPS3:
		return "PS3"
	case PlatformNaCl:
		return "NaCl"
	case PlatformFuchsia:
		return "Fuchsia"
	}
	return fmt.Sprintf("Unknown(%#x)", uint32(p))
}

// Location describes a span of the dump file (MINIDUMP_LOCATION_DESCRIPTOR).
type Location struct {
	DataSize uint32
	RVA      uint32
}

// End returns the first byte past the span, computed without overflow.
func (l Location) End() uint64 {
	return uint64(l.RVA) + uint64(l.DataSize)
}
