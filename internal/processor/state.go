package processor

import (
	"time"

	"github.com/VladMinzatu/minidump-stackwalker/internal/minidump"
	"github.com/VladMinzatu/minidump-stackwalker/internal/stackwalker"
	"github.com/VladMinzatu/minidump-stackwalker/internal/symbols"
)

type SystemInfo struct {
	OS        string
	OSVersion string
	CPU       string
	// CPUInfo is the processor vendor, when the dump records one.
	CPUInfo  string
	CPUCount int
	// MicrocodeVersion is zero unless the cpuinfo stream carries it.
	MicrocodeVersion uint64
}

// LinuxStandardBase is the distribution identity found in /etc/lsb-release
// or /etc/os-release.
type LinuxStandardBase struct {
	ID          string
	Release     string
	Codename    string
	Description string
}

// CallStackInfo says why a thread has the frames it has.
type CallStackInfo uint8

const (
	CallStackOK CallStackInfo = iota
	// CallStackDumpThreadSkipped: the thread wrote the dump and is not
	// interesting.
	CallStackDumpThreadSkipped
	CallStackMissingContext
	CallStackMissingMemory
)

func (i CallStackInfo) String() string {
	switch i {
	case CallStackOK:
		return "ok"
	case CallStackDumpThreadSkipped:
		return "dump_thread_skipped"
	case CallStackMissingContext:
		return "missing_context"
	case CallStackMissingMemory:
		return "missing_memory"
	default:
		return "unknown"
	}
}

type StackFrame struct {
	stackwalker.Frame
	Symbol symbols.Resolution
	// UnloadedModules maps the names of unloaded modules that covered the
	// instruction to the offsets into them, for frames outside every loaded
	// module.
	UnloadedModules map[string][]uint64
}

// ModuleOffset is the frame's instruction relative to its module base.
func (f *StackFrame) ModuleOffset() (uint64, bool) {
	if f.Module == nil {
		return 0, false
	}
	return f.Instruction - f.Module.Base, true
}

type CallStack struct {
	ThreadID   uint32
	ThreadName string
	Info       CallStackInfo
	Frames     []StackFrame
	Truncated  bool
	End        stackwalker.EndReason
}

// ProcessState is the symbolized report of one dump.
type ProcessState struct {
	ProcessID         uint32
	HasProcessID      bool
	Time              time.Time
	ProcessCreateTime time.Time

	// CrashReason is empty when the dump carries no exception.
	CrashReason  string
	CrashAddress uint64
	// RequestingThread indexes Threads, -1 if no thread requested the dump.
	RequestingThread int

	SystemInfo        SystemInfo
	LinuxStandardBase *LinuxStandardBase
	Threads           []CallStack
	Modules           *minidump.ModuleList
	UnloadedModules   *minidump.UnloadedModuleList
	UnknownStreams    []minidump.DirectoryEntry
	// SymbolStats is keyed by module code file.
	SymbolStats map[string]symbols.SymbolStats
	// CertInfo maps module names to code signing subjects.
	CertInfo map[string]string
}

// Crashed reports whether the dump was written for an exception.
func (s *ProcessState) Crashed() bool { return s.CrashReason != "" }

// RequestingCallStack returns the crashing or requesting thread.
func (s *ProcessState) RequestingCallStack() *CallStack {
	if s.RequestingThread < 0 || s.RequestingThread >= len(s.Threads) {
		return nil
	}
	return &s.Threads[s.RequestingThread]
}
