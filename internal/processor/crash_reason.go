package processor

import (
	"fmt"

	"github.com/VladMinzatu/minidump-stackwalker/internal/minidump"
)

// dumpRequested is the code breakpad writes when a dump is taken without a
// crash.
const dumpRequested = 0xffffffff

const (
	statusAccessViolation = 0xc0000005
	statusInPageError     = 0xc0000006
)

var windowsExceptions = map[uint32]string{
	0x40010005:            "DBG_CONTROL_C",
	0x80000001:            "EXCEPTION_GUARD_PAGE",
	0x80000002:            "EXCEPTION_DATATYPE_MISALIGNMENT",
	0x80000003:            "EXCEPTION_BREAKPOINT",
	0x80000004:            "EXCEPTION_SINGLE_STEP",
	statusAccessViolation: "EXCEPTION_ACCESS_VIOLATION",
	statusInPageError:     "EXCEPTION_IN_PAGE_ERROR",
	0xc0000008:            "EXCEPTION_INVALID_HANDLE",
	0xc000001d:            "EXCEPTION_ILLEGAL_INSTRUCTION",
	0xc0000025:            "EXCEPTION_NONCONTINUABLE_EXCEPTION",
	0xc0000026:            "EXCEPTION_INVALID_DISPOSITION",
	0xc000008c:            "EXCEPTION_ARRAY_BOUNDS_EXCEEDED",
	0xc000008d:            "EXCEPTION_FLT_DENORMAL_OPERAND",
	0xc000008e:            "EXCEPTION_FLT_DIVIDE_BY_ZERO",
	0xc000008f:            "EXCEPTION_FLT_INEXACT_RESULT",
	0xc0000090:            "EXCEPTION_FLT_INVALID_OPERATION",
	0xc0000091:            "EXCEPTION_FLT_OVERFLOW",
	0xc0000092:            "EXCEPTION_FLT_STACK_CHECK",
	0xc0000093:            "EXCEPTION_FLT_UNDERFLOW",
	0xc0000094:            "EXCEPTION_INT_DIVIDE_BY_ZERO",
	0xc0000095:            "EXCEPTION_INT_OVERFLOW",
	0xc0000096:            "EXCEPTION_PRIV_INSTRUCTION",
	0xc00000fd:            "EXCEPTION_STACK_OVERFLOW",
	0xc0000194:            "EXCEPTION_POSSIBLE_DEADLOCK",
	0xc0000374:            "STATUS_HEAP_CORRUPTION",
	0xc0000409:            "STATUS_STACK_BUFFER_OVERRUN",
	0xc0000417:            "STATUS_INVALID_CRUNTIME_PARAMETER",
	0xe06d7363:            "EXCEPTION_CXX",
}

var accessTypes = map[uint64]string{
	0: "_READ",
	1: "_WRITE",
	8: "_EXEC",
}

type signal struct {
	name  string
	codes map[uint32]string
}

var linuxSignals = map[uint32]signal{
	1:  {name: "SIGHUP"},
	2:  {name: "SIGINT"},
	3:  {name: "SIGQUIT"},
	4:  {name: "SIGILL", codes: map[uint32]string{1: "ILL_ILLOPC", 2: "ILL_ILLOPN", 3: "ILL_ILLADR", 4: "ILL_ILLTRP", 5: "ILL_PRVOPC", 6: "ILL_PRVREG", 7: "ILL_COPROC", 8: "ILL_BADSTK"}},
	5:  {name: "SIGTRAP"},
	6:  {name: "SIGABRT"},
	7:  {name: "SIGBUS", codes: map[uint32]string{1: "BUS_ADRALN", 2: "BUS_ADRERR", 3: "BUS_OBJERR", 4: "BUS_MCEERR_AR", 5: "BUS_MCEERR_AO"}},
	8:  {name: "SIGFPE", codes: map[uint32]string{1: "FPE_INTDIV", 2: "FPE_INTOVF", 3: "FPE_FLTDIV", 4: "FPE_FLTOVF", 5: "FPE_FLTUND", 6: "FPE_FLTRES", 7: "FPE_FLTINV", 8: "FPE_FLTSUB"}},
	9:  {name: "SIGKILL"},
	10: {name: "SIGUSR1"},
	11: {name: "SIGSEGV", codes: map[uint32]string{1: "SEGV_MAPERR", 2: "SEGV_ACCERR", 3: "SEGV_BNDERR", 4: "SEGV_PKUERR"}},
	12: {name: "SIGUSR2"},
	13: {name: "SIGPIPE"},
	14: {name: "SIGALRM"},
	15: {name: "SIGTERM"},
	16: {name: "SIGSTKFLT"},
	24: {name: "SIGXCPU"},
	25: {name: "SIGXFSZ"},
	31: {name: "SIGSYS"},
}

var macExceptions = map[uint32]signal{
	1:  {name: "EXC_BAD_ACCESS", codes: map[uint32]string{1: "KERN_INVALID_ADDRESS", 2: "KERN_PROTECTION_FAILURE", 13: "KERN_MEMORY_ERROR", 50: "KERN_CODESIGN_ERROR"}},
	2:  {name: "EXC_BAD_INSTRUCTION"},
	3:  {name: "EXC_ARITHMETIC"},
	4:  {name: "EXC_EMULATION"},
	5:  {name: "EXC_SOFTWARE"},
	6:  {name: "EXC_BREAKPOINT"},
	7:  {name: "EXC_SYSCALL"},
	8:  {name: "EXC_MACH_SYSCALL"},
	9:  {name: "EXC_RPC_ALERT"},
	10: {name: "EXC_CRASH"},
	11: {name: "EXC_RESOURCE"},
	12: {name: "EXC_GUARD"},
	13: {name: "EXC_CORPSE_NOTIFY"},
}

// CrashReason renders the exception code the way the platform names it.
// Unknown codes are printed in hex.
func CrashReason(e *minidump.Exception, platform minidump.PlatformID) string {
	if e.Code == dumpRequested {
		return "DUMP_REQUESTED"
	}
	switch platform {
	case minidump.PlatformWin32s, minidump.PlatformWin32, minidump.PlatformWin32NT, minidump.PlatformWin32CE:
		return windowsReason(e)
	case minidump.PlatformLinux, minidump.PlatformAndroid:
		return signalReason(linuxSignals, e.Code, e.Flags)
	case minidump.PlatformMacOS, minidump.PlatformIOS:
		return signalReason(macExceptions, e.Code, e.Flags)
	}
	return fmt.Sprintf("%#010x", e.Code)
}

func windowsReason(e *minidump.Exception) string {
	name, ok := windowsExceptions[e.Code]
	if !ok {
		return fmt.Sprintf("%#010x", e.Code)
	}
	if (e.Code == statusAccessViolation || e.Code == statusInPageError) && len(e.Parameters) > 0 {
		name += accessTypes[e.Parameters[0]]
	}
	return name
}

func signalReason(table map[uint32]signal, code, sub uint32) string {
	s, ok := table[code]
	if !ok {
		return fmt.Sprintf("%#x", code)
	}
	if c, ok := s.codes[sub]; ok {
		return s.name + " / " + c
	}
	return s.name
}

// CrashAddress is the faulting data address for Windows access violations
// and the exception address otherwise.
func CrashAddress(e *minidump.Exception, platform minidump.PlatformID) uint64 {
	switch platform {
	case minidump.PlatformWin32s, minidump.PlatformWin32, minidump.PlatformWin32NT, minidump.PlatformWin32CE:
		if (e.Code == statusAccessViolation || e.Code == statusInPageError) && len(e.Parameters) > 1 {
			return e.Parameters[1]
		}
	}
	return e.Address
}
