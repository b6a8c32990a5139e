// Package stackwalker recovers the call stack of a thread from its register
// context and captured stack memory.
//
// Frame 0 comes straight from the context. Every caller frame is produced
// by the first technique that yields a validated candidate, tried in order:
// unwind rules from symbol files (STACK CFI or STACK WIN), frame pointer
// chasing, and finally scanning the stack for a plausible return address.
package stackwalker

import (
	"github.com/VladMinzatu/minidump-stackwalker/internal/minidump"
)

// Trust tells which technique produced a frame.
type Trust uint8

const (
	TrustNone Trust = iota
	TrustScan
	TrustFramePointer
	TrustCFI
	TrustContext
)

var trustNames = [...]string{
	TrustNone:         "none",
	TrustScan:         "scan",
	TrustFramePointer: "frame_pointer",
	TrustCFI:          "cfi",
	TrustContext:      "context",
}

func (t Trust) String() string {
	if int(t) < len(trustNames) {
		return trustNames[t]
	}
	return "unknown"
}

// Frame is one recovered stack frame.
type Frame struct {
	Trust Trust
	// Instruction is the address to symbolize: the instruction pointer for
	// the context frame and the call site (return address - 1) for callers.
	Instruction uint64
	// Context holds the registers known for this frame. Registers that the
	// unwinding technique could not recover are invalid.
	Context *minidump.Context
	// Module is nil when Instruction is outside every loaded module.
	Module *minidump.Module
}

func (f *Frame) IP() uint64 { return f.Context.IP() }
func (f *Frame) SP() uint64 { return f.Context.SP() }

// EndReason tells why a walk stopped.
type EndReason uint8

const (
	// EndNoCaller: no technique produced a valid caller.
	EndNoCaller EndReason = iota
	// EndCallerZero: the recovered return address was zero, the usual
	// bottom of a stack.
	EndCallerZero
	EndCycle
	// EndStackExhausted: the stack pointer reached the end of the captured
	// stack memory.
	EndStackExhausted
	EndMaxFrames
)

var endNames = [...]string{
	EndNoCaller:       "no_caller",
	EndCallerZero:     "caller_zero",
	EndCycle:          "cycle",
	EndStackExhausted: "stack_exhausted",
	EndMaxFrames:      "max_frames",
}

func (r EndReason) String() string {
	if int(r) < len(endNames) {
		return endNames[r]
	}
	return "unknown"
}

// Result is a walked stack, innermost frame first.
type Result struct {
	Frames []Frame
	// Truncated is set when the walk stopped because no technique could
	// find a caller, so the trace is likely incomplete.
	Truncated bool
	End       EndReason
}
