package stackwalker

import (
	"context"
	"log/slog"
	"math/bits"

	"github.com/VladMinzatu/minidump-stackwalker/internal/minidump"
	"github.com/VladMinzatu/minidump-stackwalker/internal/symbols"
)

const (
	DefaultMaxFrames    = 1024
	DefaultMaxScanWords = 40
	// The context frame may sit in a function with a large frame, so it
	// scans further.
	contextScanMultiplier = 4
	// defaultPACMask keeps a 48-bit user address space.
	defaultPACMask = 1<<48 - 1
)

type Config struct {
	MaxFrames    int
	MaxScanWords int
	// PACMask strips pointer authentication bits from ARM64 return
	// addresses. Zero derives it from the highest loaded module.
	PACMask uint64
}

// Walker unwinds threads of one dump. Modules is required; MemoryInfo and
// Symbols improve validation and unwinding when present.
type Walker struct {
	Modules    *minidump.ModuleList
	MemoryInfo *minidump.UnifiedMemoryInfo
	Symbols    symbols.Provider
	Config     Config
}

// walk is the state of one thread's unwind.
type walk struct {
	*Walker
	ctx    context.Context
	stack  *minidump.Memory
	mask   uint64
	frames []Frame
	// params caches the parameter size of each frame's function, -1 while
	// unknown.
	params []int64
}

// Walk unwinds the thread whose registers are regs. stack is the thread's
// captured stack memory and may be nil. The walk never fails: problems end
// it early and are reported through Result.End.
func (w *Walker) Walk(ctx context.Context, regs *minidump.Context, stack *minidump.Memory) Result {
	s := &walk{Walker: w, ctx: ctx, stack: stack, mask: w.pacMask(regs.Arch)}

	first := regs.Clone()
	if s.isARM64() {
		first.SetIP(s.strip(first.IP()))
	}
	s.push(Frame{Trust: TrustContext, Instruction: first.IP(), Context: first})

	maxFrames := w.Config.MaxFrames
	if maxFrames <= 0 {
		maxFrames = DefaultMaxFrames
	}
	type frameKey struct{ ip, sp uint64 }
	seen := map[frameKey]struct{}{{first.IP(), first.SP()}: {}}

	var res Result
	for {
		if len(s.frames) >= maxFrames {
			res.End = EndMaxFrames
			break
		}
		caller, end, ok := s.next()
		if !ok {
			res.End = end
			res.Truncated = end == EndNoCaller
			break
		}
		key := frameKey{caller.IP(), caller.SP()}
		if _, dup := seen[key]; dup {
			res.End = EndCycle
			break
		}
		seen[key] = struct{}{}
		s.push(caller)

		if stack != nil && caller.SP() >= stack.End() {
			res.End = EndStackExhausted
			break
		}
	}
	res.Frames = s.frames
	slog.Debug("Walked stack", "frames", len(res.Frames), "end", res.End, "truncated", res.Truncated)
	return res
}

func (s *walk) push(f Frame) {
	if f.Instruction != 0 && s.Modules != nil {
		f.Module = s.Modules.ModuleAtAddress(f.Instruction)
	}
	s.frames = append(s.frames, f)
	s.params = append(s.params, -1)
}

// next finds the caller of the innermost frame. When ok is false, end
// tells why there is none.
func (s *walk) next() (caller Frame, end EndReason, ok bool) {
	callee := &s.frames[len(s.frames)-1]
	techniques := []struct {
		trust Trust
		find  func(*Frame) *minidump.Context
	}{
		{TrustCFI, s.callerByRule},
		{TrustFramePointer, s.callerByFramePointer},
		{TrustScan, s.callerByScan},
	}
	for _, t := range techniques {
		regs := t.find(callee)
		if regs == nil {
			continue
		}
		ip := regs.IP()
		if ip == 0 && t.trust != TrustScan {
			return Frame{}, EndCallerZero, false
		}
		if !s.valid(t.trust, callee, regs) {
			slog.Debug("Rejected caller candidate", "technique", t.trust, "ip", ip, "sp", regs.SP())
			continue
		}
		return Frame{Trust: t.trust, Instruction: ip - 1, Context: regs}, 0, true
	}
	return Frame{}, EndNoCaller, false
}

// valid applies the checks every candidate must pass. Scan candidates are
// checked further while they are found.
func (s *walk) valid(trust Trust, callee *Frame, regs *minidump.Context) bool {
	if _, ok := regs.GetIndex(regs.RegisterSet().SP); !ok {
		return false
	}
	if regs.SP() < callee.SP() {
		return false
	}
	if trust == TrustScan && (regs.SP() <= callee.SP() || regs.IP() == callee.IP()) {
		return false
	}
	return s.executable(regs.IP())
}

// executable reports whether addr is in mapped executable memory. Without
// memory info, being inside a loaded module is the best evidence there is.
func (s *walk) executable(addr uint64) bool {
	if s.MemoryInfo != nil && len(s.MemoryInfo.Regions) > 0 {
		return s.MemoryInfo.IsExecutable(addr)
	}
	return s.Modules != nil && s.Modules.ModuleAtAddress(addr) != nil
}

// parameterSize returns the size of the stack arguments of frame i's
// function, which STACK WIN programs of its caller need.
func (s *walk) parameterSize(i int) uint32 {
	if i < 0 || i >= len(s.frames) {
		return 0
	}
	if s.params[i] < 0 {
		s.params[i] = 0
		f := &s.frames[i]
		if f.Module != nil && s.Symbols != nil {
			s.params[i] = int64(s.Symbols.Resolve(s.ctx, f.Module, f.Instruction).ParameterSize)
		}
	}
	return uint32(s.params[i])
}

func (s *walk) isARM64() bool {
	return s.mask != 0
}

// strip removes pointer authentication bits on ARM64.
func (s *walk) strip(addr uint64) uint64 {
	if s.mask == 0 {
		return addr
	}
	return addr & s.mask
}

// pacMask returns the mask for return addresses, or zero when arch has no
// pointer authentication.
func (w *Walker) pacMask(arch minidump.CPUArch) uint64 {
	if arch != minidump.ArchARM64 && arch != minidump.ArchARM64Old {
		return 0
	}
	if w.Config.PACMask != 0 {
		return w.Config.PACMask
	}
	if w.Modules != nil {
		if hi := w.Modules.HighestAddress(); hi != 0 {
			return 1<<bits.Len64(hi) - 1
		}
	}
	return defaultPACMask
}
