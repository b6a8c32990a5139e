package stackwalker

import (
	"log/slog"

	"github.com/VladMinzatu/minidump-stackwalker/internal/minidump"
	"github.com/VladMinzatu/minidump-stackwalker/internal/symbols"
)

// frameWalker exposes a callee frame to unwind programs.
type frameWalker struct {
	s      *walk
	callee *Frame
	index  int
}

func (f frameWalker) CalleeRegister(name string) (uint64, bool) {
	return f.callee.Context.Get(name)
}

func (f frameWalker) ReadPointer(addr uint64) (uint64, bool) {
	if f.s.stack == nil {
		return 0, false
	}
	return f.s.stack.ReadPointer(addr, f.callee.Context.PointerSize())
}

func (f frameWalker) PointerSize() int { return f.callee.Context.PointerSize() }

func (f frameWalker) GrandCalleeParameterSize() uint32 {
	return f.s.parameterSize(f.index - 1)
}

// callerByRule evaluates the unwind rule covering the callee's instruction.
func (s *walk) callerByRule(callee *Frame) *minidump.Context {
	if s.Symbols == nil || callee.Module == nil {
		return nil
	}
	rule, ok := s.Symbols.UnwindRule(s.ctx, callee.Module, callee.Instruction)
	if !ok {
		return nil
	}
	out, err := rule.Evaluate(frameWalker{s: s, callee: callee, index: len(s.frames) - 1})
	if err != nil {
		slog.Debug("Unwind rule failed", "rule", rule, "instruction", callee.Instruction, "error", err)
		return nil
	}

	cc := callee.Context
	set := cc.RegisterSet()
	caller, _ := minidump.NewContext(cc.Arch)
	for _, i := range set.CalleeSaved {
		if v, ok := cc.GetIndex(i); ok {
			caller.SetIndex(i, v)
		}
	}
	for name, v := range out {
		if name == symbols.RegCFA || name == symbols.RegRA {
			continue
		}
		caller.Set(name, v)
	}

	cfa, ok := out[symbols.RegCFA]
	if !ok {
		return nil
	}
	caller.SetSP(cfa)

	ra, ok := out[symbols.RegRA]
	if !ok {
		// ARM rules often recover the link register or pc instead of .ra;
		// a leaf function leaves lr untouched.
		if v, found := caller.GetIndex(set.IP); found {
			ra, ok = v, true
		} else if set.LR >= 0 {
			if v, found := caller.GetIndex(set.LR); found {
				ra, ok = v, true
			} else if v, found := cc.GetIndex(set.LR); found {
				ra, ok = v, true
			}
		}
	}
	if !ok {
		return nil
	}
	caller.SetIP(s.strip(ra))
	return caller
}
