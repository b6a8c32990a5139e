package stackwalker

import (
	"github.com/VladMinzatu/minidump-stackwalker/internal/minidump"
)

// callerByFramePointer follows the frame record chain. On x86 and AMD64 the
// frame pointer addresses {saved fp, return address}. On ARM and ARM64 the
// record is {saved fp, saved lr}: the caller resumes at the callee's link
// register and inherits the saved lr from the record.
func (s *walk) callerByFramePointer(callee *Frame) *minidump.Context {
	cc := callee.Context
	set := cc.RegisterSet()
	ptr := uint64(cc.PointerSize())
	fp, ok := cc.GetIndex(set.FP)
	if !ok {
		return nil
	}
	caller, _ := minidump.NewContext(cc.Arch)

	linkRegister := cc.Arch == minidump.ArchARM64 || cc.Arch == minidump.ArchARM
	if linkRegister {
		lr, ok := cc.GetIndex(set.LR)
		if !ok {
			return nil
		}
		caller.SetIP(s.strip(lr))
		if fp == 0 {
			// Outermost record: nothing left to restore.
			caller.SetSP(cc.SP())
			caller.SetIndex(set.FP, 0)
			return caller
		}
	}

	if s.stack == nil || fp == 0 || fp%ptr != 0 || fp < cc.SP() {
		return nil
	}
	savedFP, ok1 := s.stack.ReadPointer(fp, int(ptr))
	saved, ok2 := s.stack.ReadPointer(fp+ptr, int(ptr))
	if !ok1 || !ok2 {
		return nil
	}
	caller.SetSP(fp + 2*ptr)
	if savedFP == 0 || savedFP > fp {
		caller.SetIndex(set.FP, savedFP)
	}
	if linkRegister {
		caller.SetIndex(set.LR, s.strip(saved))
	} else {
		caller.SetIP(saved)
	}
	return caller
}
