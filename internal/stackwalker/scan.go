package stackwalker

import (
	"github.com/VladMinzatu/minidump-stackwalker/internal/minidump"
)

// callerByScan searches the stack upwards from the callee's stack pointer
// and takes the first word that looks like a return address.
func (s *walk) callerByScan(callee *Frame) *minidump.Context {
	if s.stack == nil {
		return nil
	}
	cc := callee.Context
	set := cc.RegisterSet()
	ptr := uint64(cc.PointerSize())
	words := s.Config.MaxScanWords
	if words <= 0 {
		words = DefaultMaxScanWords
	}
	if callee.Trust == TrustContext {
		words *= contextScanMultiplier
	}

	sp := cc.SP()
	for i := range uint64(words) {
		addr := sp + i*ptr
		word, ok := s.stack.ReadPointer(addr, int(ptr))
		if !ok {
			break
		}
		ip := s.strip(word)
		if !s.looksLikeReturnAddress(ip, callee) {
			continue
		}

		caller, _ := minidump.NewContext(cc.Arch)
		caller.SetIP(ip)
		caller.SetSP(addr + ptr)
		if cc.Arch == minidump.ArchAMD64 || cc.Arch == minidump.ArchX86 {
			// A frame pointer pushed right after the call sits just below
			// the return address.
			if i > 0 {
				if fp, ok := s.stack.ReadPointer(addr-ptr, int(ptr)); ok && fp > addr && fp < s.stack.End() {
					caller.SetIndex(set.FP, fp)
				}
			}
		}
		return caller
	}
	return nil
}

// looksLikeReturnAddress checks a scanned word: it must point into a
// module's executable code, differ from the callee's instruction pointer
// and not land where the module's symbols say there is no code. The call
// instruction before the return address is what gets checked.
func (s *walk) looksLikeReturnAddress(ip uint64, callee *Frame) bool {
	if ip == 0 || ip == callee.IP() || s.Modules == nil {
		return false
	}
	m := s.Modules.ModuleAtAddress(ip)
	if m == nil {
		return false
	}
	if s.MemoryInfo != nil && len(s.MemoryInfo.Regions) > 0 && !s.MemoryInfo.IsExecutable(ip) {
		return false
	}
	if s.Symbols != nil && s.Symbols.Resolve(s.ctx, m, ip-1).Contradicts() {
		return false
	}
	return true
}
