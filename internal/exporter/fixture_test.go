package exporter

import (
	"time"

	"github.com/VladMinzatu/minidump-stackwalker/internal/minidump"
	"github.com/VladMinzatu/minidump-stackwalker/internal/processor"
	"github.com/VladMinzatu/minidump-stackwalker/internal/stackwalker"
	"github.com/VladMinzatu/minidump-stackwalker/internal/symbols"
)

func regs(ip, sp uint64) *minidump.Context {
	c, _ := minidump.NewContext(minidump.ArchAMD64)
	c.SetIP(ip)
	c.SetSP(sp)
	return c
}

// testState is a crashed report with three threads: the crashing thread
// ending in an unloaded module, a thread in a module without symbols and
// the skipped dump writer.
func testState() *processor.ProcessState {
	mods := minidump.NewModuleList([]minidump.Module{{Base: 0x400000, ImageSize: 0x10000, Name: "/usr/bin/app"}})
	app := &mods.Modules[0]

	crashing := processor.CallStack{
		ThreadID:   7,
		ThreadName: "main",
		Frames: []processor.StackFrame{
			{
				Frame:  stackwalker.Frame{Trust: stackwalker.TrustContext, Instruction: 0x401010, Context: regs(0x401010, 0x7000), Module: app},
				Symbol: symbols.Resolution{Kind: symbols.KindFunction, Name: "crash_here", Address: 0x1000, Offset: 0x10},
			},
			{
				Frame:  stackwalker.Frame{Trust: stackwalker.TrustFramePointer, Instruction: 0x40200f, Context: regs(0x402010, 0x7020), Module: app},
				Symbol: symbols.Resolution{Kind: symbols.KindFunction, Name: "main", Address: 0x2000, Offset: 0xf, File: "main.c", Line: 12},
			},
			{
				Frame:           stackwalker.Frame{Trust: stackwalker.TrustScan, Instruction: 0x50000f, Context: regs(0x500010, 0x7040)},
				Symbol:          symbols.Resolution{Kind: symbols.KindNoSymbols},
				UnloadedModules: map[string][]uint64{"old.so": {0xf}},
			},
		},
		Truncated: true,
		End:       stackwalker.EndNoCaller,
	}
	idle := processor.CallStack{
		ThreadID: 8,
		Frames: []processor.StackFrame{
			{
				Frame:  stackwalker.Frame{Trust: stackwalker.TrustContext, Instruction: 0x403000, Context: regs(0x403000, 0x9000), Module: app},
				Symbol: symbols.Resolution{Kind: symbols.KindNoSymbols},
			},
		},
		End: stackwalker.EndCallerZero,
	}
	writer := processor.CallStack{ThreadID: 9, Info: processor.CallStackDumpThreadSkipped}

	return &processor.ProcessState{
		ProcessID:        42,
		HasProcessID:     true,
		Time:             time.Unix(100, 0).UTC(),
		CrashReason:      "SIGSEGV / SEGV_MAPERR",
		CrashAddress:     0xdead,
		RequestingThread: 0,
		SystemInfo:       processor.SystemInfo{OS: "Linux", OSVersion: "6.1.0", CPU: "amd64", CPUInfo: "GenuineIntel", CPUCount: 4},
		Threads:          []processor.CallStack{crashing, idle, writer},
		Modules:          mods,
		SymbolStats:      map[string]symbols.SymbolStats{"/usr/bin/app": {FromCache: true}},
	}
}
