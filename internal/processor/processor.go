// Package processor turns a minidump into a symbolized report: every
// thread unwound, the crash explained and the system described.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/VladMinzatu/minidump-stackwalker/internal/minidump"
	"github.com/VladMinzatu/minidump-stackwalker/internal/stackwalker"
	"github.com/VladMinzatu/minidump-stackwalker/internal/symbols"
)

var tracer = otel.Tracer("minidump-stackwalker/processor")

var (
	ErrMissingThreadList = errors.New("minidump has no usable thread list")
	ErrMissingSystemInfo = errors.New("minidump has no usable system info")
)

// SymbolProvider resolves and unwinds through modules and reports how each
// module's symbols were obtained. *symbols.Store implements it.
type SymbolProvider interface {
	symbols.Provider
	Stats() map[string]symbols.SymbolStats
}

type Options struct {
	Walker stackwalker.Config
	// Extra supplies thread names and signing info missing from the dump.
	Extra *ExtraInfo
}

// Process unwinds and symbolizes every thread of d. Only a missing thread
// list or system info is fatal; trouble with any other stream, thread or
// module degrades the report instead. provider may be nil.
func Process(ctx context.Context, d *minidump.Dump, provider SymbolProvider, opts Options) (*ProcessState, error) {
	ctx, span := tracer.Start(ctx, "processor.Process",
		trace.WithAttributes(attribute.Int("dump.size", d.Size())),
	)
	defer span.End()

	state, err := process(ctx, d, provider, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("threads", len(state.Threads)),
		attribute.String("crash_reason", state.CrashReason),
	)
	return state, nil
}

func process(ctx context.Context, d *minidump.Dump, provider SymbolProvider, opts Options) (*ProcessState, error) {
	threads, err := d.ThreadList()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMissingThreadList, err)
	}
	sys, err := d.SystemInfo()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMissingSystemInfo, err)
	}
	extra := opts.Extra
	if extra == nil {
		extra = &ExtraInfo{}
	}

	state := &ProcessState{
		Time:             d.Header.Time(),
		RequestingThread: -1,
		SystemInfo: SystemInfo{
			OS:               sys.OS(),
			OSVersion:        sys.OSVersion(),
			CPU:              sys.CPU(),
			CPUInfo:          sys.VendorID,
			CPUCount:         int(sys.NumberOfProcessors),
			MicrocodeVersion: microcodeVersion(d),
		},
		LinuxStandardBase: linuxStandardBase(d),
		UnknownStreams:    d.UnknownStreams(),
		CertInfo:          map[string]string{},
	}

	state.Modules, err = d.ModuleList()
	if err != nil {
		logStreamError("module list", err)
		state.Modules = minidump.NewModuleList(nil)
	}
	for i := range state.Modules.Modules {
		m := &state.Modules.Modules[i]
		if cert, ok := extra.Certs[m.Name]; ok && m.CertSubject == "" {
			m.CertSubject = cert
		}
		if m.CertSubject != "" {
			state.CertInfo[m.Name] = m.CertSubject
		}
	}
	state.UnloadedModules, err = d.UnloadedModuleList()
	if err != nil {
		logStreamError("unloaded module list", err)
	}
	memory, err := d.MemoryList()
	if err != nil {
		logStreamError("memory list", err)
	}
	memoryInfo, err := d.UnifiedMemoryInfo()
	if err != nil {
		logStreamError("memory info", err)
	}

	if misc, err := d.MiscInfo(); err == nil {
		state.ProcessID, state.HasProcessID = misc.PID()
		state.ProcessCreateTime, _ = misc.CreateTime()
	} else {
		logStreamError("misc info", err)
	}

	var (
		dumpThreadID, requestingID uint32
		hasDumpThread, hasRequest  bool
	)
	if info, err := d.BreakpadInfo(); err == nil {
		dumpThreadID, hasDumpThread = info.DumpThread()
		requestingID, hasRequest = info.RequestingThread()
	} else {
		logStreamError("breakpad info", err)
	}

	var exceptionContext *minidump.Context
	if e, err := d.Exception(); err == nil {
		state.CrashReason = CrashReason(e, sys.Platform)
		state.CrashAddress = CrashAddress(e, sys.Platform)
		requestingID, hasRequest = e.ThreadID, true
		if exceptionContext, err = d.ExceptionContext(e); err != nil {
			slog.Warn("Failed to read exception context", "error", err)
		}
	} else {
		logStreamError("exception", err)
	}

	names, err := d.ThreadNames()
	if err != nil {
		logStreamError("thread names", err)
	}

	walker := &stackwalker.Walker{
		Modules:    state.Modules,
		MemoryInfo: memoryInfo,
		Config:     opts.Walker,
	}
	if provider != nil {
		walker.Symbols = provider
	}

	state.Threads = make([]CallStack, 0, len(threads.Threads))
	for i := range threads.Threads {
		t := &threads.Threads[i]
		name, ok := names[t.ID]
		if !ok {
			name = extra.ThreadNames[t.ID]
		}
		cs := CallStack{ThreadID: t.ID, ThreadName: name}

		if hasDumpThread && t.ID == dumpThreadID {
			cs.Info = CallStackDumpThreadSkipped
			state.Threads = append(state.Threads, cs)
			continue
		}

		var regs *minidump.Context
		if hasRequest && t.ID == requestingID {
			state.RequestingThread = i
			regs = exceptionContext
		}
		if regs == nil {
			if regs, err = d.ThreadContext(t); err != nil {
				slog.Warn("Failed to read thread context", "thread", t.ID, "error", err)
				cs.Info = CallStackMissingContext
				state.Threads = append(state.Threads, cs)
				continue
			}
		}
		stack := d.ThreadStack(t, regs.SP(), memory)
		if stack == nil {
			cs.Info = CallStackMissingMemory
		}
		walkThread(ctx, walker, provider, state.UnloadedModules, regs, stack, &cs)
		state.Threads = append(state.Threads, cs)
	}

	if provider != nil {
		state.SymbolStats = provider.Stats()
	}
	return state, nil
}

func walkThread(ctx context.Context, w *stackwalker.Walker, provider SymbolProvider, unloaded *minidump.UnloadedModuleList, regs *minidump.Context, stack *minidump.Memory, cs *CallStack) {
	ctx, span := tracer.Start(ctx, "processor.walkThread",
		trace.WithAttributes(attribute.Int64("thread_id", int64(cs.ThreadID))),
	)
	defer span.End()

	res := w.Walk(ctx, regs, stack)
	cs.Truncated = res.Truncated
	cs.End = res.End
	cs.Frames = make([]StackFrame, len(res.Frames))
	for i, f := range res.Frames {
		sf := StackFrame{Frame: f, Symbol: symbols.Resolution{Kind: symbols.KindNoSymbols}}
		switch {
		case f.Module != nil && provider != nil:
			sf.Symbol = provider.Resolve(ctx, f.Module, f.Instruction)
		case f.Module == nil:
			sf.UnloadedModules = unloadedOffsets(unloaded, f.Instruction)
		}
		cs.Frames[i] = sf
	}
	span.SetAttributes(
		attribute.Int("frames", len(cs.Frames)),
		attribute.String("end", res.End.String()),
	)
}

// unloadedOffsets lists, per unloaded module name, the offsets of addr into
// every unloaded instance covering it.
func unloadedOffsets(l *minidump.UnloadedModuleList, addr uint64) map[string][]uint64 {
	mods := l.ModulesAtAddress(addr)
	if len(mods) == 0 {
		return nil
	}
	out := make(map[string][]uint64, len(mods))
	for _, m := range mods {
		off := addr - m.Base
		if !slices.Contains(out[m.Name], off) {
			out[m.Name] = append(out[m.Name], off)
		}
	}
	for _, offs := range out {
		slices.Sort(offs)
	}
	return out
}

func microcodeVersion(d *minidump.Dump) uint64 {
	info, err := d.CPUInfo()
	if err != nil {
		logStreamError("cpu info", err)
		return 0
	}
	for k, v := range info {
		if k != "microcode" {
			continue
		}
		hex, ok := strings.CutPrefix(v, "0x")
		if !ok {
			return 0
		}
		n, err := strconv.ParseUint(hex, 16, 64)
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

func linuxStandardBase(d *minidump.Dump) *LinuxStandardBase {
	kv, err := d.LSBRelease()
	if err != nil {
		logStreamError("lsb release", err)
		return nil
	}
	lsb := &LinuxStandardBase{}
	for k, v := range kv {
		switch k {
		case "DISTRIB_ID", "ID":
			lsb.ID = v
		case "DISTRIB_RELEASE", "VERSION_ID":
			lsb.Release = v
		case "DISTRIB_CODENAME", "VERSION_CODENAME":
			lsb.Codename = v
		case "DISTRIB_DESCRIPTION", "PRETTY_NAME":
			lsb.Description = v
		}
	}
	return lsb
}

// logStreamError stays quiet about absent optional streams.
func logStreamError(stream string, err error) {
	if errors.Is(err, minidump.ErrStreamNotPresent) {
		return
	}
	slog.Warn("Ignoring unreadable stream", "stream", stream, "error", err)
}
