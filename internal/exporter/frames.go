package exporter

import (
	"fmt"
	"slices"
	"strings"

	"github.com/VladMinzatu/minidump-stackwalker/internal/minidump"
	"github.com/VladMinzatu/minidump-stackwalker/internal/processor"
)

// ThreadSelection picks which threads of a report are exported.
type ThreadSelection int

const (
	_ = iota
	// Requesting exports only the crashing or requesting thread.
	Requesting
	All
)

func selectThreads(state *processor.ProcessState, which ThreadSelection) []*processor.CallStack {
	switch which {
	case Requesting:
		if cs := state.RequestingCallStack(); cs != nil {
			return []*processor.CallStack{cs}
		}
		return nil
	case All:
		out := make([]*processor.CallStack, 0, len(state.Threads))
		for i := range state.Threads {
			out = append(out, &state.Threads[i])
		}
		return out
	}
	return nil
}

func moduleName(m *minidump.Module) string {
	name := m.Name
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// FrameName renders a frame as module!function, falling back to module
// and unloaded module offsets, then to the bare address.
func FrameName(f *processor.StackFrame) string {
	if f.Module != nil {
		mod := moduleName(f.Module)
		if f.Symbol.Found() {
			return mod + "!" + f.Symbol.Name
		}
		off, _ := f.ModuleOffset()
		return fmt.Sprintf("%s+%#x", mod, off)
	}
	if len(f.UnloadedModules) > 0 {
		names := make([]string, 0, len(f.UnloadedModules))
		for name := range f.UnloadedModules {
			names = append(names, name)
		}
		slices.Sort(names)
		return fmt.Sprintf("(unloaded %s+%#x)", names[0], f.UnloadedModules[names[0]][0])
	}
	return fmt.Sprintf("%#x", f.Instruction)
}

// frameSource is the source position of a resolved frame, if known.
func frameSource(f *processor.StackFrame) string {
	if f.Symbol.File == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", f.Symbol.File, f.Symbol.Line)
}
