package exporter

import (
	"bufio"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/VladMinzatu/minidump-stackwalker/internal/processor"
	"github.com/VladMinzatu/minidump-stackwalker/internal/stackwalker"
)

var foundBy = map[stackwalker.Trust]string{
	stackwalker.TrustContext:      "given as instruction pointer in context",
	stackwalker.TrustCFI:          "call frame info",
	stackwalker.TrustFramePointer: "previous frame's frame pointer",
	stackwalker.TrustScan:         "stack scanning",
}

// WriteText writes a human readable report. Registers are printed for
// every frame when verbose is set, and for the first frame otherwise.
func WriteText(w io.Writer, state *processor.ProcessState, verbose bool) error {
	bw := bufio.NewWriter(w)
	sys := state.SystemInfo

	fmt.Fprintf(bw, "Operating system: %s\n", sys.OS)
	fmt.Fprintf(bw, "                  %s\n", sys.OSVersion)
	fmt.Fprintf(bw, "CPU: %s\n", sys.CPU)
	if sys.CPUInfo != "" {
		fmt.Fprintf(bw, "     %s\n", sys.CPUInfo)
	}
	fmt.Fprintf(bw, "     %d CPUs\n", sys.CPUCount)
	if sys.MicrocodeVersion != 0 {
		fmt.Fprintf(bw, "     microcode %#x\n", sys.MicrocodeVersion)
	}
	if lsb := state.LinuxStandardBase; lsb != nil {
		fmt.Fprintf(bw, "Linux: %s %s (%s)\n", lsb.ID, lsb.Release, lsb.Codename)
	}
	bw.WriteString("\n")

	if state.Crashed() {
		fmt.Fprintf(bw, "Crash reason:  %s\n", state.CrashReason)
		fmt.Fprintf(bw, "Crash address: %#x\n", state.CrashAddress)
	} else {
		bw.WriteString("No crash\n")
	}
	if !state.ProcessCreateTime.IsZero() {
		fmt.Fprintf(bw, "Process uptime: %s\n", state.Time.Sub(state.ProcessCreateTime))
	}
	bw.WriteString("\n")

	if cs := state.RequestingCallStack(); cs != nil {
		writeThread(bw, cs, state.RequestingThread, true, verbose)
	}
	for i := range state.Threads {
		if i == state.RequestingThread {
			continue
		}
		writeThread(bw, &state.Threads[i], i, false, verbose)
	}

	writeModules(bw, state)
	return bw.Flush()
}

func writeThread(w *bufio.Writer, cs *processor.CallStack, index int, requesting, verbose bool) {
	fmt.Fprintf(w, "Thread %d", index)
	if cs.ThreadName != "" {
		fmt.Fprintf(w, " %s", cs.ThreadName)
	}
	if requesting {
		w.WriteString(" (crashed)")
	}
	w.WriteString("\n")
	if cs.Info != processor.CallStackOK {
		fmt.Fprintf(w, " <%s>\n", cs.Info)
	}

	for i := range cs.Frames {
		f := &cs.Frames[i]
		fmt.Fprintf(w, "%2d  %s", i, FrameName(f))
		if f.Symbol.Found() {
			fmt.Fprintf(w, " + %#x", f.Symbol.Offset)
		}
		if src := frameSource(f); src != "" {
			fmt.Fprintf(w, " [%s]", src)
		}
		w.WriteString("\n")
		if i == 0 || verbose {
			writeRegisters(w, f)
		}
		fmt.Fprintf(w, "    Found by: %s\n", foundBy[f.Trust])
	}
	if cs.Truncated {
		fmt.Fprintf(w, " <truncated: %s>\n", cs.End)
	}
	w.WriteString("\n")
}

func writeRegisters(w *bufio.Writer, f *processor.StackFrame) {
	width := 2 * f.Context.PointerSize()
	var line []string
	for name, v := range f.Context.Registers() {
		line = append(line, fmt.Sprintf("%6s = 0x%0*x", name, width, v))
		if len(line) == 3 {
			fmt.Fprintf(w, "    %s\n", strings.Join(line, "  "))
			line = line[:0]
		}
	}
	if len(line) > 0 {
		fmt.Fprintf(w, "    %s\n", strings.Join(line, "  "))
	}
}

func writeModules(w *bufio.Writer, state *processor.ProcessState) {
	if state.Modules != nil && len(state.Modules.Modules) > 0 {
		w.WriteString("Loaded modules:\n")
		for i := range state.Modules.Modules {
			m := &state.Modules.Modules[i]
			fmt.Fprintf(w, "%#018x - %#018x  %s  %s", m.Base, m.End()-1, moduleName(m), m.DebugID())
			if note := symbolNote(state, m.Name); note != "" {
				fmt.Fprintf(w, "  (%s)", note)
			}
			w.WriteString("\n")
		}
		w.WriteString("\n")
	}
	if state.UnloadedModules != nil && len(state.UnloadedModules.Modules) > 0 {
		w.WriteString("Unloaded modules:\n")
		for _, m := range state.UnloadedModules.Modules {
			fmt.Fprintf(w, "%#018x - %#018x  %s\n", m.Base, m.Base+m.ImageSize-1, m.Name)
		}
		w.WriteString("\n")
	}
	if len(state.UnknownStreams) > 0 {
		types := make([]string, 0, len(state.UnknownStreams))
		for _, e := range state.UnknownStreams {
			types = append(types, fmt.Sprintf("%#x", uint32(e.Type)))
		}
		slices.Sort(types)
		fmt.Fprintf(w, "Unknown streams: %s\n", strings.Join(types, ", "))
	}
}

func symbolNote(state *processor.ProcessState, codeFile string) string {
	st, ok := state.SymbolStats[codeFile]
	if !ok {
		return ""
	}
	switch {
	case st.Corrupt:
		return "corrupt symbols"
	case st.LoadFailed:
		return "symbols failed to load"
	case st.NoSymbols:
		return "no symbols"
	case st.Uncached:
		return "symbols not cached"
	}
	return ""
}
