package symbols

import (
	"bufio"
	"fmt"
	"io"
	"maps"
	"slices"
)

// WriteTo serializes the file back into the breakpad text format. Parsing
// the output yields the same tables.
func (f *SymbolFile) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: bufio.NewWriter(w)}
	cw.printf("MODULE %s %s %s %s\n", f.Module.OS, f.Module.Arch, f.Module.ID, f.Module.Name)
	if f.CodeID != "" {
		if f.CodeFile != "" {
			cw.printf("INFO CODE_ID %s %s\n", f.CodeID, f.CodeFile)
		} else {
			cw.printf("INFO CODE_ID %s\n", f.CodeID)
		}
	}
	if f.URL != "" {
		cw.printf("INFO URL %s\n", f.URL)
	}
	for _, info := range f.Info {
		cw.printf("INFO %s\n", info)
	}
	for _, id := range slices.Sorted(maps.Keys(f.Files)) {
		cw.printf("FILE %d %s\n", id, f.Files[id])
	}
	for _, id := range slices.Sorted(maps.Keys(f.InlineOrigins)) {
		cw.printf("INLINE_ORIGIN %d %s\n", id, f.InlineOrigins[id])
	}
	for i := range f.Functions {
		fn := &f.Functions[i]
		cw.printf("FUNC %s%x %x %x %s\n", multiple(fn.Multiple), fn.Address, fn.Size, fn.ParameterSize, fn.Name)
		for _, in := range fn.Inlines {
			cw.printf("INLINE %d %d %d %d", in.Depth, in.CallLine, in.CallFile, in.Origin)
			for _, r := range in.Ranges {
				cw.printf(" %x %x", r.Address, r.Size)
			}
			cw.printf("\n")
		}
		for _, ln := range fn.Lines {
			cw.printf("%x %x %d %d\n", ln.Address, ln.Size, ln.Line, ln.File)
		}
	}
	for _, p := range f.Publics {
		cw.printf("PUBLIC %s%x %x %s\n", multiple(p.Multiple), p.Address, p.ParameterSize, p.Name)
	}
	for _, wf := range f.WinFrames {
		cw.printf("STACK WIN %x %x %x %x %x %x %x %x %x ", wf.Type, wf.Address, wf.Size, wf.PrologSize,
			wf.EpilogSize, wf.ParameterSize, wf.SavedRegisterSize, wf.LocalSize, wf.MaxStackSize)
		switch {
		case wf.Program != "":
			cw.printf("1 %s\n", wf.Program)
		case wf.AllocatesBasePointer:
			cw.printf("0 1\n")
		default:
			cw.printf("0 0\n")
		}
	}
	for _, e := range f.CFI {
		cw.printf("STACK CFI INIT %x %x %s\n", e.Address, e.Size, e.Init)
		for _, row := range e.Rows {
			cw.printf("STACK CFI %x %s\n", row.Address, row.Rules)
		}
	}
	if cw.err != nil {
		return cw.n, cw.err
	}
	return cw.n, cw.w.Flush()
}

func multiple(m bool) string {
	if m {
		return "m "
	}
	return ""
}

// countingWriter keeps the first write error so the serializer can stay
// linear.
type countingWriter struct {
	w   *bufio.Writer
	n   int64
	err error
}

func (c *countingWriter) printf(format string, args ...any) {
	if c.err != nil {
		return
	}
	n, err := fmt.Fprintf(c.w, format, args...)
	c.n += int64(n)
	c.err = err
}
