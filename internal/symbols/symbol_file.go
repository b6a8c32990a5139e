// Package symbols loads breakpad text symbol files, answers address and
// unwind-rule lookups against them, and keeps an on-disk cache of symbol
// files shared between concurrent processors.
package symbols

import (
	"sort"
)

// ModuleInfo is the MODULE record.
type ModuleInfo struct {
	OS   string
	Arch string
	ID   string
	Name string
}

type Line struct {
	Address uint64
	Size    uint64
	Line    uint32
	File    uint32
}

type Range struct {
	Address uint64
	Size    uint64
}

func (r Range) contains(addr uint64) bool {
	return addr >= r.Address && addr-r.Address < r.Size
}

type Inline struct {
	Depth    uint32
	CallLine uint32
	CallFile uint32
	Origin   uint32
	Ranges   []Range
}

type Function struct {
	Address       uint64
	Size          uint64
	ParameterSize uint32
	Name          string
	Multiple      bool
	Lines         []Line
	Inlines       []Inline
}

func (f *Function) contains(addr uint64) bool {
	return addr >= f.Address && addr-f.Address < f.Size
}

func (f *Function) end() uint64 { return f.Address + f.Size }

type Public struct {
	Address       uint64
	ParameterSize uint32
	Name          string
	Multiple      bool
	// end bounds the public when bounded is set: the next public or the
	// first function after Address, whichever comes first.
	end     uint64
	bounded bool
}

// WinFrameType distinguishes the STACK WIN record families.
type WinFrameType uint8

const (
	WinFrameFPO       WinFrameType = 0
	WinFrameFrameData WinFrameType = 4
)

type WinFrameInfo struct {
	Type                 WinFrameType
	Address              uint64
	Size                 uint64
	PrologSize           uint32
	EpilogSize           uint32
	ParameterSize        uint32
	SavedRegisterSize    uint32
	LocalSize            uint32
	MaxStackSize         uint32
	Program              string
	AllocatesBasePointer bool
}

func (w *WinFrameInfo) contains(addr uint64) bool {
	return addr >= w.Address && addr-w.Address < w.Size
}

// CFIRow is a STACK CFI delta record; Rules override the rules of the INIT
// record from Address onwards.
type CFIRow struct {
	Address uint64
	Rules   string
}

type CFIEntry struct {
	Address uint64
	Size    uint64
	Init    string
	Rows    []CFIRow
}

func (c *CFIEntry) contains(addr uint64) bool {
	return addr >= c.Address && addr-c.Address < c.Size
}

// SymbolFile is a parsed breakpad symbol file. All addresses are relative
// to the module base. A SymbolFile is immutable once returned by Parse and
// safe for concurrent readers.
type SymbolFile struct {
	Module ModuleInfo
	// CodeID and CodeFile come from INFO CODE_ID.
	CodeID   string
	CodeFile string
	// URL records where the file was downloaded from (INFO URL).
	URL string
	// Info keeps other INFO records verbatim, without the INFO keyword.
	Info          []string
	Files         map[uint32]string
	InlineOrigins map[uint32]string
	Functions     []Function
	Publics       []Public
	WinFrames     []WinFrameInfo
	CFI           []CFIEntry
	// ParseErrors counts malformed lines that were skipped.
	ParseErrors int

	maxWinSize uint64
}

// finalize sorts the tables, drops overlapping functions and publics that
// fall inside a function, and bounds the remaining publics so that a
// function always owns the addresses it spans.
func (f *SymbolFile) finalize() {
	sort.SliceStable(f.Functions, func(i, j int) bool { return f.Functions[i].Address < f.Functions[j].Address })
	funcs := f.Functions[:0]
	for _, fn := range f.Functions {
		if n := len(funcs); n > 0 && fn.Address < funcs[n-1].end() {
			continue
		}
		sort.SliceStable(fn.Lines, func(i, j int) bool { return fn.Lines[i].Address < fn.Lines[j].Address })
		funcs = append(funcs, fn)
	}
	f.Functions = funcs

	sort.SliceStable(f.Publics, func(i, j int) bool { return f.Publics[i].Address < f.Publics[j].Address })
	pubs := f.Publics[:0]
	for _, p := range f.Publics {
		if n := len(pubs); n > 0 && pubs[n-1].Address == p.Address {
			continue
		}
		// A public inside a function would otherwise outlive it.
		if f.findFunction(p.Address) != nil {
			continue
		}
		pubs = append(pubs, p)
	}
	f.Publics = pubs
	for i := range f.Publics {
		p := &f.Publics[i]
		p.end, p.bounded = 0, false
		if i+1 < len(f.Publics) {
			p.end, p.bounded = f.Publics[i+1].Address, true
		}
		k := sort.Search(len(f.Functions), func(k int) bool { return f.Functions[k].Address > p.Address })
		if k < len(f.Functions) && (!p.bounded || f.Functions[k].Address < p.end) {
			p.end, p.bounded = f.Functions[k].Address, true
		}
	}

	sort.SliceStable(f.WinFrames, func(i, j int) bool { return f.WinFrames[i].Address < f.WinFrames[j].Address })
	f.maxWinSize = 0
	for _, w := range f.WinFrames {
		f.maxWinSize = max(f.maxWinSize, w.Size)
	}
	sort.SliceStable(f.CFI, func(i, j int) bool { return f.CFI[i].Address < f.CFI[j].Address })
	for i := range f.CFI {
		rows := f.CFI[i].Rows
		sort.SliceStable(rows, func(a, b int) bool { return rows[a].Address < rows[b].Address })
	}
}

func (f *SymbolFile) findFunction(addr uint64) *Function {
	i := sort.Search(len(f.Functions), func(i int) bool { return f.Functions[i].Address > addr })
	if i == 0 {
		return nil
	}
	if fn := &f.Functions[i-1]; fn.contains(addr) {
		return fn
	}
	return nil
}

func (f *SymbolFile) findPublic(addr uint64) *Public {
	i := sort.Search(len(f.Publics), func(i int) bool { return f.Publics[i].Address > addr })
	if i == 0 {
		return nil
	}
	p := &f.Publics[i-1]
	if p.bounded && addr >= p.end {
		return nil
	}
	return p
}

// Lookup resolves a module-relative address. A function always wins over
// a public symbol; addresses covered by neither are NoCoverage.
func (f *SymbolFile) Lookup(addr uint64) Resolution {
	if fn := f.findFunction(addr); fn != nil {
		r := Resolution{
			Kind:          KindFunction,
			Name:          fn.Name,
			Address:       fn.Address,
			Offset:        addr - fn.Address,
			ParameterSize: fn.ParameterSize,
		}
		if ln := findLine(fn.Lines, addr); ln != nil {
			r.File = f.Files[ln.File]
			r.Line = ln.Line
		}
		r.Inlines = f.inlinesAt(fn, addr)
		return r
	}
	if p := f.findPublic(addr); p != nil {
		return Resolution{
			Kind:          KindPublic,
			Name:          p.Name,
			Address:       p.Address,
			Offset:        addr - p.Address,
			ParameterSize: p.ParameterSize,
		}
	}
	return Resolution{Kind: KindNoCoverage}
}

func findLine(lines []Line, addr uint64) *Line {
	i := sort.Search(len(lines), func(i int) bool { return lines[i].Address > addr })
	if i == 0 {
		return nil
	}
	if ln := &lines[i-1]; addr-ln.Address < ln.Size {
		return ln
	}
	return nil
}

// inlinesAt returns the inlined calls covering addr, outermost first.
func (f *SymbolFile) inlinesAt(fn *Function, addr uint64) []InlineFrame {
	var hits []*Inline
	for i := range fn.Inlines {
		in := &fn.Inlines[i]
		for _, r := range in.Ranges {
			if r.contains(addr) {
				hits = append(hits, in)
				break
			}
		}
	}
	if len(hits) == 0 {
		return nil
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Depth < hits[j].Depth })
	frames := make([]InlineFrame, 0, len(hits))
	for _, in := range hits {
		frames = append(frames, InlineFrame{
			Name:     f.InlineOrigins[in.Origin],
			CallFile: f.Files[in.CallFile],
			CallLine: in.CallLine,
		})
	}
	return frames
}

// UnwindRule returns the unwind program covering a module-relative
// address. STACK CFI is preferred over STACK WIN, and among STACK WIN
// records FrameData is preferred over FPO.
func (f *SymbolFile) UnwindRule(addr uint64) (*UnwindRule, bool) {
	if rule := f.cfiRule(addr); rule != nil {
		return rule, true
	}
	var best *WinFrameInfo
	i := sort.Search(len(f.WinFrames), func(i int) bool { return f.WinFrames[i].Address > addr })
	for j := i - 1; j >= 0; j-- {
		w := &f.WinFrames[j]
		if addr-w.Address >= f.maxWinSize {
			break
		}
		if !w.contains(addr) {
			continue
		}
		if best == nil || (best.Type != WinFrameFrameData && w.Type == WinFrameFrameData) {
			best = w
		}
	}
	if best == nil {
		return nil, false
	}
	return &UnwindRule{Kind: RuleWin, win: best}, true
}

func (f *SymbolFile) cfiRule(addr uint64) *UnwindRule {
	i := sort.Search(len(f.CFI), func(i int) bool { return f.CFI[i].Address > addr })
	if i == 0 {
		return nil
	}
	e := &f.CFI[i-1]
	if !e.contains(addr) {
		return nil
	}
	rules, err := parseCFIRules(e.Init, nil)
	if err != nil {
		return nil
	}
	for _, row := range e.Rows {
		if row.Address > addr {
			break
		}
		if rules, err = parseCFIRules(row.Rules, rules); err != nil {
			return nil
		}
	}
	return &UnwindRule{Kind: RuleCFI, cfi: rules}
}
