package symbols

// Kind classifies the outcome of resolving an address.
type Kind uint8

const (
	KindFunction Kind = iota
	KindPublic
	// KindNoSymbols: no symbol file exists for the module.
	KindNoSymbols
	// KindNoCoverage: the module has a healthy symbol file but nothing in
	// it spans the address.
	KindNoCoverage
	// KindLoadFailed: the symbol file could not be obtained.
	KindLoadFailed
	// KindCorrupt: the symbol file was obtained but did not parse.
	KindCorrupt
)

var kindNames = [...]string{
	KindFunction:   "function",
	KindPublic:     "public",
	KindNoSymbols:  "no_symbols",
	KindNoCoverage: "no_coverage",
	KindLoadFailed: "load_failed",
	KindCorrupt:    "corrupt",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// InlineFrame is one inlined call active at an address.
type InlineFrame struct {
	Name     string
	CallFile string
	CallLine uint32
}

type Resolution struct {
	Kind Kind
	Name string
	// Address is the module-relative start of the symbol.
	Address       uint64
	Offset        uint64
	ParameterSize uint32
	File          string
	Line          uint32
	// Inlines lists inlined calls, outermost first.
	Inlines []InlineFrame
}

// Found reports whether a function or public symbol matched.
func (r Resolution) Found() bool {
	return r.Kind == KindFunction || r.Kind == KindPublic
}

// Contradicts reports whether the resolution is evidence that the address
// is not code: the module's symbols are healthy and none covers it. Missing,
// unobtainable and corrupt symbols carry no such evidence.
func (r Resolution) Contradicts() bool {
	return r.Kind == KindNoCoverage
}
