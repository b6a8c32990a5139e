package symbols

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ErrCorrupt marks symbol data that could not be parsed as a symbol file.
var ErrCorrupt = errors.New("corrupt symbol file")

// Malformed lines are common in real symbol files; only a few warnings per
// second are logged.
var parseWarnings = rate.NewLimiter(rate.Every(time.Second), 5)

const maxLineLength = 1 << 20

// Parse reads a breakpad text symbol file. Malformed lines are skipped and
// counted in ParseErrors; the file as a whole is rejected with ErrCorrupt
// when it does not start with a MODULE record or when no record parsed.
func Parse(r io.Reader) (*SymbolFile, error) {
	p := &parser{f: &SymbolFile{
		Files:         map[uint32]string{},
		InlineOrigins: map[uint32]string{},
	}, fn: -1, cfi: -1}
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), maxLineLength)
	for s.Scan() {
		p.lineno++
		line := strings.TrimRight(s.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := p.parseLine(line); err != nil {
			if p.lineno == 1 || !p.sawModule {
				return nil, fmt.Errorf("%w: line %d: %v", ErrCorrupt, p.lineno, err)
			}
			p.f.ParseErrors++
			if parseWarnings.Allow() {
				slog.Warn("Skipping malformed symbol line", "module", p.f.Module.Name, "line", p.lineno, "error", err)
			}
			continue
		}
		p.records++
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if !p.sawModule {
		return nil, fmt.Errorf("%w: no MODULE record", ErrCorrupt)
	}
	if p.records <= 1 && p.f.ParseErrors > 0 {
		return nil, fmt.Errorf("%w: all %d records are malformed", ErrCorrupt, p.f.ParseErrors)
	}
	p.f.finalize()
	return p.f, nil
}

type parser struct {
	f         *SymbolFile
	lineno    int
	records   int
	sawModule bool
	// fn indexes the function that line and INLINE records attach to.
	fn int
	// cfi indexes the entry STACK CFI delta rows attach to.
	cfi int
}

func (p *parser) function() *Function {
	if p.fn < 0 {
		return nil
	}
	return &p.f.Functions[p.fn]
}

func (p *parser) parseLine(line string) error {
	keyword, rest, _ := strings.Cut(line, " ")
	if !p.sawModule {
		if keyword != "MODULE" {
			return fmt.Errorf("expected MODULE record, got %q", keyword)
		}
	}
	switch keyword {
	case "MODULE":
		return p.parseModule(rest)
	case "INFO":
		p.fn = -1
		return p.parseInfo(rest)
	case "FILE":
		p.fn = -1
		id, name, err := numberAndRest(rest)
		if err != nil {
			return err
		}
		p.f.Files[id] = name
	case "INLINE_ORIGIN":
		p.fn = -1
		id, name, err := numberAndRest(rest)
		if err != nil {
			return err
		}
		p.f.InlineOrigins[id] = name
	case "FUNC":
		return p.parseFunc(rest)
	case "INLINE":
		return p.parseInline(rest)
	case "PUBLIC":
		p.fn = -1
		return p.parsePublic(rest)
	case "STACK":
		p.fn = -1
		return p.parseStack(rest)
	default:
		if keyword != "" && isHexDigit(keyword[0]) {
			return p.parseLineRecord(line)
		}
		// Unknown record kinds are ignored.
		p.fn = -1
	}
	return nil
}

func (p *parser) parseModule(rest string) error {
	if p.sawModule {
		return errors.New("duplicate MODULE record")
	}
	fields := strings.SplitN(rest, " ", 4)
	if len(fields) != 4 {
		return fmt.Errorf("MODULE needs 4 fields, got %d", len(fields))
	}
	p.f.Module = ModuleInfo{OS: fields[0], Arch: fields[1], ID: fields[2], Name: fields[3]}
	p.sawModule = true
	return nil
}

func (p *parser) parseInfo(rest string) error {
	kind, value, _ := strings.Cut(rest, " ")
	switch kind {
	case "CODE_ID":
		id, file, _ := strings.Cut(value, " ")
		if id == "" {
			return errors.New("empty CODE_ID")
		}
		p.f.CodeID, p.f.CodeFile = id, file
	case "URL":
		p.f.URL = value
	default:
		p.f.Info = append(p.f.Info, rest)
	}
	return nil
}

// FUNC [m] <address> <size> <parameter_size> <name>
func (p *parser) parseFunc(rest string) error {
	p.fn = -1
	multiple := false
	if r, ok := strings.CutPrefix(rest, "m "); ok {
		multiple, rest = true, r
	}
	fields := strings.SplitN(rest, " ", 4)
	if len(fields) < 3 {
		return fmt.Errorf("FUNC needs at least 3 fields, got %d", len(fields))
	}
	addr, err1 := strconv.ParseUint(fields[0], 16, 64)
	size, err2 := strconv.ParseUint(fields[1], 16, 64)
	params, err3 := strconv.ParseUint(fields[2], 16, 32)
	if err := errors.Join(err1, err2, err3); err != nil {
		return fmt.Errorf("FUNC: %w", err)
	}
	fn := Function{Address: addr, Size: size, ParameterSize: uint32(params), Multiple: multiple}
	if len(fields) == 4 {
		fn.Name = fields[3]
	}
	p.f.Functions = append(p.f.Functions, fn)
	p.fn = len(p.f.Functions) - 1
	return nil
}

// <address> <size> <line> <file>
func (p *parser) parseLineRecord(line string) error {
	fn := p.function()
	if fn == nil {
		return errors.New("line record outside of a FUNC")
	}
	fields := strings.Fields(line)
	if len(fields) != 4 {
		return fmt.Errorf("line record needs 4 fields, got %d", len(fields))
	}
	addr, err1 := strconv.ParseUint(fields[0], 16, 64)
	size, err2 := strconv.ParseUint(fields[1], 16, 64)
	num, err3 := strconv.ParseInt(fields[2], 10, 64)
	file, err4 := strconv.ParseUint(fields[3], 10, 32)
	if err := errors.Join(err1, err2, err3, err4); err != nil {
		return fmt.Errorf("line record: %w", err)
	}
	if num < 0 {
		// Some toolchains emit negative line numbers for compiler generated
		// code; treat them as unknown.
		num = 0
	}
	fn.Lines = append(fn.Lines, Line{Address: addr, Size: size, Line: uint32(num), File: uint32(file)})
	return nil
}

// INLINE <depth> <call_line> <call_file> <origin> [<address> <size>]+
func (p *parser) parseInline(rest string) error {
	fn := p.function()
	if fn == nil {
		return errors.New("INLINE outside of a FUNC")
	}
	fields := strings.Fields(rest)
	if len(fields) < 6 || len(fields)%2 != 0 {
		return fmt.Errorf("INLINE has %d fields", len(fields))
	}
	var nums [4]uint64
	for i := range nums {
		v, err := strconv.ParseUint(fields[i], 10, 32)
		if err != nil {
			return fmt.Errorf("INLINE: %w", err)
		}
		nums[i] = v
	}
	in := Inline{Depth: uint32(nums[0]), CallLine: uint32(nums[1]), CallFile: uint32(nums[2]), Origin: uint32(nums[3])}
	for i := 4; i < len(fields); i += 2 {
		addr, err1 := strconv.ParseUint(fields[i], 16, 64)
		size, err2 := strconv.ParseUint(fields[i+1], 16, 64)
		if err := errors.Join(err1, err2); err != nil {
			return fmt.Errorf("INLINE range: %w", err)
		}
		in.Ranges = append(in.Ranges, Range{Address: addr, Size: size})
	}
	fn.Inlines = append(fn.Inlines, in)
	return nil
}

// PUBLIC [m] <address> <parameter_size> <name>
func (p *parser) parsePublic(rest string) error {
	multiple := false
	if r, ok := strings.CutPrefix(rest, "m "); ok {
		multiple, rest = true, r
	}
	fields := strings.SplitN(rest, " ", 3)
	if len(fields) < 2 {
		return fmt.Errorf("PUBLIC needs at least 2 fields, got %d", len(fields))
	}
	addr, err1 := strconv.ParseUint(fields[0], 16, 64)
	params, err2 := strconv.ParseUint(fields[1], 16, 32)
	if err := errors.Join(err1, err2); err != nil {
		return fmt.Errorf("PUBLIC: %w", err)
	}
	pub := Public{Address: addr, ParameterSize: uint32(params), Multiple: multiple}
	if len(fields) == 3 {
		pub.Name = fields[2]
	}
	p.f.Publics = append(p.f.Publics, pub)
	return nil
}

func (p *parser) parseStack(rest string) error {
	kind, rest, _ := strings.Cut(rest, " ")
	switch kind {
	case "CFI":
		return p.parseCFI(rest)
	case "WIN":
		p.cfi = -1
		return p.parseWin(rest)
	}
	return fmt.Errorf("unknown STACK record %q", kind)
}

// STACK CFI INIT <address> <size> <rules>
// STACK CFI <address> <rules>
func (p *parser) parseCFI(rest string) error {
	if r, ok := strings.CutPrefix(rest, "INIT "); ok {
		p.cfi = -1
		fields := strings.SplitN(r, " ", 3)
		if len(fields) != 3 {
			return errors.New("STACK CFI INIT needs address, size and rules")
		}
		addr, err1 := strconv.ParseUint(fields[0], 16, 64)
		size, err2 := strconv.ParseUint(fields[1], 16, 64)
		if err := errors.Join(err1, err2); err != nil {
			return fmt.Errorf("STACK CFI INIT: %w", err)
		}
		if _, err := parseCFIRules(fields[2], nil); err != nil {
			return err
		}
		p.f.CFI = append(p.f.CFI, CFIEntry{Address: addr, Size: size, Init: fields[2]})
		p.cfi = len(p.f.CFI) - 1
		return nil
	}
	if p.cfi < 0 {
		return errors.New("STACK CFI row without INIT")
	}
	addrStr, rules, ok := strings.Cut(rest, " ")
	if !ok {
		return errors.New("STACK CFI row needs address and rules")
	}
	addr, err := strconv.ParseUint(addrStr, 16, 64)
	if err != nil {
		return fmt.Errorf("STACK CFI: %w", err)
	}
	if _, err := parseCFIRules(rules, nil); err != nil {
		return err
	}
	e := &p.f.CFI[p.cfi]
	e.Rows = append(e.Rows, CFIRow{Address: addr, Rules: rules})
	return nil
}

// STACK WIN <type> <rva> <code_size> <prolog_size> <epilog_size>
// <parameter_size> <saved_register_size> <local_size> <max_stack_size>
// <has_program_string> <program_string|allocates_base_pointer>
func (p *parser) parseWin(rest string) error {
	fields := strings.SplitN(rest, " ", 11)
	if len(fields) != 11 {
		return fmt.Errorf("STACK WIN needs 11 fields, got %d", len(fields))
	}
	var nums [10]uint64
	for i := range nums {
		v, err := strconv.ParseUint(fields[i], 16, 64)
		if err != nil {
			return fmt.Errorf("STACK WIN: %w", err)
		}
		nums[i] = v
	}
	w := WinFrameInfo{
		Type:              WinFrameType(nums[0]),
		Address:           nums[1],
		Size:              nums[2],
		PrologSize:        uint32(nums[3]),
		EpilogSize:        uint32(nums[4]),
		ParameterSize:     uint32(nums[5]),
		SavedRegisterSize: uint32(nums[6]),
		LocalSize:         uint32(nums[7]),
		MaxStackSize:      uint32(nums[8]),
	}
	if w.Type != WinFrameFPO && w.Type != WinFrameFrameData {
		// Other frame types (trap, TSS, standard) carry no usable program.
		return nil
	}
	if nums[9] != 0 {
		w.Program = fields[10]
	} else {
		w.AllocatesBasePointer = fields[10] != "0"
	}
	p.f.WinFrames = append(p.f.WinFrames, w)
	return nil
}

func numberAndRest(s string) (uint32, string, error) {
	num, rest, ok := strings.Cut(s, " ")
	if !ok {
		return 0, "", fmt.Errorf("missing name in %q", s)
	}
	v, err := strconv.ParseUint(num, 10, 32)
	if err != nil {
		return 0, "", err
	}
	return uint32(v), rest, nil
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
