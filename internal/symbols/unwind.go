package symbols

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// FrameWalker gives an unwind program access to the callee frame.
type FrameWalker interface {
	// CalleeRegister returns a register of the callee frame by its bare
	// name (no '$' prefix).
	CalleeRegister(name string) (uint64, bool)
	// ReadPointer reads a pointer sized word from stack memory.
	ReadPointer(addr uint64) (uint64, bool)
	PointerSize() int
	// GrandCalleeParameterSize is the parameter size of the frame called by
	// the callee, used by STACK WIN programs.
	GrandCalleeParameterSize() uint32
}

type RuleKind uint8

const (
	RuleCFI RuleKind = iota
	RuleWin
)

func (k RuleKind) String() string {
	if k == RuleWin {
		return "STACK WIN"
	}
	return "STACK CFI"
}

const (
	RegCFA = ".cfa"
	RegRA  = ".ra"
)

// UnwindRule is the unwind program in effect at one address.
type UnwindRule struct {
	Kind RuleKind
	cfi  map[string][]string
	win  *WinFrameInfo
}

var (
	errStackUnderflow = errors.New("postfix stack underflow")
	errUnknownName    = errors.New("unknown identifier")
	errBadRead        = errors.New("memory read failed")
)

// Evaluate runs the program against the callee frame and returns the
// recovered caller registers keyed by bare register name, plus RegCFA and
// RegRA. Registers whose rule fails to evaluate are left out.
func (u *UnwindRule) Evaluate(w FrameWalker) (map[string]uint64, error) {
	if u.Kind == RuleWin {
		return u.evaluateWin(w)
	}
	return u.evaluateCFI(w)
}

// parseCFIRules splits "CFA: $rsp 8 + .ra: .cfa -8 + ^" into per-register
// token lists and merges them over base.
func parseCFIRules(s string, base map[string][]string) (map[string][]string, error) {
	rules := make(map[string][]string, len(base)+4)
	maps.Copy(rules, base)
	var reg string
	var expr []string
	flush := func() error {
		if reg == "" {
			return nil
		}
		if len(expr) == 0 {
			return fmt.Errorf("empty rule for %s", reg)
		}
		rules[reg] = expr
		return nil
	}
	for _, tok := range strings.Fields(s) {
		if name, ok := strings.CutSuffix(tok, ":"); ok && name != "" {
			if err := flush(); err != nil {
				return nil, err
			}
			reg, expr = normalizeCFIName(name), nil
			continue
		}
		if reg == "" {
			return nil, fmt.Errorf("token %q before any register", tok)
		}
		expr = append(expr, tok)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return rules, nil
}

func normalizeCFIName(name string) string {
	switch name {
	case "CFA", ".cfa":
		return RegCFA
	case "RA", ".ra":
		return RegRA
	}
	return strings.TrimPrefix(name, "$")
}

func (u *UnwindRule) evaluateCFI(w FrameWalker) (map[string]uint64, error) {
	cfaExpr, ok := u.cfi[RegCFA]
	if !ok {
		return nil, errors.New("CFI rule has no CFA")
	}
	ev := newEvaluator(w)
	cfa, err := ev.expr(cfaExpr)
	if err != nil {
		return nil, fmt.Errorf("evaluating CFA: %w", err)
	}
	ev.vars[RegCFA] = cfa
	out := map[string]uint64{RegCFA: cfa}
	for _, reg := range slices.Sorted(maps.Keys(u.cfi)) {
		if reg == RegCFA {
			continue
		}
		expr := u.cfi[reg]
		if len(expr) == 1 && (expr[0] == ".undef" || expr[0] == "undef") {
			continue
		}
		v, err := ev.expr(expr)
		if err != nil {
			if reg == RegRA {
				return nil, fmt.Errorf("evaluating return address: %w", err)
			}
			continue
		}
		out[reg] = v
	}
	return out, nil
}

const (
	winProgramWithBasePointer = "$eip .raSearchStart ^ = $esp .raSearchStart 4 + = $ebp $esp .cbCalleeParams + .cbSavedRegs + 8 - ^ ="
	winProgramWithoutBase     = "$eip .raSearchStart ^ = $esp .raSearchStart 4 + ="
)

func (u *UnwindRule) evaluateWin(w FrameWalker) (map[string]uint64, error) {
	info := u.win
	ev := newEvaluator(w)
	esp, ok := w.CalleeRegister("esp")
	if !ok {
		return nil, errors.New("callee esp unavailable")
	}
	calleeParams := uint64(w.GrandCalleeParameterSize())
	raSearchStart := ev.wrap(esp + calleeParams + uint64(info.LocalSize) + uint64(info.SavedRegisterSize))
	ev.vars["$esp"] = esp
	if ebp, ok := w.CalleeRegister("ebp"); ok {
		ev.vars["$ebp"] = ebp
	}
	ev.vars[".cbCalleeParams"] = calleeParams
	ev.vars[".cbSavedRegs"] = uint64(info.SavedRegisterSize)
	ev.vars[".cbLocals"] = uint64(info.LocalSize)
	ev.vars[".cbParams"] = uint64(info.ParameterSize)
	ev.vars[".raSearchStart"] = raSearchStart
	ev.vars[".raSearch"] = raSearchStart

	program := info.Program
	if program == "" {
		program = winProgramWithoutBase
		if info.AllocatesBasePointer {
			program = winProgramWithBasePointer
		}
	}
	assigned, err := ev.program(strings.Fields(program))
	if err != nil {
		return nil, err
	}
	eip, ok := ev.vars["$eip"]
	if !ok || !assigned["$eip"] {
		return nil, errors.New("program did not recover $eip")
	}
	newESP, ok := ev.vars["$esp"]
	if !ok || !assigned["$esp"] {
		return nil, errors.New("program did not recover $esp")
	}
	out := map[string]uint64{RegRA: eip, RegCFA: newESP}
	for _, reg := range []string{"ebp", "ebx", "esi", "edi"} {
		if assigned["$"+reg] {
			out[reg] = ev.vars["$"+reg]
		}
	}
	return out, nil
}

// evaluator is a postfix machine over breakpad's operator set:
// + - * / % @ (align) ^ (dereference) and = (assign).
type evaluator struct {
	w    FrameWalker
	vars map[string]uint64
	mask uint64
}

func newEvaluator(w FrameWalker) *evaluator {
	mask := ^uint64(0)
	if w.PointerSize() == 4 {
		mask = 0xffffffff
	}
	return &evaluator{w: w, vars: map[string]uint64{}, mask: mask}
}

func (e *evaluator) wrap(v uint64) uint64 { return v & e.mask }

type operand struct {
	val  uint64
	name string
}

func (e *evaluator) resolve(op operand) (uint64, error) {
	if op.name == "" {
		return op.val, nil
	}
	if v, ok := e.vars[op.name]; ok {
		return v, nil
	}
	if v, ok := e.w.CalleeRegister(strings.TrimPrefix(op.name, "$")); ok {
		return e.wrap(v), nil
	}
	return 0, fmt.Errorf("%w %q", errUnknownName, op.name)
}

// expr evaluates a single expression.
func (e *evaluator) expr(tokens []string) (uint64, error) {
	stack, err := e.run(tokens, nil)
	if err != nil {
		return 0, err
	}
	if len(stack) != 1 {
		return 0, fmt.Errorf("expression left %d values", len(stack))
	}
	return e.resolve(stack[0])
}

// program evaluates a sequence of assignments and reports which names were
// assigned.
func (e *evaluator) program(tokens []string) (map[string]bool, error) {
	assigned := map[string]bool{}
	stack, err := e.run(tokens, assigned)
	if err != nil {
		return nil, err
	}
	if len(stack) != 0 {
		return nil, fmt.Errorf("program left %d values", len(stack))
	}
	return assigned, nil
}

func (e *evaluator) run(tokens []string, assigned map[string]bool) ([]operand, error) {
	var stack []operand
	pop := func() (uint64, error) {
		if len(stack) == 0 {
			return 0, errStackUnderflow
		}
		op := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return e.resolve(op)
	}
	for _, tok := range tokens {
		switch tok {
		case "+", "-", "*", "/", "%", "@":
			b, err := pop()
			if err != nil {
				return nil, err
			}
			a, err := pop()
			if err != nil {
				return nil, err
			}
			v, err := binaryOp(tok, a, b)
			if err != nil {
				return nil, err
			}
			stack = append(stack, operand{val: e.wrap(v)})
		case "^":
			addr, err := pop()
			if err != nil {
				return nil, err
			}
			v, ok := e.w.ReadPointer(addr)
			if !ok {
				return nil, fmt.Errorf("%w at %#x", errBadRead, addr)
			}
			stack = append(stack, operand{val: e.wrap(v)})
		case "=":
			if assigned == nil {
				return nil, errors.New("assignment in expression")
			}
			v, err := pop()
			if err != nil {
				return nil, err
			}
			if len(stack) == 0 || stack[len(stack)-1].name == "" {
				return nil, errors.New("assignment to a non-identifier")
			}
			name := stack[len(stack)-1].name
			stack = stack[:len(stack)-1]
			e.vars[name] = v
			assigned[name] = true
		default:
			if v, ok := parseNumber(tok); ok {
				stack = append(stack, operand{val: e.wrap(v)})
			} else {
				stack = append(stack, operand{name: tok})
			}
		}
	}
	return stack, nil
}

func binaryOp(op string, a, b uint64) (uint64, error) {
	switch op {
	case "+":
		return a + b, nil
	case "-":
		return a - b, nil
	case "*":
		return a * b, nil
	case "/":
		if b == 0 {
			return 0, errors.New("division by zero")
		}
		return a / b, nil
	case "%":
		if b == 0 {
			return 0, errors.New("modulo by zero")
		}
		return a % b, nil
	case "@":
		if b == 0 || b&(b-1) != 0 {
			return 0, fmt.Errorf("alignment %d is not a power of two", b)
		}
		return a &^ (b - 1), nil
	}
	return 0, fmt.Errorf("unknown operator %q", op)
}

func parseNumber(tok string) (uint64, bool) {
	if v, err := strconv.ParseInt(tok, 10, 64); err == nil {
		return uint64(v), true
	}
	if v, err := strconv.ParseUint(tok, 0, 64); err == nil {
		return v, true
	}
	return 0, false
}

func (u *UnwindRule) String() string {
	if u.Kind == RuleWin {
		return fmt.Sprintf("%s %d %#x+%#x", u.Kind, u.win.Type, u.win.Address, u.win.Size)
	}
	var b strings.Builder
	b.WriteString(u.Kind.String())
	for _, reg := range slices.Sorted(maps.Keys(u.cfi)) {
		fmt.Fprintf(&b, " %s: %s", reg, strings.Join(u.cfi[reg], " "))
	}
	return b.String()
}
