package minidump

import (
	"encoding/binary"
	"fmt"
	"iter"
)

const (
	contextSizeX86   = 716
	contextSizeAMD64 = 1232
	contextSizeARM   = 368
	contextSizeARM64 = 912
)

type register struct {
	name   string
	offset int
	size   int
}

// RegisterSet describes the general purpose registers of one architecture,
// in the order the unwinder reports them.
type RegisterSet struct {
	Arch        CPUArch
	PointerSize int
	ContextSize int
	regs        []register
	index       map[string]int
	// Indices of the stack, instruction, frame and link registers; -1 when
	// the architecture has none.
	SP, IP, FP, LR int
	// CalleeSaved lists registers a callee must preserve. The unwinder
	// carries them into caller frames when the unwind rule does not
	// mention them.
	CalleeSaved []int
}

func newRegisterSet(arch CPUArch, ptr, size int, regs []register, aliases map[string]string, sp, ip, fp, lr string, saved ...string) *RegisterSet {
	s := &RegisterSet{Arch: arch, PointerSize: ptr, ContextSize: size, regs: regs, index: make(map[string]int, len(regs)+len(aliases))}
	for i, r := range regs {
		s.index[r.name] = i
	}
	for alias, name := range aliases {
		s.index[alias] = s.index[name]
	}
	lookup := func(name string) int {
		if i, ok := s.index[name]; ok {
			return i
		}
		return -1
	}
	s.SP, s.IP, s.FP, s.LR = lookup(sp), lookup(ip), lookup(fp), lookup(lr)
	for _, name := range saved {
		s.CalleeSaved = append(s.CalleeSaved, lookup(name))
	}
	return s
}

// Index resolves a register name or alias.
func (s *RegisterSet) Index(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

func (s *RegisterSet) Name(i int) string { return s.regs[i].name }

func (s *RegisterSet) Len() int { return len(s.regs) }

var registerSets = map[CPUArch]*RegisterSet{
	ArchAMD64: newRegisterSet(ArchAMD64, 8, contextSizeAMD64, []register{
		{"rax", 120, 8}, {"rdx", 136, 8}, {"rcx", 128, 8}, {"rbx", 144, 8},
		{"rsi", 168, 8}, {"rdi", 176, 8}, {"rbp", 160, 8}, {"rsp", 152, 8},
		{"r8", 184, 8}, {"r9", 192, 8}, {"r10", 200, 8}, {"r11", 208, 8},
		{"r12", 216, 8}, {"r13", 224, 8}, {"r14", 232, 8}, {"r15", 240, 8},
		{"rip", 248, 8},
	}, nil, "rsp", "rip", "rbp", "", "rbx", "rbp", "r12", "r13", "r14", "r15"),

	ArchX86: newRegisterSet(ArchX86, 4, contextSizeX86, []register{
		{"eip", 184, 4}, {"esp", 196, 4}, {"ebp", 180, 4}, {"ebx", 164, 4},
		{"esi", 160, 4}, {"edi", 156, 4}, {"eax", 176, 4}, {"ecx", 172, 4},
		{"edx", 168, 4}, {"efl", 192, 4},
	}, map[string]string{"eflags": "efl"}, "esp", "eip", "ebp", "", "ebx", "esi", "edi", "ebp"),

	ArchARM64: newRegisterSet(ArchARM64, 8, contextSizeARM64, arm64Registers(),
		map[string]string{"x29": "fp", "x30": "lr", "x31": "sp"}, "sp", "pc", "fp", "lr",
		"x19", "x20", "x21", "x22", "x23", "x24", "x25", "x26", "x27", "x28", "fp"),

	ArchARM: newRegisterSet(ArchARM, 4, contextSizeARM, armRegisters(),
		map[string]string{"r13": "sp", "r14": "lr", "r15": "pc", "fp": "r11"}, "sp", "pc", "r11", "lr",
		"r4", "r5", "r6", "r7", "r8", "r9", "r10", "r11"),
}

func arm64Registers() []register {
	regs := make([]register, 0, 33)
	for i := 0; i < 29; i++ {
		regs = append(regs, register{fmt.Sprintf("x%d", i), 8 + 8*i, 8})
	}
	return append(regs, register{"fp", 240, 8}, register{"lr", 248, 8}, register{"sp", 256, 8}, register{"pc", 264, 8})
}

func armRegisters() []register {
	regs := make([]register, 0, 16)
	for i := 0; i < 13; i++ {
		regs = append(regs, register{fmt.Sprintf("r%d", i), 4 + 4*i, 4})
	}
	return append(regs, register{"sp", 56, 4}, register{"lr", 60, 4}, register{"pc", 64, 4})
}

// RegisterSetFor returns the register layout of arch, or nil when contexts
// of that architecture are not supported.
func RegisterSetFor(arch CPUArch) *RegisterSet {
	if arch == ArchARM64Old {
		arch = ArchARM64
	}
	return registerSets[arch]
}

// Context is a CPU register file. Registers not known to hold a valid value
// (for example those an unwind rule did not recover) read as invalid.
type Context struct {
	Arch  CPUArch
	Flags uint32
	set   *RegisterSet
	regs  []uint64
	valid uint64
}

// NewContext returns a context of arch with every register invalid.
func NewContext(arch CPUArch) (*Context, error) {
	set := RegisterSetFor(arch)
	if set == nil {
		return nil, fmt.Errorf("no register layout for %s", arch)
	}
	return &Context{Arch: set.Arch, set: set, regs: make([]uint64, len(set.regs))}, nil
}

// ParseContext decodes a raw CONTEXT record. When arch has no known layout
// the architecture is inferred from the record size.
func ParseContext(raw []byte, order binary.ByteOrder, arch CPUArch) (*Context, error) {
	set := RegisterSetFor(arch)
	if set == nil {
		set = registerSetBySize(len(raw))
		if set == nil {
			return nil, fmt.Errorf("unsupported context: arch %s, %d bytes", arch, len(raw))
		}
	}
	if len(raw) < set.ContextSize {
		return nil, fmt.Errorf("%s context is %d bytes, want %d", set.Arch, len(raw), set.ContextSize)
	}
	c := &Context{Arch: set.Arch, set: set, regs: make([]uint64, len(set.regs))}
	if set.Arch == ArchAMD64 {
		c.Flags = order.Uint32(raw[48:])
	} else {
		c.Flags = order.Uint32(raw)
	}
	for i, r := range set.regs {
		if r.size == 4 {
			c.regs[i] = uint64(order.Uint32(raw[r.offset:]))
		} else {
			c.regs[i] = order.Uint64(raw[r.offset:])
		}
		c.valid |= 1 << i
	}
	return c, nil
}

func registerSetBySize(n int) *RegisterSet {
	for _, s := range registerSets {
		if s.ContextSize == n {
			return s
		}
	}
	return nil
}

// Context reads the CONTEXT record at loc using the dump's architecture.
func (d *Dump) Context(loc Location) (*Context, error) {
	raw, ok := span(d.data, loc)
	if !ok {
		return nil, fmt.Errorf("context at %#x+%#x outside file", loc.RVA, loc.DataSize)
	}
	arch := ArchUnknown
	if sys, err := d.SystemInfo(); err == nil {
		arch = sys.Arch
	}
	return ParseContext(raw, d.order, arch)
}

func (c *Context) RegisterSet() *RegisterSet { return c.set }

func (c *Context) PointerSize() int { return c.set.PointerSize }

func (c *Context) GetIndex(i int) (uint64, bool) {
	if i < 0 || i >= len(c.regs) || c.valid&(1<<i) == 0 {
		return 0, false
	}
	return c.regs[i], true
}

func (c *Context) SetIndex(i int, v uint64) {
	if i < 0 || i >= len(c.regs) {
		return
	}
	if c.set.PointerSize == 4 {
		v &= 0xffffffff
	}
	c.regs[i] = v
	c.valid |= 1 << i
}

// Get returns the value of a register by name or alias.
func (c *Context) Get(name string) (uint64, bool) {
	i, ok := c.set.index[name]
	if !ok {
		return 0, false
	}
	return c.GetIndex(i)
}

// Set stores a register value and marks it valid. Unknown names report
// false.
func (c *Context) Set(name string, v uint64) bool {
	i, ok := c.set.index[name]
	if !ok {
		return false
	}
	c.SetIndex(i, v)
	return true
}

func (c *Context) Invalidate(i int) {
	c.valid &^= 1 << i
}

func (c *Context) IP() uint64 {
	v, _ := c.GetIndex(c.set.IP)
	return v
}

func (c *Context) SP() uint64 {
	v, _ := c.GetIndex(c.set.SP)
	return v
}

func (c *Context) SetIP(v uint64) { c.SetIndex(c.set.IP, v) }
func (c *Context) SetSP(v uint64) { c.SetIndex(c.set.SP, v) }

// Clone returns an independent copy.
func (c *Context) Clone() *Context {
	cp := *c
	cp.regs = append([]uint64(nil), c.regs...)
	return &cp
}

// Registers yields the valid registers in layout order.
func (c *Context) Registers() iter.Seq2[string, uint64] {
	return func(yield func(string, uint64) bool) {
		for i, r := range c.set.regs {
			if c.valid&(1<<i) == 0 {
				continue
			}
			if !yield(r.name, c.regs[i]) {
				return
			}
		}
	}
}

// Encode writes the context in its raw CONTEXT layout. Registers that are
// not valid are written as zero.
func (c *Context) Encode(order binary.ByteOrder) []byte {
	raw := make([]byte, c.set.ContextSize)
	if c.Arch == ArchAMD64 {
		order.PutUint32(raw[48:], c.Flags)
	} else {
		order.PutUint32(raw, c.Flags)
	}
	for i, r := range c.set.regs {
		v, _ := c.GetIndex(i)
		if r.size == 4 {
			order.PutUint32(raw[r.offset:], uint32(v))
		} else {
			order.PutUint64(raw[r.offset:], v)
		}
	}
	return raw
}
