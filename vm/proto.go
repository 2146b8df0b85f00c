package vm

import "fmt"

// ---------------------------------------------------------------------------
// Function prototypes
// ---------------------------------------------------------------------------

// Line information is stored as one signed byte per instruction holding the
// line delta from the previous instruction. Every maxIWthAbs instructions,
// or when a delta does not fit, the byte holds absLineInfo and the line is
// recorded in the absolute table.
const (
	absLineInfo = -0x80
	limLineDiff = 0x80
	maxIWthAbs  = 128
)

// AbsLineInfo is an absolute line checkpoint.
type AbsLineInfo struct {
	PC   int
	Line int
}

// LocVar describes a local variable active for pc in [StartPC, EndPC).
type LocVar struct {
	Name    string
	StartPC int
	EndPC   int
}

// UpvalDesc describes how a closure obtains one upvalue: from a register of
// the enclosing function (InStack) or from one of its upvalues.
type UpvalDesc struct {
	Name    string
	InStack bool
	Index   int
}

// Proto is an immutable function prototype shared by all closures built
// from it.
type Proto struct {
	gcHeader
	numParams       int
	isVararg        bool
	maxStackSize    int
	k               []Value
	code            []Instruction
	p               []*Proto
	upvalues        []UpvalDesc
	lineInfo        []int8
	absLineInfo     []AbsLineInfo
	locVars         []LocVar
	source          string
	lineDefined     int
	lastLineDefined int
	fixed           bool // arrays are host memory, not accounted
}

// Source returns the chunk name the prototype was built from.
func (p *Proto) Source() string { return p.source }

// Code returns the instruction array. It must not be modified.
func (p *Proto) Code() []Instruction { return p.code }

// IsFixed reports whether the prototype's arrays are excluded from
// collector accounting.
func (p *Proto) IsFixed() bool { return p.fixed }

func (p *Proto) accountedSize() int {
	if p.fixed {
		return sizeProto
	}
	return sizeProto + len(p.code)*sizeInstr + len(p.k)*sizeValue +
		len(p.p)*8 + len(p.upvalues)*16 + len(p.lineInfo) +
		len(p.absLineInfo)*8 + len(p.locVars)*24
}

// ---------------------------------------------------------------------------
// Line lookup
// ---------------------------------------------------------------------------

// baseLine returns the nearest absolute checkpoint at or before pc, or the
// function's first line with basePC -1 when there is none.
func (p *Proto) baseLine(pc int) (line, basePC int) {
	if len(p.absLineInfo) == 0 || pc < p.absLineInfo[0].PC {
		return p.lineDefined, -1
	}
	// estimate is a lower bound when there is one checkpoint at least every
	// maxIWthAbs instructions; hand-made line info may be sparser
	i := pc/maxIWthAbs - 1
	if i >= len(p.absLineInfo) {
		i = len(p.absLineInfo) - 1
	}
	if i < 0 {
		i = 0
	}
	for i > 0 && p.absLineInfo[i].PC > pc {
		i--
	}
	for i+1 < len(p.absLineInfo) && pc >= p.absLineInfo[i+1].PC {
		i++
	}
	return p.absLineInfo[i].Line, p.absLineInfo[i].PC
}

// getLine returns the source line of instruction pc, or -1 without line
// information.
func (p *Proto) getLine(pc int) int {
	if p.lineInfo == nil {
		return -1
	}
	line, basePC := p.baseLine(pc)
	for basePC++; basePC <= pc; basePC++ {
		line += int(p.lineInfo[basePC])
	}
	return line
}

// Line is the exported form of getLine.
func (p *Proto) Line(pc int) int { return p.getLine(pc) }

// ---------------------------------------------------------------------------
// Builder
// ---------------------------------------------------------------------------

// ProtoBuilder assembles a prototype instruction by instruction. Hosts use
// it to hand code to the runtime without a compiler.
type ProtoBuilder struct {
	source          string
	lineDefined     int
	lastLineDefined int
	numParams       int
	isVararg        bool
	maxStack        int
	consts          []any
	code            []Instruction
	lineInfo        []int8
	absLineInfo     []AbsLineInfo
	previousLine    int
	iwthAbs         int
	rawLines        bool
	locVars         []LocVar
	upvalues        []UpvalDesc
	children        []*ProtoBuilder
	fixed           bool
}

// NewProtoBuilder starts a prototype for a function defined at lineDefined
// of source. Source names follow chunk-name conventions: "@file", "=name"
// or the literal source text.
func NewProtoBuilder(source string, lineDefined int) *ProtoBuilder {
	return &ProtoBuilder{
		source:       source,
		lineDefined:  lineDefined,
		previousLine: lineDefined,
		maxStack:     2,
	}
}

// Params sets the number of fixed parameters and whether the function is
// variadic.
func (b *ProtoBuilder) Params(n int, vararg bool) *ProtoBuilder {
	b.numParams = n
	b.isVararg = vararg
	return b
}

// MaxStack sets the number of registers the function needs.
func (b *ProtoBuilder) MaxStack(n int) *ProtoBuilder {
	b.maxStack = n
	return b
}

// LastLine sets the last line of the function definition.
func (b *ProtoBuilder) LastLine(line int) *ProtoBuilder {
	b.lastLineDefined = line
	return b
}

// Fixed marks the prototype's arrays as host-owned memory.
func (b *ProtoBuilder) Fixed() *ProtoBuilder {
	b.fixed = true
	return b
}

// Const adds a constant (nil, bool, int, int64, float64 or string) and
// returns its index. Equal constants share an index.
func (b *ProtoBuilder) Const(v any) int {
	if i, ok := v.(int); ok {
		v = int64(i)
	}
	switch v.(type) {
	case nil, bool, int64, float64, string:
	default:
		panic(fmt.Sprintf("vm: unsupported constant type %T", v))
	}
	for i, c := range b.consts {
		if c == v {
			return i
		}
	}
	b.consts = append(b.consts, v)
	return len(b.consts) - 1
}

// Upvalue declares an upvalue and returns its index.
func (b *ProtoBuilder) Upvalue(name string, inStack bool, index int) int {
	b.upvalues = append(b.upvalues, UpvalDesc{Name: name, InStack: inStack, Index: index})
	return len(b.upvalues) - 1
}

// Local declares a local variable active in [startPC, endPC).
func (b *ProtoBuilder) Local(name string, startPC, endPC int) *ProtoBuilder {
	b.locVars = append(b.locVars, LocVar{Name: name, StartPC: startPC, EndPC: endPC})
	return b
}

// Child adds a nested prototype and returns its index for OpClosure.
func (b *ProtoBuilder) Child(c *ProtoBuilder) int {
	b.children = append(b.children, c)
	return len(b.children) - 1
}

// PC returns the index the next emitted instruction will get.
func (b *ProtoBuilder) PC() int { return len(b.code) }

// Emit appends an instruction attributed to line and returns its pc.
func (b *ProtoBuilder) Emit(i Instruction, line int) int {
	b.code = append(b.code, i)
	pc := len(b.code) - 1
	if !b.rawLines {
		b.saveLineInfo(pc, line)
	}
	return pc
}

// Patch replaces the instruction at pc.
func (b *ProtoBuilder) Patch(pc int, i Instruction) {
	b.code[pc] = i
}

func (b *ProtoBuilder) saveLineInfo(pc, line int) {
	diff := line - b.previousLine
	b.iwthAbs++
	if diff <= -limLineDiff || diff >= limLineDiff || b.iwthAbs > maxIWthAbs {
		b.absLineInfo = append(b.absLineInfo, AbsLineInfo{PC: pc, Line: line})
		diff = absLineInfo
		b.iwthAbs = 1
	}
	b.lineInfo = append(b.lineInfo, int8(diff))
	b.previousLine = line
}

// SetLineInfo installs pre-encoded line information instead of the one
// derived from Emit.
func (b *ProtoBuilder) SetLineInfo(lineInfo []int8, abs []AbsLineInfo) *ProtoBuilder {
	b.rawLines = true
	b.lineInfo = append([]int8(nil), lineInfo...)
	b.absLineInfo = append([]AbsLineInfo(nil), abs...)
	return b
}

// build creates the prototype tree in g. Constants and child prototypes
// are allocated before the prototype that holds them is linked, so the
// only collection allocation can start, an emergency one, must be off:
// Load sets gcStopEm around it. Callers without an allocation limit never
// collect here and need not.
func (b *ProtoBuilder) build(g *VM) *Proto {
	p := &Proto{
		numParams:       b.numParams,
		isVararg:        b.isVararg,
		maxStackSize:    b.maxStack,
		code:            append([]Instruction(nil), b.code...),
		upvalues:        append([]UpvalDesc(nil), b.upvalues...),
		lineInfo:        append([]int8(nil), b.lineInfo...),
		absLineInfo:     append([]AbsLineInfo(nil), b.absLineInfo...),
		locVars:         append([]LocVar(nil), b.locVars...),
		source:          b.source,
		lineDefined:     b.lineDefined,
		lastLineDefined: b.lastLineDefined,
		fixed:           b.fixed,
	}
	if p.maxStackSize < 2 {
		p.maxStackSize = 2
	}
	if len(p.lineInfo) == 0 {
		p.lineInfo = nil
	}
	p.k = make([]Value, len(b.consts))
	for i, c := range b.consts {
		switch c := c.(type) {
		case nil:
			p.k[i] = Nil
		case bool:
			p.k[i] = Bool(c)
		case int64:
			p.k[i] = Int(c)
		case float64:
			p.k[i] = Float(c)
		case string:
			p.k[i] = g.stringValue(c)
		}
	}
	p.p = make([]*Proto, len(b.children))
	for i, c := range b.children {
		p.p[i] = c.build(g)
	}
	g.linkObject(p, vProto, p.accountedSize())
	return p
}
