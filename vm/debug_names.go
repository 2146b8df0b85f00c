package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Operand provenance
// ---------------------------------------------------------------------------

// operand is a value together with where the running instruction got it
// from, so error messages can name it.
type operand struct {
	v     Value
	reg   int // frame register, or -1
	upval int // upvalue index of the running closure, or -1
}

// regOp is a value read from register reg of the running frame.
func regOp(v Value, reg int) operand { return operand{v: v, reg: reg, upval: -1} }

// upvalOp is a value read from upvalue idx of the running closure.
func upvalOp(v Value, idx int) operand { return operand{v: v, reg: -1, upval: idx} }

// valOp is a value with no known origin.
func valOp(v Value) operand { return operand{v: v, reg: -1, upval: -1} }

// envName is the name of the upvalue or local holding the globals.
const envName = "_ENV"

// ---------------------------------------------------------------------------
// Symbolic execution
// ---------------------------------------------------------------------------

func upvalName(p *Proto, uv int) string {
	if uv >= len(p.upvalues) || p.upvalues[uv].Name == "" {
		return "?"
	}
	return p.upvalues[uv].Name
}

// localName returns the name of the n-th local active at pc (1-based), or
// "" when there is none.
func (p *Proto) localName(n, pc int) string {
	for i := 0; i < len(p.locVars) && p.locVars[i].StartPC <= pc; i++ {
		if pc < p.locVars[i].EndPC {
			n--
			if n == 0 {
				return p.locVars[i].Name
			}
		}
	}
	return ""
}

// findSetReg returns the last instruction before lastPC that changed reg,
// or -1. Assignments inside a conditional jump range are ignored because
// they may not have run.
func findSetReg(p *Proto, lastPC, reg int) int {
	setReg := -1
	jmpTarget := 0
	for pc := 0; pc < lastPC; pc++ {
		i := p.code[pc]
		op := i.OpCode()
		a := i.A()
		var change bool
		switch op {
		case OpLoadNil:
			change = a <= reg && reg <= a+i.B()
		case OpTForCall:
			change = reg >= a+2
		case OpCall, OpTailCall:
			change = reg >= a
		case OpJmp:
			dest := pc + 1 + i.SJ()
			if dest <= lastPC && dest > jmpTarget {
				jmpTarget = dest
			}
		default:
			change = opModes[op].setA && reg == a
		}
		if change {
			if pc < jmpTarget {
				setReg = -1
			} else {
				setReg = pc
			}
		}
	}
	return setReg
}

// constName names constant index: the string itself, or "?".
func constName(p *Proto, index int) (kind, name string) {
	if k := p.k[index]; k.IsString() {
		return "constant", k.str().s
	}
	return "", "?"
}

// basicObjName names reg as a local, an upvalue or a constant. pc is
// updated to the instruction that set the register.
func basicObjName(p *Proto, pc *int, reg int) (kind, name string) {
	if name := p.localName(reg+1, *pc); name != "" {
		return "local", name
	}
	*pc = findSetReg(p, *pc, reg)
	if *pc == -1 {
		return "", ""
	}
	i := p.code[*pc]
	switch i.OpCode() {
	case OpMove:
		if b := i.B(); b < i.A() {
			return basicObjName(p, pc, b)
		}
	case OpGetUpval:
		return "upvalue", upvalName(p, i.B())
	case OpLoadK:
		return constName(p, i.Bx())
	case OpLoadKX:
		return constName(p, p.code[*pc+1].Ax())
	}
	return "", ""
}

// regName names the key held in register c when it is a known constant.
func regName(p *Proto, pc, c int) string {
	kind, name := basicObjName(p, &pc, c)
	if kind != "constant" {
		return "?"
	}
	return name
}

func rkName(p *Proto, pc int, i Instruction) string {
	if i.K() {
		_, name := constName(p, i.C())
		return name
	}
	return regName(p, pc, i.C())
}

// envKind reports "global" when the table indexed by i is _ENV.
func envKind(p *Proto, pc int, i Instruction, isUp bool) string {
	var name string
	if isUp {
		name = upvalName(p, i.B())
	} else {
		kind, n := basicObjName(p, &pc, i.B())
		if kind == "local" || kind == "upvalue" {
			name = n
		}
	}
	if name == envName {
		return "global"
	}
	return "field"
}

// objName describes how register reg got its value at lastPC: kind is
// "local", "upvalue", "constant", "global", "field", "method" or "".
func objName(p *Proto, lastPC, reg int) (kind, name string) {
	if kind, name = basicObjName(p, &lastPC, reg); kind != "" {
		return kind, name
	}
	if lastPC == -1 {
		return "", ""
	}
	i := p.code[lastPC]
	switch i.OpCode() {
	case OpGetTabUp:
		_, name = constName(p, i.C())
		return envKind(p, lastPC, i, true), name
	case OpGetTable:
		return envKind(p, lastPC, i, false), regName(p, lastPC, i.C())
	case OpGetI:
		return "field", "integer index"
	case OpGetField:
		_, name = constName(p, i.C())
		return envKind(p, lastPC, i, false), name
	case OpSelf:
		return "method", rkName(p, lastPC, i)
	}
	return "", ""
}

// opEvents maps instructions that may call a metamethod to its event.
var opEvents = map[OpCode]tms{
	OpSelf: tmIndex, OpGetTabUp: tmIndex, OpGetTable: tmIndex, OpGetI: tmIndex, OpGetField: tmIndex,
	OpSetTabUp: tmNewIndex, OpSetTable: tmNewIndex, OpSetI: tmNewIndex, OpSetField: tmNewIndex,
	OpAddI: tmAdd, OpAdd: tmAdd, OpSub: tmSub, OpMul: tmMul, OpMod: tmMod, OpPow: tmPow,
	OpDiv: tmDiv, OpIDiv: tmIDiv, OpBand: tmBand, OpBor: tmBor, OpBxor: tmBxor,
	OpShl: tmShl, OpShr: tmShr, OpUnm: tmUnm, OpBnot: tmBnot, OpLen: tmLen,
	OpConcat: tmConcat, OpEq: tmEq, OpLt: tmLt, OpLe: tmLe,
	OpClose: tmClose, OpReturn: tmClose,
}

// funcNameFromCode names the function called by the instruction at pc.
func funcNameFromCode(p *Proto, pc int) (kind, name string) {
	i := p.code[pc]
	switch op := i.OpCode(); op {
	case OpCall, OpTailCall:
		return objName(p, pc, i.A())
	case OpTForCall:
		return "for iterator", "for iterator"
	default:
		if e, ok := opEvents[op]; ok {
			return "metamethod", strings.TrimPrefix(tmNames[e], "__")
		}
	}
	return "", ""
}

// funcNameFromCall names the function being called by ci.
func (th *Thread) funcNameFromCall(ci *CallInfo) (kind, name string) {
	switch {
	case ci.callStatus&cistHooked != 0:
		return "hook", "?"
	case ci.callStatus&cistFin != 0:
		return "metamethod", "__gc"
	case ci.isLua():
		return funcNameFromCode(th.ciLClosure(ci).p, currentPC(ci))
	}
	return "", ""
}

// funcName names the function running in ci from its caller, when the
// call was not a tail call.
func (th *Thread) funcName(ci *CallInfo) (kind, name string) {
	if ci != nil && ci.callStatus&cistTail == 0 && ci.previous != nil {
		return th.funcNameFromCall(ci.previous)
	}
	return "", ""
}

// varInfo describes where o came from, as " (kind 'name')", or "".
func (th *Thread) varInfo(o operand) string {
	ci := th.ci
	if !ci.isLua() {
		return ""
	}
	var kind, name string
	p := th.ciLClosure(ci).p
	switch {
	case o.upval >= 0:
		kind, name = "upvalue", upvalName(p, o.upval)
	case o.reg >= 0:
		kind, name = objName(p, currentPC(ci), o.reg)
	}
	if kind == "" {
		return ""
	}
	return fmt.Sprintf(" (%s '%s')", kind, name)
}

// ---------------------------------------------------------------------------
// Error helpers
// ---------------------------------------------------------------------------

func (th *Thread) typeErrorInfo(o operand, op, extra string) {
	th.runError("attempt to %s a %s value%s", op, th.g.objTypeName(o.v), extra)
}

// typeError raises "attempt to <op> a <type> value", naming o when its
// provenance is known.
func (th *Thread) typeError(o operand, op string) {
	th.typeErrorInfo(o, op, th.varInfo(o))
}

func (th *Thread) indexError(t operand) {
	th.typeError(t, "index")
}

// callError reports a call of the non-callable value at stack index fn.
func (th *Thread) callError(fn int) {
	ci := th.ci
	kind, name := th.funcNameFromCall(ci)
	o := valOp(th.stack[fn].val)
	if ci.isLua() {
		o.reg = fn - (ci.fn + 1)
	}
	extra := ""
	if kind != "" {
		extra = fmt.Sprintf(" (%s '%s')", kind, name)
	} else {
		extra = th.varInfo(o)
	}
	th.typeErrorInfo(o, "call", extra)
}

func (th *Thread) forError(o operand, what string) {
	th.runError("'for' %s value must be a number", what)
}

// concatError blames the operand that is neither a string nor a number.
func (th *Thread) concatError(a, b operand) {
	if a.v.IsString() || a.v.IsNumber() {
		a = b
	}
	th.typeError(a, "concatenate")
}

// opIntError blames the second operand when the first one is a number.
func (th *Thread) opIntError(a, b operand, msg string) {
	if !a.v.IsNumber() {
		b = a
	}
	th.typeError(b, msg)
}

// toIntError reports a number operand with no integer representation.
func (th *Thread) toIntError(a, b operand) {
	if _, ok := toIntegerStrict(a.v); ok {
		a = b
	}
	th.runError("number%s has no integer representation", th.varInfo(a))
}

func (th *Thread) orderError(a, b Value) {
	t1, t2 := th.g.objTypeName(a), th.g.objTypeName(b)
	if t1 == t2 {
		th.runError("attempt to compare two %s values", t1)
	}
	th.runError("attempt to compare %s with %s", t1, t2)
}

// addInfo prefixes msg with the source position of ci.
func (th *Thread) addInfo(msg string, ci *CallInfo) string {
	p := th.ciLClosure(ci).p
	src := "?"
	if p.source != "" {
		src = chunkID(p.source)
	}
	return fmt.Sprintf("%s:%d: %s", src, p.getLine(currentPC(ci)), msg)
}
