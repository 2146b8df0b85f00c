package vm

import "fmt"

// ---------------------------------------------------------------------------
// Interpreter: bytecode execution engine
// ---------------------------------------------------------------------------

// execute runs the script call ci and every script function it calls
// directly, until ci returns. Calls between script functions reuse this Go
// frame; host functions and metamethods nest a new execute.
func (th *Thread) execute(ci *CallInfo) {
	for ci != nil {
		ci = th.run(ci)
	}
}

// run executes ci from its saved pc. It returns the next call to run: a
// callee just entered, the caller after a return, or nil when a fresh
// call has returned.
func (th *Thread) run(ci *CallInfo) *CallInfo {
	g := th.g
	cl := th.ciLClosure(ci)
	p := cl.p
	k := p.k
	code := p.code
	pc := ci.savedPC
	if th.hookMask != 0 {
		if pc == 0 && !p.isVararg {
			th.hookCall(ci)
		}
		ci.trap = true
	}
	base := ci.fn + 1

	for {
		if ci.trap && !(pc == 0 && p.isVararg) {
			th.traceExec(ci, pc)
		}
		if g.interrupted.CompareAndSwap(true, false) {
			ci.savedPC = pc + 1
			th.top = ci.top
			th.runError("interrupted!")
		}
		i := code[pc]
		pc++
		ci.savedPC = pc
		op := i.OpCode()
		if op != OpVarargPrep && !isIT(i) {
			th.top = ci.top
		}
		a := i.A()
		ra := base + a

		switch op {
		case OpMove:
			th.stack[ra].val = th.stack[base+i.B()].val

		case OpLoadI:
			th.stack[ra].val = Int(int64(i.SBx()))

		case OpLoadF:
			th.stack[ra].val = Float(float64(i.SBx()))

		case OpLoadK:
			th.stack[ra].val = k[i.Bx()]

		case OpLoadKX:
			th.stack[ra].val = k[code[pc].Ax()]
			pc++

		case OpLoadFalse:
			th.stack[ra].val = falseValue

		case OpLoadTrue:
			th.stack[ra].val = trueValue

		case OpLoadNil:
			for b := i.B(); b >= 0; b-- {
				th.stack[ra+b].val = Nil
			}

		case OpGetUpval:
			th.stack[ra].val = cl.upvals[i.B()].get()

		case OpSetUpval:
			uv := cl.upvals[i.B()]
			v := th.stack[ra].val
			uv.set(v)
			g.barrier(uv, v)

		case OpGetTabUp:
			b := i.B()
			v := th.getTable(upvalOp(cl.upvals[b].get(), b), k[i.C()])
			th.stack[ra].val = v

		case OpGetTable:
			b, c := i.B(), i.C()
			v := th.getTable(regOp(th.stack[base+b].val, b), th.stack[base+c].val)
			th.stack[ra].val = v

		case OpGetI:
			b := i.B()
			v := th.getTable(regOp(th.stack[base+b].val, b), Int(int64(i.C())))
			th.stack[ra].val = v

		case OpGetField:
			b := i.B()
			v := th.getTable(regOp(th.stack[base+b].val, b), k[i.C()])
			th.stack[ra].val = v

		case OpSetTabUp:
			th.setTable(upvalOp(cl.upvals[a].get(), a), k[i.B()], th.rk(i, base, k))

		case OpSetTable:
			th.setTable(regOp(th.stack[ra].val, a), th.stack[base+i.B()].val, th.rk(i, base, k))

		case OpSetI:
			th.setTable(regOp(th.stack[ra].val, a), Int(int64(i.B())), th.rk(i, base, k))

		case OpSetField:
			th.setTable(regOp(th.stack[ra].val, a), k[i.B()], th.rk(i, base, k))

		case OpNewTable:
			b, c := i.B(), i.C()
			if b > 0 {
				b = 1 << (b - 1)
			}
			if i.K() {
				c += code[pc].Ax() * (maxArgC + 1)
			}
			pc++
			th.top = ra + 1
			h := g.newTable()
			th.stack[ra].val = gcValue(h)
			if b != 0 || c != 0 {
				g.resizeTable(th, h, c, b)
			}
			th.condGC(ci, ra+1)

		case OpSelf:
			b := i.B()
			rb := th.stack[base+b].val
			key := th.rk(i, base, k)
			th.stack[ra+1].val = rb
			v := th.getTable(regOp(rb, b), key)
			th.stack[ra].val = v

		case OpAddI:
			b := i.B()
			rb := th.stack[base+b].val
			imm := int64(i.SC())
			switch {
			case rb.IsInteger():
				th.stack[ra].val = Int(rb.ival() + imm)
			case rb.IsFloat():
				th.stack[ra].val = Float(rb.fval() + float64(imm))
			default:
				v := th.arith(tmAdd, regOp(rb, b), valOp(Int(imm)))
				th.stack[ra].val = v
			}

		case OpAdd, OpSub, OpMul, OpMod, OpPow, OpDiv, OpIDiv,
			OpBand, OpBor, OpBxor, OpShl, OpShr:
			b, c := i.B(), i.C()
			rb, rc := th.stack[base+b].val, th.stack[base+c].val
			e := tmAdd + tms(op-OpAdd)
			v, ok := th.rawArith(e, rb, rc)
			if !ok {
				v = th.arith(e, regOp(rb, b), regOp(rc, c))
			}
			th.stack[ra].val = v

		case OpUnm, OpBnot:
			b := i.B()
			rb := th.stack[base+b].val
			e := tmUnm
			if op == OpBnot {
				e = tmBnot
			}
			v, ok := th.rawArith(e, rb, rb)
			if !ok {
				v = th.arith(e, regOp(rb, b), regOp(rb, b))
			}
			th.stack[ra].val = v

		case OpNot:
			th.stack[ra].val = Bool(th.stack[base+i.B()].val.isFalse())

		case OpLen:
			b := i.B()
			v := th.objLen(regOp(th.stack[base+b].val, b))
			th.stack[ra].val = v

		case OpConcat:
			n := i.B()
			th.top = ra + n
			th.concat(n, base)
			th.condGC(ci, th.top)

		case OpClose:
			th.closeLevel(ra, closeKTop, true)

		case OpTBC:
			th.newTBC(ra)

		case OpJmp:
			pc += i.SJ()

		case OpEq:
			cond := th.equalObj(th.stack[ra].val, th.stack[base+i.B()].val)
			pc = condJump(code, pc, cond, i)

		case OpLt:
			cond := th.lessThan(th.stack[ra].val, th.stack[base+i.B()].val)
			pc = condJump(code, pc, cond, i)

		case OpLe:
			cond := th.lessEqual(th.stack[ra].val, th.stack[base+i.B()].val)
			pc = condJump(code, pc, cond, i)

		case OpEqK:
			cond := rawEqual(th.stack[ra].val, k[i.B()])
			pc = condJump(code, pc, cond, i)

		case OpEqI:
			v := th.stack[ra].val
			imm := int64(i.SB())
			var cond bool
			switch {
			case v.IsInteger():
				cond = v.ival() == imm
			case v.IsFloat():
				cond = v.fval() == float64(imm)
			}
			pc = condJump(code, pc, cond, i)

		case OpTest:
			pc = condJump(code, pc, !th.stack[ra].val.isFalse(), i)

		case OpTestSet:
			rb := th.stack[base+i.B()].val
			if rb.isFalse() == i.K() {
				pc++
			} else {
				th.stack[ra].val = rb
				pc += code[pc].SJ() + 1
			}

		case OpCall:
			if b := i.B(); b != 0 {
				th.top = ra + b
			}
			if nci := th.precall(ra, i.C()-1); nci != nil {
				return nci
			}

		case OpTailCall:
			b := i.B()
			delta := 0
			if nparams1 := i.C(); nparams1 != 0 {
				delta = ci.nExtraArgs + nparams1
			}
			if b != 0 {
				th.top = ra + b
			} else {
				b = th.top - ra
			}
			if i.K() {
				th.closeUpvals(base)
			}
			n := th.pretailcall(ci, ra, b, delta)
			if n < 0 {
				return ci
			}
			ci.fn -= delta
			th.posCall(ci, n)
			return th.returned(ci)

		case OpReturn:
			n := i.B() - 1
			if n < 0 {
				n = th.top - ra
			}
			if i.K() {
				if th.top < ci.top {
					th.top = ci.top
				}
				th.closeLevel(base, closeKTop, true)
			}
			if nparams1 := i.C(); nparams1 != 0 {
				ci.fn -= ci.nExtraArgs + nparams1
			}
			th.top = ra + n
			th.posCall(ci, n)
			return th.returned(ci)

		case OpReturn0:
			th.top = ra
			th.posCall(ci, 0)
			return th.returned(ci)

		case OpReturn1:
			th.top = ra + 1
			th.posCall(ci, 1)
			return th.returned(ci)

		case OpForLoop:
			if th.forLoop(ra) {
				pc -= i.Bx()
			}

		case OpForPrep:
			if th.forPrep(base, a) {
				pc += i.Bx() + 1
			}

		case OpTForPrep:
			th.newTBC(ra + 3)
			pc += i.Bx()

		case OpTForCall:
			for j := 0; j < 3; j++ {
				th.stack[ra+4+j].val = th.stack[ra+j].val
			}
			th.top = ra + 4 + 3
			th.call(ra+4, i.C())

		case OpTForLoop:
			if v := th.stack[ra+4].val; !v.IsNil() {
				th.stack[ra+2].val = v
				pc -= i.Bx()
			}

		case OpSetList:
			n := i.B()
			last := i.C()
			h := th.stack[ra].val.table()
			if n == 0 {
				n = th.top - ra - 1
			} else {
				th.top = ci.top
			}
			last += n
			if i.K() {
				last += code[pc].Ax() * (maxArgC + 1)
				pc++
			}
			if last > len(h.array) {
				g.resizeTable(th, h, last, h.sizeNode())
			}
			for ; n > 0; n-- {
				v := th.stack[ra+n].val
				h.array[last-1] = v
				last--
				g.barrierBack(h, v)
			}

		case OpClosure:
			th.pushClosure(p.p[i.Bx()], cl.upvals, base, ra)
			th.condGC(ci, ra+1)

		case OpVararg:
			th.getVarargs(ci, ra, i.C()-1)

		case OpVarargPrep:
			th.adjustVarargs(a, ci, p)
			base = ci.fn + 1
			if ci.trap {
				th.hookCall(ci)
				th.oldPC = 1
			}

		default:
			panic(fmt.Sprintf("vm: invalid opcode %v at pc %d", op, pc-1))
		}
	}
}

// returned picks the call to continue after ci returned.
func (th *Thread) returned(ci *CallInfo) *CallInfo {
	if ci.callStatus&cistFresh != 0 {
		return nil
	}
	return th.ci
}

// condJump skips the jump following a test when cond differs from the
// instruction's k flag, and takes it otherwise.
func condJump(code []Instruction, pc int, cond bool, i Instruction) int {
	if cond != i.K() {
		return pc + 1
	}
	return pc + code[pc].SJ() + 1
}

// rk is the C operand of i: a constant when k is set, a register
// otherwise.
func (th *Thread) rk(i Instruction, base int, k []Value) Value {
	if i.K() {
		return k[i.C()]
	}
	return th.stack[base+i.C()].val
}

// condGC runs a collector step with the stack top at limit, so dead
// registers above it are not marked.
func (th *Thread) condGC(ci *CallInfo, limit int) {
	if th.g.debt <= 0 {
		th.top = limit
		th.g.step(th)
		th.top = ci.top
	}
}

// pushClosure creates the closure for p in register ra, capturing
// registers of the running frame or upvalues of the enclosing closure.
func (th *Thread) pushClosure(p *Proto, encup []*UpVal, base, ra int) {
	g := th.g
	ncl := g.newLClosure(p)
	th.stack[ra].val = gcValue(ncl)
	for j, uv := range p.upvalues {
		if uv.InStack {
			ncl.upvals[j] = th.findUpval(base + uv.Index)
		} else {
			ncl.upvals[j] = encup[uv.Index]
		}
		g.objBarrier(ncl, ncl.upvals[j])
	}
}
