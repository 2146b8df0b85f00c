package vm

import (
	"math"
	"strings"
)

// maxTagLoop bounds __index/__newindex chains.
const maxTagLoop = 2000

// ---------------------------------------------------------------------------
// Raw arithmetic
// ---------------------------------------------------------------------------

func (th *Thread) intDiv(m, n int64) int64 {
	if uint64(n)+1 <= 1 {
		if n == 0 {
			th.runError("attempt to perform 'n//0'")
		}
		return -m
	}
	q := m / n
	if (m^n) < 0 && m%n != 0 {
		q--
	}
	return q
}

func (th *Thread) intMod(m, n int64) int64 {
	if uint64(n)+1 <= 1 {
		if n == 0 {
			th.runError("attempt to perform 'n%%0'")
		}
		return 0
	}
	r := m % n
	if r != 0 && (r^n) < 0 {
		r += n
	}
	return r
}

func floatMod(a, b float64) float64 {
	m := math.Mod(a, b)
	if (m > 0 && b < 0) || (m < 0 && b != m && b > 0) {
		m += b
	}
	return m
}

func shiftLeft(x, y int64) int64 {
	if y < 0 {
		if y <= -64 {
			return 0
		}
		return int64(uint64(x) >> uint64(-y))
	}
	if y >= 64 {
		return 0
	}
	return int64(uint64(x) << uint64(y))
}

func isBitwise(op tms) bool {
	switch op {
	case tmBand, tmBor, tmBxor, tmShl, tmShr, tmBnot:
		return true
	}
	return false
}

// rawArith applies op to two numbers. It reports false when the operands
// are not numbers, or for bitwise operations not integers.
func (th *Thread) rawArith(op tms, a, b Value) (Value, bool) {
	if isBitwise(op) {
		ia, ok1 := toIntegerStrict(a)
		ib, ok2 := toIntegerStrict(b)
		if !ok1 || !ok2 {
			return Nil, false
		}
		switch op {
		case tmBand:
			return Int(ia & ib), true
		case tmBor:
			return Int(ia | ib), true
		case tmBxor:
			return Int(ia ^ ib), true
		case tmShl:
			return Int(shiftLeft(ia, ib)), true
		case tmShr:
			return Int(shiftLeft(ia, -ib)), true
		default:
			return Int(^ia), true
		}
	}
	if !a.IsNumber() || !b.IsNumber() {
		return Nil, false
	}
	if op != tmDiv && op != tmPow && a.IsInteger() && b.IsInteger() {
		x, y := a.ival(), b.ival()
		switch op {
		case tmAdd:
			return Int(x + y), true
		case tmSub:
			return Int(x - y), true
		case tmMul:
			return Int(x * y), true
		case tmMod:
			return Int(th.intMod(x, y)), true
		case tmIDiv:
			return Int(th.intDiv(x, y)), true
		case tmUnm:
			return Int(-x), true
		}
	}
	x, y := a.nval(), b.nval()
	switch op {
	case tmAdd:
		return Float(x + y), true
	case tmSub:
		return Float(x - y), true
	case tmMul:
		return Float(x * y), true
	case tmDiv:
		return Float(x / y), true
	case tmPow:
		if y == 2 {
			return Float(x * x), true
		}
		return Float(math.Pow(x, y)), true
	case tmMod:
		return Float(floatMod(x, y)), true
	case tmIDiv:
		return Float(math.Floor(x / y)), true
	case tmUnm:
		return Float(-x), true
	}
	return Nil, false
}

// ---------------------------------------------------------------------------
// Metamethod calls
// ---------------------------------------------------------------------------

// isLuaCode reports whether ci runs script code proper (not a hook).
func (ci *CallInfo) isLuaCode() bool { return ci.callStatus&(cistGo|cistHooked) == 0 }

// callTMRes calls f(p1, p2) and returns its first result.
func (th *Thread) callTMRes(f, p1, p2 Value) Value {
	fn := th.top
	th.stack[fn].val = f
	th.stack[fn+1].val = p1
	th.stack[fn+2].val = p2
	th.top = fn + 3
	if th.ci.isLuaCode() {
		th.call(fn, 1)
	} else {
		th.callNoYield(fn, 1)
	}
	th.top--
	return th.stack[th.top].val
}

// callTM calls f(p1, p2, p3) discarding results.
func (th *Thread) callTM(f, p1, p2, p3 Value) {
	fn := th.top
	th.stack[fn].val = f
	th.stack[fn+1].val = p1
	th.stack[fn+2].val = p2
	th.stack[fn+3].val = p3
	th.top = fn + 4
	if th.ci.isLuaCode() {
		th.call(fn, 0)
	} else {
		th.callNoYield(fn, 0)
	}
}

// callBinTM calls the event metamethod of p1, or else of p2.
func (th *Thread) callBinTM(p1, p2 Value, e tms) (Value, bool) {
	tm := th.g.tmByObj(p1, e)
	if tm.IsNil() {
		tm = th.g.tmByObj(p2, e)
	}
	if tm.IsNil() {
		return Nil, false
	}
	return th.callTMRes(tm, p1, p2), true
}

// arith performs op with the full semantics: numbers, then metamethods,
// then string coercion for arithmetic operators.
func (th *Thread) arith(op tms, a, b operand) Value {
	if r, ok := th.rawArith(op, a.v, b.v); ok {
		return r
	}
	if r, ok := th.callBinTM(a.v, b.v, op); ok {
		return r
	}
	if !isBitwise(op) && (a.v.IsString() || b.v.IsString()) {
		na, ok1 := toNumberValue(a.v)
		nb, ok2 := toNumberValue(b.v)
		if ok1 && ok2 {
			if r, ok := th.rawArith(op, na, nb); ok {
				return r
			}
		}
	}
	if isBitwise(op) {
		if a.v.IsNumber() && b.v.IsNumber() {
			th.toIntError(a, b)
		}
		th.opIntError(a, b, "perform bitwise operation on")
	}
	th.opIntError(a, b, "perform arithmetic on")
	return Nil
}

// ---------------------------------------------------------------------------
// Comparison
// ---------------------------------------------------------------------------

func intFitsFloat(i int64) bool {
	const maxExact = 1 << 53
	return uint64(i)+maxExact <= 2*maxExact
}

func ltIntFloat(i int64, f float64) bool {
	if intFitsFloat(i) {
		return float64(i) < f
	}
	if fi, ok := floatToInteger(f, f2iCeil); ok {
		return i < fi
	}
	return f > 0
}

func leIntFloat(i int64, f float64) bool {
	if intFitsFloat(i) {
		return float64(i) <= f
	}
	if fi, ok := floatToInteger(f, f2iFloor); ok {
		return i <= fi
	}
	return f > 0
}

func ltFloatInt(f float64, i int64) bool {
	if intFitsFloat(i) {
		return f < float64(i)
	}
	if fi, ok := floatToInteger(f, f2iFloor); ok {
		return fi < i
	}
	return f < 0
}

func leFloatInt(f float64, i int64) bool {
	if intFitsFloat(i) {
		return f <= float64(i)
	}
	if fi, ok := floatToInteger(f, f2iCeil); ok {
		return fi <= i
	}
	return f < 0
}

func ltNum(a, b Value) bool {
	switch {
	case a.IsInteger() && b.IsInteger():
		return a.ival() < b.ival()
	case a.IsInteger():
		return ltIntFloat(a.ival(), b.fval())
	case b.IsInteger():
		return ltFloatInt(a.fval(), b.ival())
	}
	return a.fval() < b.fval()
}

func leNum(a, b Value) bool {
	switch {
	case a.IsInteger() && b.IsInteger():
		return a.ival() <= b.ival()
	case a.IsInteger():
		return leIntFloat(a.ival(), b.fval())
	case b.IsInteger():
		return leFloatInt(a.fval(), b.ival())
	}
	return a.fval() <= b.fval()
}

func (th *Thread) callOrderTM(a, b Value, e tms) bool {
	if r, ok := th.callBinTM(a, b, e); ok {
		return !r.isFalse()
	}
	th.orderError(a, b)
	return false
}

// lessThan is the '<' operator.
func (th *Thread) lessThan(a, b Value) bool {
	if a.IsNumber() && b.IsNumber() {
		return ltNum(a, b)
	}
	if a.IsString() && b.IsString() {
		return strings.Compare(a.str().s, b.str().s) < 0
	}
	return th.callOrderTM(a, b, tmLt)
}

// lessEqual is the '<=' operator.
func (th *Thread) lessEqual(a, b Value) bool {
	if a.IsNumber() && b.IsNumber() {
		return leNum(a, b)
	}
	if a.IsString() && b.IsString() {
		return strings.Compare(a.str().s, b.str().s) <= 0
	}
	return th.callOrderTM(a, b, tmLe)
}

// equalObj is the '==' operator; th may be nil for a raw comparison.
func (th *Thread) equalObj(a, b Value) bool {
	if a.tt.withVariant() != b.tt.withVariant() || (!a.IsTable() && !a.isFullUserdata()) {
		return rawEqual(a, b)
	}
	if a.o == b.o {
		return true
	}
	if th == nil {
		return false
	}
	g := th.g
	var mt1, mt2 *Table
	if a.IsTable() {
		mt1, mt2 = a.table().metatable, b.table().metatable
	} else {
		mt1, mt2 = a.userdata().metatable, b.userdata().metatable
	}
	tm := g.fastTM(mt1, tmEq)
	if tm.IsNil() {
		tm = g.fastTM(mt2, tmEq)
	}
	if tm.IsNil() {
		return false
	}
	return !th.callTMRes(tm, a, b).isFalse()
}

// ---------------------------------------------------------------------------
// Length, concatenation
// ---------------------------------------------------------------------------

// objLen is the '#' operator.
func (th *Thread) objLen(rb operand) Value {
	g := th.g
	v := rb.v
	var tm Value
	switch {
	case v.IsTable():
		h := v.table()
		tm = g.fastTM(h.metatable, tmLen)
		if tm.IsNil() {
			return Int(g.length(h))
		}
	case v.IsString():
		return Int(int64(len(v.str().s)))
	default:
		tm = g.tmByObj(v, tmLen)
		if tm.IsNil() {
			th.typeError(rb, "get length of")
		}
	}
	return th.callTMRes(tm, v, v)
}

// toStringInPlace converts a number at stack index i to a string.
func (th *Thread) toStringInPlace(i int) bool {
	v := th.stack[i].val
	if v.IsString() {
		return true
	}
	if v.IsNumber() {
		th.stack[i].val = th.g.stringValue(numberToString(v))
		return true
	}
	return false
}

// concat joins the total values at the top of the stack, leaving the
// result in place of the first. base is the frame base used to name
// operands in error messages.
func (th *Thread) concat(total, base int) {
	for total > 1 {
		top := th.top
		n := 2
		a, b := th.stack[top-2].val, th.stack[top-1].val
		switch {
		case !(a.IsString() || a.IsNumber()) || !th.toStringInPlace(top-1):
			r, ok := th.callBinTM(a, b, tmConcat)
			if !ok {
				th.concatError(regOp(a, top-2-base), regOp(b, top-1-base))
			}
			th.stack[top-2].val = r
		case len(th.stack[top-1].val.str().s) == 0:
			th.toStringInPlace(top - 2)
		case a.IsString() && len(a.str().s) == 0:
			th.stack[top-2].val = th.stack[top-1].val
		default:
			tl := len(th.stack[top-1].val.str().s)
			for n = 1; n < total && th.toStringInPlace(top-n-1); n++ {
				tl += len(th.stack[top-n-1].val.str().s)
			}
			var sb strings.Builder
			sb.Grow(tl)
			for i := top - n; i < top; i++ {
				sb.WriteString(th.stack[i].val.str().s)
			}
			th.stack[top-n].val = th.g.stringValue(sb.String())
		}
		total -= n - 1
		th.top -= n - 1
	}
}

// ---------------------------------------------------------------------------
// Indexing with metamethods
// ---------------------------------------------------------------------------

// getTable is t[key] with __index.
func (th *Thread) getTable(t operand, key Value) Value {
	g := th.g
	for loop := 0; loop < maxTagLoop; loop++ {
		var tm Value
		if t.v.IsTable() {
			h := t.v.table()
			if res := g.tableGet(h, key); !res.isEmpty() {
				return res
			}
			tm = g.fastTM(h.metatable, tmIndex)
			if tm.IsNil() {
				return Nil
			}
		} else {
			tm = g.tmByObj(t.v, tmIndex)
			if tm.IsNil() {
				th.indexError(t)
			}
		}
		if tm.IsFunction() {
			return th.callTMRes(tm, t.v, key)
		}
		t = valOp(tm)
	}
	th.runError("'__index' chain too long; possible loop")
	return Nil
}

// setTable is t[key] = val with __newindex.
func (th *Thread) setTable(t operand, key, val Value) {
	g := th.g
	for loop := 0; loop < maxTagLoop; loop++ {
		var tm Value
		if t.v.IsTable() {
			h := t.v.table()
			if res := g.tableGet(h, key); !res.isEmpty() {
				th.tableSet(h, key, val)
				return
			}
			tm = g.fastTM(h.metatable, tmNewIndex)
			if tm.IsNil() {
				th.tableSet(h, key, val)
				return
			}
		} else {
			tm = g.tmByObj(t.v, tmNewIndex)
			if tm.IsNil() {
				th.indexError(t)
			}
		}
		if tm.IsFunction() {
			th.callTM(tm, t.v, key, val)
			return
		}
		t = valOp(tm)
	}
	th.runError("'__newindex' chain too long; possible loop")
}

// ---------------------------------------------------------------------------
// Numeric for loops
// ---------------------------------------------------------------------------

// forLimit converts the loop limit for an integer loop; skip reports that
// the loop must not run.
func (th *Thread) forLimit(init int64, lim operand, step int64) (limit int64, skip bool) {
	mode := f2iFloor
	if step < 0 {
		mode = f2iCeil
	}
	limit, ok := toInteger(lim.v, mode)
	if !ok {
		flim, ok := toNumber(lim.v)
		if !ok {
			th.forError(lim, "limit")
		}
		if flim > 0 {
			if step < 0 {
				return 0, true
			}
			limit = math.MaxInt64
		} else {
			if step > 0 {
				return 0, true
			}
			limit = math.MinInt64
		}
	}
	if step > 0 {
		return limit, init > limit
	}
	return limit, init < limit
}

// forPrep prepares a numeric loop at registers ra..ra+3 (base-relative
// index ra). It reports whether the loop must be skipped.
func (th *Thread) forPrep(base, ra int) bool {
	s := th.stack
	pinit, plimit, pstep := s[base+ra].val, s[base+ra+1].val, s[base+ra+2].val
	if pinit.IsInteger() && pstep.IsInteger() {
		init, step := pinit.ival(), pstep.ival()
		if step == 0 {
			th.runError("'for' step is zero")
		}
		th.stack[base+ra+3].val = Int(init)
		limit, skip := th.forLimit(init, regOp(plimit, ra+1), step)
		if skip {
			return true
		}
		var count uint64
		if step > 0 {
			count = uint64(limit) - uint64(init)
			if step != 1 {
				count /= uint64(step)
			}
		} else {
			count = uint64(init) - uint64(limit)
			count /= uint64(-(step+1)) + 1
		}
		th.stack[base+ra+1].val = Int(int64(count))
		return false
	}
	flimit, ok := toNumber(plimit)
	if !ok {
		th.forError(regOp(plimit, ra+1), "limit")
	}
	step, ok := toNumber(pstep)
	if !ok {
		th.forError(regOp(pstep, ra+2), "step")
	}
	init, ok := toNumber(pinit)
	if !ok {
		th.forError(regOp(pinit, ra), "initial")
	}
	if step == 0 {
		th.runError("'for' step is zero")
	}
	if (0 < step && flimit < init) || (step <= 0 && init < flimit) {
		return true
	}
	th.stack[base+ra+1].val = Float(flimit)
	th.stack[base+ra+2].val = Float(step)
	th.stack[base+ra].val = Float(init)
	th.stack[base+ra+3].val = Float(init)
	return false
}

// forLoop advances a prepared loop; it reports whether to jump back.
func (th *Thread) forLoop(ra int) bool {
	s := th.stack
	if s[ra+2].val.IsInteger() {
		count := uint64(s[ra+1].val.ival())
		if count == 0 {
			return false
		}
		step := s[ra+2].val.ival()
		idx := s[ra].val.ival() + step
		s[ra+1].val = Int(int64(count - 1))
		s[ra].val = Int(idx)
		s[ra+3].val = Int(idx)
		return true
	}
	step, limit, idx := s[ra+2].val.fval(), s[ra+1].val.fval(), s[ra].val.fval()
	idx += step
	if (0 < step && idx <= limit) || (step <= 0 && limit <= idx) {
		s[ra].val = Float(idx)
		s[ra+3].val = Float(idx)
		return true
	}
	return false
}
