package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Stack indices
// ---------------------------------------------------------------------------

// RegistryIndex is the pseudo-index of the registry table. Pseudo-indices
// below it address the upvalues of the running Go closure.
const RegistryIndex = -(1 << 30)

// UpvalueIndex returns the pseudo-index of upvalue i (1-based) of the
// running Go closure.
func UpvalueIndex(i int) int { return RegistryIndex - i }

func isPseudo(idx int) bool { return idx <= RegistryIndex }

func apiCheck(cond bool, msg string) {
	if !cond {
		panic("vm: " + msg)
	}
}

// index2value resolves an acceptable index. ok is false for an index above
// the top.
func (th *Thread) index2value(idx int) (v Value, ok bool) {
	ci := th.ci
	switch {
	case idx > 0:
		apiCheck(idx <= ci.top-(ci.fn+1), "unacceptable index")
		o := ci.fn + idx
		if o >= th.top {
			return Nil, false
		}
		return th.stack[o].val, true
	case !isPseudo(idx):
		apiCheck(idx != 0 && -idx <= th.top-(ci.fn+1), "invalid index")
		return th.stack[th.top+idx].val, true
	case idx == RegistryIndex:
		return gcValue(th.g.registry), true
	}
	idx = RegistryIndex - idx
	if fn := th.stack[ci.fn].val; fn.isGoClosure() {
		if up := fn.goClosure().upvalues; idx <= len(up) {
			return up[idx-1], true
		}
	}
	return Nil, false
}

// index2stack resolves a valid non-pseudo index to a stack index.
func (th *Thread) index2stack(idx int) int {
	ci := th.ci
	if idx > 0 {
		o := ci.fn + idx
		apiCheck(o < th.top, "invalid index")
		return o
	}
	apiCheck(idx != 0 && !isPseudo(idx) && -idx <= th.top-(ci.fn+1), "invalid index")
	return th.top + idx
}

func (th *Thread) value(idx int) Value {
	v, _ := th.index2value(idx)
	return v
}

// setIndex stores v at a valid index, including upvalue pseudo-indices.
func (th *Thread) setIndex(idx int, v Value) {
	if isPseudo(idx) && idx != RegistryIndex {
		fn := th.stack[th.ci.fn].val
		apiCheck(fn.isGoClosure(), "no upvalues in a script function")
		cl := fn.goClosure()
		n := RegistryIndex - idx
		apiCheck(n <= len(cl.upvalues), "upvalue index too large")
		cl.upvalues[n-1] = v
		th.g.barrier(cl, v)
		return
	}
	apiCheck(idx != RegistryIndex, "cannot replace the registry")
	th.stack[th.index2stack(idx)].val = v
}

// AbsIndex converts idx into an equivalent index that does not depend on
// the stack top.
func (th *Thread) AbsIndex(idx int) int {
	if idx > 0 || isPseudo(idx) {
		return idx
	}
	return th.top - th.ci.fn + idx
}

// GetTop returns the index of the top element, which is the number of
// elements on the stack of the running function.
func (th *Thread) GetTop() int { return th.top - (th.ci.fn + 1) }

// SetTop sets the stack top to idx, filling new slots with nil. Lowering
// the top past a to-be-closed slot closes it.
func (th *Thread) SetTop(idx int) {
	ci := th.ci
	fn := ci.fn
	var diff int
	if idx >= 0 {
		apiCheck(idx <= ci.top-(fn+1), "new top too large")
		diff = fn + 1 + idx - th.top
		for ; diff > 0; diff-- {
			th.stack[th.top].val = Nil
			th.top++
		}
	} else {
		apiCheck(-(idx+1) <= th.top-(fn+1), "invalid new top")
		diff = idx + 1
	}
	newTop := th.top + diff
	if diff < 0 && th.tbcList >= newTop {
		th.closeLevel(newTop, closeKTop, false)
	}
	th.top = newTop
}

// Pop removes n elements.
func (th *Thread) Pop(n int) { th.SetTop(-n - 1) }

// CheckStack ensures room for n more elements, growing the stack. It
// reports false when the stack cannot grow that far.
func (th *Thread) CheckStack(n int) bool {
	apiCheck(n >= 0, "negative n")
	ok := true
	if th.stackLast-th.top <= n {
		if th.top+n > th.g.opts.MaxStack {
			ok = false
		} else {
			ok = th.growStack(n, false)
		}
	}
	if ok && th.ci.top < th.top+n {
		th.ci.top = th.top + n
	}
	return ok
}

func (th *Thread) reverse(from, to int) {
	for ; from < to; from, to = from+1, to-1 {
		th.stack[from].val, th.stack[to].val = th.stack[to].val, th.stack[from].val
	}
}

// Rotate rotates the elements between idx and the top n positions towards
// the top (or -n towards the bottom).
func (th *Thread) Rotate(idx, n int) {
	t := th.top - 1
	p := th.index2stack(idx)
	apiCheck(n >= 0 && n <= t-p+1 || n < 0 && -n <= t-p+1, "invalid n")
	m := t - n
	if n < 0 {
		m = p - n - 1
	}
	th.reverse(p, m)
	th.reverse(m+1, t)
	th.reverse(p, t)
}

// Insert moves the top element into idx, shifting up the elements above.
func (th *Thread) Insert(idx int) { th.Rotate(idx, 1) }

// Remove deletes the element at idx, shifting down the elements above.
func (th *Thread) Remove(idx int) {
	th.Rotate(idx, -1)
	th.Pop(1)
}

// Replace pops the top into idx.
func (th *Thread) Replace(idx int) {
	th.Copy(-1, idx)
	th.Pop(1)
}

// Copy copies the element at from into to.
func (th *Thread) Copy(from, to int) {
	th.setIndex(to, th.value(from))
}

// PushValue pushes a copy of the element at idx.
func (th *Thread) PushValue(idx int) { th.Push(th.value(idx)) }

// XMove pops n values from th and pushes them on to.
func (th *Thread) XMove(to *Thread, n int) {
	if th == to {
		return
	}
	apiCheck(th.g == to.g, "moving values between different VMs")
	th.top -= n
	for i := 0; i < n; i++ {
		to.push(th.stack[th.top+i].val)
	}
}

// ---------------------------------------------------------------------------
// Reading values
// ---------------------------------------------------------------------------

// Type returns the type of the value at idx, TypeNone for an index above
// the top.
func (th *Thread) Type(idx int) Type {
	v, ok := th.index2value(idx)
	if !ok {
		return TypeNone
	}
	return v.Type()
}

// TypeName returns the name of t.
func (th *Thread) TypeName(t Type) string { return t.String() }

// ToValue returns the value at idx.
func (th *Thread) ToValue(idx int) Value { return th.value(idx) }

func (th *Thread) IsNil(idx int) bool       { return th.value(idx).IsNil() }
func (th *Thread) IsNoneOrNil(idx int) bool { return th.Type(idx) <= TypeNil }
func (th *Thread) IsInteger(idx int) bool   { return th.value(idx).IsInteger() }
func (th *Thread) IsTable(idx int) bool     { return th.value(idx).IsTable() }
func (th *Thread) IsFunction(idx int) bool  { return th.value(idx).IsFunction() }

// IsNumber reports whether the value at idx is a number or a string
// convertible to one.
func (th *Thread) IsNumber(idx int) bool {
	_, ok := toNumber(th.value(idx))
	return ok
}

// IsString reports whether the value at idx is a string or a number.
func (th *Thread) IsString(idx int) bool {
	v := th.value(idx)
	return v.IsString() || v.IsNumber()
}

// IsGoFunction reports whether the value at idx is a host function.
func (th *Thread) IsGoFunction(idx int) bool { return th.value(idx).isGoClosure() }

// ToNumber converts the value at idx to a float.
func (th *Thread) ToNumber(idx int) (float64, bool) { return toNumber(th.value(idx)) }

// ToInteger converts the value at idx to an integer; floats must be
// integral.
func (th *Thread) ToInteger(idx int) (int64, bool) { return toInteger(th.value(idx), f2iEq) }

// ToBoolean reports whether the value at idx is neither false nor nil.
func (th *Thread) ToBoolean(idx int) bool { return !th.value(idx).isFalse() }

// ToString returns the string at idx. A number is converted in place.
func (th *Thread) ToString(idx int) (string, bool) {
	v := th.value(idx)
	if v.IsNumber() {
		th.g.checkGC(th)
		s := th.g.stringValue(numberToString(v))
		th.setIndex(idx, s)
		return s.str().s, true
	}
	if !v.IsString() {
		return "", false
	}
	return v.str().s, true
}

// ToThread returns the thread at idx, or nil.
func (th *Thread) ToThread(idx int) *Thread {
	if v := th.value(idx); v.isThread() {
		return v.thread()
	}
	return nil
}

// ToUserdata returns the payload of a full or light userdata at idx.
func (th *Thread) ToUserdata(idx int) any {
	v := th.value(idx)
	switch {
	case v.isFullUserdata():
		return v.userdata().Data
	case v.tt == vLightUD:
		return v.o
	}
	return nil
}

// RawLen returns the length of a string or the border of a table without
// metamethods, the number of user values of a userdata, or 0.
func (th *Thread) RawLen(idx int) int64 {
	v := th.value(idx)
	switch {
	case v.IsString():
		return int64(len(v.str().s))
	case v.IsTable():
		return th.g.length(v.table())
	case v.isFullUserdata():
		return int64(len(v.userdata().userValues))
	}
	return 0
}

// RawEqual compares two values without metamethods.
func (th *Thread) RawEqual(i1, i2 int) bool {
	v1, ok1 := th.index2value(i1)
	v2, ok2 := th.index2value(i2)
	return ok1 && ok2 && rawEqual(v1, v2)
}

// CompareOp selects the comparison of Compare.
type CompareOp int

const (
	OpEqual CompareOp = iota
	OpLessThan
	OpLessEqual
)

// Compare compares two values with metamethods. Invalid indices compare
// false.
func (th *Thread) Compare(i1, i2 int, op CompareOp) bool {
	v1, ok1 := th.index2value(i1)
	v2, ok2 := th.index2value(i2)
	if !ok1 || !ok2 {
		return false
	}
	switch op {
	case OpEqual:
		return th.equalObj(v1, v2)
	case OpLessThan:
		return th.lessThan(v1, v2)
	case OpLessEqual:
		return th.lessEqual(v1, v2)
	}
	panic("vm: invalid comparison")
}

// ---------------------------------------------------------------------------
// Pushing values
// ---------------------------------------------------------------------------

// Push pushes v.
func (th *Thread) Push(v Value) {
	th.push(v)
	apiCheck(th.top <= th.ci.top, "stack overflow")
}

func (th *Thread) PushNil()                { th.Push(Nil) }
func (th *Thread) PushInteger(n int64)     { th.Push(Int(n)) }
func (th *Thread) PushNumber(n float64)    { th.Push(Float(n)) }
func (th *Thread) PushBoolean(b bool)      { th.Push(Bool(b)) }
func (th *Thread) PushLightUserdata(p any) { th.Push(LightUserData(p)) }

// PushString pushes a copy of s.
func (th *Thread) PushString(s string) {
	th.Push(th.g.stringValue(s))
	th.g.checkGC(th)
}

// PushFString pushes a formatted string and returns it.
func (th *Thread) PushFString(format string, args ...any) string {
	s := fmt.Sprintf(format, args...)
	th.PushString(s)
	return s
}

// PushExternalString pushes a long string whose bytes stay owned by the
// host. release, when not nil, is called once the string is collected.
func (th *Thread) PushExternalString(s string, release func(string)) {
	th.Push(gcValue(th.g.newExternalString(s, release)))
	th.g.checkGC(th)
}

// PushGoClosure pops n values and pushes a host function with them as
// upvalues.
func (th *Thread) PushGoClosure(fn GoFunction, n int) {
	cl := th.g.newGoClosure(fn, n)
	th.top -= n
	// the closure is new and white: no barrier needed
	for i := 0; i < n; i++ {
		cl.upvalues[i] = th.stack[th.top+i].val
	}
	th.Push(gcValue(cl))
	th.g.checkGC(th)
}

// PushGoFunction pushes a host function without upvalues.
func (th *Thread) PushGoFunction(fn GoFunction) { th.PushGoClosure(fn, 0) }

// PushThread pushes th itself and reports whether it is the main thread.
func (th *Thread) PushThread() bool {
	th.Push(gcValue(th))
	return th == th.g.mainThread
}

// ---------------------------------------------------------------------------
// Tables
// ---------------------------------------------------------------------------

// CreateTable pushes a new table with room for narr array elements and
// nrec other keys.
func (th *Thread) CreateTable(narr, nrec int) {
	g := th.g
	h := g.newTable()
	th.Push(gcValue(h))
	if narr > 0 || nrec > 0 {
		g.resizeTable(th, h, narr, nrec)
	}
	g.checkGC(th)
}

// NewTable pushes an empty table.
func (th *Thread) NewTable() { th.CreateTable(0, 0) }

func (th *Thread) getOp(idx int) operand {
	v, _ := th.index2value(idx)
	return valOp(v)
}

// GetTable pushes t[k] for the table t at idx and the key k on the top,
// which is replaced. It returns the type of the result.
func (th *Thread) GetTable(idx int) Type {
	t := th.getOp(idx)
	v := th.getTable(t, th.stack[th.top-1].val)
	th.stack[th.top-1].val = v
	return v.Type()
}

// GetField pushes t[k] for the value t at idx.
func (th *Thread) GetField(idx int, k string) Type {
	t := th.getOp(idx)
	v := th.getTable(t, th.g.stringValue(k))
	th.Push(v)
	return v.Type()
}

// GetI pushes t[n] for the value t at idx.
func (th *Thread) GetI(idx int, n int64) Type {
	t := th.getOp(idx)
	v := th.getTable(t, Int(n))
	th.Push(v)
	return v.Type()
}

// GetGlobal pushes the global name.
func (th *Thread) GetGlobal(name string) Type {
	v := th.getTable(valOp(gcValue(th.g.Globals())), th.g.stringValue(name))
	th.Push(v)
	return v.Type()
}

func (th *Thread) rawTable(idx int) *Table {
	v := th.value(idx)
	apiCheck(v.IsTable(), "table expected")
	return v.table()
}

// RawGet is GetTable without metamethods.
func (th *Thread) RawGet(idx int) Type {
	h := th.rawTable(idx)
	v := th.g.tableGet(h, th.stack[th.top-1].val)
	if v.isEmpty() {
		v = Nil
	}
	th.stack[th.top-1].val = v
	return v.Type()
}

// RawGetI is GetI without metamethods.
func (th *Thread) RawGetI(idx int, n int64) Type {
	v := th.g.tableGetInt(th.rawTable(idx), n)
	if v.isEmpty() {
		v = Nil
	}
	th.Push(v)
	return v.Type()
}

// SetTable does t[k] = v for the table t at idx, with v on the top and k
// just below it. Both are popped.
func (th *Thread) SetTable(idx int) {
	t := th.getOp(idx)
	th.setTable(t, th.stack[th.top-2].val, th.stack[th.top-1].val)
	th.top -= 2
}

// SetField does t[k] = v with v popped from the top.
func (th *Thread) SetField(idx int, k string) {
	t := th.getOp(idx)
	key := th.g.stringValue(k)
	th.setTable(t, key, th.stack[th.top-1].val)
	th.top--
}

// SetI does t[n] = v with v popped from the top.
func (th *Thread) SetI(idx int, n int64) {
	t := th.getOp(idx)
	th.setTable(t, Int(n), th.stack[th.top-1].val)
	th.top--
}

// SetGlobal pops a value into the global name.
func (th *Thread) SetGlobal(name string) {
	key := th.g.stringValue(name)
	th.setTable(valOp(gcValue(th.g.Globals())), key, th.stack[th.top-1].val)
	th.top--
}

// RawSet is SetTable without metamethods.
func (th *Thread) RawSet(idx int) {
	h := th.rawTable(idx)
	th.tableSet(h, th.stack[th.top-2].val, th.stack[th.top-1].val)
	h.flags &^= maskFlags
	th.top -= 2
}

// RawSetI is SetI without metamethods.
func (th *Thread) RawSetI(idx int, n int64) {
	h := th.rawTable(idx)
	th.tableSetInt(h, n, th.stack[th.top-1].val)
	th.top--
}

// Next pops a key and pushes the next key-value pair of the table at idx,
// returning false (and pushing nothing) after the last one. Start with a
// nil key.
func (th *Thread) Next(idx int) bool {
	h := th.rawTable(idx)
	k, v, ok := th.tableNext(h, th.stack[th.top-1].val)
	if !ok {
		th.top--
		return false
	}
	th.stack[th.top-1].val = k
	th.Push(v)
	return true
}

// Len pushes the length of the value at idx, honoring __len.
func (th *Thread) Len(idx int) {
	v := th.objLen(th.getOp(idx))
	th.Push(v)
}

// Concat concatenates the n values on the top, honoring __concat, and
// leaves the result in their place. With n == 0 it pushes "".
func (th *Thread) Concat(n int) {
	if n > 0 {
		th.concat(n, th.ci.fn+1)
	} else {
		th.Push(th.g.stringValue(""))
	}
	th.g.checkGC(th)
}

// ---------------------------------------------------------------------------
// Metatables and userdata
// ---------------------------------------------------------------------------

// GetMetatable pushes the metatable of the value at idx, if it has one.
func (th *Thread) GetMetatable(idx int) bool {
	mt := th.g.metatableOf(th.value(idx))
	if mt == nil {
		return false
	}
	th.Push(gcValue(mt))
	return true
}

// SetMetatable pops a table or nil and sets it as metatable of the value
// at idx. Values other than tables and userdata share a metatable per
// type.
func (th *Thread) SetMetatable(idx int) {
	g := th.g
	obj := th.value(idx)
	var mt *Table
	if top := th.stack[th.top-1].val; !top.IsNil() {
		apiCheck(top.IsTable(), "table expected")
		mt = top.table()
	}
	switch {
	case obj.IsTable():
		h := obj.table()
		h.metatable = mt
		if mt != nil {
			g.objBarrier(h, mt)
			g.checkFinalizer(h, mt)
		}
	case obj.isFullUserdata():
		u := obj.userdata()
		u.metatable = mt
		if mt != nil {
			g.objBarrier(u, mt)
			g.checkFinalizer(u, mt)
		}
	default:
		g.mt[obj.Type()] = mt
	}
	th.top--
}

// NewUserdata pushes a full userdata carrying data and nuv user values.
func (th *Thread) NewUserdata(data any, nuv int) *Userdata {
	u := th.g.newUserdata(data, nuv)
	th.Push(gcValue(u))
	th.g.checkGC(th)
	return u
}

// GetIUserValue pushes user value n of the userdata at idx. It pushes nil
// and returns TypeNone when there is no such value.
func (th *Thread) GetIUserValue(idx, n int) Type {
	v := th.value(idx)
	apiCheck(v.isFullUserdata(), "full userdata expected")
	u := v.userdata()
	if n <= 0 || n > len(u.userValues) {
		th.PushNil()
		return TypeNone
	}
	th.Push(u.userValues[n-1])
	return u.userValues[n-1].Type()
}

// SetIUserValue pops a value into user value n of the userdata at idx.
func (th *Thread) SetIUserValue(idx, n int) bool {
	v := th.value(idx)
	apiCheck(v.isFullUserdata(), "full userdata expected")
	u := v.userdata()
	ok := n > 0 && n <= len(u.userValues)
	if ok {
		val := th.stack[th.top-1].val
		u.userValues[n-1] = val
		th.g.barrier(u, val)
	}
	th.top--
	return ok
}

// ---------------------------------------------------------------------------
// Calls and errors
// ---------------------------------------------------------------------------

func (th *Thread) adjustResults(nresults int) {
	if nresults <= MultRet && th.ci.top < th.top {
		th.ci.top = th.top
	}
}

// Call calls the function below the nargs arguments on the top, leaving
// nresults results (all with MultRet). Errors propagate to the enclosing
// protected call; use it from host functions and PCall bodies.
func (th *Thread) Call(nargs, nresults int) {
	apiCheck(th.status == OK, "cannot do calls on non-normal thread")
	fn := th.top - (nargs + 1)
	th.call(fn, nresults)
	th.adjustResults(nresults)
}

// PCall is Call in protected mode. On error the function and arguments are
// replaced by the error object and the returned error is an *Error. msgh
// is the stack index of a message handler, 0 for none, or
// TracebackHandler to record a traceback in the *Error.
func (th *Thread) PCall(nargs, nresults, msgh int) error {
	apiCheck(th.status == OK, "cannot do calls on non-normal thread")
	ef := 0
	switch {
	case msgh == TracebackHandler:
		ef = TracebackHandler
	case msgh != 0:
		ef = th.index2stack(msgh)
	}
	fn := th.top - (nargs + 1)
	status := th.pcall(func() { th.call(fn, nresults) }, fn, ef)
	th.adjustResults(nresults)
	if status != OK {
		return th.newError(status, th.stack[th.top-1].val)
	}
	return nil
}

// RaiseError raises the value on the top as an error. It does not return.
func (th *Thread) RaiseError() {
	th.errorMsg()
}

// Where returns "chunk:line: " for the function at level, or "" when
// unknown. Level 1 is the function that called the running host function.
func (th *Thread) Where(level int) string {
	if ar, ok := th.GetStack(level); ok {
		th.GetInfo("Sl", ar)
		if ar.CurrentLine > 0 {
			return fmt.Sprintf("%s:%d: ", ar.ShortSrc, ar.CurrentLine)
		}
	}
	return ""
}

// Errorf formats an error prefixed with the position of the calling
// script, for a host function to return.
func (th *Thread) Errorf(format string, args ...any) error {
	return fmt.Errorf("%s%s", th.Where(1), fmt.Sprintf(format, args...))
}

// ToClose marks the slot at idx as a to-be-closed variable of the running
// host function. It is closed when the function returns, when the slot is
// popped by SetTop, or by CloseSlot.
func (th *Thread) ToClose(idx int) {
	o := th.index2stack(idx)
	apiCheck(th.tbcList < o, "given index below or equal a marked one")
	th.newTBC(o)
	if !hasToCloseGo(th.ci.nResults) {
		th.ci.nResults = codeNResults(th.ci.nResults)
	}
}

// CloseSlot closes the to-be-closed slot at idx and sets it to nil.
func (th *Thread) CloseSlot(idx int) {
	level := th.index2stack(idx)
	apiCheck(hasToCloseGo(th.ci.nResults) && th.tbcList == level, "no variable to close at given level")
	th.closeLevel(level, closeKTop, false)
	th.stack[level].val = Nil
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load turns the prototype tree of b into a closure and pushes it. The
// first upvalue of the main function, if any, is set to the globals
// table.
func (th *Thread) Load(b *ProtoBuilder) error {
	g := th.g
	th.CheckStack(1)
	status := th.pcall(func() {
		// nothing built is anchored until the closure is on the stack
		g.gcStopEm = true
		p := b.build(g)
		cl := g.newLClosure(p)
		th.push(gcValue(cl))
		g.gcStopEm = false
		g.initUpvals(cl)
		if len(cl.upvals) > 0 {
			gt := gcValue(g.Globals())
			cl.upvals[0].set(gt)
			g.barrier(cl.upvals[0], gt)
		}
		g.checkGC(th)
	}, th.top, 0)
	g.gcStopEm = false
	if status != OK {
		return th.newError(status, th.stack[th.top-1].val)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Upvalues
// ---------------------------------------------------------------------------

// upvalueRef locates upvalue n of the closure at funcIdx. name is "" for
// host closures and "(no name)" for unnamed script upvalues.
func (th *Thread) upvalueRef(funcIdx, n int) (name string, get func() Value, set func(Value), owner GCObject, ok bool) {
	fn := th.value(funcIdx)
	switch {
	case fn.isGoClosure():
		cl := fn.goClosure()
		if n < 1 || n > len(cl.upvalues) {
			return
		}
		return "", func() Value { return cl.upvalues[n-1] },
			func(v Value) { cl.upvalues[n-1] = v }, cl, true
	case fn.isLClosure():
		cl := fn.lclosure()
		if n < 1 || n > len(cl.p.upvalues) {
			return
		}
		uv := cl.upvals[n-1]
		name = cl.p.upvalues[n-1].Name
		if name == "" {
			name = "(no name)"
		}
		return name, uv.get, uv.set, uv, true
	}
	return
}

// GetUpvalue pushes upvalue n of the closure at funcIdx and returns its
// name. ok is false, with nothing pushed, when there is no such upvalue.
func (th *Thread) GetUpvalue(funcIdx, n int) (string, bool) {
	name, get, _, _, ok := th.upvalueRef(funcIdx, n)
	if ok {
		th.Push(get())
	}
	return name, ok
}

// SetUpvalue pops a value into upvalue n of the closure at funcIdx.
func (th *Thread) SetUpvalue(funcIdx, n int) (string, bool) {
	name, _, set, owner, ok := th.upvalueRef(funcIdx, n)
	if ok {
		th.top--
		v := th.stack[th.top].val
		set(v)
		th.g.barrier(owner, v)
	}
	return name, ok
}

// UpvalueID returns an identifier of upvalue n of the closure at funcIdx.
// Closures sharing an upvalue return the same identifier.
func (th *Thread) UpvalueID(funcIdx, n int) any {
	fn := th.value(funcIdx)
	switch {
	case fn.isLClosure():
		cl := fn.lclosure()
		if n >= 1 && n <= len(cl.upvals) {
			return cl.upvals[n-1]
		}
	case fn.isGoClosure():
		cl := fn.goClosure()
		if n >= 1 && n <= len(cl.upvalues) {
			return &cl.upvalues[n-1]
		}
	}
	return nil
}

// UpvalueJoin makes upvalue n1 of the script closure at f1 refer to
// upvalue n2 of the script closure at f2.
func (th *Thread) UpvalueJoin(f1, n1, f2, n2 int) {
	v1, v2 := th.value(f1), th.value(f2)
	apiCheck(v1.isLClosure() && v2.isLClosure(), "script function expected")
	cl1, cl2 := v1.lclosure(), v2.lclosure()
	apiCheck(n1 >= 1 && n1 <= len(cl1.upvals) && n2 >= 1 && n2 <= len(cl2.upvals), "invalid upvalue index")
	cl1.upvals[n1-1] = cl2.upvals[n2-1]
	th.g.objBarrier(cl1, cl1.upvals[n1-1])
}
