package vm

// ---------------------------------------------------------------------------
// Closures
// ---------------------------------------------------------------------------

// GoFunction is a host function callable from scripts. Arguments are on the
// thread's stack starting at index 1; the function pushes its results and
// returns how many there are. A non-nil error is raised as a runtime error
// in the caller.
type GoFunction func(t *Thread) (int, error)

// LClosure is a script closure: a prototype plus its captured upvalues.
type LClosure struct {
	gcHeader
	p      *Proto
	upvals []*UpVal
}

// GoClosure is a host function with value upvalues.
type GoClosure struct {
	gcHeader
	fn       GoFunction
	upvalues []Value
}

func (g *VM) newLClosure(p *Proto) *LClosure {
	cl := &LClosure{p: p, upvals: make([]*UpVal, len(p.upvalues))}
	g.linkObject(cl, vLClosure, sizeLClosure+len(p.upvalues)*8)
	return cl
}

func (g *VM) newGoClosure(fn GoFunction, n int) *GoClosure {
	cl := &GoClosure{fn: fn, upvalues: make([]Value, n)}
	g.linkObject(cl, vGoClos, sizeGoClosure+n*sizeValue)
	return cl
}

// initUpvals fills a closure with fresh closed upvalues holding nil.
func (g *VM) initUpvals(cl *LClosure) {
	for i := range cl.upvals {
		uv := &UpVal{}
		g.linkObject(uv, vUpval, sizeUpval)
		cl.upvals[i] = uv
		g.objBarrier(cl, uv)
	}
}

// ---------------------------------------------------------------------------
// Upvalues
// ---------------------------------------------------------------------------

// UpVal is a captured variable. While open it refers to a stack slot of its
// thread by index, so stack reallocation never invalidates it. Closing
// copies the slot into value.
type UpVal struct {
	gcHeader
	th    *Thread
	level int
	value Value
	next  *UpVal // open list, decreasing level
	prev  *UpVal
}

func (uv *UpVal) isOpen() bool { return uv.th != nil }

// get returns the current value of the upvalue.
func (uv *UpVal) get() Value {
	if uv.th != nil {
		return uv.th.stack[uv.level].val
	}
	return uv.value
}

// set stores v in the upvalue. The caller issues the write barrier.
func (uv *UpVal) set(v Value) {
	if uv.th != nil {
		uv.th.stack[uv.level].val = v
	} else {
		uv.value = v
	}
}

// unlinkOpen removes an open upvalue from its thread's list.
func (uv *UpVal) unlinkOpen() {
	if uv.prev == nil {
		uv.th.openUpval = uv.next
	} else {
		uv.prev.next = uv.next
	}
	if uv.next != nil {
		uv.next.prev = uv.prev
	}
	uv.next, uv.prev = nil, nil
	uv.th = nil
}

// findUpval returns the open upvalue for stack index level, creating it
// when no closure has captured that slot yet. Every closure capturing the
// same slot gets the same UpVal.
func (th *Thread) findUpval(level int) *UpVal {
	var prev *UpVal
	p := th.openUpval
	for ; p != nil && p.level >= level; p = p.next {
		if p.level == level {
			return p
		}
		prev = p
	}
	g := th.g
	uv := &UpVal{th: th, level: level, prev: prev, next: p}
	g.linkObject(uv, vUpval, sizeUpval)
	if p != nil {
		p.prev = uv
	}
	if prev == nil {
		th.openUpval = uv
	} else {
		prev.next = uv
	}
	if !th.inTwups() {
		th.twups = g.twups
		g.twups = th
	}
	return uv
}

// closeUpvals closes every open upvalue at or above level. Closing an
// already closed range is a no-op.
func (th *Thread) closeUpvals(level int) {
	g := th.g
	for uv := th.openUpval; uv != nil && uv.level >= level; uv = th.openUpval {
		v := th.stack[uv.level].val
		uv.unlinkOpen()
		uv.value = v
		if !uv.isWhite() {
			// open upvalues are kept gray; a closed one must be black
			uv.nw2black()
			g.barrier(uv, v)
		}
	}
}

// ---------------------------------------------------------------------------
// To-be-closed variables
// ---------------------------------------------------------------------------

// maxTBCDelta is the largest distance between two entries of the
// to-be-closed list; longer gaps are bridged by zero-delta filler entries.
const maxTBCDelta = 1<<16 - 1

// closeKTop is the pseudo status used when closing variables on a normal
// block exit: the close handler gets nil as error.
const closeKTop Status = -1

// newTBC registers the value at stack index level as a to-be-closed
// variable. False and nil need no closing.
func (th *Thread) newTBC(level int) {
	v := th.stack[level].val
	if v.isFalse() {
		return
	}
	if th.g.tmByObj(v, tmClose).IsNil() {
		name, _ := th.findLocal(th.ci, level-th.ci.fn)
		if name == "" {
			name = "?"
		}
		th.runError("variable '%s' got a non-closable value", name)
	}
	for level-th.tbcList > maxTBCDelta {
		th.tbcList += maxTBCDelta
		th.stack[th.tbcList].tbcDelta = 0
	}
	th.stack[level].tbcDelta = uint16(level - th.tbcList)
	th.tbcList = level
}

// popTBC removes the newest entry of the list, skipping filler entries.
func (th *Thread) popTBC() {
	tbc := th.tbcList
	tbc -= int(th.stack[tbc].tbcDelta)
	for tbc > 0 && th.stack[tbc].tbcDelta == 0 {
		tbc -= maxTBCDelta
	}
	th.tbcList = tbc
}

// tbcLevels returns the stack indices of the pending to-be-closed
// variables, newest first.
func (th *Thread) tbcLevels() []int {
	var out []int
	save := th.tbcList
	for th.tbcList > 0 {
		out = append(out, th.tbcList)
		th.popTBC()
	}
	th.tbcList = save
	return out
}

// closeLevel closes upvalues and runs the close handlers of every
// to-be-closed variable at or above level, newest first. status selects
// the error object passed to handlers: nil for closeKTop, the pending error
// otherwise. yieldable reports whether handlers may yield.
func (th *Thread) closeLevel(level int, status Status, yieldable bool) {
	th.closeUpvals(level)
	for th.tbcList >= level && th.tbcList > 0 {
		tbc := th.tbcList
		th.popTBC()
		th.callCloseMethod(tbc, status, yieldable)
	}
}

func (th *Thread) callCloseMethod(level int, status Status, yieldable bool) {
	var errObj Value
	if status != closeKTop {
		th.setErrorObj(status, level+1)
		errObj = th.stack[level+1].val
	}
	obj := th.stack[level].val
	tm := th.g.tmByObj(obj, tmClose)
	top := th.top
	th.stack[top].val = tm
	th.stack[top+1].val = obj
	th.stack[top+2].val = errObj
	th.top = top + 3
	if yieldable {
		th.call(top, 0)
	} else {
		th.callNoYield(top, 0)
	}
}
