package vm

import (
	"errors"
	"fmt"
)

// MultRet asks a call for all its results.
const MultRet = -1

// ---------------------------------------------------------------------------
// Non-local error exits
// ---------------------------------------------------------------------------

// throw is the panic value used to unwind to the nearest protected call,
// the way a long jump would. The error object is on the stack top.
type throw struct {
	status Status
}

// killSignal unwinds a suspended coroutine's goroutine when the coroutine
// is closed or collected. It passes through every protected call.
type killSignal struct{}

// rawRunProtected runs f and converts a thrown error into its status.
// Panics that are not runtime errors are propagated unchanged.
func (th *Thread) rawRunProtected(f func()) (status Status) {
	depth := th.nCcalls - th.ccBase // relative, f may yield
	defer func() {
		if r := recover(); r != nil {
			t, ok := r.(*throw)
			if !ok {
				panic(r)
			}
			th.nCcalls = th.ccBase + depth
			status = t.status
		}
	}()
	f()
	return OK
}

// setErrorObj places the error object for status at stack index oldTop
// and sets the top just above it.
func (th *Thread) setErrorObj(status Status, oldTop int) {
	switch status {
	case ErrMem:
		th.stack[oldTop].val = gcValue(th.g.memErr)
	case ErrErr:
		th.stack[oldTop].val = gcValue(th.g.errErr)
	case OK:
		th.stack[oldTop].val = Nil
	default:
		th.stack[oldTop].val = th.stack[th.top-1].val
	}
	th.top = oldTop + 1
}

// pcall runs f in protected mode. On error it unwinds the call chain,
// closes every upvalue and to-be-closed variable from oldTop up, and
// leaves the error object at oldTop.
func (th *Thread) pcall(f func(), oldTop, ef int) Status {
	oldCI := th.ci
	oldAllowHook := th.allowHook
	oldErrFunc := th.errFunc
	th.errFunc = ef
	status := th.rawRunProtected(f)
	if status != OK {
		th.ci = oldCI
		th.allowHook = oldAllowHook
		status = th.closeProtected(oldTop, status)
		th.setErrorObj(status, oldTop)
		th.shrinkStack()
	}
	th.errFunc = oldErrFunc
	return status
}

// closeProtected closes upvalues and to-be-closed variables down to level
// in protected mode. An error in a close handler replaces the pending one
// and closing goes on with the remaining variables.
func (th *Thread) closeProtected(level int, status Status) Status {
	oldCI := th.ci
	oldAllowHook := th.allowHook
	for {
		st := status
		res := th.rawRunProtected(func() {
			th.closeLevel(level, st, false)
		})
		if res == OK {
			return status
		}
		th.ci = oldCI
		th.allowHook = oldAllowHook
		status = res
	}
}

// ---------------------------------------------------------------------------
// Raising errors
// ---------------------------------------------------------------------------

// TracebackHandler as the message handler of a protected call records a
// traceback in the returned *Error instead of calling a function.
const TracebackHandler = -1

// errorMsg raises the value on the top as a runtime error, calling the
// message handler first when one is installed.
func (th *Thread) errorMsg() {
	if th.errFunc == TracebackHandler {
		th.errTrace = th.Traceback(th.g.errorMessage(th.stack[th.top-1].val), 0)
	} else if th.errFunc != 0 {
		ef := th.errFunc
		th.stack[th.top].val = th.stack[th.top-1].val
		th.stack[th.top-1].val = th.stack[ef].val
		th.top++
		th.callNoYield(th.top-2, 1)
	}
	panic(&throw{status: ErrRun})
}

// runError raises a runtime error with a formatted message, prefixed with
// the source position when raised from a script function.
func (th *Thread) runError(format string, args ...any) {
	g := th.g
	g.checkGC(th)
	msg := fmt.Sprintf(format, args...)
	if ci := th.ci; ci.isLua() {
		msg = th.addInfo(msg, ci)
	}
	th.stack[th.top].val = g.stringValue(msg)
	th.top++
	th.errorMsg()
}

// raiseHost converts an error returned by a host function into a runtime
// error. Errors coming back from a nested protected call keep their
// message.
func (th *Thread) raiseHost(err error) {
	var e *Error
	if errors.As(err, &e) {
		th.errCause = e.cause
		switch {
		case e.Status == ErrMem || e.Status == ErrErr:
			panic(&throw{status: e.Status})
		case !e.Value.isCollectable():
			th.push(e.Value)
		default:
			th.push(th.g.stringValue(e.Message))
		}
	} else {
		th.errCause = err
		th.push(th.g.stringValue(err.Error()))
	}
	th.errorMsg()
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

// tryFuncTM replaces a non-callable value at fn with its __call
// metamethod, shifting the arguments up by one.
func (th *Thread) tryFuncTM(fn int) {
	th.checkStackGC(1)
	tm := th.g.tmByObj(th.stack[fn].val, tmCall)
	if tm.IsNil() {
		th.callError(fn)
	}
	for p := th.top; p > fn; p-- {
		th.stack[p].val = th.stack[p-1].val
	}
	th.top++
	th.stack[fn].val = tm
}

// checkStackGC ensures n free slots, running the collector before growing.
func (th *Thread) checkStackGC(n int) {
	if th.stackLast-th.top <= n {
		th.g.checkGC(th)
		th.growStack(n, true)
	}
}

func (th *Thread) prepCallInfo(fn, nResults int, status uint16, top int) *CallInfo {
	ci := th.nextCI()
	ci.fn = fn
	ci.nResults = nResults
	ci.callStatus = status
	ci.top = top
	ci.trap = false
	th.ci = ci
	return ci
}

// precallGo runs a host function to completion.
func (th *Thread) precallGo(fn int, nResults int, f GoFunction) int {
	th.checkStackGC(MinStack)
	ci := th.prepCallInfo(fn, nResults, cistGo, th.top+MinStack)
	if th.hookMask&MaskCall != 0 {
		narg := th.top - fn - 1
		th.callHook(HookCall, -1, 1, narg)
	}
	n, err := f(th)
	if err != nil {
		th.raiseHost(err)
	}
	th.posCall(ci, n)
	return n
}

// precall prepares the call of the value at fn with its arguments above
// it. Host functions run immediately and precall returns nil; for script
// functions it returns the new CallInfo, ready for the interpreter.
func (th *Thread) precall(fn int, nResults int) *CallInfo {
	for {
		v := th.stack[fn].val
		switch {
		case v.isGoClosure():
			th.precallGo(fn, nResults, v.goClosure().fn)
			return nil
		case v.isLClosure():
			p := v.lclosure().p
			narg := th.top - fn - 1
			th.checkStackGC(p.maxStackSize)
			ci := th.prepCallInfo(fn, nResults, 0, fn+1+p.maxStackSize)
			ci.savedPC = 0
			for ; narg < p.numParams; narg++ {
				th.stack[th.top].val = Nil
				th.top++
			}
			return ci
		default:
			th.tryFuncTM(fn)
		}
	}
}

// pretailcall reuses ci for a tail call of the value at fn with narg1-1
// arguments. delta is the vararg shift of the current frame. It returns
// the number of results of a host function, or -1 for a script function
// that the interpreter must now run.
func (th *Thread) pretailcall(ci *CallInfo, fn, narg1, delta int) int {
	for {
		v := th.stack[fn].val
		switch {
		case v.isGoClosure():
			return th.precallGo(fn, MultRet, v.goClosure().fn)
		case v.isLClosure():
			p := v.lclosure().p
			th.checkStackGC(p.maxStackSize - delta)
			ci.fn -= delta
			for i := 0; i < narg1; i++ {
				th.stack[ci.fn+i].val = th.stack[fn+i].val
			}
			fn = ci.fn
			for ; narg1 <= p.numParams; narg1++ {
				th.stack[fn+narg1].val = Nil
			}
			ci.top = fn + 1 + p.maxStackSize
			ci.savedPC = 0
			ci.callStatus |= cistTail
			th.top = fn + narg1
			return -1
		default:
			th.tryFuncTM(fn)
			narg1++
		}
	}
}

// ccall calls the value at fn from host code, running script functions in
// a fresh interpreter invocation.
func (th *Thread) ccall(fn, nResults int, inc uint32) {
	th.nCcalls += inc
	if th.cCalls() >= th.g.opts.MaxCCalls {
		th.checkStack(0)
		th.checkCStack()
	}
	if ci := th.precall(fn, nResults); ci != nil {
		ci.callStatus = cistFresh
		th.execute(ci)
	}
	th.nCcalls -= inc
}

// call calls the value at fn; errors propagate.
func (th *Thread) call(fn, nResults int) {
	th.ccall(fn, nResults, 1)
}

// callNoYield is call for contexts that cannot yield.
func (th *Thread) callNoYield(fn, nResults int) {
	th.ccall(fn, nResults, nyci)
}

// ---------------------------------------------------------------------------
// Returns
// ---------------------------------------------------------------------------

// Results wanted by a host function with pending to-be-closed variables
// are encoded below MultRet.
func codeNResults(n int) int   { return -n - 3 }
func decodeNResults(n int) int { return -n - 3 }
func hasToCloseGo(n int) bool  { return n < MultRet }

// moveResults moves nres results from the top to res, adjusting them to
// wanted.
func (th *Thread) moveResults(res, nres, wanted int) {
	switch {
	case wanted == 0:
		th.top = res
		return
	case wanted == 1:
		if nres == 0 {
			th.stack[res].val = Nil
		} else {
			th.stack[res].val = th.stack[th.top-nres].val
		}
		th.top = res + 1
		return
	case wanted == MultRet:
		wanted = nres
	case hasToCloseGo(wanted):
		th.closeLevel(res, closeKTop, true)
		if th.hookMask != 0 {
			th.retHook(th.ci, nres)
		}
		wanted = decodeNResults(wanted)
		if wanted == MultRet {
			wanted = nres
		}
	}
	first := th.top - nres
	if nres > wanted {
		nres = wanted
	}
	i := 0
	for ; i < nres; i++ {
		th.stack[res+i].val = th.stack[first+i].val
	}
	for ; i < wanted; i++ {
		th.stack[res+i].val = Nil
	}
	th.top = res + wanted
}

// posCall finishes a call: return hook, results, back to the caller.
func (th *Thread) posCall(ci *CallInfo, nres int) {
	wanted := ci.nResults
	if th.hookMask != 0 && !hasToCloseGo(wanted) {
		th.retHook(ci, nres)
	}
	th.moveResults(ci.fn, nres, wanted)
	th.ci = ci.previous
}

// ---------------------------------------------------------------------------
// Varargs
// ---------------------------------------------------------------------------

// adjustVarargs moves the function and its fixed parameters above the
// actual arguments, so the extra arguments stay below the new frame.
func (th *Thread) adjustVarargs(nfix int, ci *CallInfo, p *Proto) {
	actual := th.top - ci.fn - 1
	nextra := actual - nfix
	ci.nExtraArgs = nextra
	th.checkStack(p.maxStackSize + 1)
	th.stack[th.top].val = th.stack[ci.fn].val
	th.top++
	for i := 1; i <= nfix; i++ {
		th.stack[th.top].val = th.stack[ci.fn+i].val
		th.top++
		th.stack[ci.fn+i].val = Nil
	}
	ci.fn += actual + 1
	ci.top += actual + 1
}

// getVarargs copies wanted extra arguments to where; wanted < 0 copies all.
func (th *Thread) getVarargs(ci *CallInfo, where, wanted int) {
	nextra := ci.nExtraArgs
	if wanted < 0 {
		wanted = nextra
		th.checkStackGC(nextra)
		th.top = where + nextra
	}
	i := 0
	for ; i < wanted && i < nextra; i++ {
		th.stack[where+i].val = th.stack[ci.fn-nextra+i].val
	}
	for ; i < wanted; i++ {
		th.stack[where+i].val = Nil
	}
}
