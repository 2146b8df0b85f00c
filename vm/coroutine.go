package vm

import "fmt"

// ---------------------------------------------------------------------------
// Coroutines
// ---------------------------------------------------------------------------

// Every coroutine runs on its own goroutine. The goroutine and its resumer
// strictly alternate: the resumer blocks until the coroutine yields, ends
// or fails, and a suspended coroutine blocks until it is resumed. So at most
// one goroutine touches a VM at any time, and suspending anywhere, even
// inside nested host calls, preserves the Go stack as the continuation.

type resumeMsg struct {
	nargs int
	kill  bool
}

type yieldMsg struct {
	status Status
	nres   int
	panicV any // a foreign panic forwarded to the resumer
	done   bool
}

type coroutine struct {
	resume chan resumeMsg
	yield  chan yieldMsg
}

// CoStatus is the state of a coroutine as seen from another thread.
type CoStatus int

const (
	CoRunning CoStatus = iota
	CoSuspended
	CoNormal
	CoDead
)

func (s CoStatus) String() string {
	return [...]string{"running", "suspended", "normal", "dead"}[s]
}

// Status returns the thread status: OK, Yield, or the error status that
// killed it.
func (th *Thread) Status() Status { return th.status }

// CoStatus reports the state of co relative to th.
func (th *Thread) CoStatus(co *Thread) CoStatus {
	if th == co {
		return CoRunning
	}
	switch co.status {
	case Yield:
		return CoSuspended
	case OK:
		switch {
		case co.ci != &co.baseCI:
			return CoNormal
		case co.top-1 == 0:
			return CoDead
		default:
			return CoSuspended
		}
	}
	return CoDead
}

// IsYieldable reports whether th can yield now.
func (th *Thread) IsYieldable() bool { return th.yieldable() }

// Resume starts or continues the coroutine th. To start it, push the body
// function and its arguments on th; to continue it, push the values the
// pending yield should return. from is the resuming thread, used to carry
// the nested call count, or nil. Resume returns the status (OK when the
// body returned, Yield when it yielded) and the number of values left on
// th's stack top. On error the error object is on th's top and the
// returned error is an *Error.
func (th *Thread) Resume(from *Thread, nargs int) (Status, int, error) {
	if th.status == OK {
		if th.ci != &th.baseCI {
			return th.resumeError(ErrCannotResume, nargs)
		}
		if th.top-(th.ci.fn+1) == nargs {
			return th.resumeError(ErrDead, nargs)
		}
	} else if th.status != Yield {
		return th.resumeError(ErrDead, nargs)
	}
	if th.g.closed {
		return ErrRun, 0, ErrClosed
	}
	th.nCcalls = 0
	if from != nil {
		th.nCcalls = uint32(from.cCalls())
	}
	if th.cCalls() >= th.g.opts.MaxCCalls {
		return th.resumeError(fmt.Errorf("C stack overflow"), nargs)
	}
	th.nCcalls++
	th.ccBase = th.nCcalls

	g := th.g
	prev := g.cur
	g.cur = th
	var m yieldMsg
	if th.co == nil {
		th.co = &coroutine{resume: make(chan resumeMsg), yield: make(chan yieldMsg)}
		go th.coroutineMain(th.co, nargs)
	} else {
		th.co.resume <- resumeMsg{nargs: nargs}
	}
	m = <-th.co.yield
	g.cur = prev
	if m.done {
		th.co = nil
	}
	if m.panicV != nil {
		panic(m.panicV)
	}

	status := m.status
	switch status {
	case Yield:
		return Yield, m.nres, nil
	case OK:
		return OK, th.top - (th.ci.fn + 1), nil
	}
	th.status = status
	th.setErrorObj(status, th.top)
	th.ci.top = th.top
	return status, 1, th.newError(status, th.stack[th.top-1].val)
}

func (th *Thread) resumeError(err error, nargs int) (Status, int, error) {
	th.top -= nargs
	th.push(th.g.stringValue(err.Error()))
	return ErrRun, 1, err
}

// coroutineMain is the body of a coroutine's goroutine.
func (th *Thread) coroutineMain(co *coroutine, nargs int) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(killSignal); ok {
				co.yield <- yieldMsg{done: true}
				return
			}
			co.yield <- yieldMsg{done: true, panicV: r, status: ErrRun}
		}
	}()
	status := th.rawRunProtected(func() {
		th.ccall(th.top-nargs-1, MultRet, 0)
	})
	co.yield <- yieldMsg{status: status, done: true}
}

// Yield suspends the running coroutine, handing its nresults top values to
// the resumer. Called from a host function it blocks until the coroutine
// is resumed and returns the number of values passed to Resume, now on the
// top of the stack; the host function should return that count. Called
// from a hook, nresults must be 0: the yield happens when the hook returns
// and the interrupted instruction runs again on resume.
func (th *Thread) Yield(nresults int) int {
	if !th.yieldable() {
		if th != th.g.mainThread {
			th.runError("attempt to yield across a C-call boundary")
		}
		th.runError("attempt to yield from outside a coroutine")
	}
	if th.ci.isLua() {
		// inside a hook
		th.status = Yield
		th.hookYield = nresults
		return 0
	}
	return th.suspend(nresults)
}

// suspend hands control back to the resumer and blocks until resumed.
func (th *Thread) suspend(nresults int) int {
	co := th.co
	th.status = Yield
	// the host frames below stay on this goroutine, keep their count on
	// top of the new resumer's
	depth := th.nCcalls - th.ccBase
	co.yield <- yieldMsg{status: Yield, nres: nresults}
	msg := <-co.resume
	if msg.kill {
		panic(killSignal{})
	}
	th.nCcalls = th.ccBase + depth
	th.status = OK
	return msg.nargs
}

// killCoroutine stops the goroutine of a suspended coroutine without
// running anything on the VM.
func (th *Thread) killCoroutine() {
	co := th.co
	if co == nil || th.status != Yield {
		return
	}
	th.co = nil
	co.resume <- resumeMsg{kill: true}
	<-co.yield
}

// CloseThread closes a coroutine: its goroutine is stopped, pending
// to-be-closed variables run, and the thread is reset so it can be reused.
// It returns the status of the closing (the original error status for a
// thread that died with an error, unless a close handler failed). The
// error reported is the object on the thread's top: a failed Resume of a
// dead thread pushes its own message there, which then replaces the error
// the thread died with.
func (th *Thread) CloseThread(from *Thread) (Status, error) {
	th.killCoroutine()
	th.nCcalls = 0
	if from != nil {
		th.nCcalls = uint32(from.cCalls())
	}
	g := th.g
	prev := g.cur
	g.cur = th
	status := th.resetThread(th.status)
	g.cur = prev
	if status != OK {
		return status, th.newError(status, th.stack[th.top-1].val)
	}
	return OK, nil
}
