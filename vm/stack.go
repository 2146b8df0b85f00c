package vm

// ---------------------------------------------------------------------------
// Stack layout
// ---------------------------------------------------------------------------

// MinStack is the number of free slots guaranteed to a host function.
const MinStack = 20

const (
	basicStackSize = 2 * MinStack
	// extraStack slots above stackLast let metamethod and hook calls push
	// their arguments without checking.
	extraStack = 5
	// errorStackExtra slots are added past the limit to handle a stack
	// overflow error.
	errorStackExtra = 200
)

// stackValue is one stack slot. tbcDelta links the to-be-closed list: the
// distance down to the previous entry.
type stackValue struct {
	val      Value
	tbcDelta uint16
}

// CallInfo status bits.
const (
	cistOAH       = 1 << iota // original value of allowHook
	cistGo                    // call is running a host function
	cistFresh                 // call is on a fresh interpreter invocation
	cistHooked                // call is running a debug hook
	cistYPCall                // doing a yieldable protected call
	cistTail                  // call was tail called
	cistHookYield             // last hook called yielded
	cistFin                   // function called a finalizer
	cistTransfer              // ci has transfer information
)

// CallInfo is the activation record of one call. Every reference into the
// stack is an index, so reallocating the stack leaves CallInfos valid.
type CallInfo struct {
	fn       int // stack index of the called function
	top      int // first slot above the frame
	previous *CallInfo
	next     *CallInfo

	// script calls
	savedPC    int
	trap       bool
	nExtraArgs int

	nResults   int
	callStatus uint16

	// values transferred by call and return hooks
	fTransfer int
	nTransfer int
}

func (ci *CallInfo) isLua() bool { return ci.callStatus&cistGo == 0 }

func (th *Thread) ciFunc(ci *CallInfo) Value { return th.stack[ci.fn].val }

// ciLClosure returns the running script closure; ci must be a script call.
func (th *Thread) ciLClosure(ci *CallInfo) *LClosure {
	return th.stack[ci.fn].val.lclosure()
}

// ---------------------------------------------------------------------------
// Growth and relocation
// ---------------------------------------------------------------------------

// stackSize is the usable size, excluding the extra slots.
func (th *Thread) stackSize() int { return th.stackLast }

func (th *Thread) stackInit() {
	th.stack = make([]stackValue, basicStackSize+extraStack)
	th.g.resize(th, th.size+len(th.stack)*sizeValue)
	th.tbcList = 0
	th.stackLast = basicStackSize
	ci := &th.baseCI
	ci.next, ci.previous = nil, nil
	ci.callStatus = cistGo
	ci.fn = 0
	ci.nResults = 0
	th.top = 1
	ci.top = th.top + MinStack
	th.ci = ci
}

// reallocStack moves the stack into a new array of newSize usable slots.
// Frames, upvalues and the to-be-closed list hold indices, so nothing needs
// rewriting; the copy is the whole relocation.
func (th *Thread) reallocStack(newSize int, raiseError bool) {
	n := newSize + extraStack
	ns := make([]stackValue, n)
	copy(ns, th.stack)
	th.g.resize(th, th.size+(n-len(th.stack))*sizeValue)
	th.stack = ns
	th.stackLast = newSize
}

// growStack makes room for n more slots above top. Past the maximum size it
// grows once more into a reserved error zone and raises "stack overflow";
// overflowing the error zone is an error in error handling.
func (th *Thread) growStack(n int, raiseError bool) bool {
	max := th.g.opts.MaxStack
	size := th.stackSize()
	if size > max {
		if raiseError {
			th.errErr()
		}
		return false
	}
	if n < max {
		newSize := 2 * size
		needed := th.top + n
		if newSize > max {
			newSize = max
		}
		if newSize < needed {
			newSize = needed
		}
		if newSize <= max {
			th.reallocStack(newSize, raiseError)
			return true
		}
	}
	th.reallocStack(max+errorStackExtra, raiseError)
	if raiseError {
		th.runError("stack overflow")
	}
	return false
}

// checkStack ensures n free slots above top.
func (th *Thread) checkStack(n int) {
	if th.stackLast-th.top <= n {
		th.growStack(n, true)
	}
}

// stackInUse is the highest slot referenced by any frame.
func (th *Thread) stackInUse() int {
	lim := th.top
	for ci := th.ci; ci != nil; ci = ci.previous {
		if lim < ci.top {
			lim = ci.top
		}
	}
	res := lim + 1
	if res < MinStack {
		res = MinStack
	}
	return res
}

// shrinkStack releases stack space unused since a deep recursion, and trims
// the CallInfo chain. Called by the collector.
func (th *Thread) shrinkStack() {
	max := th.g.opts.MaxStack
	inUse := th.stackInUse()
	limit := inUse * 3
	if inUse > max/3 {
		limit = max
	}
	if inUse <= max && th.stackSize() > limit {
		nsize := inUse * 2
		if inUse > max/2 {
			nsize = max
		}
		th.reallocStack(nsize, false)
	}
	th.shrinkCI()
}

// push stores v at the top and increments it. Callers guarantee room.
func (th *Thread) push(v Value) {
	th.stack[th.top].val = v
	th.top++
}
