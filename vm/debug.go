package vm

import (
	"fmt"
	"sort"
	"strings"
)

// ---------------------------------------------------------------------------
// Hooks
// ---------------------------------------------------------------------------

// HookEvent identifies why a hook was called.
type HookEvent int

const (
	HookCall HookEvent = iota
	HookRet
	HookLine
	HookCount
	HookTailCall
)

func (e HookEvent) String() string {
	return [...]string{"call", "return", "line", "count", "tail call"}[e]
}

// HookMask selects the events a hook receives.
type HookMask uint8

const (
	MaskCall HookMask = 1 << iota
	MaskRet
	MaskLine
	MaskCount
)

// Hook is a debug hook. It runs on the thread that triggered it with
// further hooks disabled. Line and count hooks on a coroutine may yield
// with no results.
type Hook func(t *Thread, ar *Debug)

// SetHook installs hook for the events in mask. With MaskCount the hook is
// called every count instructions. A nil hook or an empty mask turns
// hooks off.
func (th *Thread) SetHook(hook Hook, mask HookMask, count int) {
	if hook == nil || mask == 0 {
		hook, mask = nil, 0
	}
	th.hook = hook
	th.baseHookCount = count
	th.resetHookCount()
	th.hookMask = mask
	if mask != 0 {
		for ci := th.ci; ci != nil; ci = ci.previous {
			if ci.isLua() {
				ci.trap = true
			}
		}
	}
}

// GetHook returns the installed hook, its mask and count.
func (th *Thread) GetHook() (Hook, HookMask, int) {
	return th.hook, th.hookMask, th.baseHookCount
}

func (th *Thread) resetHookCount() { th.hookCount = th.baseHookCount }

// callHook calls the hook for event in the current frame. The frame's
// registers are protected and at least MinStack slots are free for the
// hook.
func (th *Thread) callHook(event HookEvent, line, fTransfer, nTransfer int) {
	hook := th.hook
	if hook == nil || !th.allowHook {
		return
	}
	mask := uint16(cistHooked)
	ci := th.ci
	top, ciTop := th.top, ci.top
	ar := &Debug{Event: event, CurrentLine: line, ci: ci}
	if nTransfer != 0 {
		mask |= cistTransfer
		ci.fTransfer = fTransfer
		ci.nTransfer = nTransfer
	}
	if ci.isLua() && th.top < ci.top {
		th.top = ci.top
	}
	th.checkStack(MinStack)
	if ci.top < th.top+MinStack {
		ci.top = th.top + MinStack
	}
	th.allowHook = false
	ci.callStatus |= mask
	hook(th, ar)
	if th.status == Yield && event != HookLine && event != HookCount {
		// only line and count hooks can suspend the thread
		th.status = OK
		th.hookYield = -1
	}
	th.allowHook = true
	ci.top = ciTop
	th.top = top
	ci.callStatus &^= mask
}

// hookCall runs the call hook on entry to a script function.
func (th *Thread) hookCall(ci *CallInfo) {
	th.oldPC = 0
	if th.hookMask&MaskCall == 0 {
		return
	}
	event := HookCall
	if ci.callStatus&cistTail != 0 {
		event = HookTailCall
	}
	p := th.ciLClosure(ci).p
	ci.savedPC++
	th.callHook(event, -1, 1, p.numParams)
	ci.savedPC--
}

// retHook runs the return hook for ci, whose nres results are on the top,
// and resynchronizes the line tracking of the caller.
func (th *Thread) retHook(ci *CallInfo, nres int) {
	if th.hookMask&MaskRet != 0 {
		firstRes := th.top - nres
		delta := 0
		if ci.isLua() {
			if p := th.ciLClosure(ci).p; p.isVararg {
				delta = ci.nExtraArgs + p.numParams + 1
			}
		}
		ci.fn += delta
		th.callHook(HookRet, -1, firstRes-ci.fn, nres)
		ci.fn -= delta
	}
	if prev := ci.previous; prev != nil && prev.isLua() {
		th.oldPC = currentPC(prev)
	}
}

// traceExec runs the count and line hooks before the instruction at pc.
// When a hook yields, the instruction runs after the coroutine is resumed.
func (th *Thread) traceExec(ci *CallInfo, pc int) {
	mask := th.hookMask
	if mask&(MaskLine|MaskCount) == 0 {
		ci.trap = false
		return
	}
	ci.savedPC = pc + 1
	counted := false
	if mask&MaskCount != 0 {
		th.hookCount--
		counted = th.hookCount == 0
	}
	if counted {
		th.resetHookCount()
	} else if mask&MaskLine == 0 {
		return
	}
	if ci.callStatus&cistHookYield != 0 {
		ci.callStatus &^= cistHookYield
		return
	}
	p := th.ciLClosure(ci).p
	if !isIT(p.code[pc]) {
		th.top = ci.top
	}
	if counted {
		th.callHook(HookCount, -1, 0, 0)
	}
	if mask&MaskLine != 0 {
		oldPC := th.oldPC
		if oldPC >= len(p.code) {
			oldPC = 0
		}
		if pc <= oldPC || p.changedLine(oldPC, pc) {
			th.callHook(HookLine, p.getLine(pc), 0, 0)
		}
		th.oldPC = pc
	}
	if th.status == Yield {
		if counted {
			th.hookCount = 1
		}
		ci.savedPC = pc
		ci.callStatus |= cistHookYield
		nres := th.hookYield
		th.hookYield = -1
		top := th.top
		th.suspend(nres)
		th.top = top
		ci.callStatus &^= cistHookYield
	}
}

// changedLine reports whether instructions oldPC and newPC are on
// different lines.
func (p *Proto) changedLine(oldPC, newPC int) bool {
	if p.lineInfo == nil {
		return false
	}
	if newPC-oldPC < maxIWthAbs/2 {
		delta := 0
		for pc := oldPC + 1; ; pc++ {
			li := p.lineInfo[pc]
			if li == absLineInfo {
				break
			}
			delta += int(li)
			if pc == newPC {
				return delta != 0
			}
		}
	}
	return p.getLine(oldPC) != p.getLine(newPC)
}

// currentPC is the index of the instruction ci is executing.
func currentPC(ci *CallInfo) int { return ci.savedPC - 1 }

func (th *Thread) currentLine(ci *CallInfo) int {
	return th.ciLClosure(ci).p.getLine(currentPC(ci))
}

// ---------------------------------------------------------------------------
// Activation records
// ---------------------------------------------------------------------------

// Debug describes an active function or a hook event. GetInfo fills the
// fields selected by its option string.
type Debug struct {
	Event           HookEvent
	Name            string // 'n'
	NameWhat        string // 'n': "global", "local", "method", "field", "upvalue", "metamethod", "for iterator", "hook" or ""
	What            string // 'S': "Lua", "Go" or "main"
	Source          string // 'S'
	ShortSrc        string // 'S'
	CurrentLine     int    // 'l'
	LineDefined     int    // 'S'
	LastLineDefined int    // 'S'
	NUps            int    // 'u'
	NParams         int    // 'u'
	IsVararg        bool   // 'u'
	IsTailCall      bool   // 't'
	FTransfer       int    // 'r'
	NTransfer       int    // 'r'
	ActiveLines     []int  // 'L'

	ci *CallInfo
}

// GetStack returns the activation record of the function running at
// level: 0 is the current function, n+1 the one that called level n.
func (th *Thread) GetStack(level int) (*Debug, bool) {
	if level < 0 {
		return nil, false
	}
	ci := th.ci
	for ; level > 0 && ci != &th.baseCI; ci = ci.previous {
		level--
	}
	if level != 0 || ci == &th.baseCI {
		return nil, false
	}
	return &Debug{ci: ci}, true
}

// GetInfo fills ar according to what:
//
//	n  Name, NameWhat
//	S  Source, ShortSrc, What, LineDefined, LastLineDefined
//	l  CurrentLine
//	t  IsTailCall
//	u  NUps, NParams, IsVararg
//	r  FTransfer, NTransfer
//	L  ActiveLines
//	f  pushes the function
//
// With a leading '>' the function is popped from the stack instead of
// taken from ar. An unknown option is an error.
func (th *Thread) GetInfo(what string, ar *Debug) error {
	var ci *CallInfo
	var fn Value
	if strings.HasPrefix(what, ">") {
		fn = th.stack[th.top-1].val
		if !fn.IsFunction() {
			return fmt.Errorf("function expected")
		}
		what = what[1:]
		th.top--
	} else {
		ci = ar.ci
		fn = th.stack[ci.fn].val
	}
	var cl *LClosure
	if fn.isLClosure() {
		cl = fn.lclosure()
	}
	var bad error
	for _, c := range what {
		switch c {
		case 'S':
			funcInfo(ar, cl)
		case 'l':
			ar.CurrentLine = -1
			if ci != nil && ci.isLua() {
				ar.CurrentLine = th.currentLine(ci)
			}
		case 'u':
			switch {
			case cl != nil:
				ar.NUps = len(cl.upvals)
				ar.IsVararg = cl.p.isVararg
				ar.NParams = cl.p.numParams
			case fn.isGoClosure():
				ar.NUps = len(fn.goClosure().upvalues)
				ar.IsVararg, ar.NParams = true, 0
			default:
				ar.NUps = 0
				ar.IsVararg, ar.NParams = true, 0
			}
		case 't':
			ar.IsTailCall = ci != nil && ci.callStatus&cistTail != 0
		case 'n':
			ar.NameWhat, ar.Name = th.funcName(ci)
		case 'r':
			ar.FTransfer, ar.NTransfer = 0, 0
			if ci != nil && ci.callStatus&cistTransfer != 0 {
				ar.FTransfer, ar.NTransfer = ci.fTransfer, ci.nTransfer
			}
		case 'L':
			ar.ActiveLines = activeLines(cl)
		case 'f':
		default:
			bad = fmt.Errorf("invalid option %q", c)
		}
	}
	if strings.ContainsRune(what, 'f') {
		th.push(fn)
	}
	return bad
}

func funcInfo(ar *Debug, cl *LClosure) {
	if cl == nil {
		ar.Source = "=[Go]"
		ar.LineDefined, ar.LastLineDefined = -1, -1
		ar.What = "Go"
	} else {
		p := cl.p
		ar.Source = p.source
		if ar.Source == "" {
			ar.Source = "=?"
		}
		ar.LineDefined, ar.LastLineDefined = p.lineDefined, p.lastLineDefined
		ar.What = "Lua"
		if p.lineDefined == 0 {
			ar.What = "main"
		}
	}
	ar.ShortSrc = chunkID(ar.Source)
}

// activeLines lists the lines holding code, in increasing order.
func activeLines(cl *LClosure) []int {
	if cl == nil || cl.p.lineInfo == nil {
		return nil
	}
	p := cl.p
	seen := make(map[int]bool)
	line := p.lineDefined
	i := 0
	if p.isVararg {
		// the vararg adjustment is not a line of its own
		line = nextLine(p, line, 0)
		i = 1
	}
	for ; i < len(p.lineInfo); i++ {
		line = nextLine(p, line, i)
		seen[line] = true
	}
	lines := make([]int, 0, len(seen))
	for l := range seen {
		lines = append(lines, l)
	}
	sort.Ints(lines)
	return lines
}

func nextLine(p *Proto, line, pc int) int {
	if p.lineInfo[pc] != absLineInfo {
		return line + int(p.lineInfo[pc])
	}
	return p.getLine(pc)
}

// ---------------------------------------------------------------------------
// Local variables
// ---------------------------------------------------------------------------

// findLocal names local n of the function running in ci and returns its
// stack index. Negative n selects varargs. It returns "" when there is no
// such local.
func (th *Thread) findLocal(ci *CallInfo, n int) (string, int) {
	base := ci.fn + 1
	name := ""
	if ci.isLua() {
		if n < 0 {
			return th.findVararg(ci, n)
		}
		name = th.ciLClosure(ci).p.localName(n, currentPC(ci))
	}
	if name == "" {
		limit := th.top
		if ci != th.ci {
			limit = ci.next.fn
		}
		if limit-base < n || n <= 0 {
			return "", 0
		}
		name = "(temporary)"
		if !ci.isLua() {
			name = "(Go temporary)"
		}
	}
	return name, base + n - 1
}

func (th *Thread) findVararg(ci *CallInfo, n int) (string, int) {
	if th.ciLClosure(ci).p.isVararg {
		nextra := ci.nExtraArgs
		if n >= -nextra {
			return "(vararg)", ci.fn - nextra - (n + 1)
		}
	}
	return "", 0
}

// GetLocal pushes local n of the function of ar and returns its name. With
// a nil ar it names the parameters of the function on the top without
// pushing anything. It returns "" for no such local.
func (th *Thread) GetLocal(ar *Debug, n int) string {
	if ar == nil {
		fn := th.stack[th.top-1].val
		if !fn.isLClosure() {
			return ""
		}
		return fn.lclosure().p.localName(n, 0)
	}
	name, pos := th.findLocal(ar.ci, n)
	if name != "" {
		th.push(th.stack[pos].val)
	}
	return name
}

// SetLocal pops the top value into local n of the function of ar and
// returns the local's name, or "" (popping nothing) when it does not exist.
func (th *Thread) SetLocal(ar *Debug, n int) string {
	name, pos := th.findLocal(ar.ci, n)
	if name != "" {
		th.stack[pos].val = th.stack[th.top-1].val
		th.top--
	}
	return name
}

// ---------------------------------------------------------------------------
// Source names and tracebacks
// ---------------------------------------------------------------------------

const idSize = 60

// chunkID formats a chunk name for messages: "=name" verbatim, "@file"
// keeping its tail, anything else as [string "..."].
func chunkID(source string) string {
	switch {
	case strings.HasPrefix(source, "="):
		if len(source) <= idSize {
			return source[1:]
		}
		return source[1:idSize]
	case strings.HasPrefix(source, "@"):
		if len(source) <= idSize {
			return source[1:]
		}
		return "..." + source[len(source)-(idSize-4):]
	}
	const pre, rets, pos = `[string "`, "...", `"]`
	room := idSize - len(pre) - len(rets) - len(pos) - 1
	nl := strings.IndexByte(source, '\n')
	if len(source) < room && nl < 0 {
		return pre + source + pos
	}
	if nl >= 0 {
		source = source[:nl]
	}
	if len(source) > room {
		source = source[:room]
	}
	return pre + source + rets + pos
}

const (
	levels1 = 10 // levels shown from the top of long tracebacks
	levels2 = 11 // and from the bottom
)

// Traceback renders the call stack of th from level on, preceded by msg
// when it is not empty.
func (th *Thread) Traceback(msg string, level int) string {
	var sb strings.Builder
	if msg != "" {
		sb.WriteString(msg)
		sb.WriteByte('\n')
	}
	sb.WriteString("stack traceback:")
	last := th.StackDepth() - 1
	limit := -1
	if last-level > levels1+levels2 {
		limit = levels1
	}
	for {
		ar, ok := th.GetStack(level)
		if !ok {
			break
		}
		level++
		if limit == 0 {
			n := last - level - levels2 + 1
			fmt.Fprintf(&sb, "\n\t...\t(skipping %d levels)", n)
			level += n
			limit--
			continue
		}
		limit--
		th.GetInfo("Slnt", ar)
		if ar.CurrentLine <= 0 {
			fmt.Fprintf(&sb, "\n\t%s: in ", ar.ShortSrc)
		} else {
			fmt.Fprintf(&sb, "\n\t%s:%d: in ", ar.ShortSrc, ar.CurrentLine)
		}
		switch {
		case ar.NameWhat != "":
			fmt.Fprintf(&sb, "%s '%s'", ar.NameWhat, ar.Name)
		case ar.What == "main":
			sb.WriteString("main chunk")
		case ar.What != "Go":
			fmt.Fprintf(&sb, "function <%s:%d>", ar.ShortSrc, ar.LineDefined)
		default:
			sb.WriteString("?")
		}
		if ar.IsTailCall {
			sb.WriteString("\n\t(...tail calls...)")
		}
	}
	return sb.String()
}

// StackDepth counts the active calls of th.
func (th *Thread) StackDepth() int {
	n := 0
	for ci := th.ci; ci != &th.baseCI; ci = ci.previous {
		n++
	}
	return n
}
