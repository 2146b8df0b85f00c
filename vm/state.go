package vm

import (
	"hash/maphash"
	"math/rand/v2"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

const maxInt = int(^uint(0) >> 1)

// Registry slots.
const (
	RegistryIndexMainThread = 1
	RegistryIndexGlobals    = 2
)

// ---------------------------------------------------------------------------
// VM: state shared by all threads of one runtime instance
// ---------------------------------------------------------------------------

// WarnFunc receives warning messages. A message may arrive in pieces; toCont
// is true for every piece except the last.
type WarnFunc func(msg string, toCont bool)

// VM is one runtime instance: the heap, the string table, the registry,
// per-type metatables and collector state shared by all its threads. A VM
// is not safe for concurrent use; independent VMs are fully isolated.
type VM struct {
	id   uuid.UUID
	opts Options

	// memory accounting: real bytes in use are totalBytes - debt
	totalBytes int64
	debt       int64
	allocLimit int64
	gcEstimate int64
	census     census

	strt        stringTable
	maxShortLen int
	hashSeed    maphash.Seed

	registry *Table
	mt       [numTypes]*Table
	tmName   [tmN]*String
	nameKey  *String
	memErr   *String
	errErr   *String

	mainThread *Thread
	cur        *Thread // thread currently running
	twups      *Thread // threads with open upvalues

	gcState      uint8
	gcKind       uint8
	gcStp        uint8
	gcStopEm     bool
	gcEmergency  bool
	currentWhite uint8
	gcPause      int
	gcStepMul    int
	gcStepSize   int
	genMinorMul  int
	genMinorMaj  int
	genMajorMin  int
	genBase      int64
	genBadMajor  bool

	allgc     GCObject
	finobj    GCObject
	tobefnz   GCObject
	fixedgc   GCObject
	sweepGC   *GCObject
	firstOld  GCObject
	finobjOld GCObject
	gray      []GCObject
	grayAgain []GCObject
	weak      []*Table
	ephemeron []*Table
	allWeak   []*Table
	keepGray  []GCObject

	stats GCStats

	warnf       WarnFunc
	warnBuf     strings.Builder
	warnOff     bool
	closed      bool
	interrupted atomic.Bool
}

// NewVM creates a runtime instance with its main thread.
func NewVM(opts Options) *VM {
	opts.applyDefaults()
	g := &VM{
		id:          uuid.New(),
		opts:        opts,
		maxShortLen: opts.MaxShortLen,
		hashSeed:    maphash.MakeSeed(),
		allocLimit:  opts.AllocLimit,
		gcPause:     opts.Pause,
		gcStepMul:   opts.StepMul,
		gcStepSize:  opts.StepSize,
		genMinorMul: opts.MinorMul,
		genMinorMaj: opts.MinorMajor,
		genMajorMin: opts.MajorMinor,
	}
	seed := opts.Seed
	if seed == 0 {
		seed = rand.Uint32()
	}
	g.currentWhite = 1 << white0Bit
	g.gcState = gcsPause
	g.gcKind = kgcInc
	g.gcStp = gcStopInternal
	g.warnf = g.defaultWarn

	L := &Thread{g: g}
	L.tt = vThread
	L.marked = g.currentWhite
	L.size = sizeThread
	g.totalBytes = sizeThread
	g.census.record(vThread, sizeThread)
	g.allgc = L // the only object so far; sweeps never free it
	g.mainThread = L
	g.cur = L
	L.preinit()
	L.nCcalls = nnyUnit // main thread is never yieldable
	L.stackInit()

	g.strt.init(seed)
	g.memErr = g.internShort(memErrMsg)
	g.fixObject(g.memErr)
	g.errErr = g.internShort(errErrMsg)
	g.fixObject(g.errErr)
	g.initTMs()

	g.registry = g.newTable()
	L.tableSetInt(g.registry, RegistryIndexMainThread, gcValue(L))
	L.tableSetInt(g.registry, RegistryIndexGlobals, gcValue(g.newTable()))

	g.gcStp = 0
	if opts.GCMode == ModeGenerational {
		g.changeMode(kgcGen)
	}
	g.setPause()
	log.Infof("vm %s: created (gc %s, pause %d, stepmul %d)", g.id, opts.GCMode, g.gcPause, g.gcStepMul)
	return g
}

// ID returns the instance id used in logs and reports.
func (g *VM) ID() uuid.UUID { return g.id }

// MainThread returns the thread created with the VM.
func (g *VM) MainThread() *Thread { return g.mainThread }

// Options returns the options the VM was created with.
func (g *VM) Options() Options { return g.opts }

// Globals returns the table of global variables.
func (g *VM) Globals() *Table {
	return g.tableGetInt(g.registry, RegistryIndexGlobals).table()
}

// Close runs pending to-be-closed variables of the main thread, calls every
// pending finalizer and frees all objects. Closing twice is a no-op.
func (g *VM) Close() {
	if g.closed {
		return
	}
	L := g.mainThread
	g.cur = L
	L.ci = &L.baseCI
	L.nCcalls = nnyUnit
	L.errFunc = 0
	L.baseCI.fn = 0
	L.baseCI.callStatus = cistGo
	L.status = OK
	L.closeProtected(1, OK)
	g.freeAllObjects()
	g.closed = true
	log.Infof("vm %s: closed", g.id)
}

// ---------------------------------------------------------------------------
// Memory accounting
// ---------------------------------------------------------------------------

// setDebt sets the allocation credit left before the next collector step,
// keeping totalBytes - debt unchanged.
func (g *VM) setDebt(debt int64) {
	tb := g.totalBytes - g.debt
	const maxLMem = int64(^uint64(0) >> 1)
	if debt > maxLMem-tb {
		debt = maxLMem - tb
	}
	g.totalBytes = tb + debt
	g.debt = debt
}

// TotalBytes returns the number of accounted bytes in use.
func (g *VM) TotalBytes() int64 { return g.totalBytes - g.debt }

// Debt returns the allocation credit left before the collector runs again.
// Zero or negative means a step is due.
func (g *VM) Debt() int64 { return g.debt }

// SetAllocLimit sets a ceiling on accounted bytes. Allocations that would
// exceed it first try an emergency collection and then fail with a memory
// error. Zero removes the limit.
func (g *VM) SetAllocLimit(limit int64) { g.allocLimit = limit }

// allocate accounts for size new bytes.
func (g *VM) allocate(size int) {
	if g.allocLimit > 0 && g.TotalBytes()+int64(size) > g.allocLimit {
		if g.canTryAgain() {
			log.Noticef("vm %s: emergency collection (%d bytes requested)", g.id, size)
			g.fullGC(true)
		}
		if g.TotalBytes()+int64(size) > g.allocLimit {
			g.memError()
		}
	}
	g.debt -= int64(size)
}

// canTryAgain reports whether an emergency collection may run now: never
// while one is building (gcStopEm) or while the collector is mid-cycle on
// behalf of another collection.
func (g *VM) canTryAgain() bool {
	return g.gcStp&gcStopInternal == 0 && !g.gcStopEm && g.mainThread != nil && g.allgc != nil
}

// memError raises the out-of-memory error using the preallocated message.
func (g *VM) memError() {
	panic(&throw{status: ErrMem})
}

// ---------------------------------------------------------------------------
// Warnings
// ---------------------------------------------------------------------------

// SetWarnFunc installs the warning receiver; nil restores the default,
// which logs complete messages. The default understands the control
// messages "@on" and "@off".
func (g *VM) SetWarnFunc(f WarnFunc) {
	if f == nil {
		f = g.defaultWarn
	}
	g.warnf = f
}

// Warn emits a warning piece.
func (g *VM) Warn(msg string, toCont bool) {
	g.warnf(msg, toCont)
}

func (g *VM) defaultWarn(msg string, toCont bool) {
	if g.warnBuf.Len() == 0 && !toCont && strings.HasPrefix(msg, "@") {
		switch msg {
		case "@on":
			g.warnOff = false
		case "@off":
			g.warnOff = true
		}
		return
	}
	g.warnBuf.WriteString(msg)
	if toCont {
		return
	}
	if !g.warnOff {
		log.Warningf("vm %s: %s", g.id, g.warnBuf.String())
	}
	g.warnBuf.Reset()
}

// warnError reports an error raised where nobody can catch it, such as in
// a finalizer.
func (g *VM) warnError(th *Thread, where string) {
	msg := th.stack[th.top-1].val
	g.Warn("error in ", true)
	g.Warn(where, true)
	g.Warn(" (", true)
	if msg.IsString() {
		g.Warn(msg.str().s, true)
	} else {
		g.Warn("error object is not a string", true)
	}
	g.Warn(")", false)
}

// Interrupt asks the thread currently running in g to stop with the error
// "interrupted!" at its next instruction. It only sets a flag and may be
// called from any goroutine.
func (g *VM) Interrupt() { g.interrupted.Store(true) }

// ---------------------------------------------------------------------------
// Thread: one stack and call chain
// ---------------------------------------------------------------------------

// Thread is an execution thread (coroutine) of a VM: a value stack, a chain
// of CallInfos and hook configuration.
type Thread struct {
	gcHeader
	g         *VM
	status    Status
	stack     []stackValue
	top       int
	stackLast int
	tbcList   int
	ci        *CallInfo
	baseCI    CallInfo
	nci       int
	openUpval *UpVal
	twups     *Thread
	oldPC     int
	nCcalls   uint32
	ccBase    uint32 // nCcalls right after the latest Resume
	errFunc   int

	hook          Hook
	hookMask      HookMask
	baseHookCount int
	hookCount     int
	allowHook     bool
	hookYield     int // nresults of a yield requested inside a hook, or -1

	errCause error
	errTrace string
	co       *coroutine
}

// VM returns the runtime instance the thread belongs to.
func (th *Thread) VM() *VM { return th.g }

func (th *Thread) preinit() {
	th.twups = th // not in the list of threads with open upvalues
	th.allowHook = true
	th.hookYield = -1
	th.status = OK
}

func (th *Thread) inTwups() bool { return th.twups != th }

// NewThread creates a coroutine sharing th's VM, pushes it on th's stack
// and returns it. The new thread inherits th's hook.
func (th *Thread) NewThread() *Thread {
	g := th.g
	g.checkGC(th)
	L1 := &Thread{g: g}
	L1.preinit()
	g.linkObject(L1, vThread, sizeThread)
	th.push(gcValue(L1))
	L1.hookMask = th.hookMask
	L1.baseHookCount = th.baseHookCount
	L1.hook = th.hook
	L1.resetHookCount()
	L1.stackInit()
	return L1
}

// freeThread releases a collected thread: its open upvalues are closed and
// a suspended coroutine goroutine is stopped.
func (g *VM) freeThread(L1 *Thread) {
	L1.closeUpvals(1)
	L1.killCoroutine()
	L1.stack = nil
	L1.ci = nil
}

// resetThread unwinds th to its base frame, running pending to-be-closed
// variables in protected mode. It returns the resulting status; on error
// the error object is left at stack index 1.
func (th *Thread) resetThread(status Status) Status {
	ci := &th.baseCI
	th.ci = ci
	th.stack[0].val = Nil
	ci.fn = 0
	ci.callStatus = cistGo
	if status == Yield {
		status = OK
	}
	th.status = OK
	status = th.closeProtected(1, status)
	if status != OK {
		th.setErrorObj(status, 1)
	} else {
		th.top = 1
	}
	ci.top = th.top + MinStack
	th.reallocStack(ci.top, false)
	return status
}

// ---------------------------------------------------------------------------
// CallInfo chain
// ---------------------------------------------------------------------------

// extendCI appends a new CallInfo after the current one. Records are never
// freed on return; they stay linked for reuse.
func (th *Thread) extendCI() *CallInfo {
	ci := &CallInfo{previous: th.ci}
	th.ci.next = ci
	th.nci++
	th.g.resize(th, th.size+sizeCallInfo)
	return ci
}

// nextCI returns the CallInfo after the current one, extending the chain
// when needed.
func (th *Thread) nextCI() *CallInfo {
	if th.ci.next != nil {
		return th.ci.next
	}
	return th.extendCI()
}

// shrinkCI frees every other unused CallInfo after the current one.
func (th *Thread) shrinkCI() {
	ci := th.ci.next
	if ci == nil {
		return
	}
	freed := 0
	for next := ci.next; next != nil; next = ci.next {
		next2 := next.next
		ci.next = next2
		th.nci--
		freed++
		if next2 == nil {
			break
		}
		next2.previous = ci
		ci = next2
	}
	if freed > 0 {
		th.g.resize(th, th.size-freed*sizeCallInfo)
	}
}

// ---------------------------------------------------------------------------
// Host call depth
// ---------------------------------------------------------------------------

// The low half of nCcalls counts nested host-level calls; the high half
// counts non-yieldable calls. nyci increments both.
const (
	nnyUnit = 0x10000
	nyci    = nnyUnit | 1
)

func (th *Thread) cCalls() int    { return int(th.nCcalls & 0xffff) }
func (th *Thread) yieldable() bool { return th.nCcalls&0xffff0000 == 0 }

// checkCStack is called when the nested call counter reaches its limit.
// Exactly at the limit the overflow is reported as a regular error; error
// handling then gets some headroom, and exhausting that too is fatal for
// the protected call.
func (th *Thread) checkCStack() {
	max := th.g.opts.MaxCCalls
	switch n := th.cCalls(); {
	case n == max:
		th.runError("C stack overflow")
	case n >= max/10*11:
		th.errErr()
	}
}

func (th *Thread) incCStack() {
	th.nCcalls++
	if th.cCalls() >= th.g.opts.MaxCCalls {
		th.checkCStack()
	}
}

// errErr raises an error-in-error-handling. The protected caller installs
// the static message.
func (th *Thread) errErr() {
	panic(&throw{status: ErrErr})
}
