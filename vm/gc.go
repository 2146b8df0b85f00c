package vm

import "strings"

// ---------------------------------------------------------------------------
// Collector state
// ---------------------------------------------------------------------------

// Collector phases.
const (
	gcsPropagate = iota
	gcsEnterAtomic
	gcsAtomic
	gcsSwpAllGC
	gcsSwpFinObj
	gcsSwpToBeFnz
	gcsSwpEnd
	gcsCallFin
	gcsPause
)

// Collector modes.
const (
	kgcInc = iota
	kgcGen
)

// Reasons for the collector to be stopped (bits of gcStp).
const (
	gcStopUser     = 1 << iota // stopped by the host
	gcStopInternal             // building the VM or running a finalizer
	gcStopClose                // closing: no new finalizers
)

const (
	gcSweepMax     = 100 // objects swept per step
	gcFinMax       = 10  // finalizers run per step
	gcFinalizeCost = 50  // work units charged per finalizer
)

// GCStats counts collector activity since the VM was created.
type GCStats struct {
	Steps          int   `cbor:"steps" json:"steps"`
	Cycles         int   `cbor:"cycles" json:"cycles"`
	Minor          int   `cbor:"minor" json:"minor"`
	Major          int   `cbor:"major" json:"major"`
	Emergency      int   `cbor:"emergency" json:"emergency"`
	Freed          int64 `cbor:"freed" json:"freed"`
	FreedBytes     int64 `cbor:"freed_bytes" json:"freed_bytes"`
	Finalized      int   `cbor:"finalized" json:"finalized"`
	FinalizerError int   `cbor:"finalizer_errors" json:"finalizer_errors"`
}

// census keeps live object counts and accounted bytes per object variant.
type census struct {
	count [64]int64
	bytes [64]int64
}

func (c *census) record(tt tag, size int) {
	i := tt.withVariant()
	if size < 0 {
		c.count[i]--
	} else {
		c.count[i]++
	}
	c.bytes[i] += int64(size)
}

func (c *census) resize(tt tag, delta int) {
	c.bytes[tt.withVariant()] += int64(delta)
}

func (g *VM) isDead(h *gcHeader) bool {
	return h.marked&(g.currentWhite^whiteBits) != 0
}

func (g *VM) keepInvariant() bool { return g.gcState <= gcsAtomic }

func (g *VM) isSweepPhase() bool {
	return g.gcState >= gcsSwpAllGC && g.gcState <= gcsSwpEnd
}

// ---------------------------------------------------------------------------
// Barriers
// ---------------------------------------------------------------------------

// objBarrier is the forward barrier for black p now referring to o.
func (g *VM) objBarrier(p, o GCObject) {
	if p.gch().isBlack() && o.gch().isWhite() {
		g.barrierSlow(p, o)
	}
}

// barrier is objBarrier for a value.
func (g *VM) barrier(p GCObject, v Value) {
	if v.isCollectable() {
		g.objBarrier(p, v.gc())
	}
}

func (g *VM) barrierSlow(p, o GCObject) {
	if g.keepInvariant() {
		g.reallyMark(o)
		return
	}
	// sweep phase: whiten p so it does not trigger more barriers
	if g.gcKind == kgcInc {
		p.gch().makeWhite(g.currentWhite)
	}
}

// barrierBack is the backward barrier for tables: a black table that gets
// a white value becomes gray again and is revisited in the atomic phase.
// An old table is marked touched so minor collections revisit it.
func (g *VM) barrierBack(h *Table, v Value) {
	if !h.isBlack() || !v.isCollectable() || !v.gc().gch().isWhite() {
		return
	}
	g.linkGrayAgain(h)
	if h.isOld() {
		h.setAge(gTouched)
	}
}

// ---------------------------------------------------------------------------
// Marking
// ---------------------------------------------------------------------------

func (g *VM) markValue(v Value) {
	if v.isCollectable() {
		if o := v.gc(); o.gch().isWhite() {
			g.reallyMark(o)
		}
	}
}

func (g *VM) markObject(o GCObject) {
	if o != nil && o.gch().isWhite() {
		g.reallyMark(o)
	}
}

func (g *VM) markTable(h *Table) {
	if h != nil && h.isWhite() {
		g.reallyMark(h)
	}
}

// reallyMark marks a white object: objects without references turn black
// at once, everything else goes on the gray list.
func (g *VM) reallyMark(o GCObject) {
	switch x := o.(type) {
	case *String:
		x.set2black()
	case *UpVal:
		if x.isOpen() {
			x.set2gray()
		} else {
			x.set2black()
		}
		g.markValue(x.get())
	case *Userdata:
		if len(x.userValues) == 0 {
			g.markTable(x.metatable)
			x.set2black()
			return
		}
		x.set2gray()
		g.gray = append(g.gray, o)
	default:
		o.gch().set2gray()
		g.gray = append(g.gray, o)
	}
}

func (g *VM) markMetatables() {
	for _, mt := range g.mt {
		g.markTable(mt)
	}
}

func (g *VM) markBeingFnz() int {
	n := 0
	for o := g.tobefnz; o != nil; o = o.gch().next {
		n++
		g.markObject(o)
	}
	return n
}

// remarkUpvals marks the values of open upvalues of threads that are
// unmarked or have no upvalues left, dropping them from the twups list.
func (g *VM) remarkUpvals() int {
	work := 0
	p := &g.twups
	for *p != nil {
		t := *p
		work++
		if !t.isWhite() && t.openUpval != nil {
			p = &t.twups
			continue
		}
		*p = t.twups
		t.twups = t
		for uv := t.openUpval; uv != nil; uv = uv.next {
			work++
			if !uv.isWhite() {
				g.markValue(uv.get())
			}
		}
	}
	return work
}

func (g *VM) clearGrayLists() {
	g.gray = g.gray[:0]
	g.grayAgain = g.grayAgain[:0]
	g.weak = g.weak[:0]
	g.allWeak = g.allWeak[:0]
	g.ephemeron = g.ephemeron[:0]
}

// restartCollection starts a cycle by marking the roots.
func (g *VM) restartCollection() {
	g.clearGrayLists()
	g.markObject(g.mainThread)
	g.markObject(g.cur)
	g.markTable(g.registry)
	g.markMetatables()
	g.markBeingFnz()
}

// ---------------------------------------------------------------------------
// Traversal
// ---------------------------------------------------------------------------

// linkGrayAgain queues o, kept gray, for the atomic phase.
func (g *VM) linkGrayAgain(o GCObject) {
	o.gch().set2gray()
	g.grayAgain = append(g.grayAgain, o)
}

func linkWeak(list *[]*Table, h *Table) {
	h.set2gray()
	*list = append(*list, h)
}

// genLink settles a traversed table or userdata in generational mode: a
// touched object is old again once its references are marked.
func (g *VM) genLink(h *gcHeader) {
	if h.age() == gTouched {
		h.setAge(gOld)
	}
}

// clearKey marks the key of an empty node as dead.
func clearKey(n *node) {
	if n.key.isCollectable() {
		n.key = Value{tt: vDeadKey, o: n.key.o}
	}
}

// isCleared reports whether a weak reference to v must be removed. Strings
// are values, never weak: they are marked instead.
func (g *VM) isCleared(v Value) bool {
	if !v.isCollectable() {
		return false
	}
	o := v.gc()
	if _, ok := o.(*String); ok {
		g.markObject(o)
		return false
	}
	return o.gch().isWhite()
}

func (g *VM) isClearedKey(n *node) bool {
	if n.key.isDeadKey() {
		return true
	}
	return g.isCleared(n.key)
}

func (g *VM) markKey(n *node) {
	if n.key.isCollectable() {
		g.markValue(n.key)
	}
}

func (g *VM) traverseWeakValue(h *Table) {
	hasClears := len(h.array) > 0
	for i := range h.node {
		n := &h.node[i]
		if n.val.isEmpty() {
			clearKey(n)
			continue
		}
		g.markKey(n)
		if !hasClears && g.isCleared(n.val) {
			hasClears = true
		}
	}
	if g.gcState == gcsAtomic && hasClears {
		linkWeak(&g.weak, h)
	} else {
		g.linkGrayAgain(h)
	}
}

// traverseEphemeron marks the values of marked keys. It reports whether
// it marked anything; inv traverses the hash part backwards.
func (g *VM) traverseEphemeron(h *Table, inv bool) bool {
	marked, hasClears, hasWW := false, false, false
	for i := range h.array {
		if v := h.array[i]; v.isCollectable() && v.gc().gch().isWhite() {
			marked = true
			g.reallyMark(v.gc())
		}
	}
	nsize := len(h.node)
	for i := 0; i < nsize; i++ {
		j := i
		if inv {
			j = nsize - 1 - i
		}
		n := &h.node[j]
		switch {
		case n.val.isEmpty():
			clearKey(n)
		case g.isClearedKey(n):
			hasClears = true
			if n.val.isCollectable() && n.val.gc().gch().isWhite() {
				hasWW = true
			}
		case n.val.isCollectable() && n.val.gc().gch().isWhite():
			marked = true
			g.reallyMark(n.val.gc())
		}
	}
	switch {
	case g.gcState == gcsPropagate:
		g.linkGrayAgain(h)
	case hasWW:
		linkWeak(&g.ephemeron, h)
	case hasClears:
		linkWeak(&g.allWeak, h)
	default:
		g.genLink(&h.gcHeader)
	}
	return marked
}

func (g *VM) traverseStrongTable(h *Table) {
	for _, v := range h.array {
		g.markValue(v)
	}
	for i := range h.node {
		n := &h.node[i]
		if n.val.isEmpty() {
			clearKey(n)
			continue
		}
		g.markKey(n)
		g.markValue(n.val)
	}
	g.genLink(&h.gcHeader)
}

func (g *VM) traverseTable(h *Table) int {
	g.markTable(h.metatable)
	mode := g.fastTM(h.metatable, tmMode)
	weakKey, weakValue := false, false
	if mode.isShortString() {
		weakKey = strings.IndexByte(mode.str().s, 'k') >= 0
		weakValue = strings.IndexByte(mode.str().s, 'v') >= 0
	}
	switch {
	case weakKey && weakValue:
		linkWeak(&g.allWeak, h)
	case weakValue:
		g.traverseWeakValue(h)
	case weakKey:
		g.traverseEphemeron(h, false)
	default:
		g.traverseStrongTable(h)
	}
	return 1 + len(h.array) + 2*h.sizeNode()
}

func (g *VM) traverseUserdata(u *Userdata) int {
	g.markTable(u.metatable)
	for _, v := range u.userValues {
		g.markValue(v)
	}
	g.genLink(&u.gcHeader)
	return 1 + len(u.userValues)
}

func (g *VM) traverseProto(p *Proto) int {
	for _, k := range p.k {
		g.markValue(k)
	}
	for _, c := range p.p {
		if c != nil {
			g.markObject(c)
		}
	}
	return 1 + len(p.k) + len(p.p)
}

func (g *VM) traverseLClosure(cl *LClosure) int {
	if cl.p != nil {
		g.markObject(cl.p)
	}
	for _, uv := range cl.upvals {
		if uv != nil {
			g.markObject(uv)
		}
	}
	return 1 + len(cl.upvals)
}

func (g *VM) traverseGoClosure(cl *GoClosure) int {
	for _, v := range cl.upvalues {
		g.markValue(v)
	}
	return 1 + len(cl.upvalues)
}

// traverseThread marks the live part of a stack. Threads stay gray: their
// stacks change without barriers, so they are revisited in the atomic
// phase (and, when old, in every minor collection).
func (g *VM) traverseThread(t *Thread) int {
	if t.isOld() || g.gcState == gcsPropagate {
		g.linkGrayAgain(t)
	}
	if t.stack == nil {
		return 1
	}
	for i := 0; i < t.top; i++ {
		g.markValue(t.stack[i].val)
	}
	for uv := t.openUpval; uv != nil; uv = uv.next {
		g.markObject(uv)
	}
	if g.gcState == gcsAtomic {
		for i := t.top; i < len(t.stack); i++ {
			t.stack[i].val = Nil
		}
		if !t.inTwups() && t.openUpval != nil {
			t.twups = g.twups
			g.twups = t
		}
	} else if !g.gcEmergency {
		t.shrinkStack()
	}
	return 1 + t.stackSize()
}

// propagateMark traverses one gray object.
func (g *VM) propagateMark() int {
	n := len(g.gray) - 1
	o := g.gray[n]
	g.gray[n] = nil
	g.gray = g.gray[:n]
	o.gch().nw2black()
	switch x := o.(type) {
	case *Table:
		return g.traverseTable(x)
	case *Userdata:
		return g.traverseUserdata(x)
	case *LClosure:
		return g.traverseLClosure(x)
	case *GoClosure:
		return g.traverseGoClosure(x)
	case *Proto:
		return g.traverseProto(x)
	case *Thread:
		return g.traverseThread(x)
	}
	return 0
}

func (g *VM) propagateAll() int {
	work := 0
	for len(g.gray) > 0 {
		work += g.propagateMark()
	}
	return work
}

// convergeEphemerons traverses ephemeron tables until no more values get
// marked, alternating directions to converge faster on chains.
func (g *VM) convergeEphemerons() {
	inv := false
	for {
		list := g.ephemeron
		g.ephemeron = nil
		changed := false
		for _, h := range list {
			h.nw2black()
			if g.traverseEphemeron(h, inv) {
				g.propagateAll()
				changed = true
			}
		}
		if !changed {
			return
		}
		inv = !inv
	}
}

// ---------------------------------------------------------------------------
// Weak tables
// ---------------------------------------------------------------------------

func (g *VM) clearByKeys(list []*Table) {
	for _, h := range list {
		for i := range h.node {
			n := &h.node[i]
			if g.isClearedKey(n) {
				n.val = emptyValue
			}
			if n.val.isEmpty() {
				clearKey(n)
			}
		}
	}
}

func (g *VM) clearByValues(list []*Table) {
	for _, h := range list {
		for i := range h.array {
			if g.isCleared(h.array[i]) {
				h.array[i] = emptyValue
			}
		}
		for i := range h.node {
			n := &h.node[i]
			if g.isCleared(n.val) {
				n.val = emptyValue
			}
			if n.val.isEmpty() {
				clearKey(n)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Atomic phase
// ---------------------------------------------------------------------------

func (g *VM) atomic() int {
	grayAgain := g.grayAgain
	g.grayAgain = nil
	g.gcState = gcsAtomic
	work := 0
	g.markObject(g.mainThread)
	g.markObject(g.cur)
	g.markTable(g.registry)
	g.markMetatables()
	work += g.propagateAll()
	work += g.remarkUpvals()
	work += g.propagateAll()
	g.gray = append(g.gray, grayAgain...)
	work += g.propagateAll()
	g.convergeEphemerons()
	// every strongly reachable object is marked now
	g.clearByValues(g.weak)
	g.clearByValues(g.allWeak)
	origWeak, origAll := len(g.weak), len(g.allWeak)
	g.separateToBeFnz(false)
	work += g.markBeingFnz()
	work += g.propagateAll()
	g.convergeEphemerons()
	// resurrected objects are marked too
	g.clearByKeys(g.ephemeron)
	g.clearByKeys(g.allWeak)
	g.clearByValues(g.weak[origWeak:])
	g.clearByValues(g.allWeak[origAll:])
	g.currentWhite ^= whiteBits
	return work
}

// ---------------------------------------------------------------------------
// Sweeping
// ---------------------------------------------------------------------------

// sweepList frees dead objects and whitens live ones, visiting at most
// count objects. It returns where to resume, or nil at the end of the list,
// and how many objects it visited.
func (g *VM) sweepList(p *GCObject, count int) (*GCObject, int) {
	ow := g.currentWhite ^ whiteBits
	white := g.currentWhite
	i := 0
	for ; *p != nil && i < count; i++ {
		curr := *p
		h := curr.gch()
		if h.marked&ow != 0 {
			*p = h.next
			g.stats.Freed++
			g.stats.FreedBytes += int64(h.size)
			g.freeObject(curr)
		} else {
			h.marked = h.marked&^(colorBits|ageBits) | white
			p = &h.next
		}
	}
	if *p == nil {
		return nil, i
	}
	return p, i
}

// sweepToLive sweeps until the first live object, so the sweep position
// never points at the list head where new objects are linked.
func (g *VM) sweepToLive(p *GCObject) *GCObject {
	old := p
	for {
		np, _ := g.sweepList(p, 1)
		if np != old {
			return np
		}
	}
}

func (g *VM) enterSweep() {
	g.gcState = gcsSwpAllGC
	g.sweepGC = g.sweepToLive(&g.allgc)
}

func (g *VM) sweepStep(next uint8, nextList *GCObject) int {
	if g.sweepGC != nil {
		oldDebt := g.debt
		var n int
		g.sweepGC, n = g.sweepList(g.sweepGC, gcSweepMax)
		g.gcEstimate -= g.debt - oldDebt
		return n
	}
	g.gcState = next
	g.sweepGC = nextList
	return 0
}

// ---------------------------------------------------------------------------
// Finalizers
// ---------------------------------------------------------------------------

// checkFinalizer moves o to the finobj list when mt has a __gc field. Only
// objects whose metatable has __gc when it is set are ever finalized.
func (g *VM) checkFinalizer(o GCObject, mt *Table) {
	h := o.gch()
	if h.toFinalize() || g.fastTM(mt, tmGC).IsNil() || g.gcStp&gcStopClose != 0 {
		return
	}
	if g.isSweepPhase() {
		h.makeWhite(g.currentWhite)
		if g.sweepGC == &h.next {
			g.sweepGC = g.sweepToLive(g.sweepGC)
		}
	} else if g.firstOld == o {
		g.firstOld = h.next
	}
	p := &g.allgc
	for *p != o {
		p = &(*p).gch().next
	}
	*p = h.next
	h.next = g.finobj
	g.finobj = o
	h.setFinalized()
}

// separateToBeFnz moves unreachable objects with finalizers (all of them
// when all is set) to the end of the tobefnz list.
func (g *VM) separateToBeFnz(all bool) {
	last := &g.tobefnz
	for *last != nil {
		last = &(*last).gch().next
	}
	p := &g.finobj
	for *p != nil {
		curr := *p
		h := curr.gch()
		if !(h.isWhite() || all) {
			p = &h.next
			continue
		}
		if curr == g.finobjOld {
			g.finobjOld = h.next
		}
		*p = h.next
		h.next = nil
		*last = curr
		last = &h.next
	}
}

// udata2finalize returns the first object of tobefnz to the allgc list.
func (g *VM) udata2finalize() GCObject {
	o := g.tobefnz
	h := o.gch()
	g.tobefnz = h.next
	h.next = g.allgc
	g.allgc = o
	h.clearFinalized()
	if g.isSweepPhase() {
		h.makeWhite(g.currentWhite)
	}
	return o
}

// gcTM runs one finalizer on th. Errors become warnings.
func (g *VM) gcTM(th *Thread) {
	o := g.udata2finalize()
	v := gcValue(o)
	tm := g.tmByObj(v, tmGC)
	if tm.IsNil() {
		return
	}
	oldAH := th.allowHook
	oldStp := g.gcStp
	g.gcStp |= gcStopInternal
	th.allowHook = false
	fn := th.top
	th.push(tm)
	th.push(v)
	th.ci.callStatus |= cistFin
	status := th.pcall(func() { th.callNoYield(fn, 0) }, fn, 0)
	th.ci.callStatus &^= cistFin
	th.allowHook = oldAH
	g.gcStp = oldStp
	g.stats.Finalized++
	if status != OK {
		g.stats.FinalizerError++
		g.warnError(th, "__gc")
		th.top--
	}
}

func (g *VM) runAFewFinalizers(th *Thread, n int) int {
	i := 0
	for ; i < n && g.tobefnz != nil; i++ {
		g.gcTM(th)
	}
	return i
}

func (g *VM) callAllPendingFinalizers(th *Thread) {
	for g.tobefnz != nil {
		g.gcTM(th)
	}
}

// ---------------------------------------------------------------------------
// Incremental mode
// ---------------------------------------------------------------------------

// singleStep performs one unit of collector work and returns its cost.
func (g *VM) singleStep(th *Thread) int {
	g.gcStopEm = true
	var work int
	switch g.gcState {
	case gcsPause:
		g.restartCollection()
		g.gcState = gcsPropagate
		work = 1
	case gcsPropagate:
		if len(g.gray) == 0 {
			g.gcState = gcsEnterAtomic
		} else {
			work = g.propagateMark()
		}
	case gcsEnterAtomic:
		work = g.atomic()
		g.enterSweep()
		g.gcEstimate = g.TotalBytes()
	case gcsSwpAllGC:
		work = g.sweepStep(gcsSwpFinObj, &g.finobj)
	case gcsSwpFinObj:
		work = g.sweepStep(gcsSwpToBeFnz, &g.tobefnz)
	case gcsSwpToBeFnz:
		work = g.sweepStep(gcsSwpEnd, nil)
	case gcsSwpEnd:
		g.checkSizes()
		g.gcState = gcsCallFin
	case gcsCallFin:
		if g.tobefnz != nil && !g.gcEmergency {
			g.gcStopEm = false
			work = g.runAFewFinalizers(th, gcFinMax) * gcFinalizeCost
		} else {
			g.gcState = gcsPause
			g.stats.Cycles++
		}
	}
	g.gcStopEm = false
	return work
}

// runUntilState steps the collector until it reaches state.
func (g *VM) runUntilState(th *Thread, state uint8) {
	for g.gcState != state {
		g.singleStep(th)
	}
}

// setPause sets the credit before the next cycle: Pause percent of the
// memory in use after the last collection.
func (g *VM) setPause() {
	estimate := g.gcEstimate
	if estimate <= 0 {
		estimate = g.TotalBytes()
	}
	threshold := estimate / 100 * int64(g.gcPause)
	credit := threshold - g.TotalBytes()
	if credit < 0 {
		credit = 0
	}
	g.setDebt(credit)
}

// incStep performs StepSize*StepMul/100 bytes' worth of collector work.
func (g *VM) incStep(th *Thread) {
	stepSize := int64(g.gcStepSize)
	work := stepSize / sizeValue * int64(g.gcStepMul) / 100
	if work < 1 {
		work = 1
	}
	for {
		work -= int64(g.singleStep(th))
		if work <= 0 || g.gcState == gcsPause {
			break
		}
	}
	if g.gcState == gcsPause {
		g.setPause()
	} else {
		g.setDebt(stepSize)
	}
}

// fullInc runs a complete incremental cycle.
func (g *VM) fullInc(th *Thread) {
	if g.keepInvariant() {
		g.enterSweep()
	}
	g.runUntilState(th, gcsPause)
	g.runUntilState(th, gcsCallFin)
	g.runUntilState(th, gcsPause)
	g.setPause()
}

// ---------------------------------------------------------------------------
// Generational mode
// ---------------------------------------------------------------------------

// Objects in allgc before firstOld (and finobj before finobjOld) are young.
// A minor collection marks from the roots, the barrier-marked objects and
// the touched old objects, frees dead young objects and promotes every
// survivor to old.

// sweepGen sweeps the young part of a list, up to limit.
func (g *VM) sweepGen(p *GCObject, limit GCObject) {
	for *p != limit && *p != nil {
		curr := *p
		h := curr.gch()
		if h.isWhite() {
			*p = h.next
			g.stats.Freed++
			g.stats.FreedBytes += int64(h.size)
			g.freeObject(curr)
			continue
		}
		g.makeOld(curr)
		p = &h.next
	}
}

// makeOld promotes a survivor: threads are kept gray in grayAgain, open
// upvalues stay gray, everything else is black.
func (g *VM) makeOld(o GCObject) {
	h := o.gch()
	if !h.isOld() {
		if _, ok := o.(*Thread); ok {
			g.linkGrayAgain(o)
		}
	}
	h.setAge(gOld)
	switch x := o.(type) {
	case *Thread:
	case *UpVal:
		if x.isOpen() {
			x.set2gray()
		} else {
			x.nw2black()
		}
	default:
		h.nw2black()
	}
}

// sweep2Old frees dead objects of a whole list and makes the rest old.
func (g *VM) sweep2Old(p *GCObject) {
	for *p != nil {
		curr := *p
		h := curr.gch()
		if h.isWhite() {
			*p = h.next
			g.stats.Freed++
			g.stats.FreedBytes += int64(h.size)
			g.freeObject(curr)
			continue
		}
		h.setAge(gNew) // let makeOld queue threads
		g.makeOld(curr)
		p = &h.next
	}
}

// correctGrayLists keeps only the threads in grayAgain; everything else
// traversed this cycle is black and old.
func (g *VM) correctGrayLists() {
	keep := g.keepGray[:0]
	for _, o := range g.grayAgain {
		h := o.gch()
		if h.isWhite() {
			continue
		}
		if _, ok := o.(*Thread); ok {
			keep = append(keep, o)
			continue
		}
		if h.age() == gTouched {
			h.setAge(gOld)
		}
		h.nw2black()
	}
	for _, lst := range [][]*Table{g.weak, g.allWeak, g.ephemeron} {
		for _, h := range lst {
			if !h.isWhite() {
				if h.age() == gTouched {
					h.setAge(gOld)
				}
				h.nw2black()
			}
		}
	}
	g.weak, g.allWeak, g.ephemeron = g.weak[:0], g.allWeak[:0], g.ephemeron[:0]
	g.grayAgain, g.keepGray = keep, g.grayAgain[:0]
}

func (g *VM) finishGenCycle(th *Thread) {
	g.correctGrayLists()
	g.checkSizes()
	g.gcState = gcsPropagate
	if !g.gcEmergency {
		g.callAllPendingFinalizers(th)
	}
}

// youngCollection is a minor collection.
func (g *VM) youngCollection(th *Thread) {
	g.stats.Minor++
	g.gcStopEm = true
	g.atomic()
	g.gcState = gcsSwpAllGC
	g.sweepGen(&g.allgc, g.firstOld)
	g.sweepGen(&g.finobj, g.finobjOld)
	g.sweepGen(&g.tobefnz, nil)
	g.firstOld = g.allgc
	g.finobjOld = g.finobj
	g.gcStopEm = false
	g.finishGenCycle(th)
}

// atomic2Gen ends a full mark by making every survivor old.
func (g *VM) atomic2Gen(th *Thread) {
	g.clearGrayLists()
	g.gcState = gcsSwpAllGC
	g.sweep2Old(&g.allgc)
	g.firstOld = g.allgc
	g.sweep2Old(&g.finobj)
	g.finobjOld = g.finobj
	g.sweep2Old(&g.tobefnz)
	g.gcKind = kgcGen
	g.genBadMajor = false
	g.gcEstimate = g.TotalBytes()
	if !g.gcEmergency {
		g.genBase = g.gcEstimate
	}
	g.finishGenCycle(th)
}

// whiteList whitens a whole list and resets ages.
func (g *VM) whiteList(o GCObject) {
	for ; o != nil; o = o.gch().next {
		h := o.gch()
		h.marked = h.marked&^(colorBits|ageBits) | g.currentWhite
	}
}

// enterInc switches to incremental mode, starting from a paused cycle.
func (g *VM) enterInc() {
	g.whiteList(g.allgc)
	g.whiteList(g.finobj)
	g.whiteList(g.tobefnz)
	g.firstOld, g.finobjOld = nil, nil
	g.clearGrayLists()
	g.keepGray = g.keepGray[:0]
	g.gcState = gcsPause
	g.gcKind = kgcInc
}

// enterGen runs a full mark and switches to generational mode.
func (g *VM) enterGen(th *Thread) {
	g.runUntilState(th, gcsPause)
	g.runUntilState(th, gcsPropagate)
	g.gcStopEm = true
	g.atomic()
	g.gcStopEm = false
	g.atomic2Gen(th)
	g.setMinorDebt()
}

func (g *VM) setMinorDebt() {
	g.setDebt(g.TotalBytes() / 100 * int64(g.genMinorMul))
}

// fullGen is a major collection in generational mode.
func (g *VM) fullGen(th *Thread) {
	g.stats.Major++
	g.enterInc()
	g.enterGen(th)
}

// majorIsBad reports whether a major collection freed less than MajorMinor
// percent of the growth since the previous major collection.
func (g *VM) majorIsBad(base, before int64) bool {
	growth := before - base
	freed := before - g.TotalBytes()
	return growth > 0 && freed*100 < growth*int64(g.genMajorMin)
}

func (g *VM) genStep(th *Thread) {
	base := g.genBase
	before := g.TotalBytes()
	if g.genBadMajor {
		g.fullGen(th)
		if g.majorIsBad(base, before) {
			g.genBadMajor = true
			g.setPause()
		}
		return
	}
	limit := base + base/100*int64(g.genMinorMaj)
	if before > limit {
		g.fullGen(th)
		if g.majorIsBad(base, before) {
			log.Debugf("vm %s: major collection freed little, next one is major too", g.id)
			g.genBadMajor = true
			g.setPause()
		}
		return
	}
	g.youngCollection(th)
	g.setMinorDebt()
}

// ---------------------------------------------------------------------------
// Entry points
// ---------------------------------------------------------------------------

// checkGC runs a collector step when the allocation credit is used up.
func (g *VM) checkGC(th *Thread) {
	if g.debt <= 0 {
		g.step(th)
	}
}

// step performs a basic collector step in the current mode.
func (g *VM) step(th *Thread) {
	if g.gcStp != 0 || g.closed {
		g.setDebt(2000)
		return
	}
	g.stats.Steps++
	if g.gcKind == kgcGen {
		g.genStep(th)
	} else {
		g.incStep(th)
	}
}

// fullGC performs a complete collection. An emergency collection runs no
// finalizers and does not shrink stacks or the string table.
func (g *VM) fullGC(emergency bool) {
	th := g.cur
	g.gcEmergency = emergency
	if emergency {
		g.stats.Emergency++
	}
	if g.gcKind == kgcInc {
		g.fullInc(th)
	} else {
		g.fullGen(th)
	}
	g.gcEmergency = false
}

// changeMode switches between incremental and generational collection.
func (g *VM) changeMode(mode uint8) {
	if mode != g.gcKind {
		if mode == kgcGen {
			g.enterGen(g.cur)
		} else {
			g.enterInc()
		}
		log.Debugf("vm %s: collector mode %d", g.id, mode)
	}
	g.genBadMajor = false
}

// freeAllObjects runs every pending finalizer and releases all objects.
func (g *VM) freeAllObjects() {
	th := g.mainThread
	g.gcStp = gcStopClose
	g.changeMode(kgcInc)
	g.separateToBeFnz(true)
	g.callAllPendingFinalizers(th)
	g.deleteList(g.allgc, th)
	g.allgc = th
	th.next = nil
	g.deleteList(g.fixedgc, nil)
	g.fixedgc = nil
	g.gray, g.grayAgain = nil, nil
}

// deleteList frees every object of a list up to limit.
func (g *VM) deleteList(o, limit GCObject) {
	for o != nil && o != limit {
		next := o.gch().next
		g.freeObject(o)
		o = next
	}
}
