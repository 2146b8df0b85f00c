package vm

import "sort"

// ---------------------------------------------------------------------------
// Collector control
// ---------------------------------------------------------------------------

// Stop stops the collector until Restart. Allocation keeps being accounted.
func (g *VM) Stop() { g.gcStp |= gcStopUser }

// Restart resumes a collector stopped by Stop.
func (g *VM) Restart() {
	g.setDebt(0)
	g.gcStp &^= gcStopUser
}

// IsRunning reports whether the collector is neither stopped by the host
// nor internally.
func (g *VM) IsRunning() bool { return g.gcStp == 0 }

// Collect performs a full collection cycle.
func (g *VM) Collect() {
	g.fullGC(false)
}

// Count returns the accounted bytes in use.
func (g *VM) Count() int64 { return g.TotalBytes() }

// Step performs collector work. With kb == 0 it runs one basic step;
// otherwise it runs as if kb kilobytes had been allocated. It reports
// whether a cycle finished. A stopped collector runs for this call only.
func (g *VM) Step(kb int) bool {
	th := g.cur
	oldStp := g.gcStp
	g.gcStp = 0
	didStep := true
	if kb == 0 {
		g.setDebt(0)
		g.step(th)
	} else {
		debt := g.debt - int64(kb)*1024
		g.setDebt(debt)
		didStep = debt <= 0
		g.checkGC(th)
	}
	g.gcStp = oldStp
	return didStep && g.gcState == gcsPause
}

func (g *VM) mode() string {
	if g.gcKind == kgcGen {
		return ModeGenerational
	}
	return ModeIncremental
}

// SetIncremental switches to incremental mode. Zero arguments keep their
// current value. It returns the previous mode.
func (g *VM) SetIncremental(pause, stepMul, stepSize int) string {
	prev := g.mode()
	if pause != 0 {
		g.gcPause = pause
	}
	if stepMul != 0 {
		g.gcStepMul = stepMul
	}
	if stepSize != 0 {
		g.gcStepSize = stepSize
	}
	g.changeMode(kgcInc)
	return prev
}

// SetGenerational switches to generational mode. Zero arguments keep their
// current value. It returns the previous mode.
func (g *VM) SetGenerational(minorMul, minorMajor, majorMinor int) string {
	prev := g.mode()
	if minorMul != 0 {
		g.genMinorMul = minorMul
	}
	if minorMajor != 0 {
		g.genMinorMaj = minorMajor
	}
	if majorMinor != 0 {
		g.genMajorMin = majorMinor
	}
	g.changeMode(kgcGen)
	return prev
}

// Mode returns the current collector mode.
func (g *VM) Mode() string { return g.mode() }

// Stats returns collector counters.
func (g *VM) Stats() GCStats { return g.stats }

// ---------------------------------------------------------------------------
// Census
// ---------------------------------------------------------------------------

// CensusEntry counts live objects of one kind.
type CensusEntry struct {
	Kind  string `cbor:"kind" json:"kind"`
	Count int64  `cbor:"count" json:"count"`
	Bytes int64  `cbor:"bytes" json:"bytes"`
}

var variantNames = map[tag]string{
	vShrStr:   "short string",
	vLngStr:   "long string",
	vTable:    "table",
	vLClosure: "script closure",
	vGoClos:   "go closure",
	vUserdata: "userdata",
	vThread:   "thread",
	vUpval:    "upvalue",
	vProto:    "proto",
}

// Census returns the live objects and their accounted bytes per kind,
// sorted by kind. Objects not yet swept count as live.
func (g *VM) Census() []CensusEntry {
	var out []CensusEntry
	for tt, name := range variantNames {
		i := tt.withVariant()
		if g.census.count[i] == 0 && g.census.bytes[i] == 0 {
			continue
		}
		out = append(out, CensusEntry{Kind: name, Count: g.census.count[i], Bytes: g.census.bytes[i]})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Kind < out[b].Kind })
	return out
}

// ---------------------------------------------------------------------------
// Parameters and phase
// ---------------------------------------------------------------------------

// GCParams are the tunable collector parameters.
type GCParams struct {
	Pause      int `cbor:"pause" json:"pause"`
	StepMul    int `cbor:"stepmul" json:"stepmul"`
	StepSize   int `cbor:"stepsize" json:"stepsize"`
	MinorMul   int `cbor:"minormul" json:"minormul"`
	MinorMajor int `cbor:"minormajor" json:"minormajor"`
	MajorMinor int `cbor:"majorminor" json:"majorminor"`
}

// Params returns the current collector parameters.
func (g *VM) Params() GCParams {
	return GCParams{
		Pause:      g.gcPause,
		StepMul:    g.gcStepMul,
		StepSize:   g.gcStepSize,
		MinorMul:   g.genMinorMul,
		MinorMajor: g.genMinorMaj,
		MajorMinor: g.genMajorMin,
	}
}

var phaseNames = [...]string{
	gcsPropagate:   "propagate",
	gcsEnterAtomic: "enteratomic",
	gcsAtomic:      "atomic",
	gcsSwpAllGC:    "sweepallgc",
	gcsSwpFinObj:   "sweepfinobj",
	gcsSwpToBeFnz:  "sweeptobefnz",
	gcsSwpEnd:      "sweepend",
	gcsCallFin:     "callfin",
	gcsPause:       "pause",
}

// Phase names the collector phase.
func (g *VM) Phase() string { return phaseNames[g.gcState] }
