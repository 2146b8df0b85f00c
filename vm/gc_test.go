package vm

import (
	"errors"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Accounting
// ---------------------------------------------------------------------------

func TestSetDebtKeepsTotalBytes(t *testing.T) {
	g := newTestVM(t)

	before := g.TotalBytes()
	for _, debt := range []int64{0, 2000, -500, 1 << 40} {
		g.setDebt(debt)
		if g.TotalBytes() != before {
			t.Errorf("setDebt(%d): TotalBytes = %d, want %d", debt, g.TotalBytes(), before)
		}
		if g.Debt() != debt {
			t.Errorf("setDebt(%d): Debt = %d", debt, g.Debt())
		}
	}
}

func TestAllocationChargesDebt(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()
	g.setDebt(1 << 20)

	before, debt := g.TotalBytes(), g.Debt()
	th.CreateTable(100, 0)
	grown := g.TotalBytes() - before
	if grown <= 0 {
		t.Fatalf("TotalBytes grew by %d creating a table", grown)
	}
	if g.Debt() != debt-grown {
		t.Errorf("Debt = %d, want %d", g.Debt(), debt-grown)
	}
}

// ---------------------------------------------------------------------------
// Collection
// ---------------------------------------------------------------------------

func TestCollectFreesGarbage(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()
	g.Collect()

	base := g.TotalBytes()
	freed := g.Stats().Freed
	for i := 0; i < 100; i++ {
		th.CreateTable(10, 10)
		th.Pop(1)
	}
	if g.TotalBytes() <= base {
		t.Fatal("allocating tables did not grow the heap")
	}
	g.Collect()
	if g.TotalBytes() > base {
		t.Errorf("TotalBytes = %d after collecting, want at most %d", g.TotalBytes(), base)
	}
	if g.Stats().Freed-freed < 100 {
		t.Errorf("freed %d objects, want at least 100", g.Stats().Freed-freed)
	}
	if g.Phase() != "pause" {
		t.Errorf("phase = %q after a full collection", g.Phase())
	}
	if g.Stats().Cycles == 0 {
		t.Error("no cycle counted")
	}
}

func TestReachableObjectsSurvive(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()

	th.NewTable()
	for i := int64(1); i <= 50; i++ {
		th.NewTable()
		th.PushInteger(i)
		th.SetField(-2, "n")
		th.SetI(1, i)
	}
	th.SetGlobal("keep")
	g.Collect()
	g.Collect()

	th.GetGlobal("keep")
	for i := int64(1); i <= 50; i++ {
		th.GetI(-1, i)
		th.GetField(-1, "n")
		wantInteger(t, th, -1, i)
		th.Pop(2)
	}
}

// weakTable pushes an empty table with the given __mode.
func weakTable(th *Thread, mode string) {
	th.NewTable()
	th.NewTable()
	th.PushString(mode)
	th.SetField(-2, "__mode")
	th.SetMetatable(-2)
}

func TestWeakValuesAreCleared(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()

	weakTable(th, "v") // 1
	th.NewTable()
	th.SetI(1, 1)
	th.PushString("kept")
	th.SetI(1, 2)
	th.PushInteger(42)
	th.SetField(1, "x")
	th.NewTable()
	th.PushValue(-1) // 2: strong reference
	th.SetField(1, "live")

	g.Collect()

	if typ := th.GetI(1, 1); typ != TypeNil {
		t.Errorf("collectable weak value survived as %v", typ)
	}
	th.Pop(1)
	th.GetI(1, 2)
	if s, _ := th.ToString(-1); s != "kept" {
		t.Errorf("string value = %q, strings are not cleared", s)
	}
	th.GetField(1, "x")
	wantInteger(t, th, -1, 42)
	th.GetField(1, "live")
	if !th.RawEqual(-1, 2) {
		t.Error("strongly referenced weak value was cleared")
	}
}

func TestEphemeronKeysDoNotKeepThemselves(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()

	weakTable(th, "k") // 1
	th.NewTable()      // 2: live key

	// dead key whose value refers back to it
	th.NewTable()
	th.NewTable()
	th.PushValue(-2)
	th.SetField(-2, "back")
	th.SetTable(1)

	// live key
	th.PushValue(2)
	th.PushString("live")
	th.SetTable(1)

	g.Collect()

	entries := 0
	th.PushNil()
	for th.Next(1) {
		entries++
		if !th.RawEqual(-2, 2) {
			t.Error("dead ephemeron key survived")
		}
		th.Pop(1)
	}
	if entries != 1 {
		t.Errorf("weak-key table has %d entries, want 1", entries)
	}
}

func TestAllWeakTable(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()

	weakTable(th, "kv")
	th.NewTable()
	th.NewTable()
	th.SetTable(1)
	th.NewTable()
	th.SetField(1, "v")

	g.Collect()

	th.PushNil()
	if th.Next(1) {
		t.Errorf("entry with key %v survived in a table weak on both sides", th.Type(-2))
	}
}

// ---------------------------------------------------------------------------
// Finalizers
// ---------------------------------------------------------------------------

// pushFinalizable pushes a userdata whose __gc calls fn.
func pushFinalizable(th *Thread, fn GoFunction) {
	th.NewUserdata(nil, 0)
	th.NewTable()
	th.PushGoFunction(fn)
	th.SetField(-2, "__gc")
	th.SetMetatable(-2)
}

func TestFinalizerRunsOnCollect(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()

	calls := 0
	pushFinalizable(th, func(t *Thread) (int, error) {
		if t.Type(1) != TypeUserData {
			return 0, errors.New("finalizer got no userdata")
		}
		calls++
		return 0, nil
	})
	g.Collect()
	if calls != 0 {
		t.Fatal("finalizer ran for a reachable object")
	}
	th.Pop(1)
	g.Collect()
	if calls != 1 {
		t.Errorf("finalizer ran %d times, want 1", calls)
	}
	if g.Stats().Finalized != 1 {
		t.Errorf("Finalized = %d", g.Stats().Finalized)
	}
	// the object is resurrected for the finalizer, then freed for good
	g.Collect()
	if calls != 1 {
		t.Errorf("finalizer ran again: %d", calls)
	}
}

func TestGCFieldAddedLateIsIgnored(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()

	calls := 0
	th.NewUserdata(nil, 0)
	th.NewTable()
	th.PushValue(-1)
	th.SetMetatable(-3)
	th.PushGoFunction(func(*Thread) (int, error) {
		calls++
		return 0, nil
	})
	th.SetField(-2, "__gc")
	th.SetTop(0)
	g.Collect()
	if calls != 0 {
		t.Errorf("finalizer set after the metatable ran %d times", calls)
	}
}

func TestFinalizerErrorBecomesWarning(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()

	var warnings []string
	var buf strings.Builder
	g.SetWarnFunc(func(msg string, toCont bool) {
		buf.WriteString(msg)
		if !toCont {
			warnings = append(warnings, buf.String())
			buf.Reset()
		}
	})
	pushFinalizable(th, func(*Thread) (int, error) {
		return 0, errBoom
	})
	th.Pop(1)
	g.Collect()

	if len(warnings) != 1 || warnings[0] != "error in __gc (boom)" {
		t.Errorf("warnings = %q", warnings)
	}
	if g.Stats().FinalizerError != 1 {
		t.Errorf("FinalizerError = %d", g.Stats().FinalizerError)
	}
}

func TestCloseRunsPendingFinalizers(t *testing.T) {
	g := NewVM(Options{Seed: 1})
	th := g.MainThread()

	calls := 0
	for i := 0; i < 3; i++ {
		pushFinalizable(th, func(*Thread) (int, error) {
			calls++
			return 0, nil
		})
	}
	g.Close()
	if calls != 3 {
		t.Errorf("Close ran %d finalizers, want 3", calls)
	}
	g.Close()
	if calls != 3 {
		t.Error("second Close ran finalizers again")
	}
}

// ---------------------------------------------------------------------------
// Modes and control
// ---------------------------------------------------------------------------

func TestGenerationalMode(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()

	if prev := g.SetGenerational(0, 0, 0); prev != ModeIncremental {
		t.Errorf("previous mode = %q", prev)
	}
	if g.Mode() != ModeGenerational {
		t.Fatalf("mode = %q", g.Mode())
	}
	th.NewTable()
	th.SetGlobal("old")
	for i := 0; i < 20000; i++ {
		th.CreateTable(4, 0)
		th.Pop(1)
	}
	st := g.Stats()
	if st.Minor == 0 {
		t.Error("no minor collection in generational mode")
	}
	if th.GetGlobal("old") != TypeTable {
		t.Error("old object lost in a minor collection")
	}
	th.Pop(1)

	g.Collect()
	if g.Stats().Major <= st.Major {
		t.Error("Collect in generational mode is not a major collection")
	}
	if prev := g.SetIncremental(0, 0, 0); prev != ModeGenerational {
		t.Errorf("previous mode = %q", prev)
	}
	g.Collect()
}

func TestStopAndStep(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()

	g.Stop()
	if g.IsRunning() {
		t.Fatal("IsRunning after Stop")
	}
	steps := g.Stats().Steps
	for i := 0; i < 5000; i++ {
		th.CreateTable(4, 4)
		th.Pop(1)
	}
	if g.Stats().Steps != steps {
		t.Errorf("stopped collector ran %d steps", g.Stats().Steps-steps)
	}

	finished := false
	for i := 0; i < 100000 && !finished; i++ {
		finished = g.Step(0)
	}
	if !finished {
		t.Error("Step(0) never finished a cycle")
	}
	if g.IsRunning() {
		t.Error("Step restarted a stopped collector")
	}
	g.Restart()
	if !g.IsRunning() {
		t.Error("not running after Restart")
	}
}

func TestAllocLimit(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()
	g.Collect()

	g.SetAllocLimit(g.TotalBytes() + 64<<10)
	th.PushGoFunction(func(t *Thread) (int, error) {
		for {
			if !t.CheckStack(1) {
				return 0, errors.New("stack exhausted first")
			}
			t.CreateTable(256, 0)
		}
	})
	err := th.PCall(0, 0, 0)
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if e.Status != ErrMem || e.Message != "not enough memory" {
		t.Errorf("got %v %q, want a memory error", e.Status, e.Message)
	}
	if g.Stats().Emergency == 0 {
		t.Error("no emergency collection before failing")
	}

	// the limit applies to live data only
	g.SetAllocLimit(0)
	th.SetTop(0)
	g.Collect()
	th.CreateTable(256, 0)
}

func TestParamsAndCensus(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()

	g.SetIncremental(150, 300, 0)
	p := g.Params()
	if p.Pause != 150 || p.StepMul != 300 {
		t.Errorf("params = %+v", p)
	}
	g.SetIncremental(0, 0, 0)
	if g.Params() != p {
		t.Error("zero arguments changed the parameters")
	}

	for i := 0; i < 10; i++ {
		th.NewUserdata(i, 0)
	}
	counts := map[string]int64{}
	for _, e := range g.Census() {
		counts[e.Kind] = e.Count
		if e.Bytes <= 0 {
			t.Errorf("%s: %d bytes", e.Kind, e.Bytes)
		}
	}
	if counts["userdata"] < 10 {
		t.Errorf("census counts %d userdata, want at least 10", counts["userdata"])
	}
	if counts["table"] == 0 || counts["thread"] == 0 {
		t.Errorf("census misses the registry or the main thread: %v", counts)
	}
}
