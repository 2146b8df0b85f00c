package vm

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// ---------------------------------------------------------------------------
// Line information
// ---------------------------------------------------------------------------

func TestLineInfoWithAbsoluteCheckpoint(t *testing.T) {
	g := newTestVM(t)

	b := NewProtoBuilder("=lines", 10)
	for i := 0; i < 6; i++ {
		b.Emit(CreateABC(OpMove, 0, 0, 0), 0)
	}
	b.SetLineInfo([]int8{0, 1, 1, 0, 2, absLineInfo}, []AbsLineInfo{{PC: 5, Line: 100}})
	p := b.build(g)

	want := []int{10, 11, 12, 12, 14, 100}
	for pc, line := range want {
		if got := p.Line(pc); got != line {
			t.Errorf("Line(%d) = %d, want %d", pc, got, line)
		}
	}
}

func TestEmittedLineInfoRoundTrips(t *testing.T) {
	g := newTestVM(t)

	// long enough to need several checkpoints, with jumps too large for a
	// delta byte
	var lines []int
	b := NewProtoBuilder("=emit", 1)
	line := 1
	for pc := 0; pc < 600; pc++ {
		switch {
		case pc%97 == 0:
			line += 1000
		case pc%89 == 0:
			line -= 300
		case pc%3 == 0:
			line++
		}
		lines = append(lines, line)
		b.Emit(CreateABC(OpMove, 0, 0, 0), line)
	}
	p := b.build(g)

	if len(p.absLineInfo) < 600/maxIWthAbs {
		t.Errorf("only %d absolute checkpoints for 600 instructions", len(p.absLineInfo))
	}
	for pc, want := range lines {
		if got := p.Line(pc); got != want {
			t.Fatalf("Line(%d) = %d, want %d", pc, got, want)
		}
	}
}

func TestNoLineInfo(t *testing.T) {
	g := newTestVM(t)

	b := NewProtoBuilder("=stripped", 0)
	b.SetLineInfo(nil, nil)
	b.Emit(CreateABC(OpReturn0, 0, 0, 0), 0)
	if got := b.build(g).Line(0); got != -1 {
		t.Errorf("Line(0) = %d without line info, want -1", got)
	}
}

func TestChunkID(t *testing.T) {
	long := strings.Repeat("x", 100)
	tests := []struct {
		source string
		want   string
	}{
		{"=stdin", "stdin"},
		{"=" + long, long[:59]},
		{"@script.lua", "script.lua"},
		{"@/very/" + long, "..." + long[100-56:]},
		{"return 1", `[string "return 1"]`},
		{"a = 1\nb = 2", `[string "a = 1..."]`},
		{long, `[string "` + long[:45] + `..."]`},
	}
	for _, tc := range tests {
		if got := chunkID(tc.source); got != tc.want {
			t.Errorf("chunkID(%.20q) = %q, want %q", tc.source, got, tc.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Activation records
// ---------------------------------------------------------------------------

// probeChunk builds
//
//	(line 2) local function f(a, b)
//	(line 3)   probe()
//	(line 4)   return a
//	         end
//	(line 6) return f(1, 2)
func probeChunk() *ProtoBuilder {
	f := NewProtoBuilder("=probe", 2).Params(2, false).MaxStack(3).LastLine(5)
	f.Upvalue(envName, false, 0)
	f.Emit(CreateABC(OpGetTabUp, 2, 0, f.Const("probe")), 3)
	f.Emit(CreateABC(OpCall, 2, 1, 1), 3)
	f.Emit(CreateABC(OpReturn1, 0, 0, 0), 4)
	f.Local("a", 0, 3)
	f.Local("b", 0, 3)

	b := chunk("probe")
	b.Emit(CreateABx(OpClosure, 0, b.Child(f)), 5)
	b.Emit(CreateABC(OpMove, 1, 0, 0), 6)
	b.Emit(CreateAsBx(OpLoadI, 2, 1), 6)
	b.Emit(CreateAsBx(OpLoadI, 3, 2), 6)
	b.Emit(CreateABC(OpCall, 1, 3, 2), 6)
	b.Emit(CreateABC(OpReturn, 1, 2, 0), 6)
	b.Local("f", 1, 6)
	return b
}

func TestGetInfoLevels(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()

	var got []Debug
	depth := 0
	setGlobalFunc(th, "probe", func(t *Thread) (int, error) {
		depth = t.StackDepth()
		for level := 0; ; level++ {
			ar, ok := t.GetStack(level)
			if !ok {
				break
			}
			if err := t.GetInfo("Slnut", ar); err != nil {
				return 0, err
			}
			got = append(got, *ar)
		}
		return 0, nil
	})
	mustRun(t, th, probeChunk(), 1)

	want := []Debug{
		{
			Name: "probe", NameWhat: "global", What: "Go",
			Source: "=[Go]", ShortSrc: "[Go]", CurrentLine: -1,
			LineDefined: -1, LastLineDefined: -1, IsVararg: true,
		},
		{
			Name: "f", NameWhat: "local", What: "Lua",
			Source: "=probe", ShortSrc: "probe", CurrentLine: 3,
			LineDefined: 2, LastLineDefined: 5, NUps: 1, NParams: 2,
		},
		{
			What: "main", Source: "=probe", ShortSrc: "probe", CurrentLine: 6,
			NUps: 1,
		},
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreUnexported(Debug{})); diff != "" {
		t.Errorf("activation records (-want +got):\n%s", diff)
	}
	if depth != 3 {
		t.Errorf("StackDepth = %d, want 3", depth)
	}
	if _, ok := th.GetStack(0); ok {
		t.Error("GetStack(0) succeeded with nothing running")
	}
}

func TestGetAndSetLocal(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()

	var names []string
	setGlobalFunc(th, "probe", func(t *Thread) (int, error) {
		ar, _ := t.GetStack(1)
		for n := 1; ; n++ {
			name := t.GetLocal(ar, n)
			if name == "" {
				break
			}
			v, _ := t.ToInteger(-1)
			names = append(names, name+"="+string(rune('0'+v)))
			t.Pop(1)
		}
		t.PushInteger(7)
		if name := t.SetLocal(ar, 1); name != "a" {
			return 0, t.Errorf("SetLocal named %q", name)
		}
		if t.SetLocal(ar, 10) != "" {
			return 0, t.Errorf("SetLocal of a missing local succeeded")
		}
		return 0, nil
	})
	mustRun(t, th, probeChunk(), 1)

	if diff := cmp.Diff([]string{"a=1", "b=2"}, names); diff != "" {
		t.Errorf("locals (-want +got):\n%s", diff)
	}
	wantInteger(t, th, -1, 7)
}

func TestGoTemporaries(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()

	th.PushGoFunction(func(t *Thread) (int, error) {
		ar, _ := t.GetStack(0)
		if name := t.GetLocal(ar, 2); name != "(Go temporary)" {
			return 0, t.Errorf("local 2 named %q", name)
		}
		if v, _ := t.ToInteger(-1); v != 20 {
			return 0, t.Errorf("local 2 = %d", v)
		}
		if name := t.GetLocal(ar, 5); name != "" {
			return 0, t.Errorf("local beyond the top named %q", name)
		}
		return 0, nil
	})
	th.PushInteger(10)
	th.PushInteger(20)
	if err := th.PCall(2, 0, 0); err != nil {
		t.Fatal(err)
	}
}

func TestGetInfoOnFunctionValue(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()

	b := chunk("value")
	b.Emit(CreateAsBx(OpLoadI, 0, 1), 1)
	b.Emit(CreateAsBx(OpLoadI, 1, 2), 2)
	b.Emit(CreateAsBx(OpLoadI, 2, 3), 2)
	b.Emit(CreateABC(OpReturn0, 0, 0, 0), 5)
	if err := th.Load(b); err != nil {
		t.Fatal(err)
	}
	th.PushValue(-1)
	top := th.GetTop()

	var ar Debug
	if err := th.GetInfo(">SuL", &ar); err != nil {
		t.Fatal(err)
	}
	if th.GetTop() != top-1 {
		t.Error("'>' did not pop the function")
	}
	if ar.What != "main" || ar.NUps != 1 {
		t.Errorf("What = %q, NUps = %d", ar.What, ar.NUps)
	}
	if diff := cmp.Diff([]int{1, 2, 5}, ar.ActiveLines); diff != "" {
		t.Errorf("active lines (-want +got):\n%s", diff)
	}

	if err := th.GetInfo(">x", &ar); err == nil {
		t.Error("invalid option accepted")
	}
}

// ---------------------------------------------------------------------------
// Hooks
// ---------------------------------------------------------------------------

func TestLineHook(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()

	var lines []int
	th.SetHook(func(t *Thread, ar *Debug) {
		if ar.Event == HookLine {
			lines = append(lines, ar.CurrentLine)
		}
	}, MaskLine, 0)

	b := chunk("lines")
	b.Emit(CreateAsBx(OpLoadI, 0, 1), 1)
	b.Emit(CreateAsBx(OpLoadI, 1, 2), 2)
	b.Emit(CreateAsBx(OpLoadI, 2, 3), 2)
	b.Emit(CreateABC(OpReturn0, 0, 0, 0), 3)
	mustRun(t, th, b, 0)

	if diff := cmp.Diff([]int{1, 2, 3}, lines); diff != "" {
		t.Errorf("line events (-want +got):\n%s", diff)
	}
	th.SetHook(nil, 0, 0)
	if h, mask, _ := th.GetHook(); h != nil || mask != 0 {
		t.Error("hook still installed")
	}
}

func TestCallAndReturnHooks(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()
	setGlobalFunc(th, "gofn", func(*Thread) (int, error) { return 0, nil })

	var events []string
	th.SetHook(func(t *Thread, ar *Debug) {
		t.GetInfo("S", ar)
		events = append(events, ar.Event.String()+" "+ar.What)
	}, MaskCall|MaskRet, 0)

	b := chunk("calls")
	b.Emit(CreateABC(OpGetTabUp, 0, 0, b.Const("gofn")), 1)
	b.Emit(CreateABC(OpCall, 0, 1, 1), 1)
	b.Emit(CreateABC(OpReturn0, 0, 0, 0), 1)
	mustRun(t, th, b, 0)
	th.SetHook(nil, 0, 0)

	want := []string{"call main", "call Go", "return Go", "return main"}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func TestCountHook(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()

	count := 0
	th.SetHook(func(*Thread, *Debug) { count++ }, MaskCount, 1)

	b := chunk("count")
	for i := 0; i < 9; i++ {
		b.Emit(CreateAsBx(OpLoadI, 0, i), 1)
	}
	b.Emit(CreateABC(OpReturn0, 0, 0, 0), 1)
	mustRun(t, th, b, 0)

	if count != 10 {
		t.Errorf("count hook ran %d times for 10 instructions", count)
	}
}

// ---------------------------------------------------------------------------
// Tracebacks
// ---------------------------------------------------------------------------

func TestTraceback(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()

	var tb string
	setGlobalFunc(th, "probe", func(t *Thread) (int, error) {
		tb = t.Traceback("here", 0)
		return 0, nil
	})
	mustRun(t, th, probeChunk(), 1)

	want := "here\nstack traceback:" +
		"\n\t[Go]: in global 'probe'" +
		"\n\tprobe:3: in local 'f'" +
		"\n\tprobe:6: in main chunk"
	if tb != want {
		t.Errorf("traceback:\n%s\nwant:\n%s", tb, want)
	}
}

func TestTracebackSkipsMiddleLevels(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()

	var tb string
	remaining := 40
	setGlobalFunc(th, "deep", func(t *Thread) (int, error) {
		remaining--
		if remaining == 0 {
			tb = t.Traceback("", 0)
			return 0, nil
		}
		t.GetGlobal("deep")
		t.Call(0, 0)
		return 0, nil
	})
	th.GetGlobal("deep")
	th.Call(0, 0)

	if !strings.HasPrefix(tb, "stack traceback:") {
		t.Errorf("traceback without message starts with %.30q", tb)
	}
	if !strings.Contains(tb, "\n\t...\t(skipping 18 levels)") {
		t.Errorf("long traceback not abridged:\n%s", tb)
	}
	if n := strings.Count(tb, "\n\t[Go]: in "); n != levels1+levels2 {
		t.Errorf("traceback shows %d levels, want %d", n, levels1+levels2)
	}
}
