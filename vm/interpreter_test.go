package vm

import (
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Basic execution tests
// ---------------------------------------------------------------------------

func TestInterpreterArithmetic(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()

	// local a, b = 6, 7
	// return a * b + 1
	b := chunk("arith")
	b.Emit(CreateAsBx(OpLoadI, 0, 6), 1)
	b.Emit(CreateAsBx(OpLoadI, 1, 7), 1)
	b.Emit(CreateABC(OpMul, 2, 0, 1), 2)
	b.Emit(CreateABC(OpAddI, 2, 2, sc(1)), 2)
	b.Emit(CreateABC(OpReturn1, 2, 0, 0), 2)

	mustRun(t, th, b, 1)
	wantInteger(t, th, -1, 43)
}

func TestInterpreterMultipleResults(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()

	// return 7 / 2, 7 // 2, 7 % -3
	b := chunk("results")
	b.Emit(CreateAsBx(OpLoadI, 0, 7), 1)
	b.Emit(CreateAsBx(OpLoadI, 1, 2), 1)
	b.Emit(CreateAsBx(OpLoadI, 2, -3), 1)
	b.Emit(CreateABC(OpDiv, 3, 0, 1), 1)
	b.Emit(CreateABC(OpIDiv, 4, 0, 1), 1)
	b.Emit(CreateABC(OpMod, 5, 0, 2), 1)
	b.Emit(CreateABC(OpReturn, 3, 4, 0), 1)

	mustRun(t, th, b, MultRet)
	if n := th.GetTop(); n != 3 {
		t.Fatalf("GetTop() = %d, want 3", n)
	}
	if f, ok := th.ToNumber(1); !ok || f != 3.5 || th.IsInteger(1) {
		t.Errorf("7 / 2 = %v (integer %v), want float 3.5", f, th.IsInteger(1))
	}
	wantInteger(t, th, 2, 3)
	wantInteger(t, th, 3, -2)
}

func TestInterpreterGlobals(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()

	// x = 42
	// return x
	b := chunk("globals")
	kx := b.Const("x")
	b.Emit(CreateABCk(OpSetTabUp, 0, kx, b.Const(42), true), 1)
	b.Emit(CreateABC(OpGetTabUp, 0, 0, kx), 2)
	b.Emit(CreateABC(OpReturn1, 0, 0, 0), 2)

	mustRun(t, th, b, 1)
	wantInteger(t, th, -1, 42)

	if typ := th.GetGlobal("x"); typ != TypeNumber {
		t.Fatalf("global x has type %v, want number", typ)
	}
	wantInteger(t, th, -1, 42)
}

func TestInterpreterNumericFor(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()

	// local sum = 0
	// for i = 1, 10 do sum = sum + i end
	// return sum
	b := chunk("for")
	b.Emit(CreateAsBx(OpLoadI, 0, 0), 1)
	b.Emit(CreateAsBx(OpLoadI, 1, 1), 2)
	b.Emit(CreateAsBx(OpLoadI, 2, 10), 2)
	b.Emit(CreateAsBx(OpLoadI, 3, 1), 2)
	prep := b.Emit(CreateABx(OpForPrep, 1, 0), 2)
	b.Emit(CreateABC(OpAdd, 0, 0, 4), 2)
	loop := b.PC()
	b.Patch(prep, CreateABx(OpForPrep, 1, loop-prep-1))
	b.Emit(CreateABx(OpForLoop, 1, loop-prep), 2)
	b.Emit(CreateABC(OpReturn1, 0, 0, 0), 3)

	mustRun(t, th, b, 1)
	wantInteger(t, th, -1, 55)
}

func TestInterpreterFloatFor(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()

	// local sum = 0
	// for x = 1.0, 2, 0.5 do sum = sum + x end
	// return sum
	b := chunk("ffor")
	b.Emit(CreateAsBx(OpLoadI, 0, 0), 1)
	b.Emit(CreateAsBx(OpLoadF, 1, 1), 2)
	b.Emit(CreateAsBx(OpLoadI, 2, 2), 2)
	b.Emit(CreateABx(OpLoadK, 3, b.Const(0.5)), 2)
	prep := b.Emit(CreateABx(OpForPrep, 1, 0), 2)
	b.Emit(CreateABC(OpAdd, 0, 0, 4), 2)
	loop := b.PC()
	b.Patch(prep, CreateABx(OpForPrep, 1, loop-prep-1))
	b.Emit(CreateABx(OpForLoop, 1, loop-prep), 2)
	b.Emit(CreateABC(OpReturn1, 0, 0, 0), 3)

	mustRun(t, th, b, 1)
	if f, _ := th.ToNumber(-1); f != 4.5 {
		t.Errorf("sum = %v, want 4.5", f)
	}
}

func TestInterpreterForStepZero(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()

	// for i = 1, 10, 0 do end
	b := chunk("step")
	b.Emit(CreateAsBx(OpLoadI, 0, 1), 1)
	b.Emit(CreateAsBx(OpLoadI, 1, 10), 1)
	b.Emit(CreateAsBx(OpLoadI, 2, 0), 1)
	b.Emit(CreateABx(OpForPrep, 0, 0), 1)
	b.Emit(CreateABx(OpForLoop, 0, 1), 1)
	b.Emit(CreateABC(OpReturn0, 0, 0, 0), 1)

	err := runChunk(t, th, b, 0)
	if err == nil || err.Error() != "step:1: 'for' step is zero" {
		t.Errorf("err = %v, want 'for' step is zero", err)
	}
}

func TestInterpreterCallGoFunction(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()
	setGlobalFunc(th, "add", func(t *Thread) (int, error) {
		a, _ := t.ToInteger(1)
		b, _ := t.ToInteger(2)
		t.PushInteger(a + b)
		return 1, nil
	})

	// return add(2, 40)
	b := chunk("gocall")
	b.Emit(CreateABC(OpGetTabUp, 0, 0, b.Const("add")), 1)
	b.Emit(CreateAsBx(OpLoadI, 1, 2), 1)
	b.Emit(CreateAsBx(OpLoadI, 2, 40), 1)
	b.Emit(CreateABC(OpCall, 0, 3, 2), 1)
	b.Emit(CreateABC(OpReturn1, 0, 0, 0), 1)

	mustRun(t, th, b, 1)
	wantInteger(t, th, -1, 42)
}

func TestInterpreterScriptCall(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()

	// local function mul(a, b) return a * b end
	// return mul(6, 7)
	mul := NewProtoBuilder("=scall", 1).Params(2, false).MaxStack(3).LastLine(1)
	mul.Emit(CreateABC(OpMul, 2, 0, 1), 1)
	mul.Emit(CreateABC(OpReturn1, 2, 0, 0), 1)

	b := chunk("scall")
	b.Emit(CreateABx(OpClosure, 0, b.Child(mul)), 1)
	b.Emit(CreateAsBx(OpLoadI, 1, 6), 2)
	b.Emit(CreateAsBx(OpLoadI, 2, 7), 2)
	b.Emit(CreateABC(OpCall, 0, 3, 2), 2)
	b.Emit(CreateABC(OpReturn1, 0, 0, 0), 2)

	mustRun(t, th, b, 1)
	wantInteger(t, th, -1, 42)
}

// countdown builds
//
//	function f(n)
//	  if n == 0 then return "done" end
//	  return f(n - 1)
//	end
func countdown(tail bool) *ProtoBuilder {
	f := NewProtoBuilder("=countdown", 1).Params(1, false).MaxStack(4).LastLine(4)
	f.Upvalue(envName, false, 0)
	f.Emit(CreateABCk(OpEqI, 0, sc(0), 0, false), 2)
	f.Emit(CreateSJ(OpJmp, 2), 2)
	f.Emit(CreateABx(OpLoadK, 1, f.Const("done")), 2)
	f.Emit(CreateABC(OpReturn1, 1, 0, 0), 2)
	f.Emit(CreateABC(OpGetTabUp, 1, 0, f.Const("f")), 3)
	f.Emit(CreateABC(OpAddI, 2, 0, sc(-1)), 3)
	if tail {
		f.Emit(CreateABC(OpTailCall, 1, 2, 0), 3)
		f.Emit(CreateABC(OpReturn, 1, 0, 0), 3)
	} else {
		f.Emit(CreateABC(OpCall, 1, 2, 2), 3)
		f.Emit(CreateABC(OpReturn1, 1, 0, 0), 3)
	}
	f.Local("n", 0, f.PC())
	return f
}

// callCountdown builds "f = <countdown>; return f(n)".
func callCountdown(name string, n int, tail bool) *ProtoBuilder {
	b := chunk(name)
	kf := b.Const("f")
	b.Emit(CreateABx(OpClosure, 0, b.Child(countdown(tail))), 1)
	b.Emit(CreateABCk(OpSetTabUp, 0, kf, 0, false), 1)
	b.Emit(CreateABC(OpGetTabUp, 0, 0, kf), 5)
	b.Emit(CreateABx(OpLoadK, 1, b.Const(n)), 5)
	b.Emit(CreateABC(OpCall, 0, 2, 2), 5)
	b.Emit(CreateABC(OpReturn1, 0, 0, 0), 5)
	return b
}

func TestInterpreterTailCallDoesNotGrowStack(t *testing.T) {
	g := newTestVMWith(t, Options{Seed: 1, MaxStack: 1000})
	th := g.MainThread()

	mustRun(t, th, callCountdown("tail", 100000, true), 1)
	if s, _ := th.ToString(-1); s != "done" {
		t.Errorf("result = %q, want done", s)
	}
	if th.nci > 4 {
		t.Errorf("CallInfo chain has %d records after tail recursion", th.nci)
	}
}

func TestInterpreterVarargs(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()

	// return ...
	b := chunk("varargs").Params(0, true)
	b.Emit(CreateABC(OpVarargPrep, 0, 0, 0), 1)
	b.Emit(CreateABC(OpVararg, 0, 0, 0), 1)
	b.Emit(CreateABC(OpReturn, 0, 0, 1), 1)

	if err := th.Load(b); err != nil {
		t.Fatal(err)
	}
	th.PushInteger(1)
	th.PushString("two")
	th.PushBoolean(true)
	if err := th.PCall(3, MultRet, 0); err != nil {
		t.Fatal(err)
	}
	if n := th.GetTop(); n != 3 {
		t.Fatalf("GetTop() = %d, want 3", n)
	}
	wantInteger(t, th, 1, 1)
	if s, _ := th.ToString(2); s != "two" {
		t.Errorf("second result = %q, want two", s)
	}
	if !th.ToBoolean(3) {
		t.Error("third result should be true")
	}
}

func TestInterpreterConcat(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()

	// return "a" .. 1 .. "b"
	b := chunk("concat")
	b.Emit(CreateABx(OpLoadK, 0, b.Const("a")), 1)
	b.Emit(CreateAsBx(OpLoadI, 1, 1), 1)
	b.Emit(CreateABx(OpLoadK, 2, b.Const("b")), 1)
	b.Emit(CreateABC(OpConcat, 0, 3, 0), 1)
	b.Emit(CreateABC(OpReturn1, 0, 0, 0), 1)

	mustRun(t, th, b, 1)
	if s, _ := th.ToString(-1); s != "a1b" {
		t.Errorf("result = %q, want a1b", s)
	}
}

func TestInterpreterConditionalJump(t *testing.T) {
	for _, tc := range []struct {
		a, b int
		want string
	}{
		{1, 2, "yes"},
		{2, 1, "no"},
		{2, 2, "no"},
	} {
		g := newTestVM(t)
		th := g.MainThread()

		// if a < b then return "yes" else return "no" end
		b := chunk("cond")
		b.Emit(CreateAsBx(OpLoadI, 0, tc.a), 1)
		b.Emit(CreateAsBx(OpLoadI, 1, tc.b), 1)
		b.Emit(CreateABCk(OpLt, 0, 1, 0, false), 1)
		b.Emit(CreateSJ(OpJmp, 2), 1)
		b.Emit(CreateABx(OpLoadK, 2, b.Const("yes")), 2)
		b.Emit(CreateABC(OpReturn1, 2, 0, 0), 2)
		b.Emit(CreateABx(OpLoadK, 2, b.Const("no")), 3)
		b.Emit(CreateABC(OpReturn1, 2, 0, 0), 3)

		mustRun(t, th, b, 1)
		if s, _ := th.ToString(-1); s != tc.want {
			t.Errorf("%d < %d: got %q, want %q", tc.a, tc.b, s, tc.want)
		}
	}
}

func TestInterpreterSetList(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()

	// return {10, 20, 30}
	b := chunk("setlist")
	b.Emit(CreateABC(OpNewTable, 0, 0, 3), 1)
	b.Emit(CreateAx(OpExtraArg, 0), 1)
	b.Emit(CreateAsBx(OpLoadI, 1, 10), 1)
	b.Emit(CreateAsBx(OpLoadI, 2, 20), 1)
	b.Emit(CreateAsBx(OpLoadI, 3, 30), 1)
	b.Emit(CreateABC(OpSetList, 0, 3, 0), 1)
	b.Emit(CreateABC(OpReturn1, 0, 0, 0), 1)

	mustRun(t, th, b, 1)
	if n := th.RawLen(-1); n != 3 {
		t.Fatalf("#t = %d, want 3", n)
	}
	th.RawGetI(-1, 2)
	wantInteger(t, th, -1, 20)
}

func TestInterpreterArithMetamethod(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()

	var gotRight int64
	th.NewTable()
	th.NewTable()
	th.PushGoFunction(func(t *Thread) (int, error) {
		gotRight, _ = t.ToInteger(2)
		t.PushInteger(99)
		return 1, nil
	})
	th.SetField(-2, "__add")
	th.SetMetatable(-2)
	th.SetGlobal("obj")

	// return obj + 1
	b := chunk("meta")
	b.Emit(CreateABC(OpGetTabUp, 0, 0, b.Const("obj")), 1)
	b.Emit(CreateAsBx(OpLoadI, 1, 1), 1)
	b.Emit(CreateABC(OpAdd, 2, 0, 1), 1)
	b.Emit(CreateABC(OpReturn1, 2, 0, 0), 1)

	mustRun(t, th, b, 1)
	wantInteger(t, th, -1, 99)
	if gotRight != 1 {
		t.Errorf("__add got right operand %d, want 1", gotRight)
	}
}

func TestInterpreterInterrupt(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()

	// while true do end
	b := chunk("loop")
	b.Emit(CreateSJ(OpJmp, -1), 1)

	timer := time.AfterFunc(10*time.Millisecond, g.Interrupt)
	defer timer.Stop()
	err := runChunk(t, th, b, 0)
	if err == nil || err.Error() != "loop:1: interrupted!" {
		t.Fatalf("err = %v, want interrupted", err)
	}

	// the flag is consumed: the VM runs normally afterwards
	th.SetTop(0)
	ok := chunk("after")
	ok.Emit(CreateAsBx(OpLoadI, 0, 1), 1)
	ok.Emit(CreateABC(OpReturn1, 0, 0, 0), 1)
	mustRun(t, th, ok, 1)
	wantInteger(t, th, -1, 1)
}
