package vm

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// ---------------------------------------------------------------------------
// Upvalues
// ---------------------------------------------------------------------------

// counterChunk builds
//
//	local n = 0
//	local function inc() n = n + 1 end
//	local function get() return n end
//	inc(); inc()
//	return n, inc, get
func counterChunk() *ProtoBuilder {
	inc := NewProtoBuilder("=counter", 2).Params(0, false).MaxStack(2).LastLine(2)
	inc.Upvalue("n", true, 0)
	inc.Emit(CreateABC(OpGetUpval, 0, 0, 0), 2)
	inc.Emit(CreateABC(OpAddI, 0, 0, sc(1)), 2)
	inc.Emit(CreateABC(OpSetUpval, 0, 0, 0), 2)
	inc.Emit(CreateABC(OpReturn0, 0, 0, 0), 2)

	get := NewProtoBuilder("=counter", 3).Params(0, false).MaxStack(2).LastLine(3)
	get.Upvalue("n", true, 0)
	get.Emit(CreateABC(OpGetUpval, 0, 0, 0), 3)
	get.Emit(CreateABC(OpReturn1, 0, 0, 0), 3)

	b := chunk("counter")
	b.Emit(CreateAsBx(OpLoadI, 0, 0), 1)
	b.Emit(CreateABx(OpClosure, 1, b.Child(inc)), 2)
	b.Emit(CreateABx(OpClosure, 2, b.Child(get)), 3)
	b.Emit(CreateABC(OpMove, 3, 1, 0), 4)
	b.Emit(CreateABC(OpCall, 3, 1, 1), 4)
	b.Emit(CreateABC(OpMove, 3, 1, 0), 4)
	b.Emit(CreateABC(OpCall, 3, 1, 1), 4)
	b.Emit(CreateABCk(OpReturn, 0, 4, 0, true), 5)
	b.Local("n", 1, 8)
	b.Local("inc", 2, 8)
	b.Local("get", 3, 8)
	return b
}

func TestUpvalueSharedBetweenClosures(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()

	mustRun(t, th, counterChunk(), 3)
	wantInteger(t, th, 1, 2)
	if th.openUpval != nil {
		t.Error("returning with k set should close the frame's upvalues")
	}

	// inc and get still share the now closed cell
	if th.UpvalueID(2, 1) != th.UpvalueID(3, 1) {
		t.Fatal("inc and get have different upvalues")
	}
	th.PushValue(2)
	th.Call(0, 0)
	th.PushValue(3)
	th.Call(0, 1)
	wantInteger(t, th, -1, 3)

	name, ok := th.GetUpvalue(3, 1)
	if !ok || name != "n" {
		t.Errorf("GetUpvalue = %q, %v; want n, true", name, ok)
	}
	wantInteger(t, th, -1, 3)
	if _, ok := th.GetUpvalue(3, 2); ok {
		t.Error("GetUpvalue beyond the last upvalue should fail")
	}
}

func TestSetUpvalueVisibleToSharers(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()

	mustRun(t, th, counterChunk(), 3)
	th.PushInteger(100)
	if name, ok := th.SetUpvalue(2, 1); !ok || name != "n" {
		t.Fatalf("SetUpvalue = %q, %v", name, ok)
	}
	th.PushValue(3)
	th.Call(0, 1)
	wantInteger(t, th, -1, 100)
}

func TestUpvalueJoin(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()

	mustRun(t, th, counterChunk(), 3)
	mustRun(t, th, counterChunk(), 3)
	// stack: n1 inc1 get1 n2 inc2 get2
	if th.UpvalueID(3, 1) == th.UpvalueID(6, 1) {
		t.Fatal("closures of different runs share an upvalue")
	}
	th.UpvalueJoin(6, 1, 2, 1)
	if th.UpvalueID(3, 1) != th.UpvalueID(6, 1) {
		t.Fatal("UpvalueJoin did not share the upvalue")
	}
	th.PushValue(2)
	th.Call(0, 0)
	th.PushValue(6)
	th.Call(0, 1)
	wantInteger(t, th, -1, 3)
}

func TestGoClosureUpvalues(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()

	th.PushInteger(10)
	th.PushGoClosure(func(t *Thread) (int, error) {
		n, _ := t.ToInteger(UpvalueIndex(1))
		t.PushInteger(n + 1)
		t.Copy(-1, UpvalueIndex(1))
		return 1, nil
	}, 1)
	for i := 0; i < 3; i++ {
		th.PushValue(-1)
		th.Call(0, 1)
		th.Pop(1)
	}
	th.PushValue(-1)
	th.Call(0, 1)
	wantInteger(t, th, -1, 14)

	name, ok := th.GetUpvalue(1, 1)
	if !ok || name != "" {
		t.Errorf("Go closure upvalue name = %q, %v; want empty, true", name, ok)
	}
}

func TestFindUpvalReusesOpenUpvalue(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()
	co := th.NewThread()
	th.CheckStack(20)
	th.SetTop(15)
	co.CheckStack(20)
	co.SetTop(15)

	uv1 := th.findUpval(10)
	if uv2 := th.findUpval(10); uv2 != uv1 {
		t.Fatal("two captures of one slot got different upvalues")
	}
	uv3 := th.findUpval(12)
	if th.openUpval != uv3 || uv3.next != uv1 {
		t.Error("open upvalue list is not ordered by decreasing level")
	}
	if !th.inTwups() {
		t.Error("thread with open upvalues is not in the twups list")
	}
	if co.findUpval(10) == uv1 {
		t.Error("threads share an open upvalue")
	}

	th.stack[10].val = Int(7)
	th.closeUpvals(11)
	if uv3.isOpen() || !uv1.isOpen() {
		t.Fatal("closeUpvals(11) must close only levels >= 11")
	}
	th.closeUpvals(1)
	th.stack[10].val = Int(8)
	if v := uv1.get(); !v.IsInteger() || v.ival() != 7 {
		t.Errorf("closed upvalue = %v, want 7", v)
	}
	// closing again is a no-op
	th.closeUpvals(1)
	if uv1.get().ival() != 7 || th.openUpval != nil {
		t.Error("second close changed state")
	}
	co.closeUpvals(1)
}

// ---------------------------------------------------------------------------
// To-be-closed variables
// ---------------------------------------------------------------------------

// closeRecorder pushes a metatable whose __close appends the userdata's
// payload to the returned slice, and the error it received to errs.
func closeRecorder(th *Thread) (order *[]int, errs *[]string) {
	order, errs = new([]int), new([]string)
	th.NewTable()
	th.PushGoFunction(func(t *Thread) (int, error) {
		*order = append(*order, t.ToUserdata(1).(int))
		if s, ok := t.ToString(2); ok {
			*errs = append(*errs, s)
		}
		return 0, nil
	})
	th.SetField(-2, "__close")
	return order, errs
}

// pushClosable pushes a userdata carrying id with the metatable at mtIdx.
func pushClosable(th *Thread, id, mtIdx int) {
	mtIdx = th.AbsIndex(mtIdx)
	th.NewUserdata(id, 0)
	th.PushValue(mtIdx)
	th.SetMetatable(-2)
}

func TestTBCListBridgesLongGaps(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()
	order, _ := closeRecorder(th) // metatable at 1

	const low, high = 5, 5 + maxTBCDelta + 10
	if !th.CheckStack(high + 10) {
		t.Fatal("CheckStack failed")
	}
	th.SetTop(high + 4)
	pushClosable(th, low, 1)
	th.Replace(low)
	pushClosable(th, high, 1)
	th.Replace(high)

	th.newTBC(low)
	th.newTBC(high)
	filler := low + maxTBCDelta
	if th.stack[filler].tbcDelta != 0 {
		t.Errorf("filler entry at %d has delta %d", filler, th.stack[filler].tbcDelta)
	}
	if diff := cmp.Diff([]int{high, low}, th.tbcLevels()); diff != "" {
		t.Errorf("tbc levels (-want +got):\n%s", diff)
	}

	th.SetTop(0)
	if diff := cmp.Diff([]int{high, low}, *order); diff != "" {
		t.Errorf("close order (-want +got):\n%s", diff)
	}
	if th.tbcList != 0 {
		t.Errorf("tbcList = %d after closing everything", th.tbcList)
	}
}

func TestToCloseInGoFunction(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()
	order, errs := closeRecorder(th)

	th.SetGlobal("closemt")

	// closed on return
	th.PushGoFunction(func(t *Thread) (int, error) {
		t.GetGlobal("closemt")
		pushClosable(t, 1, -1)
		t.ToClose(-1)
		t.PushInteger(5)
		return 1, nil
	})
	th.Call(0, 1)
	wantInteger(t, th, -1, 5)
	th.Pop(1)

	// closed explicitly, then not again on return
	th.PushGoFunction(func(t *Thread) (int, error) {
		t.GetGlobal("closemt")
		pushClosable(t, 2, -1)
		t.ToClose(-1)
		t.CloseSlot(-1)
		if !t.IsNil(-1) {
			return 0, t.Errorf("slot not cleared")
		}
		return 0, nil
	})
	th.Call(0, 0)

	// closed with the pending error
	th.PushGoFunction(func(t *Thread) (int, error) {
		t.GetGlobal("closemt")
		pushClosable(t, 3, -1)
		t.ToClose(-1)
		return 0, errBoom
	})
	if err := th.PCall(0, 0, 0); err == nil || err.Error() != "boom" {
		t.Fatalf("err = %v, want boom", err)
	}

	if diff := cmp.Diff([]int{1, 2, 3}, *order); diff != "" {
		t.Errorf("closed (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"boom"}, *errs); diff != "" {
		t.Errorf("close errors (-want +got):\n%s", diff)
	}
}

func TestToCloseRejectsNonClosable(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()

	th.PushGoFunction(func(t *Thread) (int, error) {
		t.PushInteger(1)
		t.ToClose(-1)
		return 0, nil
	})
	err := th.PCall(0, 0, 0)
	if err == nil || !strings.Contains(err.Error(), "got a non-closable value") {
		t.Errorf("err = %v, want non-closable value error", err)
	}
}

func TestCloseHandlerErrorReplacesPending(t *testing.T) {
	g := newTestVM(t)
	th := g.MainThread()

	th.NewTable()
	th.PushGoFunction(func(t *Thread) (int, error) {
		return 0, t.Errorf("close failed")
	})
	th.SetField(-2, "__close")
	th.SetGlobal("badmt")

	th.PushGoFunction(func(t *Thread) (int, error) {
		t.GetGlobal("badmt")
		pushClosable(t, 1, -1)
		t.ToClose(-1)
		return 0, errBoom
	})
	err := th.PCall(0, 0, 0)
	if err == nil || err.Error() != "close failed" {
		t.Errorf("err = %v, want the close handler's error", err)
	}
}
