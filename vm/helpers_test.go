package vm

import (
	"testing"
)

// ---------------------------------------------------------------------------
// Shared test helpers
// ---------------------------------------------------------------------------

// newTestVM creates a VM with a fixed hash seed that is closed when the
// test ends.
func newTestVM(t *testing.T) *VM {
	t.Helper()
	return newTestVMWith(t, Options{Seed: 1})
}

func newTestVMWith(t *testing.T, opts Options) *VM {
	t.Helper()
	g := NewVM(opts)
	t.Cleanup(g.Close)
	return g
}

// chunk starts a main function named "=name" whose upvalue 0 is _ENV.
func chunk(name string) *ProtoBuilder {
	b := NewProtoBuilder("="+name, 0).MaxStack(10)
	b.Upvalue(envName, true, 0)
	return b
}

// runChunk loads b and calls it in protected mode keeping nres results.
func runChunk(t *testing.T, th *Thread, b *ProtoBuilder, nres int) error {
	t.Helper()
	if err := th.Load(b); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return th.PCall(0, nres, 0)
}

// mustRun is runChunk for chunks that must not fail.
func mustRun(t *testing.T, th *Thread, b *ProtoBuilder, nres int) {
	t.Helper()
	if err := runChunk(t, th, b, nres); err != nil {
		t.Fatalf("run %s: %v", b.source, err)
	}
}

func setGlobalFunc(th *Thread, name string, fn GoFunction) {
	th.PushGoFunction(fn)
	th.SetGlobal(name)
}

func wantInteger(t *testing.T, th *Thread, idx int, want int64) {
	t.Helper()
	got, ok := th.ToInteger(idx)
	if !ok || !th.IsInteger(idx) {
		t.Fatalf("value at %d is %v, want integer %d", idx, th.Type(idx), want)
	}
	if got != want {
		t.Errorf("value at %d = %d, want %d", idx, got, want)
	}
}

// sc encodes a signed C or B operand.
func sc(n int) int { return n + offsetSC }
