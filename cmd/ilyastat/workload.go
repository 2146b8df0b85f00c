package main

import (
	"github.com/chazu/ilya/vm"
)

// slots is the size of the ring of closures the workload keeps alive.
const slots = 64

// workload builds the chunk
//
//	local t = {}
//	for i = 1, n do
//	  local x = {}
//	  t[i % 64] = function() return x end
//	end
//	return t
//
// Every iteration allocates a table, an upvalue and a closure; only the
// last 64 stay reachable.
func workload(n int) *vm.ProtoBuilder {
	body := vm.NewProtoBuilder("=workload", 4).Params(0, false).MaxStack(2).LastLine(4)
	body.Upvalue("x", true, 5)
	body.Emit(vm.CreateABC(vm.OpGetUpval, 0, 0, 0), 4)
	body.Emit(vm.CreateABC(vm.OpReturn1, 0, 0, 0), 4)

	b := vm.NewProtoBuilder("=workload", 0).Params(0, true).MaxStack(9)
	b.Upvalue("_ENV", true, 0)
	child := b.Child(body)
	b.Emit(vm.CreateABC(vm.OpVarargPrep, 0, 0, 0), 1)
	b.Emit(vm.CreateABC(vm.OpNewTable, 0, 0, 0), 1)
	b.Emit(vm.CreateAx(vm.OpExtraArg, 0), 1)
	b.Emit(vm.CreateAsBx(vm.OpLoadI, 1, 1), 2)
	b.Emit(vm.CreateABx(vm.OpLoadK, 2, b.Const(n)), 2)
	b.Emit(vm.CreateAsBx(vm.OpLoadI, 3, 1), 2)
	prep := b.Emit(vm.CreateABx(vm.OpForPrep, 1, 0), 2)
	b.Emit(vm.CreateABC(vm.OpNewTable, 5, 0, 0), 3)
	b.Emit(vm.CreateAx(vm.OpExtraArg, 0), 3)
	b.Emit(vm.CreateABx(vm.OpClosure, 6, child), 4)
	b.Emit(vm.CreateAsBx(vm.OpLoadI, 7, slots), 4)
	b.Emit(vm.CreateABC(vm.OpMod, 8, 4, 7), 4)
	b.Emit(vm.CreateABC(vm.OpSetTable, 0, 8, 6), 4)
	b.Emit(vm.CreateABC(vm.OpClose, 5, 0, 0), 5)
	loop := b.PC()
	b.Patch(prep, vm.CreateABx(vm.OpForPrep, 1, loop-prep-1))
	b.Emit(vm.CreateABx(vm.OpForLoop, 1, loop-prep), 5)
	b.Emit(vm.CreateABC(vm.OpReturn, 0, 2, 1), 6)
	b.Local("t", 3, b.PC())
	b.Local("(for state)", 7, loop+1)
	b.Local("(for state)", 7, loop+1)
	b.Local("(for state)", 7, loop+1)
	b.Local("i", 8, loop)
	b.Local("x", 9, loop)
	return b.LastLine(6)
}
