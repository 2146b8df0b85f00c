package vm

import "fmt"

// ---------------------------------------------------------------------------
// Instruction encoding
// ---------------------------------------------------------------------------

// Instruction is one 32-bit VM instruction. Formats:
//
//	iABC   C(8) | B(8) | k(1) | A(8) | Op(7)
//	iABx   Bx(17)           | A(8) | Op(7)
//	iAsBx  sBx(17)          | A(8) | Op(7)
//	iAx    Ax(25)                  | Op(7)
//	isJ    sJ(25)                  | Op(7)
type Instruction uint32

const (
	sizeOp = 7
	sizeA  = 8
	sizeB  = 8
	sizeC  = 8
	sizeBx = sizeC + sizeB + 1
	sizeAx = sizeBx + sizeA
	sizeSJ = sizeBx + sizeA

	posOp = 0
	posA  = posOp + sizeOp
	posK  = posA + sizeA
	posB  = posK + 1
	posC  = posB + sizeB
	posBx = posK
	posAx = posA
	posSJ = posA

	maxArgA  = 1<<sizeA - 1
	maxArgB  = 1<<sizeB - 1
	maxArgC  = 1<<sizeC - 1
	maxArgBx = 1<<sizeBx - 1
	maxArgAx = 1<<sizeAx - 1
	maxArgSJ = 1<<sizeSJ - 1

	offsetSBx = maxArgBx >> 1
	offsetSJ  = maxArgSJ >> 1
	offsetSC  = maxArgC >> 1
)

func mask1(n, p uint) Instruction { return (1<<n - 1) << p }

func (i Instruction) OpCode() OpCode { return OpCode(i >> posOp & (1<<sizeOp - 1)) }
func (i Instruction) A() int         { return int(i >> posA & (1<<sizeA - 1)) }
func (i Instruction) B() int         { return int(i >> posB & (1<<sizeB - 1)) }
func (i Instruction) C() int         { return int(i >> posC & (1<<sizeC - 1)) }
func (i Instruction) K() bool        { return i>>posK&1 != 0 }
func (i Instruction) Bx() int        { return int(i >> posBx & (1<<sizeBx - 1)) }
func (i Instruction) SBx() int       { return i.Bx() - offsetSBx }
func (i Instruction) Ax() int        { return int(i >> posAx & (1<<sizeAx - 1)) }
func (i Instruction) SJ() int        { return int(i>>posSJ&(1<<sizeSJ-1)) - offsetSJ }
func (i Instruction) SB() int        { return i.B() - offsetSC }
func (i Instruction) SC() int        { return i.C() - offsetSC }

func (i Instruction) setA(a int) Instruction {
	return i&^mask1(sizeA, posA) | Instruction(a)<<posA&mask1(sizeA, posA)
}

// CreateABCk encodes an iABC instruction.
func CreateABCk(op OpCode, a, b, c int, k bool) Instruction {
	return Instruction(op)<<posOp | Instruction(a)<<posA |
		Instruction(b)<<posB | Instruction(c)<<posC | Instruction(b2i(k))<<posK
}

// CreateABC encodes an iABC instruction with k cleared.
func CreateABC(op OpCode, a, b, c int) Instruction { return CreateABCk(op, a, b, c, false) }

// CreateABx encodes an iABx instruction.
func CreateABx(op OpCode, a, bx int) Instruction {
	return Instruction(op)<<posOp | Instruction(a)<<posA | Instruction(bx)<<posBx
}

// CreateAsBx encodes an iAsBx instruction.
func CreateAsBx(op OpCode, a, sbx int) Instruction { return CreateABx(op, a, sbx+offsetSBx) }

// CreateAx encodes an iAx instruction.
func CreateAx(op OpCode, ax int) Instruction {
	return Instruction(op)<<posOp | Instruction(ax)<<posAx
}

// CreateSJ encodes an isJ instruction.
func CreateSJ(op OpCode, sj int) Instruction {
	return Instruction(op)<<posOp | Instruction(sj+offsetSJ)<<posSJ
}

// String disassembles the instruction.
func (i Instruction) String() string {
	op := i.OpCode()
	switch opModes[op].mode {
	case iABx:
		return fmt.Sprintf("%-9s %d %d", op, i.A(), i.Bx())
	case iAsBx:
		return fmt.Sprintf("%-9s %d %d", op, i.A(), i.SBx())
	case iAx:
		return fmt.Sprintf("%-9s %d", op, i.Ax())
	case isJ:
		return fmt.Sprintf("%-9s %d", op, i.SJ())
	}
	k := ""
	if i.K() {
		k = "k"
	}
	return fmt.Sprintf("%-9s %d %d %d%s", op, i.A(), i.B(), i.C(), k)
}

// ---------------------------------------------------------------------------
// Opcodes
// ---------------------------------------------------------------------------

// OpCode identifies an instruction.
type OpCode uint8

const (
	OpMove       OpCode = iota // A B      R[A] := R[B]
	OpLoadI                    // A sBx    R[A] := sBx
	OpLoadF                    // A sBx    R[A] := (float)sBx
	OpLoadK                    // A Bx     R[A] := K[Bx]
	OpLoadKX                   // A        R[A] := K[extra arg]
	OpLoadFalse                // A        R[A] := false
	OpLoadTrue                 // A        R[A] := true
	OpLoadNil                  // A B      R[A], ..., R[A+B] := nil
	OpGetUpval                 // A B      R[A] := UpValue[B]
	OpSetUpval                 // A B      UpValue[B] := R[A]
	OpGetTabUp                 // A B C    R[A] := UpValue[B][K[C]:shortstring]
	OpGetTable                 // A B C    R[A] := R[B][R[C]]
	OpGetI                     // A B C    R[A] := R[B][C]
	OpGetField                 // A B C    R[A] := R[B][K[C]:shortstring]
	OpSetTabUp                 // A B C    UpValue[A][K[B]:shortstring] := RK(C)
	OpSetTable                 // A B C    R[A][R[B]] := RK(C)
	OpSetI                     // A B C    R[A][B] := RK(C)
	OpSetField                 // A B C    R[A][K[B]:shortstring] := RK(C)
	OpNewTable                 // A B C k  R[A] := {}
	OpSelf                     // A B C    R[A+1] := R[B]; R[A] := R[B][RK(C):string]
	OpAddI                     // A B sC   R[A] := R[B] + sC
	OpAdd                      // A B C    R[A] := R[B] + R[C]
	OpSub                      // A B C    R[A] := R[B] - R[C]
	OpMul                      // A B C    R[A] := R[B] * R[C]
	OpMod                      // A B C    R[A] := R[B] % R[C]
	OpPow                      // A B C    R[A] := R[B] ^ R[C]
	OpDiv                      // A B C    R[A] := R[B] / R[C]
	OpIDiv                     // A B C    R[A] := R[B] // R[C]
	OpBand                     // A B C    R[A] := R[B] & R[C]
	OpBor                      // A B C    R[A] := R[B] | R[C]
	OpBxor                     // A B C    R[A] := R[B] ~ R[C]
	OpShl                      // A B C    R[A] := R[B] << R[C]
	OpShr                      // A B C    R[A] := R[B] >> R[C]
	OpUnm                      // A B      R[A] := -R[B]
	OpBnot                     // A B      R[A] := ~R[B]
	OpNot                      // A B      R[A] := not R[B]
	OpLen                      // A B      R[A] := #R[B]
	OpConcat                   // A B      R[A] := R[A].. ... ..R[A + B - 1]
	OpClose                    // A        close all upvalues >= R[A]
	OpTBC                      // A        mark variable A "to be closed"
	OpJmp                      // sJ       pc += sJ
	OpEq                       // A B k    if ((R[A] == R[B]) ~= k) then pc++
	OpLt                       // A B k    if ((R[A] <  R[B]) ~= k) then pc++
	OpLe                       // A B k    if ((R[A] <= R[B]) ~= k) then pc++
	OpEqK                      // A B k    if ((R[A] == K[B]) ~= k) then pc++
	OpEqI                      // A sB k   if ((R[A] == sB) ~= k) then pc++
	OpTest                     // A k      if (not R[A] == k) then pc++
	OpTestSet                  // A B k    if (not R[B] == k) then pc++ else R[A] := R[B]
	OpCall                     // A B C    R[A], ... ,R[A+C-2] := R[A](R[A+1], ... ,R[A+B-1])
	OpTailCall                 // A B C k  return R[A](R[A+1], ... ,R[A+B-1])
	OpReturn                   // A B C k  return R[A], ... ,R[A+B-2]
	OpReturn0                  //          return
	OpReturn1                  // A        return R[A]
	OpForLoop                  // A Bx     update counters; if loop continues then pc-=Bx;
	OpForPrep                  // A Bx     <check values and prepare counters>; if not to run then pc+=Bx+1;
	OpTForPrep                 // A Bx     create upvalue for R[A + 3]; pc+=Bx
	OpTForCall                 // A C      R[A+4], ... ,R[A+3+C] := R[A](R[A+1], R[A+2]);
	OpTForLoop                 // A Bx     if R[A+2] ~= nil then { R[A]=R[A+2]; pc -= Bx }
	OpSetList                  // A B C k  R[A][C+i] := R[A+i], 1 <= i <= B
	OpClosure                  // A Bx     R[A] := closure(KPROTO[Bx])
	OpVararg                   // A C      R[A], R[A+1], ..., R[A+C-2] = vararg
	OpVarargPrep               // A        (adjust vararg parameters)
	OpExtraArg                 // Ax       extra (larger) argument for previous opcode

	numOpcodes = int(OpExtraArg) + 1
)

var opNames = [numOpcodes]string{
	"MOVE", "LOADI", "LOADF", "LOADK", "LOADKX", "LOADFALSE", "LOADTRUE",
	"LOADNIL", "GETUPVAL", "SETUPVAL", "GETTABUP", "GETTABLE", "GETI",
	"GETFIELD", "SETTABUP", "SETTABLE", "SETI", "SETFIELD", "NEWTABLE",
	"SELF", "ADDI", "ADD", "SUB", "MUL", "MOD", "POW", "DIV", "IDIV",
	"BAND", "BOR", "BXOR", "SHL", "SHR", "UNM", "BNOT", "NOT", "LEN",
	"CONCAT", "CLOSE", "TBC", "JMP", "EQ", "LT", "LE", "EQK", "EQI",
	"TEST", "TESTSET", "CALL", "TAILCALL", "RETURN", "RETURN0", "RETURN1",
	"FORLOOP", "FORPREP", "TFORPREP", "TFORCALL", "TFORLOOP", "SETLIST",
	"CLOSURE", "VARARG", "VARARGPREP", "EXTRAARG",
}

func (op OpCode) String() string {
	if int(op) < numOpcodes {
		return opNames[op]
	}
	return fmt.Sprintf("OP(%d)", int(op))
}

type opFormat uint8

const (
	iABC opFormat = iota
	iABx
	iAsBx
	iAx
	isJ
)

// opMode describes an opcode for the debug layer.
type opMode struct {
	mode opFormat
	setA bool // instruction sets register A
	test bool // next instruction is a jump
	mm   bool // may call a metamethod
}

var opModes = [numOpcodes]opMode{
	OpMove:       {iABC, true, false, false},
	OpLoadI:      {iAsBx, true, false, false},
	OpLoadF:      {iAsBx, true, false, false},
	OpLoadK:      {iABx, true, false, false},
	OpLoadKX:     {iABx, true, false, false},
	OpLoadFalse:  {iABC, true, false, false},
	OpLoadTrue:   {iABC, true, false, false},
	OpLoadNil:    {iABC, true, false, false},
	OpGetUpval:   {iABC, true, false, false},
	OpSetUpval:   {iABC, false, false, false},
	OpGetTabUp:   {iABC, true, false, true},
	OpGetTable:   {iABC, true, false, true},
	OpGetI:       {iABC, true, false, true},
	OpGetField:   {iABC, true, false, true},
	OpSetTabUp:   {iABC, false, false, true},
	OpSetTable:   {iABC, false, false, true},
	OpSetI:       {iABC, false, false, true},
	OpSetField:   {iABC, false, false, true},
	OpNewTable:   {iABC, true, false, false},
	OpSelf:       {iABC, true, false, true},
	OpAddI:       {iABC, true, false, true},
	OpAdd:        {iABC, true, false, true},
	OpSub:        {iABC, true, false, true},
	OpMul:        {iABC, true, false, true},
	OpMod:        {iABC, true, false, true},
	OpPow:        {iABC, true, false, true},
	OpDiv:        {iABC, true, false, true},
	OpIDiv:       {iABC, true, false, true},
	OpBand:       {iABC, true, false, true},
	OpBor:        {iABC, true, false, true},
	OpBxor:       {iABC, true, false, true},
	OpShl:        {iABC, true, false, true},
	OpShr:        {iABC, true, false, true},
	OpUnm:        {iABC, true, false, true},
	OpBnot:       {iABC, true, false, true},
	OpNot:        {iABC, true, false, false},
	OpLen:        {iABC, true, false, true},
	OpConcat:     {iABC, true, false, true},
	OpClose:      {iABC, false, false, false},
	OpTBC:        {iABC, false, false, false},
	OpJmp:        {isJ, false, false, false},
	OpEq:         {iABC, false, true, true},
	OpLt:         {iABC, false, true, true},
	OpLe:         {iABC, false, true, true},
	OpEqK:        {iABC, false, true, false},
	OpEqI:        {iABC, false, true, false},
	OpTest:       {iABC, false, true, false},
	OpTestSet:    {iABC, true, true, false},
	OpCall:       {iABC, true, false, false},
	OpTailCall:   {iABC, true, false, false},
	OpReturn:     {iABC, false, false, false},
	OpReturn0:    {iABC, false, false, false},
	OpReturn1:    {iABC, false, false, false},
	OpForLoop:    {iABx, true, false, false},
	OpForPrep:    {iABx, true, false, false},
	OpTForPrep:   {iABx, false, false, false},
	OpTForCall:   {iABC, false, false, false},
	OpTForLoop:   {iABx, true, false, false},
	OpSetList:    {iABC, false, false, false},
	OpClosure:    {iABx, true, false, false},
	OpVararg:     {iABC, true, false, false},
	OpVarargPrep: {iABC, true, false, false},
	OpExtraArg:   {iAx, false, false, false},
}

// isOT reports instructions that leave an open top (variable results).
func isOT(i Instruction) bool {
	switch i.OpCode() {
	case OpTailCall:
		return true
	case OpCall, OpVararg:
		return i.C() == 0
	}
	return false
}

// isIT reports instructions that consume an open top.
func isIT(i Instruction) bool {
	switch i.OpCode() {
	case OpCall, OpTailCall, OpReturn, OpSetList:
		return i.B() == 0
	}
	return false
}
