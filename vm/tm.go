package vm

// ---------------------------------------------------------------------------
// Tag methods (metamethods)
// ---------------------------------------------------------------------------

// tms enumerates the metamethod events. The order matters: the first
// events up to tmEq have their absence cached in Table.flags.
type tms int

const (
	tmIndex tms = iota
	tmNewIndex
	tmGC
	tmMode
	tmLen
	tmEq
	tmAdd
	tmSub
	tmMul
	tmMod
	tmPow
	tmDiv
	tmIDiv
	tmBand
	tmBor
	tmBxor
	tmShl
	tmShr
	tmUnm
	tmBnot
	tmLt
	tmLe
	tmConcat
	tmCall
	tmClose
	tmN
)

// maskFlags covers the cached "absent" bits of the fast events.
const maskFlags = 1<<(tmEq+1) - 1

var tmNames = [tmN]string{
	"__index", "__newindex", "__gc", "__mode", "__len", "__eq",
	"__add", "__sub", "__mul", "__mod", "__pow", "__div", "__idiv",
	"__band", "__bor", "__bxor", "__shl", "__shr", "__unm", "__bnot",
	"__lt", "__le", "__concat", "__call", "__close",
}

// initTMs interns the event names and fixes them so they are never
// collected.
func (g *VM) initTMs() {
	for i, name := range tmNames {
		g.tmName[i] = g.internShort(name)
		g.fixObject(g.tmName[i])
	}
	g.nameKey = g.internShort("__name")
	g.fixObject(g.nameKey)
}

// fastTM returns the metamethod for a fast event, caching its absence in the
// metatable flags.
func (g *VM) fastTM(mt *Table, e tms) Value {
	if mt == nil || mt.flags&(1<<e) != 0 {
		return absentKey
	}
	tm := g.tableGetShortStr(mt, g.tmName[e])
	if tm.IsNil() {
		mt.flags |= 1 << e
		return absentKey
	}
	return tm
}

// metatableOf returns the metatable of any value, or nil.
func (g *VM) metatableOf(v Value) *Table {
	switch v.Type() {
	case TypeTable:
		return v.table().metatable
	case TypeUserData:
		if v.isFullUserdata() {
			return v.userdata().metatable
		}
		return g.mt[TypeLightUserData]
	default:
		return g.mt[v.Type()]
	}
}

// tmByObj returns the metamethod of v for event e, or nil.
func (g *VM) tmByObj(v Value, e tms) Value {
	mt := g.metatableOf(v)
	if mt == nil {
		return Nil
	}
	tm := g.tableGetShortStr(mt, g.tmName[e])
	if tm.isAbsent() {
		return Nil
	}
	return tm
}

// objTypeName returns the type name of v, honoring a string __name field in
// the metatable of tables and full userdata.
func (g *VM) objTypeName(v Value) string {
	var mt *Table
	switch {
	case v.IsTable():
		mt = v.table().metatable
	case v.isFullUserdata():
		mt = v.userdata().metatable
	}
	if mt != nil {
		name := g.tableGetShortStr(mt, g.nameKey)
		if name.IsString() {
			return name.str().s
		}
	}
	return v.Type().String()
}
