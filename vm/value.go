package vm

import (
	"math"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Types and tags
// ---------------------------------------------------------------------------

// Type is the basic type of a value as seen by scripts and hosts.
type Type int8

const (
	TypeNone          Type = -1
	TypeNil           Type = 0
	TypeBoolean       Type = 1
	TypeLightUserData Type = 2
	TypeNumber        Type = 3
	TypeString        Type = 4
	TypeTable         Type = 5
	TypeFunction      Type = 6
	TypeUserData      Type = 7
	TypeThread        Type = 8

	numTypes = 9

	// Internal-only types for collectable objects that never reach a
	// script-visible value.
	typeUpval   Type = numTypes
	typeProto   Type = numTypes + 1
	typeDeadKey Type = numTypes + 2
)

var typeNames = [...]string{
	"no value", "nil", "boolean", "userdata", "number", "string", "table",
	"function", "userdata", "thread", "upvalue", "proto",
}

// String returns the script-level name of the type.
func (t Type) String() string {
	if int(t)+1 < 0 || int(t)+1 >= len(typeNames) {
		return "?"
	}
	return typeNames[t+1]
}

// tag encodes {basic type (bits 0-3), variant (bits 4-5), collectable (bit 6)}.
type tag uint8

const bitCollectable tag = 1 << 6

func makeVariant(t Type, v uint8) tag { return tag(t) | tag(v<<4) }

// Variant tags.
var (
	vNil      = makeVariant(TypeNil, 0)
	vEmpty    = makeVariant(TypeNil, 1) // empty table slot
	vAbstKey  = makeVariant(TypeNil, 2) // result of a lookup for an absent key
	vFalse    = makeVariant(TypeBoolean, 0)
	vTrue     = makeVariant(TypeBoolean, 1)
	vLightUD  = makeVariant(TypeLightUserData, 0)
	vNumInt   = makeVariant(TypeNumber, 0)
	vNumFlt   = makeVariant(TypeNumber, 1)
	vShrStr   = makeVariant(TypeString, 0)
	vLngStr   = makeVariant(TypeString, 1)
	vTable    = makeVariant(TypeTable, 0)
	vLClosure = makeVariant(TypeFunction, 0)
	vGoClos   = makeVariant(TypeFunction, 2)
	vUserdata = makeVariant(TypeUserData, 0)
	vThread   = makeVariant(TypeThread, 0)
	vUpval    = makeVariant(typeUpval, 0)
	vProto    = makeVariant(typeProto, 0)
	vDeadKey  = makeVariant(typeDeadKey, 0)
)

func (t tag) noVariant() Type   { return Type(t & 0x0F) }
func (t tag) withVariant() tag  { return t & 0x3F }
func (t tag) collectable() bool { return t&bitCollectable != 0 }

// ---------------------------------------------------------------------------
// Value: tagged union
// ---------------------------------------------------------------------------

// Value is a tagged runtime value. The zero Value is nil.
//
// Payload layout:
//   - integers and floats: raw bits in n
//   - booleans: encoded in the tag
//   - light userdata: the host value in o (must be comparable)
//   - collectable values: the GCObject in o, tag carries bitCollectable
type Value struct {
	tt tag
	n  uint64
	o  any
}

// Nil is the nil value.
var Nil = Value{}

var (
	trueValue  = Value{tt: vTrue}
	falseValue = Value{tt: vFalse}
	emptyValue = Value{tt: vEmpty}
	absentKey  = Value{tt: vAbstKey}
)

// Bool returns a boolean value.
func Bool(b bool) Value {
	if b {
		return trueValue
	}
	return falseValue
}

// Int returns an integer value.
func Int(i int64) Value { return Value{tt: vNumInt, n: uint64(i)} }

// Float returns a float value.
func Float(f float64) Value { return Value{tt: vNumFlt, n: math.Float64bits(f)} }

// LightUserData wraps a comparable host value without allocating.
func LightUserData(p any) Value { return Value{tt: vLightUD, o: p} }

func gcValue(o GCObject) Value {
	return Value{tt: o.gch().tt | bitCollectable, o: o}
}

func (v Value) rawTag() tag { return v.tt }

// Type returns the basic type of the value.
func (v Value) Type() Type { return v.tt.noVariant() }

func (v Value) IsNil() bool      { return v.tt.noVariant() == TypeNil }
func (v Value) isEmpty() bool    { return v.tt.noVariant() == TypeNil }
func (v Value) isAbsent() bool   { return v.tt == vAbstKey }
func (v Value) isStrictNil() bool { return v.tt == vNil }
func (v Value) IsNumber() bool   { return v.tt.noVariant() == TypeNumber }
func (v Value) IsInteger() bool  { return v.tt == vNumInt }
func (v Value) IsFloat() bool    { return v.tt == vNumFlt }
func (v Value) IsString() bool   { return v.tt.noVariant() == TypeString }
func (v Value) IsTable() bool    { return v.tt == vTable|bitCollectable }
func (v Value) IsFunction() bool { return v.tt.noVariant() == TypeFunction }
func (v Value) isLClosure() bool { return v.tt == vLClosure|bitCollectable }
func (v Value) isGoClosure() bool {
	return v.tt == vGoClos|bitCollectable
}
func (v Value) isShortString() bool { return v.tt == vShrStr|bitCollectable }
func (v Value) isFullUserdata() bool {
	return v.tt == vUserdata|bitCollectable
}
func (v Value) isThread() bool     { return v.tt == vThread|bitCollectable }
func (v Value) isCollectable() bool { return v.tt.collectable() }
func (v Value) isDeadKey() bool    { return v.tt == vDeadKey }

// isFalse reports whether v is false or nil (the only false values).
func (v Value) isFalse() bool {
	return v.tt == vFalse || v.tt.noVariant() == TypeNil
}

func (v Value) ival() int64       { return int64(v.n) }
func (v Value) fval() float64     { return math.Float64frombits(v.n) }
func (v Value) gc() GCObject      { return v.o.(GCObject) }
func (v Value) str() *String      { return v.o.(*String) }
func (v Value) table() *Table     { return v.o.(*Table) }
func (v Value) lclosure() *LClosure {
	return v.o.(*LClosure)
}
func (v Value) goClosure() *GoClosure { return v.o.(*GoClosure) }
func (v Value) userdata() *Userdata   { return v.o.(*Userdata) }
func (v Value) thread() *Thread       { return v.o.(*Thread) }

// nval returns the numeric value as a float; v must be a number.
func (v Value) nval() float64 {
	if v.tt == vNumInt {
		return float64(v.ival())
	}
	return v.fval()
}

// consistent reports whether a collectable payload carries the same tag as
// the value referencing it. It must hold for every live value.
func (v Value) consistent() bool {
	if !v.isCollectable() {
		return true
	}
	o, ok := v.o.(GCObject)
	return ok && v.tt.withVariant() == o.gch().tt
}

// checkLiveness reports whether v is consistent and, if collectable, not
// dead in g.
func (g *VM) checkLiveness(v Value) bool {
	if !v.consistent() {
		return false
	}
	return !v.isCollectable() || !g.isDead(v.gc().gch())
}

// ---------------------------------------------------------------------------
// Raw equality
// ---------------------------------------------------------------------------

// rawEqual compares two values without metamethods.
func rawEqual(a, b Value) bool {
	if a.tt.withVariant() != b.tt.withVariant() {
		if a.Type() != b.Type() || a.Type() != TypeNumber {
			if a.IsString() && b.IsString() {
				return a.str().s == b.str().s
			}
			return false
		}
		// integer vs float: equal only for exact mathematical equality
		i1, ok1 := toIntegerStrict(a)
		i2, ok2 := toIntegerStrict(b)
		return ok1 && ok2 && i1 == i2
	}
	switch a.tt.withVariant() {
	case vNil, vFalse, vTrue, vEmpty, vAbstKey:
		return true
	case vNumInt:
		return a.ival() == b.ival()
	case vNumFlt:
		return a.fval() == b.fval()
	case vLightUD:
		return a.o == b.o
	case vShrStr:
		return a.o == b.o
	case vLngStr:
		return a.o == b.o || a.str().s == b.str().s
	default:
		return a.o == b.o
	}
}

// ---------------------------------------------------------------------------
// Number conversions
// ---------------------------------------------------------------------------

// f2iMode selects how a float without an exact integer value converts.
type f2iMode int

const (
	f2iEq    f2iMode = iota // only accept integral values
	f2iFloor                // take the floor
	f2iCeil                 // take the ceiling
)

// floatToInteger converts f to an integer according to mode.
func floatToInteger(f float64, mode f2iMode) (int64, bool) {
	fl := math.Floor(f)
	if f != fl {
		switch mode {
		case f2iEq:
			return 0, false
		case f2iCeil:
			fl++
		}
	}
	if fl >= -9223372036854775808.0 && fl < 9223372036854775808.0 {
		return int64(fl), true
	}
	return 0, false
}

// toIntegerStrict converts a number (not a string) with exact semantics.
func toIntegerStrict(v Value) (int64, bool) {
	switch v.tt {
	case vNumInt:
		return v.ival(), true
	case vNumFlt:
		return floatToInteger(v.fval(), f2iEq)
	}
	return 0, false
}

// toInteger converts v to an integer, coercing strings, using mode for
// floats.
func toInteger(v Value, mode f2iMode) (int64, bool) {
	if v.IsString() {
		n, ok := stringToNumber(v.str().s)
		if !ok {
			return 0, false
		}
		v = n
	}
	switch v.tt {
	case vNumInt:
		return v.ival(), true
	case vNumFlt:
		return floatToInteger(v.fval(), mode)
	}
	return 0, false
}

// toNumber converts v to a float, coercing strings.
func toNumber(v Value) (float64, bool) {
	switch v.tt {
	case vNumInt:
		return float64(v.ival()), true
	case vNumFlt:
		return v.fval(), true
	}
	if v.IsString() {
		n, ok := stringToNumber(v.str().s)
		if ok {
			return n.nval(), true
		}
	}
	return 0, false
}

// toNumberValue converts v to a number value (integer or float), coercing
// strings.
func toNumberValue(v Value) (Value, bool) {
	if v.IsNumber() {
		return v, true
	}
	if v.IsString() {
		return stringToNumber(v.str().s)
	}
	return Nil, false
}

// stringToNumber parses s with script syntax: decimal or hexadecimal
// integers (wrapping on overflow for hex), or floats. Surrounding spaces
// are allowed; "inf" and "nan" are not numerals.
func stringToNumber(s string) (Value, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Nil, false
	}
	if i, ok := parseInteger(s); ok {
		return Int(i), true
	}
	if strings.ContainsAny(s, "nN") && !isHexPrefixed(s) {
		return Nil, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		if ne, ok := err.(*strconv.NumError); !ok || ne.Err != strconv.ErrRange {
			return Nil, false
		}
	}
	return Float(f), true
}

func isHexPrefixed(s string) bool {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "-"), "+")
	return len(s) > 1 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}

func parseInteger(s string) (int64, bool) {
	neg := false
	switch {
	case strings.HasPrefix(s, "-"):
		neg, s = true, s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	if s == "" {
		return 0, false
	}
	var a uint64
	if isHexPrefixed(s) {
		s = s[2:]
		if s == "" {
			return 0, false
		}
		for _, c := range []byte(s) {
			d, ok := hexDigit(c)
			if !ok {
				return 0, false
			}
			a = a*16 + uint64(d)
		}
	} else {
		for _, c := range []byte(s) {
			if c < '0' || c > '9' {
				return 0, false
			}
			d := uint64(c - '0')
			// decimal overflow turns the numeral into a float
			if a >= math.MaxInt64/10 && (a > math.MaxInt64/10 || d > math.MaxInt64%10+uint64(b2i(neg))) {
				return 0, false
			}
			a = a*10 + d
		}
	}
	if neg {
		return int64(0 - a), true
	}
	return int64(a), true
}

func hexDigit(c byte) (int, bool) {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0'), true
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10, true
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10, true
	}
	return 0, false
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

// numberToString formats a number the way scripts print it: integers in
// decimal, floats with 14 significant digits and a ".0" suffix when they
// would otherwise read as integers.
func numberToString(v Value) string {
	if v.tt == vNumInt {
		return strconv.FormatInt(v.ival(), 10)
	}
	f := v.fval()
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsNaN(f):
		if math.Signbit(f) {
			return "-nan"
		}
		return "nan"
	}
	s := strconv.FormatFloat(f, 'g', 14, 64)
	if !strings.ContainsAny(s, ".eEn") {
		s += ".0"
	}
	return s
}
