package vm

import (
	"hash/maphash"
	"math"
	"math/bits"
)

// ---------------------------------------------------------------------------
// Table: hybrid array + hash part
// ---------------------------------------------------------------------------

// maxABits bounds the array part to 2^maxABits entries.
const maxABits = 31

// node is one slot of the hash part. Collisions are chained through next,
// stored as a relative offset inside the node slice.
type node struct {
	val  Value
	key  Value
	next int32
}

// dummyNodes is the shared hash part of tables with no hash entries. It is
// never written.
var dummyNodes = []node{{}}

// Table is the associative array of the runtime. Positive integer keys
// that fill a dense prefix live in the array part; every other key lives
// in the hash part, which resolves collisions with Brent's variation of
// chained scatter tables (colliding nodes not in their main position are
// moved).
type Table struct {
	gcHeader
	flags     uint8 // bit set: tag method known to be absent
	array     []Value
	node      []node
	lastFree  int
	metatable *Table
}

// Metatable returns the table's metatable or nil.
func (h *Table) Metatable() *Table { return h.metatable }

func (h *Table) isDummy() bool { return &h.node[0] == &dummyNodes[0] }

func (h *Table) sizeNode() int {
	if h.isDummy() {
		return 0
	}
	return len(h.node)
}

func (h *Table) accountedSize() int {
	return sizeTable + len(h.array)*sizeValue + h.sizeNode()*sizeNode
}

func (g *VM) newTable() *Table {
	h := &Table{node: dummyNodes, flags: maskFlags}
	g.linkObject(h, vTable, sizeTable)
	return h
}

// ---------------------------------------------------------------------------
// Hashing
// ---------------------------------------------------------------------------

func (h *Table) hashMod(n uint64) int {
	return int(n % uint64((len(h.node)-1)|1))
}

func (h *Table) hashPow2(n uint32) int {
	return int(n & uint32(len(h.node)-1))
}

func hashFloat(n float64) uint64 {
	fr, e := math.Frexp(n)
	fr *= 2147483648.0
	if !(fr >= -9223372036854775808.0 && fr < 9223372036854775808.0) {
		return 0 // inf or NaN
	}
	u := uint32(int32(e)) + uint32(int64(fr))
	if u <= math.MaxInt32 {
		return uint64(u)
	}
	return uint64(^u)
}

// mainPosition returns the index of the node where key hashes to.
func (g *VM) mainPosition(h *Table, key Value) int {
	switch key.tt.withVariant() {
	case vNumInt:
		return h.hashMod(uint64(key.ival()))
	case vNumFlt:
		return h.hashMod(hashFloat(key.fval()))
	case vShrStr, vLngStr:
		return h.hashPow2(key.str().hashValue(g.strt.seed))
	case vFalse:
		return h.hashPow2(0)
	case vTrue:
		return h.hashPow2(1)
	case vLightUD:
		return h.hashMod(maphash.Comparable(g.hashSeed, key.o))
	default:
		return h.hashMod(maphash.Comparable(g.hashSeed, key.o))
	}
}

// equalKey compares a search key with a node key. With deadOK, a dead node
// key matches the collectable object it used to hold.
func equalKey(k Value, n *node, deadOK bool) bool {
	if k.tt != n.key.tt {
		if deadOK && n.key.isDeadKey() && k.isCollectable() {
			return k.o == n.key.o
		}
		return false
	}
	switch k.tt.withVariant() {
	case vNil, vFalse, vTrue:
		return true
	case vNumInt, vNumFlt:
		return k.n == n.key.n
	case vLngStr:
		return k.o == n.key.o || k.str().s == n.key.str().s
	default:
		return k.o == n.key.o
	}
}

// ---------------------------------------------------------------------------
// Lookup
// ---------------------------------------------------------------------------

// findNode returns the index of the node holding key, or -1.
func (g *VM) findNode(h *Table, key Value, deadOK bool) int {
	if h.isDummy() {
		return -1
	}
	i := g.mainPosition(h, key)
	for {
		if equalKey(key, &h.node[i], deadOK) {
			return i
		}
		nx := h.node[i].next
		if nx == 0 {
			return -1
		}
		i += int(nx)
	}
}

func (g *VM) tableGetInt(h *Table, key int64) Value {
	if uint64(key)-1 < uint64(len(h.array)) {
		return h.array[key-1]
	}
	if h.isDummy() {
		return absentKey
	}
	i := h.hashMod(uint64(key))
	for {
		n := &h.node[i]
		if n.key.tt == vNumInt && n.key.ival() == key {
			return n.val
		}
		if n.next == 0 {
			return absentKey
		}
		i += int(n.next)
	}
}

func (g *VM) tableGetShortStr(h *Table, key *String) Value {
	if h.isDummy() {
		return absentKey
	}
	i := h.hashPow2(key.hash)
	for {
		n := &h.node[i]
		if n.key.tt == vShrStr|bitCollectable && n.key.o == GCObject(key) {
			return n.val
		}
		if n.next == 0 {
			return absentKey
		}
		i += int(n.next)
	}
}

// tableGet is the raw lookup. Absent keys yield a value whose isAbsent
// reports true.
func (g *VM) tableGet(h *Table, key Value) Value {
	switch key.tt.withVariant() {
	case vShrStr:
		return g.tableGetShortStr(h, key.str())
	case vNumInt:
		return g.tableGetInt(h, key.ival())
	case vNil:
		return absentKey
	case vNumFlt:
		if i, ok := floatToInteger(key.fval(), f2iEq); ok {
			return g.tableGetInt(h, i)
		}
	}
	if i := g.findNode(h, key, false); i >= 0 {
		return h.node[i].val
	}
	return absentKey
}

// tableGetStr looks up a string key given as a Go string.
func (g *VM) tableGetStr(h *Table, key string) Value {
	return g.tableGet(h, g.stringValue(key))
}

// ---------------------------------------------------------------------------
// Insertion
// ---------------------------------------------------------------------------

func (h *Table) freePos() int {
	if h.isDummy() {
		return -1
	}
	for h.lastFree > 0 {
		h.lastFree--
		if h.node[h.lastFree].key.tt == vNil {
			return h.lastFree
		}
	}
	return -1
}

// tableSet stores val under key, creating the key when absent. Runtime
// errors for nil and NaN keys are raised on th.
func (th *Thread) tableSet(h *Table, key, val Value) {
	g := th.g
	h.flags &^= maskFlags
	switch key.tt.withVariant() {
	case vNumInt:
		if k := key.ival(); uint64(k)-1 < uint64(len(h.array)) {
			h.array[k-1] = val
			g.barrierBack(h, val)
			return
		}
	case vNumFlt:
		if i, ok := floatToInteger(key.fval(), f2iEq); ok {
			th.tableSet(h, Int(i), val)
			return
		}
	}
	if i := g.findNode(h, key, false); i >= 0 {
		h.node[i].val = val
		g.barrierBack(h, val)
		return
	}
	if val.IsNil() {
		return
	}
	th.newKey(h, key, val)
}

// tableSetInt is tableSet for integer keys.
func (th *Thread) tableSetInt(h *Table, key int64, val Value) {
	th.tableSet(h, Int(key), val)
}

// newKey inserts a key known to be absent.
func (th *Thread) newKey(h *Table, key, val Value) {
	switch {
	case key.IsNil():
		th.runError("index is nil")
	case key.IsFloat():
		f := key.fval()
		if i, ok := floatToInteger(f, f2iEq); ok {
			key = Int(i)
		} else if math.IsNaN(f) {
			th.runError("index is NaN")
		}
	}
	g := th.g
	if !g.insertKey(h, key, val) {
		g.rehash(th, h, key)
		th.tableSet(h, key, val)
		return
	}
	g.barrierBack(h, key)
	g.barrierBack(h, val)
}

// insertKey places a new key in the hash part. It reports false when no
// free node is left and the table must be rehashed.
func (g *VM) insertKey(h *Table, key, val Value) bool {
	mp := -1
	if !h.isDummy() {
		mp = g.mainPosition(h, key)
	}
	if mp < 0 || !h.node[mp].val.isEmpty() {
		f := h.freePos()
		if f < 0 {
			return false
		}
		other := g.mainPosition(h, h.node[mp].key)
		if other != mp {
			// colliding node is out of its main position: move it
			for other+int(h.node[other].next) != mp {
				other += int(h.node[other].next)
			}
			h.node[other].next = int32(f - other)
			h.node[f] = h.node[mp]
			if h.node[mp].next != 0 {
				h.node[f].next += int32(mp - f)
				h.node[mp].next = 0
			}
			h.node[mp].val = emptyValue
		} else {
			// new node goes into the free position
			if h.node[mp].next != 0 {
				h.node[f].next = int32(mp + int(h.node[mp].next) - f)
			}
			h.node[mp].next = int32(f - mp)
			mp = f
		}
	}
	h.node[mp].key = key
	h.node[mp].val = val
	return true
}

// ---------------------------------------------------------------------------
// Rehash
// ---------------------------------------------------------------------------

func ceilLog2(x uint64) int {
	if x <= 1 {
		return 0
	}
	return bits.Len64(x - 1)
}

// countInt adds key to nums when it is a candidate array index.
func countInt(key int64, nums *[maxABits + 1]int) int {
	if key > 0 && key <= 1<<maxABits {
		nums[ceilLog2(uint64(key))]++
		return 1
	}
	return 0
}

func (h *Table) numUseArray(nums *[maxABits + 1]int) int {
	ause := 0
	i := 1
	for lg, ttlg := 0, 1; lg <= maxABits; lg, ttlg = lg+1, ttlg*2 {
		lc := 0
		lim := ttlg
		if lim > len(h.array) {
			lim = len(h.array)
			if i > lim {
				break
			}
		}
		for ; i <= lim; i++ {
			if !h.array[i-1].isEmpty() {
				lc++
			}
		}
		nums[lg] += lc
		ause += lc
	}
	return ause
}

func (h *Table) numUseHash(nums *[maxABits + 1]int, na *int) int {
	total, ause := 0, 0
	for i := range h.node {
		n := &h.node[i]
		if !n.val.isEmpty() {
			if n.key.IsInteger() {
				ause += countInt(n.key.ival(), nums)
			}
			total++
		}
	}
	*na += ause
	return total
}

// computeSizes returns the optimal array size: the largest n such that more
// than half the slots 1..n are in use.
func computeSizes(nums *[maxABits + 1]int, na *int) int {
	a, nna, optimal := 0, 0, 0
	for i, twotoi := 0, 1; twotoi > 0 && i <= maxABits && *na > twotoi/2; i, twotoi = i+1, twotoi*2 {
		a += nums[i]
		if a > twotoi/2 {
			optimal = twotoi
			nna = a
		}
	}
	*na = nna
	return optimal
}

func (g *VM) rehash(th *Thread, h *Table, extra Value) {
	var nums [maxABits + 1]int
	na := h.numUseArray(&nums)
	total := na
	total += h.numUseHash(&nums, &na)
	if extra.IsInteger() {
		na += countInt(extra.ival(), &nums)
	}
	total++
	asize := computeSizes(&nums, &na)
	g.resizeTable(th, h, asize, total-na)
}

// resizeTable changes the array part to nasize slots and the hash part to
// hold at least nhsize keys.
func (g *VM) resizeTable(th *Thread, h *Table, nasize, nhsize int) {
	lsize := 0
	if nhsize > 0 {
		lsize = ceilLog2(uint64(nhsize))
		if lsize > 30 {
			th.runError("table overflow")
		}
	}
	newNodes := dummyNodes
	if nhsize > 0 {
		newNodes = make([]node, 1<<lsize)
	}
	newSize := sizeTable + nasize*sizeValue
	if nhsize > 0 {
		newSize += len(newNodes) * sizeNode
	}
	g.resize(h, newSize)

	oldArray := h.array
	oldNodes := h.node
	oldDummy := h.isDummy()
	h.node = newNodes
	h.lastFree = len(newNodes)
	if nhsize == 0 {
		h.lastFree = 0
	}
	if nasize < len(oldArray) {
		h.array = oldArray[:nasize:nasize]
		for i := nasize; i < len(oldArray); i++ {
			if !oldArray[i].isEmpty() {
				g.insertKey(h, Int(int64(i+1)), oldArray[i])
			}
		}
		h.array = append([]Value(nil), h.array...)
	} else {
		na := make([]Value, nasize)
		copy(na, oldArray)
		h.array = na
	}
	if !oldDummy {
		for i := range oldNodes {
			n := &oldNodes[i]
			if n.val.isEmpty() {
				continue
			}
			if n.key.IsInteger() {
				if k := n.key.ival(); uint64(k)-1 < uint64(len(h.array)) {
					h.array[k-1] = n.val
					continue
				}
			}
			g.insertKey(h, n.key, n.val)
		}
	}
}

// ---------------------------------------------------------------------------
// Length and traversal
// ---------------------------------------------------------------------------

// length returns a border of the table: an index n such that t[n] is
// present and t[n+1] is absent, or 0 when t[1] is absent.
func (g *VM) length(h *Table) int64 {
	n := len(h.array)
	if n > 0 && h.array[n-1].isEmpty() {
		i, j := 0, n
		for j-i > 1 {
			m := (i + j) / 2
			if h.array[m-1].isEmpty() {
				j = m
			} else {
				i = m
			}
		}
		return int64(i)
	}
	if h.isDummy() || g.tableGetInt(h, int64(n)+1).isEmpty() {
		return int64(n)
	}
	return g.hashSearch(h, uint64(n))
}

func (g *VM) hashSearch(h *Table, j uint64) int64 {
	var i uint64
	if j == 0 {
		j++
	}
	for {
		i = j
		if j <= math.MaxInt64/2 {
			j *= 2
		} else {
			j = math.MaxInt64
			if g.tableGetInt(h, int64(j)).isEmpty() {
				break
			}
			return int64(j)
		}
		if g.tableGetInt(h, int64(j)).isEmpty() {
			break
		}
	}
	for j-i > 1 {
		m := (i + j) / 2
		if g.tableGetInt(h, int64(m)).isEmpty() {
			j = m
		} else {
			i = m
		}
	}
	return int64(i)
}

// findIndex maps a traversal key to a position: 0 for nil, 1..len(array)
// for array slots, and len(array)+1+i for node i.
func (th *Thread) findIndex(h *Table, key Value) int {
	if key.IsNil() {
		return 0
	}
	if key.IsInteger() {
		if k := key.ival(); uint64(k)-1 < uint64(len(h.array)) {
			return int(k)
		}
	}
	i := th.g.findNode(h, key, true)
	if i < 0 {
		th.runError("invalid key to 'next'")
	}
	return i + 1 + len(h.array)
}

// tableNext returns the entry following key in traversal order. Removing
// the current key during a traversal is allowed: the node keeps its key.
func (th *Thread) tableNext(h *Table, key Value) (k, v Value, ok bool) {
	i := th.findIndex(h, key)
	for ; i < len(h.array); i++ {
		if !h.array[i].isEmpty() {
			return Int(int64(i + 1)), h.array[i], true
		}
	}
	if h.isDummy() {
		return Nil, Nil, false
	}
	for i -= len(h.array); i < len(h.node); i++ {
		n := &h.node[i]
		if !n.val.isEmpty() {
			return n.key, n.val, true
		}
	}
	return Nil, Nil, false
}
