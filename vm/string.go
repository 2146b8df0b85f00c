package vm

// ---------------------------------------------------------------------------
// String objects
// ---------------------------------------------------------------------------

// minStringTableSize is the initial and minimum number of string table
// buckets. Always a power of two.
const minStringTableSize = 128

// String is an immutable byte string. Short strings are interned, so two
// short strings are equal exactly when they are the same object. Long
// strings are created fresh and hashed only when used as table keys.
type String struct {
	gcHeader
	s       string
	hash    uint32
	hashed  bool    // long strings: hash already computed
	short   bool
	hnext   *String // chain in the string table
	release func(string)
}

// String returns the string contents.
func (s *String) String() string { return s.s }

// Len returns the string length in bytes.
func (s *String) Len() int { return len(s.s) }

func (s *String) isShort() bool { return s.short }

// hashString is the seeded string hash used for interning and table keys.
func hashString(str string, seed uint32) uint32 {
	h := seed ^ uint32(len(str))
	for l := len(str); l > 0; l-- {
		h ^= (h << 5) + (h >> 2) + uint32(str[l-1])
	}
	return h
}

// hashValue returns the hash of s, computing it for long strings on first
// use.
func (s *String) hashValue(seed uint32) uint32 {
	if !s.short && !s.hashed {
		s.hash = hashString(s.s, seed)
		s.hashed = true
	}
	return s.hash
}

// ---------------------------------------------------------------------------
// String table (interner)
// ---------------------------------------------------------------------------

// stringTable is a chained hash set of all live short strings.
type stringTable struct {
	hash []*String
	nuse int
	seed uint32
}

func (tb *stringTable) init(seed uint32) {
	tb.hash = make([]*String, minStringTableSize)
	tb.nuse = 0
	tb.seed = seed
}

// resizeTo rehashes every string into a table of newSize buckets.
func (tb *stringTable) resizeTo(newSize int) {
	nh := make([]*String, newSize)
	for _, p := range tb.hash {
		for p != nil {
			next := p.hnext
			i := p.hash & uint32(newSize-1)
			p.hnext = nh[i]
			nh[i] = p
			p = next
		}
	}
	tb.hash = nh
}

// remove unlinks a short string being freed.
func (tb *stringTable) remove(ts *String) {
	p := &tb.hash[ts.hash&uint32(len(tb.hash)-1)]
	for *p != ts {
		p = &(*p).hnext
	}
	*p = ts.hnext
	tb.nuse--
}

// checkSizes shrinks the string table when it is mostly empty. Called by the
// collector once the string table has been swept.
func (g *VM) checkSizes() {
	if g.gcEmergency {
		return
	}
	tb := &g.strt
	if tb.nuse < len(tb.hash)/4 && len(tb.hash) > minStringTableSize {
		old := len(tb.hash)
		tb.resizeTo(old / 2)
		log.Debugf("vm %s: string table shrunk from %d to %d buckets", g.id, old, old/2)
	}
}

// growStringTable doubles the bucket array when the load factor reaches one.
func (g *VM) growStringTable() {
	tb := &g.strt
	if tb.nuse == maxInt {
		g.fullGC(true)
		if tb.nuse == maxInt {
			g.memError()
		}
	}
	if len(tb.hash) <= maxInt/2 {
		tb.resizeTo(len(tb.hash) * 2)
	}
}

// internShort returns the unique short string with contents str.
func (g *VM) internShort(str string) *String {
	tb := &g.strt
	h := hashString(str, tb.seed)
	for ts := tb.hash[h&uint32(len(tb.hash)-1)]; ts != nil; ts = ts.hnext {
		if ts.s == str {
			// dead but not yet collected: bring it back
			if g.isDead(&ts.gcHeader) {
				ts.makeWhite(g.currentWhite)
			}
			return ts
		}
	}
	if tb.nuse >= len(tb.hash) {
		g.growStringTable()
	}
	ts := &String{s: str, hash: h, short: true}
	g.linkObject(ts, vShrStr, sizeString+len(str))
	i := h & uint32(len(tb.hash)-1)
	ts.hnext = tb.hash[i]
	tb.hash[i] = ts
	tb.nuse++
	return ts
}

// newLongString creates an uninterned string.
func (g *VM) newLongString(str string) *String {
	ts := &String{s: str, hash: g.strt.seed}
	g.linkObject(ts, vLngStr, sizeString+len(str))
	return ts
}

// newString creates or reuses a string object for str.
func (g *VM) newString(str string) *String {
	if len(str) <= g.maxShortLen {
		return g.internShort(str)
	}
	return g.newLongString(str)
}

// newExternalString creates a long string whose buffer belongs to the host.
// The buffer is not accounted to the collector. When release is non-nil it
// is called with the contents once the string is collected.
func (g *VM) newExternalString(str string, release func(string)) *String {
	if len(str) <= g.maxShortLen {
		// short strings are always interned copies
		ts := g.internShort(str)
		if release != nil {
			release(str)
		}
		return ts
	}
	ts := &String{s: str, hash: g.strt.seed, release: release}
	g.linkObject(ts, vLngStr, sizeString)
	return ts
}

// fixObject moves the most recently created object from allgc to the list
// of objects that are never collected.
func (g *VM) fixObject(o GCObject) {
	h := o.gch()
	if g.allgc != o {
		panic("vm: fixObject: object is not the newest one")
	}
	h.set2gray()
	h.setAge(gOld)
	g.allgc = h.next
	h.next = g.fixedgc
	g.fixedgc = o
}

// stringValue builds a value for s.
func (g *VM) stringValue(s string) Value {
	return gcValue(g.newString(s))
}
