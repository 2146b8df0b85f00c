package vm

// ---------------------------------------------------------------------------
// Collectable object header
// ---------------------------------------------------------------------------

// GCObject is implemented by every heap object managed by the collector:
// strings, tables, closures, userdata, upvalues, prototypes and threads.
type GCObject interface {
	gch() *gcHeader
}

// gcHeader is embedded in every collectable object.
type gcHeader struct {
	next   GCObject // link in one of the collector's object lists
	tt     tag      // object variant, without the collectable bit
	marked uint8    // color bits and generational age
	size   int      // bytes accounted to the object
}

func (h *gcHeader) gch() *gcHeader { return h }

// Layout of the marked byte.
//
//	bits 0-2  generational age
//	bit  3    white 0
//	bit  4    white 1
//	bit  5    black
//	bit  6    finalized (object already separated for finalization)
const (
	white0Bit    = 3
	white1Bit    = 4
	blackBit     = 5
	finalizedBit = 6

	whiteBits = 1<<white0Bit | 1<<white1Bit
	colorBits = whiteBits | 1<<blackBit
	ageBits   = 7
)

// Generational ages. The collector promotes every survivor of a minor
// collection straight to gOld; gTouched marks an old table that received a
// young reference since the last collection.
const (
	gNew     uint8 = 0
	gOld     uint8 = 4
	gTouched uint8 = 5
)

func (h *gcHeader) isWhite() bool     { return h.marked&whiteBits != 0 }
func (h *gcHeader) isBlack() bool     { return h.marked&(1<<blackBit) != 0 }
func (h *gcHeader) isGray() bool      { return h.marked&colorBits == 0 }
func (h *gcHeader) toFinalize() bool  { return h.marked&(1<<finalizedBit) != 0 }
func (h *gcHeader) age() uint8        { return h.marked & ageBits }
func (h *gcHeader) setAge(a uint8)    { h.marked = h.marked&^ageBits | a }
func (h *gcHeader) isOld() bool       { return h.age() >= gOld }
func (h *gcHeader) set2gray()         { h.marked &^= colorBits }
func (h *gcHeader) set2black()        { h.marked = h.marked&^whiteBits | 1<<blackBit }
func (h *gcHeader) nw2black()         { h.marked |= 1 << blackBit }
func (h *gcHeader) setFinalized()     { h.marked |= 1 << finalizedBit }
func (h *gcHeader) clearFinalized()   { h.marked &^= 1 << finalizedBit }
func (h *gcHeader) makeWhite(w uint8) { h.marked = h.marked&^colorBits | w }

// ---------------------------------------------------------------------------
// Nominal object sizes
// ---------------------------------------------------------------------------

// The collector paces itself on these nominal sizes rather than on the Go
// heap: they approximate the footprint of each object kind.
const (
	sizeValue     = 16
	sizeString    = 40
	sizeTable     = 56
	sizeNode      = 40
	sizeLClosure  = 32
	sizeGoClosure = 32
	sizeUpval     = 40
	sizeUserdata  = 48
	sizeProto     = 128
	sizeThread    = 208
	sizeCallInfo  = 64
	sizeInstr     = 4
)

// ---------------------------------------------------------------------------
// Userdata
// ---------------------------------------------------------------------------

// Userdata is a full userdata: a host payload with an optional metatable
// and a fixed number of user values.
type Userdata struct {
	gcHeader
	Data       any
	metatable  *Table
	userValues []Value
}

// NumUserValues returns the number of user values the userdata carries.
func (u *Userdata) NumUserValues() int { return len(u.userValues) }

// Metatable returns the metatable of the userdata, or nil.
func (u *Userdata) Metatable() *Table { return u.metatable }

func (g *VM) newUserdata(data any, nuv int) *Userdata {
	u := &Userdata{Data: data, userValues: make([]Value, nuv)}
	g.linkObject(u, vUserdata, sizeUserdata+nuv*sizeValue)
	return u
}

// linkObject allocates accounting for o and links it into the list of all
// collectable objects as a new white object.
func (g *VM) linkObject(o GCObject, tt tag, size int) {
	g.allocate(size)
	h := o.gch()
	h.tt = tt
	h.size = size
	h.marked = g.currentWhite
	h.next = g.allgc
	g.allgc = o
	g.census.record(tt, size)
}

// resize changes the accounted size of an already linked object.
func (g *VM) resize(o GCObject, newSize int) {
	h := o.gch()
	delta := newSize - h.size
	if delta > 0 {
		g.allocate(delta)
	} else {
		g.debt -= int64(delta)
	}
	g.census.resize(h.tt, delta)
	h.size = newSize
}

// freeObject releases the accounting of a dead object.
func (g *VM) freeObject(o GCObject) {
	h := o.gch()
	switch x := o.(type) {
	case *String:
		if x.isShort() {
			g.strt.remove(x)
		} else if x.release != nil {
			x.release(x.s)
		}
	case *Thread:
		g.freeThread(x)
	case *UpVal:
		if x.isOpen() {
			x.unlinkOpen()
		}
	}
	g.debt += int64(h.size)
	g.census.record(h.tt, -h.size)
	h.next = nil
}
