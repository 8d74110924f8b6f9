package state

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/encodeous/lattice/protocol"
)

type refCount struct {
	n atomic.Int32
}

// hold takes a reference unless the object is already dead.
func (r *refCount) hold() bool {
	for {
		n := r.n.Load()
		if n <= 0 {
			return false
		}
		if r.n.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// release drops a reference and reports whether it was the last one.
func (r *refCount) release() bool {
	n := r.n.Add(-1)
	if n < 0 {
		panic("state: reference released more times than held")
	}
	return n == 0
}

// Neighbor is one direct next hop toward an Originator, learned on a specific interface.
type Neighbor struct {
	refs refCount
	Addr protocol.Addr
	If   *Interface
	// Via is the originator record of the neighbour node itself. It is not counted: the
	// neighbour is always owned by some originator's list, and counting Via would form a cycle.
	Via *Originator

	// guarded by the owning originator's NeighLock
	tqRecv  [TQGlobalWindowSize]uint8
	tqIndex int
	InBond  bool

	// guarded by the owning originator's OGMLock
	RealBits        Bitmap
	RealPacketCount int

	tqAvg    atomic.Uint32
	lastTTL  atomic.Uint32
	lastSeen atomic.Int64
}

// NewNeighbor returns a neighbour holding one reference, which belongs to the owner's list.
func NewNeighbor(addr protocol.Addr, ifc *Interface, via *Originator, now time.Time) *Neighbor {
	n := &Neighbor{Addr: addr, If: ifc, Via: via}
	n.refs.n.Store(1)
	n.Touch(now)
	return n
}

func (n *Neighbor) Hold() bool {
	return n.refs.hold()
}

func (n *Neighbor) Release() {
	n.refs.release()
}

func (n *Neighbor) Refs() int32 {
	return n.refs.n.Load()
}

func (n *Neighbor) TQAvg() uint8 {
	return uint8(n.tqAvg.Load())
}

func (n *Neighbor) SetTQAvg(tq uint8) {
	n.tqAvg.Store(uint32(tq))
}

// PushTQ records a TQ sample and recomputes the average over the non-zero samples.
// The caller holds the owning originator's NeighLock.
func (n *Neighbor) PushTQ(tq uint8) {
	n.tqRecv[n.tqIndex] = tq
	n.tqIndex = (n.tqIndex + 1) % TQGlobalWindowSize
	sum, count := 0, 0
	for _, v := range n.tqRecv {
		if v != 0 {
			sum += int(v)
			count++
		}
	}
	if count == 0 {
		n.SetTQAvg(0)
		return
	}
	n.SetTQAvg(uint8(sum / count))
}

func (n *Neighbor) LastTTL() uint8 {
	return uint8(n.lastTTL.Load())
}

func (n *Neighbor) SetLastTTL(ttl uint8) {
	n.lastTTL.Store(uint32(ttl))
}

func (n *Neighbor) Touch(now time.Time) {
	n.lastSeen.Store(now.UnixNano())
}

func (n *Neighbor) LastSeen() time.Time {
	return time.Unix(0, n.lastSeen.Load())
}

// TTState is the last translation table version an originator announced to us.
type TTState struct {
	sync.Mutex
	TTVN        uint8
	CRC         uint16
	Initialised bool
	// Changes are the entries that came with TTVN, kept to answer requests on the originator's behalf.
	Changes []protocol.TTChange
}

// Originator is one reachable mesh node.
type Originator struct {
	refs    refCount
	Addr    protocol.Addr
	primary atomic.Pointer[protocol.Addr]
	router  atomic.Pointer[Neighbor]

	lastSeen atomic.Int64
	lastTTL  atomic.Uint32

	// NeighLock guards Neighbors, Bonds, neighbour TQ rings and writes to the router pointer.
	NeighLock sync.Mutex
	Neighbors []*Neighbor
	// Bonds is the bonding candidate subset of Neighbors; each entry holds its own reference.
	Bonds []*Neighbor

	BcastLock sync.Mutex
	Bcast     SeqWindow

	// OGMLock guards the announcement windows below and the RealBits of every neighbour.
	OGMLock       sync.Mutex
	BcastOwn      map[int]*Bitmap
	BcastOwnSum   map[int]int
	echoNext      map[int]bool
	LastRealSeqno uint32
	RealReset     time.Time

	TT TTState
	// TTPossibleChange is set while a client of this originator may be roaming.
	TTPossibleChange atomic.Bool
}

// NewOriginator returns an originator holding one reference, which belongs to the table.
func NewOriginator(addr protocol.Addr, now time.Time) *Originator {
	o := &Originator{
		Addr:        addr,
		BcastOwn:    make(map[int]*Bitmap),
		BcastOwnSum: make(map[int]int),
		echoNext:    make(map[int]bool),
	}
	o.refs.n.Store(1)
	o.Touch(now)
	return o
}

func (o *Originator) Hold() bool {
	return o.refs.hold()
}

// Release drops a reference. The last release frees the neighbours and the router held by o.
func (o *Originator) Release() {
	if o.refs.release() {
		o.free()
	}
}

func (o *Originator) Refs() int32 {
	return o.refs.n.Load()
}

func (o *Originator) free() {
	o.NeighLock.Lock()
	neighs, bonds := o.Neighbors, o.Bonds
	o.Neighbors, o.Bonds = nil, nil
	router := o.router.Swap(nil)
	o.NeighLock.Unlock()

	for _, n := range bonds {
		n.Release()
	}
	for _, n := range neighs {
		n.Release()
	}
	if router != nil {
		router.Release()
	}
}

// Primary is the primary interface address of the node o belongs to, or the zero address if unknown.
func (o *Originator) Primary() protocol.Addr {
	if p := o.primary.Load(); p != nil {
		return *p
	}
	return protocol.ZeroAddr
}

func (o *Originator) SetPrimary(a protocol.Addr) {
	o.primary.Store(&a)
}

// PeekRouter returns the current router without taking a reference. The result may only be
// compared, never dereferenced after the caller's locks are dropped.
func (o *Originator) PeekRouter() *Neighbor {
	return o.router.Load()
}

// SwapRouter stores n as the router and returns the previous one. The caller holds NeighLock
// and transfers the reference on n to o, receiving the reference on the previous router.
func (o *Originator) SwapRouter(n *Neighbor) *Neighbor {
	return o.router.Swap(n)
}

// FindNeighbor returns the neighbour with the given address on ifc without taking a reference.
// The caller holds NeighLock.
func (o *Originator) FindNeighbor(addr protocol.Addr, ifc *Interface) *Neighbor {
	for _, n := range o.Neighbors {
		if n.Addr == addr && n.If == ifc {
			return n
		}
	}
	return nil
}

// OwnBits returns the window of our own OGMs echoed by o on interface ifIndex. The caller holds OGMLock.
func (o *Originator) OwnBits(ifIndex int) *Bitmap {
	b, ok := o.BcastOwn[ifIndex]
	if !ok {
		b = &Bitmap{}
		o.BcastOwn[ifIndex] = b
	}
	return b
}

// MarkEcho counts the echo of our OGM seqno on interface ifIndex, where newest is the last seqno
// sent there. Bit 0 of the window is the OGM before newest: the newest one only enters the window
// when the next OGM is sent, so an OGM of o racing the echo still finds a full window on a perfect
// link. The caller holds OGMLock.
func (o *Originator) MarkEcho(ifIndex int, newest, seqno uint32) {
	offset := int(SeqDiff(newest, seqno)) - 1
	if offset == -1 {
		o.echoNext[ifIndex] = true
		return
	}
	bits := o.OwnBits(ifIndex)
	bits.Mark(offset)
	o.BcastOwnSum[ifIndex] = bits.Popcount()
}

// SlideEcho moves the echo window of interface ifIndex by one sent OGM. The caller holds OGMLock.
func (o *Originator) SlideEcho(ifIndex int) {
	bits := o.OwnBits(ifIndex)
	bits.Admit(1, o.echoNext[ifIndex])
	delete(o.echoNext, ifIndex)
	o.BcastOwnSum[ifIndex] = bits.Popcount()
}

// LastTTL is the TTL of the last non-duplicate OGM of o.
func (o *Originator) LastTTL() uint8 {
	return uint8(o.lastTTL.Load())
}

func (o *Originator) SetLastTTL(ttl uint8) {
	o.lastTTL.Store(uint32(ttl))
}

func (o *Originator) Touch(now time.Time) {
	o.lastSeen.Store(now.UnixNano())
}

func (o *Originator) LastSeen() time.Time {
	return time.Unix(0, o.lastSeen.Load())
}
