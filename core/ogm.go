package core

import (
	"math/rand/v2"
	"slices"
	"time"

	"github.com/encodeous/lattice/perf"
	"github.com/encodeous/lattice/protocol"
	"github.com/encodeous/lattice/state"
)

// IVAnnouncer implements B.A.T.M.A.N. IV originator messages. Every interface announces itself
// periodically; neighbours rebroadcast the announcements with the link quality (TQ) they observed,
// and each node routes toward an originator through the neighbour reporting the best TQ.
type IVAnnouncer struct{}

// hopPenalty reduces tq by penalty/TQMax.
func hopPenalty(tq, penalty uint8) uint8 {
	return uint8(int(tq) * (state.TQMax - int(penalty)) / state.TQMax)
}

func (a *IVAnnouncer) Receive(e *Engine, ifc *state.Interface, f *protocol.Frame, p *protocol.OGM) {
	perf.OGMsPerSecond.Add(1)
	typ := protocol.TypeOGM
	now := e.now()
	directLink := p.Flags&protocol.DirectLink != 0
	singleHop := f.Src == p.Orig

	var myAddr, myOrig, myPrevSender bool
	for _, i := range e.ActiveInterfaces() {
		myAddr = myAddr || f.Src == i.Addr
		myOrig = myOrig || p.Orig == i.Addr
		myPrevSender = myPrevSender || p.PrevSender == i.Addr
	}

	switch {
	case myAddr:
		e.drop(typ, "own broadcast")
		return
	case f.Src.IsBroadcast():
		e.drop(typ, "broadcast source")
		return
	case !f.Dst.IsBroadcast():
		e.drop(typ, "unicast destination")
		return
	}

	if myOrig {
		// a neighbour echoed our own OGM: count it for the link toward that neighbour
		neigh := e.Origs.GetOrCreate(f.Src, now)
		if directLink && ifc.Addr == p.Orig {
			neigh.OGMLock.Lock()
			neigh.MarkEcho(ifc.Index, ifc.OGMSeqno.Load()-1, p.Seqno)
			neigh.OGMLock.Unlock()
		}
		neigh.Release()
		e.drop(typ, "own originator")
		return
	}
	if myPrevSender {
		e.drop(typ, "rebroadcast echo")
		return
	}

	o := e.Origs.GetOrCreate(p.Orig, now)
	defer o.Release()
	e.counters.SetOriginators(e.Origs.Len())

	dup, ok := countRealPackets(o, ifc, f.Src, p.Seqno, now)
	if !ok {
		e.drop(typ, "restart protection", "orig", p.Orig, "seqno", p.Seqno)
		return
	}
	if p.TQ == 0 {
		e.drop(typ, "zero tq", "orig", p.Orig)
		return
	}
	if a.mayLoop(e, o, p) {
		e.drop(typ, "possible loop", "orig", p.Orig, "prev", p.PrevSender)
		return
	}

	neighOrig := o
	if !singleHop {
		neighOrig = e.Origs.GetOrCreate(f.Src, now)
		defer neighOrig.Release()
		if neighOrig.PeekRouter() == nil {
			e.drop(typ, "via unknown neighbour", "orig", p.Orig, "neigh", f.Src)
			return
		}
	}

	bidirect := a.isBidirectional(o, neighOrig, p, ifc, now)

	if p.Flags&protocol.PrimariesFirstHop != 0 {
		neighOrig.SetPrimary(o.Addr)
	}

	o.OGMLock.Lock()
	lastReal := o.LastRealSeqno
	o.OGMLock.Unlock()
	if bidirect && (!dup || (lastReal == p.Seqno && int(o.LastTTL())-3 <= int(p.TTL))) {
		a.updateOrig(e, o, ifc, f, p, dup, singleHop, now)
	}

	switch {
	case singleHop:
		a.forward(e, o, ifc, f, p, true)
	case !bidirect:
		e.drop(typ, "not bidirectional", "orig", p.Orig)
	case dup:
		e.drop(typ, "duplicate", "orig", p.Orig, "seqno", p.Seqno)
	default:
		a.forward(e, o, ifc, f, p, false)
	}
}

// mayLoop reports an OGM rebroadcast by our own router toward o when that router itself routes
// through the same neighbour.
func (a *IVAnnouncer) mayLoop(e *Engine, o *state.Originator, p *protocol.OGM) bool {
	router := e.SelectRouter(o)
	if router == nil {
		return false
	}
	defer router.Release()
	if router.Via == nil || router.Addr != p.PrevSender || p.Orig == p.PrevSender {
		return false
	}
	rr := e.SelectRouter(router.Via)
	if rr == nil {
		return false
	}
	defer rr.Release()
	return router.Addr == rr.Addr
}

// countRealPackets updates the per-neighbour windows of o with seqno and reports whether any
// neighbour had already seen it. ok is false when restart protection refuses the packet.
func countRealPackets(o *state.Originator, ifc *state.Interface, src protocol.Addr, seqno uint32, now time.Time) (dup bool, ok bool) {
	o.OGMLock.Lock()
	defer o.OGMLock.Unlock()

	diff := state.SeqDiff(seqno, o.LastRealSeqno)
	if state.ResetProtected(&o.RealReset, diff, now) {
		return false, false
	}

	o.NeighLock.Lock()
	neighs := slices.Clone(o.Neighbors)
	o.NeighLock.Unlock()

	moved := false
	for _, n := range neighs {
		dup = dup || n.RealBits.Test(o.LastRealSeqno, seqno)
		mark := n.Addr == src && n.If == ifc
		if n.RealBits.Admit(diff, mark).New() {
			moved = true
		}
		n.RealPacketCount = n.RealBits.Popcount()
	}
	// without neighbours there is no window to move, follow the sender directly
	if moved || (len(neighs) == 0 && diff != 0) {
		o.LastRealSeqno = seqno
	}
	return dup, true
}

// createNeighbor requires owner.NeighLock. The returned neighbour is referenced by the list only.
func createNeighbor(owner, via *state.Originator, addr protocol.Addr, ifc *state.Interface, now time.Time) *state.Neighbor {
	n := state.NewNeighbor(addr, ifc, via, now)
	owner.Neighbors = append(owner.Neighbors, n)
	return n
}

// isBidirectional scales p.TQ by the quality of the link to neighOrig and reports whether the
// result still qualifies the link as bidirectional. The local link quality is the share of our
// own OGMs echoed back by the neighbour, relative to the share of its OGMs we received, with a
// penalty for asymmetric links.
func (a *IVAnnouncer) isBidirectional(o, neighOrig *state.Originator, p *protocol.OGM, ifc *state.Interface, now time.Time) bool {
	neighOrig.NeighLock.Lock()
	n := neighOrig.FindNeighbor(neighOrig.Addr, ifc)
	if n == nil {
		n = createNeighbor(neighOrig, neighOrig, neighOrig.Addr, ifc, now)
	}
	n.Hold()
	neighOrig.NeighLock.Unlock()
	defer n.Release()

	if o == neighOrig {
		n.Touch(now)
	}
	o.Touch(now)

	neighOrig.OGMLock.Lock()
	echoed := neighOrig.BcastOwnSum[ifc.Index]
	received := n.RealPacketCount
	neighOrig.OGMLock.Unlock()

	total := min(echoed, received)
	tqOwn := 0
	if total >= 1 && received >= 1 {
		tqOwn = state.TQMax * total / received
	}
	missing := state.WindowSize - received
	asym := state.TQMax - state.TQMax*missing*missing*missing/(state.WindowSize*state.WindowSize*state.WindowSize)

	p.TQ = uint8(int(p.TQ) * tqOwn * asym / (state.TQMax * state.TQMax))
	return p.TQ >= state.TQTotalBidirectLimit
}

func ownSum(o *state.Originator, ifc *state.Interface) int {
	if o == nil {
		return 0
	}
	o.OGMLock.Lock()
	defer o.OGMLock.Unlock()
	return o.BcastOwnSum[ifc.Index]
}

// updateOrig records the OGM against the neighbour it came from and switches the route to that
// neighbour when it offers a better TQ, or the same TQ over a more symmetric link.
func (a *IVAnnouncer) updateOrig(e *Engine, o *state.Originator, ifc *state.Interface, f *protocol.Frame, p *protocol.OGM, dup, singleHop bool, now time.Time) {
	via := e.Origs.GetOrCreate(f.Src, now)
	defer via.Release()

	o.NeighLock.Lock()
	var neigh *state.Neighbor
	for _, n := range o.Neighbors {
		if n.Addr == f.Src && n.If == ifc {
			neigh = n
			continue
		}
		if !dup {
			n.PushTQ(0)
		}
	}
	if neigh == nil {
		neigh = createNeighbor(o, via, f.Src, ifc, now)
	}
	neigh.Hold()
	neigh.Touch(now)
	neigh.PushTQ(p.TQ)
	o.NeighLock.Unlock()
	defer neigh.Release()

	if !dup {
		o.SetLastTTL(p.TTL)
		neigh.SetLastTTL(p.TTL)
	}

	e.BondingCandidateAdd(o, neigh)

	switch router := e.SelectRouter(o); {
	case router == nil:
		e.UpdateRoute(o, neigh)
	case router == neigh, router.TQAvg() > neigh.TQAvg():
		router.Release()
	case router.TQAvg() == neigh.TQAvg() && ownSum(router.Via, ifc) >= ownSum(neigh.Via, ifc):
		router.Release()
	default:
		router.Release()
		e.UpdateRoute(o, neigh)
	}

	// translation table versions only travel with OGMs of primary interfaces
	if (!singleHop && p.TTL > 2) || p.Flags&protocol.PrimariesFirstHop != 0 {
		e.ttUpdateOrig(o, p.Changes, p.TTVN, p.TTCRC)
	}
}

// forward schedules the rebroadcast of a received OGM.
func (a *IVAnnouncer) forward(e *Engine, o *state.Originator, ifc *state.Interface, f *protocol.Frame, p *protocol.OGM, directLink bool) {
	if p.TTL <= 1 {
		e.drop(protocol.TypeOGM, "ttl exceeded", "orig", p.Orig)
		return
	}

	fwd := *p
	fwd.Changes = slices.Clone(p.Changes)
	fwd.TTL--
	fwd.PrevSender = f.Src
	// rebroadcast the TQ of our best route rather than the one of this copy
	if router := e.SelectRouter(o); router != nil {
		if router.TQAvg() != 0 && router.Addr != f.Src {
			fwd.TQ = router.TQAvg()
			if ttl := router.LastTTL(); ttl != 0 {
				fwd.TTL = ttl - 1
			}
		}
		router.Release()
	}
	fwd.TQ = hopPenalty(fwd.TQ, e.HopPenalty)
	fwd.Flags &^= protocol.PrimariesFirstHop

	var delay time.Duration
	if state.OrigJitter > 0 {
		delay = time.Duration(rand.Int64N(int64(state.OrigJitter)))
	}
	e.after(delay, func() {
		a.send(e, &fwd, ifc, directLink, false)
	})
}

// send transmits an OGM. Own OGMs of secondary interfaces and direct-link OGMs at the end of
// their life stay on the interface they belong to; everything else goes out on every interface,
// with the direct link flag set only on the interface it was received on.
func (a *IVAnnouncer) send(e *Engine, p *protocol.OGM, home *state.Interface, directLink, own bool) {
	if (directLink && p.TTL == 1) || (own && home != e.PrimaryIf()) {
		if directLink {
			p.Flags |= protocol.DirectLink
		} else {
			p.Flags &^= protocol.DirectLink
		}
		e.send(home, protocol.BroadcastAddr, p)
		return
	}
	for _, ifc := range e.ActiveInterfaces() {
		c := *p
		if directLink && ifc == home {
			c.Flags |= protocol.DirectLink
		} else {
			c.Flags &^= protocol.DirectLink
		}
		e.send(ifc, protocol.BroadcastAddr, &c)
	}
}

// Emit originates the next OGM of ifc. The primary interface commits pending local translation
// table changes and carries them for the next TTOGMAppendMax announcements.
func (a *IVAnnouncer) Emit(e *Engine, ifc *state.Interface) {
	if !ifc.Active() {
		return
	}
	p := protocol.NewOGM()
	p.Orig, p.PrevSender = ifc.Addr, ifc.Addr
	p.TQ = state.TQMax
	if ifc == e.PrimaryIf() {
		changes, ttvn, crc := e.tt.Commit()
		p.Flags = protocol.PrimariesFirstHop
		p.TTVN, p.TTCRC = ttvn, crc
		// receivers request the table when the changes do not fit
		if len(changes) <= min(255, (ifc.MTU-protocol.OGMLen)/protocol.TTChangeLen) {
			p.Changes = changes
		}
	} else {
		p.TTL = state.SecondaryTTL
		p.TTVN, p.TTCRC, _ = e.tt.Local()
	}
	p.Seqno = ifc.OGMSeqno.Add(1) - 1

	slideOwnWindow(e, ifc)
	a.send(e, p, ifc, false, true)
}

// slideOwnWindow advances every originator's echo window for ifc by one announcement.
func slideOwnWindow(e *Engine, ifc *state.Interface) {
	origs := e.Origs.Snapshot()
	defer state.ReleaseAll(origs)
	for _, o := range origs {
		o.OGMLock.Lock()
		o.SlideEcho(ifc.Index)
		o.OGMLock.Unlock()
	}
}

// Originate emits one announcement per interface.
func (e *Engine) Originate() {
	for _, ifc := range e.Interfaces {
		e.ann.Emit(e, ifc)
	}
}
