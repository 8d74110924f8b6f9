package core

import (
	"slices"

	"github.com/encodeous/lattice/protocol"
	"github.com/encodeous/lattice/state"
)

// SelectRouter returns a held reference to the current router of o, or nil.
func (e *Engine) SelectRouter(o *state.Originator) *state.Neighbor {
	r := o.PeekRouter()
	if r == nil || !r.Hold() {
		return nil
	}
	return r
}

// UpdateRoute makes n the router of o. A nil n deletes the route, which also drops every client
// o was serving. Calling it with the current router is a no-op.
func (e *Engine) UpdateRoute(o *state.Originator, n *state.Neighbor) {
	o.NeighLock.Lock()
	cur := o.PeekRouter()
	if cur == n {
		o.NeighLock.Unlock()
		return
	}
	if n != nil && !n.Hold() {
		o.NeighLock.Unlock()
		return
	}
	old := o.SwapRouter(n)
	o.NeighLock.Unlock()

	switch {
	case old == nil:
		e.Log(RouteAdded, "Adding route towards", "orig", o.Addr, "via", n.Addr, "if", n.If)
		e.counters.RecordRouteChange("add")
	case n == nil:
		e.Log(RouteDeleted, "Deleting route towards", "orig", o.Addr)
		e.counters.RecordRouteChange("delete")
		e.tt.DelOrig(o)
	default:
		e.Log(RouteChanged, "Changing route towards", "orig", o.Addr, "new", n.Addr, "old", old.Addr)
		e.counters.RecordRouteChange("change")
	}
	if old != nil {
		old.Release()
	}
}

// BondingCandidateAdd adds n to the bonding candidates of o when it qualifies, and removes it
// when it no longer does.
func (e *Engine) BondingCandidateAdd(o *state.Originator, n *state.Neighbor) {
	o.NeighLock.Lock()
	defer o.NeighLock.Unlock()

	router := o.PeekRouter()
	switch {
	case n.Via == nil || n.Via.Primary() != o.Addr:
		e.candidateDel(o, n)
		return
	case router == nil:
		e.candidateDel(o, n)
		return
	case int(n.TQAvg()) < int(router.TQAvg())-state.BondingTQThreshold:
		e.candidateDel(o, n)
		return
	}

	// a candidate must not share an interface or an address with another one
	for _, c := range o.Neighbors {
		if c == n || !c.InBond {
			continue
		}
		if c.If == n.If || c.Addr == n.Addr {
			e.candidateDel(o, n)
			return
		}
	}

	if n.InBond || !n.Hold() {
		return
	}
	o.Bonds = append(o.Bonds, n)
	n.InBond = true
	e.Log(BondAdded, "Adding bonding candidate", "orig", o.Addr, "neigh", n.Addr, "if", n.If)
}

// BondingCandidateDel removes n from the bonding candidates of o.
func (e *Engine) BondingCandidateDel(o *state.Originator, n *state.Neighbor) {
	o.NeighLock.Lock()
	defer o.NeighLock.Unlock()
	e.candidateDel(o, n)
}

// candidateDel requires o.NeighLock.
func (e *Engine) candidateDel(o *state.Originator, n *state.Neighbor) {
	if !n.InBond {
		return
	}
	i := slices.Index(o.Bonds, n)
	if i < 0 {
		panic("core: bonding candidate missing from the bonding list of " + o.Addr.String())
	}
	o.Bonds = slices.Delete(o.Bonds, i, i+1)
	n.InBond = false
	n.Release()
	e.Log(BondRemoved, "Removing bonding candidate", "orig", o.Addr, "neigh", n.Addr)
}

// findBondRouter picks the next candidate in round robin order, skipping the receiving interface.
// The caller holds primary.NeighLock.
func findBondRouter(primary *state.Originator, recvIf *state.Interface) *state.Neighbor {
	bonds := primary.Bonds
	if len(bonds) == 0 {
		return nil
	}
	chosen := -1
	for i, c := range bonds {
		if c.If == recvIf {
			continue
		}
		if c.Hold() {
			chosen = i
			break
		}
	}
	if chosen < 0 {
		if !bonds[0].Hold() {
			return nil
		}
		chosen = 0
	}
	n := bonds[chosen]
	// the chosen candidate moves to the back so the next call starts after it
	primary.Bonds = slices.Concat(bonds[chosen+1:], bonds[:chosen+1])
	return n
}

// findAlternatingRouter picks the candidate with the best TQ that was not received on recvIf.
// The caller holds primary.NeighLock.
func findAlternatingRouter(primary *state.Originator, recvIf *state.Interface) *state.Neighbor {
	var best *state.Neighbor
	for _, c := range primary.Bonds {
		if c.If == recvIf {
			continue
		}
		if best == nil || c.TQAvg() > best.TQAvg() {
			best = c
		}
	}
	if best == nil && len(primary.Bonds) > 0 {
		best = primary.Bonds[0]
	}
	if best == nil || !best.Hold() {
		return nil
	}
	return best
}

// FindRouter returns a held next hop for a packet toward o that arrived on recvIf, or nil.
// recvIf is nil for packets originated locally. With bonding enabled the candidates are used
// in turn; when forwarding without bonding the best candidate on another interface is preferred.
func (e *Engine) FindRouter(o *state.Originator, recvIf *state.Interface) *state.Neighbor {
	if o == nil {
		return nil
	}
	router := e.SelectRouter(o)
	if router == nil {
		return nil
	}

	bonding := e.Bonding
	if (recvIf != nil || bonding) && router.Via != nil {
		if alt := e.bondedRouter(router.Via.Primary(), recvIf, bonding); alt != nil {
			router.Release()
			router = alt
		}
	}

	if !router.If.Active() {
		router.Release()
		return nil
	}
	return router
}

func (e *Engine) bondedRouter(primaryAddr protocol.Addr, recvIf *state.Interface, bonding bool) *state.Neighbor {
	if primaryAddr.IsZero() {
		return nil
	}
	primary := e.Origs.Lookup(primaryAddr)
	if primary == nil {
		return nil
	}
	defer primary.Release()

	primary.NeighLock.Lock()
	defer primary.NeighLock.Unlock()
	if len(primary.Bonds) < 2 {
		return nil
	}
	if bonding {
		return findBondRouter(primary, recvIf)
	}
	return findAlternatingRouter(primary, recvIf)
}
