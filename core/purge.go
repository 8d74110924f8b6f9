package core

import (
	"slices"
	"time"

	"github.com/encodeous/lattice/state"
)

// Purge drops neighbours and originators that went silent, together with every expired
// fragment buffer, translation table request and client entry.
func (e *Engine) Purge() {
	now := e.now()
	origs := e.Origs.Snapshot()
	for _, o := range origs {
		if now.Sub(o.LastSeen()) > 2*state.PurgeTimeout {
			e.purgeOrig(o)
			continue
		}
		if e.purgeNeighbors(o, now) {
			e.UpdateRoute(o, bestNeighbor(o))
		}
	}
	state.ReleaseAll(origs)
	e.counters.SetOriginators(e.Origs.Len())

	e.frags.expire()
	e.ttReqs.DeleteExpired()
	e.roams.DeleteExpired()
	for _, c := range e.tt.PurgeLocal(now, state.LocalTTTimeout) {
		e.Env.Log.Debug("Client timed out", "client", c)
	}
	e.tt.PurgeRoaming(now, state.RoamingMaxTime)
}

func (e *Engine) purgeOrig(o *state.Originator) {
	e.UpdateRoute(o, nil)
	e.tt.DelOrig(o)
	if e.Origs.Remove(o) {
		e.Log(OriginatorPurged, "Originator timed out", "orig", o.Addr, "last_seen", o.LastSeen())
	}
}

// purgeNeighbors removes the neighbours of o that timed out or whose interface went down. It
// reports whether anything was removed.
func (e *Engine) purgeNeighbors(o *state.Originator, now time.Time) bool {
	var dead []*state.Neighbor
	o.NeighLock.Lock()
	o.Neighbors = slices.DeleteFunc(o.Neighbors, func(n *state.Neighbor) bool {
		if n.If.Active() && now.Sub(n.LastSeen()) <= state.PurgeTimeout {
			return false
		}
		e.candidateDel(o, n)
		dead = append(dead, n)
		return true
	})
	o.NeighLock.Unlock()

	for _, n := range dead {
		e.Log(NeighborPurged, "Neighbor timed out", "orig", o.Addr, "neigh", n.Addr, "if", n.If, "last_seen", n.LastSeen())
		n.Release()
	}
	return len(dead) > 0
}

// bestNeighbor returns the remaining neighbour of o with the best TQ, or nil.
func bestNeighbor(o *state.Originator) *state.Neighbor {
	o.NeighLock.Lock()
	defer o.NeighLock.Unlock()
	var best *state.Neighbor
	for _, n := range o.Neighbors {
		if best == nil || n.TQAvg() > best.TQAvg() {
			best = n
		}
	}
	return best
}
