package core

import (
	"github.com/encodeous/lattice/protocol"
	"github.com/encodeous/lattice/state"
)

func (e *Engine) recvUnicast(ifc *state.Interface, f *protocol.Frame, p *protocol.Unicast) {
	if reason := e.checkUnicast(f, true); reason != "" {
		e.drop(protocol.TypeUnicast, reason)
		return
	}
	if !e.checkUnicastTTVN(p) {
		e.drop(protocol.TypeUnicast, "stale destination", "dest", p.Dest, "ttvn", p.TTVN)
		return
	}
	if e.IsMyAddr(p.Dest) {
		e.deliver(p.Payload)
		return
	}
	e.route(ifc, p)
}

func (e *Engine) recvUnicastFrag(ifc *state.Interface, f *protocol.Frame, p *protocol.UnicastFrag) {
	if reason := e.checkUnicast(f, true); reason != "" {
		e.drop(protocol.TypeUnicastFrag, reason)
		return
	}
	if !e.IsMyAddr(p.Dest) {
		e.route(ifc, p)
		return
	}
	merged, err := e.reassemble(p)
	if err != nil {
		e.drop(protocol.TypeUnicastFrag, "reassembly failed", "orig", p.Orig, "error", err)
		return
	}
	if merged != nil {
		e.deliver(merged.Payload)
	}
}

// checkUnicastTTVN makes sure p is addressed to the node currently serving the client it carries.
// A packet stamped with a translation table version older than the destination's, or addressed to
// a destination whose clients may be roaming, is redirected to the owner recorded in our tables.
// It returns false when the packet cannot be redirected.
func (e *Engine) checkUnicastTTVN(p *protocol.Unicast) bool {
	var curr uint8
	var possible bool
	if e.IsMyAddr(p.Dest) {
		curr = e.tt.LocalTTVN()
		possible = e.tt.PossibleChange()
	} else {
		o := e.Origs.Lookup(p.Dest)
		if o == nil {
			return false
		}
		o.TT.Lock()
		curr = o.TT.TTVN
		o.TT.Unlock()
		possible = o.TTPossibleChange.Load()
		o.Release()
	}

	if int8(p.TTVN-curr) >= 0 && !possible {
		return true
	}

	_, client, err := protocol.ClientAddrs(p.Payload)
	if err != nil {
		return false
	}
	old := p.Dest
	if owner := e.tt.LookupGlobal(client); owner != nil {
		owner.TT.Lock()
		p.TTVN = owner.TT.TTVN
		owner.TT.Unlock()
		p.Dest = owner.Addr
		owner.Release()
	} else {
		if !e.tt.LookupLocal(client) {
			return false
		}
		p.Dest = e.PrimaryAddr()
		p.TTVN = e.tt.LocalTTVN()
	}
	if p.Dest != old {
		e.Log(UnicastRerouted, "Rerouting unicast packet", "client", client, "from", old, "to", p.Dest)
	}
	return true
}
