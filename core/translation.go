package core

import (
	"github.com/encodeous/lattice/protocol"
	"github.com/encodeous/lattice/state"
	"github.com/jellydator/ttlcache/v3"
)

// ttUpdateOrig brings our copy of o's translation table to the version announced in an OGM.
// Consecutive versions are applied from the attached changes; anything else, or a CRC that does
// not match after applying, results in a request to o.
func (e *Engine) ttUpdateOrig(o *state.Originator, changes []protocol.TTChange, ttvn uint8, crc uint16) {
	o.TT.Lock()
	origTTVN, initialised, origCRC := o.TT.TTVN, o.TT.Initialised, o.TT.CRC
	o.TT.Unlock()

	if ttvn-origTTVN == 1 {
		// the changes were already sent TTOGMAppendMax times, ask for them
		if len(changes) == 0 {
			e.sendTTRequest(o, ttvn, crc, false)
			return
		}
		e.tt.UpdateChanges(o, changes, ttvn, e.now())
		if e.tt.GlobalCRC(o) != crc {
			e.sendTTRequest(o, ttvn, crc, true)
			return
		}
		o.TTPossibleChange.Store(false)
		if state.DBG_log_tt {
			e.Log(TTApplied, "Applied translation table changes", "orig", o.Addr, "ttvn", ttvn, "changes", len(changes))
		}
		return
	}

	if !initialised || ttvn != origTTVN || origCRC != crc {
		e.sendTTRequest(o, ttvn, crc, true)
	}
}

// sendTTRequest asks o for its table at version ttvn. Only one request per originator is in
// flight within TTRequestTimeout.
func (e *Engine) sendTTRequest(o *state.Originator, ttvn uint8, crc uint16, full bool) {
	if _, pending := e.ttReqs.GetOrSet(o.Addr, struct{}{}); pending {
		return
	}
	router := e.SelectRouter(o)
	if router == nil {
		e.ttReqs.Delete(o.Addr)
		return
	}
	defer router.Release()

	flags := protocol.TTRequest
	if full {
		flags |= protocol.TTFullTable
	}
	req := protocol.NewTTQuery(flags, o.Addr, e.PrimaryAddr(), ttvn)
	req.TTData = crc
	e.Log(TTRequestSent, "Sending translation table request", "dst", o.Addr, "ttvn", ttvn, "full", full)
	e.sendTo(router, req)
}

func (e *Engine) recvTTQuery(ifc *state.Interface, f *protocol.Frame, p *protocol.TTQuery) {
	if reason := e.checkUnicast(f, true); reason != "" {
		e.drop(protocol.TypeTTQuery, reason)
		return
	}

	if !p.IsResponse() {
		if e.IsMyAddr(p.Dst) {
			e.sendMyTTResponse(p)
			return
		}
		if !e.sendOtherTTResponse(p) {
			e.route(ifc, p)
		}
		return
	}

	if e.IsMyAddr(p.Dst) {
		e.handleTTResponse(p)
		return
	}
	e.route(ifc, p)
}

// capEntries trims a response so it fits into one packet on an interface with the given MTU.
func capEntries(changes []protocol.TTChange, mtu int) []protocol.TTChange {
	limit := max((mtu-protocol.TTQueryLen)/protocol.TTChangeLen, 0)
	if len(changes) > limit {
		return changes[:limit]
	}
	return changes
}

func (e *Engine) sendTTResponse(router *state.Neighbor, resp *protocol.TTQuery) {
	resp.Changes = capEntries(resp.Changes, router.If.MTU)
	resp.TTData = uint16(len(resp.Changes))
	e.Log(TTResponseSent, "Sending translation table response", "dst", resp.Dst, "src", resp.Src, "ttvn", resp.TTVN, "full", resp.IsFullTable(), "entries", len(resp.Changes))
	e.sendTo(router, resp)
}

// sendMyTTResponse answers a request for our own table: the last changes when the requester is
// exactly one version behind and did not ask for the full table, the full table otherwise.
func (e *Engine) sendMyTTResponse(req *protocol.TTQuery) {
	o := e.Origs.Lookup(req.Src)
	if o == nil {
		e.drop(protocol.TypeTTQuery, "unknown requester", "src", req.Src)
		return
	}
	router := e.SelectRouter(o)
	o.Release()
	if router == nil {
		e.drop(protocol.TypeTTQuery, "no route", "src", req.Src)
		return
	}
	defer router.Release()

	ttvn, _, entries := e.tt.Local()
	_, last := e.tt.LastChanges()
	resp := protocol.NewTTQuery(protocol.TTResponse, req.Src, e.PrimaryAddr(), ttvn)
	if req.IsFullTable() || req.TTVN != ttvn || len(last) == 0 {
		resp.Flags |= protocol.TTFullTable
		resp.Changes = entries
	} else {
		resp.Changes = last
	}
	e.sendTTResponse(router, resp)
}

// sendOtherTTResponse answers a request on behalf of its destination when our copy of that
// table is at the requested version and CRC. It reports false when the request must be routed.
func (e *Engine) sendOtherTTResponse(req *protocol.TTQuery) bool {
	dst := e.Origs.Lookup(req.Dst)
	if dst == nil {
		return false
	}
	defer dst.Release()
	src := e.Origs.Lookup(req.Src)
	if src == nil {
		return false
	}
	router := e.SelectRouter(src)
	src.Release()
	if router == nil {
		return false
	}
	defer router.Release()

	dst.TT.Lock()
	ttvn, crc, initialised, changes := dst.TT.TTVN, dst.TT.CRC, dst.TT.Initialised, dst.TT.Changes
	dst.TT.Unlock()
	if !initialised || ttvn != req.TTVN || crc != req.TTData {
		return false
	}

	resp := protocol.NewTTQuery(protocol.TTResponse, req.Src, dst.Addr, ttvn)
	if req.IsFullTable() || changes == nil {
		resp.Flags |= protocol.TTFullTable
		resp.Changes = e.tt.GlobalEntries(dst)
	} else {
		resp.Changes = changes
	}
	e.sendTTResponse(router, resp)
	return true
}

func (e *Engine) handleTTResponse(p *protocol.TTQuery) {
	o := e.Origs.Lookup(p.Src)
	if o == nil {
		e.drop(protocol.TypeTTQuery, "unknown responder", "src", p.Src)
		return
	}
	defer o.Release()

	if p.IsFullTable() {
		e.tt.FillTable(o, p.Changes, p.TTVN)
	} else {
		e.tt.UpdateChanges(o, p.Changes, p.TTVN, e.now())
	}
	e.ttReqs.Delete(o.Addr)
	e.tt.GlobalCRC(o)
	o.TTPossibleChange.Store(false)
	e.Log(TTApplied, "Applied translation table response", "orig", o.Addr, "ttvn", p.TTVN, "full", p.IsFullTable(), "entries", len(p.Changes))
}

func (e *Engine) recvRoamAdv(ifc *state.Interface, f *protocol.Frame, p *protocol.RoamAdv) {
	if reason := e.checkUnicast(f, true); reason != "" {
		e.drop(protocol.TypeRoamAdv, reason)
		return
	}
	if !e.IsMyAddr(p.Dst) {
		e.route(ifc, p)
		return
	}
	o := e.Origs.Lookup(p.Src)
	if o == nil {
		e.drop(protocol.TypeRoamAdv, "unknown originator", "src", p.Src)
		return
	}
	defer o.Release()

	o.TT.Lock()
	ttvn := o.TT.TTVN + 1
	o.TT.Unlock()
	e.tt.ApplyRemoteChange(o, p.Client, ttvn, true)
	// the client left before our next version announces it
	e.tt.SetPossibleChange(true)
	e.Log(TTRoamed, "Client roamed away", "client", p.Client, "to", o.Addr, "ttvn", ttvn)
}

// roamAllowed limits how often one client may trigger roaming advertisements.
func (e *Engine) roamAllowed(client protocol.Addr) bool {
	item, _ := e.roams.GetOrSet(client, 0)
	if item.Value() >= state.RoamingMaxCount {
		return false
	}
	e.roams.Set(client, item.Value()+1, ttlcache.PreviousOrDefaultTTL)
	return true
}

// sendRoamAdv tells o, the previous owner of client, that the client is now ours.
func (e *Engine) sendRoamAdv(client protocol.Addr, o *state.Originator) {
	o.TTPossibleChange.Store(true)
	if !e.roamAllowed(client) {
		e.drop(protocol.TypeRoamAdv, "roaming too often", "client", client)
		return
	}
	router := e.SelectRouter(o)
	if router == nil {
		e.drop(protocol.TypeRoamAdv, "no route", "dst", o.Addr)
		return
	}
	defer router.Release()
	e.Log(TTRoamed, "Client roamed to us", "client", client, "from", o.Addr)
	e.sendTo(router, protocol.NewRoamAdv(o.Addr, e.PrimaryAddr(), client))
}
