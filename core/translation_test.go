package core

import (
	"testing"

	"github.com/encodeous/lattice/protocol"
	"github.com/encodeous/lattice/state"
	"github.com/encodeous/lattice/tt"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTTUpdateConsecutiveVersion(t *testing.T) {
	h := newHarness(t, state.NodeCfg{}, addrA)
	h.addRoute(addrC, addrB, h.ifc(0), 200)
	h.serve(addrC, 1, clientX)
	o := h.orig(addrC)

	h.e.ttUpdateOrig(o, []protocol.TTChange{{Addr: clientY}}, 2, tt.CRC([]protocol.Addr{clientX, clientY}))

	assert.Empty(t, h.link.take(), "nothing to request")
	owner := h.e.tt.LookupGlobal(clientY)
	require.NotNil(t, owner)
	assert.Equal(t, addrC, owner.Addr)
	owner.Release()
	o.TT.Lock()
	assert.Equal(t, uint8(2), o.TT.TTVN)
	o.TT.Unlock()
}

func TestTTUpdateRequestsTable(t *testing.T) {
	for _, tc := range []struct {
		name    string
		changes []protocol.TTChange
		ttvn    uint8
		crc     uint16
		full    bool
	}{
		{"crc mismatch", []protocol.TTChange{{Addr: clientY}}, 2, 0xbeef, true},
		{"changes no longer attached", nil, 2, 0, false},
		{"version skipped", []protocol.TTChange{{Addr: clientY}}, 4, 0, true},
		{"same version other crc", nil, 1, 0xbeef, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, state.NodeCfg{}, addrA)
			h.addRoute(addrC, addrB, h.ifc(0), 200)
			h.serve(addrC, 1, clientX)

			h.e.ttUpdateOrig(h.orig(addrC), tc.changes, tc.ttvn, tc.crc)
			sent := h.link.take()
			require.Len(t, sent, 1)
			assert.Equal(t, addrB, sent[0].To)
			req := sent[0].Packet.(*protocol.TTQuery)
			assert.False(t, req.IsResponse())
			assert.Equal(t, tc.full, req.IsFullTable())
			assert.Equal(t, addrC, req.Dst)
			assert.Equal(t, addrA, req.Src)
			assert.Equal(t, tc.ttvn, req.TTVN)
			assert.Equal(t, tc.crc, req.TTData)
		})
	}
}

func TestTTUpdateUpToDate(t *testing.T) {
	h := newHarness(t, state.NodeCfg{}, addrA)
	h.addRoute(addrC, addrB, h.ifc(0), 200)
	h.serve(addrC, 1, clientX)

	h.e.ttUpdateOrig(h.orig(addrC), nil, 1, tt.CRC([]protocol.Addr{clientX}))
	assert.Empty(t, h.link.take())
}

func TestTTRequestNotRepeated(t *testing.T) {
	h := newHarness(t, state.NodeCfg{}, addrA)
	h.addRoute(addrC, addrB, h.ifc(0), 200)
	o := h.orig(addrC)

	h.e.ttUpdateOrig(o, nil, 3, 0)
	h.e.ttUpdateOrig(o, nil, 3, 0)
	assert.Len(t, h.link.take(), 1, "one request in flight per originator")
	assert.Equal(t, []RouterEvent{TTRequestSent}, h.takeEvents()[1:])
}

func TestTTRequestForOwnTable(t *testing.T) {
	h := newHarness(t, state.NodeCfg{}, addrA)
	h.addRoute(addrB, addrB, h.ifc(0), 200)
	h.e.tt.LocalAdd(clientX, h.now())
	h.e.tt.LocalAdd(clientY, h.now())
	h.e.tt.Commit()

	// one version behind, the last changes are enough
	h.receive(h.ifc(0), addrB, addrA, protocol.NewTTQuery(protocol.TTRequest, addrA, addrB, 1))
	sent := h.link.take()
	require.Len(t, sent, 1)
	resp := sent[0].Packet.(*protocol.TTQuery)
	assert.True(t, resp.IsResponse())
	assert.False(t, resp.IsFullTable())
	assert.Equal(t, addrB, resp.Dst)
	assert.Equal(t, addrA, resp.Src)
	assert.Equal(t, uint8(1), resp.TTVN)
	assert.Equal(t, uint16(2), resp.TTData)
	assert.Len(t, resp.Changes, 2)

	h.receive(h.ifc(0), addrB, addrA, protocol.NewTTQuery(protocol.TTRequest|protocol.TTFullTable, addrA, addrB, 1))
	resp = h.link.take()[0].Packet.(*protocol.TTQuery)
	assert.True(t, resp.IsFullTable())
	assert.Empty(t, cmp.Diff([]protocol.TTChange{{Addr: clientX}, {Addr: clientY}}, resp.Changes))
}

func TestTTResponseCappedToMTU(t *testing.T) {
	h := newHarness(t, state.NodeCfg{}, addrA)
	h.addRoute(addrB, addrB, h.ifc(0), 200)
	for i := range 10 {
		h.e.tt.LocalAdd(protocol.Addr{0x0a, 0, 0, 0, 1, byte(i)}, h.now())
	}
	h.e.tt.Commit()
	h.ifc(0).MTU = protocol.TTQueryLen + 4*protocol.TTChangeLen

	h.receive(h.ifc(0), addrB, addrA, protocol.NewTTQuery(protocol.TTRequest|protocol.TTFullTable, addrA, addrB, 1))
	resp := h.link.take()[0].Packet.(*protocol.TTQuery)
	assert.Len(t, resp.Changes, 4)
	assert.Equal(t, uint16(4), resp.TTData)
}

func TestTTRequestAnsweredOnBehalf(t *testing.T) {
	h := newHarness(t, state.NodeCfg{}, addrA)
	h.addRoute(addrB, addrB, h.ifc(0), 200)
	h.addRoute(addrC, addrD, h.ifc(0), 200)
	h.serve(addrC, 7, clientX, clientY)
	crc := tt.CRC([]protocol.Addr{clientX, clientY})

	req := protocol.NewTTQuery(protocol.TTRequest|protocol.TTFullTable, addrC, addrB, 7)
	req.TTData = crc
	h.receive(h.ifc(0), addrB, addrA, req)

	sent := h.link.take()
	require.Len(t, sent, 1)
	assert.Equal(t, addrB, sent[0].To)
	resp := sent[0].Packet.(*protocol.TTQuery)
	assert.True(t, resp.IsResponse())
	assert.Equal(t, addrC, resp.Src, "answered in C's name")
	assert.Equal(t, []protocol.TTChange{{Addr: clientX}, {Addr: clientY}}, resp.Changes)

	// our copy is at another version, the request travels on to C
	req = protocol.NewTTQuery(protocol.TTRequest|protocol.TTFullTable, addrC, addrB, 8)
	h.receive(h.ifc(0), addrB, addrA, req)
	sent = h.link.take()
	require.Len(t, sent, 1)
	assert.Equal(t, addrD, sent[0].To)
	assert.False(t, sent[0].Packet.(*protocol.TTQuery).IsResponse())
}

func TestTTResponseApplied(t *testing.T) {
	h := newHarness(t, state.NodeCfg{}, addrA)
	h.addRoute(addrC, addrB, h.ifc(0), 200)
	o := h.orig(addrC)
	h.e.ttUpdateOrig(o, nil, 3, 0)
	h.link.take()

	resp := protocol.NewTTQuery(protocol.TTResponse|protocol.TTFullTable, addrA, addrC, 3)
	resp.Changes = []protocol.TTChange{{Addr: clientX}, {Addr: clientY}}
	resp.TTData = 2
	h.receive(h.ifc(0), addrB, addrA, resp)

	assert.Equal(t, map[protocol.Addr]protocol.Addr{clientX: addrC, clientY: addrC}, h.e.tt.Clients().Global)
	o.TT.Lock()
	assert.True(t, o.TT.Initialised)
	assert.Equal(t, uint8(3), o.TT.TTVN)
	assert.Equal(t, tt.CRC([]protocol.Addr{clientX, clientY}), o.TT.CRC)
	o.TT.Unlock()
	assert.Contains(t, h.takeEvents(), TTApplied)

	// the pending request was cleared, a new version can be requested right away
	h.e.ttUpdateOrig(o, nil, 5, 0)
	assert.Len(t, h.link.take(), 1)
}

func TestClientRoamsToUs(t *testing.T) {
	h := newHarness(t, state.NodeCfg{}, addrA)
	h.addRoute(addrC, addrB, h.ifc(0), 200)
	h.serve(addrC, 7, clientX)

	// X now talks through us
	err := h.e.Transmit(clientFrame(clientX, clientY, 20))
	assert.ErrorIs(t, err, ErrNoRoute, "Y is unknown")

	sent := h.link.take()
	require.Len(t, sent, 1)
	adv := sent[0].Packet.(*protocol.RoamAdv)
	assert.Equal(t, addrB, sent[0].To)
	assert.Equal(t, addrC, adv.Dst)
	assert.Equal(t, addrA, adv.Src)
	assert.Equal(t, clientX, adv.Client)
	assert.True(t, h.orig(addrC).TTPossibleChange.Load())
	assert.True(t, h.e.tt.LookupLocal(clientX))
	assert.Nil(t, h.e.tt.LookupGlobal(clientX))
}

func TestRoamingRateLimited(t *testing.T) {
	h := newHarness(t, state.NodeCfg{}, addrA)
	h.addRoute(addrC, addrB, h.ifc(0), 200)

	for range state.RoamingMaxCount + 1 {
		h.serve(addrC, 7, clientX)
		_ = h.e.Transmit(clientFrame(clientX, clientY, 20))
	}
	assert.Len(t, sentOf[*protocol.RoamAdv](h.link.take()), state.RoamingMaxCount)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.e.counters.Dropped.WithLabelValues("ROAM_ADV", "roaming too often")))
}

func TestRoamAdvReceived(t *testing.T) {
	h := newHarness(t, state.NodeCfg{}, addrA)
	h.addRoute(addrC, addrB, h.ifc(0), 200)
	h.serve(addrC, 7)
	h.e.tt.LocalAdd(clientX, h.now())
	h.e.tt.Commit()

	h.receive(h.ifc(0), addrB, addrA, protocol.NewRoamAdv(addrA, addrC, clientX))

	assert.False(t, h.e.tt.LookupLocal(clientX))
	owner := h.e.tt.LookupGlobal(clientX)
	require.NotNil(t, owner)
	assert.Equal(t, addrC, owner.Addr)
	owner.Release()
	assert.True(t, h.e.tt.PossibleChange())
	assert.Contains(t, h.takeEvents(), TTRoamed)

	// traffic still addressed to us for X follows the client
	frame := clientFrame(clientY, clientX, 20)
	h.receive(h.ifc(0), addrD, addrA, protocol.NewUnicast(addrA, h.e.tt.LocalTTVN(), frame))
	sent := h.link.take()
	require.Len(t, sent, 1)
	p := sent[0].Packet.(*protocol.Unicast)
	assert.Equal(t, addrC, p.Dest)
	assert.Equal(t, uint8(7), p.TTVN)
	assert.Empty(t, h.soft.take())
}
