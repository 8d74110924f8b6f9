package core

import (
	"testing"
	"time"

	"github.com/encodeous/lattice/protocol"
	"github.com/encodeous/lattice/state"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHopPenalty(t *testing.T) {
	for _, tc := range []struct {
		tq, penalty, want uint8
	}{
		{255, 30, 225},
		{255, 0, 255},
		{100, 30, 88},
		{0, 30, 0},
		{255, 255, 0},
	} {
		assert.Equal(t, tc.want, hopPenalty(tc.tq, tc.penalty), "tq=%d penalty=%d", tc.tq, tc.penalty)
	}
}

func TestNeighborNeedsEchoBeforeRoute(t *testing.T) {
	h := newHarness(t, state.NodeCfg{}, addrA)

	h.befriend(h.ifc(0), 1, addrB)
	_, _, ok := h.e.Route(addrB)
	assert.False(t, ok, "no OGM of ours was counted against B yet")

	h.befriend(h.ifc(0), 1, addrB)
	next, tq, ok := h.e.Route(addrB)
	require.True(t, ok)
	assert.Equal(t, addrB, next)
	assert.NotZero(t, tq)
	assert.Contains(t, h.takeEvents(), RouteAdded)
	assert.Equal(t, addrB, h.orig(addrB).Primary())
}

func TestLinkQualityConverges(t *testing.T) {
	h := newHarness(t, state.NodeCfg{}, addrA)
	h.befriend(h.ifc(0), state.WindowSize+6, addrB)

	_, tq, ok := h.e.Route(addrB)
	require.True(t, ok)
	assert.Equal(t, uint8(state.TQMax), tq)
}

func TestRebroadcast(t *testing.T) {
	h := newHarness(t, state.NodeCfg{}, addrA)
	h.befriend(h.ifc(0), state.WindowSize+6, addrB)
	h.settle()
	h.link.take()

	h.befriend(h.ifc(0), 1, addrB)
	h.settle()
	sent := h.link.take()

	var own, fwd []*protocol.OGM
	for _, p := range sentOf[*protocol.OGM](sent) {
		switch p.Orig {
		case addrA:
			own = append(own, p)
		case addrB:
			fwd = append(fwd, p)
		}
	}
	require.Len(t, own, 1, "the echo of our own OGM is never rebroadcast")
	assert.Equal(t, uint8(protocol.TTL), own[0].TTL)
	assert.Equal(t, uint8(state.TQMax), own[0].TQ)
	assert.NotZero(t, own[0].Flags&protocol.PrimariesFirstHop)

	require.Len(t, fwd, 1)
	assert.Equal(t, hopPenalty(state.TQMax, state.HopPenalty), fwd[0].TQ)
	assert.Equal(t, uint8(protocol.TTL-1), fwd[0].TTL)
	assert.Equal(t, addrB, fwd[0].PrevSender)
	assert.NotZero(t, fwd[0].Flags&protocol.DirectLink, "received from the originator itself")
	assert.Zero(t, fwd[0].Flags&protocol.PrimariesFirstHop)
}

func TestTwoHopRoute(t *testing.T) {
	h := newHarness(t, state.NodeCfg{}, addrA)
	h.befriend(h.ifc(0), state.WindowSize+6, addrB)
	h.settle()
	h.link.take()

	p := ogmFrom(addrC, 7)
	p.Flags = 0
	p.TTL = protocol.TTL - 1
	p.TQ = 200
	h.receive(h.ifc(0), addrB, protocol.BroadcastAddr, p)

	next, tq, ok := h.e.Route(addrC)
	require.True(t, ok)
	assert.Equal(t, addrB, next)
	assert.Equal(t, uint8(200), tq, "a perfect link to B keeps the announced TQ")

	h.settle()
	reqs := sentOf[*protocol.TTQuery](h.link.take())
	require.NotEmpty(t, reqs, "an unknown table version is requested")
	assert.Equal(t, addrC, reqs[0].Dst)
	assert.False(t, reqs[0].IsResponse())
}

func TestViaUnknownNeighborDropped(t *testing.T) {
	h := newHarness(t, state.NodeCfg{}, addrA)

	p := ogmFrom(addrC, 7)
	p.Flags = 0
	h.receive(h.ifc(0), addrB, protocol.BroadcastAddr, p)

	_, _, ok := h.e.Route(addrC)
	assert.False(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.e.counters.Dropped.WithLabelValues("OGM", "via unknown neighbour")))
}

func TestBetterNeighborTakesOver(t *testing.T) {
	h := newHarness(t, state.NodeCfg{}, addrA)
	h.befriend(h.ifc(0), state.WindowSize+6, addrB, addrD)
	h.takeEvents()

	viaB := ogmFrom(addrC, 7)
	viaB.Flags = 0
	viaB.TQ = 100
	h.receive(h.ifc(0), addrB, protocol.BroadcastAddr, viaB)
	next, _, _ := h.e.Route(addrC)
	assert.Equal(t, addrB, next)

	// the same OGM arrives over D with a better TQ
	viaD := ogmFrom(addrC, 7)
	viaD.Flags = 0
	viaD.TQ = 200
	h.receive(h.ifc(0), addrD, protocol.BroadcastAddr, viaD)
	next, tq, _ := h.e.Route(addrC)
	assert.Equal(t, addrD, next)
	assert.Equal(t, uint8(200), tq)
	assert.Equal(t, []RouterEvent{RouteAdded, RouteChanged}, filterEvents(h.takeEvents(), RouteAdded, RouteChanged))

	// a worse copy does not switch back
	viaB = ogmFrom(addrC, 8)
	viaB.Flags = 0
	viaB.TQ = 50
	h.receive(h.ifc(0), addrB, protocol.BroadcastAddr, viaB)
	next, _, _ = h.e.Route(addrC)
	assert.Equal(t, addrD, next)
}

func TestRebroadcastEchoDropped(t *testing.T) {
	h := newHarness(t, state.NodeCfg{}, addrA)
	h.befriend(h.ifc(0), 2, addrB)

	p := ogmFrom(addrC, 3)
	p.PrevSender = addrA
	h.receive(h.ifc(0), addrB, protocol.BroadcastAddr, p)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.e.counters.Dropped.WithLabelValues("OGM", "rebroadcast echo")))
	assert.Nil(t, h.e.Origs.Lookup(addrC))
}

func TestOwnBroadcastDropped(t *testing.T) {
	h := newHarness(t, state.NodeCfg{}, addrA)
	h.receive(h.ifc(0), addrA, protocol.BroadcastAddr, ogmFrom(addrB, 1))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.e.counters.Dropped.WithLabelValues("OGM", "own broadcast")))
	assert.Zero(t, h.e.Origs.Len())
}

func TestUnicastAddressedOGMDropped(t *testing.T) {
	h := newHarness(t, state.NodeCfg{}, addrA)
	h.receive(h.ifc(0), addrB, addrA, ogmFrom(addrB, 1))
	assert.Equal(t, 1.0, dropCount(h, "OGM", "unicast destination"))
	assert.Nil(t, h.e.Origs.Lookup(addrB))
	assert.Zero(t, h.e.Origs.Len())
}

func TestOGMRestartProtection(t *testing.T) {
	h := newHarness(t, state.NodeCfg{}, addrA)
	h.befriend(h.ifc(0), 3, addrB)
	dropped := func() float64 {
		return testutil.ToFloat64(h.e.counters.Dropped.WithLabelValues("OGM", "restart protection"))
	}

	// B restarted its counter, the first reset is accepted
	h.receive(h.ifc(0), addrB, protocol.BroadcastAddr, ogmFrom(addrB, 100_000))
	assert.Zero(t, dropped())

	// a second reset within the protection period is refused
	h.receive(h.ifc(0), addrB, protocol.BroadcastAddr, ogmFrom(addrB, 1))
	assert.Equal(t, 1.0, dropped())

	h.advance(state.ResetProtection + time.Second)
	h.receive(h.ifc(0), addrB, protocol.BroadcastAddr, ogmFrom(addrB, 1))
	assert.Equal(t, 1.0, dropped())
}

func TestEmitPrimaryCarriesChanges(t *testing.T) {
	h := newHarness(t, state.NodeCfg{}, addrA, addrA2)
	h.e.tt.LocalAdd(clientX, h.now())

	h.e.ann.Emit(h.e, h.ifc(0))
	sent := h.link.take()
	require.Len(t, sent, 2, "the primary OGM goes out on every interface")
	for _, s := range sent {
		p := s.Packet.(*protocol.OGM)
		assert.Equal(t, protocol.BroadcastAddr, s.To)
		assert.Equal(t, addrA, p.Orig)
		assert.Equal(t, uint32(0), p.Seqno)
		assert.Equal(t, uint8(1), p.TTVN)
		assert.Equal(t, []protocol.TTChange{{Addr: clientX}}, p.Changes)
		assert.NotZero(t, p.Flags&protocol.PrimariesFirstHop)
	}
	assert.Equal(t, uint32(1), h.ifc(0).OGMSeqno.Load())

	h.e.ann.Emit(h.e, h.ifc(1))
	sent = h.link.take()
	require.Len(t, sent, 1, "secondary OGMs stay on their interface")
	p := sent[0].Packet.(*protocol.OGM)
	assert.Equal(t, h.ifc(1), sent[0].If)
	assert.Equal(t, addrA2, p.Orig)
	assert.Equal(t, uint8(state.SecondaryTTL), p.TTL)
	assert.Equal(t, uint8(1), p.TTVN)
	assert.Empty(t, p.Changes)
	assert.Zero(t, p.Flags&protocol.PrimariesFirstHop)
}

func TestEmitOmitsChangesBeyondMTU(t *testing.T) {
	h := newHarness(t, state.NodeCfg{}, addrA)
	h.ifc(0).MTU = protocol.OGMLen + 2*protocol.TTChangeLen
	for _, c := range []protocol.Addr{clientX, clientY, addrD} {
		h.e.tt.LocalAdd(c, h.now())
	}

	h.e.Originate()
	ogms := sentOf[*protocol.OGM](h.link.take())
	require.Len(t, ogms, 1)
	assert.Empty(t, ogms[0].Changes)
	assert.Equal(t, uint8(1), ogms[0].TTVN, "the version still advances, receivers request the table")
}

func TestEmitSkipsInactiveInterface(t *testing.T) {
	h := newHarness(t, state.NodeCfg{}, addrA, addrA2)
	h.ifc(1).SetStatus(state.IfInactive)

	h.e.Originate()
	sent := h.link.take()
	require.Len(t, sent, 1)
	assert.Equal(t, h.ifc(0), sent[0].If)
	assert.Zero(t, h.ifc(1).OGMSeqno.Load())
}

func filterEvents(events []RouterEvent, keep ...RouterEvent) []RouterEvent {
	var out []RouterEvent
	for _, ev := range events {
		for _, k := range keep {
			if ev == k {
				out = append(out, ev)
			}
		}
	}
	return out
}
