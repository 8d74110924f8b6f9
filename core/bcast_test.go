package core

import (
	"testing"

	"github.com/encodeous/lattice/protocol"
	"github.com/encodeous/lattice/state"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gateLink holds every send until the gate is closed.
type gateLink struct {
	recordLink
	gate chan struct{}
}

func (l *gateLink) Send(ifc *state.Interface, nextHop protocol.Addr, p protocol.Packet) error {
	<-l.gate
	return l.recordLink.Send(ifc, nextHop, p)
}

func TestBroadcastDuplicateDropped(t *testing.T) {
	h := newHarness(t, state.NodeCfg{}, addrA, addrA2)
	h.addRoute(addrC, addrB, h.ifc(0), 200)
	frame := clientFrame(clientX, protocol.BroadcastAddr, 40)

	h.receive(h.ifc(0), addrB, protocol.BroadcastAddr, protocol.NewBroadcast(addrC, 50, frame))
	h.receive(h.ifc(0), addrB, protocol.BroadcastAddr, protocol.NewBroadcast(addrC, 50, frame))
	h.settle()

	assert.Equal(t, [][]byte{frame}, h.soft.take(), "delivered once")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.e.counters.Dropped.WithLabelValues("BCAST", "duplicate")))

	sent := h.link.take()
	require.Len(t, sent, 2*state.NumBcasts, "flooded NumBcasts times on both interfaces")
	for _, s := range sent {
		assert.Equal(t, protocol.BroadcastAddr, s.To)
		p := s.Packet.(*protocol.Broadcast)
		assert.Equal(t, addrC, p.Orig)
		assert.Equal(t, uint32(50), p.Seqno)
		assert.Equal(t, uint8(protocol.TTL-1), p.TTL)
		assert.Equal(t, frame, p.Payload)
	}
	assert.Zero(t, h.e.floods.Outstanding())
}

func TestBroadcastDrops(t *testing.T) {
	h := newHarness(t, state.NodeCfg{}, addrA)
	frame := clientFrame(clientX, protocol.BroadcastAddr, 40)
	dropped := func(reason string) float64 {
		return testutil.ToFloat64(h.e.counters.Dropped.WithLabelValues("BCAST", reason))
	}

	h.receive(h.ifc(0), addrB, protocol.BroadcastAddr, protocol.NewBroadcast(addrC, 1, frame))
	assert.Equal(t, 1.0, dropped("unknown originator"))

	h.addRoute(addrC, addrB, h.ifc(0), 200)
	h.receive(h.ifc(0), addrB, addrA, protocol.NewBroadcast(addrC, 1, frame))
	assert.Equal(t, 1.0, dropped("unicast destination"))

	h.receive(h.ifc(0), addrB, protocol.BroadcastAddr, protocol.NewBroadcast(addrA, 1, frame))
	assert.Equal(t, 1.0, dropped("own broadcast"))

	p := protocol.NewBroadcast(addrC, 1, frame)
	p.TTL = 1
	h.receive(h.ifc(0), addrB, protocol.BroadcastAddr, p)
	assert.Equal(t, 1.0, dropped("ttl exceeded"))

	h.settle()
	assert.Empty(t, h.soft.take())
	assert.Empty(t, h.link.take())
}

func TestBroadcastRestartProtection(t *testing.T) {
	h := newHarness(t, state.NodeCfg{}, addrA)
	h.addRoute(addrC, addrB, h.ifc(0), 200)
	frame := clientFrame(clientX, protocol.BroadcastAddr, 40)

	h.receive(h.ifc(0), addrB, protocol.BroadcastAddr, protocol.NewBroadcast(addrC, 100_000, frame))
	h.receive(h.ifc(0), addrB, protocol.BroadcastAddr, protocol.NewBroadcast(addrC, 1, frame))
	h.settle()

	assert.Len(t, h.soft.take(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.e.counters.Dropped.WithLabelValues("BCAST", "restart protection")))
}

func TestTransmitFloodsMulticast(t *testing.T) {
	h := newHarness(t, state.NodeCfg{}, addrA)
	frame := clientFrame(clientX, protocol.BroadcastAddr, 40)

	require.NoError(t, h.e.Transmit(frame))
	require.NoError(t, h.e.Transmit(frame))
	h.settle()

	bcasts := sentOf[*protocol.Broadcast](h.link.take())
	require.Len(t, bcasts, 2*state.NumBcasts)
	seqnos := map[uint32]int{}
	for _, p := range bcasts {
		assert.Equal(t, addrA, p.Orig)
		seqnos[p.Seqno]++
	}
	assert.Equal(t, map[uint32]int{1: state.NumBcasts, 2: state.NumBcasts}, seqnos)
	assert.Empty(t, h.soft.take(), "own broadcasts are not delivered locally")
}

func TestBroadcastQueueFull(t *testing.T) {
	h := newHarness(t, state.NodeCfg{}, addrA)
	gl := &gateLink{gate: make(chan struct{})}
	h.e.link = gl
	frame := clientFrame(clientX, protocol.BroadcastAddr, 40)

	for range state.BcastQueueLen {
		require.NoError(t, h.e.Transmit(frame))
	}
	assert.ErrorIs(t, h.e.Transmit(frame), ErrQueueFull)
	assert.Equal(t, state.BcastQueueLen, h.e.floods.Outstanding())
	assert.Contains(t, h.takeEvents(), BcastQueueFull)

	close(gl.gate)
	h.settle()
	assert.Zero(t, h.e.floods.Outstanding())
	assert.Len(t, gl.take(), state.BcastQueueLen*state.NumBcasts)
}
