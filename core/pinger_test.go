package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/encodeous/lattice/protocol"
	"github.com/encodeous/lattice/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingOutcome struct {
	res *PingResult
	err error
}

func (h *harness) ping(ctx context.Context, dst protocol.Addr, ttl uint8, rr bool) <-chan pingOutcome {
	out := make(chan pingOutcome, 1)
	go func() {
		res, err := h.e.Pinger.Ping(ctx, dst, ttl, rr)
		out <- pingOutcome{res, err}
	}()
	return out
}

// awaitEcho waits for the engine to send an echo request and returns it.
func (h *harness) awaitEcho() (sentPacket, *protocol.Echo) {
	h.t.Helper()
	var found sentPacket
	require.Eventually(h.t, func() bool {
		for _, s := range h.link.take() {
			if _, ok := s.Packet.(*protocol.Echo); ok {
				found = s
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
	return found, found.Packet.(*protocol.Echo)
}

func TestPingReply(t *testing.T) {
	h := newHarness(t, state.NodeCfg{}, addrA)
	h.addRoute(addrC, addrB, h.ifc(0), 200)

	done := h.ping(context.Background(), addrC, 0, false)
	s, req := h.awaitEcho()
	assert.Equal(t, addrB, s.To)
	assert.Equal(t, protocol.EchoRequest, req.MsgType)
	assert.Equal(t, addrC, req.Dst)
	assert.Equal(t, addrA, req.Orig)
	assert.Equal(t, uint8(protocol.TTL), req.TTL)

	reply := *req
	reply.MsgType = protocol.EchoReply
	reply.Dst, reply.Orig = addrA, addrC
	h.receive(h.ifc(0), addrB, addrA, &reply)

	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, protocol.EchoReply, out.res.MsgType)
	assert.Equal(t, addrC, out.res.From)
	assert.Equal(t, req.Seqno, out.res.Seqno)
	assert.Empty(t, out.res.Route)
	assert.Contains(t, out.res.String(), "reply from "+addrC.String())
}

func TestPingRecordRoute(t *testing.T) {
	h := newHarness(t, state.NodeCfg{}, addrA)
	h.addRoute(addrC, addrB, h.ifc(0), 200)

	done := h.ping(context.Background(), addrC, 0, true)
	_, req := h.awaitEcho()
	require.True(t, req.RecordRoute)
	require.Equal(t, uint8(1), req.RRCur)
	assert.Equal(t, addrA, req.RR[0])

	reply := *req
	reply.MsgType = protocol.EchoReply
	reply.Dst, reply.Orig = addrA, addrC
	reply.RR[1], reply.RR[2] = addrB, addrC
	reply.RRCur = 3
	h.receive(h.ifc(0), addrB, addrA, &reply)

	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, []protocol.Addr{addrA, addrB, addrC, addrA}, out.res.Route, "the final hop is recorded on arrival")
}

func TestPingTTLExceeded(t *testing.T) {
	h := newHarness(t, state.NodeCfg{}, addrA)
	h.addRoute(addrC, addrB, h.ifc(0), 200)

	done := h.ping(context.Background(), addrC, 1, false)
	_, req := h.awaitEcho()
	assert.Equal(t, uint8(1), req.TTL)

	reply := *req
	reply.MsgType = protocol.TTLExceeded
	reply.Dst, reply.Orig = addrA, addrB
	reply.TTL = protocol.TTL
	h.receive(h.ifc(0), addrB, addrA, &reply)

	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, protocol.TTLExceeded, out.res.MsgType)
	assert.Equal(t, addrB, out.res.From)
	assert.Contains(t, out.res.String(), "ttl exceeded")
}

func TestPingForeignReplyIgnored(t *testing.T) {
	h := newHarness(t, state.NodeCfg{}, addrA)
	h.addRoute(addrC, addrB, h.ifc(0), 200)

	ctx, cancel := context.WithCancel(context.Background())
	done := h.ping(ctx, addrC, 0, false)
	_, req := h.awaitEcho()

	reply := *req
	reply.MsgType = protocol.EchoReply
	reply.Dst, reply.Orig = addrA, addrC
	reply.UID++
	h.receive(h.ifc(0), addrB, addrA, &reply)

	reply.UID--
	reply.Seqno++
	h.receive(h.ifc(0), addrB, addrA, &reply)

	cancel()
	out := <-done
	require.Error(t, out.err)
	assert.True(t, errors.Is(out.err, context.Canceled))
	assert.Equal(t, 1.0, dropCount(h, "ECHO", "foreign echo"))
	assert.Equal(t, 1.0, dropCount(h, "ECHO", "unexpected echo"))
}

func TestPingNoRoute(t *testing.T) {
	h := newHarness(t, state.NodeCfg{}, addrA)
	_, err := h.e.Pinger.Ping(context.Background(), addrC, 0, false)
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestPingAfterClose(t *testing.T) {
	h := newHarness(t, state.NodeCfg{}, addrA)
	h.addRoute(addrC, addrB, h.ifc(0), 200)

	done := h.ping(context.Background(), addrC, 0, false)
	h.awaitEcho()
	h.e.Close()

	out := <-done
	assert.ErrorIs(t, out.err, ErrClosed)

	_, err := h.e.Pinger.Ping(context.Background(), addrC, 0, false)
	assert.ErrorIs(t, err, ErrClosed)
}
