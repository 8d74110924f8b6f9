package core

import (
	"errors"
	"slices"
	"sync/atomic"

	"github.com/encodeous/lattice/perf"
	"github.com/encodeous/lattice/protocol"
	"github.com/encodeous/lattice/state"
)

var ErrQueueFull = errors.New("broadcast queue full")

func (e *Engine) recvBroadcast(ifc *state.Interface, f *protocol.Frame, p *protocol.Broadcast) {
	typ := protocol.TypeBroadcast
	switch {
	case !f.Dst.IsBroadcast():
		e.drop(typ, "unicast destination")
		return
	case f.Src.IsBroadcast():
		e.drop(typ, "broadcast source")
		return
	case e.IsMyAddr(f.Src):
		e.drop(typ, "own frame")
		return
	case e.IsMyAddr(p.Orig):
		e.drop(typ, "own broadcast")
		return
	case p.TTL < 2:
		e.drop(typ, "ttl exceeded", "orig", p.Orig)
		return
	}

	o := e.Origs.Lookup(p.Orig)
	if o == nil {
		e.drop(typ, "unknown originator", "orig", p.Orig)
		return
	}
	o.BcastLock.Lock()
	if o.Bcast.Seen(p.Seqno) {
		o.BcastLock.Unlock()
		o.Release()
		e.drop(typ, "duplicate", "orig", p.Orig, "seqno", p.Seqno)
		return
	}
	diff := state.SeqDiff(p.Seqno, o.Bcast.Last)
	if o.Bcast.Protected(diff, e.now()) {
		o.BcastLock.Unlock()
		o.Release()
		e.drop(typ, "restart protection", "orig", p.Orig, "seqno", p.Seqno)
		return
	}
	o.Bcast.Admit(p.Seqno, true)
	o.BcastLock.Unlock()
	o.Release()

	e.floods.add(p)
	e.deliver(p.Payload)
}

// floodBroadcast floods a client frame originated on this node.
func (e *Engine) floodBroadcast(frame []byte) error {
	p := protocol.NewBroadcast(e.PrimaryAddr(), e.BcastSeqno.Add(1), frame)
	if !e.floods.add(p) {
		return ErrQueueFull
	}
	return nil
}

// floodQueue rebroadcasts packets state.NumBcasts times on every active interface. At most
// state.BcastQueueLen packets are in flight.
type floodQueue struct {
	e    *Engine
	left atomic.Int32
}

func newFloodQueue(e *Engine) *floodQueue {
	q := &floodQueue{e: e}
	q.left.Store(state.BcastQueueLen)
	return q
}

func (q *floodQueue) take() bool {
	for {
		n := q.left.Load()
		if n <= 0 {
			return false
		}
		if q.left.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// add queues a copy of p with its TTL decremented. It reports false when the queue is full.
func (q *floodQueue) add(p *protocol.Broadcast) bool {
	if !q.take() {
		q.e.Log(BcastQueueFull, "Dropping broadcast, queue full", "orig", p.Orig, "seqno", p.Seqno)
		q.e.drop(protocol.TypeBroadcast, "queue full")
		return false
	}
	c := *p
	c.Payload = slices.Clone(p.Payload)
	c.TTL--
	if !q.e.after(state.BcastDelay, func() { q.flush(&c, 0) }) {
		q.left.Add(1)
		return false
	}
	perf.FloodsPerSecond.Add(1)
	return true
}

func (q *floodQueue) flush(p *protocol.Broadcast, sent int) {
	for _, ifc := range q.e.ActiveInterfaces() {
		q.e.send(ifc, protocol.BroadcastAddr, p)
	}
	sent++
	if sent < state.NumBcasts && q.e.after(state.BcastDelay, func() { q.flush(p, sent) }) {
		return
	}
	q.left.Add(1)
}

// Outstanding is the number of broadcasts still being flooded.
func (q *floodQueue) Outstanding() int {
	return state.BcastQueueLen - int(q.left.Load())
}
