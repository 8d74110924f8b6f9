package core

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/encodeous/lattice/protocol"
	"github.com/encodeous/lattice/state"
)

// PingResult describes the answer to one echo request.
type PingResult struct {
	Seqno   uint16
	MsgType uint8
	// From is the node that answered, either the destination or the hop where the TTL ran out.
	From  protocol.Addr
	RTT   time.Duration
	Route []protocol.Addr
}

func (r *PingResult) String() string {
	switch r.MsgType {
	case protocol.EchoReply:
		return fmt.Sprintf("reply from %s: seq=%d time=%s", r.From, r.Seqno, r.RTT)
	case protocol.TTLExceeded:
		return fmt.Sprintf("from %s: seq=%d ttl exceeded", r.From, r.Seqno)
	case protocol.DestinationUnreachable:
		return fmt.Sprintf("from %s: seq=%d destination unreachable", r.From, r.Seqno)
	default:
		return fmt.Sprintf("from %s: seq=%d type %d", r.From, r.Seqno, r.MsgType)
	}
}

// Pinger sends echo requests from this node and matches the replies.
type Pinger struct {
	e       *Engine
	uid     uint8
	seqno   atomic.Uint32
	mu      sync.Mutex
	waiting map[uint16]chan *protocol.Echo
	done    chan struct{}
	once    sync.Once
}

func newPinger(e *Engine) *Pinger {
	return &Pinger{
		e:       e,
		uid:     uint8(rand.UintN(256)),
		waiting: make(map[uint16]chan *protocol.Echo),
		done:    make(chan struct{}),
	}
}

// handle receives a non-request echo addressed to this node. The packet is copied.
func (pg *Pinger) handle(p *protocol.Echo) {
	if p.UID != pg.uid {
		pg.e.drop(protocol.TypeEcho, "foreign echo", "uid", p.UID)
		return
	}
	pg.mu.Lock()
	ch, ok := pg.waiting[p.Seqno]
	if ok {
		delete(pg.waiting, p.Seqno)
	}
	pg.mu.Unlock()
	if !ok {
		pg.e.drop(protocol.TypeEcho, "unexpected echo", "seqno", p.Seqno)
		return
	}
	c := *p
	ch <- &c
}

func (pg *Pinger) close() {
	pg.once.Do(func() {
		close(pg.done)
	})
}

// Ping sends one echo request to dst and waits for the answer, up to state.PingTimeout or until
// ctx is done. A zero ttl uses the default TTL.
func (pg *Pinger) Ping(ctx context.Context, dst protocol.Addr, ttl uint8, recordRoute bool) (*PingResult, error) {
	e := pg.e
	if e.isClosed() {
		return nil, ErrClosed
	}
	o := e.Origs.Lookup(dst)
	if o == nil {
		return nil, fmt.Errorf("%w to %s", ErrNoRoute, dst)
	}
	router := e.FindRouter(o, nil)
	o.Release()
	if router == nil {
		return nil, fmt.Errorf("%w to %s", ErrNoRoute, dst)
	}
	defer router.Release()

	p := protocol.NewEcho(protocol.EchoRequest, dst, e.PrimaryAddr())
	if ttl != 0 {
		p.TTL = ttl
	}
	p.UID = pg.uid
	p.Seqno = uint16(pg.seqno.Add(1))
	if recordRoute {
		p.RecordRoute = true
		p.RR[0] = router.If.Addr
		p.RRCur = 1
	}

	ch := make(chan *protocol.Echo, 1)
	pg.mu.Lock()
	pg.waiting[p.Seqno] = ch
	pg.mu.Unlock()
	defer func() {
		pg.mu.Lock()
		delete(pg.waiting, p.Seqno)
		pg.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, state.PingTimeout)
	defer cancel()

	start := time.Now()
	e.sendTo(router, p)

	select {
	case r := <-ch:
		res := &PingResult{
			Seqno:   r.Seqno,
			MsgType: r.MsgType,
			From:    r.Orig,
			RTT:     time.Since(start),
		}
		if r.RecordRoute {
			res.Route = append(res.Route, r.RR[:min(int(r.RRCur), protocol.RRLen)]...)
		}
		return res, nil
	case <-pg.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, fmt.Errorf("ping %s seq=%d: %w", dst, p.Seqno, ctx.Err())
	}
}
