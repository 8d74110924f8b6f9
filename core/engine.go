package core

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/encodeous/lattice/perf"
	"github.com/encodeous/lattice/protocol"
	"github.com/encodeous/lattice/state"
	"github.com/encodeous/lattice/tt"
	"github.com/jellydator/ttlcache/v3"
)

// Link transmits one mesh packet to nextHop on ifc. It must encode p before returning, the
// engine reuses packets after the call. Sending is fire and forget.
type Link interface {
	Send(ifc *state.Interface, nextHop protocol.Addr, p protocol.Packet) error
}

// SoftInterface receives the client frames addressed to this node. The frame is only valid for
// the duration of the call.
type SoftInterface interface {
	Deliver(frame []byte)
}

// TTStore is the translation table the engine consults and maintains.
type TTStore interface {
	LookupLocal(mac protocol.Addr) bool
	LookupGlobal(mac protocol.Addr) *state.Originator
	ApplyRemoteChange(orig *state.Originator, mac protocol.Addr, ttvn uint8, roam bool)

	LocalAdd(mac protocol.Addr, now time.Time) (added bool, prevOwner *state.Originator)
	AddStatic(macs []protocol.Addr, now time.Time)
	PurgeLocal(now time.Time, timeout time.Duration) []protocol.Addr
	Commit() (changes []protocol.TTChange, ttvn uint8, crc uint16)
	Local() (ttvn uint8, crc uint16, entries []protocol.TTChange)
	LastChanges() (ttvn uint8, changes []protocol.TTChange)
	LocalTTVN() uint8
	PossibleChange() bool
	SetPossibleChange(v bool)

	UpdateChanges(orig *state.Originator, changes []protocol.TTChange, ttvn uint8, now time.Time)
	FillTable(orig *state.Originator, entries []protocol.TTChange, ttvn uint8)
	GlobalCRC(orig *state.Originator) uint16
	GlobalEntries(orig *state.Originator) []protocol.TTChange
	DelOrig(orig *state.Originator) int
	PurgeRoaming(now time.Time, timeout time.Duration) int
	Clients() tt.Clients
	Close()
}

// Announcer processes routing announcements and originates our own.
type Announcer interface {
	Receive(e *Engine, ifc *state.Interface, f *protocol.Frame, ogm *protocol.OGM)
	// Emit originates the next announcement on ifc.
	Emit(e *Engine, ifc *state.Interface)
}

type discard struct{}

func (discard) Deliver([]byte) {}

type Options struct {
	Link      Link
	Soft      SoftInterface
	TT        TTStore
	Announcer Announcer
	Trace     *Trace
	Counters  *perf.Counters
	// Clock replaces time.Now.
	Clock func() time.Time
	// Hook observes every router event.
	Hook func(event RouterEvent, desc string, args ...any)
}

var ErrClosed = errors.New("engine closed")

// Engine is the forwarding engine of one node. Receive and Transmit may be called concurrently
// from any number of goroutines.
type Engine struct {
	*state.Env
	link     Link
	soft     SoftInterface
	tt       TTStore
	ann      Announcer
	trace    *Trace
	counters *perf.Counters
	hook     func(RouterEvent, string, ...any)
	now      func() time.Time

	Pinger *Pinger

	frags  *reassembler
	ttReqs *ttlcache.Cache[protocol.Addr, struct{}]
	roams  *ttlcache.Cache[protocol.Addr, int]
	floods *floodQueue

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewEngine(env *state.Env, opts Options) *Engine {
	if env.Origs == nil {
		env.Origs = state.NewOrigTable()
	}
	e := &Engine{
		Env:      env,
		link:     opts.Link,
		soft:     opts.Soft,
		tt:       opts.TT,
		ann:      opts.Announcer,
		trace:    opts.Trace,
		counters: opts.Counters,
		hook:     opts.Hook,
		now:      opts.Clock,
		ttReqs: ttlcache.New[protocol.Addr, struct{}](
			ttlcache.WithTTL[protocol.Addr, struct{}](state.TTRequestTimeout),
			ttlcache.WithDisableTouchOnHit[protocol.Addr, struct{}](),
		),
		roams: ttlcache.New[protocol.Addr, int](
			ttlcache.WithTTL[protocol.Addr, int](state.RoamingMaxTime),
			ttlcache.WithDisableTouchOnHit[protocol.Addr, int](),
		),
	}
	if e.soft == nil {
		e.soft = discard{}
	}
	if e.tt == nil {
		e.tt = tt.NewStore()
	}
	if e.ann == nil {
		e.ann = &IVAnnouncer{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.frags = newReassembler()
	e.floods = newFloodQueue(e)
	e.Pinger = newPinger(e)
	return e
}

// Close stops every pending transmission and drops all routing state. It is safe to call twice.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.wg.Wait()
	e.Pinger.close()
	e.frags.close()
	e.ttReqs.DeleteAll()
	e.roams.DeleteAll()
	e.tt.Close()
	e.Origs.Clear()
	e.counters.SetOriginators(0)
}

// after runs fn once delay has passed unless the engine is closed by then.
func (e *Engine) after(delay time.Duration, fn func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.wg.Add(1)
	time.AfterFunc(delay, func() {
		defer e.wg.Done()
		e.mu.Lock()
		closed := e.closed
		e.mu.Unlock()
		if !closed {
			fn()
		}
	})
	return true
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// TT exposes the translation table.
func (e *Engine) TT() TTStore {
	return e.tt
}

func (e *Engine) drop(t protocol.Type, reason string, args ...any) {
	e.counters.RecordDrop(t.String(), reason)
	if state.DBG_log_drop {
		e.Env.Log.Debug(fmt.Sprintf("drop %s: %s", t, reason), args...)
	}
}

func (e *Engine) send(ifc *state.Interface, nextHop protocol.Addr, p protocol.Packet) {
	if !ifc.Active() {
		e.drop(p.Hdr().Type, "interface not active", "if", ifc)
		return
	}
	if err := e.link.Send(ifc, nextHop, p); err != nil {
		e.Env.Log.Debug("send failed", "if", ifc, "to", nextHop, "type", p.Hdr().Type, "error", err)
		return
	}
	perf.SentPacketPerSecond.Add(1)
	perf.SentBytesPerSecond.Add(float64(p.Len()))
	e.counters.RecordSent(p.Hdr().Type.String())
}

// sendTo sends p to a held neighbour.
func (e *Engine) sendTo(n *state.Neighbor, p protocol.Packet) {
	e.send(n.If, n.Addr, p)
}

// Receive processes one link-layer frame received on ifc. The frame may be reused by the
// caller once Receive returns.
func (e *Engine) Receive(ifc *state.Interface, frame []byte) {
	start := time.Now()
	defer func() {
		perf.ReceiveLatency.Add(float64(time.Since(start).Microseconds()))
	}()
	perf.RecvPacketPerSecond.Add(1)
	perf.RecvBytesPerSecond.Add(float64(len(frame)))

	f, err := protocol.DecodeFrame(frame)
	if err != nil {
		e.drop(0, "malformed", "if", ifc, "error", err)
		return
	}
	typ := f.Packet.Hdr().Type
	e.counters.RecordReceived(typ.String())
	if !ifc.Active() {
		e.drop(typ, "interface not active", "if", ifc)
		return
	}

	switch p := f.Packet.(type) {
	case *protocol.OGM:
		e.ann.Receive(e, ifc, f, p)
	case *protocol.Echo:
		e.recvEcho(ifc, f, p)
	case *protocol.Unicast:
		e.recvUnicast(ifc, f, p)
	case *protocol.UnicastFrag:
		e.recvUnicastFrag(ifc, f, p)
	case *protocol.Broadcast:
		e.recvBroadcast(ifc, f, p)
	case *protocol.Vis:
		e.drop(typ, "vis not supported")
	case *protocol.TTQuery:
		e.recvTTQuery(ifc, f, p)
	case *protocol.RoamAdv:
		e.recvRoamAdv(ifc, f, p)
	default:
		panic(fmt.Sprintf("core: unhandled packet type %T", p))
	}
}

// checkUnicast performs the link-layer checks for unicast-addressed packets and returns the
// reason to drop, or an empty string. With mine set the frame must be addressed to one of our
// interfaces.
func (e *Engine) checkUnicast(f *protocol.Frame, mine bool) string {
	switch {
	case f.Dst.IsBroadcast():
		return "broadcast destination"
	case f.Src.IsBroadcast():
		return "broadcast source"
	case mine && !e.IsMyAddr(f.Dst):
		return "not addressed to us"
	}
	return ""
}

// route forwards p toward its destination originator. It returns false when the packet was
// dropped.
func (e *Engine) route(ifc *state.Interface, p protocol.Routed) bool {
	typ := p.Hdr().Type
	if p.Hdr().TTL < 2 {
		e.drop(typ, "ttl exceeded", "dst", p.Destination())
		return false
	}
	o := e.Origs.Lookup(p.Destination())
	if o == nil {
		e.drop(typ, "unknown destination", "dst", p.Destination())
		return false
	}
	router := e.FindRouter(o, ifc)
	o.Release()
	if router == nil {
		e.drop(typ, "no route", "dst", p.Destination())
		return false
	}
	defer router.Release()

	switch pkt := p.(type) {
	case *protocol.Unicast:
		if e.Fragmentation && pkt.Len() > router.If.MTU {
			pkt.TTL--
			e.sendFragmented(router, pkt)
			e.counters.RecordForward(typ.String())
			return true
		}
	case *protocol.UnicastFrag:
		if canReassemble(pkt, router.If.MTU) {
			merged, err := e.reassemble(pkt)
			if err != nil {
				e.drop(typ, "reassembly failed", "error", err)
				return false
			}
			if merged == nil {
				return true
			}
			p = merged
		}
	}

	p.Hdr().TTL--
	e.sendTo(router, p)
	e.counters.RecordForward(typ.String())
	return true
}

// deliver hands an encapsulated client frame to the soft interface.
func (e *Engine) deliver(payload []byte) {
	e.soft.Deliver(payload)
	e.counters.RecordDelivered()
}
