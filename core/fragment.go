package core

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/encodeous/lattice/protocol"
	"github.com/encodeous/lattice/state"
	"github.com/jellydator/ttlcache/v3"
)

var (
	ErrUnknownOriginator = errors.New("unknown originator")
	ErrFragMismatch      = errors.New("fragments do not belong together")
)

// fragment splits p into a head and a tail fragment numbered seqno-1 and seqno. The tail takes
// the extra byte of an odd payload.
func fragment(p *protocol.Unicast, orig protocol.Addr, seqno uint16) (head, tail *protocol.UnicastFrag) {
	half := len(p.Payload) / 2
	var large uint8
	if len(p.Payload)%2 == 1 {
		large = protocol.FragLargeTail
	}
	hdr := p.Header
	hdr.Type = protocol.TypeUnicastFrag
	head = &protocol.UnicastFrag{
		Header:  hdr,
		TTVN:    p.TTVN,
		Dest:    p.Dest,
		Flags:   protocol.FragHead | large,
		Orig:    orig,
		Seqno:   seqno - 1,
		Payload: p.Payload[:half],
	}
	tail = &protocol.UnicastFrag{
		Header:  hdr,
		TTVN:    p.TTVN,
		Dest:    p.Dest,
		Flags:   large,
		Orig:    orig,
		Seqno:   seqno,
		Payload: p.Payload[half:],
	}
	return head, tail
}

func (e *Engine) sendFragmented(n *state.Neighbor, p *protocol.Unicast) {
	seqno := uint16(n.If.FragSeqno.Add(2))
	head, tail := fragment(p, e.PrimaryAddr(), seqno)
	e.sendTo(n, head)
	e.sendTo(n, tail)
}

// canReassemble reports whether the packet merged from p and its sibling fits into mtu.
func canReassemble(p *protocol.UnicastFrag, mtu int) bool {
	merged := protocol.UnicastLen + 2*len(p.Payload)
	if p.Flags&protocol.FragLargeTail != 0 {
		merged++
	}
	return merged <= mtu
}

// fragBuffer holds the unmatched fragments of one originator, oldest first.
type fragBuffer struct {
	mu      sync.Mutex
	entries []*protocol.UnicastFrag
}

// match returns the index of the sibling of p, or -1. A buffered copy of p itself is replaced.
func (b *fragBuffer) match(p *protocol.UnicastFrag) int {
	want := p.Seqno - 1
	if p.Flags&protocol.FragHead != 0 {
		want = p.Seqno + 1
	}
	for i, c := range b.entries {
		if c.Seqno == p.Seqno {
			b.entries = slices.Delete(b.entries, i, i+1)
			return -1
		}
		if c.Seqno == want && c.Flags&protocol.FragHead != p.Flags&protocol.FragHead {
			return i
		}
	}
	return -1
}

func (b *fragBuffer) store(p *protocol.UnicastFrag) {
	if len(b.entries) >= state.FragBufferSize {
		b.entries = slices.Delete(b.entries, 0, 1)
	}
	c := *p
	c.Payload = slices.Clone(p.Payload)
	b.entries = append(b.entries, &c)
}

// reassembler keeps a bounded fragment buffer per originator. A buffer expires FragTimeout after
// the last fragment that touched it.
type reassembler struct {
	cache *ttlcache.Cache[protocol.Addr, *fragBuffer]
}

func newReassembler() *reassembler {
	return &reassembler{
		cache: ttlcache.New[protocol.Addr, *fragBuffer](
			ttlcache.WithTTL[protocol.Addr, *fragBuffer](state.FragTimeout),
		),
	}
}

// add buffers p, or merges it with its buffered sibling into a unicast packet.
func (r *reassembler) add(p *protocol.UnicastFrag) (*protocol.Unicast, error) {
	item, _ := r.cache.GetOrSet(p.Orig, &fragBuffer{})
	buf := item.Value()
	buf.mu.Lock()
	defer buf.mu.Unlock()

	i := buf.match(p)
	if i < 0 {
		buf.store(p)
		return nil, nil
	}
	sibling := buf.entries[i]
	buf.entries = slices.Delete(buf.entries, i, i+1)
	return merge(p, sibling)
}

func merge(a, b *protocol.UnicastFrag) (*protocol.Unicast, error) {
	head, tail := a, b
	if a.Flags&protocol.FragHead == 0 {
		head, tail = b, a
	}
	if head.Dest != tail.Dest {
		return nil, fmt.Errorf("%w: seqno %d is for %s, seqno %d for %s", ErrFragMismatch, head.Seqno, head.Dest, tail.Seqno, tail.Dest)
	}
	hdr := head.Header
	hdr.Type = protocol.TypeUnicast
	u := &protocol.Unicast{
		Header:  hdr,
		TTVN:    head.TTVN,
		Dest:    head.Dest,
		Payload: slices.Concat(head.Payload, tail.Payload),
	}
	if len(u.Payload) < protocol.EthernetLen {
		return nil, fmt.Errorf("%w: merged payload of %d bytes", protocol.ErrTooShort, len(u.Payload))
	}
	return u, nil
}

func (r *reassembler) expire() {
	r.cache.DeleteExpired()
}

func (r *reassembler) pending() int {
	n := 0
	r.cache.Range(func(item *ttlcache.Item[protocol.Addr, *fragBuffer]) bool {
		b := item.Value()
		b.mu.Lock()
		n += len(b.entries)
		b.mu.Unlock()
		return true
	})
	return n
}

func (r *reassembler) close() {
	r.cache.DeleteAll()
}

func (e *Engine) reassemble(p *protocol.UnicastFrag) (*protocol.Unicast, error) {
	o := e.Origs.Lookup(p.Orig)
	if o == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOriginator, p.Orig)
	}
	o.Release()
	return e.frags.add(p)
}
