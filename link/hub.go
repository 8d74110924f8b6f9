package link

import (
	"fmt"
	"slices"
	"sync"

	"github.com/encodeous/lattice/protocol"
	"github.com/encodeous/lattice/state"
)

// Delivery is one frame in flight on a Hub.
type Delivery struct {
	Segment string
	From    *state.Interface
	To      *state.Interface
	Frame   []byte
}

type member struct {
	ifc *state.Interface
	h   Handler
}

// Hub connects interfaces of several nodes in memory. Interfaces attached to the same segment
// hear each other's broadcasts. Frames are delivered in order by a single goroutine.
type Hub struct {
	mu       sync.Mutex
	cond     *sync.Cond
	segments map[string][]member
	queue    []Delivery
	pending  int
	closed   bool
	done     chan struct{}
	filter   func(d Delivery) bool
}

func NewHub() *Hub {
	h := &Hub{
		segments: make(map[string][]member),
		done:     make(chan struct{}),
	}
	h.cond = sync.NewCond(&h.mu)
	go h.run()
	return h
}

// Attach connects ifc to segment and marks it active. Frames for ifc are passed to handler.
func (h *Hub) Attach(segment string, ifc *state.Interface, handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.segments[segment] = append(h.segments[segment], member{ifc: ifc, h: handler})
	ifc.SetStatus(state.IfActive)
}

// Detach disconnects ifc from every segment and marks it inactive.
func (h *Hub) Detach(ifc *state.Interface) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for name, members := range h.segments {
		h.segments[name] = slices.DeleteFunc(members, func(m member) bool {
			return m.ifc == ifc
		})
	}
	ifc.SetStatus(state.IfInactive)
}

// SetFilter installs f to be consulted for every delivery; returning false drops the frame. A nil
// f delivers everything.
func (h *Hub) SetFilter(f func(d Delivery) bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.filter = f
}

// Send implements core.Link.
func (h *Hub) Send(ifc *state.Interface, nextHop protocol.Addr, p protocol.Packet) error {
	frame, err := protocol.EncodeFrame(ifc.Addr, nextHop, p)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	found := false
	for name, members := range h.segments {
		if !slices.ContainsFunc(members, func(m member) bool { return m.ifc == ifc }) {
			continue
		}
		found = true
		for _, m := range members {
			if m.ifc == ifc || (!nextHop.IsBroadcast() && m.ifc.Addr != nextHop) {
				continue
			}
			h.queue = append(h.queue, Delivery{Segment: name, From: ifc, To: m.ifc, Frame: frame})
			h.pending++
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownInterface, ifc)
	}
	h.cond.Broadcast()
	return nil
}

func (h *Hub) handler(to *state.Interface, segment string) Handler {
	for _, m := range h.segments[segment] {
		if m.ifc == to {
			return m.h
		}
	}
	return nil
}

func (h *Hub) run() {
	defer close(h.done)
	h.mu.Lock()
	for {
		for len(h.queue) == 0 && !h.closed {
			h.cond.Wait()
		}
		if h.closed {
			h.mu.Unlock()
			return
		}
		d := h.queue[0]
		h.queue = h.queue[1:]
		handler := h.handler(d.To, d.Segment)
		filter := h.filter
		h.mu.Unlock()

		if handler != nil && (filter == nil || filter(d)) {
			handler(d.To, d.Frame)
		}

		h.mu.Lock()
		h.pending--
		h.cond.Broadcast()
	}
}

// Wait blocks until every queued frame, including the ones sent while delivering, is delivered.
func (h *Hub) Wait() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for h.pending > 0 && !h.closed {
		h.cond.Wait()
	}
}

// Close stops delivery. Frames still queued are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.queue = nil
	h.cond.Broadcast()
	h.mu.Unlock()
	<-h.done
}
