// Package link carries mesh frames between nodes. Each mesh interface is a link segment: UDP
// tunnels Ethernet frames between hosts, and Hub connects interfaces in memory.
package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/encodeous/lattice/protocol"
	"github.com/encodeous/lattice/state"
	"golang.org/x/sync/errgroup"
)

// Handler receives a frame read on ifc. The frame is only valid for the duration of the call.
type Handler func(ifc *state.Interface, frame []byte)

var (
	ErrUnknownInterface = errors.New("interface not bound")
	ErrClosed           = errors.New("link closed")
)

// Binding attaches a mesh interface to a UDP socket. Peers are the other members of the segment.
type Binding struct {
	Ifc   *state.Interface
	Bind  netip.AddrPort
	Peers []netip.AddrPort
}

type port struct {
	ifc   *state.Interface
	conn  *net.UDPConn
	peers []netip.AddrPort

	mu sync.RWMutex
	// learned maps a node address to the peer it was last heard from, like a switch would.
	learned map[protocol.Addr]netip.AddrPort
}

// UDP tunnels Ethernet frames over UDP datagrams.
type UDP struct {
	log    *slog.Logger
	ports  map[*state.Interface]*port
	group  *errgroup.Group
	cancel context.CancelFunc
}

// NewUDP binds a socket for every interface and marks the interfaces active.
func NewUDP(log *slog.Logger, bindings []Binding) (*UDP, error) {
	u := &UDP{
		log:   log,
		ports: make(map[*state.Interface]*port, len(bindings)),
	}
	for _, b := range bindings {
		conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(b.Bind))
		if err != nil {
			u.closeConns()
			return nil, fmt.Errorf("bind %s on %s: %w", b.Ifc, b.Bind, err)
		}
		u.ports[b.Ifc] = &port{
			ifc:     b.Ifc,
			conn:    conn,
			peers:   b.Peers,
			learned: make(map[protocol.Addr]netip.AddrPort),
		}
		b.Ifc.SetStatus(state.IfActive)
	}
	return u, nil
}

// Run starts one receive loop per socket, passing every frame addressed to the interface or
// broadcast to h. The loops stop when ctx is cancelled or Close is called.
func (u *UDP) Run(ctx context.Context, h Handler) {
	ctx, u.cancel = context.WithCancel(ctx)
	group, ctx := errgroup.WithContext(ctx)
	u.group = group
	for _, p := range u.ports {
		group.Go(func() error {
			return u.readLoop(p, h)
		})
	}
	group.Go(func() error {
		<-ctx.Done()
		u.closeConns()
		return nil
	})
}

func (u *UDP) readLoop(p *port, h Handler) error {
	buf := make([]byte, 65535)
	for {
		n, from, err := p.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read %s: %w", p.ifc, err)
		}
		frame := buf[:n]
		eth, err := protocol.ParseEthernet(frame)
		if err != nil {
			u.log.Debug("dropping runt datagram", "if", p.ifc, "from", from, "error", err)
			continue
		}
		src, dst := protocol.AddrFrom(eth.SrcMAC), protocol.AddrFrom(eth.DstMAC)
		p.learn(src, from)
		if !dst.IsBroadcast() && dst != p.ifc.Addr {
			continue
		}
		h(p.ifc, frame)
	}
}

func (p *port) learn(addr protocol.Addr, from netip.AddrPort) {
	p.mu.RLock()
	cur, ok := p.learned[addr]
	p.mu.RUnlock()
	if ok && cur == from {
		return
	}
	p.mu.Lock()
	p.learned[addr] = from
	p.mu.Unlock()
}

// Send implements core.Link. Unicast frames go to the peer the next hop was learned on, and
// to every peer while it is unknown.
func (u *UDP) Send(ifc *state.Interface, nextHop protocol.Addr, pkt protocol.Packet) error {
	p, ok := u.ports[ifc]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInterface, ifc)
	}
	frame, err := protocol.EncodeFrame(ifc.Addr, nextHop, pkt)
	if err != nil {
		return err
	}

	if !nextHop.IsBroadcast() {
		p.mu.RLock()
		to, ok := p.learned[nextHop]
		p.mu.RUnlock()
		if ok {
			_, err = p.conn.WriteToUDPAddrPort(frame, to)
			return err
		}
	}
	var errs []error
	for _, peer := range p.peers {
		if _, err := p.conn.WriteToUDPAddrPort(frame, peer); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LocalAddr returns the bound socket address of ifc.
func (u *UDP) LocalAddr(ifc *state.Interface) (netip.AddrPort, bool) {
	p, ok := u.ports[ifc]
	if !ok {
		return netip.AddrPort{}, false
	}
	return p.conn.LocalAddr().(*net.UDPAddr).AddrPort(), true
}

func (u *UDP) closeConns() {
	for _, p := range u.ports {
		p.ifc.SetStatus(state.IfInactive)
		_ = p.conn.Close()
	}
}

// Close stops the receive loops and waits for them to exit.
func (u *UDP) Close() error {
	if u.group == nil {
		u.closeConns()
		return nil
	}
	u.cancel()
	return u.group.Wait()
}
