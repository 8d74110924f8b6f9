package core

import (
	"errors"
	"fmt"

	"github.com/encodeous/lattice/protocol"
)

var ErrNoRoute = errors.New("no route")

// Transmit sends a client Ethernet frame into the mesh. The source client is learned into the
// local translation table; broadcast and multicast frames are flooded, anything else is
// encapsulated toward the originator serving the destination client.
func (e *Engine) Transmit(frame []byte) error {
	if e.isClosed() {
		return ErrClosed
	}
	src, dst, err := protocol.ClientAddrs(frame)
	if err != nil {
		return fmt.Errorf("transmit: %w", err)
	}

	if !e.IsMyAddr(src) {
		if _, prev := e.tt.LocalAdd(src, e.now()); prev != nil {
			e.sendRoamAdv(src, prev)
			prev.Release()
		}
	}

	if dst.IsMulticast() {
		return e.floodBroadcast(frame)
	}

	owner := e.tt.LookupGlobal(dst)
	if owner == nil {
		e.drop(protocol.TypeUnicast, "unknown client", "client", dst)
		return fmt.Errorf("%w to client %s", ErrNoRoute, dst)
	}
	defer owner.Release()

	router := e.FindRouter(owner, nil)
	if router == nil {
		e.drop(protocol.TypeUnicast, "no route", "dst", owner.Addr)
		return fmt.Errorf("%w to %s", ErrNoRoute, owner.Addr)
	}
	defer router.Release()

	owner.TT.Lock()
	ttvn := owner.TT.TTVN
	owner.TT.Unlock()
	p := protocol.NewUnicast(owner.Addr, ttvn, frame)
	if e.Fragmentation && p.Len() > router.If.MTU {
		e.sendFragmented(router, p)
		return nil
	}
	e.sendTo(router, p)
	return nil
}

// AddClients announces clients of this node that never expire.
func (e *Engine) AddClients(clients []protocol.Addr) {
	e.tt.AddStatic(clients, e.now())
}
