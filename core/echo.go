package core

import (
	"github.com/encodeous/lattice/protocol"
	"github.com/encodeous/lattice/state"
)

func (e *Engine) recvEcho(ifc *state.Interface, f *protocol.Frame, p *protocol.Echo) {
	if reason := e.checkUnicast(f, true); reason != "" {
		e.drop(protocol.TypeEcho, reason)
		return
	}

	if p.RecordRoute && int(p.RRCur) < protocol.RRLen {
		p.RR[p.RRCur] = f.Dst
		p.RRCur++
	}

	if e.IsMyAddr(p.Dst) {
		e.recvMyEcho(p)
		return
	}

	if p.TTL < 2 {
		e.recvEchoTTLExceeded(p)
		return
	}

	e.route(ifc, p)
}

func (e *Engine) recvMyEcho(p *protocol.Echo) {
	if !p.IsRequest() {
		e.Pinger.handle(p)
		return
	}
	e.replyEcho(p, protocol.EchoReply)
}

func (e *Engine) recvEchoTTLExceeded(p *protocol.Echo) {
	if !p.IsRequest() {
		e.drop(protocol.TypeEcho, "ttl exceeded", "orig", p.Orig, "dst", p.Dst)
		return
	}
	e.replyEcho(p, protocol.TTLExceeded)
}

// replyEcho turns p around toward its originator with the given message type.
func (e *Engine) replyEcho(p *protocol.Echo, msgType uint8) {
	o := e.Origs.Lookup(p.Orig)
	if o == nil {
		e.drop(protocol.TypeEcho, "unknown originator", "orig", p.Orig)
		return
	}
	router := e.FindRouter(o, nil)
	o.Release()
	if router == nil {
		e.drop(protocol.TypeEcho, "no route", "orig", p.Orig)
		return
	}
	defer router.Release()

	p.Dst = p.Orig
	p.Orig = e.PrimaryAddr()
	p.MsgType = msgType
	p.TTL = protocol.TTL
	e.sendTo(router, p)
}
