package core

import (
	"fmt"
	"slices"
	"strings"

	"github.com/encodeous/lattice/protocol"
	"github.com/encodeous/lattice/state"
)

// Inspect renders the interfaces, originator table and translation tables for humans.
func (e *Engine) Inspect() string {
	now := e.now()
	sb := strings.Builder{}

	sb.WriteString("Interfaces:\n")
	for _, ifc := range e.Interfaces {
		primary := ""
		if ifc == e.PrimaryIf() {
			primary = " (primary)"
		}
		sb.WriteString(fmt.Sprintf(" - %s %s %s mtu=%d seqno=%d%s\n", ifc.Name, ifc.Addr, ifc.Status(), ifc.MTU, ifc.OGMSeqno.Load(), primary))
	}

	sb.WriteString("\nOriginators:\n")
	origs := e.Origs.Snapshot()
	if len(origs) == 0 {
		sb.WriteString("    (none)\n")
	}
	for _, o := range origs {
		line := fmt.Sprintf(" - %s last seen %.2fs ago", o.Addr, now.Sub(o.LastSeen()).Seconds())
		if router := e.SelectRouter(o); router != nil {
			line += fmt.Sprintf(" via %s on %s tq=%d", router.Addr, router.If, router.TQAvg())
			router.Release()
		} else {
			line += " (no route)"
		}
		if p := o.Primary(); !p.IsZero() && p != o.Addr {
			line += fmt.Sprintf(" primary %s", p)
		}
		sb.WriteString(line + "\n")

		o.TT.Lock()
		if o.TT.Initialised {
			sb.WriteString(fmt.Sprintf("   ttvn=%d crc=%#04x\n", o.TT.TTVN, o.TT.CRC))
		}
		o.TT.Unlock()

		o.NeighLock.Lock()
		neighs := make([]string, 0, len(o.Neighbors))
		for _, n := range o.Neighbors {
			bond := ""
			if n.InBond {
				bond = " bond"
			}
			neighs = append(neighs, fmt.Sprintf("   - %s on %s tq=%d ttl=%d seen %.2fs ago%s", n.Addr, n.If, n.TQAvg(), n.LastTTL(), now.Sub(n.LastSeen()).Seconds(), bond))
		}
		o.NeighLock.Unlock()
		slices.Sort(neighs)
		if len(neighs) > 0 {
			sb.WriteString(strings.Join(neighs, "\n") + "\n")
		}
	}
	state.ReleaseAll(origs)

	ttvn, crc, _ := e.tt.Local()
	clients := e.tt.Clients()
	sb.WriteString(fmt.Sprintf("\nLocal Clients (ttvn=%d crc=%#04x):\n", ttvn, crc))
	if len(clients.Local) == 0 {
		sb.WriteString("    (none)\n")
	}
	for _, c := range clients.Local {
		sb.WriteString(fmt.Sprintf(" - %s\n", c))
	}

	sb.WriteString("\nGlobal Clients:\n")
	rt := make([]string, 0, len(clients.Global))
	for c, owner := range clients.Global {
		rt = append(rt, fmt.Sprintf(" - %s at %s", c, owner))
	}
	slices.Sort(rt)
	if len(rt) == 0 {
		rt = append(rt, "    (none)")
	}
	sb.WriteString(strings.Join(rt, "\n") + "\n")

	sb.WriteString(fmt.Sprintf("\nBroadcasts in flight: %d\nFragments buffered: %d\n", e.floods.Outstanding(), e.frags.pending()))
	return sb.String()
}

// Route returns the address of the current next hop toward dst.
func (e *Engine) Route(dst protocol.Addr) (nextHop protocol.Addr, tq uint8, ok bool) {
	o := e.Origs.Lookup(dst)
	if o == nil {
		return protocol.Addr{}, 0, false
	}
	defer o.Release()
	router := e.SelectRouter(o)
	if router == nil {
		return protocol.Addr{}, 0, false
	}
	defer router.Release()
	return router.Addr, router.TQAvg(), true
}
