package core

import (
	"testing"

	"github.com/encodeous/lattice/protocol"
	"github.com/encodeous/lattice/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspectEmpty(t *testing.T) {
	h := newHarness(t, state.NodeCfg{}, addrA)
	out := h.e.Inspect()
	assert.Contains(t, out, "mesh0 "+addrA.String()+" active")
	assert.Contains(t, out, "(primary)")
	assert.Contains(t, out, "Originators:\n    (none)")
	assert.Contains(t, out, "Global Clients:\n    (none)")
}

func TestInspect(t *testing.T) {
	h := newHarness(t, state.NodeCfg{}, addrA, addrA2)
	h.addRoute(addrC, addrB, h.ifc(0), 200)
	h.serve(addrC, 3, clientY)
	h.e.AddClients([]protocol.Addr{clientX})

	out := h.e.Inspect()
	assert.Contains(t, out, "mesh1 "+addrA2.String())
	assert.Contains(t, out, addrC.String()+" last seen")
	assert.Contains(t, out, "via "+addrB.String()+" on mesh0 tq=200")
	assert.Contains(t, out, "ttvn=3")
	assert.Contains(t, out, " - "+clientX.String())
	assert.Contains(t, out, clientY.String()+" at "+addrC.String())
	assert.Contains(t, out, addrB.String()+" last seen 0.00s ago (no route)")
}

func TestRoute(t *testing.T) {
	h := newHarness(t, state.NodeCfg{}, addrA)
	_, _, ok := h.e.Route(addrC)
	assert.False(t, ok)

	h.addRoute(addrC, addrB, h.ifc(0), 120)
	next, tq, ok := h.e.Route(addrC)
	require.True(t, ok)
	assert.Equal(t, addrB, next)
	assert.Equal(t, uint8(120), tq)
}
