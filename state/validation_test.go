package state

import (
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/encodeous/lattice/protocol"
	"github.com/stretchr/testify/assert"
)

func TestNameValidator_Valid(t *testing.T) {
	assert.NoError(t, NameValidator("1"))
	assert.NoError(t, NameValidator("ab_cd"))
	assert.NoError(t, NameValidator("abcd-a.com"))
}

func TestNameValidator_Invalid(t *testing.T) {
	assert.Error(t, NameValidator("1A"))
	assert.Error(t, NameValidator("node name"))
	assert.Error(t, NameValidator(""))
	assert.Error(t, NameValidator("\t"))
	assert.Error(t, NameValidator("abcd-a.com\\hi"))
	assert.Error(t, NameValidator(strings.Repeat("a", 200)))
}

func validNode() *NodeCfg {
	return &NodeCfg{
		Id: "node-a",
		Interfaces: []InterfaceCfg{
			{
				Name:    "mesh0",
				Addr:    protocol.MustParseAddr("02:00:00:00:01:01"),
				Bind:    netip.MustParseAddrPort("127.0.0.1:4305"),
				MTU:     DefaultMTU,
				Primary: true,
			},
			{
				Name: "mesh1",
				Addr: protocol.MustParseAddr("02:00:00:00:01:02"),
				Bind: netip.MustParseAddrPort("127.0.0.1:4306"),
				MTU:  DefaultMTU,
			},
		},
		OrigInterval: time.Second,
	}
}

func TestNodeConfigValidator(t *testing.T) {
	assert.NoError(t, NodeConfigValidator(validNode()))

	cases := map[string]func(c *NodeCfg){
		"bad id":            func(c *NodeCfg) { c.Id = "Node A" },
		"no interfaces":     func(c *NodeCfg) { c.Interfaces = nil },
		"duplicate name":    func(c *NodeCfg) { c.Interfaces[1].Name = "mesh0" },
		"duplicate address": func(c *NodeCfg) { c.Interfaces[1].Addr = c.Interfaces[0].Addr },
		"group address":     func(c *NodeCfg) { c.Interfaces[0].Addr = protocol.BroadcastAddr },
		"two primaries":     func(c *NodeCfg) { c.Interfaces[1].Primary = true },
		"no primary":        func(c *NodeCfg) { c.Interfaces[0].Primary = false },
		"invalid bind":      func(c *NodeCfg) { c.Interfaces[0].Bind = netip.AddrPort{} },
		"tiny mtu":          func(c *NodeCfg) { c.Interfaces[0].MTU = 64 },
		"client collides":   func(c *NodeCfg) { c.Clients = []protocol.Addr{c.Interfaces[1].Addr} },
		"zero interval":     func(c *NodeCfg) { c.OrigInterval = 0 },
		"endpoint no port":  func(c *NodeCfg) { c.Interfaces[1].Endpoints = []string{"peer.example"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := validNode()
			mutate(c)
			assert.Error(t, NodeConfigValidator(c))
		})
	}
}
