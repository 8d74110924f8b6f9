package state

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/encodeous/lattice/protocol"
	"github.com/goccy/go-yaml"
)

// InterfaceCfg describes one mesh attachment. Frames are carried over UDP between the
// configured peers, which together form one link segment.
type InterfaceCfg struct {
	Name      string
	Addr      protocol.Addr    `yaml:"mac"`
	Bind      netip.AddrPort   // local UDP address the segment is reached on
	Peers     []netip.AddrPort `yaml:",omitempty"` // other members of the segment
	Endpoints []string         `yaml:",omitempty"` // peers given as host:port, resolved at startup
	MTU       int              `yaml:"mtu,omitempty"`
	Primary   bool             `yaml:",omitempty"` // the primary interface address identifies the node
}

// NodeCfg represents local node-level configuration
type NodeCfg struct {
	Id            string
	Interfaces    []InterfaceCfg
	Bonding       bool            `yaml:",omitempty"`              // spread traffic over bonding candidates round robin
	Fragmentation bool            `yaml:",omitempty"`              // fragment unicast packets larger than the outgoing MTU
	OrigInterval  time.Duration   `yaml:"orig_interval,omitempty"` // period of our own OGMs
	HopPenalty    uint8           `yaml:"hop_penalty,omitempty"`   // TQ penalty applied to rebroadcast OGMs
	Clients       []protocol.Addr `yaml:",omitempty"`              // clients announced regardless of traffic
	LogPath       string          `yaml:"log_path,omitempty"`      // if not empty, lattice will write to this file
	SocketPath    string          `yaml:"socket_path,omitempty"`   // unix socket for inspect, ping and trace
	MetricsBind   string          `yaml:"metrics_bind,omitempty"`  // serves /metrics and /debug/vars when set
	Resolvers     []string        `yaml:",omitempty"`              // DNS servers used for interface endpoints
}

// ApplyDefaults fills in every unset optional field.
func (c *NodeCfg) ApplyDefaults() {
	if c.OrigInterval == 0 {
		c.OrigInterval = OrigInterval
	}
	if c.HopPenalty == 0 {
		c.HopPenalty = HopPenalty
	}
	if c.SocketPath == "" {
		c.SocketPath = DefaultSocketPath
	}
	for i := range c.Interfaces {
		if c.Interfaces[i].MTU == 0 {
			c.Interfaces[i].MTU = DefaultMTU
		}
	}
	if len(c.Interfaces) > 0 && !c.hasPrimary() {
		c.Interfaces[0].Primary = true
	}
}

func (c *NodeCfg) hasPrimary() bool {
	for _, ifc := range c.Interfaces {
		if ifc.Primary {
			return true
		}
	}
	return false
}

func ReadNodeConfig(nodePath string) (*NodeCfg, error) {
	var nodeCfg NodeCfg
	file, err := os.ReadFile(nodePath)
	if err != nil {
		return nil, err
	}
	err = yaml.Unmarshal(file, &nodeCfg)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", nodePath, err)
	}
	nodeCfg.ApplyDefaults()
	return &nodeCfg, nil
}

func WriteNodeConfig(nodePath string, cfg *NodeCfg) error {
	bytes, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(nodePath, bytes, 0600)
}
