package cmd

import (
	"crypto/rand"
	"fmt"
	"net/netip"
	"os"

	"github.com/encodeous/lattice/protocol"
	"github.com/encodeous/lattice/state"
	"github.com/spf13/cobra"
)

// randomAddr returns a locally administered unicast address.
func randomAddr() protocol.Addr {
	var a protocol.Addr
	_, _ = rand.Read(a[:])
	a[0] = a[0]&^0x01 | 0x02
	return a
}

var initCmd = &cobra.Command{
	Use:   "init [name]",
	Short: "Create a node configuration",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name := args[0]
		if err := state.NameValidator(name); err != nil {
			fmt.Println("Invalid name:", err)
			os.Exit(1)
		}
		port, _ := cmd.Flags().GetUint16("port")
		peers, _ := cmd.Flags().GetStringSlice("peer")
		interactive, _ := cmd.Flags().GetBool("interactive")
		outPath, _ := cmd.Flags().GetString("output")

		ifc := state.InterfaceCfg{
			Name:    "mesh0",
			Addr:    randomAddr(),
			Bind:    netip.AddrPortFrom(netip.IPv4Unspecified(), port),
			Primary: true,
		}
		for _, p := range peers {
			ap, err := netip.ParseAddrPort(p)
			if err != nil {
				fmt.Println("Invalid peer:", err)
				os.Exit(1)
			}
			ifc.Peers = append(ifc.Peers, ap)
		}
		cfg := &state.NodeCfg{Id: name, Interfaces: []state.InterfaceCfg{ifc}}

		if interactive {
			var err error
			outPath, err = promptNodeConfig(cfg, outPath)
			if err != nil {
				fmt.Println("Error:", err)
				os.Exit(1)
			}
		}

		cfg.ApplyDefaults()
		if err := state.NodeConfigValidator(cfg); err != nil {
			fmt.Println("Invalid config:", err)
			os.Exit(1)
		}
		if err := state.WriteNodeConfig(outPath, cfg); err != nil {
			fmt.Println("Error:", err)
			os.Exit(1)
		}
		fmt.Println("Wrote", outPath)
	},
	GroupID: "init",
}

func promptNodeConfig(cfg *state.NodeCfg, outPath string) (string, error) {
	p, err := newPrompter()
	if err != nil {
		return "", err
	}
	defer p.Close()

	ifc := &cfg.Interfaces[0]
	if ifc.Addr, err = p.mac("interface mac", ifc.Addr.String()); err != nil {
		return "", err
	}
	if ifc.Bind, err = p.addrPort("udp bind", ifc.Bind.String()); err != nil {
		return "", err
	}
	for {
		more, err := p.yn(fmt.Sprintf("Add a peer (%d so far)?", len(ifc.Peers)), len(ifc.Peers) == 0)
		if err != nil {
			return "", err
		}
		if !more {
			break
		}
		peer, err := p.addrPort("peer", "")
		if err != nil {
			return "", err
		}
		ifc.Peers = append(ifc.Peers, peer)
	}
	if cfg.Bonding, err = p.yn("Enable bonding?", false); err != nil {
		return "", err
	}
	if cfg.Fragmentation, err = p.yn("Enable fragmentation?", true); err != nil {
		return "", err
	}
	return p.savePath(outPath, "node config")
}

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringP("output", "o", "node.yaml", "Output path")
	initCmd.Flags().Uint16P("port", "p", 4305, "UDP port of the mesh interface")
	initCmd.Flags().StringSlice("peer", nil, "Peer ip:port on the mesh segment (repeatable)")
	initCmd.Flags().BoolP("interactive", "i", false, "Prompt for every setting")
}
