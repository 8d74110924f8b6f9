package state

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"

	"github.com/encodeous/lattice/protocol"
)

var namePattern, _ = regexp.Compile("^[0-9a-z._-]+$")

func PathValidator(s string) error {
	_, err := os.Stat(path.Dir(s))
	if err != nil {
		return err
	}
	_, err = filepath.Abs(s)
	return err
}

func NameValidator(s string) error {
	if !namePattern.MatchString(s) {
		return fmt.Errorf("%s is not a valid name, must match pattern %s", s, namePattern.String())
	}
	if len(s) > 100 {
		return fmt.Errorf("len(\"%s\") = %d > 100 is too long", s, len(s))
	}
	return nil
}

// AddrValidator rejects addresses that cannot identify a single station.
func AddrValidator(a protocol.Addr) error {
	if a.IsZero() {
		return errors.New("address must not be zero")
	}
	if a.IsMulticast() {
		return fmt.Errorf("%s is a group address", a)
	}
	return nil
}

func InterfaceValidator(ifc *InterfaceCfg) error {
	err := NameValidator(ifc.Name)
	if err != nil {
		return fmt.Errorf("interface name: %w", err)
	}
	if err = AddrValidator(ifc.Addr); err != nil {
		return fmt.Errorf("interface %s: %w", ifc.Name, err)
	}
	if !ifc.Bind.IsValid() {
		return fmt.Errorf("interface %s: bind is invalid", ifc.Name)
	}
	for _, p := range ifc.Peers {
		if !p.IsValid() {
			return fmt.Errorf("interface %s: peer %s is invalid", ifc.Name, p)
		}
	}
	for _, ep := range ifc.Endpoints {
		if _, _, err := splitEndpoint(ep); err != nil {
			return fmt.Errorf("interface %s: endpoint: %w", ifc.Name, err)
		}
	}
	if ifc.MTU < MinMTU {
		return fmt.Errorf("interface %s: mtu %d is below %d", ifc.Name, ifc.MTU, MinMTU)
	}
	return nil
}

func NodeConfigValidator(node *NodeCfg) error {
	err := NameValidator(node.Id)
	if err != nil {
		return err
	}
	if len(node.Interfaces) == 0 {
		return errors.New("node has no interfaces")
	}
	names := make(map[string]struct{})
	addrs := make(map[protocol.Addr]struct{})
	primaries := 0
	for i := range node.Interfaces {
		ifc := &node.Interfaces[i]
		if err := InterfaceValidator(ifc); err != nil {
			return err
		}
		if _, ok := names[ifc.Name]; ok {
			return fmt.Errorf("duplicate interface %s", ifc.Name)
		}
		names[ifc.Name] = struct{}{}
		if _, ok := addrs[ifc.Addr]; ok {
			return fmt.Errorf("duplicate interface address %s", ifc.Addr)
		}
		addrs[ifc.Addr] = struct{}{}
		if ifc.Primary {
			primaries++
		}
	}
	if primaries != 1 {
		return fmt.Errorf("exactly one primary interface is required, found %d", primaries)
	}
	for _, c := range node.Clients {
		if err := AddrValidator(c); err != nil {
			return fmt.Errorf("client: %w", err)
		}
		if _, ok := addrs[c]; ok {
			return fmt.Errorf("client %s collides with an interface address", c)
		}
	}
	if node.OrigInterval <= 0 {
		return fmt.Errorf("orig_interval %s must be positive", node.OrigInterval)
	}
	if node.LogPath != "" {
		if err := PathValidator(node.LogPath); err != nil {
			return fmt.Errorf("log_path: %w", err)
		}
	}
	return nil
}
