package state

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"
)

// SetResolvers configures the global default resolver
func SetResolvers(resolvers []string) {
	if len(resolvers) != 0 {
		net.DefaultResolver = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				d := net.Dialer{Timeout: time.Second * 10}
				var lastErr error
				for _, r := range resolvers {
					conn, err := d.DialContext(ctx, network, r)
					if err == nil {
						return conn, nil
					}
					lastErr = err
				}
				return nil, lastErr
			},
		}
	}
}

// ResolveName resolves a hostname to a list of IP addresses
func ResolveName(ctx context.Context, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}
	ips, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	var addrs []netip.Addr
	for _, ipStr := range ips {
		if addr, err := netip.ParseAddr(ipStr); err == nil {
			addrs = append(addrs, addr.Unmap())
		}
	}
	return addrs, nil
}

func splitEndpoint(endpoint string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return "", 0, fmt.Errorf("invalid port in %q", endpoint)
	}
	return host, uint16(port), nil
}

// ResolvePeers turns host:port endpoints into peer socket addresses. Every address a name
// resolves to becomes a peer of its own.
func ResolvePeers(ctx context.Context, endpoints []string) ([]netip.AddrPort, error) {
	var peers []netip.AddrPort
	for _, ep := range endpoints {
		host, port, err := splitEndpoint(ep)
		if err != nil {
			return nil, err
		}
		addrs, err := ResolveName(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", ep, err)
		}
		if len(addrs) == 0 {
			return nil, fmt.Errorf("resolve %s: no addresses", ep)
		}
		for _, a := range addrs {
			peers = append(peers, netip.AddrPortFrom(a, port))
		}
	}
	return peers, nil
}
