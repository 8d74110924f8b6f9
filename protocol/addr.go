package protocol

import (
	"fmt"
	"net"
)

// Addr is a link-layer (MAC) address. Originators, neighbours and clients are all keyed by it.
type Addr [6]byte

var (
	BroadcastAddr = Addr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	ZeroAddr      = Addr{}
)

func ParseAddr(s string) (Addr, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return Addr{}, err
	}
	if len(hw) != len(Addr{}) {
		return Addr{}, fmt.Errorf("%s is not a 48-bit address", s)
	}
	return AddrFrom(hw), nil
}

func MustParseAddr(s string) Addr {
	a, err := ParseAddr(s)
	if err != nil {
		panic(err)
	}
	return a
}

func AddrFrom(hw net.HardwareAddr) Addr {
	var a Addr
	copy(a[:], hw)
	return a
}

func (a Addr) HardwareAddr() net.HardwareAddr {
	return net.HardwareAddr(a[:])
}

func (a Addr) String() string {
	return a.HardwareAddr().String()
}

func (a Addr) IsBroadcast() bool {
	return a == BroadcastAddr
}

// IsMulticast is true for group addresses, which includes broadcast.
func (a Addr) IsMulticast() bool {
	return a[0]&0x01 == 0x01
}

func (a Addr) IsZero() bool {
	return a == ZeroAddr
}

func (a Addr) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Addr) UnmarshalText(text []byte) error {
	parsed, err := ParseAddr(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
