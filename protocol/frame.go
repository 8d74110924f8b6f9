package protocol

import (
	"fmt"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// EtherType identifies mesh frames on the link.
const EtherType = layers.EthernetType(0x4305)

// EthernetLen is the size of an untagged Ethernet header.
const EthernetLen = 14

// Frame is a decoded link-layer frame carrying one mesh packet.
type Frame struct {
	Src    Addr
	Dst    Addr
	Packet Packet
	// Size is the mesh packet length as received, including any link padding.
	Size int
}

// EncodeFrame wraps p in an Ethernet header addressed from src to dst.
func EncodeFrame(src, dst Addr, p Packet) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       src.HardwareAddr(),
		DstMAC:       dst.HardwareAddr(),
		EthernetType: EtherType,
	}
	payload := Marshal(p)
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, gopacket.Payload(payload))
	if err != nil {
		return nil, fmt.Errorf("serialize %s frame: %w", p.Hdr().Type, err)
	}
	// layers.Ethernet pads short frames to the 60 byte minimum, our links carry them unpadded
	return buf.Bytes()[:EthernetLen+len(payload)], nil
}

// DecodeFrame parses an Ethernet frame and the mesh packet it carries.
func DecodeFrame(b []byte) (*Frame, error) {
	eth, err := ParseEthernet(b)
	if err != nil {
		return nil, err
	}
	if eth.EthernetType != EtherType {
		return nil, fmt.Errorf("%w: ethertype %s", ErrNotMesh, eth.EthernetType)
	}
	p, err := Decode(eth.Payload)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Src:    AddrFrom(eth.SrcMAC),
		Dst:    AddrFrom(eth.DstMAC),
		Packet: p,
		Size:   len(eth.Payload),
	}, nil
}

// ParseEthernet decodes only the Ethernet header of b. It is used both for mesh frames and for
// the client frames encapsulated in unicast and broadcast packets.
func ParseEthernet(b []byte) (*layers.Ethernet, error) {
	if len(b) < EthernetLen {
		return nil, fmt.Errorf("%w: ethernet header needs %d bytes, have %d", ErrTooShort, EthernetLen, len(b))
	}
	eth := &layers.Ethernet{}
	if err := eth.DecodeFromBytes(b, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("decode ethernet: %w", err)
	}
	return eth, nil
}

// ClientAddrs returns the source and destination of an encapsulated client frame.
func ClientAddrs(inner []byte) (src, dst Addr, err error) {
	eth, err := ParseEthernet(inner)
	if err != nil {
		return Addr{}, Addr{}, err
	}
	return AddrFrom(eth.SrcMAC), AddrFrom(eth.DstMAC), nil
}
