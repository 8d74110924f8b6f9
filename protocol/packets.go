package protocol

import (
	"encoding/binary"
	"fmt"
)

// Header is the common 3-byte prefix of every mesh packet.
type Header struct {
	Type    Type
	Version uint8
	TTL     uint8
}

func (h *Header) Hdr() *Header {
	return h
}

func (h *Header) put(b []byte) {
	b[0] = byte(h.Type)
	b[1] = h.Version
	b[2] = h.TTL
}

func newHeader(t Type, ttl uint8) Header {
	return Header{Type: t, Version: CompatVersion, TTL: ttl}
}

// Packet is the closed set of mesh packet kinds. Handlers switch on the concrete type.
type Packet interface {
	Hdr() *Header
	// Len is the encoded size in bytes.
	Len() int
	// AppendTo appends the wire encoding of the packet to b.
	AppendTo(b []byte) []byte
	isPacket()
}

// TTChange is one client add/del entry carried by OGMs and TT responses.
type TTChange struct {
	Flags uint8
	Addr  Addr
}

type OGM struct {
	Header
	Flags      uint8
	Seqno      uint32
	Orig       Addr
	PrevSender Addr
	GWFlags    uint8
	TQ         uint8
	TTVN       uint8
	TTCRC      uint16
	Changes    []TTChange
}

type Echo struct {
	Header
	MsgType  uint8
	Dst      Addr
	Orig     Addr
	Seqno    uint16
	UID      uint8
	Reserved uint8
	// RecordRoute marks the route-record variant; RRCur and RR are only encoded when set.
	RecordRoute bool
	RRCur       uint8
	RR          [RRLen]Addr
}

type Unicast struct {
	Header
	TTVN uint8
	Dest Addr
	// Payload is the encapsulated client Ethernet frame.
	Payload []byte
}

type UnicastFrag struct {
	Header
	TTVN    uint8
	Dest    Addr
	Flags   uint8
	Align   uint8
	Orig    Addr
	Seqno   uint16
	Payload []byte
}

type Broadcast struct {
	Header
	Reserved uint8
	Seqno    uint32
	Orig     Addr
	Payload  []byte
}

// Vis packets are only recognised for dispatch.
type Vis struct {
	Header
	Payload []byte
}

type TTQuery struct {
	Header
	Flags uint8
	Dst   Addr
	Src   Addr
	TTVN  uint8
	// TTData is the table CRC in a request and the number of entries in a response.
	TTData  uint16
	Changes []TTChange
}

type RoamAdv struct {
	Header
	Reserved uint8
	Dst      Addr
	Src      Addr
	Client   Addr
}

func (*OGM) isPacket()         {}
func (*Echo) isPacket()        {}
func (*Unicast) isPacket()     {}
func (*UnicastFrag) isPacket() {}
func (*Broadcast) isPacket()   {}
func (*Vis) isPacket()         {}
func (*TTQuery) isPacket()     {}
func (*RoamAdv) isPacket()     {}

func NewOGM() *OGM {
	return &OGM{Header: newHeader(TypeOGM, TTL)}
}

func NewEcho(msgType uint8, dst, orig Addr) *Echo {
	return &Echo{Header: newHeader(TypeEcho, TTL), MsgType: msgType, Dst: dst, Orig: orig}
}

func NewUnicast(dest Addr, ttvn uint8, payload []byte) *Unicast {
	return &Unicast{Header: newHeader(TypeUnicast, TTL), Dest: dest, TTVN: ttvn, Payload: payload}
}

func NewBroadcast(orig Addr, seqno uint32, payload []byte) *Broadcast {
	return &Broadcast{Header: newHeader(TypeBroadcast, TTL), Orig: orig, Seqno: seqno, Payload: payload}
}

func NewTTQuery(flags uint8, dst, src Addr, ttvn uint8) *TTQuery {
	return &TTQuery{Header: newHeader(TypeTTQuery, TTL), Flags: flags, Dst: dst, Src: src, TTVN: ttvn}
}

func NewRoamAdv(dst, src, client Addr) *RoamAdv {
	return &RoamAdv{Header: newHeader(TypeRoamAdv, TTL), Dst: dst, Src: src, Client: client}
}

func (p *OGM) Len() int { return OGMLen + len(p.Changes)*TTChangeLen }

func (p *OGM) AppendTo(b []byte) []byte {
	off := len(b)
	b = append(b, make([]byte, p.Len())...)
	o := b[off:]
	p.Header.put(o)
	o[3] = p.Flags
	binary.BigEndian.PutUint32(o[4:8], p.Seqno)
	copy(o[8:14], p.Orig[:])
	copy(o[14:20], p.PrevSender[:])
	o[20] = p.GWFlags
	o[21] = p.TQ
	o[22] = uint8(len(p.Changes))
	o[23] = p.TTVN
	binary.BigEndian.PutUint16(o[24:26], p.TTCRC)
	putChanges(o[OGMLen:], p.Changes)
	return b
}

func (p *Echo) Len() int {
	if p.RecordRoute {
		return EchoRRLen
	}
	return EchoLen
}

func (p *Echo) AppendTo(b []byte) []byte {
	off := len(b)
	b = append(b, make([]byte, p.Len())...)
	o := b[off:]
	p.Header.put(o)
	o[3] = p.MsgType
	copy(o[4:10], p.Dst[:])
	copy(o[10:16], p.Orig[:])
	binary.BigEndian.PutUint16(o[16:18], p.Seqno)
	o[18] = p.UID
	o[19] = p.Reserved
	if p.RecordRoute {
		o[20] = p.RRCur
		for i, a := range p.RR {
			copy(o[21+i*6:], a[:])
		}
	}
	return b
}

func (p *Unicast) Len() int { return UnicastLen + len(p.Payload) }

func (p *Unicast) AppendTo(b []byte) []byte {
	off := len(b)
	b = append(b, make([]byte, UnicastLen)...)
	o := b[off:]
	p.Header.put(o)
	o[3] = p.TTVN
	copy(o[4:10], p.Dest[:])
	return append(b, p.Payload...)
}

func (p *UnicastFrag) Len() int { return UnicastFragLen + len(p.Payload) }

func (p *UnicastFrag) AppendTo(b []byte) []byte {
	off := len(b)
	b = append(b, make([]byte, UnicastFragLen)...)
	o := b[off:]
	p.Header.put(o)
	o[3] = p.TTVN
	copy(o[4:10], p.Dest[:])
	o[10] = p.Flags
	o[11] = p.Align
	copy(o[12:18], p.Orig[:])
	binary.BigEndian.PutUint16(o[18:20], p.Seqno)
	return append(b, p.Payload...)
}

func (p *Broadcast) Len() int { return BroadcastLen + len(p.Payload) }

func (p *Broadcast) AppendTo(b []byte) []byte {
	off := len(b)
	b = append(b, make([]byte, BroadcastLen)...)
	o := b[off:]
	p.Header.put(o)
	o[3] = p.Reserved
	binary.BigEndian.PutUint32(o[4:8], p.Seqno)
	copy(o[8:14], p.Orig[:])
	return append(b, p.Payload...)
}

func (p *Vis) Len() int { return HeaderLen + len(p.Payload) }

func (p *Vis) AppendTo(b []byte) []byte {
	off := len(b)
	b = append(b, make([]byte, HeaderLen)...)
	p.Header.put(b[off:])
	return append(b, p.Payload...)
}

func (p *TTQuery) Len() int { return TTQueryLen + len(p.Changes)*TTChangeLen }

func (p *TTQuery) AppendTo(b []byte) []byte {
	off := len(b)
	b = append(b, make([]byte, p.Len())...)
	o := b[off:]
	p.Header.put(o)
	o[3] = p.Flags
	copy(o[4:10], p.Dst[:])
	copy(o[10:16], p.Src[:])
	o[16] = p.TTVN
	binary.BigEndian.PutUint16(o[17:19], p.TTData)
	putChanges(o[TTQueryLen:], p.Changes)
	return b
}

func (p *RoamAdv) Len() int { return RoamAdvLen }

func (p *RoamAdv) AppendTo(b []byte) []byte {
	off := len(b)
	b = append(b, make([]byte, RoamAdvLen)...)
	o := b[off:]
	p.Header.put(o)
	o[3] = p.Reserved
	copy(o[4:10], p.Dst[:])
	copy(o[10:16], p.Src[:])
	copy(o[16:22], p.Client[:])
	return b
}

// IsResponse reports whether the query carries table entries rather than asking for them.
func (p *TTQuery) IsResponse() bool {
	return p.Flags&TTQueryTypeMask == TTResponse
}

func (p *TTQuery) IsFullTable() bool {
	return p.Flags&TTFullTable != 0
}

func (p *Echo) IsRequest() bool {
	return p.MsgType == EchoRequest
}

// Marshal encodes p into a freshly allocated buffer.
func Marshal(p Packet) []byte {
	return p.AppendTo(make([]byte, 0, p.Len()))
}

func putChanges(b []byte, changes []TTChange) {
	for i, c := range changes {
		o := b[i*TTChangeLen:]
		o[0] = c.Flags
		copy(o[1:7], c.Addr[:])
	}
}

func readChanges(b []byte, n int) ([]TTChange, error) {
	if len(b) < n*TTChangeLen {
		return nil, fmt.Errorf("%w: %d change entries need %d bytes, have %d", ErrTooShort, n, n*TTChangeLen, len(b))
	}
	changes := make([]TTChange, n)
	for i := range changes {
		o := b[i*TTChangeLen:]
		changes[i].Flags = o[0]
		copy(changes[i].Addr[:], o[1:7])
	}
	return changes, nil
}

func needLen(b []byte, n int, t Type) error {
	if len(b) < n {
		return fmt.Errorf("%w: %s needs %d bytes, have %d", ErrTooShort, t, n, len(b))
	}
	return nil
}

// Decode parses one mesh packet. Trailing bytes beyond what the packet describes (link padding)
// are ignored, except for packets whose payload runs to the end of the buffer. Payloads alias b.
func Decode(b []byte) (Packet, error) {
	if len(b) < HeaderLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooShort, len(b))
	}
	hdr := Header{Type: Type(b[0]), Version: b[1], TTL: b[2]}
	if hdr.Version != CompatVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, hdr.Version)
	}
	switch hdr.Type {
	case TypeOGM:
		if err := needLen(b, OGMLen, hdr.Type); err != nil {
			return nil, err
		}
		p := &OGM{
			Header:  hdr,
			Flags:   b[3],
			Seqno:   binary.BigEndian.Uint32(b[4:8]),
			GWFlags: b[20],
			TQ:      b[21],
			TTVN:    b[23],
			TTCRC:   binary.BigEndian.Uint16(b[24:26]),
		}
		copy(p.Orig[:], b[8:14])
		copy(p.PrevSender[:], b[14:20])
		changes, err := readChanges(b[OGMLen:], int(b[22]))
		if err != nil {
			return nil, err
		}
		p.Changes = changes
		return p, nil
	case TypeEcho:
		if err := needLen(b, EchoLen, hdr.Type); err != nil {
			return nil, err
		}
		p := &Echo{
			Header:   hdr,
			MsgType:  b[3],
			Seqno:    binary.BigEndian.Uint16(b[16:18]),
			UID:      b[18],
			Reserved: b[19],
		}
		copy(p.Dst[:], b[4:10])
		copy(p.Orig[:], b[10:16])
		if len(b) >= EchoRRLen {
			p.RecordRoute = true
			p.RRCur = b[20]
			for i := range p.RR {
				copy(p.RR[i][:], b[21+i*6:])
			}
		}
		return p, nil
	case TypeUnicast:
		if err := needLen(b, UnicastLen, hdr.Type); err != nil {
			return nil, err
		}
		p := &Unicast{Header: hdr, TTVN: b[3], Payload: b[UnicastLen:]}
		copy(p.Dest[:], b[4:10])
		return p, nil
	case TypeUnicastFrag:
		if err := needLen(b, UnicastFragLen, hdr.Type); err != nil {
			return nil, err
		}
		p := &UnicastFrag{
			Header:  hdr,
			TTVN:    b[3],
			Flags:   b[10],
			Align:   b[11],
			Seqno:   binary.BigEndian.Uint16(b[18:20]),
			Payload: b[UnicastFragLen:],
		}
		copy(p.Dest[:], b[4:10])
		copy(p.Orig[:], b[12:18])
		return p, nil
	case TypeBroadcast:
		if err := needLen(b, BroadcastLen, hdr.Type); err != nil {
			return nil, err
		}
		p := &Broadcast{
			Header:   hdr,
			Reserved: b[3],
			Seqno:    binary.BigEndian.Uint32(b[4:8]),
			Payload:  b[BroadcastLen:],
		}
		copy(p.Orig[:], b[8:14])
		return p, nil
	case TypeVis:
		return &Vis{Header: hdr, Payload: b[HeaderLen:]}, nil
	case TypeTTQuery:
		if err := needLen(b, TTQueryLen, hdr.Type); err != nil {
			return nil, err
		}
		p := &TTQuery{
			Header: hdr,
			Flags:  b[3],
			TTVN:   b[16],
			TTData: binary.BigEndian.Uint16(b[17:19]),
		}
		copy(p.Dst[:], b[4:10])
		copy(p.Src[:], b[10:16])
		if p.IsResponse() {
			changes, err := readChanges(b[TTQueryLen:], int(p.TTData))
			if err != nil {
				return nil, err
			}
			p.Changes = changes
		}
		return p, nil
	case TypeRoamAdv:
		if err := needLen(b, RoamAdvLen, hdr.Type); err != nil {
			return nil, err
		}
		p := &RoamAdv{Header: hdr, Reserved: b[3]}
		copy(p.Dst[:], b[4:10])
		copy(p.Src[:], b[10:16])
		copy(p.Client[:], b[16:22])
		return p, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, uint8(hdr.Type))
	}
}

// Routed is implemented by the unicast-addressed packets that intermediate nodes forward
// toward an originator.
type Routed interface {
	Packet
	Destination() Addr
}

func (p *Echo) Destination() Addr        { return p.Dst }
func (p *Unicast) Destination() Addr     { return p.Dest }
func (p *UnicastFrag) Destination() Addr { return p.Dest }
func (p *TTQuery) Destination() Addr     { return p.Dst }
func (p *RoamAdv) Destination() Addr     { return p.Dst }
