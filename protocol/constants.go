package protocol

import "errors"

// Type is the packet type tag carried in the first byte of every mesh packet.
type Type uint8

const (
	TypeOGM         Type = 0x01
	TypeEcho        Type = 0x02
	TypeUnicast     Type = 0x03
	TypeBroadcast   Type = 0x04
	TypeVis         Type = 0x05
	TypeUnicastFrag Type = 0x06
	TypeTTQuery     Type = 0x07
	TypeRoamAdv     Type = 0x08
)

func (t Type) String() string {
	switch t {
	case TypeOGM:
		return "OGM"
	case TypeEcho:
		return "ECHO"
	case TypeUnicast:
		return "UNICAST"
	case TypeBroadcast:
		return "BCAST"
	case TypeVis:
		return "VIS"
	case TypeUnicastFrag:
		return "UNICAST_FRAG"
	case TypeTTQuery:
		return "TT_QUERY"
	case TypeRoamAdv:
		return "ROAM_ADV"
	default:
		return "UNKNOWN"
	}
}

const (
	CompatVersion = 14
	// TTL is the default time-to-live for originated packets.
	TTL = 50
	// RRLen is the number of route-record slots of an echo packet.
	RRLen = 16
)

// wire sizes
const (
	HeaderLen      = 3
	OGMLen         = 26
	TTChangeLen    = 7
	EchoLen        = 20
	EchoRRLen      = EchoLen + 1 + RRLen*6
	UnicastLen     = 10
	UnicastFragLen = 20
	BroadcastLen   = 14
	TTQueryLen     = 19
	RoamAdvLen     = 22
)

// OGM flags
const (
	NotBestNextHop    uint8 = 1 << 3
	PrimariesFirstHop uint8 = 1 << 4
	DirectLink        uint8 = 1 << 6
)

// echo message types
const (
	EchoReply              uint8 = 0
	DestinationUnreachable uint8 = 3
	EchoRequest            uint8 = 8
	TTLExceeded            uint8 = 11
	ParameterProblem       uint8 = 12
)

// unicast fragment flags
const (
	FragHead      uint8 = 0x01
	FragLargeTail uint8 = 0x02
)

// translation table query flags
const (
	TTRequest       uint8 = 0
	TTResponse      uint8 = 1
	TTQueryTypeMask uint8 = 0x7
	TTFullTable     uint8 = 0x10
	TTChangeDel     uint8 = 0x01
	TTChangeRoam    uint8 = 0x02
)

var (
	ErrTooShort    = errors.New("packet too short")
	ErrBadVersion  = errors.New("incompatible protocol version")
	ErrUnknownType = errors.New("unknown packet type")
	ErrNotMesh     = errors.New("frame does not carry a mesh packet")
)
