package state

import (
	"sync/atomic"

	"github.com/encodeous/lattice/protocol"
)

type IfStatus int32

const (
	IfNotInUse IfStatus = iota
	IfInactive
	IfActive
)

func (s IfStatus) String() string {
	switch s {
	case IfNotInUse:
		return "not in use"
	case IfInactive:
		return "inactive"
	case IfActive:
		return "active"
	default:
		return "unknown"
	}
}

// Interface is a local attachment point to the mesh. Neighbours reference it but never own it.
type Interface struct {
	Index   int
	Name    string
	Addr    protocol.Addr
	MTU     int
	Primary bool

	status atomic.Int32
	// OGMSeqno is the sequence number of the next OGM originated on this interface.
	OGMSeqno  atomic.Uint32
	FragSeqno atomic.Uint32
}

func NewInterface(index int, name string, addr protocol.Addr, mtu int) *Interface {
	ifc := &Interface{
		Index: index,
		Name:  name,
		Addr:  addr,
		MTU:   mtu,
	}
	ifc.status.Store(int32(IfInactive))
	return ifc
}

func (i *Interface) Status() IfStatus {
	return IfStatus(i.status.Load())
}

func (i *Interface) SetStatus(s IfStatus) {
	i.status.Store(int32(s))
}

func (i *Interface) Active() bool {
	return i.Status() == IfActive
}

func (i *Interface) String() string {
	return i.Name
}
