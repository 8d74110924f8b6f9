package state

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/encodeous/lattice/protocol"
)

type Module interface {
	Init(s *State) error
	Cleanup(s *State) error
}

// State access must be done only on the dispatch goroutine
type State struct {
	*Env
	Modules map[string]Module
}

// Env can be read from any Goroutine
type Env struct {
	DispatchChannel chan<- func(s *State) error
	NodeCfg
	Context context.Context
	Cancel  context.CancelCauseFunc
	Log     *slog.Logger

	Interfaces []*Interface
	Origs      *OrigTable
	// BcastSeqno numbers the broadcast packets this node floods.
	BcastSeqno atomic.Uint32

	Started  atomic.Bool
	Stopping atomic.Bool
}

// PrimaryIf is the interface whose address identifies this node.
func (e *Env) PrimaryIf() *Interface {
	for _, ifc := range e.Interfaces {
		if ifc.Primary {
			return ifc
		}
	}
	if len(e.Interfaces) > 0 {
		return e.Interfaces[0]
	}
	return nil
}

// PrimaryAddr is the address of the primary interface, or the zero address if there is none.
func (e *Env) PrimaryAddr() protocol.Addr {
	if p := e.PrimaryIf(); p != nil {
		return p.Addr
	}
	return protocol.ZeroAddr
}

// IsMyAddr reports whether addr belongs to one of our interfaces that is in use.
func (e *Env) IsMyAddr(addr protocol.Addr) bool {
	for _, ifc := range e.Interfaces {
		if ifc.Status() != IfNotInUse && ifc.Addr == addr {
			return true
		}
	}
	return false
}

func (e *Env) ActiveInterfaces() []*Interface {
	out := make([]*Interface, 0, len(e.Interfaces))
	for _, ifc := range e.Interfaces {
		if ifc.Active() {
			out = append(out, ifc)
		}
	}
	return out
}

func (e *Env) InterfaceByName(name string) *Interface {
	for _, ifc := range e.Interfaces {
		if ifc.Name == name {
			return ifc
		}
	}
	return nil
}
