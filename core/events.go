package core

import (
	"fmt"
	"time"

	"github.com/encodeous/lattice/state"
)

type RouterEvent int

// trace events

const (
	RouteAdded RouterEvent = iota
	RouteChanged
	RouteDeleted
	BondAdded
	BondRemoved
	NeighborPurged
	OriginatorPurged
	TTRequestSent
	TTResponseSent
	TTApplied
	TTRoamed
	UnicastRerouted
)

// warn events

const (
	InconsistentState RouterEvent = iota + 1000
	BcastQueueFull
)

func (e RouterEvent) String() string {
	switch e {
	case RouteAdded:
		return "ROUTE_ADDED"
	case RouteChanged:
		return "ROUTE_CHANGED"
	case RouteDeleted:
		return "ROUTE_DELETED"
	case BondAdded:
		return "BOND_ADDED"
	case BondRemoved:
		return "BOND_REMOVED"
	case NeighborPurged:
		return "NEIGHBOR_PURGED"
	case OriginatorPurged:
		return "ORIGINATOR_PURGED"
	case TTRequestSent:
		return "TT_REQUEST_SENT"
	case TTResponseSent:
		return "TT_RESPONSE_SENT"
	case TTApplied:
		return "TT_APPLIED"
	case TTRoamed:
		return "TT_ROAMED"
	case UnicastRerouted:
		return "UNICAST_REROUTED"
	case InconsistentState:
		return "INCONSISTENT_STATE"
	case BcastQueueFull:
		return "BCAST_QUEUE_FULL"
	default:
		return fmt.Sprintf("EVENT_%d", int(e))
	}
}

// TraceEvent is published for every logged router event.
type TraceEvent struct {
	Time  time.Time
	Event RouterEvent
	Desc  string
	Args  []any
}

func (t TraceEvent) String() string {
	s := fmt.Sprintf("%s %s %s", t.Time.Format(time.StampMicro), t.Event, t.Desc)
	for i := 0; i+1 < len(t.Args); i += 2 {
		s += fmt.Sprintf(" %v=%v", t.Args[i], t.Args[i+1])
	}
	return s
}

func (e *Engine) Log(event RouterEvent, desc string, args ...any) {
	if e.trace != nil {
		e.trace.Publish(TraceEvent{Time: e.now(), Event: event, Desc: desc, Args: args})
	}
	if e.hook != nil {
		e.hook(event, desc, args...)
	}
	msg := fmt.Sprintf("%s %s", event.String(), desc)
	switch {
	case event >= InconsistentState:
		e.Env.Log.Warn(msg, args...)
	case state.DBG_log_router:
		e.Env.Log.Info(msg, args...)
	default:
		e.Env.Log.Debug(msg, args...)
	}
}
