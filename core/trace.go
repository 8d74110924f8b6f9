package core

import (
	"github.com/dustin/go-broadcast"
	"github.com/encodeous/lattice/state"
)

// Trace fans router events out to every registered listener, such as IPC trace sessions.
type Trace struct {
	broadcast.Broadcaster
}

func (t *Trace) Init(s *state.State) error {
	t.Broadcaster = broadcast.NewBroadcaster(1024)
	return nil
}

func (t *Trace) Cleanup(s *state.State) error {
	if t.Broadcaster == nil {
		return nil
	}
	return t.Broadcaster.Close()
}

// Publish never blocks; events are dropped while the listeners fall behind.
func (t *Trace) Publish(ev TraceEvent) {
	if t.Broadcaster == nil {
		return
	}
	t.TrySubmit(ev)
}
