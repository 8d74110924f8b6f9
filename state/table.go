package state

import (
	"slices"
	"sync"
	"time"

	"github.com/encodeous/lattice/protocol"
)

// OrigTable indexes originators by address. Every lookup returns a held reference which the
// caller must release.
type OrigTable struct {
	mu sync.RWMutex
	m  map[protocol.Addr]*Originator
}

func NewOrigTable() *OrigTable {
	return &OrigTable{m: make(map[protocol.Addr]*Originator)}
}

func (t *OrigTable) Lookup(addr protocol.Addr) *Originator {
	t.mu.RLock()
	defer t.mu.RUnlock()
	o, ok := t.m[addr]
	if !ok || !o.Hold() {
		return nil
	}
	return o
}

// GetOrCreate returns the originator for addr, creating it if it is unknown.
func (t *OrigTable) GetOrCreate(addr protocol.Addr, now time.Time) *Originator {
	if o := t.Lookup(addr); o != nil {
		return o
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if o, ok := t.m[addr]; ok && o.Hold() {
		return o
	}
	o := NewOriginator(addr, now)
	o.Hold()
	t.m[addr] = o
	return o
}

// Remove unlinks o from the table and drops the table's reference. It reports false if o
// was no longer indexed.
func (t *OrigTable) Remove(o *Originator) bool {
	t.mu.Lock()
	cur, ok := t.m[o.Addr]
	if !ok || cur != o {
		t.mu.Unlock()
		return false
	}
	delete(t.m, o.Addr)
	t.mu.Unlock()
	o.Release()
	return true
}

// Snapshot returns held references to every originator, ordered by address.
func (t *OrigTable) Snapshot() []*Originator {
	t.mu.RLock()
	out := make([]*Originator, 0, len(t.m))
	for _, o := range t.m {
		if o.Hold() {
			out = append(out, o)
		}
	}
	t.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Originator) int {
		return slices.Compare(a.Addr[:], b.Addr[:])
	})
	return out
}

// ReleaseAll drops the references returned by Snapshot.
func ReleaseAll(origs []*Originator) {
	for _, o := range origs {
		o.Release()
	}
}

func (t *OrigTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}

// Clear removes every originator, used on shutdown.
func (t *OrigTable) Clear() {
	t.mu.Lock()
	old := t.m
	t.m = make(map[protocol.Addr]*Originator)
	t.mu.Unlock()
	for _, o := range old {
		o.Release()
	}
}
