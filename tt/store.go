// Package tt keeps the translation tables that map client addresses to the mesh nodes serving them.
//
// The local table holds the clients attached to this node. Changes to it are queued and
// committed in batches, each commit advancing the local translation table version (ttvn).
// The global table holds the clients announced by other originators, each entry stamped with
// the version it was learned at.
package tt

import (
	"slices"
	"sync"
	"time"

	"github.com/encodeous/lattice/protocol"
	"github.com/encodeous/lattice/state"
	"github.com/sigurn/crc16"
)

var crcTable = crc16.MakeTable(crc16.CRC16_ARC)

// CRC combines the per-address CRC-16/ARC of every entry with XOR, so the result does not
// depend on the order of the entries.
func CRC(addrs []protocol.Addr) uint16 {
	var total uint16
	for _, a := range addrs {
		total ^= crc16.Checksum(a[:], crcTable)
	}
	return total
}

type localEntry struct {
	lastSeen time.Time
	static   bool
}

type globalEntry struct {
	orig   *state.Originator
	ttvn   uint8
	roam   bool
	roamAt time.Time
}

// Store implements both tables. All methods are safe for concurrent use.
type Store struct {
	mu sync.Mutex

	local     map[protocol.Addr]*localEntry
	committed map[protocol.Addr]struct{}
	pending   []protocol.TTChange
	ttvn      uint8
	crc       uint16
	// lastChanges are the changes that produced ttvn.
	lastChanges []protocol.TTChange
	appendLeft  int

	global map[protocol.Addr]*globalEntry

	possibleChange bool
}

func NewStore() *Store {
	return &Store{
		local:     make(map[protocol.Addr]*localEntry),
		committed: make(map[protocol.Addr]struct{}),
		global:    make(map[protocol.Addr]*globalEntry),
	}
}

func (s *Store) LookupLocal(mac protocol.Addr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.local[mac]
	return ok
}

// LookupGlobal returns a held reference to the originator serving mac, or nil.
func (s *Store) LookupGlobal(mac protocol.Addr) *state.Originator {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.global[mac]
	if !ok || !e.orig.Hold() {
		return nil
	}
	return e.orig
}

// GlobalEntry reports the owner and version of a global entry without taking a reference.
func (s *Store) GlobalEntry(mac protocol.Addr) (owner protocol.Addr, ttvn uint8, roam bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.global[mac]
	if !ok {
		return protocol.Addr{}, 0, false, false
	}
	return e.orig.Addr, e.ttvn, e.roam, true
}

func (s *Store) queueLocked(mac protocol.Addr, flags uint8) {
	s.pending = slices.DeleteFunc(s.pending, func(c protocol.TTChange) bool {
		return c.Addr == mac
	})
	s.pending = append(s.pending, protocol.TTChange{Flags: flags, Addr: mac})
}

// LocalAdd learns mac as one of our clients. When the client was previously served by another
// originator, its global entry is dropped and that originator is returned held, so the caller
// can tell it about the roam.
func (s *Store) LocalAdd(mac protocol.Addr, now time.Time) (added bool, prevOwner *state.Originator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.local[mac]; ok {
		e.lastSeen = now
		return false, nil
	}
	s.local[mac] = &localEntry{lastSeen: now}
	s.queueLocked(mac, 0)
	if g, ok := s.global[mac]; ok {
		delete(s.global, mac)
		prevOwner = g.orig
	}
	return true, prevOwner
}

// AddStatic adds clients that never expire.
func (s *Store) AddStatic(macs []protocol.Addr, now time.Time) {
	for _, mac := range macs {
		_, prev := s.LocalAdd(mac, now)
		if prev != nil {
			prev.Release()
		}
		s.mu.Lock()
		s.local[mac].static = true
		s.mu.Unlock()
	}
}

func (s *Store) localDelLocked(mac protocol.Addr, roam bool) {
	if _, ok := s.local[mac]; !ok {
		return
	}
	delete(s.local, mac)
	flags := protocol.TTChangeDel
	if roam {
		flags |= protocol.TTChangeRoam
	}
	s.queueLocked(mac, flags)
}

// LocalDel forgets a local client and queues its deletion.
func (s *Store) LocalDel(mac protocol.Addr, roam bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localDelLocked(mac, roam)
}

// PurgeLocal drops learned clients idle for longer than timeout and returns them.
func (s *Store) PurgeLocal(now time.Time, timeout time.Duration) []protocol.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Addr
	for mac, e := range s.local {
		if !e.static && now.Sub(e.lastSeen) > timeout {
			out = append(out, mac)
		}
	}
	for _, mac := range out {
		s.localDelLocked(mac, false)
	}
	return out
}

// Commit applies the queued local changes. It advances ttvn and recomputes the CRC when
// anything was queued, and arms the changes to be appended to the next state.TTOGMAppendMax OGMs.
// The returned changes are nil when the current OGM carries none.
func (s *Store) Commit() (changes []protocol.TTChange, ttvn uint8, crc uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) > 0 {
		for _, c := range s.pending {
			if c.Flags&protocol.TTChangeDel != 0 {
				delete(s.committed, c.Addr)
			} else {
				s.committed[c.Addr] = struct{}{}
			}
		}
		s.lastChanges = s.pending
		s.pending = nil
		s.ttvn++
		s.crc = CRC(keys(s.committed))
		s.possibleChange = false
		s.appendLeft = state.TTOGMAppendMax
	}
	if s.appendLeft > 0 {
		s.appendLeft--
		changes = slices.Clone(s.lastChanges)
	}
	return changes, s.ttvn, s.crc
}

// Local returns the committed local table together with its version and CRC.
func (s *Store) Local() (ttvn uint8, crc uint16, entries []protocol.TTChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttvn, s.crc, toChanges(keys(s.committed))
}

// LastChanges returns the changes that produced the current local version.
func (s *Store) LastChanges() (ttvn uint8, changes []protocol.TTChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttvn, slices.Clone(s.lastChanges)
}

func (s *Store) LocalTTVN() uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttvn
}

// PossibleChange is set while a roaming client was grafted but not yet confirmed by a new version.
func (s *Store) PossibleChange() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.possibleChange
}

func (s *Store) SetPossibleChange(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.possibleChange = v
}

// ApplyRemoteChange records that orig serves mac as of version ttvn. A roam entry marks a
// client that moved to orig before orig announced it. Any local entry for mac is removed.
func (s *Store) ApplyRemoteChange(orig *state.Originator, mac protocol.Addr, ttvn uint8, roam bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addGlobalLocked(orig, mac, ttvn, roam)
}

func (s *Store) addGlobalLocked(orig *state.Originator, mac protocol.Addr, ttvn uint8, roam bool) {
	e, ok := s.global[mac]
	switch {
	case !ok:
		if !orig.Hold() {
			return
		}
		s.global[mac] = &globalEntry{orig: orig, ttvn: ttvn}
	case e.orig != orig:
		if !orig.Hold() {
			return
		}
		e.orig.Release()
		e.orig = orig
		fallthrough
	default:
		e = s.global[mac]
		e.ttvn = ttvn
		e.roam = false
		e.roamAt = time.Time{}
	}
	s.localDelLocked(mac, roam)
}

// RemoveRemote deletes orig's entry for mac. With roam set the entry is kept, marked as roaming,
// until PurgeRoaming collects it.
func (s *Store) RemoveRemote(orig *state.Originator, mac protocol.Addr, roam bool, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delGlobalLocked(orig, mac, roam, now)
}

func (s *Store) delGlobalLocked(orig *state.Originator, mac protocol.Addr, roam bool, now time.Time) {
	e, ok := s.global[mac]
	if !ok || e.orig != orig {
		return
	}
	if roam {
		e.roam = true
		e.roamAt = now
		return
	}
	delete(s.global, mac)
	e.orig.Release()
}

func (s *Store) delOrigLocked(orig *state.Originator) int {
	n := 0
	for mac, e := range s.global {
		if e.orig == orig {
			delete(s.global, mac)
			e.orig.Release()
			n++
		}
	}
	return n
}

// DelOrig removes every global entry served by orig and marks its table uninitialised.
func (s *Store) DelOrig(orig *state.Originator) int {
	s.mu.Lock()
	n := s.delOrigLocked(orig)
	s.mu.Unlock()

	orig.TT.Lock()
	orig.TT.Initialised = false
	orig.TT.Changes = nil
	orig.TT.Unlock()
	return n
}

// UpdateChanges applies a change list announced by orig for version ttvn and remembers it so
// requests for that version can be answered on orig's behalf.
func (s *Store) UpdateChanges(orig *state.Originator, changes []protocol.TTChange, ttvn uint8, now time.Time) {
	s.mu.Lock()
	for _, c := range changes {
		roam := c.Flags&protocol.TTChangeRoam != 0
		if c.Flags&protocol.TTChangeDel != 0 {
			s.delGlobalLocked(orig, c.Addr, roam, now)
		} else {
			s.addGlobalLocked(orig, c.Addr, ttvn, roam)
		}
	}
	s.mu.Unlock()

	orig.TT.Lock()
	orig.TT.TTVN = ttvn
	orig.TT.Initialised = true
	orig.TT.Changes = slices.Clone(changes)
	orig.TT.Unlock()
}

// FillTable replaces everything orig serves with a full table received for version ttvn.
func (s *Store) FillTable(orig *state.Originator, entries []protocol.TTChange, ttvn uint8) {
	s.mu.Lock()
	s.delOrigLocked(orig)
	for _, c := range entries {
		s.addGlobalLocked(orig, c.Addr, ttvn, c.Flags&protocol.TTChangeRoam != 0)
	}
	s.mu.Unlock()

	orig.TT.Lock()
	orig.TT.TTVN = ttvn
	orig.TT.Initialised = true
	orig.TT.Changes = nil
	orig.TT.Unlock()
}

// GlobalCRC recomputes the CRC of the clients served by orig, ignoring roaming entries, and
// stores it on orig.
func (s *Store) GlobalCRC(orig *state.Originator) uint16 {
	s.mu.Lock()
	var addrs []protocol.Addr
	for mac, e := range s.global {
		if e.orig == orig && !e.roam {
			addrs = append(addrs, mac)
		}
	}
	s.mu.Unlock()
	crc := CRC(addrs)

	orig.TT.Lock()
	orig.TT.CRC = crc
	orig.TT.Unlock()
	return crc
}

// GlobalEntries lists the clients served by orig, excluding roaming entries.
func (s *Store) GlobalEntries(orig *state.Originator) []protocol.TTChange {
	s.mu.Lock()
	defer s.mu.Unlock()
	var addrs []protocol.Addr
	for mac, e := range s.global {
		if e.orig == orig && !e.roam {
			addrs = append(addrs, mac)
		}
	}
	sortAddrs(addrs)
	return toChanges(addrs)
}

// PurgeRoaming drops roaming entries older than timeout.
func (s *Store) PurgeRoaming(now time.Time, timeout time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for mac, e := range s.global {
		if e.roam && now.Sub(e.roamAt) > timeout {
			delete(s.global, mac)
			e.orig.Release()
			n++
		}
	}
	return n
}

// Clients is a read-only view used by inspection.
type Clients struct {
	Local  []protocol.Addr
	Global map[protocol.Addr]protocol.Addr
}

func (s *Store) Clients() Clients {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := Clients{
		Local:  keys(s.local),
		Global: make(map[protocol.Addr]protocol.Addr, len(s.global)),
	}
	for mac, e := range s.global {
		c.Global[mac] = e.orig.Addr
	}
	return c
}

// Close drops every reference held by the global table.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for mac, e := range s.global {
		delete(s.global, mac)
		e.orig.Release()
	}
}

func keys[V any](m map[protocol.Addr]V) []protocol.Addr {
	out := make([]protocol.Addr, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sortAddrs(out)
	return out
}

func sortAddrs(addrs []protocol.Addr) {
	slices.SortFunc(addrs, func(a, b protocol.Addr) int {
		return slices.Compare(a[:], b[:])
	})
}

func toChanges(addrs []protocol.Addr) []protocol.TTChange {
	out := make([]protocol.TTChange, len(addrs))
	for i, a := range addrs {
		out[i].Addr = a
	}
	return out
}
