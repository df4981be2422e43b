// Package awareness tracks ephemeral per-client presence state.
//
// Every client identity carries a logical clock. An update is accepted only
// when its clock is strictly greater than the stored one, so replicas
// converge on the highest-clock state regardless of arrival order. A nil
// state is a tombstone: it removes the client from the live set but its
// clock is kept so the value is never reused.
package awareness

import (
	"encoding/json"
	"sort"
)

// Entry is one client's awareness state at a given clock
type Entry struct {
	ClientID uint64          `json:"client_id"`
	Clock    uint64          `json:"clock"`
	State    json.RawMessage `json:"state"` // nil means tombstone
}

// IsTombstone reports whether the entry removes its client
func (e Entry) IsTombstone() bool {
	return e.State == nil
}

// Table is the per-document awareness map. It is not safe for concurrent
// use; the owning document serializes access.
type Table struct {
	states map[uint64]json.RawMessage // live entries only
	clocks map[uint64]uint64          // every client ever seen, tombstones included
}

// NewTable creates an empty table
func NewTable() *Table {
	return &Table{
		states: make(map[uint64]json.RawMessage),
		clocks: make(map[uint64]uint64),
	}
}

// Merge applies incoming entries and returns the accepted ones, in input order.
// Stale or duplicate entries (clock not greater than stored) are dropped.
func (t *Table) Merge(incoming []Entry) []Entry {
	var accepted []Entry
	for _, e := range incoming {
		if stored, ok := t.clocks[e.ClientID]; ok && e.Clock <= stored {
			continue
		}
		t.clocks[e.ClientID] = e.Clock
		if e.IsTombstone() {
			delete(t.states, e.ClientID)
		} else {
			t.states[e.ClientID] = e.State
		}
		accepted = append(accepted, e)
	}
	return accepted
}

// Tombstone removes the given clients, bumping each clock by one so the
// tombstone wins against the last state peers have seen.
func (t *Table) Tombstone(ids []uint64) []Entry {
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		clock := t.clocks[id] + 1
		t.clocks[id] = clock
		delete(t.states, id)
		out = append(out, Entry{ClientID: id, Clock: clock})
	}
	return out
}

// Len returns the number of live entries
func (t *Table) Len() int {
	return len(t.states)
}

// Snapshot returns every live entry ordered by client id
func (t *Table) Snapshot() []Entry {
	out := make([]Entry, 0, len(t.states))
	for id, state := range t.states {
		out = append(out, Entry{ClientID: id, Clock: t.clocks[id], State: state})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}
