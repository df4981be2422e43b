// Package crdt provides the relay's reference CRDT collaborator.
//
// Doc is an update log: every update is an opaque blob identified by its
// BLAKE3 digest. Applying an update that is already known is a no-op, so
// updates may be delivered any number of times and in any order. Merge
// semantics belong to the clients; the relay only stores and forwards.
//
// The sync sub-protocol mirrors y-protocols:
//
//	step1  = 0  varUint8Array(state vector)  "send me what I am missing"
//	step2  = 1  varUint8Array(bundle)        answer to step1
//	update = 2  varUint8Array(update)        incremental change
package crdt

import (
	"errors"
	"fmt"
	"sync"

	"lukechampine.com/blake3"

	"collab-relay/internal/protocol"
)

// Sync sub-message types
const (
	MessageStep1  uint64 = 0
	MessageStep2  uint64 = 1
	MessageUpdate uint64 = 2
)

// ErrUnknownSyncMessage is returned for a sync sub-message type outside step1/step2/update
var ErrUnknownSyncMessage = errors.New("crdt: unknown sync message type")

// Digest identifies an update
type Digest [32]byte

// Observer is called after an update that changed the document has been applied
type Observer func(update []byte, origin any)

// Doc is a replicated update log
type Doc struct {
	name string

	mu        sync.Mutex
	updates   [][]byte
	index     map[Digest]struct{}
	observers []Observer
}

// NewDoc creates an empty document
func NewDoc(name string) *Doc {
	return &Doc{
		name:  name,
		index: make(map[Digest]struct{}),
	}
}

// Observe registers fn to be called on every content change
func (d *Doc) Observe(fn func(update []byte, origin any)) {
	d.mu.Lock()
	d.observers = append(d.observers, fn)
	d.mu.Unlock()
}

// ApplyUpdate adds update to the log. It reports whether the update was new.
// Observers run synchronously, after the log has been updated.
func (d *Doc) ApplyUpdate(update []byte, origin any) bool {
	key := Digest(blake3.Sum256(update))

	d.mu.Lock()
	if _, ok := d.index[key]; ok {
		d.mu.Unlock()
		return false
	}
	u := append([]byte(nil), update...)
	d.updates = append(d.updates, u)
	d.index[key] = struct{}{}
	observers := append([]Observer(nil), d.observers...)
	d.mu.Unlock()

	for _, fn := range observers {
		fn(u, origin)
	}
	return true
}

// Len returns the number of distinct updates held
func (d *Doc) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.updates)
}

// StateVector encodes the set of known update digests
func (d *Doc) StateVector() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	enc := protocol.NewEncoder()
	enc.WriteVarUint(uint64(len(d.updates)))
	for _, u := range d.updates {
		sum := blake3.Sum256(u)
		enc.WriteVarUint8Array(sum[:])
	}
	return enc.Bytes()
}

// Diff returns the updates a peer with the given state vector is missing
func (d *Doc) Diff(stateVector []byte) ([][]byte, error) {
	remote, err := decodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var missing [][]byte
	for _, u := range d.updates {
		if _, ok := remote[Digest(blake3.Sum256(u))]; !ok {
			missing = append(missing, u)
		}
	}
	return missing, nil
}

// Snapshot encodes the whole log as a bundle suitable for Restore
func (d *Doc) Snapshot() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return encodeBundle(d.updates)
}

// Restore merges a bundle produced by Snapshot or carried by step2
func (d *Doc) Restore(bundle []byte, origin any) error {
	updates, err := decodeBundle(bundle)
	if err != nil {
		return err
	}
	for _, u := range updates {
		d.ApplyUpdate(u, origin)
	}
	return nil
}

func decodeStateVector(b []byte) (map[Digest]struct{}, error) {
	dec := protocol.NewDecoder(b)
	n, err := dec.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("crdt: state vector: %w", err)
	}
	if n > uint64(len(b)) {
		return nil, fmt.Errorf("crdt: state vector length %d: %w", n, protocol.ErrUnexpectedEOF)
	}
	set := make(map[Digest]struct{}, n)
	for i := uint64(0); i < n; i++ {
		raw, err := dec.ReadVarUint8Array()
		if err != nil {
			return nil, fmt.Errorf("crdt: state vector entry %d: %w", i, err)
		}
		if len(raw) != len(Digest{}) {
			return nil, fmt.Errorf("crdt: state vector entry %d has %d bytes", i, len(raw))
		}
		set[Digest(raw)] = struct{}{}
	}
	return set, nil
}

func encodeBundle(updates [][]byte) []byte {
	enc := protocol.NewEncoder()
	enc.WriteVarUint(uint64(len(updates)))
	for _, u := range updates {
		enc.WriteVarUint8Array(u)
	}
	return enc.Bytes()
}

func decodeBundle(b []byte) ([][]byte, error) {
	if len(b) == 0 {
		return nil, nil
	}
	dec := protocol.NewDecoder(b)
	n, err := dec.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("crdt: bundle: %w", err)
	}
	if n > uint64(len(b)) {
		return nil, fmt.Errorf("crdt: bundle length %d: %w", n, protocol.ErrUnexpectedEOF)
	}
	updates := make([][]byte, 0, n)
	for i := uint64(0); i < n; i++ {
		u, err := dec.ReadVarUint8Array()
		if err != nil {
			return nil, fmt.Errorf("crdt: bundle entry %d: %w", i, err)
		}
		updates = append(updates, u)
	}
	return updates, nil
}
