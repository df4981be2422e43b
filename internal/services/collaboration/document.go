package collaboration

import (
	"log"
	"sort"
	"sync"

	"collab-relay/internal/awareness"
	"collab-relay/internal/protocol"
)

// Document is one shared document: its CRDT replica, the sessions attached
// to it and its awareness table. All state transitions happen under mu.
//
// Sessions whose send fails while mu is held are collected in dropped and
// closed by unlock, after the lock is released, since closing re-enters the
// document through detach.
type Document struct {
	name     string
	replica  Replica
	registry *Registry

	mu sync.Mutex
	// conns maps each attached session to the client ids it controls
	conns       map[*Session]map[uint64]struct{}
	controllers map[uint64]*Session
	awareness   *awareness.Table
	dropped     []*Session

	// rev counts content changes; eviction compares it across the write
	rev      uint64
	evicting bool
	closed   bool
}

// DocumentInfo is a point-in-time summary of a resident document
type DocumentInfo struct {
	Name        string            `json:"name"`
	Connections int               `json:"connections"`
	Clients     int               `json:"clients"`
	Awareness   []awareness.Entry `json:"awareness,omitempty"`
	Revision    uint64            `json:"revision"`
}

func newDocument(r *Registry, name string) *Document {
	d := &Document{
		name:        name,
		replica:     r.cfg.NewReplica(name),
		registry:    r,
		conns:       make(map[*Session]map[uint64]struct{}),
		controllers: make(map[uint64]*Session),
		awareness:   awareness.NewTable(),
	}
	d.replica.Observe(d.onContentChange)
	return d
}

// Info summarizes the document
func (d *Document) Info() DocumentInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DocumentInfo{
		Name:        d.name,
		Connections: len(d.conns),
		Clients:     d.awareness.Len(),
		Awareness:   d.awareness.Snapshot(),
		Revision:    d.rev,
	}
}

// Awareness returns the live awareness entries ordered by client id
func (d *Document) Awareness() []awareness.Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.awareness.Snapshot()
}

// Connections returns the number of attached sessions
func (d *Document) Connections() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *Document) unlock() {
	dropped := d.dropped
	d.dropped = nil
	d.mu.Unlock()

	for _, s := range dropped {
		s.Close()
	}
}

// sendLocked queues msg on s; a failed send schedules s for disconnection
func (d *Document) sendLocked(s *Session, msg []byte) {
	if err := s.enqueue(msg); err != nil {
		if err == ErrQueueFull {
			log.Printf("⚠️  Session %s send buffer full, closing connection", s.ID)
		}
		d.dropped = append(d.dropped, s)
	}
}

func (d *Document) broadcastLocked(msg []byte) {
	for s := range d.conns {
		d.sendLocked(s, msg)
	}
}

// onContentChange is the replica's observer and the only path by which
// content reaches connections. It runs with mu held.
func (d *Document) onContentChange(update []byte, _ any) {
	d.rev++
	d.broadcastLocked(protocol.EncodeFrame(protocol.MessageSync, d.replica.WriteUpdate(update)))
}

// attach adds s and queues the initial handshake: sync step 1, then the
// awareness snapshot when any client is present.
func (d *Document) attach(s *Session) error {
	d.mu.Lock()
	defer d.unlock()

	if d.closed {
		return ErrDocumentClosed
	}
	d.conns[s] = make(map[uint64]struct{})

	d.sendLocked(s, protocol.EncodeFrame(protocol.MessageSync, d.replica.WriteSyncStep1()))
	if d.awareness.Len() > 0 {
		d.sendLocked(s, protocol.EncodeFrame(protocol.MessageAwareness, awareness.Encode(d.awareness.Snapshot())))
	}
	return nil
}

// detach removes s, tombstones the client ids it controls and reports
// whether s was attached. Only the first call for a session does anything.
func (d *Document) detach(s *Session) bool {
	d.mu.Lock()
	defer d.unlock()

	controlled, ok := d.conns[s]
	if !ok {
		return false
	}
	delete(d.conns, s)

	ids := make([]uint64, 0, len(controlled))
	for id := range controlled {
		if d.controllers[id] == s {
			delete(d.controllers, id)
			ids = append(ids, id)
		}
	}
	if len(ids) > 0 {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		tombstones := d.awareness.Tombstone(ids)
		d.broadcastLocked(protocol.EncodeFrame(protocol.MessageAwareness, awareness.Encode(tombstones)))
	}

	if len(d.conns) == 0 {
		d.registry.documentIdle(d)
	}
	return true
}

// HandleMessage dispatches one inbound frame from s. Malformed frames are
// logged and dropped; unknown message types are ignored.
func (d *Document) HandleMessage(s *Session, msg []byte) {
	typ, payload, err := protocol.DecodeFrame(msg)
	if err != nil {
		log.Printf("⚠️  Session %s sent malformed frame: %v", s.ID, err)
		return
	}
	d.registry.cfg.Metrics.MessageReceived(typ.String())

	switch typ {
	case protocol.MessageSync:
		d.handleSync(s, payload)
	case protocol.MessageAwareness:
		d.handleAwareness(s, payload)
	}
}

func (d *Document) handleSync(s *Session, payload []byte) {
	d.mu.Lock()
	defer d.unlock()

	if _, ok := d.conns[s]; !ok {
		return
	}
	reply, err := d.replica.ReadSyncMessage(payload, s)
	if err != nil {
		log.Printf("⚠️  Document %s: sync message from session %s rejected: %v", d.name, s.ID, err)
		return
	}
	if len(reply) > 0 {
		d.sendLocked(s, protocol.EncodeFrame(protocol.MessageSync, reply))
	}
}

func (d *Document) handleAwareness(s *Session, payload []byte) {
	entries, err := awareness.Decode(payload)
	if err != nil {
		log.Printf("⚠️  Document %s: awareness update from session %s rejected: %v", d.name, s.ID, err)
		return
	}

	d.mu.Lock()
	defer d.unlock()

	controlled, ok := d.conns[s]
	if !ok {
		return
	}
	accepted := d.awareness.Merge(entries)
	d.registry.cfg.Metrics.AwarenessRejected(len(entries) - len(accepted))
	if len(accepted) == 0 {
		return
	}

	for _, e := range accepted {
		if _, owned := d.controllers[e.ClientID]; !owned {
			d.controllers[e.ClientID] = s
			controlled[e.ClientID] = struct{}{}
		}
	}
	d.broadcastLocked(protocol.EncodeFrame(protocol.MessageAwareness, awareness.Encode(accepted)))
}

// drain closes the document to new sessions and returns the attached ones
func (d *Document) drain() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	out := make([]*Session, 0, len(d.conns))
	for s := range d.conns {
		out = append(out, s)
	}
	return out
}

// snapshot returns the replica state and the revision it corresponds to
func (d *Document) snapshot() ([]byte, uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.replica.Snapshot(), d.rev
}

// evictionSnapshot is snapshot for the evictor. It fails, and ends the
// eviction, when a session attached in the meantime.
func (d *Document) evictionSnapshot() ([]byte, uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.conns) > 0 {
		d.evicting = false
		return nil, 0, false
	}
	return d.replica.Snapshot(), d.rev, true
}

type retireResult int

const (
	retired retireResult = iota
	retireReattached
	retireStale
)

// retire closes the document if nothing changed since revision rev was written
func (d *Document) retire(rev uint64) retireResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case len(d.conns) > 0:
		d.evicting = false
		return retireReattached
	case d.rev != rev:
		return retireStale
	default:
		d.closed = true
		d.evicting = false
		return retired
	}
}

// abandonEviction leaves the document resident after eviction gave up
func (d *Document) abandonEviction() {
	d.mu.Lock()
	d.evicting = false
	d.mu.Unlock()
}
