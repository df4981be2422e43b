package collaboration

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"

	"collab-relay/internal/crdt"
	"collab-relay/internal/telemetry"
)

var (
	// ErrDocumentClosed is returned when attaching to a document that was evicted
	// after it was looked up. Attach retries against a fresh document.
	ErrDocumentClosed = errors.New("collaboration: document closed")
	// ErrSessionClosed is returned when sending to a closed session
	ErrSessionClosed = errors.New("collaboration: session closed")
	// ErrQueueFull is returned when a session's outbound buffer is full
	ErrQueueFull = errors.New("collaboration: send queue full")
	// ErrRegistryClosed is returned once Shutdown has started
	ErrRegistryClosed = errors.New("collaboration: registry shut down")
)

// Transport is the bidirectional binary message channel of one connection.
// ReadMessage is only called from the session's read loop and WriteMessage
// only from its write loop; Ping and Close may be called from any goroutine.
type Transport interface {
	// ReadMessage blocks until the next inbound message. An error means the
	// channel is closed.
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Ping() error
	// SetPongHandler registers h to run whenever a pong arrives
	SetPongHandler(h func())
	Close() error
}

// Replica is a document's externally managed CRDT state together with its
// sync protocol. Every method is invoked with the owning document locked.
type Replica interface {
	// Observe registers the content-change callback. It must be invoked
	// synchronously for every mutation, whatever caused it.
	Observe(fn func(update []byte, origin any))
	// ReadSyncMessage applies an inbound sync payload and returns an optional
	// reply meant for the sender only.
	ReadSyncMessage(payload []byte, origin any) ([]byte, error)
	WriteSyncStep1() []byte
	WriteUpdate(update []byte) []byte
	// Snapshot encodes the full state; Restore merges such a snapshot.
	Snapshot() []byte
	Restore(snapshot []byte, origin any) error
}

// Persistence stores document snapshots durably
type Persistence interface {
	// LoadState returns the stored snapshot, or nil if the document was never written
	LoadState(ctx context.Context, name string) ([]byte, error)
	WriteState(ctx context.Context, name string, snapshot []byte) error
}

// Config configures a Registry. Zero values take the defaults below.
type Config struct {
	// Persistence is optional. Without it documents are never evicted.
	Persistence Persistence
	// NewReplica creates the CRDT state of a new document
	NewReplica func(name string) Replica

	PingInterval   time.Duration
	SendQueueSize  int
	PersistTimeout time.Duration
	// EvictRetryInterval is the first backoff delay after a failed eviction write
	EvictRetryInterval time.Duration
	// EvictRetryMax bounds the total time spent retrying a failed eviction
	// write. Zero retries until the document is reattached or the registry
	// shuts down.
	EvictRetryMax time.Duration

	Clock   clock.Clock
	Metrics *telemetry.Metrics
}

const (
	DefaultPingInterval   = 30 * time.Second
	DefaultSendQueueSize  = 256
	DefaultPersistTimeout = 10 * time.Second
	DefaultEvictRetry     = 500 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.NewReplica == nil {
		c.NewReplica = func(name string) Replica { return crdt.NewDoc(name) }
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = DefaultSendQueueSize
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = DefaultPersistTimeout
	}
	if c.EvictRetryInterval <= 0 {
		c.EvictRetryInterval = DefaultEvictRetry
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}
