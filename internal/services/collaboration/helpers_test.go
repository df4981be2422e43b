package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"collab-relay/internal/awareness"
	"collab-relay/internal/crdt"
	"collab-relay/internal/protocol"
)

const waitFor = 2 * time.Second
const pollEvery = 5 * time.Millisecond

// fakeTransport is an in-memory Transport. Messages pushed with deliver are
// returned by ReadMessage; everything written is recorded.
type fakeTransport struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	block     chan struct{} // when non-nil, writes wait on it

	mu      sync.Mutex
	written [][]byte
	pings   int
	pingErr error
	onPong  func()
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case msg := <-f.in:
		return msg, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-f.closed:
			return io.ErrClosedPipe
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, data)
	return nil
}

func (f *fakeTransport) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeTransport) SetPongHandler(h func()) {
	f.mu.Lock()
	f.onPong = h
	f.mu.Unlock()
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) deliver(msg []byte) {
	f.in <- msg
}

func (f *fakeTransport) pong() {
	f.mu.Lock()
	h := f.onPong
	f.mu.Unlock()
	h()
}

func (f *fakeTransport) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

func (f *fakeTransport) frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// waitFrames waits until at least n frames were written and returns them
func (f *fakeTransport) waitFrames(t *testing.T, n int) [][]byte {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.frames()) >= n }, waitFor, pollEvery,
		"expected %d frames", n)
	return f.frames()
}

// memoryStore is an in-memory Persistence
type memoryStore struct {
	mu     sync.Mutex
	states map[string][]byte
	loads  atomic.Int32
	writes atomic.Int32
	fail   atomic.Bool
	// started and release, when set, make WriteState signal and wait
	started chan string
	release chan struct{}
}

func newMemoryStore() *memoryStore {
	return &memoryStore{states: make(map[string][]byte)}
}

func (m *memoryStore) LoadState(ctx context.Context, name string) ([]byte, error) {
	m.loads.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[name], nil
}

func (m *memoryStore) WriteState(ctx context.Context, name string, snapshot []byte) error {
	m.writes.Add(1)
	if m.started != nil {
		m.started <- name
		<-m.release
	}
	if m.fail.Load() {
		return errors.New("disk on fire")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[name] = append([]byte(nil), snapshot...)
	return nil
}

func (m *memoryStore) state(name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[name]
	return s, ok
}

func newTestRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()
	r := NewRegistry(cfg)
	t.Cleanup(func() { r.Shutdown(context.Background()) })
	return r
}

func attach(t *testing.T, r *Registry, name string) (*Session, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	s, err := r.Attach(context.Background(), name, tr, "127.0.0.1:0")
	require.NoError(t, err)
	return s, tr
}

func awarenessFrame(entries ...awareness.Entry) []byte {
	return protocol.EncodeFrame(protocol.MessageAwareness, awareness.Encode(entries))
}

func updateFrame(update string) []byte {
	return protocol.EncodeFrame(protocol.MessageSync, crdt.NewDoc("client").WriteUpdate([]byte(update)))
}

func step1Frame(from *crdt.Doc) []byte {
	return protocol.EncodeFrame(protocol.MessageSync, from.WriteSyncStep1())
}

func entry(id, clock uint64, state string) awareness.Entry {
	e := awareness.Entry{ClientID: id, Clock: clock}
	if state != "" {
		e.State = json.RawMessage(state)
	}
	return e
}

// syncType decodes a frame and returns its sync sub-message type and body
func syncType(t *testing.T, frame []byte) (uint64, []byte) {
	t.Helper()
	typ, payload, err := protocol.DecodeFrame(frame)
	require.NoError(t, err)
	require.Equal(t, protocol.MessageSync, typ)

	dec := protocol.NewDecoder(payload)
	sub, err := dec.ReadVarUint()
	require.NoError(t, err)
	body, err := dec.ReadVarUint8Array()
	require.NoError(t, err)
	return sub, body
}

func awarenessEntries(t *testing.T, frame []byte) []awareness.Entry {
	t.Helper()
	typ, payload, err := protocol.DecodeFrame(frame)
	require.NoError(t, err)
	require.Equal(t, protocol.MessageAwareness, typ)

	entries, err := awareness.Decode(payload)
	require.NoError(t, err)
	return entries
}
