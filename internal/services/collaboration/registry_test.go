package collaboration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collab-relay/internal/crdt"
)

func resident(r *Registry, name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

func TestGetOrCreateConcurrentReturnsSameDocument(t *testing.T) {
	store := newMemoryStore()
	r := newTestRegistry(t, Config{Persistence: store})

	const callers = 32
	docs := make([]*Document, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := r.GetOrCreate(context.Background(), "room")
			assert.NoError(t, err)
			docs[i] = d
		}(i)
	}
	wg.Wait()

	require.NotNil(t, docs[0])
	for _, d := range docs {
		assert.Same(t, docs[0], d)
	}
	assert.Equal(t, int32(1), store.loads.Load())
	assert.Len(t, r.Documents(), 1)
}

func TestDocumentsListing(t *testing.T) {
	r := newTestRegistry(t, Config{})

	_, b := attach(t, r, "beta")
	attach(t, r, "alpha")
	b.deliver(awarenessFrame(entry(1, 1, `{}`)))
	b.waitFrames(t, 2)

	docs := r.Documents()
	require.Len(t, docs, 2)
	assert.Equal(t, "alpha", docs[0].Name)
	assert.Equal(t, "beta", docs[1].Name)
	for _, d := range docs {
		assert.Equal(t, 1, d.Connections)
		assert.Nil(t, d.Awareness)
	}
	assert.False(t, r.Persistent())
}

func TestDocumentsStayResidentWithoutPersistence(t *testing.T) {
	r := newTestRegistry(t, Config{})

	s, a := attach(t, r, "room")
	a.deliver(updateFrame("keep me"))
	a.waitFrames(t, 2)
	s.Close()

	assert.Never(t, func() bool { return !resident(r, "room") }, 50*time.Millisecond, pollEvery)

	// a later connection sees the content
	_, b := attach(t, r, "room")
	b.deliver(step1Frame(crdt.NewDoc("empty")))
	frames := b.waitFrames(t, 2)
	_, body := syncType(t, frames[1])
	replica := crdt.NewDoc("replica")
	require.NoError(t, replica.Restore(body, nil))
	assert.Equal(t, 1, replica.Len())
}

func TestEvictionPersistsAndRebinds(t *testing.T) {
	store := newMemoryStore()
	r := newTestRegistry(t, Config{Persistence: store})
	assert.True(t, r.Persistent())

	s, a := attach(t, r, "room")
	a.deliver(updateFrame("hello"))
	a.waitFrames(t, 2)
	s.Close()

	require.Eventually(t, func() bool {
		_, stored := store.state("room")
		return stored && !resident(r, "room")
	}, waitFor, pollEvery)

	_, b := attach(t, r, "room")
	assert.Equal(t, int32(2), store.loads.Load())

	b.deliver(step1Frame(crdt.NewDoc("empty")))
	frames := b.waitFrames(t, 2)
	sub, body := syncType(t, frames[1])
	require.Equal(t, crdt.MessageStep2, sub)

	replica := crdt.NewDoc("replica")
	require.NoError(t, replica.Restore(body, nil))
	assert.Equal(t, 1, replica.Len())
}

func TestEvictionWriteFailureKeepsDocumentResident(t *testing.T) {
	store := newMemoryStore()
	store.fail.Store(true)
	r := newTestRegistry(t, Config{Persistence: store, EvictRetryInterval: 5 * time.Millisecond})

	s, a := attach(t, r, "room")
	a.deliver(updateFrame("precious"))
	a.waitFrames(t, 2)
	s.Close()

	require.Eventually(t, func() bool { return store.writes.Load() >= 2 }, waitFor, pollEvery)
	assert.True(t, resident(r, "room"))
	_, stored := store.state("room")
	assert.False(t, stored)

	store.fail.Store(false)
	require.Eventually(t, func() bool {
		_, stored := store.state("room")
		return stored && !resident(r, "room")
	}, waitFor, pollEvery)
}

func TestReattachDuringEvictionKeepsDocument(t *testing.T) {
	store := newMemoryStore()
	store.started = make(chan string, 8)
	store.release = make(chan struct{})
	r := newTestRegistry(t, Config{Persistence: store})

	s, a := attach(t, r, "room")
	doc := s.Document()
	a.deliver(updateFrame("hello"))
	a.waitFrames(t, 2)
	s.Close()

	select {
	case <-store.started:
	case <-time.After(waitFor):
		t.Fatal("eviction write never started")
	}

	sb, _ := attach(t, r, "room")
	assert.Same(t, doc, sb.Document())
	close(store.release)

	assert.Never(t, func() bool { return !resident(r, "room") }, 100*time.Millisecond, pollEvery)
	d, ok := r.Lookup("room")
	require.True(t, ok)
	assert.Same(t, doc, d)
	assert.Equal(t, 1, d.Connections())
}

type brokenStore struct{}

func (brokenStore) LoadState(ctx context.Context, name string) ([]byte, error) {
	return nil, errors.New("connection refused")
}

func (brokenStore) WriteState(ctx context.Context, name string, snapshot []byte) error {
	return nil
}

func TestAttachFailsWhenBindFails(t *testing.T) {
	r := newTestRegistry(t, Config{Persistence: brokenStore{}})

	tr := newFakeTransport()
	_, err := r.Attach(context.Background(), "room", tr, "127.0.0.1:0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bind document room")
	assert.False(t, resident(r, "room"))
}

func TestShutdownFlushesAndClosesSessions(t *testing.T) {
	store := newMemoryStore()
	r := NewRegistry(Config{Persistence: store})

	s, a := attach(t, r, "room")
	a.deliver(updateFrame("hello"))
	a.waitFrames(t, 2)

	require.NoError(t, r.Shutdown(context.Background()))

	select {
	case <-s.Done():
	default:
		t.Fatal("session still open after shutdown")
	}
	assert.True(t, a.isClosed())

	snapshot, ok := store.state("room")
	require.True(t, ok)
	replica := crdt.NewDoc("replica")
	require.NoError(t, replica.Restore(snapshot, nil))
	assert.Equal(t, 1, replica.Len())

	_, err := r.Attach(context.Background(), "room", newFakeTransport(), "127.0.0.1:0")
	assert.ErrorIs(t, err, ErrRegistryClosed)
	assert.Empty(t, r.Documents())
}

func TestShutdownReportsFlushFailures(t *testing.T) {
	store := newMemoryStore()
	r := NewRegistry(Config{Persistence: store})

	attach(t, r, "one")
	attach(t, r, "two")
	store.fail.Store(true)

	err := r.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flush document one")
	assert.Contains(t, err.Error(), "flush document two")
}

// storedUpdates counts the updates in the stored snapshot, -1 if it is corrupt
func storedUpdates(store *memoryStore, name string) int {
	snapshot, ok := store.state(name)
	if !ok {
		return 0
	}
	replica := crdt.NewDoc("replica")
	if err := replica.Restore(snapshot, nil); err != nil {
		return -1
	}
	return replica.Len()
}

func TestEditDuringEvictionWriteIsRewritten(t *testing.T) {
	store := newMemoryStore()
	store.started = make(chan string, 8)
	store.release = make(chan struct{})
	r := newTestRegistry(t, Config{Persistence: store, EvictRetryInterval: 5 * time.Millisecond})

	sa, a := attach(t, r, "room")
	a.deliver(updateFrame("one"))
	a.waitFrames(t, 2)
	sa.Close()

	select {
	case <-store.started:
	case <-time.After(waitFor):
		t.Fatal("eviction write never started")
	}

	// a second client edits and leaves while the first write is in flight
	sb, b := attach(t, r, "room")
	b.deliver(updateFrame("two"))
	b.waitFrames(t, 2)
	sb.Close()
	close(store.release)

	require.Eventually(t, func() bool {
		return storedUpdates(store, "room") == 2 && !resident(r, "room")
	}, waitFor, pollEvery)
	assert.GreaterOrEqual(t, store.writes.Load(), int32(2))
}

func TestEvictionGivesUpAndStaysResident(t *testing.T) {
	store := newMemoryStore()
	store.fail.Store(true)
	r := newTestRegistry(t, Config{
		Persistence:        store,
		EvictRetryInterval: 5 * time.Millisecond,
		EvictRetryMax:      30 * time.Millisecond,
	})

	s, a := attach(t, r, "room")
	doc := s.Document()
	a.deliver(updateFrame("precious"))
	a.waitFrames(t, 2)
	s.Close()

	require.Eventually(t, func() bool {
		doc.mu.Lock()
		defer doc.mu.Unlock()
		return store.writes.Load() >= 2 && !doc.evicting
	}, waitFor, pollEvery)
	assert.True(t, resident(r, "room"))
	assert.Equal(t, 0, storedUpdates(store, "room"))

	// the next time the document goes idle it is evicted again
	store.fail.Store(false)
	s2, _ := attach(t, r, "room")
	assert.Same(t, doc, s2.Document())
	s2.Close()

	require.Eventually(t, func() bool {
		return storedUpdates(store, "room") == 1 && !resident(r, "room")
	}, waitFor, pollEvery)
}

func TestAttachToDrainedDocumentFails(t *testing.T) {
	r := NewRegistry(Config{})

	d, err := r.GetOrCreate(context.Background(), "room")
	require.NoError(t, err)
	require.NoError(t, r.Shutdown(context.Background()))

	// an attach that looked the document up before shutdown drained it
	tr := newFakeTransport()
	assert.ErrorIs(t, d.attach(newSession(r, d, tr, "127.0.0.1:0")), ErrDocumentClosed)
	assert.Equal(t, 0, d.Connections())

	_, err = r.Attach(context.Background(), "room", tr, "127.0.0.1:0")
	assert.ErrorIs(t, err, ErrRegistryClosed)
}
