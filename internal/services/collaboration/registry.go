package collaboration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"collab-relay/internal/middleware"
)

/*
DOCUMENT REGISTRY

Process-wide map from document name to Document.

  Attach ──► GetOrCreate ──► (first caller per name) create + bind from storage ──► publish
                     └──────► (concurrent callers) wait on the same singleflight call

  last session detaches ──► [persistence configured] evict goroutine:
      snapshot ──► WriteState ──► retire (still idle, unchanged?) ──► drop from map
      write failed ──► stays resident, retried with exponential backoff
      session reattached ──► eviction abandoned

Lock order: Registry.mu before Document.mu. evictMu is a leaf.
*/

var (
	errReattached = errors.New("document reattached during eviction")
	errStale      = errors.New("document changed during eviction write")
)

// Registry owns every resident Document
type Registry struct {
	cfg Config

	mu     sync.Mutex
	docs   map[string]*Document
	closed bool
	group  singleflight.Group

	evictMu sync.Mutex
	closing bool
	evictWG sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRegistry creates an empty registry
func NewRegistry(cfg Config) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:    cfg.withDefaults(),
		docs:   make(map[string]*Document),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Persistent reports whether a persistence adapter is configured
func (r *Registry) Persistent() bool {
	return r.cfg.Persistence != nil
}

func (r *Registry) lookup(name string) (*Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}
	return r.docs[name], nil
}

// GetOrCreate returns the resident document for name, creating and binding
// it from storage first if needed. Concurrent calls for the same name share
// one creation.
func (r *Registry) GetOrCreate(ctx context.Context, name string) (*Document, error) {
	if d, err := r.lookup(name); d != nil || err != nil {
		return d, err
	}

	v, err, _ := r.group.Do(name, func() (any, error) {
		// another call may have published it between lookup and Do
		if d, err := r.lookup(name); d != nil || err != nil {
			return d, err
		}

		d := newDocument(r, name)
		if err := r.bind(ctx, d); err != nil {
			return nil, err
		}

		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			return nil, ErrRegistryClosed
		}
		r.docs[name] = d
		r.cfg.Metrics.DocumentOpened()
		log.Printf("✓ Document %s created (resident: %d)", name, len(r.docs))
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Document), nil
}

// bind loads the stored snapshot into d before anyone can see it
func (r *Registry) bind(ctx context.Context, d *Document) error {
	if r.cfg.Persistence == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.PersistTimeout)
	defer cancel()
	ctx, span := middleware.StartSpan(ctx, "Registry.Bind", attribute.String("document.name", d.name))
	defer span.End()

	snapshot, err := r.cfg.Persistence.LoadState(ctx, d.name)
	if err == nil && len(snapshot) > 0 {
		err = d.replica.Restore(snapshot, r)
	}
	r.cfg.Metrics.PersistenceOp("bind", err)
	if err != nil {
		middleware.AddSpanError(ctx, err)
		return fmt.Errorf("bind document %s: %w", d.name, err)
	}
	span.SetAttributes(attribute.Int("snapshot.size", len(snapshot)))
	return nil
}

// Attach connects conn to the named document and starts the session.
// The initial sync step 1 and awareness snapshot are queued before any
// broadcast can reach the new session.
func (r *Registry) Attach(ctx context.Context, name string, conn Transport, remoteAddr string) (*Session, error) {
	ctx, span := middleware.StartSpan(ctx, "Relay.Attach", attribute.String("document.name", name))
	defer span.End()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		d, err := r.GetOrCreate(ctx, name)
		if err != nil {
			middleware.AddSpanError(ctx, err)
			return nil, err
		}

		s := newSession(r, d, conn, remoteAddr)
		if err := d.attach(s); err != nil {
			if errors.Is(err, ErrDocumentClosed) {
				middleware.AddSpanEvent(ctx, "document evicted, retrying")
				continue
			}
			middleware.AddSpanError(ctx, err)
			return nil, err
		}

		r.cfg.Metrics.ConnectionOpened()
		span.SetAttributes(attribute.String("session.id", s.ID))
		s.start()
		return s, nil
	}
}

// Lookup returns the resident document for name without creating it
func (r *Registry) Lookup(name string) (*Document, bool) {
	d, _ := r.lookup(name)
	return d, d != nil
}

// Documents summarizes every resident document, ordered by name
func (r *Registry) Documents() []DocumentInfo {
	r.mu.Lock()
	docs := make([]*Document, 0, len(r.docs))
	for _, d := range r.docs {
		docs = append(docs, d)
	}
	r.mu.Unlock()

	out := make([]DocumentInfo, 0, len(docs))
	for _, d := range docs {
		info := d.Info()
		info.Awareness = nil
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// documentIdle is called with d.mu held when d's last session detaches
func (r *Registry) documentIdle(d *Document) {
	if r.cfg.Persistence == nil || d.evicting {
		return
	}

	r.evictMu.Lock()
	defer r.evictMu.Unlock()
	if r.closing {
		return
	}
	d.evicting = true
	r.evictWG.Add(1)
	go r.evict(d)
}

// evict writes d to storage and drops it from the registry. A failed write
// keeps d resident and is retried; a reattach cancels the eviction.
func (r *Registry) evict(d *Document) {
	defer r.evictWG.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.EvictRetryInterval
	b.MaxElapsedTime = r.cfg.EvictRetryMax

	op := func() error {
		snapshot, rev, ok := d.evictionSnapshot()
		if !ok {
			return backoff.Permanent(errReattached)
		}

		ctx, cancel := context.WithTimeout(r.ctx, r.cfg.PersistTimeout)
		defer cancel()
		ctx, span := middleware.StartSpan(ctx, "Registry.Evict",
			attribute.String("document.name", d.name),
			attribute.Int("snapshot.size", len(snapshot)),
		)
		defer span.End()

		err := r.cfg.Persistence.WriteState(ctx, d.name, snapshot)
		r.cfg.Metrics.PersistenceOp("write", err)
		if err != nil {
			middleware.AddSpanError(ctx, err)
			return err
		}

		r.mu.Lock()
		res := d.retire(rev)
		if res == retired && r.docs[d.name] == d {
			delete(r.docs, d.name)
			r.cfg.Metrics.DocumentClosed()
		}
		r.mu.Unlock()

		switch res {
		case retireReattached:
			return backoff.Permanent(errReattached)
		case retireStale:
			return errStale
		}
		log.Printf("✓ Document %s persisted and evicted", d.name)
		return nil
	}

	notify := func(err error, next time.Duration) {
		log.Printf("⚠️  Document %s: eviction write failed, keeping resident (retry in %s): %v", d.name, next, err)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, r.ctx), notify)
	if err != nil && !errors.Is(err, errReattached) {
		d.abandonEviction()
		log.Printf("⚠️  Document %s: giving up eviction, document stays resident: %v", d.name, err)
	}
}

// Shutdown closes every session and flushes persisted documents. The
// registry cannot be used afterwards.
func (r *Registry) Shutdown(ctx context.Context) error {
	log.Println("🛑 Shutting down document registry...")

	r.evictMu.Lock()
	r.closing = true
	r.evictMu.Unlock()
	r.cancel()
	r.evictWG.Wait()

	r.mu.Lock()
	r.closed = true
	docs := make([]*Document, 0, len(r.docs))
	for _, d := range r.docs {
		docs = append(docs, d)
	}
	r.docs = make(map[string]*Document)
	r.mu.Unlock()

	for range docs {
		r.cfg.Metrics.DocumentClosed()
	}

	// a late attach to a drained document fails with ErrDocumentClosed and
	// then sees the closed registry
	for _, d := range docs {
		for _, s := range d.drain() {
			s.Close()
		}
	}

	if r.cfg.Persistence == nil {
		log.Println("✓ Document registry shutdown complete")
		return nil
	}

	var (
		errMu sync.Mutex
		errs  error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, d := range docs {
		d := d
		g.Go(func() error {
			snapshot, _ := d.snapshot()
			wctx, cancel := context.WithTimeout(gctx, r.cfg.PersistTimeout)
			defer cancel()
			err := r.cfg.Persistence.WriteState(wctx, d.name, snapshot)
			r.cfg.Metrics.PersistenceOp("write", err)
			if err != nil {
				errMu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("flush document %s: %w", d.name, err))
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	log.Printf("✓ Document registry shutdown complete (%d documents flushed)", len(docs))
	return errs
}
