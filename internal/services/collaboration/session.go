package collaboration

import (
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"collab-relay/internal/models"
)

// Session is one connection attached to one document. It owns the
// transport, a bounded outbound queue and the liveness supervisor.
type Session struct {
	*models.Session

	conn     Transport
	doc      *Document
	registry *Registry

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	live      liveness
}

func newSession(r *Registry, doc *Document, conn Transport, remoteAddr string) *Session {
	return &Session{
		Session:  models.NewSession(doc.name, remoteAddr),
		conn:     conn,
		doc:      doc,
		registry: r,
		send:     make(chan []byte, r.cfg.SendQueueSize),
		done:     make(chan struct{}),
	}
}

// Document returns the document this session is attached to
func (s *Session) Document() *Document {
	return s.doc
}

// Liveness returns the keepalive state
func (s *Session) Liveness() LivenessState {
	return s.live.State()
}

// Done is closed once the session has been closed
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// enqueue queues msg without blocking
func (s *Session) enqueue(msg []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.send <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close detaches the session from its document and closes the transport.
// It is safe to call any number of times from any goroutine, but never
// while holding the document lock.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.doc.detach(s) {
			s.registry.cfg.Metrics.ConnectionClosed()
			log.Printf("  Session %s left document %s (connected %s)",
				s.ID, s.DocumentName, time.Since(s.ConnectedAt).Round(time.Second))
		}
		if err := s.conn.Close(); err != nil {
			log.Printf("⚠️  Session %s: closing transport: %v", s.ID, err)
		}
	})
}

// start launches the read, write and liveness loops
func (s *Session) start() {
	s.conn.SetPongHandler(s.live.pong)

	// created here so the first tick cannot be missed by a mock clock
	ticker := s.registry.cfg.Clock.Ticker(s.registry.cfg.PingInterval)

	go s.writePump()
	go s.readPump()
	go s.supervise(ticker)
}

// readPump feeds inbound frames to the document, in arrival order
func (s *Session) readPump() {
	defer s.Close()

	for {
		msg, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.doc.HandleMessage(s, msg)
	}
}

// writePump drains the outbound queue onto the transport
func (s *Session) writePump() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			if err := s.conn.WriteMessage(msg); err != nil {
				log.Printf("⚠️  Session %s: write failed: %v", s.ID, err)
				s.Close()
				return
			}
		}
	}
}

// supervise probes the peer every interval and closes the session when a
// probe goes unanswered for a full interval
func (s *Session) supervise(ticker *clock.Ticker) {
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if !s.live.tick(s.conn.Ping) {
				s.registry.cfg.Metrics.LivenessTimeout()
				log.Printf("⚠️  Session %s missed keepalive, disconnecting", s.ID)
				s.Close()
				return
			}
		}
	}
}
