package collaboration

import (
	"sync/atomic"
)

// LivenessState is a connection's keepalive state
type LivenessState int32

const (
	// Alive: the last probe was answered (or none was sent yet)
	Alive LivenessState = iota
	// AwaitingPong: a probe is outstanding
	AwaitingPong
	// Dead: a probe went unanswered for a full interval
	Dead
)

func (s LivenessState) String() string {
	switch s {
	case Alive:
		return "alive"
	case AwaitingPong:
		return "awaiting_pong"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// liveness is the per-connection probe state machine:
//
//	ALIVE --probe--> AWAITING_PONG --pong--> ALIVE
//	AWAITING_PONG --next tick without pong--> DEAD
type liveness struct {
	state atomic.Int32
}

func (l *liveness) State() LivenessState {
	return LivenessState(l.state.Load())
}

// tick runs one probe cycle. It returns false once the peer is dead,
// either because the previous probe went unanswered or ping failed.
func (l *liveness) tick(ping func() error) bool {
	if !l.state.CompareAndSwap(int32(Alive), int32(AwaitingPong)) {
		l.state.Store(int32(Dead))
		return false
	}
	if err := ping(); err != nil {
		l.state.Store(int32(Dead))
		return false
	}
	return true
}

// pong resets an outstanding probe. A dead connection stays dead.
func (l *liveness) pong() {
	l.state.CompareAndSwap(int32(AwaitingPong), int32(Alive))
}
