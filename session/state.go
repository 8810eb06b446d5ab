package session

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-medlink/logger"
)

// State is the lifecycle state of an acquisition session.
type State uint32

// Session states.
const (
	// Connecting means the source is being dialed and no valid frame has arrived yet.
	Connecting State = iota
	// Streaming means frames are arriving and being buffered normally.
	Streaming
	// Degraded means the session is still reading, but faults or missed heartbeats crossed a threshold.
	Degraded
	// Reconnecting means the transport failed and the session is re-establishing it.
	Reconnecting
	// Closed is terminal: the session was stopped or failed permanently.
	Closed
)

// String returns string representation of the state.
func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Degraded:
		return "degraded"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// IsActive returns true while the session delivers frames (Streaming or Degraded).
func (s State) IsActive() bool { return s == Streaming || s == Degraded }

// transitions lists the allowed target states per state. Closed is reachable from everywhere
// and is handled separately.
var transitions = map[State][]State{
	Connecting:   {Streaming},
	Streaming:    {Degraded, Reconnecting},
	Degraded:     {Streaming, Reconnecting},
	Reconnecting: {Streaming},
}

func canTransition(from, to State) bool {
	if from == Closed {
		return false
	}
	if to == Closed {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}

	return false
}

// StateHandler is invoked on every state change.
//
// Note: handlers are invoked synchronously with the state lock held, in a blocking mode. They must
// not block for long, and must not call Session.Stop or change the state.
//
// cause is the error that triggered the change, or nil.
type StateHandler func(s *Session, prev State, cur State, cause error)

// stateMgr serializes state transitions of a session.
//
// The current state is readable lock-free; transitions take the mutex, validate against the
// transition table and invoke handlers before waking WaitState callers.
type stateMgr struct {
	mu       sync.Mutex
	cond     *sync.Cond
	state    atomic.Uint32
	sess     *Session
	logger   logger.Logger
	handlers []StateHandler
}

func newStateMgr(sess *Session, l logger.Logger, handlers ...StateHandler) *stateMgr {
	mgr := &stateMgr{sess: sess, logger: l}
	mgr.cond = sync.NewCond(&mgr.mu)
	mgr.state.Store(uint32(Connecting))
	mgr.handlers = append(mgr.handlers, handlers...)

	return mgr
}

// State returns the current state.
func (mgr *stateMgr) State() State {
	return State(mgr.state.Load())
}

// AddHandler adds one or more handlers to be invoked on state changes.
func (mgr *stateMgr) AddHandler(handlers ...StateHandler) {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	mgr.handlers = append(mgr.handlers, handlers...)
}

// to moves to the new state if the transition table allows it. It returns false when the
// transition was rejected, which is how concurrent fault reports get coalesced.
func (mgr *stateMgr) to(newState State, cause error) bool {
	return mgr.toFrom(nil, newState, cause)
}

// toFrom is like to, but only transitions when the current state is one of from.
func (mgr *stateMgr) toFrom(from []State, newState State, cause error) bool {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	cur := mgr.State()
	if from != nil && !containsState(from, cur) {
		return false
	}
	if !canTransition(cur, newState) {
		mgr.logger.Debug("state transition rejected", "cur_state", cur, "desired_state", newState)
		return false
	}

	mgr.state.Store(uint32(newState))
	mgr.cond.Broadcast()

	for _, h := range mgr.handlers {
		if h != nil {
			h(mgr.sess, cur, newState, cause)
		}
	}

	return true
}

// WaitState waits for the state to reach the specified state or until the context is done.
// Waiting for a non-Closed state returns ErrSessionClosed once the session is closed.
func (mgr *stateMgr) WaitState(ctx context.Context, state State) error {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		mgr.mu.Lock()
		defer mgr.mu.Unlock()
		mgr.cond.Broadcast()
	})
	defer stop()

	for {
		cur := mgr.State()
		if cur == state {
			return nil
		}
		if cur == Closed {
			return ErrSessionClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		mgr.cond.Wait()
	}
}

func containsState(states []State, s State) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}

	return false
}
