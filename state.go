package sandboxloop

import (
	"sync/atomic"
)

// LoopState represents the current state of the event loop.
//
// State Machine:
//
//	StateAwake → StateRunning               [Run()]
//	StateRunning → StateSleeping            [poll, via CAS]
//	StateSleeping → StateRunning            [poll returned, via CAS]
//	StateRunning/StateSleeping → StateTerminating [Shutdown(), Close(), poll error]
//	StateAwake → StateTerminated            [Shutdown() or Close() before Run()]
//	StateTerminating → StateTerminated      [termination complete]
//
// Use TryTransition for the temporary states (Running, Sleeping), and
// Store only for the terminal state.
type LoopState uint32

const (
	// StateAwake indicates the loop has been created but not started.
	StateAwake LoopState = iota
	// StateRunning indicates the loop is actively processing callbacks.
	StateRunning
	// StateSleeping indicates the loop is blocked in the backend's Poll.
	StateSleeping
	// StateTerminating indicates shutdown has been requested but not completed.
	StateTerminating
	// StateTerminated indicates the loop has stopped and released its backend.
	StateTerminated
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// fastState is a lock-free state machine.
type fastState struct {
	v atomic.Uint32
}

func (s *fastState) Load() LoopState {
	return LoopState(s.v.Load())
}

func (s *fastState) Store(state LoopState) {
	s.v.Store(uint32(state))
}

// TryTransition attempts to atomically transition from one state to another.
func (s *fastState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

// beginTermination moves any non-terminal state to StateTerminating,
// returning the state it replaced. ok is false if the loop was already
// terminating or terminated.
func (s *fastState) beginTermination() (prev LoopState, ok bool) {
	for {
		prev = s.Load()
		if prev == StateTerminating || prev == StateTerminated {
			return prev, false
		}
		if s.TryTransition(prev, StateTerminating) {
			return prev, true
		}
	}
}
