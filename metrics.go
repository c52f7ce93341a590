package sandboxloop

import (
	"sync/atomic"
	"time"
)

// Stats is a snapshot of a loop's counters.
type Stats struct {
	// Ticks is the number of loop iterations.
	Ticks uint64
	// Polls is the number of calls to Backend.Poll.
	Polls uint64
	// PollTime is the total time spent in Backend.Poll.
	PollTime time.Duration
	// TimersFired is the number of timer callbacks run.
	TimersFired uint64
	// Callbacks is the number of submitted callbacks run.
	Callbacks uint64
	// Dispatched is the number of I/O callbacks run for readiness the
	// backend reported.
	Dispatched uint64
	// WatchChecks is the number of I/O callbacks run unconditionally,
	// because the backend cannot report readiness.
	WatchChecks uint64
	// Panics is the number of callbacks that panicked.
	Panics uint64
}

type loopStats struct {
	ticks       atomic.Uint64
	polls       atomic.Uint64
	pollTime    atomic.Int64
	timersFired atomic.Uint64
	callbacks   atomic.Uint64
	dispatched  atomic.Uint64
	watchChecks atomic.Uint64
	panics      atomic.Uint64
}

// Stats returns a snapshot of the loop's counters. Safe to call from any
// goroutine.
func (l *Loop) Stats() Stats {
	return Stats{
		Ticks:       l.stats.ticks.Load(),
		Polls:       l.stats.polls.Load(),
		PollTime:    time.Duration(l.stats.pollTime.Load()),
		TimersFired: l.stats.timersFired.Load(),
		Callbacks:   l.stats.callbacks.Load(),
		Dispatched:  l.stats.dispatched.Load(),
		WatchChecks: l.stats.watchChecks.Load(),
		Panics:      l.stats.panics.Load(),
	}
}
