package sandboxloop

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

// watch is a registered descriptor.
type watch struct {
	cb     IOCallback
	fd     int
	events IOEvents
}

// Loop is an event loop: timers, pending callbacks and descriptor watches,
// multiplexed over a [Backend].
//
// Callbacks always run on the goroutine that called Run. Submit,
// ScheduleTimer, CancelTimer and the FD registration methods are safe to
// call from any goroutine.
type Loop struct {
	// Prevent copying
	_ [0]func()

	backend Backend
	logger  *logiface.Logger[logiface.Event]
	opts    *loopOptions
	pending *pendingQueue

	// mu guards timers, watches and paths.
	mu      sync.Mutex
	timers  *timerSet
	watches map[int]*watch
	paths   map[*PathWatch]struct{}

	// Loop termination signaling
	loopDone chan struct{}

	// Timing: the anchor never changes, the offset is updated each tick.
	tickAnchor  time.Time
	tickElapsed atomic.Int64

	// pollErr is set on the loop goroutine, before termination.
	pollErr error

	// Buffers reused by the loop goroutine.
	pendingBuf []func()
	watchBuf   []*watch

	stats loopStats

	state           fastState
	loopGoroutineID atomic.Uint64
	inflight        atomic.Int64
	wakePending     atomic.Bool
	ctxCancelled    atomic.Bool
	closeOnce       sync.Once
	doneOnce        sync.Once

	id   uint64
	caps Capabilities
}

var loopIDCounter atomic.Uint64

// New creates a new loop, initialising its backend.
func New(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	l := &Loop{
		id:         loopIDCounter.Add(1),
		backend:    cfg.backend,
		logger:     cfg.logger,
		opts:       cfg,
		pending:    newPendingQueue(),
		timers:     newTimerSet(),
		watches:    make(map[int]*watch),
		paths:      make(map[*PathWatch]struct{}),
		loopDone:   make(chan struct{}),
		tickAnchor: time.Now(),
	}

	if err := l.backend.Init(); err != nil {
		_ = l.backend.Close()
		return nil, fmt.Errorf("sandboxloop: %s backend init: %w", l.backend.Name(), err)
	}
	l.caps = l.backend.Capabilities()

	l.logger.Debug().
		Str("category", logCategoryBackend).
		Uint64("loop", l.id).
		Str("backend", l.backend.Name()).
		Bool("readiness", l.caps.Readiness).
		Bool("wakeup", l.caps.Wakeup).
		Log("backend initialised")

	return l, nil
}

// Run runs the event loop and blocks until fully stopped.
//
// Run returns nil after Shutdown or Close, ctx.Err() if ctx is cancelled,
// or a wrapped backend error if polling fails.
func (l *Loop) Run(ctx context.Context) error {
	if l.isLoopGoroutine() {
		return ErrReentrantRun
	}

	if !l.state.TryTransition(StateAwake, StateRunning) {
		switch l.state.Load() {
		case StateTerminating, StateTerminated:
			return ErrLoopTerminated
		}
		return ErrLoopAlreadyRunning
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.loopGoroutineID.Store(getGoroutineID())
	defer l.loopGoroutineID.Store(0)

	// Wake the loop on cancellation
	ctxDone := make(chan struct{})
	defer close(ctxDone)
	go func() {
		select {
		case <-ctx.Done():
			l.ctxCancelled.Store(true)
			l.interrupt()
		case <-ctxDone:
		}
	}()

	l.logger.Info().
		Str("category", logCategoryLoop).
		Uint64("loop", l.id).
		Str("backend", l.backend.Name()).
		Log("loop running")

	for {
		if err := ctx.Err(); err != nil {
			l.state.beginTermination()
			l.terminate()
			return err
		}
		if l.state.Load() == StateTerminating {
			l.terminate()
			return l.pollErr
		}
		l.tick()
	}
}

// Shutdown gracefully shuts down the event loop: callbacks already
// submitted are run, then the backend is closed. Unfired timers are
// discarded.
//
// Shutdown blocks until termination completes or ctx expires, unless
// called from a loop callback, in which case it returns immediately.
func (l *Loop) Shutdown(ctx context.Context) error {
	prev, ok := l.state.beginTermination()
	if !ok {
		return ErrLoopTerminated
	}
	if prev == StateAwake {
		l.terminate()
		return nil
	}
	if prev == StateSleeping {
		l.interrupt()
	}
	if l.isLoopGoroutine() {
		return nil
	}
	select {
	case <-l.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close initiates termination without waiting for it to complete.
func (l *Loop) Close() error {
	prev, ok := l.state.beginTermination()
	if !ok {
		return ErrLoopTerminated
	}
	if prev == StateAwake {
		l.terminate()
	} else if prev == StateSleeping {
		l.interrupt()
	}
	return nil
}

// Done is closed once the loop has terminated, whether or not Run was
// ever called.
func (l *Loop) Done() <-chan struct{} {
	return l.loopDone
}

// Submit queues fn to run on the loop goroutine, in submission order.
//
// Submit is accepted while the loop is terminating (so that in-flight
// work can be drained), and rejected with ErrLoopTerminated afterwards.
func (l *Loop) Submit(fn func()) error {
	if fn == nil {
		return ErrNilCallback
	}

	// Increment inflight counter FIRST, before checking state
	l.inflight.Add(1)
	defer l.inflight.Add(-1)

	if l.state.Load() == StateTerminated {
		return ErrLoopTerminated
	}

	l.pending.push(fn)
	l.wake()
	return nil
}

// ScheduleTimer runs fn once, after at least delay. Negative delays are
// treated as zero. From a loop callback, delay is relative to [Loop.Now],
// otherwise it is relative to the current time.
func (l *Loop) ScheduleTimer(delay time.Duration, fn func()) (TimerID, error) {
	if fn == nil {
		return 0, ErrNilCallback
	}
	if l.state.Load() == StateTerminated {
		return 0, ErrLoopTerminated
	}
	if delay < 0 {
		delay = 0
	}

	base := time.Now()
	if l.isLoopGoroutine() {
		base = l.Now()
	}

	l.mu.Lock()
	id := l.timers.add(base.Add(delay), fn)
	l.mu.Unlock()

	l.wake()
	return id, nil
}

// CancelTimer prevents a scheduled timer from firing.
func (l *Loop) CancelTimer(id TimerID) error {
	l.mu.Lock()
	ok := l.timers.cancel(id)
	l.mu.Unlock()
	if !ok {
		return ErrTimerNotFound
	}
	return nil
}

// RegisterFD registers a file descriptor for I/O monitoring.
//
// On backends without readiness reporting (see [Capabilities]), cb is
// invoked with events after every poll, whether or not the descriptor is
// actually ready, so it must tolerate EAGAIN-style failures.
func (l *Loop) RegisterFD(fd int, events IOEvents, cb IOCallback) error {
	if cb == nil {
		return ErrNilCallback
	}
	if l.state.Load() == StateTerminated {
		return ErrLoopTerminated
	}
	if err := l.backend.CheckFD(fd); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.watches[fd]; ok {
		return ErrFDAlreadyRegistered
	}
	if err := l.backend.Register(fd, events); err != nil {
		return err
	}
	l.watches[fd] = &watch{fd: fd, events: events, cb: cb}
	return nil
}

// ModifyFD updates the events being monitored for a file descriptor.
func (l *Loop) ModifyFD(fd int, events IOEvents) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.watches[fd]
	if !ok {
		return ErrFDNotRegistered
	}
	if err := l.backend.Modify(fd, events); err != nil {
		return err
	}
	w.events = events
	return nil
}

// UnregisterFD removes a file descriptor from monitoring. Once it returns,
// the callback will not be invoked again, for events observed by a poll
// that is already in progress included. Call it before closing fd.
func (l *Loop) UnregisterFD(fd int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.watches[fd]; !ok {
		return ErrFDNotRegistered
	}
	delete(l.watches, fd)
	err := l.backend.Unregister(fd)
	l.backend.InvalidateFD(fd)
	return err
}

// Fork rebuilds the backend's platform state, e.g. after the process was
// duplicated, re-registering every watch. It must not be called while the
// loop is blocked in a poll: call it from a loop callback, or before Run.
//
// Backends that cannot support this return [ErrNotSupported], unwrapped.
// The loop remains usable either way.
func (l *Loop) Fork() error {
	if l.state.Load() == StateTerminated {
		return ErrLoopTerminated
	}

	l.mu.Lock()
	err := l.backend.Fork()
	l.mu.Unlock()

	if err != nil {
		l.logger.Warning().
			Limit().
			Str("category", logCategoryBackend).
			Uint64("loop", l.id).
			Str("backend", l.backend.Name()).
			Err(err).
			Log("fork failed")
		return err
	}

	l.logger.Info().
		Str("category", logCategoryBackend).
		Uint64("loop", l.id).
		Str("backend", l.backend.Name()).
		Log("backend reinitialised")
	return nil
}

// InterfaceIndex resolves a network interface name to its index, via the
// backend. The bool is false if there is no such interface.
func (l *Loop) InterfaceIndex(name string) (int, bool) {
	return l.backend.InterfaceIndex(name)
}

// BackendName returns the name of the loop's backend.
func (l *Loop) BackendName() string {
	return l.backend.Name()
}

// Capabilities returns the capabilities of the loop's backend.
func (l *Loop) Capabilities() Capabilities {
	return l.caps
}

// Now returns the cached time for the current tick. It is monotonic, and
// only advances between ticks.
func (l *Loop) Now() time.Time {
	return l.tickAnchor.Add(time.Duration(l.tickElapsed.Load()))
}

// State returns the current loop state.
func (l *Loop) State() LoopState {
	return l.state.Load()
}

// Alive reports whether the loop has anything that could cause a callback
// to run: pending callbacks, timers, or watches.
func (l *Loop) Alive() bool {
	if l.pending.length() > 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.timers.len() > 0 || len(l.watches) > 0 || len(l.paths) > 0
}

// tick is a single iteration of the event loop.
func (l *Loop) tick() {
	l.stats.ticks.Add(1)
	l.tickElapsed.Store(int64(time.Since(l.tickAnchor)))

	l.runTimers()
	l.runPending()
	l.poll()
}

// runTimers executes all expired timers, earliest first.
func (l *Loop) runTimers() {
	now := l.Now()

	l.mu.Lock()
	maxSeq := l.timers.lastSeq()
	l.mu.Unlock()

	for {
		l.mu.Lock()
		t, ok := l.timers.popExpired(now, maxSeq)
		l.mu.Unlock()
		if !ok {
			return
		}
		l.stats.timersFired.Add(1)
		l.safeExecute(logCategoryTimer, t.fn)
	}
}

// runPending runs the callbacks submitted before this call.
func (l *Loop) runPending() bool {
	l.pendingBuf = l.pending.take(l.pendingBuf[:0])
	for i, fn := range l.pendingBuf {
		l.stats.callbacks.Add(1)
		l.safeExecute(logCategoryCallback, fn)
		l.pendingBuf[i] = nil
	}
	return len(l.pendingBuf) != 0
}

// poll blocks in the backend, then delivers I/O.
func (l *Loop) poll() {
	if !l.state.TryTransition(StateRunning, StateSleeping) {
		return
	}

	// computed after the transition, see wake
	timeout := l.pollTimeout()

	start := time.Now()
	n, err := l.backend.Poll(timeout, l.dispatch)
	l.stats.polls.Add(1)
	l.stats.pollTime.Add(int64(time.Since(start)))

	l.wakePending.Store(false)
	l.state.TryTransition(StateSleeping, StateRunning)

	if err != nil {
		l.logger.Err().
			Str("category", logCategoryPoll).
			Uint64("loop", l.id).
			Str("backend", l.backend.Name()).
			Err(err).
			Log("poll failed, terminating loop")
		l.pollErr = fmt.Errorf("sandboxloop: %s poll: %w", l.backend.Name(), err)
		l.state.beginTermination()
		return
	}

	if !l.caps.Readiness {
		l.checkWatches()
	}

	l.logger.Trace().
		Str("category", logCategoryPoll).
		Uint64("loop", l.id).
		Int("timeout_ms", timeout).
		Int("ready", n).
		Log("poll returned")
}

// pollTimeout determines how long to block in poll, in milliseconds.
func (l *Loop) pollTimeout() int {
	if l.pending.length() > 0 || l.ctxCancelled.Load() || l.state.Load() != StateSleeping {
		return 0
	}

	limit := l.opts.maxPollTimeout

	l.mu.Lock()
	hasWatches := len(l.watches) > 0
	next, hasTimers := l.timers.next()
	l.mu.Unlock()

	// Nothing can interrupt the backend, or it can't see readiness, so the
	// only way to notice new work is to come back and look.
	if !l.caps.Wakeup || (!l.caps.Readiness && hasWatches) {
		limit = min(limit, l.opts.pollInterval)
	}

	if hasTimers {
		limit = min(limit, time.Until(next))
	}

	return durationToTimeoutMs(limit)
}

// durationToTimeoutMs rounds d up to whole milliseconds, so that a poll
// never returns before a timer is due.
func durationToTimeoutMs(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}

// dispatch delivers events the backend observed for fd.
func (l *Loop) dispatch(fd int, events IOEvents) {
	l.mu.Lock()
	w := l.watches[fd]
	l.mu.Unlock()
	if w == nil {
		// unregistered after the backend observed it
		return
	}
	l.stats.dispatched.Add(1)
	l.safeExecute(logCategoryCallback, func() { w.cb(events) })
}

// checkWatches invokes every watch with the events it asked for. Used when
// the backend cannot report readiness.
func (l *Loop) checkWatches() {
	l.mu.Lock()
	l.watchBuf = l.watchBuf[:0]
	for _, w := range l.watches {
		l.watchBuf = append(l.watchBuf, w)
	}
	l.mu.Unlock()

	if len(l.watchBuf) == 0 {
		return
	}

	slices.SortFunc(l.watchBuf, func(a, b *watch) int {
		return cmp.Compare(a.fd, b.fd)
	})

	for i, w := range l.watchBuf {
		l.watchBuf[i] = nil

		// skip watches removed (or replaced) by an earlier callback
		l.mu.Lock()
		current := l.watches[w.fd] == w
		events := w.events
		l.mu.Unlock()
		if !current {
			continue
		}

		l.stats.watchChecks.Add(1)
		l.safeExecute(logCategoryCallback, func() { w.cb(events) })
	}
}

// wake interrupts the backend if the loop is sleeping in it.
//
// The loop transitions to StateSleeping before computing its timeout, and
// producers publish work before calling wake, so either the producer sees
// StateSleeping, or the loop sees the work.
func (l *Loop) wake() {
	if l.state.Load() != StateSleeping {
		return
	}
	l.interrupt()
}

// interrupt calls Backend.Wakeup at most once per poll.
func (l *Loop) interrupt() {
	if !l.caps.Wakeup {
		return
	}
	if !l.wakePending.CompareAndSwap(false, true) {
		return
	}
	if err := l.backend.Wakeup(); err != nil {
		l.wakePending.Store(false)
		l.logger.Warning().
			Limit().
			Str("category", logCategoryBackend).
			Uint64("loop", l.id).
			Err(err).
			Log("wakeup failed")
	}
}

// terminate drains pending callbacks, then releases everything.
func (l *Loop) terminate() {
	for l.runPending() {
	}

	// CRITICAL: Set state to Terminated before the final drain, so that no
	// new callbacks are accepted, then wait out any Submit that checked the
	// state before this point.
	l.state.Store(StateTerminated)
	for l.inflight.Load() > 0 {
		runtime.Gosched()
	}
	for l.runPending() {
	}

	l.mu.Lock()
	paths := make([]*PathWatch, 0, len(l.paths))
	for w := range l.paths {
		paths = append(paths, w)
	}
	l.mu.Unlock()
	for _, w := range paths {
		_ = w.Close()
	}

	l.closeBackend()

	l.logger.Info().
		Str("category", logCategoryLoop).
		Uint64("loop", l.id).
		Str("backend", l.backend.Name()).
		Uint64("ticks", l.stats.ticks.Load()).
		Log("loop terminated")

	// signal completion to Shutdown and Done waiters
	l.doneOnce.Do(func() { close(l.loopDone) })
}

// closeBackend calls Backend.Close exactly once.
func (l *Loop) closeBackend() {
	l.closeOnce.Do(func() {
		if err := l.backend.Close(); err != nil {
			l.logger.Err().
				Str("category", logCategoryBackend).
				Uint64("loop", l.id).
				Str("backend", l.backend.Name()).
				Err(err).
				Log("backend close failed")
		}
	})
}

// safeExecute executes a callback with panic recovery.
func (l *Loop) safeExecute(category string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.stats.panics.Add(1)
			l.logger.Err().
				Str("category", category).
				Uint64("loop", l.id).
				Err(PanicError{Value: r}).
				Log("callback panicked")
		}
	}()
	fn()
}

// isLoopGoroutine checks if we're on the loop goroutine.
func (l *Loop) isLoopGoroutine() bool {
	loopID := l.loopGoroutineID.Load()
	if loopID == 0 {
		return false
	}
	return getGoroutineID() == loopID
}

// getGoroutineID returns the current goroutine's ID.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}

// errIsNotSupported reports whether err is, or wraps, ErrNotSupported.
func errIsNotSupported(err error) bool {
	return errors.Is(err, ErrNotSupported)
}
