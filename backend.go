package sandboxloop

// IOEvents represents the type of I/O events to monitor.
type IOEvents uint32

const (
	// EventRead indicates the file descriptor is ready for reading.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the file descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the file descriptor.
	EventError
	// EventHangup indicates the peer closed its end of the connection.
	EventHangup
)

// IOCallback is the callback type for I/O events.
type IOCallback func(IOEvents)

// Capabilities describes what a [Backend] can actually observe, as opposed
// to what it merely accepts.
type Capabilities struct {
	// Readiness is true if Poll reports which descriptors became ready.
	// When false, the loop invokes every registered watch after each poll,
	// and the callbacks must discover readiness themselves (e.g. by
	// attempting a non-blocking read).
	Readiness bool
	// Wakeup is true if Wakeup can interrupt a Poll that is in progress.
	Wakeup bool
	// ChangeWatch is true if WatchPath can succeed.
	ChangeWatch bool
}

// ChangeWatch is a filesystem change notification registration.
type ChangeWatch interface {
	// Close stops the watch. It is safe to call more than once.
	Close() error
}

// Backend is the platform layer beneath a [Loop].
//
// A Backend instance is the loop's platform state: it is owned by exactly
// one Loop, initialised once via Init, and released once via Close. All
// methods other than Wakeup are called from the loop goroutine, or with
// the loop's registration lock held.
//
// Implementations:
//   - Linux: epoll (see backend_linux.go)
//   - Darwin: kqueue (see backend_darwin.go)
//   - Everything else, including wasip1: [SandboxBackend]
type Backend interface {
	// Name identifies the backend in logs and diagnostics.
	Name() string

	// Capabilities reports what the backend can observe.
	Capabilities() Capabilities

	// Init acquires any kernel resources. Called once, from New.
	Init() error

	// Close releases everything Init acquired. It must be safe to call
	// even if Init was never called, and more than once.
	Close() error

	// Poll waits up to timeoutMs milliseconds, calling dispatch for each
	// descriptor the backend observed as ready, and returns how many it
	// dispatched. A timeoutMs <= 0 must not block.
	Poll(timeoutMs int, dispatch func(fd int, events IOEvents)) (int, error)

	// Wakeup interrupts an in-progress Poll, where supported. Safe to
	// call from any goroutine.
	Wakeup() error

	// CheckFD is a cheap pre-check made before the loop trusts fd. It must
	// not produce false negatives, and is a hint only.
	CheckFD(fd int) error

	// InvalidateFD discards any per-descriptor state for fd.
	InvalidateFD(fd int)

	// Register starts monitoring fd for events.
	Register(fd int, events IOEvents) error

	// Modify changes the events monitored for fd.
	Modify(fd int, events IOEvents) error

	// Unregister stops monitoring fd.
	Unregister(fd int) error

	// Fork rebuilds platform state for a duplicated process.
	Fork() error

	// WatchPath starts a filesystem change notification for path. The
	// callback runs on the loop goroutine, from within Poll.
	WatchPath(path string, cb func()) (ChangeWatch, error)

	// InterfaceIndex resolves a network interface name to its index,
	// returning false if there is no such interface.
	InterfaceIndex(name string) (int, bool)
}

// NewBackend returns the default backend for the current platform.
func NewBackend() Backend {
	return newPlatformBackend()
}

// SetupArgs returns argv unchanged.
//
// Go offers no portable way to rewrite the process title, and sandboxed
// targets have no process listing to rewrite it in, so this is the
// identity on every platform.
func SetupArgs(argv []string) []string {
	return argv
}

// String returns the event names joined by "|", e.g. "read|write".
func (e IOEvents) String() string {
	if e == 0 {
		return "none"
	}
	var b []byte
	add := func(s string) {
		if len(b) != 0 {
			b = append(b, '|')
		}
		b = append(b, s...)
	}
	if e&EventRead != 0 {
		add("read")
	}
	if e&EventWrite != 0 {
		add("write")
	}
	if e&EventError != 0 {
		add("error")
	}
	if e&EventHangup != 0 {
		add("hangup")
	}
	if rest := e &^ (EventRead | EventWrite | EventError | EventHangup); rest != 0 {
		add("unknown")
	}
	return string(b)
}
