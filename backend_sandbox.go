package sandboxloop

import (
	"math"
	"time"
)

// SandboxBackend is the [Backend] for hosts that have no readiness
// multiplexer, no fork, no interface table and no change notification,
// e.g. wasip1.
//
// Its platform state is empty. Poll degrades to a blocking sleep on the
// host clock, which is why it reports Capabilities.Readiness as false: the
// loop must re-check every registered watch after each poll, since no
// descriptor is ever signalled. Operations that cannot be provided fail
// with [ErrNotSupported]; operations that cannot do their real job but can
// safely succeed (descriptor validation, invalidation, interface lookup)
// do so without error.
type SandboxBackend struct{}

var _ Backend = (*SandboxBackend)(nil)

// NewSandboxBackend returns a new [SandboxBackend].
func NewSandboxBackend() *SandboxBackend {
	return &SandboxBackend{}
}

// Name implements [Backend].
func (*SandboxBackend) Name() string { return "sandbox" }

// Capabilities implements [Backend]. Nothing can be observed.
func (*SandboxBackend) Capabilities() Capabilities { return Capabilities{} }

// Init implements [Backend]. There is no kernel resource to acquire, so it
// always succeeds.
func (*SandboxBackend) Init() error { return nil }

// Close implements [Backend]. It has no observable effect.
func (*SandboxBackend) Close() error { return nil }

// Poll implements [Backend] by sleeping for timeoutMs, in full, then
// returning that nothing is ready. It does not return early for any
// reason, including work submitted from another goroutine.
func (*SandboxBackend) Poll(timeoutMs int, _ func(fd int, events IOEvents)) (int, error) {
	sleepMillis(timeoutMs)
	return 0, nil
}

// Wakeup implements [Backend]. A sleeping Poll cannot be interrupted.
func (*SandboxBackend) Wakeup() error { return ErrNotSupported }

// CheckFD implements [Backend]. Every fd, including negative values, is
// assumed to be valid: the I/O performed on it will surface any real
// failure.
func (*SandboxBackend) CheckFD(int) error { return nil }

// InvalidateFD implements [Backend]. There is no per-descriptor state.
func (*SandboxBackend) InvalidateFD(int) {}

// Register implements [Backend]. The loop keeps the watch list; there is
// nothing to register with.
func (*SandboxBackend) Register(int, IOEvents) error { return nil }

// Modify implements [Backend].
func (*SandboxBackend) Modify(int, IOEvents) error { return nil }

// Unregister implements [Backend].
func (*SandboxBackend) Unregister(int) error { return nil }

// Fork implements [Backend]. Process duplication does not exist.
func (*SandboxBackend) Fork() error { return ErrNotSupported }

// WatchPath implements [Backend]. Change notification does not exist.
func (*SandboxBackend) WatchPath(string, func()) (ChangeWatch, error) {
	return nil, ErrNotSupported
}

// InterfaceIndex implements [Backend]. There is no interface table, so
// every name is absent.
func (*SandboxBackend) InterfaceIndex(string) (int, bool) { return 0, false }

// hostSleep is the host clock facility. Replaced in tests.
var hostSleep = time.Sleep

// sleepMillis blocks for ms milliseconds. Non-positive values return
// immediately. If the host returns early, the remainder is slept again.
func sleepMillis(ms int) {
	if ms <= 0 {
		return
	}
	d := millisToDuration(ms)
	deadline := time.Now().Add(d)
	for d > 0 {
		hostSleep(d)
		d = time.Until(deadline)
	}
}

// millisToDuration splits ms into whole seconds and the nanosecond
// remainder, the form host clocks take. Values beyond the range of
// time.Duration saturate.
func millisToDuration(ms int) time.Duration {
	if int64(ms) > math.MaxInt64/int64(time.Millisecond) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ms/1000)*time.Second +
		time.Duration((ms%1000)*1000000)*time.Nanosecond
}
