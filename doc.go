// Package sandboxloop provides an event loop (timers, submitted callbacks,
// descriptor watches and path watches) over a pluggable platform [Backend].
//
// The default backend is chosen at build time: epoll on Linux, kqueue on
// Darwin, and [SandboxBackend] everywhere else, including wasip1. The
// sandbox backend is the degenerate case. Its host offers no readiness
// multiplexer, no fork, no interface table and no change notification, so
// polling is a plain sleep on the host clock, descriptors are trusted
// optimistically, and the unsupported operations fail with
// [ErrNotSupported] rather than pretending to succeed.
//
// # Usage
//
//	loop, err := sandboxloop.New(
//		sandboxloop.WithBackend(sandboxloop.NewSandboxBackend()),
//		sandboxloop.WithLogger(sandboxloop.NewLogger(os.Stderr, logiface.LevelInformational)),
//	)
//	if err != nil {
//		return err
//	}
//	_, _ = loop.ScheduleTimer(50*time.Millisecond, func() {
//		_ = loop.Close()
//	})
//	return loop.Run(ctx)
//
// # Capabilities
//
// A loop never assumes more than its backend reports via [Capabilities].
// Without Readiness, every registered watch is invoked after each poll,
// and the callback must discover readiness itself. Without Wakeup, work
// submitted from other goroutines is noticed within the poll interval
// (see [WithPollInterval]), not immediately.
//
// # Thread Safety
//
// Callbacks always run on the goroutine that called [Loop.Run]. Submit,
// ScheduleTimer, CancelTimer, the FD registration methods, Shutdown and
// Close are safe to call from any goroutine. [Loop.Fork] must not race
// with a poll: call it from a callback, or before Run.
package sandboxloop
