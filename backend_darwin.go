//go:build darwin

package sandboxloop

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// maxFDLimit is the maximum FD value accepted for registration.
const maxFDLimit = 100000000

// kqueueBackend manages I/O event registration using kqueue (Darwin).
//
// Wake-up uses a self-pipe, registered for EVFILT_READ. Change
// notification is not implemented.
type kqueueBackend struct {
	eventBuf [256]unix.Kevent_t // Preallocated, used only by Poll
	fds      map[int]IOEvents   // registered with kq
	mu       sync.Mutex         // Protects fds and kq replacement
	kq       int
	wakeR    int
	wakeW    int
	closed   atomic.Bool
}

var _ Backend = (*kqueueBackend)(nil)

func newPlatformBackend() Backend {
	return newKqueueBackend()
}

func newKqueueBackend() *kqueueBackend {
	return &kqueueBackend{
		kq:    -1,
		wakeR: -1,
		wakeW: -1,
		fds:   make(map[int]IOEvents),
	}
}

func (p *kqueueBackend) Name() string { return "kqueue" }

func (p *kqueueBackend) Capabilities() Capabilities {
	return Capabilities{Readiness: true, Wakeup: true}
}

// Init creates the kqueue instance and the wake-up pipe.
func (p *kqueueBackend) Init() error {
	if p.closed.Load() {
		return ErrBackendClosed
	}

	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return fmt.Errorf("pipe: %w", err)
	}
	cleanup := func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			cleanup()
			return fmt.Errorf("pipe: %w", err)
		}
	}

	kq, err := p.newKqueue(fds[0])
	if err != nil {
		cleanup()
		return err
	}

	p.kq = kq
	p.wakeR, p.wakeW = fds[0], fds[1]
	return nil
}

// newKqueue creates a kqueue instance, registering wakeR and everything
// previously registered.
func (p *kqueueBackend) newKqueue(wakeR int) (int, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return -1, fmt.Errorf("kqueue: %w", err)
	}
	unix.CloseOnExec(kq)

	changes := eventsToKevents(wakeR, EventRead, unix.EV_ADD|unix.EV_ENABLE)
	for fd, events := range p.fds {
		changes = append(changes, eventsToKevents(fd, events, unix.EV_ADD|unix.EV_ENABLE)...)
	}
	if _, err := unix.Kevent(kq, changes, nil, nil); err != nil {
		_ = unix.Close(kq)
		return -1, fmt.Errorf("kevent: %w", err)
	}
	return kq, nil
}

// Close closes the kqueue instance and the wake-up pipe.
func (p *kqueueBackend) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	p.mu.Lock()
	p.fds = make(map[int]IOEvents)
	p.mu.Unlock()

	var errs []error
	for _, fd := range [...]int{p.kq, p.wakeR, p.wakeW} {
		if fd >= 0 {
			errs = append(errs, unix.Close(fd))
		}
	}
	return errors.Join(errs...)
}

// Poll waits for events with kevent. EINTR is reported as zero events.
func (p *kqueueBackend) Poll(timeoutMs int, dispatch func(fd int, events IOEvents)) (int, error) {
	if p.closed.Load() {
		return 0, ErrBackendClosed
	}

	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeoutMs / 1000),
			Nsec: int64((timeoutMs % 1000) * 1000000),
		}
	}

	n, err := unix.Kevent(p.kq, nil, p.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	var ready int
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Ident)
		if fd == p.wakeR {
			p.drainWakeup()
			continue
		}
		dispatch(fd, keventToEvents(&p.eventBuf[i]))
		ready++
	}
	return ready, nil
}

// Wakeup writes a byte to the self-pipe.
func (p *kqueueBackend) Wakeup() error {
	if p.closed.Load() {
		return ErrBackendClosed
	}
	_, err := unix.Write(p.wakeW, []byte{1})
	if err == unix.EAGAIN {
		// pipe full, a wakeup is already pending
		return nil
	}
	return err
}

func (p *kqueueBackend) drainWakeup() {
	var buf [64]byte
	for {
		if n, err := unix.Read(p.wakeR, buf[:]); n <= 0 || err != nil {
			return
		}
	}
}

// CheckFD verifies fd refers to an open file description.
func (p *kqueueBackend) CheckFD(fd int) error {
	if fd < 0 || fd >= maxFDLimit {
		return ErrFDOutOfRange
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
		return fmt.Errorf("sandboxloop: fd %d: %w", fd, err)
	}
	return nil
}

// InvalidateFD forgets fd.
func (p *kqueueBackend) InvalidateFD(fd int) {
	p.mu.Lock()
	delete(p.fds, fd)
	p.mu.Unlock()
}

func (p *kqueueBackend) Register(fd int, events IOEvents) error {
	if p.closed.Load() {
		return ErrBackendClosed
	}
	if fd < 0 || fd >= maxFDLimit {
		return ErrFDOutOfRange
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.fds[fd]; ok {
		return ErrFDAlreadyRegistered
	}
	if changes := eventsToKevents(fd, events, unix.EV_ADD|unix.EV_ENABLE); len(changes) > 0 {
		if _, err := unix.Kevent(p.kq, changes, nil, nil); err != nil {
			return err
		}
	}
	p.fds[fd] = events
	return nil
}

func (p *kqueueBackend) Modify(fd int, events IOEvents) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	old, ok := p.fds[fd]
	if !ok {
		return ErrFDNotRegistered
	}
	if changes := eventsToKevents(fd, old&^events, unix.EV_DELETE); len(changes) > 0 {
		_, _ = unix.Kevent(p.kq, changes, nil, nil) // Ignore errors on delete
	}
	if changes := eventsToKevents(fd, events&^old, unix.EV_ADD|unix.EV_ENABLE); len(changes) > 0 {
		if _, err := unix.Kevent(p.kq, changes, nil, nil); err != nil {
			return err
		}
	}
	p.fds[fd] = events
	return nil
}

func (p *kqueueBackend) Unregister(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	events, ok := p.fds[fd]
	if !ok {
		return ErrFDNotRegistered
	}
	delete(p.fds, fd)
	if changes := eventsToKevents(fd, events, unix.EV_DELETE); len(changes) > 0 {
		_, _ = unix.Kevent(p.kq, changes, nil, nil) // Ignore errors on delete
	}
	return nil
}

// Fork replaces the kqueue instance, which is not inherited by a child
// process, re-registering everything.
func (p *kqueueBackend) Fork() error {
	if p.closed.Load() {
		return ErrBackendClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	kq, err := p.newKqueue(p.wakeR)
	if err != nil {
		return err
	}
	old := p.kq
	p.kq = kq
	return unix.Close(old)
}

// WatchPath is not implemented for kqueue.
func (p *kqueueBackend) WatchPath(string, func()) (ChangeWatch, error) {
	return nil, ErrNotSupported
}

// InterfaceIndex resolves name via the host's interface table.
func (p *kqueueBackend) InterfaceIndex(name string) (int, bool) {
	return interfaceIndex(name)
}

// eventsToKevents converts IOEvents to kqueue kevent structures.
func eventsToKevents(fd int, events IOEvents, flags uint16) []unix.Kevent_t {
	var kevents []unix.Kevent_t
	if events&EventRead != 0 {
		kevents = append(kevents, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_READ,
			Flags:  flags,
		})
	}
	if events&EventWrite != 0 {
		kevents = append(kevents, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: unix.EVFILT_WRITE,
			Flags:  flags,
		})
	}
	return kevents
}

// keventToEvents converts kqueue event to IOEvents.
func keventToEvents(kev *unix.Kevent_t) IOEvents {
	var events IOEvents
	switch kev.Filter {
	case unix.EVFILT_READ:
		events |= EventRead
	case unix.EVFILT_WRITE:
		events |= EventWrite
	}
	if kev.Flags&unix.EV_ERROR != 0 {
		events |= EventError
	}
	if kev.Flags&unix.EV_EOF != 0 {
		events |= EventHangup
	}
	return events
}
