//go:build linux

package sandboxloop

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// maxFDLimit is the maximum FD value accepted for registration.
const maxFDLimit = 100000000

// epollBackend manages I/O event registration using epoll (Linux).
//
// The loop owns the callbacks; the backend only tracks what it registered
// with the kernel, so that Fork can replay it into a new epoll instance.
type epollBackend struct {
	eventBuf [256]unix.EpollEvent // Preallocated, used only by Poll
	fds      map[int]IOEvents     // registered with epfd
	notify   map[int]*inotifyWatch
	mu       sync.Mutex // Protects fds, notify and epfd replacement
	epfd     int
	wakefd   int
	closed   atomic.Bool
}

var _ Backend = (*epollBackend)(nil)

func newPlatformBackend() Backend {
	return newEpollBackend()
}

func newEpollBackend() *epollBackend {
	return &epollBackend{
		epfd:   -1,
		wakefd: -1,
		fds:    make(map[int]IOEvents),
		notify: make(map[int]*inotifyWatch),
	}
}

func (p *epollBackend) Name() string { return "epoll" }

func (p *epollBackend) Capabilities() Capabilities {
	return Capabilities{Readiness: true, Wakeup: true, ChangeWatch: true}
}

// Init creates the epoll instance and the eventfd used by Wakeup.
func (p *epollBackend) Init() error {
	if p.closed.Load() {
		return ErrBackendClosed
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return fmt.Errorf("eventfd: %w", err)
	}

	epfd, err := p.newEpoll(wakefd)
	if err != nil {
		_ = unix.Close(wakefd)
		return err
	}

	p.epfd = epfd
	p.wakefd = wakefd
	return nil
}

// newEpoll creates an epoll instance, registering wakefd and everything
// previously registered.
func (p *epollBackend) newEpoll(wakefd int) (int, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("epoll_create1: %w", err)
	}
	add := func(fd int, events uint32) error {
		ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
		}
		return nil
	}
	err = add(wakefd, unix.EPOLLIN)
	for fd, events := range p.fds {
		if err != nil {
			break
		}
		err = add(fd, eventsToEpoll(events))
	}
	for fd := range p.notify {
		if err != nil {
			break
		}
		err = add(fd, unix.EPOLLIN)
	}
	if err != nil {
		_ = unix.Close(epfd)
		return -1, err
	}
	return epfd, nil
}

// Close closes the epoll instance, the eventfd, and any change watches.
func (p *epollBackend) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	p.mu.Lock()
	watches := p.notify
	p.notify = make(map[int]*inotifyWatch)
	p.fds = make(map[int]IOEvents)
	p.mu.Unlock()

	var errs []error
	for fd := range watches {
		errs = append(errs, unix.Close(fd))
	}
	if p.epfd >= 0 {
		errs = append(errs, unix.Close(p.epfd))
	}
	if p.wakefd >= 0 {
		errs = append(errs, unix.Close(p.wakefd))
	}
	return errors.Join(errs...)
}

// Poll waits for events with epoll_wait. EINTR is reported as zero events.
func (p *epollBackend) Poll(timeoutMs int, dispatch func(fd int, events IOEvents)) (int, error) {
	if p.closed.Load() {
		return 0, ErrBackendClosed
	}

	n, err := unix.EpollWait(p.epfd, p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	var ready int
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)
		if fd == p.wakefd {
			p.drainWakeup()
			continue
		}

		p.mu.Lock()
		w := p.notify[fd]
		p.mu.Unlock()
		if w != nil {
			w.fire()
			continue
		}

		dispatch(fd, epollToEvents(p.eventBuf[i].Events))
		ready++
	}
	return ready, nil
}

// Wakeup increments the eventfd counter, making epoll_wait return.
func (p *epollBackend) Wakeup() error {
	if p.closed.Load() {
		return ErrBackendClosed
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(p.wakefd, buf[:])
	if err == unix.EAGAIN {
		// counter saturated, a wakeup is already pending
		return nil
	}
	return err
}

func (p *epollBackend) drainWakeup() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakefd, buf[:]); err != nil {
			return
		}
	}
}

// CheckFD verifies fd refers to an open file description.
func (p *epollBackend) CheckFD(fd int) error {
	if fd < 0 || fd >= maxFDLimit {
		return ErrFDOutOfRange
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
		return fmt.Errorf("sandboxloop: fd %d: %w", fd, err)
	}
	return nil
}

// InvalidateFD forgets fd. Events already returned by epoll_wait for fd are
// dropped by the loop, which no longer has a watch for it.
func (p *epollBackend) InvalidateFD(fd int) {
	p.mu.Lock()
	delete(p.fds, fd)
	p.mu.Unlock()
}

func (p *epollBackend) Register(fd int, events IOEvents) error {
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
	ev := unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return err
	}
	p.fds[fd] = events
	return nil
}

func (p *epollBackend) Modify(fd int, events IOEvents) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.fds[fd]; !ok {
		return ErrFDNotRegistered
	}
	ev := unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return err
	}
	p.fds[fd] = events
	return nil
}

func (p *epollBackend) Unregister(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.fds[fd]; !ok {
		return ErrFDNotRegistered
	}
	delete(p.fds, fd)
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.EBADF || err == unix.ENOENT {
		// closed before being unregistered, which removed it already
		return nil
	}
	return err
}

// Fork replaces the epoll instance, re-registering everything.
func (p *epollBackend) Fork() error {
	if p.closed.Load() {
		return ErrBackendClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	epfd, err := p.newEpoll(p.wakefd)
	if err != nil {
		return err
	}
	old := p.epfd
	p.epfd = epfd
	return unix.Close(old)
}

// WatchPath starts an inotify watch on path, serviced by Poll.
func (p *epollBackend) WatchPath(path string, cb func()) (ChangeWatch, error) {
	if p.closed.Load() {
		return nil, ErrBackendClosed
	}

	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("inotify_init1: %w", err)
	}
	const mask = unix.IN_ATTRIB | unix.IN_CREATE | unix.IN_DELETE | unix.IN_DELETE_SELF |
		unix.IN_MODIFY | unix.IN_MOVE_SELF | unix.IN_MOVED_FROM | unix.IN_MOVED_TO
	if _, err := unix.InotifyAddWatch(fd, path, mask); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("inotify_add_watch %s: %w", path, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	w := &inotifyWatch{backend: p, fd: fd, cb: cb}
	p.notify[fd] = w
	return w, nil
}

// InterfaceIndex resolves name via the kernel's interface table.
func (p *epollBackend) InterfaceIndex(name string) (int, bool) {
	return interfaceIndex(name)
}

// inotifyWatch is a ChangeWatch backed by an inotify instance.
type inotifyWatch struct {
	backend *epollBackend
	cb      func()
	fd      int
	once    sync.Once
}

// fire drains the queued inotify events then calls cb once for the batch.
func (w *inotifyWatch) fire() {
	var buf [4096]byte
	for {
		n, err := unix.Read(w.fd, buf[:])
		if n <= 0 || err != nil {
			break
		}
	}
	w.cb()
}

func (w *inotifyWatch) Close() (err error) {
	w.once.Do(func() {
		p := w.backend
		p.mu.Lock()
		_, ok := p.notify[w.fd]
		delete(p.notify, w.fd)
		if ok && !p.closed.Load() {
			_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, w.fd, nil)
		}
		p.mu.Unlock()
		if ok {
			// else closed with the backend
			err = unix.Close(w.fd)
		}
	})
	return err
}

// eventsToEpoll converts IOEvents to epoll event flags.
func eventsToEpoll(events IOEvents) uint32 {
	var epollEvents uint32
	if events&EventRead != 0 {
		epollEvents |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		epollEvents |= unix.EPOLLOUT
	}
	return epollEvents
}

// epollToEvents converts epoll event flags to IOEvents.
func epollToEvents(epollEvents uint32) IOEvents {
	var events IOEvents
	if epollEvents&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if epollEvents&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if epollEvents&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
