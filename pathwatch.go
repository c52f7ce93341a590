package sandboxloop

import (
	"sync"
)

// PathWatch is a filesystem change notification, started by
// [Loop.WatchPath].
type PathWatch struct {
	loop *Loop
	cw   ChangeWatch
	path string
	err  error
	once sync.Once
}

var _ ChangeWatch = (*PathWatch)(nil)

// WatchPath calls cb, on the loop goroutine, whenever path changes.
//
// Backends without change notification return [ErrNotSupported] and a nil
// *PathWatch, which is still safe to Close.
func (l *Loop) WatchPath(path string, cb func()) (*PathWatch, error) {
	if cb == nil {
		return nil, ErrNilCallback
	}
	if l.state.Load() == StateTerminated {
		return nil, ErrLoopTerminated
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cw, err := l.backend.WatchPath(path, func() {
		l.safeExecute(logCategoryCallback, cb)
	})
	if err != nil {
		if errIsNotSupported(err) {
			l.logger.Warning().
				Limit().
				Str("category", logCategoryBackend).
				Uint64("loop", l.id).
				Str("backend", l.backend.Name()).
				Str("path", path).
				Log("change notification not supported")
		}
		return nil, err
	}

	w := &PathWatch{loop: l, cw: cw, path: path}
	l.paths[w] = struct{}{}
	return w, nil
}

// Path returns the watched path.
func (w *PathWatch) Path() string {
	if w == nil {
		return ""
	}
	return w.path
}

// Close stops the watch. It is idempotent, and a no-op for a nil
// *PathWatch, i.e. a watch that was never established.
func (w *PathWatch) Close() error {
	if w == nil {
		return nil
	}
	w.once.Do(func() {
		w.loop.mu.Lock()
		delete(w.loop.paths, w)
		w.loop.mu.Unlock()
		w.err = w.cw.Close()
	})
	return w.err
}
