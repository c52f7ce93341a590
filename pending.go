package sandboxloop

import (
	"sync"

	"github.com/eapache/queue"
)

// pendingQueue is the FIFO of callbacks submitted via Loop.Submit.
//
// Producers may be any goroutine. The loop consumes a snapshot per tick,
// so callbacks submitted by callbacks run on the following tick, and
// cannot starve timers or the poll.
type pendingQueue struct {
	mu sync.Mutex
	q  *queue.Queue
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{q: queue.New()}
}

func (p *pendingQueue) push(fn func()) {
	p.mu.Lock()
	p.q.Add(fn)
	p.mu.Unlock()
}

func (p *pendingQueue) length() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.q.Length()
}

// take appends every queued callback to buf, in submission order, and
// empties the queue.
func (p *pendingQueue) take(buf []func()) []func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.q.Length() > 0 {
		buf = append(buf, p.q.Remove().(func()))
	}
	return buf
}
