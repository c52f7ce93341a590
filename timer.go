package sandboxloop

import (
	"container/heap"
	"time"
)

// TimerID identifies a timer scheduled via Loop.ScheduleTimer.
type TimerID uint64

// timer represents a scheduled callback.
type timer struct {
	when  time.Time
	fn    func()
	id    TimerID
	seq   uint64 // insertion order, breaks ties between equal deadlines
	index int    // position in the heap, maintained by timerHeap
}

// timerHeap is a min-heap of timers, ordered by deadline then insertion.
type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// timerSet is the heap plus an index for cancellation. Not safe for
// concurrent use; guarded by Loop.mu.
type timerSet struct {
	heap   timerHeap
	byID   map[TimerID]*timer
	seq    uint64
	nextID TimerID
}

func newTimerSet() *timerSet {
	return &timerSet{byID: make(map[TimerID]*timer)}
}

func (s *timerSet) add(when time.Time, fn func()) TimerID {
	s.nextID++
	s.seq++
	t := &timer{when: when, fn: fn, id: s.nextID, seq: s.seq}
	heap.Push(&s.heap, t)
	s.byID[t.id] = t
	return t.id
}

func (s *timerSet) cancel(id TimerID) bool {
	t, ok := s.byID[id]
	if !ok {
		return false
	}
	delete(s.byID, id)
	heap.Remove(&s.heap, t.index)
	return true
}

// next returns the earliest deadline.
func (s *timerSet) next() (time.Time, bool) {
	if len(s.heap) == 0 {
		return time.Time{}, false
	}
	return s.heap[0].when, true
}

// lastSeq returns the insertion sequence of the newest timer.
func (s *timerSet) lastSeq() uint64 { return s.seq }

// popExpired removes and returns the earliest timer, if due at now and
// inserted no later than maxSeq. The bound stops a callback that
// reschedules itself with no delay from firing again in the same pass.
func (s *timerSet) popExpired(now time.Time, maxSeq uint64) (*timer, bool) {
	if len(s.heap) == 0 || s.heap[0].when.After(now) || s.heap[0].seq > maxSeq {
		return nil, false
	}
	t := heap.Pop(&s.heap).(*timer)
	delete(s.byID, t.id)
	return t, true
}

func (s *timerSet) len() int { return len(s.heap) }
