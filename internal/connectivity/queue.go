package connectivity

import "sync"

// transitionQueue is a thread-safe FIFO of transitions awaiting delivery.
//
// Signal may be called from any goroutine (HTTP handlers, the probe, the
// dispatcher) while Monitor.Run dequeues. The signal channel has a buffer
// of one so that bursts of enqueues coalesce into a single wake-up, and it
// is closed by Close so a waiting Run loop observes shutdown.
type transitionQueue struct {
	mu     sync.Mutex
	items  []Transition
	closed bool
	signal chan struct{}
}

func newTransitionQueue() *transitionQueue {
	return &transitionQueue{
		items:  make([]Transition, 0, 8),
		signal: make(chan struct{}, 1),
	}
}

// push appends t. Returns false if the queue is closed.
func (q *transitionQueue) push(t Transition) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, t)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// tryPop removes the front transition without blocking.
func (q *transitionQueue) tryPop() (Transition, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Transition{}, false
	}
	t := q.items[0]
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return t, true
}

// wait returns the wake-up channel. It is closed once the queue is closed.
func (q *transitionQueue) wait() <-chan struct{} {
	return q.signal
}

func (q *transitionQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close stops further pushes and wakes the consumer.
func (q *transitionQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
