package relay

import "sync"

// inbox is an unbounded FIFO of work for the dispatcher goroutine. Pushing
// never blocks, so channel readers keep draining the host while the
// dispatcher is busy writing to it.
type inbox struct {
	mu     sync.Mutex
	items  []func()
	signal chan struct{}
}

func newInbox() *inbox {
	return &inbox{signal: make(chan struct{}, 1)}
}

func (q *inbox) push(fn func()) {
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *inbox) take() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
