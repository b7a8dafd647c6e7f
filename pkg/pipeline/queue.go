package pipeline

import (
	"sync"

	"github.com/KarelPeeters/wtf/pkg/trace"
)

// eventQueue is the unbounded FIFO between the producer and collector
// workers: multi-writer-safe but used single-writer in practice. A plain
// mutex+condvar rather than a channel, since a bounded or unbuffered
// channel would make the producer's send block on the collector — the
// producer must never block on anything but its own kernel/proc waits.
type eventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []trace.Event
	closed bool
}

func newEventQueue() *eventQueue {
	q := &eventQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *eventQueue) push(ev trace.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, ev)
	q.cond.Signal()
}

// close marks the queue as done accepting new items. Any pending drain
// wakes up and returns whatever was queued; subsequent drains return
// ok=false once the queue is empty.
func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// drain blocks until at least one item is queued or the queue is closed,
// then returns every item currently queued in FIFO order.
func (q *eventQueue) drain() ([]trace.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	items := q.items
	q.items = nil
	return items, true
}
