package bus

import (
	"context"
	"sync"

	"tradecore/pkg/exception"

	"github.com/yanun0323/errors"
)

var ErrQueueFull = errors.New("bus: queue full")

// Queue is a bounded, mutex-guarded FIFO owned by one subscriber.
// Low priority events make room by evicting the oldest low priority entry;
// critical events are never evicted and make the producer wait instead.
type Queue struct {
	mu       sync.Mutex
	items    []Event
	capacity int
	closed   bool

	notEmpty chan struct{}
	notFull  chan struct{}
	done     chan struct{}
}

// NewQueue allocates a queue with the given capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		items:    make([]Event, 0, capacity),
		capacity: capacity,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Push enqueues e. dropped is true when a queued low priority event was
// evicted to make room. A low priority event that finds the queue full of
// critical events is refused with ErrQueueFull.
func (q *Queue) Push(ctx context.Context, e Event) (dropped bool, err error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return false, exception.ErrBusClosed
		}
		if len(q.items) < q.capacity {
			q.items = append(q.items, e)
			q.mu.Unlock()
			signal(q.notEmpty)
			return dropped, nil
		}
		if !e.Critical {
			idx := q.oldestLowPriority()
			if idx < 0 {
				q.mu.Unlock()
				return false, ErrQueueFull
			}
			q.items = append(q.items[:idx], q.items[idx+1:]...)
			q.items = append(q.items, e)
			q.mu.Unlock()
			signal(q.notEmpty)
			return true, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notFull:
		case <-q.done:
			return false, exception.ErrBusClosed
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// Pop waits for the next event.
func (q *Queue) Pop(ctx context.Context) (Event, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			e := q.items[0]
			q.items[0] = Event{}
			q.items = q.items[1:]
			q.mu.Unlock()
			signal(q.notFull)
			return e, nil
		}
		if q.closed {
			q.mu.Unlock()
			return Event{}, exception.ErrBusClosed
		}
		q.mu.Unlock()

		select {
		case <-q.notEmpty:
		case <-q.done:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops the queue from accepting new events. Queued events can still
// be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

func (q *Queue) oldestLowPriority() int {
	for i := range q.items {
		if !q.items[i].Critical {
			return i
		}
	}
	return -1
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
