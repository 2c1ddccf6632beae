package storage

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// request is one unit of queued work. fn runs with a checked-out connection.
type request struct {
	ctx        context.Context
	label      string
	fn         func(ctx context.Context, conn *sql.Conn) error
	enqueuedAt time.Time
	done       chan error
}

func (r *request) finish(err error) {
	select {
	case r.done <- err:
	default:
	}
}

// requestQueue is a bounded FIFO. Pushing onto a full queue evicts the oldest
// request, which is failed with ErrQueueDropped by the caller.
type requestQueue struct {
	mu       sync.Mutex
	items    []*request
	capacity int
	signal   chan struct{}
	closed   bool
}

func newRequestQueue(capacity int) *requestQueue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &requestQueue{
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

// push appends r and returns the request it displaced, if any.
func (q *requestQueue) push(r *request) (dropped *request, ok bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, false
	}
	if len(q.items) >= q.capacity {
		dropped = q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
	}
	q.items = append(q.items, r)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return dropped, true
}

// pop blocks until a request is available or ctx is done.
func (q *requestQueue) pop(ctx context.Context) (*request, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			r := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return r, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-q.signal:
		}
	}
}

// close rejects further pushes and returns whatever was still queued.
func (q *requestQueue) close() []*request {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	rest := q.items
	q.items = nil
	return rest
}

func (q *requestQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
