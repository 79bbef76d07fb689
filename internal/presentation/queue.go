package presentation

import (
	"sync"

	"paywall-trigger-engine/internal/observability"
)

// DelayQueue holds requests that arrive before the coordinator is ready.
// It keeps accepting requests while a flush is replaying, and drains exactly
// once: after that Enqueue refuses everything.
type DelayQueue struct {
	mu       sync.Mutex
	items    []Request
	flushing bool
	drained  bool
}

// Enqueue keeps req for replay. It returns false once the queue has drained,
// in which case the caller handles req itself.
func (q *DelayQueue) Enqueue(req Request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.drained {
		return false
	}
	q.items = append(q.items, req)
	observability.DelayedRequests.Set(float64(len(q.items)))
	return true
}

// Flush replays queued requests in arrival order, one after another,
// including those enqueued while it runs. The queue is drained when Flush
// finds it empty. Only the first call has any effect.
func (q *DelayQueue) Flush(replay func(Request)) {
	q.mu.Lock()
	if q.flushing || q.drained {
		q.mu.Unlock()
		return
	}
	q.flushing = true
	q.mu.Unlock()

	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.drained = true
			q.mu.Unlock()
			observability.DelayedRequests.Set(0)
			return
		}
		req := q.items[0]
		q.items = q.items[1:]
		observability.DelayedRequests.Set(float64(len(q.items)))
		q.mu.Unlock()

		replay(req)
	}
}

func (q *DelayQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drained reports whether Flush has replayed everything.
func (q *DelayQueue) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drained
}
