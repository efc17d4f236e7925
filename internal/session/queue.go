package session

import (
	"context"
	"errors"
	"sync"
)

// ErrSessionClosed is returned for operations submitted to a closed session.
var ErrSessionClosed = errors.New("session closed")

// Priority classes for the per-session cooperative queue. Lower value runs
// first; within a class order is FIFO.
type Priority int

const (
	PriorityInteractive Priority = iota
	PriorityLive
	PriorityBackfill
	PriorityEnrichment
	priorityCount
)

func (p Priority) String() string {
	switch p {
	case PriorityInteractive:
		return "interactive"
	case PriorityLive:
		return "live"
	case PriorityBackfill:
		return "backfill"
	case PriorityEnrichment:
		return "enrichment"
	}
	return "unknown"
}

type task struct {
	ctx  context.Context
	name string
	run  func(ctx context.Context) error
	done chan error
}

// opQueue serializes upstream calls with strict priority ordering.
type opQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queues [priorityCount][]*task
	closed bool
}

func newOpQueue() *opQueue {
	q := &opQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *opQueue) push(pri Priority, t *task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrSessionClosed
	}
	q.queues[pri] = append(q.queues[pri], t)
	q.cond.Signal()
	return nil
}

// pop blocks until a task is available or the queue is closed.
func (q *opQueue) pop() (*task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		for pri := range q.queues {
			if len(q.queues[pri]) > 0 {
				t := q.queues[pri][0]
				q.queues[pri] = q.queues[pri][1:]
				return t, true
			}
		}
		if q.closed {
			return nil, false
		}
		q.cond.Wait()
	}
}

// depths reports queued tasks per priority class.
func (q *opQueue) depths() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, priorityCount)
	for pri := range q.queues {
		out[Priority(pri).String()] = len(q.queues[pri])
	}
	return out
}

// close rejects future pushes and fails all pending tasks.
func (q *opQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	var pending []*task
	for pri := range q.queues {
		pending = append(pending, q.queues[pri]...)
		q.queues[pri] = nil
	}
	q.cond.Broadcast()
	q.mu.Unlock()

	for _, t := range pending {
		t.done <- ErrSessionClosed
	}
}
