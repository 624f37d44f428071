// Package queue runs scheduled summaries: an unbounded FIFO, one supervised
// processor loop and a semaphore bounding concurrent pipelines.
package queue

import (
	"context"
	"sync"
	"time"
)

// Task is one queued summary request. Duplicates are allowed.
type Task struct {
	GroupID    int64
	LeastCount int
	Style      string
	EnqueuedAt time.Time
}

// Queue is an unbounded FIFO. Push never blocks.
type Queue struct {
	mu     sync.Mutex
	items  []Task
	signal chan struct{}
}

func NewQueue() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

func (q *Queue) Push(t Task) {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pop waits up to timeout for a task. ok is false on timeout or when ctx ends.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (Task, bool) {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		if t, ok := q.tryPop(); ok {
			return t, true
		}
		select {
		case <-ctx.Done():
			return Task{}, false
		case <-deadline:
			return Task{}, false
		case <-q.signal:
		}
	}
}

func (q *Queue) tryPop() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Task{}, false
	}
	t := q.items[0]
	q.items[0] = Task{}
	q.items = q.items[1:]
	if len(q.items) > 0 {
		// Wake the next Pop; the signal holds at most one token.
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	return t, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
