package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process Queue ordered by NotBefore. Tasks are lost on restart,
// the maintenance sweep recovers the affected deliveries.
type MemoryQueue struct {
	mu        sync.Mutex
	items     taskHeap
	seq       uint64
	inFlight  map[string]Task
	notify    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	now       func() time.Time
}

// MemoryOption customises a MemoryQueue.
type MemoryOption func(*MemoryQueue)

// WithClock overrides the clock used to decide when tasks are due.
func WithClock(now func() time.Time) MemoryOption {
	return func(q *MemoryQueue) {
		if now != nil {
			q.now = now
		}
	}
}

// NewMemoryQueue constructs an empty in-memory queue.
func NewMemoryQueue(opts ...MemoryOption) *MemoryQueue {
	q := &MemoryQueue{
		inFlight: make(map[string]Task),
		notify:   make(chan struct{}, 1),
		closed:   make(chan struct{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue schedules the task.
func (q *MemoryQueue) Enqueue(ctx context.Context, task Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Attempt <= 0 {
		task.Attempt = 1
	}

	q.mu.Lock()
	select {
	case <-q.closed:
		q.mu.Unlock()
		return ErrClosed
	default:
	}
	q.seq++
	heap.Push(&q.items, &heapItem{task: task, seq: q.seq})
	q.mu.Unlock()

	q.signal()
	return nil
}

// Dequeue returns the earliest due task.
func (q *MemoryQueue) Dequeue(ctx context.Context) (Task, error) {
	for {
		q.mu.Lock()
		select {
		case <-q.closed:
			q.mu.Unlock()
			return Task{}, ErrClosed
		default:
		}

		wait := time.Duration(-1)
		if len(q.items) > 0 {
			head := q.items[0]
			now := q.now()
			if !head.task.NotBefore.After(now) {
				item := heap.Pop(&q.items).(*heapItem)
				item.task.ref = item.task.ID
				q.inFlight[item.task.ref] = item.task
				remaining := len(q.items)
				q.mu.Unlock()
				if remaining > 0 {
					q.signal()
				}
				return item.task, nil
			}
			wait = head.task.NotBefore.Sub(now)
		}
		q.mu.Unlock()

		var timer *time.Timer
		var due <-chan time.Time
		if wait >= 0 {
			timer = time.NewTimer(wait)
			due = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return Task{}, ctx.Err()
		case <-q.closed:
			stopTimer(timer)
			return Task{}, ErrClosed
		case <-q.notify:
		case <-due:
		}
		stopTimer(timer)
	}
}

// Ack forgets an in-flight task.
func (q *MemoryQueue) Ack(_ context.Context, task Task) error {
	if task.ref == "" {
		return errors.New("queue: task was not dequeued")
	}
	q.mu.Lock()
	delete(q.inFlight, task.ref)
	q.mu.Unlock()
	return nil
}

// Retry acknowledges the task and schedules another attempt.
func (q *MemoryQueue) Retry(ctx context.Context, task Task, delay time.Duration) error {
	if err := q.Ack(ctx, task); err != nil {
		return err
	}
	return q.Enqueue(ctx, nextAttempt(task, q.now(), delay))
}

// Len reports the number of scheduled tasks that have not been handed out.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// InFlight reports tasks handed out but not yet acknowledged.
func (q *MemoryQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

// Close wakes blocked consumers and rejects further work.
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	return nil
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

type heapItem struct {
	task Task
	seq  uint64
}

type taskHeap []*heapItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.NotBefore.Equal(h[j].task.NotBefore) {
		return h[i].seq < h[j].seq
	}
	return h[i].task.NotBefore.Before(h[j].task.NotBefore)
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*heapItem)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
