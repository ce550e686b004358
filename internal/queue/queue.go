package queue

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned once a queue has been shut down.
var ErrClosed = errors.New("queue: closed")

// Task identifies one batch of deliveries belonging to a campaign.
type Task struct {
	ID          string
	CampaignID  string
	Batch       int
	DeliveryIDs []string
	Attempt     int
	NotBefore   time.Time

	// ref is the driver handle used to acknowledge the task.
	ref string
}

// Queue schedules batch tasks for the dispatcher. Delivery is at-least-once:
// a task handed out by Dequeue may be seen again until it is acknowledged.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	// Dequeue blocks until a task is due, the context ends or the queue closes.
	Dequeue(ctx context.Context) (Task, error)
	Ack(ctx context.Context, task Task) error
	// Retry acknowledges the task and schedules the next attempt after delay.
	Retry(ctx context.Context, task Task, delay time.Duration) error
	Close() error
}

func nextAttempt(task Task, now time.Time, delay time.Duration) Task {
	next := task
	next.ref = ""
	next.Attempt = task.Attempt + 1
	if delay < 0 {
		delay = 0
	}
	next.NotBefore = now.Add(delay)
	return next
}
