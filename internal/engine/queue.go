package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DeliveryTask is one scheduled send attempt. Dispatch enqueues a task; a
// worker picks it up, calls the channel sender and reports the outcome back
// through UpdateStatus. How time passes between the two is the queue's
// business, which keeps the engine deterministic under test.
type DeliveryTask struct {
	NotificationID uuid.UUID `json:"notification_id"`
	Channel        string    `json:"channel"`
	Attempt        int       `json:"attempt"`
	EnqueuedAt     int64     `json:"enqueued_at"`
}

// Queue hands delivery tasks to the asynchronous send path.
// Implementations: MemoryQueue (single process) and sqs.Queue (distributed).
type Queue interface {
	Enqueue(ctx context.Context, task DeliveryTask) error
}

// MemoryQueue is a buffered in-process delivery queue consumed by the
// worker pool.
type MemoryQueue struct {
	tasks chan DeliveryTask
}

// NewMemoryQueue creates a queue buffering up to size tasks.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{tasks: make(chan DeliveryTask, size)}
}

// Enqueue blocks until the task is buffered or ctx is done.
func (q *MemoryQueue) Enqueue(ctx context.Context, task DeliveryTask) error {
	if task.EnqueuedAt == 0 {
		task.EnqueuedAt = time.Now().UnixNano()
	}
	select {
	case q.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Tasks exposes the consumption side for the worker pool.
func (q *MemoryQueue) Tasks() <-chan DeliveryTask {
	return q.tasks
}

// Close stops the queue; workers drain whatever is buffered and exit.
func (q *MemoryQueue) Close() {
	close(q.tasks)
}
