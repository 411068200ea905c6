package queue

import (
	"context"
	"time"
)

// Task is one durable delivery unit. Name is unique and assigned by the
// queue at enqueue time.
type Task struct {
	Name    string
	Payload []byte
}

// LeasedTask is a Task claimed for exclusive processing until its lease
// expires. A crashed worker never acks, so the same task name can be leased
// again later; downstream processing must be idempotent.
type LeasedTask struct {
	Task
	ack func(ctx context.Context) error
}

// NewLeasedTask is used by Queue implementations.
func NewLeasedTask(t Task, ack func(ctx context.Context) error) *LeasedTask {
	return &LeasedTask{Task: t, ack: ack}
}

func (t *LeasedTask) delete(ctx context.Context) error {
	if t.ack == nil {
		return nil
	}
	return t.ack(ctx)
}

// DeleteOne acks a single leased task; Queue implementations outside this
// package use it to build batched Delete.
func DeleteOne(ctx context.Context, t *LeasedTask) error {
	return t.delete(ctx)
}

// Handler consumes push-style tasks. A non-nil error asks the queue to
// redeliver.
type Handler func(ctx context.Context, t Task) error

// Queue is the durable task queue boundary: push-style enqueue with an
// attached handler, or pull-style lease/delete. Redelivery after lease
// expiry must be assumed by all consumers.
type Queue interface {
	// Enqueue adds a task and returns its queue-assigned name.
	Enqueue(ctx context.Context, payload []byte) (string, error)

	// Lease claims up to max tasks for the configured lease duration,
	// waiting up to wait for the first one.
	Lease(ctx context.Context, max int, wait time.Duration) ([]*LeasedTask, error)

	// Delete permanently removes leased tasks.
	Delete(ctx context.Context, tasks []*LeasedTask) error

	// Subscribe attaches a push-style consumer.
	Subscribe(h Handler) error
}
