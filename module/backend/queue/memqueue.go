package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemQueue is a single-process Queue with real lease semantics: a leased
// task becomes invisible until its lease expires, then is eligible again.
// It backs tests and local runs, same role as the in-memory twins the
// durable stores keep.
type MemQueue struct {
	mu       sync.Mutex
	lease    time.Duration
	tasks    []*memTask
	handler  Handler
	attempts int // delivery attempts for push-style consumption
	now      func() time.Time
}

type memTask struct {
	task     Task
	leasedTo time.Time
	deleted  bool
}

func NewMemQueue(lease time.Duration) *MemQueue {
	return &MemQueue{lease: lease, attempts: 3, now: time.Now}
}

// SetNow replaces the clock; tests use it to expire leases.
func (q *MemQueue) SetNow(now func() time.Time) { q.now = now }

func (q *MemQueue) Enqueue(ctx context.Context, payload []byte) (string, error) {
	name := uuid.NewString()
	t := Task{Name: name, Payload: append([]byte(nil), payload...)}

	q.mu.Lock()
	h := q.handler
	if h == nil {
		q.tasks = append(q.tasks, &memTask{task: t})
	}
	q.mu.Unlock()

	// Push-style: deliver inline with bounded retry, mirroring the queue
	// dispatcher's redelivery.
	if h != nil {
		var err error
		for i := 0; i < q.attempts; i++ {
			if err = h(ctx, t); err == nil {
				break
			}
		}
		return name, err
	}
	return name, nil
}

func (q *MemQueue) Lease(ctx context.Context, max int, wait time.Duration) ([]*LeasedTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var out []*LeasedTask
	for _, mt := range q.tasks {
		if mt.deleted || now.Before(mt.leasedTo) {
			continue
		}
		mt.leasedTo = now.Add(q.lease)
		mt := mt
		out = append(out, NewLeasedTask(mt.task, func(ctx context.Context) error {
			q.mu.Lock()
			mt.deleted = true
			q.mu.Unlock()
			return nil
		}))
		if len(out) >= max {
			break
		}
	}
	return out, nil
}

func (q *MemQueue) Delete(ctx context.Context, tasks []*LeasedTask) error {
	for _, t := range tasks {
		if err := t.delete(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (q *MemQueue) Subscribe(h Handler) error {
	q.mu.Lock()
	q.handler = h
	q.mu.Unlock()
	return nil
}

// Pending reports tasks not yet deleted (leased or not).
func (q *MemQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, mt := range q.tasks {
		if !mt.deleted {
			n++
		}
	}
	return n
}
