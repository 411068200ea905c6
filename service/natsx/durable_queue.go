package natsx

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"MBackend/module/backend/queue"
)

// DurableQueue maps the durable-task-queue contract onto one JetStream
// work-queue stream: AckWait is the lease duration, an explicit Ack is the
// delete, and an expired lease redelivers — consumers must assume
// redelivery. The task name travels in the Nats-Msg-Id header, which also
// gives JetStream-level dedup of double enqueues.
type DurableQueue struct {
	c       *Client
	name    string // queue name, also the durable consumer name
	subject string
	lease   time.Duration
	maxAck  int

	mu   sync.Mutex
	pull *nats.Subscription
}

type QueueOptions struct {
	Lease         time.Duration
	MaxAckPending int
}

// NewDurableQueue declares the backing stream. The consumer is bound
// lazily: Lease attaches a pull consumer, Subscribe a push one. A
// work-queue stream permits a single consumer, so a queue is either
// leased or subscribed, never both.
func NewDurableQueue(c *Client, name string, opt QueueOptions) (*DurableQueue, error) {
	if opt.Lease == 0 {
		opt.Lease = 30 * time.Minute
	}
	if opt.MaxAckPending == 0 {
		opt.MaxAckPending = 2048
	}
	subject := "tasks." + name
	if err := c.ensureStream("TASKS-"+name, subject); err != nil {
		return nil, errors.Wrapf(err, "ensure stream for queue %s", name)
	}
	return &DurableQueue{c: c, name: name, subject: subject, lease: opt.Lease, maxAck: opt.MaxAckPending}, nil
}

func genTaskName() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func (q *DurableQueue) Enqueue(ctx context.Context, payload []byte) (string, error) {
	name := genTaskName()
	msg := nats.NewMsg(q.subject)
	msg.Header.Set(nats.MsgIdHdr, name)
	msg.Data = payload
	if _, err := q.c.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return "", errors.Wrapf(err, "enqueue %s", q.name)
	}
	return name, nil
}

func (q *DurableQueue) ensurePull() (*nats.Subscription, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pull != nil {
		return q.pull, nil
	}
	sub, err := q.c.js.PullSubscribe(q.subject, q.name,
		nats.AckWait(q.lease),
		nats.MaxAckPending(q.maxAck),
		nats.PullMaxWaiting(16),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "pull subscribe queue %s", q.name)
	}
	q.c.track(sub)
	q.pull = sub
	return sub, nil
}

func (q *DurableQueue) Lease(ctx context.Context, max int, wait time.Duration) ([]*queue.LeasedTask, error) {
	if wait <= 0 {
		wait = 500 * time.Millisecond
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pull, err := q.ensurePull()
	if err != nil {
		return nil, err
	}
	// Fetch takes a context or a timeout, never both
	msgs, err := pull.Fetch(max, nats.MaxWait(wait))
	if errors.Is(err, nats.ErrTimeout) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "lease %s", q.name)
	}
	out := make([]*queue.LeasedTask, 0, len(msgs))
	for _, m := range msgs {
		m := m
		t := queue.Task{
			Name:    m.Header.Get(nats.MsgIdHdr),
			Payload: append([]byte(nil), m.Data...),
		}
		out = append(out, queue.NewLeasedTask(t, func(ctx context.Context) error {
			return m.AckSync(nats.Context(ctx))
		}))
	}
	return out, nil
}

func (q *DurableQueue) Delete(ctx context.Context, tasks []*queue.LeasedTask) error {
	var firstErr error
	for _, t := range tasks {
		if err := queue.DeleteOne(ctx, t); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Subscribe attaches a push-style consumer: handler error nacks, so the
// queue redelivers with its retry policy.
func (q *DurableQueue) Subscribe(h queue.Handler) error {
	sub, err := q.c.js.Subscribe(q.subject, func(m *nats.Msg) {
		t := queue.Task{
			Name:    m.Header.Get(nats.MsgIdHdr),
			Payload: append([]byte(nil), m.Data...),
		}
		if err := h(context.Background(), t); err == nil {
			_ = m.Ack()
		} else {
			_ = m.Nak()
		}
	}, nats.ManualAck(), nats.AckWait(q.lease), nats.Durable(q.name+"-push"))
	if err != nil {
		return errors.Wrapf(err, "subscribe queue %s", q.name)
	}
	q.c.track(sub)
	return nil
}
