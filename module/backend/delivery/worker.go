package delivery

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"MBackend/logger"
	"MBackend/module/backend/queue"
	"MBackend/module/backend/subscription"
	"MBackend/service/push"
)

const (
	backoffBase = 2 * time.Second
	backoffCap  = 64 * time.Second
	// cooldown sleeps are taken in short slices so shutdown stays
	// responsive
	cooldownSlice = 10 * time.Second
)

// Options tunes one worker. Zero fields fall back to the reference
// defaults.
type Options struct {
	LeaseBatch int
	LeaseWait  time.Duration
	IdleSleep  time.Duration
	Cooldown   time.Duration
}

func (o *Options) fill() {
	if o.LeaseBatch <= 0 {
		o.LeaseBatch = 100
	}
	if o.LeaseWait <= 0 {
		o.LeaseWait = 5 * time.Second
	}
	if o.IdleSleep <= 0 {
		o.IdleSleep = 2500 * time.Millisecond
	}
	if o.Cooldown <= 0 {
		o.Cooldown = 5 * time.Minute
	}
}

// Worker is one delivery loop. Run several concurrently; coordination
// happens entirely through queue leases and the processed log.
type Worker struct {
	id      int
	queue   queue.Queue
	gateway push.BatchGateway
	cleanup queue.Queue
	log     *ProcessedLog
	opts    Options

	sleep func(ctx context.Context, d time.Duration) bool
}

func NewWorker(id int, q queue.Queue, gw push.BatchGateway, cleanupQueue queue.Queue, log *ProcessedLog, opts Options) *Worker {
	opts.fill()
	return &Worker{
		id:      id,
		queue:   q,
		gateway: gw,
		cleanup: cleanupQueue,
		log:     log,
		opts:    opts,
		sleep:   sleepCtx,
	}
}

// Run loops until ctx is cancelled. It never returns an error: everything
// recoverable is retried or dropped per policy.
func (w *Worker) Run(ctx context.Context) {
	logger.Infof("delivery worker %d started", w.id)
	for ctx.Err() == nil {
		tasks := w.lease(ctx)
		if ctx.Err() != nil {
			break
		}
		if len(tasks) == 0 {
			w.sleep(ctx, w.opts.IdleSleep)
			continue
		}
		handled, commFailed := w.processBatch(ctx, tasks)
		w.deleteWithRetry(ctx, handled)
		if commFailed {
			logger.Warnf("worker %d cooling down %s after communication errors", w.id, w.opts.Cooldown)
			w.cooldown(ctx)
		}
	}
	logger.Infof("delivery worker %d stopped", w.id)
}

// lease claims the next batch, backing off on transient errors until
// shutdown.
func (w *Worker) lease(ctx context.Context) []*queue.LeasedTask {
	for attempt := 0; ctx.Err() == nil; attempt++ {
		tasks, err := w.queue.Lease(ctx, w.opts.LeaseBatch, w.opts.LeaseWait)
		if err == nil {
			return tasks
		}
		logger.Warnf("worker %d lease: %v", w.id, err)
		if !w.sleep(ctx, backoff(attempt)) {
			break
		}
	}
	return nil
}

// processBatch works through the leased tasks and returns the ones that
// reached the processed mark (or were already marked) plus whether any
// failed at the communication layer. Tasks left behind by an early
// shutdown are not returned; their lease lapses and they redeliver.
func (w *Worker) processBatch(ctx context.Context, tasks []*queue.LeasedTask) ([]*queue.LeasedTask, bool) {
	names := make([]string, len(tasks))
	for i, t := range tasks {
		names[i] = t.Name
	}
	// a task already in the durable log must never be resent, so the
	// lookup is retried rather than assumed empty
	done, err := w.log.Filter(ctx, names)
	for attempt := 0; err != nil; attempt++ {
		logger.Errorf("worker %d dedup lookup: %v", w.id, err)
		if !w.sleep(ctx, backoff(attempt)) {
			return nil, false
		}
		done, err = w.log.Filter(ctx, names)
	}

	var handled []*queue.LeasedTask
	commFailed := false
	for _, t := range tasks {
		if ctx.Err() != nil {
			break
		}
		if done[t.Name] {
			logger.Infof("worker %d skipping processed task %s", w.id, t.Name)
			handled = append(handled, t)
			continue
		}
		if w.processOne(ctx, t) {
			commFailed = true
		}
		handled = append(handled, t)
	}
	return handled, commFailed
}

// processOne transmits one task and marks it processed whatever the
// outcome. Returns true on a communication-layer failure.
func (w *Worker) processOne(ctx context.Context, t *queue.LeasedTask) bool {
	var nt NotificationTask
	if err := json.Unmarshal(t.Payload, &nt); err != nil {
		// a malformed payload indicates a bug; retrying cannot fix it
		logger.Errorf("worker %d dropping malformed task %s: %v", w.id, t.Name, err)
		return false
	}

	results, sendErr := w.gateway.SendBatch(ctx, nt.Devices, push.Message{Alert: nt.Alert})
	commFailed := sendErr != nil
	if sendErr != nil {
		logger.Errorf("worker %d send task %s: %v", w.id, t.Name, sendErr)
	}
	for _, r := range results {
		if r.Status == push.StatusInvalidToken {
			w.enqueueCleanup(ctx, r.Token)
		} else if !r.OK {
			logger.Warnf("worker %d device %s rejected: %v", w.id, r.Token, r.Err)
		}
	}

	// mark even after a failed send so a re-leased copy is not resent
	if err := w.log.Mark(ctx, t.Name); err != nil {
		logger.Errorf("worker %d mark task %s: %v", w.id, t.Name, err)
	}
	return commFailed
}

func (w *Worker) enqueueCleanup(ctx context.Context, token string) {
	payload, err := json.Marshal(subscription.DeviceTask{Devices: []string{subscription.IOSRegID(token)}})
	if err != nil {
		return
	}
	if _, err := w.cleanup.Enqueue(ctx, payload); err != nil {
		logger.Errorf("worker %d enqueue cleanup for %s: %v", w.id, token, err)
	}
}

// deleteWithRetry removes the handled tasks, retrying with backoff until
// it succeeds or shutdown begins. Deduped skips are deleted too so they
// stop re-leasing.
func (w *Worker) deleteWithRetry(ctx context.Context, tasks []*queue.LeasedTask) {
	if len(tasks) == 0 {
		return
	}
	for attempt := 0; ; attempt++ {
		err := w.queue.Delete(ctx, tasks)
		if err == nil {
			return
		}
		logger.Warnf("worker %d delete batch: %v", w.id, err)
		if !w.sleep(ctx, backoff(attempt)) {
			return
		}
	}
}

func (w *Worker) cooldown(ctx context.Context) {
	deadline := time.Now().Add(w.opts.Cooldown)
	for time.Now().Before(deadline) {
		if !w.sleep(ctx, cooldownSlice) {
			return
		}
	}
}

func backoff(attempt int) time.Duration {
	d := backoffBase << uint(attempt)
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	return d + time.Duration(rand.Intn(1000))*time.Millisecond
}

// sleepCtx waits d, returning false when ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
