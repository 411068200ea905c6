package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"MBackend/module/backend/queue"
	"MBackend/module/backend/store"
	"MBackend/module/backend/subscription"
	"MBackend/service/push"
)

type fakeBatch struct {
	batches [][]string
	invalid map[string]bool
	err     error
	onSend  func()
}

func (g *fakeBatch) SendBatch(_ context.Context, tokens []string, _ push.Message) ([]push.Result, error) {
	g.batches = append(g.batches, tokens)
	if g.onSend != nil {
		g.onSend()
	}
	if g.err != nil {
		return nil, g.err
	}
	out := make([]push.Result, len(tokens))
	for i, tok := range tokens {
		if g.invalid[tok] {
			out[i] = push.Result{Token: tok, Status: push.StatusInvalidToken}
		} else {
			out[i] = push.Result{Token: tok, OK: true}
		}
	}
	return out, nil
}

type fixture struct {
	worker   *Worker
	queue    *queue.MemQueue
	cleanupQ *queue.MemQueue
	gateway  *fakeBatch
	log      *ProcessedLog
	store    *store.MemStore
}

func newFixture() *fixture {
	es := store.NewMemStore()
	q := queue.NewMemQueue(30 * time.Minute)
	cq := queue.NewMemQueue(30 * time.Minute)
	gw := &fakeBatch{invalid: map[string]bool{}}
	log := NewProcessedLog(es, store.NewMemCache(), 2*time.Hour)
	w := NewWorker(1, q, gw, cq, log, Options{})
	// tests never actually wait
	w.sleep = func(context.Context, time.Duration) bool { return true }
	return &fixture{worker: w, queue: q, cleanupQ: cq, gateway: gw, log: log, store: es}
}

func (fx *fixture) enqueue(t *testing.T, task NotificationTask) string {
	t.Helper()
	payload, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	name, err := fx.queue.Enqueue(context.Background(), payload)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return name
}

// one full worker pass: lease, process, delete
func (fx *fixture) pass(t *testing.T) bool {
	t.Helper()
	ctx := context.Background()
	tasks, err := fx.queue.Lease(ctx, 100, 0)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	handled, commFailed := fx.worker.processBatch(ctx, tasks)
	fx.worker.deleteWithRetry(ctx, handled)
	return commFailed
}

func TestProcessSendsAndClassifies(t *testing.T) {
	ctx := context.Background()
	fx := newFixture()
	fx.gateway.invalid["tok2"] = true
	name := fx.enqueue(t, NotificationTask{Alert: "dev:query:q1", Devices: []string{"tok1", "tok2"}})

	if commFailed := fx.pass(t); commFailed {
		t.Fatal("per-device provider errors are not communication failures")
	}

	if len(fx.gateway.batches) != 1 || len(fx.gateway.batches[0]) != 2 {
		t.Fatalf("batches %v", fx.gateway.batches)
	}
	if fx.queue.Pending() != 0 {
		t.Fatal("completed task not deleted")
	}

	// the invalid token went to device cleanup, with its platform prefix
	leased, _ := fx.cleanupQ.Lease(ctx, 10, 0)
	if len(leased) != 1 {
		t.Fatalf("cleanup queue has %d tasks", len(leased))
	}
	var dt subscription.DeviceTask
	if err := json.Unmarshal(leased[0].Payload, &dt); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if len(dt.Devices) != 1 || dt.Devices[0] != "ios_tok2" {
		t.Fatalf("cleanup devices %v", dt.Devices)
	}

	done, err := fx.log.Filter(ctx, []string{name})
	if err != nil || !done[name] {
		t.Fatalf("task not marked processed: %v / %v", done, err)
	}
}

func TestReleasedTaskIsNotResentButDeleted(t *testing.T) {
	fx := newFixture()
	now := time.Now()
	fx.queue.SetNow(func() time.Time { return now })
	fx.enqueue(t, NotificationTask{Alert: "a", Devices: []string{"tok1"}})

	fx.pass(t)
	if len(fx.gateway.batches) != 1 {
		t.Fatalf("first pass sent %d batches", len(fx.gateway.batches))
	}

	// simulate a crash before delete: force the lease to lapse
	fx.enqueue(t, NotificationTask{Alert: "a", Devices: []string{"tok1"}})
	leased, _ := fx.queue.Lease(context.Background(), 100, 0)
	_ = leased
	now = now.Add(time.Hour)

	fx.pass(t)
	if len(fx.gateway.batches) != 2 {
		t.Fatalf("re-leased second task not sent once: %d batches", len(fx.gateway.batches))
	}
	if fx.queue.Pending() != 0 {
		t.Fatal("re-leased tasks not deleted")
	}

	// third pass: everything already processed, nothing new to send
	now = now.Add(time.Hour)
	fx.pass(t)
	if len(fx.gateway.batches) != 2 {
		t.Fatal("processed task was resent")
	}
}

func TestMalformedPayloadDropped(t *testing.T) {
	fx := newFixture()
	if _, err := fx.queue.Enqueue(context.Background(), []byte("not json")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if commFailed := fx.pass(t); commFailed {
		t.Fatal("malformed payload reported as a communication failure")
	}
	if len(fx.gateway.batches) != 0 {
		t.Fatal("malformed payload was sent")
	}
	if fx.queue.Pending() != 0 {
		t.Fatal("malformed task not deleted")
	}
}

func TestCommunicationFailureMarksAndCoolsDown(t *testing.T) {
	ctx := context.Background()
	fx := newFixture()
	fx.gateway.err = errors.New("provider unreachable")
	name := fx.enqueue(t, NotificationTask{Alert: "a", Devices: []string{"tok1"}})

	if commFailed := fx.pass(t); !commFailed {
		t.Fatal("communication failure not reported")
	}
	// marked even though nothing was delivered, so a re-lease never
	// resends a possibly partially delivered batch
	done, err := fx.log.Filter(ctx, []string{name})
	if err != nil || !done[name] {
		t.Fatalf("failed task not marked processed: %v / %v", done, err)
	}
	if fx.queue.Pending() != 0 {
		t.Fatal("failed task not deleted")
	}
}

func TestShutdownMidBatchKeepsUnsentTasks(t *testing.T) {
	fx := newFixture()
	ctx, cancel := context.WithCancel(context.Background())
	// shutdown lands right after the first send
	fx.gateway.onSend = cancel
	fx.enqueue(t, NotificationTask{Alert: "a", Devices: []string{"tok1"}})
	fx.enqueue(t, NotificationTask{Alert: "b", Devices: []string{"tok2"}})

	tasks, err := fx.queue.Lease(ctx, 100, 0)
	if err != nil || len(tasks) != 2 {
		t.Fatalf("leased %d tasks (%v)", len(tasks), err)
	}
	handled, _ := fx.worker.processBatch(ctx, tasks)
	fx.worker.deleteWithRetry(ctx, handled)

	if len(fx.gateway.batches) != 1 {
		t.Fatalf("sent %d batches after mid-batch shutdown", len(fx.gateway.batches))
	}
	if len(handled) != 1 || handled[0].Name != tasks[0].Name {
		t.Fatalf("handled %d tasks", len(handled))
	}
	// the unsent task keeps its lease and redelivers later
	if fx.queue.Pending() != 1 {
		t.Fatalf("%d tasks pending, want the unsent one to survive", fx.queue.Pending())
	}
}

type flakyStore struct {
	store.EntityStore
	failures int
}

func (s *flakyStore) GetMulti(ctx context.Context, kind string, ids []string) (map[string]store.Document, error) {
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("store unavailable")
	}
	return s.EntityStore.GetMulti(ctx, kind, ids)
}

func TestDedupLookupErrorRetriesBeforeSending(t *testing.T) {
	ctx := context.Background()
	es := store.NewMemStore()
	cache := store.NewMemCache()
	flaky := &flakyStore{EntityStore: es}
	log := NewProcessedLog(flaky, cache, 2*time.Hour)
	q := queue.NewMemQueue(30 * time.Minute)
	gw := &fakeBatch{invalid: map[string]bool{}}
	w := NewWorker(1, q, gw, queue.NewMemQueue(30*time.Minute), log, Options{})
	w.sleep = func(context.Context, time.Duration) bool { return true }

	payload, _ := json.Marshal(NotificationTask{Alert: "a", Devices: []string{"tok1"}})
	name, err := q.Enqueue(ctx, payload)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// already in the durable log, but invisible to the cache and to the
	// first store lookup
	if err := log.Mark(ctx, name); err != nil {
		t.Fatalf("mark: %v", err)
	}
	cache.Delete(ctx, "processedTask:"+name)
	flaky.failures = 1

	tasks, err := q.Lease(ctx, 100, 0)
	if err != nil || len(tasks) != 1 {
		t.Fatalf("leased %d tasks (%v)", len(tasks), err)
	}
	handled, _ := w.processBatch(ctx, tasks)
	w.deleteWithRetry(ctx, handled)

	if len(gw.batches) != 0 {
		t.Fatal("processed task was resent after a dedup lookup error")
	}
	if q.Pending() != 0 {
		t.Fatal("deduped task not deleted")
	}
}

func TestDedupLookupAbortsOnShutdown(t *testing.T) {
	fx := newFixture()
	fx.worker.sleep = func(context.Context, time.Duration) bool { return false }
	flaky := &flakyStore{EntityStore: fx.store, failures: 1}
	fx.worker.log = NewProcessedLog(flaky, store.NewMemCache(), 2*time.Hour)
	fx.enqueue(t, NotificationTask{Alert: "a", Devices: []string{"tok1"}})

	tasks, err := fx.queue.Lease(context.Background(), 100, 0)
	if err != nil || len(tasks) != 1 {
		t.Fatalf("leased %d tasks (%v)", len(tasks), err)
	}
	handled, commFailed := fx.worker.processBatch(context.Background(), tasks)
	if len(handled) != 0 || commFailed {
		t.Fatalf("handled=%d commFailed=%v, want nothing done", len(handled), commFailed)
	}
	if len(fx.gateway.batches) != 0 {
		t.Fatal("sent without a dedup check")
	}
}

func TestDedupSurvivesCacheEviction(t *testing.T) {
	ctx := context.Background()
	es := store.NewMemStore()
	cache := store.NewMemCache()
	log := NewProcessedLog(es, cache, 2*time.Hour)

	if err := log.Mark(ctx, "task-1"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	cache.Delete(ctx, "processedTask:task-1")

	done, err := log.Filter(ctx, []string{"task-1", "task-2"})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if !done["task-1"] {
		t.Fatal("durable log did not back the evicted cache entry")
	}
	if done["task-2"] {
		t.Fatal("unseen task reported processed")
	}
}

func TestRunStopsOnShutdown(t *testing.T) {
	fx := newFixture()
	fx.worker.opts.IdleSleep = time.Millisecond
	fx.worker.opts.LeaseWait = time.Millisecond
	fx.worker.sleep = sleepCtx

	ctx, cancel := context.WithCancel(context.Background())
	doneCh := make(chan struct{})
	go func() {
		fx.worker.Run(ctx)
		close(doneCh)
	}()

	fx.enqueue(t, NotificationTask{Alert: "a", Devices: []string{"tok1"}})
	deadline := time.After(5 * time.Second)
	for fx.queue.Pending() != 0 {
		select {
		case <-deadline:
			t.Fatal("worker never drained the queue")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-doneCh:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop on shutdown")
	}
}
