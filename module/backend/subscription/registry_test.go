package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"MBackend/module/backend/queue"
	"MBackend/module/backend/store"
)

func TestSubscriptionIDs(t *testing.T) {
	subID := ConstructSubID("reg-1", "q-1")
	if subID != "reg-1:query:q-1" {
		t.Fatalf("got %q", subID)
	}
	if got := ExtractRegID(subID); got != "reg-1" {
		t.Fatalf("ExtractRegID = %q", got)
	}
	if got := ExtractRegID("bare-id"); got != "bare-id" {
		t.Fatalf("ExtractRegID(bare) = %q", got)
	}
	if TypeOf("ios_abc") != DeviceIOS || TypeOf("abc") != DeviceAndroid {
		t.Fatal("TypeOf misclassified")
	}
	if DeviceToken("ios_abc") != "abc" || DeviceToken("abc") != "abc" {
		t.Fatal("DeviceToken misstripped")
	}
	if IOSRegID("abc") != "ios_abc" {
		t.Fatal("IOSRegID")
	}
}

func newTestRegistry() (*Registry, *store.MemStore, *queue.MemQueue) {
	es := store.NewMemStore()
	q := queue.NewMemQueue(time.Minute)
	return NewRegistry(es, store.NewMemCache(), q), es, q
}

func TestRegistryAddIdempotent(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry()

	now := time.UnixMilli(1_000_000)
	r.SetNow(func() time.Time { return now })

	if err := r.Add(ctx, "reg-1", "reg-1:query:a"); err != nil {
		t.Fatalf("add: %v", err)
	}
	now = now.Add(time.Minute)
	if err := r.Add(ctx, "reg-1", "reg-1:query:a"); err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if err := r.Add(ctx, "reg-1", "reg-1:query:b"); err != nil {
		t.Fatalf("add second: %v", err)
	}

	rec, err := r.Get(ctx, "reg-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(rec.SubIDs) != 2 {
		t.Fatalf("duplicate add grew the set: %v", rec.SubIDs)
	}
	if rec.TimeStamp != now.UnixMilli() {
		t.Fatal("re-add did not refresh the timestamp")
	}
	if rec.DeviceType != DeviceAndroid {
		t.Fatalf("device type %q", rec.DeviceType)
	}
}

func TestRegistryUnknownDevice(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry()

	rec, err := r.Get(ctx, "ghost")
	if err != nil || rec != nil {
		t.Fatalf("want nil record, got %v / %v", rec, err)
	}
	ids, err := r.SubscriptionIDs(ctx, "ghost")
	if err != nil {
		t.Fatalf("subscription ids: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("want empty set, got %v", ids)
	}
}

func TestRegistrySurvivesCacheEviction(t *testing.T) {
	ctx := context.Background()
	es := store.NewMemStore()
	cache := store.NewMemCache()
	r := NewRegistry(es, cache, queue.NewMemQueue(time.Minute))

	if err := r.Add(ctx, "ios_tok", "ios_tok:query:a"); err != nil {
		t.Fatalf("add: %v", err)
	}
	cache.Delete(ctx, "deviceSub:ios_tok")

	rec, err := r.Get(ctx, "ios_tok")
	if err != nil || rec == nil {
		t.Fatalf("durable fallback failed: %v / %v", rec, err)
	}
	if rec.DeviceType != DeviceIOS {
		t.Fatalf("device type %q", rec.DeviceType)
	}
}

type fakeUnsub struct {
	calls []string
	fail  map[string]bool
}

func (u *fakeUnsub) Unsubscribe(_ context.Context, subID string) error {
	u.calls = append(u.calls, subID)
	if u.fail[subID] {
		return fmt.Errorf("unsubscribe %s failed", subID)
	}
	return nil
}

func TestRegistryRemoveDevicesBestEffort(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry()

	for _, regID := range []string{"a", "b"} {
		if err := r.Add(ctx, regID, ConstructSubID(regID, "q")); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	unsub := &fakeUnsub{fail: map[string]bool{"a:query:q": true}}
	if err := r.RemoveDevices(ctx, []string{"a", "b", "never-seen"}, unsub); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(unsub.calls) != 2 {
		t.Fatalf("unsubscribe calls %v", unsub.calls)
	}
	// the failed unsubscribe does not keep the record alive
	if rec, _ := r.Get(ctx, "a"); rec != nil {
		t.Fatal("device a survived removal")
	}
	if rec, _ := r.Get(ctx, "b"); rec != nil {
		t.Fatal("device b survived removal")
	}
}

func drainSweepTasks(t *testing.T, q *queue.MemQueue) []SweepTask {
	t.Helper()
	ctx := context.Background()
	leased, err := q.Lease(ctx, 10000, 0)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	out := make([]SweepTask, 0, len(leased))
	for _, lt := range leased {
		var st SweepTask
		if err := json.Unmarshal(lt.Payload, &st); err != nil {
			t.Fatalf("payload: %v", err)
		}
		out = append(out, st)
	}
	if err := q.Delete(ctx, leased); err != nil {
		t.Fatalf("delete: %v", err)
	}
	return out
}

func TestRegistrySweepPagesAndContinues(t *testing.T) {
	ctx := context.Background()
	r, _, q := newTestRegistry()

	base := time.UnixMilli(10_000_000)
	r.SetNow(func() time.Time { return base })

	const stale = 600
	for i := 0; i < stale; i++ {
		regID := fmt.Sprintf("dev-%04d", i)
		if err := r.Add(ctx, regID, ConstructSubID(regID, "q")); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	// two devices refreshed after the cutoff must survive
	cutoff := base.Add(time.Hour)
	r.SetNow(func() time.Time { return cutoff.Add(time.Minute) })
	for _, regID := range []string{"fresh-1", "fresh-2"} {
		if err := r.Add(ctx, regID, ConstructSubID(regID, "q")); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	marks := 0
	mark := func(context.Context, time.Time) error { marks++; return nil }

	if err := r.Sweep(ctx, cutoff, store.Cursor{}, mark); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	deletedSubs := 0
	pages := 1
	for round := 0; round < 10; round++ {
		var next *SweepTask
		for _, st := range drainSweepTasks(t, q) {
			switch st.Type {
			case SweepTypePSI:
				if len(st.SubIDs) > 250 {
					t.Fatalf("psi batch of %d exceeds the bound", len(st.SubIDs))
				}
				deletedSubs += len(st.SubIDs)
			case SweepTypeDevice:
				if next != nil {
					t.Fatal("two continuation tasks in one round")
				}
				st := st
				next = &st
			default:
				t.Fatalf("unknown task type %q", st.Type)
			}
		}
		if next == nil {
			break
		}
		pages++
		if err := r.Sweep(ctx, time.UnixMilli(next.TimeStamp), store.ParseCursor(next.Cursor), mark); err != nil {
			t.Fatalf("sweep page %d: %v", pages, err)
		}
	}

	if pages != 3 {
		t.Fatalf("want 3 pages for %d records, got %d", stale, pages)
	}
	if deletedSubs != stale {
		t.Fatalf("unsubscribed %d of %d", deletedSubs, stale)
	}
	if marks != 1 {
		t.Fatalf("delete-all marker stamped %d times", marks)
	}
	for _, regID := range []string{"fresh-1", "fresh-2"} {
		if rec, _ := r.Get(ctx, regID); rec == nil {
			t.Fatalf("fresh device %s was swept", regID)
		}
	}
	if rec, _ := r.Get(ctx, "dev-0000"); rec != nil {
		t.Fatal("stale device survived the sweep")
	}
}
