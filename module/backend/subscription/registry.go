package subscription

import (
	"context"
	"encoding/json"
	"time"

	"MBackend/logger"
	"MBackend/module/backend/filter"
	"MBackend/module/backend/queue"
	"MBackend/module/backend/store"
)

// Kind is the store kind holding one record per registered device.
const Kind = "_DeviceSubscription"

const (
	cachePrefix = "deviceSub:"
	cacheTTL    = time.Hour

	// sweepPageSize bounds both the scan page and the unsubscribe batch of
	// a device-wide sweep.
	sweepPageSize = 250
)

// Record is one device's subscription state.
type Record struct {
	RegID      string
	SubIDs     []string
	DeviceType DeviceType
	TimeStamp  int64
}

// Unsubscriber detaches a standing query. The registry calls it
// best-effort during device removal.
type Unsubscriber interface {
	Unsubscribe(ctx context.Context, subID string) error
}

// SweepTask is the continuation payload of a device-wide sweep, carried
// through the removal queue.
type SweepTask struct {
	Type      string   `json:"type"`
	TimeStamp int64    `json:"timeStamp"`
	Cursor    string   `json:"cursor,omitempty"`
	SubIDs    []string `json:"subIds,omitempty"`
}

// Sweep task discriminators.
const (
	SweepTypeDevice = "deviceSubscription"
	SweepTypePSI    = "psiSubscription"
)

// DeviceTask is the device-cleanup queue payload: registration ids the
// push platform reported gone.
type DeviceTask struct {
	Devices []string `json:"devices"`
}

// Registry persists device subscription records with a cache in front of
// the durable store.
type Registry struct {
	store        store.EntityStore
	cache        store.Cache
	removalQueue queue.Queue
	now          func() time.Time
}

func NewRegistry(es store.EntityStore, c store.Cache, removal queue.Queue) *Registry {
	return &Registry{store: es, cache: c, removalQueue: removal, now: time.Now}
}

// SetNow swaps the clock for tests.
func (r *Registry) SetNow(now func() time.Time) { r.now = now }

// Add attaches subID to the device's subscription set. Re-adding is a
// no-op apart from refreshing the record's timestamp.
func (r *Registry) Add(ctx context.Context, regID, subID string) error {
	rec, err := r.Get(ctx, regID)
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &Record{RegID: regID, DeviceType: TypeOf(regID)}
	}
	found := false
	for _, s := range rec.SubIDs {
		if s == subID {
			found = true
			break
		}
	}
	if !found {
		rec.SubIDs = append(rec.SubIDs, subID)
	}
	rec.TimeStamp = r.now().UnixMilli()
	return r.put(ctx, rec)
}

// Remove detaches subID from the device's set. Removing the last
// subscription keeps the record; the sweep reclaims it later.
func (r *Registry) Remove(ctx context.Context, regID, subID string) error {
	rec, err := r.Get(ctx, regID)
	if err != nil || rec == nil {
		return err
	}
	kept := rec.SubIDs[:0]
	for _, s := range rec.SubIDs {
		if s != subID {
			kept = append(kept, s)
		}
	}
	rec.SubIDs = kept
	return r.put(ctx, rec)
}

// Get returns the device record, nil when the device has never
// subscribed.
func (r *Registry) Get(ctx context.Context, regID string) (*Record, error) {
	if raw, ok := r.cache.Get(ctx, cachePrefix+regID); ok {
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err == nil {
			return &rec, nil
		}
	}
	doc, err := r.store.Get(ctx, Kind, regID)
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec := recordFromDoc(regID, doc)
	r.fillCache(ctx, rec)
	return rec, nil
}

// SubscriptionIDs returns the device's subscription set, empty when the
// device is unknown.
func (r *Registry) SubscriptionIDs(ctx context.Context, regID string) ([]string, error) {
	rec, err := r.Get(ctx, regID)
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.SubIDs, nil
}

// RemoveDevices drops every given device: standing queries are detached
// best-effort, then the records go away. Used when the push platform
// reports the devices gone.
func (r *Registry) RemoveDevices(ctx context.Context, regIDs []string, unsub Unsubscriber) error {
	var gone []string
	for _, regID := range regIDs {
		rec, err := r.Get(ctx, regID)
		if err != nil {
			return err
		}
		if rec != nil {
			for _, subID := range rec.SubIDs {
				if err := unsub.Unsubscribe(ctx, subID); err != nil {
					logger.Warnf("unsubscribe %s: %v", subID, err)
				}
			}
		}
		gone = append(gone, regID)
		r.cache.Delete(ctx, cachePrefix+regID)
	}
	if len(gone) == 0 {
		return nil
	}
	return r.store.Delete(ctx, Kind, gone...)
}

// Sweep deletes every device record stamped at or before cutoff, one page
// per call. The first page also stamps the delete-all marker through mark.
// Matcher detachment and the next page both continue through the removal
// queue, so one HTTP request never holds the whole sweep.
func (r *Registry) Sweep(ctx context.Context, cutoff time.Time, cur store.Cursor, mark func(context.Context, time.Time) error) error {
	if cur.IsZero() && mark != nil {
		if err := mark(ctx, cutoff); err != nil {
			return err
		}
	}

	f := filter.NewPredicate(filter.OpLE, "TimeStamp", cutoff.UnixMilli())
	docs, next, err := r.store.Scan(ctx, Kind, f, sweepPageSize, cur)
	if err != nil {
		return err
	}

	var ids []string
	var subIDs []string
	for _, kd := range docs {
		ids = append(ids, kd.ID)
		subIDs = append(subIDs, stringSlice(kd.Doc["SubIds"])...)
	}

	for start := 0; start < len(subIDs); start += sweepPageSize {
		end := start + sweepPageSize
		if end > len(subIDs) {
			end = len(subIDs)
		}
		if err := r.enqueue(ctx, SweepTask{Type: SweepTypePSI, SubIDs: subIDs[start:end]}); err != nil {
			return err
		}
	}

	if len(ids) > 0 {
		if err := r.store.Delete(ctx, Kind, ids...); err != nil {
			return err
		}
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = cachePrefix + id
		}
		r.cache.Delete(ctx, keys...)
	}

	if !next.IsZero() {
		return r.enqueue(ctx, SweepTask{
			Type:      SweepTypeDevice,
			TimeStamp: cutoff.UnixMilli(),
			Cursor:    next.String(),
		})
	}
	logger.Infof("device subscription sweep finished, cutoff %s", cutoff.Format(time.RFC3339))
	return nil
}

func (r *Registry) enqueue(ctx context.Context, t SweepTask) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = r.removalQueue.Enqueue(ctx, payload)
	return err
}

func (r *Registry) put(ctx context.Context, rec *Record) error {
	doc := store.Document{
		"SubIds":     toAnySlice(rec.SubIDs),
		"DeviceType": string(rec.DeviceType),
		"TimeStamp":  rec.TimeStamp,
	}
	if err := r.store.Put(ctx, Kind, rec.RegID, doc); err != nil {
		return err
	}
	r.fillCache(ctx, rec)
	return nil
}

func (r *Registry) fillCache(ctx context.Context, rec *Record) {
	if b, err := json.Marshal(rec); err == nil {
		r.cache.Set(ctx, cachePrefix+rec.RegID, string(b), cacheTTL)
	}
}

func recordFromDoc(regID string, doc store.Document) *Record {
	rec := &Record{RegID: regID, DeviceType: TypeOf(regID)}
	rec.SubIDs = stringSlice(doc["SubIds"])
	if v, ok := doc["DeviceType"].(string); ok && v != "" {
		rec.DeviceType = DeviceType(v)
	}
	switch v := doc["TimeStamp"].(type) {
	case int64:
		rec.TimeStamp = v
	case float64:
		rec.TimeStamp = int64(v)
	}
	return rec
}

func stringSlice(v any) []string {
	switch vs := v.(type) {
	case []string:
		return vs
	case []any:
		out := make([]string, 0, len(vs))
		for _, e := range vs {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
