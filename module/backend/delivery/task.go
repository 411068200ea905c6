// Package delivery drains the durable notification queue: lease,
// deduplicate, transmit, classify, mark processed, delete.
package delivery

import (
	"context"
	"encoding/json"
	"time"

	"MBackend/module/backend/store"
)

// NotificationTask is the delivery queue payload: one alert for a batch of
// device tokens.
type NotificationTask struct {
	Alert   string   `json:"alert"`
	Devices []string `json:"devices"`
}

// ProcessedKind is the durable log of completed task names. It is the
// authoritative dedup source; the cache in front of it may evict.
const ProcessedKind = "_ProcessedNotificationTask"

// PropProcessedAt is the completion timestamp property, epoch millis.
const PropProcessedAt = "processedAt"

const processedCachePrefix = "processedTask:"

// ProcessedLog marks and checks task completion across the cache and the
// durable store.
type ProcessedLog struct {
	store    store.EntityStore
	cache    store.Cache
	cacheTTL time.Duration
	now      func() time.Time
}

func NewProcessedLog(es store.EntityStore, c store.Cache, cacheTTL time.Duration) *ProcessedLog {
	return &ProcessedLog{store: es, cache: c, cacheTTL: cacheTTL, now: time.Now}
}

// Filter returns the subset of names already marked processed.
func (l *ProcessedLog) Filter(ctx context.Context, names []string) (map[string]bool, error) {
	done := make(map[string]bool, len(names))
	keys := make([]string, len(names))
	for i, n := range names {
		keys[i] = processedCachePrefix + n
	}
	cached := l.cache.GetMulti(ctx, keys)
	var misses []string
	for _, n := range names {
		if _, ok := cached[processedCachePrefix+n]; ok {
			done[n] = true
		} else {
			misses = append(misses, n)
		}
	}
	if len(misses) == 0 {
		return done, nil
	}
	docs, err := l.store.GetMulti(ctx, ProcessedKind, misses)
	if err != nil {
		return nil, err
	}
	for n := range docs {
		done[n] = true
	}
	return done, nil
}

// Mark records completion in both layers. Called even when transmission
// failed, so a re-leased copy of the task is never resent.
func (l *ProcessedLog) Mark(ctx context.Context, name string) error {
	at := l.now().UnixMilli()
	if err := l.store.Put(ctx, ProcessedKind, name, store.Document{PropProcessedAt: at}); err != nil {
		return err
	}
	b, _ := json.Marshal(at)
	l.cache.Set(ctx, processedCachePrefix+name, string(b), l.cacheTTL)
	return nil
}
