// Package cleanup holds the asynchronous reapers: stale device removal,
// processed-task log retention and push feedback draining.
package cleanup

import (
	"context"
	"encoding/json"
	"time"

	"MBackend/logger"
	"MBackend/module/backend/delivery"
	"MBackend/module/backend/filter"
	"MBackend/module/backend/queue"
	"MBackend/module/backend/store"
	"MBackend/module/backend/subscription"
	"MBackend/service/push"
)

const (
	// defaultFreshWindow protects devices that re-registered after the
	// invalid-token report was produced.
	defaultFreshWindow = 4 * time.Hour

	// reapBatch keeps each processed-log delete round small.
	reapBatch = 5
)

// Service runs the reapers.
type Service struct {
	store       store.EntityStore
	registry    *subscription.Registry
	unsub       subscription.Unsubscriber
	feedback    push.FeedbackSource
	cleanupQ    queue.Queue
	freshWindow time.Duration
	retention   time.Duration
	now         func() time.Time
}

func NewService(es store.EntityStore, reg *subscription.Registry, unsub subscription.Unsubscriber, fb push.FeedbackSource, cleanupQueue queue.Queue, freshWindow, retention time.Duration) *Service {
	if freshWindow <= 0 {
		freshWindow = defaultFreshWindow
	}
	return &Service{
		store:       es,
		registry:    reg,
		unsub:       unsub,
		feedback:    fb,
		cleanupQ:    cleanupQueue,
		freshWindow: freshWindow,
		retention:   retention,
		now:         time.Now,
	}
}

// SetNow swaps the clock for tests.
func (s *Service) SetNow(now func() time.Time) { s.now = now }

// RemoveDevices deletes the given devices unless their record was
// refreshed within the freshness window, which means the device
// re-registered after the invalidation report and must survive.
func (s *Service) RemoveDevices(ctx context.Context, regIDs []string) error {
	freshAfter := s.now().Add(-s.freshWindow).UnixMilli()
	var doomed []string
	for _, regID := range regIDs {
		rec, err := s.registry.Get(ctx, regID)
		if err != nil {
			return err
		}
		if rec != nil && rec.TimeStamp >= freshAfter {
			logger.Infof("keeping recently refreshed device %s", regID)
			continue
		}
		doomed = append(doomed, regID)
	}
	if len(doomed) == 0 {
		return nil
	}
	return s.registry.RemoveDevices(ctx, doomed, s.unsub)
}

// ReapProcessedTasks deletes processed-task log entries strictly older
// than the retention window, a small batch at a time until a round comes
// back empty.
func (s *Service) ReapProcessedTasks(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.retention).UnixMilli()
	f := filter.NewPredicate(filter.OpLT, delivery.PropProcessedAt, cutoff)
	total := 0
	for {
		docs, err := s.store.Run(ctx, store.Query{
			Kind:   delivery.ProcessedKind,
			Filter: f,
			Limit:  reapBatch,
		})
		if err != nil {
			return total, err
		}
		if len(docs) == 0 {
			return total, nil
		}
		ids := make([]string, len(docs))
		for i, kd := range docs {
			ids[i] = kd.ID
		}
		if err := s.store.Delete(ctx, delivery.ProcessedKind, ids...); err != nil {
			return total, err
		}
		total += len(ids)
	}
}

// DrainFeedback polls the push platform's inactive-device channel and
// routes the tokens into the device-cleanup queue.
func (s *Service) DrainFeedback(ctx context.Context) (int, error) {
	tokens, err := s.feedback.Feedback(ctx)
	if err != nil {
		return 0, err
	}
	if len(tokens) == 0 {
		return 0, nil
	}
	regIDs := make([]string, len(tokens))
	for i, tok := range tokens {
		regIDs[i] = subscription.IOSRegID(tok)
	}
	payload, err := json.Marshal(subscription.DeviceTask{Devices: regIDs})
	if err != nil {
		return 0, err
	}
	if _, err := s.cleanupQ.Enqueue(ctx, payload); err != nil {
		return 0, err
	}
	return len(tokens), nil
}
