// Package dispatch fans matched subscription ids out to devices: Android
// synchronously through the direct gateway, iOS batched into the durable
// delivery queue.
package dispatch

import (
	"context"
	"encoding/json"

	"MBackend/logger"
	"MBackend/module/backend/config"
	"MBackend/module/backend/delivery"
	"MBackend/module/backend/queue"
	"MBackend/module/backend/store"
	"MBackend/module/backend/subscription"
	"MBackend/service/push"
)

// Dispatcher consumes match results. Wire its Handle method into the
// matcher callback.
type Dispatcher struct {
	cfg      *config.Manager
	registry *subscription.Registry
	unsub    subscription.Unsubscriber
	direct   push.DirectGateway
	delivery queue.Queue
}

func NewDispatcher(cfg *config.Manager, reg *subscription.Registry, unsub subscription.Unsubscriber, direct push.DirectGateway, deliveryQueue queue.Queue) *Dispatcher {
	return &Dispatcher{cfg: cfg, registry: reg, unsub: unsub, direct: direct, delivery: deliveryQueue}
}

// Handle adapts HandleMatches to the matcher callback shape. Errors stay
// server-side: a failed dispatch never propagates into the write that
// triggered the match.
func (d *Dispatcher) Handle(ctx context.Context, subIDs []string, kind string, doc store.Document) {
	if err := d.HandleMatches(ctx, subIDs); err != nil {
		logger.Errorf("dispatch matches for kind %s: %v", kind, err)
	}
}

// HandleMatches notifies every device behind the matched subscription ids,
// one notification per device regardless of how many of its queries
// matched.
func (d *Dispatcher) HandleMatches(ctx context.Context, subIDs []string) error {
	settings, err := d.cfg.Current(ctx)
	if err != nil {
		return err
	}
	if !settings.PushEnabled {
		logger.Debug("push disabled, dropping matches")
		return nil
	}

	// first matched subscription id per device; the client resolves the
	// query from it
	perDevice := map[string]string{}
	var order []string
	for _, subID := range subIDs {
		regID := subscription.ExtractRegID(subID)
		if _, seen := perDevice[regID]; !seen {
			perDevice[regID] = subID
			order = append(order, regID)
		}
	}

	// iOS tokens batch only under the same subscription id: the alert
	// carries the subId the client resolves its query from, so devices
	// matched through different subscriptions go into separate tasks.
	iosBySub := map[string][]string{}
	var iosOrder []string
	for _, regID := range order {
		rec, err := d.registry.Get(ctx, regID)
		if err != nil {
			return err
		}
		if rec == nil || d.stale(rec, settings) {
			d.dropDevice(ctx, regID)
			continue
		}
		switch rec.DeviceType {
		case subscription.DeviceIOS:
			subID := perDevice[regID]
			if _, ok := iosBySub[subID]; !ok {
				iosOrder = append(iosOrder, subID)
			}
			iosBySub[subID] = append(iosBySub[subID], subscription.DeviceToken(regID))
		default:
			d.sendAndroid(ctx, regID, perDevice[regID])
		}
	}

	for _, subID := range iosOrder {
		if err := d.enqueueIOS(ctx, subID, iosBySub[subID]); err != nil {
			return err
		}
	}
	return nil
}

// stale reports whether the record predates the admin clear-all marker.
// No marker means always active.
func (d *Dispatcher) stale(rec *subscription.Record, settings config.Settings) bool {
	marker := settings.LastSubscriptionDeleteAllTime
	return marker > 0 && rec.TimeStamp <= marker
}

// dropDevice detaches a stale or unknown device best-effort.
func (d *Dispatcher) dropDevice(ctx context.Context, regID string) {
	logger.Infof("dropping stale device %s", regID)
	if err := d.registry.RemoveDevices(ctx, []string{regID}, d.unsub); err != nil {
		logger.Warnf("remove stale device %s: %v", regID, err)
	}
}

// sendAndroid delivers synchronously. A terminal failure cleans the device
// up right away; there is no queue-level retry on this path.
func (d *Dispatcher) sendAndroid(ctx context.Context, regID, subID string) {
	msg := push.Message{Alert: subID, Data: map[string]string{"subId": subID}}
	res, err := d.direct.Send(ctx, regID, msg)
	if err != nil {
		logger.Errorf("direct send to %s: %v", regID, err)
		return
	}
	if !res.OK {
		// any provider-reported rejection is terminal for this device
		logger.Warnf("direct send to %s rejected: %v", regID, res.Err)
		d.dropDevice(ctx, regID)
	}
}

func (d *Dispatcher) enqueueIOS(ctx context.Context, alert string, tokens []string) error {
	payload, err := json.Marshal(delivery.NotificationTask{Alert: alert, Devices: tokens})
	if err != nil {
		return err
	}
	name, err := d.delivery.Enqueue(ctx, payload)
	if err != nil {
		return err
	}
	logger.Infof("queued notification task %s for %d devices", name, len(tokens))
	return nil
}
