// Package config holds the mutable backend configuration record that
// operators edit at runtime, as opposed to the process environment in
// package global.
package config

import (
	"context"
	"encoding/json"
	"time"

	"MBackend/logger"
	"MBackend/module/backend/store"
)

const (
	// Kind is the store kind holding the single configuration record.
	Kind = "_BackendConfiguration"

	recordID = "config"
	cacheKey = "backendConfig:config"
	cacheTTL = 5 * time.Minute
)

// Settings is the operator-editable configuration.
type Settings struct {
	// PushEnabled gates all notification dispatch.
	PushEnabled bool `json:"pushEnabled"`
	// GCMKey is the server API key presented to the Android push service.
	GCMKey string `json:"gCMKey"`
	// LastSubscriptionDeleteAllTime marks the most recent device-wide
	// subscription purge, in epoch milliseconds. Subscriptions stamped at
	// or before it are considered stale.
	LastSubscriptionDeleteAllTime int64 `json:"lastSubscriptionDeleteAllTime"`
}

// Manager reads and writes Settings through the cache with the durable
// store as the source of truth.
type Manager struct {
	store store.EntityStore
	cache store.Cache
}

func NewManager(es store.EntityStore, c store.Cache) *Manager {
	return &Manager{store: es, cache: c}
}

// Current returns the live settings. A missing record yields the zero
// Settings, push disabled.
func (m *Manager) Current(ctx context.Context) (Settings, error) {
	if raw, ok := m.cache.Get(ctx, cacheKey); ok {
		var s Settings
		if err := json.Unmarshal([]byte(raw), &s); err == nil {
			return s, nil
		}
		logger.Warnf("backend config cache entry unreadable, reloading")
	}

	doc, err := m.store.Get(ctx, Kind, recordID)
	if err == store.ErrNotFound {
		return Settings{}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	s := fromDoc(doc)
	m.fill(ctx, s)
	return s, nil
}

// Update persists the settings and refreshes the cache.
func (m *Manager) Update(ctx context.Context, s Settings) error {
	if err := m.store.Put(ctx, Kind, recordID, toDoc(s)); err != nil {
		return err
	}
	m.fill(ctx, s)
	return nil
}

// MarkDeleteAll stamps the device-wide purge marker at t and persists it.
func (m *Manager) MarkDeleteAll(ctx context.Context, t time.Time) error {
	s, err := m.Current(ctx)
	if err != nil {
		return err
	}
	s.LastSubscriptionDeleteAllTime = t.UnixMilli()
	return m.Update(ctx, s)
}

func (m *Manager) fill(ctx context.Context, s Settings) {
	if b, err := json.Marshal(s); err == nil {
		m.cache.Set(ctx, cacheKey, string(b), cacheTTL)
	}
}

func toDoc(s Settings) store.Document {
	return store.Document{
		"pushEnabled":                   s.PushEnabled,
		"gCMKey":                        s.GCMKey,
		"lastSubscriptionDeleteAllTime": s.LastSubscriptionDeleteAllTime,
	}
}

func fromDoc(doc store.Document) Settings {
	var s Settings
	if v, ok := doc["pushEnabled"].(bool); ok {
		s.PushEnabled = v
	}
	if v, ok := doc["gCMKey"].(string); ok {
		s.GCMKey = v
	}
	switch v := doc["lastSubscriptionDeleteAllTime"].(type) {
	case int64:
		s.LastSubscriptionDeleteAllTime = v
	case float64:
		s.LastSubscriptionDeleteAllTime = int64(v)
	}
	return s
}
