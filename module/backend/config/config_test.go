package config

import (
	"context"
	"testing"
	"time"

	"MBackend/module/backend/store"
)

func TestCurrentDefaultsWhenUnset(t *testing.T) {
	ctx := context.Background()
	m := NewManager(store.NewMemStore(), store.NewMemCache())

	s, err := m.Current(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if s.PushEnabled || s.GCMKey != "" || s.LastSubscriptionDeleteAllTime != 0 {
		t.Fatalf("missing record should mean zero settings, got %+v", s)
	}
}

func TestUpdateRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewManager(store.NewMemStore(), store.NewMemCache())

	want := Settings{PushEnabled: true, GCMKey: "key-123"}
	if err := m.Update(ctx, want); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := m.Current(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v want %+v", got, want)
	}
}

func TestCurrentSurvivesCacheEviction(t *testing.T) {
	ctx := context.Background()
	cache := store.NewMemCache()
	m := NewManager(store.NewMemStore(), cache)

	if err := m.Update(ctx, Settings{PushEnabled: true}); err != nil {
		t.Fatalf("update: %v", err)
	}
	cache.Delete(ctx, "backendConfig:config")

	got, err := m.Current(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if !got.PushEnabled {
		t.Fatal("durable settings lost after cache eviction")
	}
}

func TestMarkDeleteAllKeepsOtherSettings(t *testing.T) {
	ctx := context.Background()
	m := NewManager(store.NewMemStore(), store.NewMemCache())

	if err := m.Update(ctx, Settings{PushEnabled: true, GCMKey: "k"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	at := time.UnixMilli(7_000_000)
	if err := m.MarkDeleteAll(ctx, at); err != nil {
		t.Fatalf("mark: %v", err)
	}

	got, err := m.Current(ctx)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if got.LastSubscriptionDeleteAllTime != at.UnixMilli() {
		t.Fatalf("marker %d", got.LastSubscriptionDeleteAllTime)
	}
	if !got.PushEnabled || got.GCMKey != "k" {
		t.Fatalf("marker clobbered settings: %+v", got)
	}
}
