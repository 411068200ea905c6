// Package matcher keeps the standing continuous queries and evaluates
// every incoming document against them.
package matcher

import (
	"context"
	"encoding/json"
	"time"

	"MBackend/logger"
	"MBackend/module/backend/filter"
	"MBackend/module/backend/store"
)

// Kind is the store kind holding one record per standing query.
const Kind = "_MatchSubscription"

// DefaultTopic groups all standing queries; the matcher currently runs a
// single topic.
const DefaultTopic = "defaultTopic"

// Handler receives the subscription ids whose queries matched a written
// document, together with the document itself.
type Handler func(ctx context.Context, subIDs []string, kind string, doc store.Document)

// Matcher persists standing queries and matches documents against them on
// every write.
type Matcher struct {
	store   store.EntityStore
	handler Handler
	now     func() time.Time
}

func NewMatcher(es store.EntityStore) *Matcher {
	return &Matcher{store: es, now: time.Now}
}

// SetHandler attaches the match consumer. Set once at wiring time, before
// any Match call.
func (m *Matcher) SetHandler(h Handler) { m.handler = h }

// SetNow swaps the clock for tests.
func (m *Matcher) SetNow(now func() time.Time) { m.now = now }

// Subscribe registers a standing query under subID. A zero duration never
// expires. Re-subscribing under the same id replaces the query.
func (m *Matcher) Subscribe(ctx context.Context, subID string, f *filter.Filter, duration time.Duration) error {
	if err := f.Validate(); err != nil {
		return err
	}
	query, err := f.MatchQuery()
	if err != nil {
		return err
	}
	schema, err := f.MatchSchema()
	if err != nil {
		return err
	}
	encoded, err := f.Encode()
	if err != nil {
		return err
	}
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return err
	}

	var expires int64
	if duration > 0 {
		expires = m.now().Add(duration).UnixMilli()
	}
	doc := store.Document{
		"TopicID": DefaultTopic,
		"Query":   query,
		"Schema":  string(schemaJSON),
		"Filter":  encoded,
		"Expires": expires,
	}
	return m.store.Put(ctx, Kind, subID, doc)
}

// Unsubscribe drops a standing query. Unknown ids are a no-op.
func (m *Matcher) Unsubscribe(ctx context.Context, subID string) error {
	return m.store.Delete(ctx, Kind, subID)
}

// Match evaluates doc against every live standing query and hands the
// matching subscription ids to the handler. Expired queries are reclaimed
// as they are encountered.
func (m *Matcher) Match(ctx context.Context, kind string, doc store.Document) error {
	subs, err := m.store.Run(ctx, store.Query{Kind: Kind})
	if err != nil {
		return err
	}

	now := m.now().UnixMilli()
	var matched []string
	var expired []string
	for _, kd := range subs {
		if exp := epochMilli(kd.Doc["Expires"]); exp > 0 && exp <= now {
			expired = append(expired, kd.ID)
			continue
		}
		encoded, _ := kd.Doc["Filter"].(string)
		f, err := filter.Decode(encoded)
		if err != nil {
			logger.Warnf("standing query %s unreadable: %v", kd.ID, err)
			continue
		}
		if f.Matches(doc) {
			matched = append(matched, kd.ID)
		}
	}

	if len(expired) > 0 {
		if err := m.store.Delete(ctx, Kind, expired...); err != nil {
			logger.Warnf("reclaim expired queries: %v", err)
		}
	}
	if len(matched) > 0 && m.handler != nil {
		m.handler(ctx, matched, kind, doc)
	}
	return nil
}

func epochMilli(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}
