package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"MBackend/module/backend/filter"
)

// MemStore is the in-memory EntityStore twin used by tests and local runs.
// Queries evaluate the filter AST directly, so the memory store and the
// continuous matcher share one predicate.
type MemStore struct {
	mu    sync.RWMutex
	kinds map[string]map[string]Document
}

func NewMemStore() *MemStore {
	return &MemStore{kinds: map[string]map[string]Document{}}
}

func (s *MemStore) Get(ctx context.Context, kind, id string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.kinds[kind][id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDoc(doc), nil
}

func (s *MemStore) GetMulti(ctx context.Context, kind string, ids []string) (map[string]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Document, len(ids))
	for _, id := range ids {
		if doc, ok := s.kinds[kind][id]; ok {
			out[id] = cloneDoc(doc)
		}
	}
	return out, nil
}

func (s *MemStore) Put(ctx context.Context, kind, id string, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kinds[kind] == nil {
		s.kinds[kind] = map[string]Document{}
	}
	s.kinds[kind][id] = cloneDoc(doc)
	return nil
}

func (s *MemStore) Delete(ctx context.Context, kind string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.kinds[kind], id) // absent key is a no-op
	}
	return nil
}

func (s *MemStore) Run(ctx context.Context, q Query) ([]KeyedDocument, error) {
	if q.Filter != nil {
		if err := q.Filter.Validate(); err != nil {
			return nil, err
		}
	}
	s.mu.RLock()
	var out []KeyedDocument
	for id, doc := range s.kinds[q.Kind] {
		if q.Filter == nil || q.Filter.Matches(doc) {
			out = append(out, KeyedDocument{ID: id, Doc: cloneDoc(doc)})
		}
	}
	s.mu.RUnlock()

	if q.SortField != "" {
		sort.SliceStable(out, func(i, j int) bool {
			less := lessValue(out[i].Doc[q.SortField], out[j].Doc[q.SortField])
			if q.SortAscending {
				return less
			}
			return !less && !equalValue(out[i].Doc[q.SortField], out[j].Doc[q.SortField])
		})
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *MemStore) Scan(ctx context.Context, kind string, f *filter.Filter, limit int, cur Cursor) ([]KeyedDocument, Cursor, error) {
	if f != nil {
		if err := f.Validate(); err != nil {
			return nil, Cursor{}, err
		}
	}
	s.mu.RLock()
	ids := make([]string, 0, len(s.kinds[kind]))
	for id := range s.kinds[kind] {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	var out []KeyedDocument
	for _, id := range ids {
		if !cur.IsZero() && id <= cur.String() {
			continue
		}
		s.mu.RLock()
		doc, ok := s.kinds[kind][id]
		var c Document
		if ok {
			c = cloneDoc(doc)
		}
		s.mu.RUnlock()
		if !ok || (f != nil && !f.Matches(c)) {
			continue
		}
		out = append(out, KeyedDocument{ID: id, Doc: c})
		if limit > 0 && len(out) >= limit {
			return out, cursorAfter(id), nil
		}
	}
	return out, Cursor{}, nil
}

func cloneDoc(doc Document) Document {
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

func lessValue(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af < bf
	}
	as, _ := a.(string)
	bs, _ := b.(string)
	return as < bs
}

func equalValue(a, b any) bool {
	return !lessValue(a, b) && !lessValue(b, a)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case time.Time:
		return float64(n.UnixMilli()), true
	}
	return 0, false
}
