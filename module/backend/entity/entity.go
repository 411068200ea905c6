// Package entity implements the schemaless record CRUD that feeds the
// continuous-match pipeline. Every successful write is offered to the
// matcher so standing queries fire.
package entity

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"MBackend/module/backend/matcher"
	"MBackend/module/backend/store"
	"MBackend/tools/errs"
)

// Reserved property names stamped on every record.
const (
	PropKindName  = "_kindName"
	PropCreatedAt = "_createdAt"
	PropUpdatedAt = "_updatedAt"
	PropOwner     = "_owner"
)

// PrivateSuffix marks kinds whose records are visible to their owner only.
const PrivateSuffix = "_private"

// Service owns record reads and writes.
type Service struct {
	store   store.EntityStore
	matcher *matcher.Matcher
	now     func() time.Time
}

func NewService(es store.EntityStore, m *matcher.Matcher) *Service {
	return &Service{store: es, matcher: m, now: time.Now}
}

// SetNow swaps the clock for tests.
func (s *Service) SetNow(now func() time.Time) { s.now = now }

// checkKind rejects the reserved kinds that back the pipeline itself.
func checkKind(kind string) error {
	if kind == "" || strings.HasPrefix(kind, "_") {
		return errs.ErrArgs.WrapMsg("reserved kind %q", kind)
	}
	return nil
}

func isPrivate(kind string) bool {
	return strings.HasSuffix(kind, PrivateSuffix)
}

// Save stores one record and runs it through the matcher. An empty id
// creates; an existing id updates and keeps _createdAt and _owner. On
// private kinds only the owner may update.
func (s *Service) Save(ctx context.Context, kind, id, owner string, props map[string]any) (string, store.Document, error) {
	if err := checkKind(kind); err != nil {
		return "", nil, err
	}

	now := s.now().UnixMilli()
	doc := store.Document{}
	for k, v := range props {
		if strings.HasPrefix(k, "_") {
			continue
		}
		doc[k] = v
	}
	doc[PropKindName] = kind
	doc[PropUpdatedAt] = now
	doc[PropCreatedAt] = now
	doc[PropOwner] = owner

	if id == "" {
		id = uuid.NewString()
	} else if prev, err := s.store.Get(ctx, kind, id); err == nil {
		if isPrivate(kind) && prev[PropOwner] != owner {
			return "", nil, errs.ErrUnauthorized.WrapMsg("not the record owner")
		}
		doc[PropCreatedAt] = prev[PropCreatedAt]
		doc[PropOwner] = prev[PropOwner]
	} else if err != store.ErrNotFound {
		return "", nil, err
	}

	if err := s.store.Put(ctx, kind, id, doc); err != nil {
		return "", nil, err
	}
	if err := s.matcher.Match(ctx, kind, doc); err != nil {
		return "", nil, err
	}
	return id, doc, nil
}

// SaveAll stores records in order, stopping at the first failure.
func (s *Service) SaveAll(ctx context.Context, kind, owner string, records map[string]map[string]any) (map[string]store.Document, error) {
	out := make(map[string]store.Document, len(records))
	for id, props := range records {
		newID, doc, err := s.Save(ctx, kind, id, owner, props)
		if err != nil {
			return nil, err
		}
		out[newID] = doc
	}
	return out, nil
}

// Get reads one record, honoring the private-kind owner scope.
func (s *Service) Get(ctx context.Context, kind, id, owner string) (store.Document, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	doc, err := s.store.Get(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if isPrivate(kind) && doc[PropOwner] != owner {
		return nil, errs.ErrUnauthorized.WrapMsg("not the record owner")
	}
	return doc, nil
}

// Delete removes one record; missing records are a no-op.
func (s *Service) Delete(ctx context.Context, kind, id, owner string) error {
	if err := checkKind(kind); err != nil {
		return err
	}
	if isPrivate(kind) {
		doc, err := s.store.Get(ctx, kind, id)
		if err == store.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if doc[PropOwner] != owner {
			return errs.ErrUnauthorized.WrapMsg("not the record owner")
		}
	}
	return s.store.Delete(ctx, kind, id)
}
