package store

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"MBackend/module/backend/filter"
)

// Document is one stored record: named properties, including the reserved
// underscore-prefixed ones (_kindName, _createdAt, ...). The document id
// lives outside the property map.
type Document map[string]any

// ErrNotFound is returned by Get for an absent key.
var ErrNotFound = errors.New("store: not found")

// Query is a kind-scoped read with optional filter, sort and limit.
type Query struct {
	Kind          string
	Filter        *filter.Filter
	SortField     string
	SortAscending bool
	Limit         int
}

// Cursor is an opaque continuation for paged scans. The zero Cursor starts
// from the beginning. It serializes to a plain string so it can ride in a
// task payload, but callers never interpret it.
type Cursor struct {
	pos string
}

func (c Cursor) IsZero() bool   { return c.pos == "" }
func (c Cursor) String() string { return c.pos }

// ParseCursor restores a cursor produced by String.
func ParseCursor(s string) Cursor { return Cursor{pos: s} }

// cursorAfter is used by implementations to advance.
func cursorAfter(id string) Cursor { return Cursor{pos: id} }

// KeyedDocument pairs a document with its id for scan results.
type KeyedDocument struct {
	ID  string
	Doc Document
}

// EntityStore is the durable, authoritative storage boundary.
type EntityStore interface {
	Get(ctx context.Context, kind, id string) (Document, error)
	GetMulti(ctx context.Context, kind string, ids []string) (map[string]Document, error)
	Put(ctx context.Context, kind, id string, doc Document) error
	Delete(ctx context.Context, kind string, ids ...string) error

	// Run executes a filtered, sorted, limited query and returns ids with
	// their documents.
	Run(ctx context.Context, q Query) ([]KeyedDocument, error)

	// Scan pages through a kind in id order, filtered, resuming from cur.
	// The returned cursor is zero when the scan ran off the end.
	Scan(ctx context.Context, kind string, f *filter.Filter, limit int, cur Cursor) ([]KeyedDocument, Cursor, error)
}

// Cache is the non-authoritative accelerator. Implementations swallow and
// log their own errors: a cache miss and a cache failure look the same to
// callers, who must fall back to the durable store either way.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	GetMulti(ctx context.Context, keys []string) map[string]string
	Set(ctx context.Context, key, val string, ttl time.Duration)
	Delete(ctx context.Context, keys ...string)
}
