// Package query executes scoped queries: past reads against the durable
// store, future reads as standing queries on the matcher, or both.
package query

import (
	"context"
	"strings"
	"time"

	"MBackend/module/backend/entity"
	"MBackend/module/backend/filter"
	"MBackend/module/backend/matcher"
	"MBackend/module/backend/store"
	"MBackend/module/backend/subscription"
	"MBackend/tools/errs"
)

// Scope selects which side of "now" a query covers.
type Scope string

const (
	ScopePast          Scope = "PAST"
	ScopeFuture        Scope = "FUTURE"
	ScopeFutureAndPast Scope = "FUTURE_AND_PAST"
)

// Request is a caller query.
type Request struct {
	Kind          string
	Filter        *filter.Filter
	SortField     string
	SortAscending bool
	Limit         int

	Scope Scope
	// QueryID names the standing query; with RegID it forms the
	// subscription id. Required for future scopes.
	QueryID string
	// RegID is the device registration id. Required for future scopes.
	RegID string
	// Duration bounds the standing query's life. Zero means indefinite.
	Duration time.Duration
}

// Engine resolves requests against the store, matcher and registry.
type Engine struct {
	store    store.EntityStore
	matcher  *matcher.Matcher
	registry *subscription.Registry
}

func NewEngine(es store.EntityStore, m *matcher.Matcher, reg *subscription.Registry) *Engine {
	return &Engine{store: es, matcher: m, registry: reg}
}

// Execute runs the request for owner. Past results come back immediately;
// future scopes additionally register the standing query, whose matches
// arrive later through the notification pipeline.
func (e *Engine) Execute(ctx context.Context, req Request, owner string) ([]store.KeyedDocument, error) {
	if req.Kind == "" || strings.HasPrefix(req.Kind, "_") {
		return nil, errs.ErrArgs.WrapMsg("reserved kind %q", req.Kind)
	}
	if req.Filter != nil {
		if err := req.Filter.Validate(); err != nil {
			return nil, errs.ErrArgs.WrapMsg("%v", err)
		}
	}

	switch req.Scope {
	case ScopePast:
		return e.past(ctx, req, owner)
	case ScopeFuture:
		return nil, e.future(ctx, req, owner)
	case ScopeFutureAndPast:
		if err := checkFutureArgs(req); err != nil {
			return nil, err
		}
		// past runs first so its snapshot never includes writes the new
		// standing query will also report
		docs, err := e.past(ctx, req, owner)
		if err != nil {
			return nil, err
		}
		return docs, e.future(ctx, req, owner)
	default:
		return nil, errs.ErrArgs.WrapMsg("unknown scope %q", req.Scope)
	}
}

func (e *Engine) past(ctx context.Context, req Request, owner string) ([]store.KeyedDocument, error) {
	return e.store.Run(ctx, store.Query{
		Kind:          req.Kind,
		Filter:        scopedFilter(req, owner),
		SortField:     req.SortField,
		SortAscending: req.SortAscending,
		Limit:         req.Limit,
	})
}

func checkFutureArgs(req Request) error {
	if req.RegID == "" {
		return errs.ErrArgs.WrapMsg("future scope requires a registration id")
	}
	if req.QueryID == "" {
		return errs.ErrArgs.WrapMsg("future scope requires a query id")
	}
	return nil
}

func (e *Engine) future(ctx context.Context, req Request, owner string) error {
	if err := checkFutureArgs(req); err != nil {
		return err
	}

	// the standing query carries the kind so matches stay kind-scoped
	f := filter.NewPredicate(filter.OpEQ, entity.PropKindName, req.Kind)
	if scoped := scopedFilter(req, owner); scoped != nil {
		f = filter.NewAnd(f, scoped)
	}

	subID := subscription.ConstructSubID(req.RegID, req.QueryID)
	if err := e.matcher.Subscribe(ctx, subID, f, req.Duration); err != nil {
		return err
	}
	return e.registry.Add(ctx, req.RegID, subID)
}

// scopedFilter narrows private kinds to the caller's own records.
func scopedFilter(req Request, owner string) *filter.Filter {
	f := req.Filter
	if strings.HasSuffix(req.Kind, entity.PrivateSuffix) {
		ownerPred := filter.NewPredicate(filter.OpEQ, entity.PropOwner, owner)
		if f == nil {
			return ownerPred
		}
		return filter.NewAnd(ownerPred, f)
	}
	return f
}
