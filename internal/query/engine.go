package query

import (
	"context"

	"github.com/Robert-Freire/epcis/internal/epcis"
	"github.com/Robert-Freire/epcis/internal/storage"
	"github.com/Robert-Freire/epcis/pkg/epciserr"
)

// Engine runs parsed Requests against a storage.Store, enforcing tenant
// scoping and result-size caps and performing the mandatory two-phase
// retrieval (spec §4.6).
type Engine struct {
	store                    storage.Store
	maxEventsReturnedInQuery int
	paginationSecret         []byte
}

// NewEngine builds an Engine bound to store, with the configured hard cap
// on rows returned per query and the HMAC secret used to sign cursors.
func NewEngine(store storage.Store, maxEventsReturnedInQuery int, paginationSecret []byte) *Engine {
	return &Engine{store: store, maxEventsReturnedInQuery: maxEventsReturnedInQuery, paginationSecret: paginationSecret}
}

// Result is one page of a query: the hydrated events in phase-1 order and
// the cursor a caller should present to fetch the next page, if any.
type Result struct {
	Events        []epcis.Event
	NextPageToken string
}

// Run executes req for tenantID. isSuperUser bypasses tenant scoping; it
// must be computed by the caller from explicit configuration, never
// inferred here (spec §4.6 Tenant enforcement).
func (e *Engine) Run(ctx context.Context, tenantID string, isSuperUser bool, req *Request) (*Result, error) {
	limit := req.PerPage
	if req.MaxEventCount > 0 && req.MaxEventCount < limit {
		limit = req.MaxEventCount
	}
	if limit > e.maxEventsReturnedInQuery {
		if req.EventCountLimit > 0 {
			return nil, epciserr.QueryTooLarge(e.maxEventsReturnedInQuery, limit)
		}
		limit = e.maxEventsReturnedInQuery
	}
	if req.EventCountLimit > 0 {
		if req.EventCountLimit > e.maxEventsReturnedInQuery {
			return nil, epciserr.QueryTooLarge(e.maxEventsReturnedInQuery, req.EventCountLimit)
		}
		limit = req.EventCountLimit
	}

	limitSpec := storage.LimitSpec{Max: limit}
	if req.NextPageToken != "" {
		cursor, err := DecodeCursor(e.paginationSecret, req.NextPageToken)
		if err != nil {
			return nil, err
		}
		limitSpec.Cursor = cursor
	}

	pred := e.scopedPredicate(tenantID, isSuperUser, req.Predicate)

	var ids []int64
	var events []epcis.Event
	err := e.store.Tx(ctx, func(tx storage.Tx) error {
		var err error
		ids, err = tx.EventIdsMatching(ctx, tenantID, pred, req.Order, limitSpec)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		events, err = tx.HydrateEvents(ctx, ids)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, epciserr.Canceled()
		}
		if re, ok := epciserr.AsRepositoryError(err); ok {
			return nil, re
		}
		return nil, epciserr.StorageError(err)
	}

	// Phase 2 ordering MUST preserve phase-1 order. HydrateEvents is
	// contractually required to return events in the id order given, but
	// we re-sort defensively here with an id->position map (O(n), not
	// O(n^2)) so a storage implementation bug can't silently reorder a
	// caller's result set.
	events = reorderByIDs(events, ids)

	result := &Result{Events: events}
	if len(ids) > 0 && len(ids) >= limit {
		// recordTime is denormalized onto the event row by the storage
		// layer's phase-1 projection specifically so cursor construction
		// here never needs to reach back into the owning Capture.
		last := events[len(events)-1]
		orderTime := last.EventTime
		if req.Order.Key == "recordTime" {
			orderTime = last.RecordTime
		}
		orderValue := orderTime.Format("2006-01-02T15:04:05.000Z")
		result.NextPageToken = EncodeCursor(e.paginationSecret, storage.Cursor{
			OrderKey: req.Order.Key, OrderValue: orderValue, ID: last.ID,
		})
	}
	return result, nil
}

// scopedPredicate prepends the tenant-isolation predicate, which no caller
// parameter can remove.
func (e *Engine) scopedPredicate(tenantID string, isSuperUser bool, pred storage.Predicate) storage.Predicate {
	if isSuperUser {
		if pred == nil {
			return storage.And{}
		}
		return pred
	}
	tenantPred := storage.Eq{Field: "tenantId", Value: tenantID}
	if pred == nil {
		return tenantPred
	}
	return storage.And{Children: []storage.Predicate{tenantPred, pred}}
}

// reorderByIDs builds an id->position map in O(n) and uses it to place
// events in the exact order of ids, per spec §4.6's explicit prohibition
// on a linear indexOf per element.
func reorderByIDs(events []epcis.Event, ids []int64) []epcis.Event {
	byID := make(map[int64]epcis.Event, len(events))
	for _, ev := range events {
		byID[ev.ID] = ev
	}
	out := make([]epcis.Event, 0, len(ids))
	for _, id := range ids {
		if ev, ok := byID[id]; ok {
			out = append(out, ev)
		}
	}
	return out
}
