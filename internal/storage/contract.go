// Package storage defines the engine-agnostic persistence contract that
// the capture handler, query engine and subscription engine depend on.
// Concrete engines (internal/storage/postgres) implement Store; nothing
// above this package ever imports a SQL driver directly.
package storage

import (
	"context"
	"time"

	"github.com/Robert-Freire/epcis/internal/epcis"
)

// Store is the process-wide storage handle. Concurrency is delegated to
// the underlying engine's connection pool (spec §5).
type Store interface {
	// Tx runs fn inside one transaction, rolling back on error or panic.
	Tx(ctx context.Context, fn func(Tx) error) error

	// ListCaptures returns a tenant-scoped, paged list of captures,
	// newest first, for the discovery endpoints (§6.1 GET /capture).
	ListCaptures(ctx context.Context, tenantID string, limit, offset int) ([]epcis.Capture, error)
	// GetCapture loads one capture (without hydrating events) by CaptureID.
	GetCapture(ctx context.Context, tenantID, captureID string) (*epcis.Capture, error)

	// DiscoveryValues returns the distinct values of a vocabulary-like
	// column for GET /eventTypes, /bizSteps, /bizLocations, /readPoints,
	// /dispositions, /epcs.
	DiscoveryValues(ctx context.Context, tenantID, kind string) ([]string, error)

	// ActiveSubscriptions returns every active subscription across all
	// tenants, for the dispatcher's poll loop. Unlike Tx.ListSubscriptions
	// this is intentionally not tenant-scoped: the dispatcher is a single
	// process-wide background loop, not a per-request caller.
	ActiveSubscriptions(ctx context.Context) ([]epcis.Subscription, error)
}

// Tx is the transactional surface used mid-capture and mid-query.
type Tx interface {
	InsertCapture(ctx context.Context, cap *epcis.Capture) error
	InsertMasterData(ctx context.Context, md *epcis.MasterData) error

	// EventIdsMatching executes phase 1 of the two-phase retrieval: it
	// returns matching event primary keys in the requested order,
	// respecting limit/cursor, without hydrating owned collections.
	EventIdsMatching(ctx context.Context, tenantID string, filter Predicate, order Order, limit LimitSpec) ([]int64, error)

	// HydrateEvents executes phase 2: loads full event aggregates
	// (including all owned children) for exactly the given ids, in the
	// order given.
	HydrateEvents(ctx context.Context, ids []int64) ([]epcis.Event, error)

	// DescendantsOf returns URIs masterdata declares as descendants of
	// root (for WD_ "with descendants" predicates).
	DescendantsOf(ctx context.Context, tenantID, root string) ([]string, error)

	UpsertSubscription(ctx context.Context, sub *epcis.Subscription) error
	ListSubscriptions(ctx context.Context, tenantID string) ([]epcis.Subscription, error)
	GetSubscription(ctx context.Context, tenantID, name string) (*epcis.Subscription, error)
	DeleteSubscription(ctx context.Context, tenantID, name string) error
	// AdvanceSubscriptionCursor sets lastExecutedTime; serialized per
	// subscription (spec §5 Mutation policy).
	AdvanceSubscriptionCursor(ctx context.Context, tenantID, name string, recordTime time.Time) error

	UpsertNamedQuery(ctx context.Context, nq *epcis.NamedQuery) error
	GetNamedQuery(ctx context.Context, tenantID, name string) (*epcis.NamedQuery, error)
	ListNamedQueries(ctx context.Context, tenantID string) ([]epcis.NamedQuery, error)
	DeleteNamedQuery(ctx context.Context, tenantID, name string) error
}

// Order is the requested result ordering (spec §4.6 orderBy/orderDirection).
type Order struct {
	Key       string // "eventTime" | "recordTime"
	Ascending bool
}

// LimitSpec bounds phase 1, and carries an optional pagination cursor.
type LimitSpec struct {
	Max    int  // hard row cap for this call (after MaxEventsReturnedInQuery enforcement)
	Cursor *Cursor
}

// Cursor is the decoded pagination token (spec §4.6).
type Cursor struct {
	OrderKey   string
	OrderValue string // canonical string form of the order key's value on the last emitted row
	ID         int64
}
