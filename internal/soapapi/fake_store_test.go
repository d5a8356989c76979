package soapapi

import (
	"context"
	"sync"
	"time"

	"github.com/Robert-Freire/epcis/internal/epcis"
	"github.com/Robert-Freire/epcis/internal/storage"
	"github.com/Robert-Freire/epcis/pkg/epciserr"
)

// fakeStore is a minimal in-memory storage.Store/storage.Tx double, in the
// same spirit as internal/httpapi's and internal/subscription's own fakes.
type fakeStore struct {
	mu            sync.Mutex
	events        []epcis.Event
	eventTenant   []string
	namedQueries  map[string]*epcis.NamedQuery
	subscriptions map[string]*epcis.Subscription
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		namedQueries:  make(map[string]*epcis.NamedQuery),
		subscriptions: make(map[string]*epcis.Subscription),
	}
}

func key(tenantID, name string) string { return tenantID + "/" + name }

func (f *fakeStore) Tx(ctx context.Context, fn func(storage.Tx) error) error {
	return fn(&fakeTx{store: f})
}

func (f *fakeStore) ListCaptures(ctx context.Context, tenantID string, limit, offset int) ([]epcis.Capture, error) {
	return nil, nil
}

func (f *fakeStore) GetCapture(ctx context.Context, tenantID, captureID string) (*epcis.Capture, error) {
	return nil, epciserr.NotFound("capture", captureID)
}

func (f *fakeStore) DiscoveryValues(ctx context.Context, tenantID, kind string) ([]string, error) {
	return nil, nil
}

func (f *fakeStore) ActiveSubscriptions(ctx context.Context) ([]epcis.Subscription, error) {
	return nil, nil
}

type fakeTx struct{ store *fakeStore }

func (t *fakeTx) InsertCapture(ctx context.Context, cap *epcis.Capture) error { return nil }

func (t *fakeTx) InsertMasterData(ctx context.Context, md *epcis.MasterData) error { return nil }

func (t *fakeTx) EventIdsMatching(ctx context.Context, tenantID string, filter storage.Predicate, order storage.Order, limit storage.LimitSpec) ([]int64, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	var ids []int64
	for i, tid := range t.store.eventTenant {
		if tid == tenantID {
			ids = append(ids, int64(i))
		}
	}
	return ids, nil
}

func (t *fakeTx) HydrateEvents(ctx context.Context, ids []int64) ([]epcis.Event, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	out := make([]epcis.Event, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.store.events[id])
	}
	return out, nil
}

func (t *fakeTx) DescendantsOf(ctx context.Context, tenantID, root string) ([]string, error) {
	return nil, nil
}

func (t *fakeTx) UpsertSubscription(ctx context.Context, sub *epcis.Subscription) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	cp := *sub
	t.store.subscriptions[key(sub.TenantID, sub.Name)] = &cp
	return nil
}

func (t *fakeTx) ListSubscriptions(ctx context.Context, tenantID string) ([]epcis.Subscription, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	var out []epcis.Subscription
	for _, s := range t.store.subscriptions {
		if s.TenantID == tenantID {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (t *fakeTx) GetSubscription(ctx context.Context, tenantID, name string) (*epcis.Subscription, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	s, ok := t.store.subscriptions[key(tenantID, name)]
	if !ok {
		return nil, epciserr.NotFound("subscription", name)
	}
	cp := *s
	return &cp, nil
}

func (t *fakeTx) DeleteSubscription(ctx context.Context, tenantID, name string) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	delete(t.store.subscriptions, key(tenantID, name))
	return nil
}

func (t *fakeTx) AdvanceSubscriptionCursor(ctx context.Context, tenantID, name string, recordTime time.Time) error {
	return nil
}

func (t *fakeTx) UpsertNamedQuery(ctx context.Context, nq *epcis.NamedQuery) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	cp := *nq
	t.store.namedQueries[key(nq.TenantID, nq.Name)] = &cp
	return nil
}

func (t *fakeTx) GetNamedQuery(ctx context.Context, tenantID, name string) (*epcis.NamedQuery, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	nq, ok := t.store.namedQueries[key(tenantID, name)]
	if !ok {
		return nil, epciserr.NotFound("query", name)
	}
	cp := *nq
	return &cp, nil
}

func (t *fakeTx) ListNamedQueries(ctx context.Context, tenantID string) ([]epcis.NamedQuery, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	var out []epcis.NamedQuery
	for _, nq := range t.store.namedQueries {
		if nq.TenantID == tenantID {
			out = append(out, *nq)
		}
	}
	return out, nil
}

func (t *fakeTx) DeleteNamedQuery(ctx context.Context, tenantID, name string) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	delete(t.store.namedQueries, key(tenantID, name))
	return nil
}
