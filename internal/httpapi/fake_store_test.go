package httpapi

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Robert-Freire/epcis/internal/epcis"
	"github.com/Robert-Freire/epcis/internal/storage"
	"github.com/Robert-Freire/epcis/pkg/epciserr"
)

// fakeStore is a minimal in-memory storage.Store/storage.Tx double
// exercising the capture and query paths without a database connection,
// in the same spirit as internal/subscription's own fake.
type fakeStore struct {
	mu            sync.Mutex
	nextID        int64
	captures      []epcis.Capture
	events        map[int64]epcis.Event // keyed by event id; CaptureID/tenant tracked via the owning capture
	eventTenant   map[int64]string
	namedQueries  map[string]*epcis.NamedQuery
	subscriptions map[string]*epcis.Subscription
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		events:        make(map[int64]epcis.Event),
		eventTenant:   make(map[int64]string),
		namedQueries:  make(map[string]*epcis.NamedQuery),
		subscriptions: make(map[string]*epcis.Subscription),
	}
}

func key(tenantID, name string) string { return tenantID + "/" + name }

func (f *fakeStore) Tx(ctx context.Context, fn func(storage.Tx) error) error {
	return fn(&fakeTx{store: f})
}

func (f *fakeStore) ListCaptures(ctx context.Context, tenantID string, limit, offset int) ([]epcis.Capture, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []epcis.Capture
	for _, c := range f.captures {
		if c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) GetCapture(ctx context.Context, tenantID, captureID string) (*epcis.Capture, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.captures {
		if c.TenantID == tenantID && c.CaptureID == captureID {
			cp := c
			cp.Events = nil
			return &cp, nil
		}
	}
	return nil, epciserr.NotFound("capture", captureID)
}

func (f *fakeStore) DiscoveryValues(ctx context.Context, tenantID, kind string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for id, ev := range f.events {
		if f.eventTenant[id] != tenantID {
			continue
		}
		var v string
		switch kind {
		case "eventTypes":
			v = string(ev.Type)
		case "bizSteps":
			v = ev.BusinessStep
		case "bizLocations":
			v = ev.BusinessLocation
		case "readPoints":
			v = ev.ReadPoint
		case "dispositions":
			v = ev.Disposition
		}
		if v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeStore) ActiveSubscriptions(ctx context.Context) ([]epcis.Subscription, error) {
	return nil, nil
}

type fakeTx struct{ store *fakeStore }

func (t *fakeTx) InsertCapture(ctx context.Context, cap *epcis.Capture) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for i := range cap.Events {
		t.store.nextID++
		cap.Events[i].ID = t.store.nextID
		t.store.events[cap.Events[i].ID] = cap.Events[i]
		t.store.eventTenant[cap.Events[i].ID] = cap.TenantID
	}
	t.store.nextID++
	cap.ID = t.store.nextID
	t.store.captures = append(t.store.captures, *cap)
	return nil
}

func (t *fakeTx) InsertMasterData(ctx context.Context, md *epcis.MasterData) error { return nil }

func (t *fakeTx) EventIdsMatching(ctx context.Context, tenantID string, filter storage.Predicate, order storage.Order, limit storage.LimitSpec) ([]int64, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	captureFilter := int64(-1)
	if and, ok := filter.(storage.And); ok {
		for _, c := range and.Children {
			if eq, ok := c.(storage.Eq); ok && eq.Field == "captureId" {
				var id int64
				for _, r := range eq.Value {
					id = id*10 + int64(r-'0')
				}
				captureFilter = id
			}
		}
	}

	var ids []int64
	for id, ev := range t.store.events {
		if t.store.eventTenant[id] != tenantID {
			continue
		}
		if captureFilter >= 0 && ev.CaptureID != captureFilter {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ei, ej := t.store.events[ids[i]], t.store.events[ids[j]]
		if order.Ascending {
			return ei.EventTime.Before(ej.EventTime)
		}
		return ei.EventTime.After(ej.EventTime)
	})
	if limit.Max > 0 && len(ids) > limit.Max {
		ids = ids[:limit.Max]
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
	return nil, nil
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
	return nil, nil
}

func (t *fakeTx) DeleteNamedQuery(ctx context.Context, tenantID, name string) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	delete(t.store.namedQueries, key(tenantID, name))
	return nil
}
