package subscription

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Robert-Freire/epcis/internal/epcis"
	"github.com/Robert-Freire/epcis/internal/storage"
	"github.com/Robert-Freire/epcis/pkg/epciserr"
)

// tenantEvent pairs an event with the tenant that owns it: unlike the
// postgres layer, epcis.Event itself carries no tenant id (that scoping
// lives in the SQL join against captures), so the fake tracks it alongside.
type tenantEvent struct {
	tenantID string
	event    epcis.Event
}

// fakeStore is an in-memory storage.Store/storage.Tx double used to drive
// the dispatcher without a database connection, mirroring the small
// hand-rolled fakes the automation scheduler's own tests use rather than
// a generated mock.
type fakeStore struct {
	mu            sync.Mutex
	events        []tenantEvent
	subscriptions map[string]*epcis.Subscription // keyed by tenantID+"/"+name
	namedQueries  map[string]*epcis.NamedQuery    // keyed by tenantID+"/"+name
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		subscriptions: make(map[string]*epcis.Subscription),
		namedQueries:  make(map[string]*epcis.NamedQuery),
	}
}

func subKey(tenantID, name string) string { return tenantID + "/" + name }

func (f *fakeStore) putSubscription(sub epcis.Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := sub
	f.subscriptions[subKey(sub.TenantID, sub.Name)] = &cp
}

func (f *fakeStore) putEvent(tenantID string, ev epcis.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, tenantEvent{tenantID: tenantID, event: ev})
}

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
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []epcis.Subscription
	for _, s := range f.subscriptions {
		if s.Active {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type fakeTx struct{ store *fakeStore }

func (t *fakeTx) InsertCapture(ctx context.Context, cap *epcis.Capture) error { return nil }
func (t *fakeTx) InsertMasterData(ctx context.Context, md *epcis.MasterData) error { return nil }

func (t *fakeTx) EventIdsMatching(ctx context.Context, tenantID string, filter storage.Predicate, order storage.Order, limit storage.LimitSpec) ([]int64, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	var matched []epcis.Event
	for _, te := range t.store.events {
		if matchPredicate(filter, te) {
			matched = append(matched, te.event)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if order.Key == "recordTime" {
			if order.Ascending {
				return matched[i].RecordTime.Before(matched[j].RecordTime)
			}
			return matched[i].RecordTime.After(matched[j].RecordTime)
		}
		if order.Ascending {
			return matched[i].EventTime.Before(matched[j].EventTime)
		}
		return matched[i].EventTime.After(matched[j].EventTime)
	})
	ids := make([]int64, 0, len(matched))
	for _, ev := range matched {
		ids = append(ids, ev.ID)
	}
	if limit.Max > 0 && len(ids) > limit.Max {
		ids = ids[:limit.Max]
	}
	return ids, nil
}

func (t *fakeTx) HydrateEvents(ctx context.Context, ids []int64) ([]epcis.Event, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	byID := make(map[int64]epcis.Event, len(t.store.events))
	for _, te := range t.store.events {
		byID[te.event.ID] = te.event
	}
	out := make([]epcis.Event, 0, len(ids))
	for _, id := range ids {
		if ev, ok := byID[id]; ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (t *fakeTx) DescendantsOf(ctx context.Context, tenantID, root string) ([]string, error) {
	return nil, nil
}

func (t *fakeTx) UpsertSubscription(ctx context.Context, sub *epcis.Subscription) error {
	t.store.putSubscription(*sub)
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
	s, ok := t.store.subscriptions[subKey(tenantID, name)]
	if !ok {
		return nil, epciserr.NotFound("subscription", name)
	}
	cp := *s
	return &cp, nil
}

func (t *fakeTx) DeleteSubscription(ctx context.Context, tenantID, name string) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	delete(t.store.subscriptions, subKey(tenantID, name))
	return nil
}

func (t *fakeTx) AdvanceSubscriptionCursor(ctx context.Context, tenantID, name string, recordTime time.Time) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	s, ok := t.store.subscriptions[subKey(tenantID, name)]
	if !ok {
		return epciserr.NotFound("subscription", name)
	}
	s.LastExecutedTime = recordTime
	return nil
}

func (t *fakeTx) UpsertNamedQuery(ctx context.Context, nq *epcis.NamedQuery) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	cp := *nq
	t.store.namedQueries[subKey(nq.TenantID, nq.Name)] = &cp
	return nil
}

func (t *fakeTx) GetNamedQuery(ctx context.Context, tenantID, name string) (*epcis.NamedQuery, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	nq, ok := t.store.namedQueries[subKey(tenantID, name)]
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
	delete(t.store.namedQueries, subKey(tenantID, name))
	return nil
}

// matchPredicate evaluates the small predicate subset the subscription
// dispatcher itself constructs (And/Eq/Cmp over tenantId and recordTime);
// it is not a general-purpose predicate evaluator.
func matchPredicate(pred storage.Predicate, te tenantEvent) bool {
	switch p := pred.(type) {
	case storage.And:
		for _, c := range p.Children {
			if !matchPredicate(c, te) {
				return false
			}
		}
		return true
	case storage.Eq:
		switch p.Field {
		case "tenantId":
			return te.tenantID == p.Value
		default:
			return true
		}
	case storage.Cmp:
		switch p.Field {
		case "recordTime":
			t, err := time.Parse(recordTimeLayout, p.Value)
			if err != nil {
				return false
			}
			switch p.Op {
			case storage.OpGT:
				return te.event.RecordTime.After(t)
			case storage.OpGE:
				return !te.event.RecordTime.Before(t)
			case storage.OpLT:
				return te.event.RecordTime.Before(t)
			case storage.OpLE:
				return !te.event.RecordTime.After(t)
			}
		}
		return true
	default:
		return true
	}
}
