package subscription

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Robert-Freire/epcis/internal/bus"
	"github.com/Robert-Freire/epcis/internal/epcis"
	"github.com/Robert-Freire/epcis/internal/query"
	"github.com/Robert-Freire/epcis/pkg/epciserr"
	"github.com/Robert-Freire/epcis/pkg/epcislog"
	"github.com/Robert-Freire/epcis/pkg/epcismetrics"
)

func testEngine(t *testing.T, store *fakeStore) *Engine {
	t.Helper()
	log := epcislog.New("subscription-test", "error", "text")
	metrics := epcismetrics.NewWithRegistry("subscription-test", prometheus.NewRegistry())
	qe := query.NewEngine(store, 1000, []byte("pagination-secret"))
	e := New(store, qe, bus.New(4), time.Hour, []byte("signing-secret"), log, metrics)
	e.retry = RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1, Jitter: 0}
	return e
}

func TestEngine_RegisterRejectsDuplicateName(t *testing.T) {
	store := newFakeStore()
	e := testEngine(t, store)
	ctx := context.Background()

	sub := &epcis.Subscription{Name: "s1", TenantID: "tenant-a", QueryName: "q1", Trigger: epcis.TriggerOnCapture, Destination: "http://example.invalid/hook", Active: true}
	require.NoError(t, e.Register(ctx, sub))

	err := e.Register(ctx, &epcis.Subscription{Name: "s1", TenantID: "tenant-a", QueryName: "q1", Trigger: epcis.TriggerOnCapture, Destination: "http://example.invalid/hook"})
	require.Error(t, err)
	re, ok := epciserr.AsRepositoryError(err)
	require.True(t, ok)
	assert.Equal(t, epciserr.CodeSubscriptionAlreadyExists, re.Code)
}

func TestEngine_RegisterRejectsInvalidCron(t *testing.T) {
	store := newFakeStore()
	e := testEngine(t, store)

	err := e.Register(context.Background(), &epcis.Subscription{
		Name: "s1", TenantID: "tenant-a", QueryName: "q1",
		Trigger: epcis.TriggerOnSchedule, CronExpression: "not a cron expression",
	})
	require.Error(t, err)
}

func TestEngine_RegisterAllowsSameNameAcrossTenants(t *testing.T) {
	store := newFakeStore()
	e := testEngine(t, store)
	ctx := context.Background()

	require.NoError(t, e.Register(ctx, &epcis.Subscription{Name: "s1", TenantID: "tenant-a", QueryName: "q1", Trigger: epcis.TriggerOnCapture, Destination: "http://example.invalid/hook"}))
	require.NoError(t, e.Register(ctx, &epcis.Subscription{Name: "s1", TenantID: "tenant-b", QueryName: "q1", Trigger: epcis.TriggerOnCapture, Destination: "http://example.invalid/hook"}))

	listA, err := e.List(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Len(t, listA, 1)
	listB, err := e.List(ctx, "tenant-b")
	require.NoError(t, err)
	assert.Len(t, listB, 1)
}

func TestEngine_GetAndDelete(t *testing.T) {
	store := newFakeStore()
	e := testEngine(t, store)
	ctx := context.Background()

	require.NoError(t, e.Register(ctx, &epcis.Subscription{Name: "s1", TenantID: "tenant-a", QueryName: "q1", Trigger: epcis.TriggerOnCapture, Destination: "http://example.invalid/hook"}))

	got, err := e.Get(ctx, "tenant-a", "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.Name)

	require.NoError(t, e.Delete(ctx, "tenant-a", "s1"))
	_, err = e.Get(ctx, "tenant-a", "s1")
	require.Error(t, err)
}

func TestEngine_IsDue(t *testing.T) {
	store := newFakeStore()
	e := testEngine(t, store)

	sub := epcis.Subscription{Name: "s1", TenantID: "tenant-a", Trigger: epcis.TriggerOnSchedule, CronExpression: "* * * * *"}
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	due, err := e.isDue(sub, now)
	require.NoError(t, err)
	assert.True(t, due, "a subscription with no prior run is due immediately")

	sub.LastExecutedTime = now
	due, err = e.isDue(sub, now.Add(30*time.Second))
	require.NoError(t, err)
	assert.False(t, due, "not due before the next whole minute")

	due, err = e.isDue(sub, now.Add(61*time.Second))
	require.NoError(t, err)
	assert.True(t, due)
}

func TestEngine_IsDueRejectsInvalidCron(t *testing.T) {
	store := newFakeStore()
	e := testEngine(t, store)
	sub := epcis.Subscription{Name: "s1", CronExpression: "garbage", Trigger: epcis.TriggerOnSchedule}
	_, err := e.isDue(sub, time.Now())
	require.Error(t, err)
}

// recordingDestination captures every payload POSTed to it, for tests
// that exercise execute()'s end-to-end delivery and cursor-advance path.
type recordingDestination struct {
	srv      *httptest.Server
	payloads chan Payload
}

func newRecordingDestination(t *testing.T) *recordingDestination {
	t.Helper()
	ch := make(chan Payload, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p Payload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		ch <- p
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return &recordingDestination{srv: srv, payloads: ch}
}

func TestEngine_ExecuteSkipsEmptyResultUnlessReportIfEmpty(t *testing.T) {
	store := newFakeStore()
	e := testEngine(t, store)
	dest := newRecordingDestination(t)

	sub := epcis.Subscription{
		Name: "s1", TenantID: "tenant-a", QueryName: "q1",
		Trigger: epcis.TriggerOnSchedule, Destination: dest.srv.URL, ReportIfEmpty: false, Active: true,
	}
	store.putSubscription(sub)

	e.execute(context.Background(), sub)
	select {
	case <-dest.payloads:
		t.Fatal("expected no delivery for an empty result with ReportIfEmpty false")
	case <-time.After(50 * time.Millisecond):
	}

	got, err := e.Get(context.Background(), "tenant-a", "s1")
	require.NoError(t, err)
	assert.True(t, got.LastExecutedTime.IsZero(), "cursor must not advance when nothing was delivered")
}

func TestEngine_ExecuteDeliversAndAdvancesCursor(t *testing.T) {
	store := newFakeStore()
	e := testEngine(t, store)
	dest := newRecordingDestination(t)

	t1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	store.putEvent("tenant-a", epcis.Event{ID: 1, EventID: "e1", RecordTime: t1, EventTime: t1})
	store.putEvent("tenant-a", epcis.Event{ID: 2, EventID: "e2", RecordTime: t2, EventTime: t2})
	store.putEvent("tenant-b", epcis.Event{ID: 3, EventID: "e3", RecordTime: t2, EventTime: t2})

	sub := epcis.Subscription{
		Name: "s1", TenantID: "tenant-a", QueryName: "q1",
		Trigger: epcis.TriggerOnSchedule, Destination: dest.srv.URL, Active: true,
	}
	store.putSubscription(sub)

	e.execute(context.Background(), sub)

	select {
	case payload := <-dest.payloads:
		assert.Equal(t, "s1", payload.SubscriptionID)
		require.Len(t, payload.Events, 2, "only tenant-a's events should be delivered")
		assert.Equal(t, "e1", payload.Events[0].EventID)
		assert.Equal(t, "e2", payload.Events[1].EventID)
	case <-time.After(time.Second):
		t.Fatal("expected a delivery")
	}

	got, err := e.Get(context.Background(), "tenant-a", "s1")
	require.NoError(t, err)
	assert.True(t, got.LastExecutedTime.Equal(t2), "cursor should advance to the last delivered event's recordTime")

	// A second execute with nothing newer than the cursor delivers nothing.
	e.execute(context.Background(), *got)
	select {
	case <-dest.payloads:
		t.Fatal("expected no further delivery once the cursor has caught up")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEngine_OnCaptureFiltersByTenantAndTrigger(t *testing.T) {
	store := newFakeStore()
	e := testEngine(t, store)
	dest := newRecordingDestination(t)

	store.putSubscription(epcis.Subscription{
		Name: "onCapture", TenantID: "tenant-a", QueryName: "q1",
		Trigger: epcis.TriggerOnCapture, Destination: dest.srv.URL, ReportIfEmpty: true, Active: true,
	})
	store.putSubscription(epcis.Subscription{
		Name: "onSchedule", TenantID: "tenant-a", QueryName: "q1",
		Trigger: epcis.TriggerOnSchedule, CronExpression: "* * * * *", Destination: dest.srv.URL, ReportIfEmpty: true, Active: true,
	})

	e.onCapture(context.Background(), bus.RequestCaptured{TenantID: "tenant-b"})
	select {
	case <-dest.payloads:
		t.Fatal("a capture for a different tenant must not trigger a delivery")
	case <-time.After(debounceWindow + 100*time.Millisecond):
	}

	e.onCapture(context.Background(), bus.RequestCaptured{TenantID: "tenant-a"})
	select {
	case p := <-dest.payloads:
		assert.Equal(t, "onCapture", p.SubscriptionID)
	case <-time.After(debounceWindow + time.Second):
		t.Fatal("expected the OnCapture subscription to fire")
	}
	select {
	case p := <-dest.payloads:
		t.Fatalf("the OnSchedule subscription must not fire from onCapture: got %v", p)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEngine_ScheduleDebouncedCoalescesBursts(t *testing.T) {
	store := newFakeStore()
	e := testEngine(t, store)
	dest := newRecordingDestination(t)

	sub := epcis.Subscription{
		Name: "s1", TenantID: "tenant-a", QueryName: "q1",
		Trigger: epcis.TriggerOnCapture, Destination: dest.srv.URL, ReportIfEmpty: true,
	}

	for i := 0; i < 5; i++ {
		e.scheduleDebounced(sub)
	}

	deliveries := 0
	deadline := time.After(debounceWindow + time.Second)
loop:
	for {
		select {
		case <-dest.payloads:
			deliveries++
		case <-deadline:
			break loop
		}
	}
	assert.Equal(t, 1, deliveries, "a burst of captures for the same subscription should coalesce into one delivery")
}

func TestEngine_StartStopIdempotent(t *testing.T) {
	store := newFakeStore()
	e := testEngine(t, store)
	e.pollInterval = time.Hour
	ctx := context.Background()

	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.Start(ctx), "starting twice must be a no-op, not a second poll loop")
	require.NoError(t, e.Stop(ctx))
	require.NoError(t, e.Stop(ctx), "stopping twice must be a no-op")
}

func TestEngine_DeliverWithRetryGivesUpAfterMaxAttempts(t *testing.T) {
	store := newFakeStore()
	e := testEngine(t, store)

	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sub := epcis.Subscription{Name: "s1", TenantID: "tenant-a", Destination: srv.URL}
	err := e.deliverWithRetry(context.Background(), sub, Payload{SubscriptionID: "s1"})
	require.Error(t, err)
	assert.Equal(t, e.retry.MaxAttempts, attempts)
}

func TestNextDelayCapsAtMaxDelay(t *testing.T) {
	cfg := RetryConfig{InitialDelay: time.Second, MaxDelay: 3 * time.Second, Multiplier: 2}
	d := nextDelay(2*time.Second, cfg)
	assert.Equal(t, 3*time.Second, d, "growth must clamp at MaxDelay")
}
