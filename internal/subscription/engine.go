// Package subscription implements the standing-query dispatcher (spec
// §4.8): subscriptions fire on capture (OnCapture, pushed through the
// in-process bus) or on a cron schedule (OnSchedule, polled), each run
// re-executes the subscription's own stored query parameters against
// records committed since its cursor and delivers the result with retry,
// then advances the cursor. The named query a subscription is filed under
// is not loaded; its name is only carried on the payload.
//
// The polling shape is grounded on the teacher's automation scheduler: an
// immediate first tick, then a ticker loop, mutex-guarded running state
// and WaitGroup-bounded shutdown.
package subscription

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Robert-Freire/epcis/internal/bus"
	"github.com/Robert-Freire/epcis/internal/epcis"
	"github.com/Robert-Freire/epcis/internal/query"
	"github.com/Robert-Freire/epcis/internal/storage"
	"github.com/Robert-Freire/epcis/pkg/epciserr"
	"github.com/Robert-Freire/epcis/pkg/epcislog"
	"github.com/Robert-Freire/epcis/pkg/epcismetrics"
)

// recordTimeLayout matches the canonical timestamp string form used
// throughout the query/encode packages (EPCIS's fixed-millisecond UTC form).
const recordTimeLayout = "2006-01-02T15:04:05.000Z"

// debounceWindow coalesces a burst of captures for the same OnCapture
// subscription into a single execution.
const debounceWindow = 250 * time.Millisecond

// RetryConfig configures delivery backoff, grounded on the resilience
// package's RetryConfig/Retry shape used elsewhere in this stack.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

// DefaultRetryConfig favors patience over the generic service default:
// a subscriber's endpoint being briefly unreachable shouldn't drop a
// notification, so attempts stretch out to several minutes before giving up.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 10, InitialDelay: time.Second, MaxDelay: 5 * time.Minute, Multiplier: 2.0, Jitter: 0.25}
}

// Engine owns subscription registration and dispatch.
type Engine struct {
	store        storage.Store
	queryEngine  *query.Engine
	deliverer    *deliverer
	retry        RetryConfig
	pollInterval time.Duration
	log          *epcislog.Logger
	metrics      *epcismetrics.Metrics
	cronParser   cron.Parser

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	debounceMu sync.Mutex
	debounce   map[string]*time.Timer
}

// New builds an Engine and subscribes it to eventBus for OnCapture triggers.
func New(store storage.Store, queryEngine *query.Engine, eventBus *bus.Bus, pollInterval time.Duration, signingKey []byte, log *epcislog.Logger, metrics *epcismetrics.Metrics) *Engine {
	e := &Engine{
		store:        store,
		queryEngine:  queryEngine,
		deliverer:    newDeliverer(signingKey, 15*time.Second),
		retry:        DefaultRetryConfig(),
		pollInterval: pollInterval,
		log:          log,
		metrics:      metrics,
		cronParser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		debounce:     make(map[string]*time.Timer),
	}
	eventBus.Subscribe(e.onCapture)
	return e
}

// Register validates and persists a new standing subscription. The name
// must be unique per tenant (spec §4.8).
func (e *Engine) Register(ctx context.Context, sub *epcis.Subscription) error {
	if sub.Trigger == epcis.TriggerOnSchedule {
		if _, err := e.cronParser.Parse(sub.CronExpression); err != nil {
			return epciserr.InvalidParameterValue("cronExpression", sub.CronExpression)
		}
	}
	return e.store.Tx(ctx, func(tx storage.Tx) error {
		if _, err := tx.GetSubscription(ctx, sub.TenantID, sub.Name); err == nil {
			return epciserr.SubscriptionAlreadyExists(sub.Name)
		}
		return tx.UpsertSubscription(ctx, sub)
	})
}

// List returns every subscription owned by tenantID.
func (e *Engine) List(ctx context.Context, tenantID string) ([]epcis.Subscription, error) {
	var out []epcis.Subscription
	err := e.store.Tx(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.ListSubscriptions(ctx, tenantID)
		return err
	})
	return out, err
}

// Get returns one subscription by name.
func (e *Engine) Get(ctx context.Context, tenantID, name string) (*epcis.Subscription, error) {
	var out *epcis.Subscription
	err := e.store.Tx(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.GetSubscription(ctx, tenantID, name)
		return err
	})
	return out, err
}

// Delete removes a subscription by name.
func (e *Engine) Delete(ctx context.Context, tenantID, name string) error {
	return e.store.Tx(ctx, func(tx storage.Tx) error {
		return tx.DeleteSubscription(ctx, tenantID, name)
	})
}

// Start begins the OnSchedule poll loop. OnCapture subscriptions are
// already live via the bus subscription registered in New.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	e.mu.Unlock()

	go e.tick(runCtx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				e.tick(runCtx)
			}
		}
	}()

	e.log.WithContext(ctx).Info("subscription dispatcher started")
	return nil
}

// Stop halts the poll loop and waits for the in-flight tick to finish.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	cancel := e.cancel
	e.running = false
	e.cancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	e.log.WithContext(ctx).Info("subscription dispatcher stopped")
	return nil
}

// tick polls every active subscription and executes the OnSchedule ones
// whose cron expression is due.
func (e *Engine) tick(ctx context.Context) {
	listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	subs, err := e.store.ActiveSubscriptions(listCtx)
	cancel()
	if err != nil {
		e.log.WithContext(ctx).WithError(err).Warn("subscription dispatcher: poll failed")
		return
	}

	now := time.Now().UTC()
	var wg sync.WaitGroup
	for _, sub := range subs {
		if sub.Trigger != epcis.TriggerOnSchedule {
			continue
		}
		due, err := e.isDue(sub, now)
		if err != nil {
			e.log.WithContext(ctx).WithError(err).WithField("subscription", sub.Name).Warn("subscription dispatcher: invalid cron expression")
			continue
		}
		if !due {
			continue
		}
		wg.Add(1)
		go func(sub epcis.Subscription) {
			defer wg.Done()
			e.execute(ctx, sub)
		}(sub)
	}
	wg.Wait()
}

func (e *Engine) isDue(sub epcis.Subscription, now time.Time) (bool, error) {
	schedule, err := e.cronParser.Parse(sub.CronExpression)
	if err != nil {
		return false, err
	}
	baseline := sub.LastExecutedTime
	if baseline.IsZero() {
		baseline = sub.InitialRecordTime
	}
	if baseline.IsZero() {
		return true, nil
	}
	return !schedule.Next(baseline).After(now), nil
}

// onCapture is the bus.Handler registered against the capture event
// stream: it debounces and schedules every OnCapture subscription owned
// by the capturing tenant.
func (e *Engine) onCapture(ctx context.Context, evt bus.RequestCaptured) {
	listCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	subs, err := e.store.ActiveSubscriptions(listCtx)
	cancel()
	if err != nil {
		e.log.WithContext(ctx).WithError(err).Warn("subscription dispatcher: list active subscriptions failed")
		return
	}
	for _, sub := range subs {
		if sub.Trigger != epcis.TriggerOnCapture || sub.TenantID != evt.TenantID {
			continue
		}
		e.scheduleDebounced(sub)
	}
}

func (e *Engine) scheduleDebounced(sub epcis.Subscription) {
	key := sub.TenantID + "/" + sub.Name
	e.debounceMu.Lock()
	defer e.debounceMu.Unlock()
	if t, ok := e.debounce[key]; ok {
		t.Stop()
	}
	e.debounce[key] = time.AfterFunc(debounceWindow, func() {
		e.debounceMu.Lock()
		delete(e.debounce, key)
		e.debounceMu.Unlock()
		e.execute(context.Background(), sub)
	})
}

// execute runs sub's stored query parameters against everything committed since its
// cursor, delivers the result (skipping empty results unless
// ReportIfEmpty), and advances the cursor on successful delivery only.
func (e *Engine) execute(ctx context.Context, sub epcis.Subscription) {
	params := make(map[string][]string, len(sub.Parameters)+1)
	for k, v := range sub.Parameters {
		params[k] = v
	}
	baseline := sub.LastExecutedTime
	if baseline.IsZero() {
		baseline = sub.InitialRecordTime
	}
	if !baseline.IsZero() {
		params["GT_recordTime"] = []string{baseline.UTC().Format(recordTimeLayout)}
	}

	req, err := query.Parse(params)
	if err != nil {
		e.log.WithContext(ctx).WithError(err).WithField("subscription", sub.Name).Warn("subscription dispatcher: invalid query parameters")
		return
	}
	req.Order = storage.Order{Key: "recordTime", Ascending: true}

	result, err := e.queryEngine.Run(ctx, sub.TenantID, false, req)
	if err != nil {
		e.log.WithContext(ctx).WithError(err).WithField("subscription", sub.Name).Warn("subscription dispatcher: query execution failed")
		return
	}
	if len(result.Events) == 0 && !sub.ReportIfEmpty {
		return
	}

	payload := Payload{SubscriptionID: sub.Name, QueryName: sub.QueryName, Events: result.Events}
	if err := e.deliverWithRetry(ctx, sub, payload); err != nil {
		e.metrics.SubscriptionFailuresTotal.WithLabelValues(sub.Name).Inc()
		e.log.WithContext(ctx).WithError(err).WithField("subscription", sub.Name).Error("subscription dispatcher: delivery exhausted retries")
		return
	}
	e.metrics.SubscriptionDeliveriesTotal.WithLabelValues(sub.Name, "ok").Inc()

	if len(result.Events) == 0 {
		return
	}
	newCursor := result.Events[len(result.Events)-1].RecordTime
	advCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.store.Tx(advCtx, func(tx storage.Tx) error {
		return tx.AdvanceSubscriptionCursor(advCtx, sub.TenantID, sub.Name, newCursor)
	}); err != nil {
		e.log.WithContext(ctx).WithError(err).WithField("subscription", sub.Name).Error("subscription dispatcher: failed to advance cursor")
	}
}

func (e *Engine) deliverWithRetry(ctx context.Context, sub epcis.Subscription, payload Payload) error {
	cfg := e.retry
	delay := cfg.InitialDelay
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := e.deliverer.deliver(ctx, sub.Destination, payload); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt < cfg.MaxAttempts-1 {
			e.metrics.SubscriptionRetryTotal.WithLabelValues(sub.Name).Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(addJitter(delay, cfg.Jitter)):
			}
			delay = nextDelay(delay, cfg)
		}
	}
	return lastErr
}

func nextDelay(current time.Duration, cfg RetryConfig) time.Duration {
	next := time.Duration(float64(current) * cfg.Multiplier)
	if next > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return next
}

func addJitter(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	delta := float64(d) * jitter
	return d + time.Duration(rand.Float64()*delta*2-delta)
}
