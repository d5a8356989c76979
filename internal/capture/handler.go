// Package capture orchestrates one EPCIS document submission from decoded
// aggregate to durably-persisted state under at-most-one transaction
// (spec §4.4).
package capture

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Robert-Freire/epcis/internal/bus"
	"github.com/Robert-Freire/epcis/internal/epcis"
	"github.com/Robert-Freire/epcis/internal/hash"
	"github.com/Robert-Freire/epcis/internal/storage"
	"github.com/Robert-Freire/epcis/internal/validate"
	"github.com/Robert-Freire/epcis/pkg/epciserr"
	"github.com/Robert-Freire/epcis/pkg/epcislog"
	"github.com/Robert-Freire/epcis/pkg/epcismetrics"
)

// Handler stores captures. It is the single write path for Capture
// aggregates — nothing else in the repository inserts one.
type Handler struct {
	store             storage.Store
	bus               *bus.Bus
	maxEventsPerCall  int
	log               *epcislog.Logger
	metrics           *epcismetrics.Metrics
}

// New builds a Handler bound to store and bus, enforcing maxEventsPerCall.
func New(store storage.Store, eventBus *bus.Bus, maxEventsPerCall int, log *epcislog.Logger, metrics *epcismetrics.Metrics) *Handler {
	return &Handler{store: store, bus: eventBus, maxEventsPerCall: maxEventsPerCall, log: log, metrics: metrics}
}

// Store runs the full capture pipeline: cap check, validate, hash unset
// eventIds, persist in one transaction, publish best-effort.
func (h *Handler) Store(ctx context.Context, cap *epcis.Capture) (*epcis.Capture, error) {
	start := time.Now()
	outcome := "error"
	defer func() {
		h.metrics.CapturesTotal.WithLabelValues(outcome).Inc()
		h.metrics.CaptureDuration.Observe(time.Since(start).Seconds())
	}()

	if len(cap.Events) > h.maxEventsPerCall {
		outcome = "capture_limit_exceeded"
		return nil, epciserr.CaptureLimitExceeded(h.maxEventsPerCall, len(cap.Events))
	}

	if err := validate.Capture(cap); err != nil {
		outcome = "validation_failed"
		return nil, err
	}

	for i := range cap.Events {
		ev := &cap.Events[i]
		if ev.EventID == "" {
			ev.EventID = hash.EventID(ev)
		}
	}

	if cap.CaptureID == "" {
		cap.CaptureID = uuid.NewString()
	}

	err := h.store.Tx(ctx, func(tx storage.Tx) error {
		cap.RecordTime = time.Now().UTC()
		return tx.InsertCapture(ctx, cap)
	})
	if err != nil {
		if ctx.Err() != nil {
			outcome = "canceled"
			return nil, epciserr.Canceled()
		}
		outcome = "storage_error"
		return nil, epciserr.StorageError(err)
	}

	outcome = "ok"
	h.metrics.CaptureEventsTotal.Add(float64(len(cap.Events)))
	h.log.WithContext(ctx).WithFields(map[string]interface{}{
		"capture_id": cap.CaptureID, "event_count": len(cap.Events),
	}).Info("capture persisted")

	// Publish happens strictly after commit and is best-effort: it never
	// affects the caller's result (spec §4.4 step 5, §5 ordering guarantees).
	h.bus.Publish(ctx, bus.RequestCaptured{CaptureID: cap.CaptureID, TenantID: cap.TenantID})

	return cap, nil
}
