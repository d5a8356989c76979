// Package httpapi exposes the REST surface of spec §6.1 over gorilla/mux:
// capture submission/retrieval, the dynamic query grammar, discovery
// endpoints, named queries and subscription management. Authentication,
// rate limiting, logging and recovery are composed as middleware ahead of
// the router, grounded on the teacher's infrastructure/middleware shapes.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/Robert-Freire/epcis/internal/capture"
	"github.com/Robert-Freire/epcis/internal/identity"
	"github.com/Robert-Freire/epcis/internal/query"
	"github.com/Robert-Freire/epcis/internal/storage"
	"github.com/Robert-Freire/epcis/internal/subscription"
	"github.com/Robert-Freire/epcis/pkg/epcisconfig"
	"github.com/Robert-Freire/epcis/pkg/epcislog"
	"github.com/Robert-Freire/epcis/pkg/epcismetrics"
)

// Deps bundles everything a handler needs. Built once at process start
// and closed over by every handler method.
type Deps struct {
	Config        epcisconfig.Config
	Store         storage.Store
	Capture       *capture.Handler
	Query         *query.Engine
	Subscriptions *subscription.Engine
	Auth          *identity.Auth
	Log           *epcislog.Logger
	Metrics       *epcismetrics.Metrics

	// SOAPHandler, if set, is mounted at /Query.svc ahead of the REST
	// routes (spec §6.2). Kept as a bare http.Handler so this package
	// never imports internal/soapapi.
	SOAPHandler http.Handler
}

// NewRouter builds the full mux.Router: ambient middleware chain, then
// the authenticated API surface.
func NewRouter(d *Deps) http.Handler {
	r := mux.NewRouter()
	r.Use(Recovery(d.Log))
	r.Use(Logging(d.Log, d.Metrics))

	limiter := NewRateLimiter(d.Config.RequestRatePerSecond)
	limiter.StartCleanup(time.Minute)
	r.Use(limiter.Handler)
	r.Use(d.Auth.Handler)

	if d.SOAPHandler != nil {
		r.Handle("/Query.svc", d.SOAPHandler)
	}

	h := &api{d: d}

	r.HandleFunc("/capture", h.postCapture).Methods(http.MethodPost)
	r.HandleFunc("/capture", h.listCaptures).Methods(http.MethodGet)
	r.HandleFunc("/capture/{id}", h.getCapture).Methods(http.MethodGet)

	r.HandleFunc("/events", h.getEvents).Methods(http.MethodGet)

	r.HandleFunc("/eventTypes", h.discovery("eventTypes")).Methods(http.MethodGet)
	r.HandleFunc("/epcs", h.discovery("epcs")).Methods(http.MethodGet)
	r.HandleFunc("/bizSteps", h.discovery("bizSteps")).Methods(http.MethodGet)
	r.HandleFunc("/bizLocations", h.discovery("bizLocations")).Methods(http.MethodGet)
	r.HandleFunc("/readPoints", h.discovery("readPoints")).Methods(http.MethodGet)
	r.HandleFunc("/dispositions", h.discovery("dispositions")).Methods(http.MethodGet)

	r.HandleFunc("/queries", h.postNamedQuery).Methods(http.MethodPost)
	r.HandleFunc("/queries/{name}/events", h.getNamedQueryEvents).Methods(http.MethodGet)
	r.HandleFunc("/queries/{name}", h.deleteNamedQuery).Methods(http.MethodDelete)

	r.HandleFunc("/queries/{name}/subscriptions", h.postSubscription).Methods(http.MethodPost)
	r.HandleFunc("/queries/{name}/subscriptions/{subscriptionId}", h.deleteSubscription).Methods(http.MethodDelete)

	return r
}
