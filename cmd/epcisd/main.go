// Command epcisd runs the combined EPCIS capture/query repository: the
// REST surface, the SOAP 1.2 query binding, and the subscription
// dispatcher, all sharing one postgres-backed store. Graceful shutdown is
// grounded on the teacher's infrastructure/service/runner.go: an
// http.Server started in a goroutine, SIGINT/SIGTERM caught on a signal
// channel, then a bounded Shutdown.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Robert-Freire/epcis/internal/bus"
	"github.com/Robert-Freire/epcis/internal/capture"
	"github.com/Robert-Freire/epcis/internal/httpapi"
	"github.com/Robert-Freire/epcis/internal/identity"
	"github.com/Robert-Freire/epcis/internal/query"
	"github.com/Robert-Freire/epcis/internal/soapapi"
	"github.com/Robert-Freire/epcis/internal/storage/postgres"
	"github.com/Robert-Freire/epcis/internal/subscription"
	"github.com/Robert-Freire/epcis/pkg/epcisconfig"
	"github.com/Robert-Freire/epcis/pkg/epcislog"
	"github.com/Robert-Freire/epcis/pkg/epcismetrics"
)

func main() {
	cfg := epcisconfig.FromEnv()
	log := epcislog.New("epcisd", cfg.LogLevel, cfg.LogFormat)

	if cfg.ConnectionString == "" {
		log.Fatal("EPCIS_DATABASE_URL is required")
	}
	if err := postgres.Migrate(cfg.ConnectionString); err != nil {
		log.WithError(err).Fatal("schema migration failed")
	}

	store, err := postgres.Open(cfg.ConnectionString)
	if err != nil {
		log.WithError(err).Fatal("failed to open storage")
	}
	defer store.Close()

	if cfg.IdentityCredentialsPath == "" {
		log.Fatal("EPCIS_IDENTITY_CREDENTIALS_PATH is required")
	}
	credStore, err := identity.Load(cfg.IdentityCredentialsPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load identity credentials")
	}
	auth := identity.New(credStore, log)

	metrics := epcismetrics.New("epcisd")
	eventBus := bus.New(16)

	captureHandler := capture.New(store, eventBus, cfg.MaxEventsPerCall, log, metrics)
	queryEngine := query.NewEngine(store, cfg.MaxEventsReturnedInQuery, cfg.PaginationSecret)
	subEngine := subscription.New(store, queryEngine, eventBus, cfg.SubscriptionPollInterval, cfg.SubscriptionSigningKey, log, metrics)

	ctx, stopSignals := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	if err := subEngine.Start(ctx); err != nil {
		log.WithError(err).Fatal("failed to start subscription engine")
	}

	soapHandler := soapapi.New(store, queryEngine, subEngine, log)

	router := httpapi.NewRouter(&httpapi.Deps{
		Config:        cfg,
		Store:         store,
		Capture:       captureHandler,
		Query:         queryEngine,
		Subscriptions: subEngine,
		Auth:          auth,
		Log:           log,
		Metrics:       metrics,
		SOAPHandler:   soapHandler,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", router)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Infof("epcisd listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server error")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown error")
	}
	if err := subEngine.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("subscription engine stop error")
	}
	log.Info("stopped")
}
