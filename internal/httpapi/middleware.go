package httpapi

import (
	"math"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Robert-Freire/epcis/pkg/epcislog"
	"github.com/Robert-Freire/epcis/pkg/epcismetrics"
)

// statusWriter wraps http.ResponseWriter to capture the status code written,
// the way the teacher's logging middleware does.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Logging assigns a trace id to every request, logs method/path/status/
// duration on completion, and records the request/duration metrics.
func Logging(log *epcislog.Logger, metrics *epcismetrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := r.Header.Get("X-Trace-ID")
			if traceID == "" {
				traceID = uuid.NewString()
			}
			ctx := epcislog.WithTraceID(r.Context(), traceID)
			r = r.WithContext(ctx)
			w.Header().Set("X-Trace-ID", traceID)

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			metrics.HTTPRequestsInFlight.Inc()
			next.ServeHTTP(sw, r)
			metrics.HTTPRequestsInFlight.Dec()
			duration := time.Since(start)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, http.StatusText(sw.status)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration.Seconds())

			log.WithContext(ctx).WithFields(map[string]interface{}{
				"method": r.Method, "path": r.URL.Path, "status": sw.status, "duration_ms": duration.Milliseconds(),
			}).Info("http request")
		})
	}
}

// Recovery turns a panic in a downstream handler into a 500 response
// instead of killing the server, grounded on the teacher's recovery
// middleware: defer/recover, log the stack, write a structured error.
func Recovery(log *epcislog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.WithContext(r.Context()).WithFields(map[string]interface{}{
						"panic": rec, "stack": string(debug.Stack()),
					}).Error("panic recovered")
					writeInternalError(w)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter throttles requests per Basic Auth username, falling back to
// the remote address when no username is sent, via one
// golang.org/x/time/rate.Limiter per key —
// mirroring the teacher's per-key limiter map and periodic Cleanup.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewRateLimiter builds a limiter allowing rps requests per second per key,
// with a burst equal to rps (rounded up, minimum 1).
func NewRateLimiter(rps float64) *RateLimiter {
	burst := int(math.Ceil(rps))
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{limiters: make(map[string]*rate.Limiter), rps: rate.Limit(rps), burst: burst}
}

func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[key]
	if !ok {
		l = rate.NewLimiter(rl.rps, rl.burst)
		rl.limiters[key] = l
	}
	return l
}

// Cleanup discards all tracked limiters once the map grows unreasonably
// large, the same blunt bound the teacher's middleware applies rather than
// tracking per-key last-use timestamps.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.limiters) > 10000 {
		rl.limiters = make(map[string]*rate.Limiter)
	}
}

// StartCleanup runs Cleanup on interval until the returned func is called.
func (rl *RateLimiter) StartCleanup(interval time.Duration) (stop func()) {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}

// Handler rejects requests exceeding the per-key rate with 429.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if username, _, ok := r.BasicAuth(); ok && username != "" {
			key = username
		}
		if !rl.limiterFor(key).Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, rateLimitedError())
			return
		}
		next.ServeHTTP(w, r)
	})
}
