package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/basalt-run/blama/internal/logger"
	"github.com/basalt-run/blama/internal/metrics"
)

// withRequestLogging records one structured log line and a pair of
// Prometheus observations per request, the way the teacher's webui
// logging middleware did, but through the shared zerolog-backed logger
// and metrics registry instead of a standalone slog/prometheus pair.
func withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics.HTTPRequestsInFlight.Inc()
		defer metrics.HTTPRequestsInFlight.Dec()

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		elapsed := time.Since(start)

		metrics.HTTPRequestDuration.WithLabelValues(r.URL.Path, r.Method, strconv.Itoa(sw.status)).Observe(elapsed.Seconds())
		logger.Log.Info("http request",
			"method", r.Method, "path", r.URL.Path, "status", sw.status,
			"duration_ms", elapsed.Seconds()*1000, "remote", r.RemoteAddr)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// apiKeyAuth gates every request behind a constant-time comparison
// against a single configured key, plus a coarse per-key request rate
// limit. An empty key disables the check entirely.
type apiKeyAuth struct {
	key string

	mu     sync.Mutex
	window int64
	count  int
	perMin int
}

func newAPIKeyAuth(key string) *apiKeyAuth {
	return &apiKeyAuth{key: key, perMin: 100}
}

func (a *apiKeyAuth) wrap(next http.Handler) http.Handler {
	if a.key == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := extractAPIKey(r)
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(a.key)) != 1 {
			writeError(w, http.StatusUnauthorized, errInvalidAPIKey)
			return
		}
		if !a.allow() {
			writeError(w, http.StatusTooManyRequests, errRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *apiKeyAuth) allow() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	minute := time.Now().Unix() / 60
	if minute != a.window {
		a.window = minute
		a.count = 0
	}
	if a.count >= a.perMin {
		return false
	}
	a.count++
	return true
}

func extractAPIKey(r *http.Request) string {
	if v := r.Header.Get("Authorization"); strings.HasPrefix(v, "ApiKey ") {
		return strings.TrimPrefix(v, "ApiKey ")
	}
	return r.URL.Query().Get("api_key")
}
