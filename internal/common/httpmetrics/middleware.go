package httpmetrics

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/DKeken/axion-stack-sub001/internal/observability/metrics"
)

type Collector struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func New() *Collector {
	return &Collector{}
}

// Wrap records request counts and latency. Mounted inside a chi router it
// labels requests with the matched route pattern.
func (c *Collector) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		method := r.Method

		metrics.AuthRequestsInFlight.Inc()
		defer metrics.AuthRequestsInFlight.Dec()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := RouteLabel(r)
		statusClass := fmt.Sprintf("%dxx", rec.status/100)

		metrics.AuthRequestsTotal.WithLabelValues(method, path).Inc()
		metrics.AuthRequestDurationSeconds.WithLabelValues(method, path, statusClass).Observe(time.Since(start).Seconds())
	})
}

// UnmatchedRoute labels paths the service does not serve.
const UnmatchedRoute = "unmatched"

var (
	uuidSegment = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

	opsPaths = map[string]bool{"/health": true, "/ready": true, "/metrics": true}
)

// RouteLabel returns the chi route pattern, or a pattern-shaped label when
// the request never reached a route (404, 405, early middleware errors).
func RouteLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return normalizePath(r.URL.Path)
}

// normalizePath keeps label cardinality bounded: identifiers become {id},
// like the session routes, and anything outside the API collapses into one
// label.
func normalizePath(path string) string {
	if !served(path) {
		return UnmatchedRoute
	}

	parts := strings.Split(path, "/")
	for i, part := range parts {
		if uuidSegment.MatchString(part) || isNumeric(part) {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

func served(path string) bool {
	return opsPaths[path] || strings.HasPrefix(path, "/api/auth/")
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
